package bus

import (
	"context"
	"errors"
	"sync"

	"studiopipe/internal/metrics"
)

// Memory is the in-process bus: an append-only log plus synchronous
// delivery to subscribers.
type Memory struct {
	mu     sync.Mutex
	events []Envelope
	subs   map[string][]Handler
}

func NewMemory() *Memory {
	return &Memory{subs: map[string][]Handler{}}
}

// Subscribe delivers every later envelope of detailType to h. "*" matches
// every type.
func (m *Memory) Subscribe(detailType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs == nil {
		m.subs = map[string][]Handler{}
	}
	m.subs[detailType] = append(m.subs[detailType], h)
}

func (m *Memory) Publish(ctx context.Context, e Envelope) error {
	if e.Version == "" {
		e.Version = Version
	}
	if err := e.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.events = append(m.events, e)
	handlers := append(append([]Handler(nil), m.subs[e.DetailType]...), m.subs["*"]...)
	m.mu.Unlock()
	metrics.BusPublished.WithLabelValues("memory", e.DetailType).Inc()

	var errList []error
	for _, h := range handlers {
		if err := h(ctx, e); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Events returns a copy of the log.
func (m *Memory) Events() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Envelope(nil), m.events...)
}

func (m *Memory) OfType(detailType string) []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Envelope
	for _, e := range m.events {
		if e.DetailType == detailType {
			out = append(out, e)
		}
	}
	return out
}
