package bus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"studiopipe/internal/domain"
	"studiopipe/internal/metrics"
	"studiopipe/internal/store"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultDispatchBatch    = 100
)

// Dispatcher polls the local event log for one consumer and routes each
// envelope to the handler of its detail type. The consumer cursor only
// advances past an envelope once its handler succeeded.
type Dispatcher struct {
	Store    store.Store
	Consumer string
	Interval time.Duration
	Batch    int
	Log      *slog.Logger
	Now      func() time.Time

	mu       sync.Mutex
	handlers map[string]Handler
}

// Handle routes detailType to h. "*" catches every type without a handler
// of its own.
func (d *Dispatcher) Handle(detailType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = map[string]Handler{}
	}
	d.handlers[detailType] = h
}

func (d *Dispatcher) types() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers["*"]; ok {
		return []string{"*"}
	}
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) handler(detailType string) Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.handlers[detailType]; ok {
		return h
	}
	return d.handlers["*"]
}

func (d *Dispatcher) log() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Poll delivers one batch and returns how many envelopes were handled.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	types := d.types()
	if len(types) == 0 {
		return 0, nil
	}
	cursor, err := d.Store.BusCursor(ctx, d.Consumer)
	if err != nil {
		return 0, err
	}
	batch := d.Batch
	if batch <= 0 {
		batch = defaultDispatchBatch
	}
	if len(types) == 1 && types[0] == "*" {
		types = nil
	}
	recs, err := d.Store.BusEventsAfter(ctx, cursor, types, batch)
	if err != nil {
		return 0, err
	}
	handled := 0
	for _, rec := range recs {
		var e Envelope
		if err := domain.DecodeJSON(rec.Envelope, &e); err != nil {
			d.log().Warn("dropping undecodable envelope", "consumer", d.Consumer, "event_id", rec.ID, "err", err)
		} else if h := d.handler(rec.DetailType); h != nil {
			if err := h(ctx, e); err != nil {
				metrics.BusDeliveryFailures.WithLabelValues(d.Consumer, rec.DetailType).Inc()
				d.log().Warn("handler failed, will retry", "consumer", d.Consumer, "event_id", rec.ID, "detail_type", rec.DetailType, "err", err)
				return handled, nil
			}
			handled++
		}
		if err := d.Store.SetBusCursor(ctx, d.Consumer, rec.Seq, d.now().UnixNano()); err != nil {
			return handled, err
		}
	}
	return handled, nil
}

func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultDispatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for {
			n, err := d.Poll(ctx)
			if err != nil {
				if ctx.Err() == nil {
					d.log().Warn("bus poll failed", "consumer", d.Consumer, "err", err)
				}
				break
			}
			if n < d.batchSize() {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) batchSize() int {
	if d.Batch > 0 {
		return d.Batch
	}
	return defaultDispatchBatch
}
