package sourcing

import (
	"strings"
	"sync"
	"time"
)

const windowMinutes = 60

// Counts is the trailing-hour view of the ingest counters.
type Counts struct {
	EventsLastHour int            `json:"events_last_hour"`
	TypesLastHour  map[string]int `json:"types_last_hour"`
}

// Stats counts events per type over a sliding hour of one-minute buckets.
type Stats struct {
	Now func() time.Time

	mu      sync.Mutex
	buckets [windowMinutes]bucket
}

type bucket struct {
	minute int64
	counts map[string]int
}

func (s *Stats) minute() int64 {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return now().Unix() / 60
}

// Increment records one event of the given detail-type. Types are compared
// lowercased.
func (s *Stats) Increment(detailType string) {
	key := strings.ToLower(strings.TrimSpace(detailType))
	m := s.minute()
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &s.buckets[m%windowMinutes]
	if b.minute != m || b.counts == nil {
		b.minute = m
		b.counts = map[string]int{}
	}
	b.counts[key]++
}

// Counts sums the buckets of the trailing hour.
func (s *Stats) Counts() Counts {
	m := s.minute()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Counts{TypesLastHour: map[string]int{}}
	for _, b := range s.buckets {
		if b.counts == nil || m-b.minute >= windowMinutes {
			continue
		}
		for k, n := range b.counts {
			out.TypesLastHour[k] += n
			out.EventsLastHour += n
		}
	}
	return out
}
