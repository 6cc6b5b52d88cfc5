package bus

import (
	"context"
	"time"

	"studiopipe/internal/metrics"
	"studiopipe/internal/retry"
	"studiopipe/internal/store"
)

// SQL appends envelopes to the local event log table. Appends are
// idempotent on the envelope id.
type SQL struct {
	Store store.Store
	Retry retry.Config
	Now   func() time.Time
}

func (b SQL) Publish(ctx context.Context, e Envelope) error {
	if e.Version == "" {
		e.Version = Version
	}
	data, err := marshal(e)
	if err != nil {
		return err
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	cfg := b.Retry
	if cfg.MaxAttempts == 0 {
		cfg = retry.DefaultConfig()
	}
	err = retry.Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		_, err := b.Store.AppendBusEvent(ctx, store.BusRecord{
			ID:         e.ID,
			DetailType: e.DetailType,
			Source:     e.Source,
			Envelope:   data,
			CreatedNS:  now().UnixNano(),
		})
		return err
	})
	if err != nil {
		return err
	}
	metrics.BusPublished.WithLabelValues("sql", e.DetailType).Inc()
	return nil
}
