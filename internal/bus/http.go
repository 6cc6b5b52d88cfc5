package bus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"studiopipe/internal/errs"
	"studiopipe/internal/metrics"
	"studiopipe/internal/retry"
)

const defaultHTTPTimeout = 5 * time.Second

// HTTP posts envelopes to a remote ingest endpoint (POST <BaseURL>/bus/events).
type HTTP struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	Client      *http.Client
	Retry       retry.Config
}

func (b HTTP) Publish(ctx context.Context, e Envelope) error {
	data, err := marshal(e)
	if err != nil {
		return err
	}
	client := b.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	cfg := b.Retry
	if cfg.MaxAttempts == 0 {
		cfg = retry.DefaultConfig()
	}
	url := strings.TrimRight(b.BaseURL, "/") + "/bus/events"
	err = retry.Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event-Type", e.DetailType)
		req.Header.Set("X-Event-Id", e.ID)
		if b.APIKey != "" {
			req.Header.Set("X-Api-Key", b.APIKey)
		}
		if b.BearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+b.BearerToken)
		}
		res, err := client.Do(req)
		if err != nil {
			return errs.Upstream("bus ingest", err)
		}
		defer res.Body.Close()
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		failure := fmt.Errorf("bus ingest status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
			return errs.Upstream("bus ingest", failure)
		}
		return retry.Permanent(failure)
	})
	if err != nil {
		return err
	}
	metrics.BusPublished.WithLabelValues("http", e.DetailType).Inc()
	return nil
}
