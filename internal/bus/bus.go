// Package bus carries augmented domain events between the control plane
// services. Delivery is at-least-once; handlers must be idempotent.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"studiopipe/internal/domain"
	"studiopipe/internal/errs"
	"studiopipe/internal/levelpath"
)

const Version = "0"

// Event sources.
const (
	SourceSourcing     = "sourcing-service"
	SourceDependency   = "dependency-service"
	SourceRez          = "rez-service"
	SourceScheduler    = "scheduler-service"
	SourceSchedulerJob = "scheduler-job"
)

// Detail types owned by the control plane.
const (
	ValidationRequest = "profile-validation-request"
	ValidationResult  = "profile-validation-result"
	JobStarted        = "job-started"
	JobFinished       = "job-finished"
	JobReschedule     = "job-reschedule"
	JobStatusPrefix   = "job-status-"
)

// Envelope is the wire shape of every event.
type Envelope struct {
	Version    string         `json:"version"`
	ID         string         `json:"id"`
	Time       time.Time      `json:"time"`
	Source     string         `json:"source"`
	DetailType string         `json:"detail-type"`
	Detail     map[string]any `json:"detail"`
}

// New stamps a fresh envelope.
func New(source, detailType string, detail map[string]any, now time.Time) Envelope {
	if detail == nil {
		detail = map[string]any{}
	}
	return Envelope{
		Version:    Version,
		ID:         uuid.NewString(),
		Time:       now.UTC().Truncate(time.Second),
		Source:     source,
		DetailType: detailType,
		Detail:     detail,
	}
}

func (e Envelope) Validate() error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return errs.Validation("event id required")
	case strings.TrimSpace(e.Source) == "":
		return errs.Validation("event source required")
	case strings.TrimSpace(e.DetailType) == "":
		return errs.Validation("event detail-type required")
	}
	return nil
}

// Path is the canonical detail.path, or the root when absent.
func (e Envelope) Path() string {
	if p, ok := e.Detail["path"].(string); ok {
		return levelpath.Canonize(p)
	}
	return levelpath.Root
}

// String reads a string field of the detail.
func (e Envelope) String(key string) string {
	s, _ := e.Detail[key].(string)
	return s
}

// Decode unmarshals the detail into v.
func (e Envelope) Decode(v any) error {
	raw, err := json.Marshal(e.Detail)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Validation("%s detail: %v", e.DetailType, err)
	}
	return nil
}

// Detail converts a struct into an envelope detail through its JSON form, so
// in-memory and durable deliveries decode alike.
func Detail(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := domain.DecodeJSON(raw, &out); err != nil {
		return nil, fmt.Errorf("detail of %T: %w", v, err)
	}
	return out, nil
}

// Publisher sends envelopes to the bus.
type Publisher interface {
	Publish(ctx context.Context, e Envelope) error
}

// Handler consumes one envelope. A returned error leaves it undelivered.
type Handler func(ctx context.Context, e Envelope) error

func marshal(e Envelope) ([]byte, error) {
	if e.Version == "" {
		e.Version = Version
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", e.ID, err)
	}
	return data, nil
}
