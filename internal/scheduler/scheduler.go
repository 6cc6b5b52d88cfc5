// Package scheduler turns bus events into durable job requests and runs
// due requests as orchestrator jobs inside resolved package environments.
//
// The store is the source of truth for every request. Transitions are
// guarded writes, so a loop that loses a race simply skips the request.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"

	"studiopipe/internal/bus"
	"studiopipe/internal/domain"
	"studiopipe/internal/envresolve"
	"studiopipe/internal/errs"
	"studiopipe/internal/ids"
	"studiopipe/internal/metrics"
	"studiopipe/internal/orchestrator"
	"studiopipe/internal/resolver"
	"studiopipe/internal/store"
)

var tracer = otel.Tracer("studiopipe/scheduler")

// Configs computes effective configurations.
type Configs interface {
	EffectiveConfig(ctx context.Context, path, name string, withTokens bool) (resolver.EffectiveConfig, error)
}

// Packages lists the name-version packages of a profile.
type Packages interface {
	PackagesAt(ctx context.Context, path, name string) ([]string, error)
	ProfilePackages(ctx context.Context, id string) ([]string, error)
}

const LeaseName = "scheduler-exec"

type Settings struct {
	ToolsConfig       string
	DefaultProfile    string
	DefaultImage      string
	Namespace         string
	JobConfDir        string
	Interval          time.Duration
	MaxJobRequests    int
	MaxSubmitAttempts int
	JobTTL            time.Duration
	BackoffLimit      int
	TrackingFile      string
	EnvFrom           []string
	RescheduleLead    time.Duration
	Holder            string
}

func (s Settings) withDefaults() Settings {
	if s.ToolsConfig == "" {
		s.ToolsConfig = "tools"
	}
	if s.DefaultProfile == "" {
		s.DefaultProfile = "default"
	}
	if s.Namespace == "" {
		s.Namespace = "default"
	}
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	if s.MaxJobRequests <= 0 {
		s.MaxJobRequests = 10
	}
	if s.MaxSubmitAttempts <= 0 {
		s.MaxSubmitAttempts = 3
	}
	if s.RescheduleLead <= 0 {
		s.RescheduleLead = time.Minute
	}
	if s.Holder == "" {
		host, _ := os.Hostname()
		s.Holder = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return s
}

type Scheduler struct {
	Store        store.Store
	Configs      Configs
	Packages     Packages
	Env          envresolve.Resolver
	Orchestrator orchestrator.Orchestrator
	Bus          bus.Publisher
	Settings     Settings
	Log          *slog.Logger
	Now          func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Scheduler) settings() Settings {
	return s.Settings.withDefaults()
}

// HandleEvent is the bus handler for triggering events. Events the
// scheduler emits itself never trigger jobs.
func (s *Scheduler) HandleEvent(ctx context.Context, env bus.Envelope) error {
	if env.Source == bus.SourceScheduler {
		return nil
	}
	_, err := s.Schedule(ctx, env)
	if errors.Is(err, errs.ErrValidation) {
		s.log().Warn("event not scheduled", "event_id", env.ID, "detail_type", env.DetailType, "err", err)
		return nil
	}
	return err
}

// Schedule stores one job request per trigger of the tools config at the
// event path that matches the event type. Replays return the requests
// stored the first time.
func (s *Scheduler) Schedule(ctx context.Context, env bus.Envelope) ([]domain.JobRequest, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	cfg := s.settings()
	path := env.Path()
	log := s.log().With("event_id", env.ID, "detail_type", env.DetailType, "path", path)

	eff, err := s.Configs.EffectiveConfig(ctx, path, cfg.ToolsConfig, false)
	if errors.Is(err, errs.ErrNotFound) {
		log.Debug("no tools configured")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	triggers, err := Triggers(eff.Payload, cfg.DefaultImage)
	if err != nil {
		return nil, err
	}
	event, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	eventNS := env.Time.UnixNano()
	if env.Time.IsZero() {
		eventNS = s.now().UnixNano()
	}

	var out []domain.JobRequest
	for i, t := range triggers {
		if !Match(t.EventTypePattern, env.DetailType) {
			continue
		}
		spec, err := json.Marshal(t.JobSpec)
		if err != nil {
			return out, err
		}
		stored, inserted, err := s.Store.InsertJobRequest(ctx, domain.JobRequest{
			JobID:               ids.NewJobID(),
			EventID:             env.ID,
			TriggerIndex:        i,
			TriggeringEventType: env.DetailType,
			DueNS:               eventNS + t.DelayMS*int64(time.Millisecond),
			ToolConfig:          spec,
			Event:               event,
			CreatedNS:           s.now().UnixNano(),
		})
		if err != nil {
			return out, err
		}
		if inserted {
			metrics.JobTransitions.WithLabelValues(domain.JobPending).Inc()
			log.Info("job request stored", "job_id", stored.JobID, "trigger", i, "due_ns", stored.DueNS)
		} else {
			log.Debug("job request already stored", "job_id", stored.JobID, "trigger", i)
		}
		out = append(out, stored)
	}
	return out, nil
}

// publishStatus emits job-status-<status>. Failures are only logged.
func (s *Scheduler) publishStatus(ctx context.Context, j domain.JobRequest, status string, stampedNS int64, extra map[string]any) {
	if s.Bus == nil {
		return
	}
	detail := map[string]any{"job_id": j.JobID, "stamped_at": stampedNS, "event_id": j.EventID}
	for k, v := range extra {
		detail[k] = v
	}
	var env bus.Envelope
	if err := json.Unmarshal(j.Event, &env); err == nil {
		detail["path"] = env.Path()
	}
	if err := s.Bus.Publish(ctx, bus.New(bus.SourceScheduler, bus.JobStatusPrefix+status, detail, s.now())); err != nil {
		s.log().Warn("publish job status", "job_id", j.JobID, "status", status, "err", err)
	}
}
