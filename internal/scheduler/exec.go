package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"studiopipe/internal/bus"
	"studiopipe/internal/domain"
	"studiopipe/internal/envresolve"
	"studiopipe/internal/errs"
	"studiopipe/internal/health"
	"studiopipe/internal/metrics"
	"studiopipe/internal/orchestrator"
	"studiopipe/internal/store"
)

// TickSummary counts what one execution tick did.
type TickSummary struct {
	Skipped    bool `json:"skipped"`
	Due        int  `json:"due"`
	Submitted  int  `json:"submitted"`
	Failed     int  `json:"failed"`
	Reconciled int  `json:"reconciled"`
}

// JobConf is the file a job reads its inputs from.
type JobConf struct {
	Event           json.RawMessage        `json:"event"`
	ToolConfig      json.RawMessage        `json:"tool_config"`
	ProfilePackages []string               `json:"profile_packages"`
	Environment     envresolve.Environment `json:"environment"`
}

// Run ticks until ctx ends. A failed tick is logged; the loop goes on.
func (s *Scheduler) Run(ctx context.Context) error {
	cfg := s.settings()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	s.log().Info("scheduler exec loop started", "interval", cfg.Interval, "holder", cfg.Holder)
	defer func() {
		if err := s.Store.ReleaseLease(context.Background(), LeaseName, cfg.Holder); err != nil {
			s.log().Warn("release lease", "err", err)
		}
	}()
	for {
		if sum, err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log().Error("exec tick failed", "err", err)
		} else if !sum.Skipped && (sum.Due > 0 || sum.Reconciled > 0) {
			s.log().Info("exec tick", "due", sum.Due, "submitted", sum.Submitted, "failed", sum.Failed, "reconciled", sum.Reconciled)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick reconciles running requests, then prepares and submits due ones.
// It skips the work when another instance holds the exec lease, and
// touches the tracking file either way.
func (s *Scheduler) Tick(ctx context.Context) (TickSummary, error) {
	start := time.Now()
	cfg := s.settings()
	ctx, span := tracer.Start(ctx, "scheduler.Tick")
	defer span.End()
	defer func() { metrics.ExecTickDuration.Observe(time.Since(start).Seconds()) }()

	var sum TickSummary
	now := s.now()
	_, err := s.Store.ClaimLease(ctx, LeaseName, cfg.Holder, now.UnixNano(), now.Add(3*cfg.Interval).UnixNano())
	switch {
	case errors.Is(err, errs.ErrConflict):
		s.log().Debug("exec lease held elsewhere", "err", err)
		sum.Skipped = true
		return sum, s.touch(now)
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "lease")
		return sum, err
	}

	reconciled, err := s.reconcile(ctx)
	sum.Reconciled = reconciled
	if err != nil {
		span.RecordError(err)
		return sum, err
	}

	due, err := s.Store.DueJobRequests(ctx, s.now().UnixNano(), cfg.MaxJobRequests)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "due requests")
		return sum, err
	}
	sum.Due = len(due)
	span.SetAttributes(attribute.Int("due", len(due)))
	for _, j := range due {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		submitted, err := s.execute(ctx, j)
		switch {
		case err != nil:
			sum.Failed++
			s.log().Warn("job request not submitted", "job_id", j.JobID, "err", err)
		case submitted:
			sum.Submitted++
		}
	}
	return sum, s.touch(s.now())
}

func (s *Scheduler) touch(now time.Time) error {
	if err := health.Touch(s.settings().TrackingFile, now); err != nil {
		return fmt.Errorf("touch tracking file: %w", err)
	}
	return nil
}

// execute takes one due request as far as submission. A returned error
// leaves the request due for the next tick.
func (s *Scheduler) execute(ctx context.Context, j domain.JobRequest) (bool, error) {
	cfg := s.settings()
	log := s.log().With("job_id", j.JobID, "event_id", j.EventID)

	spec, err := parseJobSpec(j.ToolConfig)
	if err != nil {
		log.Warn("unrecoverable job request", "err", err)
		s.finish(ctx, j, domain.JobUnrecoverable, domain.ExitUnrecoverable, map[string]any{"reason": err.Error()})
		return false, nil
	}
	var event bus.Envelope
	if err := json.Unmarshal(j.Event, &event); err != nil {
		log.Warn("unrecoverable job request", "err", err)
		s.finish(ctx, j, domain.JobUnrecoverable, domain.ExitUnrecoverable, map[string]any{"reason": "undecodable event"})
		return false, nil
	}

	packages, err := s.packages(ctx, spec, event.Path())
	if spec.ProfileID != "" && (errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrValidation)) {
		log.Warn("job profile unusable", "profile_id", spec.ProfileID, "err", err)
		s.finish(ctx, j, domain.JobUnrecoverable, domain.ExitUnrecoverable, map[string]any{"reason": err.Error()})
		return false, nil
	}
	if err != nil {
		s.publishStatus(ctx, j, "unprepared", s.now().UnixNano(), nil)
		return false, err
	}

	ctxFile := ""
	if cfg.JobConfDir != "" {
		ctxFile = filepath.Join(cfg.JobConfDir, j.JobID+".rxt")
	}
	resolved, err := s.Env.Resolve(ctx, packages, ctxFile)
	if errors.Is(err, errs.ErrJobResolution) {
		log.Warn("environment resolution failed", "packages", packages, "err", err)
		s.finish(ctx, j, domain.JobResolveFailed, domain.ExitResolveFailed, map[string]any{"reason": err.Error()})
		return false, nil
	}
	if err != nil {
		s.publishStatus(ctx, j, "unprepared", s.now().UnixNano(), nil)
		return false, err
	}

	prepared := s.now().UnixNano()
	if err := s.Store.TransitionJobRequest(ctx, nil, store.JobUpdate{
		JobID: j.JobID, State: domain.JobPrepared, PreparedNS: &prepared,
	}); err != nil {
		return false, err
	}
	metrics.JobTransitions.WithLabelValues(domain.JobPrepared).Inc()

	confFile, err := s.writeJobConf(j, packages, resolved)
	if err != nil {
		s.publishStatus(ctx, j, "unprepared", s.now().UnixNano(), nil)
		return false, err
	}

	started := s.now().UnixNano()
	if started < prepared {
		started = prepared
	}
	if err := s.Store.TransitionJobRequest(ctx, nil, store.JobUpdate{
		JobID: j.JobID, State: domain.JobRunning, StartedNS: &started,
	}); err != nil {
		return false, err
	}

	jobSpec := s.orchestratorSpec(j, spec, confFile, resolved)
	if err := s.Orchestrator.Submit(ctx, jobSpec); err != nil {
		return false, s.submitFailed(ctx, j, started, err)
	}
	metrics.JobTransitions.WithLabelValues(domain.JobRunning).Inc()
	log.Info("job submitted", "name", jobSpec.Name, "namespace", jobSpec.Namespace, "image", jobSpec.Image, "packages", len(packages))
	s.publishStatus(ctx, j, "prepared", prepared, map[string]any{"name": jobSpec.Name})
	return true, nil
}

// packages picks the profile of a job: an explicit profile id, else the
// named profile at the spec's profile path or the event path. No profile
// there means no packages.
func (s *Scheduler) packages(ctx context.Context, spec JobSpec, eventPath string) ([]string, error) {
	if spec.ProfileID != "" {
		return s.Packages.ProfilePackages(ctx, spec.ProfileID)
	}
	path := eventPath
	if spec.ProfilePath != "" {
		path = spec.ProfilePath
	}
	name := spec.Profile
	if name == "" {
		name = s.settings().DefaultProfile
	}
	pkgs, err := s.Packages.PackagesAt(ctx, path, name)
	if errors.Is(err, errs.ErrNotFound) {
		return []string{}, nil
	}
	return pkgs, err
}

func (s *Scheduler) jobConfFile(jobID string) string {
	dir := s.settings().JobConfDir
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, jobID+".json")
}

func (s *Scheduler) writeJobConf(j domain.JobRequest, packages []string, env envresolve.Environment) (string, error) {
	name := s.jobConfFile(j.JobID)
	if name == "" {
		return "", nil
	}
	raw, err := json.MarshalIndent(JobConf{Event: j.Event, ToolConfig: j.ToolConfig, ProfilePackages: packages, Environment: env}, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(name), filepath.Base(name)+".*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), name); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return name, nil
}

func (s *Scheduler) orchestratorSpec(j domain.JobRequest, spec JobSpec, confFile string, resolved envresolve.Environment) orchestrator.JobSpec {
	cfg := s.settings()
	name := orchestrator.JobName(j.JobID)
	env := map[string]string{}
	for k, v := range spec.Env {
		env[k] = v
	}
	for k, v := range resolved.Env {
		env[k] = v
	}
	env["JOBCONF_JOB_ID"] = j.JobID
	env["JOBCONF_JOB_NAME"] = name
	if confFile != "" {
		env["JOBCONF_JOB_FILE"] = confFile
	}
	if spec.ToolToRun != "" {
		env["JOBCONF_TOOL_TO_RUN"] = spec.ToolToRun
	}
	ns := spec.Namespace
	if ns == "" {
		ns = cfg.Namespace
	}
	out := orchestrator.JobSpec{
		Namespace:    ns,
		Name:         name,
		Image:        spec.Image,
		Command:      spec.Command,
		Env:          env,
		EnvFrom:      append(append([]string{}, cfg.EnvFrom...), spec.EnvFrom...),
		VolMounts:    append([]orchestrator.VolumeMount{}, spec.VolMounts...),
		VolSources:   append([]orchestrator.VolumeSource{}, spec.VolSources...),
		Labels:       map[string]string{"app": "scheduler-job", "job-request": name},
		TTLSeconds:   int(cfg.JobTTL / time.Second),
		BackoffLimit: cfg.BackoffLimit,
	}
	if cfg.JobConfDir != "" {
		out.VolSources = append(out.VolSources, orchestrator.VolumeSource{Name: "jobconf", HostPath: cfg.JobConfDir})
		out.VolMounts = append(out.VolMounts, orchestrator.VolumeMount{Name: "jobconf", MountPath: cfg.JobConfDir, ReadOnly: true})
	}
	return out
}

// submitFailed clears started_ns and counts the attempt. The last allowed
// attempt makes the request terminal.
func (s *Scheduler) submitFailed(ctx context.Context, j domain.JobRequest, started int64, cause error) error {
	cfg := s.settings()
	zero := int64(0)
	u := store.JobUpdate{JobID: j.JobID, ExpectStartedNS: started, State: domain.JobPrepared, StartedNS: &zero, AddAttempt: true}
	final := j.Attempts+1 >= cfg.MaxSubmitAttempts
	if final {
		finished := s.now().UnixNano()
		if finished < started {
			finished = started
		}
		code := domain.ExitSubmitFailed
		u.State, u.FinishedNS, u.ExitCode = domain.JobSubmitFailed, &finished, &code
	}
	if err := s.Store.TransitionJobRequest(ctx, nil, u); err != nil {
		return errors.Join(cause, err)
	}
	if final {
		metrics.JobTransitions.WithLabelValues(domain.JobSubmitFailed).Inc()
		s.log().Error("job submission abandoned", "job_id", j.JobID, "attempts", j.Attempts+1, "err", cause)
		s.publishStatus(ctx, j, domain.JobSubmitFailed, *u.FinishedNS, map[string]any{"exit_code": domain.ExitSubmitFailed, "reason": cause.Error()})
		return nil
	}
	s.publishStatus(ctx, j, "unprepared", s.now().UnixNano(), map[string]any{"attempts": j.Attempts + 1})
	return fmt.Errorf("%w: %v", errs.ErrJobSubmit, cause)
}

// finish makes a request terminal. finished_ns never precedes the earlier
// stamps of the request.
func (s *Scheduler) finish(ctx context.Context, j domain.JobRequest, state string, exitCode int, extra map[string]any) bool {
	finished := s.now().UnixNano()
	for _, ns := range []int64{j.DueNS, j.PreparedNS, j.StartedNS} {
		if ns > finished {
			finished = ns
		}
	}
	err := s.Store.TransitionJobRequest(ctx, nil, store.JobUpdate{
		JobID: j.JobID, ExpectStartedNS: j.StartedNS, State: state, FinishedNS: &finished, ExitCode: &exitCode,
	})
	if err != nil {
		s.log().Warn("job request not finished", "job_id", j.JobID, "state", state, "err", err)
		return false
	}
	metrics.JobTransitions.WithLabelValues(state).Inc()
	if extra == nil {
		extra = map[string]any{}
	}
	extra["exit_code"] = exitCode
	s.publishStatus(ctx, j, state, finished, extra)
	return true
}

// reconcile reads the orchestrator status of every running request. A
// request the orchestrator does not know failed to submit.
func (s *Scheduler) reconcile(ctx context.Context) (int, error) {
	running, err := s.Store.RunningJobRequests(ctx)
	if err != nil {
		return 0, err
	}
	cfg := s.settings()
	n := 0
	for _, j := range running {
		ns := cfg.Namespace
		if spec, err := parseJobSpec(j.ToolConfig); err == nil && spec.Namespace != "" {
			ns = spec.Namespace
		}
		st, err := s.Orchestrator.Status(ctx, ns, orchestrator.JobName(j.JobID))
		switch {
		case errors.Is(err, errs.ErrNotFound):
			if s.finish(ctx, j, domain.JobSubmitFailed, domain.ExitSubmitFailed, map[string]any{"reason": "no orchestrator record"}) {
				n++
			}
		case err != nil:
			s.log().Warn("orchestrator status", "job_id", j.JobID, "err", err)
		case st.Phase == orchestrator.PhaseSucceeded:
			if s.finish(ctx, j, domain.JobSucceeded, 0, nil) {
				n++
			}
		case st.Phase == orchestrator.PhaseFailed:
			code := st.ExitCode
			if code == 0 {
				code = 1
			}
			if s.finish(ctx, j, domain.JobFailed, code, nil) {
				n++
			}
		}
	}
	return n, nil
}
