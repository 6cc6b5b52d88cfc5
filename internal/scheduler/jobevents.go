package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"studiopipe/internal/bus"
	"studiopipe/internal/domain"
	"studiopipe/internal/errs"
	"studiopipe/internal/ids"
	"studiopipe/internal/metrics"
	"studiopipe/internal/store"
)

// Stamp is a nanosecond timestamp sent as a JSON number or string.
type Stamp int64

func (s *Stamp) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(bytes.TrimSpace(b), `"`)
	if len(b) == 0 || string(b) == "null" {
		*s = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return errs.Validation("stamp %q is not an integer", b)
	}
	*s = Stamp(n)
	return nil
}

type jobEvent struct {
	JobID      string `json:"job_id"`
	StartedAt  Stamp  `json:"started_at"`
	FinishedAt Stamp  `json:"finished_at"`
	DueAt      Stamp  `json:"due_at"`
	ExitCode   *int   `json:"exit_code"`
}

// HandleJobEvent applies a job progress event. Events naming unknown or
// already terminal requests are logged and dropped.
func (s *Scheduler) HandleJobEvent(ctx context.Context, env bus.Envelope) error {
	var ev jobEvent
	if err := env.Decode(&ev); err != nil {
		s.log().Warn("undecodable job event", "event_id", env.ID, "err", err)
		return nil
	}
	var err error
	switch env.DetailType {
	case bus.JobStarted:
		err = s.MarkStarted(ctx, ev.JobID, int64(ev.StartedAt))
	case bus.JobFinished:
		code := 0
		if ev.ExitCode != nil {
			code = *ev.ExitCode
		}
		err = s.MarkFinished(ctx, ev.JobID, int64(ev.FinishedAt), code)
	case bus.JobReschedule:
		_, err = s.Reschedule(ctx, ev.JobID, int64(ev.DueAt))
	default:
		return nil
	}
	if errors.Is(err, errs.ErrValidation) || errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrConflict) {
		s.log().Warn("job event dropped", "event_id", env.ID, "detail_type", env.DetailType, "job_id", ev.JobID, "err", err)
		return nil
	}
	return err
}

// MarkStarted records the start stamp a job reports for itself.
func (s *Scheduler) MarkStarted(ctx context.Context, jobID string, startedNS int64) error {
	j, err := s.Store.GetJobRequest(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Terminal() {
		return errs.Conflict("job request %s already finished", jobID)
	}
	if startedNS <= 0 {
		startedNS = s.now().UnixNano()
	}
	if startedNS < j.PreparedNS {
		startedNS = j.PreparedNS
	}
	if err := s.Store.TransitionJobRequest(ctx, nil, store.JobUpdate{
		JobID: jobID, ExpectStartedNS: j.StartedNS, State: domain.JobRunning, StartedNS: &startedNS,
	}); err != nil {
		return err
	}
	s.log().Info("job started", "job_id", jobID, "started_ns", startedNS)
	return nil
}

// MarkFinished makes a request terminal with the exit code its job reported.
func (s *Scheduler) MarkFinished(ctx context.Context, jobID string, finishedNS int64, exitCode int) error {
	j, err := s.Store.GetJobRequest(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Terminal() {
		return errs.Conflict("job request %s already finished", jobID)
	}
	if finishedNS <= 0 {
		finishedNS = s.now().UnixNano()
	}
	for _, ns := range []int64{j.DueNS, j.PreparedNS, j.StartedNS} {
		if ns > finishedNS {
			finishedNS = ns
		}
	}
	state := domain.JobSucceeded
	if exitCode != 0 {
		state = domain.JobFailed
	}
	if err := s.Store.TransitionJobRequest(ctx, nil, store.JobUpdate{
		JobID: jobID, ExpectStartedNS: j.StartedNS, State: state, FinishedNS: &finishedNS, ExitCode: &exitCode,
	}); err != nil {
		return err
	}
	metrics.JobTransitions.WithLabelValues(state).Inc()
	s.publishStatus(ctx, j, state, finishedNS, map[string]any{"exit_code": exitCode})
	return nil
}

// Reschedule stores a copy of a request due at dueNS. The copy keeps the
// triggering event and records its origin, so repeating the event returns
// the copy stored the first time.
func (s *Scheduler) Reschedule(ctx context.Context, jobID string, dueNS int64) (domain.JobRequest, error) {
	if dueNS < 1e18 {
		return domain.JobRequest{}, errs.Validation("due_at %d is not a 19-digit nanosecond stamp", dueNS)
	}
	j, err := s.Store.GetJobRequest(ctx, jobID)
	if err != nil {
		return domain.JobRequest{}, err
	}
	now := s.now()
	if dueNS <= j.DueNS {
		return domain.JobRequest{}, errs.Validation("due_at must be after the current due %d", j.DueNS)
	}
	if earliest := now.Add(s.settings().RescheduleLead).UnixNano(); dueNS < earliest {
		return domain.JobRequest{}, errs.Validation("due_at must be at least %s ahead", s.settings().RescheduleLead)
	}
	stored, inserted, err := s.Store.InsertJobRequest(ctx, domain.JobRequest{
		JobID:               ids.RescheduleID(j.JobID),
		EventID:             j.EventID,
		TriggerIndex:        j.TriggerIndex,
		TriggeringEventType: j.TriggeringEventType,
		DueNS:               dueNS,
		ToolConfig:          j.ToolConfig,
		Event:               j.Event,
		ScheduledByJob:      j.JobID,
		CreatedNS:           now.UnixNano(),
	})
	if err != nil {
		return domain.JobRequest{}, err
	}
	if inserted {
		metrics.JobTransitions.WithLabelValues(domain.JobPending).Inc()
		s.log().Info("job rescheduled", "job_id", jobID, "new_job_id", stored.JobID, "due", time.Unix(0, dueNS).UTC())
	}
	return stored, nil
}

// MarshalJSON keeps stamps numeric on the wire.
func (s Stamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(s))
}
