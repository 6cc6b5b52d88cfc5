package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"studiopipe/internal/bus"
	"studiopipe/internal/domain"
	"studiopipe/internal/envresolve"
	"studiopipe/internal/errs"
	"studiopipe/internal/ids"
)

// Worker answers validation requests by resolving the requested packages
// and writing the resolved context next to the other profile contexts.
type Worker struct {
	Env envresolve.Resolver
	Dir string
	Bus bus.Publisher
	Log *slog.Logger
	Now func() time.Time
	// Timeout bounds one resolve; zero means no bound.
	Timeout time.Duration
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) log() *slog.Logger {
	if w.Log != nil {
		return w.Log
	}
	return slog.Default()
}

// ContextFile names the resolved context of a request.
func ContextFile(dir, profileID, digest string) string {
	tag := digest
	if len(tag) < 8 {
		tag = ids.Alnum(8)
	}
	return filepath.Join(dir, fmt.Sprintf("profile-%s.%s.rxt", profileID, tag[:8]))
}

// Handle consumes one profile-validation-request. Only a failed result
// publish is returned, so the request is delivered again.
func (w *Worker) Handle(ctx context.Context, env bus.Envelope) error {
	var req Request
	if err := env.Decode(&req); err != nil || req.ID == "" {
		w.log().Warn("dropping malformed validation request", "event_id", env.ID, "err", err)
		return nil
	}
	log := w.log().With("profile_id", req.ID, "event_id", env.ID)

	res := Result{InResponseTo: env.ID, ProfileID: req.ID, Status: domain.StatusValid}
	out := ""
	if w.Dir != "" {
		out = ContextFile(w.Dir, req.ID, req.Digest)
	}
	rctx := ctx
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}
	resolved, err := w.Env.Resolve(rctx, req.Packages, out)
	switch {
	case err == nil:
		res.Rxt = resolved.ContextFile
	case errors.Is(err, errs.ErrJobResolution):
		res.Status, res.Diagnostics = domain.StatusInvalid, err.Error()
	case errors.Is(rctx.Err(), context.DeadlineExceeded):
		res.Status, res.Diagnostics = domain.StatusError, fmt.Errorf("%w: %v", errs.ErrTimeout, err).Error()
	default:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res.Status, res.Diagnostics = domain.StatusError, err.Error()
	}

	detail, err := bus.Detail(res)
	if err != nil {
		return err
	}
	detail["path"] = req.Path
	if err := w.Bus.Publish(ctx, bus.New(bus.SourceRez, bus.ValidationResult, detail, w.now())); err != nil {
		return fmt.Errorf("publish validation result for %s: %w", req.ID, err)
	}
	log.Info("profile validated", "status", res.Status, "packages", len(req.Packages), "rxt", res.Rxt)
	return nil
}
