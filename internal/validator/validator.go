// Package validator keeps profile validation status in step with the
// package environment. The Dispatcher publishes a validation request when a
// profile's effective content changes and applies the results; the Worker
// answers requests with the environment resolver.
package validator

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"studiopipe/internal/bus"
	"studiopipe/internal/domain"
	"studiopipe/internal/errs"
	"studiopipe/internal/metrics"
	"studiopipe/internal/resolver"
	"studiopipe/internal/store"
)

// Request is the detail of a profile-validation-request.
type Request struct {
	ID       string                    `json:"id"`
	Path     string                    `json:"path"`
	Name     string                    `json:"name"`
	Active   int64                     `json:"active"`
	Digest   string                    `json:"digest"`
	Packages []string                  `json:"packages"`
	Profile  resolver.EffectiveProfile `json:"profile"`
}

// Result is the detail of a profile-validation-result.
type Result struct {
	InResponseTo string `json:"in_response_to_event"`
	ProfileID    string `json:"profile_id"`
	Status       string `json:"status"`
	Diagnostics  string `json:"diagnostics,omitempty"`
	Rxt          string `json:"rxt,omitempty"`
}

type Dispatcher struct {
	Store    store.Store
	Resolver resolver.Resolver
	Bus      bus.Publisher
	Log      *slog.Logger
	Now      func() time.Time
}

func NewDispatcher(s store.Store, pub bus.Publisher) *Dispatcher {
	return &Dispatcher{Store: s, Resolver: resolver.Resolver{Items: s}, Bus: pub, Now: time.Now}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) log() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// ProfileChanged dispatches p and every current profile of the same name
// below it. Descendants go back to pending first.
func (d *Dispatcher) ProfileChanged(ctx context.Context, p domain.Profile) error {
	if err := d.dispatch(ctx, p, false); err != nil {
		return err
	}
	below, err := d.Store.CurrentProfilesBelow(ctx, nil, p.Path, p.Name)
	if err != nil {
		return err
	}
	var errList []error
	for _, c := range below {
		if err := d.Store.SetProfileStatus(ctx, nil, c.ID, domain.StatusPending, "", d.now().UnixNano()); err != nil {
			errList = append(errList, err)
			continue
		}
		if err := d.dispatch(ctx, c, false); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// RequestValidation publishes a validation request for p even when one
// with the same digest is outstanding. Descendants are left alone.
func (d *Dispatcher) RequestValidation(ctx context.Context, p domain.Profile) error {
	return d.dispatch(ctx, p, true)
}

func (d *Dispatcher) dispatch(ctx context.Context, p domain.Profile, force bool) error {
	eff, err := d.Resolver.ProfileWith(ctx, p, resolver.ProfileOptions{})
	if err != nil {
		return err
	}
	digest := eff.Digest()
	prev, err := d.Store.GetValidationDispatch(ctx, p.ID, p.Active)
	switch {
	case err == nil && prev.Digest == digest && !force:
		d.log().Debug("validation already requested", "profile_id", p.ID, "active", p.Active, "event_id", prev.EventID)
		return nil
	case err != nil && !errors.Is(err, errs.ErrNotFound):
		return err
	}

	req := Request{ID: p.ID, Path: p.Path, Name: p.Name, Active: p.Active, Digest: digest, Packages: eff.PackageList(), Profile: eff}
	detail, err := bus.Detail(req)
	if err != nil {
		return err
	}
	env := bus.New(bus.SourceDependency, bus.ValidationRequest, detail, d.now())
	// The record lands first so a result delivered during Publish already
	// matches the newest dispatch.
	if err := d.Store.PutValidationDispatch(ctx, store.ValidationDispatch{
		ProfileID: p.ID, Active: p.Active, Digest: digest, EventID: env.ID, DispatchedNS: d.now().UnixNano(),
	}); err != nil {
		return err
	}
	if err := d.Bus.Publish(ctx, env); err != nil {
		if prev.EventID != "" {
			err = errors.Join(err, d.Store.PutValidationDispatch(ctx, prev))
		} else {
			err = errors.Join(err, d.Store.DeleteValidationDispatch(ctx, p.ID, p.Active))
		}
		return err
	}
	d.log().Info("validation requested", "profile_id", p.ID, "active", p.Active, "event_id", env.ID, "packages", len(req.Packages))
	return nil
}

// HandleResult applies a profile-validation-result. Results answering an
// older request than the newest dispatch are dropped. A status change on a
// current profile moves it to the next active value.
func (d *Dispatcher) HandleResult(ctx context.Context, env bus.Envelope) error {
	var r Result
	if err := env.Decode(&r); err != nil {
		d.log().Warn("dropping malformed validation result", "event_id", env.ID, "err", err)
		return nil
	}
	switch r.Status {
	case domain.StatusValid, domain.StatusInvalid, domain.StatusError:
	default:
		d.log().Warn("dropping validation result with unknown status", "event_id", env.ID, "status", r.Status)
		return nil
	}
	log := d.log().With("profile_id", r.ProfileID, "event_id", env.ID)

	if r.InResponseTo != "" {
		last, err := d.Store.LatestValidationDispatch(ctx, r.ProfileID)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		if err == nil && last.EventID != r.InResponseTo {
			log.Info("dropping stale validation result", "in_response_to", r.InResponseTo, "latest", last.EventID)
			return nil
		}
	}

	p, err := d.Store.GetProfile(ctx, nil, r.ProfileID)
	if errors.Is(err, errs.ErrNotFound) {
		log.Warn("validation result for unknown profile")
		return nil
	}
	if err != nil {
		return err
	}
	if p.Status == r.Status && p.Diagnostics == r.Diagnostics {
		return nil
	}
	transitioned := p.Status != r.Status
	now := d.now().UnixNano()
	active := p.Active
	err = d.Store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := d.Store.SetProfileStatus(ctx, tx, p.ID, r.Status, r.Diagnostics, now); err != nil {
			return err
		}
		if !transitioned {
			return nil
		}
		var err error
		active, err = d.Store.BumpProfileActive(ctx, tx, p.ID, now)
		return err
	})
	if err != nil {
		return err
	}
	metrics.ValidationResults.WithLabelValues(r.Status).Inc()
	log.Info("validation result applied", "status", r.Status, "previous", p.Status, "active", active)
	return nil
}
