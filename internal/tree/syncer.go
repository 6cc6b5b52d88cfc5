package tree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"studiopipe/internal/domain"
	"studiopipe/internal/errs"
	"studiopipe/internal/health"
	"studiopipe/internal/levelpath"
	"studiopipe/internal/metrics"
	"studiopipe/internal/upstream"
)

var tracer = otel.Tracer("studiopipe/tree")

// Requests is the durable queue of sync requests.
type Requests interface {
	PendingSyncRequests(ctx context.Context) ([]domain.SyncRequest, error)
	// LatestFulfilledSyncRequest returns errs.ErrNotFound when nothing was
	// fulfilled yet.
	LatestFulfilledSyncRequest(ctx context.Context) (domain.SyncRequest, error)
	CreateSyncRequest(ctx context.Context, req domain.SyncRequest) error
	FulfillSyncRequests(ctx context.Context, ids []string, filename string, fulfilledNS int64) error
}

// Syncer rebuilds the tree from upstream whenever sync requests are pending
// and publishes the result.
type Syncer struct {
	Tree         *Tree
	Source       upstream.Source
	Requests     Requests
	Dir          string
	TrackingFile string
	Interval     time.Duration
	MaxFailures  int
	Filter       upstream.ProjectFilter
	DefaultSite  levelpath.Site
	Log          *slog.Logger
	Now          func() time.Time

	group    singleflight.Group
	failures atomic.Int64
}

func (s *Syncer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Syncer) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Failures is the number of consecutive failed builds.
func (s *Syncer) Failures() int {
	return int(s.failures.Load())
}

// RequestSync queues a rebuild.
func (s *Syncer) RequestSync(ctx context.Context, comment string) (domain.SyncRequest, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return domain.SyncRequest{}, err
	}
	req := domain.SyncRequest{ID: id.String(), Comment: comment, RequestedNS: s.now().UnixNano()}
	if err := s.Requests.CreateSyncRequest(ctx, req); err != nil {
		return domain.SyncRequest{}, err
	}
	return req, nil
}

// Tick runs one sync cycle. Concurrent callers share a single cycle.
func (s *Syncer) Tick(ctx context.Context) error {
	_, err, _ := s.group.Do("sync", func() (any, error) {
		return nil, s.tick(ctx)
	})
	return err
}

func (s *Syncer) tick(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "tree.sync", trace.WithSpanKind(trace.SpanKindInternal))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	pending, err := s.Requests.PendingSyncRequests(ctx)
	if err != nil {
		return fmt.Errorf("list sync requests: %w", err)
	}
	span.SetAttributes(attribute.Int("sync.pending", len(pending)))
	if len(pending) == 0 {
		return s.verify(ctx)
	}
	return s.build(ctx, pending)
}

// verify keeps the published snapshot in line with the newest fulfilled
// request and refreshes the tracking file.
func (s *Syncer) verify(ctx context.Context) error {
	latest, err := s.Requests.LatestFulfilledSyncRequest(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		_, err := s.RequestSync(ctx, "initial sync")
		return err
	}
	if err != nil {
		return err
	}
	if s.Tree.Snapshot().SyncID != latest.ID {
		snap, err := ReadSnapshot(s.Dir, latest.Filename)
		if err != nil {
			s.log().Warn("snapshot unreadable, requesting a rebuild", "file", latest.Filename, "err", err)
			_, rerr := s.RequestSync(ctx, "snapshot unreadable")
			return rerr
		}
		s.Tree.Publish(snap)
		metrics.TreeLevels.Set(float64(snap.count))
		metrics.TreeSyncs.WithLabelValues("loaded").Inc()
		s.log().Info("snapshot loaded", "sync_id", snap.SyncID, "file", latest.Filename)
	} else {
		metrics.TreeSyncs.WithLabelValues("noop").Inc()
	}
	return health.Touch(s.TrackingFile, s.now())
}

func (s *Syncer) build(ctx context.Context, pending []domain.SyncRequest) error {
	start := s.now()
	root, err := Build(ctx, s.Source, BuildOptions{Filter: s.Filter, DefaultSite: s.DefaultSite, Log: s.log()})
	if err != nil {
		return s.failed(err)
	}

	newest := pending[len(pending)-1]
	ids := make([]string, len(pending))
	for i, r := range pending {
		ids[i] = r.ID
		if r.RequestedNS > newest.RequestedNS {
			newest = r
		}
	}
	filename := SnapshotFilename(newest.ID)
	snap := NewSnapshot(root, newest.ID, s.now().UnixNano(), filename)
	if _, err := WriteSnapshot(s.Dir, filename, snap); err != nil {
		return s.failed(fmt.Errorf("write snapshot: %w", err))
	}
	s.Tree.Publish(snap)
	if err := s.Requests.FulfillSyncRequests(ctx, ids, filename, snap.SinceNS); err != nil {
		return fmt.Errorf("fulfill sync requests: %w", err)
	}
	s.failures.Store(0)
	metrics.TreeSyncs.WithLabelValues("built").Inc()
	metrics.TreeSyncConsecutiveFailures.Set(0)
	metrics.TreeLevels.Set(float64(snap.count))
	s.log().Info("tree published", "sync_id", snap.SyncID, "levels", snap.count, "requests", len(ids), "took", s.now().Sub(start))
	return health.Touch(s.TrackingFile, s.now())
}

// failed counts a sync cycle that published nothing. The current tree stays.
func (s *Syncer) failed(err error) error {
	n := s.failures.Add(1)
	metrics.TreeSyncs.WithLabelValues("failed").Inc()
	metrics.TreeSyncConsecutiveFailures.Set(float64(n))
	if s.MaxFailures > 0 && n >= int64(s.MaxFailures) {
		s.log().Error("tree sync keeps failing", "failures", n, "err", err)
	} else {
		s.log().Warn("tree sync failed, keeping current tree", "failures", n, "err", err)
	}
	return err
}

// Run ticks until ctx is cancelled. Errors are logged, never fatal.
func (s *Syncer) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		s.log().Warn("sync tick", "err", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.log().Warn("sync tick", "err", err)
			}
		}
	}
}

// Follower reloads the newest fulfilled snapshot file written by a syncer
// running in another process.
type Follower struct {
	Tree     *Tree
	Requests Requests
	Dir      string
	Interval time.Duration
	Log      *slog.Logger
}

// Reload publishes the newest snapshot when it differs from the served one.
func (f *Follower) Reload(ctx context.Context) (bool, error) {
	latest, err := f.Requests.LatestFulfilledSyncRequest(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if f.Tree.Snapshot().SyncID == latest.ID {
		return false, nil
	}
	snap, err := ReadSnapshot(f.Dir, latest.Filename)
	if err != nil {
		return false, err
	}
	f.Tree.Publish(snap)
	metrics.TreeLevels.Set(float64(snap.count))
	return true, nil
}

func (f *Follower) Run(ctx context.Context) error {
	log := f.Log
	if log == nil {
		log = slog.Default()
	}
	interval := f.Interval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	reload := func() {
		changed, err := f.Reload(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("tree reload", "err", err)
		case changed:
			log.Info("tree reloaded", "sync_id", f.Tree.Meta().SyncID)
		}
	}
	reload()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reload()
		}
	}
}
