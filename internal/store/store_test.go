package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studiopipe/internal/db"
	"studiopipe/internal/domain"
	"studiopipe/internal/errs"
	"studiopipe/internal/migrate"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Store{DB: conn}
}

func TestConfigCurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"cid_a", "cid_b"} {
		require.NoError(t, s.InsertConfig(ctx, nil, domain.ConfigItem{
			ID: id, Path: "/", Name: "maya", Inherits: true, CreatedNS: int64(i + 1), UpdatedNS: int64(i + 1),
			Payload: map[string]any{"v": id},
		}))
	}
	_, err := s.CurrentConfig(ctx, nil, "/", "maya")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	active, err := s.SetCurrentConfig(ctx, nil, "cid_a", -1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)

	// Already current: no bump.
	active, err = s.SetCurrentConfig(ctx, nil, "cid_a", -1, 11)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)

	active, err = s.SetCurrentConfig(ctx, nil, "cid_b", 1, 12)
	require.NoError(t, err)
	assert.Equal(t, int64(2), active)

	cur, err := s.CurrentConfig(ctx, nil, "/", "maya")
	require.NoError(t, err)
	assert.Equal(t, "cid_b", cur.ID)
	assert.Equal(t, map[string]any{"v": "cid_b"}, cur.Payload)

	hist, err := s.ConfigHistory(ctx, "/", "maya")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "cid_b", hist[0].ID)

	// A stale observation loses.
	_, err = s.SetCurrentConfig(ctx, nil, "cid_a", 1, 13)
	assert.True(t, errors.Is(err, errs.ErrConflict))
}

func TestConfigPayloadKeepsLargeIntegers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	payload, err := domain.DecodeObject([]byte(`{"frame_ns":1700000000000000001,"ratio":0.5,"nested":{"ids":[9007199254740993]}}`))
	require.NoError(t, err)
	require.NoError(t, s.InsertConfig(ctx, nil, domain.ConfigItem{ID: "cid_big", Path: "/", Name: "clock", Payload: payload}))

	got, err := s.GetConfig(ctx, nil, "cid_big")
	require.NoError(t, err)
	assert.Equal(t, json.Number("1700000000000000001"), got.Payload["frame_ns"])
	assert.Equal(t, json.Number("0.5"), got.Payload["ratio"])
	nested := got.Payload["nested"].(map[string]any)
	assert.Equal(t, []any{json.Number("9007199254740993")}, nested["ids"])

	raw, err := json.Marshal(got.Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"frame_ns":1700000000000000001,"ratio":0.5,"nested":{"ids":[9007199254740993]}}`, string(raw))
	assert.Contains(t, string(raw), "1700000000000000001")
}

func TestConfigConcurrentSetCurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ids := []string{"cid_1", "cid_2", "cid_3", "cid_4"}
	for _, id := range ids {
		require.NoError(t, s.InsertConfig(ctx, nil, domain.ConfigItem{ID: id, Path: "/", Name: "x", Payload: map[string]any{}}))
	}
	var wg sync.WaitGroup
	results := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, results[i] = s.SetCurrentConfig(ctx, nil, id, 0, 1)
		}(i, id)
	}
	wg.Wait()

	var wins int
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, errs.ErrConflict), err)
	}
	assert.Equal(t, 1, wins)
	top, err := s.MaxConfigActive(ctx, nil, "/", "x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), top)
}

func TestListConfigsSearchAndPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, c := range []domain.ConfigItem{
		{ID: "cid_1", Path: "/", Name: "tools"},
		{ID: "cid_2", Path: "/Mumbai", Name: "tools"},
		{ID: "cid_3", Path: "/", Name: "maya_tools"},
		{ID: "cid_4", Path: "/", Name: "nuke"},
	} {
		require.NoError(t, s.InsertConfig(ctx, nil, c))
	}
	got, err := s.ListConfigs(ctx, ItemFilter{Search: "~tools"})
	require.NoError(t, err)
	var ids []string
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"cid_3", "cid_1", "cid_2"}, ids)

	page, err := s.ListConfigs(ctx, ItemFilter{Page: Page{Page: 2, PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "cid_1", page[0].ID)

	n, err := s.CountConfigs(ctx, ItemFilter{Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestProfilesBelowAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, p := range []domain.Profile{
		{ID: "profile_root", Path: "/", Name: "default", Packages: []domain.PackageRef{{Name: "maya", Version: "2024"}}},
		{ID: "profile_mum", Path: "/Mumbai", Name: "default"},
		{ID: "profile_show", Path: "/Mumbai/film/show1", Name: "default"},
		{ID: "profile_other", Path: "/Toronto", Name: "lighting"},
	} {
		require.NoError(t, s.InsertProfile(ctx, nil, p))
		_, err := s.SetCurrentProfile(ctx, nil, p.ID, -1, 1)
		require.NoError(t, err)
	}
	below, err := s.CurrentProfilesBelow(ctx, nil, "/Mumbai", "default")
	require.NoError(t, err)
	require.Len(t, below, 1)
	assert.Equal(t, "profile_show", below[0].ID)

	below, err = s.CurrentProfilesBelow(ctx, nil, "/", "default")
	require.NoError(t, err)
	assert.Len(t, below, 2)

	p, err := s.GetProfile(ctx, nil, "profile_root")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, p.Status)
	assert.Equal(t, []domain.PackageRef{{Name: "maya", Version: "2024"}}, p.Packages)
	assert.Empty(t, p.Bundles)

	require.NoError(t, s.SetProfileStatus(ctx, nil, "profile_root", domain.StatusInvalid, "conflict", 5))
	require.NoError(t, s.AppendProfileComment(ctx, nil, "profile_root", domain.Comment{Author: "ana", Text: "pinned", CreatedNS: 6}))
	p, err = s.GetProfile(ctx, nil, "profile_root")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInvalid, p.Status)
	assert.Equal(t, "conflict", p.Diagnostics)
	require.Len(t, p.Comments, 1)
	assert.Equal(t, "pinned", p.Comments[0].Text)
}

func TestBundleLibrary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := domain.LibraryBundle{Name: "maya_dev", Description: "100% dev", Packages: []domain.PackageRef{{Name: "maya", Version: "2024"}}, CreatedNS: 1, UpdatedNS: 1, CreatedBy: "ana"}
	require.NoError(t, s.InsertBundle(ctx, nil, b))
	err := s.InsertBundle(ctx, nil, b)
	assert.True(t, errors.Is(err, errs.ErrConflict), "%v", err)
	require.NoError(t, s.InsertBundle(ctx, nil, domain.LibraryBundle{Name: "nuke_comp", CreatedNS: 2, UpdatedNS: 2}))

	got, err := s.GetBundle(ctx, nil, "maya_dev")
	require.NoError(t, err)
	assert.Equal(t, b, got)
	empty, err := s.GetBundle(ctx, nil, "nuke_comp")
	require.NoError(t, err)
	assert.Equal(t, []domain.PackageRef{}, empty.Packages)

	// % in the search is literal.
	items, err := s.ListBundles(ctx, BundleFilter{Search: "100%"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "maya_dev", items[0].Name)
	n, err := s.CountBundles(ctx, BundleFilter{Search: "_"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	items, err = s.ListBundles(ctx, BundleFilter{Page: Page{Page: 2, PageSize: 1}})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "nuke_comp", items[0].Name)

	require.NoError(t, s.SetBundlePackages(ctx, nil, "maya_dev", []domain.PackageRef{{Name: "maya", Version: "2025"}}, 9))
	got, err = s.GetBundle(ctx, nil, "maya_dev")
	require.NoError(t, err)
	assert.Equal(t, "2025", got.Packages[0].Version)
	assert.Equal(t, int64(9), got.UpdatedNS)
	assert.True(t, errors.Is(s.SetBundlePackages(ctx, nil, "ghost", nil, 9), errs.ErrNotFound))

	require.NoError(t, s.DeleteBundle(ctx, nil, "maya_dev"))
	assert.True(t, errors.Is(s.DeleteBundle(ctx, nil, "maya_dev"), errs.ErrNotFound))
	_, err = s.GetBundle(ctx, nil, "maya_dev")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestJobRequestIdempotenceAndTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := domain.JobRequest{JobID: "job_aaaaaaaaaaaaaaaa", EventID: "ev1", TriggerIndex: 0, TriggeringEventType: "shot-created",
		DueNS: 100, ToolConfig: []byte(`{"image":"toolbox:1"}`), Event: []byte(`{"id":"ev1"}`), CreatedNS: 1}
	stored, inserted, err := s.InsertJobRequest(ctx, j)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, -1, stored.ExitCode)

	dup := j
	dup.JobID = "job_bbbbbbbbbbbbbbbb"
	stored, inserted, err = s.InsertJobRequest(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, j.JobID, stored.JobID)

	due, err := s.DueJobRequests(ctx, 99, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = s.DueJobRequests(ctx, 100, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	started := int64(150)
	require.NoError(t, s.TransitionJobRequest(ctx, nil, JobUpdate{JobID: j.JobID, State: domain.JobRunning, StartedNS: &started}))
	err = s.TransitionJobRequest(ctx, nil, JobUpdate{JobID: j.JobID, State: domain.JobRunning, StartedNS: &started})
	assert.True(t, errors.Is(err, errs.ErrConflict))

	finished, code := int64(200), 0
	require.NoError(t, s.TransitionJobRequest(ctx, nil, JobUpdate{JobID: j.JobID, ExpectStartedNS: started, State: domain.JobSucceeded, FinishedNS: &finished, ExitCode: &code}))
	got, err := s.GetJobRequest(ctx, j.JobID)
	require.NoError(t, err)
	assert.True(t, got.Terminal())
	assert.Equal(t, domain.JobSucceeded, got.State)

	// Terminal requests never move again.
	err = s.TransitionJobRequest(ctx, nil, JobUpdate{JobID: j.JobID, ExpectStartedNS: started, State: domain.JobFailed, FinishedNS: &finished})
	assert.True(t, errors.Is(err, errs.ErrConflict))
	err = s.TransitionJobRequest(ctx, nil, JobUpdate{JobID: "job_missing", State: domain.JobFailed})
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestSyncRequestsAndLeases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.LatestFulfilledSyncRequest(ctx)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	require.NoError(t, s.CreateSyncRequest(ctx, domain.SyncRequest{ID: "r1", RequestedNS: 1}))
	require.NoError(t, s.CreateSyncRequest(ctx, domain.SyncRequest{ID: "r2", RequestedNS: 2, Comment: "manual"}))
	pending, err := s.PendingSyncRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "r1", pending[0].ID)

	require.NoError(t, s.FulfillSyncRequests(ctx, []string{"r1", "r2"}, "r2.sgtree", 10))
	latest, err := s.LatestFulfilledSyncRequest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r2", latest.ID)
	assert.Equal(t, "r2.sgtree", latest.Filename)

	_, err = s.ClaimLease(ctx, "scheduler-exec", "a", 100, 200)
	require.NoError(t, err)
	_, err = s.ClaimLease(ctx, "scheduler-exec", "b", 150, 250)
	assert.True(t, errors.Is(err, errs.ErrConflict))
	_, err = s.ClaimLease(ctx, "scheduler-exec", "b", 201, 300)
	require.NoError(t, err)
	l, err := s.GetLease(ctx, "scheduler-exec")
	require.NoError(t, err)
	assert.Equal(t, "b", l.Holder)
}

func TestBusLogAndCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seq1, err := s.AppendBusEvent(ctx, BusRecord{ID: "e1", DetailType: "shot-created", Source: "sourcing-service", Envelope: []byte(`{}`), CreatedNS: 1})
	require.NoError(t, err)
	again, err := s.AppendBusEvent(ctx, BusRecord{ID: "e1", DetailType: "shot-created", Source: "sourcing-service", Envelope: []byte(`{}`), CreatedNS: 2})
	require.NoError(t, err)
	assert.Equal(t, seq1, again)
	_, err = s.AppendBusEvent(ctx, BusRecord{ID: "e2", DetailType: "profile-validation-request", Source: "dependency-service", Envelope: []byte(`{}`), CreatedNS: 3})
	require.NoError(t, err)

	recs, err := s.BusEventsAfter(ctx, 0, []string{"profile-validation-request"}, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "e2", recs[0].ID)

	cur, err := s.BusCursor(ctx, "scheduler")
	require.NoError(t, err)
	assert.Zero(t, cur)
	require.NoError(t, s.SetBusCursor(ctx, "scheduler", seq1, 5))
	cur, err = s.BusCursor(ctx, "scheduler")
	require.NoError(t, err)
	assert.Equal(t, seq1, cur)
}
