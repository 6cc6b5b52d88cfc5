package validator_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studiopipe/internal/bus"
	"studiopipe/internal/db"
	"studiopipe/internal/domain"
	"studiopipe/internal/engine"
	"studiopipe/internal/envresolve"
	"studiopipe/internal/migrate"
	"studiopipe/internal/store"
	"studiopipe/internal/validator"
)

type levelSet map[string]bool

func (l levelSet) Exists(p string) bool { return l[p] }

type fixture struct {
	ctx        context.Context
	store      store.Store
	bus        *bus.Memory
	engine     *engine.Engine
	dispatcher *validator.Dispatcher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	s := store.Store{DB: conn}
	mem := bus.NewMemory()
	clock := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	eng := engine.New(s, levelSet{"/mumbai": true, "/mumbai/show1": true}, mem)
	eng.Now = now
	d := validator.NewDispatcher(s, mem)
	d.Now = now
	eng.Profiles = d
	return fixture{ctx: context.Background(), store: s, bus: mem, engine: eng, dispatcher: d}
}

func (f fixture) result(t *testing.T, req bus.Envelope, status string) bus.Envelope {
	t.Helper()
	return bus.New(bus.SourceRez, bus.ValidationResult, map[string]any{
		"in_response_to_event": req.ID,
		"profile_id":           req.String("id"),
		"status":               status,
	}, time.Now())
}

func TestValidationRoundTrip(t *testing.T) {
	f := newFixture(t)
	p1, err := f.engine.PutProfile(f.ctx, engine.ProfilePut{Path: "/mumbai/show1", Name: "default", Current: true,
		Packages: []domain.PackageRef{{Name: "katana", Version: "3.6v1"}}})
	require.NoError(t, err)

	reqs := f.bus.OfType(bus.ValidationRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, p1.ID, reqs[0].String("id"))
	assert.Equal(t, bus.SourceDependency, reqs[0].Source)
	var req validator.Request
	require.NoError(t, reqs[0].Decode(&req))
	assert.Equal(t, []string{"katana-3.6v1"}, req.Packages)
	assert.NotEmpty(t, req.Digest)

	require.NoError(t, f.dispatcher.HandleResult(f.ctx, f.result(t, reqs[0], domain.StatusValid)))
	got, err := f.store.GetProfile(f.ctx, nil, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusValid, got.Status)
	assert.Equal(t, int64(2), got.Active)

	// Redelivery changes nothing.
	require.NoError(t, f.dispatcher.HandleResult(f.ctx, f.result(t, reqs[0], domain.StatusValid)))
	got, err = f.store.GetProfile(f.ctx, nil, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Active)

	stale := bus.New(bus.SourceRez, bus.ValidationResult, map[string]any{
		"in_response_to_event": "not-the-latest",
		"profile_id":           p1.ID,
		"status":               domain.StatusInvalid,
	}, time.Now())
	require.NoError(t, f.dispatcher.HandleResult(f.ctx, stale))
	got, err = f.store.GetProfile(f.ctx, nil, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusValid, got.Status)
}

func TestDispatchDedupesByDigest(t *testing.T) {
	f := newFixture(t)
	p, err := f.engine.PutProfile(f.ctx, engine.ProfilePut{Path: "/", Name: "default", Current: true,
		Packages: []domain.PackageRef{{Name: "maya", Version: "2024"}}})
	require.NoError(t, err)
	require.Len(t, f.bus.OfType(bus.ValidationRequest), 1)

	require.NoError(t, f.dispatcher.ProfileChanged(f.ctx, p))
	assert.Len(t, f.bus.OfType(bus.ValidationRequest), 1)

	require.NoError(t, f.engine.ValidateProfile(f.ctx, p.ID))
	reqs := f.bus.OfType(bus.ValidationRequest)
	require.Len(t, reqs, 2)
	last, err := f.store.LatestValidationDispatch(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, reqs[1].ID, last.EventID)
}

func TestWorkerAndDescendants(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	w := &validator.Worker{
		Env: envresolve.Static{Reject: map[string]string{"katana": "no such package"}},
		Dir: dir,
		Bus: f.bus,
	}
	f.bus.Subscribe(bus.ValidationRequest, w.Handle)
	f.bus.Subscribe(bus.ValidationResult, f.dispatcher.HandleResult)

	show, err := f.engine.PutProfile(f.ctx, engine.ProfilePut{Path: "/mumbai/show1", Name: "default", Current: true,
		Packages: []domain.PackageRef{{Name: "katana", Version: "3.6v1"}}})
	require.NoError(t, err)
	got, err := f.store.GetProfile(f.ctx, nil, show.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInvalid, got.Status)
	assert.Contains(t, got.Diagnostics, "no such package")

	root, err := f.engine.PutProfile(f.ctx, engine.ProfilePut{Path: "/", Name: "default", Current: true,
		Packages: []domain.PackageRef{{Name: "maya", Version: "2024"}}})
	require.NoError(t, err)
	got, err = f.store.GetProfile(f.ctx, nil, root.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusValid, got.Status)

	files, err := filepath.Glob(filepath.Join(dir, "profile-"+root.ID+".*.rxt"))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	reqs := f.bus.OfType(bus.ValidationRequest)
	require.Len(t, reqs, 3)
	var again validator.Request
	require.NoError(t, reqs[2].Decode(&again))
	assert.Equal(t, show.ID, again.ID)
	assert.Equal(t, []string{"maya-2024", "katana-3.6v1"}, again.Packages)

	results := f.bus.OfType(bus.ValidationResult)
	require.Len(t, results, 3)
	assert.Equal(t, bus.SourceRez, results[1].Source)
	assert.Equal(t, domain.StatusValid, results[1].String("status"))
	assert.Equal(t, files[0], results[1].String("rxt"))
}
