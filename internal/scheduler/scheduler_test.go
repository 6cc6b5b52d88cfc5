package scheduler_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
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
	"studiopipe/internal/errs"
	"studiopipe/internal/migrate"
	"studiopipe/internal/orchestrator"
	"studiopipe/internal/scheduler"
	"studiopipe/internal/store"
)

type levelSet map[string]bool

func (l levelSet) Exists(p string) bool { return l[p] }

type fixture struct {
	ctx    context.Context
	store  store.Store
	bus    *bus.Memory
	engine *engine.Engine
	orch   *orchestrator.Memory
	sched  *scheduler.Scheduler
	clock  *time.Time
	dir    string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	s := store.Store{DB: conn}
	mem := bus.NewMemory()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	eng := engine.New(s, levelSet{"/mumbai": true, "/mumbai/show1": true}, mem)
	eng.Now = now
	orch := orchestrator.NewMemory()
	sched := &scheduler.Scheduler{
		Store:        s,
		Configs:      eng,
		Packages:     eng,
		Env:          envresolve.Static{},
		Orchestrator: orch,
		Bus:          mem,
		Settings: scheduler.Settings{
			Namespace:    "pipeline",
			JobConfDir:   filepath.Join(dir, "jobconf"),
			Interval:     time.Second,
			TrackingFile: filepath.Join(dir, "exec.tracking"),
			Holder:       "test",
		},
		Now: now,
	}
	return fixture{ctx: context.Background(), store: s, bus: mem, engine: eng, orch: orch, sched: sched, clock: &clock, dir: dir}
}

func (f fixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func (f fixture) tools(t *testing.T, payload map[string]any) {
	t.Helper()
	_, err := f.engine.PutConfig(f.ctx, engine.ConfigPut{Path: "/", Name: "tools", Payload: payload, Current: true})
	require.NoError(t, err)
}

func shotTrigger(spec map[string]any) map[string]any {
	return map[string]any{"triggers": []any{
		map[string]any{"event_type_pattern": "shot-created", "delay_ms": 0.0, "job_spec": spec},
	}}
}

func (f fixture) shotCreated() bus.Envelope {
	return bus.New(bus.SourceSourcing, "shot-created", map[string]any{"path": "/mumbai/show1/seq010/shot_001"}, *f.clock)
}

func TestEventToJob(t *testing.T) {
	f := newFixture(t)
	f.tools(t, shotTrigger(map[string]any{"image": "toolbox:1"}))
	_, err := f.engine.PutProfile(f.ctx, engine.ProfilePut{Path: "/mumbai/show1", Name: "default", Current: true,
		Packages: []domain.PackageRef{{Name: "katana", Version: "3.6v1"}}})
	require.NoError(t, err)

	ev := f.shotCreated()
	jobs, err := f.sched.Schedule(f.ctx, ev)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobPending, jobs[0].State)

	var stored bus.Envelope
	require.NoError(t, json.Unmarshal(jobs[0].Event, &stored))
	assert.Equal(t, ev.ID, stored.ID)

	sum, err := f.sched.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Submitted)

	submitted := f.orch.Submitted()
	require.Len(t, submitted, 1)
	spec := submitted[0]
	assert.Equal(t, "toolbox:1", spec.Image)
	assert.Equal(t, "pipeline", spec.Namespace)
	assert.Equal(t, orchestrator.JobName(jobs[0].JobID), spec.Name)
	assert.Equal(t, jobs[0].JobID, spec.Env["JOBCONF_JOB_ID"])

	raw, err := os.ReadFile(spec.Env["JOBCONF_JOB_FILE"])
	require.NoError(t, err)
	var conf scheduler.JobConf
	require.NoError(t, json.Unmarshal(raw, &conf))
	assert.Equal(t, []string{"katana-3.6v1"}, conf.ProfilePackages)

	got, err := f.store.GetJobRequest(f.ctx, jobs[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, got.State)
	assert.True(t, got.DueNS <= got.PreparedNS && got.PreparedNS <= got.StartedNS)

	_, err = os.Stat(filepath.Join(f.dir, "exec.tracking"))
	assert.NoError(t, err)

	f.advance(time.Minute)
	require.True(t, f.orch.Finish(spec.Namespace, spec.Name, 0))
	sum, err = f.sched.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Reconciled)
	got, err = f.store.GetJobRequest(f.ctx, jobs[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, got.State)
	assert.Equal(t, 0, got.ExitCode)
	assert.True(t, got.StartedNS <= got.FinishedNS)
	assert.Len(t, f.bus.OfType(bus.JobStatusPrefix+domain.JobSucceeded), 1)
}

func TestDuplicateEventIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.tools(t, shotTrigger(map[string]any{"image": "toolbox:1"}))
	ev := f.shotCreated()

	first, err := f.sched.Schedule(f.ctx, ev)
	require.NoError(t, err)
	require.NoError(t, f.sched.HandleEvent(f.ctx, ev))
	again, err := f.sched.Schedule(f.ctx, ev)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].JobID, again[0].JobID)

	all, err := f.store.ListJobRequests(f.ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestScheduleSkipsUnmatchedAndOwnEvents(t *testing.T) {
	f := newFixture(t)
	jobs, err := f.sched.Schedule(f.ctx, f.shotCreated())
	require.NoError(t, err)
	assert.Empty(t, jobs, "no tools config means no jobs")

	f.tools(t, shotTrigger(map[string]any{"image": "toolbox:1"}))
	jobs, err = f.sched.Schedule(f.ctx, bus.New(bus.SourceSourcing, "asset-created", nil, *f.clock))
	require.NoError(t, err)
	assert.Empty(t, jobs)

	own := bus.New(bus.SourceScheduler, "shot-created", nil, *f.clock)
	require.NoError(t, f.sched.HandleEvent(f.ctx, own))
	all, err := f.store.ListJobRequests(f.ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDelayedTrigger(t *testing.T) {
	f := newFixture(t)
	f.tools(t, map[string]any{"triggers": []any{
		map[string]any{"event_type_pattern": "shot-*", "delay_ms": 60000.0, "job_spec": map[string]any{"image": "toolbox:1"}},
	}})
	jobs, err := f.sched.Schedule(f.ctx, f.shotCreated())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, f.clock.Add(time.Minute).UnixNano(), jobs[0].DueNS)

	sum, err := f.sched.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Due)

	f.advance(time.Minute)
	sum, err = f.sched.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Submitted)
}

func TestResolveFailure(t *testing.T) {
	f := newFixture(t)
	f.sched.Env = envresolve.Static{Reject: map[string]string{"katana": "conflicts with maya"}}
	f.tools(t, shotTrigger(map[string]any{"image": "toolbox:1"}))
	_, err := f.engine.PutProfile(f.ctx, engine.ProfilePut{Path: "/", Name: "default", Current: true,
		Packages: []domain.PackageRef{{Name: "katana", Version: "3.6v1"}}})
	require.NoError(t, err)

	jobs, err := f.sched.Schedule(f.ctx, f.shotCreated())
	require.NoError(t, err)
	_, err = f.sched.Tick(f.ctx)
	require.NoError(t, err)

	got, err := f.store.GetJobRequest(f.ctx, jobs[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobResolveFailed, got.State)
	assert.Equal(t, domain.ExitResolveFailed, got.ExitCode)
	assert.Empty(t, f.orch.Submitted())
}

func TestSubmitRetriesThenGivesUp(t *testing.T) {
	f := newFixture(t)
	f.orch.SubmitErr = errors.New("cluster unreachable")
	f.tools(t, shotTrigger(map[string]any{"image": "toolbox:1"}))
	jobs, err := f.sched.Schedule(f.ctx, f.shotCreated())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.sched.Tick(f.ctx)
		require.NoError(t, err)
		f.advance(time.Second)
	}
	got, err := f.store.GetJobRequest(f.ctx, jobs[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSubmitFailed, got.State)
	assert.Equal(t, domain.ExitSubmitFailed, got.ExitCode)
	assert.Equal(t, 3, got.Attempts)
	assert.Len(t, f.bus.OfType(bus.JobStatusPrefix+"unprepared"), 2)
}

func TestUnparseableSpecIsUnrecoverable(t *testing.T) {
	f := newFixture(t)
	f.tools(t, shotTrigger(map[string]any{"command": []any{"run"}}))
	jobs, err := f.sched.Schedule(f.ctx, f.shotCreated())
	require.NoError(t, err)
	_, err = f.sched.Tick(f.ctx)
	require.NoError(t, err)

	got, err := f.store.GetJobRequest(f.ctx, jobs[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobUnrecoverable, got.State)
	assert.Equal(t, domain.ExitUnrecoverable, got.ExitCode)
}

func TestReconcileLostJob(t *testing.T) {
	f := newFixture(t)
	f.tools(t, shotTrigger(map[string]any{"image": "toolbox:1"}))
	jobs, err := f.sched.Schedule(f.ctx, f.shotCreated())
	require.NoError(t, err)
	_, err = f.sched.Tick(f.ctx)
	require.NoError(t, err)

	spec := f.orch.Submitted()[0]
	f.orch.Forget(spec.Namespace, spec.Name)
	f.advance(time.Second)
	_, err = f.sched.Tick(f.ctx)
	require.NoError(t, err)

	got, err := f.store.GetJobRequest(f.ctx, jobs[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSubmitFailed, got.State)
	assert.Equal(t, domain.ExitSubmitFailed, got.ExitCode)
}

func TestLeaseHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	now := f.clock.UnixNano()
	_, err := f.store.ClaimLease(f.ctx, scheduler.LeaseName, "other", now, now+int64(time.Hour))
	require.NoError(t, err)

	f.tools(t, shotTrigger(map[string]any{"image": "toolbox:1"}))
	_, err = f.sched.Schedule(f.ctx, f.shotCreated())
	require.NoError(t, err)
	sum, err := f.sched.Tick(f.ctx)
	require.NoError(t, err)
	assert.True(t, sum.Skipped)
	assert.Empty(t, f.orch.Submitted())
}

func TestJobEvents(t *testing.T) {
	f := newFixture(t)
	f.tools(t, shotTrigger(map[string]any{"image": "toolbox:1"}))
	jobs, err := f.sched.Schedule(f.ctx, f.shotCreated())
	require.NoError(t, err)
	_, err = f.sched.Tick(f.ctx)
	require.NoError(t, err)
	id := jobs[0].JobID

	f.advance(time.Second)
	started := bus.New(bus.SourceSchedulerJob, bus.JobStarted, map[string]any{"job_id": id, "started_at": f.clock.UnixNano()}, *f.clock)
	require.NoError(t, f.sched.HandleJobEvent(f.ctx, started))

	due := f.clock.Add(2 * time.Hour).UnixNano()
	resched := bus.New(bus.SourceSchedulerJob, bus.JobReschedule, map[string]any{"job_id": id, "due_at": due}, *f.clock)
	require.NoError(t, f.sched.HandleJobEvent(f.ctx, resched))
	require.NoError(t, f.sched.HandleJobEvent(f.ctx, resched))

	f.advance(time.Second)
	finished := bus.New(bus.SourceSchedulerJob, bus.JobFinished, map[string]any{"job_id": id, "finished_at": f.clock.UnixNano(), "exit_code": 7}, *f.clock)
	require.NoError(t, f.sched.HandleJobEvent(f.ctx, finished))
	require.NoError(t, f.sched.HandleJobEvent(f.ctx, finished), "a finished job drops later events")

	got, err := f.store.GetJobRequest(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.State)
	assert.Equal(t, 7, got.ExitCode)

	all, err := f.store.ListJobRequests(f.ctx, store.JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	var clone domain.JobRequest
	for _, j := range all {
		if j.JobID != id {
			clone = j
		}
	}
	assert.Equal(t, id, clone.ScheduledByJob)
	assert.Equal(t, due, clone.DueNS)
	assert.Contains(t, clone.JobID, id+"-r-")
}

func TestRescheduleValidation(t *testing.T) {
	f := newFixture(t)
	f.tools(t, shotTrigger(map[string]any{"image": "toolbox:1"}))
	jobs, err := f.sched.Schedule(f.ctx, f.shotCreated())
	require.NoError(t, err)
	id := jobs[0].JobID

	_, err = f.sched.Reschedule(f.ctx, id, 1234)
	assert.True(t, errors.Is(err, errs.ErrValidation))
	_, err = f.sched.Reschedule(f.ctx, id, f.clock.Add(10*time.Second).UnixNano())
	assert.True(t, errors.Is(err, errs.ErrValidation), "less than the lead ahead")
	_, err = f.sched.Reschedule(f.ctx, "job_missing", f.clock.Add(time.Hour).UnixNano())
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestTriggers(t *testing.T) {
	triggers, err := scheduler.Triggers(map[string]any{
		"triggers": []any{map[string]any{"event_type_pattern": "shot-*", "job_spec": map[string]any{"image": "a"}}},
		"event_types": map[string]any{
			"asset-created": map[string]any{"tool_to_run": "publish"},
		},
	}, "toolbox:default")
	require.NoError(t, err)
	require.Len(t, triggers, 2)
	assert.Equal(t, "a", triggers[0].JobSpec["image"])
	assert.Equal(t, "asset-created", triggers[1].EventTypePattern)
	assert.Equal(t, "toolbox:default", triggers[1].JobSpec["image"])

	_, err = scheduler.Triggers(map[string]any{"triggers": []any{map[string]any{"delay_ms": 5.0}}}, "")
	assert.True(t, errors.Is(err, errs.ErrValidation))
	_, err = scheduler.Triggers(map[string]any{"triggers": []any{map[string]any{"event_type_pattern": "x", "delay_ms": -1.0}}}, "")
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, dt string
		want        bool
	}{
		{"shot-created", "shot-created", true},
		{"shot-created", "shot-changed", false},
		{"shot-*", "shot-changed", true},
		{"*-created", "asset-created", true},
		{"*", "anything", true},
		{"event-type-*-x", "event-type-sg-x", true},
		{"a*a", "a", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, scheduler.Match(c.pattern, c.dt), "%s vs %s", c.pattern, c.dt)
	}
}
