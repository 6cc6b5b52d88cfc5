// Package app wires the service roles from loaded settings.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"studiopipe/internal/bus"
	"studiopipe/internal/config"
	"studiopipe/internal/db"
	"studiopipe/internal/engine"
	"studiopipe/internal/envresolve"
	"studiopipe/internal/levelpath"
	"studiopipe/internal/migrate"
	"studiopipe/internal/orchestrator"
	"studiopipe/internal/retry"
	"studiopipe/internal/scheduler"
	"studiopipe/internal/server"
	"studiopipe/internal/sourcing"
	"studiopipe/internal/store"
	"studiopipe/internal/tree"
	"studiopipe/internal/upstream"
	"studiopipe/internal/validator"
	studiopipesdk "studiopipe/sdk/go"
)

// App holds the shared state of one process. Every role reads the same
// database and publishes on the same bus.
type App struct {
	Settings config.Settings
	DB       *sql.DB
	Store    store.Store
	Bus      bus.Publisher
	Tree     *tree.Tree
	Engine   *engine.Engine
	Log      *slog.Logger

	syncer *tree.Syncer
}

// NewLogger builds the process logger from LOG_FORMAT and LOG_LEVEL.
func NewLogger(format, level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Open connects the database, applies migrations and builds the engine.
// The tree starts empty; a syncer or follower fills it.
func Open(s config.Settings, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = NewLogger(s.LogFormat, s.LogLevel, nil)
	}
	if _, err := db.EnsureWorkspace(s.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: s.Workspace, Path: s.DBPath})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if v, err := migrate.Version(conn); err == nil {
		logger.Debug("schema ready", "version", v, "workspace", s.Workspace)
	}
	a := &App{
		Settings: s,
		DB:       conn,
		Store:    store.Store{DB: conn},
		Tree:     tree.New(),
		Log:      logger,
	}
	a.Bus = a.publisher()
	a.Engine = engine.New(a.Store, a.Tree, a.Bus)
	a.Engine.Log = logger.With("component", "engine")
	a.Engine.Profiles = a.ValidationDispatcher()
	return a, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

func (a *App) publisher() bus.Publisher {
	if a.Settings.Bus.URL != "" {
		return bus.HTTP{
			BaseURL:     a.Settings.Bus.URL,
			APIKey:      a.Settings.Remote.APIKey,
			BearerToken: a.Settings.Remote.BearerToken,
			Retry:       retry.DefaultConfig(),
		}
	}
	return bus.SQL{Store: a.Store, Retry: retry.DefaultConfig()}
}

// Upstream picks the fixture file when configured, then the REST source.
func (a *App) Upstream() (upstream.Source, error) {
	u := a.Settings.Upstream
	if u.FixtureFile != "" {
		return &upstream.FileSource{Path: u.FixtureFile}, nil
	}
	if !u.Configured() {
		return nil, fmt.Errorf("%w: SG_URL, SG_SCRIPT_NAME and SG_API_KEY are required", config.ErrInvalid)
	}
	return upstream.NewShotgrid(upstream.ShotgridConfig{
		URL:        u.URL,
		ScriptName: u.ScriptName,
		APIKey:     u.APIKey,
		Proxy:      u.Proxy,
	})
}

func (a *App) defaultSite() levelpath.Site {
	if site, ok := levelpath.SiteFromText(a.Settings.Upstream.DefaultSite); ok {
		return site
	}
	return levelpath.SiteToronto
}

// Syncer builds the tree syncer. Without an upstream source it can still
// queue sync requests.
func (a *App) Syncer() (*tree.Syncer, error) {
	if a.syncer != nil {
		return a.syncer, nil
	}
	src, err := a.Upstream()
	if err != nil {
		return nil, err
	}
	s := a.Settings.Sync
	a.syncer = &tree.Syncer{
		Tree:         a.Tree,
		Source:       src,
		Requests:     a.Store,
		Dir:          s.SnapshotDir,
		TrackingFile: s.TrackingFile,
		Interval:     s.Interval,
		MaxFailures:  s.MaxFailures,
		Filter:       upstream.ProjectFilter{AvoidTags: s.AvoidTags, Restrict: s.RestrictProjects},
		DefaultSite:  a.defaultSite(),
		Log:          a.Log.With("component", "syncer"),
	}
	return a.syncer, nil
}

// Follower reloads snapshots written by a syncer in another process.
func (a *App) Follower() *tree.Follower {
	return &tree.Follower{
		Tree:     a.Tree,
		Requests: a.Store,
		Dir:      a.Settings.Sync.SnapshotDir,
		Interval: a.Settings.Sync.FollowInterval,
		Log:      a.Log.With("component", "follower"),
	}
}

func (a *App) Augmenter() *sourcing.Augmenter {
	return &sourcing.Augmenter{
		Bus:              a.Bus,
		SignatureToken:   a.Settings.Sourcing.SignatureToken,
		RejectUnverified: a.Settings.Sourcing.RejectUnverified,
		DefaultSite:      string(a.defaultSite()),
		Stats:            &sourcing.Stats{},
		Log:              a.Log.With("component", "sourcing"),
	}
}

// Orchestrator returns the job backend. The memory backend only records
// submissions and never runs a container, so selecting it is logged loudly.
func (a *App) Orchestrator() orchestrator.Orchestrator {
	if a.Settings.Exec.Orchestrator == "docker" {
		return orchestrator.Docker{Binary: a.Settings.Exec.ContainerBinary}
	}
	a.Log.Warn("memory orchestrator selected: job requests are recorded but no container runs; set ESCH_ORCHESTRATOR=docker to execute jobs")
	return orchestrator.NewMemory()
}

func (a *App) EnvResolver() envresolve.Resolver {
	if a.Settings.Validation.Static {
		return envresolve.Static{}
	}
	return envresolve.Rez{Binary: a.Settings.Validation.RezBinary}
}

// Remote returns an API client when the process reads configs over HTTP.
func (a *App) Remote() *studiopipesdk.Client {
	r := a.Settings.Remote
	if r.URL == "" {
		return nil
	}
	c := studiopipesdk.New(r.URL)
	c.BasePath = a.Settings.BasePath
	c.APIKey = r.APIKey
	c.BearerToken = r.BearerToken
	return c
}

// Scheduler builds the scheduler. Effective configs and profiles come from
// the API when SPC_API_URL is set, otherwise from the local database.
func (a *App) Scheduler() *scheduler.Scheduler {
	e := a.Settings.Exec
	sched := &scheduler.Scheduler{
		Store:        a.Store,
		Configs:      a.Engine,
		Packages:     a.Engine,
		Env:          a.EnvResolver(),
		Orchestrator: a.Orchestrator(),
		Bus:          a.Bus,
		Settings: scheduler.Settings{
			ToolsConfig:       e.ToolsConfig,
			DefaultProfile:    e.DefaultProfile,
			DefaultImage:      e.Image,
			Namespace:         e.Namespace,
			JobConfDir:        e.JobConfDir,
			Interval:          e.Interval,
			MaxJobRequests:    e.MaxJobRequests,
			MaxSubmitAttempts: e.MaxSubmitAttempts,
			JobTTL:            e.JobTTL,
			BackoffLimit:      e.BackoffLimit,
			TrackingFile:      e.TrackingFile,
			EnvFrom:           e.EnvFrom,
		},
		Log: a.Log.With("component", "scheduler"),
	}
	if c := a.Remote(); c != nil {
		sched.Configs = c
		sched.Packages = c
	}
	return sched
}

func (a *App) ValidationDispatcher() *validator.Dispatcher {
	d := validator.NewDispatcher(a.Store, a.Bus)
	d.Log = a.Log.With("component", "validation-dispatcher")
	return d
}

// ValidationWorker answers validation requests with the environment
// resolver.
func (a *App) ValidationWorker() *validator.Worker {
	v := a.Settings.Validation
	return &validator.Worker{
		Env:     a.EnvResolver(),
		Dir:     v.ContextDir,
		Bus:     a.Bus,
		Log:     a.Log.With("component", "validation-worker"),
		Timeout: v.Timeout,
	}
}

// Consumer builds a bus dispatcher reading the local event log.
func (a *App) Consumer(name string) *bus.Dispatcher {
	return &bus.Dispatcher{
		Store:    a.Store,
		Consumer: name,
		Interval: a.Settings.Bus.PollInterval,
		Log:      a.Log.With("component", "bus", "consumer", name),
	}
}

// ConsumerName prefixes a role with the validation bus name.
func (a *App) ConsumerName(role string) string {
	return a.Settings.Validation.BusName + "-" + role
}

// Handler builds the HTTP API of this process.
func (a *App) Handler(sync server.SyncRequester, aug *sourcing.Augmenter) (http.Handler, error) {
	s := a.Settings
	return server.New(server.Config{
		Engine:   a.Engine,
		Tree:     a.Tree,
		Sync:     sync,
		Sourcing: aug,
		Bus:      a.Bus,
		Jobs:     a.Store,
		BasePath: s.BasePath,
		PageSize: s.DefaultPageSize,
		Build:    s.Build,
		Auth: server.AuthConfig{
			JWTSecret:              s.Auth.JWTSecret,
			APIKeys:                s.Auth.APIKeys,
			AllowLegacyActorHeader: true,
			Disabled:               s.Auth.Disabled,
			Logger:                 log.New(os.Stderr, "", log.LstdFlags),
		},
	})
}

// Requests returns a sync requester that only queues; the syncer process
// picks the request up.
func (a *App) Requests() server.SyncRequester {
	return &tree.Syncer{Requests: a.Store, Log: a.Log}
}

// Ping checks the database is reachable.
func (a *App) Ping(ctx context.Context) error {
	return a.DB.PingContext(ctx)
}
