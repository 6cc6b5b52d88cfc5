package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"studiopipe/internal/app"
	"studiopipe/internal/bus"
	"studiopipe/internal/config"
	"studiopipe/internal/scheduler"
	"studiopipe/internal/server"
)

func serveCmd() *cobra.Command {
	var apiOnly bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the level sync, bus consumers and exec loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				if !apiOnly {
					if err := a.Settings.ValidateExec(); err != nil {
						return err
					}
				}
				g, ctx := errgroup.WithContext(ctx)

				var requests server.SyncRequester
				syncer, err := a.Syncer()
				switch {
				case err == nil:
					requests = syncer
					g.Go(func() error { return syncer.Run(ctx) })
				case errors.Is(err, config.ErrInvalid):
					a.Log.Info("no upstream configured, following snapshots", "dir", a.Settings.Sync.SnapshotDir)
					requests = a.Requests()
					follower := a.Follower()
					g.Go(func() error { return follower.Run(ctx) })
				default:
					return err
				}

				handler, err := a.Handler(requests, a.Augmenter())
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: a.Settings.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g.Go(func() error {
					a.Log.Info("serving api", "addr", a.Settings.Addr, "base_path", a.Settings.BasePath, "version", a.Settings.Build.Version())
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})

				if !apiOnly {
					sched := a.Scheduler()
					g.Go(func() error { return sched.Run(ctx) })
					for _, d := range consumers(a, sched) {
						g.Go(func() error { return d.Run(ctx) })
					}
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (SPC_ADDR)")
	cmd.Flags().BoolVar(&apiOnly, "api-only", false, "serve the API without bus consumers or the exec loop")
	_ = viper.BindPFlag("spc_addr", cmd.Flags().Lookup("addr"))
	return cmd
}

// consumers returns the bus dispatchers of every role this process hosts.
func consumers(a *app.App, sched *scheduler.Scheduler) []*bus.Dispatcher {
	results := a.Consumer(a.ConsumerName("dispatcher"))
	results.Handle(bus.ValidationResult, a.ValidationDispatcher().HandleResult)

	worker := a.Consumer(a.ConsumerName("worker"))
	worker.Handle(bus.ValidationRequest, a.ValidationWorker().Handle)

	return []*bus.Dispatcher{results, worker, schedulerConsumer(a, sched)}
}

func schedulerConsumer(a *app.App, sched *scheduler.Scheduler) *bus.Dispatcher {
	d := a.Consumer("scheduler")
	d.Handle("*", sched.HandleEvent)
	for _, t := range []string{bus.JobStarted, bus.JobFinished, bus.JobReschedule} {
		d.Handle(t, sched.HandleJobEvent)
	}
	return d
}

func syncCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the level tree syncer against the production tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, once, func(ctx context.Context, a *app.App) error {
				syncer, err := a.Syncer()
				if err != nil {
					return err
				}
				if once {
					if err := syncer.Tick(ctx); err != nil {
						return err
					}
					meta := a.Tree.Meta()
					if viper.GetBool("json") {
						return printJSON(meta)
					}
					fmt.Printf("tree %s: %d levels\n", meta.SyncID, meta.Levels)
					return nil
				}
				return syncer.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single tick and exit")
	return cmd
}

func execCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run the scheduler: turn bus events into job requests and submit due ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, once, func(ctx context.Context, a *app.App) error {
				if err := a.Settings.ValidateExec(); err != nil {
					return err
				}
				sched := a.Scheduler()
				if once {
					if _, err := schedulerConsumer(a, sched).Poll(ctx); err != nil {
						return err
					}
					sum, err := sched.Tick(ctx)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(sum)
					}
					fmt.Printf("due=%d submitted=%d failed=%d reconciled=%d skipped=%t\n", sum.Due, sum.Submitted, sum.Failed, sum.Reconciled, sum.Skipped)
					return nil
				}
				g, ctx := errgroup.WithContext(ctx)
				consumer := schedulerConsumer(a, sched)
				g.Go(func() error { return consumer.Run(ctx) })
				g.Go(func() error { return sched.Run(ctx) })
				return g.Wait()
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "drain pending events, run a single tick and exit")
	return cmd
}

func validateWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-worker",
		Short: "Resolve profile validation requests with rez",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				worker := a.Consumer(a.ConsumerName("worker"))
				worker.Handle(bus.ValidationRequest, a.ValidationWorker().Handle)
				return worker.Run(ctx)
			})
		},
	}
}
