package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"

	"studiopipe/internal/app"
	"studiopipe/internal/domain"
	"studiopipe/internal/engine"
	"studiopipe/internal/errs"
	"studiopipe/internal/levelpath"
	"studiopipe/internal/server"
	"studiopipe/internal/store"
	studiopipesdk "studiopipe/sdk/go"
)

func levelsCmd() *cobra.Command {
	lv := &cobra.Command{Use: "levels", Short: "Query the level tree"}
	lv.AddCommand(levelsFindCmd())
	lv.AddCommand(levelsChildrenCmd())
	lv.AddCommand(levelsParseCmd())
	lv.AddCommand(levelsSyncCmd())
	return lv
}

// loadTree publishes the newest snapshot written by a syncer.
func loadTree(ctx context.Context, a *app.App) error {
	if _, err := a.Follower().Reload(ctx); err != nil {
		return err
	}
	if a.Tree.Meta().SyncID == "" {
		return errs.NotFound("no tree snapshot in %s; run 'spc sync --once'", a.Settings.Sync.SnapshotDir)
	}
	return nil
}

// engineAt readies the local engine for path. Paths below the root must
// exist in the loaded tree.
func engineAt(ctx context.Context, a *app.App, path string) error {
	if levelpath.Canonize(path) == levelpath.Root {
		return nil
	}
	return loadTree(ctx, a)
}

func levelsFindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find <path>",
		Short: "Show one level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				if c := a.Remote(); c != nil {
					lvl, err := c.FindLevel(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(lvl)
				}
				if err := loadTree(ctx, a); err != nil {
					return err
				}
				lvl, ok := a.Tree.Find(args[0])
				if !ok {
					return errs.NotFound("no level at %s", levelpath.Canonize(args[0]))
				}
				return printJSON(lvl)
			})
		},
	}
}

func levelsChildrenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "children <path>",
		Short: "List the direct children of a level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				if err := loadTree(ctx, a); err != nil {
					return err
				}
				if !a.Tree.Exists(args[0]) {
					return errs.NotFound("no level at %s", levelpath.Canonize(args[0]))
				}
				children := a.Tree.Children(args[0])
				if viper.GetBool("json") {
					return printJSON(children)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Path", "Name", "Entity", "Children"})
				for _, c := range children {
					tw.AppendRow(table.Row{c.Path, c.Name, c.EntityID, len(c.Children)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func levelsParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <path>",
		Short: "Split a level path into site, division, show and tail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := levelpath.Parse(args[0])
			if err != nil {
				return errs.Validation("%v", err)
			}
			return printJSON(parsed)
		},
	}
}

func levelsSyncCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Queue a level tree rebuild for the syncer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				if comment == "" {
					comment = "requested by " + actor()
				}
				var req domain.SyncRequest
				var err error
				if c := a.Remote(); c != nil {
					req, err = c.RequestSync(ctx, comment)
				} else {
					req, err = a.Requests().RequestSync(ctx, comment)
				}
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "reason recorded on the request")
	return cmd
}

// readPayload reads a JSON file that may carry comments and trailing commas.
func readPayload(file string, out any) error {
	raw, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if err := domain.DecodeJSON(jsonc.ToJSON(raw), out); err != nil {
		return errs.Validation("%s: %v", file, err)
	}
	return nil
}

type itemFlags struct {
	path        string
	name        string
	description string
	file        string
	noInherit   bool
	notCurrent  bool
}

func (f *itemFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.path, "path", "/", "level path")
	cmd.Flags().StringVar(&f.name, "name", "", "item name")
	cmd.Flags().StringVar(&f.description, "description", "", "description")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "JSON or JSONC file")
	cmd.Flags().BoolVar(&f.noInherit, "no-inherit", false, "stop the effective merge at this path")
	cmd.Flags().BoolVar(&f.notCurrent, "draft", false, "store without making it current")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("file")
}

func (f *itemFlags) inherits() *bool {
	v := !f.noInherit
	return &v
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configs"}
	cfg.AddCommand(configPutCmd())
	cfg.AddCommand(configEffectiveCmd())
	cfg.AddCommand(configHistoryCmd())
	return cfg
}

func configPutCmd() *cobra.Command {
	var f itemFlags
	var reduced bool
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Store a config payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if err := readPayload(f.file, &payload); err != nil {
				return err
			}
			return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				if c := a.Remote(); c != nil {
					current := !f.notCurrent
					item, err := c.PutConfig(ctx, studiopipesdk.ConfigPut{
						Path:        f.path,
						Name:        f.name,
						Description: f.description,
						Inherits:    f.inherits(),
						Payload:     payload,
						Current:     &current,
						Reduced:     reduced,
					})
					if err != nil {
						return err
					}
					return printJSON(item)
				}
				if err := engineAt(ctx, a, f.path); err != nil {
					return err
				}
				item, err := a.Engine.PutConfig(ctx, engine.ConfigPut{
					Path:        f.path,
					Name:        f.name,
					Description: f.description,
					Inherits:    f.inherits(),
					Payload:     payload,
					Current:     !f.notCurrent,
					Reduced:     reduced,
					Actor:       actor(),
				})
				if err != nil {
					return err
				}
				return printJSON(item)
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().BoolVar(&reduced, "reduced", false, "drop keys the parent path already yields")
	return cmd
}

func configEffectiveCmd() *cobra.Command {
	var path, name string
	var withTokens bool
	cmd := &cobra.Command{
		Use:   "effective",
		Short: "Print the merged config at a path",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				if c := a.Remote(); c != nil {
					eff, err := c.EffectiveConfig(ctx, path, name, withTokens)
					if err != nil {
						return err
					}
					return printJSON(eff)
				}
				if err := engineAt(ctx, a, path); err != nil {
					return err
				}
				eff, err := a.Engine.EffectiveConfig(ctx, path, name, withTokens)
				if err != nil {
					return err
				}
				return printJSON(eff)
			})
		},
	}
	cmd.Flags().StringVar(&path, "path", "/", "level path")
	cmd.Flags().StringVar(&name, "name", "", "config name")
	cmd.Flags().BoolVar(&withTokens, "with-tokens", false, "substitute path tokens in string values")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func configHistoryCmd() *cobra.Command {
	var path, name string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the stored versions of a config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				if err := engineAt(ctx, a, path); err != nil {
					return err
				}
				items, err := a.Engine.ConfigHistory(ctx, path, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Active", "Inherits", "Created By", "Created", "Description"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Active, it.Inherits, it.CreatedBy, stamp(it.CreatedNS), it.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&path, "path", "/", "level path")
	cmd.Flags().StringVar(&name, "name", "", "config name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func profileCmd() *cobra.Command {
	prf := &cobra.Command{Use: "profile", Short: "Manage package profiles"}
	prf.AddCommand(profilePutCmd())
	prf.AddCommand(profilePackagesCmd())
	return prf
}

// profileFile is the layout of a profile file.
type profileFile struct {
	Packages []domain.PackageRef `json:"packages"`
	Bundles  []domain.Bundle     `json:"bundles"`
}

func profilePutCmd() *cobra.Command {
	var f itemFlags
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Store a profile from a {packages, bundles} file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body profileFile
			if err := readPayload(f.file, &body); err != nil {
				return err
			}
			return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				if c := a.Remote(); c != nil {
					current := !f.notCurrent
					p, err := c.PutProfile(ctx, studiopipesdk.ProfilePut{
						Path:        f.path,
						Name:        f.name,
						Description: f.description,
						Inherits:    f.inherits(),
						Packages:    body.Packages,
						Bundles:     body.Bundles,
						Current:     &current,
					})
					if err != nil {
						return err
					}
					return printJSON(p)
				}
				if err := engineAt(ctx, a, f.path); err != nil {
					return err
				}
				p, err := a.Engine.PutProfile(ctx, engine.ProfilePut{
					Path:        f.path,
					Name:        f.name,
					Description: f.description,
					Inherits:    f.inherits(),
					Packages:    body.Packages,
					Bundles:     body.Bundles,
					Current:     !f.notCurrent,
					Actor:       actor(),
				})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func profilePackagesCmd() *cobra.Command {
	var path, name string
	cmd := &cobra.Command{
		Use:   "packages",
		Short: "Print the package requests of the effective profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				var pkgs []string
				var err error
				if c := a.Remote(); c != nil {
					pkgs, err = c.PackagesAt(ctx, path, name)
				} else if err = engineAt(ctx, a, path); err == nil {
					pkgs, err = a.Engine.PackagesAt(ctx, path, name)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pkgs)
				}
				for _, p := range pkgs {
					fmt.Println(p)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&path, "path", "/", "level path")
	cmd.Flags().StringVar(&name, "name", "default", "profile name")
	return cmd
}

func jobsCmd() *cobra.Command {
	jb := &cobra.Command{Use: "jobs", Short: "Inspect job requests"}
	jb.AddCommand(jobsListCmd())
	jb.AddCommand(jobsShowCmd())
	return jb
}

func jobsListCmd() *cobra.Command {
	var state, eventID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				var jobs []domain.JobRequest
				if c := a.Remote(); c != nil {
					page, err := c.JobsPage(ctx, state, limit, "")
					if err != nil {
						return err
					}
					jobs = page.Items
				} else {
					var err error
					jobs, err = a.Store.ListJobRequests(ctx, store.JobFilter{State: state, EventID: eventID, Limit: limit})
					if err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Job", "State", "Trigger", "Attempts", "Due", "Started", "Finished", "Exit"})
				for _, j := range jobs {
					exit := ""
					if j.Terminal() {
						exit = strconv.Itoa(j.ExitCode)
					}
					tw.AppendRow(table.Row{j.JobID, j.State, j.TriggeringEventType, j.Attempts, stamp(j.DueNS), stamp(j.StartedNS), stamp(j.FinishedNS), exit})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().StringVar(&eventID, "event", "", "triggering event id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func jobsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job_id>",
		Short: "Show one job request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				j, err := a.Store.GetJobRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with SPC_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			tok, err := server.SignToken(s.Auth.JWTSecret, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (actor id)")
	cmd.Flags().StringSliceVar(&roles, "role", []string{"service"}, "granted roles")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
