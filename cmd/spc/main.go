package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"studiopipe/internal/app"
	"studiopipe/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "spc",
	Short: "Studio pipeline control plane",
	Long: `spc runs the studio pipeline services and talks to them.
- Levels: the project hierarchy mirrored from the production tracker (site, division, show, asset or sequence, shot).
- Configs: JSON payloads stored per level path and name; the effective config deep-merges every ancestor.
- Profiles: package lists per level path; the effective profile is validated by a rez worker on change.
- Bus: events flow through a local log (or a remote ingest endpoint) to the scheduler and the validation roles.
- Scheduler: turns events into job requests following the tools config, then submits them to the orchestrator.
- Health: every loop touches a tracking file; 'spc health' checks its age for probes.`,
	SilenceUsage: true,
}

var (
	settingsFile string
	envFile      string
)

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "workspace directory (SPC_WORKSPACE)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor recorded on writes")
	rootCmd.PersistentFlags().StringVar(&settingsFile, "config", "", "YAML settings file (SPC_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")
	_ = viper.BindPFlag("spc_workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(validateWorkerCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(levelsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(tokenCmd())
}

// exitError carries a process exit code other than 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func loadSettings() (config.Settings, error) {
	s, err := config.Load(config.Options{
		File:    settingsFile,
		EnvFile: envFile,
		Viper:   viper.GetViper(),
	})
	if err != nil {
		return s, err
	}
	if s.Workspace == "" {
		s.Workspace = "."
	}
	return s, nil
}

// withApp opens the workspace for one command. Interactive commands log as
// text unless LOG_FORMAT says otherwise.
func withApp(cmd *cobra.Command, interactive bool, fn func(context.Context, *app.App) error) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	format := s.LogFormat
	if _, set := os.LookupEnv("LOG_FORMAT"); interactive && !set {
		format = "text"
	}
	a, err := app.Open(s, app.NewLogger(format, s.LogLevel, os.Stderr))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func actor() string {
	return viper.GetString("actor-id")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stamp(ns int64) string {
	if ns <= 0 {
		return ""
	}
	return time.Unix(0, ns).UTC().Format(time.RFC3339)
}
