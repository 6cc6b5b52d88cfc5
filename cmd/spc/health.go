package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"studiopipe/internal/health"
)

// healthCmd is the liveness probe of the sync and exec loops. It never opens
// the database.
func healthCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Exit 0 when the tracking file of a loop is fresh",
		Long: `health reads the tracking file and max age of a loop from the environment:
  sync: LVL_SYNC_HEALTH_TRACKING_FILE, LVL_SYNC_HEALTH_TRACKING_FILE_MAX_AGE
  exec: ESCH_EXEC_HEALTH_TRACKING_FILE, ESCH_EXEC_HEALTH_TRACKING_FILE_MAX_AGE
Exit codes: 0 fresh, 1 stale or missing, 2 misconfigured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			file, maxAge, err := s.Tracking(kind)
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			age, err := health.Check(file, maxAge, time.Now())
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok: %s touched %s ago\n", kind, file, age.Round(time.Second))
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "exec", "loop to check: sync or exec")
	return cmd
}
