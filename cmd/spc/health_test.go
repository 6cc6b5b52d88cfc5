package main

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studiopipe/internal/health"
)

func runHealth(t *testing.T, kind string) error {
	t.Helper()
	cmd := healthCmd()
	cmd.SetArgs([]string{"--kind", kind})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.Execute()
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func TestHealthExitCodes(t *testing.T) {
	envFile = filepath.Join(t.TempDir(), "missing.env")
	file := filepath.Join(t.TempDir(), "exec.tracking")
	t.Setenv("ESCH_EXEC_HEALTH_TRACKING_FILE", file)
	t.Setenv("ESCH_EXEC_HEALTH_TRACKING_FILE_MAX_AGE", "60")
	t.Setenv("LVL_SYNC_HEALTH_TRACKING_FILE", "")

	assert.Equal(t, 1, exitCode(runHealth(t, "exec")), "missing file")

	require.NoError(t, health.Touch(file, time.Now()))
	assert.Equal(t, 0, exitCode(runHealth(t, "exec")))

	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(file, old, old))
	assert.Equal(t, 1, exitCode(runHealth(t, "exec")), "stale file")

	assert.Equal(t, 2, exitCode(runHealth(t, "sync")), "no tracking file configured")
	assert.Equal(t, 2, exitCode(runHealth(t, "bogus")))
}
