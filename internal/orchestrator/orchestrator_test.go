package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studiopipe/internal/errs"
)

func TestJobName(t *testing.T) {
	assert.Equal(t, "tapi-job-abc123", JobName("job_ABC123"))
	assert.Equal(t, "tapi-job-abc-r-x1y2z", JobName("job_abc-r-X1y2Z"))
	long := JobName("job_" + string(make([]byte, 0)) + "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	assert.LessOrEqual(t, len(long), 63)
}

func TestMemoryLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	spec := JobSpec{Namespace: "pipeline", Name: "tapi-job-1", Image: "toolbox:1"}
	require.NoError(t, m.Submit(ctx, spec))
	assert.True(t, errors.Is(m.Submit(ctx, spec), errs.ErrConflict))

	st, err := m.Status(ctx, "pipeline", "tapi-job-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseActive, st.Phase)
	assert.False(t, st.Phase.Terminal())

	require.True(t, m.Finish("pipeline", "tapi-job-1", 4))
	st, err = m.Status(ctx, "pipeline", "tapi-job-1")
	require.NoError(t, err)
	assert.Equal(t, Status{Phase: PhaseFailed, ExitCode: 4}, st)

	m.Forget("pipeline", "tapi-job-1")
	_, err = m.Status(ctx, "pipeline", "tapi-job-1")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestRunArgs(t *testing.T) {
	args := RunArgs(JobSpec{
		Namespace:    "pipeline",
		Name:         "tapi-job-1",
		Image:        "toolbox:1",
		Command:      []string{"run-tool"},
		Env:          map[string]string{"B": "2", "A": "1"},
		EnvFrom:      []string{"/etc/sg.env"},
		VolMounts:    []VolumeMount{{Name: "conf", MountPath: "/job_conf", ReadOnly: true}},
		VolSources:   []VolumeSource{{Name: "conf", HostPath: "/mount/job_conf"}},
		BackoffLimit: 2,
	})
	assert.Equal(t, []string{
		"run", "-d", "--name", "tapi-job-1",
		"--label", "studiopipe.namespace=pipeline",
		"--label", "studiopipe.backoff-limit=2",
		"--env-file", "/etc/sg.env",
		"-e", "A=1", "-e", "B=2",
		"-v", "/mount/job_conf:/job_conf:ro",
		"toolbox:1", "run-tool",
	}, args)
}

func TestParseInspect(t *testing.T) {
	assert.Equal(t, Status{Phase: PhaseActive}, ParseInspect("running 0"))
	assert.Equal(t, Status{Phase: PhaseSucceeded}, ParseInspect("exited 0"))
	assert.Equal(t, Status{Phase: PhaseFailed, ExitCode: 137}, ParseInspect("exited 137"))
	assert.Equal(t, Status{Phase: PhaseUnknown}, ParseInspect(""))
}
