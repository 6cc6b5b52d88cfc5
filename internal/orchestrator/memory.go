package orchestrator

import (
	"context"
	"sync"

	"studiopipe/internal/errs"
)

// Memory runs nothing; it records submissions and lets callers settle them.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]*memJob
	order     []string
	SubmitErr error
}

type memJob struct {
	spec   JobSpec
	status Status
}

func NewMemory() *Memory {
	return &Memory{jobs: map[string]*memJob{}}
}

func key(namespace, name string) string { return namespace + "/" + name }

func (m *Memory) Submit(ctx context.Context, spec JobSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitErr != nil {
		return m.SubmitErr
	}
	if m.jobs == nil {
		m.jobs = map[string]*memJob{}
	}
	k := key(spec.Namespace, spec.Name)
	if _, ok := m.jobs[k]; ok {
		return errs.Conflict("job %s already exists", k)
	}
	m.jobs[k] = &memJob{spec: spec, status: Status{Phase: PhaseActive}}
	m.order = append(m.order, k)
	return nil
}

func (m *Memory) Status(ctx context.Context, namespace, name string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[key(namespace, name)]
	if !ok {
		return Status{}, errs.NotFound("job %s", key(namespace, name))
	}
	return j.status, nil
}

// Finish settles a submitted job with an exit code.
func (m *Memory) Finish(namespace, name string, exitCode int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[key(namespace, name)]
	if !ok {
		return false
	}
	j.status = Status{Phase: PhaseSucceeded, ExitCode: exitCode}
	if exitCode != 0 {
		j.status.Phase = PhaseFailed
	}
	return true
}

// Forget drops a job as if the orchestrator lost it.
func (m *Memory) Forget(namespace, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, key(namespace, name))
}

// Submitted returns the specs in submission order.
func (m *Memory) Submitted() []JobSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []JobSpec
	for _, k := range m.order {
		if j, ok := m.jobs[k]; ok {
			out = append(out, j.spec)
		}
	}
	return out
}
