package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"studiopipe/internal/errs"
)

// Docker drives a docker-compatible CLI (docker, podman). The namespace is
// kept as a label; TTL and backoff limit have no equivalent and are only
// recorded as labels.
type Docker struct {
	Binary string
}

func (d Docker) bin() string {
	if d.Binary == "" {
		return "docker"
	}
	return d.Binary
}

func (d Docker) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.bin(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%s %s: %s", d.bin(), args[0], msg)
		}
		return "", errs.Upstream(d.bin(), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// RunArgs builds the argument list of a detached run.
func RunArgs(spec JobSpec) []string {
	args := []string{"run", "-d", "--name", spec.Name,
		"--label", "studiopipe.namespace=" + spec.Namespace,
		"--label", "studiopipe.backoff-limit=" + strconv.Itoa(spec.BackoffLimit),
	}
	if spec.TTLSeconds > 0 {
		args = append(args, "--label", "studiopipe.ttl-seconds="+strconv.Itoa(spec.TTLSeconds))
	}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	for _, f := range spec.EnvFrom {
		args = append(args, "--env-file", f)
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	sources := map[string]VolumeSource{}
	for _, s := range spec.VolSources {
		sources[s.Name] = s
	}
	for _, m := range spec.VolMounts {
		src, ok := sources[m.Name]
		if !ok {
			continue
		}
		from := src.HostPath
		if from == "" {
			from = src.Claim
		}
		v := from + ":" + m.MountPath
		if m.ReadOnly {
			v += ":ro"
		}
		args = append(args, "-v", v)
	}
	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (d Docker) Submit(ctx context.Context, spec JobSpec) error {
	if spec.Image == "" {
		return errs.Validation("job %s has no image", spec.Name)
	}
	_, err := d.run(ctx, RunArgs(spec)...)
	return err
}

func (d Docker) Status(ctx context.Context, namespace, name string) (Status, error) {
	out, err := d.run(ctx, "inspect", "--format", "{{.State.Status}} {{.State.ExitCode}}", name)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such") {
			return Status{}, errs.NotFound("job %s/%s", namespace, name)
		}
		return Status{Phase: PhaseUnknown}, err
	}
	return ParseInspect(out), nil
}

// ParseInspect maps "<state> <exit code>" to a Status.
func ParseInspect(out string) Status {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return Status{Phase: PhaseUnknown}
	}
	code := 0
	if len(fields) > 1 {
		code, _ = strconv.Atoi(fields[1])
	}
	switch fields[0] {
	case "created", "running", "restarting", "paused":
		return Status{Phase: PhaseActive}
	case "exited":
		if code == 0 {
			return Status{Phase: PhaseSucceeded}
		}
		return Status{Phase: PhaseFailed, ExitCode: code}
	case "dead":
		return Status{Phase: PhaseFailed, ExitCode: code}
	}
	return Status{Phase: PhaseUnknown}
}
