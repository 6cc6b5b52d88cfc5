// Package envresolve turns package request lists into resolved environment
// descriptors.
package envresolve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"studiopipe/internal/errs"
)

// Environment describes a resolved package environment.
type Environment struct {
	Packages    []string          `json:"packages"`
	ContextFile string            `json:"context_file,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// Resolver resolves packages and, when out is set, writes the resolved
// context there. A request the resolver rejects yields an error wrapping
// errs.ErrJobResolution; any other error means it could not run.
type Resolver interface {
	Resolve(ctx context.Context, packages []string, out string) (Environment, error)
}

// Rez shells out to rez-env.
type Rez struct {
	Binary string
	Env    []string
}

func (r Rez) Resolve(ctx context.Context, packages []string, out string) (Environment, error) {
	bin := r.Binary
	if bin == "" {
		bin = "rez-env"
	}
	if out != "" {
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return Environment{}, err
		}
	}
	args := append([]string{}, packages...)
	if out != "" {
		args = append(args, "--output", out)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Environment{}, fmt.Errorf("%w: %s", errs.ErrJobResolution, diagnostics(stderr.String(), exitErr))
		}
		return Environment{}, fmt.Errorf("run %s: %w", bin, err)
	}
	env := Environment{Packages: packages, ContextFile: out}
	if out != "" {
		env.Env = map[string]string{"REZ_CONTEXT_FILE": out}
	}
	return env, nil
}

func diagnostics(stderr string, err error) string {
	s := strings.TrimSpace(stderr)
	if s == "" {
		return err.Error()
	}
	if len(s) > 4096 {
		s = s[len(s)-4096:]
	}
	return s
}

// Static resolves against a fixed rule set. Packages named in Reject fail
// resolution with the given reason.
type Static struct {
	Reject map[string]string
	// Err, when set, is returned as a failure to run.
	Err error
}

func (s Static) Resolve(ctx context.Context, packages []string, out string) (Environment, error) {
	if s.Err != nil {
		return Environment{}, s.Err
	}
	var reasons []string
	for _, p := range packages {
		name := p
		if i := strings.LastIndex(p, "-"); i > 0 {
			name = p[:i]
		}
		for _, key := range []string{p, name} {
			if reason, ok := s.Reject[key]; ok {
				reasons = append(reasons, fmt.Sprintf("%s: %s", p, reason))
				break
			}
		}
	}
	if len(reasons) > 0 {
		sort.Strings(reasons)
		return Environment{}, fmt.Errorf("%w: %s", errs.ErrJobResolution, strings.Join(reasons, "; "))
	}
	env := Environment{Packages: append([]string{}, packages...), ContextFile: out}
	if out != "" {
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return Environment{}, err
		}
		raw, _ := json.Marshal(map[string]any{"resolved_packages": packages})
		if err := os.WriteFile(out, raw, 0o644); err != nil {
			return Environment{}, err
		}
		env.Env = map[string]string{"REZ_CONTEXT_FILE": out}
	}
	return env, nil
}
