// Package orchestrator submits container jobs and reports their status.
package orchestrator

import (
	"context"
	"regexp"
	"strings"
)

type Phase string

const (
	PhaseActive    Phase = "active"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseUnknown   Phase = "unknown"
)

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

type VolumeMount struct {
	Name      string `json:"name"`
	MountPath string `json:"mount_path"`
	ReadOnly  bool   `json:"read_only,omitempty"`
}

type VolumeSource struct {
	Name     string `json:"name"`
	HostPath string `json:"host_path,omitempty"`
	Claim    string `json:"claim,omitempty"`
}

// JobSpec is what the scheduler hands to an orchestrator.
type JobSpec struct {
	Namespace    string            `json:"namespace"`
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	Command      []string          `json:"command,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	EnvFrom      []string          `json:"env_from,omitempty"`
	VolMounts    []VolumeMount     `json:"vol_mounts,omitempty"`
	VolSources   []VolumeSource    `json:"vol_sources,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	TTLSeconds   int               `json:"ttl_seconds_after_finished,omitempty"`
	BackoffLimit int               `json:"backoff_limit"`
}

type Status struct {
	Phase    Phase `json:"phase"`
	ExitCode int   `json:"exit_code"`
}

// Orchestrator is the external job runner. Status returns errs.ErrNotFound
// when the orchestrator holds no record of the job.
type Orchestrator interface {
	Submit(ctx context.Context, spec JobSpec) error
	Status(ctx context.Context, namespace, name string) (Status, error)
}

var unsafeName = regexp.MustCompile(`[^a-z0-9-]+`)

// JobName derives a DNS-label-safe job name from a job request id.
func JobName(jobID string) string {
	n := unsafeName.ReplaceAllString(strings.ToLower(jobID), "-")
	n = strings.Trim("tapi-"+n, "-")
	if len(n) > 63 {
		n = strings.TrimRight(n[:63], "-")
	}
	return n
}
