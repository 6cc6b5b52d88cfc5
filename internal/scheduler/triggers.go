package scheduler

import (
	"encoding/json"
	"sort"
	"strings"

	"studiopipe/internal/errs"
	"studiopipe/internal/orchestrator"
	"studiopipe/internal/resolver"
)

// Trigger starts a job when an event type matches its pattern.
type Trigger struct {
	EventTypePattern string         `json:"event_type_pattern"`
	DelayMS          int64          `json:"delay_ms"`
	JobSpec          map[string]any `json:"job_spec"`
}

// Triggers reads the tool triggers of a tools payload: the "triggers" list
// first, then the legacy "event_types" map in key order. Legacy entries
// match their key exactly. Specs without an image get defaultImage.
func Triggers(payload map[string]any, defaultImage string) ([]Trigger, error) {
	var out []Trigger
	if raw, ok := payload["triggers"]; ok {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		var list []Trigger
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, errs.Validation("tools triggers: %v", err)
		}
		for i, t := range list {
			if strings.TrimSpace(t.EventTypePattern) == "" {
				return nil, errs.Validation("tools trigger %d has no event_type_pattern", i)
			}
			if t.DelayMS < 0 {
				return nil, errs.Validation("tools trigger %d has a negative delay", i)
			}
			out = append(out, t)
		}
	}
	if legacy, ok := payload["event_types"].(map[string]any); ok {
		keys := make([]string, 0, len(legacy))
		for k := range legacy {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			entry, ok := legacy[k].(map[string]any)
			if !ok {
				return nil, errs.Validation("tools event_types entry %q is not an object", k)
			}
			out = append(out, Trigger{EventTypePattern: k, JobSpec: entry})
		}
	}
	for i := range out {
		spec := resolver.Clone(out[i].JobSpec)
		if spec == nil {
			spec = map[string]any{}
		}
		if img, _ := spec["image"].(string); img == "" && defaultImage != "" {
			spec["image"] = defaultImage
		}
		out[i].JobSpec = spec
	}
	return out, nil
}

// Match reports whether detailType matches a glob where "*" spans any run
// of characters.
func Match(pattern, detailType string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == detailType
	}
	if !strings.HasPrefix(detailType, parts[0]) {
		return false
	}
	rest := detailType[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, p := range parts[1 : len(parts)-1] {
		i := strings.Index(rest, p)
		if i < 0 {
			return false
		}
		rest = rest[i+len(p):]
	}
	return len(rest) >= len(last) && strings.HasSuffix(rest, last)
}

// JobSpec is the typed view of a trigger's job spec.
type JobSpec struct {
	Image       string                      `json:"image"`
	Command     []string                    `json:"command,omitempty"`
	ToolToRun   string                      `json:"tool_to_run,omitempty"`
	Profile     string                      `json:"profile,omitempty"`
	ProfileID   string                      `json:"profile_id,omitempty"`
	ProfilePath string                      `json:"profile_path,omitempty"`
	Namespace   string                      `json:"namespace,omitempty"`
	Env         map[string]string           `json:"env,omitempty"`
	EnvFrom     []string                    `json:"env_from,omitempty"`
	VolMounts   []orchestrator.VolumeMount  `json:"vol_mounts,omitempty"`
	VolSources  []orchestrator.VolumeSource `json:"vol_sources,omitempty"`
	ToolConfig  map[string]any              `json:"tool_config,omitempty"`
}

func parseJobSpec(raw []byte) (JobSpec, error) {
	var spec JobSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return JobSpec{}, errs.Validation("job spec: %v", err)
	}
	if strings.TrimSpace(spec.Image) == "" {
		return JobSpec{}, errs.Validation("job spec has no image")
	}
	return spec, nil
}
