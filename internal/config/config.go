// Package config loads the settings of every service role from a .env file,
// an optional YAML file and the process environment, in that order of
// increasing precedence. Keys are the environment variable names.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every settings validation failure.
var ErrInvalid = errors.New("invalid settings")

type Settings struct {
	Workspace string
	DBPath    string
	Addr      string
	BasePath  string
	LogFormat string
	LogLevel  string
	// DefaultPageSize applies to list endpoints without page_size.
	DefaultPageSize int

	Upstream   UpstreamSettings
	Sync       SyncSettings
	Exec       ExecSettings
	Sourcing   SourcingSettings
	Validation ValidationSettings
	Bus        BusSettings
	Auth       AuthSettings
	Remote     RemoteSettings
	Build      BuildInfo
}

type UpstreamSettings struct {
	URL         string
	ScriptName  string
	APIKey      string
	Proxy       string
	DefaultSite string
	// FixtureFile replaces the REST source with a YAML dataset.
	FixtureFile string
}

// Configured reports whether the REST source has credentials.
func (u UpstreamSettings) Configured() bool {
	return u.URL != "" && u.ScriptName != "" && u.APIKey != ""
}

type SyncSettings struct {
	TrackingFile     string
	TrackingMaxAge   time.Duration
	Interval         time.Duration
	MaxFailures      int
	AvoidTags        []string
	RestrictProjects []int64
	SnapshotDir      string
	// FollowInterval paces snapshot reloads in API-only processes.
	FollowInterval time.Duration
}

type ExecSettings struct {
	TrackingFile      string
	TrackingMaxAge    time.Duration
	Interval          time.Duration
	MaxJobRequests    int
	MaxSubmitAttempts int
	JobTTL            time.Duration
	BackoffLimit      int
	Image             string
	JobConfDir        string
	ToolsConfig       string
	DefaultProfile    string
	Namespace         string
	Orchestrator      string
	ContainerBinary   string
	EnvFrom           []string
}

type SourcingSettings struct {
	SignatureToken   string
	RejectUnverified bool
}

type ValidationSettings struct {
	// BusName prefixes the bus consumers of the validation roles.
	BusName    string
	RezBinary  string
	ContextDir string
	Timeout    time.Duration
	// Static resolves every package without running rez, for dry runs.
	Static bool
}

type BusSettings struct {
	// URL of a remote ingest endpoint. Empty means the local event log.
	URL          string
	PollInterval time.Duration
}

type AuthSettings struct {
	JWTSecret string
	// APIKeys maps a key to its role.
	APIKeys  map[string]string
	Disabled bool
}

// RemoteSettings point split deployments at the API process.
type RemoteSettings struct {
	URL         string
	APIKey      string
	BearerToken string
}

type BuildInfo struct {
	ID    string `json:"build_id"`
	Date  string `json:"build_date"`
	Hash  string `json:"build_hash"`
	Image string `json:"build_image"`
	Link  string `json:"build_link"`
}

// Version is the build id, or "dev" for an unstamped binary.
func (b BuildInfo) Version() string {
	if b.ID == "" {
		return "dev"
	}
	return b.ID
}

var defaults = map[string]any{
	"spc_workspace":                          ".",
	"spc_addr":                               ":8080",
	"spc_base_path":                          "/v0",
	"log_format":                             "json",
	"log_level":                              "info",
	"default_page_size":                      50,
	"sg_default_site":                        "Toronto",
	"lvl_sync_health_tracking_file_max_age":  "600",
	"lvl_sync_interval_seconds":              "60",
	"lvl_sync_max_consecutive_failures":      5,
	"lvl_api_tree_cache_min_seconds":         "120",
	"esch_exec_health_tracking_file_max_age": "300",
	"esch_exec_interval_seconds":             "10",
	"esch_exec_tool_k8_max_jobrequests":      10,
	"esch_exec_max_submit_attempts":          3,
	"esch_job_pods_ttl_hours":                24,
	"esch_job_backoff_limit":                 0,
	"esch_event_tools_config_name":           "tools",
	"esch_default_profile":                   "default",
	"esch_job_namespace":                     "default",
	"esch_orchestrator":                      "memory",
	"esch_container_binary":                  "docker",
	"validation_event_bus_name":              "validation",
	"rez_env_binary":                         "rez-env",
	"validation_timeout_seconds":             "300",
	"bus_poll_interval_seconds":              "2",
}

// Options select the optional YAML file and flag overrides.
type Options struct {
	// File is a YAML settings file. SPC_CONFIG is used when empty.
	File string
	// EnvFile defaults to .env in the working directory.
	EnvFile string
	// Viper, when set, carries bound CLI flags.
	Viper *viper.Viper
}

// Load assembles Settings. A missing .env file is not an error; a missing
// YAML file that was asked for is.
func Load(opts Options) (Settings, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return Settings{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := opts.Viper
	if v == nil {
		v = viper.New()
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	file := opts.File
	if file == "" {
		file = os.Getenv("SPC_CONFIG")
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return Settings{}, fmt.Errorf("read settings file: %w", err)
		}
		raw := map[string]any{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Settings{}, fmt.Errorf("invalid settings yaml: %w", err)
		}
		lowered := make(map[string]any, len(raw))
		for k, val := range raw {
			lowered[strings.ToLower(k)] = val
		}
		if err := v.MergeConfigMap(lowered); err != nil {
			return Settings{}, err
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Settings, error) {
	var problems []error
	dur := func(key string) time.Duration {
		d, err := Seconds(v.GetString(key))
		if err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", strings.ToUpper(key), err))
		}
		return d
	}
	workspace := v.GetString("spc_workspace")
	s := Settings{
		Workspace:       workspace,
		DBPath:          v.GetString("spc_db_path"),
		Addr:            v.GetString("spc_addr"),
		BasePath:        v.GetString("spc_base_path"),
		LogFormat:       strings.ToLower(v.GetString("log_format")),
		LogLevel:        strings.ToLower(v.GetString("log_level")),
		DefaultPageSize: v.GetInt("default_page_size"),
		Upstream: UpstreamSettings{
			URL:         v.GetString("sg_url"),
			ScriptName:  v.GetString("sg_script_name"),
			APIKey:      v.GetString("sg_api_key"),
			Proxy:       v.GetString("sg_proxy"),
			DefaultSite: v.GetString("sg_default_site"),
			FixtureFile: v.GetString("lvl_sync_upstream_file"),
		},
		Sync: SyncSettings{
			TrackingFile:   v.GetString("lvl_sync_health_tracking_file"),
			TrackingMaxAge: dur("lvl_sync_health_tracking_file_max_age"),
			Interval:       dur("lvl_sync_interval_seconds"),
			MaxFailures:    v.GetInt("lvl_sync_max_consecutive_failures"),
			AvoidTags:      List(v.GetString("lvl_sync_filter_project_tags_to_avoid")),
			SnapshotDir:    v.GetString("lvl_sync_snapshot_dir"),
			FollowInterval: dur("lvl_api_tree_cache_min_seconds"),
		},
		Exec: ExecSettings{
			TrackingFile:      v.GetString("esch_exec_health_tracking_file"),
			TrackingMaxAge:    dur("esch_exec_health_tracking_file_max_age"),
			Interval:          dur("esch_exec_interval_seconds"),
			MaxJobRequests:    v.GetInt("esch_exec_tool_k8_max_jobrequests"),
			MaxSubmitAttempts: v.GetInt("esch_exec_max_submit_attempts"),
			JobTTL:            time.Duration(v.GetInt("esch_job_pods_ttl_hours")) * time.Hour,
			BackoffLimit:      v.GetInt("esch_job_backoff_limit"),
			Image:             v.GetString("esch_tapi_image_tag"),
			JobConfDir:        v.GetString("esch_jobconf_basedir"),
			ToolsConfig:       v.GetString("esch_event_tools_config_name"),
			DefaultProfile:    v.GetString("esch_default_profile"),
			Namespace:         v.GetString("esch_job_namespace"),
			Orchestrator:      strings.ToLower(v.GetString("esch_orchestrator")),
			ContainerBinary:   v.GetString("esch_container_binary"),
			EnvFrom:           List(v.GetString("esch_job_env_from")),
		},
		Sourcing: SourcingSettings{
			SignatureToken:   v.GetString("esrc_sg_event_signature_token"),
			RejectUnverified: v.GetBool("esrc_reject_sg_events_without_correct_signatures"),
		},
		Validation: ValidationSettings{
			BusName:    v.GetString("validation_event_bus_name"),
			RezBinary:  v.GetString("rez_env_binary"),
			ContextDir: v.GetString("validation_context_dir"),
			Timeout:    dur("validation_timeout_seconds"),
			Static:     v.GetBool("validation_static"),
		},
		Bus: BusSettings{
			URL:          v.GetString("bus_url"),
			PollInterval: dur("bus_poll_interval_seconds"),
		},
		Auth: AuthSettings{
			JWTSecret: v.GetString("spc_jwt_secret"),
			APIKeys:   map[string]string{},
			Disabled:  v.GetBool("spc_auth_disabled"),
		},
		Remote: RemoteSettings{
			URL:         v.GetString("spc_api_url"),
			APIKey:      v.GetString("spc_api_key"),
			BearerToken: v.GetString("spc_api_token"),
		},
		Build: BuildInfo{
			ID:    v.GetString("build_id"),
			Date:  v.GetString("build_date"),
			Hash:  v.GetString("build_hash"),
			Image: v.GetString("build_image"),
			Link:  v.GetString("build_link"),
		},
	}
	for _, raw := range List(v.GetString("lvl_sync_restrict_to_projects")) {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			problems = append(problems, fmt.Errorf("LVL_SYNC_RESTRICT_TO_PROJECTS: %q is not a project id", raw))
			continue
		}
		s.Sync.RestrictProjects = append(s.Sync.RestrictProjects, id)
	}
	for _, entry := range List(v.GetString("spc_api_keys")) {
		key, role, ok := strings.Cut(entry, ":")
		if !ok {
			role = "reader"
		}
		s.Auth.APIKeys[key] = role
	}

	ws := workspace
	if ws == "" {
		ws = "."
	}
	if s.Sync.SnapshotDir == "" {
		s.Sync.SnapshotDir = filepath.Join(ws, ".studiopipe", "snapshots")
	}
	if s.Validation.ContextDir == "" {
		s.Validation.ContextDir = filepath.Join(ws, ".studiopipe", "contexts")
	}
	if len(problems) > 0 {
		return s, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(problems...))
	}
	return s, nil
}

// Validate rejects values no role can run with.
func (s Settings) Validate() error {
	var problems []string
	if s.DefaultPageSize <= 0 {
		problems = append(problems, "DEFAULT_PAGE_SIZE must be positive")
	}
	if s.Sync.TrackingMaxAge < 0 || s.Exec.TrackingMaxAge < 0 {
		problems = append(problems, "tracking file max ages must not be negative")
	}
	if s.Sync.Interval <= 0 || s.Exec.Interval <= 0 {
		problems = append(problems, "loop intervals must be positive")
	}
	if s.Exec.MaxSubmitAttempts < 1 {
		problems = append(problems, "ESCH_EXEC_MAX_SUBMIT_ATTEMPTS must be at least 1")
	}
	if s.Exec.MaxJobRequests < 1 {
		problems = append(problems, "ESCH_EXEC_TOOL_K8_MAX_JOBREQUESTS must be at least 1")
	}
	if s.Exec.BackoffLimit < 0 {
		problems = append(problems, "ESCH_JOB_BACKOFF_LIMIT must not be negative")
	}
	switch s.Exec.Orchestrator {
	case "memory", "docker":
	default:
		problems = append(problems, fmt.Sprintf("ESCH_ORCHESTRATOR %q is not memory or docker", s.Exec.Orchestrator))
	}
	switch s.LogFormat {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("LOG_FORMAT %q is not json or text", s.LogFormat))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateExec adds the checks of the execution loop.
func (s Settings) ValidateExec() error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Exec.Orchestrator == "docker" && strings.TrimSpace(s.Exec.Image) == "" {
		return fmt.Errorf("%w: ESCH_TAPI_IMAGE_TAG is required with the docker orchestrator", ErrInvalid)
	}
	return nil
}

// Tracking returns the tracking file and max age of a loop kind.
func (s Settings) Tracking(kind string) (string, time.Duration, error) {
	var file string
	var age time.Duration
	switch kind {
	case "sync":
		file, age = s.Sync.TrackingFile, s.Sync.TrackingMaxAge
	case "exec":
		file, age = s.Exec.TrackingFile, s.Exec.TrackingMaxAge
	default:
		return "", 0, fmt.Errorf("%w: unknown health kind %q", ErrInvalid, kind)
	}
	if file == "" {
		return "", 0, fmt.Errorf("%w: no tracking file configured for %s", ErrInvalid, kind)
	}
	if age <= 0 {
		return "", 0, fmt.Errorf("%w: max age for %s must be positive", ErrInvalid, kind)
	}
	return file, age, nil
}

// Seconds parses a plain number of seconds or a Go duration.
func Seconds(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%q is neither seconds nor a duration", raw)
	}
	return d, nil
}

// List splits a comma separated value, dropping blanks.
func List(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
