package domain

import "encoding/json"

// ConfigItem is a named JSON payload attached to a level.
type ConfigItem struct {
	ID          string         `json:"id" example:"cid_0123456789abcdefghijklmn"`
	Path        string         `json:"path" example:"/Mumbai/film/show1"`
	Name        string         `json:"name" example:"tools"`
	Description string         `json:"description,omitempty"`
	Inherits    bool           `json:"inherits"`
	Active      int64          `json:"active"`
	CreatedNS   int64          `json:"created_ns"`
	UpdatedNS   int64          `json:"updated_ns"`
	CreatedBy   string         `json:"created_by"`
	Payload     map[string]any `json:"payload"`
}

type PackageRef struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	UseLegacy bool   `json:"use_legacy,omitempty"`
}

// Bundle is a named package set attached to a profile. An empty package
// list marks the bundle deleted at that level.
type Bundle struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Packages    []PackageRef `json:"packages"`
}

// LibraryBundle is a reusable bundle kept outside any profile. Attaching it
// copies its packages into the profile.
type LibraryBundle struct {
	Name        string       `json:"name" example:"maya_dev"`
	Description string       `json:"description,omitempty"`
	Packages    []PackageRef `json:"packages"`
	CreatedNS   int64        `json:"created_ns"`
	UpdatedNS   int64        `json:"updated_ns"`
	CreatedBy   string       `json:"created_by"`
}

func (b LibraryBundle) Bundle() Bundle {
	return Bundle{Name: b.Name, Description: b.Description, Packages: append([]PackageRef(nil), b.Packages...)}
}

// SamePackages reports whether a and b reference the same name and version
// pairs, in any order.
func SamePackages(a, b []PackageRef) bool {
	if len(a) != len(b) {
		return false
	}
	count := make(map[[2]string]int, len(a))
	for _, p := range a {
		count[[2]string{p.Name, p.Version}]++
	}
	for _, p := range b {
		k := [2]string{p.Name, p.Version}
		if count[k] == 0 {
			return false
		}
		count[k]--
	}
	return true
}

type Comment struct {
	Author    string `json:"author"`
	Text      string `json:"text"`
	CreatedNS int64  `json:"created_ns"`
}

const (
	StatusPending = "pending"
	StatusValid   = "valid"
	StatusInvalid = "invalid"
	StatusError   = "error"
)

// Profile is a named package and bundle set attached to a level.
type Profile struct {
	ID          string       `json:"id" example:"profile_0123456789ab"`
	Path        string       `json:"path"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Inherits    bool         `json:"inherits"`
	Packages    []PackageRef `json:"packages"`
	Bundles     []Bundle     `json:"bundles"`
	Comments    []Comment    `json:"comments"`
	Status      string       `json:"status" enum:"pending,valid,invalid,error"`
	Diagnostics string       `json:"diagnostics,omitempty"`
	Active      int64        `json:"active"`
	CreatedNS   int64        `json:"created_ns"`
	UpdatedNS   int64        `json:"updated_ns"`
	CreatedBy   string       `json:"created_by"`
}

// Job states. Terminal states carry finished_ns > 0.
const (
	JobPending        = "pending"
	JobPrepared       = "prepared"
	JobRunning        = "running"
	JobSucceeded      = "succeeded"
	JobFailed         = "failed"
	JobSubmitFailed   = "submit-failed"
	JobResolveFailed  = "resolve-failed"
	JobUnrecoverable  = "unrecoverable"
	ExitResolveFailed = 2
	ExitSubmitFailed  = 3
	ExitUnrecoverable = 4
)

// JobRequest is the durable record of one scheduled tool run.
type JobRequest struct {
	JobID               string          `json:"job_id"`
	EventID             string          `json:"event_id"`
	TriggerIndex        int             `json:"trigger_index"`
	TriggeringEventType string          `json:"triggering_event_type"`
	DueNS               int64           `json:"due_ns"`
	ToolConfig          json.RawMessage `json:"tool_config_json"`
	Event               json.RawMessage `json:"event_json"`
	PreparedNS          int64           `json:"prepared_ns"`
	StartedNS           int64           `json:"started_ns"`
	FinishedNS          int64           `json:"finished_ns"`
	ExitCode            int             `json:"exit_code"`
	Attempts            int             `json:"attempts"`
	State               string          `json:"state" enum:"pending,prepared,running,succeeded,failed,submit-failed,resolve-failed,unrecoverable"`
	ScheduledByJob      string          `json:"scheduled_by_job,omitempty"`
	CreatedNS           int64           `json:"created_ns"`
}

func (j JobRequest) Terminal() bool { return j.FinishedNS > 0 }

type SyncRequest struct {
	ID          string `json:"id"`
	Comment     string `json:"comment,omitempty"`
	RequestedNS int64  `json:"requested_ns"`
	FulfilledNS int64  `json:"fulfilled_ns,omitempty"`
	Filename    string `json:"filename,omitempty"`
}

type Lease struct {
	Name      string `json:"name"`
	Holder    string `json:"holder"`
	ExpiresNS int64  `json:"expires_ns"`
}
