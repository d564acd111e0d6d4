package store

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the job lifecycle state machine:
//
//	pending -> queued -> {getting-token|uploading} -> polling -> {done|error}
//
// done/error re-enter pending via Reset. The in-flight states
// (queued..polling) are owned by exactly one worker or poller at a time.
type Status string

const (
	StatusPending      Status = "pending"
	StatusQueued       Status = "queued"
	StatusGettingToken Status = "getting-token"
	StatusUploading    Status = "uploading"
	StatusPolling      Status = "polling"
	StatusDone         Status = "done"
	StatusError        Status = "error"
)

// Terminal reports whether s is done or error.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusError }

// InFlight reports whether a worker or poller currently owns the job.
func (s Status) InFlight() bool {
	switch s {
	case StatusQueued, StatusGettingToken, StatusUploading, StatusPolling:
		return true
	}
	return false
}

// Error reasons surfaced on terminal jobs. Stopped and Timeout are
// distinguished from other failures only by this reason text.
const (
	ReasonStopped = "Stopped"
	ReasonTimeout = "Timeout"
)

// OpStatus values are defined by the remote service.
type OpStatus string

const (
	OpPending    OpStatus = "PENDING"
	OpSuccessful OpStatus = "SUCCESSFUL"
	OpFailed     OpStatus = "FAILED"
)

func (s OpStatus) Terminal() bool { return s == OpSuccessful || s == OpFailed }

// Operation is one remote asynchronous generation unit spawned by a submit.
// Operations are immutable once terminal; only the poller writes to them.
type Operation struct {
	Name     string   `json:"operation_name"`
	SceneID  string   `json:"scene_id"`
	Status   OpStatus `json:"status"`
	MediaURL string   `json:"media_url,omitempty"`
}

// Payload is the user's generation request. The core treats it as opaque
// beyond the empty check.
type Payload struct {
	Prompt      string          `json:"prompt"`
	Params      json.RawMessage `json:"params,omitempty"`
	MediaInputs []string        `json:"media_inputs,omitempty"`
}

func (p Payload) Empty() bool {
	return strings.TrimSpace(p.Prompt) == "" && len(p.MediaInputs) == 0
}

// Job is one unit of user work, possibly fanning out into multiple Operations.
type Job struct {
	ID         string      `json:"id"`
	Order      int         `json:"order"`
	Payload    Payload     `json:"payload"`
	Status     Status      `json:"status"`
	AccountID  string      `json:"account_id,omitempty"`
	Operations []Operation `json:"operations,omitempty"`
	Results    []string    `json:"results,omitempty"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Clone returns a deep copy so callers can't alias store-owned slices.
func (j Job) Clone() Job {
	cp := j
	if j.Operations != nil {
		cp.Operations = append([]Operation(nil), j.Operations...)
	}
	if j.Results != nil {
		cp.Results = append([]string(nil), j.Results...)
	}
	if j.Payload.MediaInputs != nil {
		cp.Payload.MediaInputs = append([]string(nil), j.Payload.MediaInputs...)
	}
	if j.Payload.Params != nil {
		cp.Payload.Params = append(json.RawMessage(nil), j.Payload.Params...)
	}
	return cp
}

// Patch is a partial update applied by the UI surface. Nil fields are left
// unchanged; the core itself always writes whole records.
type Patch struct {
	Payload *Payload `json:"payload,omitempty"`
}
