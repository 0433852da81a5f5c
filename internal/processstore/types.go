// Package processstore implements the Process Store (spec §3, §4.2):
// the in-memory index of background-process records, each carrying a
// bounded rolling log buffer, mirrored to a durable backing store and
// mutated exclusively through its own serializing authority. Shaped
// after rungraph's store — same serializer/lock-free-read design — since
// spec explicitly describes it as "same shape as Run Graph Store".
package processstore

import (
	"errors"
	"time"
)

// Status is one of the process lifecycle states (spec §3) — a narrower
// set than rungraph.Status: no cancelled state, "lost" is reachable only
// through process-manager reconciliation.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusKilled    Status = "killed"
	StatusLost      Status = "lost"
)

var stateOrder = map[Status]int{
	StatusQueued:    0,
	StatusRunning:   1,
	StatusCompleted: 2,
	StatusError:     2,
	StatusKilled:    2,
	StatusLost:      2,
}

// IsTerminal reports whether status is a member of the terminal set.
func IsTerminal(s Status) bool { return stateOrder[s] == 2 }

// ValidTransition reports whether moving from `from` to `to` strictly
// increases state order.
func ValidTransition(from, to Status) bool { return stateOrder[to] > stateOrder[from] }

// ErrNotFound is returned when an id has no record in the store.
var ErrNotFound = errors.New("processstore: process not found")

// ErrInvalidTransition is returned when a transition would not strictly
// increase the process's state order.
var ErrInvalidTransition = errors.New("processstore: invalid state transition")

// MaxLogLines is the default rolling-buffer bound (spec §3, §6
// log_max_lines).
const MaxLogLines = 1000

// Process is a single background-process record (spec §3).
type Process struct {
	ID          string            `json:"id"`
	Status      Status            `json:"status"`
	Command     []string          `json:"command"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Owner       string            `json:"owner,omitempty"`
	OSPid       *int              `json:"os_pid,omitempty"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	Error       any               `json:"error,omitempty"`
	InsertedAt  time.Time         `json:"inserted_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns an independent copy of p, so holders of a Get() result
// never see later in-place mutation and vice versa.
func (p Process) Clone() Process {
	cp := p
	if p.Command != nil {
		cp.Command = append([]string(nil), p.Command...)
	}
	if p.Env != nil {
		cp.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			cp.Env[k] = v
		}
	}
	if p.OSPid != nil {
		v := *p.OSPid
		cp.OSPid = &v
	}
	if p.ExitCode != nil {
		v := *p.ExitCode
		cp.ExitCode = &v
	}
	if p.StartedAt != nil {
		v := *p.StartedAt
		cp.StartedAt = &v
	}
	if p.CompletedAt != nil {
		v := *p.CompletedAt
		cp.CompletedAt = &v
	}
	return cp
}

// Attrs describes the caller-provided fields for a new process.
type Attrs struct {
	Command []string
	Cwd     string
	Env     map[string]string
	Owner   string
}
