package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobStatus string

const (
	StatusAccepted JobStatus = "accepted"
	StatusRunning  JobStatus = "running"
	StatusDone     JobStatus = "done"
	StatusFailed   JobStatus = "failed"
)

func (s JobStatus) rank() int {
	switch s {
	case StatusAccepted:
		return 0
	case StatusRunning:
		return 1
	case StatusDone, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the known lifecycle states.
func (s JobStatus) Valid() bool {
	return s.rank() >= 0
}

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// CheckTransition validates a status change. Staying in the same non-terminal
// state is allowed (it is how result-only updates are expressed); terminal
// states are frozen and status never moves backwards.
func CheckTransition(from, to JobStatus) error {
	if !to.Valid() {
		return fmt.Errorf("unknown status %q", to)
	}
	if from.Terminal() {
		return fmt.Errorf("job already %s", from)
	}
	if to.rank() < from.rank() {
		return fmt.Errorf("status cannot move from %s to %s", from, to)
	}
	return nil
}

type Job struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Status    JobStatus       `json:"status"`
	Inputs    json.RawMessage `json:"inputs"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Clone returns a copy that shares no byte slices with j.
func (j Job) Clone() Job {
	out := j
	if j.Inputs != nil {
		out.Inputs = append(json.RawMessage(nil), j.Inputs...)
	}
	if j.Result != nil {
		out.Result = append(json.RawMessage(nil), j.Result...)
	}
	return out
}

// Unit binds a job kind to the C-Unit that reports on it and the prefix of
// the events emitted for its lifecycle.
type Unit struct {
	Kind        string
	CUnit       string
	EventPrefix string
}

// Event returns the full event name for a lifecycle suffix, e.g. "failed".
func (u Unit) Event(suffix string) string {
	return u.EventPrefix + "." + suffix
}

var (
	CGOUnit = Unit{Kind: "cgo", CUnit: "core.cgo", EventPrefix: "cgo.job"}
	A2AUnit = Unit{Kind: "a2a", CUnit: "core.a2a", EventPrefix: "a2a.command"}
)
