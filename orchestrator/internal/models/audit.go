package models

import (
	"fmt"
	"regexp"
	"time"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Escalated reports whether s warrants paging a human.
func (s Severity) Escalated() bool {
	return s == SeverityHigh || s == SeverityCritical
}

const (
	// OpsCUnit is the source of events derived by the orchestrator itself.
	OpsCUnit = "core.ops"
	// ViolationEvent is emitted for every guardrail breach.
	ViolationEvent = "guardrail.violation"
)

// CUnit is a named subsystem allowed to emit audit events.
type CUnit struct {
	ID     string   `json:"id" yaml:"id"`
	Name   string   `json:"name" yaml:"name"`
	Owners []string `json:"owners" yaml:"owners"`
}

// Equal compares metadata, owner order included.
func (c CUnit) Equal(o CUnit) bool {
	if c.ID != o.ID || c.Name != o.Name || len(c.Owners) != len(o.Owners) {
		return false
	}
	for i := range c.Owners {
		if c.Owners[i] != o.Owners[i] {
			return false
		}
	}
	return true
}

func (c CUnit) Clone() CUnit {
	c.Owners = append([]string(nil), c.Owners...)
	return c
}

type AuditEvent struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	CUnit     string         `json:"c_unit"`
	Actor     string         `json:"actor"`
	Subject   string         `json:"subject"`
	Severity  Severity       `json:"severity"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

var eventNamePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)+$`)

// ValidEventName reports whether name is a dotted lowercase identifier.
func ValidEventName(name string) bool {
	return eventNamePattern.MatchString(name)
}

// Validate checks the fields an emitter is responsible for.
func (e AuditEvent) Validate() error {
	if !ValidEventName(e.Name) {
		return fmt.Errorf("event name %q is not a dotted identifier", e.Name)
	}
	if !e.Severity.Valid() {
		return fmt.Errorf("event %s has unknown severity %q", e.Name, e.Severity)
	}
	return nil
}

// Clone deep-copies the payload so subscribers cannot observe each other's
// mutations.
func (e AuditEvent) Clone() AuditEvent {
	e.Payload = cloneMap(e.Payload)
	return e
}

// PayloadString returns payload[key] when it is a non-empty string.
func (e AuditEvent) PayloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case []byte:
		return append([]byte(nil), val...)
	default:
		return v
	}
}
