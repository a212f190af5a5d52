package models

import (
	"testing"
)

func TestCheckTransition(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		ok       bool
	}{
		{StatusAccepted, StatusRunning, true},
		{StatusAccepted, StatusFailed, true},
		{StatusRunning, StatusDone, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusRunning, true},
		{StatusRunning, StatusAccepted, false},
		{StatusDone, StatusFailed, false},
		{StatusFailed, StatusDone, false},
		{StatusDone, StatusDone, false},
		{StatusAccepted, JobStatus("queued"), false},
	}
	for _, tc := range cases {
		err := CheckTransition(tc.from, tc.to)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s -> %s: expected rejection", tc.from, tc.to)
		}
	}
}

func TestAuditEventCloneIsDeep(t *testing.T) {
	ev := AuditEvent{
		Name:     "cgo.job.failed",
		Severity: SeverityWarning,
		Payload: map[string]any{
			"nested": map[string]any{"k": "v"},
			"list":   []any{"a"},
		},
	}
	cp := ev.Clone()
	cp.Payload["nested"].(map[string]any)["k"] = "changed"
	cp.Payload["list"].([]any)[0] = "changed"
	cp.Payload["extra"] = true

	if ev.Payload["nested"].(map[string]any)["k"] != "v" {
		t.Fatalf("nested map shared between clones")
	}
	if ev.Payload["list"].([]any)[0] != "a" {
		t.Fatalf("slice shared between clones")
	}
	if _, ok := ev.Payload["extra"]; ok {
		t.Fatalf("top-level payload shared between clones")
	}
}

func TestValidate(t *testing.T) {
	good := AuditEvent{Name: "a2a.command.accepted", Severity: SeverityInfo}
	if err := good.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range []string{"", "single", "Upper.case", "trailing.", ".leading"} {
		ev := AuditEvent{Name: name, Severity: SeverityInfo}
		if err := ev.Validate(); err == nil {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
	bad := AuditEvent{Name: "cgo.job.failed", Severity: "fatal"}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected unknown severity to be rejected")
	}
}

func TestUnitEvent(t *testing.T) {
	if got := CGOUnit.Event("accepted"); got != "cgo.job.accepted" {
		t.Fatalf("got %s", got)
	}
	if got := A2AUnit.Event("failed"); got != "a2a.command.failed" {
		t.Fatalf("got %s", got)
	}
}
