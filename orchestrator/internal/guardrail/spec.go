package guardrail

import (
	"fmt"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
)

// Spec is a guardrail declared in the catalogue file.
//
//	- id: slow-campaign
//	  trigger: cgo.job.latency_slo_miss
//	  severity: critical
//	  match: {}
type Spec struct {
	ID          string            `yaml:"id" json:"id"`
	Description string            `yaml:"description" json:"description"`
	Trigger     string            `yaml:"trigger" json:"trigger"`
	Severity    string            `yaml:"severity" json:"severity"`
	Match       map[string]string `yaml:"match" json:"match"`
	Reason      string            `yaml:"reason" json:"reason"`
}

// FromSpec builds a guardrail that breaches when every Match key is present
// in the payload with the given value. An empty Match always breaches.
func FromSpec(s Spec) (Guardrail, error) {
	g := Guardrail{
		ID:           s.ID,
		Description:  s.Description,
		TriggerEvent: s.Trigger,
		Severity:     models.Severity(s.Severity),
		Predicate:    payloadMatch(s.Match),
	}
	if s.Reason != "" {
		reason := s.Reason
		g.Reason = func(models.AuditEvent) string { return reason }
	}
	if err := g.validate(); err != nil {
		return Guardrail{}, err
	}
	return g, nil
}

// RegisterSpecs registers every spec, stopping at the first failure.
func (e *Engine) RegisterSpecs(specs []Spec) error {
	for _, s := range specs {
		g, err := FromSpec(s)
		if err != nil {
			return fmt.Errorf("guardrail %q: %w", s.ID, err)
		}
		if err := e.Register(g); err != nil {
			return err
		}
	}
	return nil
}

func payloadMatch(match map[string]string) Predicate {
	want := make(map[string]string, len(match))
	for k, v := range match {
		want[k] = v
	}
	return func(ev models.AuditEvent) bool {
		for k, v := range want {
			got, ok := ev.Payload[k]
			if !ok || fmt.Sprint(got) != v {
				return false
			}
		}
		return true
	}
}
