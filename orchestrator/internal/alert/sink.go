// Package alert delivers guardrail violations to external channels.
package alert

import (
	"context"
	"log"
	"os"

	"golang.org/x/time/rate"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
)

// Alert is the body delivered for a violation.
type Alert struct {
	GuardrailID string `json:"guardrail_id"`
	Reason      string `json:"reason"`
	Event       string `json:"event"`
	Subject     string `json:"subject"`
}

type Notifier interface {
	Name() string
	Notify(ctx context.Context, a Alert) error
}

type SinkConfig struct {
	Notifiers []Notifier
	// Rate is alerts per second across all notifiers. Zero disables throttling.
	Rate   float64
	Burst  int
	Logger *log.Logger
}

type Sink struct {
	notifiers []Notifier
	limiter   *rate.Limiter
	logger    *log.Logger
}

func NewSink(cfg SinkConfig) *Sink {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[alert] ", log.LstdFlags)
	}
	s := &Sink{notifiers: append([]Notifier(nil), cfg.Notifiers...), logger: logger}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return s
}

// Enabled reports whether any destination is configured.
func (s *Sink) Enabled() bool { return len(s.notifiers) > 0 }

// Handle is a bus handler. It never returns an error: failed deliveries are
// logged so alerting cannot disturb the emitting path.
func (s *Sink) Handle(ctx context.Context, ev models.AuditEvent) error {
	if ev.Name != models.ViolationEvent || !ev.Severity.Escalated() {
		return nil
	}
	if !s.Enabled() {
		return nil
	}
	a := Alert{
		GuardrailID: ev.PayloadString("guardrail_id"),
		Reason:      ev.PayloadString("reason"),
		Event:       ev.PayloadString("event"),
		Subject:     ev.PayloadString("subject"),
	}
	if a.Subject == "" {
		a.Subject = ev.Subject
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.logger.Printf("throttled alert for %s on %s", a.GuardrailID, a.Subject)
		return nil
	}
	for _, n := range s.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			s.logger.Printf("delivery to %s failed for %s: %v", n.Name(), a.GuardrailID, err)
		}
	}
	return nil
}
