package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
)

func violation(severity models.Severity) models.AuditEvent {
	return models.AuditEvent{
		Name:     models.ViolationEvent,
		CUnit:    models.OpsCUnit,
		Subject:  "cgo_job_1",
		Severity: severity,
		Payload: map[string]any{
			"guardrail_id": "cgo-job-failure",
			"reason":       "boom",
			"event":        "cgo.job.failed",
			"subject":      "cgo_job_1",
		},
	}
}

func newReceiver(t *testing.T, status int) (*httptest.Server, *atomic.Int32, chan []byte) {
	t.Helper()
	var hits atomic.Int32
	bodies := make(chan []byte, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		b, _ := io.ReadAll(r.Body)
		bodies <- b
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits, bodies
}

func TestSinkDeliversGenericBody(t *testing.T) {
	srv, hits, bodies := newReceiver(t, http.StatusOK)
	n, err := NewWebhookNotifier(WebhookConfig{Destination: Destination{Name: "ops", URL: srv.URL}})
	require.NoError(t, err)
	sink := NewSink(SinkConfig{Notifiers: []Notifier{n}, Logger: log.New(io.Discard, "", 0)})

	require.NoError(t, sink.Handle(context.Background(), violation(models.SeverityHigh)))
	assert.Equal(t, int32(1), hits.Load())
	assert.JSONEq(t, `{"guardrail_id":"cgo-job-failure","reason":"boom","event":"cgo.job.failed","subject":"cgo_job_1"}`, string(<-bodies))

	require.NoError(t, sink.Handle(context.Background(), violation(models.SeverityCritical)))
	assert.Equal(t, int32(2), hits.Load())
}

func TestSinkSkipsLowSeverityAndOtherEvents(t *testing.T) {
	srv, hits, _ := newReceiver(t, http.StatusOK)
	n, err := NewWebhookNotifier(WebhookConfig{Destination: Destination{URL: srv.URL}})
	require.NoError(t, err)
	sink := NewSink(SinkConfig{Notifiers: []Notifier{n}, Logger: log.New(io.Discard, "", 0)})

	require.NoError(t, sink.Handle(context.Background(), violation(models.SeverityWarning)))
	require.NoError(t, sink.Handle(context.Background(), violation(models.SeverityInfo)))
	other := violation(models.SeverityCritical)
	other.Name = "cgo.job.failed"
	require.NoError(t, sink.Handle(context.Background(), other))
	assert.Equal(t, int32(0), hits.Load())
}

func TestSinkWithoutDestinationsIsNoop(t *testing.T) {
	sink := NewSink(SinkConfig{})
	assert.False(t, sink.Enabled())
	assert.NoError(t, sink.Handle(context.Background(), violation(models.SeverityCritical)))
}

func TestSinkSwallowsDeliveryFailure(t *testing.T) {
	srv, hits, _ := newReceiver(t, http.StatusBadGateway)
	n, err := NewWebhookNotifier(WebhookConfig{Destination: Destination{Name: "telegram", URL: srv.URL}, Retries: 2})
	require.NoError(t, err)
	var logs bytes.Buffer
	sink := NewSink(SinkConfig{Notifiers: []Notifier{n}, Logger: log.New(&logs, "", 0)})

	assert.NoError(t, sink.Handle(context.Background(), violation(models.SeverityHigh)))
	assert.Equal(t, int32(3), hits.Load(), "5xx is retried")
	assert.Contains(t, logs.String(), "delivery to telegram failed")
	assert.NotContains(t, logs.String(), srv.URL)
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	srv, hits, _ := newReceiver(t, http.StatusForbidden)
	n, err := NewWebhookNotifier(WebhookConfig{Destination: Destination{URL: srv.URL}, Retries: 3})
	require.NoError(t, err)
	err = n.Notify(context.Background(), Alert{GuardrailID: "g"})
	assert.ErrorContains(t, err, "rejected")
	assert.Equal(t, int32(1), hits.Load())
}

func TestWebhookSendsHeadersAndSlackFormat(t *testing.T) {
	got := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- b
		got <- r
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(WebhookConfig{Destination: Destination{
		URL: srv.URL, Format: "slack", Headers: map[string]string{"X-Token": "t0k"},
	}})
	require.NoError(t, err)
	require.NoError(t, n.Notify(context.Background(), Alert{GuardrailID: "a2a-command-failure", Subject: "cmd-1"}))

	r := <-got
	assert.Equal(t, "t0k", r.Header.Get("X-Token"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(<-bodies, &body))
	assert.Contains(t, body["text"], "a2a-command-failure")
	assert.NotNil(t, body["blocks"])
}

func TestNewWebhookNotifierValidates(t *testing.T) {
	_, err := NewWebhookNotifier(WebhookConfig{})
	assert.Error(t, err)
	_, err = NewWebhookNotifier(WebhookConfig{Destination: Destination{URL: "http://x", Format: "pagerduty"}})
	assert.Error(t, err)
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Name() string { return "count" }
func (c *countingNotifier) Notify(ctx context.Context, a Alert) error {
	c.n.Add(1)
	return nil
}

func TestSinkThrottles(t *testing.T) {
	cn := &countingNotifier{}
	sink := NewSink(SinkConfig{Notifiers: []Notifier{cn}, Rate: 0.001, Burst: 2, Logger: log.New(io.Discard, "", 0)})
	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Handle(context.Background(), violation(models.SeverityHigh)))
	}
	assert.Equal(t, int32(2), cn.n.Load())
}

func TestNotifyHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	n, err := NewWebhookNotifier(WebhookConfig{Destination: Destination{URL: srv.URL}, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Error(t, n.Notify(context.Background(), Alert{}))
}
