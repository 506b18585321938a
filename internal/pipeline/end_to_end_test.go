package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vigilstack/incident-sentinel/internal/classifier"
	"github.com/vigilstack/incident-sentinel/internal/config"
	"github.com/vigilstack/incident-sentinel/internal/models"
	"github.com/vigilstack/incident-sentinel/internal/notify"
	"github.com/vigilstack/incident-sentinel/internal/transport"
)

// scriptedBackend plays a canned reasoning response.
type scriptedBackend struct {
	response string
}

func (s *scriptedBackend) ClassifyRaw(ctx context.Context, prompt string) (string, error) {
	return s.response, nil
}

type webhookSink struct {
	mu     sync.Mutex
	bodies []string
}

func (w *webhookSink) serve(status int) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.mu.Lock()
		w.bodies = append(w.bodies, string(body))
		w.mu.Unlock()
		rw.WriteHeader(status)
	}
}

func (w *webhookSink) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.bodies)
}

func (w *webhookSink) body(i int) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bodies[i]
}

func TestPipelineDeliversCrashLoopIncidentToEveryChannel(t *testing.T) {
	slackSink := &webhookSink{}
	slackSrv := httptest.NewServer(slackSink.serve(http.StatusOK))
	defer slackSrv.Close()

	pdSink := &webhookSink{}
	pdSrv := httptest.NewServer(pdSink.serve(http.StatusAccepted))
	defer pdSrv.Close()

	backend := &scriptedBackend{response: "```json\n" + `{
		"severity": "high",
		"title": "Crash loop in default/crash-loop-test",
		"summary": "Container is crash looping after 8 restarts",
		"root_cause": "Process exits immediately on startup",
		"immediate_actions": ["Check container logs for panic output"],
		"resolution_steps": ["Roll back the most recent deployment"]
	}` + "\n```"}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cls := classifier.NewClassifier(logger, backend, nil)
	dispatcher := notify.NewDispatcher(logger, []notify.Channel{
		notify.NewSlackChannel(config.SlackConfig{Enabled: true, WebhookURL: slackSrv.URL}),
		notify.NewPagerDutyChannel(config.PagerDutyConfig{Enabled: true, RoutingKey: "rk-e2e", Endpoint: pdSrv.URL}),
	}, 1, time.Millisecond)

	bus := transport.NewInline(16)
	cancel := runProcessor(t, cls, dispatcher, bus)
	defer cancel()

	event := models.PodFailureEvent{
		Source:       models.EventSourceName,
		Type:         models.EventTypePodFailure,
		Timestamp:    time.Unix(1_700_000_000, 0).UTC(),
		ClusterName:  "prod-eu",
		PodName:      "crash-loop-test",
		Namespace:    "default",
		Status:       "Running",
		Reason:       "CrashLoopBackOff",
		Message:      "back-off 5m0s restarting failed container",
		StatusType:   models.StateWaiting,
		RestartCount: 8,
	}
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "both channel deliveries", func() bool {
		return slackSink.count() >= 1 && pdSink.count() >= 1
	})
	time.Sleep(50 * time.Millisecond)
	if slackSink.count() != 1 || pdSink.count() != 1 {
		t.Fatalf("expected exactly one delivery per channel, got slack=%d pagerduty=%d",
			slackSink.count(), pdSink.count())
	}

	slackBody := slackSink.body(0)
	if !strings.Contains(slackBody, "🔴") {
		t.Fatalf("slack message missing high-severity marker: %s", slackBody)
	}
	for _, want := range []string{"crash-loop-test", "default", "CrashLoopBackOff"} {
		if !strings.Contains(slackBody, want) {
			t.Fatalf("slack message missing %q: %s", want, slackBody)
		}
	}
	if bullets := strings.Count(slackBody, "• "); bullets < 1 || bullets > 5 {
		t.Fatalf("expected 1-5 remediation bullets, got %d", bullets)
	}

	var pdEvent struct {
		RoutingKey  string `json:"routing_key"`
		EventAction string `json:"event_action"`
		Payload     struct {
			Summary   string `json:"summary"`
			Severity  string `json:"severity"`
			Component string `json:"component"`
			Group     string `json:"group"`
		} `json:"payload"`
	}
	if err := json.Unmarshal([]byte(pdSink.body(0)), &pdEvent); err != nil {
		t.Fatalf("decode pagerduty body: %v", err)
	}
	if pdEvent.RoutingKey != "rk-e2e" || pdEvent.EventAction != "trigger" {
		t.Fatalf("unexpected pagerduty envelope: %+v", pdEvent)
	}
	if pdEvent.Payload.Severity != "error" {
		t.Fatalf("high incidents map to pagerduty severity error, got %q", pdEvent.Payload.Severity)
	}
	if pdEvent.Payload.Component != "crash-loop-test" || pdEvent.Payload.Group != "default" {
		t.Fatalf("unexpected pagerduty payload: %+v", pdEvent.Payload)
	}
}

func TestPipelineSkipsPagingForMediumSeverity(t *testing.T) {
	slackSink := &webhookSink{}
	slackSrv := httptest.NewServer(slackSink.serve(http.StatusOK))
	defer slackSrv.Close()

	pdSink := &webhookSink{}
	pdSrv := httptest.NewServer(pdSink.serve(http.StatusAccepted))
	defer pdSrv.Close()

	backend := &scriptedBackend{response: `{
		"severity": "medium",
		"summary": "Image pull failing for one replica",
		"immediate_actions": ["Verify the image tag exists in the registry"]
	}`}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cls := classifier.NewClassifier(logger, backend, nil)
	dispatcher := notify.NewDispatcher(logger, []notify.Channel{
		notify.NewSlackChannel(config.SlackConfig{Enabled: true, WebhookURL: slackSrv.URL}),
		notify.NewPagerDutyChannel(config.PagerDutyConfig{Enabled: true, RoutingKey: "rk-e2e", Endpoint: pdSrv.URL}),
	}, 1, time.Millisecond)

	bus := transport.NewInline(16)
	cancel := runProcessor(t, cls, dispatcher, bus)
	defer cancel()

	event := candidateEvent("pull-fail-42")
	event.Reason = "ImagePullBackOff"
	bus.Publish(context.Background(), event)

	waitFor(t, "slack delivery", func() bool { return slackSink.count() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if pdSink.count() != 0 {
		t.Fatalf("medium severity must not page, got %d pagerduty deliveries", pdSink.count())
	}
	if !strings.Contains(slackSink.body(0), "🟡") {
		t.Fatalf("slack message missing medium-severity marker: %s", slackSink.body(0))
	}
}
