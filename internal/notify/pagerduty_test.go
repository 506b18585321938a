package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vigilstack/incident-sentinel/internal/config"
	"github.com/vigilstack/incident-sentinel/internal/models"
)

func TestPagerDutyAppliesOnlyHighTiers(t *testing.T) {
	channel := NewPagerDutyChannel(config.PagerDutyConfig{Enabled: true, RoutingKey: "rk"})

	cases := map[models.Severity]bool{
		models.SeverityLow:      false,
		models.SeverityMedium:   false,
		models.SeverityHigh:     true,
		models.SeverityCritical: true,
	}
	for severity, want := range cases {
		if got := channel.Applies(testIncident(severity)); got != want {
			t.Fatalf("severity %s: applies=%v, want %v", severity, got, want)
		}
	}
}

func TestPagerDutyTriggerPayload(t *testing.T) {
	var captured pagerDutyEvent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(data, &captured); err != nil {
			t.Errorf("payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	channel := NewPagerDutyChannel(config.PagerDutyConfig{
		Enabled: true, RoutingKey: "rk-123", Endpoint: server.URL, Timeout: time.Second,
	})

	incident := testIncident(models.SeverityCritical)
	if err := channel.Deliver(context.Background(), incident); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if captured.RoutingKey != "rk-123" || captured.EventAction != "trigger" {
		t.Fatalf("unexpected event envelope: %+v", captured)
	}
	if captured.DedupKey != incident.ID {
		t.Fatalf("dedup key must be the incident ID, got %q", captured.DedupKey)
	}
	if captured.Payload.Severity != "critical" {
		t.Fatalf("unexpected severity mapping: %q", captured.Payload.Severity)
	}
	if captured.Payload.Component != "crash-loop-test" || captured.Payload.Group != "default" {
		t.Fatalf("pod context lost: %+v", captured.Payload)
	}
}

func TestPagerDutySeverityMapping(t *testing.T) {
	cases := map[models.Severity]string{
		models.SeverityCritical: "critical",
		models.SeverityHigh:     "error",
		models.SeverityMedium:   "warning",
		models.SeverityLow:      "info",
	}
	for tier, want := range cases {
		if got := pagerDutySeverity(tier); got != want {
			t.Fatalf("%s mapped to %q, want %q", tier, got, want)
		}
	}
}

func TestPagerDutyDisabledWithoutKey(t *testing.T) {
	if NewPagerDutyChannel(config.PagerDutyConfig{}).Enabled() {
		t.Fatal("channel without routing key must be disabled")
	}
}
