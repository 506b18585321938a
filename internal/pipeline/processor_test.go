package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vigilstack/incident-sentinel/internal/models"
	"github.com/vigilstack/incident-sentinel/internal/transport"
)

type fakeClassifier struct {
	mu       sync.Mutex
	calls    int
	classify func(event models.PodFailureEvent) (models.Incident, error)
}

func (f *fakeClassifier) Classify(ctx context.Context, event models.PodFailureEvent) (models.Incident, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.classify(event)
}

func (f *fakeClassifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDispatcher struct {
	mu        sync.Mutex
	incidents []models.Incident
	delivered bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, incident models.Incident) models.DispatchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incidents = append(f.incidents, incident)
	outcome := models.OutcomeFailure
	if f.delivered {
		outcome = models.OutcomeSuccess
	}
	return models.DispatchResult{
		IncidentID: incident.ID,
		Attempts:   []models.NotificationAttempt{{Channel: "slack", IncidentID: incident.ID, Outcome: outcome}},
	}
}

func (f *fakeDispatcher) dispatched() []models.Incident {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Incident(nil), f.incidents...)
}

func candidateEvent(pod string) models.PodFailureEvent {
	return models.PodFailureEvent{
		Source:    models.EventSourceName,
		Type:      models.EventTypePodFailure,
		Timestamp: time.Unix(1_700_000_000, 0),
		PodName:   pod,
		Namespace: "default",
		Reason:    "CrashLoopBackOff",
	}
}

func classifiedIncident(event models.PodFailureEvent, degraded bool) models.Incident {
	return models.Incident{
		ID:           "INC-0011AABBCCDD",
		Source:       event,
		Severity:     models.SeverityHigh,
		Summary:      "container crash looping",
		Remediations: []string{"check logs"},
		ClassifiedAt: time.Unix(1_700_000_100, 0),
		Degraded:     degraded,
	}
}

func runProcessor(t *testing.T, cls IncidentClassifier, dispatcher IncidentDispatcher, bus transport.Transport) context.CancelFunc {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewProcessor(logger, bus, cls, dispatcher, 2, 100*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	return cancel
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestProcessorClassifiesAndDispatches(t *testing.T) {
	bus := transport.NewInline(16)
	cls := &fakeClassifier{classify: func(event models.PodFailureEvent) (models.Incident, error) {
		return classifiedIncident(event, false), nil
	}}
	dispatcher := &fakeDispatcher{delivered: true}
	cancel := runProcessor(t, cls, dispatcher, bus)
	defer cancel()

	if err := bus.Publish(context.Background(), candidateEvent("api-7d9f")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "dispatch", func() bool { return len(dispatcher.dispatched()) == 1 })
	got := dispatcher.dispatched()[0]
	if got.ID != "INC-0011AABBCCDD" || got.Source.PodName != "api-7d9f" {
		t.Fatalf("unexpected incident: %+v", got)
	}
}

func TestProcessorDispatchesFallbackIncidents(t *testing.T) {
	bus := transport.NewInline(16)
	cls := &fakeClassifier{classify: func(event models.PodFailureEvent) (models.Incident, error) {
		return classifiedIncident(event, true), nil
	}}
	dispatcher := &fakeDispatcher{delivered: true}
	cancel := runProcessor(t, cls, dispatcher, bus)
	defer cancel()

	bus.Publish(context.Background(), candidateEvent("api-7d9f"))

	waitFor(t, "dispatch", func() bool { return len(dispatcher.dispatched()) == 1 })
	if !dispatcher.dispatched()[0].Degraded {
		t.Fatal("fallback incident must keep its degraded marker through dispatch")
	}
}

func TestProcessorSkipsDispatchWhenClassificationFails(t *testing.T) {
	bus := transport.NewInline(16)
	cls := &fakeClassifier{classify: func(event models.PodFailureEvent) (models.Incident, error) {
		return models.Incident{}, errors.New("reasoning service unreachable")
	}}
	dispatcher := &fakeDispatcher{}
	cancel := runProcessor(t, cls, dispatcher, bus)
	defer cancel()

	bus.Publish(context.Background(), candidateEvent("api-7d9f"))

	waitFor(t, "classification attempt", func() bool { return cls.callCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := dispatcher.dispatched(); len(got) != 0 {
		t.Fatalf("failed classification must not dispatch, got %d incidents", len(got))
	}
}

func TestProcessorSurvivesUndeliveredDispatch(t *testing.T) {
	bus := transport.NewInline(16)
	cls := &fakeClassifier{classify: func(event models.PodFailureEvent) (models.Incident, error) {
		incident := classifiedIncident(event, false)
		incident.Source = event
		return incident, nil
	}}
	dispatcher := &fakeDispatcher{delivered: false}
	cancel := runProcessor(t, cls, dispatcher, bus)
	defer cancel()

	bus.Publish(context.Background(), candidateEvent("api-7d9f"))
	bus.Publish(context.Background(), candidateEvent("web-1234"))

	// Both candidates must flow even though every channel failed for the first.
	waitFor(t, "both dispatches", func() bool { return len(dispatcher.dispatched()) == 2 })
}
