package classifier

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/vigilstack/incident-sentinel/internal/models"
	"github.com/vigilstack/incident-sentinel/internal/utils"
)

type stubRaw struct {
	response string
	err      error
	prompts  []string
}

func (s *stubRaw) ClassifyRaw(ctx context.Context, prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	return s.response, s.err
}

func testEvent() models.PodFailureEvent {
	return models.PodFailureEvent{
		Source:       models.EventSourceName,
		Type:         models.EventTypePodFailure,
		Timestamp:    time.Unix(1_700_000_000, 0).UTC(),
		ClusterName:  "prod-eu",
		Namespace:    "default",
		PodName:      "crash-loop-test",
		Reason:       "CrashLoopBackOff",
		Message:      "back-off 5m0s restarting failed container",
		StatusType:   models.StateWaiting,
		RestartCount: 8,
		NodeName:     "node-a",
	}
}

const goodResponse = "```json\n" + `{
  "severity": "high",
  "title": "Container crash looping after repeated OOM restarts",
  "root_cause": "Application exits immediately on startup",
  "impact": "Service capacity reduced",
  "immediate_actions": ["Inspect container logs", "Check recent image changes"],
  "resolution_steps": ["Roll back the last deployment"],
  "prevention": ["Add startup probes"]
}` + "\n```"

func TestClassifyParsesStructuredResponse(t *testing.T) {
	c := NewClassifier(nil, &stubRaw{response: goodResponse}, nil)

	incident, err := c.Classify(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if incident.Severity != models.SeverityHigh {
		t.Fatalf("unexpected severity: %s", incident.Severity)
	}
	if incident.Summary != "Container crash looping after repeated OOM restarts" {
		t.Fatalf("unexpected summary: %q", incident.Summary)
	}
	if len(incident.Remediations) != 4 {
		t.Fatalf("expected 4 remediation steps, got %v", incident.Remediations)
	}
	if incident.Remediations[0] != "Inspect container logs" {
		t.Fatalf("immediate actions must come first, got %q", incident.Remediations[0])
	}
}

func TestClassifyTruncatesRemediationsToFive(t *testing.T) {
	steps := make([]string, 0, 8)
	for i := 1; i <= 8; i++ {
		steps = append(steps, fmt.Sprintf(`"step %d"`, i))
	}
	response := fmt.Sprintf(`{"severity":"low","title":"T","immediate_actions":[%s]}`, strings.Join(steps, ","))
	c := NewClassifier(nil, &stubRaw{response: response}, nil)

	incident, err := c.Classify(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(incident.Remediations) != 5 {
		t.Fatalf("expected truncation to 5, got %d", len(incident.Remediations))
	}
}

func TestClassifyFallbackOnUnparseableResponse(t *testing.T) {
	for _, response := range []string{
		"The incident looks serious, please investigate.",
		"```json\n{not json}\n```",
		"",
		`{"impact": "no summary here"}`,
	} {
		c := NewClassifier(nil, &stubRaw{response: response}, nil)
		incident, err := c.Classify(context.Background(), testEvent())
		if err != nil {
			t.Fatalf("response %q: fallback must not error, got %v", response, err)
		}
		if incident.Severity != models.SeverityMedium {
			t.Fatalf("response %q: fallback severity must be MEDIUM, got %s", response, incident.Severity)
		}
		if incident.Summary != "Kubernetes incident detected in `CrashLoopBackOff` state" {
			t.Fatalf("response %q: unexpected fallback summary %q", response, incident.Summary)
		}
		if len(incident.Remediations) == 0 {
			t.Fatalf("response %q: fallback must carry at least one remediation", response)
		}
	}
}

func TestClassifyErrorWhenServiceUnreachable(t *testing.T) {
	c := NewClassifier(nil, &stubRaw{err: utils.Transient("reasoning request", fmt.Errorf("connection refused"))}, nil)

	_, err := c.Classify(context.Background(), testEvent())
	if err == nil {
		t.Fatal("expected ClassificationError for unreachable service")
	}
	var cerr *ClassificationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ClassificationError, got %T", err)
	}
}

func TestClassifySeverityAlwaysInTierSet(t *testing.T) {
	tiers := map[models.Severity]bool{
		models.SeverityLow: true, models.SeverityMedium: true,
		models.SeverityHigh: true, models.SeverityCritical: true,
	}
	for _, raw := range []string{"critical", "HIGH", "sev1", "banana", "", "warning"} {
		response := fmt.Sprintf(`{"severity":%q,"title":"T","immediate_actions":["a"]}`, raw)
		c := NewClassifier(nil, &stubRaw{response: response}, nil)
		incident, err := c.Classify(context.Background(), testEvent())
		if err != nil {
			t.Fatalf("severity %q: %v", raw, err)
		}
		if !tiers[incident.Severity] {
			t.Fatalf("severity %q coerced to out-of-set %q", raw, incident.Severity)
		}
	}
}

func TestClassifyRedeliveryProducesDistinctIDs(t *testing.T) {
	c := NewClassifier(nil, &stubRaw{response: goodResponse}, nil)
	event := testEvent()

	first, err := c.Classify(context.Background(), event)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := c.Classify(context.Background(), event)
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	if first.ID == second.ID {
		t.Fatalf("incident IDs must never be reused: %s", first.ID)
	}
	if first.Severity != second.Severity || first.Summary != second.Summary {
		t.Fatal("identical input must produce identical classification content")
	}
	if len(first.Remediations) != len(second.Remediations) {
		t.Fatal("identical input must produce identical remediation lists")
	}
}

func TestIncidentIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^INC-[0-9A-F]{12}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewIncidentID()
		if !pattern.MatchString(id) {
			t.Fatalf("malformed incident ID: %s", id)
		}
		if seen[id] {
			t.Fatalf("duplicate incident ID: %s", id)
		}
		seen[id] = true
	}
}

func TestPromptCarriesIncidentContext(t *testing.T) {
	stub := &stubRaw{response: goodResponse}
	c := NewClassifier(nil, stub, nil)
	if _, err := c.Classify(context.Background(), testEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stub.prompts) != 1 {
		t.Fatalf("expected exactly one reasoning call, got %d", len(stub.prompts))
	}
	prompt := stub.prompts[0]
	for _, want := range []string{"prod-eu", "default", "crash-loop-test", "CrashLoopBackOff", "Restart count: 8", "node-a"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestStripFences(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"prefix\n```json\n{\"a\":1}\n```\nsuffix", `{"a":1}`},
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}", `{"a":1}`},
	}
	for _, tc := range cases {
		if got := stripFences(tc.in); got != tc.want {
			t.Fatalf("stripFences(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
