package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vigilstack/incident-sentinel/internal/models"
	"github.com/vigilstack/incident-sentinel/internal/utils"
)

const maxRemediations = 5

// RawClassifier is the single synchronous capability the classifier needs
// from a reasoning backend: prompt in, free-form text out. Concrete vendors
// are adapters behind this interface.
type RawClassifier interface {
	ClassifyRaw(ctx context.Context, prompt string) (string, error)
}

// ClassificationError is returned when the reasoning service is unreachable.
// Unparseable responses never produce it; those recover via the fallback.
type ClassificationError struct {
	Err error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification failed: %v", e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// Classifier converts candidate records into classified incidents.
type Classifier struct {
	logger *slog.Logger
	raw    RawClassifier
	rules  *RulePack
	now    func() time.Time
}

// NewClassifier constructs a classifier over the given reasoning backend.
// rules may be nil; the generic fallback remediation is used instead.
func NewClassifier(logger *slog.Logger, raw RawClassifier, rules *RulePack) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		logger: logger,
		raw:    raw,
		rules:  rules,
		now:    time.Now,
	}
}

// Classify builds the analysis request, invokes the reasoning service once,
// and parses the response into an incident. The service is never retried
// here; redelivery happens at the transport layer. Any parse failure recovers
// through the deterministic fallback so a failure always yields an incident.
func (c *Classifier) Classify(ctx context.Context, event models.PodFailureEvent) (models.Incident, error) {
	if c.raw == nil {
		return models.Incident{}, &ClassificationError{Err: fmt.Errorf("reasoning backend not configured")}
	}

	prompt := buildPrompt(event)
	text, err := c.raw.ClassifyRaw(ctx, prompt)
	if err != nil {
		var malformed *utils.MalformedResponseError
		if errors.As(err, &malformed) {
			c.logger.Warn("malformed reasoning response, using fallback",
				slog.String("pod", event.PodName),
				slog.Any("error", err))
			return c.fallbackIncident(event), nil
		}
		return models.Incident{}, &ClassificationError{Err: err}
	}

	analysis, parseErr := parseAnalysis(text)
	if parseErr != nil {
		c.logger.Warn("unparseable classification response, using fallback",
			slog.String("pod", event.PodName),
			slog.Any("error", parseErr))
		return c.fallbackIncident(event), nil
	}

	incident := models.Incident{
		ID:           NewIncidentID(),
		Source:       event,
		Severity:     models.CoerceSeverity(analysis.Severity),
		Summary:      analysis.summary(),
		Remediations: analysis.remediations(),
		ClassifiedAt: c.now().UTC(),
	}

	if len(incident.Remediations) < 2 && c.rules != nil {
		incident.Remediations = mergeRemediations(incident.Remediations, c.rules.For(event.Reason))
	}
	if len(incident.Remediations) == 0 {
		incident.Remediations = []string{genericRemediation}
	}

	return incident, nil
}

// fallbackIncident is the deterministic default produced when the response
// cannot be parsed: a generic MEDIUM incident beats a silently dropped one.
func (c *Classifier) fallbackIncident(event models.PodFailureEvent) models.Incident {
	remediations := []string{genericRemediation}
	if c.rules != nil {
		remediations = mergeRemediations(remediations, c.rules.For(event.Reason))
	}
	return models.Incident{
		ID:           NewIncidentID(),
		Source:       event,
		Severity:     models.SeverityMedium,
		Summary:      fmt.Sprintf("Kubernetes incident detected in `%s` state", event.Reason),
		Remediations: remediations,
		ClassifiedAt: c.now().UTC(),
		Degraded:     true,
	}
}

const genericRemediation = "Check pod and container logs for root cause"

// NewIncidentID returns a fresh INC-<12 hex> identifier. Derived from a
// random UUID rather than event content so concurrent classifications and
// redeliveries never collide or reuse an ID.
func NewIncidentID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "INC-" + strings.ToUpper(hex[:12])
}

// analysis mirrors the JSON shape requested from the reasoning service.
type analysis struct {
	Severity         string   `json:"severity"`
	Title            string   `json:"title"`
	Summary          string   `json:"summary"`
	RootCause        string   `json:"root_cause"`
	Impact           string   `json:"impact"`
	ImmediateActions []string `json:"immediate_actions"`
	ResolutionSteps  []string `json:"resolution_steps"`
	Prevention       []string `json:"prevention"`
}

func (a analysis) summary() string {
	if s := strings.TrimSpace(a.Summary); s != "" {
		return s
	}
	if s := strings.TrimSpace(a.Title); s != "" {
		return s
	}
	return strings.TrimSpace(a.RootCause)
}

// remediations flattens the action lists in priority order and truncates to
// maxRemediations. Short lists are never padded with invented steps.
func (a analysis) remediations() []string {
	merged := make([]string, 0, maxRemediations)
	for _, group := range [][]string{a.ImmediateActions, a.ResolutionSteps, a.Prevention} {
		for _, step := range group {
			step = strings.TrimSpace(step)
			if step == "" {
				continue
			}
			merged = append(merged, step)
			if len(merged) == maxRemediations {
				return merged
			}
		}
	}
	return merged
}

// parseAnalysis defensively extracts the structured analysis from free-form
// model output. Markdown code fences are tolerated; anything that does not
// decode or lacks a usable summary is malformed.
func parseAnalysis(text string) (analysis, error) {
	body := stripFences(text)
	if strings.TrimSpace(body) == "" {
		return analysis{}, &utils.MalformedResponseError{Detail: "empty response"}
	}

	var out analysis
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return analysis{}, &utils.MalformedResponseError{Detail: "response is not valid JSON", Err: err}
	}
	if out.summary() == "" {
		return analysis{}, &utils.MalformedResponseError{Detail: "response carries no summary"}
	}
	return out, nil
}

// stripFences returns the content of the first markdown code fence, or the
// input unchanged when no fence is present.
func stripFences(text string) string {
	for _, marker := range []string{"```json", "```"} {
		start := strings.Index(text, marker)
		if start < 0 {
			continue
		}
		start += len(marker)
		end := strings.Index(text[start:], "```")
		if end < 0 {
			return strings.TrimSpace(text[start:])
		}
		return strings.TrimSpace(text[start : start+end])
	}
	return strings.TrimSpace(text)
}

func mergeRemediations(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base))
	for _, r := range base {
		seen[r] = struct{}{}
	}
	for _, r := range extra {
		if _, ok := seen[r]; ok {
			continue
		}
		base = append(base, r)
		seen[r] = struct{}{}
		if len(base) == maxRemediations {
			break
		}
	}
	return base
}

// buildPrompt assembles the structured analysis request: cluster identity,
// namespace, pod, failure reason, message, restart count and node.
func buildPrompt(event models.PodFailureEvent) string {
	var b strings.Builder
	b.WriteString("You are an expert DevOps and SRE incident response assistant. ")
	b.WriteString("Analyze this Kubernetes pod failure and respond with ONLY a JSON object.\n\n")
	b.WriteString("Incident details:\n")
	fmt.Fprintf(&b, "- Cluster: %s\n", event.ClusterName)
	fmt.Fprintf(&b, "- Namespace: %s\n", event.Namespace)
	fmt.Fprintf(&b, "- Pod: %s\n", event.PodName)
	fmt.Fprintf(&b, "- Failure reason: %s\n", event.Reason)
	fmt.Fprintf(&b, "- Message: %s\n", event.Message)
	fmt.Fprintf(&b, "- Restart count: %d\n", event.RestartCount)
	fmt.Fprintf(&b, "- Node: %s\n", event.NodeName)
	fmt.Fprintf(&b, "- Observed: %s\n\n", event.Timestamp.UTC().Format(time.RFC3339))
	b.WriteString("Respond with this JSON shape:\n")
	b.WriteString("```json\n")
	b.WriteString(`{
  "severity": "critical|high|medium|low",
  "title": "Brief incident description",
  "root_cause": "Likely root cause",
  "impact": "Impact description",
  "immediate_actions": ["action 1", "action 2"],
  "resolution_steps": ["step 1", "step 2"],
  "prevention": ["prevention 1"]
}`)
	b.WriteString("\n```\n")
	return b.String()
}
