package models

import (
	"strings"
	"time"
)

// Severity captures impact tiers. The classifier coerces every reasoning
// service response into one of these four values.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// CoerceSeverity maps a free-form severity token to the closest defined tier.
// Unrecognized values fail closed to MEDIUM rather than dropping the incident.
func CoerceSeverity(raw string) Severity {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "LOW", "INFO", "MINOR":
		return SeverityLow
	case "MEDIUM", "MODERATE", "WARNING":
		return SeverityMedium
	case "HIGH", "MAJOR", "ERROR":
		return SeverityHigh
	case "CRITICAL", "FATAL", "SEV1":
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// Marker returns the visual severity marker used in chat notifications.
func (s Severity) Marker() string {
	switch s {
	case SeverityLow:
		return "🟢"
	case SeverityMedium:
		return "🟡"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "🟡"
	}
}

// Incident is the classified output consumed exactly once by the dispatcher.
// Immutable after creation; IDs are never reused, even across redeliveries of
// the same source event.
type Incident struct {
	ID           string          `json:"incident_id"`
	Source       PodFailureEvent `json:"source"`
	Severity     Severity        `json:"severity"`
	Summary      string          `json:"summary"`
	Remediations []string        `json:"remediations"`
	ClassifiedAt time.Time       `json:"classified_at"`
	// Degraded marks incidents produced by the deterministic fallback
	// instead of a parsed reasoning response.
	Degraded bool `json:"degraded,omitempty"`
}

// AttemptOutcome labels the terminal state of one channel's delivery attempt.
type AttemptOutcome string

const (
	OutcomeSuccess  AttemptOutcome = "success"
	OutcomeFailure  AttemptOutcome = "failure"
	OutcomeRetrying AttemptOutcome = "retrying"
	OutcomeSkipped  AttemptOutcome = "skipped"
)

// NotificationAttempt records a single channel's delivery result. Ephemeral,
// lives only for the duration of a dispatch.
type NotificationAttempt struct {
	Channel    string
	IncidentID string
	Outcome    AttemptOutcome
	Attempts   int
	Err        error
}

// DispatchResult aggregates per-channel outcomes for one incident.
type DispatchResult struct {
	IncidentID string
	Attempts   []NotificationAttempt
}

// Delivered reports whether at least one channel accepted the incident.
func (r DispatchResult) Delivered() bool {
	for _, a := range r.Attempts {
		if a.Outcome == OutcomeSuccess {
			return true
		}
	}
	return false
}

// Failed returns the attempts that terminally failed (skips excluded).
func (r DispatchResult) Failed() []NotificationAttempt {
	failed := make([]NotificationAttempt, 0, len(r.Attempts))
	for _, a := range r.Attempts {
		if a.Outcome == OutcomeFailure {
			failed = append(failed, a)
		}
	}
	return failed
}
