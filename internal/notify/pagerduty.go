package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/vigilstack/incident-sentinel/internal/config"
	"github.com/vigilstack/incident-sentinel/internal/models"
	"github.com/vigilstack/incident-sentinel/internal/utils"
)

const defaultPagerDutyEndpoint = "https://events.pagerduty.com/v2/enqueue"

// PagerDutyChannel pages on-call via the Events API v2. Only HIGH and
// CRITICAL incidents page; lower tiers are skipped, not failed.
type PagerDutyChannel struct {
	routingKey string
	endpoint   string
	httpClient *http.Client
}

// NewPagerDutyChannel constructs the paging channel. An empty routing key
// leaves the channel disabled.
func NewPagerDutyChannel(cfg config.PagerDutyConfig) *PagerDutyChannel {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultPagerDutyEndpoint
	}
	key := ""
	if cfg.Enabled {
		key = cfg.RoutingKey
	}
	return &PagerDutyChannel{
		routingKey: key,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name implements Channel.
func (p *PagerDutyChannel) Name() string { return "pagerduty" }

// Enabled implements Channel.
func (p *PagerDutyChannel) Enabled() bool { return p.routingKey != "" }

// Applies implements Channel.
func (p *PagerDutyChannel) Applies(incident models.Incident) bool {
	return incident.Severity == models.SeverityHigh || incident.Severity == models.SeverityCritical
}

// pagerDutyEvent is the Events API v2 trigger payload.
type pagerDutyEvent struct {
	RoutingKey  string           `json:"routing_key"`
	EventAction string           `json:"event_action"`
	DedupKey    string           `json:"dedup_key"`
	Payload     pagerDutyPayload `json:"payload"`
}

type pagerDutyPayload struct {
	Summary       string         `json:"summary"`
	Source        string         `json:"source"`
	Severity      string         `json:"severity"`
	Timestamp     string         `json:"timestamp"`
	Component     string         `json:"component,omitempty"`
	Group         string         `json:"group,omitempty"`
	CustomDetails map[string]any `json:"custom_details,omitempty"`
}

// Deliver triggers a PagerDuty incident.
func (p *PagerDutyChannel) Deliver(ctx context.Context, incident models.Incident) error {
	event := pagerDutyEvent{
		RoutingKey:  p.routingKey,
		EventAction: "trigger",
		DedupKey:    incident.ID,
		Payload: pagerDutyPayload{
			Summary:   incident.Summary,
			Source:    incident.Source.ClusterName,
			Severity:  pagerDutySeverity(incident.Severity),
			Timestamp: incident.ClassifiedAt.UTC().Format(time.RFC3339),
			Component: incident.Source.PodName,
			Group:     incident.Source.Namespace,
			CustomDetails: map[string]any{
				"incident_id":   incident.ID,
				"reason":        incident.Source.Reason,
				"node":          incident.Source.NodeName,
				"restart_count": incident.Source.RestartCount,
				"remediations":  incident.Remediations,
			},
		},
	}

	body, err := json.Marshal(event)
	if err != nil {
		return utils.Permanent("pagerduty payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return utils.Permanent("pagerduty request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return utils.Transient("pagerduty delivery", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return classifyStatus("pagerduty delivery", resp.StatusCode)
}

// pagerDutySeverity maps incident tiers onto the Events API severity set.
func pagerDutySeverity(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "critical"
	case models.SeverityHigh:
		return "error"
	case models.SeverityMedium:
		return "warning"
	default:
		return "info"
	}
}
