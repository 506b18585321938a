package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vigilstack/incident-sentinel/internal/config"
	"github.com/vigilstack/incident-sentinel/internal/models"
	"github.com/vigilstack/incident-sentinel/internal/utils"
)

// SlackChannel delivers incidents to a Slack incoming webhook using Block
// Kit formatting.
type SlackChannel struct {
	webhookURL string
	httpClient *http.Client
}

// NewSlackChannel constructs the chat channel. An empty webhook URL leaves
// the channel disabled.
func NewSlackChannel(cfg config.SlackConfig) *SlackChannel {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	url := ""
	if cfg.Enabled {
		url = cfg.WebhookURL
	}
	return &SlackChannel{
		webhookURL: url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name implements Channel.
func (s *SlackChannel) Name() string { return "slack" }

// Enabled implements Channel.
func (s *SlackChannel) Enabled() bool { return s.webhookURL != "" }

// Applies implements Channel: chat receives every severity tier.
func (s *SlackChannel) Applies(models.Incident) bool { return true }

// Deliver posts the formatted incident to the webhook.
func (s *SlackChannel) Deliver(ctx context.Context, incident models.Incident) error {
	payload := BuildSlackPayload(incident)
	body, err := json.Marshal(payload)
	if err != nil {
		return utils.Permanent("slack payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return utils.Permanent("slack request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return utils.Transient("slack delivery", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return classifyStatus("slack delivery", resp.StatusCode)
}

// classifyStatus maps an HTTP status to the retry taxonomy: 5xx and 429 are
// transient, any other non-2xx is permanent for this incident.
func classifyStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500 || status == http.StatusTooManyRequests:
		return utils.Transient(op, fmt.Errorf("status %d", status))
	default:
		return utils.Permanent(op, fmt.Errorf("status %d", status))
	}
}

// slackBlock is one Block Kit block.
type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackJSON `json:"elements,omitempty"`
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackJSON = map[string]any

// SlackPayload is the webhook message body.
type SlackPayload struct {
	Text        string       `json:"text"`
	Blocks      []slackBlock `json:"blocks"`
	Attachments []slackJSON  `json:"attachments"`
}

// BuildSlackPayload formats an incident as a Block Kit message: severity
// header with marker, context fields, summary, remediation bullets, and
// action buttons for HIGH/CRITICAL incidents.
func BuildSlackPayload(incident models.Incident) SlackPayload {
	marker := incident.Severity.Marker()
	severity := string(incident.Severity)

	fields := []slackText{
		{Type: "mrkdwn", Text: fmt.Sprintf("*Incident ID:*\n%s", incident.ID)},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Cluster:*\n%s", incident.Source.ClusterName)},
	}
	if incident.Source.PodName != "" {
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Pod:*\n`%s`", incident.Source.PodName)})
	}
	if incident.Source.Namespace != "" {
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Namespace:*\n`%s`", incident.Source.Namespace)})
	}
	if incident.Source.Reason != "" {
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Reason:*\n`%s`", incident.Source.Reason)})
	}
	fields = append(fields,
		slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Severity:*\n%s", severity)},
		slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%s", utils.FormatUTC(incident.ClassifiedAt))},
	)

	blocks := []slackBlock{
		{
			Type: "header",
			Text: &slackText{Type: "plain_text", Text: fmt.Sprintf("%s Incident Alert - %s", marker, severity), Emoji: true},
		},
		{Type: "section", Fields: fields},
		{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Summary:*\n%s", incident.Summary)},
		},
		{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Recommendations:*\n%s", remediationBullets(incident.Remediations))},
		},
	}

	if incident.Severity == models.SeverityHigh || incident.Severity == models.SeverityCritical {
		blocks = append(blocks, slackBlock{
			Type: "actions",
			Elements: []slackJSON{
				{
					"type":      "button",
					"text":      slackJSON{"type": "plain_text", "text": "🚨 Acknowledge", "emoji": true},
					"style":     "danger",
					"value":     "ack_" + incident.ID,
					"action_id": "acknowledge_incident",
				},
				{
					"type":      "button",
					"text":      slackJSON{"type": "plain_text", "text": "📊 View Details", "emoji": true},
					"value":     "details_" + incident.ID,
					"action_id": "view_incident_details",
				},
			},
		})
	}
	blocks = append(blocks, slackBlock{Type: "divider"})

	return SlackPayload{
		Text:   fmt.Sprintf("%s %s Incident Alert: %s", marker, severity, incident.ID),
		Blocks: blocks,
		Attachments: []slackJSON{
			{
				"color":  severityColor(incident.Severity),
				"text":   fmt.Sprintf("Incident %s detected and classified automatically", incident.ID),
				"footer": "incident-sentinel",
			},
		},
	}
}

func remediationBullets(remediations []string) string {
	if len(remediations) == 0 {
		return "No specific recommendations provided"
	}
	capped := remediations
	if len(capped) > 5 {
		capped = capped[:5]
	}
	bullets := make([]string, 0, len(capped))
	for _, r := range capped {
		bullets = append(bullets, "• "+r)
	}
	return strings.Join(bullets, "\n")
}

func severityColor(s models.Severity) string {
	switch s {
	case models.SeverityLow:
		return "#36a64f"
	case models.SeverityMedium:
		return "#ff9900"
	case models.SeverityHigh:
		return "#ff0000"
	case models.SeverityCritical:
		return "#8B0000"
	default:
		return "#808080"
	}
}
