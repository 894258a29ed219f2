package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/serp-enricher/internal/config"
	"github.com/sells-group/serp-enricher/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertErrorRate       AlertType = "error_rate"
	AlertStaleProcessing AlertType = "stale_processing"
	AlertCostOverrun     AlertType = "cost_overrun"
)

// minFinishedForRate keeps a handful of early failures from alerting.
const minFinishedForRate = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// AlerterOption configures an Alerter.
type AlerterOption func(*Alerter)

// WithWebhookRetry sets the retry policy for webhook deliveries. 5xx and
// 429 responses are retried; other 4xx responses are not.
func WithWebhookRetry(cfg resilience.RetryConfig) AlerterOption {
	return func(a *Alerter) { a.retry = cfg }
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig, opts ...AlerterOption) *Alerter {
	a := &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.Completed + snap.Errored
	if a.cfg.ErrorRateThreshold > 0 && finished >= minFinishedForRate && snap.ErrorRate > a.cfg.ErrorRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertErrorRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Keyword error rate %.1f%% exceeds threshold %.1f%% (%d errored / %d finished in last %dh)",
				snap.ErrorRate*100, a.cfg.ErrorRateThreshold*100,
				snap.Errored, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"error_rate": snap.ErrorRate,
				"threshold":  a.cfg.ErrorRateThreshold,
				"errored":    snap.Errored,
				"finished":   finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.StaleThreshold > 0 && snap.StaleProcessing >= a.cfg.StaleThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertStaleProcessing,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d records stuck in processing; run recovery",
				snap.StaleProcessing,
			),
			Details: map[string]any{
				"stale":      snap.StaleProcessing,
				"threshold":  a.cfg.StaleThreshold,
				"processing": snap.Records.Processing,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.CostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"SERP API cost $%.2f exceeds threshold $%.2f in last %dh",
				snap.CostUSD, a.cfg.CostThresholdUSD, snap.LookbackHours,
			),
			Details: map[string]any{
				"cost_usd":      snap.CostUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
				"api_calls":     snap.APICalls,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return resilience.NewPermanentError(err, resp.StatusCode)
	}
	return nil
}
