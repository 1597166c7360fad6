// Package monitoring raises escalation alerts when outreach health degrades.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate  AlertType = "failure_rate"
	AlertDeliveryRate AlertType = "delivery_rate"
	AlertDeadLetters  AlertType = "dead_letters"
	AlertRetryBacklog AlertType = "retry_backlog"
	AlertBreakerOpen  AlertType = "breaker_open"
)

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
	wg     sync.WaitGroup
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()
	minSample := a.cfg.MinSample
	if minSample <= 0 {
		minSample = 5
	}

	if len(snap.OpenBreakers) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertBreakerOpen,
			Severity: "critical",
			Message: fmt.Sprintf("Automatic processing suspended: breaker open for %s",
				strings.Join(snap.OpenBreakers, ", ")),
			Details:   map[string]any{"stages": snap.OpenBreakers},
			Timestamp: now,
		})
	}

	finished := snap.Sent + snap.Failed
	if a.cfg.FailureRateThreshold > 0 && finished >= minSample && snap.FailureRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Outreach failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailureRate*100, a.cfg.FailureRateThreshold*100,
				snap.Failed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailureRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.Failed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.MinDeliveryRate > 0 && snap.Sent >= minSample && snap.DeliveryRate < a.cfg.MinDeliveryRate {
		alerts = append(alerts, Alert{
			Type:     AlertDeliveryRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Delivery rate %.1f%% is below %.1f%% (%d delivered / %d sent in last %dh)",
				snap.DeliveryRate*100, a.cfg.MinDeliveryRate*100,
				snap.Delivered, snap.Sent, snap.LookbackHours,
			),
			Details: map[string]any{
				"delivery_rate": snap.DeliveryRate,
				"minimum":       a.cfg.MinDeliveryRate,
				"sent":          snap.Sent,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DeadLetterThreshold > 0 && snap.DeadLetters >= a.cfg.DeadLetterThreshold {
		alerts = append(alerts, Alert{
			Type:      AlertDeadLetters,
			Severity:  "medium",
			Message:   fmt.Sprintf("%d message(s) in the dead-letter set need operator review", snap.DeadLetters),
			Details:   map[string]any{"dead_letters": snap.DeadLetters},
			Timestamp: now,
		})
	}

	if a.cfg.RetryBacklogLimit > 0 && snap.RetryDepth > a.cfg.RetryBacklogLimit {
		alerts = append(alerts, Alert{
			Type:     AlertRetryBacklog,
			Severity: "medium",
			Message: fmt.Sprintf("Retry queue holds %d messages, limit %d",
				snap.RetryDepth, a.cfg.RetryBacklogLimit),
			Details: map[string]any{
				"retry_depth": snap.RetryDepth,
				"limit":       a.cfg.RetryBacklogLimit,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// BreakerHook returns a state-change callback for ServiceBreakers. Opening
// a breaker is alerted right away; other transitions are only logged. The
// webhook is posted from a new goroutine because the callback runs under
// the breaker lock.
func (a *Alerter) BreakerHook(ctx context.Context) func(service string, from, to resilience.CircuitState) {
	return func(service string, from, to resilience.CircuitState) {
		zap.L().Warn("monitoring: breaker state changed",
			zap.String("stage", service),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		if to != resilience.CircuitOpen {
			return
		}
		alert := Alert{
			Type:      AlertBreakerOpen,
			Severity:  "critical",
			Message:   fmt.Sprintf("Automatic processing suspended: %s breaker opened", service),
			Details:   map[string]any{"stages": []string{service}},
			Timestamp: time.Now().UTC(),
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.SendAlerts(ctx, []Alert{alert})
		}()
	}
}

// Wait blocks until alerts started by BreakerHook have been sent.
func (a *Alerter) Wait() { a.wg.Wait() }

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
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
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
