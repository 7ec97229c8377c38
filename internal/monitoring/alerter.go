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

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSKUFailureRate  AlertType = "sku_failure_rate"
	AlertRunFailed       AlertType = "run_failed"
	AlertReviewBacklog   AlertType = "review_backlog"
	AlertStaleTasks      AlertType = "stale_tasks"
	AlertAuditChainBreak AlertType = "audit_chain_break"
)

// minSKUsForRate is the sample size below which the SKU failure rate is not
// alerted on.
const minSKUsForRate = 5

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
	now := snap.CollectedAt

	if !snap.AuditChainValid && snap.AuditBreak != nil {
		alerts = append(alerts, Alert{
			Type:     AlertAuditChainBreak,
			Severity: "critical",
			Message:  fmt.Sprintf("Audit chain broken at seq %d: %s", snap.AuditBreak.Seq, snap.AuditBreak.Reason),
			Details: map[string]any{
				"seq":    snap.AuditBreak.Seq,
				"reason": snap.AuditBreak.Reason,
				"events": snap.AuditEvents,
			},
			Timestamp: now,
		})
	}

	if snap.RunsFailed > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailed,
			Severity: "high",
			Message:  fmt.Sprintf("%d pipeline run(s) failed in last %dh", snap.RunsFailed, snap.LookbackHours),
			Details: map[string]any{
				"failed": snap.RunsFailed,
				"total":  snap.RunsTotal,
			},
			Timestamp: now,
		})
	}

	if snap.SKUsProcessed >= minSKUsForRate && snap.SKUFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertSKUFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"SKU failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d processed in last %dh)",
				snap.SKUFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.SKUsFailed, snap.SKUsProcessed, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.SKUFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.SKUsFailed,
				"processed":    snap.SKUsProcessed,
			},
			Timestamp: now,
		})
	}

	if a.cfg.BacklogThreshold > 0 && snap.OpenTasks > a.cfg.BacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertReviewBacklog,
			Severity: "medium",
			Message:  fmt.Sprintf("%d open review tasks exceed backlog threshold %d", snap.OpenTasks, a.cfg.BacklogThreshold),
			Details: map[string]any{
				"open_tasks": snap.OpenTasks,
				"threshold":  a.cfg.BacklogThreshold,
				"epoch":      snap.Epoch,
			},
			Timestamp: now,
		})
	}

	if snap.StaleTasks > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleTasks,
			Severity: "medium",
			Message: fmt.Sprintf("%d review task(s) open longer than %dh (oldest %.0fh)",
				snap.StaleTasks, a.cfg.StaleTaskHours, snap.OldestTaskHours),
			Details: map[string]any{
				"stale_tasks":       snap.StaleTasks,
				"stale_task_hours":  a.cfg.StaleTaskHours,
				"oldest_task_hours": snap.OldestTaskHours,
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
