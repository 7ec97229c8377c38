package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/audit"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/config"
)

func healthySnapshot() *MetricsSnapshot {
	return &MetricsSnapshot{
		RunsTotal:       4,
		RunsComplete:    4,
		SKUsProcessed:   100,
		SKUsFailed:      2,
		SKUFailRate:     0.02,
		OpenTasks:       12,
		AuditEvents:     40,
		AuditChainValid: true,
		LookbackHours:   24,
		CollectedAt:     time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}
}

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		BacklogThreshold:     50,
		StaleTaskHours:       72,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	alerts := NewAlerter(testMonitoringConfig()).Evaluate(healthySnapshot())
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_SKUFailureRate(t *testing.T) {
	snap := healthySnapshot()
	snap.SKUsProcessed = 20
	snap.SKUsFailed = 8
	snap.SKUFailRate = 0.4

	alerts := NewAlerter(testMonitoringConfig()).Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSKUFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_SmallSampleIgnored(t *testing.T) {
	snap := healthySnapshot()
	snap.SKUsProcessed = 3
	snap.SKUsFailed = 3
	snap.SKUFailRate = 1

	assert.Empty(t, NewAlerter(testMonitoringConfig()).Evaluate(snap))
}

func TestAlerter_Evaluate_BacklogAndStale(t *testing.T) {
	snap := healthySnapshot()
	snap.OpenTasks = 80
	snap.StaleTasks = 5
	snap.OldestTaskHours = 120

	alerts := NewAlerter(testMonitoringConfig()).Evaluate(snap)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertReviewBacklog, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "80 open review tasks")
	assert.Equal(t, AlertStaleTasks, alerts[1].Type)
	assert.Contains(t, alerts[1].Message, "oldest 120h")
}

func TestAlerter_Evaluate_BacklogDisabled(t *testing.T) {
	cfg := testMonitoringConfig()
	cfg.BacklogThreshold = 0
	snap := healthySnapshot()
	snap.OpenTasks = 10000

	assert.Empty(t, NewAlerter(cfg).Evaluate(snap))
}

func TestAlerter_Evaluate_AuditBreakFirst(t *testing.T) {
	snap := healthySnapshot()
	snap.RunsFailed = 1
	snap.AuditChainValid = false
	snap.AuditBreak = &audit.Break{Seq: 17, Reason: "previous hash does not match"}

	alerts := NewAlerter(testMonitoringConfig()).Evaluate(snap)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertAuditChainBreak, alerts[0].Type)
	assert.Equal(t, "critical", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "seq 17")
	assert.Equal(t, AlertRunFailed, alerts[1].Type)
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertRunFailed}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL

	sent := NewAlerter(cfg).SendAlerts(context.Background(), []Alert{
		{Type: AlertRunFailed, Severity: "high"},
		{Type: AlertStaleTasks, Severity: "medium"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL

	sent := NewAlerter(cfg).SendAlerts(context.Background(), []Alert{{Type: AlertRunFailed}})
	assert.Equal(t, 0, sent)
}
