package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/audit"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/config"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/store"
)

// runScanLimit bounds how many recent runs a snapshot inspects.
const runScanLimit = 1000

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Runs started within the lookback window.
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	RunFailRate  float64 `json:"run_fail_rate"`

	SKUsProcessed   int     `json:"skus_processed"`
	SKUsFailed      int     `json:"skus_failed"`
	SKUFailRate     float64 `json:"sku_fail_rate"`
	DocumentsFailed int     `json:"documents_failed"`

	// Review backlog in the current epoch.
	Epoch           int     `json:"epoch"`
	OpenTasks       int     `json:"open_tasks"`
	StaleTasks      int     `json:"stale_tasks"`
	OldestTaskHours float64 `json:"oldest_task_hours"`

	AuditEvents     int          `json:"audit_events"`
	AuditChainValid bool         `json:"audit_chain_valid"`
	AuditBreak      *audit.Break `json:"audit_break,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
	cfg   config.MonitoringConfig
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store, cfg config.MonitoringConfig) *Collector {
	return &Collector{store: st, cfg: cfg, now: time.Now}
}

// Collect gathers a snapshot over the configured lookback window.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	lookback := c.cfg.LookbackWindowHours
	if lookback <= 0 {
		lookback = 24
	}
	snap := &MetricsSnapshot{LookbackHours: lookback, CollectedAt: now}
	cutoff := now.Add(-time.Duration(lookback) * time.Hour)

	runs, err := c.store.ListRuns(ctx, runScanLimit)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		snap.SKUsProcessed += r.Stats.SKUs
		snap.SKUsFailed += r.Stats.SKUsFailed
		snap.DocumentsFailed += r.Stats.DocumentsFailed
	}
	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.SKUsProcessed > 0 {
		snap.SKUFailRate = float64(snap.SKUsFailed) / float64(snap.SKUsProcessed)
	}

	epoch, err := c.store.CurrentEpoch(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: current epoch")
	}
	snap.Epoch = epoch

	tasks, err := c.store.ListTasks(ctx, store.TaskFilter{Statuses: store.OpenTaskStatuses, Epoch: epoch})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list open tasks")
	}
	snap.OpenTasks = len(tasks)
	stale := time.Duration(c.cfg.StaleTaskHours) * time.Hour
	for _, t := range tasks {
		age := now.Sub(t.CreatedAt)
		if h := age.Hours(); h > snap.OldestTaskHours {
			snap.OldestTaskHours = h
		}
		if stale > 0 && age > stale {
			snap.StaleTasks++
		}
	}

	events, err := c.store.ListAudit(ctx, store.AuditFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list audit events")
	}
	chain := audit.VerifyChain(events)
	snap.AuditEvents = chain.Events
	snap.AuditChainValid = chain.Valid
	snap.AuditBreak = chain.Break

	return snap, nil
}
