package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/audit"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/claims"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/intake"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/monitoring"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/router"
)

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789-0000-0000-000000000000"))
	assert.Equal(t, "short", truncateID("short"))
	assert.Equal(t, "", truncateID(""))
}

func TestFormatTasks(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	tasks := []model.Task{
		{ID: "task-1", SKUID: "sku-uuid-1", Key: "claim:organic", Reason: model.ReasonConflict, Status: model.TaskPending, CreatedAt: now},
		{ID: "task-2", SKUID: "abcdef123456", Key: "certificate:organic", Reason: model.ReasonCertificateIssue, Status: model.TaskEvidenceRequested, CreatedAt: now},
	}

	var buf bytes.Buffer
	formatTasks(&buf, tasks, map[string]string{"sku-uuid-1": "SKU001"})

	out := buf.String()
	assert.Contains(t, out, "REASON")
	assert.Contains(t, out, "SKU001")
	assert.Contains(t, out, "claim:organic")
	assert.Contains(t, out, "conflict")
	assert.Contains(t, out, "evidence_requested")
	assert.Contains(t, out, "abcdef12")
	assert.Contains(t, out, "2025-06-15 10:30")
}

func TestFormatBulk(t *testing.T) {
	results := []router.BulkResult{
		{TaskID: "t1", Verdict: &model.Verdict{Key: "claim:vegan", Status: model.StatusCompliant}},
		{TaskID: "t2", Err: errors.New("task closed"), Error: "task closed"},
		{TaskID: "t3"},
	}

	var buf bytes.Buffer
	failed := formatBulk(&buf, results)

	assert.Equal(t, 1, failed)
	out := buf.String()
	assert.Contains(t, out, "claim:vegan is compliant")
	assert.Contains(t, out, "error: task closed")
	assert.Contains(t, out, "t3")
}

func TestFormatTaskStats(t *testing.T) {
	stats := model.SummarizeTasks([]model.Task{
		{Status: model.TaskApproved, Reason: model.ReasonLowConfidence},
		{Status: model.TaskPending, Reason: model.ReasonConflict},
		{Status: model.TaskSuperseded, Reason: model.ReasonConflict},
	})

	var buf bytes.Buffer
	formatTaskStats(&buf, &stats)

	out := buf.String()
	assert.Contains(t, out, "Total tasks:")
	assert.Contains(t, out, "Reason conflict:")
	assert.Contains(t, out, "50.0%")
}

func TestFormatRun(t *testing.T) {
	start := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	run := &model.PipelineRun{
		ID: "run-1", Epoch: 2, Status: model.RunStatusComplete, RuleVersion: "r1", ModelVersion: "m1",
		StartedAt: start, FinishedAt: &end,
		Stats:    model.RunStats{SKUs: 3, SKUsFailed: 1, Verdicts: 7, TasksOpened: 2},
		Failures: []model.SKUFailure{{SKUCode: "SKU009", Stage: "lookup", Error: "not found"}},
	}

	var buf bytes.Buffer
	formatRun(&buf, run)

	out := buf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "rules r1, model m1")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "3 (1 failed)")
	assert.Contains(t, out, "failed SKU009 at lookup: not found")
}

func TestFormatRuns(t *testing.T) {
	start := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	runs := []model.PipelineRun{
		{ID: "abc12345-0000", Epoch: 1, Status: model.RunStatusRunning, StartedAt: start},
	}

	var buf bytes.Buffer
	formatRuns(&buf, runs)

	out := buf.String()
	assert.Contains(t, out, "abc12345")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "2025-06-15 10:00")
}

func TestFormatChain(t *testing.T) {
	var buf bytes.Buffer
	formatChain(&buf, &audit.Report{Events: 4, Head: "deadbeefcafe", Valid: true})
	assert.Contains(t, buf.String(), "intact: 4 event(s), head deadbeef")

	buf.Reset()
	formatChain(&buf, &audit.Report{Events: 4, Break: &audit.Break{Seq: 3, Reason: "hash does not match content"}})
	assert.Contains(t, buf.String(), "BROKEN at seq 3: hash does not match content")
}

func TestFormatIntake(t *testing.T) {
	res := &intake.Result{
		Ingested:  []string{"SKU001", "SKU002"},
		Documents: 3,
		Reset:     1,
		Rejected:  []*claims.AggregationError{{SKUCode: "SKU003", Reason: "unusable attribute name"}},
		Unmatched: []string{"SKU001: fairtrade license"},
	}

	var buf bytes.Buffer
	formatIntake(&buf, res)

	out := buf.String()
	assert.Contains(t, out, "Ingested 2 SKU(s), 3 document(s), 1 queued")
	assert.Contains(t, out, "SKU003")
	assert.Contains(t, out, "no certificate file for SKU001: fairtrade license")
}

func TestFormatHealth(t *testing.T) {
	snap := &monitoring.MetricsSnapshot{
		RunsTotal: 2, RunsComplete: 1, RunsFailed: 1, SKUsProcessed: 10, SKUsFailed: 1, SKUFailRate: 0.1,
		Epoch: 3, OpenTasks: 4, StaleTasks: 1, OldestTaskHours: 80, AuditEvents: 12, LookbackHours: 24,
	}
	alerts := []monitoring.Alert{{Type: monitoring.AlertRunFailed, Severity: "high", Message: "1 pipeline run(s) failed in last 24h"}}

	var buf bytes.Buffer
	formatHealth(&buf, snap, alerts)

	out := buf.String()
	assert.Contains(t, out, "Runs (last 24h):")
	assert.Contains(t, out, "10.0% (1 of 10)")
	assert.Contains(t, out, "4 (1 stale, oldest 80h)")
	assert.Contains(t, out, "BROKEN (12 events)")
	assert.Contains(t, out, "[high] 1 pipeline run(s) failed")
}
