package router

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/audit"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/claims"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/config"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/store"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/verify"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/vocab"
)

var (
	testNow    = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	certExpiry = time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	st       *store.SQLiteStore
	router   *Router
	run      *model.PipelineRun
	sku      *model.SKU
	verdicts []model.Verdict
	agg      *claims.Aggregation
}

// newFixture persists one verified SKU: gluten_free conflicts between the
// supplier and the label, and the organic certificate on file has expired.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	v, err := vocab.Default()
	require.NoError(t, err)
	aggregator := claims.NewAggregator(v, claims.Config{})
	engine, err := verify.Load(config.VerifyConfig{})
	require.NoError(t, err)

	sku := &model.SKU{
		ID: "sku-1", Code: "SKU001", Name: "Oats",
		Attributes: map[string]string{"gluten_free": "yes", "organic": "true"},
		Documents: []model.Document{
			{
				ID: "label-1", SKUID: "sku-1", Kind: model.DocumentKindLabel, Path: "labels/SKU001.png", ContentHash: "h1",
				Status: model.ExtractionOCRExtracted, Text: "Contains gluten", Confidence: 0.9,
			},
			{
				ID: "cert-1", SKUID: "sku-1", Kind: model.DocumentKindCertificate, Path: "certs/SKU001_organic.pdf", ContentHash: "h2",
				CertType: verify.CertOrganic, ValidUntil: &certExpiry, Status: model.ExtractionTextExtracted,
			},
		},
		CreatedAt: testNow, UpdatedAt: testNow,
	}
	require.NoError(t, st.UpsertSKU(ctx, sku))

	run := &model.PipelineRun{ID: "run-1", Epoch: 1, Status: model.RunStatusRunning, StartedAt: testNow}
	require.NoError(t, st.CreateRun(ctx, run, time.Time{}))

	agg, err := aggregator.Aggregate(claims.Input{RunID: run.ID, SKU: sku, Labels: claims.LabelTexts(sku), At: testNow})
	require.NoError(t, err)
	verdicts, err := engine.Verify(verify.Input{RunID: run.ID, SKU: sku, Aggregation: agg, AsOf: testNow})
	require.NoError(t, err)
	for i := range verdicts {
		verdicts[i].CreatedAt = testNow
	}
	require.NoError(t, st.InsertClaims(ctx, 1, agg.Claims))
	require.NoError(t, st.InsertConflicts(ctx, 1, agg.Conflicts))
	require.NoError(t, st.ReplaceSKUVerdicts(ctx, 1, sku.ID, verdicts))

	rec := audit.NewRecorder(st)
	r := New(st, rec, aggregator, engine, WithClock(func() time.Time { return testNow }))
	return &fixture{st: st, router: r, run: run, sku: sku, verdicts: verdicts, agg: agg}
}

func (f *fixture) route(t *testing.T) *Routing {
	t.Helper()
	res, err := f.router.Route(context.Background(), f.run, f.sku.ID, f.verdicts, f.agg.Conflicts)
	require.NoError(t, err)
	return res
}

func (f *fixture) openTasks(t *testing.T) map[string]model.Task {
	t.Helper()
	tasks, err := f.router.ListOpen(context.Background(), Filter{SKUID: f.sku.ID})
	require.NoError(t, err)
	out := make(map[string]model.Task, len(tasks))
	for _, task := range tasks {
		_, dup := out[task.Key]
		require.False(t, dup, "duplicate open task for %s", task.Key)
		out[task.Key] = task
	}
	return out
}

func (f *fixture) auditActions(t *testing.T) []model.AuditAction {
	t.Helper()
	events, err := f.st.ListAudit(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	var out []model.AuditAction
	for _, ev := range events {
		out = append(out, ev.Action)
	}
	return out
}

// assertTaskLaw checks that open tasks cover exactly the current verdicts
// needing review.
func assertTaskLaw(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	current, err := f.st.ListCurrentVerdicts(ctx, f.sku.ID)
	require.NoError(t, err)
	conflicts, err := f.st.ListConflicts(ctx, f.sku.ID, "run-1")
	require.NoError(t, err)
	unresolved := make(map[string]bool)
	for _, c := range conflicts {
		if !c.Resolved {
			unresolved[c.Key] = true
		}
	}

	var want []string
	for _, v := range current {
		if _, ok := Reason(v, unresolved[v.Key] && !v.HumanOverridden); ok {
			want = append(want, v.Key)
		}
	}
	var got []string
	for key := range f.openTasks(t) {
		got = append(got, key)
	}
	sort.Strings(want)
	sort.Strings(got)
	assert.Equal(t, want, got)
}

func TestRoute_OpensTasksWithReasons(t *testing.T) {
	f := newFixture(t)
	res := f.route(t)
	assert.Equal(t, 3, res.Opened)

	open := f.openTasks(t)
	require.Len(t, open, 3)
	assert.Equal(t, model.ReasonConflict, open["gluten_free"].Reason)
	assert.Equal(t, model.ReasonCertificateIssue, open["organic"].Reason)
	assert.Equal(t, model.ReasonCertificateIssue, open["certificate:organic"].Reason)
	assert.Equal(t, model.TaskPending, open["organic"].Status)

	created := 0
	for _, a := range f.auditActions(t) {
		if a == model.AuditTaskCreated {
			created++
		}
	}
	assert.Equal(t, 3, created)
	assertTaskLaw(t, f)
}

func TestReason(t *testing.T) {
	tests := []struct {
		status   model.VerdictStatus
		conflict bool
		want     model.TaskReason
		ok       bool
	}{
		{model.StatusMissing, false, model.ReasonCertificateIssue, true},
		{model.StatusExpired, false, model.ReasonCertificateIssue, true},
		{model.StatusUncertain, false, model.ReasonLowConfidence, true},
		{model.StatusUncertain, true, model.ReasonConflict, true},
		{model.StatusMissing, true, model.ReasonConflict, true},
		{model.StatusCompliant, false, "", false},
		{model.StatusNonCompliant, false, "", false},
	}
	for _, tt := range tests {
		got, ok := Reason(model.Verdict{Status: tt.status}, tt.conflict)
		assert.Equal(t, tt.ok, ok, "%s conflict=%v", tt.status, tt.conflict)
		assert.Equal(t, tt.want, got, "%s conflict=%v", tt.status, tt.conflict)
	}
}

func TestRoute_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.route(t)
	before := f.openTasks(t)

	res := f.route(t)
	assert.Zero(t, res.Opened)
	assert.Zero(t, res.Repointed)
	assert.Equal(t, before, f.openTasks(t))

	// A later run re-points the same tasks at its verdicts.
	next := make([]model.Verdict, len(f.verdicts))
	for i, v := range f.verdicts {
		v.ID = verify.VerdictID("run-2", v.SKUID, v.Key)
		v.RunID = "run-2"
		next[i] = v
	}
	f.verdicts = next
	res = f.route(t)
	assert.Zero(t, res.Opened)
	assert.Equal(t, 3, res.Repointed)
	after := f.openTasks(t)
	assert.Equal(t, before["organic"].ID, after["organic"].ID)
	assert.Equal(t, verify.VerdictID("run-2", "sku-1", "organic"), after["organic"].VerdictID)
}

func TestRoute_SupersedesClearedConditions(t *testing.T) {
	f := newFixture(t)
	f.route(t)
	organicTask := f.openTasks(t)["organic"]

	for i := range f.verdicts {
		if f.verdicts[i].Key == "organic" {
			f.verdicts[i].Status = model.StatusCompliant
		}
	}
	res := f.route(t)
	assert.Equal(t, 1, res.Superseded)

	got, err := f.st.GetTask(context.Background(), organicTask.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskSuperseded, got.Status)
	assert.NotNil(t, got.ResolvedAt)
	assert.Contains(t, f.auditActions(t), model.AuditTaskSuperseded)
}

func TestApplyDecision_Approve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.route(t)
	task := f.openTasks(t)["organic"]

	v, err := f.router.ApplyDecision(ctx, task.ID, Decision{Action: model.ActionApprove, Note: "certificate checked on site"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompliant, v.Status)
	assert.True(t, v.HumanOverridden)
	assert.Equal(t, "decision:"+task.ID, v.RunID)

	current, err := f.st.GetCurrentVerdict(ctx, "sku-1", "organic")
	require.NoError(t, err)
	assert.Equal(t, v.ID, current.ID)

	got, err := f.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskApproved, got.Status)
	assert.Equal(t, v.ID, got.VerdictID)

	events, err := f.st.ListAudit(ctx, store.AuditFilter{TaskID: task.ID})
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.AuditTaskApproved, last.Action)
	assert.Equal(t, model.ActorHuman, last.Actor)

	// Closed tasks reject further decisions.
	_, err = f.router.ApplyDecision(ctx, task.ID, Decision{Action: model.ActionReject})
	var re *RoutingError
	require.True(t, errors.As(err, &re))
	assert.Contains(t, re.Reason, "approved")
	assertTaskLaw(t, f)
}

func TestApplyDecision_ApproveUncertain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.route(t)
	task := f.openTasks(t)["gluten_free"]

	before, err := f.st.GetCurrentVerdict(ctx, "sku-1", "gluten_free")
	require.NoError(t, err)
	require.Equal(t, model.StatusUncertain, before.Status)
	eventsBefore, err := f.st.ListAudit(ctx, store.AuditFilter{})
	require.NoError(t, err)

	v, err := f.router.ApplyDecision(ctx, task.ID, Decision{Action: model.ActionApprove, Note: "recipe reformulated"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompliant, v.Status)
	assert.True(t, v.HumanOverridden)

	current, err := f.st.GetCurrentVerdict(ctx, "sku-1", "gluten_free")
	require.NoError(t, err)
	assert.Equal(t, v.ID, current.ID)
	assert.Equal(t, model.StatusCompliant, current.Status)
	assert.True(t, current.HumanOverridden)

	got, err := f.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskApproved, got.Status)

	eventsAfter, err := f.st.ListAudit(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, eventsAfter, len(eventsBefore)+1)
	ev := eventsAfter[len(eventsAfter)-1]
	assert.Equal(t, model.AuditTaskApproved, ev.Action)
	assert.Equal(t, model.ActorHuman, ev.Actor)
	assert.Equal(t, task.ID, ev.TaskID)
	assert.Equal(t, "sku-1", ev.SKUID)
	assert.Equal(t, "gluten_free", ev.Payload["key"])
	assert.Equal(t, v.ID, ev.Payload["verdict_id"])
	assert.Equal(t, before.ID, ev.Payload["previous_verdict_id"])
	assert.Equal(t, "recipe reformulated", ev.Payload["note"])
	assertTaskLaw(t, f)
}

func TestApplyDecision_TaskClosedElsewhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.route(t)
	task := f.openTasks(t)["organic"]

	// A second process with its own router and lock table decides first.
	other := New(f.st, audit.NewRecorder(f.st), nil, nil, WithClock(func() time.Time { return testNow }))
	stale, err := f.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, other.closeTask(ctx, stale, model.TaskRejected, stale.VerdictID, "rejected elsewhere"))

	// This router loaded the task while it was still pending.
	loaded := task
	err = f.router.closeTask(ctx, &loaded, model.TaskApproved, "v-new", "")
	var re *RoutingError
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.Contains(t, re.Reason, "concurrent decision")

	got, err := f.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRejected, got.Status)
	assert.Equal(t, "rejected elsewhere", got.Note)
}

func TestApplyDecision_RejectResolvesConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.route(t)
	task := f.openTasks(t)["gluten_free"]

	v, err := f.router.ApplyDecision(ctx, task.ID, Decision{Action: model.ActionReject})
	require.NoError(t, err)
	assert.Equal(t, model.StatusNonCompliant, v.Status)

	conflicts, err := f.st.ListConflicts(ctx, "sku-1", "run-1")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.True(t, conflicts[0].Resolved)
	assertTaskLaw(t, f)
}

func TestApplyDecision_RequestEvidence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.route(t)
	task := f.openTasks(t)["certificate:organic"]

	v, err := f.router.ApplyDecision(ctx, task.ID, Decision{Action: model.ActionRequestEvidence, Note: "send 2024 certificate"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, v.Status)

	open := f.openTasks(t)
	require.Contains(t, open, "certificate:organic")
	assert.Equal(t, model.TaskEvidenceRequested, open["certificate:organic"].Status)
	assert.Equal(t, "send 2024 certificate", open["certificate:organic"].Note)

	sku, err := f.st.GetSKU(ctx, "sku-1")
	require.NoError(t, err)
	assert.True(t, sku.ReextractEligible)
	assert.Contains(t, f.auditActions(t), model.AuditTaskEvidence)

	// Evidence-requested tasks are still open for a final decision.
	_, err = f.router.ApplyDecision(ctx, task.ID, Decision{Action: model.ActionApprove})
	require.NoError(t, err)
}

func TestApplyDecision_Modify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.route(t)
	task := f.openTasks(t)["gluten_free"]

	v, err := f.router.ApplyDecision(ctx, task.ID, Decision{Action: model.ActionModify, Value: "No", Note: "label is right"})
	require.NoError(t, err)
	assert.Equal(t, "gluten_free", v.Key)
	assert.Equal(t, "decision:"+task.ID, v.RunID)
	assert.Equal(t, model.StatusCompliant, v.Status)
	assert.False(t, v.HumanOverridden)

	human, err := f.st.ListClaims(ctx, store.ClaimFilter{SKUID: "sku-1", Source: model.SourceHuman})
	require.NoError(t, err)
	require.Len(t, human, 1)
	assert.Equal(t, "false", human[0].Value)

	got, err := f.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskModified, got.Status)

	// Other keys keep their verdicts and tasks.
	organic, err := f.st.GetCurrentVerdict(ctx, "sku-1", "organic")
	require.NoError(t, err)
	assert.Equal(t, "run-1", organic.RunID)
	assert.Contains(t, f.openTasks(t), "organic")
	assert.Contains(t, f.auditActions(t), model.AuditTaskModified)
	assertTaskLaw(t, f)
}

func TestApplyDecision_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.route(t)
	open := f.openTasks(t)

	tests := []struct {
		name   string
		taskID string
		d      Decision
		reason string
	}{
		{"unknown task", "missing", Decision{Action: model.ActionApprove}, "not found"},
		{"unknown action", open["organic"].ID, Decision{Action: "escalate"}, "unknown action"},
		{"modify without value", open["organic"].ID, Decision{Action: model.ActionModify}, "requires a value"},
		{"modify certificate", open["certificate:organic"].ID, Decision{Action: model.ActionModify, Value: "true"}, "cannot be modified"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.router.ApplyDecision(ctx, tt.taskID, tt.d)
			var re *RoutingError
			require.True(t, errors.As(err, &re), "got %v", err)
			assert.Contains(t, re.Reason, tt.reason)
		})
	}
}

func TestApplyDecision_SerializedPerTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.route(t)
	task := f.openTasks(t)["organic"]

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.router.ApplyDecision(ctx, task.ID, Decision{Action: model.ActionApprove})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		var re *RoutingError
		switch {
		case err == nil:
			succeeded++
		default:
			assert.True(t, errors.As(err, &re), "got %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestBulkDecide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.route(t)
	open := f.openTasks(t)

	results := f.router.BulkDecide(ctx, []string{open["organic"].ID, "missing", open["certificate:organic"].ID}, Decision{Action: model.ActionApprove})
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NotEmpty(t, results[1].Error)
	assert.NoError(t, results[2].Err)

	events, err := f.st.ListAudit(ctx, store.AuditFilter{})
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.AuditBulkDecision, last.Action)
	assert.EqualValues(t, 2, last.Payload["succeeded"])
	assert.EqualValues(t, 1, last.Payload["failed"])
}

func TestListOpenAndStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.route(t)

	conflicts, err := f.router.ListOpen(ctx, Filter{Reason: model.ReasonConflict})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "gluten_free", conflicts[0].Key)

	limited, err := f.router.ListOpen(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = f.router.ApplyDecision(ctx, f.openTasks(t)["organic"].ID, Decision{Action: model.ActionApprove})
	require.NoError(t, err)

	stats, err := f.router.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Resolved)
	assert.Equal(t, 2, stats.ByStatus[model.TaskPending])
	assert.Equal(t, 1, stats.ByStatus[model.TaskApproved])
	assert.Equal(t, 2, stats.ByReason[model.ReasonCertificateIssue])
	assert.InDelta(t, 1.0/3, stats.CompletionRate, 1e-9)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	done := make(chan struct{})
	go func() {
		u := k.Lock("b")
		u()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent keys must not block each other")
	}
	unlock()
	assert.Empty(t, k.locks)
}
