package report

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/config"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/store"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func claimVerdict(key string, status model.VerdictStatus) model.Verdict {
	return model.Verdict{Key: key, Kind: model.VerdictKindClaim, Status: status}
}

func certVerdict(key string, status model.VerdictStatus) model.Verdict {
	return model.Verdict{Key: model.CertificateKey(key), Kind: model.VerdictKindCertificate, Status: status}
}

func TestCompute(t *testing.T) {
	weights := config.ReportConfig{ClaimWeight: 0.7, CertificateWeight: 0.3}
	tests := []struct {
		name     string
		verdicts []model.Verdict
		want     Score
	}{
		{
			name: "empty",
			want: Score{Grade: GradeNone},
		},
		{
			name: "all compliant",
			verdicts: []model.Verdict{
				claimVerdict("vegan", model.StatusCompliant),
				certVerdict("vegan_conformity", model.StatusCompliant),
			},
			want: Score{Overall: 100, Grade: "A", ClaimScore: 100, CertificateScore: 100, Claims: 1, Certificates: 1},
		},
		{
			name: "mixed",
			verdicts: []model.Verdict{
				claimVerdict("a", model.StatusCompliant),
				claimVerdict("b", model.StatusUncertain),
				claimVerdict("c", model.StatusNonCompliant),
				claimVerdict("organic", model.StatusExpired),
				certVerdict("organic", model.StatusExpired),
			},
			// claims 1.5/3 = 0.5, certificates 0/2
			want: Score{Overall: 35, Grade: "F", ClaimScore: 50, CertificateScore: 0, Claims: 3, Certificates: 2},
		},
		{
			name: "no certificates",
			verdicts: []model.Verdict{
				claimVerdict("a", model.StatusCompliant),
				claimVerdict("b", model.StatusCompliant),
				claimVerdict("c", model.StatusCompliant),
				claimVerdict("d", model.StatusNonCompliant),
			},
			// 0.75*0.7 + 1.0*0.3
			want: Score{Overall: 82.5, Grade: "B", ClaimScore: 75, CertificateScore: 100, Claims: 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compute(tt.verdicts, weights))
		})
	}
}

func TestCompute_ZeroWeightsFallBack(t *testing.T) {
	got := Compute([]model.Verdict{claimVerdict("a", model.StatusUncertain)}, config.ReportConfig{})
	assert.Equal(t, 65.0, got.Overall)
	assert.Equal(t, "D", got.Grade)
}

func TestGrade(t *testing.T) {
	for score, want := range map[float64]string{100: "A", 90: "A", 89.9: "B", 80: "B", 70: "C", 60: "D", 59.9: "F", 0: "F"} {
		assert.Equal(t, want, Grade(score), "score %v", score)
	}
}

func seedStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "report.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	for _, sku := range []*model.SKU{
		{ID: "sku-1", Code: "SKU001", Name: "Oats", CreatedAt: testNow, UpdatedAt: testNow},
		{ID: "sku-2", Code: "SKU002", Name: "Cola", CreatedAt: testNow, UpdatedAt: testNow},
	} {
		require.NoError(t, st.UpsertSKU(ctx, sku))
	}
	run := &model.PipelineRun{ID: "run-1", Epoch: 1, RuleVersion: "2024.05.1", ModelVersion: "tfidf-lr-2024.05", Status: model.RunStatusRunning, StartedAt: testNow}
	require.NoError(t, st.CreateRun(ctx, run, time.Time{}))

	require.NoError(t, st.InsertClaims(ctx, 1, []model.Claim{
		{ID: "c1", RunID: "run-1", SKUID: "sku-1", Key: "organic", Value: "true", Source: model.SourceSupplier, Confidence: 1, CreatedAt: testNow},
		{ID: "c2", RunID: "run-1", SKUID: "sku-1", Key: "vegan", Value: "true", Source: model.SourceSupplier, Confidence: 1, CreatedAt: testNow},
	}))
	v := func(id, sku, key string, kind model.VerdictKind, status model.VerdictStatus) model.Verdict {
		return model.Verdict{ID: id, RunID: "run-1", SKUID: sku, Key: key, Kind: kind, Status: status,
			RuleResult: model.RuleNotApplicable, RuleVersion: "2024.05.1", ModelVersion: "tfidf-lr-2024.05", CreatedAt: testNow}
	}
	require.NoError(t, st.ReplaceSKUVerdicts(ctx, 1, "sku-1", []model.Verdict{
		v("v1", "sku-1", "vegan", model.VerdictKindClaim, model.StatusCompliant),
		v("v2", "sku-1", "organic", model.VerdictKindClaim, model.StatusExpired),
		v("v3", "sku-1", "certificate:organic", model.VerdictKindCertificate, model.StatusExpired),
	}))
	require.NoError(t, st.ReplaceSKUVerdicts(ctx, 1, "sku-2", []model.Verdict{
		v("v4", "sku-2", "fda_approved", model.VerdictKindClaim, model.StatusNonCompliant),
	}))
	for _, task := range []*model.Task{
		{ID: "t1", SKUID: "sku-1", Key: "organic", VerdictID: "v2", Reason: model.ReasonCertificateIssue, Status: model.TaskPending, CreatedAt: testNow},
		{ID: "t2", SKUID: "sku-1", Key: "certificate:organic", VerdictID: "v3", Reason: model.ReasonCertificateIssue, Status: model.TaskPending, CreatedAt: testNow},
	} {
		require.NoError(t, st.CreateTask(ctx, 1, task))
	}
	return st
}

func TestBuild(t *testing.T) {
	st := seedStore(t)
	rep, err := Build(context.Background(), st, "", WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	assert.Equal(t, testNow, rep.GeneratedAt)
	assert.Equal(t, 1, rep.Epoch)
	require.NotNil(t, rep.LastRun)
	assert.Equal(t, "run-1", rep.LastRun.ID)
	require.Len(t, rep.SKUs, 2)
	assert.Equal(t, 2, rep.StatusCounts[model.StatusExpired])
	assert.Equal(t, 2, rep.Tasks.Total)

	oats := rep.SKUs[0]
	assert.Equal(t, "SKU001", oats.Code)
	assert.Len(t, oats.Claims, 2)
	assert.Len(t, oats.OpenTasks, 2)
	assert.Equal(t, []string{"certificate:organic", "organic", "vegan"}, []string{oats.Verdicts[0].Key, oats.Verdicts[1].Key, oats.Verdicts[2].Key})
	// vegan 1/1, certificates 0/2
	assert.Equal(t, 70.0, oats.Score.Overall)
	assert.Equal(t, "C", oats.Score.Grade)

	cola := rep.SKUs[1]
	assert.Equal(t, 30.0, cola.Score.Overall)
	assert.Empty(t, cola.OpenTasks)

	// claims 1/2, certificates 0/2
	assert.Equal(t, 35.0, rep.Score.Overall)
}

func TestBuild_SingleSKU(t *testing.T) {
	st := seedStore(t)
	rep, err := Build(context.Background(), st, "SKU002")
	require.NoError(t, err)
	require.Len(t, rep.SKUs, 1)
	assert.Zero(t, rep.Tasks.Total)

	_, err = Build(context.Background(), st, "NOPE")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWriteXLSX(t *testing.T) {
	st := seedStore(t)
	rep, err := Build(context.Background(), st, "")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, WriteXLSX(rep, path))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	assert.Equal(t, []string{SheetSummary, SheetVerdicts, SheetTasks}, f.GetSheetList())

	verdicts, err := f.GetRows(SheetVerdicts)
	require.NoError(t, err)
	require.Len(t, verdicts, 5)
	assert.Equal(t, verdictHeaders, verdicts[0])
	assert.Equal(t, "SKU001", verdicts[1][0])

	tasks, err := f.GetRows(SheetTasks)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "t1", tasks[1][0])

	summary, err := f.GetRows(SheetSummary)
	require.NoError(t, err)
	found := false
	for _, row := range summary {
		if len(row) >= 2 && row[0] == "Grade" {
			found = true
			assert.Equal(t, rep.Score.Grade, row[1])
		}
	}
	assert.True(t, found)
}
