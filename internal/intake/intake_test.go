package intake

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/audit"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/store"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/verify"
)

var testNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	st     *store.SQLiteStore
	loader *Loader
	src    Source
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	dir := t.TempDir()
	src := Source{
		SKUsPath:        filepath.Join(dir, "supplier_skus.json"),
		LabelsDir:       filepath.Join(dir, "labels"),
		CertificatesDir: filepath.Join(dir, "certificates"),
	}
	require.NoError(t, os.MkdirAll(src.LabelsDir, 0o755))
	require.NoError(t, os.MkdirAll(src.CertificatesDir, 0o755))

	clock := func() time.Time { return testNow }
	rec := audit.NewRecorder(st, audit.WithClock(clock))
	return &fixture{st: st, loader: NewLoader(st, rec, WithClock(clock)), src: src}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const supplierJSON = `[
  {
    "sku": "SKU001",
    "name": "Rolled Oats",
    "description": "Wholegrain oats, certified organic",
    "claims": ["Organic", "High fibre"],
    "certificates": [
      "organic_certification.pdf",
      {"file": "lab nutrition report", "type": "lab_nutrition", "valid_until": "2025-03-31"},
      "fairtrade license"
    ],
    "attributes": {"organic": true, "net_weight": "500 g"}
  },
  {"sku": "SKU002", "description": "no name"},
  {"sku": "SKU003", "name": "Bad", "attributes": {"!!!": "x"}},
  {"sku": "SKU004", "name": "Cola", "certificates": [{"file": "x.pdf", "valid_until": "soon"}]}
]`

func (f *fixture) seedFiles(t *testing.T) {
	t.Helper()
	writeFile(t, f.src.SKUsPath, supplierJSON)
	writeFile(t, filepath.Join(f.src.LabelsDir, "SKU001_front.pdf"), "label-front")
	writeFile(t, filepath.Join(f.src.LabelsDir, "SKU001_back.png"), "label-back")
	writeFile(t, filepath.Join(f.src.LabelsDir, "SKU001_notes.txt"), "ignored")
	writeFile(t, filepath.Join(f.src.LabelsDir, "SKU002_front.pdf"), "other sku")
	writeFile(t, filepath.Join(f.src.CertificatesDir, "organic_certification.pdf"), "organic cert")
	writeFile(t, filepath.Join(f.src.CertificatesDir, "SKU001_lab_nutrition.pdf"), "lab report")
	writeFile(t, filepath.Join(f.src.CertificatesDir, "x.pdf"), "x")
}

func TestLoad_IngestsAndRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedFiles(t)

	res, err := f.loader.Load(ctx, f.src)
	require.NoError(t, err)

	assert.Equal(t, []string{"SKU001"}, res.Ingested)
	assert.Equal(t, 4, res.Documents)
	assert.Equal(t, []string{"SKU001: fairtrade license"}, res.Unmatched)

	require.Len(t, res.Rejected, 3)
	byCode := make(map[string]string)
	for _, r := range res.Rejected {
		byCode[r.SKUCode] = r.Error()
	}
	assert.Contains(t, byCode["SKU002"], "schema")
	assert.Contains(t, byCode["SKU003"], "unusable attribute name")
	assert.Contains(t, byCode["SKU004"], "valid_until")

	sku, err := f.st.GetSKUByCode(ctx, "SKU001")
	require.NoError(t, err)
	assert.Equal(t, "Rolled Oats", sku.Name)
	assert.Equal(t, map[string]string{"organic": "true", "net_weight": "500 g"}, sku.Attributes)
	assert.Equal(t, []string{"Organic", "High fibre"}, sku.DeclaredClaims)

	labels := sku.Labels()
	require.Len(t, labels, 2)
	assert.Equal(t, "SKU001_back.png", filepath.Base(labels[0].Path))
	assert.Equal(t, model.ExtractionPending, labels[0].Status)
	assert.Len(t, labels[0].ContentHash, 64)

	certs := sku.Certificates()
	require.Len(t, certs, 2)
	assert.Equal(t, verify.CertOrganic, certs[0].CertType)
	assert.Nil(t, certs[0].ValidUntil)
	assert.Equal(t, verify.CertLabNutrition, certs[1].CertType)
	require.NotNil(t, certs[1].ValidUntil)
	assert.Equal(t, "2025-03-31", certs[1].ValidUntil.Format("2006-01-02"))

	events, err := f.st.ListAudit(ctx, store.AuditFilter{})
	require.NoError(t, err)
	var actions []model.AuditAction
	for _, ev := range events {
		actions = append(actions, ev.Action)
	}
	assert.Equal(t, []model.AuditAction{
		model.AuditIntakeStarted,
		model.AuditSKUIngested,
		model.AuditSKURejected,
		model.AuditSKURejected,
		model.AuditSKURejected,
		model.AuditIntakeCompleted,
	}, actions)
}

func TestLoad_ReingestKeepsExtraction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedFiles(t)
	_, err := f.loader.Load(ctx, f.src)
	require.NoError(t, err)

	sku, err := f.st.GetSKUByCode(ctx, "SKU001")
	require.NoError(t, err)
	label := sku.Labels()[1]
	at := testNow
	label.Status = model.ExtractionTextExtracted
	label.Text = "Certified organic"
	label.ExtractedAt = &at
	require.NoError(t, f.st.UpdateDocumentExtraction(ctx, &label))

	res, err := f.loader.Load(ctx, f.src)
	require.NoError(t, err)
	assert.Zero(t, res.Reset)

	again, err := f.st.GetSKUByCode(ctx, "SKU001")
	require.NoError(t, err)
	assert.Equal(t, sku.ID, again.ID)
	require.Len(t, again.Documents, 4)
	kept := again.Labels()[1]
	assert.Equal(t, label.ID, kept.ID)
	assert.Equal(t, model.ExtractionTextExtracted, kept.Status)
	assert.Equal(t, "Certified organic", kept.Text)
}

func TestLoad_ChangedContentResetsOnlyWhenEligible(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedFiles(t)
	_, err := f.loader.Load(ctx, f.src)
	require.NoError(t, err)

	sku, err := f.st.GetSKUByCode(ctx, "SKU001")
	require.NoError(t, err)
	label := sku.Labels()[1]
	at := testNow
	label.Status = model.ExtractionOCRExtracted
	label.Text = "Old text"
	label.ExtractedAt = &at
	require.NoError(t, f.st.UpdateDocumentExtraction(ctx, &label))
	oldHash := label.ContentHash

	writeFile(t, label.Path, "new artwork")

	res, err := f.loader.Load(ctx, f.src)
	require.NoError(t, err)
	assert.Zero(t, res.Reset)
	got, err := f.st.GetSKUByCode(ctx, "SKU001")
	require.NoError(t, err)
	assert.Equal(t, oldHash, got.Labels()[1].ContentHash)
	assert.Equal(t, "Old text", got.Labels()[1].Text)

	require.NoError(t, f.st.SetReextractEligible(ctx, sku.ID, true))
	res, err = f.loader.Load(ctx, f.src)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reset)

	got, err = f.st.GetSKUByCode(ctx, "SKU001")
	require.NoError(t, err)
	reset := got.Labels()[1]
	assert.NotEqual(t, oldHash, reset.ContentHash)
	assert.Equal(t, model.ExtractionPending, reset.Status)
	assert.Empty(t, reset.Text)
	assert.NotNil(t, reset.ExtractedAt)
	assert.True(t, got.ReextractEligible)
}

func TestLoad_XLSX(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writeFile(t, filepath.Join(f.src.LabelsDir, "SKU010_label.pdf"), "label")
	writeFile(t, filepath.Join(f.src.CertificatesDir, "SKU010_vegan.pdf"), "vegan")

	xf := xlsx.NewFile()
	sheet, err := xf.AddSheet("SKUs")
	require.NoError(t, err)
	for _, cells := range [][]string{
		{"SKU", "Name", "Claims", "Certificates", "Attributes", "attr:energy"},
		{"SKU010", "Protein Bar", "Vegan; High protein", "vegan certificate", "vegan=yes; gluten_free", "210 kcal"},
		{"", "", "", "", "", ""},
		{"SKU011", "", "", "", "", ""},
	} {
		row := sheet.AddRow()
		for _, c := range cells {
			row.AddCell().SetString(c)
		}
	}
	f.src.SKUsPath = filepath.Join(t.TempDir(), "skus.xlsx")
	require.NoError(t, xf.Save(f.src.SKUsPath))

	res, err := f.loader.Load(ctx, f.src)
	require.NoError(t, err)
	assert.Equal(t, []string{"SKU010"}, res.Ingested)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "SKU011", res.Rejected[0].SKUCode)

	sku, err := f.st.GetSKUByCode(ctx, "SKU010")
	require.NoError(t, err)
	assert.Equal(t, []string{"Vegan", "High protein"}, sku.DeclaredClaims)
	assert.Equal(t, map[string]string{"vegan": "yes", "gluten_free": "true", "energy": "210 kcal"}, sku.Attributes)
	require.Len(t, sku.Certificates(), 1)
	assert.Equal(t, verify.CertVeganConformity, sku.Certificates()[0].CertType)
}

func TestReadRecords_Errors(t *testing.T) {
	dir := t.TempDir()
	_, _, err := ReadRecords(filepath.Join(dir, "skus.csv"))
	assert.Error(t, err)

	obj := filepath.Join(dir, "obj.json")
	writeFile(t, obj, `{"sku": "SKU001"}`)
	_, _, err = ReadRecords(obj)
	assert.Error(t, err)

	dup := filepath.Join(dir, "dup.json")
	writeFile(t, dup, `[{"sku": "A1", "name": "x"}, {"sku": "A1", "name": "y"}, {"name": "no code"}]`)
	recs, rejected, err := ReadRecords(dup)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Len(t, rejected, 2)
	assert.Equal(t, "duplicate sku code in input", rejected[0].Reason)
	assert.Equal(t, "#3", rejected[1].SKUCode)
}

func TestMatchCertificate(t *testing.T) {
	files := []string{"SKU001_allergen_lab.pdf", "SKU001_soil.pdf", "SKU002_organic.pdf", "organic_certification.pdf"}
	tests := []struct {
		declared string
		want     string
		ok       bool
	}{
		{"organic_certification.pdf", "organic_certification.pdf", true},
		{"Soil Association certificate", "SKU001_soil.pdf", true},
		{"Allergen lab test", "SKU001_allergen_lab.pdf", true},
		{"organic", "", false},
		{"halal", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.declared, func(t *testing.T) {
			got, ok := MatchCertificate("SKU001", tt.declared, files)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchLabels(t *testing.T) {
	files := []string{"SKU001.jpg", "SKU001_back.PDF", "SKU001-side.png", "SKU0012.png", "SKU0010_label.pdf", "SKU001.txt", "XSKU001.pdf"}
	assert.Equal(t, []string{"SKU001.jpg", "SKU001_back.PDF", "SKU001-side.png"}, MatchLabels("SKU001", files))
	assert.Equal(t, []string{"SKU0010_label.pdf"}, MatchLabels("SKU0010", files))
}
