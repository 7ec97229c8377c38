// Package intake loads supplier SKU records and matches them with label and
// certificate files on disk.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/audit"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/claims"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/resilience"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/store"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/verify"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/vocab"
)

const actor = "intake"

var labelExts = map[string]bool{".pdf": true, ".png": true, ".jpg": true, ".jpeg": true}

// certKeywords are the file name fragments used to match a declared
// certificate to a file that carries the SKU code.
var certKeywords = []string{"lab", "nutrition", "allergen", "soil", "fairtrade", "carbon", "organic", "gmo", "vegan", "halal", "kosher"}

// Source locates the supplier inputs.
type Source struct {
	SKUsPath        string
	LabelsDir       string
	CertificatesDir string
}

// Result summarizes one intake.
type Result struct {
	Ingested  []string                   `json:"ingested"`
	Rejected  []*claims.AggregationError `json:"rejected,omitempty"`
	Documents int                        `json:"documents"`
	Reset     int                        `json:"reset"`
	Unmatched []string                   `json:"unmatched,omitempty"`
}

// Loader ingests supplier records into the store.
type Loader struct {
	st      store.Store
	rec     *audit.Recorder
	now     func() time.Time
	retries int
}

// Option configures a Loader.
type Option func(*Loader)

// WithClock overrides the loader's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Loader) { l.now = now }
}

// WithRetries sets the attempt count for transient store errors.
func WithRetries(n int) Option {
	return func(l *Loader) { l.retries = n }
}

// NewLoader creates a Loader. rec may be nil.
func NewLoader(st store.Store, rec *audit.Recorder, opts ...Option) *Loader {
	l := &Loader{st: st, rec: rec, now: func() time.Time { return time.Now().UTC() }, retries: 3}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Load reads the SKU file, matches documents and upserts every valid record.
// Invalid records are reported in Result.Rejected and do not stop the load.
func (l *Loader) Load(ctx context.Context, src Source) (*Result, error) {
	records, rejected, err := ReadRecords(src.SKUsPath)
	if err != nil {
		return nil, err
	}
	labels, err := listFiles(src.LabelsDir)
	if err != nil {
		return nil, err
	}
	certs, err := listFiles(src.CertificatesDir)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(zap.String("source", src.SKUsPath))
	log.Info("intake: starting", zap.Int("records", len(records)), zap.Int("rejected", len(rejected)))
	l.record(ctx, audit.Event{Action: model.AuditIntakeStarted, Payload: map[string]any{
		"source":  src.SKUsPath,
		"records": len(records) + len(rejected),
	}})

	res := &Result{}
	for _, rec := range records {
		sku, unmatched, err := l.build(rec, src, labels, certs)
		if err != nil {
			var ae *claims.AggregationError
			if !errors.As(err, &ae) {
				return res, err
			}
			rejected = append(rejected, ae)
			continue
		}
		res.Unmatched = append(res.Unmatched, unmatched...)

		reset, err := l.merge(ctx, sku)
		if err != nil {
			return res, err
		}
		if err := resilience.Do(ctx, resilience.StoreRetryConfig(l.retries, "upsert_sku"), func(ctx context.Context) error {
			return l.st.UpsertSKU(ctx, sku)
		}); err != nil {
			return res, eris.Wrapf(err, "intake: upsert sku %s", sku.Code)
		}

		res.Ingested = append(res.Ingested, sku.Code)
		res.Documents += len(sku.Documents)
		res.Reset += reset
		l.record(ctx, audit.Event{Action: model.AuditSKUIngested, SKUID: sku.ID, Payload: map[string]any{
			"code":         sku.Code,
			"labels":       len(sku.Labels()),
			"certificates": len(sku.Certificates()),
			"reset":        reset,
			"unmatched":    unmatched,
		}})
	}

	for _, r := range rejected {
		log.Warn("intake: record rejected", zap.String("sku", r.SKUCode), zap.String("reason", r.Reason))
		l.record(ctx, audit.Event{Action: model.AuditSKURejected, Payload: map[string]any{
			"code":   r.SKUCode,
			"field":  r.Field,
			"reason": r.Reason,
		}})
	}
	res.Rejected = rejected

	l.record(ctx, audit.Event{Action: model.AuditIntakeCompleted, Payload: map[string]any{
		"ingested":  len(res.Ingested),
		"rejected":  len(res.Rejected),
		"documents": res.Documents,
		"reset":     res.Reset,
	}})
	log.Info("intake: completed", zap.Int("ingested", len(res.Ingested)), zap.Int("rejected", len(res.Rejected)), zap.Int("reset", res.Reset))
	return res, nil
}

// build turns a record into a SKU with freshly hashed documents. It returns
// the certificate references that matched no file.
func (l *Loader) build(rec Record, src Source, labels, certs []string) (*model.SKU, []string, error) {
	now := l.now().Truncate(time.Microsecond)
	sku := &model.SKU{
		ID:             uuid.New().String(),
		Code:           rec.SKU,
		Name:           strings.TrimSpace(rec.Name),
		Description:    strings.TrimSpace(rec.Description),
		DeclaredClaims: rec.Claims,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if len(rec.Attributes) > 0 {
		sku.Attributes = make(map[string]string, len(rec.Attributes))
		for k, v := range rec.Attributes {
			if vocab.CanonicalKey(k) == "" {
				return nil, nil, &claims.AggregationError{SKUCode: rec.SKU, Field: "attributes", Reason: fmt.Sprintf("unusable attribute name %q", k)}
			}
			sku.Attributes[k] = attributeString(v)
		}
	}

	for _, name := range MatchLabels(rec.SKU, labels) {
		doc, err := newDocument(model.DocumentKindLabel, filepath.Join(src.LabelsDir, name))
		if err != nil {
			return nil, nil, err
		}
		sku.Documents = append(sku.Documents, doc)
	}

	var unmatched []string
	seen := make(map[string]bool)
	for _, ref := range rec.Certificates {
		name, ok := MatchCertificate(rec.SKU, ref.File, certs)
		if !ok {
			unmatched = append(unmatched, rec.SKU+": "+ref.File)
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		doc, err := newDocument(model.DocumentKindCertificate, filepath.Join(src.CertificatesDir, name))
		if err != nil {
			return nil, nil, err
		}
		doc.CertType = verify.CertificateType(ref.Type, name)
		if doc.CertType == verify.CertOther && ref.File != name {
			doc.CertType = verify.CertificateType("", ref.File)
		}
		if ref.ValidUntil != "" {
			until, ok := verify.ParseDate(ref.ValidUntil)
			if !ok {
				return nil, nil, &claims.AggregationError{SKUCode: rec.SKU, Field: "certificates", Reason: fmt.Sprintf("unparseable valid_until %q", ref.ValidUntil)}
			}
			doc.ValidUntil = &until
		}
		sku.Documents = append(sku.Documents, doc)
	}
	return sku, unmatched, nil
}

// merge reconciles sku with the stored record of the same code so that
// extraction state survives re-ingestion. A document whose content changed
// is reset for re-extraction only when the SKU is re-extraction eligible;
// otherwise the stored document is kept as is. It returns the number of
// documents reset.
func (l *Loader) merge(ctx context.Context, sku *model.SKU) (int, error) {
	existing, err := l.st.GetSKUByCode(ctx, sku.Code)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "intake: load sku %s", sku.Code)
	}

	sku.ID = existing.ID
	sku.CreatedAt = existing.CreatedAt
	sku.ReextractEligible = existing.ReextractEligible

	byPath := make(map[string]model.Document, len(existing.Documents))
	for _, d := range existing.Documents {
		byPath[d.Path] = d
	}

	reset := 0
	for i := range sku.Documents {
		doc := &sku.Documents[i]
		old, ok := byPath[doc.Path]
		if !ok {
			continue
		}
		doc.ID = old.ID
		switch {
		case old.ContentHash == doc.ContentHash:
			keepExtraction(doc, old)
		case existing.ReextractEligible:
			doc.ExtractedAt = old.ExtractedAt
			if doc.ExtractedAt == nil {
				// Never extracted, so the pipeline picks it up anyway.
				break
			}
			reset++
			zap.L().Info("intake: document changed, queued for re-extraction",
				zap.String("sku", sku.Code), zap.String("path", doc.Path))
		default:
			zap.L().Warn("intake: document changed but sku is not eligible for re-extraction",
				zap.String("sku", sku.Code), zap.String("path", doc.Path))
			declaredType, declaredUntil := doc.CertType, doc.ValidUntil
			*doc = old
			if declaredUntil != nil {
				doc.ValidUntil = declaredUntil
			}
			if declaredType != "" && declaredType != verify.CertOther {
				doc.CertType = declaredType
			}
		}
	}
	return reset, nil
}

// keepExtraction copies the stored extraction state onto an unchanged
// document. Declared certificate details win over values parsed from text.
func keepExtraction(doc *model.Document, old model.Document) {
	doc.Status = old.Status
	doc.Method = old.Method
	doc.Confidence = old.Confidence
	doc.Partial = old.Partial
	doc.Warnings = old.Warnings
	doc.Text = old.Text
	doc.ExtractedAt = old.ExtractedAt
	if doc.ValidUntil == nil {
		doc.ValidUntil = old.ValidUntil
	}
	if doc.CertType == verify.CertOther && old.CertType != "" {
		doc.CertType = old.CertType
	}
}

// MatchLabels returns the label files named after code: the stem is code
// itself or code followed by '_' or '-'. SKU001 does not claim SKU0010.pdf.
func MatchLabels(code string, files []string) []string {
	var out []string
	for _, f := range files {
		ext := filepath.Ext(f)
		if !labelExts[strings.ToLower(ext)] {
			continue
		}
		rest, ok := strings.CutPrefix(strings.TrimSuffix(f, ext), code)
		if !ok {
			continue
		}
		if rest == "" || rest[0] == '_' || rest[0] == '-' {
			out = append(out, f)
		}
	}
	return out
}

// MatchCertificate resolves a declared certificate name: an exact file name
// first, then the first file carrying code and a keyword from the declared
// name.
func MatchCertificate(code, declared string, files []string) (string, bool) {
	for _, f := range files {
		if f == declared {
			return f, true
		}
	}
	lower := strings.ToLower(declared)
	var kws []string
	for _, kw := range certKeywords {
		if strings.Contains(lower, kw) {
			kws = append(kws, kw)
		}
	}
	if len(kws) == 0 {
		return "", false
	}
	for _, f := range files {
		if !strings.Contains(f, code) {
			continue
		}
		name := strings.ToLower(f)
		for _, kw := range kws {
			if strings.Contains(name, kw) {
				return f, true
			}
		}
	}
	return "", false
}

func newDocument(kind model.DocumentKind, path string) (model.Document, error) {
	hash, err := HashFile(path)
	if err != nil {
		return model.Document{}, err
	}
	return model.Document{
		ID:          uuid.New().String(),
		Kind:        kind,
		Path:        path,
		ContentHash: hash,
		Status:      model.ExtractionPending,
	}, nil
}

// HashFile returns the hex sha256 of the file's bytes.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrap(err, "intake: open document")
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", eris.Wrapf(err, "intake: hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// listFiles returns the sorted regular file names in dir. A missing or
// empty dir yields nothing.
func listFiles(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		zap.L().Warn("intake: directory does not exist", zap.String("dir", dir))
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "intake: read dir %s", dir)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (l *Loader) record(ctx context.Context, ev audit.Event) {
	if l.rec == nil {
		return
	}
	ev.Actor = actor
	if _, err := l.rec.Record(ctx, ev); err != nil {
		zap.L().Error("intake: failed to record audit event", zap.String("action", string(ev.Action)), zap.Error(err))
	}
}
