// Package extract turns label and certificate documents into text. Each
// document walks a small state machine: structured text first, per-page OCR
// when the embedded text is too thin, failure when both paths are spent.
package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/config"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/ocr"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/resilience"
)

// State is a step of the extraction state machine.
type State string

const (
	StateUnattempted         State = "unattempted"
	StateStructuredAttempted State = "structured_attempted"
	StateOCRAttempted        State = "ocr_attempted"
	StateDone                State = "done"
	StateFailed              State = "failed"
)

// Extraction methods.
const (
	MethodStructured = "structured"
	MethodOCR        = "ocr"
)

// Tools is the set of external tools the extractor drives.
type Tools interface {
	PageCount(ctx context.Context, path string) (int, error)
	TextPages(ctx context.Context, path string) ([]string, error)
	RenderPages(ctx context.Context, path, outDir string) ([]string, error)
	RecognizePage(ctx context.Context, imagePath string) (ocr.PageResult, error)
}

// Cache stores extraction results by document content hash.
type Cache interface {
	GetCachedExtraction(ctx context.Context, contentHash string) (*model.ExtractionCache, error)
	SetCachedExtraction(ctx context.Context, entry *model.ExtractionCache, ttl time.Duration) error
}

// Result is the outcome of a successful extraction.
type Result struct {
	Text       string   `json:"text"`
	Method     string   `json:"method"`
	Confidence float64  `json:"confidence"`
	Partial    bool     `json:"partial"`
	Pages      int      `json:"pages"`
	Warnings   []string `json:"warnings,omitempty"`
	Trace      []State  `json:"trace"`
	Cached     bool     `json:"cached"`
}

// ExtractionError reports a document for which every path was exhausted.
type ExtractionError struct {
	DocumentID string
	Path       string
	Trace      []State
	Warnings   []string
	Err        error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract: document %s (%s) failed after %s: %v", e.DocumentID, e.Path, traceString(e.Trace), e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".tif": true, ".tiff": true,
}

// IsImage reports whether path names a raster image rather than a PDF.
func IsImage(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

// Extractor implements the document extraction state machine.
type Extractor struct {
	tools   Tools
	cache   Cache
	cfg     config.ExtractConfig
	limiter *rate.Limiter
}

// New creates an Extractor. cache may be nil.
func New(tools Tools, cache Cache, cfg config.ExtractConfig) *Extractor {
	e := &Extractor{tools: tools, cache: cache, cfg: cfg}
	if cfg.MinAlphaPerPage <= 0 {
		e.cfg.MinAlphaPerPage = 10
	}
	if cfg.DocumentTimeout <= 0 {
		e.cfg.DocumentTimeout = 2 * time.Minute
	}
	if cfg.OCRPagesPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.OCRPagesPerSecond), 1)
	}
	return e
}

// Extract returns the text of doc. Byte-identical documents are served from
// the cache. When the per-document timeout expires the document fails and any
// partial text is discarded.
func (e *Extractor) Extract(ctx context.Context, doc model.Document) (*Result, error) {
	log := zap.L().With(zap.String("document", doc.ID), zap.String("path", doc.Path))

	if res := e.lookupCache(ctx, doc); res != nil {
		log.Debug("extract: using cached result", zap.String("method", res.Method))
		return res, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.DocumentTimeout)
	defer cancel()

	res, err := e.run(ctx, doc)
	if err == nil && ctx.Err() != nil {
		err = &ExtractionError{DocumentID: doc.ID, Path: doc.Path, Trace: append(res.Trace, StateFailed), Err: ctx.Err()}
		res = nil
	}
	if err != nil {
		log.Warn("extract: document failed", zap.Error(err))
		return nil, err
	}

	log.Info("extract: document extracted",
		zap.String("method", res.Method),
		zap.Float64("confidence", res.Confidence),
		zap.Int("pages", res.Pages),
		zap.Bool("partial", res.Partial),
	)
	e.storeCache(ctx, doc, res)
	return res, nil
}

func (e *Extractor) run(ctx context.Context, doc model.Document) (*Result, error) {
	res := &Result{Trace: []State{StateUnattempted}}
	fail := func(err error) (*Result, error) {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = eris.Wrap(ctxErr, err.Error())
		}
		return nil, &ExtractionError{
			DocumentID: doc.ID,
			Path:       doc.Path,
			Trace:      append(res.Trace, StateFailed),
			Warnings:   res.Warnings,
			Err:        err,
		}
	}

	if _, err := os.Stat(doc.Path); err != nil {
		return fail(eris.Wrap(err, "extract: stat document"))
	}

	if !IsImage(doc.Path) {
		res.Trace = append(res.Trace, StateStructuredAttempted)
		ok, err := e.structured(ctx, doc, res)
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		if err != nil {
			res.Warnings = append(res.Warnings, "structured: "+err.Error())
		}
		if ok {
			res.Trace = append(res.Trace, StateDone)
			return res, nil
		}
	}

	res.Trace = append(res.Trace, StateOCRAttempted)
	if err := e.recognize(ctx, doc, res); err != nil {
		return fail(err)
	}
	res.Trace = append(res.Trace, StateDone)
	return res, nil
}

// structured accepts the embedded text layer when it carries enough letters
// per page.
func (e *Extractor) structured(ctx context.Context, doc model.Document, res *Result) (bool, error) {
	pages, err := e.tools.PageCount(ctx, doc.Path)
	if err != nil {
		// Relaxed validation still rejects some files pdftotext can read.
		res.Warnings = append(res.Warnings, "pdf validation: "+err.Error())
		pages = 0
	}

	texts, err := resilience.DoVal(ctx, resilience.ToolRetryConfig("pdftotext"), func(ctx context.Context) ([]string, error) {
		return e.tools.TextPages(ctx, doc.Path)
	})
	if err != nil {
		return false, err
	}
	if pages <= 0 {
		pages = len(texts)
	}
	if pages <= 0 {
		return false, nil
	}

	text := ocr.Normalize(strings.Join(texts, "\n\n"))
	if ocr.AlphaCount(text) < e.cfg.MinAlphaPerPage*pages {
		zap.L().Debug("extract: embedded text too thin, falling back to ocr",
			zap.String("document", doc.ID),
			zap.Int("alpha", ocr.AlphaCount(text)),
			zap.Int("pages", pages),
		)
		return false, nil
	}

	res.Text = text
	res.Method = MethodStructured
	res.Confidence = 1.0
	res.Pages = pages
	return true, nil
}

// recognize renders the document (PDFs only) and recognizes each page. Failed pages
// are skipped and mark the result partial.
func (e *Extractor) recognize(ctx context.Context, doc model.Document, res *Result) error {
	images := []string{doc.Path}
	if !IsImage(doc.Path) {
		dir, err := os.MkdirTemp("", "shelftruth-ocr-*")
		if err != nil {
			return eris.Wrap(err, "extract: create temp dir")
		}
		defer os.RemoveAll(dir)

		images, err = resilience.DoVal(ctx, resilience.ToolRetryConfig("pdftoppm"), func(ctx context.Context) ([]string, error) {
			return e.tools.RenderPages(ctx, doc.Path, dir)
		})
		if err != nil {
			return err
		}
	}

	var texts []string
	var words int
	var confSum float64
	for i, img := range images {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return eris.Wrap(err, "extract: ocr throttle")
			}
		}
		page, err := resilience.DoVal(ctx, resilience.ToolRetryConfig("tesseract"), func(ctx context.Context) (ocr.PageResult, error) {
			return e.tools.RecognizePage(ctx, img)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.Partial = true
			res.Warnings = append(res.Warnings, fmt.Sprintf("page %d: %v", i+1, err))
			continue
		}
		if page.Words == 0 {
			continue
		}
		texts = append(texts, page.Text)
		words += page.Words
		confSum += page.ConfSum
	}

	if words == 0 {
		return eris.Errorf("extract: ocr yielded no words from %d page(s)", len(images))
	}

	res.Text = ocr.Normalize(strings.Join(texts, "\n\n"))
	res.Method = MethodOCR
	res.Confidence = confSum / float64(words) / 100
	res.Pages = len(images)
	return nil
}

func (e *Extractor) lookupCache(ctx context.Context, doc model.Document) *Result {
	if e.cache == nil || doc.ContentHash == "" {
		return nil
	}
	cached, err := e.cache.GetCachedExtraction(ctx, doc.ContentHash)
	if err != nil {
		zap.L().Warn("extract: cache lookup failed", zap.String("document", doc.ID), zap.Error(err))
		return nil
	}
	if cached == nil {
		return nil
	}
	return &Result{
		Text:       cached.Text,
		Method:     cached.Method,
		Confidence: cached.Confidence,
		Partial:    cached.Partial,
		Pages:      cached.Pages,
		Warnings:   cached.Warnings,
		Trace:      []State{StateUnattempted, StateDone},
		Cached:     true,
	}
}

func (e *Extractor) storeCache(ctx context.Context, doc model.Document, res *Result) {
	if e.cache == nil || doc.ContentHash == "" {
		return
	}
	ttl := time.Duration(e.cfg.CacheTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	entry := &model.ExtractionCache{
		ContentHash: doc.ContentHash,
		Method:      res.Method,
		Text:        res.Text,
		Confidence:  res.Confidence,
		Partial:     res.Partial,
		Pages:       res.Pages,
		Warnings:    res.Warnings,
	}
	if err := e.cache.SetCachedExtraction(context.WithoutCancel(ctx), entry, ttl); err != nil {
		zap.L().Warn("extract: failed to cache result", zap.String("document", doc.ID), zap.Error(err))
	}
}

// Apply copies a successful result onto the document record.
func Apply(doc *model.Document, res *Result, now time.Time) {
	doc.Text = res.Text
	doc.Method = res.Method
	doc.Confidence = res.Confidence
	doc.Partial = res.Partial
	doc.Warnings = res.Warnings
	doc.ExtractedAt = &now
	if res.Method == MethodStructured {
		doc.Status = model.ExtractionTextExtracted
	} else {
		doc.Status = model.ExtractionOCRExtracted
	}
}

// MarkFailed records an extraction failure on the document, discarding any
// previously extracted text.
func MarkFailed(doc *model.Document, err error, now time.Time) {
	doc.Status = model.ExtractionFailed
	doc.Text = ""
	doc.Method = ""
	doc.Confidence = 0
	doc.Partial = false
	doc.Warnings = []string{err.Error()}
	var ee *ExtractionError
	if errors.As(err, &ee) {
		doc.Warnings = append(append([]string(nil), ee.Warnings...), err.Error())
	}
	doc.ExtractedAt = &now
}

func traceString(trace []State) string {
	parts := make([]string, len(trace))
	for i, s := range trace {
		parts[i] = string(s)
	}
	return strings.Join(parts, " -> ")
}
