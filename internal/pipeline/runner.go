// Package pipeline runs batch compliance checks: each SKU is extracted,
// aggregated, verified, persisted and routed in that order, with SKUs
// processed concurrently.
package pipeline

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/audit"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/claims"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/config"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/extract"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/resilience"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/router"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/store"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/verify"
)

// ErrBusy is returned when a run is triggered while another is in progress.
var ErrBusy = eris.New("pipeline busy")

const actor = "pipeline"

// Failure stages recorded on a run.
const (
	StageLookup    = "lookup"
	StageAggregate = "aggregate"
	StageVerify    = "verify"
	StagePersist   = "persist"
	StageRoute     = "route"
)

// Deps are the collaborators a Runner drives.
type Deps struct {
	Store      store.Store
	Extractor  *extract.Extractor
	Aggregator *claims.Aggregator
	Engine     *verify.Engine
	Router     *router.Router
	Recorder   *audit.Recorder
}

// Options selects what a run covers.
type Options struct {
	// Reextract re-extracts documents of re-extraction-eligible SKUs whose
	// content changed since their last extraction.
	Reextract bool
	// SKUCodes restricts the run to these SKUs; empty means all.
	SKUCodes []string
}

// defaultStaleRun is how long a run may stay in status running before a new
// run is allowed to start over it.
const defaultStaleRun = 6 * time.Hour

// Runner executes pipeline runs. Only one run may be active at a time, both
// within this process and across processes sharing the store.
type Runner struct {
	deps    Deps
	cfg     config.PipelineConfig
	limit   int
	sem     *semaphore.Weighted
	now     func() time.Time
	running atomic.Bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithClock overrides the runner's time source.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner builds a Runner. Zero concurrency limits default to the number
// of CPUs.
func NewRunner(deps Deps, cfg *config.Config, opts ...RunnerOption) *Runner {
	limit := cfg.Pipeline.MaxConcurrentSKUs
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	workers := cfg.Extract.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	r := &Runner{
		deps:  deps,
		cfg:   cfg.Pipeline,
		limit: limit,
		sem:   semaphore.NewWeighted(int64(workers)),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Run processes the selected SKUs. Per-SKU failures are collected on the
// returned run and never abort the batch.
func (r *Runner) Run(ctx context.Context, opts Options) (*model.PipelineRun, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer r.running.Store(false)

	epoch, err := resilience.DoVal(ctx, resilience.StoreRetryConfig(r.cfg.StoreRetries, "current_epoch"), func(ctx context.Context) (int, error) {
		return r.deps.Store.CurrentEpoch(ctx)
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: current epoch")
	}

	run := &model.PipelineRun{
		ID:           uuid.New().String(),
		Epoch:        epoch,
		RuleVersion:  r.deps.Engine.RuleVersion(),
		ModelVersion: r.deps.Engine.ModelVersion(),
		Status:       model.RunStatusRunning,
		StartedAt:    r.now().Truncate(time.Microsecond),
	}
	staleBefore := run.StartedAt.Add(-r.staleAfter())
	if err := r.storeOp(ctx, "create_run", func(ctx context.Context) error {
		return r.deps.Store.CreateRun(ctx, run, staleBefore)
	}); err != nil {
		if errors.Is(err, store.ErrRunInProgress) {
			return nil, ErrBusy
		}
		return nil, eris.Wrap(err, "pipeline: create run")
	}

	log := zap.L().With(zap.String("run_id", run.ID), zap.Int("epoch", epoch))
	log.Info("pipeline: run started", zap.Bool("reextract", opts.Reextract), zap.Int("sku_codes", len(opts.SKUCodes)))
	r.record(ctx, audit.Event{Action: model.AuditRunStarted, RunID: run.ID, Epoch: epoch, Payload: map[string]any{
		"rule_version":  run.RuleVersion,
		"model_version": run.ModelVersion,
		"reextract":     opts.Reextract,
		"sku_codes":     opts.SKUCodes,
	}})

	skus, err := r.deps.Store.ListSKUs(ctx, opts.SKUCodes)
	if err != nil {
		run.Status = model.RunStatusFailed
		r.finish(ctx, run)
		return run, eris.Wrap(err, "pipeline: list skus")
	}
	run.Failures = append(run.Failures, missingCodes(opts.SKUCodes, skus)...)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for i := range skus {
		sku := skus[i]
		g.Go(func() error {
			stats, failure := r.processSKU(gctx, run, &sku, opts)
			mu.Lock()
			defer mu.Unlock()
			run.Stats.Add(stats)
			if failure != nil {
				run.Stats.SKUsFailed++
				run.Failures = append(run.Failures, *failure)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(run.Failures, func(i, j int) bool {
		return run.Failures[i].SKUCode < run.Failures[j].SKUCode
	})
	run.Status = model.RunStatusComplete
	if ctx.Err() != nil {
		run.Status = model.RunStatusFailed
	}
	r.finish(ctx, run)

	log.Info("pipeline: run finished",
		zap.String("status", string(run.Status)),
		zap.Int("skus", run.Stats.SKUs),
		zap.Int("failed", run.Stats.SKUsFailed),
		zap.Int("tasks_opened", run.Stats.TasksOpened),
	)
	return run, ctx.Err()
}

func (r *Runner) staleAfter() time.Duration {
	if r.cfg.StaleRunMinutes <= 0 {
		return defaultStaleRun
	}
	return time.Duration(r.cfg.StaleRunMinutes) * time.Minute
}

func (r *Runner) finish(ctx context.Context, run *model.PipelineRun) {
	ctx = context.WithoutCancel(ctx)
	finished := r.now().Truncate(time.Microsecond)
	run.FinishedAt = &finished
	if err := r.storeOp(ctx, "complete_run", func(ctx context.Context) error {
		return r.deps.Store.CompleteRun(ctx, run)
	}); err != nil {
		zap.L().Error("pipeline: failed to complete run", zap.String("run_id", run.ID), zap.Error(err))
	}
	r.record(ctx, audit.Event{Action: model.AuditRunCompleted, RunID: run.ID, Epoch: run.Epoch, Payload: map[string]any{
		"status":   run.Status,
		"stats":    run.Stats,
		"failures": len(run.Failures),
	}})
}

// processSKU runs one SKU through every stage. A non-nil failure means the
// SKU was abandoned at that stage.
func (r *Runner) processSKU(ctx context.Context, run *model.PipelineRun, sku *model.SKU, opts Options) (model.RunStats, *model.SKUFailure) {
	stats := model.RunStats{SKUs: 1}
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("sku", sku.Code))
	fail := func(stage string, err error) (model.RunStats, *model.SKUFailure) {
		log.Warn("pipeline: sku failed", zap.String("stage", stage), zap.Error(err))
		r.record(ctx, audit.Event{Action: model.AuditSKUFailed, SKUID: sku.ID, RunID: run.ID, Epoch: run.Epoch, Payload: map[string]any{
			"stage": stage,
			"error": err.Error(),
		}})
		return stats, &model.SKUFailure{SKUID: sku.ID, SKUCode: sku.Code, Stage: stage, Error: err.Error()}
	}

	r.extractDocuments(ctx, run, sku, opts, &stats)

	human, err := r.deps.Store.ListClaims(ctx, store.ClaimFilter{SKUID: sku.ID, Source: model.SourceHuman, Epoch: run.Epoch})
	if err != nil {
		return fail(StageAggregate, eris.Wrap(err, "list human claims"))
	}
	agg, err := r.deps.Aggregator.Aggregate(claims.Input{
		RunID:  run.ID,
		SKU:    sku,
		Labels: claims.LabelTexts(sku),
		Human:  human,
		At:     r.now(),
	})
	if err != nil {
		return fail(StageAggregate, err)
	}

	previous, err := r.deps.Store.ListCurrentVerdicts(ctx, sku.ID)
	if err != nil {
		return fail(StageVerify, eris.Wrap(err, "list current verdicts"))
	}
	verdicts, err := r.deps.Engine.Verify(verify.Input{
		RunID:       run.ID,
		SKU:         sku,
		Aggregation: agg,
		Previous:    previous,
		AsOf:        run.StartedAt,
	})
	if err != nil {
		return fail(StageVerify, err)
	}

	now := r.now().Truncate(time.Microsecond)
	overridden := make(map[string]bool)
	for i := range verdicts {
		verdicts[i].CreatedAt = now
		if verdicts[i].HumanOverridden {
			overridden[verdicts[i].Key] = true
		}
	}
	conflicts := append([]model.ClaimConflict(nil), agg.Conflicts...)
	for i := range conflicts {
		if overridden[conflicts[i].Key] {
			conflicts[i].Resolved = true
		}
	}

	if err := r.persist(ctx, run, sku.ID, agg.Claims, conflicts, verdicts); err != nil {
		return fail(StagePersist, err)
	}
	stats.Claims = len(agg.Claims)
	stats.Conflicts = len(conflicts)
	stats.Verdicts = len(verdicts)
	statuses := make(map[model.VerdictStatus]int)
	for _, v := range verdicts {
		statuses[v.Status]++
		switch {
		case v.HumanOverridden:
		case v.RuleResult != model.RuleNotApplicable || v.CertStatus != "":
			stats.RuleDecisions++
		default:
			stats.ClassifierDecided++
		}
	}
	r.record(ctx, audit.Event{Action: model.AuditClaimsAggregated, SKUID: sku.ID, RunID: run.ID, Epoch: run.Epoch, Payload: map[string]any{
		"claims":    len(agg.Claims),
		"conflicts": len(conflicts),
		"degraded":  agg.Degraded,
	}})
	r.record(ctx, audit.Event{Action: model.AuditSKUVerified, SKUID: sku.ID, RunID: run.ID, Epoch: run.Epoch, Payload: map[string]any{
		"verdicts": len(verdicts),
		"statuses": statuses,
	}})

	routing, err := r.deps.Router.Route(ctx, run, sku.ID, verdicts, conflicts)
	if err != nil {
		return fail(StageRoute, err)
	}
	stats.TasksOpened = routing.Opened
	stats.TasksSuperseded = routing.Superseded

	log.Debug("pipeline: sku done",
		zap.Int("claims", stats.Claims),
		zap.Int("verdicts", stats.Verdicts),
		zap.Int("open_tasks", len(routing.Open)),
	)
	return stats, nil
}

// extractDocuments extracts every document of sku that needs it. Documents
// never extracted are always processed; documents reset after a content
// change are processed only on an explicit re-extraction run.
func (r *Runner) extractDocuments(ctx context.Context, run *model.PipelineRun, sku *model.SKU, opts Options, stats *model.RunStats) {
	reextract := opts.Reextract && sku.ReextractEligible
	var mu sync.Mutex
	var wg sync.WaitGroup
	extracted := false
	for i := range sku.Documents {
		doc := &sku.Documents[i]
		if !needsExtraction(doc, reextract) {
			continue
		}
		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.sem.Release(1)
			s := r.extractOne(ctx, run, doc)
			mu.Lock()
			stats.Add(s)
			extracted = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if reextract && extracted {
		if err := r.storeOp(ctx, "clear_reextract", func(ctx context.Context) error {
			return r.deps.Store.SetReextractEligible(ctx, sku.ID, false)
		}); err != nil {
			zap.L().Warn("pipeline: failed to clear re-extraction flag", zap.String("sku", sku.Code), zap.Error(err))
		}
		sku.ReextractEligible = false
	}
}

func needsExtraction(doc *model.Document, reextract bool) bool {
	if doc.Status != model.ExtractionPending {
		return false
	}
	return doc.ExtractedAt == nil || reextract
}

func (r *Runner) extractOne(ctx context.Context, run *model.PipelineRun, doc *model.Document) model.RunStats {
	stats := model.RunStats{Documents: 1}
	now := r.now().Truncate(time.Microsecond)

	res, err := r.deps.Extractor.Extract(ctx, *doc)
	if err != nil {
		extract.MarkFailed(doc, err, now)
		stats.DocumentsFailed++
	} else {
		extract.Apply(doc, res, now)
		if res.Method == extract.MethodStructured {
			stats.StructuredPath++
		} else {
			stats.OCRPath++
		}
		if doc.Kind == model.DocumentKindCertificate {
			if doc.CertType == "" {
				doc.CertType = verify.CertificateType("", doc.Path)
			}
			if doc.ValidUntil == nil {
				if until, ok := verify.ParseValidUntil(doc.Text); ok {
					doc.ValidUntil = &until
				}
			}
		}
	}

	if perr := r.storeOp(ctx, "update_document", func(ctx context.Context) error {
		return r.deps.Store.UpdateDocumentExtraction(ctx, doc)
	}); perr != nil {
		zap.L().Error("pipeline: failed to persist extraction", zap.String("document", doc.ID), zap.Error(perr))
	}

	if err != nil {
		zap.L().Warn("pipeline: extraction failed", zap.String("document", doc.ID), zap.String("path", doc.Path), zap.Error(err))
		r.record(ctx, audit.Event{Action: model.AuditDocumentFailed, SKUID: doc.SKUID, RunID: run.ID, Epoch: run.Epoch, Payload: map[string]any{
			"document": doc.ID,
			"path":     doc.Path,
			"error":    err.Error(),
		}})
		return stats
	}
	r.record(ctx, audit.Event{Action: model.AuditDocumentExtracted, SKUID: doc.SKUID, RunID: run.ID, Epoch: run.Epoch, Payload: map[string]any{
		"document":   doc.ID,
		"method":     res.Method,
		"confidence": res.Confidence,
		"partial":    res.Partial,
		"cached":     res.Cached,
	}})
	return stats
}

func (r *Runner) persist(ctx context.Context, run *model.PipelineRun, skuID string, cl []model.Claim, conflicts []model.ClaimConflict, verdicts []model.Verdict) error {
	if err := r.storeOp(ctx, "insert_claims", func(ctx context.Context) error {
		return r.deps.Store.InsertClaims(ctx, run.Epoch, cl)
	}); err != nil {
		return eris.Wrap(err, "insert claims")
	}
	if err := r.storeOp(ctx, "insert_conflicts", func(ctx context.Context) error {
		return r.deps.Store.InsertConflicts(ctx, run.Epoch, conflicts)
	}); err != nil {
		return eris.Wrap(err, "insert conflicts")
	}
	if err := r.storeOp(ctx, "replace_verdicts", func(ctx context.Context) error {
		return r.deps.Store.ReplaceSKUVerdicts(ctx, run.Epoch, skuID, verdicts)
	}); err != nil {
		return eris.Wrap(err, "replace verdicts")
	}
	return nil
}

func (r *Runner) storeOp(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return resilience.Do(ctx, resilience.StoreRetryConfig(r.cfg.StoreRetries, op), fn)
}

func (r *Runner) record(ctx context.Context, ev audit.Event) {
	if r.deps.Recorder == nil {
		return
	}
	ev.Actor = actor
	if _, err := r.deps.Recorder.Record(context.WithoutCancel(ctx), ev); err != nil {
		zap.L().Error("pipeline: failed to record audit event", zap.String("action", string(ev.Action)), zap.Error(err))
	}
}

func missingCodes(codes []string, found []model.SKU) []model.SKUFailure {
	have := make(map[string]bool, len(found))
	for _, s := range found {
		have[s.Code] = true
	}
	var out []model.SKUFailure
	for _, c := range codes {
		if !have[c] {
			out = append(out, model.SKUFailure{SKUCode: c, Stage: StageLookup, Error: "sku not found"})
		}
	}
	return out
}
