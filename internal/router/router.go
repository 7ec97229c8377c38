// Package router opens, re-points and closes human review tasks and applies
// reviewer decisions.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
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
)

const actor = "router"

// RoutingError reports a decision that cannot be applied. It is not retried.
type RoutingError struct {
	TaskID string
	Reason string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("router: task %s: %s", e.TaskID, e.Reason)
}

// Decision is a reviewer action on one task.
type Decision struct {
	Action model.Action
	Note   string
	Value  string // replacement claim value, modify only
}

// Router owns task state. Decisions on the same task are serialized within
// the process by a keyed mutex and across processes by the store, which only
// updates tasks that are still open.
type Router struct {
	st      store.Store
	rec     *audit.Recorder
	agg     *claims.Aggregator
	engine  *verify.Engine
	now     func() time.Time
	retries int
	locks   *keyedMutex
}

// Option configures a Router.
type Option func(*Router)

// WithClock sets the router's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithRetries sets the attempt count for transient store errors.
func WithRetries(n int) Option {
	return func(r *Router) { r.retries = n }
}

// New creates a Router. The aggregator and engine are used to re-verify a
// single key after a modify decision.
func New(st store.Store, rec *audit.Recorder, agg *claims.Aggregator, engine *verify.Engine, opts ...Option) *Router {
	r := &Router{
		st:      st,
		rec:     rec,
		agg:     agg,
		engine:  engine,
		now:     time.Now,
		retries: 3,
		locks:   newKeyedMutex(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Routing summarizes one Route call.
type Routing struct {
	Open       []model.Task `json:"open"`
	Opened     int          `json:"opened"`
	Repointed  int          `json:"repointed"`
	Superseded int          `json:"superseded"`
}

// Reason returns why v needs a reviewer, if it does. Conflicts take
// precedence over certificate issues, which take precedence over low
// confidence.
func Reason(v model.Verdict, unresolvedConflict bool) (model.TaskReason, bool) {
	switch {
	case unresolvedConflict:
		return model.ReasonConflict, true
	case v.Status == model.StatusExpired, v.Status == model.StatusMissing:
		return model.ReasonCertificateIssue, true
	case v.Status == model.StatusUncertain:
		return model.ReasonLowConfidence, true
	}
	return "", false
}

// Route reconciles the SKU's open tasks with its current verdicts: a task is
// opened for every verdict needing review, an existing open task for the
// same key is re-pointed instead of duplicated, and open tasks whose
// condition cleared are superseded.
func (r *Router) Route(ctx context.Context, run *model.PipelineRun, skuID string, verdicts []model.Verdict, conflicts []model.ClaimConflict) (*Routing, error) {
	return r.route(ctx, run.Epoch, run.ID, skuID, verdicts, conflicts, nil)
}

func (r *Router) route(ctx context.Context, epoch int, runID, skuID string, verdicts []model.Verdict, conflicts []model.ClaimConflict, keys map[string]bool) (*Routing, error) {
	unresolved := make(map[string]bool)
	for _, c := range conflicts {
		if !c.Resolved && c.SKUID == skuID {
			unresolved[c.Key] = true
		}
	}

	type need struct {
		verdict model.Verdict
		reason  model.TaskReason
	}
	needs := make(map[string]need)
	for _, v := range verdicts {
		if reason, ok := Reason(v, unresolved[v.Key]); ok {
			needs[v.Key] = need{verdict: v, reason: reason}
		}
	}

	open, err := r.st.ListTasks(ctx, store.TaskFilter{SKUID: skuID, Statuses: store.OpenTaskStatuses})
	if err != nil {
		return nil, eris.Wrapf(err, "router: list open tasks for %s", skuID)
	}

	res := &Routing{}
	now := r.now().UTC()
	seen := make(map[string]bool)
	for i := range open {
		t := open[i]
		if keys != nil && !keys[t.Key] {
			continue
		}
		n, ok := needs[t.Key]
		if ok && !seen[t.Key] {
			seen[t.Key] = true
			if t.VerdictID != n.verdict.ID || t.Reason != n.reason {
				t.VerdictID = n.verdict.ID
				t.Reason = n.reason
				if err := r.updateTask(ctx, &t); err != nil {
					if errors.Is(err, store.ErrTaskClosed) {
						continue
					}
					return nil, err
				}
				res.Repointed++
			}
			res.Open = append(res.Open, t)
			continue
		}

		from := t.Status
		t.Status = model.TaskSuperseded
		t.ResolvedAt = &now
		if err := r.updateTask(ctx, &t); err != nil {
			if errors.Is(err, store.ErrTaskClosed) {
				continue
			}
			return nil, err
		}
		res.Superseded++
		r.record(ctx, audit.Event{
			Actor: actor, Action: model.AuditTaskSuperseded, SKUID: skuID, TaskID: t.ID, RunID: runID, Epoch: epoch,
			Payload: map[string]any{"key": t.Key, "from": string(from)},
		})
	}

	pending := make([]string, 0, len(needs))
	for key := range needs {
		if !seen[key] {
			pending = append(pending, key)
		}
	}
	sort.Strings(pending)
	for _, key := range pending {
		n := needs[key]
		t := model.Task{
			ID:        uuid.NewString(),
			SKUID:     skuID,
			Key:       key,
			VerdictID: n.verdict.ID,
			Reason:    n.reason,
			Status:    model.TaskPending,
			Note:      n.verdict.Reason,
			CreatedAt: now,
		}
		err := resilience.Do(ctx, resilience.StoreRetryConfig(r.retries, "create task"), func(ctx context.Context) error {
			return r.st.CreateTask(ctx, epoch, &t)
		})
		if err != nil {
			return nil, eris.Wrapf(err, "router: create task for %s/%s", skuID, key)
		}
		res.Opened++
		res.Open = append(res.Open, t)
		r.record(ctx, audit.Event{
			Actor: actor, Action: model.AuditTaskCreated, SKUID: skuID, TaskID: t.ID, RunID: runID, Epoch: epoch,
			Payload: map[string]any{"key": key, "reason": string(n.reason), "verdict_id": n.verdict.ID, "status": string(n.verdict.Status)},
		})
	}

	if res.Opened > 0 || res.Superseded > 0 {
		zap.L().Info("router: routed",
			zap.String("sku_id", skuID),
			zap.Int("opened", res.Opened),
			zap.Int("repointed", res.Repointed),
			zap.Int("superseded", res.Superseded),
		)
	}
	return res, nil
}

// ApplyDecision applies a reviewer action to an open task and returns the
// verdict that is current for the task's key afterwards.
func (r *Router) ApplyDecision(ctx context.Context, taskID string, d Decision) (*model.Verdict, error) {
	unlock := r.locks.Lock(taskID)
	defer unlock()

	if !d.Action.Valid() {
		return nil, &RoutingError{TaskID: taskID, Reason: fmt.Sprintf("unknown action %q", d.Action)}
	}
	task, err := r.st.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &RoutingError{TaskID: taskID, Reason: "task not found"}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "router: get task %s", taskID)
	}
	if !task.Status.Open() {
		return nil, &RoutingError{TaskID: taskID, Reason: fmt.Sprintf("task is %s", task.Status)}
	}
	if d.Action == model.ActionModify {
		switch {
		case d.Value == "":
			return nil, &RoutingError{TaskID: taskID, Reason: "modify requires a value"}
		case model.IsCertificateKey(task.Key):
			return nil, &RoutingError{TaskID: taskID, Reason: "certificate verdicts cannot be modified"}
		}
	}

	current, err := r.st.GetVerdict(ctx, task.VerdictID)
	if err != nil {
		return nil, eris.Wrapf(err, "router: get verdict %s", task.VerdictID)
	}
	epoch, err := r.st.CurrentEpoch(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "router: current epoch")
	}

	switch d.Action {
	case model.ActionApprove:
		return r.override(ctx, epoch, task, current, model.StatusCompliant, model.TaskApproved, model.AuditTaskApproved, d)
	case model.ActionReject:
		return r.override(ctx, epoch, task, current, model.StatusNonCompliant, model.TaskRejected, model.AuditTaskRejected, d)
	case model.ActionRequestEvidence:
		return r.requestEvidence(ctx, epoch, task, current, d)
	default:
		return r.modify(ctx, epoch, task, current, d)
	}
}

func (r *Router) override(ctx context.Context, epoch int, task *model.Task, current *model.Verdict, status model.VerdictStatus, to model.TaskStatus, action model.AuditAction, d Decision) (*model.Verdict, error) {
	v, err := r.engine.Override(*current, status, d.Note)
	if err != nil {
		return nil, eris.Wrap(err, "router: override verdict")
	}
	v.ID = uuid.NewString()
	v.RunID = decisionRunID(task.ID)
	v.CreatedAt = r.now().UTC()
	if err := r.closeTask(ctx, task, to, v.ID, d.Note); err != nil {
		return nil, err
	}
	if err := r.saveVerdict(ctx, epoch, &v); err != nil {
		return nil, err
	}
	r.resolveConflict(ctx, current.RunID, task.SKUID, task.Key)

	r.record(ctx, audit.Event{
		Actor: model.ActorHuman, Action: action, SKUID: task.SKUID, TaskID: task.ID, Epoch: epoch,
		Payload: map[string]any{"key": task.Key, "verdict_id": v.ID, "previous_verdict_id": current.ID, "note": d.Note},
	})
	return &v, nil
}

func (r *Router) requestEvidence(ctx context.Context, epoch int, task *model.Task, current *model.Verdict, d Decision) (*model.Verdict, error) {
	task.Status = model.TaskEvidenceRequested
	if d.Note != "" {
		task.Note = d.Note
	}
	if err := r.updateTask(ctx, task); err != nil {
		return nil, closedErr(task.ID, err)
	}
	if err := r.st.SetReextractEligible(ctx, task.SKUID, true); err != nil {
		return nil, eris.Wrapf(err, "router: flag %s for re-extraction", task.SKUID)
	}
	r.record(ctx, audit.Event{
		Actor: model.ActorHuman, Action: model.AuditTaskEvidence, SKUID: task.SKUID, TaskID: task.ID, Epoch: epoch,
		Payload: map[string]any{"key": task.Key, "verdict_id": current.ID, "note": d.Note},
	})
	return current, nil
}

// modify records the reviewer's value as a human claim and re-verifies that
// key alone.
func (r *Router) modify(ctx context.Context, epoch int, task *model.Task, current *model.Verdict, d Decision) (*model.Verdict, error) {
	sku, err := r.st.GetSKU(ctx, task.SKUID)
	if err != nil {
		return nil, eris.Wrapf(err, "router: get sku %s", task.SKUID)
	}
	runID := decisionRunID(task.ID)
	now := r.now().UTC()

	claim := model.Claim{
		ID:         uuid.NewString(),
		RunID:      runID,
		SKUID:      sku.ID,
		Key:        task.Key,
		Value:      r.agg.NormalizeValue(task.Key, d.Value),
		Source:     model.SourceHuman,
		Confidence: 1.0,
		Provenance: "decision:" + task.ID,
		CreatedAt:  now,
	}
	human, err := r.st.ListClaims(ctx, store.ClaimFilter{SKUID: sku.ID, Source: model.SourceHuman, Epoch: epoch})
	if err != nil {
		return nil, eris.Wrap(err, "router: list human claims")
	}
	human = append(human, claim)
	agg, err := r.agg.Aggregate(claims.Input{RunID: runID, SKU: sku, Labels: claims.LabelTexts(sku), Human: human, At: now})
	if err != nil {
		return nil, eris.Wrap(err, "router: re-aggregate")
	}
	verdicts, err := r.engine.Verify(verify.Input{RunID: runID, SKU: sku, Aggregation: agg, Keys: []string{task.Key}, AsOf: now})
	if err != nil {
		return nil, eris.Wrap(err, "router: re-verify")
	}
	if len(verdicts) != 1 {
		return nil, eris.Errorf("router: re-verify of %s produced %d verdicts", task.Key, len(verdicts))
	}
	v := verdicts[0]
	v.CreatedAt = now
	if err := r.closeTask(ctx, task, model.TaskModified, v.ID, d.Note); err != nil {
		return nil, err
	}
	if err := r.st.InsertClaims(ctx, epoch, []model.Claim{claim}); err != nil {
		return nil, eris.Wrap(err, "router: insert human claim")
	}
	if err := r.saveVerdict(ctx, epoch, &v); err != nil {
		return nil, err
	}
	r.resolveConflict(ctx, current.RunID, task.SKUID, task.Key)

	r.record(ctx, audit.Event{
		Actor: model.ActorHuman, Action: model.AuditTaskModified, SKUID: task.SKUID, TaskID: task.ID, Epoch: epoch,
		Payload: map[string]any{
			"key": task.Key, "value": claim.Value, "claim_id": claim.ID,
			"verdict_id": v.ID, "previous_verdict_id": current.ID, "status": string(v.Status), "note": d.Note,
		},
	})

	var conflicts []model.ClaimConflict
	if c, ok := agg.ConflictForKey(task.Key); ok {
		conflicts = append(conflicts, c)
	}
	if _, err := r.route(ctx, epoch, runID, sku.ID, []model.Verdict{v}, conflicts, map[string]bool{task.Key: true}); err != nil {
		return nil, err
	}
	return &v, nil
}

// BulkResult is the outcome of one task in a bulk decision.
type BulkResult struct {
	TaskID  string         `json:"task_id"`
	Verdict *model.Verdict `json:"verdict,omitempty"`
	Err     error          `json:"-"`
	Error   string         `json:"error,omitempty"`
}

// BulkDecide applies d to every task in ids. A failing task does not stop
// the batch; one summary event is recorded.
func (r *Router) BulkDecide(ctx context.Context, ids []string, d Decision) []BulkResult {
	out := make([]BulkResult, 0, len(ids))
	failed := 0
	for _, id := range ids {
		v, err := r.ApplyDecision(ctx, id, d)
		res := BulkResult{TaskID: id, Verdict: v, Err: err}
		if err != nil {
			res.Error = err.Error()
			failed++
			zap.L().Warn("router: bulk decision failed", zap.String("task_id", id), zap.Error(err))
		}
		out = append(out, res)
	}
	r.record(ctx, audit.Event{
		Actor: model.ActorHuman, Action: model.AuditBulkDecision,
		Payload: map[string]any{
			"action": string(d.Action), "task_ids": ids, "succeeded": len(ids) - failed, "failed": failed, "note": d.Note,
		},
	})
	return out
}

// Filter narrows ListOpen.
type Filter struct {
	Reason model.TaskReason
	SKUID  string
	Limit  int
}

// ListOpen returns tasks awaiting a reviewer, oldest first.
func (r *Router) ListOpen(ctx context.Context, f Filter) ([]model.Task, error) {
	tasks, err := r.st.ListTasks(ctx, store.TaskFilter{
		SKUID:    f.SKUID,
		Reason:   f.Reason,
		Statuses: store.OpenTaskStatuses,
		Limit:    f.Limit,
	})
	return tasks, eris.Wrap(err, "router: list open tasks")
}

// Stats summarizes the current epoch's tasks.
func (r *Router) Stats(ctx context.Context) (*model.TaskStats, error) {
	epoch, err := r.st.CurrentEpoch(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "router: current epoch")
	}
	tasks, err := r.st.ListTasks(ctx, store.TaskFilter{Epoch: epoch})
	if err != nil {
		return nil, eris.Wrap(err, "router: list tasks")
	}

	stats := model.SummarizeTasks(tasks)
	return &stats, nil
}

func decisionRunID(taskID string) string {
	return "decision:" + taskID
}

func (r *Router) closeTask(ctx context.Context, task *model.Task, to model.TaskStatus, verdictID, note string) error {
	now := r.now().UTC()
	task.Status = to
	task.VerdictID = verdictID
	task.ResolvedAt = &now
	if note != "" {
		task.Note = note
	}
	return closedErr(task.ID, r.updateTask(ctx, task))
}

// closedErr reports a task closed by a concurrent decision, possibly from
// another process, as a rejected operation.
func closedErr(taskID string, err error) error {
	if errors.Is(err, store.ErrTaskClosed) {
		return &RoutingError{TaskID: taskID, Reason: "task was closed by a concurrent decision"}
	}
	return err
}

func (r *Router) updateTask(ctx context.Context, t *model.Task) error {
	err := resilience.Do(ctx, resilience.StoreRetryConfig(r.retries, "update task"), func(ctx context.Context) error {
		return r.st.UpdateTask(ctx, t)
	})
	return eris.Wrapf(err, "router: update task %s", t.ID)
}

func (r *Router) saveVerdict(ctx context.Context, epoch int, v *model.Verdict) error {
	err := resilience.Do(ctx, resilience.StoreRetryConfig(r.retries, "save verdict"), func(ctx context.Context) error {
		return r.st.SaveVerdict(ctx, epoch, v)
	})
	return eris.Wrapf(err, "router: save verdict %s/%s", v.SKUID, v.Key)
}

func (r *Router) resolveConflict(ctx context.Context, runID, skuID, key string) {
	err := r.st.ResolveConflict(ctx, runID, skuID, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		zap.L().Warn("router: failed to resolve conflict",
			zap.String("sku_id", skuID), zap.String("key", key), zap.Error(err))
	}
}

// record logs rather than fails: the task transition has already been
// committed when the event is written.
func (r *Router) record(ctx context.Context, ev audit.Event) {
	if r.rec == nil {
		return
	}
	if _, err := r.rec.Record(ctx, ev); err != nil {
		zap.L().Error("router: audit event lost", zap.String("action", string(ev.Action)), zap.Error(err))
	}
}
