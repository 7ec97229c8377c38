package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
)

// ErrNotFound is returned (wrapped) when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrRunInProgress is returned by CreateRun while another run is active.
var ErrRunInProgress = eris.New("store: pipeline run in progress")

// ErrTaskClosed is returned by UpdateTask when the task is no longer open.
var ErrTaskClosed = eris.New("store: task already closed")

// ClaimFilter specifies criteria for listing claims.
type ClaimFilter struct {
	SKUID  string       `json:"sku_id,omitempty"`
	RunID  string       `json:"run_id,omitempty"`
	Key    string       `json:"key,omitempty"`
	Source model.Source `json:"source,omitempty"`
	Epoch  int          `json:"epoch,omitempty"`
}

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	SKUID    string             `json:"sku_id,omitempty"`
	Key      string             `json:"key,omitempty"`
	Reason   model.TaskReason   `json:"reason,omitempty"`
	Statuses []model.TaskStatus `json:"statuses,omitempty"`
	Epoch    int                `json:"epoch,omitempty"`
	Limit    int                `json:"limit,omitempty"`
}

// AuditFilter specifies criteria for listing audit events. Results are in
// ascending sequence order; a positive Limit keeps the newest events.
type AuditFilter struct {
	SKUID  string `json:"sku_id,omitempty"`
	TaskID string `json:"task_id,omitempty"`
	Epoch  int    `json:"epoch,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// SealFunc computes the hash of an audit event once its sequence number and
// previous hash are known.
type SealFunc func(ev *model.AuditEvent) string

// Store defines the persistence contract for the compliance pipeline.
// Claims, verdicts, tasks and audit events are never deleted: verdicts are
// superseded, tasks are closed and refresh starts a new epoch.
type Store interface {
	// SKUs and documents
	UpsertSKU(ctx context.Context, sku *model.SKU) error
	GetSKU(ctx context.Context, id string) (*model.SKU, error)
	GetSKUByCode(ctx context.Context, code string) (*model.SKU, error)
	ListSKUs(ctx context.Context, codes []string) ([]model.SKU, error)
	SetReextractEligible(ctx context.Context, skuID string, eligible bool) error
	UpdateDocumentExtraction(ctx context.Context, doc *model.Document) error

	// Extraction cache
	GetCachedExtraction(ctx context.Context, contentHash string) (*model.ExtractionCache, error)
	SetCachedExtraction(ctx context.Context, entry *model.ExtractionCache, ttl time.Duration) error
	DeleteExpiredExtractions(ctx context.Context) (int, error)

	// Pipeline runs
	// CreateRun inserts run unless a run that started after staleBefore is
	// still running, in which case it returns ErrRunInProgress.
	CreateRun(ctx context.Context, run *model.PipelineRun, staleBefore time.Time) error
	CompleteRun(ctx context.Context, run *model.PipelineRun) error
	GetRun(ctx context.Context, id string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, limit int) ([]model.PipelineRun, error)

	// Epochs
	CurrentEpoch(ctx context.Context) (int, error)
	StartEpoch(ctx context.Context, actor, reason string) (*model.Epoch, error)

	// Claims and conflicts
	InsertClaims(ctx context.Context, epoch int, claims []model.Claim) error
	ListClaims(ctx context.Context, filter ClaimFilter) ([]model.Claim, error)
	InsertConflicts(ctx context.Context, epoch int, conflicts []model.ClaimConflict) error
	ListConflicts(ctx context.Context, skuID, runID string) ([]model.ClaimConflict, error)
	ResolveConflict(ctx context.Context, runID, skuID, key string) error

	// Verdicts
	ReplaceSKUVerdicts(ctx context.Context, epoch int, skuID string, verdicts []model.Verdict) error
	SaveVerdict(ctx context.Context, epoch int, v *model.Verdict) error
	GetVerdict(ctx context.Context, id string) (*model.Verdict, error)
	GetCurrentVerdict(ctx context.Context, skuID, key string) (*model.Verdict, error)
	ListCurrentVerdicts(ctx context.Context, skuID string) ([]model.Verdict, error)

	// Tasks
	CreateTask(ctx context.Context, epoch int, task *model.Task) error
	// UpdateTask writes a decision onto an open task. It returns
	// ErrTaskClosed when the task was closed concurrently.
	UpdateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error)

	// Audit
	AppendAudit(ctx context.Context, ev *model.AuditEvent, seal SealFunc) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEvent, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// OpenTaskStatuses lists the statuses that still await a reviewer.
var OpenTaskStatuses = []model.TaskStatus{model.TaskPending, model.TaskEvidenceRequested}
