package model

import "time"

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// PipelineRun is the explicit context threaded through every stage of one
// batch run, so concurrent or historical runs stay distinguishable.
type PipelineRun struct {
	ID           string       `json:"id"`
	Epoch        int          `json:"epoch"`
	RuleVersion  string       `json:"rule_version"`
	ModelVersion string       `json:"model_version"`
	Status       RunStatus    `json:"status"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	Stats        RunStats     `json:"stats"`
	Failures     []SKUFailure `json:"failures,omitempty"`
}

// RunStats holds counters accumulated during a run.
type RunStats struct {
	SKUs              int `json:"skus"`
	SKUsFailed        int `json:"skus_failed"`
	Documents         int `json:"documents"`
	DocumentsFailed   int `json:"documents_failed"`
	StructuredPath    int `json:"structured_path"`
	OCRPath           int `json:"ocr_path"`
	Claims            int `json:"claims"`
	Conflicts         int `json:"conflicts"`
	Verdicts          int `json:"verdicts"`
	TasksOpened       int `json:"tasks_opened"`
	TasksSuperseded   int `json:"tasks_superseded"`
	RuleDecisions     int `json:"rule_decisions"`
	ClassifierDecided int `json:"classifier_decided"`
}

// Add accumulates o into s.
func (s *RunStats) Add(o RunStats) {
	s.SKUs += o.SKUs
	s.SKUsFailed += o.SKUsFailed
	s.Documents += o.Documents
	s.DocumentsFailed += o.DocumentsFailed
	s.StructuredPath += o.StructuredPath
	s.OCRPath += o.OCRPath
	s.Claims += o.Claims
	s.Conflicts += o.Conflicts
	s.Verdicts += o.Verdicts
	s.TasksOpened += o.TasksOpened
	s.TasksSuperseded += o.TasksSuperseded
	s.RuleDecisions += o.RuleDecisions
	s.ClassifierDecided += o.ClassifierDecided
}

// SKUFailure records a SKU that could not be processed in a run.
type SKUFailure struct {
	SKUID   string `json:"sku_id"`
	SKUCode string `json:"sku_code"`
	Stage   string `json:"stage"`
	Error   string `json:"error"`
}
