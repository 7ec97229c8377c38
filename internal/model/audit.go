package model

import "time"

// ActorHuman is the actor recorded for reviewer decisions.
const ActorHuman = "human"

// AuditAction names an auditable state change.
type AuditAction string

const (
	AuditIntakeStarted     AuditAction = "intake_started"
	AuditSKUIngested       AuditAction = "sku_ingested"
	AuditSKURejected       AuditAction = "sku_rejected"
	AuditIntakeCompleted   AuditAction = "intake_completed"
	AuditRunStarted        AuditAction = "run_started"
	AuditRunCompleted      AuditAction = "run_completed"
	AuditDocumentExtracted AuditAction = "document_extracted"
	AuditDocumentFailed    AuditAction = "document_failed"
	AuditClaimsAggregated  AuditAction = "claims_aggregated"
	AuditSKUVerified       AuditAction = "sku_verified"
	AuditSKUFailed         AuditAction = "sku_failed"
	AuditTaskCreated       AuditAction = "task_created"
	AuditTaskSuperseded    AuditAction = "task_superseded"
	AuditTaskApproved      AuditAction = "task_approved"
	AuditTaskRejected      AuditAction = "task_rejected"
	AuditTaskEvidence      AuditAction = "task_evidence_requested"
	AuditTaskModified      AuditAction = "task_modified"
	AuditBulkDecision      AuditAction = "bulk_decision"
	AuditEpochStarted      AuditAction = "epoch_started"
	AuditReportGenerated   AuditAction = "report_generated"
)

// AuditEvent is an append-only, hash-chained record of a state change.
type AuditEvent struct {
	Seq       int64          `json:"seq"`
	ID        string         `json:"id"`
	Epoch     int            `json:"epoch"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Action    AuditAction    `json:"action"`
	SKUID     string         `json:"sku_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}
