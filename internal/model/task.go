package model

import "time"

// TaskReason is the condition that opened a review task.
type TaskReason string

const (
	ReasonConflict         TaskReason = "conflict"
	ReasonCertificateIssue TaskReason = "certificate_issue"
	ReasonLowConfidence    TaskReason = "low_confidence"
)

// TaskStatus is the lifecycle state of a review task.
type TaskStatus string

const (
	TaskPending           TaskStatus = "pending"
	TaskApproved          TaskStatus = "approved"
	TaskRejected          TaskStatus = "rejected"
	TaskEvidenceRequested TaskStatus = "evidence_requested"
	TaskModified          TaskStatus = "modified"
	TaskSuperseded        TaskStatus = "superseded" // condition cleared by a later run or refresh
)

// Open reports whether the task still awaits a reviewer.
func (s TaskStatus) Open() bool {
	return s == TaskPending || s == TaskEvidenceRequested
}

// Action is a reviewer decision on a task.
type Action string

const (
	ActionApprove         Action = "approve"
	ActionReject          Action = "reject"
	ActionRequestEvidence Action = "request_evidence"
	ActionModify          Action = "modify"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionRequestEvidence, ActionModify:
		return true
	}
	return false
}

// Task is a human-review unit for a verdict that cannot be auto-resolved.
type Task struct {
	ID         string     `json:"id"`
	SKUID      string     `json:"sku_id"`
	Key        string     `json:"key"`
	VerdictID  string     `json:"verdict_id"`
	Reason     TaskReason `json:"reason"`
	Status     TaskStatus `json:"status"`
	Note       string     `json:"note,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// TaskStats summarizes task processing.
type TaskStats struct {
	ByStatus       map[TaskStatus]int `json:"by_status"`
	ByReason       map[TaskReason]int `json:"by_reason"`
	Total          int                `json:"total"`
	Resolved       int                `json:"resolved"`
	CompletionRate float64            `json:"completion_rate"`
}

// SummarizeTasks counts tasks by status and reason. The completion rate is
// the share of non-superseded tasks a reviewer closed.
func SummarizeTasks(tasks []Task) TaskStats {
	stats := TaskStats{
		ByStatus: make(map[TaskStatus]int),
		ByReason: make(map[TaskReason]int),
		Total:    len(tasks),
	}
	for _, t := range tasks {
		stats.ByStatus[t.Status]++
		stats.ByReason[t.Reason]++
		switch t.Status {
		case TaskApproved, TaskRejected, TaskModified:
			stats.Resolved++
		}
	}
	if live := stats.Total - stats.ByStatus[TaskSuperseded]; live > 0 {
		stats.CompletionRate = float64(stats.Resolved) / float64(live)
	}
	return stats
}
