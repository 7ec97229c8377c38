package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/audit"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/router"
)

const timeLayout = "2006-01-02 15:04"

// truncateID shortens a UUID for display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatTasks(out io.Writer, tasks []model.Task, codes map[string]string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSKU\tKEY\tREASON\tSTATUS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t---\t---\t------\t------\t-------")
	for _, t := range tasks {
		code := codes[t.SKUID]
		if code == "" {
			code = truncateID(t.SKUID)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, code, t.Key, t.Reason, t.Status, t.CreatedAt.UTC().Format(timeLayout))
	}
	_ = w.Flush()
}

func formatDecision(out io.Writer, taskID string, action model.Action, v *model.Verdict) {
	if v == nil {
		_, _ = fmt.Fprintf(out, "task %s: %s\n", truncateID(taskID), action)
		return
	}
	_, _ = fmt.Fprintf(out, "task %s: %s -> %s is %s (confidence %.2f)\n",
		truncateID(taskID), action, v.Key, v.Status, v.CombinedConfidence)
}

// formatBulk prints one line per task and returns the failure count.
func formatBulk(out io.Writer, results []router.BulkResult) int {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TASK\tRESULT")
	failed := 0
	for _, r := range results {
		res := "ok"
		switch {
		case r.Error != "":
			res = "error: " + r.Error
			failed++
		case r.Verdict != nil:
			res = fmt.Sprintf("%s is %s", r.Verdict.Key, r.Verdict.Status)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\n", r.TaskID, res)
	}
	_ = w.Flush()
	return failed
}

func formatTaskStats(out io.Writer, s *model.TaskStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total tasks:\t%d\n", s.Total)
	for _, st := range []model.TaskStatus{
		model.TaskPending, model.TaskEvidenceRequested, model.TaskApproved,
		model.TaskRejected, model.TaskModified, model.TaskSuperseded,
	} {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", st, s.ByStatus[st])
	}

	reasons := make([]string, 0, len(s.ByReason))
	for r := range s.ByReason {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		_, _ = fmt.Fprintf(w, "Reason %s:\t%d\n", r, s.ByReason[model.TaskReason(r)])
	}
	_, _ = fmt.Fprintf(w, "Completion rate:\t%.1f%%\n", s.CompletionRate*100)
	_ = w.Flush()
}

func formatRuns(out io.Writer, runs []model.PipelineRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tEPOCH\tSTATUS\tSKUS\tFAILED\tVERDICTS\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----\t------\t----\t------\t--------\t-------\t--------")
	for _, r := range runs {
		dur := "-"
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID), r.Epoch, r.Status, r.Stats.SKUs, r.Stats.SKUsFailed,
			r.Stats.Verdicts, r.StartedAt.UTC().Format(timeLayout), dur)
	}
	_ = w.Flush()
}

func formatAudit(out io.Writer, events []model.AuditEvent) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEQ\tEPOCH\tTIME\tACTOR\tACTION\tSKU\tTASK\tHASH")
	for _, ev := range events {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.Seq, ev.Epoch, ev.Timestamp.UTC().Format(timeLayout), ev.Actor, ev.Action,
			truncateID(ev.SKUID), truncateID(ev.TaskID), truncateID(ev.Hash))
	}
	_ = w.Flush()
}

func formatChain(out io.Writer, rep *audit.Report) {
	if rep.Valid {
		_, _ = fmt.Fprintf(out, "audit chain intact: %d event(s), head %s\n", rep.Events, truncateID(rep.Head))
		return
	}
	_, _ = fmt.Fprintf(out, "audit chain BROKEN at seq %d: %s (%d event(s))\n", rep.Break.Seq, rep.Break.Reason, rep.Events)
}
