package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
)

// Sheet names written by WriteXLSX.
const (
	SheetSummary  = "Summary"
	SheetVerdicts = "Verdicts"
	SheetTasks    = "Tasks"
)

var (
	verdictHeaders = []string{"SKU", "Name", "Key", "Kind", "Status", "Rule", "Rule Result", "Certificate", "ML Score", "Confidence", "Degraded", "Overridden", "Reason", "Evidence"}
	taskHeaders    = []string{"Task", "SKU", "Key", "Reason", "Status", "Verdict", "Note", "Created"}
)

// WriteXLSX writes the report as a workbook with Summary, Verdicts and
// Tasks sheets.
func WriteXLSX(rep *Report, path string) error {
	f := excelize.NewFile()
	defer f.Close() //nolint:errcheck

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return eris.Wrap(err, "report: rename summary sheet")
	}
	for _, name := range []string{SheetVerdicts, SheetTasks} {
		if _, err := f.NewSheet(name); err != nil {
			return eris.Wrapf(err, "report: add sheet %s", name)
		}
	}

	if err := writeSummary(f, rep); err != nil {
		return err
	}
	if err := writeVerdicts(f, rep); err != nil {
		return err
	}
	if err := writeTasks(f, rep); err != nil {
		return err
	}

	idx, _ := f.GetSheetIndex(SheetSummary)
	f.SetActiveSheet(idx)
	if err := f.SaveAs(path); err != nil {
		return eris.Wrapf(err, "report: save %s", path)
	}
	zap.L().Info("report: wrote workbook", zap.String("path", path), zap.Int("skus", len(rep.SKUs)))
	return nil
}

func writeSummary(f *excelize.File, rep *Report) error {
	rows := [][]any{
		{"Generated", rep.GeneratedAt.Format("2006-01-02 15:04:05 MST")},
		{"Epoch", rep.Epoch},
	}
	if rep.LastRun != nil {
		rows = append(rows,
			[]any{"Last run", rep.LastRun.ID},
			[]any{"Rule version", rep.LastRun.RuleVersion},
			[]any{"Model version", rep.LastRun.ModelVersion},
		)
	}
	rows = append(rows,
		[]any{"Overall score", rep.Score.Overall},
		[]any{"Grade", rep.Score.Grade},
		[]any{"Claim score", rep.Score.ClaimScore},
		[]any{"Certificate score", rep.Score.CertificateScore},
		[]any{"Open tasks", rep.Tasks.ByStatus[model.TaskPending] + rep.Tasks.ByStatus[model.TaskEvidenceRequested]},
		[]any{"Task completion", fmt.Sprintf("%.0f%%", rep.Tasks.CompletionRate*100)},
		[]any{},
		[]any{"Status", "Verdicts"},
	)
	for _, s := range sortedStatuses(rep.StatusCounts) {
		rows = append(rows, []any{string(s), rep.StatusCounts[s]})
	}
	rows = append(rows, []any{}, []any{"SKU", "Name", "Score", "Grade", "Open tasks"})
	for _, s := range rep.SKUs {
		rows = append(rows, []any{s.Code, s.Name, s.Score.Overall, s.Score.Grade, len(s.OpenTasks)})
	}

	if err := writeRows(f, SheetSummary, rows); err != nil {
		return err
	}
	_ = f.SetColWidth(SheetSummary, "A", "A", 20)
	_ = f.SetColWidth(SheetSummary, "B", "B", 40)
	return nil
}

func writeVerdicts(f *excelize.File, rep *Report) error {
	rows := [][]any{toAny(verdictHeaders)}
	for _, s := range rep.SKUs {
		for _, v := range s.Verdicts {
			rows = append(rows, []any{
				s.Code, s.Name, v.Key, string(v.Kind), string(v.Status), v.RuleID, string(v.RuleResult), string(v.CertStatus),
				v.MLScore, v.CombinedConfidence, v.Degraded, v.HumanOverridden, v.Reason, strings.Join(v.Evidence, "\n"),
			})
		}
	}
	if err := writeRows(f, SheetVerdicts, rows); err != nil {
		return err
	}
	_ = f.SetColWidth(SheetVerdicts, "A", "C", 16)
	_ = f.SetColWidth(SheetVerdicts, "M", "N", 60)
	return freezeHeader(f, SheetVerdicts)
}

func writeTasks(f *excelize.File, rep *Report) error {
	rows := [][]any{toAny(taskHeaders)}
	for _, s := range rep.SKUs {
		for _, t := range s.OpenTasks {
			rows = append(rows, []any{
				t.ID, s.Code, t.Key, string(t.Reason), string(t.Status), t.VerdictID, t.Note, t.CreatedAt.Format("2006-01-02 15:04"),
			})
		}
	}
	if err := writeRows(f, SheetTasks, rows); err != nil {
		return err
	}
	_ = f.SetColWidth(SheetTasks, "A", "A", 38)
	_ = f.SetColWidth(SheetTasks, "G", "G", 60)
	return freezeHeader(f, SheetTasks)
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return eris.Wrap(err, "report: cell name")
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return eris.Wrapf(err, "report: write %s row %d", sheet, i+1)
		}
	}
	return nil
}

func freezeHeader(f *excelize.File, sheet string) error {
	return eris.Wrapf(f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}), "report: freeze %s header", sheet)
}

func toAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func sortedStatuses(m map[model.VerdictStatus]int) []model.VerdictStatus {
	out := make([]model.VerdictStatus, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
