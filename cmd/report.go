package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/audit"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Build the compliance report for the current epoch",
	Long:  "Prints the compliance report as JSON. With --xlsx the report is also written as a workbook with summary, verdict and task sheets.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		code, _ := cmd.Flags().GetString("sku")
		xlsxPath, _ := cmd.Flags().GetString("xlsx")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rep, err := report.Build(ctx, st, code, report.WithWeights(cfg.Report))
		if err != nil {
			return err
		}

		if xlsxPath != "" {
			if err := report.WriteXLSX(rep, xlsxPath); err != nil {
				return err
			}
			zap.L().Info("report: workbook written", zap.String("path", xlsxPath))
		}

		rec := audit.NewRecorder(st, audit.WithRetries(cfg.Pipeline.StoreRetries))
		payload := map[string]any{"skus": len(rep.SKUs), "grade": rep.Score.Grade}
		if code != "" {
			payload["sku"] = code
		}
		if xlsxPath != "" {
			payload["xlsx"] = xlsxPath
		}
		if _, err := rec.Record(ctx, audit.Event{Actor: "report", Action: model.AuditReportGenerated, Payload: payload}); err != nil {
			zap.L().Warn("report: failed to record audit event", zap.Error(err))
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return eris.Wrap(err, "encode report")
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().String("sku", "", "report on a single SKU code")
	reportCmd.Flags().String("xlsx", "", "also write the report to this .xlsx file")
	rootCmd.AddCommand(reportCmd)
}
