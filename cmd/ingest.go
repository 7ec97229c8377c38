package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/audit"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/intake"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load supplier SKU records with their labels and certificates",
	Long:  "Reads supplier SKUs from a JSON or XLSX file, matches label and certificate files, and upserts them. Invalid records are reported and skipped.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		src := intake.Source{
			SKUsPath:        cfg.Intake.SKUsPath,
			LabelsDir:       cfg.Intake.LabelsDir,
			CertificatesDir: cfg.Intake.CertificatesDir,
		}
		if v, _ := cmd.Flags().GetString("skus"); v != "" {
			src.SKUsPath = v
		}
		if v, _ := cmd.Flags().GetString("labels"); v != "" {
			src.LabelsDir = v
		}
		if v, _ := cmd.Flags().GetString("certificates"); v != "" {
			src.CertificatesDir = v
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec := audit.NewRecorder(st, audit.WithRetries(cfg.Pipeline.StoreRetries))
		loader := intake.NewLoader(st, rec, intake.WithRetries(cfg.Pipeline.StoreRetries))
		res, err := loader.Load(ctx, src)
		if err != nil {
			return err
		}

		formatIntake(os.Stdout, res)
		return nil
	},
}

func formatIntake(out io.Writer, res *intake.Result) {
	_, _ = fmt.Fprintf(out, "Ingested %d SKU(s), %d document(s), %d queued for re-extraction\n", len(res.Ingested), res.Documents, res.Reset)
	for _, r := range res.Rejected {
		_, _ = fmt.Fprintf(out, "  rejected %s\n", r.Error())
	}
	for _, u := range res.Unmatched {
		_, _ = fmt.Fprintf(out, "  no certificate file for %s\n", u)
	}
}

func init() {
	ingestCmd.Flags().String("skus", "", "supplier SKU file (.json or .xlsx); defaults to intake.skus_path")
	ingestCmd.Flags().String("labels", "", "label directory; defaults to intake.labels_dir")
	ingestCmd.Flags().String("certificates", "", "certificate directory; defaults to intake.certificates_dir")
	rootCmd.AddCommand(ingestCmd)
}
