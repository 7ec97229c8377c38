package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the compliance pipeline over ingested SKUs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		reextract, _ := cmd.Flags().GetBool("reextract")
		codes, _ := cmd.Flags().GetStringSlice("sku")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		a, err := newApp(st)
		if err != nil {
			return err
		}

		run, err := a.runner.Run(ctx, pipeline.Options{Reextract: reextract, SKUCodes: codes})
		if errors.Is(err, pipeline.ErrBusy) {
			return eris.New("a pipeline run is already in progress")
		}
		if run != nil {
			formatRun(os.Stdout, run)
		}
		return err
	},
}

func formatRun(out io.Writer, run *model.PipelineRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	s := run.Stats
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", run.ID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", run.Status)
	_, _ = fmt.Fprintf(w, "Epoch:\t%d\n", run.Epoch)
	_, _ = fmt.Fprintf(w, "Versions:\trules %s, model %s\n", run.RuleVersion, run.ModelVersion)
	if run.FinishedAt != nil {
		_, _ = fmt.Fprintf(w, "Duration:\t%s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	_, _ = fmt.Fprintf(w, "SKUs:\t%d (%d failed)\n", s.SKUs, s.SKUsFailed)
	_, _ = fmt.Fprintf(w, "Documents:\t%d (%d failed, %d structured, %d ocr)\n", s.Documents, s.DocumentsFailed, s.StructuredPath, s.OCRPath)
	_, _ = fmt.Fprintf(w, "Claims:\t%d (%d conflicts)\n", s.Claims, s.Conflicts)
	_, _ = fmt.Fprintf(w, "Verdicts:\t%d (%d by rule, %d by classifier)\n", s.Verdicts, s.RuleDecisions, s.ClassifierDecided)
	_, _ = fmt.Fprintf(w, "Tasks:\t%d opened, %d superseded\n", s.TasksOpened, s.TasksSuperseded)
	_ = w.Flush()

	for _, f := range run.Failures {
		_, _ = fmt.Fprintf(out, "  failed %s at %s: %s\n", f.SKUCode, f.Stage, f.Error)
	}
}

func init() {
	runCmd.Flags().Bool("reextract", false, "re-extract changed documents of SKUs flagged for new evidence")
	runCmd.Flags().StringSlice("sku", nil, "restrict the run to these SKU codes")
	rootCmd.AddCommand(runCmd)
}
