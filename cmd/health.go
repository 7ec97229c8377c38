package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/monitoring"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check run failures, review backlog and audit chain integrity",
	Long:  "Collects a health snapshot, prints it and posts any alerts to monitoring.webhook_url. With --watch the check repeats every monitoring.check_interval_secs until interrupted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		watch, _ := cmd.Flags().GetBool("watch")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		checker := monitoring.NewChecker(
			monitoring.NewCollector(st, cfg.Monitoring),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)

		if watch {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			checker.Run(ctx)
			return nil
		}

		snap, alerts, err := checker.Check(ctx)
		if err != nil {
			return err
		}
		formatHealth(os.Stdout, snap, alerts)
		if len(alerts) > 0 {
			return eris.Errorf("%d health alert(s)", len(alerts))
		}
		return nil
	},
}

func formatHealth(out io.Writer, s *monitoring.MetricsSnapshot, alerts []monitoring.Alert) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Runs (last %dh):\t%d (%d complete, %d failed, %d running)\n",
		s.LookbackHours, s.RunsTotal, s.RunsComplete, s.RunsFailed, s.RunsRunning)
	_, _ = fmt.Fprintf(w, "SKU failure rate:\t%.1f%% (%d of %d)\n", s.SKUFailRate*100, s.SKUsFailed, s.SKUsProcessed)
	_, _ = fmt.Fprintf(w, "Failed documents:\t%d\n", s.DocumentsFailed)
	_, _ = fmt.Fprintf(w, "Open tasks (epoch %d):\t%d (%d stale, oldest %.0fh)\n", s.Epoch, s.OpenTasks, s.StaleTasks, s.OldestTaskHours)
	chain := "intact"
	if !s.AuditChainValid {
		chain = "BROKEN"
	}
	_, _ = fmt.Fprintf(w, "Audit chain:\t%s (%d events)\n", chain, s.AuditEvents)
	_ = w.Flush()

	for _, a := range alerts {
		_, _ = fmt.Fprintf(out, "  [%s] %s\n", a.Severity, a.Message)
	}
}

func init() {
	healthCmd.Flags().Bool("watch", false, "repeat the check until interrupted")
	rootCmd.AddCommand(healthCmd)
}
