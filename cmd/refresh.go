package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/audit"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Start a new epoch, superseding open tasks and current verdicts",
	Long:  "Starts a new epoch. Earlier claims, verdicts, tasks and audit events are kept; the next run verifies every SKU from scratch.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		reason, _ := cmd.Flags().GetString("reason")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec := audit.NewRecorder(st, audit.WithRetries(cfg.Pipeline.StoreRetries))
		ep, err := rec.Refresh(ctx, model.ActorHuman, reason)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "epoch %d started at %s: %s\n", ep.Number, ep.StartedAt.UTC().Format(timeLayout), ep.Reason)
		return nil
	},
}

func init() {
	refreshCmd.Flags().String("reason", "", "why the refresh is needed (required)")
	_ = refreshCmd.MarkFlagRequired("reason")
	rootCmd.AddCommand(refreshCmd)
}
