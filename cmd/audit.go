package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/audit"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/store"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and verify the audit trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent audit events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		limit, _ := cmd.Flags().GetInt("limit")
		code, _ := cmd.Flags().GetString("sku")
		task, _ := cmd.Flags().GetString("task")
		epoch, _ := cmd.Flags().GetInt("epoch")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		f := store.AuditFilter{TaskID: task, Epoch: epoch, Limit: limit}
		if code != "" {
			sku, err := st.GetSKUByCode(ctx, code)
			if err != nil {
				return eris.Wrapf(err, "sku %s", code)
			}
			f.SKUID = sku.ID
		}

		events, err := st.ListAudit(ctx, f)
		if err != nil {
			return err
		}
		formatAudit(os.Stdout, events)
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute the hash chain and report the first broken link",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rep, err := audit.NewRecorder(st).Verify(ctx)
		if err != nil {
			return err
		}
		formatChain(os.Stdout, rep)
		if !rep.Valid {
			return eris.Errorf("audit chain broken at seq %d", rep.Break.Seq)
		}
		return nil
	},
}

func init() {
	auditListCmd.Flags().Int("limit", 50, "max events to list (0 for all)")
	auditListCmd.Flags().String("sku", "", "filter by SKU code")
	auditListCmd.Flags().String("task", "", "filter by task ID")
	auditListCmd.Flags().Int("epoch", 0, "filter by epoch")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}
