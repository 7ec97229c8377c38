package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/router"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Review tasks for verdicts that need a human decision",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open review tasks, oldest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		reason, _ := cmd.Flags().GetString("reason")
		code, _ := cmd.Flags().GetString("sku")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		a, err := newApp(st)
		if err != nil {
			return err
		}

		f := router.Filter{Reason: model.TaskReason(reason), Limit: limit}
		codes := map[string]string{}
		if code != "" {
			sku, err := st.GetSKUByCode(ctx, code)
			if err != nil {
				return eris.Wrapf(err, "sku %s", code)
			}
			f.SKUID = sku.ID
		}
		skus, err := st.ListSKUs(ctx, nil)
		if err != nil {
			return err
		}
		for _, s := range skus {
			codes[s.ID] = s.Code
		}

		tasks, err := a.router.ListOpen(ctx, f)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No open tasks.")
			return nil
		}
		formatTasks(os.Stdout, tasks, codes)
		return nil
	},
}

var tasksDecideCmd = &cobra.Command{
	Use:   "decide <task-id>",
	Short: "Apply a reviewer decision to one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		d, err := decisionFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		a, err := newApp(st)
		if err != nil {
			return err
		}

		v, err := a.router.ApplyDecision(ctx, args[0], d)
		if err != nil {
			return err
		}
		formatDecision(os.Stdout, args[0], d.Action, v)
		return nil
	},
}

var tasksBulkCmd = &cobra.Command{
	Use:   "bulk-decide <task-id>...",
	Short: "Apply the same decision to several tasks",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		d, err := decisionFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		a, err := newApp(st)
		if err != nil {
			return err
		}

		results := a.router.BulkDecide(ctx, args, d)
		failed := formatBulk(os.Stdout, results)
		if failed > 0 {
			return eris.Errorf("%d of %d decisions failed", failed, len(results))
		}
		return nil
	},
}

var tasksStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize review tasks of the current epoch",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		a, err := newApp(st)
		if err != nil {
			return err
		}

		stats, err := a.router.Stats(ctx)
		if err != nil {
			return err
		}
		formatTaskStats(os.Stdout, stats)
		return nil
	},
}

func decisionFromFlags(cmd *cobra.Command) (router.Decision, error) {
	action, _ := cmd.Flags().GetString("action")
	note, _ := cmd.Flags().GetString("note")
	value, _ := cmd.Flags().GetString("value")

	d := router.Decision{Action: model.Action(action), Note: note, Value: value}
	if !d.Action.Valid() {
		return d, eris.Errorf("unknown action %q (want approve, reject, request_evidence or modify)", action)
	}
	if d.Action == model.ActionModify && value == "" {
		return d, eris.New("modify requires --value")
	}
	return d, nil
}

func addDecisionFlags(cmd *cobra.Command) {
	cmd.Flags().String("action", "", "approve, reject, request_evidence or modify")
	cmd.Flags().String("note", "", "reviewer note")
	cmd.Flags().String("value", "", "replacement claim value for modify")
	_ = cmd.MarkFlagRequired("action")
}

func init() {
	tasksListCmd.Flags().String("reason", "", "filter by reason (conflict, certificate_issue, low_confidence)")
	tasksListCmd.Flags().String("sku", "", "filter by SKU code")
	tasksListCmd.Flags().Int("limit", 50, "max tasks to list")

	addDecisionFlags(tasksDecideCmd)
	addDecisionFlags(tasksBulkCmd)

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksDecideCmd)
	tasksCmd.AddCommand(tasksBulkCmd)
	tasksCmd.AddCommand(tasksStatsCmd)
	rootCmd.AddCommand(tasksCmd)
}
