package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		epoch, err := st.CurrentEpoch(ctx)
		if err != nil {
			return err
		}
		purged, err := st.DeleteExpiredExtractions(ctx)
		if err != nil {
			zap.L().Warn("migrate: failed to purge expired extraction cache", zap.Error(err))
		}

		fmt.Fprintf(os.Stdout, "schema up to date (driver %s, epoch %d, purged %d expired cache entries)\n", cfg.Store.Driver, epoch, purged)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
