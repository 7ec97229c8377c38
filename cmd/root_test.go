package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/config"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/pipeline"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/router"
)

func subcommandNames(c *cobra.Command) map[string]bool {
	names := make(map[string]bool)
	for _, sub := range c.Commands() {
		names[sub.Name()] = true
	}
	return names
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := subcommandNames(rootCmd)
	for _, name := range []string{"migrate", "ingest", "run", "runs", "tasks", "report", "audit", "refresh", "health"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "shelftruth", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestIngestCommand_Flags(t *testing.T) {
	for _, name := range []string{"skus", "labels", "certificates"} {
		assert.NotNil(t, ingestCmd.Flags().Lookup(name), "ingest should have --%s flag", name)
	}
}

func TestRunCommand_Flags(t *testing.T) {
	flag := runCmd.Flags().Lookup("reextract")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)

	flag = runCmd.Flags().Lookup("sku")
	require.NotNil(t, flag)
	assert.Equal(t, "stringSlice", flag.Value.Type())
}

func TestTasksCommand_HasSubcommands(t *testing.T) {
	names := subcommandNames(tasksCmd)
	for _, name := range []string{"list", "decide", "bulk-decide", "stats"} {
		assert.True(t, names[name], "tasks should have subcommand %q", name)
	}

	limit := tasksListCmd.Flags().Lookup("limit")
	require.NotNil(t, limit)
	assert.Equal(t, "50", limit.DefValue)

	for _, c := range []*cobra.Command{tasksDecideCmd, tasksBulkCmd} {
		for _, name := range []string{"action", "note", "value"} {
			assert.NotNil(t, c.Flags().Lookup(name), "%s should have --%s flag", c.Name(), name)
		}
	}
}

func TestAuditCommand_HasSubcommands(t *testing.T) {
	names := subcommandNames(auditCmd)
	assert.True(t, names["list"])
	assert.True(t, names["verify"])
	assert.NotNil(t, auditListCmd.Flags().Lookup("limit"))
}

func TestReportAndRefresh_Flags(t *testing.T) {
	assert.NotNil(t, reportCmd.Flags().Lookup("sku"))
	assert.NotNil(t, reportCmd.Flags().Lookup("xlsx"))
	assert.NotNil(t, refreshCmd.Flags().Lookup("reason"))
}

func TestDecisionFromFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    model.Action
		wantErr string
	}{
		{name: "approve", args: []string{"--action", "approve", "--note", "ok"}, want: model.ActionApprove},
		{name: "modify with value", args: []string{"--action", "modify", "--value", "vegan"}, want: model.ActionModify},
		{name: "modify without value", args: []string{"--action", "modify"}, wantErr: "requires --value"},
		{name: "unknown", args: []string{"--action", "escalate"}, wantErr: "unknown action"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &cobra.Command{Use: "x"}
			addDecisionFlags(c)
			require.NoError(t, c.Flags().Parse(tt.args))

			d, err := decisionFromFlags(c)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Action)
		})
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "shelftruth.db")},
		Pipeline: config.PipelineConfig{
			MaxConcurrentSKUs: 1, DegradedFactor: 0.8, DescriptionBase: 0.9, StoreRetries: 1,
		},
		Verify: config.VerifyConfig{AcceptThreshold: 0.7, RejectThreshold: 0.3, MinConfidence: 0.6},
		Report: config.ReportConfig{ClaimWeight: 0.7, CertificateWeight: 0.3},
	}
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = testConfig(t)
	cfg.Store.Driver = "mysql"

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestNewApp_EmptyStore(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = testConfig(t)
	ctx := context.Background()

	st, err := openStore(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	a, err := newApp(st)
	require.NoError(t, err)

	tasks, err := a.router.ListOpen(ctx, router.Filter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	run, err := a.runner.Run(ctx, pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Zero(t, run.Stats.SKUs)
	assert.NotEmpty(t, run.RuleVersion)
	assert.NotEmpty(t, run.ModelVersion)
}
