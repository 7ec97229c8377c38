package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "shelftruth.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "pdftotext", cfg.Extract.PdfToTextPath)
	assert.Equal(t, 300, cfg.Extract.DPI)
	assert.Equal(t, "eng", cfg.Extract.OCRLang)
	assert.Equal(t, 10, cfg.Extract.MinAlphaPerPage)
	assert.Equal(t, 2*time.Minute, cfg.Extract.DocumentTimeout)
	assert.InDelta(t, 0.8, cfg.Pipeline.DegradedFactor, 0.001)
	assert.InDelta(t, 0.9, cfg.Pipeline.DescriptionBase, 0.001)
	assert.Equal(t, 360, cfg.Pipeline.StaleRunMinutes)
	assert.InDelta(t, 0.7, cfg.Verify.AcceptThreshold, 0.001)
	assert.InDelta(t, 0.3, cfg.Verify.RejectThreshold, 0.001)
	assert.InDelta(t, 0.6, cfg.Verify.MinConfidence, 0.001)
	assert.InDelta(t, 0.7, cfg.Report.ClaimWeight, 0.001)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.Equal(t, 100, cfg.Monitoring.BacklogThreshold)
	assert.Empty(t, cfg.Monitoring.WebhookURL)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/shelftruth
log:
  level: debug
  format: console
extract:
  document_timeout: 30s
  workers: 4
verify:
  accept_threshold: 0.8
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 30*time.Second, cfg.Extract.DocumentTimeout)
	assert.Equal(t, 4, cfg.Extract.Workers)
	assert.InDelta(t, 0.8, cfg.Verify.AcceptThreshold, 0.001)
	// Defaults still apply for unset values
	assert.InDelta(t, 0.3, cfg.Verify.RejectThreshold, 0.001)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("SHELFTRUTH_STORE_DRIVER", "postgres")
	t.Setenv("SHELFTRUTH_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("SHELFTRUTH_EXTRACT_DPI", "200")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Extract.DPI)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "shelftruth.db"
	cfg.Extract.DocumentTimeout = 2 * time.Minute
	cfg.Pipeline.DegradedFactor = 0.8
	cfg.Verify.AcceptThreshold = 0.7
	cfg.Verify.RejectThreshold = 0.3
	cfg.Verify.MinConfidence = 0.6
	cfg.Report.ClaimWeight = 0.7
	cfg.Report.CertificateWeight = 0.3
	return cfg
}

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, validDefaults().Validate())
}

func TestValidate_Store(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver "mysql" is not supported`)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidate_Thresholds(t *testing.T) {
	cfg := validDefaults()
	cfg.Verify.RejectThreshold = 0.8

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reject_threshold")

	cfg = validDefaults()
	cfg.Verify.MinConfidence = 1.5
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verify.min_confidence")
}

func TestValidate_PipelineBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Pipeline.DegradedFactor = 0
	cfg.Extract.DocumentTimeout = 0
	cfg.Extract.Workers = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline.degraded_factor")
	assert.Contains(t, err.Error(), "extract.document_timeout")
	assert.Contains(t, err.Error(), "concurrency limits")
}

func TestValidate_MonitoringThreshold(t *testing.T) {
	cfg := validDefaults()
	cfg.Monitoring.FailureRateThreshold = 1.5

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring.failure_rate_threshold")
}
