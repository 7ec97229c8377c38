package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Intake     IntakeConfig     `yaml:"intake" mapstructure:"intake"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Verify     VerifyConfig     `yaml:"verify" mapstructure:"verify"`
	Report     ReportConfig     `yaml:"report" mapstructure:"report"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// IntakeConfig holds default input locations for the ingest command.
type IntakeConfig struct {
	SKUsPath        string `yaml:"skus_path" mapstructure:"skus_path"`
	LabelsDir       string `yaml:"labels_dir" mapstructure:"labels_dir"`
	CertificatesDir string `yaml:"certificates_dir" mapstructure:"certificates_dir"`
}

// ExtractConfig configures document text extraction.
type ExtractConfig struct {
	PdfToTextPath     string        `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	PdfToPPMPath      string        `yaml:"pdftoppm_path" mapstructure:"pdftoppm_path"`
	TesseractPath     string        `yaml:"tesseract_path" mapstructure:"tesseract_path"`
	DPI               int           `yaml:"dpi" mapstructure:"dpi"`
	OCRLang           string        `yaml:"ocr_lang" mapstructure:"ocr_lang"`
	OCREngineMode     int           `yaml:"ocr_oem" mapstructure:"ocr_oem"`
	OCRPageSegMode    int           `yaml:"ocr_psm" mapstructure:"ocr_psm"`
	MinAlphaPerPage   int           `yaml:"min_alpha_per_page" mapstructure:"min_alpha_per_page"`
	Workers           int           `yaml:"workers" mapstructure:"workers"`
	DocumentTimeout   time.Duration `yaml:"document_timeout" mapstructure:"document_timeout"`
	OCRPagesPerSecond float64       `yaml:"ocr_pages_per_second" mapstructure:"ocr_pages_per_second"`
	CacheTTLHours     int           `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
}

// PipelineConfig configures batch orchestration and claim consensus.
type PipelineConfig struct {
	MaxConcurrentSKUs int     `yaml:"max_concurrent_skus" mapstructure:"max_concurrent_skus"`
	DegradedFactor    float64 `yaml:"degraded_factor" mapstructure:"degraded_factor"`
	DescriptionBase   float64 `yaml:"description_base" mapstructure:"description_base"`
	StoreRetries      int     `yaml:"store_retries" mapstructure:"store_retries"`
	StaleRunMinutes   int     `yaml:"stale_run_minutes" mapstructure:"stale_run_minutes"`
}

// VerifyConfig configures the verification engine.
type VerifyConfig struct {
	RulesPath       string  `yaml:"rules_path" mapstructure:"rules_path"`
	ClassifierPath  string  `yaml:"classifier_path" mapstructure:"classifier_path"`
	VocabularyPath  string  `yaml:"vocabulary_path" mapstructure:"vocabulary_path"`
	AcceptThreshold float64 `yaml:"accept_threshold" mapstructure:"accept_threshold"`
	RejectThreshold float64 `yaml:"reject_threshold" mapstructure:"reject_threshold"`
	MinConfidence   float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
}

// ReportConfig configures compliance report generation.
type ReportConfig struct {
	ClaimWeight       float64 `yaml:"claim_weight" mapstructure:"claim_weight"`
	CertificateWeight float64 `yaml:"certificate_weight" mapstructure:"certificate_weight"`
}

// MonitoringConfig configures pipeline health checks and alert delivery.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	BacklogThreshold     int     `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
	StaleTaskHours       int     `yaml:"stale_task_hours" mapstructure:"stale_task_hours"`
}

// Validate checks static configuration constraints and reports every
// violation at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	v := c.Verify
	if v.RejectThreshold < 0 || v.AcceptThreshold > 1 || v.RejectThreshold >= v.AcceptThreshold {
		errs = append(errs, fmt.Sprintf("verify thresholds must satisfy 0 <= reject_threshold (%.2f) < accept_threshold (%.2f) <= 1", v.RejectThreshold, v.AcceptThreshold))
	}
	if v.MinConfidence < 0 || v.MinConfidence > 1 {
		errs = append(errs, "verify.min_confidence must be between 0 and 1")
	}
	if c.Pipeline.DegradedFactor <= 0 || c.Pipeline.DegradedFactor > 1 {
		errs = append(errs, "pipeline.degraded_factor must be in (0, 1]")
	}
	if c.Pipeline.MaxConcurrentSKUs < 0 || c.Extract.Workers < 0 {
		errs = append(errs, "concurrency limits must be >= 0")
	}
	if c.Extract.DocumentTimeout <= 0 {
		errs = append(errs, "extract.document_timeout must be > 0")
	}
	if m := c.Monitoring; m.FailureRateThreshold < 0 || m.FailureRateThreshold > 1 {
		errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
	}
	if c.Report.ClaimWeight < 0 || c.Report.CertificateWeight < 0 {
		errs = append(errs, "report weights must be >= 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SHELFTRUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "shelftruth.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("intake.skus_path", "data/supplier_skus.json")
	v.SetDefault("intake.labels_dir", "data/labels")
	v.SetDefault("intake.certificates_dir", "data/certificates")
	v.SetDefault("extract.pdftotext_path", "pdftotext")
	v.SetDefault("extract.pdftoppm_path", "pdftoppm")
	v.SetDefault("extract.tesseract_path", "tesseract")
	v.SetDefault("extract.dpi", 300)
	v.SetDefault("extract.ocr_lang", "eng")
	v.SetDefault("extract.ocr_oem", 1)
	v.SetDefault("extract.ocr_psm", 3)
	v.SetDefault("extract.min_alpha_per_page", 10)
	v.SetDefault("extract.workers", 0)
	v.SetDefault("extract.document_timeout", "2m")
	v.SetDefault("extract.ocr_pages_per_second", 0)
	v.SetDefault("extract.cache_ttl_hours", 720)
	v.SetDefault("pipeline.max_concurrent_skus", 0)
	v.SetDefault("pipeline.degraded_factor", 0.8)
	v.SetDefault("pipeline.description_base", 0.9)
	v.SetDefault("pipeline.store_retries", 3)
	v.SetDefault("pipeline.stale_run_minutes", 360)
	v.SetDefault("verify.accept_threshold", 0.7)
	v.SetDefault("verify.reject_threshold", 0.3)
	v.SetDefault("verify.min_confidence", 0.6)
	v.SetDefault("report.claim_weight", 0.7)
	v.SetDefault("report.certificate_weight", 0.3)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.failure_rate_threshold", 0.1)
	v.SetDefault("monitoring.backlog_threshold", 100)
	v.SetDefault("monitoring.stale_task_hours", 72)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
