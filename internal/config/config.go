// Package config handles configuration loading and validation for imagecheck.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the complete service and CLI configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Detector DetectorConfig `toml:"detector" yaml:"detector"`
	Scorer   ScorerConfig   `toml:"scorer" yaml:"scorer"`
	Usage    UsageConfig    `toml:"usage" yaml:"usage"`
	Analysis AnalysisConfig `toml:"analysis" yaml:"analysis"`
	Logging  LoggingConfig  `toml:"logging" yaml:"logging"`
}

// ServerConfig configures the HTTP service.
type ServerConfig struct {
	Addr            string   `toml:"addr" yaml:"addr" validate:"required"`
	Mode            string   `toml:"mode" yaml:"mode" validate:"oneof=debug release test"`
	AllowOrigins    []string `toml:"allow_origins" yaml:"allow_origins"`
	RateLimit       float64  `toml:"rate_limit" yaml:"rate_limit" validate:"gte=0"` // requests per second per IP, 0 disables
	MaxUploadMB     int      `toml:"max_upload_mb" yaml:"max_upload_mb" validate:"gte=1,lte=512"`
	StrictResponses bool     `toml:"strict_responses" yaml:"strict_responses"`
}

// DetectorConfig selects and tunes the face locator.
type DetectorConfig struct {
	Backend      string  `toml:"backend" yaml:"backend" validate:"oneof=none pigo haar"`
	CascadePath  string  `toml:"cascade_path" yaml:"cascade_path" validate:"required_unless=Backend none"`
	MinSize      int     `toml:"min_size" yaml:"min_size" validate:"gte=1"`
	ScaleFactor  float64 `toml:"scale_factor" yaml:"scale_factor" validate:"gt=1"`
	ShiftFactor  float64 `toml:"shift_factor" yaml:"shift_factor" validate:"gt=0,lte=1"`
	MinNeighbors int     `toml:"min_neighbors" yaml:"min_neighbors" validate:"gte=0"`
	MinQuality   float64 `toml:"min_quality" yaml:"min_quality" validate:"gte=0"`
	IoUThreshold float64 `toml:"iou_threshold" yaml:"iou_threshold" validate:"gt=0,lte=1"`
}

// ScorerConfig selects the face scorer.
type ScorerConfig struct {
	Backend   string        `toml:"backend" yaml:"backend" validate:"oneof=none process onnx"`
	Command   string        `toml:"command" yaml:"command" validate:"required_if=Backend process"`
	Args      []string      `toml:"args" yaml:"args"`
	ModelPath string        `toml:"model_path" yaml:"model_path" validate:"required_if=Backend onnx"`
	InputSize int           `toml:"input_size" yaml:"input_size" validate:"gte=16,lte=1024"`
	Timeout   time.Duration `toml:"timeout" yaml:"timeout" validate:"gte=0"`

	// NHWC feeds the onnx model channels-last input.
	NHWC bool `toml:"nhwc" yaml:"nhwc"`

	// Workers is the number of model processes; 0 means one per CPU.
	Workers int `toml:"workers" yaml:"workers" validate:"gte=0"`
}

// UsageConfig configures the usage metering store.
type UsageConfig struct {
	Enabled         bool   `toml:"enabled" yaml:"enabled"`
	DBPath          string `toml:"db_path" yaml:"db_path" validate:"required_if=Enabled true"`
	FreeScansPerDay int    `toml:"free_scans_per_day" yaml:"free_scans_per_day" validate:"gte=0"`
	PremiumMonths   int    `toml:"premium_months" yaml:"premium_months" validate:"gte=1"`
}

// AnalysisConfig holds the pipeline tunables.
type AnalysisConfig struct {
	JPEGQuality            int           `toml:"jpeg_quality" yaml:"jpeg_quality" validate:"gte=1,lte=100"`
	MissingMetadataPenalty float64       `toml:"missing_metadata_penalty" yaml:"missing_metadata_penalty" validate:"gte=0,lte=1"`
	CacheTTL               time.Duration `toml:"cache_ttl" yaml:"cache_ttl" validate:"gte=0"`
	MaxDownloadMB          int           `toml:"max_download_mb" yaml:"max_download_mb" validate:"gte=1"`
}

// LoggingConfig configures internal/logger.
type LoggingConfig struct {
	Level string `toml:"level" yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `toml:"json" yaml:"json"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8000",
			Mode:        "release",
			RateLimit:   5,
			MaxUploadMB: 15,
		},
		Detector: DetectorConfig{
			Backend:      "none",
			MinSize:      30,
			ScaleFactor:  1.1,
			ShiftFactor:  0.1,
			MinNeighbors: 5,
			MinQuality:   5,
			IoUThreshold: 0.2,
		},
		Scorer: ScorerConfig{
			Backend:   "none",
			InputSize: 128,
			Timeout:   10 * time.Second,
		},
		Usage: UsageConfig{
			DBPath:          filepath.Join(DataDir(), "usage.db"),
			FreeScansPerDay: 1,
			PremiumMonths:   1,
		},
		Analysis: AnalysisConfig{
			JPEGQuality:            90,
			MissingMetadataPenalty: 0.2,
			CacheTTL:               10 * time.Minute,
			MaxDownloadMB:          20,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DataDir is the default directory for state files.
func DataDir() string {
	if dir := os.Getenv("IMAGECHECK_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".imagecheck"
	}
	return filepath.Join(home, ".imagecheck")
}

// ValidationErrors collects every failed rule.
type ValidationErrors []string

func (v ValidationErrors) Error() string {
	return "invalid configuration: " + strings.Join(v, "; ")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section against its rules.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out = append(out, fmt.Sprintf("%s: failed %s (got %v)", strings.TrimPrefix(fe.Namespace(), "Config."), rule, fe.Value()))
	}
	return out
}

// ApplyEnvOverrides applies IMAGECHECK_* variables (and PORT) on top of the
// file values. Malformed numbers are ignored.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Addr = ":" + v
	}
	str := map[string]*string{
		"IMAGECHECK_ADDR":       &c.Server.Addr,
		"IMAGECHECK_MODE":       &c.Server.Mode,
		"IMAGECHECK_DETECTOR":   &c.Detector.Backend,
		"IMAGECHECK_CASCADE":    &c.Detector.CascadePath,
		"IMAGECHECK_SCORER":     &c.Scorer.Backend,
		"IMAGECHECK_SCORER_CMD": &c.Scorer.Command,
		"IMAGECHECK_MODEL":      &c.Scorer.ModelPath,
		"IMAGECHECK_DB":         &c.Usage.DBPath,
		"IMAGECHECK_LOG_LEVEL":  &c.Logging.Level,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("IMAGECHECK_ALLOW_ORIGINS"); v != "" {
		c.Server.AllowOrigins = splitList(v)
	}
	if v, err := strconv.ParseFloat(os.Getenv("IMAGECHECK_RATE_LIMIT"), 64); err == nil {
		c.Server.RateLimit = v
	}
	if v, err := strconv.Atoi(os.Getenv("IMAGECHECK_FREE_SCANS")); err == nil {
		c.Usage.FreeScansPerDay = v
	}
	if v, err := strconv.ParseBool(os.Getenv("IMAGECHECK_USAGE")); err == nil {
		c.Usage.Enabled = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("IMAGECHECK_METADATA_PENALTY"), 64); err == nil {
		c.Analysis.MissingMetadataPenalty = v
	}
	if v, err := strconv.ParseBool(os.Getenv("IMAGECHECK_LOG_JSON")); err == nil {
		c.Logging.JSON = v
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
