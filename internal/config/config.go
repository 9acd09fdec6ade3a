// Package config loads acsm-bridge settings from ACSM_* environment
// variables and validates them before anything is started.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable name.
const Prefix = "ACSM"

// Config is the complete runtime configuration.
type Config struct {
	Addr    string `envconfig:"ADDR" default:":3300"`
	Env     string `envconfig:"ENV" default:"development"`
	Version string `envconfig:"VERSION" default:"dev"`
	Commit  string `envconfig:"COMMIT" default:"unknown"`

	ActivationDir string `envconfig:"ACTIVATION_DIR" default:"/tmp/adept"`
	// WorkDir holds the per-request working directories. Empty means os.TempDir().
	WorkDir string `envconfig:"WORK_DIR"`

	ActivateTool      string        `envconfig:"ACTIVATE_TOOL" default:"adept_activate"`
	DownloadTool      string        `envconfig:"DOWNLOAD_TOOL" default:"acsmdownloader"`
	RemoveTool        string        `envconfig:"REMOVE_TOOL" default:"adept_remove"`
	ActivationTimeout time.Duration `envconfig:"ACTIVATION_TIMEOUT" default:"2m"`
	ToolTimeout       time.Duration `envconfig:"TOOL_TIMEOUT" default:"5m"`
	RemoveBestEffort  bool          `envconfig:"REMOVE_BEST_EFFORT" default:"false"`

	MaxUploadBytes    int64         `envconfig:"MAX_UPLOAD_BYTES" default:"1048576"`
	MaxConcurrentJobs int64         `envconfig:"MAX_CONCURRENT_JOBS" default:"4"`
	RateLimit         int           `envconfig:"RATE_LIMIT" default:"30"`
	RateWindow        time.Duration `envconfig:"RATE_WINDOW" default:"1m"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// UploadTimeout bounds reading the request body. Zero disables it.
	UploadTimeout time.Duration `envconfig:"UPLOAD_TIMEOUT" default:"1m"`

	// TrustProxy takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable it only behind a proxy that sets those headers.
	TrustProxy bool `envconfig:"TRUST_PROXY" default:"false"`

	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	CleanupMaxAge   time.Duration `envconfig:"CLEANUP_MAX_AGE" default:"1h"`

	DatabaseURL string `envconfig:"DATABASE_URL"`

	Log LogConfig `envconfig:"LOG"`
	S3  S3Config  `envconfig:"S3"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT" default:"text"`
}

// S3Config points at the optional bucket that archives uploaded vouchers.
type S3Config struct {
	Endpoint  string `envconfig:"ENDPOINT"`
	AccessKey string `envconfig:"ACCESS_KEY"`
	SecretKey string `envconfig:"SECRET_KEY"`
	Bucket    string `envconfig:"BUCKET"`
}

// Enabled reports whether any S3 setting was provided.
func (c S3Config) Enabled() bool {
	return c.Endpoint != "" || c.AccessKey != "" || c.SecretKey != "" || c.Bucket != ""
}

// Load reads the environment, fills defaults and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config from env: %w", err)
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field and reports all problems at once.
func (c Config) Validate() error {
	v := NewValidator()

	v.ValidateRequired("ACSM_ADDR", c.Addr)
	v.ValidateAddr("ACSM_ADDR", c.Addr)
	v.ValidateEnum("ACSM_ENV", c.Env, []string{"development", "staging", "production"})

	v.ValidateRequired("ACSM_ACTIVATION_DIR", c.ActivationDir)
	v.ValidateAbsPath("ACSM_ACTIVATION_DIR", c.ActivationDir)
	v.ValidateAbsPath("ACSM_WORK_DIR", c.WorkDir)

	v.ValidateRequired("ACSM_ACTIVATE_TOOL", c.ActivateTool)
	v.ValidateRequired("ACSM_DOWNLOAD_TOOL", c.DownloadTool)
	v.ValidateRequired("ACSM_REMOVE_TOOL", c.RemoveTool)
	v.ValidatePositiveDuration("ACSM_ACTIVATION_TIMEOUT", c.ActivationTimeout)
	v.ValidatePositiveDuration("ACSM_TOOL_TIMEOUT", c.ToolTimeout)

	v.ValidateNonNegative("ACSM_MAX_UPLOAD_BYTES", c.MaxUploadBytes)
	v.ValidateNonNegative("ACSM_UPLOAD_TIMEOUT", int64(c.UploadTimeout))
	v.ValidatePositive("ACSM_MAX_CONCURRENT_JOBS", c.MaxConcurrentJobs)
	v.ValidateNonNegative("ACSM_RATE_LIMIT", int64(c.RateLimit))
	if c.RateLimit > 0 {
		v.ValidatePositiveDuration("ACSM_RATE_WINDOW", c.RateWindow)
	}
	v.ValidatePositiveDuration("ACSM_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	v.ValidatePositiveDuration("ACSM_CLEANUP_INTERVAL", c.CleanupInterval)
	v.ValidatePositiveDuration("ACSM_CLEANUP_MAX_AGE", c.CleanupMaxAge)
	// The sweeper must never remove the directory of a job that is still
	// inside its tool timeouts.
	if c.ToolTimeout > 0 && c.CleanupMaxAge > 0 && c.CleanupMaxAge <= 2*c.ToolTimeout {
		v.AddError("ACSM_CLEANUP_MAX_AGE", fmt.Sprintf("must be greater than twice ACSM_TOOL_TIMEOUT (%s)", 2*c.ToolTimeout))
	}

	v.ValidatePostgresURL("ACSM_DATABASE_URL", c.DatabaseURL)

	v.ValidateEnum("ACSM_LOG_LEVEL", c.Log.Level, []string{"debug", "info", "warn", "error"})
	v.ValidateEnum("ACSM_LOG_FORMAT", c.Log.Format, []string{"json", "text"})

	if c.S3.Enabled() {
		v.ValidateRequired("ACSM_S3_ENDPOINT", c.S3.Endpoint)
		v.ValidateRequired("ACSM_S3_ACCESS_KEY", c.S3.AccessKey)
		v.ValidateRequired("ACSM_S3_SECRET_KEY", c.S3.SecretKey)
		v.ValidateRequired("ACSM_S3_BUCKET", c.S3.Bucket)
	}

	if v.HasErrors() {
		return fmt.Errorf("%s", v.ErrorString())
	}
	return nil
}
