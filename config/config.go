package config

// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library, optionally seeded from a .env file.
// Every setting is optional: a missing credential disables the feature
// that needs it instead of failing the run.

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DefaultReporterURL    = "https://app.testpipe.io"
	DefaultBatchSize      = 20
	DefaultLedgerMaxAge   = 3 * time.Hour
	DefaultUploadAttempts = 3
)

// Config is the complete reporter configuration.
type Config struct {
	Reporter  ReporterConfig
	GitHub    GitHubConfig
	Artifacts ArtifactsConfig
	S3        S3Config `envPrefix:"S3_"`

	// CSV output file; the csv pipe is disabled when empty.
	CSVFile string `env:"TESTPIPE_CSV"`
	// Debug log file; the debug pipe is disabled when empty.
	DebugFile string `env:"TESTPIPE_DEBUG"`
	// Names of additional registered pipes to build.
	Pipes []string `env:"TESTPIPE_PIPES" envSeparator:","`
}

// ReporterConfig configures the remote reporting API pipe.
type ReporterConfig struct {
	APIKey       string `env:"TESTPIPE_API_KEY"`
	URL          string `env:"TESTPIPE_URL" envDefault:"https://app.testpipe.io"`
	RunID        string `env:"TESTPIPE_RUN_ID"`
	Title        string `env:"TESTPIPE_TITLE"`
	DisableBatch bool   `env:"TESTPIPE_DISABLE_BATCH"`
	BatchSize    int    `env:"TESTPIPE_BATCH_SIZE" envDefault:"20"`
}

// GitHubConfig configures the pull-request comment pipe.
type GitHubConfig struct {
	Token      string `env:"GH_PAT"`
	Repository string `env:"GITHUB_REPOSITORY"`
	PRNumber   int    `env:"GITHUB_PR_NUMBER"`
	APIURL     string `env:"GITHUB_API_URL" envDefault:"https://api.github.com"`
}

// ArtifactsConfig configures the artifact uploader and its ledger.
type ArtifactsConfig struct {
	Disabled bool `env:"TESTPIPE_DISABLE_ARTIFACTS"`
	// Upload ceiling in megabytes, 0 means unlimited.
	MaxSizeMB float64 `env:"TESTPIPE_ARTIFACT_MAX_SIZE_MB"`
	// Local directory storage, used when no S3 bucket is configured.
	Dir string `env:"TESTPIPE_ARTIFACTS_DIR"`
	// Public URL prefix for files stored in Dir.
	BaseURL string `env:"TESTPIPE_ARTIFACTS_URL"`

	LedgerDir    string        `env:"TESTPIPE_LEDGER_DIR"`
	LedgerMaxAge time.Duration `env:"TESTPIPE_LEDGER_MAX_AGE" envDefault:"3h"`
	Attempts     int           `env:"TESTPIPE_UPLOAD_ATTEMPTS" envDefault:"3"`
}

// S3Config holds S3-compatible blob storage credentials.
type S3Config struct {
	Bucket          string `env:"BUCKET"`
	Region          string `env:"REGION"`
	Endpoint        string `env:"ENDPOINT"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
	SessionToken    string `env:"SESSION_TOKEN"`
	PublicURL       string `env:"PUBLIC_URL"`
	Insecure        bool   `env:"INSECURE"`
}

// Enabled reports whether enough S3 settings are present to upload.
func (c S3Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// MaxSizeBytes converts the configured ceiling to bytes.
func (c ArtifactsConfig) MaxSizeBytes() int64 {
	return int64(c.MaxSizeMB * 1024 * 1024)
}

// Sanitize applies guardrails to values loaded from the environment.
func (c *Config) Sanitize() {
	c.Reporter.URL = strings.TrimRight(strings.TrimSpace(c.Reporter.URL), "/")
	if c.Reporter.URL == "" {
		c.Reporter.URL = DefaultReporterURL
	}
	if c.Reporter.BatchSize <= 0 {
		c.Reporter.BatchSize = DefaultBatchSize
	}
	if c.GitHub.APIURL == "" {
		c.GitHub.APIURL = "https://api.github.com"
	}
	c.GitHub.APIURL = strings.TrimRight(c.GitHub.APIURL, "/")
	if c.Artifacts.MaxSizeMB < 0 {
		c.Artifacts.MaxSizeMB = 0
	}
	if c.Artifacts.LedgerDir == "" {
		c.Artifacts.LedgerDir = os.TempDir()
	}
	if c.Artifacts.LedgerMaxAge <= 0 {
		c.Artifacts.LedgerMaxAge = DefaultLedgerMaxAge
	}
	if c.Artifacts.Attempts <= 0 {
		c.Artifacts.Attempts = DefaultUploadAttempts
	}

	pipes := c.Pipes[:0]
	for _, name := range c.Pipes {
		if name = strings.TrimSpace(name); name != "" {
			pipes = append(pipes, name)
		}
	}
	c.Pipes = pipes
}

// Parse reads the configuration from the process environment.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// Load reads an optional .env file and then the environment.
// Values already present in the environment win over the file.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("failed to load .env file: %w", err)
		}
	}
	return Parse()
}
