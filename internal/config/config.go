// Package config loads runtime configuration from the environment and an optional .env file.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the CLI and the server.
type Config struct {
	OrgURL              string   `env:"AZDO_ORG_URL"`
	Project             string   `env:"AZDO_PROJECT"`
	APIVersion          string   `env:"AZDO_API_VERSION,default=7.0"`
	ApprovalsAPIVersion string   `env:"AZDO_APPROVALS_API_VERSION,default=7.1-preview.1"`
	UserAgent           string   `env:"AZDO_USER_AGENT"`
	MaxRuns             int      `env:"AZDO_MAX_RUNS,default=20"`
	PAT                 string   `env:"AZDO_PAT"`
	AllowedProjects     []string `env:"AZDO_ALLOWED_PROJECTS"`

	RefreshInterval time.Duration `env:"REFRESH_INTERVAL,default=10s"`
	HTTPTimeout     time.Duration `env:"HTTP_TIMEOUT,default=30s"`
	HTTPRetries     int           `env:"HTTP_RETRIES,default=3"`

	FilterFile     string `env:"PIPESCOPE_FILTER_FILE"`
	CredentialFile string `env:"PIPESCOPE_CREDENTIAL_FILE"`
	AgeSecretKey   string `env:"AGE_SECRET_KEY"`
	Passphrase     string `env:"PIPESCOPE_PASSPHRASE"`

	DBDSN        string `env:"DB_DSN"`
	NATSURL      string `env:"NATS_URL"`
	NATSSubject  string `env:"NATS_SUBJECT,default=pipescope.tree.changed"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Addr           string   `env:"ADDR,default=:8080"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	RateLimit      int      `env:"RATE_LIMIT_PER_MINUTE,default=120"`

	S3Bucket         string        `env:"S3_BUCKET"`
	S3Endpoint       string        `env:"S3_ENDPOINT"`
	S3Region         string        `env:"S3_REGION,default=us-east-1"`
	S3AccessKey      string        `env:"S3_ACCESS_KEY"`
	S3SecretKey      string        `env:"S3_SECRET_KEY"`
	S3ForcePathStyle bool          `env:"S3_FORCE_PATH_STYLE,default=true"`
	S3DisableTLS     bool          `env:"S3_DISABLE_TLS,default=false"`
	ArchiveLinkTTL   time.Duration `env:"ARCHIVE_LINK_TTL,default=24h"`

	LogLevel          string `env:"LOG_LEVEL,default=info"`
	LogConsole        bool   `env:"LOG_CONSOLE,default=true"`
	AllowInsecureHTTP bool   `env:"PIPESCOPE_ALLOW_INSECURE_HTTP,default=false"`
}

// Load reads .env when present and then the process environment.
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith populates a Config from lookuper.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	cfg.OrgURL = strings.TrimRight(strings.TrimSpace(cfg.OrgURL), "/")
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent()
	}
	return cfg, nil
}

// DefaultUserAgent identifies the tool, OS and architecture.
func DefaultUserAgent() string {
	return fmt.Sprintf("pipescope/1.0 (%s; %s)", runtime.GOOS, runtime.GOARCH)
}

// Validate checks the settings every provider call depends on.
func (c Config) Validate() error {
	if c.OrgURL == "" {
		return errors.New("AZDO_ORG_URL (or --org) is required")
	}
	if err := ensureHTTPS(c.OrgURL, c.AllowInsecureHTTP); err != nil {
		return err
	}
	if c.MaxRuns <= 0 {
		return fmt.Errorf("AZDO_MAX_RUNS must be positive, got %d", c.MaxRuns)
	}
	if c.HTTPRetries < 0 {
		return fmt.Errorf("HTTP_RETRIES must not be negative, got %d", c.HTTPRetries)
	}
	if c.RefreshInterval < time.Second {
		return fmt.Errorf("REFRESH_INTERVAL must be at least 1s, got %s", c.RefreshInterval)
	}
	return nil
}

func ensureHTTPS(raw string, allowInsecure bool) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse organization url: %w", err)
	}
	if parsed.Host == "" && parsed.Scheme != "" {
		return fmt.Errorf("organization url has no host: %s", raw)
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http", "":
		if allowInsecure && parsed.Scheme == "http" {
			return nil
		}
		if parsed.Scheme == "" {
			return fmt.Errorf("organization url must include https scheme")
		}
		return fmt.Errorf("organization url must use https: %s", raw)
	default:
		return fmt.Errorf("organization url must use https: %s", raw)
	}
}
