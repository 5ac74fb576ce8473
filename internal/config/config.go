package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	Store       string `mapstructure:"STORE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	ConditionRulesFile string        `mapstructure:"CONDITION_RULES_FILE"`
	DeadlineGrace      time.Duration `mapstructure:"DEADLINE_GRACE"`

	RetryMaxAttempts     int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay       time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryMaxDelay        time.Duration `mapstructure:"RETRY_MAX_DELAY"`
	RetrySweepInterval   time.Duration `mapstructure:"RETRY_SWEEP_INTERVAL"`
	SubmittingStaleAfter time.Duration `mapstructure:"SUBMITTING_STALE_AFTER"`
	SubmissionTimeout    time.Duration `mapstructure:"SUBMISSION_TIMEOUT"`

	ComplianceScanInterval time.Duration `mapstructure:"COMPLIANCE_SCAN_INTERVAL"`
	EscalationCooldown     time.Duration `mapstructure:"ESCALATION_COOLDOWN"`
	EscalationBackend      string        `mapstructure:"ESCALATION_BACKEND"`
	AMQPURL                string        `mapstructure:"AMQP_URL"`
	EscalationQueue        string        `mapstructure:"ESCALATION_QUEUE"`
	EscalationWebhookURL   string        `mapstructure:"ESCALATION_WEBHOOK_URL"`
	EscalationWebhookKey   string        `mapstructure:"ESCALATION_WEBHOOK_SECRET"`

	RegistryDirectoryFile string  `mapstructure:"REGISTRY_DIRECTORY_FILE"`
	RegistryTokens        string  `mapstructure:"REGISTRY_TOKENS"`
	RegistryRPS           float64 `mapstructure:"REGISTRY_RPS"`
	RegistryBurst         int     `mapstructure:"REGISTRY_BURST"`
	SendingApplication    string  `mapstructure:"SENDING_APPLICATION"`
	SendingFacility       string  `mapstructure:"SENDING_FACILITY"`
	MLLPAckAddr           string  `mapstructure:"MLLP_ACK_ADDR"`

	ArchiveBackend string `mapstructure:"ARCHIVE_BACKEND"`
	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket    string `mapstructure:"MINIO_BUCKET"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`
}

var defaults = map[string]interface{}{
	"PORT":                     "8000",
	"ENV":                      "development",
	"LOG_LEVEL":                "info",
	"CORS_ORIGINS":             "http://localhost:3000",
	"STORE":                    "postgres",
	"DB_MAX_CONNS":             20,
	"DB_MIN_CONNS":             5,
	"DEADLINE_GRACE":           "24h",
	"RETRY_MAX_ATTEMPTS":       5,
	"RETRY_BASE_DELAY":         "30s",
	"RETRY_MAX_DELAY":          "1h",
	"RETRY_SWEEP_INTERVAL":     "30s",
	"SUBMITTING_STALE_AFTER":   "10m",
	"SUBMISSION_TIMEOUT":       "30s",
	"COMPLIANCE_SCAN_INTERVAL": "5m",
	"ESCALATION_COOLDOWN":      "6h",
	"ESCALATION_BACKEND":       "log",
	"ESCALATION_QUEUE":         "phreport.escalations",
	"REGISTRY_RPS":             5,
	"REGISTRY_BURST":           10,
	"SENDING_APPLICATION":      "PHREPORT",
	"SENDING_FACILITY":         "PHREPORT",
	"ARCHIVE_BACKEND":          "none",
	"MINIO_BUCKET":             "phreport-archive",
}

// Keys without a default still need binding so Unmarshal sees them.
var unset = []string{
	"DATABASE_URL", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CONDITION_RULES_FILE", "AMQP_URL", "ESCALATION_WEBHOOK_URL", "ESCALATION_WEBHOOK_SECRET",
	"REGISTRY_DIRECTORY_FILE", "REGISTRY_TOKENS", "MLLP_ACK_ADDR",
	"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "MINIO_USE_SSL",
}

// Load reads the environment, overlaid on an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
		v.BindEnv(k)
	}
	for _, k := range unset {
		v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	cfg.Store = strings.ToLower(cfg.Store)
	cfg.EscalationBackend = strings.ToLower(cfg.EscalationBackend)
	cfg.ArchiveBackend = strings.ToLower(cfg.ArchiveBackend)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is complete for the selected
// backends.
func (c *Config) Validate() error {
	switch c.Store {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=postgres")
		}
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("STORE=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("STORE must be \"postgres\" or \"memory\", got %q", c.Store)
	}

	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set outside development (ENV=%q)", c.Env)
	}

	switch c.EscalationBackend {
	case "log":
	case "amqp":
		if c.AMQPURL == "" {
			return fmt.Errorf("AMQP_URL is required when ESCALATION_BACKEND=amqp")
		}
	case "webhook":
		if c.EscalationWebhookURL == "" {
			return fmt.Errorf("ESCALATION_WEBHOOK_URL is required when ESCALATION_BACKEND=webhook")
		}
	default:
		return fmt.Errorf("ESCALATION_BACKEND must be \"log\", \"amqp\" or \"webhook\", got %q", c.EscalationBackend)
	}

	switch c.ArchiveBackend {
	case "none":
	case "minio":
		if c.MinioEndpoint == "" || c.MinioAccessKey == "" || c.MinioSecretKey == "" {
			return fmt.Errorf("MINIO_ENDPOINT, MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when ARCHIVE_BACKEND=minio")
		}
	default:
		return fmt.Errorf("ARCHIVE_BACKEND must be \"none\" or \"minio\", got %q", c.ArchiveBackend)
	}

	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_BASE_DELAY must be positive and not exceed RETRY_MAX_DELAY")
	}
	for name, d := range map[string]time.Duration{
		"RETRY_SWEEP_INTERVAL":     c.RetrySweepInterval,
		"SUBMITTING_STALE_AFTER":   c.SubmittingStaleAfter,
		"SUBMISSION_TIMEOUT":       c.SubmissionTimeout,
		"COMPLIANCE_SCAN_INTERVAL": c.ComplianceScanInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.DeadlineGrace < 0 || c.EscalationCooldown < 0 {
		return fmt.Errorf("DEADLINE_GRACE and ESCALATION_COOLDOWN must not be negative")
	}
	return nil
}
