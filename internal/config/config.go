package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Port               string   `mapstructure:"PORT"`
	Env                string   `mapstructure:"ENV"`
	DatabaseURL        string   `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string   `mapstructure:"REDIS_URL"`
	AuthIssuer         string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey     string   `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant      string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins        []string `mapstructure:"CORS_ORIGINS"`
	HIPAAEncryptionKey string   `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	RateLimitRPS       float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int      `mapstructure:"RATE_LIMIT_BURST"`
	MigrationsDir      string   `mapstructure:"MIGRATIONS_DIR"`

	// Document intake
	MaxUploadBytes int64  `mapstructure:"MAX_UPLOAD_BYTES"`
	S3Bucket       string `mapstructure:"S3_BUCKET"`
	OCRServiceURL  string `mapstructure:"OCR_SERVICE_URL"`

	// Field extraction
	LLMProvider            string        `mapstructure:"LLM_PROVIDER"`
	LLMAPIURL              string        `mapstructure:"LLM_API_URL"`
	LLMAPIKey              string        `mapstructure:"LLM_API_KEY"`
	LLMModel               string        `mapstructure:"LLM_MODEL"`
	LLMRPS                 float64       `mapstructure:"LLM_RPS"`
	FastExtractionTimeout  time.Duration `mapstructure:"FAST_EXTRACTION_TIMEOUT"`
	FullExtractionTimeout  time.Duration `mapstructure:"FULL_EXTRACTION_TIMEOUT"`
	ExtractRateLimitRPS    float64       `mapstructure:"EXTRACT_RATE_LIMIT_RPS"`
	LowConfidenceThreshold float64       `mapstructure:"LOW_CONFIDENCE_THRESHOLD"`

	// Reconciliation
	MatchByMRN      bool `mapstructure:"MATCH_BY_MRN"`
	MatchByMedicare bool `mapstructure:"MATCH_BY_MEDICARE"`
	MatchByNameDOB  bool `mapstructure:"MATCH_BY_NAME_DOB"`

	// Events and caching
	KafkaBrokers   []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic     string        `mapstructure:"KAFKA_TOPIC"`
	StatusCacheTTL time.Duration `mapstructure:"STATUS_CACHE_TTL"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "DEFAULT_TENANT",
	"CORS_ORIGINS", "HIPAA_ENCRYPTION_KEY", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"MIGRATIONS_DIR", "MAX_UPLOAD_BYTES", "S3_BUCKET", "OCR_SERVICE_URL",
	"LLM_PROVIDER", "LLM_API_URL", "LLM_API_KEY", "LLM_MODEL", "LLM_RPS",
	"FAST_EXTRACTION_TIMEOUT", "FULL_EXTRACTION_TIMEOUT", "EXTRACT_RATE_LIMIT_RPS",
	"LOW_CONFIDENCE_THRESHOLD", "MATCH_BY_MRN", "MATCH_BY_MEDICARE", "MATCH_BY_NAME_DOB",
	"KAFKA_BROKERS", "KAFKA_TOPIC", "STATUS_CACHE_TTL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("MAX_UPLOAD_BYTES", 20<<20)
	v.SetDefault("LLM_PROVIDER", "rules")
	v.SetDefault("LLM_MODEL", "gemini-1.5-flash")
	v.SetDefault("LLM_API_URL", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("LLM_RPS", 5)
	v.SetDefault("FAST_EXTRACTION_TIMEOUT", 4500*time.Millisecond)
	v.SetDefault("FULL_EXTRACTION_TIMEOUT", 45*time.Second)
	v.SetDefault("EXTRACT_RATE_LIMIT_RPS", 2)
	v.SetDefault("LOW_CONFIDENCE_THRESHOLD", 0.6)
	v.SetDefault("MATCH_BY_MRN", true)
	v.SetDefault("MATCH_BY_MEDICARE", true)
	v.SetDefault("MATCH_BY_NAME_DOB", true)
	v.SetDefault("KAFKA_TOPIC", "referral-events")
	v.SetDefault("STATUS_CACHE_TTL", 2*time.Second)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Warn().Msg("server is running in DEVELOPMENT mode: unauthenticated requests act as dev-user in the default practice")
	}

	return cfg, nil
}

// splitList turns a comma separated env value into a list when viper could
// not decode it directly.
func splitList(current []string, raw string) []string {
	if len(current) == 1 && strings.Contains(current[0], ",") {
		raw = current[0]
		current = nil
	}
	if len(current) > 0 || raw == "" {
		return current
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development a
// signing key or issuer must be present so that real JWT authentication is
// enforced. In production HIPAA_ENCRYPTION_KEY is required.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_ISSUER must be set when ENV=%q", c.Env)
	}

	if c.IsProduction() && c.HIPAAEncryptionKey == "" {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
	}
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	switch c.LLMProvider {
	case "rules":
	case "gemini":
		if c.LLMAPIKey == "" {
			return fmt.Errorf("LLM_API_KEY is required when LLM_PROVIDER is \"gemini\"")
		}
	default:
		return fmt.Errorf("LLM_PROVIDER must be \"rules\" or \"gemini\", got %q", c.LLMProvider)
	}

	if c.FastExtractionTimeout <= 0 || c.FullExtractionTimeout <= 0 {
		return fmt.Errorf("extraction timeouts must be positive")
	}
	if c.FastExtractionTimeout > c.FullExtractionTimeout {
		return fmt.Errorf("FAST_EXTRACTION_TIMEOUT (%s) must not exceed FULL_EXTRACTION_TIMEOUT (%s)",
			c.FastExtractionTimeout, c.FullExtractionTimeout)
	}
	if c.LowConfidenceThreshold <= 0 || c.LowConfidenceThreshold > 1 {
		return fmt.Errorf("LOW_CONFIDENCE_THRESHOLD must be in (0, 1], got %v", c.LowConfidenceThreshold)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if !c.MatchByMRN && !c.MatchByMedicare && !c.MatchByNameDOB {
		log.Warn().Msg("all patient match rules disabled: every apply creates a new patient")
	}

	return nil
}
