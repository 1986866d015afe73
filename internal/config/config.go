package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string   `mapstructure:"PORT"`
	Env             string   `mapstructure:"ENV"`
	StoreDriver     string   `mapstructure:"STORE_DRIVER"`
	DatabaseURL     string   `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL        string   `mapstructure:"REDIS_URL"`
	RedisChannel    string   `mapstructure:"REDIS_CHANNEL"`
	KafkaBrokers    []string `mapstructure:"KAFKA_BROKERS"`
	KafkaAuditTopic string   `mapstructure:"KAFKA_AUDIT_TOPIC"`
	AuthSigningKey  string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer      string   `mapstructure:"AUTH_ISSUER"`
	CORSOrigins     []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int      `mapstructure:"RATE_LIMIT_BURST"`

	// Outbound model endpoint
	ModelEndpoint    string        `mapstructure:"MODEL_ENDPOINT"`
	ModelAPIKey      string        `mapstructure:"MODEL_API_KEY"`
	ModelName        string        `mapstructure:"MODEL_NAME"`
	ModelTimeout     time.Duration `mapstructure:"MODEL_TIMEOUT"`
	ModelMaxRetries  int           `mapstructure:"MODEL_MAX_RETRIES"`
	ModelBackoffBase time.Duration `mapstructure:"MODEL_BACKOFF_BASE"`

	// Per-patient submission throttling
	SubmissionWindow time.Duration `mapstructure:"SUBMISSION_WINDOW"`
	SubmissionLimit  int           `mapstructure:"SUBMISSION_LIMIT"`

	// Triage thresholds
	UrgencyHighBelow          int  `mapstructure:"URGENCY_HIGH_BELOW"`
	UrgencyLowFrom            int  `mapstructure:"URGENCY_LOW_FROM"`
	ReviewScoreThreshold      int  `mapstructure:"REVIEW_SCORE_THRESHOLD"`
	ReviewMediumFloor         int  `mapstructure:"REVIEW_MEDIUM_FLOOR"`
	ScoringCumulativeCritical bool `mapstructure:"SCORING_CUMULATIVE_CRITICAL"`

	// Live channel
	WSHeartbeatInterval   time.Duration `mapstructure:"WS_HEARTBEAT_INTERVAL"`
	WSMaxMissedHeartbeats int           `mapstructure:"WS_MAX_MISSED_HEARTBEATS"`
	WSSendBuffer          int           `mapstructure:"WS_SEND_BUFFER"`

	PipelineWorkers int    `mapstructure:"PIPELINE_WORKERS"`
	AuditHashKey    string `mapstructure:"AUDIT_HASH_KEY"`

	// Pipeline recovery. A zero RECOVERY_INTERVAL only resumes at startup.
	PipelineAttempts int           `mapstructure:"PIPELINE_ATTEMPTS"`
	PipelineBackoff  time.Duration `mapstructure:"PIPELINE_BACKOFF"`
	RecoveryInterval time.Duration `mapstructure:"RECOVERY_INTERVAL"`
	StalledAfter     time.Duration `mapstructure:"STALLED_AFTER"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "REDIS_CHANNEL", "KAFKA_BROKERS", "KAFKA_AUDIT_TOPIC",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"MODEL_ENDPOINT", "MODEL_API_KEY", "MODEL_NAME", "MODEL_TIMEOUT", "MODEL_MAX_RETRIES",
	"MODEL_BACKOFF_BASE", "SUBMISSION_WINDOW", "SUBMISSION_LIMIT",
	"URGENCY_HIGH_BELOW", "URGENCY_LOW_FROM", "REVIEW_SCORE_THRESHOLD", "REVIEW_MEDIUM_FLOOR",
	"SCORING_CUMULATIVE_CRITICAL", "WS_HEARTBEAT_INTERVAL", "WS_MAX_MISSED_HEARTBEATS",
	"WS_SEND_BUFFER", "PIPELINE_WORKERS", "AUDIT_HASH_KEY",
	"PIPELINE_ATTEMPTS", "PIPELINE_BACKOFF", "RECOVERY_INTERVAL", "STALLED_AFTER",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REDIS_CHANNEL", "medquery-events")
	v.SetDefault("KAFKA_AUDIT_TOPIC", "medquery-audit")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("MODEL_ENDPOINT", "http://localhost:11434")
	v.SetDefault("MODEL_NAME", "gpt-4o-mini")
	v.SetDefault("MODEL_TIMEOUT", "20s")
	v.SetDefault("MODEL_MAX_RETRIES", 2)
	v.SetDefault("MODEL_BACKOFF_BASE", "500ms")
	v.SetDefault("SUBMISSION_WINDOW", "1h")
	v.SetDefault("SUBMISSION_LIMIT", 10)
	v.SetDefault("URGENCY_HIGH_BELOW", 40)
	v.SetDefault("URGENCY_LOW_FROM", 70)
	v.SetDefault("REVIEW_SCORE_THRESHOLD", 70)
	v.SetDefault("REVIEW_MEDIUM_FLOOR", 30)
	v.SetDefault("SCORING_CUMULATIVE_CRITICAL", false)
	v.SetDefault("WS_HEARTBEAT_INTERVAL", "30s")
	v.SetDefault("WS_MAX_MISSED_HEARTBEATS", 3)
	v.SetDefault("WS_SEND_BUFFER", 256)
	v.SetDefault("PIPELINE_WORKERS", 16)
	v.SetDefault("PIPELINE_ATTEMPTS", 3)
	v.SetDefault("PIPELINE_BACKOFF", "500ms")
	v.SetDefault("RECOVERY_INTERVAL", "1m")
	v.SetDefault("STALLED_AFTER", "2m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Identity is taken from X-User-ID / X-User-Role headers.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

// splitList normalises comma-separated env values that viper leaves as a
// single element.
func splitList(parsed []string, raw string) []string {
	if len(parsed) > 1 {
		return parsed
	}
	if raw == "" {
		return nil
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

// UsesRedis reports whether a shared Redis instance backs rate limiting and
// cross-instance event fan-out.
func (c *Config) UsesRedis() bool {
	return c.RedisURL != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is \"postgres\"")
		}
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("STORE_DRIVER=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be \"postgres\" or \"memory\", got %q", c.StoreDriver)
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}

	if c.SubmissionWindow <= 0 {
		return fmt.Errorf("SUBMISSION_WINDOW must be positive, got %s", c.SubmissionWindow)
	}
	if c.SubmissionLimit <= 0 {
		return fmt.Errorf("SUBMISSION_LIMIT must be positive, got %d", c.SubmissionLimit)
	}
	if c.ModelTimeout <= 0 {
		return fmt.Errorf("MODEL_TIMEOUT must be positive, got %s", c.ModelTimeout)
	}
	if c.ModelMaxRetries < 0 {
		return fmt.Errorf("MODEL_MAX_RETRIES must not be negative, got %d", c.ModelMaxRetries)
	}

	if c.UrgencyHighBelow < 0 || c.UrgencyHighBelow > c.UrgencyLowFrom || c.UrgencyLowFrom > 100 {
		return fmt.Errorf("urgency thresholds must satisfy 0 <= URGENCY_HIGH_BELOW (%d) <= URGENCY_LOW_FROM (%d) <= 100",
			c.UrgencyHighBelow, c.UrgencyLowFrom)
	}
	if c.ReviewScoreThreshold < 0 || c.ReviewScoreThreshold > 100 {
		return fmt.Errorf("REVIEW_SCORE_THRESHOLD must be within [0,100], got %d", c.ReviewScoreThreshold)
	}
	if c.ReviewMediumFloor < 0 || c.ReviewMediumFloor > 100 {
		return fmt.Errorf("REVIEW_MEDIUM_FLOOR must be within [0,100], got %d", c.ReviewMediumFloor)
	}

	if c.WSHeartbeatInterval <= 0 || c.WSMaxMissedHeartbeats <= 0 {
		return fmt.Errorf("WS_HEARTBEAT_INTERVAL and WS_MAX_MISSED_HEARTBEATS must be positive")
	}
	if c.PipelineWorkers <= 0 {
		return fmt.Errorf("PIPELINE_WORKERS must be positive, got %d", c.PipelineWorkers)
	}
	if c.PipelineAttempts < 0 || c.PipelineBackoff < 0 || c.RecoveryInterval < 0 || c.StalledAfter < 0 {
		return fmt.Errorf("PIPELINE_ATTEMPTS, PIPELINE_BACKOFF, RECOVERY_INTERVAL and STALLED_AFTER must not be negative")
	}

	return nil
}
