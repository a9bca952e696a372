package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Logger   LoggerConfig
	Auth     AuthConfig
	CRM      CRMConfig
	Broker   BrokerConfig
	Sync     SyncConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
	WebhookSecret         string
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// PoolSize of zero keeps the go-redis default.
	PoolSize           int
	DialTimeoutSeconds int
	OpTimeoutSeconds   int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level   string
	Service string
	Env     string
	// Encoding is "json" (default) or "console".
	Encoding string
}

// AuthConfig defines operator authentication parameters.
type AuthConfig struct {
	JWTSecret              string
	AccessTokenTTLMinutes  int
	BcryptCost             int
	BootstrapAdminEmail    string
	BootstrapAdminPassword string
}

// CRMConfig points at the CRM REST API.
type CRMConfig struct {
	BaseURL        string
	APIToken       string
	TimeoutSeconds int
	MaxRetries     int
	UserAgent      string
}

// BrokerConfig describes the AMQP feed carrying chat-transport events.
type BrokerConfig struct {
	URL        string
	Exchange   string
	Queue      string
	BindingKey string
	Prefetch   int
}

// SyncConfig drives the conversation synchronization pipeline.
type SyncConfig struct {
	CompanyID               string
	Mode                    string
	FallbackNotesEnabled    bool
	InboundEnabled          bool
	OutboundEnabled         bool
	DedupeTTLDays           int
	MessageLogTTLDays       int
	NoteWindowBaseMinutes   int
	NoteWindowMinMinutes    int
	NoteWindowMaxMinutes    int
	LockLeaseSeconds        int
	SelfEchoTTLMinutes      int
	NoteMaxBytes            int
	NoteMaxMessages         int
	NoteDrainBatch          int
	FlushDelaySeconds       int
	FlushPollSeconds        int
	FlushMaxRetries         int
	ConversationLinkPattern string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "crm-chat-sync"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
			WebhookSecret:         os.Getenv("WEBHOOK_SECRET"),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:  os.Getenv("REDIS_PASSWORD"),
			DB:        redisDB,
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "crmsync"),
			PoolSize:  getEnvAsInt("REDIS_POOL_SIZE", 0),

			DialTimeoutSeconds: getEnvAsInt("REDIS_DIAL_TIMEOUT_SECONDS", 5),
			OpTimeoutSeconds:   getEnvAsInt("REDIS_OP_TIMEOUT_SECONDS", 3),
		},
		Logger: LoggerConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Service:  getEnv("APP_NAME", "crm-chat-sync"),
			Env:      getEnv("APP_ENV", "development"),
			Encoding: strings.ToLower(getEnv("LOG_ENCODING", "json")),
		},
		Auth: AuthConfig{
			JWTSecret:              getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes:  getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
			BcryptCost:             getEnvAsInt("AUTH_BCRYPT_COST", 12),
			BootstrapAdminEmail:    os.Getenv("AUTH_BOOTSTRAP_ADMIN_EMAIL"),
			BootstrapAdminPassword: os.Getenv("AUTH_BOOTSTRAP_ADMIN_PASSWORD"),
		},
		CRM: CRMConfig{
			BaseURL:        getEnv("CRM_BASE_URL", ""),
			APIToken:       os.Getenv("CRM_API_TOKEN"),
			TimeoutSeconds: getEnvAsInt("CRM_TIMEOUT_SECONDS", 15),
			MaxRetries:     getEnvAsInt("CRM_MAX_RETRIES", 0),
			UserAgent:      getEnv("CRM_USER_AGENT", "crm-chat-sync"),
		},
		Broker: BrokerConfig{
			URL:        os.Getenv("BROKER_URL"),
			Exchange:   getEnv("BROKER_EXCHANGE", "chat.events"),
			Queue:      getEnv("BROKER_QUEUE", "crm-chat-sync.events"),
			BindingKey: getEnv("BROKER_BINDING_KEY", "message.#"),
			Prefetch:   getEnvAsInt("BROKER_PREFETCH", 1),
		},
		Sync: SyncConfig{
			CompanyID:               getEnv("SYNC_COMPANY_ID", "default"),
			Mode:                    strings.ToLower(getEnv("SYNC_MODE", "dual")),
			FallbackNotesEnabled:    getEnvAsBool("SYNC_FALLBACK_NOTES_ENABLED", true),
			InboundEnabled:          getEnvAsBool("SYNC_INBOUND_ENABLED", true),
			OutboundEnabled:         getEnvAsBool("SYNC_OUTBOUND_ENABLED", true),
			DedupeTTLDays:           getEnvAsInt("SYNC_DEDUPE_TTL_DAYS", 7),
			MessageLogTTLDays:       getEnvAsInt("SYNC_MESSAGE_LOG_TTL_DAYS", 30),
			NoteWindowBaseMinutes:   getEnvAsInt("SYNC_NOTE_WINDOW_BASE_MINUTES", 15),
			NoteWindowMinMinutes:    getEnvAsInt("SYNC_NOTE_WINDOW_MIN_MINUTES", 5),
			NoteWindowMaxMinutes:    getEnvAsInt("SYNC_NOTE_WINDOW_MAX_MINUTES", 60),
			LockLeaseSeconds:        getEnvAsInt("SYNC_LOCK_LEASE_SECONDS", 30),
			SelfEchoTTLMinutes:      getEnvAsInt("SYNC_SELF_ECHO_TTL_MINUTES", 10),
			NoteMaxBytes:            getEnvAsInt("SYNC_NOTE_MAX_BYTES", 90000),
			NoteMaxMessages:         getEnvAsInt("SYNC_NOTE_MAX_MESSAGES", 200),
			NoteDrainBatch:          getEnvAsInt("SYNC_NOTE_DRAIN_BATCH", 50),
			FlushDelaySeconds:       getEnvAsInt("SYNC_FLUSH_DELAY_SECONDS", 5),
			FlushPollSeconds:        getEnvAsInt("SYNC_FLUSH_POLL_SECONDS", 5),
			FlushMaxRetries:         getEnvAsInt("SYNC_FLUSH_MAX_RETRIES", 5),
			ConversationLinkPattern: getEnv("SYNC_CONVERSATION_LINK_PATTERN", ""),
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// Timeout bounds every CRM HTTP call.
func (c CRMConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DedupeTTL is how long a message id stays marked as enqueued.
func (s SyncConfig) DedupeTTL() time.Duration {
	return days(s.DedupeTTLDays, 7)
}

// MessageLogTTL is how long message payload blobs are retained in the index.
func (s SyncConfig) MessageLogTTL() time.Duration {
	return days(s.MessageLogTTLDays, 30)
}

// LockLease is the flush lock lease.
func (s SyncConfig) LockLease() time.Duration {
	if s.LockLeaseSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.LockLeaseSeconds) * time.Second
}

// SelfEchoTTL is how long self-sent message ids are remembered.
func (s SyncConfig) SelfEchoTTL() time.Duration {
	if s.SelfEchoTTLMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(s.SelfEchoTTLMinutes) * time.Minute
}

// FlushDelay is how far in the future a deferred flush is scheduled.
func (s SyncConfig) FlushDelay() time.Duration {
	if s.FlushDelaySeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.FlushDelaySeconds) * time.Second
}

// FlushPollInterval is the flush worker tick.
func (s SyncConfig) FlushPollInterval() time.Duration {
	if s.FlushPollSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.FlushPollSeconds) * time.Second
}

func days(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * 24 * time.Hour
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
