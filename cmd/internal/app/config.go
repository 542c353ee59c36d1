package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	RedisURL string
	DedupTTL time.Duration

	AMQPURL string

	// Outbox dispatcher knobs.
	OutboxPollInterval       time.Duration
	OutboxBatchSize          int
	OutboxMaxRetries         int
	OutboxPublishConcurrency int

	// Published-entry retention sweep.
	RetentionCron   string
	RetentionWindow time.Duration

	EditWindow time.Duration

	// Search projector / reindexer.
	SearchIndexPath     string
	ReindexOnStart      bool
	ConsumerConcurrency int
	HandlerRetries      int

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Comma-separated token:tenant:user[:device] grants for the dev
	// authenticator. Empty means no websocket client can authenticate.
	DevTokens string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("CHEMCHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CHEMCHAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("CHEMCHAT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CHEMCHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CHEMCHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CHEMCHAT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CHEMCHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("CHEMCHAT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("CHEMCHAT_DATABASE_URL", ""),
		DBSchema:    EnvString("CHEMCHAT_DB_SCHEMA", "chemchat"),
		DBMaxConns:  EnvInt32("CHEMCHAT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("CHEMCHAT_DB_MIN_CONNS", 0),

		RedisURL: EnvString("CHEMCHAT_REDIS_URL", ""),
		DedupTTL: EnvDuration("CHEMCHAT_DEDUP_TTL", 7*24*time.Hour),

		AMQPURL: EnvString("CHEMCHAT_AMQP_URL", ""),

		OutboxPollInterval:       EnvDuration("CHEMCHAT_OUTBOX_POLL_INTERVAL", 2*time.Second),
		OutboxBatchSize:          EnvInt("CHEMCHAT_OUTBOX_BATCH_SIZE", 100),
		OutboxMaxRetries:         EnvInt("CHEMCHAT_OUTBOX_MAX_RETRIES", 10),
		OutboxPublishConcurrency: EnvInt("CHEMCHAT_OUTBOX_PUBLISH_CONCURRENCY", 8),

		RetentionCron:   EnvString("CHEMCHAT_OUTBOX_RETENTION_CRON", "0 3 * * *"),
		RetentionWindow: EnvDuration("CHEMCHAT_OUTBOX_RETENTION_WINDOW", 72*time.Hour),

		EditWindow: EnvDuration("CHEMCHAT_EDIT_WINDOW", 15*time.Minute),

		SearchIndexPath:     EnvString("CHEMCHAT_SEARCH_INDEX_PATH", ""),
		ReindexOnStart:      EnvBool("CHEMCHAT_PROJECTOR_REINDEX", false),
		ConsumerConcurrency: EnvInt("CHEMCHAT_CONSUMER_CONCURRENCY", 4),
		HandlerRetries:      EnvInt("CHEMCHAT_CONSUMER_HANDLER_RETRIES", 3),

		ReadinessRequireDB: EnvBool("CHEMCHAT_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvCSV("CHEMCHAT_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("CHEMCHAT_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("CHEMCHAT_CORS_MAX_AGE_SECONDS", 600),

		DevTokens: EnvString("CHEMCHAT_DEV_TOKENS", ""),
	}
}
