package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type BackoffConfig struct {
	Base       time.Duration
	Cap        time.Duration
	Multiplier float64
	JitterFrac float64
}

type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	Backoff      BackoffConfig
}

type SessionConfig struct {
	MaxPerUser    int
	MaxPerTenant  int
	MaxFrameBytes int
	WriteTimeout  time.Duration
	MaxIdle       time.Duration
}

type HeartbeatConfig struct {
	SSEMain          time.Duration
	SSEOrders        time.Duration
	SSENotifications time.Duration
	WS               time.Duration
}

type DLQConfig struct {
	AlertTotal        int
	AlertOldestHours  float64
	AlertFailureRate  float64
	ExpireDays        int
	ReprocessBatch    int
	ReprocessBatchMax int
}

type NotifierConfig struct {
	ClaimInterval time.Duration
	ClaimMinIdle  time.Duration
}

// TopicOption overrides one topic's tuning. Zero values keep the built-in
// defaults for that field.
type TopicOption struct {
	MaxLen        int64
	BatchCount    int64
	Block         time.Duration
	ConsumerGroup string
}

// topicNames are the topics whose TOPIC_<NAME>_* env overrides are read.
var topicNames = []string{
	"orders", "users", "products", "notifications", "payments", "inventory",
}

type Config struct {
	AppEnv string
	Port   int

	DBDSN string

	RedisAddr string
	RedisPass string
	RedisDB   int

	JWTSecret string
	JWTIssuer string

	Outbox    OutboxConfig
	Session   SessionConfig
	Heartbeat HeartbeatConfig
	DLQ       DLQConfig
	Notifier  NotifierConfig

	// Topics holds per-topic tuning overrides keyed by topic name.
	Topics map[string]TopicOption

	// RoutingStrict makes the producer error on unrecognized aggregate types
	// instead of defaulting to the orders topic.
	RoutingStrict bool

	RLEnabled bool
	RLLimit   int
	RLWindow  time.Duration

	ShutdownGrace time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.AppEnv = getEnv("APP_ENV", "dev")
	cfg.Port = getInt("PORT", 8080)

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.DBDSN = dbURL

	cfg.RedisAddr = getEnv("REDIS_ADDR", "127.0.0.1:6379")
	cfg.RedisPass = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getInt("REDIS_DB", 0)

	cfg.JWTSecret = getEnv("JWT_SECRET", "")
	cfg.JWTIssuer = getEnv("JWT_ISSUER", "")

	cfg.Outbox = OutboxConfig{
		PollInterval: time.Duration(getInt("OUTBOX_POLL_INTERVAL_MS", 100)) * time.Millisecond,
		BatchSize:    getInt("OUTBOX_BATCH_SIZE", 50),
		MaxRetries:   getInt("OUTBOX_MAX_RETRIES", 5),
		Backoff: BackoffConfig{
			Base:       time.Duration(getInt("BACKOFF_BASE_MS", 100)) * time.Millisecond,
			Cap:        time.Duration(getInt("BACKOFF_CAP_MS", 30000)) * time.Millisecond,
			Multiplier: getFloat("BACKOFF_MULTIPLIER", 2.0),
			JitterFrac: getFloat("BACKOFF_JITTER_FRAC", 0.1),
		},
	}

	cfg.Session = SessionConfig{
		MaxPerUser:    getInt("SESSION_MAX_PER_USER", 10),
		MaxPerTenant:  getInt("SESSION_MAX_PER_TENANT", 1000),
		MaxFrameBytes: getInt("SESSION_MAX_FRAME_BYTES", 10240),
		WriteTimeout:  getDuration("SESSION_WRITE_TIMEOUT", 5*time.Second),
		MaxIdle:       getDuration("SESSION_MAX_IDLE", 30*time.Minute),
	}

	cfg.Heartbeat = HeartbeatConfig{
		SSEMain:          time.Duration(getInt("HEARTBEAT_SSE_MAIN_S", 30)) * time.Second,
		SSEOrders:        time.Duration(getInt("HEARTBEAT_SSE_ORDERS_S", 45)) * time.Second,
		SSENotifications: time.Duration(getInt("HEARTBEAT_SSE_NOTIF_S", 60)) * time.Second,
		WS:               time.Duration(getInt("HEARTBEAT_WS_S", 30)) * time.Second,
	}

	cfg.DLQ = DLQConfig{
		AlertTotal:        getInt("DLQ_ALERT_TOTAL", 100),
		AlertOldestHours:  getFloat("DLQ_ALERT_OLDEST_HOURS", 24),
		AlertFailureRate:  getFloat("DLQ_ALERT_FAILURE_RATE", 0.1),
		ExpireDays:        getInt("DLQ_EXPIRE_DAYS", 7),
		ReprocessBatch:    getInt("DLQ_REPROCESS_BATCH", 10),
		ReprocessBatchMax: getInt("DLQ_REPROCESS_BATCH_MAX", 50),
	}

	cfg.Notifier = NotifierConfig{
		ClaimInterval: getDuration("NOTIFIER_CLAIM_INTERVAL", 5*time.Minute),
		ClaimMinIdle:  getDuration("NOTIFIER_CLAIM_MIN_IDLE", 5*time.Minute),
	}

	cfg.Topics = topicOptions()

	cfg.RoutingStrict = getBool("ROUTING_STRICT", false)

	cfg.RLEnabled = getBool("RL_ENABLED", true)
	cfg.RLLimit = getInt("RL_REQUESTS_LIMIT", 100)
	cfg.RLWindow = time.Duration(getInt("RL_WINDOW_SECONDS", 60)) * time.Second

	cfg.ShutdownGrace = getDuration("SHUTDOWN_GRACE", 15*time.Second)

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("missing DATABASE_URL")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("missing JWT_SECRET")
	}
	if cfg.Outbox.BatchSize <= 0 {
		return nil, fmt.Errorf("OUTBOX_BATCH_SIZE must be positive")
	}
	if cfg.DLQ.ReprocessBatch > cfg.DLQ.ReprocessBatchMax {
		cfg.DLQ.ReprocessBatch = cfg.DLQ.ReprocessBatchMax
	}

	return cfg, nil
}

// topicOptions reads TOPIC_<NAME>_{MAX_LEN,BATCH_COUNT,BLOCK_MS,GROUP}
// overrides, e.g. TOPIC_ORDERS_MAX_LEN=100000.
func topicOptions() map[string]TopicOption {
	out := map[string]TopicOption{}
	for _, name := range topicNames {
		prefix := "TOPIC_" + strings.ToUpper(name) + "_"
		var o TopicOption
		set := false
		if v := getInt(prefix+"MAX_LEN", 0); v > 0 {
			o.MaxLen = int64(v)
			set = true
		}
		if v := getInt(prefix+"BATCH_COUNT", 0); v > 0 {
			o.BatchCount = int64(v)
			set = true
		}
		if v := getInt(prefix+"BLOCK_MS", 0); v > 0 {
			o.Block = time.Duration(v) * time.Millisecond
			set = true
		}
		if v := getEnv(prefix+"GROUP", ""); v != "" {
			o.ConsumerGroup = v
			set = true
		}
		if set {
			out[name] = o
		}
	}
	return out
}

func getEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
