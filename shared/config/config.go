package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"report-evaluation-pipeline/shared/events"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration
	OIDCIssuer       string
	OIDCAudience     string
	OIDCJWKSURL      string
	JWKSTTLSeconds   int
	JWTClockSkewSec  int
	OperatorRole     string
	RateLimitRPS     float64
	RateLimitBurst   int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int
	AuditEnabled     bool

	RMQEnabled          bool
	RMQURL              string
	RMQExchange         string
	RMQRequestQueue     string
	RMQRequestKey       string
	RMQResultsQueue     string
	RMQResultsKey       string
	RMQPrefetch         int
	RMQReconnectSec     int
	RMQPublishTimeoutMS int
	RMQMaxRedeliveries  int
	RMQDeadLetter       bool

	DispatchMaxAttempts      int
	DispatchBackoffMS        int
	DispatchAllowEmpty       bool
	DispatchLockTTLSec       int
	ConsumerHandlerTimeoutMS int
	ReconcileIntervalSec     int
	ReconcileStaleSec        int
	ReconcileBatchSize       int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	ReportCacheTTLSec int

	AsynqRedisAddr    string
	AsynqRedisPass    string
	AsynqRedisDB      int
	AsynqQueue        string
	AsynqConcurrency  int
	AsynqEnabled      bool
	OutboxScanSec     int
	OutboxBatchSize   int
	OutboxMaxAttempts int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	IndicatorsURL       string
	IndicatorsTimeoutMS int
	IndicatorsRetryMax  int

	NotifyEnabled   bool
	NotifyURL       string
	NotifyToken     string
	NotifyTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func (c Config) RMQReconnectDelay() time.Duration {
	return time.Duration(c.RMQReconnectSec) * time.Second
}

func (c Config) RMQPublishTimeout() time.Duration {
	return time.Duration(c.RMQPublishTimeoutMS) * time.Millisecond
}

func (c Config) DispatchBackoff() time.Duration {
	return time.Duration(c.DispatchBackoffMS) * time.Millisecond
}

// DispatchBudget is the longest a dispatch may run: every attempt hitting its
// publish timeout plus the backoff between attempts.
func (c Config) DispatchBudget() time.Duration {
	budget := time.Duration(c.DispatchMaxAttempts) * c.RMQPublishTimeout()
	for i := 1; i < c.DispatchMaxAttempts; i++ {
		budget += c.DispatchBackoff() << (i - 1)
	}
	return budget
}

func (c Config) ConsumerHandlerTimeout() time.Duration {
	return time.Duration(c.ConsumerHandlerTimeoutMS) * time.Millisecond
}

func defaults(serviceNameDefault string, httpPortDefault int) Config {
	return Config{
		ServiceName:      serviceNameDefault,
		HTTPPort:         httpPortDefault,
		LogLevel:         "info",
		RequestTimeoutMS: 30000,
		JWKSTTLSeconds:   300,
		JWTClockSkewSec:  60,
		OperatorRole:     "coordinator",
		RateLimitRPS:     5,
		RateLimitBurst:   10,

		DBMaxConns:       10,
		DBMinConns:       1,
		DBConnMaxIdleSec: 300,
		DBConnMaxLifeSec: 1800,

		RMQEnabled:          true,
		RMQExchange:         "amq.topic",
		RMQRequestQueue:     "report_processing",
		RMQRequestKey:       events.RoutingEvaluationRequested,
		RMQResultsQueue:     "report_results",
		RMQResultsKey:       events.RoutingEvaluationCompleted,
		RMQPrefetch:         10,
		RMQReconnectSec:     5,
		RMQPublishTimeoutMS: 10000,
		RMQMaxRedeliveries:  5,
		RMQDeadLetter:       true,

		DispatchMaxAttempts:      3,
		DispatchBackoffMS:        10000,
		DispatchLockTTLSec:       120,
		ConsumerHandlerTimeoutMS: 15000,
		ReconcileIntervalSec:     60,
		ReconcileStaleSec:        300,
		ReconcileBatchSize:       50,

		KafkaRetryMax: 5,
		KafkaWriteMS:  5000,

		ReportCacheTTLSec: 30,

		AsynqQueue:        "default",
		AsynqConcurrency:  10,
		OutboxScanSec:     5,
		OutboxBatchSize:   50,
		OutboxMaxAttempts: 20,

		InfluxTimeoutMS: 5000,

		IndicatorsTimeoutMS: 3000,
		IndicatorsRetryMax:  2,
		NotifyTimeoutMS:     5000,

		OtelInsecure:    true,
		OtelSampleRatio: 1.0,
	}
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := defaults(serviceNameDefault, httpPortDefault)
	cfg.Env = envRaw
	cfg.ConfigPath = strings.TrimSpace(os.Getenv("CONFIG_PATH"))

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	validate(&cfg, httpPortDefault, &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	// A synchronous dispatch must be able to spend its whole retry budget.
	if floor := cfg.DispatchBudget() + 5*time.Second; cfg.RMQEnabled && cfg.RequestTimeout < floor {
		cfg.RequestTimeout = floor
	}

	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	positive(problems, "REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, 30000)
	positive(problems, "JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, 300)
	nonNegative(problems, "JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, 60)
	if cfg.RateLimitRPS <= 0 {
		*problems = append(*problems, Problem{Field: "RATE_LIMIT_RPS", Message: "RATE_LIMIT_RPS must be > 0"})
		cfg.RateLimitRPS = 5
	}
	positive(problems, "RATE_LIMIT_BURST", &cfg.RateLimitBurst, 10)

	positive(problems, "DB_MAX_CONNS", &cfg.DBMaxConns, 10)
	nonNegative(problems, "DB_MIN_CONNS", &cfg.DBMinConns, 1)
	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	positive(problems, "DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, 300)
	positive(problems, "DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, 1800)

	if cfg.RMQEnabled && cfg.RMQURL == "" {
		*problems = append(*problems, Problem{Field: "RMQ_URL", Message: "RMQ_URL is required when RMQ_ENABLED is true"})
	}
	for key, v := range map[string]string{
		"RMQ_REQUEST_QUEUE":       cfg.RMQRequestQueue,
		"RMQ_REQUEST_ROUTING_KEY": cfg.RMQRequestKey,
		"RMQ_RESULTS_QUEUE":       cfg.RMQResultsQueue,
		"RMQ_RESULTS_ROUTING_KEY": cfg.RMQResultsKey,
	} {
		if strings.TrimSpace(v) == "" {
			*problems = append(*problems, Problem{Field: key, Message: key + " must not be empty"})
		}
	}
	positive(problems, "RMQ_PREFETCH", &cfg.RMQPrefetch, 10)
	positive(problems, "RMQ_RECONNECT_SECONDS", &cfg.RMQReconnectSec, 5)
	positive(problems, "RMQ_PUBLISH_TIMEOUT_MS", &cfg.RMQPublishTimeoutMS, 10000)
	nonNegative(problems, "RMQ_MAX_REDELIVERIES", &cfg.RMQMaxRedeliveries, 5)

	positive(problems, "DISPATCH_MAX_ATTEMPTS", &cfg.DispatchMaxAttempts, 3)
	positive(problems, "DISPATCH_BACKOFF_MS", &cfg.DispatchBackoffMS, 10000)
	positive(problems, "DISPATCH_LOCK_TTL_SECONDS", &cfg.DispatchLockTTLSec, 120)
	positive(problems, "CONSUMER_HANDLER_TIMEOUT_MS", &cfg.ConsumerHandlerTimeoutMS, 15000)
	positive(problems, "RECONCILE_INTERVAL_SECONDS", &cfg.ReconcileIntervalSec, 60)
	positive(problems, "RECONCILE_STALE_SECONDS", &cfg.ReconcileStaleSec, 300)
	positive(problems, "RECONCILE_BATCH_SIZE", &cfg.ReconcileBatchSize, 50)

	nonNegative(problems, "KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, 5)
	positive(problems, "KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, 5000)
	nonNegative(problems, "REDIS_DB", &cfg.RedisDB, 0)
	positive(problems, "REPORT_CACHE_TTL_SECONDS", &cfg.ReportCacheTTLSec, 30)
	nonNegative(problems, "ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, 0)
	positive(problems, "ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, 10)
	positive(problems, "OUTBOX_SCAN_INTERVAL_SECONDS", &cfg.OutboxScanSec, 5)
	positive(problems, "OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize, 50)
	positive(problems, "OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts, 20)
	positive(problems, "INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, 5000)
	positive(problems, "INDICATORS_TIMEOUT_MS", &cfg.IndicatorsTimeoutMS, 3000)
	nonNegative(problems, "INDICATORS_RETRY_MAX", &cfg.IndicatorsRetryMax, 2)
	positive(problems, "NOTIFY_TIMEOUT_MS", &cfg.NotifyTimeoutMS, 5000)
	if cfg.NotifyEnabled && cfg.NotifyURL == "" {
		*problems = append(*problems, Problem{Field: "NOTIFY_SERVICE_URL", Message: "NOTIFY_SERVICE_URL is required when NOTIFY_ENABLED is true"})
	}

	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
}

func positive(problems *[]Problem, key string, v *int, fallback int) {
	if *v <= 0 {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be > 0"})
		*v = fallback
	}
}

func nonNegative(problems *[]Problem, key string, v *int, fallback int) {
	if *v < 0 {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be >= 0"})
		*v = fallback
	}
}

// field binds one configuration key (and its aliases) to a Config member.
type field struct {
	key     string
	aliases []string
	kind    string
	set     func(cfg *Config, v any) bool
}

func (f field) names() []string {
	return append([]string{f.key}, f.aliases...)
}

func stringField(key string, target func(*Config) *string, aliases ...string) field {
	return field{key: key, aliases: aliases, kind: "a string", set: func(cfg *Config, v any) bool {
		s, ok := v.(string)
		if !ok {
			return false
		}
		*target(cfg) = strings.TrimSpace(s)
		return true
	}}
}

func secretField(key string, target func(*Config) *string) field {
	return field{key: key, kind: "a string", set: func(cfg *Config, v any) bool {
		s, ok := v.(string)
		if !ok {
			return false
		}
		*target(cfg) = s
		return true
	}}
}

func intField(key string, target func(*Config) *int) field {
	return field{key: key, kind: "an integer", set: func(cfg *Config, v any) bool {
		n, ok := asInt(v)
		if ok {
			*target(cfg) = n
		}
		return ok
	}}
}

func boolField(key string, target func(*Config) *bool, aliases ...string) field {
	return field{key: key, aliases: aliases, kind: "a boolean", set: func(cfg *Config, v any) bool {
		b, ok := asBoolAny(v)
		if ok {
			*target(cfg) = b
		}
		return ok
	}}
}

func floatField(key string, target func(*Config) *float64) field {
	return field{key: key, kind: "a number", set: func(cfg *Config, v any) bool {
		f, ok := asFloat(v)
		if ok {
			*target(cfg) = f
		}
		return ok
	}}
}

func listField(key string, target func(*Config) *[]string) field {
	return field{key: key, kind: "a list", set: func(cfg *Config, v any) bool {
		switch t := v.(type) {
		case string:
			*target(cfg) = parseCSV(t)
		case []any:
			*target(cfg) = parseAnyCSV(t)
		default:
			return false
		}
		return true
	}}
}

var fields = []field{
	stringField("SERVICE_NAME", func(c *Config) *string { return &c.ServiceName }),
	intField("HTTP_PORT", func(c *Config) *int { return &c.HTTPPort }),
	stringField("LOG_LEVEL", func(c *Config) *string { return &c.LogLevel }),
	intField("REQUEST_TIMEOUT_MS", func(c *Config) *int { return &c.RequestTimeoutMS }),
	stringField("OIDC_ISSUER", func(c *Config) *string { return &c.OIDCIssuer }),
	stringField("OIDC_AUDIENCE", func(c *Config) *string { return &c.OIDCAudience }),
	stringField("OIDC_JWKS_URL", func(c *Config) *string { return &c.OIDCJWKSURL }),
	intField("JWKS_CACHE_TTL_SECONDS", func(c *Config) *int { return &c.JWKSTTLSeconds }),
	intField("JWT_CLOCK_SKEW_SECONDS", func(c *Config) *int { return &c.JWTClockSkewSec }),
	stringField("OPERATOR_ROLE", func(c *Config) *string { return &c.OperatorRole }),
	floatField("RATE_LIMIT_RPS", func(c *Config) *float64 { return &c.RateLimitRPS }),
	intField("RATE_LIMIT_BURST", func(c *Config) *int { return &c.RateLimitBurst }),

	stringField("DATABASE_URL", func(c *Config) *string { return &c.DatabaseURL }),
	intField("DB_MAX_CONNS", func(c *Config) *int { return &c.DBMaxConns }),
	intField("DB_MIN_CONNS", func(c *Config) *int { return &c.DBMinConns }),
	intField("DB_CONN_MAX_IDLE_SECONDS", func(c *Config) *int { return &c.DBConnMaxIdleSec }),
	intField("DB_CONN_MAX_LIFETIME_SECONDS", func(c *Config) *int { return &c.DBConnMaxLifeSec }),
	boolField("AUDIT_ENABLED", func(c *Config) *bool { return &c.AuditEnabled }),

	boolField("RMQ_ENABLED", func(c *Config) *bool { return &c.RMQEnabled }, "ENABLE_RMQ"),
	secretField("RMQ_URL", func(c *Config) *string { return &c.RMQURL }),
	stringField("RMQ_EXCHANGE", func(c *Config) *string { return &c.RMQExchange }),
	stringField("RMQ_REQUEST_QUEUE", func(c *Config) *string { return &c.RMQRequestQueue }),
	stringField("RMQ_REQUEST_ROUTING_KEY", func(c *Config) *string { return &c.RMQRequestKey }),
	stringField("RMQ_RESULTS_QUEUE", func(c *Config) *string { return &c.RMQResultsQueue }),
	stringField("RMQ_RESULTS_ROUTING_KEY", func(c *Config) *string { return &c.RMQResultsKey }),
	intField("RMQ_PREFETCH", func(c *Config) *int { return &c.RMQPrefetch }),
	intField("RMQ_RECONNECT_SECONDS", func(c *Config) *int { return &c.RMQReconnectSec }),
	intField("RMQ_PUBLISH_TIMEOUT_MS", func(c *Config) *int { return &c.RMQPublishTimeoutMS }),
	intField("RMQ_MAX_REDELIVERIES", func(c *Config) *int { return &c.RMQMaxRedeliveries }),
	boolField("RMQ_DEAD_LETTER_ENABLED", func(c *Config) *bool { return &c.RMQDeadLetter }),

	intField("DISPATCH_MAX_ATTEMPTS", func(c *Config) *int { return &c.DispatchMaxAttempts }),
	intField("DISPATCH_BACKOFF_MS", func(c *Config) *int { return &c.DispatchBackoffMS }),
	boolField("DISPATCH_ALLOW_EMPTY_INDICATORS", func(c *Config) *bool { return &c.DispatchAllowEmpty }),
	intField("DISPATCH_LOCK_TTL_SECONDS", func(c *Config) *int { return &c.DispatchLockTTLSec }),
	intField("CONSUMER_HANDLER_TIMEOUT_MS", func(c *Config) *int { return &c.ConsumerHandlerTimeoutMS }),
	intField("RECONCILE_INTERVAL_SECONDS", func(c *Config) *int { return &c.ReconcileIntervalSec }),
	intField("RECONCILE_STALE_SECONDS", func(c *Config) *int { return &c.ReconcileStaleSec }),
	intField("RECONCILE_BATCH_SIZE", func(c *Config) *int { return &c.ReconcileBatchSize }),

	listField("KAFKA_BROKERS", func(c *Config) *[]string { return &c.KafkaBrokers }),
	stringField("KAFKA_CLIENT_ID", func(c *Config) *string { return &c.KafkaClientID }),
	stringField("KAFKA_CONSUMER_GROUP", func(c *Config) *string { return &c.KafkaGroupID }),
	intField("KAFKA_RETRY_MAX", func(c *Config) *int { return &c.KafkaRetryMax }),
	intField("KAFKA_WRITE_TIMEOUT_MS", func(c *Config) *int { return &c.KafkaWriteMS }),

	stringField("REDIS_ADDR", func(c *Config) *string { return &c.RedisAddr }),
	secretField("REDIS_PASSWORD", func(c *Config) *string { return &c.RedisPassword }),
	intField("REDIS_DB", func(c *Config) *int { return &c.RedisDB }),
	intField("REPORT_CACHE_TTL_SECONDS", func(c *Config) *int { return &c.ReportCacheTTLSec }),

	stringField("ASYNQ_REDIS_ADDR", func(c *Config) *string { return &c.AsynqRedisAddr }),
	secretField("ASYNQ_REDIS_PASSWORD", func(c *Config) *string { return &c.AsynqRedisPass }),
	intField("ASYNQ_REDIS_DB", func(c *Config) *int { return &c.AsynqRedisDB }),
	stringField("ASYNQ_QUEUE", func(c *Config) *string { return &c.AsynqQueue }),
	intField("ASYNQ_CONCURRENCY", func(c *Config) *int { return &c.AsynqConcurrency }),
	boolField("ASYNQ_ENABLED", func(c *Config) *bool { return &c.AsynqEnabled }),
	intField("OUTBOX_SCAN_INTERVAL_SECONDS", func(c *Config) *int { return &c.OutboxScanSec }),
	intField("OUTBOX_BATCH_SIZE", func(c *Config) *int { return &c.OutboxBatchSize }),
	intField("OUTBOX_MAX_ATTEMPTS", func(c *Config) *int { return &c.OutboxMaxAttempts }),

	stringField("INFLUX_URL", func(c *Config) *string { return &c.InfluxURL }),
	secretField("INFLUX_TOKEN", func(c *Config) *string { return &c.InfluxToken }),
	stringField("INFLUX_ORG", func(c *Config) *string { return &c.InfluxOrg }),
	stringField("INFLUX_BUCKET", func(c *Config) *string { return &c.InfluxBucket }),
	intField("INFLUX_TIMEOUT_MS", func(c *Config) *int { return &c.InfluxTimeoutMS }),

	stringField("INDICATORS_SERVICE_URL", func(c *Config) *string { return &c.IndicatorsURL }),
	intField("INDICATORS_TIMEOUT_MS", func(c *Config) *int { return &c.IndicatorsTimeoutMS }),
	intField("INDICATORS_RETRY_MAX", func(c *Config) *int { return &c.IndicatorsRetryMax }),

	boolField("NOTIFY_ENABLED", func(c *Config) *bool { return &c.NotifyEnabled }),
	stringField("NOTIFY_SERVICE_URL", func(c *Config) *string { return &c.NotifyURL }),
	secretField("NOTIFY_SERVICE_TOKEN", func(c *Config) *string { return &c.NotifyToken }),
	intField("NOTIFY_TIMEOUT_MS", func(c *Config) *int { return &c.NotifyTimeoutMS }),

	boolField("OTEL_ENABLED", func(c *Config) *bool { return &c.OtelEnabled }),
	stringField("OTEL_EXPORTER_OTLP_ENDPOINT", func(c *Config) *string { return &c.OtelEndpoint }),
	boolField("OTEL_EXPORTER_OTLP_INSECURE", func(c *Config) *bool { return &c.OtelInsecure }),
	floatField("OTEL_SAMPLE_RATIO", func(c *Config) *float64 { return &c.OtelSampleRatio }),
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" && strings.TrimSpace(os.Getenv("HTTP_PORT")) == "" {
		applyField(cfg, fieldByName("HTTP_PORT"), v, problems)
	}
	for _, f := range fields {
		for _, name := range f.names() {
			if v := strings.TrimSpace(os.Getenv(name)); v != "" {
				applyField(cfg, f, v, problems)
				break
			}
		}
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		name := strings.ToUpper(strings.TrimSpace(k))
		if name == "ENV" {
			if s, ok := v.(string); ok && strings.TrimSpace(os.Getenv("ENV")) == "" {
				cfg.Env = strings.TrimSpace(s)
			}
			continue
		}
		f := fieldByName(name)
		if f.set == nil {
			continue
		}
		applyField(cfg, f, v, problems)
	}
}

func applyField(cfg *Config, f field, v any, problems *[]Problem) {
	if f.set == nil {
		return
	}
	if !f.set(cfg, v) {
		*problems = append(*problems, Problem{Field: f.key, Message: f.key + " must be " + f.kind})
	}
}

func fieldByName(name string) field {
	for _, f := range fields {
		for _, n := range f.names() {
			if n == name {
				return f
			}
		}
	}
	return field{}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asBoolAny(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		return asBool(t)
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
