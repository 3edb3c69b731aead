package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is built once at startup and handed to each component's
// constructor. Nothing reads the environment after Load returns.
type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS queue
	SQSRegion   string
	SQSQueueURL string

	// AWS channel providers
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string

	// WhatsApp provider (Meta graph-style HTTP API)
	WhatsAppAPIURL  string
	WhatsAppToken   string
	WhatsAppSender  string
	WhatsAppTimeout time.Duration

	// Per-channel send timeout budgets
	EmailTimeout time.Duration
	SMSTimeout   time.Duration
	PushTimeout  time.Duration

	// Circuit breaker tuning
	BreakerErrorThreshold int
	BreakerWindow         time.Duration
	BreakerResetTimeout   time.Duration

	// Idempotency tuning
	IdempotencyTTL time.Duration
	SendLockTTL    time.Duration

	// Processor
	WorkerConcurrency int
	RetryThreshold    int
	BacklogWarning    int
	BacklogCritical   int

	// In-app gateway
	InAppUserLimit    int
	InAppUserWindow   time.Duration
	InAppMaxAttempts  int
	InAppBaseDelay    time.Duration
	InAppMaxDelay     time.Duration
	ConnectionTTL     time.Duration
	ReconcileScanCap  int
	LeakWarnThreshold int

	// Metrics batching
	MetricsFlushInterval time.Duration
	MetricsFlushSize     int

	// Cleanup jobs
	CleanupSchedule   string
	CleanupStaleAfter time.Duration
	DLQRetentionDays  int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "beacon",
		DBPassword: "",
		DBName:     "beacon",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@beacon.local",

		WhatsAppAPIURL:  "https://graph.facebook.com/v19.0",
		WhatsAppTimeout: 10 * time.Second,

		EmailTimeout: 15 * time.Second,
		SMSTimeout:   10 * time.Second,
		PushTimeout:  10 * time.Second,

		BreakerErrorThreshold: 5,
		BreakerWindow:         60 * time.Second,
		BreakerResetTimeout:   30 * time.Second,

		IdempotencyTTL: 10 * time.Minute,
		SendLockTTL:    30 * time.Second,

		WorkerConcurrency: 5,
		RetryThreshold:    2,
		BacklogWarning:    500,
		BacklogCritical:   2000,

		InAppUserLimit:    30,
		InAppUserWindow:   time.Minute,
		InAppMaxAttempts:  3,
		InAppBaseDelay:    200 * time.Millisecond,
		InAppMaxDelay:     5 * time.Second,
		ConnectionTTL:     2 * time.Minute,
		ReconcileScanCap:  1000,
		LeakWarnThreshold: 20,

		MetricsFlushInterval: 5 * time.Second,
		MetricsFlushSize:     100,

		CleanupSchedule:  "@every 10m",
		DLQRetentionDays: 30,
	}

	strs := map[string]*string{
		"LOG_LEVEL":        &cfg.LogLevel,
		"ENV":              &cfg.Env,
		"DB_HOST":          &cfg.DBHost,
		"DB_USER":          &cfg.DBUser,
		"DB_PASSWORD":      &cfg.DBPassword,
		"DB_NAME":          &cfg.DBName,
		"DB_SSLMODE":       &cfg.DBSSLMode,
		"REDIS_HOST":       &cfg.RedisHost,
		"REDIS_PASSWORD":   &cfg.RedisPassword,
		"SQS_QUEUE_URL":    &cfg.SQSQueueURL,
		"AWS_REGION":       &cfg.AWSRegion,
		"SES_FROM_EMAIL":   &cfg.SESFromEmail,
		"WHATSAPP_API_URL": &cfg.WhatsAppAPIURL,
		"WHATSAPP_TOKEN":   &cfg.WhatsAppToken,
		"WHATSAPP_SENDER":  &cfg.WhatsAppSender,
		"CLEANUP_SCHEDULE": &cfg.CleanupSchedule,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PORT":                &cfg.Port,
		"DB_PORT":             &cfg.DBPort,
		"REDIS_PORT":          &cfg.RedisPort,
		"REDIS_DB":            &cfg.RedisDB,
		"BREAKER_THRESHOLD":   &cfg.BreakerErrorThreshold,
		"WORKER_CONCURRENCY":  &cfg.WorkerConcurrency,
		"RETRY_THRESHOLD":     &cfg.RetryThreshold,
		"BACKLOG_WARNING":     &cfg.BacklogWarning,
		"BACKLOG_CRITICAL":    &cfg.BacklogCritical,
		"INAPP_USER_LIMIT":    &cfg.InAppUserLimit,
		"INAPP_MAX_ATTEMPTS":  &cfg.InAppMaxAttempts,
		"RECONCILE_SCAN_CAP":  &cfg.ReconcileScanCap,
		"LEAK_WARN_THRESHOLD": &cfg.LeakWarnThreshold,
		"METRICS_FLUSH_SIZE":  &cfg.MetricsFlushSize,
		"DLQ_RETENTION_DAYS":  &cfg.DLQRetentionDays,
	}
	for name, dst := range ints {
		if err := loadInt(dst, name); err != nil {
			return nil, err
		}
	}

	durs := map[string]*time.Duration{
		"BREAKER_WINDOW":         &cfg.BreakerWindow,
		"BREAKER_RESET_TIMEOUT":  &cfg.BreakerResetTimeout,
		"IDEMPOTENCY_TTL":        &cfg.IdempotencyTTL,
		"SEND_LOCK_TTL":          &cfg.SendLockTTL,
		"EMAIL_TIMEOUT":          &cfg.EmailTimeout,
		"SMS_TIMEOUT":            &cfg.SMSTimeout,
		"PUSH_TIMEOUT":           &cfg.PushTimeout,
		"WHATSAPP_TIMEOUT":       &cfg.WhatsAppTimeout,
		"INAPP_USER_WINDOW":      &cfg.InAppUserWindow,
		"INAPP_BASE_DELAY":       &cfg.InAppBaseDelay,
		"INAPP_MAX_DELAY":        &cfg.InAppMaxDelay,
		"CONNECTION_TTL":         &cfg.ConnectionTTL,
		"METRICS_FLUSH_INTERVAL": &cfg.MetricsFlushInterval,
		"CLEANUP_STALE_AFTER":    &cfg.CleanupStaleAfter,
	}
	for name, dst := range durs {
		if err := loadDur(dst, name); err != nil {
			return nil, err
		}
	}

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	return cfg, nil
}

func loadInt(dst *int, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

func loadDur(dst *time.Duration, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}
