// Package config provides configuration management for the license server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// ServerConfig holds server-level configuration loaded from environment variables.
type ServerConfig struct {
	Environment Environment
	ListenAddr  string

	// WebhookSigningSecret verifies payment provider webhook signatures.
	WebhookSigningSecret string
	// BillingPortalURL is included in subscription-inactive guidance.
	BillingPortalURL string

	// SessionLiveness is the maximum heartbeat gap before a session is stale.
	SessionLiveness time.Duration
	// ActivityCeilingDays invalidates licenses not seen for this many days.
	ActivityCeilingDays int
	// PaymentFailureThreshold vetoes validation after this many consecutive failures.
	PaymentFailureThreshold int

	// ReceiptProcessingTimeout bounds how long a receipt may sit in processing
	// before the maintenance sweep reclaims it.
	ReceiptProcessingTimeout time.Duration
	// RetentionDays bounds how long finalized receipts and audit events are kept.
	RetentionDays int

	// RateLimitRequests / RateLimitPeriod configure the global HTTP limiter.
	RateLimitRequests int64
	RateLimitPeriod   string
	// MaxBodyBytes limits inbound request body size.
	MaxBodyBytes int64

	// Recovery caps per keyspace.
	RecoveryIPHourly    int
	RecoveryIPDaily     int
	RecoveryEmailHourly int
	RecoveryEmailDaily  int
	RecoveryComboHourly int
	RecoveryComboDaily  int
	// RecoveryBlockPenalty is the fixed block applied when a cap is exceeded.
	RecoveryBlockPenalty time.Duration

	SMTP SMTPConfig

	Archive ArchiveConfig
}

// SMTPConfig holds outbound email configuration.
type SMTPConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	From     string `yaml:"from" json:"from"`
	TLS      bool   `yaml:"tls" json:"tls"`
}

// Validate checks if the SMTP configuration is valid.
func (c *SMTPConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("smtp host is required")
	}
	if c.Port == 0 {
		return fmt.Errorf("smtp port is required")
	}
	if c.From == "" {
		return fmt.Errorf("smtp from address is required")
	}
	return nil
}

// Enabled reports whether SMTP is configured at all. Email dispatch is
// best-effort; an unconfigured mailer logs instead of sending.
func (c *SMTPConfig) Enabled() bool {
	return c.Host != ""
}

// ArchiveConfig holds S3 export settings for aged rows. Archival is disabled
// when Bucket is empty.
type ArchiveConfig struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether archival is configured.
func (c *ArchiveConfig) Enabled() bool {
	return c.Bucket != ""
}

// LoadServerConfig reads server configuration from environment variables.
func LoadServerConfig() ServerConfig {
	env := Environment(os.Getenv("ENV"))
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		env = EnvDevelopment
	}

	return ServerConfig{
		Environment: env,
		ListenAddr:  getEnvString("LISTEN_ADDR", ":8080"),

		WebhookSigningSecret: os.Getenv("WEBHOOK_SIGNING_SECRET"),
		BillingPortalURL:     getEnvString("BILLING_PORTAL_URL", "https://billing.tillware.io/portal"),

		SessionLiveness:         getEnvDuration("SESSION_LIVENESS", 5*time.Minute),
		ActivityCeilingDays:     getEnvInt("ACTIVITY_CEILING_DAYS", 60),
		PaymentFailureThreshold: getEnvInt("PAYMENT_FAILURE_THRESHOLD", 3),

		ReceiptProcessingTimeout: getEnvDuration("RECEIPT_PROCESSING_TIMEOUT", 10*time.Minute),
		RetentionDays:            getEnvInt("RETENTION_DAYS", 90),

		RateLimitRequests: int64(getEnvInt("RATE_LIMIT_REQUESTS", 300)),
		RateLimitPeriod:   getEnvString("RATE_LIMIT_PERIOD", "1m"),
		MaxBodyBytes:      int64(getEnvInt("MAX_BODY_BYTES", 1<<20)),

		RecoveryIPHourly:     getEnvInt("RECOVERY_IP_HOURLY", 5),
		RecoveryIPDaily:      getEnvInt("RECOVERY_IP_DAILY", 20),
		RecoveryEmailHourly:  getEnvInt("RECOVERY_EMAIL_HOURLY", 3),
		RecoveryEmailDaily:   getEnvInt("RECOVERY_EMAIL_DAILY", 10),
		RecoveryComboHourly:  getEnvInt("RECOVERY_COMBO_HOURLY", 3),
		RecoveryComboDaily:   getEnvInt("RECOVERY_COMBO_DAILY", 6),
		RecoveryBlockPenalty: getEnvDuration("RECOVERY_BLOCK_PENALTY", time.Hour),

		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     getEnvInt("SMTP_PORT", 587),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     os.Getenv("SMTP_FROM"),
			TLS:      getEnvBool("SMTP_TLS", true),
		},

		Archive: ArchiveConfig{
			Bucket:          os.Getenv("ARCHIVE_S3_BUCKET"),
			Prefix:          getEnvString("ARCHIVE_S3_PREFIX", "license-archive"),
			Region:          getEnvString("ARCHIVE_S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("ARCHIVE_S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("ARCHIVE_S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("ARCHIVE_S3_SECRET_ACCESS_KEY"),
		},
	}
}

// getEnvString reads a string from an environment variable, returning the default if unset.
func getEnvString(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvDuration reads a duration from an environment variable, returning the default if unset or invalid.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
