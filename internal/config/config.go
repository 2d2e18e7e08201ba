package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	ClinicName    string
	DatabaseURL   string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Recall engine tuning
	ScoringTablePath     string
	ReplyWindow          time.Duration
	MaxPromotionAttempts int
	SweepInterval        time.Duration
	ReminderOffsetsDays  []int
	ReminderInterval     time.Duration
	NotificationFeedSize int
	ClinicTimezone       string
	QuietHoursStart      string
	QuietHoursEnd        string

	// Outbound dispatch
	DispatchWorkers int
	DispatchBuffer  int
	DispatchRatePS  float64

	// Twilio gateway + inbound webhook
	TwilioAccountSID    string
	TwilioAuthToken     string
	TwilioWebhookSecret string
	TwilioFromNumber    string

	// Intent classification
	Classifier     string
	GeminiAPIKey   string
	GeminiModel    string
	BedrockModelID string

	// AWS (SQS inbound replies, SES, Bedrock)
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	InboundQueueURL     string
	InboundWorkers      int
	OutboxQueueURL      string

	// Operator alerts
	EmailProvider     string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	OperatorEmail     string

	AdminJWTSecret string
	APIRateLimit   int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		ClinicName:    getEnv("CLINIC_NAME", "UBS"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		ScoringTablePath:     getEnv("SCORING_TABLE_PATH", ""),
		ReplyWindow:          getEnvAsDuration("REPLY_WINDOW", 48*time.Hour),
		MaxPromotionAttempts: getEnvAsInt("MAX_PROMOTION_ATTEMPTS", 3),
		SweepInterval:        getEnvAsDuration("SWEEP_INTERVAL", 5*time.Minute),
		ReminderOffsetsDays:  getEnvAsIntList("REMINDER_OFFSETS_DAYS", []int{7, 5, 3, 1}),
		ReminderInterval:     getEnvAsDuration("REMINDER_INTERVAL", time.Hour),
		NotificationFeedSize: getEnvAsInt("NOTIFICATION_FEED_SIZE", 10),
		ClinicTimezone:       getEnv("CLINIC_TIMEZONE", "America/Sao_Paulo"),
		QuietHoursStart:      getEnv("QUIET_HOURS_START", "21:00"),
		QuietHoursEnd:        getEnv("QUIET_HOURS_END", "08:00"),

		DispatchWorkers: getEnvAsInt("DISPATCH_WORKERS", 4),
		DispatchBuffer:  getEnvAsInt("DISPATCH_BUFFER", 256),
		DispatchRatePS:  getEnvAsFloat("DISPATCH_RATE_PER_SECOND", 0),

		TwilioAccountSID:    getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:     getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioWebhookSecret: getEnv("TWILIO_WEBHOOK_SECRET", ""),
		TwilioFromNumber:    getEnv("TWILIO_FROM_NUMBER", ""),

		Classifier:     strings.ToLower(strings.TrimSpace(getEnv("CLASSIFIER", "keyword"))),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		GeminiModel:    getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		BedrockModelID: getEnv("BEDROCK_MODEL_ID", ""),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		InboundQueueURL:     getEnv("INBOUND_QUEUE_URL", ""),
		InboundWorkers:      getEnvAsInt("INBOUND_WORKERS", 2),
		OutboxQueueURL:      getEnv("OUTBOX_QUEUE_URL", ""),

		EmailProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "sendgrid"))),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Recall Engine"),
		OperatorEmail:     getEnv("OPERATOR_EMAIL", ""),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
		APIRateLimit:   getEnvAsInt("API_RATE_LIMIT_PER_MINUTE", 120),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsIntList parses a comma-separated list such as "7,5,3,1".
// Any malformed element discards the whole value.
func getEnvAsIntList(key string, defaultValue []int) []int {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return defaultValue
	}
	var out []int
	for _, part := range strings.Split(valueStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return defaultValue
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
