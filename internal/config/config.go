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
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Call lifecycle
	RingTimeout          time.Duration
	StallTimeout         time.Duration
	HangupGrace          time.Duration
	EndWindow            time.Duration
	MaxCallAttempts      int
	AutoRetry            bool
	SweepInterval        time.Duration
	DefaultMaxDistanceKm float64

	// Telephony (Twilio)
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioBaseURL    string

	// Voice conversation vendor
	VoiceAPIKey        string
	VoiceAgentID       string
	VoiceBaseURL       string
	VoiceStreamEvents  bool
	VoiceStreamURL     string
	VoiceWebhookSecret string

	// AWS (transcript archive)
	AWSRegion               string
	AWSAccessKeyID          string
	AWSSecretAccessKey      string
	AWSEndpointOverride     string
	TranscriptArchiveBucket string

	// HTTP surface
	APIJWTSecret       string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	// Provider directory
	ProviderCacheSize int
	ProvidersSeedFile string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		RingTimeout:          getEnvAsDuration("RING_TIMEOUT", 30*time.Second),
		StallTimeout:         getEnvAsDuration("STALL_TIMEOUT", 90*time.Second),
		HangupGrace:          getEnvAsDuration("HANGUP_GRACE", 10*time.Second),
		EndWindow:            getEnvAsDuration("END_WINDOW", 2*time.Second),
		MaxCallAttempts:      getEnvAsInt("MAX_CALL_ATTEMPTS", 3),
		AutoRetry:            getEnvAsBool("AUTO_RETRY", true),
		SweepInterval:        getEnvAsDuration("SWEEP_INTERVAL", 15*time.Second),
		DefaultMaxDistanceKm: getEnvAsFloat("DEFAULT_MAX_DISTANCE_KM", 0),

		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber: getEnv("TWILIO_FROM_NUMBER", ""),
		TwilioBaseURL:    getEnv("TWILIO_BASE_URL", ""),

		VoiceAPIKey:        getEnv("VOICE_API_KEY", ""),
		VoiceAgentID:       getEnv("VOICE_AGENT_ID", ""),
		VoiceBaseURL:       getEnv("VOICE_BASE_URL", ""),
		VoiceStreamEvents:  getEnvAsBool("VOICE_STREAM_EVENTS", false),
		VoiceStreamURL:     getEnv("VOICE_STREAM_URL", ""),
		VoiceWebhookSecret: getEnv("VOICE_WEBHOOK_SECRET", ""),

		AWSRegion:               getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride:     getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		TranscriptArchiveBucket: getEnv("TRANSCRIPT_ARCHIVE_BUCKET", ""),

		APIJWTSecret:       getEnv("API_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:       getEnvAsFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 20),

		ProviderCacheSize: getEnvAsInt("PROVIDER_CACHE_SIZE", 512),
		ProvidersSeedFile: getEnv("PROVIDERS_SEED_FILE", ""),
	}
}

// UsePostgres reports whether durable stores should be used.
func (c *Config) UsePostgres() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
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

func getEnvAsList(key string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
