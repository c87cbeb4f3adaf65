package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port        string
	DatabaseURL string

	// Redis
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// OAuth clients, "id:secret" pairs
	OAuthClients map[string]string

	// Token lifetimes
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Second-factor verification
	TOTPEnabled       bool
	MailVerifyEnabled bool
	DeviceTrustWindow time.Duration
	AllowMultiDevice  bool

	// Spectator
	ReplayDir string

	// Upstream beatmap metadata
	BeatmapAPIURL string

	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string
	OTLPCollector   string

	// Rate limits ("count-PERIOD", e.g. "1000-M")
	RateLimitAuth     string
	RateLimitVerify   string
	RateLimitMessages string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	// Required: DATABASE_URL unless running in development mode (memory store)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && !cfg.DevelopmentMode {
		errors = append(errors, "DATABASE_URL is required outside development mode")
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") != "false"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// OAuth client registry: "id:secret[,id:secret...]"
	cfg.OAuthClients = map[string]string{}
	if raw := os.Getenv("OAUTH_CLIENTS"); raw != "" {
		for _, pair := range strings.Split(raw, ",") {
			id, secret, ok := strings.Cut(pair, ":")
			if !ok || id == "" {
				errors = append(errors, fmt.Sprintf("OAUTH_CLIENTS entry must be 'id:secret' (got '%s')", pair))
				continue
			}
			cfg.OAuthClients[id] = secret
		}
	} else if cfg.DevelopmentMode {
		cfg.OAuthClients["5"] = "dev-client-secret"
	} else {
		errors = append(errors, "OAUTH_CLIENTS is required outside development mode")
	}

	var err error
	cfg.AccessTokenTTL, err = durationEnv("ACCESS_TOKEN_TTL", 24*time.Hour)
	if err != nil {
		errors = append(errors, err.Error())
	}
	cfg.RefreshTokenTTL, err = durationEnv("REFRESH_TOKEN_TTL", 30*24*time.Hour)
	if err != nil {
		errors = append(errors, err.Error())
	}
	cfg.DeviceTrustWindow, err = durationEnv("DEVICE_TRUST_WINDOW", 30*24*time.Hour)
	if err != nil {
		errors = append(errors, err.Error())
	}

	cfg.TOTPEnabled = os.Getenv("TOTP_ENABLED") != "false"
	cfg.MailVerifyEnabled = os.Getenv("MAIL_VERIFY_ENABLED") != "false"
	cfg.AllowMultiDevice = os.Getenv("ALLOW_MULTI_DEVICE") == "true"

	cfg.ReplayDir = getEnvOrDefault("REPLAY_DIR", "./replays")
	cfg.BeatmapAPIURL = getEnvOrDefault("BEATMAP_API_URL", "https://osu.ppy.sh/api/v2")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.OTLPCollector = os.Getenv("OTLP_COLLECTOR_ADDR")

	cfg.RateLimitAuth = getEnvOrDefault("RATE_LIMIT_AUTH", "30-M")
	cfg.RateLimitVerify = getEnvOrDefault("RATE_LIMIT_VERIFY", "10-M")
	cfg.RateLimitMessages = getEnvOrDefault("RATE_LIMIT_MESSAGES", "300-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a Go duration like '24h' (got '%s')", key, raw)
	}
	return d, nil
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated")
	slog.Info("Configuration",
		"port", cfg.Port,
		"database_url", redactSecret(cfg.DatabaseURL),
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"oauth_clients", len(cfg.OAuthClients),
		"access_token_ttl", cfg.AccessTokenTTL,
		"refresh_token_ttl", cfg.RefreshTokenTTL,
		"totp_enabled", cfg.TOTPEnabled,
		"mail_verify_enabled", cfg.MailVerifyEnabled,
		"device_trust_window", cfg.DeviceTrustWindow,
		"allow_multi_device", cfg.AllowMultiDevice,
		"replay_dir", cfg.ReplayDir,
		"go_env", cfg.GoEnv,
		"development_mode", cfg.DevelopmentMode,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
