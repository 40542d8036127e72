package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the server and the seeder.
type Config struct {
	Environment string

	// Database
	DatabaseURL string

	// Server
	ServerPort  string
	CORSOrigins []string
	WSPing      time.Duration

	// Auth
	JwtSecret     string
	JwtTTL        time.Duration
	OwnerUsername string
	OwnerPassword string

	// Wallets
	FaucetAmount *uint256.Int

	// Rate limiting, per caller
	RateLimitRPS   float64
	RateLimitBurst int
	TrustProxy     bool

	// Logging
	LogFile string
}

// Load configuration from environment variables, reading a .env file first
// when one exists.
func Load() (*Config, error) {
	// Load .env file, ignoring errors if it doesn't exist
	godotenv.Load()

	cfg := &Config{}
	var err error

	getEnv := func(key, defaultValue string) string {
		if value, exists := os.LookupEnv(key); exists && value != "" {
			return value
		}
		return defaultValue
	}

	getRequiredEnv := func(key string) (string, error) {
		value, exists := os.LookupEnv(key)
		if !exists || value == "" {
			return "", fmt.Errorf("missing required environment variable: %s", key)
		}
		return value, nil
	}

	cfg.DatabaseURL, err = getRequiredEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	cfg.JwtSecret, err = getRequiredEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}
	cfg.OwnerPassword, err = getRequiredEnv("OWNER_PASSWORD")
	if err != nil {
		return nil, err
	}
	cfg.Environment = getEnv("ENVIRONMENT", "development")
	cfg.ServerPort = getEnv("SERVER_PORT", "8080")
	cfg.OwnerUsername = getEnv("OWNER_USERNAME", "owner")
	cfg.LogFile = getEnv("LOG_FILE", "")

	for _, origin := range strings.Split(getEnv("CORS_ORIGINS", "*"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
		}
	}

	jwtTTLSeconds, err := strconv.ParseInt(getEnv("JWT_TTL_SECONDS", "86400"), 10, 64)
	if err != nil || jwtTTLSeconds <= 0 {
		return nil, fmt.Errorf("invalid JWT_TTL_SECONDS: %q", getEnv("JWT_TTL_SECONDS", ""))
	}
	cfg.JwtTTL = time.Duration(jwtTTLSeconds) * time.Second

	pingSeconds, err := strconv.ParseInt(getEnv("WS_PING_SECONDS", "30"), 10, 64)
	if err != nil || pingSeconds < 0 {
		return nil, fmt.Errorf("invalid WS_PING_SECONDS: %q", getEnv("WS_PING_SECONDS", ""))
	}
	cfg.WSPing = time.Duration(pingSeconds) * time.Second

	cfg.FaucetAmount, err = uint256.FromDecimal(getEnv("FAUCET_AMOUNT", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid FAUCET_AMOUNT: %w", err)
	}

	cfg.RateLimitRPS, err = strconv.ParseFloat(getEnv("RATE_LIMIT_RPS", "20"), 64)
	if err != nil || cfg.RateLimitRPS <= 0 {
		return nil, fmt.Errorf("invalid RATE_LIMIT_RPS: %q", getEnv("RATE_LIMIT_RPS", ""))
	}
	cfg.RateLimitBurst, err = strconv.Atoi(getEnv("RATE_LIMIT_BURST", "40"))
	if err != nil || cfg.RateLimitBurst <= 0 {
		return nil, fmt.Errorf("invalid RATE_LIMIT_BURST: %q", getEnv("RATE_LIMIT_BURST", ""))
	}

	cfg.TrustProxy, err = strconv.ParseBool(getEnv("TRUST_PROXY", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid TRUST_PROXY: %q", getEnv("TRUST_PROXY", ""))
	}

	return cfg, nil
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
