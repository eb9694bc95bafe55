package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	DBSource        string `validate:"required"`
	Port            string `validate:"required,numeric"`
	Env             string `validate:"oneof=development staging production"`
	UpstreamBaseURL string `validate:"required,url"`
	AdminToken      string `validate:"required"`

	// PollInterval is the cadence of the rollout ledger poller.
	PollInterval time.Duration `validate:"min=1s"`
	// OTPChallengeTTL bounds how long an issued step-up challenge may
	// gate a commit before the operator must request a fresh one.
	OTPChallengeTTL time.Duration `validate:"min=1m"`

	SendgridAPIKey  string
	NotifyFrom      string   `validate:"omitempty,email"`
	NotifyAdmins    []string `validate:"dive,email"`
	UpstreamTimeout time.Duration
}

func Load() (*Config, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		DBSource:        os.Getenv("DB_SOURCE"),
		Port:            getEnv("SERVER_PORT", "8080"),
		Env:             getEnv("ENVIRONMENT", "development"),
		UpstreamBaseURL: os.Getenv("UPSTREAM_BASE_URL"),
		AdminToken:      os.Getenv("ADMIN_TOKEN"),
		PollInterval:    getDuration("POLL_INTERVAL", 5*time.Second),
		OTPChallengeTTL: getDuration("OTP_CHALLENGE_TTL", 10*time.Minute),
		SendgridAPIKey:  os.Getenv("SENDGRID_API_KEY"),
		NotifyFrom:      getEnv("NOTIFY_FROM", "noreply@digitalbillionaire.in"),
		UpstreamTimeout: getDuration("UPSTREAM_TIMEOUT", 30*time.Second),
	}

	if admins := os.Getenv("NOTIFY_ADMINS"); admins != "" {
		for _, a := range strings.Split(admins, ",") {
			if a = strings.TrimSpace(a); a != "" {
				cfg.NotifyAdmins = append(cfg.NotifyAdmins, a)
			}
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Env == "production" && cfg.SendgridAPIKey == "" {
		return nil, fmt.Errorf("SENDGRID_API_KEY is required in production")
	}
	return cfg, nil
}

func (c *Config) Debug() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// plain integers are taken as seconds
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
