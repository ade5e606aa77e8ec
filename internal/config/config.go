package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"authgate.org/internal/auth"
)

const envPrefix = "AUTHGATE_"

// Config is the runtime configuration of the auth service.
type Config struct {
	GRPCAddr        string        `validate:"required"`
	OpsAddr         string        `validate:"required"`
	Store           string        `validate:"oneof=postgres memory"`
	PostgresDSN     string        `validate:"required_if=Store postgres"`
	SeedFile        string        `validate:"required_if=Store memory"`
	IssuerID        string        `validate:"required,uuid"`
	GateMode        string        `validate:"oneof=enforcing permissive"`
	GrantsFile      string
	KeyTTL          time.Duration `validate:"gt=0"`
	KeyCapacity     int           `validate:"gt=0"`
	KeyBits         int           `validate:"gte=2048"`
	SweepInterval   time.Duration `validate:"gt=0"`
	LoginRate       float64       `validate:"gte=0"`
	LoginBurst      int           `validate:"gte=0"`
	LogLevel        string        `validate:"oneof=debug info warn error"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	// Root is nil when the root identity is not configured.
	Root *auth.Root `validate:"-"`
}

// Load reads .env (if present) and the process environment, then validates.
func Load() (*Config, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that apply overrides first.
func Read() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		GRPCAddr:        getEnv("GRPC_ADDR", ":9090"),
		OpsAddr:         getEnv("OPS_ADDR", ":8080"),
		Store:           strings.ToLower(getEnv("STORE", "postgres")),
		PostgresDSN:     getEnv("PG_DSN", ""),
		SeedFile:        getEnv("SEED_FILE", ""),
		IssuerID:        getEnv("ISSUER_ID", ""),
		GateMode:        strings.ToLower(getEnv("GATE_MODE", "enforcing")),
		GrantsFile:      getEnv("GRANTS_FILE", ""),
		KeyTTL:          getEnvAsDuration("KEY_TTL", 2*time.Minute),
		KeyCapacity:     getEnvAsInt("KEY_CAPACITY", 4096),
		KeyBits:         getEnvAsInt("KEY_BITS", 2048),
		SweepInterval:   getEnvAsDuration("SWEEP_INTERVAL", 5*time.Minute),
		LoginRate:       getEnvAsFloat("LOGIN_RATE", 5),
		LoginBurst:      getEnvAsInt("LOGIN_BURST", 10),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	root, err := loadRoot()
	if err != nil {
		return nil, err
	}
	cfg.Root = root
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// loadRoot builds the root identity from ROOT_* variables. Password, both
// TTLs and the secret must be present together; otherwise root is absent.
func loadRoot() (*auth.Root, error) {
	name := getRawEnv("ROOT_NAME", "root")
	password := os.Getenv("ROOT_PASSWORD")
	accessRaw := os.Getenv("ROOT_ACCESS_TTL")
	refreshRaw := os.Getenv("ROOT_REFRESH_TTL")
	secretRaw := os.Getenv("ROOT_SECRET")

	if password == "" || accessRaw == "" || refreshRaw == "" || secretRaw == "" {
		return nil, nil
	}
	access, err := time.ParseDuration(accessRaw)
	if err != nil || access <= 0 {
		return nil, fmt.Errorf("ROOT_ACCESS_TTL: invalid duration %q", accessRaw)
	}
	refresh, err := time.ParseDuration(refreshRaw)
	if err != nil || refresh <= 0 {
		return nil, fmt.Errorf("ROOT_REFRESH_TTL: invalid duration %q", refreshRaw)
	}
	secret, err := auth.ParseSecret(secretRaw)
	if err != nil {
		return nil, fmt.Errorf("ROOT_SECRET: %w", err)
	}
	if secret.Empty() {
		return nil, errors.New("ROOT_SECRET: empty")
	}
	return &auth.Root{
		Name:       name,
		Password:   auth.Secret(password),
		AccessTTL:  access,
		RefreshTTL: refresh,
		Secret:     secret,
	}, nil
}

// Helper functions

func getRawEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnv(key, defaultValue string) string {
	return getRawEnv(envPrefix+key, defaultValue)
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(envPrefix + key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(envPrefix + key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(envPrefix + key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
