package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	ReturnWindowDays      int
	PointsPerUnitCents    int64
	PointValueCents       int64
	AlertCooldownSeconds  int
	LogLevel              string
	LoyaltyProgramFile    string
	MetricsEnabled        bool
}

// Load reads the environment, after merging a .env file from the working
// directory when one exists. Variables already set win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	metricsEnabled, err := strconv.ParseBool(getEnv("METRICS_ENABLED", "true"))
	if err != nil {
		metricsEnabled = true
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: positiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		ReturnWindowDays:      positiveInt("RETURN_WINDOW_DAYS", 30),
		PointsPerUnitCents:    int64(positiveInt("POINTS_PER_UNIT_CENTS", 1000)),
		PointValueCents:       int64(positiveInt("POINT_VALUE_CENTS", 100)),
		AlertCooldownSeconds:  positiveInt("ALERT_COOLDOWN_SECONDS", 900),
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LoyaltyProgramFile:    strings.TrimSpace(os.Getenv("LOYALTY_PROGRAM_FILE")),
		MetricsEnabled:        metricsEnabled,
	}

	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) ReturnWindow() time.Duration {
	return time.Duration(c.ReturnWindowDays) * 24 * time.Hour
}

func (c Config) AlertCooldown() time.Duration {
	return time.Duration(c.AlertCooldownSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

// SlogLevel maps LOG_LEVEL onto slog, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func positiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
