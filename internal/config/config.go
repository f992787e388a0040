package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                    string
	AllowedOrigin           string
	DatabaseURL             string
	SQLitePath              string
	RedisAddr               string
	RedisPassword           string
	RedisDB                 int
	AuthSecret              string
	AccessTokenTTLMinutes   int
	ManagerPIN              string
	BootstrapAdminPassword  string
	LogLevel                string
	LogFormat               string
	LockTTLSeconds          int
	LockWaitSeconds         int
	StockCacheTTLSeconds    int
	CompensationIntervalSec int
	CompensationMaxAttempts int
	CompensationBaseBackoff int
	CompensationMaxBackoff  int
	StalePendingMinutes     int
}

// Load reads the environment, after merging a .env file when one exists.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                    getEnv("PORT", "8080"),
		AllowedOrigin:           getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		SQLitePath:              os.Getenv("SQLITE_PATH"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 redisDB,
		AuthSecret:              strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:   getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		ManagerPIN:              strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		BootstrapAdminPassword:  os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"),
		LogLevel:                strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:               strings.ToLower(getEnv("LOG_FORMAT", "json")),
		LockTTLSeconds:          getPositiveInt("LOCK_TTL_SECONDS", 30),
		LockWaitSeconds:         getPositiveInt("LOCK_WAIT_SECONDS", 10),
		StockCacheTTLSeconds:    getPositiveInt("STOCK_CACHE_TTL_SECONDS", 60),
		CompensationIntervalSec: getPositiveInt("COMPENSATION_RETRY_INTERVAL_SECONDS", 30),
		CompensationMaxAttempts: getPositiveInt("COMPENSATION_MAX_ATTEMPTS", 10),
		CompensationBaseBackoff: getPositiveInt("COMPENSATION_BASE_BACKOFF_SECONDS", 5),
		CompensationMaxBackoff:  getPositiveInt("COMPENSATION_MAX_BACKOFF_SECONDS", 600),
		StalePendingMinutes:     getPositiveInt("SAGA_STALE_PENDING_MINUTES", 15),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
