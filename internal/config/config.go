package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port                     string
	AllowedOrigin            string
	DatabaseURL              string
	DBMigrate                bool
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	NATSURL                  string
	StoreID                  string
	StoreTimezone            string
	LogLevel                 string
	AuthSecret               string
	AccessTokenTTLMinutes    int
	ManagerPIN               string
	AnalyticsCacheTTLSeconds int
	AnalyticsRefreshSeconds  int
	AnalyticsWarmPeriods     []int
	TxnNumberMaxAttempts     int
}

// Load reads settings from the environment, after an optional .env file.
// Real environment variables win over .env entries.
func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("DB_MIGRATE", true)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DEFAULT_STORE_ID", "main-store")
	v.SetDefault("STORE_TIMEZONE", "Asia/Manila")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("ANALYTICS_CACHE_TTL_SECONDS", 300)
	v.SetDefault("ANALYTICS_REFRESH_INTERVAL_SECONDS", 300)
	v.SetDefault("ANALYTICS_WARM_PERIODS", "1,7,30")
	v.SetDefault("TXN_NUMBER_MAX_ATTEMPTS", 5)
	v.AutomaticEnv()

	return Config{
		Port:                     v.GetString("PORT"),
		AllowedOrigin:            v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:              strings.TrimSpace(v.GetString("DATABASE_URL")),
		DBMigrate:                v.GetBool("DB_MIGRATE"),
		RedisAddr:                strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:            v.GetString("REDIS_PASSWORD"),
		RedisDB:                  v.GetInt("REDIS_DB"),
		NATSURL:                  strings.TrimSpace(v.GetString("NATS_URL")),
		StoreID:                  v.GetString("DEFAULT_STORE_ID"),
		StoreTimezone:            v.GetString("STORE_TIMEZONE"),
		LogLevel:                 v.GetString("LOG_LEVEL"),
		AuthSecret:               strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes:    positive(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 480),
		ManagerPIN:               strings.TrimSpace(v.GetString("MANAGER_PIN")),
		AnalyticsCacheTTLSeconds: positive(v.GetInt("ANALYTICS_CACHE_TTL_SECONDS"), 300),
		AnalyticsRefreshSeconds:  positive(v.GetInt("ANALYTICS_REFRESH_INTERVAL_SECONDS"), 300),
		AnalyticsWarmPeriods:     parsePeriods(v.GetString("ANALYTICS_WARM_PERIODS")),
		TxnNumberMaxAttempts:     positive(v.GetInt("TXN_NUMBER_MAX_ATTEMPTS"), 5),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Location resolves StoreTimezone, falling back to UTC for unknown names.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.StoreTimezone)
	if err != nil || c.StoreTimezone == "" {
		return time.UTC
	}
	return loc
}

func (c Config) AnalyticsCacheTTL() time.Duration {
	return time.Duration(c.AnalyticsCacheTTLSeconds) * time.Second
}

func (c Config) AnalyticsRefreshInterval() time.Duration {
	return time.Duration(c.AnalyticsRefreshSeconds) * time.Second
}

func positive(v int, fallback int) int {
	if v < 1 {
		return fallback
	}
	return v
}

func parsePeriods(raw string) []int {
	periods := make([]int, 0, 4)
	seen := map[int]bool{}
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 1 || n > 366 || seen[n] {
			continue
		}
		seen[n] = true
		periods = append(periods, n)
	}
	if len(periods) == 0 {
		return []int{1, 7, 30}
	}
	return periods
}
