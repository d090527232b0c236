// Package config holds per-concern configuration structs and their
// environment loaders. The composition root loads a .env file (godotenv)
// before calling Load; everything here reads plain environment variables
// with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config aggregates every subsystem's configuration.
type Config struct {
	Paths     PathsConfig
	Auth      AuthConfig
	Queue     QueueConfig
	Redis     RedisConfig
	Upload    UploadConfig
	Watchdog  WatchdogConfig
	Retention RetentionConfig
	Quota     QuotaConfig
	Notify    NotifyConfig
	Egress    EgressConfig
}

// Load builds the full configuration from the environment.
func Load() (*Config, error) {
	paths, err := LoadPathsConfig()
	if err != nil {
		return nil, err
	}
	auth, err := LoadAuthConfig()
	if err != nil {
		return nil, err
	}
	redis, err := LoadRedisConfig()
	if err != nil {
		return nil, err
	}
	return &Config{
		Paths:     paths,
		Auth:      auth,
		Queue:     LoadQueueConfig(),
		Redis:     redis,
		Upload:    LoadUploadConfig(),
		Watchdog:  LoadWatchdogConfig(),
		Retention: LoadRetentionConfig(),
		Quota:     LoadQuotaConfig(),
		Notify:    LoadNotifyConfig(),
		Egress:    LoadEgressConfig(),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvSeconds reads an integer number of seconds.
func getEnvSeconds(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return defaultVal
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("required environment variable %s is not set", key)
	}
	return val, nil
}
