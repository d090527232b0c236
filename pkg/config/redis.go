package config

import (
	"fmt"
	"time"
)

// RedisConfig configures the distributed queue adapter.
type RedisConfig struct {
	// URL is the redis connection URL; empty disables the adapter.
	URL string
	// QueuePrefix namespaces every key the adapter touches.
	QueuePrefix string
	// LockTTL is the per-job claim lock TTL.
	LockTTL time.Duration
	// LockRefresh is the heartbeat interval refreshing claim locks.
	LockRefresh time.Duration
	// HealthProbeInterval is how often adapter reachability is re-checked.
	HealthProbeInterval time.Duration
}

// LoadRedisConfig reads adapter settings and validates the TTL/refresh
// relationship: the lock TTL must be at least twice the refresh interval,
// otherwise a paused claimant loses its lock between refreshes.
func LoadRedisConfig() (RedisConfig, error) {
	cfg := RedisConfig{
		URL:                 getEnv("REDIS_URL", ""),
		QueuePrefix:         getEnv("REDIS_QUEUE_PREFIX", "dubplane"),
		LockTTL:             time.Duration(getEnvInt("REDIS_LOCK_TTL_MS", 30000)) * time.Millisecond,
		LockRefresh:         time.Duration(getEnvInt("REDIS_LOCK_REFRESH_MS", 10000)) * time.Millisecond,
		HealthProbeInterval: getEnvSeconds("REDIS_HEALTH_PROBE_S", 15*time.Second),
	}
	if cfg.URL != "" && cfg.LockTTL < 2*cfg.LockRefresh {
		return RedisConfig{}, fmt.Errorf(
			"REDIS_LOCK_TTL_MS (%v) must be at least twice REDIS_LOCK_REFRESH_MS (%v)",
			cfg.LockTTL, cfg.LockRefresh)
	}
	return cfg, nil
}
