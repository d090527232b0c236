package config

import "time"

// QueueMode selects the admission backend.
type QueueMode string

// Queue modes. Auto prefers redis when reachable, else local.
const (
	QueueModeAuto  QueueMode = "auto"
	QueueModeLocal QueueMode = "local"
	QueueModeRedis QueueMode = "redis"
)

// QueueConfig controls the admission scheduler's concurrency limits and the
// dispatch loop behavior.
type QueueConfig struct {
	Mode QueueMode

	// MaxConcurrencyGlobal bounds jobs running at once in this process.
	MaxConcurrencyGlobal int
	// MaxConcurrencyPerUser bounds jobs running at once per owner.
	MaxConcurrencyPerUser int
	// MaxConcurrencyTranscribe bounds concurrent ASR-bound jobs.
	MaxConcurrencyTranscribe int
	// MaxConcurrencyTTS bounds concurrent TTS-bound jobs.
	MaxConcurrencyTTS int
	// MaxConcurrencyGPU bounds concurrent device=cuda jobs.
	MaxConcurrencyGPU int

	// AgingBonusPerMinute is added to a queued job's effective priority per
	// minute of waiting, capped at the priority ceiling. Zero disables aging.
	AgingBonusPerMinute float64

	// GracefulShutdownTimeout is the max wait for running jobs at shutdown.
	GracefulShutdownTimeout time.Duration

	// CancelCheckInterval bounds how often runners observe cancel flags.
	CancelCheckInterval time.Duration
}

// LoadQueueConfig reads scheduler settings from the environment.
func LoadQueueConfig() QueueConfig {
	return QueueConfig{
		Mode:                     QueueMode(getEnv("QUEUE_MODE", string(QueueModeAuto))),
		MaxConcurrencyGlobal:     getEnvInt("MAX_CONCURRENCY_GLOBAL", 2),
		MaxConcurrencyPerUser:    getEnvInt("MAX_CONCURRENCY_PER_USER", 1),
		MaxConcurrencyTranscribe: getEnvInt("MAX_CONCURRENCY_TRANSCRIBE", 2),
		MaxConcurrencyTTS:        getEnvInt("MAX_CONCURRENCY_TTS", 1),
		MaxConcurrencyGPU:        getEnvInt("MAX_CONCURRENCY_GPU", 1),
		AgingBonusPerMinute:      getEnvFloat("QUEUE_AGING_BONUS_PER_MINUTE", 0),
		GracefulShutdownTimeout:  getEnvSeconds("GRACEFUL_SHUTDOWN_TIMEOUT_S", 30*time.Second),
		CancelCheckInterval:      250 * time.Millisecond,
	}
}
