package config

import "time"

// WatchdogConfig holds per-stage subprocess deadlines and the optional
// child memory cap. A stage exceeding its deadline is killed and the job
// fails with a phase timeout.
type WatchdogConfig struct {
	AudioTimeout     time.Duration
	DiarizeTimeout   time.Duration
	WhisperTimeout   time.Duration
	TranslateTimeout time.Duration
	TTSTimeout       time.Duration
	MixTimeout       time.Duration
	MuxTimeout       time.Duration
	ExportTimeout    time.Duration

	// ChildMaxMemMB sets RLIMIT_AS on stage children when > 0 (Unix only).
	ChildMaxMemMB int

	// PollInterval bounds how often the supervisor checks deadline/cancel.
	PollInterval time.Duration
	// TermGrace is the SIGTERM-to-SIGKILL grace period.
	TermGrace time.Duration
}

// LoadWatchdogConfig reads stage deadlines (seconds) from the environment.
func LoadWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		AudioTimeout:     getEnvSeconds("WATCHDOG_AUDIO_S", 10*time.Minute),
		DiarizeTimeout:   getEnvSeconds("WATCHDOG_DIARIZE_S", 20*time.Minute),
		WhisperTimeout:   getEnvSeconds("WATCHDOG_WHISPER_S", 45*time.Minute),
		TranslateTimeout: getEnvSeconds("WATCHDOG_TRANSLATE_S", 10*time.Minute),
		TTSTimeout:       getEnvSeconds("WATCHDOG_TTS_S", 30*time.Minute),
		MixTimeout:       getEnvSeconds("WATCHDOG_MIX_S", 20*time.Minute),
		MuxTimeout:       getEnvSeconds("WATCHDOG_MUX_S", 20*time.Minute),
		ExportTimeout:    getEnvSeconds("WATCHDOG_EXPORT_S", 20*time.Minute),
		ChildMaxMemMB:    getEnvInt("WATCHDOG_CHILD_MAX_MEM_MB", 0),
		PollInterval:     250 * time.Millisecond,
		TermGrace:        2 * time.Second,
	}
}

// TimeoutFor maps a stage name to its configured deadline. Unknown stages
// get the export timeout, the most generic bound.
func (w WatchdogConfig) TimeoutFor(stage string) time.Duration {
	switch stage {
	case "extracting":
		return w.AudioTimeout
	case "diarize":
		return w.DiarizeTimeout
	case "asr":
		return w.WhisperTimeout
	case "translation":
		return w.TranslateTimeout
	case "tts":
		return w.TTSTimeout
	case "mixing":
		return w.MixTimeout
	case "mux":
		return w.MuxTimeout
	default:
		return w.ExportTimeout
	}
}
