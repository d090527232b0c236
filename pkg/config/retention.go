package config

import "time"

// RetentionConfig controls the periodic cleanup sweeps and the disk guard.
type RetentionConfig struct {
	// SweepInterval is how often the retention sweep runs.
	SweepInterval time.Duration
	// UploadTTL is the max age of an uncompleted upload before deletion.
	UploadTTL time.Duration
	// JobArtifactTTL is the max age (by updated_at) of unpinned job
	// artifacts before deletion.
	JobArtifactTTL time.Duration
	// LogTTL is the max age of log files before deletion.
	LogTTL time.Duration
	// WorkStaleMax is the max age of per-job work directories.
	WorkStaleMax time.Duration
	// MinFreeGB is the free-space floor on the output root; allocations and
	// admissions below it are refused.
	MinFreeGB int
}

// LoadRetentionConfig reads retention settings from the environment.
func LoadRetentionConfig() RetentionConfig {
	return RetentionConfig{
		SweepInterval:  time.Duration(getEnvInt("RETENTION_SWEEP_HOURS", 6)) * time.Hour,
		UploadTTL:      time.Duration(getEnvInt("RETENTION_UPLOAD_TTL_HOURS", 48)) * time.Hour,
		JobArtifactTTL: time.Duration(getEnvInt("RETENTION_JOB_ARTIFACT_DAYS", 30)) * 24 * time.Hour,
		LogTTL:         time.Duration(getEnvInt("RETENTION_LOG_DAYS", 14)) * 24 * time.Hour,
		WorkStaleMax:   time.Duration(getEnvInt("WORK_STALE_MAX_HOURS", 72)) * time.Hour,
		MinFreeGB:      getEnvInt("MIN_FREE_GB", 5),
	}
}

// QuotaConfig holds the global per-user defaults; per-user overrides live
// in the store.
type QuotaConfig struct {
	MaxUploadBytes    int64
	JobsPerDay        int
	MaxConcurrentJobs int
	MaxStorageBytes   int64
}

// LoadQuotaConfig reads quota defaults from the environment.
func LoadQuotaConfig() QuotaConfig {
	return QuotaConfig{
		MaxUploadBytes:    getEnvInt64("QUOTA_MAX_UPLOAD_BYTES", 8<<30),
		JobsPerDay:        getEnvInt("QUOTA_JOBS_PER_DAY", 20),
		MaxConcurrentJobs: getEnvInt("QUOTA_MAX_CONCURRENT_JOBS", 2),
		MaxStorageBytes:   getEnvInt64("QUOTA_MAX_STORAGE_BYTES", 100<<30),
	}
}
