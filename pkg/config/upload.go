package config

// UploadConfig bounds chunked uploads.
type UploadConfig struct {
	// MaxUploadBytes caps a single upload's declared total size.
	MaxUploadBytes int64
	// ChunkBytes is the fixed chunk size handed to clients at init.
	ChunkBytes int64
	// ChunkRatePerSecond throttles chunk POSTs per upload.
	ChunkRatePerSecond float64
}

// LoadUploadConfig reads upload settings from the environment.
func LoadUploadConfig() UploadConfig {
	return UploadConfig{
		MaxUploadBytes:     getEnvInt64("MAX_UPLOAD_BYTES", 8<<30),
		ChunkBytes:         getEnvInt64("UPLOAD_CHUNK_BYTES", 8<<20),
		ChunkRatePerSecond: getEnvFloat("UPLOAD_CHUNK_RATE_PER_S", 3),
	}
}
