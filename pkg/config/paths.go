package config

import (
	"os"
	"path/filepath"
)

// PathsConfig holds the directory layout. Everything the service writes
// lives under one of these roots.
type PathsConfig struct {
	// AppRoot anchors relative defaults for the other directories.
	AppRoot string
	// InputDir receives uploads (uploads/ subdirectory).
	InputDir string
	// OutputDir receives per-job artifacts, the library and state DBs.
	OutputDir string
	// LogDir receives app.log and the audit logs.
	LogDir string
	// StateDir holds auth.db and jobs.db. Defaults to OutputDir/_state.
	StateDir string
}

// LoadPathsConfig reads the directory layout from the environment and
// creates any missing directories.
func LoadPathsConfig() (PathsConfig, error) {
	appRoot := getEnv("APP_ROOT", ".")
	cfg := PathsConfig{
		AppRoot:   appRoot,
		InputDir:  getEnv("INPUT_DIR", filepath.Join(appRoot, "Input")),
		OutputDir: getEnv("OUTPUT_DIR", filepath.Join(appRoot, "Output")),
		LogDir:    getEnv("LOG_DIR", filepath.Join(appRoot, "logs")),
	}
	cfg.StateDir = getEnv("STATE_DIR", filepath.Join(cfg.OutputDir, "_state"))

	for _, dir := range []string{cfg.InputDir, cfg.OutputDir, cfg.LogDir, cfg.StateDir, cfg.UploadsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return PathsConfig{}, err
		}
	}
	return cfg, nil
}

// UploadsDir is where chunked upload parts and finished files land.
func (p PathsConfig) UploadsDir() string {
	return filepath.Join(p.InputDir, "uploads")
}

// AuthDBPath is the auth/users database file.
func (p PathsConfig) AuthDBPath() string {
	return filepath.Join(p.StateDir, "auth.db")
}

// JobsDBPath is the jobs/library/uploads database file.
func (p PathsConfig) JobsDBPath() string {
	return filepath.Join(p.StateDir, "jobs.db")
}

// LibraryDir is the root of exported library artifacts.
func (p PathsConfig) LibraryDir() string {
	return filepath.Join(p.OutputDir, "Library")
}
