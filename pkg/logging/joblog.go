package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JobLogger mirrors per-job pipeline events to two files under the job's
// logs directory: pipeline.log (JSONL, machine-read) and pipeline.txt
// (human-read). Both are append-only; writes are serialized.
type JobLogger struct {
	mu       sync.Mutex
	jobID    string
	jsonPath string
	textPath string
}

// NewJobLogger creates the logs directory and returns a logger for jobID.
func NewJobLogger(logsDir, jobID string) (*JobLogger, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating job log dir: %w", err)
	}
	return &JobLogger{
		jobID:    jobID,
		jsonPath: filepath.Join(logsDir, "pipeline.log"),
		textPath: filepath.Join(logsDir, "pipeline.txt"),
	}, nil
}

// Event appends one pipeline event with optional key-value fields.
// Values pass through RedactString.
func (l *JobLogger) Event(stage, message string, fields map[string]string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	entry := map[string]any{
		"ts":     now.Format(time.RFC3339Nano),
		"job_id": l.jobID,
		"stage":  stage,
		"msg":    RedactString(message),
	}
	for k, v := range fields {
		entry[k] = RedactString(v)
	}
	if b, err := json.Marshal(entry); err == nil {
		l.appendLine(l.jsonPath, string(b))
	}
	human := fmt.Sprintf("%s [%s] %s", now.Format("2006-01-02 15:04:05"), stage, RedactString(message))
	l.appendLine(l.textPath, human)
}

func (l *JobLogger) appendLine(path, line string) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line + "\n")
}

// TextPath returns the human-readable log path for tailing.
func (l *JobLogger) TextPath() string { return l.textPath }
