// Package audit appends structured audit events as newline-delimited JSON:
// a daily-rotated file, a flat mirror, and a per-job mirror for events that
// carry a job resource.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Event names. The dotted prefix groups related actions.
const (
	EventLoginOK        = "auth.login_ok"
	EventLoginFailed    = "auth.login_failed"
	EventRefreshOK      = "auth.refresh_ok"
	EventUploadInit     = "upload.init"
	EventUploadComplete = "upload.complete"
	EventJobCreate      = "job.create"
	EventJobCancel      = "job.cancel"
	EventJobDelete      = "job.delete"
	EventJobVisibility  = "job.visibility"
	EventJobPriority    = "job.priority"
	EventFileDownload   = "file.download"
	EventAdminQueueView = "admin.queue_view"
	EventAdminPriority  = "admin.job_priority"
	EventAdminCancel    = "admin.job_cancel"
	EventAdminVisible   = "admin.job_visibility"
	EventAdminResolved  = "admin.report_resolved"
	EventNotifyNtfy     = "notify.ntfy"
)

// Entry is one audit record. ResourceID identifies the acted-on object
// (job, upload, user); JobID names the job an event resolves to when the
// resource itself is something else, such as a downloaded file. Meta is
// scrubbed before writing.
type Entry struct {
	TS         time.Time      `json:"ts"`
	Event      string         `json:"event"`
	Outcome    string         `json:"outcome"`
	RequestID  string         `json:"request_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	ResourceID string         `json:"resource_id,omitempty"`
	JobID      string         `json:"job_id,omitempty"`
	Meta       map[string]any `json:"meta_safe,omitempty"`
}

// jobID resolves the job an entry belongs to: the explicit JobID, or the
// resource of a job.* event.
func (e Entry) jobID() string {
	if e.JobID != "" {
		return e.JobID
	}
	if strings.HasPrefix(e.Event, "job.") {
		return e.ResourceID
	}
	return ""
}

// Logger appends audit entries. Appends within a process are serialized so
// each file is written in a single global order.
type Logger struct {
	mu sync.Mutex
	// logDir holds audit-YYYYMMDD.log and the audit.jsonl mirror.
	logDir string
	// jobLogDir is the root for per-job mirrors, jobs/<id>/logs/audit.jsonl.
	jobLogDir string
}

// New creates an audit logger writing under logDir, with per-job mirrors
// under jobLogDir.
func New(logDir, jobLogDir string) *Logger {
	return &Logger{logDir: logDir, jobLogDir: jobLogDir}
}

// Log scrubs meta, stamps the entry and appends it to every target file.
// Audit failures never fail the request; they are logged and dropped.
func (l *Logger) Log(e Entry) {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	if e.Outcome == "" {
		e.Outcome = "ok"
	}
	e.Meta = ScrubMeta(e.Meta)

	line, err := json.Marshal(e)
	if err != nil {
		slog.Error("Marshaling audit entry", "event", e.Event, "error", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	daily := filepath.Join(l.logDir, "audit-"+e.TS.Format("20060102")+".log")
	l.appendLocked(daily, line)
	l.appendLocked(filepath.Join(l.logDir, "audit.jsonl"), line)
	if jobID := e.jobID(); jobID != "" {
		jobFile := filepath.Join(l.jobLogDir, "jobs", jobID, "logs", "audit.jsonl")
		l.appendLocked(jobFile, line)
	}
}

func (l *Logger) appendLocked(path string, line []byte) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Error("Creating audit directory", "path", path, "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		slog.Error("Opening audit file", "path", path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		slog.Error("Appending audit entry", "path", path, "error", err)
	}
}

// maxFreeTextLen bounds free-form meta values; longer values are replaced
// with a marker so prompts, filenames and notes never land in audit files.
const maxFreeTextLen = 200

// ScrubMeta returns a copy of meta safe to persist: long strings become
// {redacted, len}, path-like values and path-keyed lists become counts.
func ScrubMeta(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if isPathKey(k) {
			out[k] = pathCount(v)
			continue
		}
		if s, ok := v.(string); ok && len(s) > maxFreeTextLen {
			out[k] = map[string]any{"redacted": true, "len": len(s)}
			continue
		}
		out[k] = v
	}
	return out
}

func isPathKey(k string) bool {
	k = strings.ToLower(k)
	return k == "path" || k == "paths" || k == "file" || k == "files" ||
		strings.HasSuffix(k, "_path") || strings.HasSuffix(k, "_paths") ||
		strings.HasSuffix(k, "_file") || strings.HasSuffix(k, "_files")
}

// pathCount replaces path values with how many paths they named.
func pathCount(v any) string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return "0 paths"
		}
		return "1 path"
	case []string:
		return fmt.Sprintf("%d paths", len(t))
	case []any:
		return fmt.Sprintf("%d paths", len(t))
	default:
		return "1 path"
	}
}
