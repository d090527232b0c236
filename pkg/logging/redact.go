// Package logging configures structured logging: a redacting slog handler
// for the application log and per-job mirrored pipeline logs.
package logging

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// secretKeys are attribute keys whose values are always rewritten.
var secretKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"token":         true,
	"secret":        true,
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"refresh_token": true,
	"access_token":  true,
	"key_hash":      true,
}

// secretValuePatterns match values that look like credentials regardless of
// their key: JWTs and PEM private keys.
var secretValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
}

const redacted = "[REDACTED]"

// RedactingHandler wraps another slog.Handler and rewrites secret-bearing
// attributes before they are emitted.
type RedactingHandler struct {
	inner slog.Handler
}

// NewRedactingHandler wraps inner with secret redaction.
func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

// Enabled implements slog.Handler.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler, redacting record attributes.
func (h *RedactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, RedactString(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

// WithAttrs implements slog.Handler.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	red := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		red[i] = redactAttr(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(red)}
}

// WithGroup implements slog.Handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		members := a.Value.Group()
		red := make([]slog.Attr, len(members))
		for i, m := range members {
			red[i] = redactAttr(m)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(red...)}
	}
	if secretKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, RedactString(a.Value.String()))
	}
	return a
}

// RedactString rewrites credential-shaped substrings in s.
func RedactString(s string) string {
	for _, re := range secretValuePatterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}
