// Package notify publishes job lifecycle events to an ntfy topic. All
// traffic flows through the egress gate, so notifications silently no-op in
// offline deployments.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dubplane/dubplane/pkg/audit"
	"github.com/dubplane/dubplane/pkg/config"
	"github.com/dubplane/dubplane/pkg/egress"
)

// Priority levels understood by ntfy.
const (
	PriorityDefault = "default"
	PriorityHigh    = "high"
)

// Notifier sends push notifications via ntfy.
type Notifier struct {
	cfg    config.NotifyConfig
	client *http.Client
	audit  *audit.Logger
}

// New creates a notifier using the gated HTTP client. A nil audit logger
// disables audit mirroring.
func New(cfg config.NotifyConfig, gate *egress.Gate, auditLog *audit.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: gate.HTTPClient(10 * time.Second),
		audit:  auditLog,
	}
}

// Publish sends one notification. Failures are logged, never fatal.
func (n *Notifier) Publish(ctx context.Context, title, message, priority string, tags ...string) {
	if !n.cfg.Enabled || n.cfg.Topic == "" {
		return
	}

	url := strings.TrimRight(n.cfg.BaseURL, "/") + "/" + n.cfg.Topic
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		slog.Warn("Building ntfy request", "error", err)
		return
	}
	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	if len(tags) > 0 {
		req.Header.Set("Tags", strings.Join(tags, ","))
	}

	outcome := "ok"
	resp, err := n.client.Do(req)
	if err != nil {
		outcome = "error"
		slog.Warn("Publishing ntfy notification", "title", title, "error", err)
	} else {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			outcome = fmt.Sprintf("http_%d", resp.StatusCode)
			slog.Warn("ntfy returned non-success", "title", title, "status", resp.StatusCode)
		}
	}

	if n.audit != nil {
		n.audit.Log(audit.Entry{
			Event:   audit.EventNotifyNtfy,
			Outcome: outcome,
			Meta:    map[string]any{"title": title, "priority": priority},
		})
	}
}

// JobDone announces a finished job, flagged needs_attention when the run
// was degraded.
func (n *Notifier) JobDone(ctx context.Context, jobID, title string, degradedReasons []string) {
	if len(degradedReasons) > 0 {
		n.Publish(ctx, fmt.Sprintf("Dub finished with warnings: %s", title),
			fmt.Sprintf("Job %s needs attention: %s", jobID, strings.Join(degradedReasons, "; ")),
			PriorityHigh, "warning", "needs_attention")
		return
	}
	n.Publish(ctx, fmt.Sprintf("Dub finished: %s", title),
		fmt.Sprintf("Job %s completed.", jobID), PriorityDefault, "white_check_mark")
}

// JobFailed announces a failed job.
func (n *Notifier) JobFailed(ctx context.Context, jobID, title, reason string) {
	n.Publish(ctx, fmt.Sprintf("Dub failed: %s", title),
		fmt.Sprintf("Job %s failed: %s", jobID, reason), PriorityHigh, "x")
}
