// Package egress enforces the outbound-network policy: dials to non-local
// hosts are refused unless explicitly allowed, with an optional allow-list
// for model hosts.
package egress

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dubplane/dubplane/pkg/config"
)

// ErrEgressBlocked wraps every refused dial.
var ErrEgressBlocked = fmt.Errorf("outbound network access blocked by policy")

// modelHosts is the ALLOW_HF_EGRESS allow-list.
var modelHosts = []string{
	"huggingface.co",
	"cdn-lfs.huggingface.co",
	"hf.co",
}

// Gate decides per-dial whether outbound traffic is permitted.
type Gate struct {
	cfg config.EgressConfig
}

// NewGate creates a policy gate from configuration.
func NewGate(cfg config.EgressConfig) *Gate {
	return &Gate{cfg: cfg}
}

// Allowed reports whether a dial to host is permitted.
func (g *Gate) Allowed(host string) bool {
	if g.cfg.OfflineMode {
		return isLocalHost(host)
	}
	if g.cfg.AllowEgress {
		return true
	}
	if isLocalHost(host) {
		return true
	}
	if g.cfg.AllowHFEgress && isModelHost(host) {
		return true
	}
	return false
}

// DialContext is a net.Dialer DialContext wrapper applying the policy.
func (g *Gate) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if !g.Allowed(host) {
		return nil, fmt.Errorf("%w: %s", ErrEgressBlocked, host)
	}
	d := &net.Dialer{Timeout: 10 * time.Second}
	return d.DialContext(ctx, network, addr)
}

// HTTPClient returns a client whose transport routes every dial through the
// gate.
func (g *Gate) HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:         g.DialContext,
			MaxIdleConns:        4,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

func isLocalHost(host string) bool {
	host = strings.ToLower(host)
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
	}
	return false
}

func isModelHost(host string) bool {
	host = strings.ToLower(host)
	for _, h := range modelHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
