package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	cserrors "github.com/alexjbarnes/convsync/internal/errors"
	"github.com/coder/websocket"
)

// DefaultProbeTimeout bounds a single push handshake attempt.
const DefaultProbeTimeout = 5 * time.Second

//go:generate mockgen -destination=mock_wsconn_test.go -package=messaging -mock_names=wsConn=MockWSConn . wsConn

// wsConn abstracts the WebSocket connection so the push channel can be
// tested without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Dialer opens a push connection. The production implementation is
// WebSocketDialer; tests substitute their own.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (wsConn, error)
}

// WebSocketDialer dials push endpoints with coder/websocket.
type WebSocketDialer struct {
	HTTPClient *http.Client
	Token      string
}

// Dial opens a WebSocket to endpoint, authenticating with the bearer token.
func (d WebSocketDialer) Dial(ctx context.Context, endpoint string) (wsConn, error) {
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// ProbePolicy is the static, non-network part of the push decision.
// Denylist entries are host names; a leading "*." matches any subdomain.
type ProbePolicy struct {
	ForcePolling bool
	Denylist     []string
}

// denies reports whether host is covered by the denylist.
func (p ProbePolicy) denies(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	for _, entry := range p.Denylist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}

		if suffix, ok := strings.CutPrefix(entry, "*."); ok {
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}

			continue
		}

		if host == entry {
			return true
		}
	}

	return false
}

// Probe decides whether a session may use push and, if so, opens the
// connection. Each call makes at most one dial.
type Probe struct {
	dialer Dialer
	logger *slog.Logger
	policy atomic.Pointer[ProbePolicy]
}

// NewProbe creates a probe with the given dialer and initial policy.
func NewProbe(dialer Dialer, policy ProbePolicy, logger *slog.Logger) *Probe {
	p := &Probe{dialer: dialer, logger: logger}
	p.SetPolicy(policy)

	return p
}

// SetPolicy replaces the policy used by subsequent probes.
func (p *Probe) SetPolicy(policy ProbePolicy) {
	policy.Denylist = append([]string(nil), policy.Denylist...)
	p.policy.Store(&policy)
}

// Policy returns the current policy.
func (p *Probe) Policy() ProbePolicy {
	return *p.policy.Load()
}

// Probe attempts a push handshake against endpoint. It returns an open
// connection if the transport opens within timeout. Every failure wraps
// ErrTransportUnavailable and leaves no socket behind.
func (p *Probe) Probe(ctx context.Context, endpoint string, timeout time.Duration) (wsConn, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid push endpoint %q", cserrors.ErrTransportUnavailable, endpoint)
	}

	policy := p.Policy()
	if policy.ForcePolling {
		p.logger.Debug("push skipped, polling forced")
		return nil, fmt.Errorf("%w: polling forced by configuration", cserrors.ErrTransportUnavailable)
	}

	if policy.denies(u.Hostname()) {
		p.logger.Info("push skipped, host denylisted", slog.String("host", u.Hostname()))
		return nil, fmt.Errorf("%w: host %s is denylisted", cserrors.ErrTransportUnavailable, u.Hostname())
	}

	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dialer.Dial(dialCtx, endpoint)

	if err == nil && dialCtx.Err() != nil {
		// The dial won the race against the deadline by a hair. The
		// attempt still counts as timed out.
		conn.Close(websocket.StatusNormalClosure, "probe timeout")
		err = dialCtx.Err()
	}

	if err != nil {
		p.logger.Info("push probe failed",
			slog.String("endpoint", endpoint),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("%w: %w", cserrors.ErrTransportUnavailable, err)
	}

	p.logger.Debug("push probe succeeded", slog.Duration("elapsed", time.Since(start)))

	return conn, nil
}
