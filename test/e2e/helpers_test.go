package e2e_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/convsync/internal/auth"
	"github.com/alexjbarnes/convsync/internal/messaging"
	"github.com/alexjbarnes/convsync/internal/server"
	"github.com/alexjbarnes/convsync/internal/store"
	"github.com/stretchr/testify/require"
)

const (
	aliceToken = "alice-e2e-token"
	bobToken   = "bob-e2e-token"

	alice int64 = 1
	bob   int64 = 2

	waitTimeout = 5 * time.Second
	waitTick    = 10 * time.Millisecond
)

// harness holds the full e2e test stack: a real HTTP server backed by the
// bbolt store, serving REST and push endpoints via server.NewMux.
type harness struct {
	*httptest.Server
	Store *store.Store
	Hub   *server.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.DiscardHandler)
	hub := server.NewHub(logger)

	srv := httptest.NewServer(server.NewMux(server.MuxConfig{
		Store:  st,
		Tokens: auth.NewTokens(map[string]int64{aliceToken: alice, bobToken: bob}),
		Hub:    hub,
		Logger: logger,
	}))
	t.Cleanup(srv.Close)

	return &harness{Server: srv, Store: st, Hub: hub}
}

func (h *harness) pushURL() string {
	return "ws" + strings.TrimPrefix(h.URL, "http") + "/ws"
}

// session builds a session for userID. mutate adjusts the config and
// policy before construction.
func (h *harness) session(t *testing.T, token string, userID int64, ref messaging.ConversationRef, policy messaging.ProbePolicy, mutate func(*messaging.SessionConfig)) (*messaging.Session, *eventLog) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	cfg := messaging.SessionConfig{
		Conversation: ref,
		UserID:       userID,
		PushEndpoint: h.pushURL(),
		ProbeTimeout: 2 * time.Second,
		PollInterval: 50 * time.Millisecond,
		SendTimeout:  3 * time.Second,
		MaxAttempts:  messaging.DefaultMaxAttempts,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	probe := messaging.NewProbe(messaging.WebSocketDialer{Token: token}, policy, logger)
	client := messaging.NewClient(h.URL, token, nil)

	s := messaging.NewSession(cfg, probe, client, logger)
	t.Cleanup(s.Close)

	log := &eventLog{}
	s.Subscribe(log.add)

	return s, log
}

// post sends a message over REST as token's owner.
func (h *harness) post(t *testing.T, ref messaging.ConversationRef, token, content string) messaging.Message {
	t.Helper()

	body, err := json.Marshal(messaging.Outgoing{Content: content})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, h.URL+ref.Path(), bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var msg messaging.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))

	return msg
}

// eventLog records session events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []messaging.Event
}

func (l *eventLog) add(e messaging.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []messaging.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]messaging.Event(nil), l.events...)
}

func (l *eventLog) states() []messaging.ConnectionState {
	var out []messaging.ConnectionState

	for _, e := range l.snapshot() {
		if c, ok := e.(messaging.ConnectionStateChanged); ok {
			out = append(out, c.State)
		}
	}

	return out
}

func (l *eventLog) received() []messaging.Message {
	var out []messaging.Message

	for _, e := range l.snapshot() {
		if m, ok := e.(messaging.MessageReceived); ok {
			out = append(out, m.Message)
		}
	}

	return out
}

func (l *eventLog) confirmed() []messaging.SendConfirmed {
	var out []messaging.SendConfirmed

	for _, e := range l.snapshot() {
		if c, ok := e.(messaging.SendConfirmed); ok {
			out = append(out, c)
		}
	}

	return out
}

func (l *eventLog) errors() []messaging.ErrorOccurred {
	var out []messaging.ErrorOccurred

	for _, e := range l.snapshot() {
		if eo, ok := e.(messaging.ErrorOccurred); ok {
			out = append(out, eo)
		}
	}

	return out
}

// waitState blocks until the session reports want.
func waitState(t *testing.T, s *messaging.Session, want messaging.ConnectionState) {
	t.Helper()

	require.Eventually(t, func() bool { return s.State() == want }, waitTimeout, waitTick,
		"session never reached %s (now %s)", want, s.State())
}

// waitReceived blocks until a message with content has been received.
func waitReceived(t *testing.T, log *eventLog, content string) messaging.Message {
	t.Helper()

	var found messaging.Message

	require.Eventually(t, func() bool {
		for _, m := range log.received() {
			if m.Content == content {
				found = m
				return true
			}
		}

		return false
	}, waitTimeout, waitTick, "message %q never received", content)

	return found
}
