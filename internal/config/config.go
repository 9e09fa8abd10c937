package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/convsync/internal/logging"
	"github.com/alexjbarnes/convsync/internal/messaging"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Shared holds settings common to every binary.
type Shared struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	// LogLevel overrides the environment's default level when set.
	LogLevel string `env:"LOG_LEVEL"`
}

// IsProduction returns true when the environment is set to production.
func (s *Shared) IsProduction() bool {
	return s.Environment == "production"
}

// ClientConfig holds all environment-based configuration for the client.
type ClientConfig struct {
	Shared

	// REST base URL, e.g. https://chat.example.com/api
	APIURL string `env:"CONVSYNC_API_URL"`

	// Push endpoint, e.g. wss://chat.example.com/ws. Defaults to the API
	// host with a ws(s) scheme and /ws path.
	PushURL string `env:"CONVSYNC_PUSH_URL"`

	// Opaque bearer token issued by the auth collaborator.
	Token string `env:"CONVSYNC_TOKEN"`

	UserID       int64  `env:"CONVSYNC_USER_ID"`
	Conversation string `env:"CONVSYNC_CONVERSATION"`

	// Probe policy.
	ForcePolling bool     `env:"CONVSYNC_FORCE_POLLING" envDefault:"false"`
	PushDenylist []string `env:"CONVSYNC_PUSH_DENYLIST" envSeparator:","`

	ProbeTimeout   time.Duration `env:"CONVSYNC_PROBE_TIMEOUT" envDefault:"5s"`
	PollInterval   time.Duration `env:"CONVSYNC_POLL_INTERVAL" envDefault:"3s"`
	MaxAttempts    int           `env:"CONVSYNC_MAX_ATTEMPTS" envDefault:"5"`
	SendTimeout    time.Duration `env:"CONVSYNC_SEND_TIMEOUT" envDefault:"10s"`
	PingInterval   time.Duration `env:"CONVSYNC_PING_INTERVAL" envDefault:"30s"`
	HeartbeatGrace time.Duration `env:"CONVSYNC_HEARTBEAT_GRACE" envDefault:"75s"`

	// Optional deployment profile overriding the probe policy and retry
	// budget. Reloaded on change.
	ProfileFile string `env:"CONVSYNC_PROFILE_FILE"`

	// Parsed from Conversation by validate.
	conversation messaging.ConversationRef
}

// ServerConfig holds configuration for the development server.
type ServerConfig struct {
	Shared

	ListenAddr string `env:"CONVSYNC_LISTEN_ADDR" envDefault:":8080"`
	DBPath     string `env:"CONVSYNC_DB_PATH" envDefault:"convsync.db"`

	// Tokens maps bearer tokens to user ids. Format: "token1:1,token2:2".
	// A token may be given as its bcrypt hash (see convsync-server hash-token).
	Tokens string `env:"CONVSYNC_TOKENS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// LoadClient reads client configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &ClientConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *ClientConfig) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("CONVSYNC_API_URL is required")
	}

	if err := checkURL(c.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("CONVSYNC_API_URL: %w", err)
	}

	if c.PushURL == "" {
		pushURL, err := DerivePushURL(c.APIURL)
		if err != nil {
			return fmt.Errorf("deriving CONVSYNC_PUSH_URL: %w", err)
		}

		c.PushURL = pushURL
	}

	if err := checkURL(c.PushURL, "ws", "wss"); err != nil {
		return fmt.Errorf("CONVSYNC_PUSH_URL: %w", err)
	}

	if c.UserID <= 0 {
		return fmt.Errorf("CONVSYNC_USER_ID is required")
	}

	if c.Conversation == "" {
		return fmt.Errorf("CONVSYNC_CONVERSATION is required")
	}

	ref, err := messaging.ParseConversationRef(c.Conversation)
	if err != nil {
		return fmt.Errorf("CONVSYNC_CONVERSATION: %w", err)
	}

	c.conversation = ref

	if c.MaxAttempts < 1 || c.MaxAttempts > messaging.MaxAttemptsLimit {
		return fmt.Errorf("CONVSYNC_MAX_ATTEMPTS must be between 1 and %d", messaging.MaxAttemptsLimit)
	}

	for name, d := range map[string]time.Duration{
		"CONVSYNC_PROBE_TIMEOUT":   c.ProbeTimeout,
		"CONVSYNC_POLL_INTERVAL":   c.PollInterval,
		"CONVSYNC_SEND_TIMEOUT":    c.SendTimeout,
		"CONVSYNC_PING_INTERVAL":   c.PingInterval,
		"CONVSYNC_HEARTBEAT_GRACE": c.HeartbeatGrace,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.HeartbeatGrace <= c.PingInterval {
		return fmt.Errorf("CONVSYNC_HEARTBEAT_GRACE must exceed CONVSYNC_PING_INTERVAL")
	}

	if _, ok := logging.ParseLevel(c.LogLevel); c.LogLevel != "" && !ok {
		return fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
	}

	return nil
}

// ConversationRef returns the parsed conversation. Valid after LoadClient.
func (c *ClientConfig) ConversationRef() messaging.ConversationRef {
	return c.conversation
}

// ProbePolicy returns the probe policy described by the environment.
func (c *ClientConfig) ProbePolicy() messaging.ProbePolicy {
	return messaging.ProbePolicy{
		ForcePolling: c.ForcePolling,
		Denylist:     c.PushDenylist,
	}
}

// SessionConfig returns the session parameters described by the
// environment.
func (c *ClientConfig) SessionConfig() messaging.SessionConfig {
	return messaging.SessionConfig{
		Conversation:   c.conversation,
		UserID:         c.UserID,
		PushEndpoint:   c.PushURL,
		ProbeTimeout:   c.ProbeTimeout,
		PollInterval:   c.PollInterval,
		SendTimeout:    c.SendTimeout,
		PingInterval:   c.PingInterval,
		HeartbeatGrace: c.HeartbeatGrace,
		MaxAttempts:    c.MaxAttempts,
	}
}

// ApplyProfile overlays a deployment profile. Fields the profile leaves
// unset keep their environment values.
func (c *ClientConfig) ApplyProfile(p *Profile) {
	if p == nil {
		return
	}

	if p.MaxAttempts != 0 {
		c.MaxAttempts = p.MaxAttempts
	}

	if p.ForcePolling != nil {
		c.ForcePolling = *p.ForcePolling
	}

	if p.PushDenylist != nil {
		c.PushDenylist = append([]string(nil), p.PushDenylist...)
	}
}

// DerivePushURL maps an API base URL to the conventional push endpoint on
// the same host: http -> ws, https -> wss, path /ws.
func DerivePushURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = "/ws"
	u.RawQuery = ""
	u.Fragment = ""

	return u.String(), nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}

	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}

	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}

	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}

// LoadServer reads server configuration from environment variables.
func LoadServer() (*ServerConfig, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &ServerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("CONVSYNC_DB_PATH is required")
	}

	tokens, err := c.ParseTokens()
	if err != nil {
		return err
	}

	if len(tokens) == 0 {
		return fmt.Errorf("CONVSYNC_TOKENS is required")
	}

	if _, ok := logging.ParseLevel(c.LogLevel); c.LogLevel != "" && !ok {
		return fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
	}

	return nil
}

// ParseTokens parses the CONVSYNC_TOKENS string.
// Format: "token1:1,token2:2"
func (c *ServerConfig) ParseTokens() (map[string]int64, error) {
	tokens := make(map[string]int64)
	if c.Tokens == "" {
		return tokens, nil
	}

	for _, pair := range strings.Split(c.Tokens, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.LastIndex(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid token entry (missing ':')")
		}

		token := pair[:idx]
		if token == "" {
			return nil, fmt.Errorf("empty token in entry %d", len(tokens)+1)
		}

		userID, err := strconv.ParseInt(pair[idx+1:], 10, 64)
		if err != nil || userID <= 0 {
			return nil, fmt.Errorf("invalid user id in entry %d", len(tokens)+1)
		}

		if _, dup := tokens[token]; dup {
			return nil, fmt.Errorf("duplicate token in entry %d", len(tokens)+1)
		}

		tokens[token] = userID
	}

	return tokens, nil
}
