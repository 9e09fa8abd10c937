// Package auth authenticates dev server requests with static bearer
// tokens mapped to user ids.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxRemoteIP
)

// bcryptPrefix marks a configured token given as its bcrypt hash.
const bcryptPrefix = "$2"

// RequestUserID returns the authenticated user id from the context, or 0.
func RequestUserID(ctx context.Context) int64 {
	v, _ := ctx.Value(ctxUserID).(int64)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

type hashedToken struct {
	hash   []byte
	userID int64
}

// Tokens resolves bearer tokens to user ids. Plain tokens are compared
// in constant time; hashed tokens are checked with bcrypt and the result
// is cached by the token's SHA-256 so each token pays the bcrypt cost once.
type Tokens struct {
	plain  map[string]int64
	hashed []hashedToken

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]int64
}

// NewTokens builds a resolver from a token -> user id map. Keys starting
// with "$2" are treated as bcrypt hashes.
func NewTokens(entries map[string]int64) *Tokens {
	t := &Tokens{
		plain:    make(map[string]int64),
		verified: make(map[[sha256.Size]byte]int64),
	}

	for token, userID := range entries {
		if strings.HasPrefix(token, bcryptPrefix) {
			t.hashed = append(t.hashed, hashedToken{hash: []byte(token), userID: userID})
			continue
		}

		t.plain[token] = userID
	}

	return t
}

// Lookup returns the user id owning token.
func (t *Tokens) Lookup(token string) (int64, bool) {
	if token == "" {
		return 0, false
	}

	var found int64

	for candidate, userID := range t.plain {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			found = userID
		}
	}

	if found != 0 {
		return found, true
	}

	sum := sha256.Sum256([]byte(token))

	t.mu.RLock()
	userID, ok := t.verified[sum]
	t.mu.RUnlock()

	if ok {
		return userID, true
	}

	for _, h := range t.hashed {
		if bcrypt.CompareHashAndPassword(h.hash, []byte(token)) == nil {
			t.mu.Lock()
			t.verified[sum] = h.userID
			t.mu.Unlock()

			return h.userID, true
		}
	}

	return 0, false
}

// HashToken returns the bcrypt hash of token for use in CONVSYNC_TOKENS.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// Middleware returns HTTP middleware that validates Bearer tokens and
// stores the owning user id in the request context. Unauthenticated
// requests get a 401.
func Middleware(tokens *Tokens, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			userID, ok := tokens.Lookup(strings.TrimPrefix(authHeader, "Bearer "))
			if !ok {
				logger.Debug("middleware: invalid bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxUserID, userID)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
