package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	cserrors "github.com/alexjbarnes/convsync/internal/errors"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. History responses
	// are the largest payload and stay well under this.
	maxAPIResponseBytes = 8 * 1024 * 1024
)

// HistoryClient is the REST collaborator used by the polling channel.
type HistoryClient interface {
	History(ctx context.Context, ref ConversationRef, after int64) ([]Message, error)
	SendMessage(ctx context.Context, ref ConversationRef, out Outgoing) (*Message, error)
}

// Client talks to the messaging REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaks to
// another domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL authenticating with token.
// If httpClient is nil, a client with a 30-second timeout and same-host
// redirect policy is created.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// apiError is the error body returned by the API.
type apiError struct {
	Error string `json:"error"`
}

// do sends a request with an optional JSON body and decodes a JSON
// response into result.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result interface{}) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("%w: %s %s: %w", cserrors.ErrAPIRequest, method, endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError

		msg := sanitizeResponseBody(respBody)
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}

		err := fmt.Errorf("%w: %s %s (%d): %s", cserrors.ErrAPIResponse, method, endpoint, resp.StatusCode, msg)
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: err}
		}

		return err
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", cserrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// History returns the conversation's recent messages. With after > 0 it
// returns the oldest page of messages whose id is above after instead.
func (c *Client) History(ctx context.Context, ref ConversationRef, after int64) ([]Message, error) {
	endpoint := ref.Path()
	if after > 0 {
		endpoint += "?after=" + strconv.FormatInt(after, 10)
	}

	var msgs []Message
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &msgs); err != nil {
		return nil, fmt.Errorf("fetching history for %s: %w", ref, err)
	}

	return msgs, nil
}

// SendMessage posts a new message and returns the server's copy.
func (c *Client) SendMessage(ctx context.Context, ref ConversationRef, out Outgoing) (*Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodPost, ref.Path(), out, &msg); err != nil {
		return nil, fmt.Errorf("sending message to %s: %w", ref, err)
	}

	return &msg, nil
}
