package errors

import "errors"

// Connection errors. Only ErrSendTimeout and ErrSendRejected are ever
// surfaced to subscribers; the rest drive fallback and reconnect decisions
// or are logged and dropped.
var (
	ErrTransportUnavailable = errors.New("push transport unavailable")
	ErrConnectionLost       = errors.New("connection lost")
	ErrSendTimeout          = errors.New("send not confirmed before timeout")
	ErrSendRejected         = errors.New("send rejected by server")
	ErrMalformedFrame       = errors.New("malformed frame")
	ErrPollFetchFailed      = errors.New("poll fetch failed")
	ErrNotConnected         = errors.New("not connected")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
