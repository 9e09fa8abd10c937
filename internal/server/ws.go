package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/convsync/internal/auth"
	"github.com/alexjbarnes/convsync/internal/messaging"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

const (
	// wsReadLimit caps inbound frame size.
	wsReadLimit = 64 * 1024

	// wsWriteTimeout bounds a single frame write.
	wsWriteTimeout = 10 * time.Second

	// identifyTimeout is how long a new connection has to identify.
	identifyTimeout = 10 * time.Second

	// wsIdleTimeout drops connections that go silent. Clients ping every
	// 30s, so this allows a few missed beats.
	wsIdleTimeout = 90 * time.Second
)

// errEvicted ends a connection the hub dropped for falling behind.
var errEvicted = errors.New("evicted")

// wsHandler serves the push endpoint. Requests reach it already
// authenticated.
type wsHandler struct {
	hub    *Hub
	conv   *conversations
	logger *slog.Logger
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := auth.RequestUserID(r.Context())
	logger := h.logger.With(slog.Int64("user_id", userID), slog.String("ip", auth.RequestRemoteIP(r.Context())))

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow() //nolint:errcheck // already closed on most paths

	conn.SetReadLimit(wsReadLimit)

	if err := awaitIdentify(r.Context(), conn, userID); err != nil {
		logger.Debug("rejecting push connection", slog.String("error", err.Error()))
		conn.Close(websocket.StatusPolicyViolation, "identify required") //nolint:errcheck // closing anyway

		return
	}

	c := newClient(userID)
	h.hub.register(c)
	defer h.hub.unregister(c)

	logger.Info("push client connected")

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return h.writeLoop(ctx, conn, c) })
	g.Go(func() error { return h.readLoop(ctx, conn, c, logger) })

	err = g.Wait()

	switch {
	case err == nil:
	case errors.Is(err, errEvicted):
		conn.Close(websocket.StatusPolicyViolation, "too slow") //nolint:errcheck // closing anyway
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure, websocket.CloseStatus(err) == websocket.StatusGoingAway:
	default:
		logger.Debug("push connection ended", slog.String("error", err.Error()))
	}

	logger.Info("push client disconnected")
}

// awaitIdentify reads the first frame and checks it is an identify frame
// for the authenticated user.
func awaitIdentify(ctx context.Context, conn *websocket.Conn, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, identifyTimeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading identify: %w", err)
	}

	if typ, ok := messaging.FrameType(data); !ok || typ != messaging.FrameIdentify {
		return fmt.Errorf("first frame is not identify")
	}

	if got := gjson.GetBytes(data, "userId").Int(); got != userID {
		return fmt.Errorf("identify for user %d on a token of user %d", got, userID)
	}

	return nil
}

// readLoop handles client frames until the connection fails or idles out.
func (h *wsHandler) readLoop(ctx context.Context, conn *websocket.Conn, c *client, logger *slog.Logger) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, wsIdleTimeout)
		typ, data, err := conn.Read(readCtx)
		cancel()

		if err != nil {
			return err
		}

		if typ != websocket.MessageText {
			continue
		}

		frameType, ok := messaging.FrameType(data)
		if !ok {
			logger.Debug("dropping malformed frame", slog.Int("bytes", len(data)))
			continue
		}

		switch frameType {
		case messaging.FramePing:
			if err := queue(ctx, c, []byte(`{"type":"pong"}`)); err != nil {
				return err
			}

		case messaging.FrameSend:
			if err := h.handleSend(ctx, c, data, logger); err != nil {
				return err
			}

		case messaging.FrameIdentify:
			// Already identified.

		default:
			logger.Debug("ignoring frame", slog.String("type", frameType))
		}
	}
}

// handleSend stores a message sent over the push connection. The stored
// message reaches the sender through the hub like any other; rejections
// are answered with an error frame.
func (h *wsHandler) handleSend(ctx context.Context, c *client, data []byte, logger *slog.Logger) error {
	var frame messaging.SendFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		logger.Debug("dropping malformed send", slog.String("error", err.Error()))
		return nil
	}

	reject := func(reason string) error {
		out, err := encodeFrame(messaging.FrameError, messaging.SendRejection{ClientID: frame.Data.ClientID, Error: reason})
		if err != nil {
			return err
		}

		return queue(ctx, c, out)
	}

	ref, err := messaging.ParseConversationRef(frame.Data.Conversation)
	if err != nil {
		return reject(err.Error())
	}

	if _, err := h.conv.post(c.userID, ref, frame.Data); err != nil {
		if errors.Is(err, errInvalidMessage) {
			return reject(err.Error())
		}

		logger.Error("storing pushed message", slog.String("conversation", ref.String()), slog.String("error", err.Error()))

		return reject("storing message failed")
	}

	return nil
}

// queue hands a frame to the connection's writer.
func queue(ctx context.Context, c *client, frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	case <-c.evicted:
		return errEvicted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the only writer on conn.
func (h *wsHandler) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) error {
	for {
		select {
		case frame := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, frame)
			cancel()

			if err != nil {
				return err
			}

		case <-c.evicted:
			return errEvicted

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
