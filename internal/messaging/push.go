package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	cserrors "github.com/alexjbarnes/convsync/internal/errors"
	"github.com/coder/websocket"
)

const (
	// DefaultPingInterval is how often a ping is sent while open.
	DefaultPingInterval = 30 * time.Second

	// DefaultHeartbeatGrace is how long the channel tolerates silence
	// (no frame of any kind, pong included) before declaring the
	// connection dead. Two missed pongs plus slack.
	DefaultHeartbeatGrace = 75 * time.Second

	// pushWriteTimeout bounds a single frame write.
	pushWriteTimeout = 10 * time.Second

	// pushReadLimit caps inbound frame size. Messages carry text and
	// attachment references only.
	pushReadLimit = 1 << 20

	// inboundChanSize is the buffer size for the channel carrying
	// frames from the reader goroutine to the channel loop.
	inboundChanSize = 64
)

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// writeOp is a frame submitted to the channel loop for writing.
type writeOp struct {
	frame  interface{}
	result chan error
}

// DeliverFunc hands a decoded frame to the channel's owner. It returns
// an error only when the owner has gone away (ctx cancelled).
type DeliverFunc func(ctx context.Context, f Frame) error

// PushConfig holds the parameters of a push channel.
type PushConfig struct {
	UserID       int64
	PingInterval time.Duration
	Grace        time.Duration
}

// PushChannel wraps one open push connection.
//
// A reader goroutine feeds raw frames to a single loop (Run) which also
// owns every write: identify, pings, and outbound messages. The channel
// reports its end through Run's return value and never reconnects.
type PushChannel struct {
	conn   wsConn
	logger *slog.Logger

	userID       int64
	pingInterval time.Duration
	grace        time.Duration

	ops  chan writeOp
	done chan struct{}
}

// NewPushChannel wraps an open connection, typically from Probe.
func NewPushChannel(conn wsConn, cfg PushConfig, logger *slog.Logger) *PushChannel {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	if cfg.Grace <= 0 {
		cfg.Grace = DefaultHeartbeatGrace
	}

	return &PushChannel{
		conn:         conn,
		logger:       logger,
		userID:       cfg.UserID,
		pingInterval: cfg.PingInterval,
		grace:        cfg.Grace,
		ops:          make(chan writeOp),
		done:         make(chan struct{}),
	}
}

// Transport identifies the channel kind.
func (p *PushChannel) Transport() Transport { return TransportPush }

// Run identifies, then processes frames until the connection dies or ctx
// is cancelled. Connection failures are returned wrapped in
// ErrConnectionLost; cancellation returns ctx.Err(). The socket is closed
// on every return path.
func (p *PushChannel) Run(ctx context.Context, deliver DeliverFunc) error {
	defer close(p.done)

	p.conn.SetReadLimit(pushReadLimit)

	if err := p.writeJSON(ctx, IdentifyFrame{Type: FrameIdentify, UserID: p.userID}); err != nil {
		p.conn.Close(websocket.StatusInternalError, "identify failed")
		return fmt.Errorf("%w: sending identify: %w", cserrors.ErrConnectionLost, err)
	}

	readCtx, cancelRead := context.WithCancel(ctx)
	inbound, readerDone := p.startReader(readCtx)

	defer func() {
		cancelRead()
		<-readerDone
	}()

	ping := time.NewTicker(p.pingInterval)
	defer ping.Stop()

	watchdog := time.NewTimer(p.grace)
	defer watchdog.Stop()

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				p.conn.Close(websocket.StatusGoingAway, "read failed")
				return fmt.Errorf("%w: reading frame: %w", cserrors.ErrConnectionLost, msg.err)
			}

			watchdog.Reset(p.grace)

			if msg.typ == websocket.MessageBinary {
				p.logger.Debug("dropping binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			frame, typ, err := decodeFrame(msg.data)
			if err != nil {
				p.logger.Debug("dropping frame",
					slog.Int("bytes", len(msg.data)),
					slog.String("error", err.Error()),
				)

				continue
			}

			if frame == nil {
				if typ != FramePong {
					p.logger.Debug("ignoring frame", slog.String("type", typ))
				}

				continue
			}

			if err := deliver(ctx, *frame); err != nil {
				p.conn.Close(websocket.StatusNormalClosure, "bye")
				return err
			}

		case op := <-p.ops:
			err := p.writeJSON(ctx, op.frame)
			op.result <- err

			if err != nil {
				p.conn.Close(websocket.StatusGoingAway, "write failed")
				return fmt.Errorf("%w: sending message: %w", cserrors.ErrConnectionLost, err)
			}

		case <-ping.C:
			if err := p.writeJSON(ctx, ControlFrame{Type: FramePing}); err != nil {
				p.conn.Close(websocket.StatusGoingAway, "ping failed")
				return fmt.Errorf("%w: sending ping: %w", cserrors.ErrConnectionLost, err)
			}

		case <-watchdog.C:
			p.logger.Warn("no traffic within grace period, closing", slog.Duration("grace", p.grace))
			p.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")

			return fmt.Errorf("%w: heartbeat timeout", cserrors.ErrConnectionLost)

		case <-ctx.Done():
			p.conn.Close(websocket.StatusNormalClosure, "bye")
			return ctx.Err()
		}
	}
}

// Send writes an outgoing message through the channel loop and waits for
// the write to complete. The echo arrives later as a message frame, so the
// returned message is always nil.
func (p *PushChannel) Send(ctx context.Context, out Outgoing) (*Message, error) {
	op := writeOp{
		frame:  SendFrame{Type: FrameSend, Data: out},
		result: make(chan error, 1),
	}

	select {
	case p.ops <- op:
	case <-p.done:
		return nil, fmt.Errorf("%w: push channel closed", cserrors.ErrConnectionLost)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case err := <-op.result:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds the returned channel. It exits when ctx is cancelled or a read
// fails; the error is delivered as the final message. readerDone closes
// when the goroutine has exited.
func (p *PushChannel) startReader(ctx context.Context) (<-chan inboundMsg, <-chan struct{}) {
	ch := make(chan inboundMsg, inboundChanSize)
	readerDone := make(chan struct{})
	conn := p.conn

	go func() {
		defer close(readerDone)

		for {
			typ, data, err := conn.Read(ctx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch, readerDone
}

// writeJSON marshals v to JSON and writes it as a text frame. Only called
// from Run.
func (p *PushChannel) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, pushWriteTimeout)
	defer cancel()

	return p.conn.Write(wctx, websocket.MessageText, data)
}
