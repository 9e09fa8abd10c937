package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cserrors "github.com/alexjbarnes/convsync/internal/errors"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ErrSessionClosed is returned by Connect after Close.
var ErrSessionClosed = errors.New("session closed")

// inputChanSize buffers frames and completions posted to the session loop.
const inputChanSize = 64

// SessionConfig holds the parameters of one conversation session.
type SessionConfig struct {
	Conversation ConversationRef
	UserID       int64
	PushEndpoint string

	ProbeTimeout   time.Duration
	PollInterval   time.Duration
	SendTimeout    time.Duration
	PingInterval   time.Duration
	HeartbeatGrace time.Duration
	MaxAttempts    int
	DedupCapacity  int
}

// channel is the behaviour shared by PushChannel and PollingChannel.
// Send returns the stored message when the transport answers with it.
type channel interface {
	Run(ctx context.Context, deliver DeliverFunc) error
	Send(ctx context.Context, out Outgoing) (*Message, error)
	Transport() Transport
}

// Inputs posted to the session loop by the goroutines it starts.
type (
	probeResult struct {
		gen  uint64
		conn wsConn
		err  error
	}

	frameInput struct {
		gen   uint64
		frame Frame
	}

	channelEnded struct {
		gen uint64
		err error
	}

	// sendEchoed carries a stored message returned by a send. It is not
	// tagged: the server's answer stands whichever channel is active.
	sendEchoed struct {
		msg Message
	}
)

// Commands posted to the session loop by API callers.
type (
	sendCmd struct {
		out   Outgoing
		reply chan sendTicket
	}

	abandonCmd struct {
		id string
	}
)

type sendTicket struct {
	pending PendingSend
	ch      channel
	err     error
}

// run is the state of one Connect..Disconnect cycle. Only the loop
// goroutine touches it after start.
type run struct {
	ctx    context.Context
	inputs chan interface{}
	cmds   chan interface{}
	done   chan struct{}
	wg     sync.WaitGroup

	gen          uint64
	probeGen     uint64
	probeCancel  context.CancelFunc
	channelGen   uint64
	active       channel
	activeCancel context.CancelFunc

	// reconnecting is set once an open push channel has died, so probe
	// failures count against the retry budget instead of falling back.
	reconnecting bool

	pendingTimer *time.Timer
}

func (r *run) nextGen() uint64 {
	r.gen++
	return r.gen
}

func (r *run) pendingC() <-chan time.Time {
	if r.pendingTimer == nil {
		return nil
	}

	return r.pendingTimer.C
}

// Session keeps one conversation in sync with the server and is the only
// type the UI talks to.
//
// Architecture: a single loop goroutine (started by Connect) owns the
// connection state, the dedup set, the pending sends, the supervisor and
// the active channel. Probes, channels and timers never mutate that
// state; they post inputs to the loop. Events go out through an ordered
// dispatcher, so subscribers may call back into the session.
type Session struct {
	cfg    SessionConfig
	probe  *Probe
	client HistoryClient
	logger *slog.Logger
	events *emitter

	// Loop-owned. Also touched by the constructor and between runs, when
	// no loop exists.
	dedup        *dedupSet
	pending      pendingSet
	supervisor   *Supervisor
	pushDisabled bool

	mu     sync.Mutex
	state  ConnectionState
	cur    *run
	cancel context.CancelFunc
	closed bool
}

// NewSession creates a disconnected session. probe decides and opens
// push connections; client serves history and sends for polling.
func NewSession(cfg SessionConfig, probe *Probe, client HistoryClient, logger *slog.Logger) *Session {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}

	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	logger = logger.With(slog.String("conversation", cfg.Conversation.String()))

	return &Session{
		cfg:        cfg,
		probe:      probe,
		client:     client,
		logger:     logger,
		events:     newEmitter(),
		dedup:      newDedupSet(cfg.DedupCapacity),
		supervisor: NewSupervisor(NewRetryBudget(cfg.MaxAttempts), logger),
		state:      stateDisconnected,
	}
}

// Subscribe registers fn for every event. Events arrive in emission order
// on a dedicated goroutine. The returned function unsubscribes.
func (s *Session) Subscribe(fn func(Event)) func() {
	return s.events.subscribe(fn)
}

// OnMessage registers fn for MessageReceived events.
func (s *Session) OnMessage(fn func(Message)) func() {
	return s.Subscribe(func(e Event) {
		if m, ok := e.(MessageReceived); ok {
			fn(m.Message)
		}
	})
}

// OnConnectionStateChanged registers fn for ConnectionStateChanged events.
func (s *Session) OnConnectionStateChanged(fn func(ConnectionState)) func() {
	return s.Subscribe(func(e Event) {
		if c, ok := e.(ConnectionStateChanged); ok {
			fn(c.State)
		}
	})
}

// OnError registers fn for ErrorOccurred events.
func (s *Session) OnError(fn func(ErrorOccurred)) func() {
	return s.Subscribe(func(e Event) {
		if eo, ok := e.(ErrorOccurred); ok {
			fn(eo)
		}
	})
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Connect starts connecting and returns without waiting; progress is
// reported through ConnectionStateChanged events. It is a no-op while a
// connection is being established or is up. Cancelling ctx has the same
// effect as Disconnect.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	if s.cur != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		ctx:    runCtx,
		inputs: make(chan interface{}, inputChanSize),
		cmds:   make(chan interface{}),
		done:   make(chan struct{}),
	}
	s.cur = r
	s.cancel = cancel

	go s.loop(r)

	return nil
}

// Disconnect tears down the active channel and every timer, drops
// pending sends, and moves to Disconnected. It returns once nothing the
// session started is still running. Nothing reconnects afterwards unless
// Connect is called again.
func (s *Session) Disconnect() {
	s.mu.Lock()
	r, cancel := s.cur, s.cancel
	s.mu.Unlock()

	if r == nil {
		return
	}

	cancel()
	<-r.done
}

// Close disconnects and stops event delivery after flushing queued
// events. The session cannot be reused. Must not be called from a
// subscriber.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.Disconnect()
	s.events.close()
}

// Send records a pending send and dispatches it through the active
// channel. A nil error means the dispatch succeeded, not that the server
// stored the message: confirmation arrives as SendConfirmed. A send the
// server refuses is reported once as ErrorOccurred wrapping
// ErrSendRejected, and one that stays unconfirmed past the send timeout
// as ErrorOccurred wrapping ErrSendTimeout. Sends are never retried
// automatically.
func (s *Session) Send(ctx context.Context, content string, attachments ...Attachment) (*PendingSend, error) {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()

	if r == nil {
		return nil, cserrors.ErrNotConnected
	}

	cmd := sendCmd{
		out: Outgoing{
			Conversation: s.cfg.Conversation.String(),
			Content:      content,
			Attachments:  attachments,
		},
		reply: make(chan sendTicket, 1),
	}

	select {
	case r.cmds <- cmd:
	case <-r.done:
		return nil, cserrors.ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ticket := <-cmd.reply
	if ticket.err != nil {
		return nil, ticket.err
	}

	cmd.out.ClientID = ticket.pending.ID

	echo, err := ticket.ch.Send(ctx, cmd.out)
	if err != nil {
		select {
		case r.cmds <- abandonCmd{id: ticket.pending.ID}:
		case <-r.done:
		}

		return nil, fmt.Errorf("dispatching message: %w", err)
	}

	if echo != nil {
		select {
		case r.inputs <- sendEchoed{msg: *echo}:
		case <-r.done:
		}
	}

	pending := ticket.pending

	return &pending, nil
}

// loop is the session's event loop for one run.
func (s *Session) loop(r *run) {
	defer s.teardown(r)

	s.transition(stateConnecting)

	if s.pushDisabled {
		s.startPolling(r)
	} else {
		s.supervisor.Connecting()
		s.startProbe(r)
	}

	for {
		select {
		case <-r.ctx.Done():
			return

		case in := <-r.inputs:
			if r.ctx.Err() != nil {
				return
			}

			s.handleInput(r, in)

		case cmd := <-r.cmds:
			s.handleCommand(r, cmd)

		case <-s.supervisor.RetryC():
			s.supervisor.Fired()
			s.logger.Info("retrying push", slog.Int("attempt", s.supervisor.Budget().Attempt))
			s.startProbe(r)

		case <-r.pendingC():
			s.expirePending(r)
		}
	}
}

// teardown stops everything the run started and waits for it.
func (s *Session) teardown(r *run) {
	if r.probeCancel != nil {
		r.probeCancel()
	}

	if r.activeCancel != nil {
		r.activeCancel()
	}

	r.wg.Wait()

	// A probe may have opened a socket just as the run was cancelled.
	for {
		select {
		case in := <-r.inputs:
			if pr, ok := in.(probeResult); ok && pr.conn != nil {
				pr.conn.Close(websocket.StatusNormalClosure, "session closed")
			}

			continue
		default:
		}

		break
	}

	s.supervisor.Cancel()

	if r.pendingTimer != nil {
		r.pendingTimer.Stop()
	}

	if n := s.pending.len(); n > 0 {
		s.logger.Debug("dropping pending sends on disconnect", slog.Int("count", n))
	}

	s.pending.reset()

	// Clearing cur and announcing Disconnected under one lock keeps a
	// racing Connect from emitting Connecting ahead of it.
	s.mu.Lock()
	s.cur = nil
	s.cancel = nil
	s.setStateLocked(stateDisconnected)
	s.mu.Unlock()

	close(r.done)
}

func (s *Session) handleInput(r *run, in interface{}) {
	switch in := in.(type) {
	case probeResult:
		s.handleProbeResult(r, in)

	case frameInput:
		if in.gen != r.channelGen {
			return
		}

		s.handleFrame(r, in.frame)

	case channelEnded:
		if in.gen != r.channelGen {
			return
		}

		s.handleChannelEnded(r, in.err)

	case sendEchoed:
		s.handleFrame(r, Frame{Message: &in.msg})
	}
}

func (s *Session) handleCommand(r *run, cmd interface{}) {
	switch cmd := cmd.(type) {
	case sendCmd:
		if r.active == nil {
			cmd.reply <- sendTicket{err: cserrors.ErrNotConnected}
			return
		}

		now := time.Now()
		ps := PendingSend{
			ID:          uuid.NewString(),
			SenderID:    s.cfg.UserID,
			Content:     cmd.out.Content,
			Attachments: cmd.out.Attachments,
			CreatedAt:   now,
			Deadline:    now.Add(s.cfg.SendTimeout),
		}
		s.pending.add(ps)
		s.rearmPendingTimer(r)

		cmd.reply <- sendTicket{pending: ps, ch: r.active}

	case abandonCmd:
		if _, ok := s.pending.remove(cmd.id); ok {
			s.rearmPendingTimer(r)
		}
	}
}

func (s *Session) startProbe(r *run) {
	gen := r.nextGen()
	r.probeGen = gen

	ctx, cancel := context.WithCancel(r.ctx)
	r.probeCancel = cancel

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		conn, err := s.probe.Probe(ctx, s.cfg.PushEndpoint, s.cfg.ProbeTimeout)

		select {
		case r.inputs <- probeResult{gen: gen, conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "session closed")
			}
		}
	}()
}

func (s *Session) handleProbeResult(r *run, pr probeResult) {
	if pr.gen != r.probeGen {
		if pr.conn != nil {
			pr.conn.Close(websocket.StatusNormalClosure, "stale probe")
		}

		return
	}

	r.probeCancel()
	r.probeCancel = nil

	if pr.err != nil {
		if r.reconnecting {
			s.pushFailed(r, pr.err)
			return
		}

		s.logger.Info("push unavailable, falling back to polling", slog.String("reason", pr.err.Error()))
		s.startPolling(r)

		return
	}

	push := NewPushChannel(pr.conn, PushConfig{
		UserID:       s.cfg.UserID,
		PingInterval: s.cfg.PingInterval,
		Grace:        s.cfg.HeartbeatGrace,
	}, s.logger)

	s.supervisor.Opened()
	r.reconnecting = false
	s.startChannel(r, push)
	s.transition(statePush)
}

// pushFailed feeds a push failure to the supervisor and switches to
// polling for good once the budget is spent.
func (s *Session) pushFailed(r *run, err error) {
	_, permanent := s.supervisor.Failed(err)
	if !permanent {
		return
	}

	s.pushDisabled = true
	r.reconnecting = false
	s.logger.Warn("push abandoned for this session, switching to polling")
	s.startPolling(r)
}

func (s *Session) startPolling(r *run) {
	s.startChannel(r, NewPollingChannel(s.client, s.cfg.Conversation, s.cfg.PollInterval, s.logger))
	s.transition(statePolling)
}

// startChannel runs ch until it ends or the run is cancelled. Frames and
// the final error are posted to the loop tagged with a generation, so a
// replaced channel cannot affect its successor.
func (s *Session) startChannel(r *run, ch channel) {
	if r.activeCancel != nil {
		r.activeCancel()
	}

	gen := r.nextGen()
	r.channelGen = gen
	r.active = ch

	ctx, cancel := context.WithCancel(r.ctx)
	r.activeCancel = cancel

	deliver := func(ctx context.Context, f Frame) error {
		select {
		case r.inputs <- frameInput{gen: gen, frame: f}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		err := ch.Run(ctx, deliver)

		select {
		case r.inputs <- channelEnded{gen: gen, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) handleChannelEnded(r *run, err error) {
	ended := r.active
	r.active = nil
	r.activeCancel()
	r.activeCancel = nil

	if ended.Transport() == TransportPolling {
		// Polling only stops when cancelled; anything else is a bug in
		// the channel. Keep the session alive.
		s.logger.Error("polling channel stopped unexpectedly", slog.String("error", errString(err)))
		s.startPolling(r)

		return
	}

	s.logger.Warn("push connection lost", slog.String("error", errString(err)))
	s.transition(stateReconnecting)
	r.reconnecting = true
	s.pushFailed(r, err)
}

func (s *Session) handleFrame(r *run, f Frame) {
	if f.Rejection != nil {
		s.handleRejection(r, *f.Rejection)
		return
	}

	if f.Membership != nil {
		if s.cfg.Conversation.Kind == KindChannel && f.Membership.ChannelID == s.cfg.Conversation.ID {
			s.events.emit(MembershipChanged{Change: *f.Membership})
		}

		return
	}

	if f.Message == nil {
		return
	}

	msg := *f.Message

	if r.active != nil && r.active.Transport() == TransportPush && !s.cfg.Conversation.Matches(msg, s.cfg.UserID) {
		return
	}

	if !s.dedup.observe(msg.ID) {
		s.logger.Debug("duplicate message dropped", slog.Int64("id", msg.ID))
		return
	}

	s.events.emit(MessageReceived{Message: msg})

	if ps, ok := s.pending.matchEcho(msg); ok {
		s.rearmPendingTimer(r)
		s.events.emit(SendConfirmed{Pending: ps, Message: msg})
	}
}

// handleRejection fails the pending send the server refused. A rejection
// for a send that is no longer pending is only logged.
func (s *Session) handleRejection(r *run, rej SendRejection) {
	ps, ok := s.pending.remove(rej.ClientID)
	if !ok {
		s.logger.Warn("server reported an error", slog.String("client_id", rej.ClientID), slog.String("error", rej.Error))
		return
	}

	s.rearmPendingTimer(r)
	s.logger.Warn("send rejected", slog.String("pending_id", ps.ID), slog.String("error", rej.Error))

	s.events.emit(ErrorOccurred{
		Reason:  fmt.Errorf("%w: %s", cserrors.ErrSendRejected, rej.Error),
		Pending: &ps,
	})
}

func (s *Session) expirePending(r *run) {
	r.pendingTimer = nil

	for _, ps := range s.pending.expire(time.Now()) {
		s.logger.Warn("send not confirmed", slog.String("pending_id", ps.ID))

		s.events.emit(ErrorOccurred{
			Reason:  fmt.Errorf("%w: no echo within %s", cserrors.ErrSendTimeout, s.cfg.SendTimeout),
			Pending: &ps,
		})
	}

	s.rearmPendingTimer(r)
}

// rearmPendingTimer points the send-timeout timer at the earliest
// pending deadline, or stops it when nothing is pending.
func (s *Session) rearmPendingTimer(r *run) {
	if r.pendingTimer != nil {
		r.pendingTimer.Stop()
		r.pendingTimer = nil
	}

	next, ok := s.pending.nextDeadline()
	if !ok {
		return
	}

	r.pendingTimer = time.NewTimer(max(time.Until(next), 0))
}

// transition records and announces a state change. Repeats are dropped.
func (s *Session) transition(to ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setStateLocked(to)
}

func (s *Session) setStateLocked(to ConnectionState) {
	from := s.state
	if from == to {
		return
	}

	s.state = to
	s.logger.Debug("connection state", slog.String("from", from.String()), slog.String("to", to.String()))
	s.events.emit(ConnectionStateChanged{State: to})
}
