package messaging

import "sync"

// Event is one entry of a session's event stream. The concrete types are
// MessageReceived, ConnectionStateChanged, ErrorOccurred, SendConfirmed
// and MembershipChanged.
type Event interface {
	isEvent()
}

// MessageReceived carries a message seen for the first time this session.
type MessageReceived struct {
	Message Message
}

// ConnectionStateChanged reports a connection state transition.
type ConnectionStateChanged struct {
	State ConnectionState
}

// ErrorOccurred reports a user-actionable failure. Pending is set when
// the failure concerns an unconfirmed send, so the UI can offer a retry.
type ErrorOccurred struct {
	Reason  error
	Pending *PendingSend
}

// SendConfirmed reports that a pending send was matched by its echo.
type SendConfirmed struct {
	Pending PendingSend
	Message Message
}

// MembershipChanged relays a membership_changed frame.
type MembershipChanged struct {
	Change MembershipChange
}

func (MessageReceived) isEvent()        {}
func (ConnectionStateChanged) isEvent() {}
func (ErrorOccurred) isEvent()          {}
func (SendConfirmed) isEvent()          {}
func (MembershipChanged) isEvent()      {}

type subscriber struct {
	id int
	fn func(Event)
}

// emitter delivers events to subscribers in emission order from a single
// dispatcher goroutine. emit never blocks, so the session loop is never
// held up by a slow subscriber, and subscribers may call back into the
// session. The dispatcher starts with the first event.
type emitter struct {
	mu      sync.Mutex
	subs    []subscriber
	next    int
	queue   []Event
	wake    chan struct{}
	done    chan struct{}
	started bool
	closed  bool
}

func newEmitter() *emitter {
	return &emitter{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (e *emitter) subscribe(fn func(Event)) func() {
	e.mu.Lock()
	id := e.next
	e.next++
	e.subs = append(e.subs, subscriber{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

func (e *emitter) emit(evt Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	e.queue = append(e.queue, evt)

	if !e.started {
		e.started = true
		go e.run()
	}
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *emitter) run() {
	defer close(e.done)

	for range e.wake {
		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				closed := e.closed
				e.mu.Unlock()

				if closed {
					return
				}

				break
			}

			evt := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			subs := append([]subscriber(nil), e.subs...)
			e.mu.Unlock()

			for _, s := range subs {
				s.fn(evt)
			}
		}
	}
}

// close delivers everything already queued, then stops the dispatcher.
// Must not be called from a subscriber.
func (e *emitter) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	e.closed = true
	started := e.started
	e.mu.Unlock()

	if !started {
		return
	}

	select {
	case e.wake <- struct{}{}:
	default:
	}

	<-e.done
}
