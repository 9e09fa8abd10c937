package messaging

import (
	"log/slog"
	"time"
)

// Reconnect policy. These values are part of the client contract.
const (
	reconnectBase       = 1000 * time.Millisecond
	reconnectMultiplier = 2
	reconnectCap        = 30000 * time.Millisecond

	// DefaultMaxAttempts is the number of consecutive failed reconnect
	// attempts after which push is abandoned for polling.
	DefaultMaxAttempts = 5

	// MaxAttemptsLimit keeps the budget finite for every deployment class.
	MaxAttemptsLimit = 10

	// maxDelayShift caps the exponent so the multiplication cannot
	// overflow time.Duration. 1s * 2^16 is far above the cap already.
	maxDelayShift = 16
)

// RetryBudget is the reconnect state of one session. It is never shared
// between sessions.
type RetryBudget struct {
	Attempt     int
	Base        time.Duration
	Multiplier  int
	Cap         time.Duration
	MaxAttempts int
}

// NewRetryBudget returns the standard budget with the given attempt
// limit. Values outside 1..MaxAttemptsLimit fall back to the default.
func NewRetryBudget(maxAttempts int) *RetryBudget {
	if maxAttempts <= 0 || maxAttempts > MaxAttemptsLimit {
		maxAttempts = DefaultMaxAttempts
	}

	return &RetryBudget{
		Base:        reconnectBase,
		Multiplier:  reconnectMultiplier,
		Cap:         reconnectCap,
		MaxAttempts: maxAttempts,
	}
}

// Delay returns min(Base * Multiplier^attempt, Cap).
func (b *RetryBudget) Delay(attempt int) time.Duration {
	if attempt > maxDelayShift {
		attempt = maxDelayShift
	}

	d := b.Base
	for range attempt {
		d *= time.Duration(b.Multiplier)
		if d >= b.Cap {
			return b.Cap
		}
	}

	return min(d, b.Cap)
}

// Exhausted reports whether every allowed attempt has been used.
func (b *RetryBudget) Exhausted() bool {
	return b.Attempt >= b.MaxAttempts
}

// Next returns the delay for the current attempt and consumes it.
func (b *RetryBudget) Next() time.Duration {
	d := b.Delay(b.Attempt)
	b.Attempt++

	return d
}

// Reset returns the budget to zero after a successful connection.
func (b *RetryBudget) Reset() {
	b.Attempt = 0
}

// SupervisorState is the reconnect state machine's state.
type SupervisorState int

const (
	SupervisorIdle SupervisorState = iota
	SupervisorConnecting
	SupervisorOpen
	SupervisorBackoff
	SupervisorFailedPermanently
)

func (s SupervisorState) String() string {
	switch s {
	case SupervisorIdle:
		return "idle"
	case SupervisorConnecting:
		return "connecting"
	case SupervisorOpen:
		return "open"
	case SupervisorBackoff:
		return "backoff"
	case SupervisorFailedPermanently:
		return "failed_permanently"
	default:
		return "unknown"
	}
}

// Supervisor owns the retry policy for one session's push transport. It
// is driven entirely from the session loop and is not safe for
// concurrent use. A scheduled retry is exposed as a channel (RetryC) that
// the loop selects on, so a cancelled retry can never fire into torn-down
// state.
type Supervisor struct {
	budget *RetryBudget
	state  SupervisorState
	timer  *time.Timer
	logger *slog.Logger
}

// NewSupervisor creates an idle supervisor over budget.
func NewSupervisor(budget *RetryBudget, logger *slog.Logger) *Supervisor {
	return &Supervisor{budget: budget, logger: logger}
}

// State returns the current state.
func (s *Supervisor) State() SupervisorState {
	return s.state
}

// Budget returns the retry budget.
func (s *Supervisor) Budget() *RetryBudget {
	return s.budget
}

// Connecting records that a connection attempt is in flight.
func (s *Supervisor) Connecting() {
	if s.state == SupervisorFailedPermanently {
		return
	}

	s.state = SupervisorConnecting
}

// Opened records a successful connection and resets the budget.
func (s *Supervisor) Opened() {
	s.stopTimer()
	s.state = SupervisorOpen
	s.budget.Reset()
}

// Failed records a failed attempt or a lost connection. It either
// schedules a retry and returns its delay, or gives up and returns
// permanent. A failure while a retry is already scheduled is ignored,
// so a late close event cannot start a second timer.
func (s *Supervisor) Failed(reason error) (delay time.Duration, permanent bool) {
	switch s.state {
	case SupervisorFailedPermanently:
		return 0, true
	case SupervisorBackoff:
		if s.timer != nil {
			s.logger.Debug("failure while retry already scheduled", slog.String("reason", errString(reason)))
			return 0, false
		}
	}

	if s.budget.Exhausted() {
		s.stopTimer()
		s.state = SupervisorFailedPermanently
		s.logger.Warn("reconnect budget exhausted",
			slog.Int("attempts", s.budget.Attempt),
			slog.String("reason", errString(reason)),
		)

		return 0, true
	}

	delay = s.budget.Next()
	s.state = SupervisorBackoff
	s.timer = time.NewTimer(delay)
	s.logger.Info("reconnect scheduled",
		slog.Int("attempt", s.budget.Attempt),
		slog.Duration("delay", delay),
		slog.String("reason", errString(reason)),
	)

	return delay, false
}

// RetryC returns the channel of the scheduled retry, or nil when no
// retry is pending. Receiving from a nil channel blocks forever, which
// is what the loop wants.
func (s *Supervisor) RetryC() <-chan time.Time {
	if s.timer == nil {
		return nil
	}

	return s.timer.C
}

// Fired acknowledges that the retry timer fired and the loop is about to
// attempt a connection.
func (s *Supervisor) Fired() {
	s.timer = nil
	s.state = SupervisorConnecting
}

// Cancel stops any scheduled retry and returns the supervisor to idle,
// unless push has already been abandoned.
func (s *Supervisor) Cancel() {
	s.stopTimer()

	if s.state != SupervisorFailedPermanently {
		s.state = SupervisorIdle
	}
}

func (s *Supervisor) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
