package messaging

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	cserrors "github.com/alexjbarnes/convsync/internal/errors"
)

const (
	// DefaultPollInterval is the gap between history fetches while polling.
	DefaultPollInterval = 3 * time.Second

	// maxPollBackoff caps the gap between fetches while the server keeps
	// failing transiently.
	maxPollBackoff = 30 * time.Second
)

// PollingChannel synthesises message frames by diffing periodic history
// fetches against the highest id seen so far. It is the fallback of last
// resort: fetch failures are logged and skipped, never escalated.
type PollingChannel struct {
	client   HistoryClient
	ref      ConversationRef
	interval time.Duration
	logger   *slog.Logger

	// Only touched by Run.
	lastSeen  int64
	baselined bool
	delay     time.Duration
}

// NewPollingChannel creates a polling channel for ref.
func NewPollingChannel(client HistoryClient, ref ConversationRef, interval time.Duration, logger *slog.Logger) *PollingChannel {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return &PollingChannel{
		client:   client,
		ref:      ref,
		interval: interval,
		logger:   logger,
		delay:    interval,
	}
}

// Transport identifies the channel kind.
func (p *PollingChannel) Transport() Transport { return TransportPolling }

// Run polls immediately, then once per interval until ctx is cancelled.
// The first successful fetch only records the baseline. Transient fetch
// failures double the gap up to maxPollBackoff; the next success restores
// the interval. Cancellation is the stop operation; Run then returns
// ctx.Err().
func (p *PollingChannel) Run(ctx context.Context, deliver DeliverFunc) error {
	wait := time.NewTimer(p.interval)
	defer wait.Stop()

	for {
		if err := p.tick(ctx, deliver); err != nil {
			return err
		}

		wait.Reset(p.delay)

		select {
		case <-wait.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tick performs one fetch-and-diff and sets the delay before the next.
// Only a cancelled context is returned as an error.
func (p *PollingChannel) tick(ctx context.Context, deliver DeliverFunc) error {
	var after int64
	if p.baselined {
		after = p.lastSeen
	}

	history, err := p.client.History(ctx, p.ref, after)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if IsTransient(err) {
			p.delay = min(p.delay*2, maxPollBackoff)
		} else {
			p.delay = p.interval
		}

		p.logger.Warn("poll tick skipped",
			slog.String("conversation", p.ref.String()),
			slog.String("error", fmt.Errorf("%w: %w", cserrors.ErrPollFetchFailed, err).Error()),
			slog.Duration("next_in", p.delay),
		)

		return nil
	}

	p.delay = p.interval
	fresh := p.diff(history)

	for i := range fresh {
		if err := deliver(ctx, Frame{Message: &fresh[i]}); err != nil {
			return err
		}
	}

	return nil
}

// diff returns the messages newer than lastSeen in ascending id order and
// advances lastSeen. The first call only establishes the baseline.
func (p *PollingChannel) diff(history []Message) []Message {
	var maxID int64
	for _, m := range history {
		maxID = max(maxID, m.ID)
	}

	if !p.baselined {
		p.baselined = true
		p.lastSeen = maxID
		p.logger.Debug("poll baseline established",
			slog.String("conversation", p.ref.String()),
			slog.Int64("last_seen", maxID),
		)

		return nil
	}

	var fresh []Message

	for _, m := range history {
		if m.ID > p.lastSeen {
			fresh = append(fresh, m)
		}
	}

	slices.SortFunc(fresh, func(a, b Message) int {
		return cmp.Compare(a.ID, b.ID)
	})

	p.lastSeen = max(p.lastSeen, maxID)

	return fresh
}

// Send posts the message through REST and returns the server's copy,
// which is the message's echo. The same message also shows up in a later
// poll tick unless it was folded into the baseline.
func (p *PollingChannel) Send(ctx context.Context, out Outgoing) (*Message, error) {
	return p.client.SendMessage(ctx, p.ref, out)
}
