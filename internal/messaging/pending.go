package messaging

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// DefaultSendTimeout is how long a send may wait for its echo before it
// is reported as failed.
const DefaultSendTimeout = 10 * time.Second

// pendingSet holds unconfirmed sends in creation order.
type pendingSet struct {
	items []PendingSend
}

func (p *pendingSet) add(ps PendingSend) {
	p.items = append(p.items, ps)
}

func (p *pendingSet) len() int {
	return len(p.items)
}

// remove drops the pending send with the given id.
func (p *pendingSet) remove(id string) (PendingSend, bool) {
	for i, ps := range p.items {
		if ps.ID == id {
			p.items = append(p.items[:i], p.items[i+1:]...)
			return ps, true
		}
	}

	return PendingSend{}, false
}

// matchEcho removes and returns the pending send that msg confirms. A
// client id echoed by the server is authoritative; otherwise the oldest
// pending send from the same sender with the same normalised content
// matches.
func (p *pendingSet) matchEcho(msg Message) (PendingSend, bool) {
	if msg.ClientID != "" {
		if ps, ok := p.remove(msg.ClientID); ok {
			return ps, true
		}
	}

	content := normalizeContent(msg.Content)

	for _, ps := range p.items {
		if ps.SenderID == msg.SenderID && normalizeContent(ps.Content) == content {
			return p.remove(ps.ID)
		}
	}

	return PendingSend{}, false
}

// expire removes and returns every pending send whose deadline is not
// after now.
func (p *pendingSet) expire(now time.Time) []PendingSend {
	var expired []PendingSend

	kept := p.items[:0]

	for _, ps := range p.items {
		if !ps.Deadline.After(now) {
			expired = append(expired, ps)
			continue
		}

		kept = append(kept, ps)
	}

	clear(p.items[len(kept):])
	p.items = kept

	return expired
}

// nextDeadline returns the earliest deadline, if any send is pending.
func (p *pendingSet) nextDeadline() (time.Time, bool) {
	if len(p.items) == 0 {
		return time.Time{}, false
	}

	next := p.items[0].Deadline
	for _, ps := range p.items[1:] {
		if ps.Deadline.Before(next) {
			next = ps.Deadline
		}
	}

	return next, true
}

func (p *pendingSet) reset() {
	p.items = nil
}

// normalizeContent makes echo matching insensitive to surrounding
// whitespace and Unicode normalisation differences introduced in transit.
func normalizeContent(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
