package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pendingEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func pendingAt(id, content string, sender int64, offset time.Duration) PendingSend {
	return PendingSend{
		ID:        id,
		SenderID:  sender,
		Content:   content,
		CreatedAt: pendingEpoch.Add(offset),
		Deadline:  pendingEpoch.Add(offset + DefaultSendTimeout),
	}
}

func TestPendingSet_MatchByClientID(t *testing.T) {
	var p pendingSet
	p.add(pendingAt("a", "hello", 1, 0))
	p.add(pendingAt("b", "hello", 1, time.Second))

	ps, ok := p.matchEcho(Message{ID: 1, SenderID: 1, Content: "hello", ClientID: "b"})
	require.True(t, ok)
	assert.Equal(t, "b", ps.ID, "client id beats content order")
	assert.Equal(t, 1, p.len())
}

func TestPendingSet_MatchByContentOldestFirst(t *testing.T) {
	var p pendingSet
	p.add(pendingAt("a", "hello", 1, 0))
	p.add(pendingAt("b", "hello", 1, time.Second))

	ps, ok := p.matchEcho(Message{ID: 1, SenderID: 1, Content: "  hello\n"})
	require.True(t, ok)
	assert.Equal(t, "a", ps.ID)

	ps, ok = p.matchEcho(Message{ID: 2, SenderID: 1, Content: "hello"})
	require.True(t, ok)
	assert.Equal(t, "b", ps.ID)

	_, ok = p.matchEcho(Message{ID: 3, SenderID: 1, Content: "hello"})
	assert.False(t, ok, "each pending send is confirmed once")
}

func TestPendingSet_MatchNormalisesUnicode(t *testing.T) {
	var p pendingSet
	p.add(pendingAt("a", "cafe\u0301", 1, 0))

	_, ok := p.matchEcho(Message{ID: 1, SenderID: 1, Content: "caf\u00e9"})
	assert.True(t, ok, "NFD and NFC forms compare equal")
}

func TestPendingSet_NoMatchFromOtherSender(t *testing.T) {
	var p pendingSet
	p.add(pendingAt("a", "hello", 1, 0))

	_, ok := p.matchEcho(Message{ID: 1, SenderID: 2, Content: "hello"})
	assert.False(t, ok)
	assert.Equal(t, 1, p.len())
}

func TestPendingSet_UnknownClientIDFallsBackToContent(t *testing.T) {
	var p pendingSet
	p.add(pendingAt("a", "hello", 1, 0))

	ps, ok := p.matchEcho(Message{ID: 1, SenderID: 1, Content: "hello", ClientID: "from-another-device"})
	require.True(t, ok)
	assert.Equal(t, "a", ps.ID)
}

func TestPendingSet_ExpireAndNextDeadline(t *testing.T) {
	var p pendingSet

	_, ok := p.nextDeadline()
	assert.False(t, ok)

	p.add(pendingAt("late", "x", 1, 5*time.Second))
	p.add(pendingAt("early", "y", 1, 0))

	next, ok := p.nextDeadline()
	require.True(t, ok)
	assert.Equal(t, pendingEpoch.Add(DefaultSendTimeout), next)

	expired := p.expire(pendingEpoch.Add(DefaultSendTimeout))
	require.Len(t, expired, 1)
	assert.Equal(t, "early", expired[0].ID)
	assert.Equal(t, 1, p.len())

	assert.Empty(t, p.expire(pendingEpoch.Add(DefaultSendTimeout)), "already expired sends are gone")

	p.reset()
	assert.Equal(t, 0, p.len())
}
