package store

import (
	"path/filepath"
	"testing"

	"github.com/alexjbarnes/convsync/internal/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// --- Open / Close ---

func TestOpen_CreatesDB(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "sub", "store.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestOpen_ReopensExistingDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	s1, err := Open(path)
	require.NoError(t, err)
	_, _, err = s1.Append(ChannelKey(1), messaging.Message{ChannelID: 1, SenderID: 2, Content: "persist-me"})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	msgs, err := s2.History(ChannelKey(1), 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "persist-me", msgs[0].Content)

	next, _, err := s2.Append(ChannelKey(1), messaging.Message{ChannelID: 1, SenderID: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.ID, "sequence survives reopen")
}

// --- Keys ---

func TestDirectKey_Symmetric(t *testing.T) {
	assert.Equal(t, DirectKey(3, 9), DirectKey(9, 3))
	assert.NotEqual(t, DirectKey(3, 9), DirectKey(3, 8))
	assert.NotEqual(t, Key("channel:3"), DirectKey(3, 3))
}

// --- Append / History ---

func TestAppend_AssignsIncreasingIDsAcrossConversations(t *testing.T) {
	s := testDB(t)

	a, created, err := s.Append(ChannelKey(1), messaging.Message{ChannelID: 1, SenderID: 5, Content: "a"})
	require.NoError(t, err)
	assert.True(t, created)

	b, _, err := s.Append(DirectKey(5, 6), messaging.Message{SenderID: 5, RecipientID: 6, Content: "b"})
	require.NoError(t, err)

	c, _, err := s.Append(ChannelKey(1), messaging.Message{ChannelID: 1, SenderID: 6, Content: "c"})
	require.NoError(t, err)

	assert.Less(t, a.ID, b.ID)
	assert.Less(t, b.ID, c.ID)
	assert.False(t, a.CreatedAt.IsZero())

	msgs, err := s.History(ChannelKey(1), 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Content)
	assert.Equal(t, "c", msgs[1].Content)
}

func TestAppend_ClientIDIsIdempotent(t *testing.T) {
	s := testDB(t)

	first, created, err := s.Append(ChannelKey(1), messaging.Message{ChannelID: 1, SenderID: 5, Content: "x", ClientID: "c1"})
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := s.Append(ChannelKey(1), messaging.Message{ChannelID: 1, SenderID: 5, Content: "x", ClientID: "c1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	other, created, err := s.Append(ChannelKey(1), messaging.Message{ChannelID: 1, SenderID: 6, Content: "x", ClientID: "c1"})
	require.NoError(t, err)
	assert.True(t, created, "client ids are scoped to the sender")
	assert.NotEqual(t, first.ID, other.ID)

	msgs, err := s.History(ChannelKey(1), 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestHistory_LimitKeepsMostRecent(t *testing.T) {
	s := testDB(t)

	for range 5 {
		_, _, err := s.Append(ChannelKey(1), messaging.Message{ChannelID: 1, SenderID: 1})
		require.NoError(t, err)
	}

	msgs, err := s.History(ChannelKey(1), 0, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestHistory_AfterPagesForward(t *testing.T) {
	s := testDB(t)

	for range 6 {
		_, _, err := s.Append(ChannelKey(1), messaging.Message{ChannelID: 1, SenderID: 1})
		require.NoError(t, err)
	}

	ids := func(msgs []messaging.Message) []int64 {
		var out []int64
		for _, m := range msgs {
			out = append(out, m.ID)
		}

		return out
	}

	msgs, err := s.History(ChannelKey(1), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, ids(msgs), "oldest above the cursor first")

	msgs, err = s.History(ChannelKey(1), 4, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6}, ids(msgs))

	msgs, err = s.History(ChannelKey(1), 6, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "caught up")
}

func TestHistory_UnknownConversation(t *testing.T) {
	s := testDB(t)

	msgs, err := s.History(ChannelKey(42), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// --- Membership ---

func TestMembership(t *testing.T) {
	s := testDB(t)

	ids, err := s.Members(1)
	require.NoError(t, err)
	assert.Empty(t, ids)

	added, err := s.Join(1, 5)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.Join(1, 5)
	require.NoError(t, err)
	assert.False(t, added, "joining twice is a no-op")

	_, err = s.Join(1, 2)
	require.NoError(t, err)

	ids, err = s.Members(1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 5}, ids)

	removed, err := s.Leave(1, 5)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Leave(1, 5)
	require.NoError(t, err)
	assert.False(t, removed)

	ids, err = s.Members(1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)
}
