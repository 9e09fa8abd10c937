package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/alexjbarnes/convsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHistory is an in-memory HistoryClient. firstDelay holds back the
// answer of the first fetch; the answer reflects the messages stored by
// the time it is sent.
type fakeHistory struct {
	mu         sync.Mutex
	msgs       []Message
	err        error
	fetches    int
	afters     []int64
	firstDelay time.Duration
	sent       []Outgoing
	nextID     int64
	echo       bool
	selfID     int64
	sendErr    error
}

func (f *fakeHistory) History(ctx context.Context, _ ConversationRef, after int64) ([]Message, error) {
	f.mu.Lock()
	f.fetches++
	f.afters = append(f.afters, after)
	delay := f.firstDelay
	f.firstDelay = 0
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	var out []Message

	for _, m := range f.msgs {
		if m.ID > after {
			out = append(out, m)
		}
	}

	return out, nil
}

func (f *fakeHistory) SendMessage(_ context.Context, ref ConversationRef, out Outgoing) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return nil, f.sendErr
	}

	f.sent = append(f.sent, out)

	f.nextID++
	msg := Message{ID: f.nextID, ChannelID: ref.ID, SenderID: f.selfID, Content: out.Content, ClientID: out.ClientID}

	if f.echo {
		f.msgs = append(f.msgs, msg)
	}

	return &msg, nil
}

func (f *fakeHistory) add(msgs ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.msgs = append(f.msgs, msgs...)
}

func (f *fakeHistory) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.err = err
}

func (f *fakeHistory) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.fetches
}

func (f *fakeHistory) cursors() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]int64(nil), f.afters...)
}

var testChannel = ConversationRef{Kind: KindChannel, ID: 12}

// --- diff ---

func TestPollingChannel_DiffBaselineThenAscending(t *testing.T) {
	p := NewPollingChannel(&fakeHistory{}, testChannel, 0, logging.Discard())

	assert.Nil(t, p.diff([]Message{{ID: 3}, {ID: 1}, {ID: 2}}), "first fetch is the baseline")
	assert.Equal(t, int64(3), p.lastSeen)

	fresh := p.diff([]Message{{ID: 1}, {ID: 6}, {ID: 2}, {ID: 4}, {ID: 3}, {ID: 5}})

	var ids []int64
	for _, m := range fresh {
		ids = append(ids, m.ID)
	}

	assert.Equal(t, []int64{4, 5, 6}, ids)
	assert.Equal(t, int64(6), p.lastSeen)
	assert.Empty(t, p.diff([]Message{{ID: 6}}), "nothing new")
}

func TestPollingChannel_EmptyBaseline(t *testing.T) {
	p := NewPollingChannel(&fakeHistory{}, testChannel, 0, logging.Discard())

	assert.Nil(t, p.diff(nil))
	assert.Len(t, p.diff([]Message{{ID: 1}}), 1, "first message after an empty baseline is new")
}

// --- Run (synctest) ---

func TestPollingChannel_Run(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := &fakeHistory{msgs: []Message{{ID: 1}, {ID: 2}}}
		p := NewPollingChannel(h, testChannel, 0, logging.Discard())

		ctx, cancel := context.WithCancel(context.Background())

		var (
			mu  sync.Mutex
			ids []int64
		)

		done := make(chan error, 1)

		go func() {
			done <- p.Run(ctx, func(_ context.Context, f Frame) error {
				mu.Lock()
				defer mu.Unlock()

				ids = append(ids, f.Message.ID)

				return nil
			})
		}()

		synctest.Wait()
		assert.Equal(t, 1, h.fetchCount(), "fetches immediately")

		h.add(Message{ID: 4}, Message{ID: 3})
		time.Sleep(DefaultPollInterval)
		synctest.Wait()

		assert.Equal(t, 2, h.fetchCount())
		assert.Equal(t, []int64{0, 2}, h.cursors(), "fetches after the baseline start above it")

		mu.Lock()
		assert.Equal(t, []int64{3, 4}, ids)
		mu.Unlock()

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestPollingChannel_FailedTickIsSkipped(t *testing.T) {
	// A permanent failure keeps the regular interval.
	synctest.Test(t, func(t *testing.T) {
		h := &fakeHistory{msgs: []Message{{ID: 1}}}
		p := NewPollingChannel(h, testChannel, time.Second, logging.Discard())

		ctx, cancel := context.WithCancel(context.Background())

		var (
			mu  sync.Mutex
			ids []int64
		)

		done := make(chan error, 1)

		go func() {
			done <- p.Run(ctx, func(_ context.Context, f Frame) error {
				mu.Lock()
				defer mu.Unlock()

				ids = append(ids, f.Message.ID)

				return nil
			})
		}()

		synctest.Wait()

		h.setErr(errors.New("401 unauthorized"))
		h.add(Message{ID: 2})
		time.Sleep(3 * time.Second)
		synctest.Wait()

		mu.Lock()
		assert.Empty(t, ids, "nothing delivered while fetches fail")
		mu.Unlock()

		h.setErr(nil)
		time.Sleep(time.Second)
		synctest.Wait()

		mu.Lock()
		assert.Equal(t, []int64{2}, ids, "the next good tick catches up")
		mu.Unlock()

		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestPollingChannel_TransientFailuresBackOff(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := &fakeHistory{}
		p := NewPollingChannel(h, testChannel, time.Second, logging.Discard())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)

		h.setErr(&TransientError{Err: errors.New("503")})

		go func() { done <- p.Run(ctx, func(context.Context, Frame) error { return nil }) }()

		// Fetches at 0s, 2s, 6s and 14s; the next is due at 30s.
		time.Sleep(29 * time.Second)
		synctest.Wait()
		assert.Equal(t, 4, h.fetchCount())

		h.setErr(nil)
		time.Sleep(time.Second)
		synctest.Wait()
		assert.Equal(t, 5, h.fetchCount(), "recovered fetch")

		time.Sleep(time.Second)
		synctest.Wait()
		assert.Equal(t, 6, h.fetchCount(), "success restores the interval")

		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestPollingChannel_BackoffIsCapped(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := &fakeHistory{}
		p := NewPollingChannel(h, testChannel, 10*time.Second, logging.Discard())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)

		h.setErr(&TransientError{Err: errors.New("429")})

		go func() { done <- p.Run(ctx, func(context.Context, Frame) error { return nil }) }()

		// Fetches at 0s, 20s, 50s, 80s and 110s: the gap stops growing at the cap.
		time.Sleep(81 * time.Second)
		synctest.Wait()
		assert.Equal(t, 4, h.fetchCount())

		time.Sleep(maxPollBackoff - time.Second)
		synctest.Wait()
		assert.Equal(t, 5, h.fetchCount())

		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestPollingChannel_Send(t *testing.T) {
	h := &fakeHistory{selfID: 1, nextID: 6}
	p := NewPollingChannel(h, testChannel, 0, logging.Discard())

	echo, err := p.Send(context.Background(), Outgoing{ClientID: "c1", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []Outgoing{{ClientID: "c1", Content: "hi"}}, h.sent)

	require.NotNil(t, echo, "the stored copy is returned")
	assert.Equal(t, int64(7), echo.ID)
	assert.Equal(t, "c1", echo.ClientID)

	h.sendErr = errors.New("boom")
	_, err = p.Send(context.Background(), Outgoing{Content: "x"})
	assert.Error(t, err)
}
