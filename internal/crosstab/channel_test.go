package crosstab

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/tabtrail/internal/domain"
)

type recorder struct {
	mu   sync.Mutex
	msgs []domain.CrossTabMessage
}

func (r *recorder) handle(msg domain.CrossTabMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) snapshot() []domain.CrossTabMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CrossTabMessage(nil), r.msgs...)
}

func TestHubBroadcastsWithoutEcho(t *testing.T) {
	hub := NewHub()
	a, b, c := hub.Join(), hub.Join(), hub.Join()
	defer a.Close()
	defer b.Close()
	defer c.Close()
	require.Equal(t, 3, hub.Size())

	var ra, rb, rc recorder
	_, err := a.Subscribe(ra.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(rb.handle)
	require.NoError(t, err)
	_, err = c.Subscribe(rc.handle)
	require.NoError(t, err)

	now := time.Now()
	for i := 0; i < 10; i++ {
		msg := domain.NewMessage(domain.MsgHeartbeat, "a", "", now)
		msg.Data = map[string]any{"seq": i}
		require.NoError(t, a.Post(msg))
	}

	require.Eventually(t, func() bool {
		return len(rb.snapshot()) == 10 && len(rc.snapshot()) == 10
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, ra.snapshot(), "sender never receives its own messages")
	for i, msg := range rb.snapshot() {
		assert.Equal(t, i, msg.Data["seq"], "arrival order is preserved")
	}
}

func TestHubEndpointClose(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join(), hub.Join()
	defer a.Close()

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 1, hub.Size())
	assert.ErrorIs(t, b.Post(domain.NewMessage(domain.MsgHeartbeat, "b", "", time.Now())), ErrChannelClosed)
	_, err := b.Subscribe(func(domain.CrossTabMessage) {})
	assert.ErrorIs(t, err, ErrChannelClosed)

	// Posting to a hub with a closed peer is fine.
	assert.NoError(t, a.Post(domain.NewMessage(domain.MsgHeartbeat, "a", "", time.Now())))
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join(), hub.Join()
	defer a.Close()
	defer b.Close()

	var rb recorder
	unsubscribe, err := b.Subscribe(rb.handle)
	require.NoError(t, err)
	unsubscribe()

	require.NoError(t, a.Post(domain.NewMessage(domain.MsgHeartbeat, "a", "", time.Now())))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rb.snapshot())
}

func TestFileChannel(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileChannel(dir)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewFileChannel(dir)
	require.NoError(t, err)
	defer b.Close()

	var ra, rb recorder
	_, err = a.Subscribe(ra.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(rb.handle)
	require.NoError(t, err)

	msg := domain.NewMessage(domain.MsgSessionStart, "tab-a", "session-1", time.Now())
	msg.Data = map[string]any{"lastActivity": int64(1234)}
	require.NoError(t, a.Post(msg))

	require.Eventually(t, func() bool { return len(rb.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := rb.snapshot()[0]
	assert.Equal(t, domain.MsgSessionStart, got.Type)
	assert.Equal(t, "session-1", got.SessionID)
	ts, ok := got.Int64("lastActivity")
	require.True(t, ok)
	assert.Equal(t, int64(1234), ts)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ra.snapshot(), "own messages are ignored")
	assert.Len(t, rb.snapshot(), 1, "each file is delivered once")
}

func TestFileChannelClosed(t *testing.T) {
	c, err := NewFileChannel(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Post(domain.NewMessage(domain.MsgHeartbeat, "x", "", time.Now())), ErrChannelClosed)
}
