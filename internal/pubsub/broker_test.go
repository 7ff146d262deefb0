package pubsub

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect gathers handler callbacks so tests can wait on them.
type collect[T any] struct {
	mu   sync.Mutex
	got  []T
	cond *sync.Cond
}

func newCollect[T any]() *collect[T] {
	c := &collect[T]{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *collect[T]) add(v T) {
	c.mu.Lock()
	c.got = append(c.got, v)
	c.cond.Broadcast()
	c.mu.Unlock()
}

// waitLen blocks until n callbacks arrived or the deadline passes.
func (c *collect[T]) waitLen(t *testing.T, n int) []T {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	timer := time.AfterFunc(5*time.Second, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.got) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d events, have %d", n, len(c.got))
		}
		c.cond.Wait()
	}
	out := make([]T, len(c.got))
	copy(out, c.got)
	return out
}

func TestPublishReachesEverySubscriberIncludingSelf(t *testing.T) {
	b := NewBroker()
	alice := b.Connect("alice").Channel("room:123456")
	bob := b.Connect("bob").Channel("room:123456")

	aliceGot := newCollect[Message]()
	bobGot := newCollect[Message]()
	defer alice.Subscribe("room:update", aliceGot.add)()
	defer bob.Subscribe("room:update", bobGot.add)()

	require.NoError(t, alice.Publish("room:update", []byte(`{"v":1}`)))

	gotA := aliceGot.waitLen(t, 1)
	gotB := bobGot.waitLen(t, 1)
	assert.Equal(t, "alice", gotA[0].ClientID, "publisher must self-deliver")
	assert.Equal(t, "alice", gotB[0].ClientID)
	assert.JSONEq(t, `{"v":1}`, string(gotB[0].Data))
}

func TestPublishPreservesSenderOrder(t *testing.T) {
	b := NewBroker()
	sender := b.Connect("s").Channel("ch")
	receiver := b.Connect("r").Channel("ch")

	got := newCollect[Message]()
	defer receiver.Subscribe("", got.add)()

	for _, payload := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, sender.Publish("n", []byte(payload)))
	}

	msgs := got.waitLen(t, 5)
	for i, m := range msgs {
		assert.Equal(t, string('1'+byte(i)), string(m.Data))
	}
}

func TestSubscribeFiltersByName(t *testing.T) {
	b := NewBroker()
	ch := b.Connect("c").Channel("ch")

	updates := newCollect[Message]()
	everything := newCollect[Message]()
	defer ch.Subscribe("room:update", updates.add)()
	defer ch.Subscribe("", everything.add)()

	require.NoError(t, ch.Publish("game:start", nil))
	require.NoError(t, ch.Publish("room:update", nil))

	all := everything.waitLen(t, 2)
	named := updates.waitLen(t, 1)
	assert.Equal(t, "game:start", all[0].Name)
	assert.Equal(t, "room:update", named[0].Name)
}

func TestPresenceEnterLeaveGet(t *testing.T) {
	b := NewBroker()
	alice := b.Connect("alice").Channel("ch")
	bob := b.Connect("bob").Channel("ch")

	enters := newCollect[Member]()
	leaves := newCollect[Member]()
	defer alice.Presence().Subscribe(EventEnter, enters.add)()
	defer alice.Presence().Subscribe(EventLeave, leaves.add)()

	require.NoError(t, alice.Presence().Enter([]byte(`"a"`)))
	require.NoError(t, bob.Presence().Enter([]byte(`"b"`)))

	got := enters.waitLen(t, 2)
	assert.Equal(t, "alice", got[0].ClientID)
	assert.Equal(t, "bob", got[1].ClientID)

	members, err := bob.Presence().Get()
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "alice", members[0].ClientID, "presence keeps entry order")

	require.NoError(t, bob.Presence().Leave())
	left := leaves.waitLen(t, 1)
	assert.Equal(t, "bob", left[0].ClientID)

	members, err = alice.Presence().Get()
	require.NoError(t, err)
	require.Len(t, members, 1)
}

func TestPresenceReEnterReplacesData(t *testing.T) {
	b := NewBroker()
	ch := b.Connect("alice").Channel("ch")

	require.NoError(t, ch.Presence().Enter([]byte(`1`)))
	require.NoError(t, ch.Presence().Enter([]byte(`2`)))

	members, err := ch.Presence().Get()
	require.NoError(t, err)
	require.Len(t, members, 1, "re-enter must not duplicate the member")
	assert.Equal(t, `2`, string(members[0].Data))
}

func TestChannelDroppedWhenUnreferenced(t *testing.T) {
	b := NewBroker()
	client := b.Connect("alice")
	ch := client.Channel("ch")

	unsub := ch.Subscribe("", func(Message) {})
	require.NoError(t, ch.Presence().Enter(nil))
	assert.Equal(t, 1, b.ChannelCount())

	require.NoError(t, ch.Presence().Leave())
	unsub()

	// The drop is asynchronous; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for b.ChannelCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, b.ChannelCount(), "last leave+unsubscribe destroys the channel")
}

func TestClientCloseWithdrawsPresence(t *testing.T) {
	b := NewBroker()
	alice := b.Connect("alice")
	bobCh := b.Connect("bob").Channel("ch")

	aliceCh := alice.Channel("ch")
	require.NoError(t, aliceCh.Presence().Enter(nil))

	leaves := newCollect[Member]()
	defer bobCh.Presence().Subscribe(EventLeave, leaves.add)()

	alice.Close()

	left := leaves.waitLen(t, 1)
	assert.Equal(t, "alice", left[0].ClientID)
}

func TestReapDropsIdleChannels(t *testing.T) {
	b := NewBroker()
	ch := b.Connect("alice").Channel("ch")
	require.NoError(t, ch.Presence().Enter(nil))

	assert.Equal(t, 0, b.Reap(time.Hour), "fresh channel survives")
	assert.Equal(t, 1, b.Reap(0))
	assert.Equal(t, 0, b.ChannelCount())
}

func TestHandlerMayPublishBack(t *testing.T) {
	b := NewBroker()
	ch := b.Connect("c").Channel("ch")

	got := newCollect[Message]()
	var once sync.Once
	defer ch.Subscribe("", func(m Message) {
		got.add(m)
		once.Do(func() {
			_ = ch.Publish("reply", nil)
		})
	})()

	require.NoError(t, ch.Publish("first", nil))

	msgs := got.waitLen(t, 2)
	assert.Equal(t, "first", msgs[0].Name)
	assert.Equal(t, "reply", msgs[1].Name)
}
