package replica

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindmeld/internal/game"
	"mindmeld/internal/pubsub"
)

const waitFor = 5 * time.Second

func newPair(t *testing.T) (*Session, *Session, pubsub.Channel) {
	t.Helper()

	b := pubsub.NewBroker()
	rules := game.DefaultRules()

	chA := b.Connect("client-a").Channel("game:123456")
	chB := b.Connect("client-b").Channel("game:123456")

	a := NewSession(chA, rules, "client-a", nil)
	b2 := NewSession(chB, rules, "client-b", nil)
	t.Cleanup(a.Close)
	t.Cleanup(b2.Close)

	return a, b2, chA
}

func eventuallyState(t *testing.T, s *Session, pred func(game.State) bool) game.State {
	t.Helper()

	require.Eventually(t, func() bool {
		st, ok := s.State()
		return ok && pred(st)
	}, waitFor, 5*time.Millisecond)

	st, _ := s.State()
	return st
}

func TestStartReplicatesToEveryReplica(t *testing.T) {
	a, b, _ := newPair(t)

	require.NoError(t, a.Start(3))

	for _, s := range []*Session{a, b} {
		st := eventuallyState(t, s, func(st game.State) bool { return st.NumPlayers == 3 })
		assert.Equal(t, 1, st.Level)
		assert.Equal(t, 3, st.Lives)
		assert.Equal(t, 3, st.CardsInPlay())
	}

	stA, _ := a.State()
	stB, _ := b.State()
	assert.Equal(t, stA, stB, "replicas hold the identical deal")
}

func TestActionsConverge(t *testing.T) {
	a, b, _ := newPair(t)

	require.NoError(t, a.Start(2))
	st := eventuallyState(t, a, func(st game.State) bool { return st.NumPlayers == 2 })
	eventuallyState(t, b, func(st game.State) bool { return st.NumPlayers == 2 })

	// Whoever holds the lower card plays it, from b's replica.
	seat := 0
	if st.Hands[1][0] < st.Hands[0][0] {
		seat = 1
	}
	require.NoError(t, b.PlayCard(seat, 0))

	for _, s := range []*Session{a, b} {
		got := eventuallyState(t, s, func(st game.State) bool { return len(st.PlayedCards) == 1 })
		assert.Equal(t, 2, st.Lives, "correct play costs nothing")
		assert.Len(t, got.Hands[seat], 0)
	}
}

func TestNoOpActionsPublishNothing(t *testing.T) {
	a, b, _ := newPair(t)

	require.NoError(t, a.Start(2))
	eventuallyState(t, a, func(st game.State) bool { return st.NumPlayers == 2 })
	eventuallyState(t, b, func(st game.State) bool { return st.NumPlayers == 2 })
	v := a.Version()

	require.NoError(t, a.PlayCard(0, 99)) // out of range: machine no-op
	require.NoError(t, a.UseStar())       // zero stars: machine no-op
	require.NoError(t, a.AdvanceLevel())  // level not complete: machine no-op

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, v, a.Version(), "no-ops must not version-bump")
	assert.Equal(t, v, b.Version())
}

func TestStaleSnapshotRejected(t *testing.T) {
	a, _, raw := newPair(t)

	require.NoError(t, a.Start(2))
	st := eventuallyState(t, a, func(st game.State) bool { return st.NumPlayers == 2 })
	v := a.Version()

	stale := Snapshot{Version: v - 1, SenderID: "client-z", State: game.State{NumPlayers: 9}}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, raw.Publish(MsgGameState, data))

	time.Sleep(50 * time.Millisecond)
	got, ok := a.State()
	require.True(t, ok)
	assert.Equal(t, st, got, "older version must not overwrite the cache")
	assert.Equal(t, v, a.Version())
}

func TestEqualVersionTiebreakIsDeterministic(t *testing.T) {
	a, b, raw := newPair(t)

	require.NoError(t, a.Start(2))
	eventuallyState(t, a, func(st game.State) bool { return st.NumPlayers == 2 })
	eventuallyState(t, b, func(st game.State) bool { return st.NumPlayers == 2 })
	v := a.Version()

	// Two concurrent writers publish the same version; the higher sender ID
	// must win on every replica regardless of arrival order.
	low := Snapshot{Version: v + 1, SenderID: "client-a", State: game.State{NumPlayers: 2, Level: 1, Lives: 1}}
	high := Snapshot{Version: v + 1, SenderID: "client-b", State: game.State{NumPlayers: 2, Level: 1, Lives: 2}}

	for _, snap := range []Snapshot{high, low} { // winner delivered first
		data, err := json.Marshal(snap)
		require.NoError(t, err)
		require.NoError(t, raw.Publish(MsgGameState, data))
	}

	for _, s := range []*Session{a, b} {
		got := eventuallyState(t, s, func(st game.State) bool { return st.Lives == 2 })
		assert.Equal(t, 2, got.Lives, "later-arriving equal-version snapshot from lower sender is dropped")
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	a, _, raw := newPair(t)

	require.NoError(t, a.Start(2))
	st := eventuallyState(t, a, func(st game.State) bool { return st.NumPlayers == 2 })
	v := a.Version()

	// The substrate is at-least-once: replay the current snapshot verbatim.
	dup := Snapshot{Version: v, SenderID: "client-a", State: st}
	data, err := json.Marshal(dup)
	require.NoError(t, err)
	require.NoError(t, raw.Publish(MsgGameState, data))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, v, a.Version())
	got, _ := a.State()
	assert.Equal(t, st, got)
}

func TestResetIsLocalOnly(t *testing.T) {
	a, b, _ := newPair(t)

	require.NoError(t, a.Start(2))
	eventuallyState(t, a, func(st game.State) bool { return st.NumPlayers == 2 })
	eventuallyState(t, b, func(st game.State) bool { return st.NumPlayers == 2 })

	a.Reset()
	_, ok := a.State()
	assert.False(t, ok)

	time.Sleep(50 * time.Millisecond)
	_, ok = b.State()
	assert.True(t, ok, "reset never replicates")
}

func TestFullLevelPlaythrough(t *testing.T) {
	a, b, _ := newPair(t)

	require.NoError(t, a.Start(2))
	st := eventuallyState(t, a, func(st game.State) bool { return st.NumPlayers == 2 })

	// Play the two dealt cards in ascending order, one from each replica.
	first, second := 0, 1
	if st.Hands[1][0] < st.Hands[0][0] {
		first, second = 1, 0
	}
	sessions := []*Session{a, b}
	require.NoError(t, sessions[first].PlayCard(first, 0))
	eventuallyState(t, a, func(st game.State) bool { return len(st.PlayedCards) == 1 })
	eventuallyState(t, b, func(st game.State) bool { return len(st.PlayedCards) == 1 })
	require.NoError(t, sessions[second].PlayCard(second, 0))

	for _, s := range sessions {
		got := eventuallyState(t, s, func(st game.State) bool { return st.LevelComplete })
		assert.False(t, got.GameWon, "level 1 of 12 is not a win")
	}

	// Host advances; everyone receives level 2 with fresh two-card hands.
	require.NoError(t, a.AdvanceLevel())
	for _, s := range sessions {
		got := eventuallyState(t, s, func(st game.State) bool { return st.Level == 2 })
		assert.Equal(t, 4, got.CardsInPlay())
		assert.Empty(t, got.PlayedCards)
	}
}
