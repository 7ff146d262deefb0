// Package replica keeps every participant's cached game state converged by
// replicating full snapshots over the room's game channel. Each snapshot
// carries a monotonically increasing version so replicas can refuse stale
// overwrites; concurrent writers at the same version are broken by sender
// ID, which is arbitrary but identical on every replica.
package replica

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"mindmeld/internal/game"
	"mindmeld/internal/pubsub"
)

// MsgGameState is the message name snapshots travel under.
const MsgGameState = "game:state"

// Snapshot is the wire form of one replicated state: a complete copy, never
// a delta.
type Snapshot struct {
	Version  uint64     `json:"version"`
	SenderID string     `json:"sender_id"`
	State    game.State `json:"state"`
}

// Session binds the pure game machine to one game channel. Local actions
// compute the next state from the cached snapshot and publish the result;
// the cache itself only ever changes on the inbound path, self-delivery
// included, so every replica runs identical code.
type Session struct {
	rules    game.Rules
	ch       pubsub.Channel
	clientID string

	onChange func(game.State)

	mu      sync.Mutex
	rng     *rand.Rand
	state   game.State
	version uint64
	sender  string
	active  bool
	unsub   func()
}

// NewSession attaches to the game channel and begins applying inbound
// snapshots. onChange, if non-nil, fires after each accepted apply.
func NewSession(ch pubsub.Channel, rules game.Rules, clientID string, onChange func(game.State)) *Session {
	s := &Session{
		rules:    rules,
		ch:       ch,
		clientID: clientID,
		onChange: onChange,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.unsub = ch.Subscribe(MsgGameState, s.apply)
	return s
}

// Start deals the first level for numPlayers and replicates it. Typically
// only the host calls this, on the start signal.
func (s *Session) Start(numPlayers int) error {
	s.mu.Lock()
	next, err := game.New(s.rules, numPlayers, s.rng)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	version := s.version + 1
	s.mu.Unlock()

	return s.publish(version, next)
}

// PlayCard replicates the outcome of the seat playing its cardIndex-th card.
// Transitions the machine rejects as no-ops publish nothing.
func (s *Session) PlayCard(seat, cardIndex int) error {
	return s.transition(func(cur game.State) game.State {
		return cur.PlayCard(s.rules, seat, cardIndex)
	})
}

// UseStar replicates spending one star token.
func (s *Session) UseStar() error {
	return s.transition(func(cur game.State) game.State {
		return cur.UseStar()
	})
}

// AdvanceLevel replicates the deal of the next level.
func (s *Session) AdvanceLevel() error {
	return s.transition(func(cur game.State) game.State {
		return cur.AdvanceLevel(s.rules, s.rng)
	})
}

// State returns the cached snapshot and whether a game is in progress.
func (s *Session) State() (game.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state, s.active
}

// Version returns the version of the cached snapshot.
func (s *Session) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.version
}

// Reset discards the local cache, as when a participant returns to the
// lobby. Other replicas are unaffected.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = game.State{}
	s.active = false
}

// Close stops applying inbound snapshots.
func (s *Session) Close() {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
}

func (s *Session) transition(fn func(game.State) game.State) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	cur := s.state
	next := fn(cur)
	version := s.version + 1
	s.mu.Unlock()

	if stateEqual(cur, next) {
		return nil
	}
	return s.publish(version, next)
}

func (s *Session) publish(version uint64, state game.State) error {
	data, err := json.Marshal(Snapshot{
		Version:  version,
		SenderID: s.clientID,
		State:    state,
	})
	if err != nil {
		return err
	}
	return s.ch.Publish(MsgGameState, data)
}

// apply is the inbound path. A snapshot replaces the cache only if it is
// newer than what we hold; equal versions fall back to the sender ID so
// all replicas pick the same winner of a concurrent write.
func (s *Session) apply(m pubsub.Message) {
	var snap Snapshot
	if err := json.Unmarshal(m.Data, &snap); err != nil {
		return
	}

	s.mu.Lock()
	stale := s.active && (snap.Version < s.version ||
		(snap.Version == s.version && snap.SenderID <= s.sender))
	if stale {
		s.mu.Unlock()
		return
	}
	s.state = snap.State
	s.version = snap.Version
	s.sender = snap.SenderID
	s.active = true
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(snap.State)
	}
}

func stateEqual(a, b game.State) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}
