// Package room establishes rooms on the substrate, admits members up to a
// configured capacity, and keeps every participant's roster converged by
// republishing full snapshots on membership changes.
package room

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"mindmeld/internal/pubsub"
)

// Channel naming: one control channel and one game channel per room code.
const (
	controlPrefix = "room:"
	gamePrefix    = "game:"

	// Message names on the control channel.
	MsgRoomUpdate = "room:update"
	MsgGameStart  = "game:start"
)

var (
	ErrRoomFull = errors.New("room: room is full")
	ErrNotHost  = errors.New("room: only the host can start the game")
	ErrNoRoom   = errors.New("room: not in a room")
	ErrInRoom   = errors.New("room: already in a room")
)

// codeAttempts bounds the create-time collision retry loop.
const codeAttempts = 5

// Directory tracks the one room this client is in. All roster changes flow
// through the control channel: even the local create/join applies its state
// from the same inbound snapshot path every remote observer uses.
type Directory struct {
	client   pubsub.Client
	capacity int

	onUpdate func(Room)
	onStart  func()

	mu      sync.Mutex
	control pubsub.Channel
	room    Room
	hasRoom bool
	self    Player
	unsubs  []func()
}

// NewDirectory wires a directory to a connected substrate client. capacity
// is the seat limit enforced at join time.
func NewDirectory(client pubsub.Client, capacity int) *Directory {
	return &Directory{
		client:   client,
		capacity: capacity,
	}
}

// OnUpdate registers a callback invoked on every accepted roster snapshot.
// Set before CreateRoom/JoinRoom.
func (d *Directory) OnUpdate(fn func(Room)) {
	d.onUpdate = fn
}

// OnStart registers a callback invoked when the start signal arrives.
func (d *Directory) OnStart(fn func()) {
	d.onStart = fn
}

// CreateRoom generates a room code, seats the caller at seat 0 as host, and
// publishes the initial roster. Candidate codes whose channels already have
// members are regenerated, bounded by codeAttempts.
func (d *Directory) CreateRoom(displayName string) (Room, error) {
	if d.client == nil {
		return Room{}, pubsub.ErrTransportUnavailable
	}

	d.mu.Lock()
	if d.hasRoom {
		d.mu.Unlock()
		return Room{}, ErrInRoom
	}
	d.mu.Unlock()

	var (
		code    string
		control pubsub.Channel
	)
	for attempt := 0; ; attempt++ {
		if attempt == codeAttempts {
			return Room{}, fmt.Errorf("room: no free room code after %d attempts", codeAttempts)
		}

		code = randomRoomCode()
		control = d.client.Channel(controlPrefix + code)
		members, err := control.Presence().Get()
		if err != nil {
			return Room{}, fmt.Errorf("room: create %s: %w", code, err)
		}
		if len(members) == 0 {
			break
		}
		control.Detach()
	}

	self := Player{ID: d.client.ID(), Name: displayName, Seat: 0}
	snapshot := Room{
		Code:    code,
		Players: []Player{self},
		HostID:  self.ID,
	}

	d.mu.Lock()
	d.control = control
	d.room = snapshot
	d.hasRoom = true
	d.self = self
	d.mu.Unlock()

	d.attach(control)

	if err := d.enterAndAnnounce(control, self, snapshot); err != nil {
		d.LeaveRoom()
		return Room{}, err
	}
	return snapshot, nil
}

// JoinRoom admits the caller to an existing room, assigning the next seat.
// The seat index is the member count observed at admission; two racing
// joins can both observe the same count, which the roster fold tolerates
// (ties keep presence order).
func (d *Directory) JoinRoom(code, displayName string) (Room, error) {
	if d.client == nil {
		return Room{}, pubsub.ErrTransportUnavailable
	}

	d.mu.Lock()
	if d.hasRoom {
		d.mu.Unlock()
		return Room{}, ErrInRoom
	}
	d.mu.Unlock()

	control := d.client.Channel(controlPrefix + code)
	members, err := control.Presence().Get()
	if err != nil {
		control.Detach()
		return Room{}, fmt.Errorf("room: join %s: %w", code, err)
	}
	if len(members) >= d.capacity {
		control.Detach()
		return Room{}, ErrRoomFull
	}

	existing := foldRoster(members)
	self := Player{ID: d.client.ID(), Name: displayName, Seat: len(members)}
	snapshot := Room{
		Code:    code,
		Players: append(existing, self),
		HostID:  hostAfterFold(existing, ""),
	}
	if snapshot.HostID == "" {
		snapshot.HostID = self.ID
	}

	d.mu.Lock()
	d.control = control
	d.room = snapshot
	d.hasRoom = true
	d.self = self
	d.mu.Unlock()

	d.attach(control)

	if err := d.enterAndAnnounce(control, self, snapshot); err != nil {
		d.LeaveRoom()
		return Room{}, err
	}
	return snapshot, nil
}

// LeaveRoom withdraws presence and detaches every subscription. Remaining
// members observe the presence-leave and refold the roster themselves,
// promoting a new host if needed.
func (d *Directory) LeaveRoom() {
	d.mu.Lock()
	control := d.control
	unsubs := d.unsubs
	d.control = nil
	d.unsubs = nil
	d.room = Room{}
	d.hasRoom = false
	d.self = Player{}
	d.mu.Unlock()

	if control == nil {
		return
	}
	_ = control.Presence().Leave()
	for _, unsub := range unsubs {
		unsub()
	}
	control.Detach()
}

// StartGame publishes the start signal plus a started roster snapshot.
// Only the host may start; everyone, the host included, reacts when the
// signal comes back around.
func (d *Directory) StartGame() error {
	d.mu.Lock()
	if !d.hasRoom {
		d.mu.Unlock()
		return ErrNoRoom
	}
	if d.room.HostID != d.self.ID {
		d.mu.Unlock()
		return ErrNotHost
	}
	control := d.control
	snapshot := d.room
	snapshot.Started = true
	d.mu.Unlock()

	if err := control.Publish(MsgGameStart, []byte(`{}`)); err != nil {
		return err
	}
	return publishRoom(control, snapshot)
}

// Room returns the latest accepted roster snapshot.
func (d *Directory) Room() (Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.room, d.hasRoom
}

// Self returns this client's player record.
func (d *Directory) Self() (Player, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.self, d.hasRoom
}

// IsHost reports whether this client currently holds host status.
func (d *Directory) IsHost() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.hasRoom && d.room.HostID == d.self.ID
}

// GameChannel returns the replication channel paired with the current room.
func (d *Directory) GameChannel() (pubsub.Channel, error) {
	d.mu.Lock()
	code := d.room.Code
	ok := d.hasRoom
	d.mu.Unlock()

	if !ok {
		return nil, ErrNoRoom
	}
	return d.client.Channel(gamePrefix + code), nil
}

// attach subscribes the inbound paths: roster snapshots, the start signal,
// and the presence events that trigger a refold-and-republish.
func (d *Directory) attach(control pubsub.Channel) {
	unsubs := []func(){
		control.Subscribe(MsgRoomUpdate, d.applySnapshot),
		control.Subscribe(MsgGameStart, func(pubsub.Message) {
			if d.onStart != nil {
				d.onStart()
			}
		}),
		control.Presence().Subscribe(pubsub.EventEnter, func(pubsub.Member) {
			d.refoldAndPublish(control)
		}),
		control.Presence().Subscribe(pubsub.EventLeave, func(pubsub.Member) {
			d.refoldAndPublish(control)
		}),
	}

	d.mu.Lock()
	d.unsubs = unsubs
	d.mu.Unlock()
}

// applySnapshot is the single place local state changes: every replica,
// the publisher included, takes the latest published roster wholesale.
func (d *Directory) applySnapshot(m pubsub.Message) {
	var snapshot Room
	if err := json.Unmarshal(m.Data, &snapshot); err != nil {
		return
	}

	d.mu.Lock()
	if !d.hasRoom || snapshot.Code != d.room.Code {
		d.mu.Unlock()
		return
	}
	d.room = snapshot
	fn := d.onUpdate
	d.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}

// refoldAndPublish recomputes the roster from the live presence set and
// republishes it as a full snapshot. Every member does this on every
// membership event; duplicate snapshots are harmless because applying one
// is idempotent.
func (d *Directory) refoldAndPublish(control pubsub.Channel) {
	members, err := control.Presence().Get()
	if err != nil {
		return
	}
	players := foldRoster(members)
	if len(players) == 0 {
		return
	}

	d.mu.Lock()
	if !d.hasRoom {
		d.mu.Unlock()
		return
	}
	snapshot := Room{
		Code:    d.room.Code,
		Players: players,
		HostID:  hostAfterFold(players, d.room.HostID),
		Started: d.room.Started,
	}
	d.mu.Unlock()

	_ = publishRoom(control, snapshot)
}

func (d *Directory) enterAndAnnounce(control pubsub.Channel, self Player, snapshot Room) error {
	data, err := json.Marshal(self)
	if err != nil {
		return err
	}
	if err := control.Presence().Enter(data); err != nil {
		return err
	}
	return publishRoom(control, snapshot)
}

func publishRoom(control pubsub.Channel, snapshot Room) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return control.Publish(MsgRoomUpdate, data)
}

// randomRoomCode draws a uniform 6-digit code from [100000, 999999].
func randomRoomCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		panic(err)
	}
	return strconv.Itoa(int(n.Int64()) + 100000)
}
