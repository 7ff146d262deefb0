package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// waitBudget bounds every substrate round trip; nothing here hangs forever.
const waitBudget = 10 * time.Second

// WSClient is a substrate client backed by a websocket connection to a relay
// server. It implements Client.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan Frame

	mu       sync.Mutex
	attached map[string]*wsChannel
	pending  map[uint64]chan []Member
	seq      uint64
	closed   bool
	done     chan struct{}

	// Inbound frames are dispatched off the read loop so a handler may
	// itself perform substrate round trips without starving the socket.
	dmu     sync.Mutex
	dcond   *sync.Cond
	backlog []Frame
}

// Dial connects to a relay and announces the given client identity. A relay
// that cannot be reached within the context deadline (or the default wait
// budget) surfaces as ErrTransportUnavailable.
func Dial(ctx context.Context, rawURL, clientID string) (*WSClient, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, waitBudget)
		defer cancel()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL+"?client_id="+clientID, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	c := &WSClient{
		id:       clientID,
		conn:     conn,
		send:     make(chan Frame, 64),
		attached: make(map[string]*wsChannel),
		pending:  make(map[uint64]chan []Member),
		done:     make(chan struct{}),
	}
	c.dcond = sync.NewCond(&c.dmu)

	go c.readPump()
	go c.writePump()
	go c.dispatchLoop()

	return c, nil
}

func (c *WSClient) ID() string {
	return c.id
}

func (c *WSClient) Channel(name string) Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.attached[name]; ok {
		return ch
	}
	ch := &wsChannel{client: c, name: name}
	c.attached[name] = ch

	c.enqueue(Frame{Action: ActionAttach, Channel: name})
	return ch
}

func (c *WSClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	c.mu.Unlock()

	close(c.done)
	c.conn.Close()

	c.dmu.Lock()
	c.dcond.Broadcast()
	c.dmu.Unlock()
}

// enqueue hands a frame to the write pump. Callers hold c.mu or accept the
// race with Close; a frame dropped during teardown is indistinguishable from
// one lost to the network.
func (c *WSClient) enqueue(f Frame) {
	select {
	case c.send <- f:
	case <-c.done:
	}
}

func (c *WSClient) readPump() {
	defer c.Close()

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}

		switch f.Action {
		case ActionMessage, ActionPresence:
			c.dmu.Lock()
			c.backlog = append(c.backlog, f)
			c.dcond.Signal()
			c.dmu.Unlock()
		case ActionMembers:
			c.mu.Lock()
			waiter, ok := c.pending[f.Seq]
			delete(c.pending, f.Seq)
			c.mu.Unlock()
			if ok {
				members := make([]Member, 0, len(f.Members))
				for _, m := range f.Members {
					members = append(members, Member{ClientID: m.ClientID, Data: m.Data})
				}
				waiter <- members
			}
		}
	}
}

func (c *WSClient) writePump() {
	for {
		select {
		case f := <-c.send:
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSClient) dispatchLoop() {
	for {
		c.dmu.Lock()
		for len(c.backlog) == 0 {
			select {
			case <-c.done:
				c.dmu.Unlock()
				return
			default:
			}
			c.dcond.Wait()
		}
		f := c.backlog[0]
		c.backlog = c.backlog[1:]
		c.dmu.Unlock()

		switch f.Action {
		case ActionMessage:
			c.dispatchMessage(f)
		case ActionPresence:
			c.dispatchPresence(f)
		}
	}
}

func (c *WSClient) dispatchMessage(f Frame) {
	c.mu.Lock()
	ch, ok := c.attached[f.Channel]
	c.mu.Unlock()
	if !ok {
		return
	}

	ch.mu.Lock()
	subs := slices.Clone(ch.subs)
	ch.mu.Unlock()

	msg := Message{Name: f.Name, ClientID: f.ClientID, Data: f.Data}
	for _, s := range subs {
		if s.name == "" || s.name == f.Name {
			s.fn(msg)
		}
	}
}

func (c *WSClient) dispatchPresence(f Frame) {
	c.mu.Lock()
	ch, ok := c.attached[f.Channel]
	c.mu.Unlock()
	if !ok {
		return
	}

	ch.mu.Lock()
	psubs := slices.Clone(ch.psubs)
	ch.mu.Unlock()

	member := Member{ClientID: f.ClientID, Data: f.Data}
	for _, s := range psubs {
		if s.event == f.Name {
			s.fn(member)
		}
	}
}

type wsChannel struct {
	client *WSClient
	name   string

	mu    sync.Mutex
	subs  []*memSub
	psubs []*memPresenceSub
}

func (ch *wsChannel) Publish(name string, data []byte) error {
	ch.client.mu.Lock()
	closed := ch.client.closed
	ch.client.mu.Unlock()
	if closed {
		return ErrTransportUnavailable
	}

	ch.client.enqueue(Frame{
		Action:  ActionPublish,
		Channel: ch.name,
		Name:    name,
		Data:    json.RawMessage(data),
	})
	return nil
}

func (ch *wsChannel) Subscribe(name string, fn MessageHandler) func() {
	sub := &memSub{name: name, fn: fn}

	ch.mu.Lock()
	ch.subs = append(ch.subs, sub)
	ch.mu.Unlock()

	return func() {
		ch.mu.Lock()
		ch.subs = removeSub(ch.subs, sub)
		ch.mu.Unlock()
	}
}

func (ch *wsChannel) Presence() Presence {
	return &wsPresence{ch: ch}
}

func (ch *wsChannel) Detach() {
	ch.mu.Lock()
	ch.subs = nil
	ch.psubs = nil
	ch.mu.Unlock()
}

type wsPresence struct {
	ch *wsChannel
}

func (p *wsPresence) Enter(data []byte) error {
	p.ch.client.enqueue(Frame{
		Action:  ActionEnter,
		Channel: p.ch.name,
		Data:    json.RawMessage(data),
	})
	return nil
}

func (p *wsPresence) Leave() error {
	p.ch.client.enqueue(Frame{
		Action:  ActionLeave,
		Channel: p.ch.name,
	})
	return nil
}

func (p *wsPresence) Get() ([]Member, error) {
	c := p.ch.client

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrTransportUnavailable
	}
	c.seq++
	seq := c.seq
	waiter := make(chan []Member, 1)
	c.pending[seq] = waiter
	c.mu.Unlock()

	c.enqueue(Frame{Action: ActionGet, Channel: p.ch.name, Seq: seq})

	select {
	case members, ok := <-waiter:
		if !ok {
			return nil, ErrTransportUnavailable
		}
		return members, nil
	case <-time.After(waitBudget):
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return nil, ErrTransportUnavailable
	}
}

func (p *wsPresence) Subscribe(event string, fn PresenceHandler) func() {
	ch := p.ch
	sub := &memPresenceSub{event: event, fn: fn}

	ch.mu.Lock()
	ch.psubs = append(ch.psubs, sub)
	ch.mu.Unlock()

	return func() {
		ch.mu.Lock()
		ch.psubs = removePresenceSub(ch.psubs, sub)
		ch.mu.Unlock()
	}
}
