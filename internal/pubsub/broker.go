package pubsub

import (
	"slices"
	"sync"
	"time"
)

// Broker is the in-process substrate. Each channel runs a single delivery
// goroutine, so every subscriber observes that channel's events in one
// sequence that respects each publisher's send order.
type Broker struct {
	mu       sync.Mutex
	channels map[string]*channelCore
}

func NewBroker() *Broker {
	return &Broker{
		channels: make(map[string]*channelCore),
	}
}

// Connect registers a new identity on the broker.
func (b *Broker) Connect(clientID string) Client {
	return &memClient{
		broker:   b,
		id:       clientID,
		attached: make(map[string]*memChannel),
	}
}

// ChannelCount reports how many channels currently exist.
func (b *Broker) ChannelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.channels)
}

// Reap force-closes channels that have seen no activity for maxIdle,
// returning how many were dropped. Attached clients simply stop receiving.
func (b *Broker) Reap(maxIdle time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	reaped := 0
	for name, core := range b.channels {
		core.mu.Lock()
		idle := time.Since(core.lastActive) > maxIdle
		if idle {
			core.closed = true
			core.cond.Broadcast()
		}
		core.mu.Unlock()

		if idle {
			delete(b.channels, name)
			reaped++
		}
	}
	return reaped
}

func (b *Broker) core(name string) *channelCore {
	b.mu.Lock()
	defer b.mu.Unlock()

	if core, ok := b.channels[name]; ok {
		return core
	}

	core := &channelCore{
		broker:     b,
		name:       name,
		lastActive: time.Now(),
	}
	core.cond = sync.NewCond(&core.mu)
	b.channels[name] = core
	go core.loop()
	return core
}

// drop removes a channel nobody references anymore. Called with core.mu held.
func (b *Broker) drop(core *channelCore) {
	core.closed = true
	core.cond.Broadcast()

	go func() {
		b.mu.Lock()
		if b.channels[core.name] == core {
			delete(b.channels, core.name)
		}
		b.mu.Unlock()
	}()
}

type event struct {
	presence bool
	kind     string // presence event kind
	msg      Message
	member   Member
}

type memSub struct {
	name string // empty matches every message
	fn   MessageHandler
}

type memPresenceSub struct {
	event string
	fn    PresenceHandler
}

type channelCore struct {
	broker *Broker
	name   string

	mu         sync.Mutex
	cond       *sync.Cond
	backlog    []event
	closed     bool
	subs       []*memSub
	psubs      []*memPresenceSub
	members    []Member
	lastActive time.Time
}

// enqueue appends an event to the backlog without ever blocking a publisher.
func (c *channelCore) enqueue(e event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.backlog = append(c.backlog, e)
	c.lastActive = time.Now()
	c.cond.Signal()
}

func (c *channelCore) loop() {
	for {
		c.mu.Lock()
		for len(c.backlog) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		e := c.backlog[0]
		c.backlog = c.backlog[1:]

		// Snapshot the subscriber lists so handlers run unlocked and may
		// publish back into this channel.
		subs := slices.Clone(c.subs)
		psubs := slices.Clone(c.psubs)
		c.mu.Unlock()

		if e.presence {
			for _, s := range psubs {
				if s.event == e.kind {
					s.fn(e.member)
				}
			}
			continue
		}
		for _, s := range subs {
			if s.name == "" || s.name == e.msg.Name {
				s.fn(e.msg)
			}
		}
	}
}

// gc drops the channel once no subscriber or member references it.
// Called with c.mu held.
func (c *channelCore) gc() {
	if len(c.subs) == 0 && len(c.psubs) == 0 && len(c.members) == 0 {
		c.broker.drop(c)
	}
}

type memClient struct {
	broker *Broker
	id     string

	mu       sync.Mutex
	attached map[string]*memChannel
	closed   bool
}

func (c *memClient) ID() string {
	return c.id
}

func (c *memClient) Channel(name string) Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.attached[name]; ok {
		return ch
	}
	ch := &memChannel{
		core:     c.broker.core(name),
		clientID: c.id,
	}
	c.attached[name] = ch
	return ch
}

func (c *memClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	attached := make([]*memChannel, 0, len(c.attached))
	for _, ch := range c.attached {
		attached = append(attached, ch)
	}
	c.mu.Unlock()

	for _, ch := range attached {
		_ = ch.presence().Leave()
		ch.Detach()
	}
}

type memChannel struct {
	core     *channelCore
	clientID string

	mu      sync.Mutex
	subs    []*memSub
	psubs   []*memPresenceSub
	entered bool
}

func (ch *memChannel) Publish(name string, data []byte) error {
	ch.core.enqueue(event{
		msg: Message{Name: name, ClientID: ch.clientID, Data: slices.Clone(data)},
	})
	return nil
}

func (ch *memChannel) Subscribe(name string, fn MessageHandler) func() {
	sub := &memSub{name: name, fn: fn}

	ch.core.mu.Lock()
	ch.core.subs = append(ch.core.subs, sub)
	ch.core.mu.Unlock()

	ch.mu.Lock()
	ch.subs = append(ch.subs, sub)
	ch.mu.Unlock()

	return func() {
		ch.core.mu.Lock()
		ch.core.subs = removeSub(ch.core.subs, sub)
		ch.core.gc()
		ch.core.mu.Unlock()

		ch.mu.Lock()
		ch.subs = removeSub(ch.subs, sub)
		ch.mu.Unlock()
	}
}

func (ch *memChannel) Presence() Presence {
	return ch.presence()
}

func (ch *memChannel) presence() *memPresence {
	return &memPresence{ch: ch}
}

func (ch *memChannel) Detach() {
	ch.mu.Lock()
	subs := ch.subs
	psubs := ch.psubs
	ch.subs = nil
	ch.psubs = nil
	ch.mu.Unlock()

	ch.core.mu.Lock()
	for _, s := range subs {
		ch.core.subs = removeSub(ch.core.subs, s)
	}
	for _, p := range psubs {
		ch.core.psubs = removePresenceSub(ch.core.psubs, p)
	}
	ch.core.gc()
	ch.core.mu.Unlock()
}

type memPresence struct {
	ch *memChannel
}

func (p *memPresence) Enter(data []byte) error {
	ch := p.ch
	member := Member{ClientID: ch.clientID, Data: slices.Clone(data)}

	ch.core.mu.Lock()
	replaced := false
	for i, m := range ch.core.members {
		if m.ClientID == ch.clientID {
			ch.core.members[i] = member
			replaced = true
			break
		}
	}
	if !replaced {
		ch.core.members = append(ch.core.members, member)
	}
	ch.core.mu.Unlock()

	ch.mu.Lock()
	ch.entered = true
	ch.mu.Unlock()

	ch.core.enqueue(event{presence: true, kind: EventEnter, member: member})
	return nil
}

func (p *memPresence) Leave() error {
	ch := p.ch

	ch.mu.Lock()
	entered := ch.entered
	ch.entered = false
	ch.mu.Unlock()

	if !entered {
		return nil
	}

	var left Member
	ch.core.mu.Lock()
	for i, m := range ch.core.members {
		if m.ClientID == ch.clientID {
			left = m
			ch.core.members = slices.Delete(ch.core.members, i, i+1)
			break
		}
	}
	ch.core.gc()
	ch.core.mu.Unlock()

	if left.ClientID != "" {
		ch.core.enqueue(event{presence: true, kind: EventLeave, member: left})
	}
	return nil
}

func (p *memPresence) Get() ([]Member, error) {
	core := p.ch.core

	core.mu.Lock()
	defer core.mu.Unlock()

	members := make([]Member, len(core.members))
	copy(members, core.members)
	return members, nil
}

func (p *memPresence) Subscribe(event string, fn PresenceHandler) func() {
	ch := p.ch
	sub := &memPresenceSub{event: event, fn: fn}

	ch.core.mu.Lock()
	ch.core.psubs = append(ch.core.psubs, sub)
	ch.core.mu.Unlock()

	ch.mu.Lock()
	ch.psubs = append(ch.psubs, sub)
	ch.mu.Unlock()

	return func() {
		ch.core.mu.Lock()
		ch.core.psubs = removePresenceSub(ch.core.psubs, sub)
		ch.core.gc()
		ch.core.mu.Unlock()

		ch.mu.Lock()
		ch.psubs = removePresenceSub(ch.psubs, sub)
		ch.mu.Unlock()
	}
}

func removeSub(subs []*memSub, target *memSub) []*memSub {
	for i, s := range subs {
		if s == target {
			return slices.Delete(subs, i, i+1)
		}
	}
	return subs
}

func removePresenceSub(subs []*memPresenceSub, target *memPresenceSub) []*memPresenceSub {
	for i, s := range subs {
		if s == target {
			return slices.Delete(subs, i, i+1)
		}
	}
	return subs
}
