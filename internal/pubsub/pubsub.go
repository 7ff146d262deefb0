// Package pubsub defines the messaging substrate the game replicates over:
// named channels carrying published messages plus a presence set per channel.
// Two implementations exist, an in-process Broker used by the relay server
// and by tests, and a websocket Client that speaks to a remote relay.
//
// Delivery is at-least-once and preserves each publisher's send order per
// channel; there is no total order across publishers. Publishers receive
// their own messages like any other subscriber.
package pubsub

import "errors"

// Presence event kinds.
const (
	EventEnter = "enter"
	EventLeave = "leave"
)

// ErrTransportUnavailable reports that the substrate never reached a usable
// state within the caller's wait budget.
var ErrTransportUnavailable = errors.New("pubsub: transport unavailable")

// Message is one published payload as seen by subscribers.
type Message struct {
	Name     string
	ClientID string
	Data     []byte
}

// Member is one entry of a channel's presence set.
type Member struct {
	ClientID string
	Data     []byte
}

type MessageHandler func(Message)

type PresenceHandler func(Member)

// Client is one connected identity on the substrate.
type Client interface {
	// ID returns the stable identity this connection announces.
	ID() string

	// Channel attaches to the named channel, creating it if needed.
	Channel(name string) Channel

	Close()
}

// Channel is a single named topic with an attached presence set.
type Channel interface {
	// Publish sends data under the given message name to every subscriber,
	// the publisher included. Payloads must be valid JSON; the relay
	// protocol embeds them verbatim.
	Publish(name string, data []byte) error

	// Subscribe registers fn for messages with the given name. The returned
	// func removes the registration.
	Subscribe(name string, fn MessageHandler) (unsubscribe func())

	Presence() Presence

	// Detach drops this client's subscriptions on the channel. It does not
	// withdraw presence; callers leave explicitly first.
	Detach()
}

// Presence tracks which identities are on a channel, in entry order.
type Presence interface {
	Enter(data []byte) error
	Leave() error
	Get() ([]Member, error)
	Subscribe(event string, fn PresenceHandler) (unsubscribe func())
}
