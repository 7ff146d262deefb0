// The relay bridges websocket connections to the in-process broker. Each
// connection is one substrate identity; attaching a channel forwards every
// message and presence event on it to the socket, and a dropped socket
// withdraws the identity's presence everywhere, so a crashed client reads
// as a leave to the rest of its room.
package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"mindmeld/internal/pubsub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func serveRelay(cfg *Config, broker *pubsub.Broker) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		clientID := r.URL.Query().Get("client_id")
		if clientID == "" {
			clientID = uuid.NewString()
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "RELAY: upgrade error from %s: %v", realIP(r), err)
			return
		}

		rc := &relayConn{
			cfg:      cfg,
			conn:     conn,
			client:   broker.Connect(clientID),
			send:     make(chan pubsub.Frame, 256),
			done:     make(chan struct{}),
			attached: make(map[string]pubsub.Channel),
		}

		logf(cfg, "RELAY: %s connected as %s", realIP(r), clientID)

		go rc.writePump()
		rc.readPump()
	}
}

type relayConn struct {
	cfg    *Config
	conn   *websocket.Conn
	client pubsub.Client
	send   chan pubsub.Frame

	mu       sync.Mutex
	attached map[string]pubsub.Channel
	done     chan struct{}
	closed   bool
}

func (rc *relayConn) readPump() {
	defer rc.teardown()

	for {
		var f pubsub.Frame
		if err := rc.conn.ReadJSON(&f); err != nil {
			return
		}

		switch f.Action {
		case pubsub.ActionAttach:
			rc.attach(f.Channel)
		case pubsub.ActionPublish:
			_ = rc.channel(f.Channel).Publish(f.Name, f.Data)
		case pubsub.ActionEnter:
			_ = rc.channel(f.Channel).Presence().Enter(f.Data)
		case pubsub.ActionLeave:
			_ = rc.channel(f.Channel).Presence().Leave()
		case pubsub.ActionGet:
			members, err := rc.channel(f.Channel).Presence().Get()
			if err != nil {
				continue
			}
			wire := make([]pubsub.WireMember, 0, len(members))
			for _, m := range members {
				wire = append(wire, pubsub.WireMember{ClientID: m.ClientID, Data: m.Data})
			}
			rc.trySend(pubsub.Frame{
				Action:  pubsub.ActionMembers,
				Channel: f.Channel,
				Seq:     f.Seq,
				Members: wire,
			})
		}
	}
}

func (rc *relayConn) writePump() {
	defer rc.conn.Close()

	for {
		select {
		case f := <-rc.send:
			if err := rc.conn.WriteJSON(f); err != nil {
				return
			}
		case <-rc.done:
			return
		}
	}
}

// channel returns the broker channel for name, attaching it on first use so
// a publish can precede an explicit attach.
func (rc *relayConn) channel(name string) pubsub.Channel {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if ch, ok := rc.attached[name]; ok {
		return ch
	}
	ch := rc.client.Channel(name)
	rc.attached[name] = ch
	return ch
}

// attach subscribes the socket to everything the channel carries.
func (rc *relayConn) attach(name string) {
	ch := rc.channel(name)

	ch.Subscribe("", func(m pubsub.Message) {
		rc.trySend(pubsub.Frame{
			Action:   pubsub.ActionMessage,
			Channel:  name,
			Name:     m.Name,
			ClientID: m.ClientID,
			Data:     json.RawMessage(m.Data),
		})
	})
	ch.Presence().Subscribe(pubsub.EventEnter, func(m pubsub.Member) {
		rc.trySend(pubsub.Frame{
			Action:   pubsub.ActionPresence,
			Channel:  name,
			Name:     pubsub.EventEnter,
			ClientID: m.ClientID,
			Data:     json.RawMessage(m.Data),
		})
	})
	ch.Presence().Subscribe(pubsub.EventLeave, func(m pubsub.Member) {
		rc.trySend(pubsub.Frame{
			Action:   pubsub.ActionPresence,
			Channel:  name,
			Name:     pubsub.EventLeave,
			ClientID: m.ClientID,
			Data:     json.RawMessage(m.Data),
		})
	})
}

// trySend queues a frame for the socket. A backlogged connection is cut
// rather than allowed to stall broker delivery.
func (rc *relayConn) trySend(f pubsub.Frame) {
	select {
	case rc.send <- f:
	case <-rc.done:
	default:
		logf(rc.cfg, "RELAY: dropping backlogged client %s", rc.client.ID())
		rc.teardown()
	}
}

// teardown detaches every channel and withdraws presence on all of them.
func (rc *relayConn) teardown() {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.closed = true
	rc.mu.Unlock()

	close(rc.done)
	rc.client.Close()
	rc.conn.Close()

	logf(rc.cfg, "RELAY: %s disconnected", rc.client.ID())
}
