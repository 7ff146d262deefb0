package pubsub

import "encoding/json"

// Frame actions. Client to relay: attach, publish, enter, leave, get.
// Relay to client: message, presence, members.
const (
	ActionAttach   = "attach"
	ActionPublish  = "publish"
	ActionEnter    = "enter"
	ActionLeave    = "leave"
	ActionGet      = "get"
	ActionMessage  = "message"
	ActionPresence = "presence"
	ActionMembers  = "members"
)

// Frame is the single envelope both directions of the relay protocol use.
type Frame struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`

	// Name carries the message name for publish/message frames and the
	// presence event kind for presence frames.
	Name     string          `json:"name,omitempty"`
	ClientID string          `json:"client_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`

	// Seq correlates a get request with its members response.
	Seq     uint64       `json:"seq,omitempty"`
	Members []WireMember `json:"members,omitempty"`
}

type WireMember struct {
	ClientID string          `json:"client_id"`
	Data     json.RawMessage `json:"data,omitempty"`
}
