// Package message defines the core data types flowing between the mesh link,
// the broker and the bridge.
package message

import (
	"fmt"
	"strings"
	"time"
)

// PortNumTextMessage is the application tag carried by mesh text messages.
const PortNumTextMessage = "TEXT_MESSAGE_APP"

// NodeID is a mesh node number. Its canonical text form is "!" followed by
// eight lower-case hex digits.
type NodeID uint32

// Broadcast is the reserved node number addressing every node on the mesh.
const Broadcast NodeID = 0xFFFFFFFF

// BroadcastString is the text form of Broadcast.
const BroadcastString = "^all"

// String returns the canonical text form of the node id.
func (n NodeID) String() string {
	if n == Broadcast {
		return BroadcastString
	}
	return fmt.Sprintf("!%08x", uint32(n))
}

// MarshalText encodes the node id in its canonical text form.
func (n NodeID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// IsBroadcast reports whether n addresses every node.
func (n NodeID) IsBroadcast() bool { return n == Broadcast }

// NodeInfo is the identity the radio reports for itself.
type NodeInfo struct {
	// Num is the numeric node number.
	Num uint32

	// ID is the "!xxxxxxxx" form of Num as reported by the device.
	ID string
}

// Decoded is the application-level content of a mesh packet.
type Decoded struct {
	// PortNum is the application tag, e.g. "TEXT_MESSAGE_APP".
	PortNum string `json:"portnum"`

	// Text is the decoded text for text messages. May be empty when only
	// Payload is available.
	Text string `json:"text,omitempty"`

	// Payload is the raw application payload.
	Payload []byte `json:"payload,omitempty"`
}

// TextContent returns the message text, falling back to the raw payload
// decoded as UTF-8. Invalid sequences are dropped rather than rejected.
func (d *Decoded) TextContent() string {
	if d == nil {
		return ""
	}
	if d.Text != "" {
		return strings.ToValidUTF8(d.Text, "")
	}
	return strings.ToValidUTF8(string(d.Payload), "")
}

// Packet is a decoded inbound mesh packet.
type Packet struct {
	From    uint32   `json:"from"`
	To      uint32   `json:"to"`
	FromID  string   `json:"fromId,omitempty"`
	ToID    string   `json:"toId,omitempty"`
	Channel uint32   `json:"channel,omitempty"`
	ID      uint32   `json:"id,omitempty"`
	Decoded *Decoded `json:"decoded,omitempty"`
}

// SenderID returns the display identifier of the sender, preferring the
// string form reported with the packet.
func (p Packet) SenderID() string {
	if p.FromID != "" {
		return p.FromID
	}
	return NodeID(p.From).String()
}

// BrokerMessage is a message delivered by the pub/sub broker.
type BrokerMessage struct {
	Topic      string    `json:"topic"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Outbound is a pending mesh transmission: a reply to a mesh sender or a
// push requested through the broker.
type Outbound struct {
	Destination NodeID `json:"destination"`
	Text        string `json:"text"`
}
