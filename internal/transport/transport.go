// Package transport defines the capability interfaces the bridge consumes.
//
// Each physical transport (a Meshtastic radio over serial or TCP, an MQTT
// broker) has one adapter implementing one of these interfaces. The bridge
// only works with the contracts below and never with a concrete client.
package transport

import (
	"context"
	"fmt"

	"github.com/nadzzz/meshbridge/internal/message"
)

// State is the connection state of a transport.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText renders the state by name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateFunc receives state changes. err is set when a drop caused the change.
type StateFunc func(state State, err error)

// Notifier is implemented by links that detect state changes on their own,
// such as a broker client reconnecting in the background.
type Notifier interface {
	OnStateChange(fn StateFunc)
}

// ConnectionError reports a transport that could not be brought up.
type ConnectionError struct {
	Transport string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection failed: %v", e.Transport, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// MeshLink is the mesh radio side of the bridge.
type MeshLink interface {
	// Name returns the adapter identifier (e.g., "serial", "tcp").
	Name() string

	// Connect opens the link and blocks until the device has reported its
	// configuration or ctx is done.
	Connect(ctx context.Context) error

	// MyNodeInfo returns the identity reported by the device, if any.
	MyNodeInfo() (message.NodeInfo, bool)

	// SendText transmits one text payload to a node or to message.Broadcast.
	SendText(ctx context.Context, to message.NodeID, text string) error

	// Packets delivers decoded inbound packets. It is closed when the link ends.
	Packets() <-chan message.Packet

	// Close shuts the link down.
	Close() error
}

// PubSub is the broker side of the bridge.
type PubSub interface {
	// Name returns the adapter identifier (e.g., "mqtt").
	Name() string

	// Connect opens the session and subscribes to topics on every successful
	// connect, including reconnects.
	Connect(ctx context.Context, topics []string) error

	// Publish sends payload to topic.
	Publish(ctx context.Context, topic, payload string) error

	// Messages delivers inbound broker messages.
	Messages() <-chan message.BrokerMessage

	// Close disconnects from the broker.
	Close() error
}
