// Package address translates between the hardware addresses operators use on
// the broker side and the node identifiers the mesh radio understands.
//
// A hardware address is six colon-separated hex octets. The mesh node id is
// built from its last four octets, so "CE:6E:13:A3:20:93" becomes "!13a32093".
package address

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nadzzz/meshbridge/internal/message"
)

// ErrInvalidAddress is returned for input that is neither a six-octet
// colon-hex hardware address nor one of the broadcast literals.
var ErrInvalidAddress = errors.New("invalid hardware address")

// BroadcastWildcard is the short broadcast literal accepted on the control topic.
const BroadcastWildcard = "*"

// BroadcastMAC is the hardware broadcast address.
const BroadcastMAC = "FF:FF:FF:FF:FF:FF"

var macPattern = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)

// IsMAC reports whether s looks like a six-octet colon-hex hardware address.
func IsMAC(s string) bool {
	return macPattern.MatchString(strings.TrimSpace(s))
}

// MACToNodeID maps a hardware address to the mesh node id of the device.
// Both broadcast literals map to message.Broadcast.
func MACToNodeID(mac string) (message.NodeID, error) {
	mac = strings.TrimSpace(mac)
	if mac == BroadcastWildcard || strings.EqualFold(mac, BroadcastMAC) {
		return message.Broadcast, nil
	}
	if !macPattern.MatchString(mac) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, mac)
	}

	octets := strings.Split(strings.ToLower(mac), ":")
	n, err := strconv.ParseUint(strings.Join(octets[2:], ""), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, mac)
	}
	return message.NodeID(n), nil
}

// NodeIDToMAC renders a node id as the low four octets of a hardware address.
// The top two octets are not recoverable and are written as "00".
func NodeIDToMAC(id message.NodeID) string {
	if id.IsBroadcast() {
		return BroadcastMAC
	}
	v := uint32(id)
	return fmt.Sprintf("00:00:%02X:%02X:%02X:%02X", byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// ParseNodeID accepts any of the forms a node id shows up in: "!13a32093",
// "0x13a32093", decimal "329457811", "^all", or a hardware address.
func ParseNodeID(s string) (message.NodeID, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return 0, fmt.Errorf("%w: empty node id", ErrInvalidAddress)
	case s == message.BroadcastString || s == BroadcastWildcard:
		return message.Broadcast, nil
	case IsMAC(s):
		return MACToNodeID(s)
	case strings.HasPrefix(s, "!"):
		return parseHex(s, s[1:])
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		return parseHex(s, s[2:])
	}

	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return message.NodeID(n), nil
}

func parseHex(orig, digits string) (message.NodeID, error) {
	if digits == "" || len(digits) > 8 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, orig)
	}
	n, err := strconv.ParseUint(digits, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, orig)
	}
	return message.NodeID(n), nil
}

// Self is this bridge's own mesh identity in both of the forms the radio
// uses to address it.
type Self struct {
	Num uint32
	ID  string
}

// NewSelf builds a Self from a node id, deriving the string form.
func NewSelf(id message.NodeID) Self {
	return Self{Num: uint32(id), ID: fmt.Sprintf("!%08x", uint32(id))}
}

// SelfFromInfo builds a Self from what the device reported. A missing string
// form is derived from the number.
func SelfFromInfo(info message.NodeInfo) Self {
	s := NewSelf(message.NodeID(info.Num))
	if info.ID != "" {
		s.ID = info.ID
	}
	return s
}

// Matches reports whether a packet destination, given as number and string,
// addresses this node in either form.
func (s Self) Matches(to uint32, toID string) bool {
	if to == s.Num {
		return true
	}
	return toID != "" && strings.EqualFold(toID, s.ID)
}

// NodeID returns the numeric identity.
func (s Self) NodeID() message.NodeID { return message.NodeID(s.Num) }
