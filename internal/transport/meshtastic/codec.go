package meshtastic

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nadzzz/meshbridge/internal/message"
)

// Stream framing: two magic bytes, a big-endian length, then a protobuf.
const (
	start1    = 0x94
	start2    = 0xC3
	headerLen = 4

	// MaxFrame is the largest protobuf the device sends or accepts.
	MaxFrame = 512
)

// ErrDecode is returned for a frame that does not parse as a FromRadio
// message. The stream stays usable.
var ErrDecode = errors.New("meshtastic: undecodable frame")

// ErrFrameTooLarge is returned when an outbound protobuf exceeds MaxFrame.
var ErrFrameTooLarge = errors.New("meshtastic: frame too large")

// wakeBytes are sent before the first request so a sleeping device starts
// talking protobufs.
var wakeBytes = []byte(strings.Repeat(string([]byte{start2}), 32))

// ToRadio field numbers.
const (
	toRadioPacket       protowire.Number = 1
	toRadioWantConfigID protowire.Number = 3
	toRadioDisconnect   protowire.Number = 4
)

// FromRadio field numbers.
const (
	fromRadioPacket         protowire.Number = 2
	fromRadioMyInfo         protowire.Number = 3
	fromRadioLogRecord      protowire.Number = 6
	fromRadioConfigComplete protowire.Number = 7
	fromRadioRebooted       protowire.Number = 8
)

// MeshPacket and Data field numbers.
const (
	packetFrom     protowire.Number = 1
	packetTo       protowire.Number = 2
	packetChannel  protowire.Number = 3
	packetDecoded  protowire.Number = 4
	packetID       protowire.Number = 6
	packetHopLimit protowire.Number = 9
	packetWantAck  protowire.Number = 10

	dataPortNum protowire.Number = 1
	dataPayload protowire.Number = 2
)

// Application port numbers.
const (
	portText uint64 = 1
)

var portNames = map[uint64]string{
	0:  "UNKNOWN_APP",
	1:  message.PortNumTextMessage,
	3:  "POSITION_APP",
	4:  "NODEINFO_APP",
	5:  "ROUTING_APP",
	6:  "ADMIN_APP",
	7:  "TEXT_MESSAGE_COMPRESSED_APP",
	8:  "WAYPOINT_APP",
	65: "STORE_FORWARD_APP",
	67: "TELEMETRY_APP",
	70: "TRACEROUTE_APP",
	71: "NEIGHBORINFO_APP",
	73: "MAP_REPORT_APP",
}

// PortName returns the symbolic name of an application port number.
func PortName(n uint64) string {
	if name, ok := portNames[n]; ok {
		return name
	}
	return fmt.Sprintf("PORTNUM_%d", n)
}

// writeFrame writes one framed protobuf.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, 0, headerLen+len(payload))
	buf = append(buf, start1, start2, byte(len(payload)>>8), byte(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// frameReader extracts frames from a byte stream that may interleave device
// debug text between them.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 2*MaxFrame)}
}

// next returns the next frame payload, skipping anything that is not a frame.
func (fr *frameReader) next() ([]byte, error) {
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != start1 {
			continue
		}

		b, err = fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != start2 {
			if b == start1 {
				_ = fr.r.UnreadByte()
			}
			continue
		}

		var hdr [2]byte
		if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
			return nil, err
		}
		n := int(hdr[0])<<8 | int(hdr[1])
		if n > MaxFrame {
			continue
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}

func encodeWantConfig(id uint32) []byte {
	b := protowire.AppendTag(nil, toRadioWantConfigID, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(id))
}

func encodeDisconnect() []byte {
	b := protowire.AppendTag(nil, toRadioDisconnect, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

// encodeText builds a ToRadio carrying a text MeshPacket.
func encodeText(to message.NodeID, id, hopLimit uint32, text string, wantAck bool) []byte {
	var data []byte
	data = protowire.AppendTag(data, dataPortNum, protowire.VarintType)
	data = protowire.AppendVarint(data, portText)
	data = protowire.AppendTag(data, dataPayload, protowire.BytesType)
	data = protowire.AppendString(data, text)

	var pkt []byte
	pkt = protowire.AppendTag(pkt, packetTo, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, uint32(to))
	pkt = protowire.AppendTag(pkt, packetDecoded, protowire.BytesType)
	pkt = protowire.AppendBytes(pkt, data)
	pkt = protowire.AppendTag(pkt, packetID, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, id)
	if hopLimit > 0 {
		pkt = protowire.AppendTag(pkt, packetHopLimit, protowire.VarintType)
		pkt = protowire.AppendVarint(pkt, uint64(hopLimit))
	}
	if wantAck {
		pkt = protowire.AppendTag(pkt, packetWantAck, protowire.VarintType)
		pkt = protowire.AppendVarint(pkt, 1)
	}

	b := protowire.AppendTag(nil, toRadioPacket, protowire.BytesType)
	return protowire.AppendBytes(b, pkt)
}

// fromRadio is the subset of a FromRadio message the link acts on.
type fromRadio struct {
	packet            *message.Packet
	myNodeNum         uint32
	hasMyInfo         bool
	configCompleteID  uint32
	hasConfigComplete bool
	rebooted          bool
	logLine           string
}

type fieldFunc func(num protowire.Number, typ protowire.Type, scalar uint64, raw []byte) error

// walk calls fn for each field in b. Groups are skipped.
func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var (
			scalar uint64
			raw    []byte
		)
		switch typ {
		case protowire.VarintType:
			scalar, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			scalar = uint64(v)
		case protowire.Fixed64Type:
			scalar, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, scalar, raw); err != nil {
			return err
		}
	}
	return nil
}

func decodeFromRadio(b []byte) (fromRadio, error) {
	var fr fromRadio
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch {
		case num == fromRadioPacket && typ == protowire.BytesType:
			p, err := decodePacket(raw)
			if err != nil {
				return err
			}
			fr.packet = &p
		case num == fromRadioMyInfo && typ == protowire.BytesType:
			fr.hasMyInfo = true
			return walk(raw, func(num protowire.Number, typ protowire.Type, v uint64, _ []byte) error {
				if num == 1 && typ == protowire.VarintType {
					fr.myNodeNum = uint32(v)
				}
				return nil
			})
		case num == fromRadioConfigComplete && typ == protowire.VarintType:
			fr.hasConfigComplete = true
			fr.configCompleteID = uint32(v)
		case num == fromRadioRebooted && typ == protowire.VarintType:
			fr.rebooted = v != 0
		case num == fromRadioLogRecord && typ == protowire.BytesType:
			return walk(raw, func(num protowire.Number, typ protowire.Type, _ uint64, raw []byte) error {
				if num == 1 && typ == protowire.BytesType {
					fr.logLine = string(raw)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return fromRadio{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return fr, nil
}

func decodePacket(b []byte) (message.Packet, error) {
	var p message.Packet
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case packetFrom:
			p.From = uint32(v)
		case packetTo:
			p.To = uint32(v)
		case packetChannel:
			p.Channel = uint32(v)
		case packetID:
			p.ID = uint32(v)
		case packetDecoded:
			if typ != protowire.BytesType {
				return nil
			}
			d, err := decodeData(raw)
			if err != nil {
				return err
			}
			p.Decoded = &d
		}
		return nil
	})
	if err != nil {
		return message.Packet{}, err
	}

	p.FromID = message.NodeID(p.From).String()
	p.ToID = message.NodeID(p.To).String()
	return p, nil
}

func decodeData(b []byte) (message.Decoded, error) {
	var (
		d    message.Decoded
		port uint64
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch {
		case num == dataPortNum && typ == protowire.VarintType:
			port = v
		case num == dataPayload && typ == protowire.BytesType:
			d.Payload = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return message.Decoded{}, err
	}

	d.PortNum = PortName(port)
	if port == portText {
		d.Text = strings.ToValidUTF8(string(d.Payload), "")
	}
	return d, nil
}
