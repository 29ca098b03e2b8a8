// Package meshtastic implements transport.MeshLink over the Meshtastic
// stream API, the framed protobuf protocol a radio speaks on its USB serial
// port and on TCP port 4403.
//
// The link wakes the device, asks for its configuration, learns its own node
// number from the reply and then delivers every decoded MeshPacket on the
// Packets channel. Frames that fail to decode are logged and skipped.
package meshtastic

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nadzzz/meshbridge/internal/message"
	"github.com/nadzzz/meshbridge/internal/transport"
)

const (
	// DefaultHopLimit is the hop limit stamped on outbound packets.
	DefaultHopLimit = 3

	// DefaultConfigTimeout bounds the wait for the device's configuration.
	DefaultConfigTimeout = 10 * time.Second

	packetBuffer = 64
)

var (
	// ErrNotConnected is returned by SendText before Connect or after Close.
	ErrNotConnected = errors.New("meshtastic: link not connected")

	// ErrConfigTimeout is returned by Connect when the device never reports
	// its configuration.
	ErrConfigTimeout = errors.New("meshtastic: timed out waiting for device configuration")
)

// Dialer opens the byte stream to the device.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// Config configures a StreamLink.
type Config struct {
	// Name identifies the physical transport, e.g. "serial" or "tcp".
	Name string

	Dial          Dialer
	ConfigTimeout time.Duration
	HopLimit      uint32
	WantAck       bool
	Logger        zerolog.Logger
}

// StreamLink is a MeshLink over any framed byte stream.
type StreamLink struct {
	name     string
	dial     Dialer
	timeout  time.Duration
	hopLimit uint32
	wantAck  bool
	log      zerolog.Logger

	wmu      sync.Mutex
	rwc      io.ReadWriteCloser
	packets  chan message.Packet
	closed   chan struct{}
	readDone chan struct{}
	ready    chan struct{}

	readyOnce sync.Once
	closeOnce sync.Once

	info     atomic.Pointer[message.NodeInfo]
	configID uint32
	nextID   atomic.Uint32

	smu     sync.Mutex
	onState transport.StateFunc
}

// NewStream creates a link that reaches the device through cfg.Dial.
func NewStream(cfg Config) *StreamLink {
	if cfg.ConfigTimeout <= 0 {
		cfg.ConfigTimeout = DefaultConfigTimeout
	}
	if cfg.HopLimit == 0 {
		cfg.HopLimit = DefaultHopLimit
	}
	if cfg.Name == "" {
		cfg.Name = "stream"
	}

	s := &StreamLink{
		name:     cfg.Name,
		dial:     cfg.Dial,
		timeout:  cfg.ConfigTimeout,
		hopLimit: cfg.HopLimit,
		wantAck:  cfg.WantAck,
		log:      cfg.Logger.With().Str("component", "meshtastic").Str("transport", cfg.Name).Logger(),
		packets:  make(chan message.Packet, packetBuffer),
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
		ready:    make(chan struct{}),
	}
	s.nextID.Store(randomUint32())
	return s
}

// Name returns the transport identifier.
func (s *StreamLink) Name() string { return s.name }

// OnStateChange registers fn to be told when the stream ends on its own.
func (s *StreamLink) OnStateChange(fn transport.StateFunc) {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.onState = fn
}

func (s *StreamLink) notify(state transport.State, err error) {
	s.smu.Lock()
	fn := s.onState
	s.smu.Unlock()
	if fn != nil {
		fn(state, err)
	}
}

// Connect opens the stream, wakes the device and requests its configuration.
// It returns once the device has reported its node info or finished sending
// its configuration.
func (s *StreamLink) Connect(ctx context.Context) error {
	if s.dial == nil {
		return errors.New("meshtastic: no dialer configured")
	}

	rwc, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("opening %s stream: %w", s.name, err)
	}

	s.wmu.Lock()
	s.rwc = rwc
	s.wmu.Unlock()

	s.configID = randomUint32()
	go s.readLoop(rwc)

	if err := s.write(wakeBytes, false); err != nil {
		return fmt.Errorf("waking device: %w", err)
	}
	if err := s.write(encodeWantConfig(s.configID), true); err != nil {
		return fmt.Errorf("requesting device config: %w", err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		info, _ := s.MyNodeInfo()
		s.log.Info().Str("node_id", info.ID).Msg("device connected")
		return nil
	case <-s.readDone:
		return fmt.Errorf("%s stream closed during handshake", s.name)
	case <-timer.C:
		return ErrConfigTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// write sends raw bytes, or a framed protobuf when framed is set.
func (s *StreamLink) write(b []byte, framed bool) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.rwc == nil {
		return ErrNotConnected
	}
	select {
	case <-s.closed:
		return ErrNotConnected
	default:
	}

	if framed {
		return writeFrame(s.rwc, b)
	}
	_, err := s.rwc.Write(b)
	return err
}

func (s *StreamLink) readLoop(r io.Reader) {
	defer close(s.readDone)
	defer close(s.packets)

	fr := newFrameReader(r)
	for {
		frame, err := fr.next()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.log.Error().Err(err).Msg("device stream ended")
				s.notify(transport.Disconnected, err)
			}
			return
		}

		msg, err := decodeFromRadio(frame)
		if err != nil {
			s.log.Info().Err(err).Int("bytes", len(frame)).Msg("skipping frame")
			continue
		}
		s.handle(msg)

		if msg.packet == nil {
			continue
		}
		select {
		case s.packets <- *msg.packet:
		case <-s.closed:
			return
		}
	}
}

func (s *StreamLink) handle(msg fromRadio) {
	switch {
	case msg.hasMyInfo:
		info := message.NodeInfo{Num: msg.myNodeNum, ID: message.NodeID(msg.myNodeNum).String()}
		s.info.Store(&info)
		s.log.Debug().Str("node_id", info.ID).Msg("device reported node info")
		s.readyOnce.Do(func() { close(s.ready) })
	case msg.hasConfigComplete:
		if msg.configCompleteID != s.configID {
			s.log.Debug().Uint32("config_id", msg.configCompleteID).Msg("config complete for another request")
		}
		s.readyOnce.Do(func() { close(s.ready) })
	case msg.rebooted:
		s.log.Warn().Msg("device rebooted")
	case msg.logLine != "":
		s.log.Debug().Str("device_log", msg.logLine).Msg("device log")
	}
}

// MyNodeInfo returns the node info the device reported during the handshake.
func (s *StreamLink) MyNodeInfo() (message.NodeInfo, bool) {
	info := s.info.Load()
	if info == nil || info.Num == 0 {
		return message.NodeInfo{}, false
	}
	return *info, true
}

// SendText transmits one text packet. text must already fit the mesh payload.
func (s *StreamLink) SendText(ctx context.Context, to message.NodeID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	id := s.nextID.Add(1)
	if err := s.write(encodeText(to, id, s.hopLimit, text, s.wantAck), true); err != nil {
		return fmt.Errorf("sending to %s: %w", to, err)
	}
	s.log.Debug().Stringer("to", to).Uint32("packet_id", id).Int("bytes", len(text)).Msg("text sent")
	return nil
}

// Packets delivers decoded inbound packets until the stream ends.
func (s *StreamLink) Packets() <-chan message.Packet { return s.packets }

// Close tells the device the client is leaving and closes the stream.
func (s *StreamLink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.wmu.Lock()
		rwc := s.rwc
		if rwc != nil {
			if d, ok := rwc.(interface{ SetWriteDeadline(time.Time) error }); ok {
				_ = d.SetWriteDeadline(time.Now().Add(250 * time.Millisecond))
			}
			_ = writeFrame(rwc, encodeDisconnect())
		}
		close(s.closed)
		s.wmu.Unlock()

		if rwc == nil {
			return
		}
		err = rwc.Close()

		select {
		case <-s.readDone:
		case <-time.After(2 * time.Second):
			s.log.Warn().Msg("reader did not stop in time")
		}
	})
	return err
}

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	v := binary.BigEndian.Uint32(b[:])
	if v == 0 {
		v = 1
	}
	return v
}
