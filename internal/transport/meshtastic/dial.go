package meshtastic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarm/serial"
)

// DefaultTCPPort is the port a networked radio serves the stream API on.
const DefaultTCPPort = 4403

// DefaultBaudRate is the serial speed Meshtastic firmware uses.
const DefaultBaudRate = 115200

// serialReadTimeout lets a blocked read notice Close.
const serialReadTimeout = 500 * time.Millisecond

// NewSerial creates a link to a radio on a USB serial port.
func NewSerial(port string, baud int, configTimeout time.Duration, logger zerolog.Logger) *StreamLink {
	return NewStream(Config{
		Name:          "serial",
		Dial:          SerialDialer(port, baud),
		ConfigTimeout: configTimeout,
		Logger:        logger.With().Str("port", port).Logger(),
	})
}

// NewTCP creates a link to a networked radio. addr may omit the port.
func NewTCP(addr string, configTimeout time.Duration, logger zerolog.Logger) *StreamLink {
	addr = WithDefaultPort(addr)
	return NewStream(Config{
		Name:          "tcp",
		Dial:          TCPDialer(addr),
		ConfigTimeout: configTimeout,
		Logger:        logger.With().Str("address", addr).Logger(),
	})
}

// WithDefaultPort appends DefaultTCPPort to addr when it has no port.
func WithDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(DefaultTCPPort))
}

// TCPDialer dials addr over TCP.
func TCPDialer(addr string) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", addr, err)
		}
		return conn, nil
	}
}

// SerialDialer opens a serial port.
func SerialDialer(name string, baud int) Dialer {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return func(context.Context) (io.ReadWriteCloser, error) {
		p, err := serial.OpenPort(&serial.Config{
			Name:        name,
			Baud:        baud,
			ReadTimeout: serialReadTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", name, err)
		}
		return &serialPort{port: p}, nil
	}
}

// serialPort turns read timeouts into retries so the frame reader sees a
// continuous stream, and ends the stream once closed.
type serialPort struct {
	port   *serial.Port
	closed atomic.Bool
}

func (s *serialPort) Read(b []byte) (int, error) {
	for {
		n, err := s.port.Read(b)
		if n > 0 {
			return n, nil
		}
		if s.closed.Load() {
			return 0, io.EOF
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
	}
}

func (s *serialPort) Write(b []byte) (int, error) {
	if s.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	return s.port.Write(b)
}

func (s *serialPort) Close() error {
	s.closed.Store(true)
	return s.port.Close()
}
