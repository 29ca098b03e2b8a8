package meshtastic

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nadzzz/meshbridge/internal/message"
	"github.com/nadzzz/meshbridge/internal/transport"
)

const radioNode = 0x13a32093

func frame(payload []byte) []byte {
	var buf bytes.Buffer
	_ = writeFrame(&buf, payload)
	return buf.Bytes()
}

func myInfoMsg(num uint32) []byte {
	inner := protowire.AppendTag(nil, 1, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(num))
	b := protowire.AppendTag(nil, fromRadioMyInfo, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func configCompleteMsg(id uint32) []byte {
	b := protowire.AppendTag(nil, fromRadioConfigComplete, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(id))
}

func packetMsg(from, to uint32, port uint64, payload []byte) []byte {
	data := protowire.AppendTag(nil, dataPortNum, protowire.VarintType)
	data = protowire.AppendVarint(data, port)
	data = protowire.AppendTag(data, dataPayload, protowire.BytesType)
	data = protowire.AppendBytes(data, payload)

	pkt := protowire.AppendTag(nil, packetFrom, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, from)
	pkt = protowire.AppendTag(pkt, packetTo, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, to)
	pkt = protowire.AppendTag(pkt, packetDecoded, protowire.BytesType)
	pkt = protowire.AppendBytes(pkt, data)

	b := protowire.AppendTag(nil, fromRadioPacket, protowire.BytesType)
	return protowire.AppendBytes(b, pkt)
}

// decodeToRadio picks apart a ToRadio message the way the firmware would.
func decodeToRadio(t *testing.T, b []byte) (pkt *message.Packet, wantConfig uint32, disconnect bool) {
	t.Helper()
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case toRadioPacket:
			p, err := decodePacket(raw)
			if err != nil {
				return err
			}
			pkt = &p
		case toRadioWantConfigID:
			wantConfig = uint32(v)
		case toRadioDisconnect:
			disconnect = v != 0
		}
		return nil
	})
	require.NoError(t, err)
	return pkt, wantConfig, disconnect
}

type fakeRadio struct {
	t      *testing.T
	conn   net.Conn
	silent bool

	sent        chan message.Packet
	disconnects chan struct{}
	wmu         sync.Mutex
}

func newFakeRadio(t *testing.T, conn net.Conn) *fakeRadio {
	return &fakeRadio{
		t:           t,
		conn:        conn,
		sent:        make(chan message.Packet, 16),
		disconnects: make(chan struct{}, 1),
	}
}

func (r *fakeRadio) write(b []byte) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	_, _ = r.conn.Write(b)
}

func (r *fakeRadio) serve() {
	fr := newFrameReader(r.conn)
	for {
		payload, err := fr.next()
		if err != nil {
			return
		}

		pkt, wantConfig, disconnect := decodeToRadio(r.t, payload)
		switch {
		case wantConfig != 0 && !r.silent:
			r.write(frame(myInfoMsg(radioNode)))
			r.write([]byte("INFO | ??:??:?? 3 [Router] debug output\r\n"))
			r.write(frame(configCompleteMsg(wantConfig)))
		case pkt != nil:
			r.sent <- *pkt
		case disconnect:
			r.disconnects <- struct{}{}
		}
	}
}

func pipeLink(t *testing.T, timeout time.Duration) (*StreamLink, *fakeRadio) {
	t.Helper()
	client, device := net.Pipe()
	t.Cleanup(func() { _ = device.Close() })

	radio := newFakeRadio(t, device)
	link := NewStream(Config{
		Name:          "pipe",
		ConfigTimeout: timeout,
		Logger:        zerolog.Nop(),
		Dial: func(context.Context) (io.ReadWriteCloser, error) {
			return client, nil
		},
	})
	t.Cleanup(func() { _ = link.Close() })
	return link, radio
}

func TestEncodeText(t *testing.T) {
	b := encodeText(0xaabbccdd, 42, DefaultHopLimit, "Ping: pong", false)

	pkt, _, _ := decodeToRadio(t, b)
	require.NotNil(t, pkt)
	assert.Equal(t, uint32(0xaabbccdd), pkt.To)
	assert.Equal(t, uint32(42), pkt.ID)
	require.NotNil(t, pkt.Decoded)
	assert.Equal(t, message.PortNumTextMessage, pkt.Decoded.PortNum)
	assert.Equal(t, "Ping: pong", pkt.Decoded.Text)
}

func TestFrameReader_ResyncsOverNoise(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteString("boot log line\n")
	stream.Write(wakeBytes)
	stream.WriteByte(start1)
	stream.Write(frame([]byte("first")))
	stream.Write([]byte{start1, start2, 0xFF, 0xFF})
	stream.Write(frame([]byte("second")))

	fr := newFrameReader(&stream)

	got, err := fr.next()
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	got, err = fr.next()
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	_, err = fr.next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteFrame_TooLarge(t *testing.T) {
	err := writeFrame(io.Discard, make([]byte, MaxFrame+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeFromRadio(t *testing.T) {
	t.Run("garbage", func(t *testing.T) {
		_, err := decodeFromRadio([]byte{0xff, 0xff, 0xff})
		assert.ErrorIs(t, err, ErrDecode)
	})

	t.Run("my info", func(t *testing.T) {
		fr, err := decodeFromRadio(myInfoMsg(radioNode))
		require.NoError(t, err)
		assert.True(t, fr.hasMyInfo)
		assert.Equal(t, uint32(radioNode), fr.myNodeNum)
	})

	t.Run("text packet drops invalid utf-8", func(t *testing.T) {
		fr, err := decodeFromRadio(packetMsg(0xaabbccdd, radioNode, portText, []byte{'h', 'i', 0xff}))
		require.NoError(t, err)
		require.NotNil(t, fr.packet)
		assert.Equal(t, "!aabbccdd", fr.packet.FromID)
		assert.Equal(t, "!13a32093", fr.packet.ToID)
		assert.Equal(t, "hi", fr.packet.Decoded.Text)
	})

	t.Run("non-text packet keeps payload only", func(t *testing.T) {
		fr, err := decodeFromRadio(packetMsg(1, 2, 3, []byte{1, 2, 3}))
		require.NoError(t, err)
		require.NotNil(t, fr.packet)
		assert.Equal(t, "POSITION_APP", fr.packet.Decoded.PortNum)
		assert.Empty(t, fr.packet.Decoded.Text)
		assert.Equal(t, []byte{1, 2, 3}, fr.packet.Decoded.Payload)
	})
}

func TestPortName(t *testing.T) {
	assert.Equal(t, "TEXT_MESSAGE_APP", PortName(1))
	assert.Equal(t, "TELEMETRY_APP", PortName(67))
	assert.Equal(t, "PORTNUM_999", PortName(999))
}

func TestStreamLink_HandshakeReceiveAndSend(t *testing.T) {
	link, radio := pipeLink(t, time.Second)
	go radio.serve()

	ctx := context.Background()
	require.NoError(t, link.Connect(ctx))

	info, ok := link.MyNodeInfo()
	require.True(t, ok)
	assert.Equal(t, message.NodeInfo{Num: radioNode, ID: "!13a32093"}, info)

	// an undecodable frame is skipped and the next packet still arrives
	radio.write(frame([]byte{0xff, 0xff, 0xff}))
	radio.write(frame(packetMsg(0xaabbccdd, radioNode, portText, []byte("PING?"))))

	select {
	case p := <-link.Packets():
		assert.Equal(t, uint32(0xaabbccdd), p.From)
		assert.Equal(t, "!13a32093", p.ToID)
		require.NotNil(t, p.Decoded)
		assert.Equal(t, "PING?", p.Decoded.TextContent())
	case <-time.After(time.Second):
		t.Fatal("packet not delivered")
	}

	require.NoError(t, link.SendText(ctx, 0xaabbccdd, "Ping: pong"))
	select {
	case p := <-radio.sent:
		assert.Equal(t, uint32(0xaabbccdd), p.To)
		assert.Equal(t, "Ping: pong", p.Decoded.Text)
	case <-time.After(time.Second):
		t.Fatal("radio did not receive text")
	}
}

func TestStreamLink_CloseSaysGoodbye(t *testing.T) {
	link, radio := pipeLink(t, time.Second)
	go radio.serve()
	require.NoError(t, link.Connect(context.Background()))

	require.NoError(t, link.Close())

	select {
	case <-radio.disconnects:
	case <-time.After(time.Second):
		t.Fatal("radio did not receive disconnect")
	}

	_, open := <-link.Packets()
	assert.False(t, open)
	assert.ErrorIs(t, link.SendText(context.Background(), 1, "late"), ErrNotConnected)
}

func TestStreamLink_ConfigTimeout(t *testing.T) {
	link, radio := pipeLink(t, 50*time.Millisecond)
	radio.silent = true
	go radio.serve()

	err := link.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConfigTimeout)
}

func TestStreamLink_DeviceGoesAway(t *testing.T) {
	client, device := net.Pipe()
	radio := newFakeRadio(t, device)
	go radio.serve()

	link := NewStream(Config{
		ConfigTimeout: time.Second,
		Logger:        zerolog.Nop(),
		Dial:          func(context.Context) (io.ReadWriteCloser, error) { return client, nil },
	})
	defer link.Close()

	states := make(chan transport.State, 1)
	link.OnStateChange(func(s transport.State, _ error) { states <- s })

	require.NoError(t, link.Connect(context.Background()))
	require.NoError(t, device.Close())

	select {
	case s := <-states:
		assert.Equal(t, transport.Disconnected, s)
	case <-time.After(time.Second):
		t.Fatal("no state change reported")
	}
	_, open := <-link.Packets()
	assert.False(t, open)
}

func TestSendText_NotConnected(t *testing.T) {
	link := NewStream(Config{Logger: zerolog.Nop()})
	assert.ErrorIs(t, link.SendText(context.Background(), 1, "x"), ErrNotConnected)
}

func TestWithDefaultPort(t *testing.T) {
	assert.Equal(t, "meshtastic.local:4403", WithDefaultPort("meshtastic.local"))
	assert.Equal(t, "10.0.0.5:4000", WithDefaultPort("10.0.0.5:4000"))
	assert.Equal(t, "[fe80::1]:4403", WithDefaultPort("fe80::1"))
}
