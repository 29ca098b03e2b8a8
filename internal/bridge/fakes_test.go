package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nadzzz/meshbridge/internal/chunker"
	"github.com/nadzzz/meshbridge/internal/journal"
	"github.com/nadzzz/meshbridge/internal/message"
	"github.com/nadzzz/meshbridge/internal/router"
	"github.com/nadzzz/meshbridge/internal/topiccache"
	"github.com/nadzzz/meshbridge/internal/transport"
)

const controlTopic = "meshbridge/send"

var (
	clock  = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	selfID = message.NodeInfo{Num: 0x0a0b0c0d, ID: "!0a0b0c0d"}

	defaultTable = router.Table{
		{Word: "weather", Topic: "sensors/weather"},
		{Word: "status", Topic: "system/status"},
		{Word: "temp", Topic: "sensors/temperature"},
		{Word: "ping", Topic: "system/ping"},
	}
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type sentText struct {
	to   message.NodeID
	text string
}

type fakeMesh struct {
	rec        *recorder
	info       message.NodeInfo
	hasInfo    bool
	connectErr error
	sendErr    error
	packets    chan message.Packet

	mu   sync.Mutex
	sent []sentText
}

func newFakeMesh(rec *recorder) *fakeMesh {
	return &fakeMesh{rec: rec, info: selfID, hasInfo: true, packets: make(chan message.Packet, 16)}
}

func (m *fakeMesh) Name() string { return "fake-mesh" }

func (m *fakeMesh) Connect(context.Context) error {
	m.rec.add("mesh.connect")
	return m.connectErr
}

func (m *fakeMesh) MyNodeInfo() (message.NodeInfo, bool) { return m.info, m.hasInfo }

func (m *fakeMesh) SendText(_ context.Context, to message.NodeID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentText{to: to, text: text})
	return nil
}

func (m *fakeMesh) Sent() []sentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentText(nil), m.sent...)
}

func (m *fakeMesh) Packets() <-chan message.Packet { return m.packets }

func (m *fakeMesh) Close() error {
	m.rec.add("mesh.close")
	return nil
}

type fakeBroker struct {
	rec        *recorder
	connectErr error
	msgs       chan message.BrokerMessage

	mu      sync.Mutex
	topics  []string
	onState transport.StateFunc
}

func newFakeBroker(rec *recorder) *fakeBroker {
	return &fakeBroker{rec: rec, msgs: make(chan message.BrokerMessage, 16)}
}

func (f *fakeBroker) Name() string { return "fake-broker" }

func (f *fakeBroker) Connect(_ context.Context, topics []string) error {
	f.rec.add("broker.connect")
	f.mu.Lock()
	f.topics = append([]string(nil), topics...)
	f.mu.Unlock()
	return f.connectErr
}

func (f *fakeBroker) Publish(context.Context, string, string) error { return nil }

func (f *fakeBroker) Messages() <-chan message.BrokerMessage { return f.msgs }

func (f *fakeBroker) Close() error {
	f.rec.add("broker.close")
	return nil
}

func (f *fakeBroker) OnStateChange(fn transport.StateFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeBroker) report(s transport.State, err error) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(s, err)
}

type memJournal struct {
	rec *recorder

	mu      sync.Mutex
	entries []journal.Entry
}

func (j *memJournal) Append(_ context.Context, e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) Entries() []journal.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Entry(nil), j.entries...)
}

func (j *memJournal) Close() error {
	j.rec.add("journal.close")
	return nil
}

type harness struct {
	bridge  *Bridge
	mesh    *fakeMesh
	broker  *fakeBroker
	journal *memJournal
	rec     *recorder
	settles []time.Duration
}

func newHarness(opts Options) *harness {
	rec := &recorder{}
	h := &harness{
		mesh:    newFakeMesh(rec),
		broker:  newFakeBroker(rec),
		journal: &memJournal{rec: rec},
		rec:     rec,
	}

	if opts.ControlTopic == "" {
		opts.ControlTopic = controlTopic
	}
	opts.Cache = topiccache.New(topiccache.DefaultTTL)
	opts.Chunker = chunker.Default().WithWait(func(context.Context, time.Duration) error { return nil })
	opts.Journal = h.journal
	opts.Logger = zerolog.Nop()
	opts.Now = func() time.Time { return clock }
	opts.Wait = func(_ context.Context, d time.Duration) error {
		rec.add("settle")
		h.settles = append(h.settles, d)
		return nil
	}

	h.bridge = New(h.mesh, h.broker, defaultTable, opts)
	return h
}

func textPacket(from uint32, to uint32, text string) message.Packet {
	return message.Packet{
		From:    from,
		To:      to,
		Decoded: &message.Decoded{PortNum: message.PortNumTextMessage, Text: text},
	}
}
