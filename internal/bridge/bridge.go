// Package bridge implements the coordinator that ties the mesh radio to the
// pub/sub broker.
//
// The bridge owns both transport handles, the topic cache, the keyword router
// and the journal. Inbound mesh packets and inbound broker messages are each
// consumed by their own goroutine, so a paced multi-part reply only delays
// the next event from the same source.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nadzzz/meshbridge/internal/address"
	"github.com/nadzzz/meshbridge/internal/chunker"
	"github.com/nadzzz/meshbridge/internal/journal"
	"github.com/nadzzz/meshbridge/internal/router"
	"github.com/nadzzz/meshbridge/internal/topiccache"
	"github.com/nadzzz/meshbridge/internal/transport"
)

// DefaultSettleDelay is the pause between broker connect and mesh connect.
const DefaultSettleDelay = 2 * time.Second

var (
	// ErrMalformedControlPayload is returned for a control message without an
	// "@" separator or with no text after it.
	ErrMalformedControlPayload = errors.New("malformed control payload")

	// ErrNoNodeID is returned when neither the device nor the configuration
	// provides this node's identifier.
	ErrNoNodeID = errors.New("own node id unknown")

	// ErrMeshLinkClosed is returned by Run when the mesh link ends on its own.
	ErrMeshLinkClosed = errors.New("mesh link closed")

	// ErrBrokerClosed is returned by Run when the broker message stream ends
	// on its own.
	ErrBrokerClosed = errors.New("broker message stream closed")

	// ErrNotReady is returned by Push while the mesh link is not connected.
	ErrNotReady = errors.New("mesh link not connected")
)

// Options configures a Bridge. Zero values select the defaults.
type Options struct {
	// ControlTopic carries "ADDRESS@TEXT" push requests.
	ControlTopic string

	// NodeID is the configured fallback for this node's identifier, used
	// when the device does not report one.
	NodeID string

	// SettleDelay is waited between broker connect and mesh connect.
	SettleDelay time.Duration

	Cache   *topiccache.Cache
	Chunker *chunker.Chunker
	Journal journal.Journal
	Logger  zerolog.Logger

	// Now and Wait replace the clock and the settle wait in tests.
	Now  func() time.Time
	Wait chunker.WaitFunc
}

// Bridge is the coordinator.
type Bridge struct {
	mesh    transport.MeshLink
	broker  transport.PubSub
	table   router.Table
	router  *router.Router
	cache   *topiccache.Cache
	chunker *chunker.Chunker
	journal journal.Journal
	log     zerolog.Logger

	controlTopic string
	nodeID       string
	settle       time.Duration
	now          func() time.Time
	wait         chunker.WaitFunc

	meshState   atomic.Int32
	brokerState atomic.Int32
	self        atomic.Pointer[address.Self]
	accepting   atomic.Bool
	stopOnce    sync.Once
}

// New creates a bridge between mesh and broker answering from table.
func New(mesh transport.MeshLink, broker transport.PubSub, table router.Table, opts Options) *Bridge {
	if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Cache == nil {
		opts.Cache = topiccache.New(topiccache.DefaultTTL)
	}
	if opts.Chunker == nil {
		opts.Chunker = chunker.Default()
	}
	if opts.Journal == nil {
		opts.Journal = journal.Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Wait == nil {
		opts.Wait = chunker.Sleep
	}

	b := &Bridge{
		mesh:         mesh,
		broker:       broker,
		table:        table,
		router:       router.New(table, opts.Cache).WithClock(opts.Now),
		cache:        opts.Cache,
		chunker:      opts.Chunker,
		journal:      opts.Journal,
		log:          opts.Logger.With().Str("component", "bridge").Logger(),
		controlTopic: opts.ControlTopic,
		nodeID:       opts.NodeID,
		settle:       opts.SettleDelay,
		now:          opts.Now,
		wait:         opts.Wait,
	}

	if n, ok := broker.(transport.Notifier); ok {
		n.OnStateChange(b.onBrokerState)
	}
	if n, ok := mesh.(transport.Notifier); ok {
		n.OnStateChange(b.onMeshState)
	}
	return b
}

// Topics returns every topic the bridge subscribes to: the keyword topics in
// table order followed by the control topic.
func (b *Bridge) Topics() []string {
	topics := b.table.Topics()
	for _, t := range topics {
		if t == b.controlTopic {
			return topics
		}
	}
	return append(topics, b.controlTopic)
}

// Start brings both links up: broker first, then the settle delay, then the
// mesh link. It resolves this node's identifier once the mesh link is up.
// Any failure is fatal to the bridge; the caller should Stop it.
func (b *Bridge) Start(ctx context.Context) error {
	// Step 1: broker, so keyword topics are subscribed before questions arrive.
	b.onBrokerState(transport.Connecting, nil)
	if err := b.broker.Connect(ctx, b.Topics()); err != nil {
		b.onBrokerState(transport.Disconnected, err)
		return &transport.ConnectionError{Transport: b.broker.Name(), Err: err}
	}
	b.onBrokerState(transport.Connected, nil)

	// Step 2: let the subscription handshake land.
	if b.settle > 0 {
		if err := b.wait(ctx, b.settle); err != nil {
			return fmt.Errorf("waiting for subscriptions: %w", err)
		}
	}

	// Step 3: mesh link.
	b.onMeshState(transport.Connecting, nil)
	if err := b.mesh.Connect(ctx); err != nil {
		b.onMeshState(transport.Disconnected, err)
		return &transport.ConnectionError{Transport: b.mesh.Name(), Err: err}
	}
	b.onMeshState(transport.Connected, nil)

	// Step 4: own identity.
	self, err := b.resolveSelf()
	if err != nil {
		return err
	}
	b.self.Store(&self)
	b.accepting.Store(true)

	b.log.Info().
		Str("node_id", self.ID).
		Strs("topics", b.Topics()).
		Int("keywords", len(b.table)).
		Msg("bridge started")
	return nil
}

func (b *Bridge) resolveSelf() (address.Self, error) {
	if info, ok := b.mesh.MyNodeInfo(); ok && info.Num != 0 {
		return address.SelfFromInfo(info), nil
	}
	if b.nodeID == "" {
		return address.Self{}, ErrNoNodeID
	}

	id, err := address.ParseNodeID(b.nodeID)
	if err != nil {
		return address.Self{}, fmt.Errorf("%w: configured node_id: %w", ErrNoNodeID, err)
	}
	b.log.Info().Str("node_id", id.String()).Msg("device did not report its node id, using configured value")
	return address.NewSelf(id), nil
}

// Run starts the bridge and consumes both inbound sources until ctx is
// cancelled or the mesh link fails. It always stops the bridge before
// returning.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.Stop()

	if err := b.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.meshLoop(gctx) })
	g.Go(func() error { return b.brokerLoop(gctx) })
	return g.Wait()
}

func (b *Bridge) meshLoop(ctx context.Context) error {
	packets := b.mesh.Packets()
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-packets:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				b.onMeshState(transport.Disconnected, ErrMeshLinkClosed)
				return ErrMeshLinkClosed
			}
			if ctx.Err() != nil {
				return nil
			}
			b.HandlePacket(ctx, p)
		}
	}
}

func (b *Bridge) brokerLoop(ctx context.Context) error {
	msgs := b.broker.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrBrokerClosed
			}
			if ctx.Err() != nil {
				return nil
			}
			b.HandleBrokerMessage(ctx, m)
		}
	}
}

// Stop shuts the bridge down: it stops accepting mesh events, then closes the
// mesh link, the broker link and the journal, in that order. It is safe to
// call more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.accepting.Store(false)

		if err := b.mesh.Close(); err != nil {
			b.log.Warn().Err(err).Msg("closing mesh link")
		}
		b.onMeshState(transport.Disconnected, nil)

		if err := b.broker.Close(); err != nil {
			b.log.Warn().Err(err).Msg("closing broker link")
		}
		b.onBrokerState(transport.Disconnected, nil)

		if err := b.journal.Close(); err != nil {
			b.log.Warn().Err(err).Msg("closing journal")
		}
		b.log.Info().Msg("bridge stopped")
	})
}

func (b *Bridge) onMeshState(s transport.State, err error) {
	prev := transport.State(b.meshState.Swap(int32(s)))
	if prev == s {
		return
	}
	ev := b.log.Info()
	if err != nil {
		ev = b.log.Error().Err(err)
	}
	ev.Str("link", "mesh").Stringer("state", s).Msg("link state changed")
}

func (b *Bridge) onBrokerState(s transport.State, err error) {
	prev := transport.State(b.brokerState.Swap(int32(s)))
	if prev == s {
		return
	}
	ev := b.log.Info()
	if err != nil {
		// drops are recoverable; the client reconnects on its own
		ev = b.log.Warn().Err(err)
	}
	ev.Str("link", "broker").Stringer("state", s).Msg("link state changed")
}

// Status is a point-in-time view of the bridge.
type Status struct {
	Mesh         transport.State `json:"mesh"`
	Broker       transport.State `json:"broker"`
	NodeID       string          `json:"node_id,omitempty"`
	CachedTopics int             `json:"cached_topics"`
	Keywords     int             `json:"keywords"`
}

// Ready reports whether both links are connected.
func (s Status) Ready() bool {
	return s.Mesh == transport.Connected && s.Broker == transport.Connected
}

// Status returns the current link states, own node id and cache size.
func (b *Bridge) Status() Status {
	st := Status{
		Mesh:         transport.State(b.meshState.Load()),
		Broker:       transport.State(b.brokerState.Load()),
		CachedTopics: b.cache.Len(),
		Keywords:     len(b.table),
	}
	if self := b.self.Load(); self != nil {
		st.NodeID = self.ID
	}
	return st
}
