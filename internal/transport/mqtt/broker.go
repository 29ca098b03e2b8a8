package mqtt

import (
	"fmt"
	"log/slog"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/rs/zerolog"
)

// authHook wraps auth.Hook to log failed authentication attempts.
type authHook struct {
	auth.Hook
	log zerolog.Logger
}

func (h *authHook) OnConnectAuthenticate(cl *mochi.Client, pk packets.Packet) bool {
	ok := h.Hook.OnConnectAuthenticate(cl, pk)
	if !ok {
		h.log.Warn().
			Str("username", string(pk.Connect.Username)).
			Str("remote", cl.Net.Remote).
			Msg("mqtt authentication failed")
	}
	return ok
}

// Broker is an embedded MQTT broker for single-box deployments where no
// external broker is available.
type Broker struct {
	addr     string
	username string
	password string
	log      zerolog.Logger
	server   *mochi.Server
}

// NewBroker creates a broker listening on addr. With an empty username every
// client is allowed; otherwise only the given credentials are.
func NewBroker(addr, username, password string, logger zerolog.Logger) *Broker {
	return &Broker{
		addr:     addr,
		username: username,
		password: password,
		log:      logger.With().Str("component", "mqtt-broker").Logger(),
	}
}

// Start initializes the broker and begins serving in the background.
func (b *Broker) Start() error {
	b.server = mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(b.log, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})

	if b.username == "" {
		if err := b.server.AddHook(new(auth.AllowHook), nil); err != nil {
			return fmt.Errorf("adding allow hook: %w", err)
		}
	} else {
		err := b.server.AddHook(&authHook{log: b.log}, &auth.Options{
			Ledger: &auth.Ledger{
				Auth: auth.AuthRules{
					{Username: auth.RString(b.username), Password: auth.RString(b.password), Allow: true},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("adding auth hook: %w", err)
		}
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: b.addr})
	if err := b.server.AddListener(tcp); err != nil {
		return fmt.Errorf("adding listener on %s: %w", b.addr, err)
	}

	go func() {
		if err := b.server.Serve(); err != nil {
			b.log.Error().Err(err).Msg("mqtt broker error")
		}
	}()

	b.log.Info().Str("addr", b.addr).Msg("mqtt broker started")
	return nil
}

// Publish injects a message from inside the broker process.
func (b *Broker) Publish(topic, payload string, retain bool) error {
	if b.server == nil {
		return fmt.Errorf("publish %s: broker not started", topic)
	}
	return b.server.Publish(topic, []byte(payload), retain, 0)
}

// Close gracefully shuts down the broker.
func (b *Broker) Close() error {
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}
