package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/nadzzz/meshbridge/internal/bridge"
	"github.com/nadzzz/meshbridge/internal/chunker"
	"github.com/nadzzz/meshbridge/internal/config"
	"github.com/nadzzz/meshbridge/internal/health"
	"github.com/nadzzz/meshbridge/internal/journal"
	"github.com/nadzzz/meshbridge/internal/pidfile"
	"github.com/nadzzz/meshbridge/internal/topiccache"
	"github.com/nadzzz/meshbridge/internal/transport"
	grpctransport "github.com/nadzzz/meshbridge/internal/transport/grpc"
	httptransport "github.com/nadzzz/meshbridge/internal/transport/http"
	"github.com/nadzzz/meshbridge/internal/transport/meshtastic"
	mqtttransport "github.com/nadzzz/meshbridge/internal/transport/mqtt"
)

func newRunCmd(flags *globalFlags) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "start the bridge daemon (default)",
		Action: func(ctx context.Context, c *cli.Command) error {
			return runDaemon(ctx, flags)
		},
	}
}

func runDaemon(ctx context.Context, flags *globalFlags) error {
	cfg, err := flags.load()
	if err != nil {
		return err
	}

	logger, logCloser := config.SetupLogging(cfg.Logging, os.Stderr)
	defer logCloser.Close()
	log.Info().Str("version", version).Msg("meshbridge starting")

	// Create root context with signal handling for graceful shutdown.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Daemon.PIDFile != "" {
		if err := pidfile.Write(cfg.Daemon.PIDFile); err != nil {
			return err
		}
		defer func() {
			if err := pidfile.Remove(cfg.Daemon.PIDFile); err != nil {
				log.Warn().Err(err).Msg("pid file cleanup failed")
			}
		}()
	}

	var history journal.Journal = journal.Discard{}
	if cfg.Daemon.JournalFile != "" {
		f, err := journal.Open(cfg.Daemon.JournalFile, version)
		if err != nil {
			return err
		}
		history = f
	}

	if cfg.MQTT.Embedded.Enabled {
		broker := mqtttransport.NewBroker(cfg.MQTT.Embedded.Listen, cfg.MQTT.Username, cfg.MQTT.Password, logger)
		if err := broker.Start(); err != nil {
			_ = history.Close()
			return fmt.Errorf("embedded broker: %w", err)
		}
		defer broker.Close()
	}

	mesh, err := newMeshLink(cfg.Mesh, logger)
	if err != nil {
		_ = history.Close()
		return err
	}

	client := mqtttransport.New(mqtttransport.Config{
		Broker:    cfg.MQTT.Broker,
		Port:      cfg.MQTT.Port,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		ClientID:  cfg.MQTT.ClientID,
		KeepAlive: cfg.MQTT.KeepAlive,
		QoS:       byte(cfg.MQTT.QoS),
	}, logger)

	chunks, err := chunker.New(cfg.Bridge.ChunkSize, cfg.Bridge.ChunkDelay)
	if err != nil {
		_ = history.Close()
		return fmt.Errorf("bridge.chunk_size: %w", err)
	}

	b := bridge.New(mesh, client, cfg.KeywordTable(), bridge.Options{
		ControlTopic: cfg.MQTT.ControlTopic,
		NodeID:       cfg.Mesh.NodeID,
		SettleDelay:  cfg.Bridge.SettleDelay,
		Cache:        topiccache.New(cfg.Bridge.CacheTTL),
		Chunker:      chunks,
		Journal:      history,
		Logger:       logger,
	})
	ready := func() bool { return b.Status().Ready() }

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.Run(gctx) })

	if cfg.Server.HealthPort > 0 {
		hs := health.New(cfg.Server.HealthPort, ready, logger)
		g.Go(func() error { return hs.ListenAndServe(gctx) })
	}
	if cfg.Server.API.Enabled {
		api := httptransport.New(cfg.Server.API.Port, b, logger)
		g.Go(func() error { return api.Listen(gctx) })
	}
	if cfg.Server.GRPC.Enabled {
		gs := grpctransport.New(cfg.Server.GRPC.Port, ready, logger)
		g.Go(func() error { return gs.Listen(gctx) })
	}

	log.Info().
		Str("mesh", mesh.Name()).
		Str("broker", cfg.MQTT.Broker).
		Int("health_port", cfg.Server.HealthPort).
		Msg("meshbridge running")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("meshbridge failed")
		return err
	}
	log.Info().Msg("meshbridge stopped")
	return nil
}

func newMeshLink(cfg config.MeshConfig, logger zerolog.Logger) (transport.MeshLink, error) {
	switch cfg.Transport {
	case config.TransportSerial:
		return meshtastic.NewSerial(cfg.SerialPort, cfg.BaudRate, cfg.ConfigTimeout, logger), nil
	case config.TransportTCP:
		return meshtastic.NewTCP(cfg.Address, cfg.ConfigTimeout, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownTransport, cfg.Transport)
	}
}
