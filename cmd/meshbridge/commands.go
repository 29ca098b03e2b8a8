package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/nadzzz/meshbridge/internal/bridge"
	"github.com/nadzzz/meshbridge/internal/config"
	"github.com/nadzzz/meshbridge/internal/journal"
	mqtttransport "github.com/nadzzz/meshbridge/internal/transport/mqtt"
)

const defaultConfigPath = "meshbridge.yaml"

func newInitConfigCmd() *cli.Command {
	var force bool
	return &cli.Command{
		Name:      "init-config",
		Usage:     "write a sample configuration file",
		UsageText: "meshbridge init-config [--force] [path]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "force",
				Aliases:     []string{"f"},
				Usage:       "overwrite an existing file",
				Destination: &force,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			path := c.Args().First()
			if path == "" {
				path = defaultConfigPath
			}
			return writeSample(path, force)
		},
	}
}

func writeSample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		}
	}
	data, err := config.Sample()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing sample config: %w", err)
	}
	fmt.Printf("wrote sample configuration to %s\n", path)
	return nil
}

func newJournalCmd(flags *globalFlags) *cli.Command {
	var n int
	return &cli.Command{
		Name:  "journal",
		Usage: "print the most recent chat history records",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "n",
				Usage:       "number of records, 0 for all",
				Value:       10,
				Destination: &n,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			records, err := journal.ReadLast(cfg.Daemon.JournalFile, n)
			if err != nil {
				return fmt.Errorf("reading journal: %w", err)
			}
			if len(records) == 0 {
				fmt.Fprintln(c.Root().Writer, "no chat history")
				return nil
			}
			fmt.Fprintln(c.Root().Writer, strings.Join(records, "\n\n"))
			return nil
		},
	}
}

func newSendCmd(flags *globalFlags) *cli.Command {
	var addr, text string
	return &cli.Command{
		Name:      "send",
		Usage:     "ask a running bridge to deliver text to a mesh node",
		UsageText: `meshbridge send --address CE:6E:13:A3:20:93 --text "Hello there"`,
		Description: `Publishes "ADDRESS@TEXT" on the configured control topic. ADDRESS is a
hardware address; the bridge derives the node id from its last four bytes.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "address",
				Aliases:     []string{"a"},
				Usage:       "destination hardware address",
				Required:    true,
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "text",
				Aliases:     []string{"t"},
				Usage:       "message text",
				Required:    true,
				Destination: &text,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return sendControl(ctx, cfg, addr+"@"+text)
		},
	}
}

func sendControl(ctx context.Context, cfg *config.Config, payload string) error {
	if _, err := bridge.ParseControl(payload); err != nil {
		return err
	}

	client := mqtttransport.New(mqtttransport.Config{
		Broker:         cfg.MQTT.Broker,
		Port:           cfg.MQTT.Port,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ClientID:       fmt.Sprintf("%s-send-%d", cfg.MQTT.ClientID, time.Now().UnixNano()),
		ConnectTimeout: 10 * time.Second,
		QoS:            1,
	}, zerolog.Nop())
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := client.Connect(ctx, nil); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	if err := client.Publish(ctx, cfg.MQTT.ControlTopic, payload); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("publish timed out: %w", err)
		}
		return err
	}
	fmt.Printf("published to %s\n", cfg.MQTT.ControlTopic)
	return nil
}
