// Meshbridge connects a Meshtastic radio to an MQTT broker. Mesh users ask
// questions by keyword and get the latest value of the matching topic back;
// broker clients push text onto the mesh through a control topic.
//
// Usage:
//
//	meshbridge [--config meshbridge.yaml] [run]
//	meshbridge init-config [--force] [path]
//	meshbridge journal [-n 20]
//	meshbridge send --address CE:6E:13:A3:20:93 --text "Hello there"
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/nadzzz/meshbridge/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// globalFlags holds the options shared by every command.
type globalFlags struct {
	ConfigFile string
	LogLevel   string
	LogFile    string
}

// load reads the configuration and applies command-line overrides.
func (f *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if f.LogLevel != "" {
		cfg.Logging.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Logging.File = f.LogFile
	}
	return cfg, nil
}

func main() {
	flags := &globalFlags{}

	app := &cli.Command{
		Name:      "meshbridge",
		Usage:     "Bridge a Meshtastic mesh and an MQTT broker",
		UsageText: "meshbridge [global options] [command [command options]]",
		Description: `Meshbridge answers keyword questions from mesh users with the latest value
of the matching MQTT topic, and delivers "ADDRESS@TEXT" requests published on
the control topic to mesh nodes.

Run 'meshbridge' with no command to start the daemon.`,
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file (e.g. configs/meshbridge.yaml)",
				Sources:     cli.EnvVars("MESHBRIDGE_CONFIG"),
				Destination: &flags.ConfigFile,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error), overrides the config file",
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to a rotated log file, overrides the config file",
				Destination: &flags.LogFile,
			},
		},
		Commands: []*cli.Command{
			newRunCmd(flags),
			newInitConfigCmd(),
			newJournalCmd(flags),
			newSendCmd(flags),
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() > 0 {
				return fmt.Errorf("unknown command %q. Run 'meshbridge --help' for usage", c.Args().First())
			}
			return runDaemon(ctx, flags)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "meshbridge: %v\n", err)
		os.Exit(1)
	}
}
