// Package config handles loading and validating the meshbridge configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/nadzzz/meshbridge/internal/router"
)

// Mesh transports.
const (
	TransportSerial = "serial"
	TransportTCP    = "tcp"
)

var (
	ErrUnknownTransport  = errors.New("unknown mesh transport")
	ErrEmptyControlTopic = errors.New("mqtt.control_topic must not be empty")
	ErrInvalidKeyword    = errors.New("keyword and topic must both be set")
	ErrDuplicateKeyword  = errors.New("duplicate keyword")
	ErrInvalidQoS        = errors.New("mqtt.qos must be 0, 1 or 2")
	ErrInvalidPort       = errors.New("port out of range")
)

// Config is the root configuration for the meshbridge daemon.
type Config struct {
	Mesh     MeshConfig      `mapstructure:"mesh" yaml:"mesh"`
	MQTT     MQTTConfig      `mapstructure:"mqtt" yaml:"mqtt"`
	Bridge   BridgeConfig    `mapstructure:"bridge" yaml:"bridge"`
	Keywords []KeywordConfig `mapstructure:"keywords" yaml:"keywords"`
	Daemon   DaemonConfig    `mapstructure:"daemon" yaml:"daemon"`
	Server   ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging  LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// MeshConfig selects and configures the radio link.
type MeshConfig struct {
	Transport  string `mapstructure:"transport" yaml:"transport"` // "serial" or "tcp"
	SerialPort string `mapstructure:"serial_port" yaml:"serial_port"`
	BaudRate   int    `mapstructure:"baud_rate" yaml:"baud_rate"`
	Address    string `mapstructure:"address" yaml:"address"` // host[:port] for tcp

	// NodeID is used when the device does not report its own node number.
	// Accepts "!hex", decimal or a hardware address.
	NodeID        string        `mapstructure:"node_id" yaml:"node_id"`
	ConfigTimeout time.Duration `mapstructure:"config_timeout" yaml:"config_timeout"`
}

// MQTTConfig holds the broker settings.
type MQTTConfig struct {
	Broker       string               `mapstructure:"broker" yaml:"broker"`
	Port         int                  `mapstructure:"port" yaml:"port"`
	Username     string               `mapstructure:"username" yaml:"username"`
	Password     string               `mapstructure:"password" yaml:"password"`
	ClientID     string               `mapstructure:"client_id" yaml:"client_id"`
	KeepAlive    time.Duration        `mapstructure:"keepalive" yaml:"keepalive"`
	QoS          int                  `mapstructure:"qos" yaml:"qos"`
	ControlTopic string               `mapstructure:"control_topic" yaml:"control_topic"`
	Embedded     EmbeddedBrokerConfig `mapstructure:"embedded" yaml:"embedded"`
}

// EmbeddedBrokerConfig runs an in-process broker instead of using an external one.
type EmbeddedBrokerConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// BridgeConfig tunes the coordinator.
type BridgeConfig struct {
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	ChunkSize   int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	ChunkDelay  time.Duration `mapstructure:"chunk_delay" yaml:"chunk_delay"`
}

// KeywordConfig binds a keyword to the topic whose value answers it.
type KeywordConfig struct {
	Keyword string `mapstructure:"keyword" yaml:"keyword"`
	Topic   string `mapstructure:"topic" yaml:"topic"`
}

// DaemonConfig holds process lifecycle files.
type DaemonConfig struct {
	PIDFile     string `mapstructure:"pid_file" yaml:"pid_file"`
	JournalFile string `mapstructure:"journal_file" yaml:"journal_file"`
}

// ServerConfig holds the operator-facing servers.
type ServerConfig struct {
	HealthPort int        `mapstructure:"health_port" yaml:"health_port"`
	API        APIConfig  `mapstructure:"api" yaml:"api"`
	GRPC       GRPCConfig `mapstructure:"grpc" yaml:"grpc"`
}

// APIConfig configures the HTTP operator API.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// GRPCConfig configures the gRPC health service.
type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // console, json
	File   string `mapstructure:"file" yaml:"file"`     // rotated log file, empty for none
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Mesh: MeshConfig{
			Transport:     TransportSerial,
			SerialPort:    "/dev/ttyUSB0",
			BaudRate:      115200,
			Address:       "meshtastic.local:4403",
			ConfigTimeout: 10 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:       "localhost",
			Port:         1883,
			ClientID:     "meshbridge",
			KeepAlive:    60 * time.Second,
			ControlTopic: "meshbridge/send",
			Embedded:     EmbeddedBrokerConfig{Listen: ":1883"},
		},
		Bridge: BridgeConfig{
			SettleDelay: 2 * time.Second,
			CacheTTL:    300 * time.Second,
			ChunkSize:   150,
			ChunkDelay:  5 * time.Second,
		},
		Keywords: []KeywordConfig{
			{Keyword: "weather", Topic: "sensors/weather"},
			{Keyword: "status", Topic: "system/status"},
			{Keyword: "temp", Topic: "sensors/temperature"},
			{Keyword: "ping", Topic: "system/ping"},
		},
		Daemon: DaemonConfig{
			PIDFile:     "/var/run/meshbridge.pid",
			JournalFile: "/var/log/meshbridge_history.md",
		},
		Server: ServerConfig{
			HealthPort: 8081,
			API:        APIConfig{Port: 8080},
			GRPC:       GRPCConfig{Port: 50051},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("mesh.transport", d.Mesh.Transport)
	v.SetDefault("mesh.serial_port", d.Mesh.SerialPort)
	v.SetDefault("mesh.baud_rate", d.Mesh.BaudRate)
	v.SetDefault("mesh.address", d.Mesh.Address)
	v.SetDefault("mesh.node_id", d.Mesh.NodeID)
	v.SetDefault("mesh.config_timeout", d.Mesh.ConfigTimeout)

	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.port", d.MQTT.Port)
	v.SetDefault("mqtt.username", d.MQTT.Username)
	v.SetDefault("mqtt.password", d.MQTT.Password)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.keepalive", d.MQTT.KeepAlive)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)
	v.SetDefault("mqtt.control_topic", d.MQTT.ControlTopic)
	v.SetDefault("mqtt.embedded.enabled", d.MQTT.Embedded.Enabled)
	v.SetDefault("mqtt.embedded.listen", d.MQTT.Embedded.Listen)

	v.SetDefault("bridge.settle_delay", d.Bridge.SettleDelay)
	v.SetDefault("bridge.cache_ttl", d.Bridge.CacheTTL)
	v.SetDefault("bridge.chunk_size", d.Bridge.ChunkSize)
	v.SetDefault("bridge.chunk_delay", d.Bridge.ChunkDelay)

	keywords := make([]map[string]any, 0, len(d.Keywords))
	for _, kw := range d.Keywords {
		keywords = append(keywords, map[string]any{"keyword": kw.Keyword, "topic": kw.Topic})
	}
	v.SetDefault("keywords", keywords)

	v.SetDefault("daemon.pid_file", d.Daemon.PIDFile)
	v.SetDefault("daemon.journal_file", d.Daemon.JournalFile)

	v.SetDefault("server.health_port", d.Server.HealthPort)
	v.SetDefault("server.api.enabled", d.Server.API.Enabled)
	v.SetDefault("server.api.port", d.Server.API.Port)
	v.SetDefault("server.grpc.enabled", d.Server.GRPC.Enabled)
	v.SetDefault("server.grpc.port", d.Server.GRPC.Port)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
}

// Load reads the configuration from file, environment variables, and defaults.
// If configFile is non-empty it is used directly; otherwise the standard
// search order applies: ./meshbridge.yaml, ./configs/meshbridge.yaml, /etc/meshbridge/meshbridge.yaml.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("meshbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/meshbridge")
	}

	// Environment variables: MESHBRIDGE_MQTT_BROKER, MESHBRIDGE_MESH_NODE_ID, etc.
	v.SetEnvPrefix("MESHBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		log.Info().Msg("no config file found, using defaults and environment variables")
	} else {
		log.Info().Str("path", v.ConfigFileUsed()).Msg("loaded config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.MQTT.Password = resolveEnvRef(cfg.MQTT.Password)
	cfg.MQTT.Username = resolveEnvRef(cfg.MQTT.Username)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveEnvRef replaces "${VAR_NAME}" patterns with the corresponding env var value.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		envKey := val[2 : len(val)-1]
		if envVal := os.Getenv(envKey); envVal != "" {
			return envVal
		}
	}
	return val
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mesh.Transport {
	case TransportSerial, TransportTCP:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownTransport, c.Mesh.Transport))
	}

	if strings.TrimSpace(c.MQTT.ControlTopic) == "" {
		errs = append(errs, ErrEmptyControlTopic)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidQoS, c.MQTT.QoS))
	}

	for name, port := range map[string]int{
		"mqtt.port":          c.MQTT.Port,
		"server.health_port": c.Server.HealthPort,
		"server.api.port":    c.Server.API.Port,
		"server.grpc.port":   c.Server.GRPC.Port,
	} {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%w: %s=%d", ErrInvalidPort, name, port))
		}
	}

	seen := make(map[string]struct{}, len(c.Keywords))
	for i, kw := range c.Keywords {
		word := strings.ToLower(strings.TrimSpace(kw.Keyword))
		if word == "" || strings.TrimSpace(kw.Topic) == "" {
			errs = append(errs, fmt.Errorf("%w: keywords[%d]", ErrInvalidKeyword, i))
			continue
		}
		if _, dup := seen[word]; dup {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicateKeyword, word))
			continue
		}
		seen[word] = struct{}{}
	}

	return errors.Join(errs...)
}

// KeywordTable returns the keywords in configured order.
func (c *Config) KeywordTable() router.Table {
	table := make(router.Table, 0, len(c.Keywords))
	for _, kw := range c.Keywords {
		table = append(table, router.Keyword{Word: strings.TrimSpace(kw.Keyword), Topic: strings.TrimSpace(kw.Topic)})
	}
	return table
}

// Sample renders the default configuration as YAML.
func Sample() ([]byte, error) {
	out, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("rendering sample config: %w", err)
	}
	header := "# meshbridge configuration\n# Every key can be overridden with MESHBRIDGE_<SECTION>_<KEY>.\n\n"
	return append([]byte(header), out...), nil
}
