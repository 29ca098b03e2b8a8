package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/meshbridge/internal/address"
	"github.com/nadzzz/meshbridge/internal/config"
)

func TestWriteSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "meshbridge.yaml")

	require.NoError(t, writeSample(path, false))
	assert.Error(t, writeSample(path, false))
	require.NoError(t, writeSample(path, true))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), *cfg)
}

func TestGlobalFlagsOverrideLogging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o600))

	f := &globalFlags{ConfigFile: path, LogLevel: "debug", LogFile: "/tmp/mb.log"}
	cfg, err := f.load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/tmp/mb.log", cfg.Logging.File)
}

func TestNewMeshLink(t *testing.T) {
	tests := []struct {
		transport string
		name      string
		err       error
	}{
		{transport: config.TransportSerial, name: "serial"},
		{transport: config.TransportTCP, name: "tcp"},
		{transport: "ble", err: config.ErrUnknownTransport},
	}
	for _, tt := range tests {
		t.Run(tt.transport, func(t *testing.T) {
			cfg := config.Default().Mesh
			cfg.Transport = tt.transport

			link, err := newMeshLink(cfg, zerolog.Nop())
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, link.Name())
		})
	}
}

func TestSendControl_RejectsBadAddress(t *testing.T) {
	cfg := config.Default()
	err := sendControl(context.Background(), &cfg, "not-a-mac@hello")
	assert.ErrorIs(t, err, address.ErrInvalidAddress)
}
