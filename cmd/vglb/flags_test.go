package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/config"
)

func TestResolveShutdownTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ShutdownTimeout = config.Duration(25 * time.Second)

	// Unset flag defers to the config file
	assert.Equal(t, 25*time.Second, resolveShutdownTimeout(0, cfg))

	// An explicit flag or environment value wins
	assert.Equal(t, 3*time.Second, resolveShutdownTimeout(3*time.Second, cfg))
}

func TestValidateFlags_ShutdownTimeout(t *testing.T) {
	cfg := &CLIConfig{LogLevel: "info", LogFormat: "json"}

	// 0 means the config file's shutdown_timeout applies
	require.NoError(t, validateFlags(cfg))

	cfg.ShutdownTimeout = -time.Second
	assert.Error(t, validateFlags(cfg))
}
