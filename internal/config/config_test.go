package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, defaultSocketPath, cfg.SocketPath)
	assert.Equal(t, defaultDBPath, cfg.DBPath)
	assert.Equal(t, defaultLogLevel, cfg.LogLevel)
	assert.Empty(t, cfg.FileSources)
}

func TestLoadOverridesAndFileSources(t *testing.T) {
	t.Setenv("CHIMERA_API_SOCKET", "/tmp/custom.sock")
	t.Setenv("CHIMERA_FILE_SOURCES", "/var/log/a.log:/var/log/b.log")

	cfg := Load()
	assert.Equal(t, "/tmp/custom.sock", cfg.SocketPath)
	assert.Equal(t, []string{"/var/log/a.log", "/var/log/b.log"}, cfg.FileSources)
}
