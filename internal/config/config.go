// Package config reads the small set of environment-derived parameters
// this daemon recognizes (§6 of the spec, plus the ambient additions the
// expansion documents). There is no config-file format to parse: each
// string parameter has an environment variable and a literal default,
// mirroring the teacher's own getEnvString/getEnvInt fallback pattern
// without the YAML layer that pattern originally fed. The listen backlog,
// read timeout and shutdown grace are fixed defaults with no variable.
package config

import (
	"os"
	"strings"
)

const (
	defaultSocketPath  = "/run/chimera/api.sock"
	defaultDBPath      = "/var/lib/chimera/chimera.duckdb"
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
	defaultListenBack  = 16
	defaultReadTimeout = 30 // seconds, initial request line
	defaultGrace       = 10 // seconds, shutdown grace period
)

// Config holds every environment-derived parameter the daemon reads at
// startup.
type Config struct {
	SocketPath   string
	DBPath       string
	LogLevel     string
	LogFile      string
	LogFormat    string
	MetricsAddr  string
	OTLPEndpoint string
	FileSources  []string
	SocketGroup  string

	ListenBacklog      int
	ReadTimeoutSeconds int
	ShutdownGraceSecs  int
}

// Load reads Config from the process environment. It never fails: every
// variable has a usable default, matching §6's "recognized options"
// contract where absence just means "use the default".
func Load() *Config {
	cfg := &Config{
		SocketPath:         getEnv("CHIMERA_API_SOCKET", defaultSocketPath),
		DBPath:             getEnv("CHIMERA_DB_PATH", defaultDBPath),
		LogLevel:           getEnv("CHIMERA_LOG_LEVEL", defaultLogLevel),
		LogFile:            getEnv("CHIMERA_LOG_FILE", ""),
		LogFormat:          getEnv("CHIMERA_LOG_FORMAT", defaultLogFormat),
		MetricsAddr:        getEnv("CHIMERA_METRICS_ADDR", ""),
		OTLPEndpoint:       getEnv("CHIMERA_OTLP_ENDPOINT", ""),
		SocketGroup:        getEnv("CHIMERA_SOCKET_GROUP", ""),
		ListenBacklog:      defaultListenBack,
		ReadTimeoutSeconds: defaultReadTimeout,
		ShutdownGraceSecs:  defaultGrace,
	}

	if raw := getEnv("CHIMERA_FILE_SOURCES", ""); raw != "" {
		for _, p := range strings.Split(raw, ":") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.FileSources = append(cfg.FileSources, p)
			}
		}
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

