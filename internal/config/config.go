// Package config loads server and agent settings. Server settings come
// from REACH_* environment variables, agent settings from a YAML file
// overlaid by environment variables. Both honor the pre-rename
// ETPHONEHOME_* names as fallbacks.
package config

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kelseyhightower/envconfig"
)

// ServerSettings configures the reach server. Tunables are in seconds.
type ServerSettings struct {
	HTTPHost string `envconfig:"HTTP_HOST" default:"127.0.0.1"`
	HTTPPort int    `envconfig:"HTTP_PORT" default:"8765"`
	SSHHost  string `envconfig:"SSH_HOST" default:"0.0.0.0"`
	SSHPort  int    `envconfig:"SSH_PORT" default:"2222"`
	DataPath string `envconfig:"DATA_PATH" default:""`

	// APIKey is the operator bearer token. Empty runs the server
	// unauthenticated, which Load warns about loudly.
	APIKey string `envconfig:"API_KEY" default:""`

	HeartbeatInterval int `envconfig:"HEARTBEAT_INTERVAL" default:"30"`
	FailureThreshold  int `envconfig:"FAILURE_THRESHOLD" default:"3"`
	GracePeriod       int `envconfig:"GRACE_PERIOD" default:"60"`

	// HistoryRetentionDays bounds the nightly purge; 0 keeps everything.
	HistoryRetentionDays int `envconfig:"HISTORY_RETENTION_DAYS" default:"0"`
	RPCTimeout           int `envconfig:"RPC_TIMEOUT" default:"300"`
}

// serverEnvSuffixes lists every server option for the legacy-name pass.
var serverEnvSuffixes = []string{
	"HTTP_HOST", "HTTP_PORT", "SSH_HOST", "SSH_PORT", "DATA_PATH",
	"API_KEY", "HEARTBEAT_INTERVAL", "FAILURE_THRESHOLD", "GRACE_PERIOD",
	"HISTORY_RETENTION_DAYS", "RPC_TIMEOUT",
}

// LoadServer reads server settings from the environment, resolves the
// data directory, and migrates a legacy data directory on first run.
func LoadServer() (ServerSettings, error) {
	promoteLegacyEnv(serverEnvSuffixes)

	var s ServerSettings
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return s, fmt.Errorf("load server config: %w", err)
	}

	if s.DataPath == "" {
		s.DataPath = defaultDataDir("server")
		if err := MigrateDataDir(s.DataPath, legacyDataDir("server")); err != nil {
			log.Printf("[config] data dir migration: %v", err)
		}
	}
	if err := os.MkdirAll(s.DataPath, 0o755); err != nil {
		return s, fmt.Errorf("create data dir %s: %w", s.DataPath, err)
	}

	if s.APIKey == "" {
		log.Printf("[config] WARNING: no API key configured (REACH_API_KEY); the HTTP API is unauthenticated")
	}
	return s, nil
}

// HTTPAddr is the host:port for the operator HTTP API.
func (s ServerSettings) HTTPAddr() string {
	return net.JoinHostPort(s.HTTPHost, strconv.Itoa(s.HTTPPort))
}

// SSHAddr is the host:port the SSH gateway listens on.
func (s ServerSettings) SSHAddr() string {
	return net.JoinHostPort(s.SSHHost, strconv.Itoa(s.SSHPort))
}

// HistoryDBPath is the SQLite file backing command history.
func (s ServerSettings) HistoryDBPath() string {
	return filepath.Join(s.DataPath, "history.db")
}

// AuthorizedKeysPath is the agent-key trust list.
func (s ServerSettings) AuthorizedKeysPath() string {
	return filepath.Join(s.DataPath, "authorized_keys")
}

// LogPath is the server's log file.
func (s ServerSettings) LogPath() string {
	return filepath.Join(s.DataPath, "reach-server.log")
}
