package config

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const agentUUIDFile = "agent_uuid"

// AgentSettings configures the reach agent. The YAML file is optional;
// environment variables (REACH_* with ETPHONEHOME_* fallback) override
// whatever it sets.
type AgentSettings struct {
	ServerHost string `yaml:"server_host"`
	ServerPort int    `yaml:"server_port"`

	DisplayName  string   `yaml:"display_name"`
	Purpose      string   `yaml:"purpose"`
	Tags         []string `yaml:"tags"`
	Capabilities []string `yaml:"capabilities"`

	AllowedPaths []string `yaml:"allowed_paths"`
	DataPath     string   `yaml:"data_path"`

	// ServerFingerprint optionally pins the server host key
	// (SHA256:... form); empty accepts any.
	ServerFingerprint string `yaml:"server_fingerprint"`
}

// LoadAgent reads the agent config. configPath may be empty, in which
// case <data>/config.yml is used. A missing file is fine; env vars and
// defaults fill everything except server_host, which is required.
func LoadAgent(configPath string) (AgentSettings, error) {
	dataDir := envOrLegacy("DATA_PATH", "")
	if dataDir == "" {
		dataDir = defaultDataDir("agent")
		if err := MigrateDataDir(dataDir, legacyDataDir("agent")); err != nil {
			log.Printf("[config] data dir migration: %v", err)
		}
	}
	if configPath == "" {
		configPath = filepath.Join(dataDir, "config.yml")
	}

	var s AgentSettings
	raw, err := os.ReadFile(configPath)
	if err == nil {
		if err := yaml.Unmarshal(raw, &s); err != nil {
			return s, fmt.Errorf("parse %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return s, fmt.Errorf("read config %s: %w", configPath, err)
	}

	// Precedence per option: environment, then YAML, then default.
	if env := envOrLegacy("DATA_PATH", ""); env != "" {
		s.DataPath = env
	} else if s.DataPath == "" {
		s.DataPath = dataDir
	}
	s.ServerHost = envOrLegacy("SERVER_HOST", s.ServerHost)
	if s.ServerPort, err = intFromEnv("SERVER_PORT", s.ServerPort); err != nil {
		return s, err
	}
	if s.ServerPort == 0 {
		s.ServerPort = 2222
	}
	s.DisplayName = envOrLegacy("DISPLAY_NAME", s.DisplayName)
	s.Purpose = envOrLegacy("PURPOSE", s.Purpose)
	s.Tags = listFromEnv("TAGS", s.Tags)
	s.Capabilities = listFromEnv("CAPABILITIES", s.Capabilities)
	s.AllowedPaths = listFromEnv("ALLOWED_PATHS", s.AllowedPaths)
	s.ServerFingerprint = envOrLegacy("SERVER_FINGERPRINT", s.ServerFingerprint)

	if s.DisplayName == "" {
		if name, err := os.Hostname(); err == nil {
			s.DisplayName = name
		}
	}
	if s.ServerHost == "" {
		return s, errors.New("server_host is required (config.yml or REACH_SERVER_HOST)")
	}

	if err := os.MkdirAll(s.DataPath, 0o755); err != nil {
		return s, fmt.Errorf("create data dir %s: %w", s.DataPath, err)
	}
	return s, nil
}

// ServerAddr is the host:port of the server's SSH gateway.
func (s AgentSettings) ServerAddr() string {
	return net.JoinHostPort(s.ServerHost, strconv.Itoa(s.ServerPort))
}

// LogPath is the agent's log file.
func (s AgentSettings) LogPath() string {
	return filepath.Join(s.DataPath, "reach-agent.log")
}

// LoadAgentUUID returns the persisted identity uuid, or "" before the
// first registration.
func LoadAgentUUID(dataDir string) string {
	raw, err := os.ReadFile(filepath.Join(dataDir, agentUUIDFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// SaveAgentUUID persists the server-issued identity uuid.
func SaveAgentUUID(dataDir, id string) error {
	return os.WriteFile(filepath.Join(dataDir, agentUUIDFile), []byte(id+"\n"), 0o600)
}

func intFromEnv(suffix string, current int) (int, error) {
	v := envOrLegacy(suffix, "")
	if v == "" {
		return current, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return current, fmt.Errorf("%s_%s: %w", envPrefix, suffix, err)
	}
	return n, nil
}

func listFromEnv(suffix string, current []string) []string {
	v := envOrLegacy(suffix, "")
	if v == "" {
		return current
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
