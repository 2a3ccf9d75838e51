package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tripleyak/web-perception-mcp/guard"
)

// Transports.
const (
	TransportStdio = "stdio"
	TransportREST  = "rest"
)

// Config is the process configuration. Values come from defaults, then an
// optional YAML file (WEBAGENT_CONFIG), then environment overrides. Every
// numeric is parsed defensively: non-positive or unparsable falls back.
type Config struct {
	Transport       string `yaml:"transport"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	MaxSessions     int    `yaml:"max_sessions"`
	Headless        bool   `yaml:"headless"`
	Stealth         bool   `yaml:"stealth"`
	Allowlist       string `yaml:"allowlist"`
	Denylist        string `yaml:"denylist"`
	PolicyMode      string `yaml:"policy_mode"`
	SessionMaxAgeMS int64  `yaml:"session_max_age_ms"`
	TracesDir       string `yaml:"traces_dir"`
	MetricsDB       string `yaml:"metrics_db"`
	LogLevel        string `yaml:"log_level"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Transport:       TransportStdio,
		Host:            "127.0.0.1",
		Port:            8089,
		MaxSessions:     4,
		Headless:        true,
		Stealth:         true,
		PolicyMode:      string(guard.PolicyModelOwnsAction),
		SessionMaxAgeMS: 30 * 60 * 1000,
		TracesDir:       "traces",
		MetricsDB:       "data/metrics.db",
		LogLevel:        "info",
	}
}

// LoadConfig resolves the effective configuration from the environment and
// the optional YAML file named by WEBAGENT_CONFIG.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("WEBAGENT_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("server: read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("server: parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("WEBAGENT_TRANSPORT"); v != "" {
		c.Transport = v
	}
	if v := os.Getenv("WEBAGENT_HOST"); v != "" {
		c.Host = v
	}
	c.Port = envInt("WEBAGENT_PORT", c.Port)
	c.MaxSessions = envInt("WEBAGENT_MAX_SESSIONS", c.MaxSessions)
	c.Headless = envBool("WEBAGENT_HEADLESS", c.Headless)
	c.Stealth = envBool("WEBAGENT_STEALTH", c.Stealth)
	if v := os.Getenv("WEBAGENT_ALLOWLIST"); v != "" {
		c.Allowlist = v
	}
	if v := os.Getenv("WEBAGENT_DENYLIST"); v != "" {
		c.Denylist = v
	}
	if v := os.Getenv("WEBAGENT_POLICY_MODE"); v != "" {
		c.PolicyMode = v
	}
	c.SessionMaxAgeMS = envInt64("WEBAGENT_SESSION_MAX_AGE_MS", c.SessionMaxAgeMS)
	if v := os.Getenv("WEBAGENT_TRACES_DIR"); v != "" {
		c.TracesDir = v
	}
	if v := os.Getenv("WEBAGENT_METRICS_DB"); v != "" {
		c.MetricsDB = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) normalize() {
	if c.Transport != TransportREST {
		c.Transport = TransportStdio
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 4
	}
	if c.SessionMaxAgeMS <= 0 {
		c.SessionMaxAgeMS = 30 * 60 * 1000
	}
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = 8089
	}
	if c.TracesDir == "" {
		c.TracesDir = "traces"
	}
}

// Rules builds the URL rules from the configured host lists.
func (c Config) Rules() guard.URLRules {
	return guard.URLRules{
		Allowlist: guard.ParseHostList(c.Allowlist),
		Denylist:  guard.ParseHostList(c.Denylist),
	}
}

// Addr returns the REST bind address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
