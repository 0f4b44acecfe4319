// Package config carries the configuration surface consumed from the host:
// which tool servers to bridge, how to reach them, and the knobs for the
// reaper, checker, and status server. Defaults come from the environment,
// flags override, and a YAML file supplies the server list.
package config

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ConfigError reports invalid configuration. It is raised synchronously,
// before any process is spawned or request sent.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config: " + e.Reason }

// Args is an ordered argument list. Decoding rejects scalar values so that a
// config carrying `args: "--foo"` fails loudly instead of splitting or
// silently coercing.
type Args []string

// UnmarshalYAML enforces that args is a sequence.
func (a *Args) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return &ConfigError{Reason: "args must be a sequence"}
	}
	var out []string
	if err := value.Decode(&out); err != nil {
		return &ConfigError{Reason: fmt.Sprintf("args: %v", err)}
	}
	*a = out
	return nil
}

// UnmarshalJSON enforces that args is a sequence.
func (a *Args) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return &ConfigError{Reason: "args must be a sequence"}
	}
	var out []string
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return &ConfigError{Reason: fmt.Sprintf("args: %v", err)}
	}
	*a = out
	return nil
}

// TransportConfig selects and parameterizes a transport. Constructed once per
// bridge and immutable thereafter.
type TransportConfig struct {
	Command   string `yaml:"command" json:"command"`
	Args      Args   `yaml:"args,omitempty" json:"args,omitempty"`
	Transport string `yaml:"transport" json:"transport"`
}

// ServerConfig describes one bridged tool server.
type ServerConfig struct {
	Name            string   `yaml:"name" json:"name"`
	TransportConfig `yaml:",inline"`
	// URL is consumed by socket-style transports instead of Command.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	// Env is the allowlist passed to a spawned process. Entries are either
	// "KEY" to copy from the host environment or "KEY=value" to set
	// explicitly.
	Env []string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Config holds the toolwire process configuration.
type Config struct {
	ConfigFile string `yaml:"-"`
	LogLevel   string `yaml:"log_level"`
	ClientName string `yaml:"client_name"`

	StatusAddr     string   `yaml:"status_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	RedisAddr      string   `yaml:"redis_addr"`

	// Durations come from flags or environment (Go duration syntax), not
	// the YAML file.
	RequestTimeout time.Duration `yaml:"-"`
	StaleAfter     time.Duration `yaml:"-"`
	ReapInterval   time.Duration `yaml:"-"`
	CheckInterval  time.Duration `yaml:"-"`

	Servers []ServerConfig `yaml:"servers"`
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *Config) BindFlags() {
	c.ConfigFile = GetEnv("CONFIG_FILE", "toolwire.yaml")
	c.LogLevel = GetEnv("LOG_LEVEL", "info")
	c.StatusAddr = GetEnv("STATUS_ADDR", "")
	c.RedisAddr = GetEnv("REDIS_ADDR", "")
	c.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", 30*time.Second)
	c.StaleAfter = getEnvDuration("STALE_AFTER", 5*time.Minute)
	c.ReapInterval = getEnvDuration("REAP_INTERVAL", 30*time.Second)
	c.CheckInterval = getEnvDuration("CHECK_INTERVAL", 0)

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "toolwire-" + uuid.NewString()[:8]
	}
	c.ClientName = GetEnv("CLIENT_NAME", host)

	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "status/metrics listen address (disabled when empty; e.g. 127.0.0.1:9090)")
	flag.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "redis address or URL for the health state store (in-memory when empty)")
	flag.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "per-batch response deadline")
	flag.DurationVar(&c.StaleAfter, "stale-after", c.StaleAfter, "age past which pending requests are force-timed-out")
	flag.DurationVar(&c.ReapInterval, "reap-interval", c.ReapInterval, "how often to sweep for stale pending requests")
	flag.DurationVar(&c.CheckInterval, "check-interval", c.CheckInterval, "how often to health-check bridged servers (one-shot when zero)")
	flag.StringVar(&c.ClientName, "client-name", c.ClientName, "client name reported to servers during initialize")
	flag.Func("allowed-origins", "comma separated CORS origins for the status server", func(v string) error {
		c.AllowedOrigins = splitNonEmpty(v)
		return nil
	})
}

// LoadFile populates the config from a YAML file. Fields already set remain
// unless overwritten by corresponding entries in the file.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// GetEnv returns the value of the environment variable k or a default.
func GetEnv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getEnvDuration(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return d
	}
	return parsed
}

func splitNonEmpty(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
