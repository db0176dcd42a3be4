// Package config handles mcphost configuration loading.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/nugget/mcphost/internal/paths"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config flag) is checked first.
// Then: ./config.yaml, ~/.config/mcphost/config.yaml, /etc/mcphost/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcphost", "config.yaml"))
	}

	paths = append(paths, "/etc/mcphost/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcphost configuration.
type Config struct {
	Listen    ListenConfig `yaml:"listen"`
	MCP       MCPConfig    `yaml:"mcp"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	DataDir   string       `yaml:"data_dir"`

	// Paths names directory prefixes usable in any path field, e.g.
	// "projects: ~/src" makes "projects:api" a valid working_dir.
	Paths map[string]string `yaml:"paths"`

	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the consumer API server settings. A zero Port
// disables the HTTP surface entirely.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: 127.0.0.1)
	Port    int    `yaml:"port"`

	// AllowedOrigins enables CORS for browser-hosted consumers, such
	// as an extension webview. "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// MCPConfig groups the capability-server definitions and the
// supervision policy shared by all of them.
type MCPConfig struct {
	// Servers are the capability servers defined inline. Order matters:
	// when two servers advertise the same tool name, an unqualified
	// lookup resolves to the one listed first.
	Servers []ServerConfig `yaml:"servers"`

	// Import lists JSONC files in the desktop-assistant "mcpServers"
	// format. Their servers are appended after the inline ones.
	Import []string `yaml:"import"`

	// Roots are filesystem roots advertised to servers that ask for
	// them via roots/list.
	Roots []string `yaml:"roots"`

	Policy PolicyConfig `yaml:"policy"`
}

// ServerConfig describes a single capability server.
type ServerConfig struct {
	Name string `yaml:"name"`

	// Transport is "stdio" (default) or "http".
	Transport string `yaml:"transport"`

	// Command, Args, Env and WorkingDir describe the child process for
	// stdio servers. Env values are injected into the child's
	// environment and are never logged.
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args"`
	Env        map[string]string `yaml:"env"`
	WorkingDir string            `yaml:"working_dir"`

	// URL and Headers configure http servers.
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`

	// IncludeTools and ExcludeTools filter which tools are republished
	// into the tool-calling pipeline. Include wins when both are set.
	IncludeTools []string `yaml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools"`

	// CallTimeout overrides policy.call_timeout for this server.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// IsEnabled reports whether the server should be started.
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// PolicyConfig holds supervision and protocol policy. Zero values are
// replaced by the defaults from [DefaultPolicy].
type PolicyConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	CloseGrace       time.Duration `yaml:"close_grace"`
	HealthInterval   time.Duration `yaml:"health_interval"` // 0 disables ping probes
	MaxLineBytes     int           `yaml:"max_line_bytes"`
	MaxRestarts      int           `yaml:"max_restarts"`
	Backoff          BackoffConfig `yaml:"backoff"`
}

// BackoffConfig controls restart backoff timing.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// DefaultPolicy returns the supervision defaults.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		HandshakeTimeout: 30 * time.Second,
		CallTimeout:      60 * time.Second,
		CloseGrace:       5 * time.Second,
		MaxLineBytes:     4 << 20,
		MaxRestarts:      10,
		Backoff: BackoffConfig{
			Initial:    1 * time.Second,
			Max:        60 * time.Second,
			Multiplier: 2.0,
		},
	}
}

// MQTTConfig configures the optional MQTT status publisher. Publishing
// is disabled when Broker is empty.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	DeviceName  string `yaml:"device_name"`
	TopicPrefix string `yaml:"topic_prefix"`

	// DiscoveryPrefix enables Home Assistant discovery payloads when
	// set (usually "homeassistant").
	DiscoveryPrefix string `yaml:"discovery_prefix"`

	// Commands subscribes to <prefix>/<device>/command/restart so a
	// server can be restarted by publishing its name.
	Commands bool `yaml:"commands"`

	// PublishInterval republishes every server's state even without
	// changes. Default 60s.
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// Configured reports whether MQTT publishing is enabled.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file, merges any imported
// mcpServers files, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	// Relative paths are relative to the config file, not the process
	// working directory.
	resolver := paths.New(filepath.Dir(path), cfg.Paths)
	for _, imp := range cfg.MCP.Import {
		imp = resolver.Resolve(imp)
		servers, err := LoadServersFile(imp)
		if err != nil {
			return nil, fmt.Errorf("import %s: %w", imp, err)
		}
		cfg.MCP.Servers = append(cfg.MCP.Servers, servers...)
	}
	cfg.DataDir = resolver.Resolve(cfg.DataDir)
	cfg.MCP.Roots = resolver.ResolveAll(cfg.MCP.Roots)
	for i := range cfg.MCP.Servers {
		cfg.MCP.Servers[i].WorkingDir = resolver.Resolve(cfg.MCP.Servers[i].WorkingDir)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Address: "127.0.0.1"},
		DataDir: "./db",
		MCP: MCPConfig{
			Policy: DefaultPolicy(),
		},
		MQTT: MQTTConfig{
			DeviceName:  "mcphost",
			TopicPrefix: "mcphost",
		},
	}
}

// applyDefaults fills zero-valued policy fields and normalizes server
// transports.
func (c *Config) applyDefaults() {
	d := DefaultPolicy()
	p := &c.MCP.Policy
	if p.HandshakeTimeout <= 0 {
		p.HandshakeTimeout = d.HandshakeTimeout
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = d.CallTimeout
	}
	if p.CloseGrace <= 0 {
		p.CloseGrace = d.CloseGrace
	}
	if p.MaxLineBytes <= 0 {
		p.MaxLineBytes = d.MaxLineBytes
	}
	if p.MaxRestarts <= 0 {
		p.MaxRestarts = d.MaxRestarts
	}
	if p.Backoff.Initial <= 0 {
		p.Backoff.Initial = d.Backoff.Initial
	}
	if p.Backoff.Max <= 0 {
		p.Backoff.Max = d.Backoff.Max
	}
	if p.Backoff.Multiplier < 1 {
		p.Backoff.Multiplier = d.Backoff.Multiplier
	}

	if c.MQTT.PublishInterval <= 0 {
		c.MQTT.PublishInterval = 60 * time.Second
	}

	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].Transport == "" {
			c.MCP.Servers[i].Transport = "stdio"
		}
	}
}

// Validate checks the configuration for errors that would otherwise
// surface later as confusing runtime failures.
func (c *Config) Validate() error {
	var errs []error

	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is invalid (expected text or json)", c.LogFormat))
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: name is required", i))
			continue
		}
		if strings.ContainsAny(s.Name, ". \t") {
			errs = append(errs, fmt.Errorf("mcp server %q: name must not contain dots or whitespace", s.Name))
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("mcp server %q: duplicate name", s.Name))
		}
		seen[s.Name] = true

		switch s.Transport {
		case "", "stdio":
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("mcp server %q: command is required for stdio transport", s.Name))
			}
		case "http":
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("mcp server %q: url is required for http transport", s.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("mcp server %q: unknown transport %q (expected stdio or http)", s.Name, s.Transport))
		}
	}

	if c.MCP.Policy.Backoff.Max > 0 && c.MCP.Policy.Backoff.Initial > c.MCP.Policy.Backoff.Max {
		errs = append(errs, fmt.Errorf("mcp.policy.backoff: initial %s exceeds max %s",
			c.MCP.Policy.Backoff.Initial, c.MCP.Policy.Backoff.Max))
	}

	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		case u.Scheme != "mqtt" && u.Scheme != "mqtts" && u.Scheme != "tcp" && u.Scheme != "ssl" && u.Scheme != "ws" && u.Scheme != "wss":
			errs = append(errs, fmt.Errorf("mqtt.broker %q: unsupported scheme %q", c.MQTT.Broker, u.Scheme))
		}
	}

	return errors.Join(errs...)
}

// desktopServer is one entry of an "mcpServers" JSONC file.
type desktopServer struct {
	Command  string            `json:"command"`
	Args     []string          `json:"args"`
	Env      map[string]string `json:"env"`
	Cwd      string            `json:"cwd"`
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers"`
	Type     string            `json:"type"`
	Disabled bool              `json:"disabled"`
}

// LoadServersFile reads a JSONC file in the desktop-assistant format
//
//	{ "mcpServers": { "name": { "command": "...", "args": [...] } } }
//
// Comments and trailing commas are allowed. JSON objects carry no
// order, so servers are returned sorted by name to keep collision
// resolution deterministic.
func LoadServersFile(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc struct {
		MCPServers map[string]desktopServer `json:"mcpServers"`
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, fmt.Errorf("parse mcpServers: %w", err)
	}

	names := make([]string, 0, len(doc.MCPServers))
	for name := range doc.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	servers := make([]ServerConfig, 0, len(names))
	for _, name := range names {
		ds := doc.MCPServers[name]
		sc := ServerConfig{
			Name:       name,
			Command:    ds.Command,
			Args:       ds.Args,
			Env:        expandEnvMap(ds.Env),
			WorkingDir: ds.Cwd,
			URL:        ds.URL,
			Headers:    expandEnvMap(ds.Headers),
		}
		switch {
		case ds.Type == "http" || ds.Type == "streamable-http" || (ds.Command == "" && ds.URL != ""):
			sc.Transport = "http"
		default:
			sc.Transport = "stdio"
		}
		if ds.Disabled {
			disabled := false
			sc.Enabled = &disabled
		}
		servers = append(servers, sc)
	}
	return servers, nil
}

func expandEnvMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
