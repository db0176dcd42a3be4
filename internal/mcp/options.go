package mcp

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"

	"github.com/nugget/mcphost/internal/connwatch"
)

// Transport names accepted in ServerConfig.Transport.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// ServerConfig describes one capability server. It is treated as
// immutable: reconfiguration replaces it wholesale.
type ServerConfig struct {
	Name       string            `json:"name"`
	Transport  string            `json:"transport,omitempty"`
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Enabled    bool              `json:"enabled"`

	// CallTimeout overrides the policy call timeout for this server.
	CallTimeout time.Duration `json:"call_timeout,omitempty"`

	// IncludeTools and ExcludeTools filter what the bridge republishes
	// into the tool pipeline. They do not affect the catalog.
	IncludeTools []string `json:"include_tools,omitempty"`
	ExcludeTools []string `json:"exclude_tools,omitempty"`
}

// Fingerprint is a BLAKE3 digest of the launch-relevant fields.
// Reconciliation restarts a session only when its fingerprint changes.
// Map fields are encoded with sorted keys, so equal configs always
// produce equal fingerprints.
func (c ServerConfig) Fingerprint() string {
	launch := struct {
		Transport  string
		Command    string
		Args       []string
		Env        map[string]string
		WorkingDir string
		URL        string
		Headers    map[string]string
	}{c.Transport, c.Command, c.Args, c.Env, c.WorkingDir, c.URL, c.Headers}

	data, err := json.Marshal(launch)
	if err != nil {
		// Only strings, slices, and maps of strings: cannot fail.
		panic(fmt.Sprintf("fingerprint %s: %v", c.Name, err))
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// Policy holds the supervision constants shared by every session.
type Policy struct {
	// HandshakeTimeout bounds initialize plus capability discovery.
	HandshakeTimeout time.Duration

	// CallTimeout is the default per-request timeout.
	CallTimeout time.Duration

	// CloseGrace is how long a stopping stdio server may take to exit
	// after its stdin closes before it is killed.
	CloseGrace time.Duration

	// HealthInterval enables a ping liveness probe. Zero disables it.
	HealthInterval time.Duration

	// MaxLineBytes bounds one inbound stdio frame.
	MaxLineBytes int

	// Backoff is the restart schedule; MaxRetries is the ceiling on
	// consecutive restarts.
	Backoff connwatch.BackoffConfig
}

// DefaultPolicy returns the supervision defaults.
func DefaultPolicy() Policy {
	return Policy{
		HandshakeTimeout: 30 * time.Second,
		CallTimeout:      DefaultCallTimeout,
		CloseGrace:       DefaultCloseGrace,
		MaxLineBytes:     DefaultMaxLineBytes,
		Backoff:          connwatch.DefaultBackoffConfig(),
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
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
	if p.HealthInterval < 0 {
		p.HealthInterval = 0
	}
	return p
}

// TransportFactory opens the transport for one session attempt.
// onStderr receives diagnostic output for transports that have any.
type TransportFactory func(ctx context.Context, cfg ServerConfig, p Policy, onStderr func(string), logger *slog.Logger) (Transport, error)

// OpenTransport is the default TransportFactory.
func OpenTransport(ctx context.Context, cfg ServerConfig, p Policy, onStderr func(string), logger *slog.Logger) (Transport, error) {
	switch cfg.Transport {
	case "", TransportStdio:
		return OpenStdio(ctx, StdioConfig{
			Command:      cfg.Command,
			Args:         cfg.Args,
			Env:          cfg.Env,
			WorkingDir:   cfg.WorkingDir,
			MaxLineBytes: p.MaxLineBytes,
			CloseGrace:   p.CloseGrace,
			OnStderr:     onStderr,
			Logger:       logger,
		})
	case TransportHTTP:
		return OpenHTTP(HTTPConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		}), nil
	default:
		return nil, &TransportError{Op: "open", Err: fmt.Errorf("unknown transport %q", cfg.Transport)}
	}
}
