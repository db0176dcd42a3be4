package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/connwatch"
	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/mcp"
)

// loadConfig locates and loads the configuration file. The resolved
// path is returned for logging.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// configuredLogger builds a logger honouring log_level and log_format.
// The level was checked by config.Validate, so a parse failure cannot
// happen here.
func configuredLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// mcpServers converts configured servers into manager configs,
// preserving order.
func mcpServers(in []config.ServerConfig) []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, 0, len(in))
	for _, s := range in {
		transport := s.Transport
		if transport == "" {
			transport = mcp.TransportStdio
		}
		out = append(out, mcp.ServerConfig{
			Name:         s.Name,
			Transport:    transport,
			Command:      s.Command,
			Args:         s.Args,
			Env:          s.Env,
			WorkingDir:   s.WorkingDir,
			URL:          s.URL,
			Headers:      s.Headers,
			Enabled:      s.IsEnabled(),
			CallTimeout:  s.CallTimeout,
			IncludeTools: s.IncludeTools,
			ExcludeTools: s.ExcludeTools,
		})
	}
	return out
}

// mcpPolicy converts the configured policy.
func mcpPolicy(p config.PolicyConfig) mcp.Policy {
	return mcp.Policy{
		HandshakeTimeout: p.HandshakeTimeout,
		CallTimeout:      p.CallTimeout,
		CloseGrace:       p.CloseGrace,
		HealthInterval:   p.HealthInterval,
		MaxLineBytes:     p.MaxLineBytes,
		Backoff: connwatch.BackoffConfig{
			InitialDelay: p.Backoff.Initial,
			MaxDelay:     p.Backoff.Max,
			Multiplier:   p.Backoff.Multiplier,
			MaxRetries:   p.MaxRestarts,
		},
	}
}

// mcpRoots turns root directories into file:// roots. Relative paths
// are resolved against the working directory.
func mcpRoots(paths []string) ([]mcp.Root, error) {
	roots := make([]mcp.Root, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve root %s: %w", p, err)
		}
		u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
		roots = append(roots, mcp.Root{URI: u.String(), Name: filepath.Base(abs)})
	}
	return roots, nil
}

// newManager builds a manager from cfg. Servers are not started until
// Configure is called.
func newManager(cfg *config.Config, bus *events.Bus, logger *slog.Logger) (*mcp.Manager, error) {
	roots, err := mcpRoots(cfg.MCP.Roots)
	if err != nil {
		return nil, err
	}
	return mcp.NewManager(mcp.Options{
		Logger:     logger,
		Bus:        bus,
		Policy:     mcpPolicy(cfg.MCP.Policy),
		Roots:      roots,
		ClientInfo: mcp.Implementation{Name: buildinfo.ClientName, Version: buildinfo.Version},
	}), nil
}
