package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/mcphost/internal/api"
	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/history"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/mqtt"
	"github.com/nugget/mcphost/internal/tools"
)

const (
	// shutdownTimeout bounds the whole graceful shutdown sequence.
	shutdownTimeout = 15 * time.Second

	// historyRetention is how long history rows are kept. Older rows
	// are pruned at startup.
	historyRetention = 30 * 24 * time.Hour
)

// runServe handles "mcphost serve". It loads config, opens the history
// store, starts every enabled server, and exposes the consumer API and
// MQTT status until a shutdown signal arrives. SIGHUP reloads the
// config file and reconciles the running servers against it.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. Every server session is stopped
//  4. MQTT publishes offline and disconnects
//  5. The recorder stops and the history store is closed via defer
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, g globals) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting mcphost", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(cfg, stdout)
	logger.Info("config loaded",
		"path", cfgPath,
		"servers", len(cfg.MCP.Servers),
		"port", cfg.Listen.Port,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.NewBus()
	var wg sync.WaitGroup

	// The recorder and MQTT outlive the signal so the final state
	// transitions are recorded and published during shutdown.
	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackground()

	// --- History ---
	dbPath := filepath.Join(cfg.DataDir, "history.db")
	store, err := history.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open history database %s: %w", dbPath, err)
	}
	defer store.Close()
	if n, err := store.Prune(ctx, time.Now().Add(-historyRetention)); err != nil {
		logger.Warn("history prune failed", "error", err)
	} else if n > 0 {
		logger.Info("history pruned", "rows", n, "retention", historyRetention)
	}
	recorder := history.NewRecorder(store, bus, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		recorder.Run(bgCtx)
	}()
	logger.Info("history database opened", "path", dbPath)

	// --- Manager, bridge, and tool registry ---
	manager, err := newManager(cfg, bus, logger)
	if err != nil {
		return err
	}
	bridge := mcp.NewBridge(manager, mcp.BridgeOptions{Logger: logger, Bus: bus})
	registry := tools.NewRegistry()
	manager.OnCatalogChange(func(cat *mcp.Catalog) {
		n := bridge.RegisterTools(registry, manager.ToolFilter())
		logger.Debug("tool registry refreshed", "generation", cat.Generation(), "tools", n)
	})

	if err := manager.Configure(ctx, mcpServers(cfg.MCP.Servers)); err != nil {
		return fmt.Errorf("configure servers: %w", err)
	}

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, manager, bus, logger)
		mqttPub.SetRestarter(manager)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mqttPub.Start(bgCtx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"instance_id", instanceID,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Consumer API ---
	var server *api.Server
	serverErr := make(chan error, 1)
	if cfg.Listen.Port > 0 {
		server = api.NewServer(api.Options{
			Address:    cfg.Listen.Address,
			Port:       cfg.Listen.Port,
			Consumer:   bridge,
			Supervisor: manager,
			Registry:   registry,
			History:    store,
			Bus:        bus,
			Logger:     logger,

			AllowedOrigins: cfg.Listen.AllowedOrigins,
		})
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	} else {
		logger.Info("consumer API disabled (listen.port is 0)")
	}

	// --- Reload on SIGHUP ---
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			break loop
		case err := <-serverErr:
			runErr = fmt.Errorf("api server: %w", err)
			break loop
		case <-hup:
			reload(ctx, g.configPath, manager, logger)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown incomplete", "error", err)
	}
	if mqttPub != nil {
		if err := mqttPub.Stop(shutdownCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}
	stopBackground()
	wg.Wait()

	logger.Info("mcphost stopped", "uptime", buildinfo.Uptime())
	return runErr
}

// reload re-reads the config file and reconciles the manager with its
// servers. Policy, listen, and MQTT changes need a restart; only the
// server list is applied live.
func reload(ctx context.Context, configPath string, manager *mcp.Manager, logger *slog.Logger) {
	cfg, path, err := loadConfig(configPath)
	if err != nil {
		logger.Error("config reload failed, keeping current servers", "error", err)
		return
	}
	if err := manager.Configure(ctx, mcpServers(cfg.MCP.Servers)); err != nil {
		logger.Error("reconfigure failed", "path", path, "error", err)
		return
	}
	logger.Info("config reloaded", "path", path, "servers", len(cfg.MCP.Servers))
}
