package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/nugget/mcphost/internal/mcp"
)

// defaultSettle bounds how long one-shot commands wait for servers to
// become ready or fail.
const defaultSettle = 30 * time.Second

// oneShot is a manager started for a single command and torn down
// afterwards.
type oneShot struct {
	manager *mcp.Manager
	bridge  *mcp.Bridge
}

// startOneShot loads config, starts every enabled server, and waits
// until each is Ready or Failed. Logs go to stderr.
func startOneShot(ctx context.Context, stderr io.Writer, g globals, settle time.Duration) (*oneShot, error) {
	cfg, _, err := loadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	logger := configuredLogger(cfg, stderr)

	manager, err := newManager(cfg, nil, logger)
	if err != nil {
		return nil, err
	}
	if err := manager.Configure(ctx, mcpServers(cfg.MCP.Servers)); err != nil {
		return nil, fmt.Errorf("configure servers: %w", err)
	}

	settleCtx, cancel := context.WithTimeout(ctx, settle)
	defer cancel()
	if err := manager.WaitSettled(settleCtx); err != nil {
		// Report whatever is ready rather than failing outright.
		logger.Warn("servers still starting", "waited", settle, "error", err)
	}
	return &oneShot{
		manager: manager,
		bridge:  mcp.NewBridge(manager, mcp.BridgeOptions{Logger: logger}),
	}, nil
}

func (o *oneShot) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = o.manager.Shutdown(ctx)
}

// runList handles "mcphost list".
func runList(ctx context.Context, stdout io.Writer, stderr io.Writer, g globals, args []string) error {
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	kind := fs.String("kind", "", "only list this capability kind: tool, resource, or prompt")
	settle := fs.Duration("wait", defaultSettle, "how long to wait for servers to start")
	if done, err := parseCommandFlags(fs, stdout, args); done || err != nil {
		return err
	}
	switch *kind {
	case "", mcp.CapabilityTool, mcp.CapabilityResource, mcp.CapabilityPrompt:
	default:
		return fmt.Errorf("unknown capability kind %q (expected tool, resource, or prompt)", *kind)
	}

	o, err := startOneShot(ctx, stderr, g, *settle)
	if err != nil {
		return err
	}
	defer o.close()

	caps := filterCapabilities(o.bridge.ListCapabilities(), *kind)
	if g.output == "json" {
		return writeJSON(stdout, caps)
	}
	return writeCapabilityTable(stdout, caps)
}

func filterCapabilities(caps []mcp.Capability, kind string) []mcp.Capability {
	if kind == "" {
		return caps
	}
	out := make([]mcp.Capability, 0, len(caps))
	for _, c := range caps {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func writeCapabilityTable(w io.Writer, caps []mcp.Capability) error {
	if len(caps) == 0 {
		fmt.Fprintln(w, "no capabilities available")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tNAME\tSERVER\tDESCRIPTION")
	for _, c := range caps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Kind, c.QualifiedName, c.Server, firstLine(c.Description))
	}
	return tw.Flush()
}

// runCall handles "mcphost call <name> [json]". A failed invocation is
// printed like a successful one and then returned as the error.
func runCall(ctx context.Context, stdout io.Writer, stderr io.Writer, g globals, args []string) error {
	fs := pflag.NewFlagSet("call", pflag.ContinueOnError)
	timeout := fs.Duration("timeout", 0, "call timeout (default: the server's call_timeout)")
	settle := fs.Duration("wait", defaultSettle, "how long to wait for servers to start")
	if done, err := parseCommandFlags(fs, stdout, args); done || err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 || len(rest) > 2 {
		return errors.New("usage: mcphost call <name> [json-arguments]")
	}
	name := rest[0]
	payload := json.RawMessage("{}")
	if len(rest) == 2 {
		payload = json.RawMessage(rest[1])
	}

	o, err := startOneShot(ctx, stderr, g, *settle)
	if err != nil {
		return err
	}
	defer o.close()

	out := o.bridge.Invoke(ctx, name, payload, timeout.Milliseconds())
	if g.output == "json" {
		if err := writeJSON(stdout, out); err != nil {
			return err
		}
	} else if out.OK() {
		writeSuccess(stdout, out.Success)
	}
	if !out.OK() {
		return fmt.Errorf("call %s: %w", name, out.Error)
	}
	return nil
}

// writeSuccess prints tool text content when there is any, otherwise
// the indented result.
func writeSuccess(w io.Writer, result json.RawMessage) {
	var tr mcp.CallToolResult
	if err := json.Unmarshal(result, &tr); err == nil {
		if text := tr.Text(); text != "" {
			fmt.Fprintln(w, text)
			return
		}
	}
	var v any
	if err := json.Unmarshal(result, &v); err != nil {
		fmt.Fprintln(w, string(result))
		return
	}
	_ = writeJSON(w, v)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
