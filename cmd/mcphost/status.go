package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/nugget/mcphost/internal/httpkit"
	"github.com/nugget/mcphost/internal/mcp"
)

// statusTimeout bounds the status request to a running instance.
const statusTimeout = 5 * time.Second

// runStatus handles "mcphost status". It asks a running instance for
// its server list over the consumer API; without --addr the address
// comes from the config file's listen section.
func runStatus(ctx context.Context, stdout io.Writer, stderr io.Writer, g globals, args []string) error {
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	addr := fs.String("addr", "", "host:port of a running mcphost (default: from config)")
	if done, err := parseCommandFlags(fs, stdout, args); done || err != nil {
		return err
	}

	if *addr == "" {
		cfg, _, err := loadConfig(g.configPath)
		if err != nil {
			return err
		}
		if cfg.Listen.Port <= 0 {
			return fmt.Errorf("the consumer API is disabled (listen.port is 0); pass --addr")
		}
		host := cfg.Listen.Address
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		*addr = net.JoinHostPort(host, strconv.Itoa(cfg.Listen.Port))
	}

	statuses, err := fetchStatus(ctx, *addr)
	if err != nil {
		return err
	}
	if g.output == "json" {
		return writeJSON(stdout, statuses)
	}
	return writeStatusTable(stdout, statuses)
}

// fetchStatus reads GET /v1/servers from the instance at addr.
func fetchStatus(ctx context.Context, addr string) ([]mcp.SessionStatus, error) {
	client := httpkit.NewClient(httpkit.WithTimeout(statusTimeout))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/v1/servers", nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		if httpkit.IsConnectError(err) {
			return nil, fmt.Errorf("mcphost is not running at %s", addr)
		}
		return nil, fmt.Errorf("query %s: %w", addr, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query %s: HTTP %d: %s", addr, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var body struct {
		Servers []mcp.SessionStatus `json:"servers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode status from %s: %w", addr, err)
	}
	return body.Servers, nil
}

func writeStatusTable(w io.Writer, statuses []mcp.SessionStatus) error {
	if len(statuses) == 0 {
		fmt.Fprintln(w, "no servers configured")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tTOOLS\tRESOURCES\tPROMPTS\tRESTARTS\tLAST ERROR")
	for _, st := range statuses {
		state := st.State.String()
		switch {
		case !st.Enabled:
			state = "disabled"
		case st.Permanent:
			state += " (permanent)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			st.Name, state, st.Tools, st.Resources, st.Prompts, st.Restarts, firstLine(st.LastError))
	}
	return tw.Flush()
}
