// Mcphost supervises MCP capability servers and republishes their
// merged catalog of tools, resources, and prompts.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcphost serve                Run the supervisor and the consumer API
//	mcphost list                 Start every server once and print the catalog
//	mcphost call <name> [json]   Invoke a tool, resource, or prompt once
//	mcphost status               Show server state from a running instance
//	mcphost init [dir]           Write a starter config.yaml
//	mcphost version              Print version and build information
//	mcphost -o json version      Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/nugget/mcphost/internal/buildinfo"
)

// globals are the flags accepted before the command name.
type globals struct {
	configPath string
	output     string // "text" or "json"
}

// main builds the OS-level environment and hands off to [run], which
// keeps os.Exit and os.Args out of testable code.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx bounds the process lifetime, logs
// from serve go to stdout, and one-shot commands log to stderr so their
// output stays machine readable.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var g globals
	var help bool

	flags := pflag.NewFlagSet("mcphost", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.SetInterspersed(false)
	flags.Usage = func() {}
	flags.StringVarP(&g.configPath, "config", "c", "", "path to config file (default: auto-discover)")
	flags.StringVarP(&g.output, "output", "o", "text", "output format: text or json")
	flags.BoolVarP(&help, "help", "h", false, "show help")

	if err := flags.Parse(args); err != nil {
		return err
	}
	if help {
		return printUsage(stdout, flags)
	}
	if g.output != "text" && g.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", g.output)
	}

	rest := flags.Args()
	if len(rest) == 0 {
		return printUsage(stdout, flags)
	}
	command, cmdArgs := rest[0], rest[1:]

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, g)
	case "list":
		return runList(ctx, stdout, stderr, g, cmdArgs)
	case "call":
		return runCall(ctx, stdout, stderr, g, cmdArgs)
	case "status":
		return runStatus(ctx, stdout, stderr, g, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, g.output)
	case "help":
		return printUsage(stdout, flags)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// parseCommandFlags parses a subcommand's flags. When help was
// requested it prints the flag defaults and reports done.
func parseCommandFlags(fs *pflag.FlagSet, stdout io.Writer, args []string) (done bool, err error) {
	fs.SetOutput(stdout)
	err = fs.Parse(args)
	if errors.Is(err, pflag.ErrHelp) {
		return true, nil
	}
	return false, err
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Current()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, f := range info.Fields() {
		fmt.Fprintf(w, "  %-12s %s\n", f[0]+":", f[1])
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer, flags *pflag.FlagSet) error {
	fmt.Fprintln(w, "mcphost - MCP capability server supervisor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcphost [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve               Run the supervisor and the consumer API")
	fmt.Fprintln(w, "  list                Start every server once and print the merged catalog")
	fmt.Fprintln(w, "  call <name> [json]  Invoke a capability once and print the outcome")
	fmt.Fprintln(w, "  status              Show server state from a running instance")
	fmt.Fprintln(w, "  init [dir]          Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  version             Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprint(w, flags.FlagUsages())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mcphost/config.yaml, /etc/mcphost/config.yaml")
	return nil
}
