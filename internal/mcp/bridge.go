package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/tools"
)

// Capability kinds reported by ListCapabilities.
const (
	CapabilityTool     = "tool"
	CapabilityResource = "resource"
	CapabilityPrompt   = "prompt"
)

// toolSourcePrefix marks registry entries published by the bridge.
const toolSourcePrefix = "mcp:"

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// Backend is what the bridge needs from the manager.
type Backend interface {
	Catalog() *Catalog
	Invoke(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error)
	ReadResource(ctx context.Context, name string, timeout time.Duration) (json.RawMessage, error)
	GetPrompt(ctx context.Context, name string, args map[string]string, timeout time.Duration) (json.RawMessage, error)
}

// maxTimeoutMillis is the largest timeout that converts to a
// time.Duration without overflowing.
const maxTimeoutMillis = math.MaxInt64 / int64(time.Millisecond)

// Capability is one consumer-visible catalog entry.
type Capability struct {
	QualifiedName string         `json:"qualifiedName"`
	Kind          string         `json:"kind"`
	Server        string         `json:"server"`
	Description   string         `json:"description,omitempty"`
	Schema        map[string]any `json:"schema,omitempty"`
	MimeType      string         `json:"mimeType,omitempty"`
}

// OutcomeError is the structured failure of an invocation. It
// implements error so tool handlers can return it unchanged.
type OutcomeError struct {
	Kind    Kind            `json:"kind"`
	Message string          `json:"message"`
	Code    int             `json:"code,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *OutcomeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Outcome is the result of Bridge.Invoke: exactly one of Success or
// Error is set.
type Outcome struct {
	Success json.RawMessage `json:"success,omitempty"`
	Error   *OutcomeError   `json:"error,omitempty"`
}

// OK reports whether the invocation succeeded.
func (o Outcome) OK() bool { return o.Error == nil }

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	Logger *slog.Logger
	Bus    *events.Bus
}

// Bridge adapts the manager to consumers: a capability listing and an
// invoke operation whose failures are always structured. It keeps no
// state of its own; every call reads the current catalog snapshot.
type Bridge struct {
	backend Backend
	logger  *slog.Logger
	bus     *events.Bus
}

// NewBridge creates a bridge over backend.
func NewBridge(backend Backend, opts BridgeOptions) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{backend: backend, logger: logger, bus: opts.Bus}
}

// ListCapabilities returns every catalog entry: tools, then resources,
// then prompts, each in catalog order.
func (b *Bridge) ListCapabilities() []Capability {
	cat := b.backend.Catalog()
	out := make([]Capability, 0, cat.Len())
	for _, e := range cat.Tools() {
		out = append(out, Capability{
			QualifiedName: e.QualifiedName,
			Kind:          CapabilityTool,
			Server:        e.Server,
			Description:   e.Tool.Description,
			Schema:        e.Tool.InputSchema,
		})
	}
	for _, e := range cat.Resources() {
		out = append(out, Capability{
			QualifiedName: e.QualifiedName,
			Kind:          CapabilityResource,
			Server:        e.Server,
			Description:   e.Resource.Description,
			MimeType:      e.Resource.MimeType,
		})
	}
	for _, e := range cat.Prompts() {
		out = append(out, Capability{
			QualifiedName: e.QualifiedName,
			Kind:          CapabilityPrompt,
			Server:        e.Server,
			Description:   e.Prompt.Description,
			Schema:        promptSchema(e.Prompt.Arguments),
		})
	}
	return out
}

// promptSchema describes prompt arguments as a JSON schema so consumers
// can treat every capability alike. Prompt arguments are strings.
func promptSchema(args []PromptArgument) map[string]any {
	props := make(map[string]any, len(args))
	var required []string
	for _, a := range args {
		prop := map[string]any{"type": "string"}
		if a.Description != "" {
			prop["description"] = a.Description
		}
		props[a.Name] = prop
		if a.Required {
			required = append(required, a.Name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Invoke calls any listed capability. Tools resolve by qualified or
// unqualified name; resources read by server.uri and prompts render by
// qualified name. payload must be a JSON object (empty means no
// arguments); a resource read ignores it. A non-positive timeoutMillis
// uses the server's default. Arguments that violate the tool's input
// schema, or the prompt's string arguments, fail as application_error
// with code -32602 without contacting any server.
func (b *Bridge) Invoke(ctx context.Context, name string, payload json.RawMessage, timeoutMillis int64) Outcome {
	start := time.Now()
	timeoutMillis = min(timeoutMillis, maxTimeoutMillis)
	out := b.invoke(ctx, name, payload, time.Duration(timeoutMillis)*time.Millisecond)

	data := map[string]any{
		"name":        name,
		"ok":          out.OK(),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if server := owner(b.backend.Catalog(), name); server != "" {
		data["server"] = server
	}
	if !out.OK() {
		data["kind"] = string(out.Error.Kind)
		data["error"] = out.Error.Message
		b.logger.Debug("MCP invocation failed", "name", name, "kind", out.Error.Kind, "error", out.Error.Message)
	}
	b.bus.Publish(events.New(events.SourceBridge, events.KindInvoke, data))
	return out
}

func (b *Bridge) invoke(ctx context.Context, name string, payload json.RawMessage, timeout time.Duration) Outcome {
	if len(strings.TrimSpace(string(payload))) == 0 {
		payload = json.RawMessage("{}")
	}
	var args map[string]any
	if err := json.Unmarshal(payload, &args); err != nil || args == nil {
		return Outcome{Error: &OutcomeError{
			Kind:    KindApplicationError,
			Code:    CodeInvalidParams,
			Message: "arguments must be a JSON object",
		}}
	}

	var (
		result json.RawMessage
		err    error
	)
	cat := b.backend.Catalog()
	if tool, _, ok := cat.ResolveTool(name); ok {
		if oe := b.validate(tool.QualifiedName, tool.Tool.InputSchema, payload); oe != nil {
			return Outcome{Error: oe}
		}
		result, err = b.backend.Invoke(ctx, name, payload, timeout)
	} else if _, ok := cat.LookupResource(name); ok {
		result, err = b.backend.ReadResource(ctx, name, timeout)
	} else if prompt, ok := cat.LookupPrompt(name); ok {
		if oe := b.validate(prompt.QualifiedName, promptSchema(prompt.Prompt.Arguments), payload); oe != nil {
			return Outcome{Error: oe}
		}
		result, err = b.backend.GetPrompt(ctx, name, promptArgs(args), timeout)
	} else {
		// Not listed: the backend decides between unknown and unavailable.
		result, err = b.backend.Invoke(ctx, name, payload, timeout)
	}
	if err != nil {
		return Outcome{Error: outcomeError(err)}
	}
	return Outcome{Success: result}
}

// owner returns the server behind name, or "" when it cannot tell.
func owner(cat *Catalog, name string) string {
	if e, _, ok := cat.ResolveTool(name); ok {
		return e.Server
	}
	if e, ok := cat.LookupResource(name); ok {
		return e.Server
	}
	if e, ok := cat.LookupPrompt(name); ok {
		return e.Server
	}
	if server, _, ok := SplitQualified(name); ok {
		return server
	}
	return ""
}

// promptArgs converts validated prompt arguments. Validation has
// already ensured every value is a string.
func promptArgs(args map[string]any) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// validate checks payload against schema. A schema the validator cannot
// compile is the server's problem; the call proceeds.
func (b *Bridge) validate(name string, inputSchema map[string]any, payload json.RawMessage) *OutcomeError {
	if len(inputSchema) == 0 {
		return nil
	}

	// The validator only knows drafts up to 7; drop the declaration and
	// let it apply its default.
	schema := make(map[string]any, len(inputSchema))
	for k, v := range inputSchema {
		if k != "$schema" {
			schema[k] = v
		}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewBytesLoader(payload))
	if err != nil {
		b.logger.Debug("skipping argument validation", "name", name, "error", err)
		return nil
	}
	if result.Valid() {
		return nil
	}

	var details []string
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	data, _ := json.Marshal(map[string]any{"errors": details})
	return &OutcomeError{
		Kind:    KindApplicationError,
		Code:    CodeInvalidParams,
		Message: fmt.Sprintf("invalid arguments for %s: %s", name, strings.Join(details, "; ")),
		Data:    data,
	}
}

// outcomeError converts an error into its structured form.
func outcomeError(err error) *OutcomeError {
	oe := &OutcomeError{Kind: ErrorKind(err), Message: err.Error()}
	var rpcErr *RPCError
	if oe.Kind == KindApplicationError && errors.As(err, &rpcErr) {
		oe.Code = rpcErr.Code
		oe.Message = rpcErr.Message
		oe.Data = rpcErr.Data
	}
	return oe
}

// ToolFilter decides whether a server's tool is republished into the
// tool pipeline.
type ToolFilter func(server, tool string) bool

// RegisterTools republishes the catalog's tools into registry. Tool
// names are namespaced as "mcp_{server}_{tool}" so they cannot collide
// with native tools. Tools the bridge registered earlier that are no
// longer in the catalog (or no longer pass filter) are unregistered. A
// nil filter admits everything. RegisterTools returns the number of
// tools registered.
func (b *Bridge) RegisterTools(registry *tools.Registry, filter ToolFilter) int {
	cat := b.backend.Catalog()

	want := make(map[string]*tools.Tool)
	for _, e := range cat.Tools() {
		if filter != nil && !filter(e.Server, e.Tool.Name) {
			continue
		}
		name := ToolName(e.Server, e.Tool.Name)
		if prev, dup := want[name]; dup {
			b.logger.Warn("MCP tool name collides after sanitizing; keeping the first",
				"tool_name", name,
				"kept", prev.Source,
				"skipped", e.QualifiedName,
			)
			continue
		}
		want[name] = b.bridgeTool(name, e)
	}

	for _, name := range registry.AllToolNames() {
		t := registry.Get(name)
		if t == nil || !strings.HasPrefix(t.Source, toolSourcePrefix) {
			continue
		}
		if _, keep := want[name]; !keep {
			registry.Unregister(name)
			b.logger.Debug("unregistered MCP tool", "tool_name", name)
		}
	}

	for name, t := range want {
		registry.Register(t)
		b.logger.Debug("bridged MCP tool", "tool_name", name, "source", t.Source)
	}
	return len(want)
}

// ToolName generates a namespaced tool name from an MCP server name and
// tool name. Both components are sanitized to contain only lowercase
// alphanumeric characters and underscores.
func ToolName(serverName, mcpToolName string) string {
	server := sanitize(serverName)
	tool := sanitize(mcpToolName)
	return fmt.Sprintf("mcp_%s_%s", server, tool)
}

// bridgeTool creates a registry tool that proxies calls through Invoke.
func (b *Bridge) bridgeTool(name string, e ToolEntry) *tools.Tool {
	qualified := e.QualifiedName
	params := e.Tool.InputSchema
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	return &tools.Tool{
		Name:        name,
		Description: e.Tool.Description,
		Parameters:  params,
		Source:      toolSourcePrefix + e.Server,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if args == nil {
				args = map[string]any{}
			}
			payload, err := json.Marshal(args)
			if err != nil {
				return "", fmt.Errorf("encode arguments: %w", err)
			}
			out := b.Invoke(ctx, qualified, payload, 0)
			if out.Error != nil {
				return "", out.Error
			}
			var result CallToolResult
			if err := json.Unmarshal(out.Success, &result); err != nil {
				return string(out.Success), nil
			}
			return result.Text(), nil
		},
	}
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// AllowTools builds a ToolFilter from per-server include and exclude
// lists. A non-empty include list wins over exclude.
func AllowTools(cfgs []ServerConfig) ToolFilter {
	type lists struct{ include, exclude map[string]bool }
	byServer := make(map[string]lists, len(cfgs))
	for _, c := range cfgs {
		byServer[c.Name] = lists{include: toSet(c.IncludeTools), exclude: toSet(c.ExcludeTools)}
	}
	return func(server, tool string) bool {
		l, ok := byServer[server]
		if !ok {
			return true
		}
		if len(l.include) > 0 {
			return l.include[tool]
		}
		return !l.exclude[tool]
	}
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
