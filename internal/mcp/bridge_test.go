package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/tools"
)

// fakeBackend serves a fixed catalog and records every invocation.
type fakeBackend struct {
	mu       sync.Mutex
	catalog  *Catalog
	calls    []string
	args     []json.RawMessage
	timeouts []time.Duration
	result   json.RawMessage
	err      error
}

func (f *fakeBackend) Catalog() *Catalog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.catalog
}

func (f *fakeBackend) Invoke(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.args = append(f.args, args)
	f.timeouts = append(f.timeouts, timeout)
	return f.result, f.err
}

func (f *fakeBackend) ReadResource(ctx context.Context, name string, timeout time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "resource:"+name)
	f.args = append(f.args, nil)
	f.timeouts = append(f.timeouts, timeout)
	return f.result, f.err
}

func (f *fakeBackend) GetPrompt(ctx context.Context, name string, args map[string]string, timeout time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, _ := json.Marshal(args)
	f.calls = append(f.calls, "prompt:"+name)
	f.args = append(f.args, data)
	f.timeouts = append(f.timeouts, timeout)
	return f.result, f.err
}

func (f *fakeBackend) setCatalog(c *Catalog) {
	f.mu.Lock()
	f.catalog = c
	f.mu.Unlock()
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var echoSchema = map[string]any{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type":    "object",
	"properties": map[string]any{
		"text": map[string]any{"type": "string"},
	},
	"required": []any{"text"},
}

func newTestBackend() *fakeBackend {
	return &fakeBackend{
		catalog: BuildCatalog(1, []ServerCapabilitySet{
			{
				Server: "home-assistant",
				Tools: []ToolDefinition{
					{Name: "get_state", Description: "Get entity state", InputSchema: map[string]any{"type": "object"}},
					{Name: "echo", Description: "Echo text", InputSchema: echoSchema},
				},
				Resources: []Resource{{URI: "mem://notes", Name: "notes", MimeType: "text/plain"}},
				Prompts:   []Prompt{{Name: "greet", Arguments: []PromptArgument{{Name: "who", Required: true}}}},
			},
			{
				Server: "files",
				Tools:  []ToolDefinition{{Name: "read"}},
			},
		}),
		result: json.RawMessage(`{"content":[{"type":"text","text":"light.kitchen is off"}]}`),
	}
}

func TestToolName(t *testing.T) {
	tests := []struct {
		server string
		tool   string
		want   string
	}{
		{"home-assistant", "get_entities", "mcp_home_assistant_get_entities"},
		{"github", "create_issue", "mcp_github_create_issue"},
		{"My Server", "Do Thing", "mcp_my_server_do_thing"},
		{"test", "UPPERCASE", "mcp_test_uppercase"},
		{"a--b", "c--d", "mcp_a_b_c_d"},
		{"special!@#", "chars$%^", "mcp_special_chars"},
	}

	for _, tt := range tests {
		t.Run(tt.server+"/"+tt.tool, func(t *testing.T) {
			got := ToolName(tt.server, tt.tool)
			if got != tt.want {
				t.Errorf("ToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{"Hello-World", "hello_world"},
		{"a--b", "a_b"},
		{"_leading_", "leading"},
		{"special!chars", "special_chars"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitize(tt.input)
			if got != tt.want {
				t.Errorf("sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestBridge_ListCapabilities(t *testing.T) {
	b := NewBridge(newTestBackend(), BridgeOptions{})
	caps := b.ListCapabilities()

	var got []string
	for _, c := range caps {
		got = append(got, c.Kind+":"+c.QualifiedName)
	}
	want := "tool:home-assistant.get_state,tool:home-assistant.echo,tool:files.read," +
		"resource:home-assistant.mem://notes,prompt:home-assistant.greet"
	if strings.Join(got, ",") != want {
		t.Errorf("ListCapabilities() = %s\nwant %s", strings.Join(got, ","), want)
	}

	prompt := caps[len(caps)-1]
	if req, _ := prompt.Schema["required"].([]string); len(req) != 1 || req[0] != "who" {
		t.Errorf("prompt schema required = %v, want [who]", prompt.Schema["required"])
	}
	if caps[3].MimeType != "text/plain" {
		t.Errorf("resource mime type = %q", caps[3].MimeType)
	}
}

func TestBridge_InvokeSuccess(t *testing.T) {
	backend := newTestBackend()
	bus := events.NewBus()
	ch := bus.Subscribe(4, events.KindInvoke)
	defer bus.Unsubscribe(ch)

	b := NewBridge(backend, BridgeOptions{Bus: bus})
	out := b.Invoke(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`), 500)
	if !out.OK() {
		t.Fatalf("Invoke() error = %+v", out.Error)
	}
	if !strings.Contains(string(out.Success), "light.kitchen is off") {
		t.Errorf("Success = %s", out.Success)
	}
	if backend.callCount() != 1 {
		t.Errorf("backend called %d times, want 1", backend.callCount())
	}

	select {
	case e := <-ch:
		if e.Data["server"] != "home-assistant" || e.Data["ok"] != true {
			t.Errorf("invoke event data = %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no invoke event published")
	}
}

func TestBridge_InvokeEmptyPayload(t *testing.T) {
	backend := newTestBackend()
	b := NewBridge(backend, BridgeOptions{})

	out := b.Invoke(context.Background(), "files.read", nil, 0)
	if !out.OK() {
		t.Fatalf("Invoke() error = %+v", out.Error)
	}
	if string(backend.args[0]) != "{}" {
		t.Errorf("backend args = %s, want {}", backend.args[0])
	}
}

func TestBridge_InvokeRejectsBadArguments(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		payload string
		wantMsg string
	}{
		{name: "not an object", tool: "files.read", payload: `[1,2]`, wantMsg: "JSON object"},
		{name: "malformed json", tool: "files.read", payload: `{oops`, wantMsg: "JSON object"},
		{name: "null", tool: "files.read", payload: `null`, wantMsg: "JSON object"},
		{name: "missing required", tool: "home-assistant.echo", payload: `{}`, wantMsg: "text"},
		{name: "wrong type", tool: "echo", payload: `{"text":5}`, wantMsg: "invalid arguments"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newTestBackend()
			b := NewBridge(backend, BridgeOptions{})

			out := b.Invoke(context.Background(), tt.tool, json.RawMessage(tt.payload), 0)
			if out.OK() {
				t.Fatal("Invoke() succeeded, want a validation failure")
			}
			if out.Error.Kind != KindApplicationError || out.Error.Code != CodeInvalidParams {
				t.Errorf("error = %+v, want application_error %d", out.Error, CodeInvalidParams)
			}
			if !strings.Contains(out.Error.Message, tt.wantMsg) {
				t.Errorf("message = %q, want it to mention %q", out.Error.Message, tt.wantMsg)
			}
			if backend.callCount() != 0 {
				t.Error("no server may be contacted when arguments are invalid")
			}
		})
	}
}

func TestBridge_ValidationErrorData(t *testing.T) {
	b := NewBridge(newTestBackend(), BridgeOptions{})
	out := b.Invoke(context.Background(), "echo", json.RawMessage(`{}`), 0)
	if out.OK() {
		t.Fatal("expected failure")
	}
	var data struct {
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(out.Error.Data, &data); err != nil {
		t.Fatalf("decode error data %s: %v", out.Error.Data, err)
	}
	if len(data.Errors) == 0 {
		t.Error("error data should list the schema violations")
	}
}

func TestBridge_InvokeRoutesEveryListedKind(t *testing.T) {
	backend := newTestBackend()
	b := NewBridge(backend, BridgeOptions{})

	want := map[string]string{
		"home-assistant.get_state":   "home-assistant.get_state",
		"home-assistant.mem://notes": "resource:home-assistant.mem://notes",
		"home-assistant.greet":       "prompt:home-assistant.greet",
	}
	payloads := map[string]string{
		"home-assistant.echo":  `{"text":"hi"}`,
		"home-assistant.greet": `{"who":"world"}`,
	}
	for _, c := range b.ListCapabilities() {
		out := b.Invoke(context.Background(), c.QualifiedName, json.RawMessage(payloads[c.QualifiedName]), 0)
		if !out.OK() {
			t.Errorf("listed %s %q: invoke failed: %v", c.Kind, c.QualifiedName, out.Error)
		}
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	for name, call := range want {
		found := false
		for _, got := range backend.calls {
			found = found || got == call
		}
		if !found {
			t.Errorf("%s was not dispatched as %q; calls = %v", name, call, backend.calls)
		}
	}
	for i, call := range backend.calls {
		if call == "prompt:home-assistant.greet" && string(backend.args[i]) != `{"who":"world"}` {
			t.Errorf("prompt args = %s", backend.args[i])
		}
	}
}

func TestBridge_InvokePromptValidatesArguments(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "missing required", payload: `{}`},
		{name: "not a string", payload: `{"who":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newTestBackend()
			b := NewBridge(backend, BridgeOptions{})

			out := b.Invoke(context.Background(), "home-assistant.greet", json.RawMessage(tt.payload), 0)
			if out.OK() || out.Error.Kind != KindApplicationError || out.Error.Code != CodeInvalidParams {
				t.Fatalf("outcome = %+v, want application_error -32602", out.Error)
			}
			if n := backend.callCount(); n != 0 {
				t.Errorf("backend called %d times, want 0", n)
			}
		})
	}
}

func TestBridge_InvokeClampsHugeTimeout(t *testing.T) {
	backend := newTestBackend()
	b := NewBridge(backend, BridgeOptions{})

	for _, ms := range []int64{math.MaxInt64, maxTimeoutMillis + 1} {
		if out := b.Invoke(context.Background(), "files.read", nil, ms); !out.OK() {
			t.Fatalf("Invoke(timeout=%d): %v", ms, out.Error)
		}
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	for i, d := range backend.timeouts {
		if d <= 0 {
			t.Errorf("call %d timeout = %v, want a large positive duration", i, d)
		}
	}
}

func TestBridge_InvokeErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind Kind
		wantCode int
		wantMsg  string
	}{
		{
			name:     "application error keeps code and data",
			err:      fmt.Errorf("tools/call read: %w", &RPCError{Code: CodeToolError, Message: "file not found", Data: json.RawMessage(`{"path":"/x"}`)}),
			wantKind: KindApplicationError,
			wantCode: CodeToolError,
			wantMsg:  "file not found",
		},
		{name: "unknown tool", err: fmt.Errorf("nope: %w", ErrUnknownTool), wantKind: KindUnknownTool},
		{name: "unavailable", err: unavailable(&TransportError{Op: "read", Err: fmt.Errorf("EOF")}), wantKind: KindServerUnavailable},
		{name: "timeout", err: fmt.Errorf("tools/call: %w", ErrTimeout), wantKind: KindTimeout},
		{name: "cancelled", err: fmt.Errorf("tools/call: %w", ErrCancelled), wantKind: KindCancelled},
		{name: "protocol", err: &ProtocolError{Msg: "malformed tools/call result"}, wantKind: KindProtocolError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newTestBackend()
			backend.err = tt.err
			b := NewBridge(backend, BridgeOptions{})

			out := b.Invoke(context.Background(), "files.read", json.RawMessage(`{}`), 0)
			if out.OK() {
				t.Fatal("Invoke() succeeded, want failure")
			}
			if out.Success != nil {
				t.Error("a failed outcome must not carry a success payload")
			}
			if out.Error.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", out.Error.Kind, tt.wantKind)
			}
			if tt.wantCode != 0 && out.Error.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", out.Error.Code, tt.wantCode)
			}
			if tt.wantMsg != "" && out.Error.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", out.Error.Message, tt.wantMsg)
			}
		})
	}
}

func TestOutcome_JSON(t *testing.T) {
	ok, _ := json.Marshal(Outcome{Success: json.RawMessage(`{"a":1}`)})
	if string(ok) != `{"success":{"a":1}}` {
		t.Errorf("success outcome = %s", ok)
	}
	bad, _ := json.Marshal(Outcome{Error: &OutcomeError{Kind: KindTimeout, Message: "slow"}})
	if string(bad) != `{"error":{"kind":"timeout","message":"slow"}}` {
		t.Errorf("error outcome = %s", bad)
	}
}

func TestBridge_RegisterTools(t *testing.T) {
	backend := newTestBackend()
	b := NewBridge(backend, BridgeOptions{})
	registry := tools.NewRegistry()
	registry.Register(&tools.Tool{Name: "native_clock"})

	n := b.RegisterTools(registry, nil)
	if n != 3 {
		t.Fatalf("RegisterTools() = %d, want 3", n)
	}
	for _, name := range []string{"mcp_home_assistant_get_state", "mcp_home_assistant_echo", "mcp_files_read"} {
		tool := registry.Get(name)
		if tool == nil {
			t.Errorf("tool %q not registered", name)
			continue
		}
		if !strings.HasPrefix(tool.Source, "mcp:") {
			t.Errorf("tool %q source = %q", name, tool.Source)
		}
	}
	if registry.Get("mcp_files_read").Parameters["type"] != "object" {
		t.Error("a tool without a schema should get an empty object schema")
	}

	// The files server goes away; its tool must be withdrawn and the
	// native tool left alone.
	backend.setCatalog(BuildCatalog(2, []ServerCapabilitySet{{
		Server: "home-assistant",
		Tools:  []ToolDefinition{{Name: "get_state"}},
	}}))
	n = b.RegisterTools(registry, nil)
	if n != 1 {
		t.Errorf("RegisterTools() after change = %d, want 1", n)
	}
	got := strings.Join(registry.AllToolNames(), ",")
	if got != "mcp_home_assistant_get_state,native_clock" {
		t.Errorf("registry = %s", got)
	}
}

func TestBridge_RegisterToolsFilter(t *testing.T) {
	cfgs := []ServerConfig{
		{Name: "home-assistant", IncludeTools: []string{"echo"}},
		{Name: "files", ExcludeTools: []string{"read"}},
	}

	b := NewBridge(newTestBackend(), BridgeOptions{})
	registry := tools.NewRegistry()
	n := b.RegisterTools(registry, AllowTools(cfgs))
	if n != 1 {
		t.Fatalf("RegisterTools() = %d, want 1", n)
	}
	if registry.Get("mcp_home_assistant_echo") == nil {
		t.Error("included tool should be registered")
	}
	if registry.Get("mcp_home_assistant_get_state") != nil {
		t.Error("tool outside the include list should be skipped")
	}
	if registry.Get("mcp_files_read") != nil {
		t.Error("excluded tool should be skipped")
	}
}

func TestAllowTools(t *testing.T) {
	filter := AllowTools([]ServerConfig{
		{Name: "a", IncludeTools: []string{"x"}, ExcludeTools: []string{"x"}},
		{Name: "b", ExcludeTools: []string{"y"}},
	})

	tests := []struct {
		server, tool string
		want         bool
	}{
		{"a", "x", true},
		{"a", "y", false},
		{"b", "x", true},
		{"b", "y", false},
		{"unconfigured", "anything", true},
	}
	for _, tt := range tests {
		if got := filter(tt.server, tt.tool); got != tt.want {
			t.Errorf("filter(%q, %q) = %v, want %v", tt.server, tt.tool, got, tt.want)
		}
	}
}

func TestBridge_ToolHandlerProxiesInvoke(t *testing.T) {
	backend := newTestBackend()
	b := NewBridge(backend, BridgeOptions{})
	registry := tools.NewRegistry()
	b.RegisterTools(registry, nil)

	result, err := registry.Execute(context.Background(), "mcp_home_assistant_get_state", `{"entity_id":"light.kitchen"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "light.kitchen is off" {
		t.Errorf("result = %q, want %q", result, "light.kitchen is off")
	}

	// The handler must address the server by its qualified name, not the
	// namespaced registry name.
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.calls[0] != "home-assistant.get_state" {
		t.Errorf("backend invoked %q, want home-assistant.get_state", backend.calls[0])
	}
	if !strings.Contains(string(backend.args[0]), "light.kitchen") {
		t.Errorf("backend args = %s", backend.args[0])
	}
}

func TestBridge_ToolHandlerReturnsOutcomeError(t *testing.T) {
	backend := newTestBackend()
	backend.err = fmt.Errorf("x: %w", ErrTimeout)
	b := NewBridge(backend, BridgeOptions{})
	registry := tools.NewRegistry()
	b.RegisterTools(registry, nil)

	_, err := registry.Execute(context.Background(), "mcp_files_read", "")
	oe, ok := err.(*OutcomeError)
	if !ok {
		t.Fatalf("Execute() error = %T %v, want *OutcomeError", err, err)
	}
	if oe.Kind != KindTimeout {
		t.Errorf("kind = %s, want timeout", oe.Kind)
	}
}
