package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestClient(t *testing.T, opts ClientOptions) (*Client, *pipeTransport) {
	t.Helper()
	p := newPipeTransport()
	c := NewClient("test", p, opts)
	t.Cleanup(func() { c.Close() })
	return c, p
}

func TestClient_Initialize(t *testing.T) {
	c, p := newTestClient(t, ClientOptions{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Initialize(context.Background(), time.Second)
		done <- err
	}()

	req := p.next(t)
	if req.Method != "initialize" {
		t.Fatalf("first frame method = %q, want initialize", req.Method)
	}
	var params struct {
		ProtocolVersion string         `json:"protocolVersion"`
		ClientInfo      Implementation `json:"clientInfo"`
		Capabilities    map[string]any `json:"capabilities"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("decode initialize params: %v", err)
	}
	if params.ProtocolVersion != LatestProtocolVersion {
		t.Errorf("protocolVersion = %q, want %q", params.ProtocolVersion, LatestProtocolVersion)
	}
	if params.ClientInfo.Name != "mcphost" {
		t.Errorf("clientInfo.name = %q, want mcphost", params.ClientInfo.Name)
	}
	if _, ok := params.Capabilities["roots"]; !ok {
		t.Error("client capabilities should declare roots")
	}

	p.reply(t, req, initResult("2024-11-05"))

	notif := p.next(t)
	if notif.Method != "notifications/initialized" || len(notif.ID) != 0 {
		t.Errorf("second frame = %+v, want notifications/initialized without id", notif)
	}
	if err := <-done; err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	info := c.Info()
	if info == nil || info.ServerInfo.Name != "scripted" || info.ProtocolVersion != "2024-11-05" {
		t.Errorf("Info() = %+v", info)
	}
}

func TestClient_InitializeVersionMismatch(t *testing.T) {
	c, p := newTestClient(t, ClientOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scriptedServer(ctx, t, p, func(m *message) (any, *RPCError) {
		return initResult("1999-01-01"), nil
	})

	_, err := c.Initialize(context.Background(), time.Second)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("Initialize() = %v, want ErrVersionMismatch", err)
	}
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Errorf("Initialize() error %T should be a *ProtocolError", err)
	}
	if c.Info() != nil {
		t.Error("Info() should stay nil after a failed handshake")
	}
}

func TestClient_InitializeMalformedResult(t *testing.T) {
	c, p := newTestClient(t, ClientOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scriptedServer(ctx, t, p, func(m *message) (any, *RPCError) {
		return "not an object", nil
	})

	_, err := c.Initialize(context.Background(), time.Second)
	if ErrorKind(err) != KindProtocolError {
		t.Fatalf("Initialize() = %v (kind %s), want protocol_error", err, ErrorKind(err))
	}
}

func TestClient_ConcurrentCallsOutOfOrder(t *testing.T) {
	c, p := newTestClient(t, ClientOptions{})

	const n = 5
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := c.Call(context.Background(), "echo", map[string]any{"i": i}, time.Second)
			errs[i] = err
			var out struct{ I int }
			_ = json.Unmarshal(raw, &out)
			results[i] = strings.Repeat("x", out.I)
		}()
	}

	// Collect every request, then answer them in reverse.
	reqs := make([]*message, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, p.next(t))
	}
	for i := len(reqs) - 1; i >= 0; i-- {
		var params map[string]int
		if err := json.Unmarshal(reqs[i].Params, &params); err != nil {
			t.Fatalf("decode params: %v", err)
		}
		p.reply(t, reqs[i], map[string]int{"i": params["i"]})
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("call %d: %v", i, errs[i])
		}
		if results[i] != strings.Repeat("x", i) {
			t.Errorf("call %d got the response for call %d", i, len(results[i]))
		}
	}
}

func TestClient_RequestIDsMonotonic(t *testing.T) {
	c, p := newTestClient(t, ClientOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var ids []int64
	scriptedServer(ctx, t, p, func(m *message) (any, *RPCError) {
		id, _ := responseID(m.ID)
		mu.Lock()
		ids = append(ids, id)
		mu.Unlock()
		return map[string]any{}, nil
	})

	for i := 0; i < 4; i++ {
		if _, err := c.Call(context.Background(), "ping", nil, time.Second); err != nil {
			t.Fatalf("Call: %v", err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not strictly increasing: %v", ids)
		}
	}
}

func TestClient_TimeoutSendsCancellationAndDropsLateResponse(t *testing.T) {
	c, p := newTestClient(t, ClientOptions{})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "tools/call", map[string]any{"name": "slow"}, 30*time.Millisecond)
		errc <- err
	}()

	req := p.next(t)
	err := <-errc
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call() = %v, want ErrTimeout", err)
	}
	if ErrorKind(err) != KindTimeout {
		t.Errorf("ErrorKind = %s, want timeout", ErrorKind(err))
	}

	cancelMsg := p.next(t)
	if cancelMsg.Method != "notifications/cancelled" {
		t.Fatalf("after timeout client sent %q, want notifications/cancelled", cancelMsg.Method)
	}
	var params struct {
		RequestID int64  `json:"requestId"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(cancelMsg.Params, &params); err != nil {
		t.Fatalf("decode cancel params: %v", err)
	}
	wantID, _ := responseID(req.ID)
	if params.RequestID != wantID {
		t.Errorf("cancelled requestId = %d, want %d", params.RequestID, wantID)
	}

	// The late response must be discarded without disturbing the client.
	p.reply(t, req, map[string]any{"late": true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scriptedServer(ctx, t, p, func(m *message) (any, *RPCError) {
		return map[string]any{"fresh": true}, nil
	})
	raw, err := c.Call(context.Background(), "ping", nil, time.Second)
	if err != nil {
		t.Fatalf("follow-up Call: %v", err)
	}
	if !strings.Contains(string(raw), "fresh") {
		t.Errorf("follow-up Call got %s, want the fresh response", raw)
	}

	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending table has %d entries, want 0", pending)
	}
}

func TestClient_CallerCancellation(t *testing.T) {
	c, p := newTestClient(t, ClientOptions{})
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "tools/call", nil, time.Minute)
		errc <- err
	}()
	p.next(t)
	cancel()

	err := <-errc
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Call() = %v, want ErrCancelled", err)
	}
	if ErrorKind(err) != KindCancelled {
		t.Errorf("ErrorKind = %s, want cancelled", ErrorKind(err))
	}
}

func TestClient_TeardownFailsPending(t *testing.T) {
	c, p := newTestClient(t, ClientOptions{})

	const n = 3
	errc := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Call(context.Background(), "tools/call", nil, time.Minute)
			errc <- err
		}()
	}
	for i := 0; i < n; i++ {
		p.next(t)
	}

	p.end(&TransportError{Op: "read", Err: errors.New("process exited")})

	for i := 0; i < n; i++ {
		select {
		case err := <-errc:
			if !errors.Is(err, ErrServerUnavailable) {
				t.Errorf("pending call = %v, want ErrServerUnavailable", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending call was not failed by teardown")
		}
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after transport ended")
	}
	var trErr *TransportError
	if !errors.As(c.Err(), &trErr) {
		t.Errorf("Err() = %v, want the transport error", c.Err())
	}

	if _, err := c.Call(context.Background(), "ping", nil, time.Second); !errors.Is(err, ErrServerUnavailable) {
		t.Errorf("Call after teardown = %v, want ErrServerUnavailable", err)
	}
}

func TestClient_CloseFailsPending(t *testing.T) {
	c, p := newTestClient(t, ClientOptions{})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "slow", nil, time.Minute)
		errc <- err
	}()
	p.next(t)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-errc; !errors.Is(err, ErrServerUnavailable) {
		t.Errorf("pending call after Close = %v, want ErrServerUnavailable", err)
	}
}

func TestClient_RPCErrorIsApplicationError(t *testing.T) {
	c, p := newTestClient(t, ClientOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scriptedServer(ctx, t, p, func(m *message) (any, *RPCError) {
		return nil, &RPCError{Code: -32001, Message: "nope", Data: json.RawMessage(`{"why":"because"}`)}
	})

	_, err := c.Call(context.Background(), "anything", nil, time.Second)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Call() = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32001 || rpcErr.Message != "nope" {
		t.Errorf("RPCError = %+v", rpcErr)
	}
	if string(rpcErr.Data) != `{"why":"because"}` {
		t.Errorf("RPCError.Data = %s", rpcErr.Data)
	}
	if ErrorKind(err) != KindApplicationError {
		t.Errorf("ErrorKind = %s, want application_error", ErrorKind(err))
	}
}

func TestClient_MalformedFramesSkipped(t *testing.T) {
	c, p := newTestClient(t, ClientOptions{})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "ping", nil, time.Second)
		errc <- err
	}()
	req := p.next(t)

	p.inject(`this is not json`)
	p.inject(`{"jsonrpc":"2.0"}`)
	p.inject(`{"jsonrpc":"2.0","id":99999,"result":{}}`)
	p.inject(`{"jsonrpc":"2.0","id":1}`)
	p.reply(t, req, map[string]any{})

	if err := <-errc; err != nil {
		t.Fatalf("Call() after malformed frames = %v", err)
	}
	select {
	case <-c.Done():
		t.Fatal("malformed frames must not tear the client down")
	default:
	}
}

func TestClient_NotificationsDispatchedWithoutBlockingCalls(t *testing.T) {
	c, p := newTestClient(t, ClientOptions{})

	release := make(chan struct{})
	got := make(chan string, 4)
	c.Subscribe(func(n ServerNotification) {
		<-release
		got <- n.Method
	})

	p.inject(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
	p.inject(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info","data":"hi"}}`)

	// The handler is blocked, yet a call must still complete.
	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "ping", nil, time.Second)
		errc <- err
	}()
	p.reply(t, p.next(t), map[string]any{})
	if err := <-errc; err != nil {
		t.Fatalf("Call() while handler blocked = %v", err)
	}

	close(release)
	for _, want := range []string{"notifications/tools/list_changed", "notifications/message"} {
		select {
		case method := <-got:
			if method != want {
				t.Errorf("notification = %q, want %q", method, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("notification %q not delivered", want)
		}
	}
}

func TestClient_AnswersServerRequests(t *testing.T) {
	_, p := newTestClient(t, ClientOptions{Roots: []Root{{URI: "file:///work", Name: "work"}}})

	tests := []struct {
		name     string
		frame    string
		wantErr  int
		wantText string
	}{
		{name: "ping", frame: `{"jsonrpc":"2.0","id":"s1","method":"ping"}`, wantText: `{}`},
		{name: "roots", frame: `{"jsonrpc":"2.0","id":"s2","method":"roots/list"}`, wantText: `file:///work`},
		{name: "unknown", frame: `{"jsonrpc":"2.0","id":7,"method":"sampling/createMessage"}`, wantErr: CodeMethodNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p.inject(tt.frame)
			resp := p.next(t)

			var in message
			_ = json.Unmarshal([]byte(tt.frame), &in)
			if string(resp.ID) != string(in.ID) {
				t.Errorf("reply id = %s, want %s", resp.ID, in.ID)
			}
			if tt.wantErr != 0 {
				if resp.Error == nil || resp.Error.Code != tt.wantErr {
					t.Errorf("reply error = %+v, want code %d", resp.Error, tt.wantErr)
				}
				return
			}
			if !strings.Contains(string(resp.Result), tt.wantText) {
				t.Errorf("reply result = %s, want it to contain %s", resp.Result, tt.wantText)
			}
		})
	}
}

func TestClient_ListToolsPaginates(t *testing.T) {
	c, p := newTestClient(t, ClientOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scriptedServer(ctx, t, p, func(m *message) (any, *RPCError) {
		var params struct {
			Cursor string `json:"cursor"`
		}
		_ = json.Unmarshal(m.Params, &params)
		switch params.Cursor {
		case "":
			return map[string]any{"tools": []ToolDefinition{{Name: "a"}}, "nextCursor": "p2"}, nil
		case "p2":
			return map[string]any{"tools": []ToolDefinition{{Name: "b"}, {Name: "c"}}, "nextCursor": "p3"}, nil
		default:
			return map[string]any{"tools": []ToolDefinition{{Name: "d"}}}, nil
		}
	})

	tools, err := c.ListTools(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	if got := strings.Join(names, ","); got != "a,b,c,d" {
		t.Errorf("ListTools() = %s, want a,b,c,d", got)
	}
}

func TestClient_CallTool(t *testing.T) {
	tests := []struct {
		name     string
		result   any
		wantErr  bool
		wantCode int
		wantMsg  string
	}{
		{
			name:   "text result",
			result: map[string]any{"content": []ContentBlock{{Type: "text", Text: "pong"}}},
		},
		{
			name:     "isError result",
			result:   map[string]any{"content": []ContentBlock{{Type: "text", Text: "boom"}}, "isError": true},
			wantErr:  true,
			wantCode: CodeToolError,
			wantMsg:  "boom",
		},
		{
			name:     "isError without text",
			result:   map[string]any{"content": []ContentBlock{}, "isError": true},
			wantErr:  true,
			wantCode: CodeToolError,
			wantMsg:  "tool reported an error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, p := newTestClient(t, ClientOptions{})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var gotArgs json.RawMessage
			scriptedServer(ctx, t, p, func(m *message) (any, *RPCError) {
				var params struct {
					Arguments json.RawMessage `json:"arguments"`
				}
				_ = json.Unmarshal(m.Params, &params)
				gotArgs = params.Arguments
				return tt.result, nil
			})

			raw, err := c.CallTool(context.Background(), "ping", nil, time.Second)
			if string(gotArgs) != "{}" {
				t.Errorf("arguments sent = %s, want {}", gotArgs)
			}
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("CallTool: %v", err)
				}
				var res CallToolResult
				if err := json.Unmarshal(raw, &res); err != nil || res.Text() != "pong" {
					t.Errorf("CallTool() = %s", raw)
				}
				return
			}
			var rpcErr *RPCError
			if !errors.As(err, &rpcErr) {
				t.Fatalf("CallTool() = %v, want *RPCError", err)
			}
			if rpcErr.Code != tt.wantCode || rpcErr.Message != tt.wantMsg {
				t.Errorf("RPCError = %+v, want code %d message %q", rpcErr, tt.wantCode, tt.wantMsg)
			}
			if len(rpcErr.Data) == 0 {
				t.Error("RPCError.Data should carry the raw result")
			}
		})
	}
}

func TestClient_Name(t *testing.T) {
	c, _ := newTestClient(t, ClientOptions{})
	if c.Name() != "test" {
		t.Errorf("Name() = %q, want %q", c.Name(), "test")
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name   string
		blocks []ContentBlock
		want   string
	}{
		{"empty", nil, ""},
		{"single text", []ContentBlock{{Type: "text", Text: "hello"}}, "hello"},
		{"multiple text", []ContentBlock{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}}, "a\nb"},
		{"image", []ContentBlock{{Type: "image"}}, "[image]"},
		{"resource", []ContentBlock{{Type: "resource"}}, "[resource]"},
		{"unknown type", []ContentBlock{{Type: "audio"}}, "[audio]"},
		{"mixed", []ContentBlock{{Type: "text", Text: "see"}, {Type: "image"}}, "see\n[image]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractText(tt.blocks); got != tt.want {
				t.Errorf("extractText() = %q, want %q", got, tt.want)
			}
		})
	}
}
