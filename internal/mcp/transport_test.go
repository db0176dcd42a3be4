package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// pipeTransport is an in-memory Transport. Frames the client sends land
// on sent; the test injects inbound frames with inject.
type pipeTransport struct {
	sent   chan []byte
	frames chan []byte
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		sent:   make(chan []byte, 256),
		frames: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

func (p *pipeTransport) Send(ctx context.Context, frame []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return &TransportError{Op: "write", Err: errors.New("transport closed")}
	}
	f := append([]byte(nil), frame...)
	select {
	case p.sent <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) Frames() <-chan []byte { return p.frames }

func (p *pipeTransport) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *pipeTransport) Close() error {
	p.end(nil)
	return nil
}

// end closes the inbound stream with cause.
func (p *pipeTransport) end(cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.err = cause
	close(p.frames)
	close(p.done)
}

// closedSignal is closed once the inbound stream has ended.
func (p *pipeTransport) closedSignal() <-chan struct{} { return p.done }

func (p *pipeTransport) inject(frame string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.frames <- []byte(frame)
}

func (p *pipeTransport) injectJSON(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	p.inject(string(data))
}

// next returns the next frame the client sent, decoded.
func (p *pipeTransport) next(t *testing.T) *message {
	t.Helper()
	select {
	case f := <-p.sent:
		var msg message
		if err := json.Unmarshal(f, &msg); err != nil {
			t.Fatalf("client sent malformed frame %s: %v", f, err)
		}
		return &msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return nil
	}
}

// reply answers a request with result.
func (p *pipeTransport) reply(t *testing.T, req *message, result any) {
	t.Helper()
	p.injectJSON(t, map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

// scriptedServer answers every request the client sends using handle,
// until ctx ends. Notifications are passed to handle with a nil ID and
// their return value ignored.
func scriptedServer(ctx context.Context, t *testing.T, p *pipeTransport, handle func(*message) (any, *RPCError)) {
	t.Helper()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-p.sent:
				var msg message
				if err := json.Unmarshal(f, &msg); err != nil {
					continue
				}
				result, rpcErr := handle(&msg)
				if len(msg.ID) == 0 || msg.Method == "" {
					continue
				}
				resp := map[string]any{"jsonrpc": "2.0", "id": msg.ID}
				if rpcErr != nil {
					resp["error"] = rpcErr
				} else {
					resp["result"] = result
				}
				data, _ := json.Marshal(resp)
				p.inject(string(data))
			}
		}
	}()
}

// initResult is a minimal, valid initialize result.
func initResult(version string) map[string]any {
	return map[string]any{
		"protocolVersion": version,
		"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
		"serverInfo":      map[string]any{"name": "scripted", "version": "0.1.0"},
	}
}
