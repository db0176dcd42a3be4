package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/mcphost/internal/httpkit"
)

// sessionHeader carries streamable-HTTP session affinity.
const sessionHeader = "Mcp-Session-Id"

// maxHTTPBody bounds a single JSON response body.
const maxHTTPBody = 10 << 20

// HTTPConfig configures an HTTP MCP transport that communicates with a
// remote MCP server over streamable HTTP (JSON-RPC over POST).
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Client overrides the HTTP client. Nil builds one via httpkit
	// without an overall timeout; each Send is bounded by its context.
	Client *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Every frame is POSTed; JSON bodies and server-sent event payloads in
// the replies are delivered through Frames as if they had arrived on a
// stream.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string

	errMu sync.Mutex
	err   error

	// frameMu guards closed. Deliveries hold it shared while they may
	// block on frames; shutdown takes it exclusively after done closes.
	frameMu sync.RWMutex
	closed  bool
	frames  chan []byte
	done    chan struct{}
	once    sync.Once
}

// OpenHTTP creates an HTTP transport for the given config. No request
// is made until the first Send.
func OpenHTTP(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		)
	}

	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: client,
		logger:     logger,
		frames:     make(chan []byte, 64),
		done:       make(chan struct{}),
	}
}

// Send POSTs one frame and delivers whatever the server answers with.
// A request abandoned through ctx is not a transport failure; any other
// HTTP error is, and ends the frame sequence.
func (t *HTTPTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.done:
		return &TransportError{Op: "write", Err: errors.New("transport closed")}
	default:
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(frame))
	if err != nil {
		return &TransportError{Op: "write", Err: fmt.Errorf("create HTTP request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	t.applyHeaders(httpReq)

	t.logger.Log(ctx, levelTrace, "MCP frame sent", "bytes", len(frame))
	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return t.fail(&TransportError{Op: "write", Err: fmt.Errorf("HTTP request to %s: %w", t.url, err)})
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	switch {
	case httpResp.StatusCode == http.StatusAccepted:
		return nil
	case httpResp.StatusCode == http.StatusNotFound && t.hasSession():
		return t.fail(&TransportError{Op: "read", Err: errors.New("MCP session expired")})
	case httpResp.StatusCode < 200 || httpResp.StatusCode > 299:
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return t.fail(&TransportError{Op: "read", Err: fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, errBody)})
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		err = t.readEvents(httpResp.Body)
	} else {
		err = t.readJSON(httpResp.Body)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return t.fail(&TransportError{Op: "read", Err: err})
	}
	return nil
}

func (t *HTTPTransport) applyHeaders(req *http.Request) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.RLock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()
}

func (t *HTTPTransport) hasSession() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID != ""
}

// readJSON delivers a single message or every element of a batch.
func (t *HTTPTransport) readJSON(body io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(body, maxHTTPBody))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	if data[0] != '[' {
		t.deliver(data)
		return nil
	}
	var batch []json.RawMessage
	if err := json.Unmarshal(data, &batch); err != nil {
		// Let the client report it as a malformed frame.
		t.deliver(data)
		return nil
	}
	for _, m := range batch {
		t.deliver(m)
	}
	return nil
}

// readEvents delivers the data payload of each server-sent event.
// Multi-line data fields are joined with newlines per the SSE format.
func (t *HTTPTransport) readEvents(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxHTTPBody)

	var data []string
	flush := func() {
		if len(data) > 0 {
			t.deliver([]byte(strings.Join(data, "\n")))
			data = data[:0]
		}
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()
	return scanner.Err()
}

// deliver hands a frame to the reader unless the transport has closed.
func (t *HTTPTransport) deliver(frame []byte) {
	t.frameMu.RLock()
	defer t.frameMu.RUnlock()
	if t.closed {
		return
	}
	t.logger.Log(context.Background(), levelTrace, "MCP frame received", "bytes", len(frame))
	select {
	case t.frames <- frame:
	case <-t.done:
	}
}

// fail records err as the terminal cause and ends the frame sequence.
func (t *HTTPTransport) fail(err error) error {
	t.errMu.Lock()
	select {
	case <-t.done:
	default:
		if t.err == nil {
			t.err = err
		}
	}
	t.errMu.Unlock()
	t.shutdown()
	return err
}

// Frames implements [Transport].
func (t *HTTPTransport) Frames() <-chan []byte { return t.frames }

// Err implements [Transport].
func (t *HTTPTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Close ends the frame sequence and, when the server assigned a
// session, asks it to discard that session.
func (t *HTTPTransport) Close() error {
	t.mu.RLock()
	sid := t.sessionID
	t.mu.RUnlock()

	t.shutdown()

	if sid != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
		if err != nil {
			return nil
		}
		t.applyHeaders(req)
		resp, err := t.httpClient.Do(req)
		if err != nil {
			t.logger.Debug("MCP session delete failed", "error", err)
			return nil
		}
		httpkit.DrainAndClose(resp.Body, 1<<16)
	}
	return nil
}

// shutdown closes done first so blocked deliveries give up, then closes
// frames once no delivery holds the read lock.
func (t *HTTPTransport) shutdown() {
	t.once.Do(func() {
		t.errMu.Lock()
		close(t.done)
		t.errMu.Unlock()

		t.frameMu.Lock()
		t.closed = true
		close(t.frames)
		t.frameMu.Unlock()
	})
}
