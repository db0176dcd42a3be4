package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/mcphost/internal/connwatch"
	"github.com/nugget/mcphost/internal/events"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() Policy {
	return Policy{
		HandshakeTimeout: 5 * time.Second,
		CallTimeout:      5 * time.Second,
		CloseGrace:       2 * time.Second,
		Backoff: connwatch.BackoffConfig{
			InitialDelay: 20 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			Multiplier:   2,
			MaxRetries:   3,
		},
	}
}

func newTestSession(t *testing.T, cfg ServerConfig, opts SessionOptions) *Session {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.Policy.HandshakeTimeout == 0 {
		opts.Policy = testPolicy()
	}
	s := NewSession(cfg, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Close(ctx)
	})
	return s
}

// waitStatus blocks until cond holds for the session's status.
func waitStatus(t *testing.T, s *Session, what string, cond func(SessionStatus) bool) SessionStatus {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		changed := s.Changed()
		st := s.Status()
		if cond(st) {
			return st
		}
		select {
		case <-changed:
		case <-deadline:
			t.Fatalf("timed out waiting for %s; status %+v", what, st)
		}
	}
}

func isState(want State) func(SessionStatus) bool {
	return func(st SessionStatus) bool { return st.State == want }
}

func TestSession_StartReady(t *testing.T) {
	s := newTestSession(t, fakeServerConfig("fake", "normal"), SessionOptions{})
	if s.State() != StateStopped {
		t.Fatalf("new session state = %s, want stopped", s.State())
	}
	if s.Client() != nil {
		t.Error("Client() should be nil before Ready")
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := waitStatus(t, s, "ready", isState(StateReady))

	if st.Tools != 7 || st.Resources != 1 || st.Prompts != 1 {
		t.Errorf("capabilities = %d tools %d resources %d prompts", st.Tools, st.Resources, st.Prompts)
	}
	if st.ServerInfo == nil || st.ServerInfo.Name != "fake" {
		t.Errorf("ServerInfo = %+v", st.ServerInfo)
	}
	if st.ProtocolVersion != LatestProtocolVersion {
		t.Errorf("ProtocolVersion = %q", st.ProtocolVersion)
	}
	if st.ReadySince == nil || st.Transport != TransportStdio || st.Attempt != 1 {
		t.Errorf("status = %+v", st)
	}

	c := s.Client()
	if c == nil {
		t.Fatal("Client() is nil while Ready")
	}
	raw, err := c.CallTool(context.Background(), "echo", json.RawMessage(`{"text":"hello"}`), time.Second)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	var res CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil || res.Text() != "hello" {
		t.Errorf("echo result = %s", raw)
	}

	// A second Start while Ready is a no-op.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if s.Status().Attempt != 1 {
		t.Errorf("Start while Ready began attempt %d", s.Status().Attempt)
	}
}

func TestSession_StopThenStart(t *testing.T) {
	s := newTestSession(t, fakeServerConfig("fake", "normal"), SessionOptions{})
	s.Start(context.Background())
	waitStatus(t, s, "ready", isState(StateReady))
	old := s.Client()

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st := s.Status(); st.State != StateStopped || st.Tools != 0 {
		t.Errorf("after Stop status = %+v", st)
	}
	if s.Client() != nil {
		t.Error("Client() should be nil after Stop")
	}
	if _, err := old.Call(context.Background(), "ping", nil, time.Second); !errors.Is(err, ErrServerUnavailable) {
		t.Errorf("call on stopped client = %v, want ErrServerUnavailable", err)
	}

	s.Start(context.Background())
	st := waitStatus(t, s, "ready again", isState(StateReady))
	if st.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", st.Attempt)
	}
}

func TestSession_RecoversFromKilledServer(t *testing.T) {
	bus := events.NewBus()
	sched := bus.Subscribe(16, events.KindRestartScheduled)
	defer bus.Unsubscribe(sched)

	s := newTestSession(t, fakeServerConfig("fake", "normal"), SessionOptions{Bus: bus})
	s.Start(context.Background())
	waitStatus(t, s, "ready", isState(StateReady))

	c := s.Client()
	inflight := make(chan error, 1)
	go func() {
		_, err := c.CallTool(context.Background(), "slow", json.RawMessage(`{"ms":10000}`), 20*time.Second)
		inflight <- err
	}()
	time.Sleep(200 * time.Millisecond)

	pid := c.transport.(*StdioTransport).Pid()
	proc, err := os.FindProcess(pid)
	if err != nil {
		t.Fatalf("FindProcess: %v", err)
	}
	if err := proc.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case err := <-inflight:
		if !errors.Is(err, ErrServerUnavailable) {
			t.Errorf("in-flight call = %v, want ErrServerUnavailable", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call was not failed when the server died")
	}

	st := waitStatus(t, s, "ready after restart", func(st SessionStatus) bool {
		return st.State == StateReady && st.Attempt >= 2
	})
	if st.Permanent {
		t.Error("a single crash must not be permanent")
	}
	if s.Client() == c {
		t.Error("the session should have a fresh client after restart")
	}

	select {
	case e := <-sched:
		if e.Data["server"] != "fake" {
			t.Errorf("restart event = %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Error("no restart_scheduled event")
	}
}

func TestSession_CrashingToolRestarts(t *testing.T) {
	s := newTestSession(t, fakeServerConfig("fake", "normal"), SessionOptions{})
	s.Start(context.Background())
	waitStatus(t, s, "ready", isState(StateReady))

	_, err := s.Client().CallTool(context.Background(), "crash", nil, 5*time.Second)
	if !errors.Is(err, ErrServerUnavailable) {
		t.Fatalf("crash call = %v, want ErrServerUnavailable", err)
	}
	waitStatus(t, s, "ready after crash", func(st SessionStatus) bool {
		return st.State == StateReady && st.Attempt >= 2
	})
}

func TestSession_SustainedReadyResetsBackoff(t *testing.T) {
	bus := events.NewBus()
	sched := bus.Subscribe(16, events.KindRestartScheduled)
	defer bus.Unsubscribe(sched)

	policy := testPolicy()
	policy.Backoff = connwatch.BackoffConfig{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   4,
		MaxRetries:   10,
	}
	s := newTestSession(t, fakeServerConfig("fake", "normal"), SessionOptions{Bus: bus, Policy: policy})
	s.Start(context.Background())
	waitStatus(t, s, "ready", isState(StateReady))

	crash := func(n int) {
		t.Helper()
		if _, err := s.Client().CallTool(context.Background(), "crash", nil, 5*time.Second); !errors.Is(err, ErrServerUnavailable) {
			t.Fatalf("crash %d = %v, want ErrServerUnavailable", n, err)
		}
		select {
		case e := <-sched:
			// Without a reset the second delay would be 200ms.
			if e.Data["delay_ms"] != int64(50) || e.Data["attempt"] != 1 {
				t.Errorf("crash %d scheduled %v, want delay_ms=50 attempt=1", n, e.Data)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("crash %d: no restart_scheduled event", n)
		}
		if st := s.Status(); st.Restarts != 1 {
			t.Errorf("crash %d: Restarts = %d, want 1", n, st.Restarts)
		}
	}

	crash(1)
	waitStatus(t, s, "ready after first crash", func(st SessionStatus) bool {
		return st.State == StateReady && st.Attempt >= 2
	})
	waitStatus(t, s, "restart counter reset", func(st SessionStatus) bool {
		return st.State == StateReady && st.Restarts == 0
	})
	crash(2)
}

func TestSession_FailAfterLongReadyStartsAtBase(t *testing.T) {
	s := newTestSession(t, fakeServerConfig("idle", "normal"), SessionOptions{})
	backoff := connwatch.NewBackoff(connwatch.BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		MaxRetries:   10,
	})
	for range 3 {
		backoff.Next()
	}

	// Ready for longer than the current interval, without the sustain
	// timer having fired yet.
	s.mu.Lock()
	s.state = StateReady
	s.readySince = time.Now().Add(-10 * time.Second)
	s.mu.Unlock()

	delay, ok := s.fail(errors.New("transport closed"), backoff)
	if !ok || delay != time.Second {
		t.Errorf("fail() = (%v, %v), want (1s, true)", delay, ok)
	}
	if st := s.Status(); st.Restarts != 1 || st.State != StateFailed {
		t.Errorf("status = %+v, want Failed with 1 restart", st)
	}
}

func TestSession_PermanentFailure(t *testing.T) {
	cfg := ServerConfig{Name: "broken", Command: "/nonexistent/mcp-server", Enabled: true}
	s := newTestSession(t, cfg, SessionOptions{})
	s.Start(context.Background())

	st := waitStatus(t, s, "permanent failure", func(st SessionStatus) bool { return st.Permanent })
	if st.State != StateFailed {
		t.Errorf("state = %s, want failed", st.State)
	}
	if st.NextRestart != nil {
		t.Error("a permanent failure must not schedule a restart")
	}
	if !strings.Contains(st.LastError, "spawn") {
		t.Errorf("LastError = %q", st.LastError)
	}
	if st.Restarts != 3 {
		t.Errorf("Restarts = %d, want the ceiling of 3", st.Restarts)
	}
	attempts := st.Attempt

	// No further attempts happen on their own.
	time.Sleep(300 * time.Millisecond)
	if got := s.Status().Attempt; got != attempts {
		t.Errorf("attempts grew from %d to %d after permanent failure", attempts, got)
	}

	// Restart with a working config clears the failure.
	fixed := fakeServerConfig("broken", "normal")
	if err := s.Restart(context.Background(), &fixed); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	st = waitStatus(t, s, "ready after manual restart", isState(StateReady))
	if st.Permanent || st.LastError != "" {
		t.Errorf("status after restart = %+v", st)
	}
}

func TestSession_HandshakeFailures(t *testing.T) {
	tests := []struct {
		mode    string
		wantErr string
	}{
		{mode: "exit", wantErr: "transport"},
		{mode: "badversion", wantErr: "protocol version"},
		{mode: "hang", wantErr: "timed out"},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			p := testPolicy()
			p.HandshakeTimeout = 300 * time.Millisecond
			p.Backoff.InitialDelay = time.Minute
			p.Backoff.MaxDelay = time.Minute

			s := newTestSession(t, fakeServerConfig("fake", tt.mode), SessionOptions{Policy: p})
			s.Start(context.Background())
			st := waitStatus(t, s, "failed", isState(StateFailed))
			if !strings.Contains(st.LastError, tt.wantErr) {
				t.Errorf("LastError = %q, want it to mention %q", st.LastError, tt.wantErr)
			}
			if st.NextRestart == nil {
				t.Error("a first failure should schedule a restart")
			}

			// Start skips the pending delay.
			s.Start(context.Background())
			waitStatus(t, s, "second attempt", func(st SessionStatus) bool { return st.Attempt >= 2 })
		})
	}
}

func TestSession_GarbageBeforeHandshakeIsSkipped(t *testing.T) {
	s := newTestSession(t, fakeServerConfig("fake", "garbage"), SessionOptions{})
	s.Start(context.Background())
	waitStatus(t, s, "ready", isState(StateReady))
}

func TestSession_ListChangedRefreshesTools(t *testing.T) {
	var changes atomic.Int32
	s := newTestSession(t, fakeServerConfig("fake", "normal"), SessionOptions{
		OnChange: func(string) { changes.Add(1) },
	})
	s.Start(context.Background())
	waitStatus(t, s, "ready", isState(StateReady))
	before := changes.Load()

	if _, err := s.Client().CallTool(context.Background(), "change", nil, time.Second); err != nil {
		t.Fatalf("change: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(s.Capabilities().Tools) != 8 {
		if time.Now().After(deadline) {
			t.Fatalf("tools = %d, want 8 after list_changed", len(s.Capabilities().Tools))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if changes.Load() <= before {
		t.Error("OnChange not called for a capability change")
	}
	last := s.Capabilities().Tools[7]
	if last.Name != "added" {
		t.Errorf("new tool = %q, want added", last.Name)
	}
}

func TestSession_ForwardsServerOutput(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe(64, events.KindServerLog, events.KindStderr)
	defer bus.Unsubscribe(ch)

	s := newTestSession(t, fakeServerConfig("fake", "normal"), SessionOptions{Bus: bus})
	s.Start(context.Background())
	waitStatus(t, s, "ready", isState(StateReady))
	c := s.Client()

	if _, err := c.CallTool(context.Background(), "log", nil, time.Second); err != nil {
		t.Fatalf("log: %v", err)
	}
	_, err := c.CallTool(context.Background(), "slow", json.RawMessage(`{"ms":5000}`), 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("slow call = %v, want ErrTimeout", err)
	}

	var sawLog, sawCancel bool
	deadline := time.After(5 * time.Second)
	for !sawLog || !sawCancel {
		select {
		case e := <-ch:
			switch e.Kind {
			case events.KindServerLog:
				sawLog = e.Data["level"] == "warning" && strings.Contains(e.Data["data"].(string), "disk almost full")
			case events.KindStderr:
				if line, _ := e.Data["line"].(string); strings.HasPrefix(line, "cancelled ") {
					sawCancel = true
				}
			}
		case <-deadline:
			t.Fatalf("server output not forwarded: log=%v cancel=%v", sawLog, sawCancel)
		}
	}
}

func TestSession_LivenessProbeFailure(t *testing.T) {
	var silent atomic.Bool
	var opened atomic.Int32
	factory := func(ctx context.Context, cfg ServerConfig, p Policy, onStderr func(string), logger *slog.Logger) (Transport, error) {
		opened.Add(1)
		pt := newPipeTransport()
		sctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-pt.closedSignal()
			cancel()
		}()
		scriptedServer(sctx, t, pt, func(m *message) (any, *RPCError) {
			switch m.Method {
			case "initialize":
				return initResult(LatestProtocolVersion), nil
			case "tools/list":
				return map[string]any{"tools": []ToolDefinition{{Name: "t"}}}, nil
			case "ping":
				if silent.Load() {
					return nil, &RPCError{Code: CodeInternalError, Message: "gone quiet"}
				}
			}
			return map[string]any{}, nil
		})
		return pt, nil
	}

	p := testPolicy()
	p.HealthInterval = 50 * time.Millisecond
	p.CallTimeout = 200 * time.Millisecond
	s := newTestSession(t, ServerConfig{Name: "probe", Enabled: true}, SessionOptions{Policy: p, OpenTransport: factory})
	s.Start(context.Background())
	waitStatus(t, s, "ready", isState(StateReady))

	// Healthy pings keep it Ready.
	time.Sleep(200 * time.Millisecond)
	if s.State() != StateReady {
		t.Fatalf("state = %s while pings succeed", s.State())
	}

	silent.Store(true)
	st := waitStatus(t, s, "probe failure", isState(StateFailed))
	if !strings.Contains(st.LastError, "liveness") {
		t.Errorf("LastError = %q, want a liveness failure", st.LastError)
	}
	silent.Store(false)
	waitStatus(t, s, "recovered", func(st SessionStatus) bool { return st.State == StateReady && st.Attempt >= 2 })
	if opened.Load() < 2 {
		t.Errorf("transport opened %d times, want a fresh one per attempt", opened.Load())
	}
}

func TestSession_CloseIsFinal(t *testing.T) {
	s := NewSession(fakeServerConfig("fake", "normal"), SessionOptions{Logger: quietLogger(), Policy: testPolicy()})
	s.Start(context.Background())
	waitStatus(t, s, "ready", isState(StateReady))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("state after Close = %s", s.State())
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrServerUnavailable) {
		t.Errorf("Start after Close = %v, want ErrServerUnavailable", err)
	}
}

func TestState_String(t *testing.T) {
	for state, want := range map[State]string{
		StateStopped:  "stopped",
		StateStarting: "starting",
		StateReady:    "ready",
		StateFailed:   "failed",
		StateStopping: "stopping",
		State(99):     "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(state), got, want)
		}
	}
	data, _ := json.Marshal(SessionStatus{State: StateReady})
	if !strings.Contains(string(data), `"state":"ready"`) {
		t.Errorf("status JSON = %s", data)
	}

	var back SessionStatus
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal status: %v", err)
	}
	if back.State != StateReady {
		t.Errorf("decoded state = %s, want ready", back.State)
	}
	var bad State
	if err := bad.UnmarshalText([]byte("sleeping")); err == nil {
		t.Error("UnmarshalText(sleeping) succeeded")
	}
}

func TestServerLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":     slog.LevelDebug,
		"info":      slog.LevelInfo,
		"notice":    slog.LevelInfo,
		"warning":   slog.LevelWarn,
		"error":     slog.LevelError,
		"emergency": slog.LevelError,
		"bogus":     slog.LevelInfo,
	}
	for in, want := range tests {
		if got := serverLogLevel(in); got != want {
			t.Errorf("serverLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
