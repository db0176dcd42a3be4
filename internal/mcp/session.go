package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/mcphost/internal/connwatch"
	"github.com/nugget/mcphost/internal/events"
)

// State is a session's lifecycle state.
type State int

// Session states. A session moves Stopped → Starting → Ready, drops to
// Failed when its server dies, and passes through Stopping on its way
// back to Stopped.
const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateFailed
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name, so status reports read back from
// the HTTP API decode into the same type.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateStopped; st <= StateStopping; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// SessionStatus is a point-in-time view of a session.
type SessionStatus struct {
	Name            string          `json:"name"`
	Transport       string          `json:"transport"`
	Enabled         bool            `json:"enabled"`
	State           State           `json:"state"`
	Permanent       bool            `json:"permanent,omitempty"`
	Attempt         int             `json:"attempt"`
	Restarts        int             `json:"restarts"`
	LastError       string          `json:"last_error,omitempty"`
	NextRestart     *time.Time      `json:"next_restart,omitempty"`
	ReadySince      *time.Time      `json:"ready_since,omitempty"`
	ServerInfo      *Implementation `json:"server_info,omitempty"`
	ProtocolVersion string          `json:"protocol_version,omitempty"`
	Tools           int             `json:"tools"`
	Resources       int             `json:"resources"`
	Prompts         int             `json:"prompts"`
}

// SessionOptions configures a Session.
type SessionOptions struct {
	Policy     Policy
	Logger     *slog.Logger
	Bus        *events.Bus
	Roots      []Root
	ClientInfo Implementation

	// OpenTransport defaults to the package-level OpenTransport.
	OpenTransport TransportFactory

	// OnChange is called, outside any session lock, whenever the
	// session's readiness or capability set changes.
	OnChange func(name string)
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdRestart
)

type sessionCmd struct {
	kind cmdKind
	cfg  *ServerConfig
	ack  chan struct{}
}

type eventKind int

const (
	evReady eventKind = iota
	evFailed
	evTools
	evResources
	evPrompts
)

// attemptEvent is how an attempt goroutine reports to the supervisor.
type attemptEvent struct {
	attempt   int
	kind      eventKind
	err       error
	client    *Client
	info      *InitializeResult
	caps      ServerCapabilitySet
	tools     []ToolDefinition
	resources []Resource
	prompts   []Prompt
}

// attempt is one start of the server: a transport, a client, and the
// goroutine that drives them.
type attempt struct {
	id     int
	cancel context.CancelFunc
	done   chan struct{}
}

// Session supervises one configured server for the manager's lifetime.
// All state transitions happen on the supervising goroutine; other
// goroutines send it commands and read snapshots under the lock. Only
// the inner client and transport are replaced on restart.
type Session struct {
	name   string
	opts   SessionOptions
	logger *slog.Logger

	mu          sync.RWMutex
	cfg         ServerConfig
	state       State
	client      *Client
	info        *InitializeResult
	caps        ServerCapabilitySet
	lastErr     error
	permanent   bool
	attemptSeq  int
	restarts    int
	nextRestart time.Time
	readySince  time.Time
	changed     chan struct{}

	cmds   chan sessionCmd
	events chan attemptEvent
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewSession creates a Stopped session and starts its supervisor.
func NewSession(cfg ServerConfig, opts SessionOptions) *Session {
	opts.Policy = opts.Policy.withDefaults()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OpenTransport == nil {
		opts.OpenTransport = OpenTransport
	}

	s := &Session{
		name:    cfg.Name,
		opts:    opts,
		logger:  opts.Logger.With("mcp_server", cfg.Name),
		cfg:     cfg,
		caps:    ServerCapabilitySet{Server: cfg.Name},
		changed: make(chan struct{}),
		cmds:    make(chan sessionCmd),
		events:  make(chan attemptEvent),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Name returns the configured server name.
func (s *Session) Name() string { return s.name }

// Config returns the current server configuration.
func (s *Session) Config() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Client returns the live client while the session is Ready, else nil.
// A call made on the returned client stays bound to it: if the session
// restarts underneath, the call fails with ErrServerUnavailable.
func (s *Session) Client() *Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateReady {
		return nil
	}
	return s.client
}

// Capabilities returns the advertised set while Ready, else an empty
// set.
func (s *Session) Capabilities() ServerCapabilitySet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateReady {
		return ServerCapabilitySet{Server: s.name}
	}
	return s.caps
}

// readyCaps returns the capability set and the attempt it came from,
// atomically. ok is false unless the session is Ready.
func (s *Session) readyCaps() (caps ServerCapabilitySet, attempt int, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateReady {
		return ServerCapabilitySet{}, 0, false
	}
	return s.caps, s.attemptSeq, true
}

// Changed returns a channel closed at the next state transition.
func (s *Session) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

// Status returns a snapshot for reporting.
func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := SessionStatus{
		Name:      s.name,
		Transport: s.cfg.Transport,
		Enabled:   s.cfg.Enabled,
		State:     s.state,
		Permanent: s.permanent,
		Attempt:   s.attemptSeq,
		Restarts:  s.restarts,
	}
	if st.Transport == "" {
		st.Transport = TransportStdio
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if s.state == StateFailed && !s.nextRestart.IsZero() {
		t := s.nextRestart
		st.NextRestart = &t
	}
	if s.state == StateReady {
		t := s.readySince
		st.ReadySince = &t
		st.Tools = len(s.caps.Tools)
		st.Resources = len(s.caps.Resources)
		st.Prompts = len(s.caps.Prompts)
		if s.info != nil {
			info := s.info.ServerInfo
			st.ServerInfo = &info
			st.ProtocolVersion = s.info.ProtocolVersion
		}
	}
	return st
}

// Start begins an attempt unless one is already starting or running. A
// pending restart delay is skipped. It does not wait for Ready.
func (s *Session) Start(ctx context.Context) error {
	return s.send(ctx, sessionCmd{kind: cmdStart})
}

// Stop tears down the live client and transport and leaves the session
// Stopped. No restart follows.
func (s *Session) Stop(ctx context.Context) error {
	return s.send(ctx, sessionCmd{kind: cmdStop})
}

// Restart stops the session and starts it again, optionally with a new
// configuration. It clears a permanent failure and resets the backoff.
func (s *Session) Restart(ctx context.Context, cfg *ServerConfig) error {
	return s.send(ctx, sessionCmd{kind: cmdRestart, cfg: cfg})
}

// Close stops the session and ends its supervisor. The session cannot
// be used afterwards.
func (s *Session) Close(ctx context.Context) error {
	s.once.Do(func() { close(s.quit) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) send(ctx context.Context, cmd sessionCmd) error {
	cmd.ack = make(chan struct{})
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return unavailable(errors.New("session closed"))
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the supervisor. It owns the backoff schedule, the timers, and
// the current attempt.
func (s *Session) run() {
	defer close(s.done)

	backoff := connwatch.NewBackoff(s.opts.Policy.Backoff)
	var (
		cur          *attempt
		restartTimer *time.Timer
		restartC     <-chan time.Time
		sustainTimer *time.Timer
		sustainC     <-chan time.Time
	)
	disarm := func() {
		if restartTimer != nil {
			restartTimer.Stop()
			restartTimer, restartC = nil, nil
		}
		if sustainTimer != nil {
			sustainTimer.Stop()
			sustainTimer, sustainC = nil, nil
		}
	}
	defer disarm()

	for {
		select {
		case <-s.quit:
			s.halt(cur)
			return

		case cmd := <-s.cmds:
			switch cmd.kind {
			case cmdStart:
				if st := s.State(); st == StateStopped || st == StateFailed {
					disarm()
					s.mu.Lock()
					if s.permanent {
						s.permanent = false
						backoff.Reset()
					}
					s.mu.Unlock()
					cur = s.begin()
				}
			case cmdStop:
				disarm()
				s.halt(cur)
				cur = nil
				if cmd.cfg != nil {
					s.mu.Lock()
					s.cfg = *cmd.cfg
					s.mu.Unlock()
				}
			case cmdRestart:
				disarm()
				s.halt(cur)
				s.mu.Lock()
				if cmd.cfg != nil {
					s.cfg = *cmd.cfg
				}
				s.permanent = false
				s.restarts = 0
				s.mu.Unlock()
				backoff.Reset()
				cur = s.begin()
			}
			close(cmd.ack)

		case ev := <-s.events:
			if cur == nil || ev.attempt != cur.id {
				// A stale attempt; its client is not ours to keep.
				if ev.client != nil {
					ev.client.Close()
				}
				continue
			}
			switch ev.kind {
			case evReady:
				s.ready(ev)
				sustainTimer = time.NewTimer(backoff.Current() + time.Millisecond)
				sustainC = sustainTimer.C
			case evFailed:
				disarm()
				cur.cancel()
				<-cur.done
				cur = nil
				if delay, ok := s.fail(ev.err, backoff); ok {
					restartTimer = time.NewTimer(delay)
					restartC = restartTimer.C
				}
			case evTools, evResources, evPrompts:
				s.updateCaps(ev)
			}

		case <-restartC:
			restartTimer, restartC = nil, nil
			cur = s.begin()

		case <-sustainC:
			sustainTimer, sustainC = nil, nil
			if s.State() == StateReady {
				backoff.Reset()
				s.mu.Lock()
				s.restarts = 0
				close(s.changed)
				s.changed = make(chan struct{})
				s.mu.Unlock()
				s.logger.Debug("MCP session sustained, backoff reset")
			}
		}
	}
}

// transition applies mutate and the new state atomically, wakes Changed
// waiters, logs, and publishes the change.
func (s *Session) transition(to State, cause error, mutate func()) {
	s.mu.Lock()
	from := s.state
	s.state = to
	if cause != nil {
		s.lastErr = cause
	}
	if mutate != nil {
		mutate()
	}
	close(s.changed)
	s.changed = make(chan struct{})
	attemptID := s.attemptSeq
	s.mu.Unlock()

	attrs := []any{"from", from, "to", to, "attempt", attemptID}
	data := map[string]any{"server": s.name, "from": from.String(), "to": to.String(), "attempt": attemptID}
	if cause != nil {
		attrs = append(attrs, "error", cause)
		data["error"] = cause.Error()
	}
	s.logger.Info("MCP session state changed", attrs...)
	s.opts.Bus.Publish(events.New(events.SourceSession, events.KindStateChanged, data))
}

func (s *Session) notifyChange() {
	if s.opts.OnChange != nil {
		s.opts.OnChange(s.name)
	}
}

// begin moves to Starting and launches a new attempt.
func (s *Session) begin() *attempt {
	s.mu.Lock()
	s.attemptSeq++
	id := s.attemptSeq
	cfg := s.cfg
	s.mu.Unlock()

	s.transition(StateStarting, nil, func() { s.nextRestart = time.Time{} })

	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{id: id, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(a.done)
		s.runAttempt(ctx, id, cfg)
	}()
	return a
}

// halt cancels the current attempt and closes the live client, ending
// Stopped. Calls in flight fail with ErrServerUnavailable.
func (s *Session) halt(cur *attempt) {
	if cur == nil && s.State() == StateStopped {
		return
	}

	s.transition(StateStopping, nil, nil)
	if cur != nil {
		cur.cancel()
	}

	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client != nil {
		if err := client.Close(); err != nil {
			s.logger.Warn("error closing MCP client", "error", err)
		}
	}
	if cur != nil {
		<-cur.done
	}

	s.transition(StateStopped, nil, func() {
		s.info = nil
		s.caps = ServerCapabilitySet{Server: s.name}
		s.nextRestart = time.Time{}
	})
	s.notifyChange()
}

// ready installs a freshly handshaken client.
func (s *Session) ready(ev attemptEvent) {
	s.transition(StateReady, nil, func() {
		s.client = ev.client
		s.info = ev.info
		s.caps = ev.caps
		s.readySince = time.Now()
		s.lastErr = nil
	})
	s.logger.Info("MCP session ready",
		"tools", len(ev.caps.Tools),
		"resources", len(ev.caps.Resources),
		"prompts", len(ev.caps.Prompts),
	)
	s.notifyChange()
}

// fail records a failure, tears down the client, and consults the
// backoff. ok is false when the restart ceiling has been passed.
func (s *Session) fail(cause error, backoff *connwatch.Backoff) (delay time.Duration, ok bool) {
	s.mu.RLock()
	readySince, wasReady := s.readySince, s.state == StateReady
	s.mu.RUnlock()
	if wasReady && backoff.SustainedFor(time.Since(readySince)) {
		backoff.Reset()
	}
	delay, ok = backoff.Next()

	var client *Client
	s.transition(StateFailed, cause, func() {
		client = s.client
		s.client = nil
		s.info = nil
		s.caps = ServerCapabilitySet{Server: s.name}
		s.restarts = backoff.Failures()
		s.permanent = !ok
		if ok {
			s.nextRestart = time.Now().Add(delay)
		} else {
			s.nextRestart = time.Time{}
		}
	})
	if client != nil {
		client.Close()
	}
	s.notifyChange()

	if !ok {
		s.logger.Error("MCP server restart limit reached; manual restart required",
			"restarts", backoff.Config().MaxRetries,
			"error", cause,
		)
		return 0, false
	}
	s.logger.Warn("MCP server failed, restart scheduled",
		"delay", delay,
		"restarts", backoff.Failures(),
		"error", cause,
	)
	s.opts.Bus.Publish(events.New(events.SourceSession, events.KindRestartScheduled, map[string]any{
		"server":   s.name,
		"delay_ms": delay.Milliseconds(),
		"attempt":  backoff.Failures(),
	}))
	return delay, true
}

// updateCaps replaces one capability category after a list_changed
// notification.
func (s *Session) updateCaps(ev attemptEvent) {
	changed := false
	s.mu.Lock()
	if s.state == StateReady && s.client == ev.client {
		switch ev.kind {
		case evTools:
			s.caps.Tools = ev.tools
		case evResources:
			s.caps.Resources = ev.resources
		case evPrompts:
			s.caps.Prompts = ev.prompts
		}
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notifyChange()
	}
}

// report hands an event to the supervisor. It gives up when the attempt
// is cancelled, in which case the supervisor is not listening for it.
func (s *Session) report(ctx context.Context, ev attemptEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// runAttempt opens the transport, performs the handshake and discovery,
// reports Ready, and then watches the client until it dies or the
// attempt is cancelled.
func (s *Session) runAttempt(ctx context.Context, id int, cfg ServerConfig) {
	p := s.opts.Policy
	logger := s.logger.With("attempt", id)

	tr, err := s.opts.OpenTransport(ctx, cfg, p, s.onStderr, logger)
	if err != nil {
		s.report(ctx, attemptEvent{attempt: id, kind: evFailed, err: err})
		return
	}

	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = p.CallTimeout
	}
	client := NewClient(cfg.Name, tr, ClientOptions{
		Logger:      s.opts.Logger,
		CallTimeout: callTimeout,
		ClientInfo:  s.opts.ClientInfo,
		Roots:       s.opts.Roots,
	})
	client.Subscribe(s.notificationHandler(ctx, id, client, callTimeout))

	hctx, cancel := context.WithTimeout(ctx, p.HandshakeTimeout)
	info, caps, err := s.discover(hctx, client, p.HandshakeTimeout)
	cancel()
	if err != nil {
		client.Close()
		if ctx.Err() == nil {
			s.report(ctx, attemptEvent{attempt: id, kind: evFailed, err: err})
		}
		return
	}

	if !s.report(ctx, attemptEvent{attempt: id, kind: evReady, client: client, info: info, caps: caps}) {
		client.Close()
		return
	}

	if info.Capabilities.Logging != nil {
		if err := client.SetLogLevel(ctx, "info"); err != nil {
			logger.Debug("logging/setLevel rejected", "error", err)
		}
	}

	probe := make(chan error, 1)
	if p.HealthInterval > 0 {
		go func() {
			probe <- connwatch.Watch(ctx, p.HealthInterval, callTimeout, client.Ping)
		}()
	}

	select {
	case <-ctx.Done():
	case <-client.Done():
		s.report(ctx, attemptEvent{attempt: id, kind: evFailed, err: client.Err()})
	case err := <-probe:
		if err != nil {
			s.report(ctx, attemptEvent{attempt: id, kind: evFailed, err: &ProtocolError{Msg: "liveness probe failed", Err: err}})
		}
	}
}

// discover runs the handshake and lists every advertised category.
func (s *Session) discover(ctx context.Context, client *Client, timeout time.Duration) (*InitializeResult, ServerCapabilitySet, error) {
	caps := ServerCapabilitySet{Server: s.name}

	info, err := client.Initialize(ctx, timeout)
	if err != nil {
		return nil, caps, err
	}
	if info.Capabilities.Tools != nil {
		if caps.Tools, err = client.ListTools(ctx, timeout); err != nil {
			return nil, caps, err
		}
	}
	if info.Capabilities.Resources != nil {
		if caps.Resources, err = client.ListResources(ctx, timeout); err != nil {
			return nil, caps, err
		}
	}
	if info.Capabilities.Prompts != nil {
		if caps.Prompts, err = client.ListPrompts(ctx, timeout); err != nil {
			return nil, caps, err
		}
	}
	return info, caps, nil
}

func (s *Session) onStderr(line string) {
	s.opts.Bus.Publish(events.New(events.SourceSession, events.KindStderr, map[string]any{
		"server": s.name,
		"line":   line,
	}))
}

// notificationHandler re-lists a category when the server says it
// changed, and forwards log and progress notifications.
func (s *Session) notificationHandler(ctx context.Context, id int, client *Client, timeout time.Duration) NotificationHandler {
	return func(n ServerNotification) {
		switch n.Method {
		case "notifications/tools/list_changed":
			tools, err := client.ListTools(ctx, timeout)
			if err != nil {
				s.logger.Warn("failed to refresh tools", "error", err)
				return
			}
			s.report(ctx, attemptEvent{attempt: id, kind: evTools, client: client, tools: tools})
		case "notifications/resources/list_changed":
			resources, err := client.ListResources(ctx, timeout)
			if err != nil {
				s.logger.Warn("failed to refresh resources", "error", err)
				return
			}
			s.report(ctx, attemptEvent{attempt: id, kind: evResources, client: client, resources: resources})
		case "notifications/prompts/list_changed":
			prompts, err := client.ListPrompts(ctx, timeout)
			if err != nil {
				s.logger.Warn("failed to refresh prompts", "error", err)
				return
			}
			s.report(ctx, attemptEvent{attempt: id, kind: evPrompts, client: client, prompts: prompts})
		case "notifications/message":
			s.forwardLog(ctx, n.Params)
		case "notifications/progress":
			var p map[string]any
			if err := json.Unmarshal(n.Params, &p); err != nil {
				return
			}
			p["server"] = s.name
			s.opts.Bus.Publish(events.New(events.SourceSession, events.KindProgress, p))
		default:
			s.logger.Debug("ignoring MCP notification", "method", n.Method)
		}
	}
}

// logMessage is the params of notifications/message.
type logMessage struct {
	Level  string          `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// forwardLog writes a server log entry to slog at the mapped level.
func (s *Session) forwardLog(ctx context.Context, params json.RawMessage) {
	var m logMessage
	if err := json.Unmarshal(params, &m); err != nil {
		s.logger.Debug("malformed notifications/message", "error", err)
		return
	}
	s.logger.Log(ctx, serverLogLevel(m.Level), "MCP server log",
		"server_logger", m.Logger,
		"data", string(m.Data),
	)
	s.opts.Bus.Publish(events.New(events.SourceSession, events.KindServerLog, map[string]any{
		"server": s.name,
		"level":  m.Level,
		"logger": m.Logger,
		"data":   string(m.Data),
	}))
}

// serverLogLevel maps MCP (syslog) severities onto slog levels.
func serverLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info", "notice":
		return slog.LevelInfo
	case "warning":
		return slog.LevelWarn
	case "error", "critical", "alert", "emergency":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
