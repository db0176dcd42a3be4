package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mcphost/internal/events"
)

// Options configures a Manager.
type Options struct {
	Logger        *slog.Logger
	Bus           *events.Bus
	Policy        Policy
	Roots         []Root
	ClientInfo    Implementation
	OpenTransport TransportFactory
}

// CatalogWatcher is called with every new catalog snapshot, in
// generation order.
type CatalogWatcher func(*Catalog)

// Manager owns one Session per configured server and the merged
// catalog. Catalog reads are lock-free; reconfiguration, restarts, and
// calls proceed concurrently.
type Manager struct {
	opts   Options
	logger *slog.Logger

	// configureMu serializes reconciliation.
	configureMu sync.Mutex

	mu           sync.RWMutex
	sessions     map[string]*Session
	order        []string
	fingerprints map[string]string
	closed       bool

	catalog atomic.Pointer[Catalog]

	// rebuildMu serializes rebuilds so generations and watcher
	// notifications stay ordered.
	rebuildMu  sync.Mutex
	generation uint64
	watchers   []CatalogWatcher

	// published maps each server in the current catalog to the attempt
	// its capabilities came from. rebuilt is closed after every rebuild.
	published map[string]int
	rebuilt   chan struct{}
}

// NewManager creates a manager with no sessions.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Policy = opts.Policy.withDefaults()

	m := &Manager{
		opts:         opts,
		logger:       opts.Logger,
		sessions:     make(map[string]*Session),
		fingerprints: make(map[string]string),
		published:    make(map[string]int),
		rebuilt:      make(chan struct{}),
	}
	m.catalog.Store(emptyCatalog)
	return m
}

// Configure reconciles sessions with cfgs. New servers are created and
// started when enabled; removed servers are stopped and dropped; a
// changed fingerprint restarts the session with the new config; a
// disabled server is stopped but kept. Applying the same configuration
// twice is a no-op. Servers keep their original registration order;
// new ones are appended.
func (m *Manager) Configure(ctx context.Context, cfgs []ServerConfig) error {
	m.configureMu.Lock()
	defer m.configureMu.Unlock()

	want := make(map[string]ServerConfig, len(cfgs))
	for _, c := range cfgs {
		if err := CheckServerName(c.Name); err != nil {
			return err
		}
		if _, dup := want[c.Name]; dup {
			return fmt.Errorf("duplicate server name %q", c.Name)
		}
		want[c.Name] = c
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("manager is shut down")
	}
	var removed []*Session
	kept := m.order[:0:0]
	for _, name := range m.order {
		if _, ok := want[name]; ok {
			kept = append(kept, name)
			continue
		}
		removed = append(removed, m.sessions[name])
		delete(m.sessions, name)
		delete(m.fingerprints, name)
	}
	m.order = kept
	m.mu.Unlock()

	var errs []error
	for _, s := range removed {
		m.logger.Info("removing MCP server", "mcp_server", s.Name())
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", s.Name(), err))
		}
	}
	if len(removed) > 0 {
		m.rebuild()
	}

	for _, c := range cfgs {
		if err := m.reconcile(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// reconcile brings one server in line with its config.
func (m *Manager) reconcile(ctx context.Context, c ServerConfig) error {
	fp := c.Fingerprint()

	m.mu.Lock()
	s, exists := m.sessions[c.Name]
	prevFP := m.fingerprints[c.Name]
	if !exists {
		s = NewSession(c, SessionOptions{
			Policy:        m.opts.Policy,
			Logger:        m.opts.Logger,
			Bus:           m.opts.Bus,
			Roots:         m.opts.Roots,
			ClientInfo:    m.opts.ClientInfo,
			OpenTransport: m.opts.OpenTransport,
			OnChange:      func(string) { m.rebuild() },
		})
		m.sessions[c.Name] = s
		m.order = append(m.order, c.Name)
	}
	m.fingerprints[c.Name] = fp
	m.mu.Unlock()

	logger := m.logger.With("mcp_server", c.Name)
	switch {
	case !exists && c.Enabled:
		logger.Info("adding MCP server", "transport", c.Transport)
		return wrapName(c.Name, s.Start(ctx))
	case !exists:
		logger.Info("adding disabled MCP server")
		return nil
	case !c.Enabled:
		if st := s.State(); st != StateStopped || s.Config().Enabled {
			logger.Info("disabling MCP server")
		}
		return wrapName(c.Name, s.send(ctx, sessionCmd{kind: cmdStop, cfg: &c}))
	case fp != prevFP || !s.Config().Enabled:
		logger.Info("MCP server configuration changed, restarting")
		return wrapName(c.Name, s.Restart(ctx, &c))
	default:
		// Same launch config; pick up bridge-only fields without a restart.
		s.mu.Lock()
		s.cfg = c
		s.mu.Unlock()
		return nil
	}
}

func wrapName(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// rebuild replaces the catalog from the current Ready sessions.
func (m *Manager) rebuild() {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	m.mu.RLock()
	sets := make([]ServerCapabilitySet, 0, len(m.order))
	published := make(map[string]int, len(m.order))
	for _, name := range m.order {
		if caps, attempt, ok := m.sessions[name].readyCaps(); ok {
			sets = append(sets, caps)
			published[name] = attempt
		}
	}
	m.mu.RUnlock()

	m.generation++
	cat := BuildCatalog(m.generation, sets)
	m.catalog.Store(cat)
	m.published = published
	close(m.rebuilt)
	m.rebuilt = make(chan struct{})

	for _, qn := range cat.Duplicates() {
		m.logger.Warn("MCP server advertised a duplicate name; keeping the first", "name", qn)
	}
	m.logger.Debug("MCP catalog rebuilt",
		"generation", cat.Generation(),
		"tools", len(cat.tools),
		"resources", len(cat.resources),
		"prompts", len(cat.prompts),
	)
	m.opts.Bus.Publish(events.New(events.SourceManager, events.KindCatalogChanged, map[string]any{
		"generation": cat.Generation(),
		"tools":      len(cat.tools),
		"resources":  len(cat.resources),
		"prompts":    len(cat.prompts),
	}))

	for _, w := range m.watchers {
		w(cat)
	}
}

// Catalog returns the current snapshot. It reflects Ready sessions only.
func (m *Manager) Catalog() *Catalog {
	return m.catalog.Load()
}

// OnCatalogChange registers fn for every future snapshot and calls it
// once with the current one.
func (m *Manager) OnCatalogChange(fn CatalogWatcher) {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()
	m.watchers = append(m.watchers, fn)
	fn(m.catalog.Load())
}

// session returns the named session, or nil.
func (m *Manager) session(name string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[name]
}

// missing classifies a name absent from the catalog. A qualified name
// whose server is configured but not Ready is unavailable rather than
// unknown.
func (m *Manager) missing(name string, sentinel error) error {
	if server, _, ok := SplitQualified(name); ok {
		if s := m.session(server); s != nil && s.State() != StateReady {
			return fmt.Errorf("%s: %w (state %s)", name, ErrServerUnavailable, s.State())
		}
	}
	return fmt.Errorf("%w: %s", sentinel, name)
}

// client returns the live client for server and its effective call
// timeout.
func (m *Manager) client(server string, timeout time.Duration) (*Client, time.Duration, error) {
	s := m.session(server)
	if s == nil {
		return nil, 0, fmt.Errorf("%s: %w", server, ErrServerUnavailable)
	}
	c := s.Client()
	if c == nil {
		return nil, 0, fmt.Errorf("%s: %w (state %s)", server, ErrServerUnavailable, s.State())
	}
	if timeout <= 0 {
		timeout = s.Config().CallTimeout
	}
	return c, timeout, nil
}

// Invoke calls a tool by qualified or unqualified name. An unknown name
// fails with ErrUnknownTool before any server is contacted; a server
// that is not Ready fails with ErrServerUnavailable.
func (m *Manager) Invoke(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	entry, candidates, ok := m.Catalog().ResolveTool(name)
	if !ok {
		return nil, m.missing(name, ErrUnknownTool)
	}
	if len(candidates) > 1 {
		m.logger.Warn("ambiguous MCP tool name; using first-registered server",
			"name", name,
			"chosen", entry.QualifiedName,
			"candidates", candidates,
		)
		m.opts.Bus.Publish(events.New(events.SourceManager, events.KindAmbiguousName, map[string]any{
			"name":       name,
			"chosen":     entry.QualifiedName,
			"candidates": candidates,
		}))
	}

	c, timeout, err := m.client(entry.Server, timeout)
	if err != nil {
		return nil, err
	}
	return c.CallTool(ctx, entry.Tool.Name, args, timeout)
}

// ReadResource reads a resource by qualified name (server.uri).
func (m *Manager) ReadResource(ctx context.Context, name string, timeout time.Duration) (json.RawMessage, error) {
	entry, ok := m.Catalog().LookupResource(name)
	if !ok {
		return nil, m.missing(name, ErrUnknownTool)
	}
	c, timeout, err := m.client(entry.Server, timeout)
	if err != nil {
		return nil, err
	}
	return c.ReadResource(ctx, entry.Resource.URI, timeout)
}

// GetPrompt renders a prompt by qualified name.
func (m *Manager) GetPrompt(ctx context.Context, name string, args map[string]string, timeout time.Duration) (json.RawMessage, error) {
	entry, ok := m.Catalog().LookupPrompt(name)
	if !ok {
		return nil, m.missing(name, ErrUnknownTool)
	}
	c, timeout, err := m.client(entry.Server, timeout)
	if err != nil {
		return nil, err
	}
	return c.GetPrompt(ctx, entry.Prompt.Name, args, timeout)
}

// Status returns every session's status in registration order.
func (m *Manager) Status() []SessionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionStatus, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.sessions[name].Status())
	}
	return out
}

// Configs returns every server's current configuration in registration
// order.
func (m *Manager) Configs() []ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerConfig, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.sessions[name].Config())
	}
	return out
}

// ToolFilter returns the bridge filter implied by the current
// include_tools and exclude_tools settings.
func (m *Manager) ToolFilter() ToolFilter {
	return AllowTools(m.Configs())
}

// Restart manually restarts a server, clearing a permanent failure.
func (m *Manager) Restart(ctx context.Context, name string) error {
	s := m.session(name)
	if s == nil {
		return fmt.Errorf("unknown server %q", name)
	}
	m.logger.Info("manual restart requested", "mcp_server", name)
	return s.Restart(ctx, nil)
}

// WaitSettled blocks until every enabled session is Ready or Failed and
// the catalog reflects it, or ctx ends. It is used by one-shot commands
// that need a populated catalog before proceeding.
func (m *Manager) WaitSettled(ctx context.Context) error {
	for {
		m.rebuildMu.Lock()
		rebuilt := m.rebuilt
		published := maps.Clone(m.published)
		m.rebuildMu.Unlock()

		m.mu.RLock()
		var pending []<-chan struct{}
		for _, name := range m.order {
			s := m.sessions[name]
			changed := s.Changed()
			st := s.Status()
			if !st.Enabled {
				continue
			}
			switch {
			case st.State == StateReady && published[name] == st.Attempt:
			case st.State == StateFailed && published[name] == 0:
			default:
				pending = append(pending, changed)
			}
		}
		m.mu.RUnlock()

		if len(pending) == 0 {
			return nil
		}
		select {
		case <-pending[0]:
		case <-rebuilt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown stops every session concurrently and waits for them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.configureMu.Lock()
	defer m.configureMu.Unlock()

	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.order))
	for _, name := range m.order {
		sessions = append(sessions, m.sessions[name])
	}
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	m.logger.Info("MCP manager shut down", "servers", len(sessions))
	return errors.Join(errs...)
}
