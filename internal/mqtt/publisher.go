package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/mcp"
)

// StatusSource reports the current per-server session status. The
// session manager satisfies it.
type StatusSource interface {
	Status() []mcp.SessionStatus
}

// Restarter restarts a server by name. The session manager satisfies it.
type Restarter interface {
	Restart(ctx context.Context, name string) error
}

// broker is the slice of the autopaho connection the publisher uses.
type broker interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// ServerState is the retained JSON document for one server.
type ServerState struct {
	mcp.SessionStatus
	Updated time.Time `json:"updated"`
}

// Summary is the retained JSON document for the whole host.
type Summary struct {
	Servers       int       `json:"servers"`
	Ready         int       `json:"ready"`
	Failed        int       `json:"failed"`
	Tools         int       `json:"tools"`
	CallsToday    int64     `json:"calls_today"`
	FailuresToday int64     `json:"failures_today"`
	Version       string    `json:"version"`
	Uptime        string    `json:"uptime"`
	Updated       time.Time `json:"updated"`
}

// Publisher keeps the broker's retained topics in step with session
// status.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	source     StatusSource
	restarter  Restarter
	bus        *events.Bus
	calls      *DailyCalls
	logger     *slog.Logger

	// cm is set once Start has connected; Stop may run concurrently.
	cm atomic.Pointer[autopaho.ConnectionManager]

	// mu serializes syncs and guards published.
	mu        sync.Mutex
	published map[string]bool
}

// New creates a Publisher. It does not connect until Start.
func New(cfg config.MQTTConfig, instanceID string, source StatusSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = time.Minute
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		source:     source,
		bus:        bus,
		calls:      NewDailyCalls(nil),
		logger:     logger,
		published:  make(map[string]bool),
	}
}

// SetRestarter enables restart commands when the config allows them.
// Must be called before Start.
func (p *Publisher) SetRestarter(r Restarter) {
	p.restarter = r
}

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicPrefix + "/" + topicSegment(p.cfg.DeviceName)
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) summaryTopic() string {
	return p.baseTopic() + "/summary"
}

func (p *Publisher) serverTopic(name string) string {
	return p.baseTopic() + "/servers/" + topicSegment(name) + "/state"
}

func (p *Publisher) commandTopic() string {
	return p.baseTopic() + "/command/restart"
}

func (p *Publisher) discoveryTopic(objectID string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + topicSegment(p.cfg.DeviceName) + "/" + objectID + "/config"
}

// topicSegment makes s safe as a single topic level.
func topicSegment(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

func (p *Publisher) commandsEnabled() bool {
	return p.cfg.Commands && p.restarter != nil
}

// Start connects to the broker and keeps the retained topics current
// until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected", "broker", p.cfg.Broker)
			p.announce(ctx, cm)
			if p.commandsEnabled() {
				if _, err := cm.Subscribe(ctx, &paho.Subscribe{
					Subscriptions: []paho.SubscribeOptions{{Topic: p.commandTopic(), QoS: 1}},
				}); err != nil {
					p.logger.Warn("mqtt command subscribe failed", "topic", p.commandTopic(), "error", err)
				}
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "mcphost-" + p.instanceID,
		},
	}
	if p.commandsEnabled() {
		pahoCfg.OnPublishReceived = []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				p.handleMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		}
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" || brokerURL.Scheme == "wss" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm.Store(cm)

	p.run(ctx, cm)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return nil
	}
	p.publish(ctx, cm, p.availabilityTopic(), []byte("offline"), 1)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx ends.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// run republishes on session events and on a fixed interval.
func (p *Publisher) run(ctx context.Context, b broker) {
	ch := p.bus.Subscribe(128, events.KindStateChanged, events.KindCatalogChanged, events.KindInvoke)
	defer p.bus.Unsubscribe(ch)

	ticker := time.NewTicker(p.cfg.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sync(ctx, b)
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(ctx, b, e)
		}
	}
}

func (p *Publisher) handleEvent(ctx context.Context, b broker, e events.Event) {
	switch e.Kind {
	case events.KindInvoke:
		ok, _ := e.Data["ok"].(bool)
		p.calls.Observe(ok)
		p.mu.Lock()
		p.publishSummary(ctx, b, p.source.Status())
		p.mu.Unlock()
	default:
		p.sync(ctx, b)
	}
}

// announce runs on every (re-)connect: host discovery, availability,
// and a full sync.
func (p *Publisher) announce(ctx context.Context, b broker) {
	if p.cfg.DiscoveryPrefix != "" {
		for _, s := range p.hostSensors() {
			p.publishJSON(ctx, b, p.discoveryTopic(s.ObjectID), s, 1)
		}
	}
	p.publish(ctx, b, p.availabilityTopic(), []byte("online"), 1)
	p.sync(ctx, b)
}

// sync publishes every server's state and the summary, and clears the
// retained topics of servers that are no longer configured.
func (p *Publisher) sync(ctx context.Context, b broker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := p.source.Status()
	now := time.Now()
	seen := make(map[string]bool, len(statuses))

	for _, st := range statuses {
		seen[st.Name] = true
		if !p.published[st.Name] && p.cfg.DiscoveryPrefix != "" {
			s := p.serverSensor(st.Name)
			p.publishJSON(ctx, b, p.discoveryTopic(s.ObjectID), s, 1)
		}
		p.publishJSON(ctx, b, p.serverTopic(st.Name), ServerState{SessionStatus: st, Updated: now}, 0)
	}

	for name := range p.published {
		if seen[name] {
			continue
		}
		// An empty retained payload deletes the retained message.
		p.publish(ctx, b, p.serverTopic(name), nil, 1)
		if p.cfg.DiscoveryPrefix != "" {
			p.publish(ctx, b, p.discoveryTopic(p.serverSensor(name).ObjectID), nil, 1)
		}
		p.logger.Debug("mqtt cleared removed server", "mcp_server", name)
	}
	p.published = seen

	p.publishSummary(ctx, b, statuses)
}

// publishSummary must be called with p.mu held.
func (p *Publisher) publishSummary(ctx context.Context, b broker, statuses []mcp.SessionStatus) {
	sum := Summary{
		Servers: len(statuses),
		Version: buildinfo.Version,
		Uptime:  buildinfo.Uptime().String(),
		Updated: time.Now(),
	}
	for _, st := range statuses {
		switch st.State {
		case mcp.StateReady:
			sum.Ready++
			sum.Tools += st.Tools
		case mcp.StateFailed:
			sum.Failed++
		}
	}
	sum.CallsToday, sum.FailuresToday = p.calls.Snapshot()
	p.publishJSON(ctx, b, p.summaryTopic(), sum, 0)
}

func (p *Publisher) hostSensors() []SensorConfig {
	sensor := func(key, name, icon, unit string) SensorConfig {
		return SensorConfig{
			Name:              name,
			ObjectID:          key,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + key,
			StateTopic:        p.summaryTopic(),
			ValueTemplate:     "{{ value_json." + key + " }}",
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
			StateClass:        "measurement",
			UnitOfMeasurement: unit,
		}
	}
	return []SensorConfig{
		sensor("ready", "Servers Ready", "mdi:server-network", "servers"),
		sensor("tools", "Tools", "mdi:tools", "tools"),
		sensor("calls_today", "Calls Today", "mdi:counter", "calls"),
	}
}

func (p *Publisher) serverSensor(name string) SensorConfig {
	key := "server_" + topicSegment(name)
	return SensorConfig{
		Name:                name,
		ObjectID:            key,
		HasEntityName:       true,
		UniqueID:            p.instanceID + "_" + key,
		StateTopic:          p.serverTopic(name),
		ValueTemplate:       "{{ value_json.state }}",
		JSONAttributesTopic: p.serverTopic(name),
		AvailabilityTopic:   p.availabilityTopic(),
		Device:              p.device,
		Icon:                "mdi:puzzle",
		EntityCategory:      "diagnostic",
	}
}

// handleMessage serves the restart command topic. The payload is the
// server name.
func (p *Publisher) handleMessage(ctx context.Context, topic string, payload []byte) {
	if topic != p.commandTopic() || p.restarter == nil {
		p.logger.Debug("mqtt message ignored", "topic", topic, "payload_size", len(payload))
		return
	}
	name := strings.TrimSpace(string(payload))
	if name == "" {
		p.logger.Warn("mqtt restart command without a server name")
		return
	}
	p.logger.Info("mqtt restart command", "mcp_server", name)
	if err := p.restarter.Restart(ctx, name); err != nil {
		p.logger.Warn("mqtt restart command failed", "mcp_server", name, "error", err)
	}
}

func (p *Publisher) publishJSON(ctx context.Context, b broker, topic string, v any, qos byte) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("mqtt marshal payload", "topic", topic, "error", err)
		return
	}
	p.publish(ctx, b, topic, payload, qos)
}

func (p *Publisher) publish(ctx context.Context, b broker, topic string, payload []byte, qos byte) {
	if _, err := b.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
	}
}
