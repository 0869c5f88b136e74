package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/automaton/internal/buildinfo"
	"github.com/nugget/automaton/internal/config"
	"github.com/nugget/automaton/internal/events"
	"github.com/nugget/automaton/internal/financial"
	"github.com/nugget/automaton/internal/state"
)

// Snapshot is the agent status the publisher renders into sensors.
type Snapshot struct {
	State        state.AgentState
	Tier         financial.Tier
	CreditsCents int64
	TurnCount    int
	LastTurn     time.Time
	DefaultModel string
}

// StatusSource provides the current agent status. The concrete adapter
// is wired in main so this package does not depend on the loop.
type StatusSource interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Publisher manages the MQTT connection, publishes HA discovery config
// on (re-)connect, and pushes sensor state periodically and on bus
// events.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	spend      *DailySpend
	status     StatusSource
	logger     *slog.Logger

	bus     *events.Bus
	handler MessageHandler
	cm      *autopaho.ConnectionManager

	// mu serializes state publishes from the ticker and the bus.
	mu sync.Mutex
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, spend *DailySpend, status StatusSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if spend == nil {
		spend = NewDailySpend(nil)
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		spend:      spend,
		status:     status,
		logger:     logger,
		handler:    defaultMessageHandler(logger),
	}
}

// SetBus makes the publisher push state immediately when the bus
// reports a state change or completed turn.
func (p *Publisher) SetBus(bus *events.Bus) {
	p.bus = bus
}

// SetMessageHandler replaces the handler for messages received on the
// inbox topic.
func (p *Publisher) SetMessageHandler(h MessageHandler) {
	p.handler = h
}

// Start connects to the broker and runs the publish loop. It blocks
// until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	limiter := newWindowLimiter(60, time.Minute, p.logger)

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
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			if p.cfg.AcceptInbox {
				p.subscribeInbox(ctx, cm)
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "automaton-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if !limiter.allow() {
						return true, nil
					}
					p.handler(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "automaton/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) inboxTopic() string {
	return p.baseTopic() + "/inbox"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) subscribeInbox(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := p.inboxTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt inbox subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Info("mqtt inbox subscribed", "topic", topic)
}

// --- State publishing ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var updates <-chan events.Event
	if p.bus != nil {
		sub := p.bus.Subscribe(16, events.KindStateChange, events.KindTurnComplete)
		defer p.bus.Unsubscribe(sub)
		updates = sub.C
	}

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case _, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			p.publishStates(ctx)
		}
	}
}

// sensorStates renders the current snapshot as entity → payload.
func (p *Publisher) sensorStates(ctx context.Context) map[string]string {
	states := map[string]string{
		"uptime":  buildinfo.Uptime().String(),
		"version": buildinfo.Version,
	}

	prompt, output, cost, _ := p.spend.Snapshot()
	states["tokens_today"] = strconv.FormatInt(prompt+output, 10)
	states["spend_today"] = centsToDollars(cost)

	if p.status == nil {
		return states
	}
	snap, err := p.status.Snapshot(ctx)
	if err != nil {
		p.logger.Debug("mqtt status snapshot failed", "error", err)
		return states
	}
	states["state"] = string(snap.State)
	states["tier"] = string(snap.Tier)
	states["credits"] = centsToDollars(snap.CreditsCents)
	states["turns"] = strconv.Itoa(snap.TurnCount)
	states["default_model"] = snap.DefaultModel
	if snap.LastTurn.IsZero() {
		states["last_turn"] = "unknown"
	} else {
		states["last_turn"] = snap.LastTurn.UTC().Format(time.RFC3339)
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	states := p.sensorStates(ctx)
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}

func centsToDollars(cents int64) string {
	return strconv.FormatFloat(float64(cents)/100, 'f', 2, 64)
}
