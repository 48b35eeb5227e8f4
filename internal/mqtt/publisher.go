package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/droidpilot/internal/config"
	"github.com/nugget/droidpilot/internal/events"
)

// Status values published to the retained status topic.
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
)

// subscriberBuffer sizes the bus subscription. Events beyond it are
// dropped by the bus rather than stalling the task loop.
const subscriberBuffer = 256

// publishFunc sends one message. Replaced in tests.
type publishFunc func(ctx context.Context, msg *paho.Publish) error

// Publisher forwards bus events to an MQTT broker.
type Publisher struct {
	cfg     config.MQTTConfig
	bus     *events.Bus
	logger  *slog.Logger
	cm      *autopaho.ConnectionManager
	publish publishFunc
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin forwarding.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "mqtt"),
	}
}

// Start connects to the broker, subscribes to the bus, and forwards
// events until ctx is cancelled. The bus subscription is taken before
// the connection is awaited so no early events are missed.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	ch := p.bus.Subscribe(subscriberBuffer)
	defer p.bus.Unsubscribe(ch)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   AvailabilityTopic(p.cfg.BaseTopic),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishRetained(ctx, AvailabilityTopic(p.cfg.BaseTopic), "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	p.publish = func(ctx context.Context, msg *paho.Publish) error {
		_, err := cm.Publish(ctx, msg)
		return err
	}

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.publishRetained(ctx, StatusTopic(p.cfg.BaseTopic), StatusIdle)
	p.forward(ctx, ch)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
// The provided context bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishRetained(ctx, AvailabilityTopic(p.cfg.BaseTopic), "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// forward drains ch until ctx is cancelled or ch is closed.
func (p *Publisher) forward(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.handle(ctx, e)
		}
	}
}

func (p *Publisher) handle(ctx context.Context, e events.Event) {
	msg, err := eventMessage(p.cfg.BaseTopic, e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if err := p.publish(ctx, msg); err != nil {
		p.logger.Debug("mqtt event publish failed", "topic", msg.Topic, "error", err)
	}

	if e.Source != events.SourceTaskloop {
		return
	}
	switch e.Kind {
	case events.KindTaskStart:
		p.publishRetained(ctx, StatusTopic(p.cfg.BaseTopic), StatusRunning)
	case events.KindTaskComplete:
		p.publishRetained(ctx, StatusTopic(p.cfg.BaseTopic), StatusIdle)
	}
}

func (p *Publisher) publishRetained(ctx context.Context, topic, payload string) {
	if p.publish == nil {
		return
	}
	if err := p.publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: []byte(payload),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt retained publish failed", "topic", topic, "payload", payload, "error", err)
	} else {
		p.logger.Debug("mqtt retained published", "topic", topic, "payload", payload)
	}
}

// eventMessage builds the non-retained QoS 0 message for e.
func eventMessage(base string, e events.Event) (*paho.Publish, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return &paho.Publish{
		Topic:   EventTopic(base, e),
		Payload: payload,
		QoS:     0,
	}, nil
}

// --- Topic helpers ---

// EventTopic returns <base>/events/<source>/<kind>. Wildcard and
// separator characters in source or kind are replaced with '_'.
func EventTopic(base string, e events.Event) string {
	return strings.TrimSuffix(base, "/") + "/events/" + topicLevel(e.Source) + "/" + topicLevel(e.Kind)
}

// AvailabilityTopic returns <base>/availability.
func AvailabilityTopic(base string) string {
	return strings.TrimSuffix(base, "/") + "/availability"
}

// StatusTopic returns <base>/status.
func StatusTopic(base string) string {
	return strings.TrimSuffix(base, "/") + "/status"
}

var levelReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func topicLevel(s string) string {
	if s == "" {
		return "unknown"
	}
	return levelReplacer.Replace(s)
}
