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
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/crm-assistant/internal/config"
	"github.com/nugget/crm-assistant/internal/events"
)

// eventBuffer is how many events may queue while a publish is in flight.
const eventBuffer = 64

// Publisher forwards bus events to the broker.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	bus      *events.Bus
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager
	done     chan struct{}
	// send delivers one message; replaced in tests.
	send func(ctx context.Context, msg *paho.Publish) error
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin forwarding.
func New(cfg config.MQTTConfig, clientID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		cfg:      cfg,
		clientID: clientID,
		bus:      bus,
		logger:   logger.With("component", "mqtt"),
	}
	p.send = p.publish
	return p
}

// Start begins connecting to the broker and returns once the bus
// subscription is in place. Events are forwarded in the background until
// ctx is cancelled. A broker that is down at startup is retried in the
// background; events published meanwhile are dropped.
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
			Topic:   p.statusTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishStatus(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
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
	p.run(ctx, func(ctx context.Context) {
		connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
		defer connCancel()
		if err := cm.AwaitConnection(connCtx); err != nil && ctx.Err() == nil {
			p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
		}
	})
	return nil
}

// run subscribes to the bus and forwards events on a new goroutine.
// await, when set, runs concurrently and only reports connection state.
func (p *Publisher) run(ctx context.Context, await func(context.Context)) {
	if await != nil {
		go await(ctx)
	}
	ch := p.bus.Subscribe(eventBuffer)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		defer p.bus.Unsubscribe(ch)
		p.forward(ctx, ch)
	}()
}

// Done is closed when forwarding has stopped. It is nil before Start.
func (p *Publisher) Done() <-chan struct{} {
	return p.done
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishStatus(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// forward publishes events from ch until ctx ends or ch closes.
func (p *Publisher) forward(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			msg, ok := p.message(e)
			if !ok {
				continue
			}
			if err := p.send(ctx, msg); err != nil {
				p.logger.Debug("mqtt event publish failed", "topic", msg.Topic, "error", err)
				continue
			}
			p.logger.Debug("mqtt event published", "topic", msg.Topic, "type", e.Kind)
		}
	}
}

// message converts an event to an MQTT publish. Only per-user contact
// and reminder events are forwarded.
func (p *Publisher) message(e events.Event) (*paho.Publish, bool) {
	if e.UserID == "" {
		return nil, false
	}
	var stream string
	switch e.Source {
	case events.SourceContacts:
		stream = "contacts"
	case events.SourceReminders:
		stream = "reminders"
	default:
		return nil, false
	}

	payload, err := json.Marshal(e.Update())
	if err != nil {
		p.logger.Error("mqtt marshal event", "type", e.Kind, "error", err)
		return nil, false
	}
	return &paho.Publish{
		Topic:   p.userTopic(e.UserID, stream),
		Payload: payload,
		QoS:     1,
	}, true
}

func (p *Publisher) publish(ctx context.Context, msg *paho.Publish) error {
	if p.cm == nil {
		return errors.New("mqtt publisher not started")
	}
	_, err := p.cm.Publish(ctx, msg)
	return err
}

func (p *Publisher) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt status publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt status published", "status", status)
	}
}

func (p *Publisher) statusTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

// userTopic builds <prefix>/users/<id>/<stream>. MQTT wildcard and
// separator characters in the user ID are replaced.
func (p *Publisher) userTopic(userID, stream string) string {
	safe := strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(userID)
	return p.cfg.TopicPrefix + "/users/" + safe + "/" + stream
}
