package mqttpub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/muurk/tuyalan/internal/device"
	"github.com/muurk/tuyalan/internal/logging"
	"github.com/muurk/tuyalan/internal/protocol"
)

// Bridge mirrors the sessions of a hub onto an MQTT broker.
//
// State and availability are published retained so that a new subscriber
// sees the current picture at once. Commands on <prefix>/<id>/set are
// forwarded to the session as data point updates.
type Bridge struct {
	cfg    Config
	hub    *device.Hub
	topics Topics
	client pahomqtt.Client

	// publish is swapped in tests
	publish func(topic string, retained bool, payload []byte) error
}

// New creates a bridge for hub. Nothing connects until Run.
func New(cfg Config, hub *device.Hub) (*Bridge, error) {
	if cfg.Broker == "" {
		return nil, ErrNoBroker
	}
	cfg = cfg.withDefaults()

	b := &Bridge{
		cfg:    cfg,
		hub:    hub,
		topics: Topics{Prefix: cfg.TopicPrefix},
	}

	opts := buildClientOptions(cfg, b.topics)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		b.onConnect(c)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logging.Warn("MQTT connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		logging.Debug("MQTT reconnecting", zap.String("broker", cfg.Broker))
	})

	b.client = pahomqtt.NewClient(opts)
	b.publish = b.pahoPublish
	return b, nil
}

// Topics returns the topic builder in use
func (b *Bridge) Topics() Topics {
	return b.topics
}

// Run connects and relays hub events until ctx is done. An unreachable
// broker is retried in the background; only a rejected connection is an
// error.
func (b *Bridge) Run(ctx context.Context) error {
	events, cancel := b.hub.Subscribe(0)
	defer cancel()

	token := b.client.Connect()
	if token.WaitTimeout(defaultConnectTimeout) {
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
	} else {
		logging.Warn("MQTT broker not reachable yet, retrying in background",
			zap.String("broker", b.cfg.Broker))
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				b.shutdown()
				return nil
			}
			b.handleEvent(ev)
		case <-ctx.Done():
			b.shutdown()
			return nil
		}
	}
}

// onConnect runs on every (re)connect
func (b *Bridge) onConnect(c pahomqtt.Client) {
	logging.Info("MQTT connected",
		zap.String("broker", b.cfg.Broker),
		zap.String("prefix", b.cfg.TopicPrefix),
	)

	token := c.Subscribe(b.topics.AllSet(), qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if err := b.handleSet(msg.Topic(), msg.Payload()); err != nil {
			logging.Warn("MQTT command rejected", zap.String("topic", msg.Topic()), zap.Error(err))
		}
	})
	if token.WaitTimeout(defaultPublishTimeout) && token.Error() != nil {
		logging.Error("MQTT subscribe failed", zap.String("topic", b.topics.AllSet()), zap.Error(token.Error()))
	}

	b.send(b.topics.Status(), true, []byte(Online))
	b.publishAll()
}

// publishAll publishes availability and state of every session
func (b *Bridge) publishAll() {
	for _, sess := range b.hub.Sessions() {
		id := sess.ID()
		if !sess.Connected() {
			b.send(b.topics.Availability(id), true, []byte(Offline))
			continue
		}
		b.send(b.topics.Availability(id), true, []byte(Online))
		b.sendState(id, sess.State())
	}
}

func (b *Bridge) handleEvent(ev device.Event) {
	switch ev.Kind {
	case device.EventConnect:
		b.send(b.topics.Availability(ev.DeviceID), true, []byte(Online))
	case device.EventChange:
		b.sendState(ev.DeviceID, ev.State)
	case device.EventDisconnect:
		if ev.WasConnected {
			b.send(b.topics.Availability(ev.DeviceID), true, []byte(Offline))
		}
	}
}

// handleSet forwards a command to its session
func (b *Bridge) handleSet(topic string, payload []byte) error {
	id, err := b.topics.DeviceFromSet(topic)
	if err != nil {
		return err
	}
	dps, err := protocol.DecodeDPS(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	sent, err := b.hub.Update(id, dps)
	if err != nil {
		return err
	}
	if !sent {
		return fmt.Errorf("%w: %s", device.ErrNotConnected, id)
	}
	logging.Debug("MQTT command sent", zap.String("device_id", id), zap.Int("dps", len(dps)))
	return nil
}

func (b *Bridge) sendState(id string, state protocol.DPS) {
	if state == nil {
		state = protocol.DPS{}
	}
	payload, err := json.Marshal(state)
	if err != nil {
		logging.Error("Failed to marshal state", zap.String("device_id", id), zap.Error(err))
		return
	}
	b.send(b.topics.State(id), true, payload)
}

func (b *Bridge) send(topic string, retained bool, payload []byte) {
	if err := b.publish(topic, retained, payload); err != nil {
		logging.Debug("MQTT publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (b *Bridge) pahoPublish(topic string, retained bool, payload []byte) error {
	token := b.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("publish %s: timeout after %v", topic, defaultPublishTimeout)
	}
	return token.Error()
}

// shutdown marks every device and the bridge offline and disconnects
func (b *Bridge) shutdown() {
	if b.client.IsConnected() {
		for _, sess := range b.hub.Sessions() {
			b.send(b.topics.Availability(sess.ID()), true, []byte(Offline))
		}
		b.send(b.topics.Status(), true, []byte(Offline))
	}
	b.client.Disconnect(defaultDisconnectQuiesce)
	logging.Info("MQTT bridge stopped", zap.String("broker", b.cfg.Broker))
}
