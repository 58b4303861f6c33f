//go:build !no_mqtt

// Package mqtt mirrors the clock's network, sync and settings state to an
// MQTT broker, with Home Assistant discovery.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"esp-clock/internal/events"
	"esp-clock/internal/network"
	"esp-clock/internal/settings"
	"esp-clock/internal/timesync"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	DeviceID    string
	Version     string
}

// State supplies the snapshots published when the broker connection comes up.
type State interface {
	Network() network.Snapshot
	Sync() timesync.Status
	Settings() settings.DeviceConfig
}

// Bridge publishes clock state; it never changes settings.
type Bridge struct {
	client  pahomqtt.Client
	bus     *events.Bus
	state   State
	cfg     Config
	base    string
	logger  *slog.Logger
	unsub   func()
	publish func(topic string, payload []byte, retained bool)
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(cfg Config, bus *events.Bus, state State, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		bus:    bus,
		state:  state,
		cfg:    cfg,
		base:   deviceTopic(cfg.TopicPrefix, cfg.DeviceID),
		logger: logger.With("component", "mqtt"),
	}
	b.publish = b.pahoPublish

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("esp-clock-" + shortID(cfg.DeviceID)).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.base+"/availability", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected", "broker", cfg.Broker)
			b.announce()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to bus events and begins publishing.
func (b *Bridge) Start() {
	b.unsub = b.bus.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "topic", b.base)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishAvailability("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

// announce runs on every (re)connect: availability, discovery and the
// current state, all retained.
func (b *Bridge) announce() {
	b.publishAvailability("online")
	for _, msg := range buildDiscovery(b.cfg.DeviceID, b.cfg.TopicPrefix, b.cfg.Version) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	if b.state != nil {
		b.publishJSON("network", b.state.Network())
		b.publishJSON("sync", b.state.Sync())
		b.publishJSON("settings", b.state.Settings().Redacted())
	}
}

func (b *Bridge) handleEvent(e events.Event) {
	switch d := e.Data.(type) {
	case network.Snapshot:
		b.publishJSON("network", d)
	case timesync.Status:
		b.publishJSON("sync", d)
	case settings.SettingsChange:
		b.publishJSON("settings", d.Config.Redacted())
	case settings.DeviceConfig:
		if e.Type == events.EventFactoryReset {
			b.publishJSON("settings", d.Redacted())
		}
	case network.JoinAttempt:
		if d.Err != "" {
			b.publishJSON("join_error", d)
		}
	}
}

func (b *Bridge) publishAvailability(state string) {
	b.publish(b.base+"/availability", []byte(state), true)
}

func (b *Bridge) publishJSON(sub string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("mqtt marshal", "topic", sub, "err", err)
		return
	}
	b.publish(b.base+"/"+sub, payload, sub != "join_error")
}

func (b *Bridge) pahoPublish(topic string, payload []byte, retained bool) {
	if b.client == nil {
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
