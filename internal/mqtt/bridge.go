//go:build !no_mqtt

// Package mqtt publishes connection state transitions to an MQTT broker so
// home-automation consumers can follow the device without polling the API.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"blelink/internal/device"
	"blelink/internal/supervisor"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge forwards supervisor state to MQTT.
type Bridge struct {
	client pahomqtt.Client
	sup    *supervisor.Supervisor
	prefix string
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates and connects a bridge.
func NewBridge(sup *supervisor.Supervisor, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		sup:    sup,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("blelink").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishState(b.sup.State())
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// The connect handler runs as soon as the broker answers; the client
	// must be in place before Connect is called.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start begins forwarding state transitions.
func (b *Bridge) Start() {
	go func() {
		for st := range b.sup.Watch(b.ctx) {
			b.publishState(st)
		}
	}()
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) publishState(st device.State) {
	data, err := json.Marshal(st)
	if err != nil {
		b.logger.Error("marshal state", "err", err)
		return
	}
	b.client.Publish(b.prefix+"/state", 1, true, data)
}

func (b *Bridge) publishBridgeState(state string) {
	b.client.Publish(b.prefix+"/bridge/state", 1, true, state)
}
