//go:build !no_mqtt

package main

import (
	"log/slog"

	"blelink/internal/mqtt"
	"blelink/internal/supervisor"
)

type mqttStopper struct {
	bridge *mqtt.Bridge
}

func (m *mqttStopper) stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(sup *supervisor.Supervisor, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqtt.NewBridge(sup, mqtt.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge init failed", "error", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}
