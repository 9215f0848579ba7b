//go:build no_mqtt

package main

import (
	"log/slog"

	"blelink/internal/supervisor"
)

type mqttStopper struct{}

func (m *mqttStopper) stop() {}

func initMQTT(sup *supervisor.Supervisor, cfg *Config, logger *slog.Logger) *mqttStopper {
	if cfg.MQTT.Enabled {
		logger.Warn("mqtt support not compiled in (no_mqtt build tag)")
	}
	return &mqttStopper{}
}
