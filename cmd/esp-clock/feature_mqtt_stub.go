//go:build no_mqtt

package main

import (
	"log/slog"

	"esp-clock/internal/events"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *Config, _ *events.Bus, _ clockState, _ string, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
