// Package metrics exposes clock state as Prometheus series, fed from the
// event bus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"esp-clock/internal/events"
	"esp-clock/internal/network"
	"esp-clock/internal/settings"
	"esp-clock/internal/timesync"
)

const namespace = "esp_clock"

// Metrics owns a private registry so tests and the binary never collide on
// the global one.
type Metrics struct {
	reg *prometheus.Registry

	networkState    *prometheus.GaugeVec
	joinAttempts    *prometheus.CounterVec
	syncs           *prometheus.CounterVec
	lastSync        prometheus.Gauge
	settingsChanges *prometheus.CounterVec
	factoryResets   prometheus.Counter
	buildInfo       *prometheus.GaugeVec

	mu    sync.Mutex
	unsub []func()
}

func New(version string) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		networkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_state",
			Help:      "1 for the current network mode, 0 for the others.",
		}, []string{"state"}),
		joinAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wifi_join_attempts_total",
			Help:      "Station join attempts by result.",
		}, []string{"result"}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "time_syncs_total",
			Help:      "Time synchronizations by result.",
		}, []string{"result"}),
		lastSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "time_last_sync_timestamp_seconds",
			Help:      "Unix time of the last successful synchronization.",
		}),
		settingsChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settings_changes_total",
			Help:      "Committed settings changes by field.",
		}, []string{"field"}),
		factoryResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "factory_resets_total",
			Help:      "Factory resets performed.",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information.",
		}, []string{"version"}),
	}
	m.reg.MustRegister(
		m.networkState, m.joinAttempts, m.syncs, m.lastSync,
		m.settingsChanges, m.factoryResets, m.buildInfo,
		collectors.NewGoCollector(),
	)
	m.buildInfo.WithLabelValues(version).Set(1)
	m.setState(network.Unconfigured)
	return m
}

// Subscribe starts counting events from bus until Close.
func (m *Metrics) Subscribe(bus *events.Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsub = append(m.unsub, bus.OnAll(m.observe))
}

// Close detaches from every bus.
func (m *Metrics) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.unsub {
		u()
	}
	m.unsub = nil
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry is exposed for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) observe(e events.Event) {
	if e.Type == events.EventFactoryReset {
		m.factoryResets.Inc()
		return
	}
	switch d := e.Data.(type) {
	case network.Snapshot:
		m.setState(d.State)
	case network.JoinAttempt:
		result := "success"
		if d.Err != "" {
			result = "failure"
		}
		m.joinAttempts.WithLabelValues(result).Inc()
	case timesync.Status:
		switch d.Phase {
		case timesync.Synced:
			m.syncs.WithLabelValues("success").Inc()
			m.lastSync.Set(float64(d.At.Unix()))
		case timesync.Failed:
			m.syncs.WithLabelValues("failure").Inc()
		}
	case settings.SettingsChange:
		m.settingsChanges.WithLabelValues(d.Field).Inc()
	}
}

func (m *Metrics) setState(cur network.State) {
	for _, s := range []network.State{network.Unconfigured, network.APMode, network.Connecting, network.Connected} {
		v := 0.0
		if s == cur {
			v = 1
		}
		m.networkState.WithLabelValues(s.String()).Set(v)
	}
}
