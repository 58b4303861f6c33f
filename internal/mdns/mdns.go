// Package mdns advertises the web interface on the local network so it can
// be reached as esp-clock.local.
package mdns

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/grandcat/zeroconf"
)

const (
	DefaultInstance = "esp-clock"
	DefaultHost     = "esp-clock"
	Service         = "_http._tcp"
	Domain          = "local."
)

// Config describes the advertised service.
type Config struct {
	Instance string
	Host     string
	Port     int
	TXT      []string
}

// Advertiser registers a single zeroconf service. Start and Stop are safe
// to call repeatedly.
type Advertiser struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

func New(cfg Config, logger *slog.Logger) *Advertiser {
	if cfg.Instance == "" {
		cfg.Instance = DefaultInstance
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = 80
	}
	return &Advertiser{cfg: cfg, logger: logger}
}

// Start announces the service at ip. A running registration is replaced.
func (a *Advertiser) Start(ip netip.Addr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown()

	var (
		srv *zeroconf.Server
		err error
	)
	if ip.IsValid() {
		srv, err = zeroconf.RegisterProxy(a.cfg.Instance, Service, Domain, a.cfg.Port,
			a.cfg.Host, []string{ip.String()}, a.cfg.TXT, nil)
	} else {
		srv, err = zeroconf.Register(a.cfg.Instance, Service, Domain, a.cfg.Port, a.cfg.TXT, nil)
	}
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = srv
	a.logger.Info("mdns advertising", "instance", a.cfg.Instance, "host", a.cfg.Host+".local", "ip", ip, "port", a.cfg.Port)
	return nil
}

func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown()
}

func (a *Advertiser) shutdown() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.logger.Info("mdns advertisement stopped")
	}
}

// Running reports whether a registration is active.
func (a *Advertiser) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}
