package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"esp-clock/internal/display"
	"esp-clock/internal/events"
	"esp-clock/internal/mdns"
	"esp-clock/internal/metrics"
	"esp-clock/internal/network"
	"esp-clock/internal/portal"
	"esp-clock/internal/settings"
	"esp-clock/internal/store"
	"esp-clock/internal/system"
	"esp-clock/internal/timesync"
	"esp-clock/internal/web"
	"esp-clock/internal/wifi"
)

const (
	settingsBucket = "settings"
	metaBucket     = "meta"
)

// simAddr is handed out by the simulated stack on every join.
var simAddr = netip.MustParseAddr("192.168.1.100")

func runServe(parent context.Context, cfg *Config, logger *slog.Logger) error {
	logger.Info("esp-clock starting", "version", version)

	root, restart := context.WithCancelCause(parent)
	defer restart(nil)
	ctx, stop := signal.NotifyContext(root, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	meta, err := db.Namespace(metaBucket)
	if err != nil {
		return err
	}
	deviceID, err := store.DeviceID(meta)
	if err != nil {
		return fmt.Errorf("device id: %w", err)
	}
	kv, err := db.Namespace(settingsBucket)
	if err != nil {
		return err
	}

	bus := events.NewBus(logger)
	prefs := settings.New(kv, bus, logger.With("component", "settings"))
	current := prefs.Load()
	logger.Info("settings loaded", "device_id", deviceID, "configured", current.Configured(), "timezone", current.Timezone)

	drv, closeDisplay, err := openDisplay(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDisplay()

	clock := timesync.New(timesync.Config{
		Servers: cfg.Time.Servers,
		Timeout: cfg.Time.Timeout,
	}, timesync.NTPQuerier{}, bus, logger.With("component", "timesync"))

	face := display.NewRenderer(drv, drv, clock, prefs, cfg.Display.LEDs, logger.With("component", "display"))
	if err := face.Init(); err != nil {
		logger.Warn("display init", "err", err)
	}
	syncer := &displaySync{Service: clock, face: face, logger: logger}

	stack, err := openStack(cfg, logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	redirector := portal.New(cfg.apIP(), logger.With("component", "portal"),
		portal.WithHTTPPort(listenPort(cfg.Web.Listen)))

	netOpts := []network.Option{network.WithSyncer(syncer), network.WithEventBus(bus)}
	if cfg.MDNS.Enabled {
		adv := mdns.New(mdns.Config{
			Instance: cfg.MDNS.Instance,
			Port:     listenPort(cfg.Web.Listen),
			TXT:      []string{"id=" + deviceID, "version=" + version},
		}, logger.With("component", "mdns"))
		netOpts = append(netOpts, network.WithAdvertiser(adv))
	}
	ctrl := network.New(network.Config{
		AP: wifi.APConfig{
			SSID:     cfg.AP.SSID,
			Password: cfg.AP.Password,
			IP:       cfg.apIP(),
		},
		MaxAttempts: cfg.WiFi.MaxAttempts,
		RetryDelay:  cfg.WiFi.RetryDelay,
		JoinTimeout: cfg.WiFi.JoinTimeout,
	}, stack, prefs, redirector, logger.With("component", "network"), netOpts...)

	rebooter := system.NewRebooter(restart, system.DefaultRestartDelay, logger.With("component", "system"))
	rebooter.OnRestart(func(ctx context.Context) {
		if err := stack.Disconnect(ctx); err != nil {
			logger.Warn("wifi disconnect before restart", "err", err)
		}
	})

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithDeviceID(deviceID),
		web.WithPortal(redirector),
		web.WithEventBus(bus),
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if cfg.Metrics.Enabled {
		m := metrics.New(version)
		m.Subscribe(bus)
		defer m.Close()
		webOpts = append(webOpts, web.WithMetrics(m.Handler()))
	}

	webServer, err := web.NewServer(web.Deps{
		Settings: prefs,
		Network:  ctrl,
		Clock:    syncer,
		Face:     face,
		Rebooter: rebooter,
	}, logger, webOpts...)
	if err != nil {
		return fmt.Errorf("create web server: %w", err)
	}
	defer webServer.Stop()

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sched, err := newScheduler(cfg, ctrl, face, syncer, logger)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(cfg, bus, clockState{ctrl: ctrl, clock: clock, prefs: prefs}, deviceID, logger)
	defer mqtt.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("captive DNS starting", "addr", cfg.Portal.DNSListen)
		if err := redirector.ListenAndServeDNS(gctx, cfg.Portal.DNSListen); err != nil {
			// Setup still works by browsing to the AP address directly.
			logger.Error("captive dns", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "cause", context.Cause(gctx))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(context.Cause(root), system.ErrRestart) {
		logger.Info("restarting")
		return system.ErrRestart
	}
	if err != nil {
		return err
	}
	logger.Info("goodbye")
	return nil
}

// driver is the combined segment display and LED strip backend.
type driver interface {
	display.Display
	display.Strip
}

func openDisplay(cfg *Config, logger *slog.Logger) (driver, func(), error) {
	dl := logger.With("component", "display")
	switch cfg.Display.Backend {
	case "serial":
		logger.Info("using serial display", "port", cfg.Display.Port, "baud", cfg.Display.Baud)
		d, err := display.OpenSerial(cfg.Display.Port, cfg.Display.Baud, dl)
		if err != nil {
			return nil, nil, fmt.Errorf("open display: %w", err)
		}
		return d, func() { d.Close() }, nil
	default:
		logger.Info("using log display")
		return display.NewLogDriver(dl), func() {}, nil
	}
}

func openStack(cfg *Config, logger *slog.Logger) (wifi.Stack, error) {
	wl := logger.With("component", "wifi")
	switch cfg.WiFi.Backend {
	case "nmcli":
		logger.Info("using NetworkManager wifi", "interface", cfg.WiFi.Interface)
		return wifi.NewNMCLI(cfg.WiFi.Interface, wl, wifi.WithPollInterval(cfg.WiFi.PollInterval)), nil
	case "sim":
		logger.Warn("using simulated wifi")
		return wifi.NewSim(simAddr), nil
	default:
		return nil, fmt.Errorf("unknown wifi backend: %q", cfg.WiFi.Backend)
	}
}

// displaySync shows the sync message while a sync runs and redraws the time
// once it finishes.
type displaySync struct {
	*timesync.Service
	face   *display.Renderer
	logger *slog.Logger
}

func (d *displaySync) Sync(ctx context.Context) (time.Time, error) {
	if err := d.face.ShowMessage(display.MessageSync); err != nil {
		d.logger.Warn("display sync message", "err", err)
	}
	t, err := d.Service.Sync(ctx)
	if rerr := d.face.Refresh(); rerr != nil {
		d.logger.Warn("display refresh", "err", rerr)
	}
	return t, err
}

func newScheduler(cfg *Config, ctrl *network.Controller, face *display.Renderer, syncer *displaySync, logger *slog.Logger) (*cron.Cron, error) {
	cl := cronLogger{logger.With("component", "cron")}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	if _, err := c.AddFunc("* * * * *", func() {
		if err := face.Refresh(); err != nil {
			logger.Warn("display refresh", "err", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule refresh: %w", err)
	}

	if cfg.Time.ResyncSchedule != "" {
		if _, err := c.AddFunc(cfg.Time.ResyncSchedule, func() {
			if ctrl.Snapshot().State != network.Connected {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := syncer.Sync(ctx); err != nil {
				logger.Warn("scheduled time sync", "err", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule resync: %w", err)
		}
	}
	return c, nil
}

// cronLogger routes cron's logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "err", err)...)
}

// listenPort extracts the TCP port advertised over mDNS.
func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 80
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 {
		return 80
	}
	return port
}

// clockState is the read-only view of the device published over MQTT.
type clockState struct {
	ctrl  *network.Controller
	clock *timesync.Service
	prefs *settings.Store
}

func (s clockState) Network() network.Snapshot { return s.ctrl.Snapshot() }
func (s clockState) Sync() timesync.Status { return s.clock.Status() }
func (s clockState) Settings() settings.DeviceConfig { return s.prefs.Current() }
