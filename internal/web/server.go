package web

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"esp-clock/internal/events"
	"esp-clock/internal/network"
	"esp-clock/internal/portal"
	"esp-clock/internal/settings"
	"esp-clock/internal/timesync"
	"esp-clock/internal/wifi"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Settings is the configuration store the handlers read and mutate.
type Settings interface {
	Current() settings.DeviceConfig
	SetWiFiCredentials(ssid, password string) error
	SetTimezone(id string) error
	SetTheme(t settings.Theme) error
	SetBrightness(b int) error
	SetHourFormat(h settings.HourFormat) error
	SetHighPowerMode(on bool) error
	FactoryReset() error
}

// Network is the mode controller.
type Network interface {
	Snapshot() network.Snapshot
	CredentialsUpdated()
	APConfig() wifi.APConfig
}

// Clock is the time sync service.
type Clock interface {
	Sync(ctx context.Context) (time.Time, error)
	Status() timesync.Status
	Now() time.Time
}

// Face re-applies settings to the display and LED strip.
type Face interface {
	Refresh() error
	ApplyBrightness() error
	ApplyTheme() error
}

// Rebooter restarts the device shortly after the response is sent.
type Rebooter interface {
	Schedule(reason string)
}

// Deps are the collaborators behind the control endpoints.
type Deps struct {
	Settings Settings
	Network  Network
	Clock    Clock
	Face     Face
	Rebooter Rebooter
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithVersion sets the application version string shown in the UI.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithPortal puts the captive portal redirect in front of every route.
func WithPortal(p *portal.Redirector) ServerOption {
	return func(s *Server) {
		s.portal = p
	}
}

// WithEventBus streams bus events to WebSocket clients.
func WithEventBus(b *events.Bus) ServerOption {
	return func(s *Server) {
		s.bus = b
	}
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithDeviceID sets the identifier reported by /get_status.
func WithDeviceID(id string) ServerOption {
	return func(s *Server) {
		s.deviceID = id
	}
}

// Server is the HTTP control surface of the clock.
type Server struct {
	deps           Deps
	templates      map[string]*template.Template
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	handler        http.Handler
	portal         *portal.Redirector
	bus            *events.Bus
	metrics        http.Handler
	allowedOrigins []string
	version        string
	deviceID       string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new web server.
func NewServer(deps Deps, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	base, err := template.ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	pages := []string{"setup.html", "index.html"}
	tmpl := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		cloned, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("clone layout for %s: %w", page, err)
		}
		t, err := cloned.ParseFS(templateFS, "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", page, err)
		}
		tmpl[page] = t
	}

	s := &Server{
		deps:      deps,
		templates: tmpl,
		logger:    logger,
		mux:       http.NewServeMux(),
		version:   "dev",
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	if s.bus != nil {
		s.unsubEvents = s.bus.OnAll(func(e events.Event) {
			s.wsHub.Broadcast(e)
		})
	}

	s.routes()
	s.handler = s.mux
	if s.portal != nil {
		setup := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.renderSetup(w)
		})
		s.handler = s.portal.Middleware(isControl, setup)(s.mux)
	}
	return s, nil
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.Handle("GET /static/", http.FileServer(http.FS(staticFS)))

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /setup_qr.png", s.handleSetupQR)

	s.mux.HandleFunc("POST /set_config", s.handleSetConfig)
	s.mux.HandleFunc("POST /set_timezone", s.handleSetTimezone)
	s.mux.HandleFunc("GET /set_brightness", s.handleSetBrightness)
	s.mux.HandleFunc("GET /set_theme", s.handleSetTheme)
	s.mux.HandleFunc("GET /set_hour_format", s.handleSetHourFormat)
	s.mux.HandleFunc("GET /set_high_power_mode", s.handleSetHighPowerMode)
	s.mux.HandleFunc("GET /sync_time", s.handleSyncTime)
	s.mux.HandleFunc("GET /get_status", s.handleGetStatus)
	s.mux.HandleFunc("GET /factory_reset", s.handleFactoryReset)

	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// controlPaths bypass the captive portal redirect so the setup page and its
// scripts keep working on the access point.
var controlPaths = map[string]bool{
	"/set_config":          true,
	"/set_timezone":        true,
	"/set_brightness":      true,
	"/set_theme":           true,
	"/set_hour_format":     true,
	"/set_high_power_mode": true,
	"/sync_time":           true,
	"/get_status":          true,
	"/factory_reset":       true,
	"/setup_qr.png":        true,
	"/metrics":             true,
	"/ws":                  true,
}

func isControl(r *http.Request) bool {
	p := r.URL.Path
	return controlPaths[p] || strings.HasPrefix(p, "/static/") || strings.HasPrefix(p, "/api/")
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Page handlers
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.deps.Network.Snapshot().State.CaptivePortal() {
		s.renderSetup(w)
		return
	}

	cfg := s.deps.Settings.Current()
	themes := make([]themeOption, len(settings.Themes))
	for i, th := range settings.Themes {
		themes[i] = themeOption{ID: string(th), Label: th.Label(), Selected: th == cfg.Theme}
	}
	s.renderTemplate(w, "index.html", map[string]interface{}{
		"PageTitle": "Clock",
		"Config":    cfg.Redacted(),
		"Status":    s.status(),
		"Themes":    themes,
		"Timezones": settings.Timezones,
		"Levels":    []int{0, 1, 2, 3, 4, 5, 6, 7},
	})
}

type themeOption struct {
	ID       string
	Label    string
	Selected bool
}

func (s *Server) renderSetup(w http.ResponseWriter) {
	ap := s.deps.Network.APConfig()
	snap := s.deps.Network.Snapshot()
	s.renderTemplate(w, "setup.html", map[string]interface{}{
		"PageTitle": "Setup",
		"APSSID":    ap.SSID,
		"LastError": snap.LastError,
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// renderTemplate renders to a buffer first, so partial write failures don't corrupt the response.
func (s *Server) renderTemplate(w http.ResponseWriter, name string, data interface{}) {
	t, ok := s.templates[name]
	if !ok {
		s.logger.Error("template not found", "name", name)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if m, ok := data.(map[string]interface{}); ok {
		m["Version"] = s.version
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("render template", "name", name, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("write template response", "name", name, "err", err)
	}
}
