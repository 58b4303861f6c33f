package main

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"esp-clock/internal/wifi"
)

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	WiFi struct {
		Backend      string        `yaml:"backend"` // "nmcli" or "sim"
		Interface    string        `yaml:"interface"`
		MaxAttempts  int           `yaml:"max_attempts"`
		RetryDelay   time.Duration `yaml:"retry_delay"`
		JoinTimeout  time.Duration `yaml:"join_timeout"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"wifi"`
	AP struct {
		SSID     string `yaml:"ssid"`
		Password string `yaml:"password"`
		IP       string `yaml:"ip"`
	} `yaml:"ap"`
	Portal struct {
		DNSListen string `yaml:"dns_listen"`
	} `yaml:"portal"`
	MDNS struct {
		Enabled  bool   `yaml:"enabled"`
		Instance string `yaml:"instance"`
	} `yaml:"mdns"`
	Time struct {
		Servers        []string      `yaml:"servers"`
		Timeout        time.Duration `yaml:"timeout"`
		ResyncSchedule string        `yaml:"resync_schedule"`
	} `yaml:"time"`
	Display struct {
		Backend string `yaml:"backend"` // "serial" or "log"
		Port    string `yaml:"port"`
		Baud    int    `yaml:"baud"`
		LEDs    int    `yaml:"leds"`
	} `yaml:"display"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

func (c *Config) validate() error {
	switch c.WiFi.Backend {
	case "nmcli":
		if c.WiFi.Interface == "" {
			return fmt.Errorf("wifi.interface is required for the nmcli backend")
		}
	case "sim":
	default:
		return fmt.Errorf("unknown wifi.backend %q (supported: nmcli, sim)", c.WiFi.Backend)
	}
	if c.WiFi.MaxAttempts < 1 {
		return fmt.Errorf("wifi.max_attempts must be at least 1, got %d", c.WiFi.MaxAttempts)
	}
	if c.WiFi.JoinTimeout <= 0 || c.WiFi.RetryDelay < 0 {
		return fmt.Errorf("wifi.join_timeout must be positive and wifi.retry_delay not negative")
	}
	if n := len(c.AP.Password); n < 8 || n > 63 {
		return fmt.Errorf("ap.password must be 8-63 characters, got %d", n)
	}
	if len(c.AP.SSID) == 0 || len(c.AP.SSID) > 32 {
		return fmt.Errorf("ap.ssid must be 1-32 bytes")
	}
	ip, err := netip.ParseAddr(c.AP.IP)
	if err != nil || !ip.Is4() {
		return fmt.Errorf("ap.ip must be an IPv4 address, got %q", c.AP.IP)
	}
	if len(c.Time.Servers) == 0 {
		return fmt.Errorf("time.servers must list at least one server")
	}
	if c.Time.ResyncSchedule != "" {
		if _, err := cron.ParseStandard(c.Time.ResyncSchedule); err != nil {
			return fmt.Errorf("time.resync_schedule: %w", err)
		}
	}
	switch c.Display.Backend {
	case "serial":
		if c.Display.Port == "" {
			return fmt.Errorf("display.port is required for the serial backend")
		}
	case "log":
	default:
		return fmt.Errorf("unknown display.backend %q (supported: serial, log)", c.Display.Backend)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// apIP is only valid after validate.
func (c *Config) apIP() netip.Addr {
	return netip.MustParseAddr(c.AP.IP)
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":80"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "esp-clock.db"
	}
	if cfg.WiFi.Backend == "" {
		cfg.WiFi.Backend = "nmcli"
	}
	if cfg.WiFi.Interface == "" {
		cfg.WiFi.Interface = "wlan0"
	}
	if cfg.WiFi.MaxAttempts == 0 {
		cfg.WiFi.MaxAttempts = 5
	}
	if cfg.WiFi.RetryDelay == 0 {
		cfg.WiFi.RetryDelay = 5 * time.Second
	}
	if cfg.WiFi.JoinTimeout == 0 {
		cfg.WiFi.JoinTimeout = 15 * time.Second
	}
	if cfg.WiFi.PollInterval == 0 {
		cfg.WiFi.PollInterval = 5 * time.Second
	}
	if cfg.AP.SSID == "" {
		cfg.AP.SSID = wifi.DefaultAPSSID
	}
	if cfg.AP.Password == "" {
		cfg.AP.Password = wifi.DefaultAPPassword
	}
	if cfg.AP.IP == "" {
		cfg.AP.IP = wifi.DefaultAPIP.String()
	}
	if cfg.Portal.DNSListen == "" {
		cfg.Portal.DNSListen = ":53"
	}
	if cfg.MDNS.Instance == "" {
		cfg.MDNS.Instance = "esp-clock"
	}
	if len(cfg.Time.Servers) == 0 {
		cfg.Time.Servers = []string{"pool.ntp.org", "time.google.com"}
	}
	if cfg.Time.Timeout == 0 {
		cfg.Time.Timeout = 5 * time.Second
	}
	if cfg.Display.Backend == "" {
		cfg.Display.Backend = "log"
	}
	if cfg.Display.Baud == 0 {
		cfg.Display.Baud = 115200
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "esp-clock"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
