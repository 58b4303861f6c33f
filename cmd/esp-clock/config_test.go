package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.WiFi.MaxAttempts != 5 || cfg.WiFi.RetryDelay != 5*time.Second {
		t.Errorf("retry policy = %d/%v", cfg.WiFi.MaxAttempts, cfg.WiFi.RetryDelay)
	}
	if cfg.AP.IP != "192.168.71.1" {
		t.Errorf("ap.ip = %q", cfg.AP.IP)
	}
	if cfg.Display.Backend != "log" || cfg.WiFi.Backend != "nmcli" {
		t.Errorf("backends = %q/%q", cfg.Display.Backend, cfg.WiFi.Backend)
	}
}

func TestLoadConfigDurations(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
wifi:
  backend: sim
  retry_delay: 250ms
  join_timeout: 30s
time:
  servers: [time.example.org]
  timeout: 2s
  resync_schedule: "0 */6 * * *"
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WiFi.RetryDelay != 250*time.Millisecond || cfg.WiFi.JoinTimeout != 30*time.Second {
		t.Errorf("wifi durations = %v/%v", cfg.WiFi.RetryDelay, cfg.WiFi.JoinTimeout)
	}
	if cfg.Time.Timeout != 2*time.Second || cfg.Time.Servers[0] != "time.example.org" {
		t.Errorf("time = %+v", cfg.Time)
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"short ap password", func(c *Config) { c.AP.Password = "short" }, "ap.password"},
		{"bad ap ip", func(c *Config) { c.AP.IP = "not-an-ip" }, "ap.ip"},
		{"ipv6 ap ip", func(c *Config) { c.AP.IP = "fe80::1" }, "ap.ip"},
		{"unknown wifi backend", func(c *Config) { c.WiFi.Backend = "esp" }, "wifi.backend"},
		{"zero attempts", func(c *Config) { c.WiFi.MaxAttempts = -1 }, "max_attempts"},
		{"bad cron", func(c *Config) { c.Time.ResyncSchedule = "every hour" }, "resync_schedule"},
		{"serial without port", func(c *Config) { c.Display.Backend = "serial" }, "display.port"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			applyDefaults(&cfg)
			tt.mutate(&cfg)
			err := cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestListenPort(t *testing.T) {
	tests := map[string]int{
		":80":            80,
		"0.0.0.0:8080":   8080,
		"127.0.0.1:http": 80,
		"garbage":        80,
	}
	for in, want := range tests {
		if got := listenPort(in); got != want {
			t.Errorf("listenPort(%q) = %d, want %d", in, got, want)
		}
	}
}
