package settings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"esp-clock/internal/events"
	"esp-clock/internal/store"
)

// SchemaVersion is written with every commit. A record carrying a newer
// version is ignored at load.
const SchemaVersion = 1

const (
	keySchema        = "schema_version"
	keySSID          = "ssid"
	keyPassword      = "password"
	keyTimezone      = "timezone"
	keyTheme         = "theme"
	keyBrightness    = "brightness"
	keyHighPowerMode = "high_power_mode"
	keyHourFormat    = "hour_format"
)

// SettingsChange is the payload of events.EventSettings.
type SettingsChange struct {
	Field  string       `json:"field"`
	Config DeviceConfig `json:"config"`
}

// Store is the single owner of DeviceConfig. Writers are serialized by mu;
// readers get the last committed snapshot without locking.
type Store struct {
	kv     store.KV
	bus    *events.Bus
	logger *slog.Logger

	mu  sync.Mutex
	cur atomic.Pointer[DeviceConfig]
}

// New creates a Store over kv. Call Load before use.
func New(kv store.KV, bus *events.Bus, logger *slog.Logger) *Store {
	s := &Store{kv: kv, bus: bus, logger: logger}
	d := Defaults()
	s.cur.Store(&d)
	return s
}

// Load reads the persisted configuration. It never fails: missing keys take
// their defaults and an unreadable record yields defaults.
func (s *Store) Load() DeviceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := Defaults()
	err := s.kv.View(func(tx store.Tx) error {
		if raw := tx.Get(keySchema); raw != nil {
			var v int
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("schema version: %w", err)
			}
			if v > SchemaVersion {
				return fmt.Errorf("schema version %d is newer than %d", v, SchemaVersion)
			}
		}
		s.decode(tx, keySSID, &cfg.SSID)
		s.decode(tx, keyPassword, &cfg.Password)
		s.decode(tx, keyTimezone, &cfg.Timezone)
		s.decode(tx, keyTheme, &cfg.Theme)
		s.decode(tx, keyBrightness, &cfg.Brightness)
		s.decode(tx, keyHighPowerMode, &cfg.HighPowerMode)
		s.decode(tx, keyHourFormat, &cfg.HourFormat)
		return nil
	})
	if err != nil {
		s.logger.Warn("stored settings unreadable, using defaults", "err", err)
		cfg = Defaults()
	}

	// A value outside its domain is treated like a missing key.
	def := Defaults()
	if validateCredentials(cfg.SSID, cfg.Password) != nil && cfg.SSID != "" {
		s.logger.Warn("stored credentials invalid, ignoring")
		cfg.SSID, cfg.Password = "", ""
	}
	if _, err := LoadLocation(cfg.Timezone); err != nil {
		cfg.Timezone = def.Timezone
	}
	if !cfg.Theme.IsValid() {
		cfg.Theme = def.Theme
	}
	if validateBrightness(cfg.Brightness) != nil {
		cfg.Brightness = def.Brightness
	}
	if !cfg.HourFormat.IsValid() {
		cfg.HourFormat = def.HourFormat
	}

	s.cur.Store(&cfg)
	s.logger.Info("settings loaded", "configured", cfg.Configured(), "timezone", cfg.Timezone, "theme", cfg.Theme)
	return cfg
}

func (s *Store) decode(tx store.Tx, key string, dst any) {
	raw := tx.Get(key)
	if raw == nil {
		return
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.logger.Warn("stored setting unreadable, using default", "key", key, "err", err)
	}
}

// Current returns a copy of the last committed configuration.
func (s *Store) Current() DeviceConfig {
	return *s.cur.Load()
}

// SetWiFiCredentials validates and commits a new ssid/password pair.
func (s *Store) SetWiFiCredentials(ssid, password string) error {
	if err := validateCredentials(ssid, password); err != nil {
		return err
	}
	return s.commit("wifi", func(c *DeviceConfig) {
		c.SSID = ssid
		c.Password = password
	}, keySSID, keyPassword)
}

func (s *Store) SetTimezone(id string) error {
	if _, err := LoadLocation(id); err != nil {
		return err
	}
	return s.commit(keyTimezone, func(c *DeviceConfig) { c.Timezone = id }, keyTimezone)
}

func (s *Store) SetTheme(t Theme) error {
	if !t.IsValid() {
		return &ValidationError{Field: "theme", Err: ErrUnknownTheme}
	}
	return s.commit(keyTheme, func(c *DeviceConfig) { c.Theme = t }, keyTheme)
}

// SetBrightness stores b unclamped; the low power cap is applied only by
// EffectiveBrightness.
func (s *Store) SetBrightness(b int) error {
	if err := validateBrightness(b); err != nil {
		return err
	}
	return s.commit(keyBrightness, func(c *DeviceConfig) { c.Brightness = b }, keyBrightness)
}

func (s *Store) SetHourFormat(h HourFormat) error {
	if !h.IsValid() {
		return &ValidationError{Field: "hour_format", Err: ErrInvalidHourFormat}
	}
	return s.commit(keyHourFormat, func(c *DeviceConfig) { c.HourFormat = h }, keyHourFormat)
}

func (s *Store) SetHighPowerMode(on bool) error {
	return s.commit(keyHighPowerMode, func(c *DeviceConfig) { c.HighPowerMode = on }, keyHighPowerMode)
}

// FactoryReset erases every persisted setting and returns to defaults.
// Applying it more than once is the same as applying it once.
func (s *Store) FactoryReset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.DeleteAll(); err != nil {
		return fmt.Errorf("%w: factory reset: %w", ErrStorage, err)
	}
	d := Defaults()
	s.cur.Store(&d)
	s.logger.Warn("settings reset to factory defaults")
	s.bus.Emit(events.Event{Type: events.EventFactoryReset, Data: d})
	return nil
}

// commit applies mutate to a copy of the current config, writes the named
// keys and the schema version in one transaction, and only then publishes
// the new snapshot.
func (s *Store) commit(field string, mutate func(*DeviceConfig), keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.cur.Load()
	mutate(&next)

	err := s.kv.Update(func(tx store.Tx) error {
		if err := putJSON(tx, keySchema, SchemaVersion); err != nil {
			return err
		}
		for _, k := range keys {
			if err := putJSON(tx, k, fieldValue(&next, k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: commit %s: %w", ErrStorage, field, err)
	}

	s.cur.Store(&next)
	s.logger.Info("setting committed", "field", field)
	s.bus.Emit(events.Event{
		Type: events.EventSettings,
		Data: SettingsChange{Field: field, Config: next.Redacted()},
	})
	return nil
}

func fieldValue(c *DeviceConfig, key string) any {
	switch key {
	case keySSID:
		return c.SSID
	case keyPassword:
		return c.Password
	case keyTimezone:
		return c.Timezone
	case keyTheme:
		return c.Theme
	case keyBrightness:
		return c.Brightness
	case keyHighPowerMode:
		return c.HighPowerMode
	case keyHourFormat:
		return c.HourFormat
	}
	panic("settings: unknown key " + key)
}

func putJSON(tx store.Tx, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return tx.Put(key, data)
}
