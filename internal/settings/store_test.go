package settings

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"esp-clock/internal/events"
	"esp-clock/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestKV(t *testing.T) (*store.BoltStore, *store.Namespace) {
	t.Helper()
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	ns, err := db.Namespace("settings")
	if err != nil {
		t.Fatal(err)
	}
	return db, ns
}

func newTestStore(t *testing.T) (*Store, *store.Namespace) {
	t.Helper()
	_, ns := newTestKV(t)
	s := New(ns, events.NewBus(newTestLogger()), newTestLogger())
	s.Load()
	return s, ns
}

func TestLoadDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	got := s.Current()
	if got != Defaults() {
		t.Errorf("Current() = %+v, want defaults %+v", got, Defaults())
	}
	if got.Configured() {
		t.Error("fresh device reports configured")
	}
	if got.Theme != ThemeOriginal || got.HourFormat != H12 || got.Timezone != "UTC" {
		t.Errorf("unexpected defaults %+v", got)
	}
}

func TestSetWiFiCredentials(t *testing.T) {
	tests := []struct {
		name     string
		ssid     string
		password string
		wantErr  error
	}{
		{"valid", "Home", "longenough", nil},
		{"exactly eight", "Home", "12345678", nil},
		{"empty ssid", "", "longenough", ErrEmptySSID},
		{"short password", "Home", "short", ErrPasswordTooShort},
		{"seven chars", "Home", "1234567", ErrPasswordTooShort},
		{"empty password", "Home", "", ErrPasswordTooShort},
		{"ssid too long", strings.Repeat("s", 33), "longenough", ErrSSIDTooLong},
		{"password too long", "Home", strings.Repeat("p", 64), ErrPasswordTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t)
			before := s.Current()

			err := s.SetWiFiCredentials(tt.ssid, tt.password)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got := s.Current(); got.SSID != tt.ssid || got.Password != tt.password {
					t.Errorf("credentials not applied: %+v", got)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if !IsValidation(err) {
				t.Errorf("err %v is not a ValidationError", err)
			}
			if got := s.Current(); got != before {
				t.Errorf("config changed on rejection: %+v", got)
			}
		})
	}
}

func TestCommitSurvivesReload(t *testing.T) {
	_, ns := newTestKV(t)
	logger := newTestLogger()

	s := New(ns, nil, logger)
	s.Load()
	if err := s.SetWiFiCredentials("Home", "longenough"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTimezone("Europe/Berlin"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTheme(ThemePlutonium); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBrightness(7); err != nil {
		t.Fatal(err)
	}
	if err := s.SetHourFormat(H24); err != nil {
		t.Fatal(err)
	}
	if err := s.SetHighPowerMode(true); err != nil {
		t.Fatal(err)
	}

	got := New(ns, nil, logger).Load()
	want := DeviceConfig{
		SSID:          "Home",
		Password:      "longenough",
		Timezone:      "Europe/Berlin",
		Theme:         ThemePlutonium,
		Brightness:    7,
		HighPowerMode: true,
		HourFormat:    H24,
	}
	if got != want {
		t.Errorf("reloaded = %+v, want %+v", got, want)
	}
}

func TestSetBrightnessRange(t *testing.T) {
	s, _ := newTestStore(t)
	for _, b := range []int{-1, 8, 9, 100} {
		if err := s.SetBrightness(b); !errors.Is(err, ErrBrightnessRange) {
			t.Errorf("SetBrightness(%d) err = %v, want ErrBrightnessRange", b, err)
		}
	}
	if got := s.Current().Brightness; got != DefaultBrightness {
		t.Errorf("brightness = %d, want unchanged %d", got, DefaultBrightness)
	}
	for b := MinBrightness; b <= MaxBrightness; b++ {
		if err := s.SetBrightness(b); err != nil {
			t.Errorf("SetBrightness(%d): %v", b, err)
		}
	}
}

func TestEffectiveBrightness(t *testing.T) {
	for b := MinBrightness; b <= MaxBrightness; b++ {
		low := DeviceConfig{Brightness: b}
		if got, want := low.EffectiveBrightness(), uint8(min(b, LowPowerBrightnessCap)); got != want {
			t.Errorf("low power brightness %d: got %d, want %d", b, got, want)
		}
		high := DeviceConfig{Brightness: b, HighPowerMode: true}
		if got := high.EffectiveBrightness(); got != uint8(b) {
			t.Errorf("high power brightness %d: got %d", b, got)
		}
	}
}

func TestStoredBrightnessNotClamped(t *testing.T) {
	s, ns := newTestStore(t)
	if err := s.SetBrightness(6); err != nil {
		t.Fatal(err)
	}
	if got := s.Current(); got.Brightness != 6 || got.EffectiveBrightness() != 3 {
		t.Errorf("brightness = %d effective = %d, want 6 and 3", got.Brightness, got.EffectiveBrightness())
	}
	raw, err := ns.Get(keyBrightness)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "6" {
		t.Errorf("persisted brightness = %s, want 6", raw)
	}
}

func TestSetTimezoneRejectsUnknown(t *testing.T) {
	s, _ := newTestStore(t)
	for _, tz := range []string{"", "Mars/Olympus", "Local", "America/Nowhere"} {
		if err := s.SetTimezone(tz); !errors.Is(err, ErrUnknownTimezone) {
			t.Errorf("SetTimezone(%q) err = %v, want ErrUnknownTimezone", tz, err)
		}
	}
	if got := s.Current().Timezone; got != "UTC" {
		t.Errorf("timezone = %q, want UTC", got)
	}
}

func TestAllTimezonesLoad(t *testing.T) {
	for _, tz := range Timezones {
		if _, err := LoadLocation(tz); err != nil {
			t.Errorf("LoadLocation(%q): %v", tz, err)
		}
	}
}

func TestSetThemeRejectsUnknown(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.SetTheme("disco"); !errors.Is(err, ErrUnknownTheme) {
		t.Errorf("err = %v, want ErrUnknownTheme", err)
	}
	if got := s.Current().Theme; got != ThemeOriginal {
		t.Errorf("theme = %q, want original", got)
	}
}

func TestFactoryResetIdempotent(t *testing.T) {
	s, ns := newTestStore(t)
	if err := s.SetWiFiCredentials("Home", "longenough"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTheme(ThemeCafe80s); err != nil {
		t.Fatal(err)
	}

	if err := s.FactoryReset(); err != nil {
		t.Fatal(err)
	}
	once := s.Current()
	if err := s.FactoryReset(); err != nil {
		t.Fatal(err)
	}
	twice := s.Current()

	if once != Defaults() || twice != Defaults() {
		t.Errorf("after reset: once=%+v twice=%+v, want defaults", once, twice)
	}
	if _, err := ns.Get(keySSID); !store.IsNotFound(err) {
		t.Errorf("ssid key survived reset: %v", err)
	}
	if got := New(ns, nil, newTestLogger()).Load(); got != Defaults() {
		t.Errorf("reloaded after reset = %+v, want defaults", got)
	}
}

func TestLoadFutureSchemaUsesDefaults(t *testing.T) {
	_, ns := newTestKV(t)
	if err := ns.Set(keySchema, []byte("99")); err != nil {
		t.Fatal(err)
	}
	if err := ns.Set(keySSID, []byte(`"Home"`)); err != nil {
		t.Fatal(err)
	}
	if got := New(ns, nil, newTestLogger()).Load(); got != Defaults() {
		t.Errorf("Load() = %+v, want defaults", got)
	}
}

func TestLoadCorruptFieldFallsBack(t *testing.T) {
	_, ns := newTestKV(t)
	if err := ns.Set(keyBrightness, []byte(`"bright"`)); err != nil {
		t.Fatal(err)
	}
	if err := ns.Set(keyTheme, []byte(`"disco"`)); err != nil {
		t.Fatal(err)
	}
	if err := ns.Set(keyTimezone, []byte(`"Europe/Paris"`)); err != nil {
		t.Fatal(err)
	}
	got := New(ns, nil, newTestLogger()).Load()
	if got.Brightness != DefaultBrightness || got.Theme != ThemeOriginal {
		t.Errorf("corrupt fields not defaulted: %+v", got)
	}
	if got.Timezone != "Europe/Paris" {
		t.Errorf("valid field lost: timezone = %q", got.Timezone)
	}
}

type failingKV struct {
	store.KV
	err error
}

func (f failingKV) Update(func(store.Tx) error) error { return f.err }
func (f failingKV) DeleteAll() error                  { return f.err }

func TestStorageErrorLeavesStateIntact(t *testing.T) {
	_, ns := newTestKV(t)
	boom := errors.New("disk full")
	s := New(failingKV{KV: ns, err: boom}, nil, newTestLogger())
	s.Load()

	err := s.SetTimezone("Europe/Paris")
	if !errors.Is(err, ErrStorage) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want ErrStorage wrapping disk full", err)
	}
	if IsValidation(err) {
		t.Error("storage failure reported as validation error")
	}
	if got := s.Current().Timezone; got != "UTC" {
		t.Errorf("timezone = %q after failed commit", got)
	}
	if err := s.FactoryReset(); !errors.Is(err, ErrStorage) {
		t.Errorf("FactoryReset err = %v, want ErrStorage", err)
	}
}

func TestSettingsEventRedactsPassword(t *testing.T) {
	_, ns := newTestKV(t)
	bus := events.NewBus(newTestLogger())
	var got []SettingsChange
	bus.On(events.EventSettings, func(e events.Event) {
		got = append(got, e.Data.(SettingsChange))
	})

	s := New(ns, bus, newTestLogger())
	s.Load()
	if err := s.SetWiFiCredentials("Home", "longenough"); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Config.Password == "longenough" {
		t.Error("password leaked in settings event")
	}
	if got[0].Config.SSID != "Home" || got[0].Field != "wifi" {
		t.Errorf("unexpected event %+v", got[0])
	}
}

func TestConcurrentWritersNeverTear(t *testing.T) {
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			ssid := "net" + strings.Repeat("x", i)
			if err := s.SetWiFiCredentials(ssid, ssid+"-password"); err != nil {
				t.Error(err)
			}
		}(i)
		go func() {
			defer wg.Done()
			c := s.Current()
			if c.SSID != "" && c.Password != c.SSID+"-password" {
				t.Errorf("torn read: ssid=%q password=%q", c.SSID, c.Password)
			}
		}()
	}
	wg.Wait()
}

func TestParseHelpers(t *testing.T) {
	if h, err := ParseHourFormat("1"); err != nil || h != H24 {
		t.Errorf("ParseHourFormat(1) = %v, %v", h, err)
	}
	if h, err := ParseHourFormat("0"); err != nil || h != H12 {
		t.Errorf("ParseHourFormat(0) = %v, %v", h, err)
	}
	if _, err := ParseHourFormat("2"); !errors.Is(err, ErrInvalidHourFormat) {
		t.Errorf("ParseHourFormat(2) err = %v", err)
	}
	if b, err := ParseBrightness("7"); err != nil || b != 7 {
		t.Errorf("ParseBrightness(7) = %d, %v", b, err)
	}
	if _, err := ParseBrightness("9"); !errors.Is(err, ErrBrightnessRange) {
		t.Errorf("ParseBrightness(9) err = %v", err)
	}
	if _, err := ParseBrightness("abc"); !errors.Is(err, ErrBrightnessRange) {
		t.Errorf("ParseBrightness(abc) err = %v", err)
	}
	for in, want := range map[string]Theme{
		"old_west": ThemeOldWest,
		"Old West": ThemeOldWest,
		"OldWest":  ThemeOldWest,
		"2":        ThemePlutonium,
		"cafe80s":  ThemeCafe80s,
	} {
		if got, err := ParseTheme(in); err != nil || got != want {
			t.Errorf("ParseTheme(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseTheme("5"); !errors.Is(err, ErrUnknownTheme) {
		t.Errorf("ParseTheme(5) err = %v", err)
	}
}
