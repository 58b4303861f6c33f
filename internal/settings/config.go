// Package settings owns the device configuration: typed fields, validation,
// durable commits through a store.KV and factory reset.
package settings

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Theme names one of the LED strip palettes.
type Theme string

const (
	ThemeOriginal   Theme = "original"
	ThemeHoverboard Theme = "hoverboard"
	ThemePlutonium  Theme = "plutonium"
	ThemeOldWest    Theme = "old_west"
	ThemeCafe80s    Theme = "cafe80s"
)

// Themes lists every palette in display order. The first one is the default.
var Themes = []Theme{ThemeOriginal, ThemeHoverboard, ThemePlutonium, ThemeOldWest, ThemeCafe80s}

var themeLabels = map[Theme]string{
	ThemeOriginal:   "Original",
	ThemeHoverboard: "Hoverboard",
	ThemePlutonium:  "Plutonium",
	ThemeOldWest:    "Old West",
	ThemeCafe80s:    "Cafe 80s",
}

func (t Theme) IsValid() bool {
	return slices.Contains(Themes, t)
}

// Label is the human-readable palette name.
func (t Theme) Label() string {
	if l, ok := themeLabels[t]; ok {
		return l
	}
	return string(t)
}

// ParseTheme accepts a theme id ("old_west"), its label ("Old West") or
// its index in Themes ("3").
func ParseTheme(s string) (Theme, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n >= 0 && n < len(Themes) {
			return Themes[n], nil
		}
		return "", &ValidationError{Field: "theme", Err: ErrUnknownTheme}
	}
	key := themeKey(s)
	for _, t := range Themes {
		if themeKey(string(t)) == key {
			return t, nil
		}
	}
	return "", &ValidationError{Field: "theme", Err: ErrUnknownTheme}
}

var themeKeyReplacer = strings.NewReplacer(" ", "", "_", "", "-", "")

func themeKey(s string) string {
	return strings.ToLower(themeKeyReplacer.Replace(s))
}

// HourFormat selects 12 or 24 hour rendering.
type HourFormat uint8

const (
	H12 HourFormat = 0
	H24 HourFormat = 1
)

func (h HourFormat) IsValid() bool {
	return h == H12 || h == H24
}

func (h HourFormat) String() string {
	switch h {
	case H12:
		return "12h"
	case H24:
		return "24h"
	default:
		return fmt.Sprintf("HourFormat(%d)", uint8(h))
	}
}

// ParseHourFormat accepts "0"/"1" as sent by the web client, and "12"/"24".
func ParseHourFormat(s string) (HourFormat, error) {
	switch strings.TrimSpace(s) {
	case "0", "12", "12h":
		return H12, nil
	case "1", "24", "24h":
		return H24, nil
	}
	return 0, &ValidationError{Field: "hour_format", Err: ErrInvalidHourFormat}
}

// ParseBrightness parses and range-checks a brightness level.
func ParseBrightness(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, &ValidationError{Field: "brightness", Err: ErrBrightnessRange}
	}
	if err := validateBrightness(n); err != nil {
		return 0, err
	}
	return n, nil
}

// ParseBool accepts the 0/1 flags the web client sends.
func ParseBool(field, s string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, &ValidationError{Field: field, Err: fmt.Errorf("invalid boolean %q", s)}
	}
	return b, nil
}

const (
	MinBrightness = 0
	MaxBrightness = 7

	// LowPowerBrightnessCap bounds the level applied to hardware while
	// high power mode is off.
	LowPowerBrightnessCap = 3

	MinPasswordLen = 8
	maxPasswordLen = 63
	maxSSIDLen     = 32

	DefaultTimezone   = "UTC"
	DefaultBrightness = 5
)

// Timezones is the fixed set of zones offered by the setup page.
var Timezones = []string{
	"UTC",
	"Europe/London",
	"Europe/Lisbon",
	"Europe/Paris",
	"Europe/Berlin",
	"Europe/Madrid",
	"Europe/Rome",
	"Europe/Amsterdam",
	"Europe/Prague",
	"Europe/Warsaw",
	"Europe/Athens",
	"Europe/Helsinki",
	"Europe/Kiev",
	"Europe/Istanbul",
	"Europe/Moscow",
	"Asia/Dubai",
	"Asia/Karachi",
	"Asia/Kolkata",
	"Asia/Dhaka",
	"Asia/Bangkok",
	"Asia/Singapore",
	"Asia/Shanghai",
	"Asia/Hong_Kong",
	"Asia/Tokyo",
	"Asia/Seoul",
	"Australia/Perth",
	"Australia/Adelaide",
	"Australia/Sydney",
	"Pacific/Auckland",
	"Pacific/Honolulu",
	"America/Anchorage",
	"America/Los_Angeles",
	"America/Denver",
	"America/Phoenix",
	"America/Chicago",
	"America/New_York",
	"America/Halifax",
	"America/Sao_Paulo",
	"America/Argentina/Buenos_Aires",
	"America/Mexico_City",
	"Africa/Cairo",
	"Africa/Johannesburg",
	"Africa/Lagos",
}

// LoadLocation resolves a zone from the supported set.
func LoadLocation(id string) (*time.Location, error) {
	if !slices.Contains(Timezones, id) {
		return nil, &ValidationError{Field: "timezone", Err: ErrUnknownTimezone}
	}
	loc, err := time.LoadLocation(id)
	if err != nil {
		return nil, &ValidationError{Field: "timezone", Err: err}
	}
	return loc, nil
}

// DeviceConfig is the full persisted configuration.
type DeviceConfig struct {
	SSID          string     `json:"ssid"`
	Password      string     `json:"password,omitempty"`
	Timezone      string     `json:"timezone"`
	Theme         Theme      `json:"theme"`
	Brightness    int        `json:"brightness"`
	HighPowerMode bool       `json:"high_power_mode"`
	HourFormat    HourFormat `json:"hour_format"`
}

// Defaults returns the configuration of a freshly reset device.
func Defaults() DeviceConfig {
	return DeviceConfig{
		Timezone:   DefaultTimezone,
		Theme:      Themes[0],
		Brightness: DefaultBrightness,
		HourFormat: H12,
	}
}

// Configured reports whether WiFi credentials have been provided.
func (c DeviceConfig) Configured() bool {
	return c.SSID != ""
}

// EffectiveBrightness is the level sent to the display: the stored value,
// capped at LowPowerBrightnessCap unless high power mode is on.
func (c DeviceConfig) EffectiveBrightness() uint8 {
	b := min(max(c.Brightness, MinBrightness), MaxBrightness)
	if !c.HighPowerMode {
		b = min(b, LowPowerBrightnessCap)
	}
	return uint8(b)
}

// Location returns the configured zone, falling back to UTC.
func (c DeviceConfig) Location() *time.Location {
	loc, err := LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Redacted returns a copy safe to log or publish.
func (c DeviceConfig) Redacted() DeviceConfig {
	if c.Password != "" {
		c.Password = "********"
	}
	return c
}

func validateCredentials(ssid, password string) error {
	switch {
	case ssid == "":
		return &ValidationError{Field: "ssid", Err: ErrEmptySSID}
	case len(ssid) > maxSSIDLen:
		return &ValidationError{Field: "ssid", Err: ErrSSIDTooLong}
	case len(password) < MinPasswordLen:
		return &ValidationError{Field: "password", Err: ErrPasswordTooShort}
	case len(password) > maxPasswordLen:
		return &ValidationError{Field: "password", Err: ErrPasswordTooLong}
	}
	return nil
}

func validateBrightness(b int) error {
	if b < MinBrightness || b > MaxBrightness {
		return &ValidationError{Field: "brightness", Err: ErrBrightnessRange}
	}
	return nil
}
