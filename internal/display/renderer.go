package display

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"esp-clock/internal/settings"
)

// Clock supplies the corrected wall time.
type Clock interface {
	Now() time.Time
}

// ConfigReader supplies the current settings.
type ConfigReader interface {
	Current() settings.DeviceConfig
}

const (
	// DefaultStripLength is the number of LEDs on the strip.
	DefaultStripLength = 30
	// stripLevel dims the strip to a comfortable indoor level.
	stripLevel = 0.25
)

// Renderer turns settings and time into driver calls. It is the only place
// the low power brightness cap is applied.
type Renderer struct {
	disp     Display
	strip    Strip
	clock    Clock
	settings ConfigReader
	leds     int
	logger   *slog.Logger

	mu sync.Mutex
}

func NewRenderer(disp Display, strip Strip, clock Clock, cfg ConfigReader, leds int, logger *slog.Logger) *Renderer {
	if leds <= 0 {
		leds = DefaultStripLength
	}
	return &Renderer{disp: disp, strip: strip, clock: clock, settings: cfg, leds: leds, logger: logger}
}

// Init shows the boot message and applies stored brightness and theme.
func (r *Renderer) Init() error {
	return errors.Join(
		r.ShowMessage(MessageInit),
		r.ApplyBrightness(),
		r.ApplyTheme(),
	)
}

// Refresh draws the current time in the configured zone and hour format.
func (r *Renderer) Refresh() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg := r.settings.Current()
	now := r.clock.Now().In(cfg.Location())
	digits, m := ClockDigits(now, cfg.HourFormat)
	if err := r.disp.ShowSegments(EncodeDigits(digits, true)); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	if err := r.disp.SetMeridiem(m); err != nil {
		return fmt.Errorf("refresh meridiem: %w", err)
	}
	return nil
}

// ApplyBrightness sends the effective brightness for the current settings.
func (r *Renderer) ApplyBrightness() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	level := r.settings.Current().EffectiveBrightness()
	if err := r.disp.SetBrightness(level); err != nil {
		return fmt.Errorf("apply brightness %d: %w", level, err)
	}
	return nil
}

// ApplyTheme paints the strip with the configured palette.
func (r *Renderer) ApplyTheme() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	theme := r.settings.Current().Theme
	if err := r.strip.SetPixels(PaletteFor(theme).Render(r.leds, stripLevel)); err != nil {
		return fmt.Errorf("apply theme %s: %w", theme, err)
	}
	return nil
}

// ShowMessage displays a fixed word until the next Refresh.
func (r *Renderer) ShowMessage(m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.disp.ShowSegments(m); err != nil {
		return fmt.Errorf("show message: %w", err)
	}
	return r.disp.SetMeridiem(MeridiemNone)
}

// ClockDigits returns HHMM digits for t. In 12 hour mode the hour runs
// 1-12, a leading zero is blanked, and the meridiem is reported.
func ClockDigits(t time.Time, hf settings.HourFormat) ([4]uint8, Meridiem) {
	h, m := t.Hour(), t.Minute()
	mer := MeridiemNone
	if hf == settings.H12 {
		mer = MeridiemAM
		if h >= 12 {
			mer = MeridiemPM
		}
		h %= 12
		if h == 0 {
			h = 12
		}
	}
	d := [4]uint8{uint8(h / 10), uint8(h % 10), uint8(m / 10), uint8(m % 10)}
	if hf == settings.H12 && d[0] == 0 {
		d[0] = blank
	}
	return d, mer
}

// blank is any value outside 0-9; EncodeDigits renders it dark.
const blank = 0xFF
