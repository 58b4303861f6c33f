package display

import (
	"fmt"
	"image/color"
	"log/slog"
	"sync"
)

// LogDriver stands in for the hardware during development. It keeps the
// last state so it can be inspected.
type LogDriver struct {
	logger *slog.Logger

	mu         sync.Mutex
	segments   [4]byte
	brightness uint8
	meridiem   Meridiem
	pixels     []color.RGBA
}

var (
	_ Display = (*LogDriver)(nil)
	_ Strip   = (*LogDriver)(nil)
)

func NewLogDriver(logger *slog.Logger) *LogDriver {
	return &LogDriver{logger: logger}
}

func (d *LogDriver) ShowSegments(seg [4]byte) error {
	d.mu.Lock()
	d.segments = seg
	d.mu.Unlock()
	d.logger.Debug("display segments", "seg", fmt.Sprintf("% x", seg[:]))
	return nil
}

func (d *LogDriver) SetBrightness(level uint8) error {
	d.mu.Lock()
	d.brightness = level
	d.mu.Unlock()
	d.logger.Debug("display brightness", "level", level)
	return nil
}

func (d *LogDriver) SetMeridiem(m Meridiem) error {
	d.mu.Lock()
	d.meridiem = m
	d.mu.Unlock()
	d.logger.Debug("display meridiem", "value", m)
	return nil
}

func (d *LogDriver) SetPixels(px []color.RGBA) error {
	d.mu.Lock()
	d.pixels = append(d.pixels[:0], px...)
	d.mu.Unlock()
	d.logger.Debug("strip pixels", "count", len(px))
	return nil
}

// State returns the last values written.
func (d *LogDriver) State() (seg [4]byte, brightness uint8, m Meridiem, px []color.RGBA) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.segments, d.brightness, d.meridiem, append([]color.RGBA(nil), d.pixels...)
}
