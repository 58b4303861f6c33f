// Package display drives the clock face: a four digit seven-segment display
// with AM/PM indicators and an addressable LED strip, both attached to a
// serial co-processor.
package display

import (
	"image/color"

	"esp-clock/internal/settings"
)

// Meridiem selects which AM/PM indicator is lit.
type Meridiem uint8

const (
	MeridiemNone Meridiem = iota
	MeridiemAM
	MeridiemPM
)

func (m Meridiem) String() string {
	switch m {
	case MeridiemAM:
		return "AM"
	case MeridiemPM:
		return "PM"
	default:
		return "-"
	}
}

// Display is the seven-segment digit driver.
type Display interface {
	ShowSegments(seg [4]byte) error
	SetBrightness(level uint8) error
	SetMeridiem(m Meridiem) error
}

// Strip is the LED strip driver.
type Strip interface {
	SetPixels(px []color.RGBA) error
}

// Segment patterns for 0-9, bit 0 = segment a ... bit 6 = segment g.
var digitSegments = [10]byte{0x3F, 0x06, 0x5B, 0x4F, 0x66, 0x6D, 0x7D, 0x07, 0x7F, 0x6F}

// colonBit lights the colon when set on the second digit.
const colonBit = 0x80

// Message is a fixed four-character word.
type Message [4]byte

var (
	MessageInit = Message{0b00000110, 0b01010100, 0b00000100, 0b01111000} // "init"
	MessageSync = Message{0b01101101, 0b01101110, 0b00110111, 0b00111001} // "sync"
)

// EncodeDigits converts four decimal digits into segment bytes. A digit
// outside 0-9 renders blank.
func EncodeDigits(d [4]uint8, colon bool) [4]byte {
	var seg [4]byte
	for i, v := range d {
		if int(v) < len(digitSegments) {
			seg[i] = digitSegments[v]
		}
	}
	if colon {
		seg[1] |= colonBit
	}
	return seg
}

// Palette is the three band layout of a theme: bottom, middle, top.
type Palette [3]color.RGBA

var palettes = map[settings.Theme]Palette{
	settings.ThemeOriginal: {
		{R: 255, A: 255},
		{R: 160, G: 160, A: 255},
		{R: 255, A: 255},
	},
	settings.ThemeHoverboard: {
		{R: 255, G: 255, A: 255},
		{R: 255, G: 20, B: 147, A: 255},
		{R: 50, G: 205, B: 50, A: 255},
	},
	settings.ThemePlutonium: {
		{R: 255, G: 255, A: 255},
		{R: 124, G: 252, A: 255},
		{R: 119, G: 136, B: 153, A: 255},
	},
	settings.ThemeOldWest: {
		{R: 205, G: 127, B: 50, A: 255},
		{R: 245, G: 245, B: 245, A: 255},
		{R: 112, G: 66, B: 20, A: 255},
	},
	settings.ThemeCafe80s: {
		{R: 64, G: 224, B: 208, A: 255},
		{R: 255, G: 105, B: 180, A: 255},
		{R: 128, B: 128, A: 255},
	},
}

// PaletteFor returns the palette of t, or the default theme's palette.
func PaletteFor(t settings.Theme) Palette {
	if p, ok := palettes[t]; ok {
		return p
	}
	return palettes[settings.Themes[0]]
}

// Render spreads the palette over n pixels in three equal bands, scaled by
// level (0..1).
func (p Palette) Render(n int, level float64) []color.RGBA {
	px := make([]color.RGBA, n)
	lower, upper := n/3, 2*n/3
	for i := range px {
		c := p[2]
		switch {
		case i < lower:
			c = p[0]
		case i < upper:
			c = p[1]
		}
		px[i] = color.RGBA{
			R: uint8(float64(c.R) * level),
			G: uint8(float64(c.G) * level),
			B: uint8(float64(c.B) * level),
			A: 255,
		}
	}
	return px
}
