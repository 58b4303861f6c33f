package display

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	ackTimeout  = time.Second
	maxReplyLen = 128
)

var errAckTimeout = errors.New("display: no reply from co-processor")

// SerialDriver talks to the display co-processor with a line protocol:
//
//	SEG 3f86 5b4f    four segment bytes (hex)
//	BRI 3            digit brightness 0-7
//	MER AM|PM|-      meridiem indicator
//	LED rrggbb,...   strip pixels
//
// Each command is answered with "OK" or "ERR <reason>".
type SerialDriver struct {
	mu     sync.Mutex
	rw     io.ReadWriter
	closer io.Closer
	logger *slog.Logger
}

var (
	_ Display = (*SerialDriver)(nil)
	_ Strip   = (*SerialDriver)(nil)
)

// OpenSerial opens the co-processor port.
func OpenSerial(portName string, baudRate int, logger *slog.Logger) (*SerialDriver, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("display: open %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(ackTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("display: set read timeout: %w", err)
	}
	_ = port.ResetInputBuffer()
	logger.Info("display co-processor connected", "port", portName, "baud", baudRate)
	return &SerialDriver{rw: port, closer: port, logger: logger}, nil
}

// NewSerialDriver wraps an already open stream.
func NewSerialDriver(rw io.ReadWriter, logger *slog.Logger) *SerialDriver {
	d := &SerialDriver{rw: rw, logger: logger}
	if c, ok := rw.(io.Closer); ok {
		d.closer = c
	}
	return d
}

func (d *SerialDriver) ShowSegments(seg [4]byte) error {
	return d.command(fmt.Sprintf("SEG %02x%02x%02x%02x", seg[0], seg[1], seg[2], seg[3]))
}

func (d *SerialDriver) SetBrightness(level uint8) error {
	return d.command(fmt.Sprintf("BRI %d", min(level, 7)))
}

func (d *SerialDriver) SetMeridiem(m Meridiem) error {
	return d.command("MER " + m.String())
}

func (d *SerialDriver) SetPixels(px []color.RGBA) error {
	var b strings.Builder
	b.WriteString("LED ")
	for i, c := range px {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%02x%02x%02x", c.R, c.G, c.B)
	}
	return d.command(b.String())
}

func (d *SerialDriver) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

func (d *SerialDriver) command(line string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := io.WriteString(d.rw, line+"\n"); err != nil {
		return fmt.Errorf("display: write: %w", err)
	}
	reply, err := d.readLine()
	if err != nil {
		return err
	}
	verb, _, _ := strings.Cut(line, " ")
	switch {
	case reply == "OK":
		return nil
	case strings.HasPrefix(reply, "ERR"):
		return fmt.Errorf("display: %s rejected: %s", verb, strings.TrimSpace(strings.TrimPrefix(reply, "ERR")))
	default:
		return fmt.Errorf("display: %s: unexpected reply %q", verb, reply)
	}
}

// readLine reads one reply byte by byte. A zero-length read means the port
// read timeout expired.
func (d *SerialDriver) readLine() (string, error) {
	var (
		buf []byte
		one [1]byte
	)
	for len(buf) < maxReplyLen {
		n, err := d.rw.Read(one[:])
		if err != nil {
			return "", fmt.Errorf("display: read: %w", err)
		}
		if n == 0 {
			return "", errAckTimeout
		}
		if one[0] == '\n' {
			return strings.TrimSpace(string(buf)), nil
		}
		buf = append(buf, one[0])
	}
	return "", fmt.Errorf("display: reply longer than %d bytes", maxReplyLen)
}
