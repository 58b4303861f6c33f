package wifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const apConnectionName = "esp-clock-ap"

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// NMCLI drives NetworkManager through the nmcli command line tool.
type NMCLI struct {
	iface  string
	run    Runner
	poll   time.Duration
	logger *slog.Logger

	joined atomic.Bool
	events chan Event

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NMCLIOption configures an NMCLI backend.
type NMCLIOption func(*NMCLI)

// WithRunner replaces the command executor.
func WithRunner(r Runner) NMCLIOption {
	return func(n *NMCLI) { n.run = r }
}

// WithPollInterval sets how often the link state is checked for drops.
func WithPollInterval(d time.Duration) NMCLIOption {
	return func(n *NMCLI) { n.poll = d }
}

// NewNMCLI creates a backend bound to the given wireless interface and
// starts the link watcher.
func NewNMCLI(iface string, logger *slog.Logger, opts ...NMCLIOption) *NMCLI {
	n := &NMCLI{
		iface:  iface,
		run:    execRunner,
		poll:   5 * time.Second,
		logger: logger,
		events: make(chan Event, 4),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	n.wg.Add(1)
	go n.watchLink()
	return n
}

func (n *NMCLI) nmcli(ctx context.Context, args ...string) (string, error) {
	out, err := n.run(ctx, "nmcli", args...)
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text != "" {
			return text, fmt.Errorf("nmcli %s: %w: %s", args[0], err, text)
		}
		return text, fmt.Errorf("nmcli %s: %w", args[0], err)
	}
	return text, nil
}

// StartAP brings up a WPA2 hotspot with a static gateway address and
// shared (DHCP + NAT) IPv4. MaxConnections is not enforced by NetworkManager.
func (n *NMCLI) StartAP(ctx context.Context, cfg APConfig) error {
	n.joined.Store(false)
	_, err := n.nmcli(ctx, "device", "wifi", "hotspot",
		"ifname", n.iface,
		"con-name", apConnectionName,
		"ssid", cfg.SSID,
		"password", cfg.Password)
	if err != nil {
		return fmt.Errorf("start ap: %w", err)
	}
	_, err = n.nmcli(ctx, "connection", "modify", apConnectionName,
		"ipv4.method", "shared",
		"ipv4.addresses", cfg.IP.String()+"/24",
		"802-11-wireless-security.proto", "rsn")
	if err != nil {
		return fmt.Errorf("configure ap: %w", err)
	}
	if _, err := n.nmcli(ctx, "connection", "up", apConnectionName); err != nil {
		return fmt.Errorf("activate ap: %w", err)
	}
	n.logger.Info("access point up", "ssid", cfg.SSID, "ip", cfg.IP)
	return nil
}

// Join connects to creds.SSID and returns the address obtained via DHCP.
func (n *NMCLI) Join(ctx context.Context, creds Credentials) (netip.Addr, error) {
	n.joined.Store(false)
	args := []string{"--wait", waitSeconds(ctx), "device", "wifi", "connect", creds.SSID,
		"password", creds.Password, "ifname", n.iface}
	out, err := n.nmcli(ctx, args...)
	if err != nil {
		if ctx.Err() != nil {
			return netip.Addr{}, fmt.Errorf("%w: %w", ErrJoinTimeout, ctx.Err())
		}
		return netip.Addr{}, classifyJoinError(out, err)
	}

	addr, err := n.address(ctx)
	if err != nil {
		return netip.Addr{}, err
	}
	n.joined.Store(true)
	return addr, nil
}

func (n *NMCLI) address(ctx context.Context) (netip.Addr, error) {
	out, err := n.nmcli(ctx, "-g", "IP4.ADDRESS", "device", "show", n.iface)
	if err != nil {
		return netip.Addr{}, err
	}
	// Multiple addresses are separated by " | ".
	first, _, _ := strings.Cut(out, "|")
	prefix, err := netip.ParsePrefix(strings.TrimSpace(first))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrNoAddress, out)
	}
	return prefix.Addr(), nil
}

func (n *NMCLI) Disconnect(ctx context.Context) error {
	n.joined.Store(false)
	if _, err := n.nmcli(ctx, "device", "disconnect", n.iface); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

func (n *NMCLI) Events() <-chan Event {
	return n.events
}

func (n *NMCLI) Close() error {
	n.closeOnce.Do(func() { close(n.done) })
	n.wg.Wait()
	return nil
}

// watchLink polls the device state while joined and reports a drop once.
func (n *NMCLI) watchLink() {
	defer n.wg.Done()
	t := time.NewTicker(n.poll)
	defer t.Stop()
	for {
		select {
		case <-n.done:
			return
		case <-t.C:
		}
		if !n.joined.Load() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), n.poll)
		out, err := n.nmcli(ctx, "-g", "GENERAL.STATE", "device", "show", n.iface)
		cancel()
		if err != nil {
			n.logger.Debug("link state poll failed", "err", err)
			continue
		}
		if connected(out) {
			continue
		}
		if n.joined.CompareAndSwap(true, false) {
			n.logger.Warn("wifi link lost", "state", out)
			select {
			case n.events <- Event{Type: EventDisconnected, Reason: out}:
			default:
				n.logger.Warn("wifi event dropped, consumer not keeping up")
			}
		}
	}
}

// connected parses GENERAL.STATE output such as "100 (connected)".
func connected(state string) bool {
	code, _, _ := strings.Cut(strings.TrimSpace(state), " ")
	n, err := strconv.Atoi(code)
	return err == nil && n == 100
}

func classifyJoinError(out string, err error) error {
	lower := strings.ToLower(out)
	switch {
	case strings.Contains(lower, "no network with ssid"):
		return fmt.Errorf("%w: %w", ErrNetworkNotFound, err)
	case strings.Contains(lower, "secrets were required"),
		strings.Contains(lower, "802-11-wireless-security"),
		strings.Contains(lower, "invalid password"):
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	case strings.Contains(lower, "timeout"):
		return fmt.Errorf("%w: %w", ErrJoinTimeout, err)
	}
	return err
}

// waitSeconds maps the context deadline onto nmcli's --wait flag.
func waitSeconds(ctx context.Context) string {
	d, ok := ctx.Deadline()
	if !ok {
		return "30"
	}
	secs := int(time.Until(d).Seconds())
	return strconv.Itoa(max(secs, 1))
}

var errClosed = errors.New("wifi: stack closed")
