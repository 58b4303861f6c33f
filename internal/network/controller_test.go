package network

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"esp-clock/internal/events"
	"esp-clock/internal/settings"
	"esp-clock/internal/wifi"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakePortal struct {
	active atomic.Bool
}

func (p *fakePortal) SetActive(on bool) { p.active.Store(on) }

type fakeAdvertiser struct {
	mu     sync.Mutex
	starts []netip.Addr
	stops  int
}

func (a *fakeAdvertiser) Start(ip netip.Addr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts = append(a.starts, ip)
	return nil
}

func (a *fakeAdvertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops++
}

func (a *fakeAdvertiser) Starts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.starts)
}

type fakeSyncer struct {
	calls atomic.Int32
}

func (s *fakeSyncer) Sync(context.Context) (time.Time, error) {
	s.calls.Add(1)
	return time.Now(), nil
}

// memConfig stands in for the settings store.
type memConfig struct {
	mu sync.Mutex
	dc settings.DeviceConfig
}

func (c *memConfig) Current() settings.DeviceConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dc
}

func (c *memConfig) setCredentials(ssid, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dc.SSID, c.dc.Password = ssid, password
}

// stateRecorder collects every published state in order.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) handle(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, e.Data.(Snapshot).State)
}

func (r *stateRecorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

type harness struct {
	ctrl   *Controller
	creds  *memConfig
	stack  *wifi.Sim
	portal *fakePortal
	mdns   *fakeAdvertiser
	syncer *fakeSyncer
	rec    *stateRecorder
}

func newHarness(t *testing.T, dc settings.DeviceConfig, cfg Config, prepare func(*wifi.Sim)) *harness {
	t.Helper()
	h := &harness{
		creds:  &memConfig{dc: dc},
		stack:  wifi.NewSim(netip.MustParseAddr("192.168.1.50")),
		portal: &fakePortal{},
		mdns:   &fakeAdvertiser{},
		syncer: &fakeSyncer{},
		rec:    &stateRecorder{},
	}
	if prepare != nil {
		prepare(h.stack)
	}
	bus := events.NewBus(newTestLogger())
	bus.On(events.EventNetworkState, h.rec.handle)

	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = time.Second
	}
	h.ctrl = New(cfg, h.stack, h.creds, h.portal, newTestLogger(),
		WithAdvertiser(h.mdns), WithSyncer(h.syncer), WithEventBus(bus))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("controller did not stop")
		}
	})
	return h
}

// submit commits credentials the way the settings store does, then signals.
func (h *harness) submit(ssid, password string) {
	h.creds.setCredentials(ssid, password)
	h.ctrl.CredentialsUpdated()
}

func (h *harness) waitState(t *testing.T, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s := h.ctrl.Snapshot(); s.State == want {
			return s
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s (history %v)", h.ctrl.Snapshot().State, want, h.rec.States())
	return Snapshot{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBootUnconfiguredEntersAPMode(t *testing.T) {
	h := newHarness(t, settings.Defaults(), Config{}, nil)

	snap := h.waitState(t, APMode)
	waitFor(t, "access point", func() bool { return len(h.stack.APStarts()) == 1 })
	if !h.portal.active.Load() {
		t.Error("captive portal inactive in AP mode")
	}
	if snap.IP != wifi.DefaultAPIP.String() {
		t.Errorf("ip = %q, want %s", snap.IP, wifi.DefaultAPIP)
	}
	aps := h.stack.APStarts()
	if len(aps) != 1 || aps[0].SSID != "esp-clock" || aps[0].Password != "bttf-rust" {
		t.Errorf("access point starts = %+v", aps)
	}
	if got := h.rec.States(); !slices.Equal(got, []State{Unconfigured, APMode}) {
		t.Errorf("history = %v, want [unconfigured ap_mode]", got)
	}
	if n := len(h.stack.Joins()); n != 0 {
		t.Errorf("joins = %d, want 0", n)
	}
}

func TestCredentialsLeadToConnected(t *testing.T) {
	h := newHarness(t, settings.Defaults(), Config{}, nil)
	h.waitState(t, APMode)

	h.submit("Home", "longenough")

	snap := h.waitState(t, Connected)
	if snap.SSID != "Home" || snap.IP != "192.168.1.50" {
		t.Errorf("snapshot = %+v", snap)
	}
	if h.portal.active.Load() {
		t.Error("captive portal still active after join")
	}
	if got := h.mdns.Starts(); got != 1 {
		t.Errorf("mdns starts = %d, want 1", got)
	}
	waitFor(t, "time sync", func() bool { return h.syncer.calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := h.syncer.calls.Load(); got != 1 {
		t.Errorf("sync calls = %d, want exactly 1", got)
	}
	if got := h.rec.States(); !slices.Equal(got, []State{Unconfigured, APMode, Connecting, Connected}) {
		t.Errorf("history = %v", got)
	}
}

func TestExhaustedRetriesFallBackToAPMode(t *testing.T) {
	const maxAttempts = 3
	h := newHarness(t, settings.Defaults(), Config{MaxAttempts: maxAttempts}, func(s *wifi.Sim) {
		s.QueueJoinResults(wifi.ErrAuthFailed, wifi.ErrAuthFailed, wifi.ErrAuthFailed)
	})
	h.waitState(t, APMode)

	h.submit("Home", "wrongpassword")
	waitFor(t, "connecting", func() bool { return slices.Contains(h.rec.States(), Connecting) })

	waitFor(t, "fallback", func() bool {
		st := h.rec.States()
		return len(st) >= 4 && st[len(st)-1] == APMode
	})
	snap := h.ctrl.Snapshot()
	if snap.State != APMode {
		t.Fatalf("state = %s, want ap_mode", snap.State)
	}
	if got := len(h.stack.Joins()); got != maxAttempts {
		t.Errorf("join attempts = %d, want %d", got, maxAttempts)
	}
	if snap.LastError == "" {
		t.Error("last error not recorded")
	}
	if !h.portal.active.Load() {
		t.Error("captive portal inactive after fallback")
	}
	waitFor(t, "second access point start", func() bool { return len(h.stack.APStarts()) == 2 })
	if h.syncer.calls.Load() != 0 {
		t.Error("time sync triggered without a join")
	}
}

func TestSuccessOnLastAttempt(t *testing.T) {
	const maxAttempts = 4
	h := newHarness(t, settings.DeviceConfig{SSID: "Home", Password: "longenough", Timezone: "UTC"},
		Config{MaxAttempts: maxAttempts}, func(s *wifi.Sim) {
			s.QueueJoinResults(wifi.ErrNetworkNotFound, wifi.ErrJoinTimeout, wifi.ErrAuthFailed, nil)
		})

	snap := h.waitState(t, Connected)
	if got := len(h.stack.Joins()); got != maxAttempts {
		t.Errorf("join attempts = %d, want %d", got, maxAttempts)
	}
	if snap.Attempt != maxAttempts {
		t.Errorf("attempt = %d, want %d", snap.Attempt, maxAttempts)
	}
	if got := h.rec.States(); !slices.Equal(got, []State{Connecting, Connected}) {
		t.Errorf("history = %v, want boot straight into connecting", got)
	}
	if len(h.stack.APStarts()) != 0 {
		t.Error("access point started while retries remained")
	}
}

func TestDisconnectWhileConnectedReconnects(t *testing.T) {
	h := newHarness(t, settings.DeviceConfig{SSID: "Home", Password: "longenough", Timezone: "UTC"}, Config{}, nil)
	h.waitState(t, Connected)

	h.stack.InjectDisconnect("beacon loss")
	waitFor(t, "reconnect", func() bool {
		st := h.rec.States()
		return len(st) == 4 && st[3] == Connected
	})

	want := []State{Connecting, Connected, Connecting, Connected}
	if got := h.rec.States(); !slices.Equal(got, want) {
		t.Errorf("history = %v, want %v", got, want)
	}
	if got := len(h.stack.APStarts()); got != 0 {
		t.Errorf("access point started %d times on transient disconnect", got)
	}
	waitFor(t, "second sync", func() bool { return h.syncer.calls.Load() == 2 })
}

func TestDisconnectThenExhaustedRetries(t *testing.T) {
	h := newHarness(t, settings.DeviceConfig{SSID: "Home", Password: "longenough", Timezone: "UTC"},
		Config{MaxAttempts: 2}, nil)
	h.waitState(t, Connected)

	h.stack.QueueJoinResults(wifi.ErrNetworkNotFound, wifi.ErrNetworkNotFound)
	h.stack.InjectDisconnect("router off")
	h.waitState(t, APMode)

	want := []State{Connecting, Connected, Connecting, APMode}
	if got := h.rec.States(); !slices.Equal(got, want) {
		t.Errorf("history = %v, want %v", got, want)
	}
}

func TestDisconnectIgnoredOutsideConnected(t *testing.T) {
	h := newHarness(t, settings.Defaults(), Config{}, nil)
	h.waitState(t, APMode)

	h.stack.InjectDisconnect("spurious")
	time.Sleep(20 * time.Millisecond)
	if got := h.ctrl.Snapshot().State; got != APMode {
		t.Errorf("state = %s, want ap_mode", got)
	}
}

func TestNewCredentialsReplaceInFlightJoin(t *testing.T) {
	h := newHarness(t, settings.Defaults(), Config{JoinTimeout: 5 * time.Second}, func(s *wifi.Sim) {
		s.SetJoinDelay(100 * time.Millisecond)
	})
	h.waitState(t, APMode)

	h.submit("First", "longenough")
	waitFor(t, "first join", func() bool { return len(h.stack.Joins()) == 1 })
	h.submit("Second", "longenough")

	snap := h.waitState(t, Connected)
	if snap.SSID != "Second" {
		t.Errorf("connected to %q, want Second", snap.SSID)
	}
}

func TestOverlappingUpdatesJoinLastStoredNetwork(t *testing.T) {
	h := newHarness(t, settings.Defaults(), Config{JoinTimeout: 5 * time.Second}, func(s *wifi.Sim) {
		s.SetJoinDelay(50 * time.Millisecond)
	})
	h.waitState(t, APMode)

	// Two commits land before either signal is handled: the store ends on
	// "bravo", and the late signal for "alpha" must not override it.
	h.creds.setCredentials("alpha", "longenough")
	h.creds.setCredentials("bravo", "longenough")
	h.ctrl.CredentialsUpdated()
	h.ctrl.CredentialsUpdated()

	snap := h.waitState(t, Connected)
	if snap.SSID != "bravo" {
		t.Errorf("connected to %q, want bravo", snap.SSID)
	}
	for _, j := range h.stack.Joins() {
		if j.SSID != "bravo" {
			t.Errorf("joined %q, which the store never held last", j.SSID)
		}
	}
}

func TestUpdateWithoutStoredSSIDIgnored(t *testing.T) {
	h := newHarness(t, settings.Defaults(), Config{}, nil)
	h.waitState(t, APMode)

	h.ctrl.CredentialsUpdated()
	time.Sleep(20 * time.Millisecond)
	if got := h.ctrl.Snapshot().State; got != APMode {
		t.Errorf("state = %s, want ap_mode", got)
	}
	if n := len(h.stack.Joins()); n != 0 {
		t.Errorf("joins = %d, want 0", n)
	}
}

func TestSnapshotDoesNotBlockDuringJoin(t *testing.T) {
	h := newHarness(t, settings.DeviceConfig{SSID: "Home", Password: "longenough", Timezone: "UTC"},
		Config{JoinTimeout: time.Minute}, func(s *wifi.Sim) {
			s.SetJoinDelay(time.Hour)
		})
	waitFor(t, "join in flight", func() bool { return len(h.stack.Joins()) == 1 })

	start := time.Now()
	snap := h.ctrl.Snapshot()
	if time.Since(start) > 50*time.Millisecond {
		t.Error("Snapshot blocked on join")
	}
	if snap.State != Connecting {
		t.Errorf("state = %s, want connecting", snap.State)
	}
}

func TestJoinTimeoutIsBounded(t *testing.T) {
	h := newHarness(t, settings.DeviceConfig{SSID: "Home", Password: "longenough", Timezone: "UTC"},
		Config{MaxAttempts: 2, JoinTimeout: 20 * time.Millisecond}, func(s *wifi.Sim) {
			s.SetJoinDelay(time.Hour)
		})

	snap := h.waitState(t, APMode)
	if snap.LastError == "" {
		t.Error("timeout not recorded")
	}
	if got := len(h.stack.Joins()); got != 2 {
		t.Errorf("join attempts = %d, want 2", got)
	}
}

func TestStateText(t *testing.T) {
	for s, want := range map[State]string{
		Unconfigured: "unconfigured",
		APMode:       "ap_mode",
		Connecting:   "connecting",
		Connected:    "connected",
		State(9):     "State(9)",
	} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
	if !Unconfigured.CaptivePortal() || !APMode.CaptivePortal() {
		t.Error("portal must be on in unconfigured and ap_mode")
	}
	if Connecting.CaptivePortal() || Connected.CaptivePortal() {
		t.Error("portal must be off while joining or joined")
	}
}

func TestTryJoinWrapsDeadline(t *testing.T) {
	stack := wifi.NewSim(netip.MustParseAddr("10.0.0.2"))
	stack.SetJoinDelay(time.Hour)
	c := New(Config{JoinTimeout: 10 * time.Millisecond}, stack, &memConfig{dc: settings.Defaults()}, &fakePortal{}, newTestLogger())

	_, err := c.tryJoin(context.Background(), wifi.Credentials{SSID: "x"})
	if !errors.Is(err, wifi.ErrJoinTimeout) {
		t.Errorf("err = %v, want ErrJoinTimeout", err)
	}
}
