package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"esp-clock/internal/events"
	"esp-clock/internal/settings"
	"esp-clock/internal/wifi"
)

// Portal is the captive portal switch.
type Portal interface {
	SetActive(on bool)
}

// Advertiser publishes the device on the joined network.
type Advertiser interface {
	Start(ip netip.Addr) error
	Stop()
}

// Syncer is triggered once per successful join.
type Syncer interface {
	Sync(ctx context.Context) (time.Time, error)
}

// ConfigReader supplies the stored credentials at boot and after every
// credentials update.
type ConfigReader interface {
	Current() settings.DeviceConfig
}

// Config bounds the join retry policy.
type Config struct {
	AP          wifi.APConfig
	MaxAttempts int
	RetryDelay  time.Duration
	JoinTimeout time.Duration
}

const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 5 * time.Second
	DefaultJoinTimeout = 15 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.AP.SSID == "" {
		c.AP.SSID = wifi.DefaultAPSSID
		c.AP.Password = wifi.DefaultAPPassword
	}
	if !c.AP.IP.IsValid() {
		c.AP.IP = wifi.DefaultAPIP
	}
	if c.AP.MaxConnections <= 0 {
		c.AP.MaxConnections = wifi.DefaultAPMaxConnections
	}
	return c
}

// Option configures optional collaborators.
type Option func(*Controller)

func WithAdvertiser(a Advertiser) Option {
	return func(c *Controller) { c.mdns = a }
}

func WithSyncer(s Syncer) Option {
	return func(c *Controller) { c.syncer = s }
}

func WithEventBus(b *events.Bus) Option {
	return func(c *Controller) { c.bus = b }
}

// joinMsg reports join progress from the join goroutine to Run.
// A non-final message with a nil err announces the start of an attempt.
type joinMsg struct {
	gen     uint64
	attempt int
	err     error
	addr    netip.Addr
	final   bool
}

// Controller owns NetworkState. All transitions happen on the Run
// goroutine; other goroutines only read snapshots or signal that the stored
// credentials changed.
type Controller struct {
	cfg    Config
	stack  wifi.Stack
	creds  ConfigReader
	portal Portal
	mdns   Advertiser
	syncer Syncer
	bus    *events.Bus
	logger *slog.Logger

	submit chan struct{}
	joins  chan joinMsg
	snap   atomic.Pointer[Snapshot]

	// Run goroutine only.
	gen        uint64
	cancelJoin context.CancelFunc
	active     wifi.Credentials
	wg         sync.WaitGroup
}

// New creates a controller. Call Run to start it.
func New(cfg Config, stack wifi.Stack, creds ConfigReader, portal Portal, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg.withDefaults(),
		stack:  stack,
		creds:  creds,
		portal: portal,
		logger: logger,
		submit: make(chan struct{}, 1),
		joins:  make(chan joinMsg),
	}
	for _, o := range opts {
		o(c)
	}
	c.snap.Store(&Snapshot{
		State:       Unconfigured,
		MaxAttempts: c.cfg.MaxAttempts,
		Since:       time.Now(),
	})
	return c
}

// Snapshot returns the current state without waiting on any join.
func (c *Controller) Snapshot() Snapshot {
	return *c.snap.Load()
}

// APConfig returns the access point parameters used in setup mode.
func (c *Controller) APConfig() wifi.APConfig {
	return c.cfg.AP
}

// CredentialsUpdated tells the controller that new credentials were
// committed. The controller joins whatever the store holds when it handles
// the signal, so overlapping commits always end on the last stored network.
// It never blocks; signals coalesce while one is pending.
func (c *Controller) CredentialsUpdated() {
	select {
	case c.submit <- struct{}{}:
	default:
	}
}

// Run drives the state machine until ctx is cancelled. It never returns an
// error for network failures; those are reflected in the snapshot.
func (c *Controller) Run(ctx context.Context) error {
	defer func() {
		c.stopJoin()
		c.wg.Wait()
		if c.mdns != nil {
			c.mdns.Stop()
		}
	}()

	if dc := c.creds.Current(); dc.Configured() {
		c.connect(ctx, wifi.Credentials{SSID: dc.SSID, Password: dc.Password}, "")
	} else {
		c.transition(Unconfigured, nil)
		c.enterAP(ctx, "")
	}

	stackEvents := c.stack.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.submit:
			dc := c.creds.Current()
			if !dc.Configured() {
				c.logger.Warn("credentials update without stored ssid ignored")
				continue
			}
			c.logger.Info("credentials updated", "ssid", dc.SSID)
			c.connect(ctx, wifi.Credentials{SSID: dc.SSID, Password: dc.Password}, "")
		case ev, ok := <-stackEvents:
			if !ok {
				stackEvents = nil
				continue
			}
			c.handleStackEvent(ctx, ev)
		case m := <-c.joins:
			if m.gen != c.gen {
				continue
			}
			c.handleJoin(ctx, m)
		}
	}
}

func (c *Controller) handleStackEvent(ctx context.Context, ev wifi.Event) {
	if ev.Type != wifi.EventDisconnected {
		return
	}
	if state := c.Snapshot().State; state != Connected {
		c.logger.Debug("disconnect ignored", "state", state, "reason", ev.Reason)
		return
	}
	c.logger.Warn("wifi disconnected, reconnecting", "ssid", c.active.SSID, "reason", ev.Reason)
	c.connect(ctx, c.active, "disconnected: "+ev.Reason)
}

func (c *Controller) handleJoin(ctx context.Context, m joinMsg) {
	switch {
	case !m.final && m.err == nil:
		c.update(func(s *Snapshot) { s.Attempt = m.attempt })
	case !m.final:
		c.update(func(s *Snapshot) { s.LastError = m.err.Error() })
		c.bus.Emit(events.Event{Type: events.EventJoinAttempt, Data: JoinAttempt{
			SSID: c.active.SSID, Attempt: m.attempt, Err: m.err.Error(),
		}})
	case m.err == nil:
		c.stopJoin()
		c.bus.Emit(events.Event{Type: events.EventJoinAttempt, Data: JoinAttempt{
			SSID: c.active.SSID, Attempt: m.attempt,
		}})
		c.onConnected(ctx, m.addr)
	default:
		c.stopJoin()
		c.bus.Emit(events.Event{Type: events.EventJoinAttempt, Data: JoinAttempt{
			SSID: c.active.SSID, Attempt: m.attempt, Err: m.err.Error(),
		}})
		c.logger.Warn("join retries exhausted, falling back to access point",
			"ssid", c.active.SSID, "attempts", m.attempt, "err", m.err)
		c.enterAP(ctx, m.err.Error())
	}
}

// connect cancels any join in flight and starts a new attempt loop.
func (c *Controller) connect(ctx context.Context, creds wifi.Credentials, reason string) {
	c.stopJoin()
	if c.Snapshot().State == Connected && c.mdns != nil {
		c.mdns.Stop()
	}
	c.gen++
	c.active = creds
	c.transition(Connecting, func(s *Snapshot) {
		s.SSID = creds.SSID
		s.Attempt = 0
		s.LastError = reason
		s.IP = ""
	})

	jctx, cancel := context.WithCancel(ctx)
	c.cancelJoin = cancel
	gen := c.gen
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.join(jctx, gen, creds)
	}()
}

func (c *Controller) stopJoin() {
	if c.cancelJoin != nil {
		c.cancelJoin()
		c.cancelJoin = nil
	}
}

// join runs up to MaxAttempts join attempts spaced by RetryDelay. Total
// wall time is bounded by MaxAttempts*JoinTimeout + (MaxAttempts-1)*RetryDelay.
func (c *Controller) join(ctx context.Context, gen uint64, creds wifi.Credentials) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryDelay), uint64(c.cfg.MaxAttempts-1)),
		ctx,
	)

	var (
		attempt int
		addr    netip.Addr
	)
	err := backoff.Retry(func() error {
		attempt++
		if !c.send(ctx, joinMsg{gen: gen, attempt: attempt}) {
			return backoff.Permanent(ctx.Err())
		}
		a, err := c.tryJoin(ctx, creds)
		if err == nil {
			addr = a
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		c.logger.Warn("join attempt failed", "ssid", creds.SSID,
			"attempt", attempt, "max", c.cfg.MaxAttempts, "err", err)
		c.send(ctx, joinMsg{gen: gen, attempt: attempt, err: err})
		return err
	}, policy)

	if ctx.Err() != nil {
		return
	}
	c.send(ctx, joinMsg{gen: gen, attempt: attempt, err: err, addr: addr, final: true})
}

func (c *Controller) tryJoin(ctx context.Context, creds wifi.Credentials) (netip.Addr, error) {
	jctx, cancel := context.WithTimeout(ctx, c.cfg.JoinTimeout)
	defer cancel()
	addr, err := c.stack.Join(jctx, creds)
	if err != nil && errors.Is(jctx.Err(), context.DeadlineExceeded) && !errors.Is(err, wifi.ErrJoinTimeout) {
		err = fmt.Errorf("%w: %w", wifi.ErrJoinTimeout, err)
	}
	return addr, err
}

func (c *Controller) send(ctx context.Context, m joinMsg) bool {
	select {
	case c.joins <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) onConnected(ctx context.Context, addr netip.Addr) {
	c.transition(Connected, func(s *Snapshot) {
		s.IP = addr.String()
		s.LastError = ""
	})
	if c.mdns != nil {
		if err := c.mdns.Start(addr); err != nil {
			c.logger.Warn("mdns advertisement failed", "err", err)
		}
	}
	if c.syncer != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if _, err := c.syncer.Sync(ctx); err != nil {
				c.logger.Warn("time sync after join failed", "err", err)
			}
		}()
	}
}

// enterAP opens the setup access point. Stored credentials are kept.
func (c *Controller) enterAP(ctx context.Context, reason string) {
	c.transition(APMode, func(s *Snapshot) {
		s.IP = c.cfg.AP.IP.String()
		if reason != "" {
			s.LastError = reason
		}
	})

	actx, cancel := context.WithTimeout(ctx, c.cfg.JoinTimeout)
	defer cancel()
	if err := c.stack.StartAP(actx, c.cfg.AP); err != nil {
		c.logger.Error("start access point failed", "err", err)
		c.update(func(s *Snapshot) { s.LastError = err.Error() })
	}
}

func (c *Controller) transition(to State, mutate func(*Snapshot)) {
	from := c.Snapshot().State
	next := c.update(func(s *Snapshot) {
		s.State = to
		s.Since = time.Now()
		if mutate != nil {
			mutate(s)
		}
	})
	c.portal.SetActive(to.CaptivePortal())
	c.logger.Info("network state changed", "from", from, "to", to, "ssid", next.SSID)
	c.bus.Emit(events.Event{Type: events.EventNetworkState, Data: next})
}

// update publishes a modified copy of the snapshot.
func (c *Controller) update(mutate func(*Snapshot)) Snapshot {
	next := *c.snap.Load()
	mutate(&next)
	c.snap.Store(&next)
	return next
}
