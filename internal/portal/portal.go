// Package portal implements the captive portal used while the device is in
// setup mode: a catch-all DNS responder and an HTTP steering middleware.
// Both are driven by a single on/off switch owned by the network controller.
package portal

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

const (
	answerTTL = 10
	// Queries larger than this are not from a captive probe and are dropped.
	maxQueryLen = 100
)

// Redirector answers every name with the access point address while active.
type Redirector struct {
	ip       netip.Addr
	httpPort int
	target   string
	logger   *slog.Logger
	active   atomic.Bool
}

// Option configures a Redirector.
type Option func(*Redirector)

// WithHTTPPort sets the port of the setup page when it is not served on 80.
func WithHTTPPort(port int) Option {
	return func(r *Redirector) {
		r.httpPort = port
	}
}

// New creates an inactive redirector pointing clients at ip.
func New(ip netip.Addr, logger *slog.Logger, opts ...Option) *Redirector {
	r := &Redirector{ip: ip, httpPort: 80, logger: logger}
	for _, o := range opts {
		o(r)
	}
	r.target = setupURL(ip, r.httpPort)
	return r
}

func setupURL(ip netip.Addr, port int) string {
	if port <= 0 || port == 80 {
		return "http://" + ip.String() + "/"
	}
	return "http://" + netip.AddrPortFrom(ip, uint16(port)).String() + "/"
}

// SetupURL is where captive clients are redirected.
func (r *Redirector) SetupURL() string {
	return r.target
}

func (r *Redirector) SetActive(on bool) {
	if r.active.Swap(on) != on {
		r.logger.Info("captive portal switched", "active", on)
	}
}

func (r *Redirector) Active() bool {
	return r.active.Load()
}

// IP is the address handed out in DNS answers and redirects.
func (r *Redirector) IP() netip.Addr {
	return r.ip
}

// ServeDNS implements dns.Handler.
func (r *Redirector) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	if n := req.Len(); n > maxQueryLen {
		r.logger.Warn("dns request too large, ignored", "size", n, "from", w.RemoteAddr())
		return
	}

	m := new(dns.Msg)
	m.SetReply(req)
	if !r.active.Load() {
		m.SetRcode(req, dns.RcodeRefused)
		if err := w.WriteMsg(m); err != nil {
			r.logger.Debug("dns write failed", "err", err)
		}
		return
	}

	m.Authoritative = true
	m.RecursionAvailable = true
	for _, q := range req.Question {
		if q.Qclass != dns.ClassINET || (q.Qtype != dns.TypeA && q.Qtype != dns.TypeANY) {
			continue
		}
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: answerTTL},
			A:   net.IP(r.ip.AsSlice()),
		})
	}
	if err := w.WriteMsg(m); err != nil {
		r.logger.Debug("dns write failed", "err", err)
	}
}

// ListenAndServeDNS binds addr (normally the access point address, port 53)
// and serves until ctx is cancelled.
func (r *Redirector) ListenAndServeDNS(ctx context.Context, addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("dns listen %s: %w", addr, err)
	}
	return r.ServeDNSConn(ctx, pc)
}

// ServeDNSConn serves DNS on an already bound socket until ctx is cancelled.
func (r *Redirector) ServeDNSConn(ctx context.Context, pc net.PacketConn) error {
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		Handler:           r,
		NotifyStartedFunc: func() { close(started) },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ActivateAndServe() }()

	select {
	case <-started:
	case err := <-errCh:
		return fmt.Errorf("dns serve: %w", err)
	}
	r.logger.Info("dns responder listening", "addr", pc.LocalAddr())

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.ShutdownContext(sctx); err != nil {
			return fmt.Errorf("dns shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("dns serve: %w", err)
	}
}

// Middleware steers browsers to the setup page while the portal is active.
// Requests accepted by isControl pass through untouched; a GET for "/" on the
// access point address gets setup; anything else is redirected there.
func (r *Redirector) Middleware(isControl func(*http.Request) bool, setup http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !r.active.Load() || isControl(req) {
				next.ServeHTTP(w, req)
				return
			}
			if r.isPortalHost(req.Host) && req.URL.Path == "/" &&
				(req.Method == http.MethodGet || req.Method == http.MethodHead) {
				setup.ServeHTTP(w, req)
				return
			}
			w.Header().Set("Cache-Control", "no-store")
			http.Redirect(w, req, r.target, http.StatusFound)
		})
	}
}

func (r *Redirector) isPortalHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && addr == r.ip
}
