package wifi

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// Sim is an in-memory Stack for development without a radio and for tests.
// Join outcomes are taken from a queue; an empty queue means success.
type Sim struct {
	mu        sync.Mutex
	results   []error
	joinDelay time.Duration
	addr      netip.Addr
	joins     []Credentials
	ap        []APConfig
	disconns  int
	closed    bool

	events chan Event
}

// NewSim creates a simulated stack that hands out addr on successful joins.
func NewSim(addr netip.Addr) *Sim {
	return &Sim{
		addr:   addr,
		events: make(chan Event, 4),
	}
}

// QueueJoinResults appends outcomes for upcoming Join calls. A nil entry is
// a successful join.
func (s *Sim) QueueJoinResults(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, errs...)
}

// SetJoinDelay makes every Join take d (or until its context ends).
func (s *Sim) SetJoinDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinDelay = d
}

// InjectDisconnect delivers an unsolicited link drop.
func (s *Sim) InjectDisconnect(reason string) {
	s.events <- Event{Type: EventDisconnected, Reason: reason}
}

// Joins returns every Join call made so far.
func (s *Sim) Joins() []Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Credentials(nil), s.joins...)
}

// APStarts returns every StartAP call made so far.
func (s *Sim) APStarts() []APConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]APConfig(nil), s.ap...)
}

// Disconnects counts Disconnect calls.
func (s *Sim) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconns
}

func (s *Sim) StartAP(_ context.Context, cfg APConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.ap = append(s.ap, cfg)
	return nil
}

func (s *Sim) Join(ctx context.Context, creds Credentials) (netip.Addr, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return netip.Addr{}, errClosed
	}
	s.joins = append(s.joins, creds)
	var result error
	if len(s.results) > 0 {
		result = s.results[0]
		s.results = s.results[1:]
	}
	delay := s.joinDelay
	s.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return netip.Addr{}, fmt.Errorf("%w: %w", ErrJoinTimeout, ctx.Err())
		}
	}
	if result != nil {
		return netip.Addr{}, result
	}
	return s.addr, nil
}

func (s *Sim) Disconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconns++
	return nil
}

func (s *Sim) Events() <-chan Event {
	return s.events
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
