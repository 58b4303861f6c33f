// Package timesync keeps the device clock aligned with network time. The
// host clock is never stepped; a measured offset is applied on read.
package timesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"esp-clock/internal/events"
)

// Phase is the coarse sync state.
type Phase string

const (
	NeverSynced Phase = "never_synced"
	Synced      Phase = "synced"
	Failed      Phase = "failed"
)

// Status is a read-only view of the last sync outcome. Attempts counts
// consecutive failures since the last success.
type Status struct {
	Phase    Phase     `json:"phase"`
	At       time.Time `json:"at,omitempty"`
	Server   string    `json:"server,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
}

func (s Status) String() string {
	switch s.Phase {
	case Synced:
		return "synced at " + s.At.UTC().Format(time.RFC3339)
	case Failed:
		return fmt.Sprintf("failed (%d attempts): %s", s.Attempts, s.Reason)
	default:
		return "never synced"
	}
}

// SyncError reports a sync in which no server answered in time.
type SyncError struct {
	Reason   string
	Attempts int
	Err      error
}

func (e *SyncError) Error() string {
	return "time sync failed: " + e.Reason
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// ErrNoServers is returned when no time servers are configured.
var ErrNoServers = errors.New("no time servers configured")

// Config lists the servers tried in order and the per-server timeout.
type Config struct {
	Servers []string
	Timeout time.Duration
}

const DefaultTimeout = 5 * time.Second

var DefaultServers = []string{"pool.ntp.org"}

// Service owns SyncStatus. Concurrent Sync calls share one in-flight sync.
type Service struct {
	cfg    Config
	q      Querier
	bus    *events.Bus
	logger *slog.Logger

	group    singleflight.Group
	status   atomic.Pointer[Status]
	offset   atomic.Int64
	failures atomic.Int32

	now func() time.Time
}

func New(cfg Config, q Querier, bus *events.Bus, logger *slog.Logger) *Service {
	if len(cfg.Servers) == 0 {
		cfg.Servers = DefaultServers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	s := &Service{cfg: cfg, q: q, bus: bus, logger: logger, now: time.Now}
	s.status.Store(&Status{Phase: NeverSynced})
	return s
}

// Status returns the last sync outcome.
func (s *Service) Status() Status {
	return *s.status.Load()
}

// Now returns the network-corrected current time.
func (s *Service) Now() time.Time {
	return s.now().Add(time.Duration(s.offset.Load()))
}

// Local returns Now in loc.
func (s *Service) Local(loc *time.Location) time.Time {
	return s.Now().In(loc)
}

// Offset is the correction applied to the host clock.
func (s *Service) Offset() time.Duration {
	return time.Duration(s.offset.Load())
}

// Sync queries the configured servers in order until one answers. It
// returns within Timeout per server and always leaves Status in Synced or
// Failed.
//
// Concurrent callers share one sync. The shared sync is bounded only by the
// service's own budget, so one caller going away never fails it for the
// others; a caller whose ctx ends first gets ctx's error while the sync
// finishes and records its outcome.
func (s *Service) Sync(ctx context.Context) (time.Time, error) {
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan("sync", func() (any, error) {
		return s.sync(detached)
	})
	select {
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("joined in-flight time sync")
		}
		if res.Err != nil {
			return time.Time{}, res.Err
		}
		return res.Val.(time.Time), nil
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
}

func (s *Service) sync(ctx context.Context) (time.Time, error) {
	budget := s.cfg.Timeout * time.Duration(len(s.cfg.Servers))
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var errs []error
	for _, server := range s.cfg.Servers {
		qctx, qcancel := context.WithTimeout(ctx, s.cfg.Timeout)
		t, err := s.q.Query(qctx, server)
		qcancel()
		if err == nil {
			return s.succeed(server, t), nil
		}
		s.logger.Warn("time server query failed", "server", server, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", server, err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		errs = append(errs, ErrNoServers)
	}
	return time.Time{}, s.fail(errs)
}

func (s *Service) succeed(server string, t time.Time) time.Time {
	offset := t.Sub(s.now())
	s.offset.Store(int64(offset))
	s.failures.Store(0)
	st := &Status{Phase: Synced, At: t, Server: server}
	s.status.Store(st)
	s.logger.Info("time synced", "server", server, "offset", offset)
	s.bus.Emit(events.Event{Type: events.EventTimeSync, Data: *st})
	return t
}

func (s *Service) fail(errs []error) error {
	attempts := int(s.failures.Add(1))
	reasons := make([]string, len(errs))
	for i, e := range errs {
		reasons[i] = e.Error()
	}
	reason := strings.Join(reasons, "; ")
	st := &Status{Phase: Failed, Reason: reason, Attempts: attempts}
	s.status.Store(st)
	s.logger.Warn("time sync failed", "attempts", attempts, "reason", reason)
	s.bus.Emit(events.Event{Type: events.EventTimeSync, Data: *st})
	return &SyncError{Reason: reason, Attempts: attempts, Err: errors.Join(errs...)}
}
