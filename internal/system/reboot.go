// Package system handles device restarts requested at runtime.
package system

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrRestart is the cancellation cause once a restart has been scheduled.
// The process exits with RestartExitCode so its supervisor starts it again.
var ErrRestart = errors.New("restart requested")

// RestartExitCode tells the service manager to start the process again.
const RestartExitCode = 3

// DefaultRestartDelay leaves time for the HTTP response to reach the client.
const DefaultRestartDelay = 2 * time.Second

// Rebooter turns a restart request into a delayed cancellation of the
// main context. Hooks run first, in registration order.
type Rebooter struct {
	cancel context.CancelCauseFunc
	delay  time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	hooks  []func(context.Context)
	reason string
	timer  *time.Timer
}

// NewRebooter restarts by calling cancel with ErrRestart after delay.
func NewRebooter(cancel context.CancelCauseFunc, delay time.Duration, logger *slog.Logger) *Rebooter {
	if delay <= 0 {
		delay = DefaultRestartDelay
	}
	return &Rebooter{cancel: cancel, delay: delay, logger: logger}
}

// OnRestart registers fn to run before the process goes down.
func (r *Rebooter) OnRestart(fn func(context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Schedule requests a restart. Later calls while one is pending are ignored.
func (r *Rebooter) Schedule(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.logger.Debug("restart already scheduled", "reason", r.reason)
		return
	}
	r.reason = reason
	r.logger.Info("restart scheduled", "reason", reason, "in", r.delay)
	r.timer = time.AfterFunc(r.delay, r.fire)
}

// Pending returns the reason of a scheduled restart.
func (r *Rebooter) Pending() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason, r.timer != nil
}

func (r *Rebooter) fire() {
	r.mu.Lock()
	hooks := append([]func(context.Context){}, r.hooks...)
	reason := r.reason
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range hooks {
		h(ctx)
	}
	r.logger.Info("restarting", "reason", reason)
	r.cancel(ErrRestart)
}
