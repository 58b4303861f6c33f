package timesync

import (
	"context"
	"fmt"
	"time"

	"github.com/beevik/ntp"
)

// Querier asks a single time server for the current time.
type Querier interface {
	Query(ctx context.Context, server string) (time.Time, error)
}

// NTPQuerier speaks SNTP via beevik/ntp.
type NTPQuerier struct{}

func (NTPQuerier) Query(ctx context.Context, server string) (time.Time, error) {
	timeout := 5 * time.Second
	if d, ok := ctx.Deadline(); ok {
		timeout = time.Until(d)
		if timeout <= 0 {
			return time.Time{}, ctx.Err()
		}
	}

	type result struct {
		t   time.Time
		err error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
		if err != nil {
			ch <- result{err: err}
			return
		}
		if err := resp.Validate(); err != nil {
			ch <- result{err: fmt.Errorf("invalid response: %w", err)}
			return
		}
		ch <- result{t: time.Now().Add(resp.ClockOffset)}
	}()

	select {
	case r := <-ch:
		return r.t, r.err
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
}
