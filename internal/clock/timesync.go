// Package clock keeps an estimate of the offset between the local clock and
// a shared reference clock, so peers can agree on when a race starts.
package clock

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"

	"github.com/race/netplay/config"
)

// Querier measures the offset of the local clock against a time server.
// A positive offset means the local clock is behind.
type Querier interface {
	Query(ctx context.Context, server string) (time.Duration, error)
}

// NTPQuerier queries an NTP server.
type NTPQuerier struct {
	Timeout time.Duration
}

// Query performs a single NTP exchange with server.
func (q NTPQuerier) Query(ctx context.Context, server string) (time.Duration, error) {
	timeout := q.Timeout
	if timeout <= 0 {
		timeout = config.NtpQueryTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, fmt.Errorf("ntp query %s: %w", server, err)
	}
	if err := resp.Validate(); err != nil {
		return 0, fmt.Errorf("ntp response from %s: %w", server, err)
	}
	return resp.ClockOffset, nil
}

// TimeSync periodically refreshes the clock offset in the background.
// At most one request is in flight at a time.
type TimeSync struct {
	Server string
	Period time.Duration

	// DebuggerAttached suppresses requests while it returns true; a paused
	// process would produce a meaningless offset.
	DebuggerAttached func() bool

	querier Querier
	offset  atomic.Int64
	synced  atomic.Bool
	pending atomic.Bool
	wg      sync.WaitGroup
}

// New creates a TimeSync for server using the given querier.
func New(server string, querier Querier) *TimeSync {
	if server == "" {
		server = config.DefaultNtpServer
	}
	return &TimeSync{
		Server:           server,
		Period:           config.NtpSyncPeriod,
		DebuggerAttached: DebuggerAttached,
		querier:          querier,
	}
}

// Run requests an offset immediately and then every Period until ctx is done.
func (s *TimeSync) Run(ctx context.Context) {
	period := s.Period
	if period <= 0 {
		period = config.NtpSyncPeriod
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	defer s.wg.Wait()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts a background request unless one is already pending or a
// debugger is attached. It reports whether a request was started.
func (s *TimeSync) Tick(ctx context.Context) bool {
	if s.DebuggerAttached != nil && s.DebuggerAttached() {
		return false
	}
	if !s.pending.CompareAndSwap(false, true) {
		return false
	}

	s.wg.Add(1)
	go s.request(ctx)
	return true
}

// Wait blocks until the in-flight request, if any, has finished.
func (s *TimeSync) Wait() {
	s.wg.Wait()
}

func (s *TimeSync) request(ctx context.Context) {
	defer s.wg.Done()
	defer s.pending.Store(false)

	offset, err := s.querier.Query(ctx, s.Server)
	if err != nil {
		log.Printf("[TimeSync] Failed to get time from %s: %v", s.Server, err)
		return
	}

	s.offset.Store(int64(offset))
	s.synced.Store(true)
	log.Printf("[TimeSync] Clock offset from %s: %v", s.Server, offset)
}

// Offset returns the last measured offset, zero before the first success.
func (s *TimeSync) Offset() time.Duration {
	return time.Duration(s.offset.Load())
}

// Synchronized reports whether at least one request has succeeded.
func (s *TimeSync) Synchronized() bool {
	return s.synced.Load()
}

// Pending reports whether a request is in flight.
func (s *TimeSync) Pending() bool {
	return s.pending.Load()
}

// ToServerTime converts a local instant to the reference clock.
func (s *TimeSync) ToServerTime(local time.Time) time.Time {
	return local.Add(s.Offset())
}

// ToLocalTime converts a reference clock instant to the local clock.
func (s *TimeSync) ToLocalTime(server time.Time) time.Time {
	return server.Add(-s.Offset())
}

// Now returns the current reference clock time.
func (s *TimeSync) Now() time.Time {
	return s.ToServerTime(time.Now())
}
