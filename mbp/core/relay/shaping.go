package relay

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// ByteLimiter is a per-connection token-bucket throttle, tracked as a
// simple accumulator rather than golang.org/x/time/rate's Limiter so a
// single connection's budget needs no allocation beyond this struct —
// the shared, cross-connection case is what actually wants
// rate.Limiter (see GroupLimiters in mbp/core/state and the shared
// argument to WaitBeforeWrite below).
type ByteLimiter struct {
	bps int64 // bytes/sec; <=0 means unshaped, never constructed below

	last time.Time
	acc  int64
}

// NewLimiter returns a ByteLimiter capping writes to bps bytes/sec, or
// nil if bps<=0 (the "unshaped" convention every caller in this
// package relies on: a nil *ByteLimiter behaves as unshaped too).
func NewLimiter(bps int64) *ByteLimiter {
	if bps <= 0 {
		return nil
	}
	return &ByteLimiter{bps: bps}
}

// NeedWait reports how long to wait before writing n more bytes to
// stay within bl's budget; <=0 means no wait is needed. Safe to call
// on a nil *ByteLimiter.
func (bl *ByteLimiter) NeedWait(n int) time.Duration {
	if bl == nil || bl.bps <= 0 || n <= 0 {
		return 0
	}
	now := time.Now()
	if bl.last.IsZero() {
		bl.last = now
		return 0
	}
	elapsed := now.Sub(bl.last)
	bl.acc -= int64(float64(bl.bps) * elapsed.Seconds())
	if bl.acc < 0 {
		bl.acc = 0
	}
	bl.acc += int64(n)
	bl.last = now

	if bl.acc <= bl.bps {
		return 0
	}
	overflow := bl.acc - bl.bps
	sec := float64(overflow) / float64(bl.bps)
	return time.Duration(sec * float64(time.Second))
}

// WaitBeforeWrite blocks until n bytes may be written under perConn's
// per-connection budget (nil means unshaped) and every non-nil shared
// limiter's budget (group-wide throttles — see
// state.Configuration.SharedLimitersFor). It sleeps at most twice:
// once for perConn, then once for the slowest of the shared limiters,
// rather than serializing through each one. ctx cancellation aborts
// the wait and rolls back any shared reservations already taken.
func WaitBeforeWrite(ctx context.Context, n int, perConn *ByteLimiter, shared ...*rate.Limiter) error {
	if n <= 0 {
		return nil
	}

	if perConn != nil {
		if d := perConn.NeedWait(n); d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
		}
	}

	now := time.Now()
	reservations := make([]*rate.Reservation, 0, len(shared))
	maxDelay := time.Duration(0)

	for _, lim := range shared {
		if lim == nil {
			continue
		}
		r := lim.ReserveN(now, n)
		if !r.OK() {
			for _, rv := range reservations {
				rv.CancelAt(now)
			}
			return context.DeadlineExceeded
		}
		if d := r.DelayFrom(now); d > maxDelay {
			maxDelay = d
		}
		reservations = append(reservations, r)
	}

	if maxDelay > 0 {
		t := time.NewTimer(maxDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			for _, rv := range reservations {
				rv.CancelAt(now)
			}
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
