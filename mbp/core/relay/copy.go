// Package relay implements the bidirectional byte-copy loop shared by
// every TCP path in this system (spec.md §4.6): client<->upstream,
// client<->tcpman tunnel. Grounded on the teacher's own
// mbp/core/transport/pipe.go (TCP keepalive, write-deadline, and
// cancel-then-nudge-then-close shutdown pattern), generalized to
// report byte counts; every copy uses a DefaultBufferSize buffer. The
// byte-shaping half (shaping.go) is grounded on the teacher's own
// mbp/core/limiter package, folded in here since relay is its only
// caller.
package relay

import (
	"context"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"mlkmbp/mbp/common"
)

// DefaultBufferSize is the copy buffer spec.md §4.6 calls for (8KiB).
const DefaultBufferSize = 8 * 1024

// Stats reports the byte counts of one Copy call, one direction each.
type Stats struct {
	LeftToRight int64
	RightToLeft int64
}

func enableTCPKA(c net.Conn, period time.Duration) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		if period > 0 {
			_ = tc.SetKeepAlivePeriod(period)
		}
		_ = tc.SetNoDelay(true)
	}
}

// deadlineWriter bounds only write calls, leaving Read alone so a long
// idle connection isn't torn down by its own copy loop. lim, when
// non-nil, throttles writes to bps bytes/sec before the deadline is
// applied (spec.md's per-upstream download shaping); shared adds any
// group-wide throttles (state.Configuration.SharedLimitersFor) on top.
type deadlineWriter struct {
	net.Conn
	idle   time.Duration
	ctx    context.Context
	lim    *ByteLimiter
	shared []*rate.Limiter
}

func (d *deadlineWriter) Write(p []byte) (int, error) {
	if d.lim != nil || len(d.shared) > 0 {
		if err := WaitBeforeWrite(d.ctx, len(p), d.lim, d.shared...); err != nil {
			return 0, err
		}
	}
	if d.idle > 0 {
		_ = d.Conn.SetWriteDeadline(time.Now().Add(d.idle))
	}
	return d.Conn.Write(p)
}

// Copy relays left<->right until both directions hit EOF/error or ctx
// is cancelled, then closes both sides. It half-closes the write side
// of the peer as soon as one direction drains, so a connection that
// only sends (or only receives) doesn't block the other half.
func Copy(ctx context.Context, left, right net.Conn) Stats {
	return copyShaped(ctx, left, right, 0, nil)
}

// CopyLimited behaves like Copy but throttles the left<-right
// direction (what left reads, i.e. the upstream's download to the
// client) to bps bytes/sec, plus any shared group-wide limiters
// (state.Configuration.SharedLimitersFor) passed in shared. bps<=0
// with no shared limiters is identical to Copy.
func CopyLimited(ctx context.Context, left, right net.Conn, bps int64, shared ...*rate.Limiter) Stats {
	return copyShaped(ctx, left, right, bps, shared)
}

func copyShaped(ctx context.Context, left, right net.Conn, bps int64, shared []*rate.Limiter) Stats {
	enableTCPKA(left, 30*time.Second)
	enableTCPKA(right, 30*time.Second)

	const writeIdle = 2 * time.Minute
	lw := &deadlineWriter{Conn: left, idle: writeIdle, ctx: ctx, lim: NewLimiter(bps), shared: shared}
	rw := &deadlineWriter{Conn: right, idle: writeIdle, ctx: ctx}

	var stats Stats
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			common.Nudge(left)
			common.Nudge(right)
			time.AfterFunc(200*time.Millisecond, func() {
				_ = left.Close()
				_ = right.Close()
			})
		case <-done:
		}
	}()

	var g errgroup.Group
	g.Go(func() error {
		n, _ := io.CopyBuffer(rw, left, make([]byte, DefaultBufferSize))
		stats.LeftToRight = n
		common.CloseWriteIfTCP(right)
		common.Nudge(right)
		return nil
	})
	g.Go(func() error {
		n, _ := io.CopyBuffer(lw, right, make([]byte, DefaultBufferSize))
		stats.RightToLeft = n
		common.CloseWriteIfTCP(left)
		common.Nudge(left)
		return nil
	})

	_ = g.Wait()
	close(done)
	_ = left.Close()
	_ = right.Close()
	return stats
}
