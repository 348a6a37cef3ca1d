package udprelay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mlkmbp/mbp/core/netaddr"
)

// SessionKey identifies one transparent-UDP flow (spec.md §4.7.B).
type SessionKey struct {
	Src     string // src_addr.String()
	OrigDst string // orig_dst.String()
}

// idleTimeout is the default session idle timeout (spec.md §4.7:
// "idle for a configurable timeout (default 60s...)").
const idleTimeout = 60 * time.Second

// outgoingQueueSize bounds each session's back-pressure queue
// (spec.md §4.7: "bounded MPSC of size 10; if full, packets are
// dropped").
const outgoingQueueSize = 10

// Session is one (src, orig_dst) transparent-UDP flow: a bounded
// outgoing queue feeding the tunnel and a closer for idle/owner-driven
// teardown.
type Session struct {
	Key               SessionKey
	Outgoing          chan []byte
	CloseOnFirstReply bool

	lastActivity atomic.Int64
	cancel       context.CancelFunc
}

func newSession(key SessionKey, closeOnFirstReply bool, cancel context.CancelFunc) *Session {
	s := &Session{Key: key, Outgoing: make(chan []byte, outgoingQueueSize), CloseOnFirstReply: closeOnFirstReply, cancel: cancel}
	s.touch()
	return s
}

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

// Table owns the session map exclusively: all mutation happens
// through its methods, matching spec.md §5's "UDP session table —
// owned exclusively by one task; access by others is via the cleanup
// channel" (expressed here as a mutex since Go has no actor-isolation
// primitive, but the access pattern is the same single-writer shape).
type Table struct {
	mu       sync.Mutex
	sessions map[SessionKey]*Session
	cleanup  chan SessionKey
}

// NewTable returns an empty session table with its cleanup channel
// already being drained by a background goroutine tied to ctx.
func NewTable(ctx context.Context) *Table {
	t := &Table{sessions: make(map[SessionKey]*Session), cleanup: make(chan SessionKey, 64)}
	go t.drainCleanup(ctx)
	go t.reapIdle(ctx)
	return t
}

func (t *Table) drainCleanup(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-t.cleanup:
			t.mu.Lock()
			delete(t.sessions, key)
			t.mu.Unlock()
		}
	}
}

func (t *Table) reapIdle(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.mu.Lock()
			for key, s := range t.sessions {
				if s.idleFor(now) > idleTimeout {
					s.cancel()
					delete(t.sessions, key)
				}
			}
			t.mu.Unlock()
		}
	}
}

// GetOrCreate returns the existing session for key, or creates one and
// runs start on its own goroutine with a context that Remove or the
// idle reaper cancels; when start returns, key is sent on the cleanup
// channel. GetOrCreate itself sends no packet: a freshly created
// session's Outgoing queue is empty, so the caller's first enqueue
// onto it is never dropped as full.
func (t *Table) GetOrCreate(key SessionKey, closeOnFirstReply bool, start func(ctx context.Context, s *Session)) *Session {
	t.mu.Lock()
	if s, ok := t.sessions[key]; ok {
		t.mu.Unlock()
		s.touch()
		return s
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := newSession(key, closeOnFirstReply, cancel)
	t.sessions[key] = s
	t.mu.Unlock()

	go func() {
		start(ctx, s)
		select {
		case t.cleanup <- key:
		case <-ctx.Done():
		}
	}()
	return s
}

// Remove cancels and forgets key's session, if any (owner-initiated
// teardown per spec.md §4.7).
func (t *Table) Remove(key SessionKey) {
	t.mu.Lock()
	s, ok := t.sessions[key]
	delete(t.sessions, key)
	t.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// NewSessionKey builds a SessionKey from a src/orig_dst pair.
func NewSessionKey(src, origDst netaddr.Address) SessionKey {
	return SessionKey{Src: src.String(), OrigDst: origDst.String()}
}
