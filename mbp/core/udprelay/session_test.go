package udprelay

import (
	"context"
	"net"
	"testing"
	"time"

	"mlkmbp/mbp/core/netaddr"
)

func TestTableGetOrCreateReusesExistingSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	table := NewTable(ctx)

	key := NewSessionKey(netaddr.IP(net.IPv4(10, 0, 0, 1), 1234), netaddr.IP(net.IPv4(8, 8, 8, 8), 53))

	// start runs on its own goroutine, so count starts via a channel.
	starts := make(chan struct{}, 2)
	start := func(ctx context.Context, s *Session) {
		starts <- struct{}{}
		<-ctx.Done()
	}

	s1 := table.GetOrCreate(key, true, start)
	s2 := table.GetOrCreate(key, true, start)
	if s1 != s2 {
		t.Fatal("expected the same session to be returned for an existing key")
	}
	select {
	case <-starts:
	case <-time.After(2 * time.Second):
		t.Fatal("expected exactly one session goroutine to start, got none")
	}
	select {
	case <-starts:
		t.Fatal("expected exactly one session goroutine to start, got a second")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTableRemoveCancelsSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	table := NewTable(ctx)

	key := NewSessionKey(netaddr.IP(net.IPv4(10, 0, 0, 2), 4321), netaddr.IP(net.IPv4(1, 1, 1, 1), 80))

	done := make(chan struct{})
	start := func(ctx context.Context, s *Session) {
		<-ctx.Done()
		close(done)
	}
	table.GetOrCreate(key, false, start)
	table.Remove(key)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for removed session to be cancelled")
	}
}
