// Package clientsession drives one accepted client connection through
// the full pipeline of spec.md §4.8's client-side mirror: handshake,
// select an upstream, dial it (failing over to the next candidate
// before any bytes are copied), then relay.
package clientsession

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"mlkmbp/mbp/core/handshake"
	"mlkmbp/mbp/core/netaddr"
	"mlkmbp/mbp/core/relay"
	"mlkmbp/mbp/core/selector"
	"mlkmbp/mbp/core/state"
	"mlkmbp/mbp/core/transport"
)

// connectTimeout bounds each upstream dial attempt (spec.md §5:
// "Tunnel connect: 3s for direct TCP connect (failover between
// upstream candidates)").
const connectTimeout = 3 * time.Second

// Geo resolves country codes for selector.BuildDestination; satisfied
// by *geoip.Database, nil-safe.
type Geo = selector.Geo

// Deps bundles what a session needs pulled from the current
// configuration snapshot.
type Deps struct {
	Store *state.Store
	Geo   Geo
	Now   func() uint64

	// UDPRelayBound is the address the SOCKS5 UDP relay listener is
	// bound to; returned verbatim in a UDP ASSOCIATE reply (spec.md
	// §6: "UDP ASSOCIATE replies with the UDP relay bound_address").
	UDPRelayBound *netaddr.Address
}

// Handle serves one accepted client connection end to end. It never
// returns an error the caller must act on beyond logging: every
// failure path already closes conn.
func Handle(ctx context.Context, conn net.Conn, deps Deps) error {
	defer conn.Close()

	h, req, bc, err := handshake.Accept(conn)
	if err != nil {
		return fmt.Errorf("clientsession: handshake: %w", err)
	}
	if req.Kind == handshake.KindUDP {
		// UDP ASSOCIATE is handled by the udprelay package against its
		// own listener; this session only grants the association here.
		return handleUDPAssociate(h, deps.UDPRelayBound)
	}
	// Use bc, not conn, from here on: handshake.Accept's bufio.Reader
	// may already hold client bytes sent right after the handshake.
	return handleTCP(ctx, bc, h, req, deps)
}

func handleTCP(ctx context.Context, conn net.Conn, h handshake.Handshaker, req handshake.ProxyRequest, deps Deps) error {
	connID := uuid.NewString()
	snap := deps.Store.Load()

	var resolvedIPs []net.IP
	if !req.Dst.IsIP() {
		if ips, err := req.Dst.Resolve(ctx); err == nil {
			resolvedIPs = ips
		}
	}
	dest := selector.BuildDestination(req.Dst, resolvedIPs, deps.Geo)

	now := deps.Now()
	decision := selector.Select(snap.Config, snap.Stats, dest, now)
	if decision.Reject || len(decision.Candidates) == 0 {
		_ = h.RespondErr(fmt.Errorf("clientsession: no route for %s", req.Dst.String()))
		return fmt.Errorf("clientsession: conn=%s rejected or no candidates for %s", connID, req.Dst.String())
	}

	dialStart := time.Now()
	upstreamConn, bound, upstream, err := dialFirstSuccess(ctx, decision.Candidates, snap.Stats, req, now)
	if err != nil {
		_ = h.RespondErr(err)
		return fmt.Errorf("clientsession: conn=%s all candidates failed: %w", connID, err)
	}
	defer upstreamConn.Close()

	if st := snap.Stats.For(upstream.Name); st != nil {
		st.RecordLatency(uint32(time.Since(dialStart).Milliseconds()))
	}

	if err := h.RespondOK(bound); err != nil {
		return fmt.Errorf("clientsession: respond ok: %w", err)
	}

	shared := snap.Config.SharedLimitersFor(upstream)
	stats := relay.CopyLimited(ctx, conn, upstreamConn, upstream.RateLimitBps, shared...)
	if st := snap.Stats.For(upstream.Name); st != nil {
		// tx = client->upstream (LeftToRight), rx = upstream->client.
		st.AddBytes(uint64(stats.LeftToRight), uint64(stats.RightToLeft))
	}
	return nil
}

// dialFirstSuccess tries candidates in order, committing to the first
// one that dials successfully (spec.md §4.4 step 5: "any failure
// before bytes are copied permits the next candidate").
func dialFirstSuccess(ctx context.Context, candidates []*state.Upstream, stats *state.Stats, req handshake.ProxyRequest, now uint64) (net.Conn, *netaddr.Address, *state.Upstream, error) {
	var lastErr error
	for _, u := range candidates {
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		conn, err := transport.Dial(dialCtx, u.Protocol, req.Dst, req.InitialData)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if st := stats.For(u.Name); st != nil {
			st.RecordUse(now)
		}
		var bound *netaddr.Address
		if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
			b := netaddr.IP(tcp.IP, uint16(tcp.Port))
			bound = &b
		}
		return conn, bound, u, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("clientsession: no candidates")
	}
	return nil, nil, nil, lastErr
}

func handleUDPAssociate(h handshake.Handshaker, bound *netaddr.Address) error {
	// The UDP relay listener (mbp/core/udprelay) owns the actual data
	// plane; this only needs to acknowledge the SOCKS5 association so
	// the client starts sending datagrams to the relay's bound port.
	return h.RespondOK(bound)
}
