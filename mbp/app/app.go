// Package app wires the compiled configuration into running listeners:
// the client-facing SOCKS5/HTTP/transparent-redirect front door of
// spec.md §6, the shared UDP relay of §4.7 topology A, and — when
// configured — the upstream-side tcpman listener of §4.8 and the
// Linux TPROXY listeners of §4.7 topology B. Grounded on the teacher's
// App type (config load, component startup, graceful Stop), stripped
// of the DB-backed per-rule hot-reload machinery the control plane
// that owned it no longer exists in this scope.
package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"time"

	"mlkmbp/mbp/common/config"
	"mlkmbp/mbp/common/logx"
	"mlkmbp/mbp/common/ttls"
	"mlkmbp/mbp/core/clientsession"
	"mlkmbp/mbp/core/geoip"
	"mlkmbp/mbp/core/handshake"
	"mlkmbp/mbp/core/nat"
	"mlkmbp/mbp/core/netaddr"
	"mlkmbp/mbp/core/relay"
	"mlkmbp/mbp/core/selector"
	"mlkmbp/mbp/core/serversession"
	"mlkmbp/mbp/core/state"
	"mlkmbp/mbp/core/statssink"
	"mlkmbp/mbp/core/transport"
	"mlkmbp/mbp/core/transport/tcpman"
	"mlkmbp/mbp/core/udprelay"
)

// transparentDialTimeout bounds each upstream attempt made on behalf
// of a transparently redirected connection, mirroring clientsession's
// connectTimeout (spec.md §5).
const transparentDialTimeout = 3 * time.Second

// App owns every long-lived listener this process runs and the
// shared Store every connection reads its routing decision from.
type App struct {
	Cfg     *config.Config
	CfgPath string

	Store *state.Store
	Geo   *geoip.Database

	udpRelayBound *netaddr.Address

	listeners []net.Listener
	udpSocks  []*net.UDPConn

	Ctx    context.Context
	Cancel context.CancelFunc

	Log *logx.Logger
}

var log = logx.New(logx.WithPrefix("app"))

// New loads configuration and compiles the first Configuration/Stats
// snapshot. It does not yet bind any socket — call Start for that.
func New(cfgPath string) (*App, error) {
	cfg, cfgP, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	a := &App{Cfg: cfg, CfgPath: cfgP, Log: log}
	logx.SetLevelString(cfg.Logging.Level)
	a.Log.Infof("config loaded from %s", cfgP)

	if cfg.GeoIPPath != "" {
		f, err := os.Open(cfg.GeoIPPath)
		if err != nil {
			return nil, fmt.Errorf("open geoip table: %w", err)
		}
		geo, err := geoip.Load(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("load geoip table: %w", err)
		}
		a.Geo = geo
		a.Log.Infof("geoip table loaded from %s", cfg.GeoIPPath)
	}

	snap, err := compileSnapshot(cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("compile configuration: %w", err)
	}
	a.Store = state.NewStore(snap)
	a.Log.Infof("compiled %d upstream(s)", len(snap.Config.Order))

	return a, nil
}

func nowUnix() uint64 { return uint64(time.Now().Unix()) }

// Start binds every listener the current configuration calls for and
// returns once they are all accepting (or an error prevents one from
// starting); the listeners themselves keep running in background
// goroutines until Stop cancels a.Ctx.
func (a *App) Start() error {
	a.Ctx, a.Cancel = context.WithCancel(context.Background())

	if err := a.startClientListener(a.Cfg.Socks5Listen); err != nil {
		return fmt.Errorf("socks5 listener: %w", err)
	}
	a.Log.Infof("socks5/http listener up on %s", a.Cfg.Socks5Listen)

	if a.Cfg.HTTPListen != "" {
		if err := a.startClientListener(a.Cfg.HTTPListen); err != nil {
			return fmt.Errorf("http listener: %w", err)
		}
		a.Log.Infof("http listener up on %s", a.Cfg.HTTPListen)
	}

	if err := a.startUDPRelay(); err != nil {
		return fmt.Errorf("udp relay: %w", err)
	}

	if a.Cfg.TunnelServer.Enabled {
		if err := a.startTunnelServer(); err != nil {
			return fmt.Errorf("tunnel server: %w", err)
		}
		a.Log.Infof("tcpman tunnel server up on %s", a.Cfg.TunnelServer.Listen)
	}

	if a.Cfg.Transparent.Enabled {
		if err := a.startTransparent(); err != nil {
			return fmt.Errorf("transparent redirect: %w", err)
		}
	}

	go a.runProcessStatsTicker(a.Ctx)
	go statssink.Run(a.Ctx, a.Store, statssink.Config{
		URL:      a.Cfg.StatsSink.URL,
		Token:    a.Cfg.StatsSink.Token,
		Org:      a.Cfg.StatsSink.Org,
		Bucket:   a.Cfg.StatsSink.Bucket,
		Interval: a.Cfg.StatsSink.Interval,
	})

	return nil
}

// sessionDeps builds the per-connection dependency bundle every
// clientsession.Handle call shares (spec.md §3's shared Store/Stats).
func (a *App) sessionDeps() clientsession.Deps {
	return clientsession.Deps{
		Store:         a.Store,
		Geo:           a.Geo,
		Now:           nowUnix,
		UDPRelayBound: a.udpRelayBound,
	}
}

// startClientListener accepts SOCKS5/HTTP CONNECT/HTTP-forward
// connections on addr (spec.md §4.3/§6) and hands each off to
// clientsession.Handle.
func (a *App) startClientListener(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.listeners = append(a.listeners, ln)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if a.Ctx.Err() != nil {
					return
				}
				a.Log.Warnf("accept on %s: %v", addr, err)
				continue
			}
			go func() {
				if err := clientsession.Handle(a.Ctx, conn, a.sessionDeps()); err != nil {
					a.Log.Debugf("client session: %v", err)
				}
			}()
		}
	}()
	return nil
}

// startTunnelServer runs the upstream-side tcpman listener of spec.md
// §4.8: this process answers tunnel connections from other tcpman
// clients, the mirror image of ProtocolTcpman upstream dialing.
func (a *App) startTunnelServer() error {
	ln, err := net.Listen("tcp", a.Cfg.TunnelServer.Listen)
	if err != nil {
		return err
	}
	if a.Cfg.TunnelServer.TLS {
		tlsCfg, err := ttls.LoadTLSConfig(a.Cfg.TLSConfig.Cert, a.Cfg.TLSConfig.Key, a.Cfg.TLSConfig.SniGuard)
		if err != nil {
			ln.Close()
			return fmt.Errorf("load tunnel server tls config: %w", err)
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	a.listeners = append(a.listeners, ln)

	password := a.Cfg.TunnelServer.Password
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if a.Ctx.Err() != nil {
					return
				}
				a.Log.Warnf("accept on tunnel server: %v", err)
				continue
			}
			go func() {
				if err := serversession.Handle(a.Ctx, conn, password); err != nil {
					a.Log.Debugf("server session: %v", err)
				}
			}()
		}
	}()
	return nil
}

// startUDPRelay binds the shared SOCKS5 UDP ASSOCIATE relay socket
// (spec.md §4.7 topology A) and records its bound address so every
// clientsession can answer ASSOCIATE with it.
func (a *App) startUDPRelay() error {
	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: a.Store.Load().Config.UDPListenIP})
	if err != nil {
		return err
	}
	a.udpSocks = append(a.udpSocks, sock)

	local := sock.LocalAddr().(*net.UDPAddr)
	bound := netaddr.IP(local.IP, uint16(local.Port))
	a.udpRelayBound = &bound

	upstream, err := a.selectUDPUpstream(netaddr.Address{}, nowUnix())
	var tunnel udprelay.Tunnel
	if err != nil {
		a.Log.Infof("udp relay: no routable upstream for the shared relay, forwarding direct: %v", err)
		tunnel, err = udprelay.NewDirectTunnel()
		if err != nil {
			return err
		}
	} else {
		tunnel, err = a.dialUDPTunnel(a.Ctx, upstream, netaddr.Address{})
		if err != nil {
			return fmt.Errorf("dial udp relay upstream %s: %w", upstream.Name, err)
		}
	}

	go func() {
		if err := udprelay.ServeSocks5UDP(a.Ctx, sock, tunnel); err != nil && a.Ctx.Err() == nil {
			a.Log.Warnf("udp relay stopped: %v", err)
		}
	}()
	a.Log.Infof("udp relay bound on %s", sock.LocalAddr())
	return nil
}

// startTransparent binds the Linux TPROXY/SO_ORIGINAL_DST listeners of
// spec.md §4.7.B/§6. On non-Linux platforms the nat package's calls
// return nat.ErrUnsupported, which is surfaced here as a startup error
// rather than silently skipping a configured feature.
func (a *App) startTransparent() error {
	lc := nat.ListenTransparentTCP(int(a.Cfg.Fwmark))
	ln, err := lc.Listen(a.Ctx, "tcp", a.Cfg.Transparent.TCPListen)
	if err != nil {
		return fmt.Errorf("listen transparent tcp: %w", err)
	}
	a.listeners = append(a.listeners, ln)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if a.Ctx.Err() != nil {
					return
				}
				a.Log.Warnf("accept on transparent tcp: %v", err)
				continue
			}
			tconn, ok := conn.(*net.TCPConn)
			if !ok {
				conn.Close()
				continue
			}
			go a.handleTransparentTCP(a.Ctx, tconn)
		}
	}()

	udpAddr, err := net.ResolveUDPAddr("udp", a.Cfg.Transparent.UDPListen)
	if err != nil {
		return fmt.Errorf("resolve transparent udp listen %q: %w", a.Cfg.Transparent.UDPListen, err)
	}
	sock, err := nat.BindTransparentUDP(udpAddr)
	if err != nil {
		return fmt.Errorf("bind transparent udp: %w", err)
	}
	a.udpSocks = append(a.udpSocks, sock)

	go func() {
		if err := udprelay.ServeTransparentUDP(a.Ctx, sock, a.newTunnelForDst); err != nil && a.Ctx.Err() == nil {
			a.Log.Warnf("transparent udp relay stopped: %v", err)
		}
	}()

	a.Log.Infof("transparent redirect up: tcp=%s udp=%s", a.Cfg.Transparent.TCPListen, a.Cfg.Transparent.UDPListen)
	return nil
}

// handleTransparentTCP recovers a transparently redirected
// connection's pre-redirect destination and relays it through the
// normal upstream-selection path, skipping the handshake multiplexer
// entirely since there is no client protocol to speak here.
func (a *App) handleTransparentTCP(ctx context.Context, conn *net.TCPConn) {
	defer conn.Close()

	origDst, err := nat.OriginalDestination(conn)
	if err != nil {
		a.Log.Warnf("transparent tcp: original destination: %v", err)
		return
	}
	dst := netaddr.IP(origDst.IP, uint16(origDst.Port))

	snap := a.Store.Load()
	dest := selector.BuildDestination(dst, nil, a.Geo)
	decision := selector.Select(snap.Config, snap.Stats, dest, nowUnix())
	if decision.Reject || len(decision.Candidates) == 0 {
		return
	}

	for _, u := range decision.Candidates {
		dialCtx, cancel := context.WithTimeout(ctx, transparentDialTimeout)
		upstream, err := transport.Dial(dialCtx, u.Protocol, dst, nil)
		cancel()
		if err != nil {
			continue
		}
		shared := snap.Config.SharedLimitersFor(u)
		relay.CopyLimited(ctx, conn, upstream, u.RateLimitBps, shared...)
		upstream.Close()
		return
	}
}

// selectUDPUpstream runs the same rule program a TCP connection would
// (spec.md §4.4) against dest, used both to pick the shared relay's
// single upstream at startup and per-session for transparent UDP.
func (a *App) selectUDPUpstream(dest netaddr.Address, now uint64) (*state.Upstream, error) {
	snap := a.Store.Load()
	d := selector.BuildDestination(dest, nil, a.Geo)
	decision := selector.Select(snap.Config, snap.Stats, d, now)
	if decision.Reject || len(decision.Candidates) == 0 {
		return nil, fmt.Errorf("no route")
	}
	return decision.Candidates[0], nil
}

// dialUDPTunnel opens the Tunnel backing one UDP relay flow for the
// selected upstream: a tcpman UDP-kind tunnel when the upstream speaks
// tcpman, or a direct UDP socket otherwise (http and socks5 upstreams
// get a direct UDP socket too).
func (a *App) dialUDPTunnel(ctx context.Context, u *state.Upstream, initialDst netaddr.Address) (udprelay.Tunnel, error) {
	if u.Protocol.Kind != state.ProtocolTcpman {
		return udprelay.NewDirectTunnel()
	}
	dialSpec := tcpman.DialSpec{
		Addr:     u.Protocol.Addr,
		TLS:      u.Protocol.TLS,
		Password: u.Protocol.TunnelPassword,
		Kind:     handshake.KindUDP,
		Dst:      initialDst,
	}
	if u.Protocol.TLS {
		host, _, err := net.SplitHostPort(u.Protocol.Addr)
		if err != nil {
			host = u.Protocol.Addr
		}
		dialSpec.TLSConfig = ttls.ClientTLSConfig(host, false)
	}
	conn, err := tcpman.Dial(ctx, dialSpec)
	if err != nil {
		return nil, err
	}
	return udprelay.NewStreamTunnel(conn), nil
}

// newTunnelForDst adapts dialUDPTunnel into udprelay.NewTunnel for
// topology B (spec.md §4.7.B), selecting an upstream per session since
// transparent redirect carries no prior association to reuse one
// from.
func (a *App) newTunnelForDst(ctx context.Context, dst netaddr.Address) (udprelay.Tunnel, error) {
	u, err := a.selectUDPUpstream(dst, nowUnix())
	if err != nil {
		return nil, err
	}
	return a.dialUDPTunnel(ctx, u, dst)
}

// Stop cancels every listener and socket this App started.
func (a *App) Stop() error {
	if a.Cancel != nil {
		a.Cancel()
	}
	for _, ln := range a.listeners {
		ln.Close()
	}
	for _, sock := range a.udpSocks {
		sock.Close()
	}
	a.Log.Infof("app stopped")
	return nil
}
