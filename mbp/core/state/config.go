// Package state holds the process-wide Configuration and Stats
// snapshots shared across every connection (spec.md §3: "Configuration
// and Stats are shared (many-reader references) and swapped
// atomically on reconfiguration"). Grounded on the teacher's pattern
// of rebuilding immutable config objects rather than mutating shared
// state in place.
package state

import (
	"net"

	"golang.org/x/time/rate"

	"mlkmbp/mbp/core/ruleengine"
	"mlkmbp/mbp/core/ruleengine/rulelist"
)

// ProtocolKind tags which arm of ProtocolSpec is populated.
type ProtocolKind int

const (
	ProtocolDirect ProtocolKind = iota
	ProtocolHTTP
	ProtocolSocks5
	ProtocolTcpman
)

// ProtocolSpec is the tagged union of upstream transports (spec.md
// §3). Only the fields relevant to Kind are populated.
type ProtocolSpec struct {
	Kind ProtocolKind

	Addr string // http, socks5, tcpman
	TLS  bool   // http, tcpman

	// http/socks5 auth
	Username string
	Password string

	SupportsUDP bool // socks5

	// tcpman
	TunnelPassword string
}

// Upstream is one configured next-hop (spec.md §3).
type Upstream struct {
	Name     string
	Protocol ProtocolSpec
	Enabled  bool
	Groups   map[string]struct{}
	Priority int

	// RateLimitBps caps the upstream->client direction of every
	// connection routed through this upstream; <=0 means unshaped.
	RateLimitBps int64
}

// InGroup reports whether u belongs to the named group.
func (u *Upstream) InGroup(name string) bool {
	_, ok := u.Groups[name]
	return ok
}

// Configuration is the full process-wide, atomically-replaceable
// runtime document (spec.md §3).
type Configuration struct {
	Socks5Listen *net.TCPAddr
	UDPListenIP  net.IP
	Fwmark       uint32

	Upstreams map[string]*Upstream
	// Order preserves the configuration file's upstream ordering so
	// that the selector's stable tie-break (spec.md §4.4: "on ties,
	// insertion order") doesn't depend on Go's randomized map
	// iteration.
	Order []string
	Rules *ruleengine.Program

	// RuleLists backs the rule DSL's "rulelist:<name>" condition key,
	// keyed by the name that appears after the colon.
	RuleLists map[string]*rulelist.List

	// GroupLimiters shares one rate.Limiter across every connection
	// whose upstream belongs to the named group (config.Config's
	// GroupRateLimitBps), so the group's aggregate throughput is
	// capped regardless of how many connections currently use it.
	GroupLimiters map[string]*rate.Limiter
}

// SharedLimitersFor returns the shared limiters of every group u
// belongs to that has one configured, for relay.CopyLimited to wait
// on alongside u's own per-connection RateLimitBps.
func (c *Configuration) SharedLimitersFor(u *Upstream) []*rate.Limiter {
	if len(c.GroupLimiters) == 0 || u == nil {
		return nil
	}
	var out []*rate.Limiter
	for g := range u.Groups {
		if lim := c.GroupLimiters[g]; lim != nil {
			out = append(out, lim)
		}
	}
	return out
}

// EnabledUpstreams returns every enabled upstream in configuration
// (insertion) order.
func (c *Configuration) EnabledUpstreams() []*Upstream {
	out := make([]*Upstream, 0, len(c.Order))
	for _, name := range c.Order {
		if u := c.Upstreams[name]; u != nil && u.Enabled {
			out = append(out, u)
		}
	}
	return out
}
