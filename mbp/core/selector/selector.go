// Package selector implements the upstream-selection algorithm of
// spec.md §4.4: run the rule program against a destination fact
// bundle, then order the surviving candidates by staleness.
package selector

import (
	"net"
	"sort"
	"strings"

	"golang.org/x/net/idna"

	"mlkmbp/mbp/core/geoip"
	"mlkmbp/mbp/core/netaddr"
	"mlkmbp/mbp/core/ruleengine"
	"mlkmbp/mbp/core/ruleengine/rulelist"
	"mlkmbp/mbp/core/state"
)

// Destination describes what the selector is routing toward, built
// from the incoming request (spec.md §4.4 step 1).
type Destination struct {
	Addr        netaddr.Address
	CountryCode string // geoip.CountryCode.String(), empty if unknown
	ResolvedIPs []net.IP
}

// Geo is the dependency selector uses to resolve country codes; it
// is satisfied by *geoip.Database and may be nil.
type Geo interface {
	Lookup(ip net.IP) (geoip.CountryCode, bool)
}

// BuildDestination assembles the fact bundle for addr, resolving a
// Name address's IPs via ctx-less resolution already performed by the
// caller (the original data is passed in via resolvedIPs — see
// spec.md §4.4: "for a name destination — {name, port, resolved_ips
// (with countries)}").
func BuildDestination(addr netaddr.Address, resolvedIPs []net.IP, geo Geo) Destination {
	d := Destination{Addr: addr, ResolvedIPs: resolvedIPs}
	if geo == nil {
		return d
	}
	if addr.IsIP() {
		if cc, ok := geo.Lookup(addr.SocketAddr()); ok {
			d.CountryCode = cc.String()
		}
		return d
	}
	for _, ip := range resolvedIPs {
		if cc, ok := geo.Lookup(ip); ok {
			d.CountryCode = cc.String()
			break
		}
	}
	return d
}

// facts adapts a Destination into ruleengine.Facts.
type facts struct {
	d     Destination
	lists map[string]*rulelist.List
}

func (f facts) Fact(key string) (string, bool) {
	if name, ok := strings.CutPrefix(key, "rulelist:"); ok {
		return f.matchesRuleList(name), true
	}
	switch key {
	case "domain":
		if f.d.Addr.IsIP() {
			return "", false
		}
		return normalizeDomain(f.d.Addr.Host()), true
	case "port":
		return portString(f.d.Addr.Port()), true
	case "geoip":
		if f.d.CountryCode == "" {
			return "", false
		}
		return f.d.CountryCode, true
	default:
		return "", false
	}
}

// matchesRuleList evaluates the named configured rule list against the
// destination's domain (or nothing, for an IP destination — no filter
// list can match without a hostname), returning "true"/"false" for the
// rule DSL's "rulelist:<name> == \"true\"" condition.
func (f facts) matchesRuleList(name string) string {
	list := f.lists[name]
	if list == nil || f.d.Addr.IsIP() {
		return "false"
	}
	if list.Matches(normalizeDomain(f.d.Addr.Host())) {
		return "true"
	}
	return "false"
}

// normalizeDomain lowercases and Punycode-folds host so rule
// conditions match a domain regardless of how the client spelled it
// (unicode vs. ASCII, mixed case).
func normalizeDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return host
}

func portString(p uint16) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}

// Decision is the outcome of Select: either a candidate list to try
// in order, or an explicit reject.
type Decision struct {
	Candidates []*state.Upstream
	Reject     bool
}

// Select runs cfg.Rules against dest and returns the ordered
// candidate list per spec.md §4.4 steps 2-4.
func Select(cfg *state.Configuration, stats *state.Stats, dest Destination, now uint64) Decision {
	var candidates []*state.Upstream

	result := ruleengine.Eval(cfg.Rules, facts{d: dest, lists: cfg.RuleLists})
	switch {
	case !result.Matched():
		// No rule fired (fell off the end of every table, or hit the
		// depth limit): spec.md §4.4 step 3 default — try every
		// enabled upstream.
		candidates = cfg.EnabledUpstreams()
	case result.Kind == ruleengine.ActionReject:
		return Decision{Reject: true}
	case result.Kind == ruleengine.ActionProxy:
		if u := cfg.Upstreams[result.Arg]; u != nil && u.Enabled {
			candidates = []*state.Upstream{u}
		}
	case result.Kind == ruleengine.ActionProxyGroup:
		for _, u := range cfg.EnabledUpstreams() {
			if u.InGroup(result.Arg) {
				candidates = append(candidates, u)
			}
		}
	}

	order(candidates, stats, now)
	return Decision{Candidates: candidates}
}

// order sorts candidates by staleness score ascending (spec.md §4.4
// step 4: "score = u16::MAX − priority + (now − last_use_unix_s
// clipped to u16); smaller score first. On ties, insertion order"),
// using a stable sort so ties retain the slice's incoming order.
func order(candidates []*state.Upstream, stats *state.Stats, now uint64) {
	scores := make([]uint32, len(candidates))
	for i, u := range candidates {
		scores[i] = score(u, stats, now)
	}
	sort.SliceStable(candidates, func(i, j int) bool { return scores[i] < scores[j] })
}

func score(u *state.Upstream, stats *state.Stats, now uint64) uint32 {
	const maxU16 = 1<<16 - 1
	priority := clipU16(uint64(u.Priority))

	var lastUse uint64
	if st := stats.For(u.Name); st != nil {
		lastUse = st.LastUseUnixS.Load()
	}
	var age uint64
	if now > lastUse {
		age = now - lastUse
	}

	return uint32(maxU16-priority) + uint32(clipU16(age))
}

func clipU16(v uint64) uint16 {
	const maxU16 = 1<<16 - 1
	if v > maxU16 {
		return maxU16
	}
	return uint16(v)
}
