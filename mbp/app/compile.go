package app

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"golang.org/x/time/rate"

	"mlkmbp/mbp/common/config"
	"mlkmbp/mbp/core/ruleengine"
	"mlkmbp/mbp/core/ruleengine/rulelist"
	"mlkmbp/mbp/core/state"
)

// compileSnapshot turns the on-disk config document into a
// state.Configuration/state.Stats pair (spec.md §3). prevStats is
// carried forward so a reconfiguration that keeps an upstream name
// doesn't reset its counters (state.NewStats's contract).
func compileSnapshot(cfg *config.Config, prevStats *state.Stats) (*state.Snapshot, error) {
	socks5Addr, err := net.ResolveTCPAddr("tcp", cfg.Socks5Listen)
	if err != nil {
		return nil, fmt.Errorf("resolve socks5_listen %q: %w", cfg.Socks5Listen, err)
	}
	udpIP := net.ParseIP(cfg.UDPListenIP)
	if udpIP == nil {
		return nil, fmt.Errorf("invalid udp_listen_ip %q", cfg.UDPListenIP)
	}

	order := orderedUpstreamNames(cfg.Upstreams)
	upstreams := make(map[string]*state.Upstream, len(order))
	for _, name := range order {
		y := cfg.Upstreams[name]
		spec, err := compileProtocolSpec(y)
		if err != nil {
			return nil, fmt.Errorf("upstream %q: %w", name, err)
		}
		groups := make(map[string]struct{}, len(y.Groups))
		for _, g := range y.Groups {
			groups[g] = struct{}{}
		}
		upstreams[name] = &state.Upstream{
			Name:         name,
			Protocol:     spec,
			Enabled:      y.Enabled,
			Groups:       groups,
			Priority:     y.Priority,
			RateLimitBps: y.RateLimitBps,
		}
	}

	rules, err := compileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	lists := compileRuleLists(cfg.RuleLists)
	groupLimiters := compileGroupLimiters(cfg.GroupRateLimitBps)

	configuration := &state.Configuration{
		Socks5Listen:  socks5Addr,
		UDPListenIP:   udpIP,
		Fwmark:        cfg.Fwmark,
		Upstreams:     upstreams,
		Order:         order,
		Rules:         rules,
		RuleLists:     lists,
		GroupLimiters: groupLimiters,
	}
	return &state.Snapshot{Config: configuration, Stats: state.NewStats(order, prevStats)}, nil
}

// orderedUpstreamNames sorts upstream names by descending priority,
// name ascending to break ties, since a YAML map has no ordering of
// its own to preserve and selector.order's staleness sort already
// handles true tie-breaking at request time — this only needs to be
// deterministic across reloads.
func orderedUpstreamNames(upstreams map[string]config.UpstreamYAML) []string {
	names := make([]string, 0, len(upstreams))
	for name := range upstreams {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := upstreams[names[i]], upstreams[names[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return names[i] < names[j]
	})
	return names
}

func compileProtocolSpec(y config.UpstreamYAML) (state.ProtocolSpec, error) {
	switch strings.ToLower(strings.TrimSpace(y.Protocol)) {
	case "", "direct":
		return state.ProtocolSpec{Kind: state.ProtocolDirect}, nil
	case "http":
		return state.ProtocolSpec{
			Kind: state.ProtocolHTTP, Addr: y.Addr, TLS: y.TLS,
			Username: y.Username, Password: y.AuthPass,
		}, nil
	case "socks5":
		return state.ProtocolSpec{
			Kind: state.ProtocolSocks5, Addr: y.Addr,
			Username: y.Username, Password: y.AuthPass, SupportsUDP: y.SupportsUDP,
		}, nil
	case "tcpman":
		return state.ProtocolSpec{
			Kind: state.ProtocolTcpman, Addr: y.Addr, TLS: y.TLS, TunnelPassword: y.Password,
		}, nil
	default:
		return state.ProtocolSpec{}, fmt.Errorf("unknown protocol %q", y.Protocol)
	}
}

// compileRules parses every configured rule table and merges them into
// one Program keyed by table name; a later table redefining an earlier
// table's name replaces it (config.Config.Rules is itself ordered, so
// "later wins" is the same rule YAML's declaration order applies).
func compileRules(tables []config.RuleTableYAML) (*ruleengine.Program, error) {
	prog := &ruleengine.Program{Tables: map[string]*ruleengine.Table{}}
	for _, rt := range tables {
		parsed, err := ruleengine.Parse(rt.Body)
		if err != nil {
			return nil, fmt.Errorf("rule table %q: %w", rt.Name, err)
		}
		for name, t := range parsed.Tables {
			prog.Tables[name] = t
		}
	}
	return prog, nil
}

// compileRuleLists compiles every configured adblock-plus-style rule
// list, keyed by name, for the rule DSL's "rulelist:<name>" condition.
func compileRuleLists(tables []config.RuleListYAML) map[string]*rulelist.List {
	lists := make(map[string]*rulelist.List, len(tables))
	for _, rl := range tables {
		lists[rl.Name] = rulelist.Parse(rl.Body)
	}
	return lists
}

// compileGroupLimiters builds one shared rate.Limiter per named group
// in bps, with a one-second burst — a group that has been idle can
// spend up to one second of its budget in a single instant, then
// settles back to its steady bps. Entries with bps<=0 are skipped
// (unshaped, same convention as UpstreamYAML.RateLimitBps).
func compileGroupLimiters(bps map[string]int64) map[string]*rate.Limiter {
	if len(bps) == 0 {
		return nil
	}
	limiters := make(map[string]*rate.Limiter, len(bps))
	for name, n := range bps {
		if n <= 0 {
			continue
		}
		limiters[name] = rate.NewLimiter(rate.Limit(n), int(n))
	}
	return limiters
}
