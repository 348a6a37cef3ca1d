package selector

import (
	"net"
	"testing"

	"mlkmbp/mbp/core/netaddr"
	"mlkmbp/mbp/core/ruleengine"
	"mlkmbp/mbp/core/ruleengine/rulelist"
	"mlkmbp/mbp/core/state"
)

func mustProgram(t *testing.T, src string) *ruleengine.Program {
	t.Helper()
	p, err := ruleengine.Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return p
}

func TestSelectProxyNamesSingleCandidate(t *testing.T) {
	cfg := &state.Configuration{
		Rules: mustProgram(t, `main { port == "443", proxy = "us"; }`),
		Upstreams: map[string]*state.Upstream{
			"us": {Name: "us", Enabled: true},
			"eu": {Name: "eu", Enabled: true},
		},
		Order: []string{"us", "eu"},
	}
	dest := Destination{Addr: netaddr.IP(net.IPv4(1, 2, 3, 4), 443)}
	d := Select(cfg, state.NewStats([]string{"us", "eu"}, nil), dest, 1000)
	if d.Reject || len(d.Candidates) != 1 || d.Candidates[0].Name != "us" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestSelectReject(t *testing.T) {
	cfg := &state.Configuration{
		Rules:     mustProgram(t, `main { port == "25", reject; }`),
		Upstreams: map[string]*state.Upstream{},
	}
	dest := Destination{Addr: netaddr.IP(net.IPv4(1, 2, 3, 4), 25)}
	d := Select(cfg, state.NewStats(nil, nil), dest, 1000)
	if !d.Reject {
		t.Fatalf("expected reject, got %+v", d)
	}
}

func TestSelectNoMatchReturnsAllEnabled(t *testing.T) {
	cfg := &state.Configuration{
		Rules: mustProgram(t, `main { port == "25", reject; }`),
		Upstreams: map[string]*state.Upstream{
			"a": {Name: "a", Enabled: true},
			"b": {Name: "b", Enabled: false},
		},
		Order: []string{"a", "b"},
	}
	dest := Destination{Addr: netaddr.IP(net.IPv4(1, 2, 3, 4), 443)}
	d := Select(cfg, state.NewStats([]string{"a"}, nil), dest, 1000)
	if d.Reject || len(d.Candidates) != 1 || d.Candidates[0].Name != "a" {
		t.Fatalf("expected only enabled upstream a, got %+v", d)
	}
}

func TestSelectProxyGroup(t *testing.T) {
	cfg := &state.Configuration{
		Rules: mustProgram(t, `main { port == "443", proxygroup = "fast"; }`),
		Upstreams: map[string]*state.Upstream{
			"a": {Name: "a", Enabled: true, Groups: map[string]struct{}{"fast": {}}},
			"b": {Name: "b", Enabled: true, Groups: map[string]struct{}{"slow": {}}},
			"c": {Name: "c", Enabled: true, Groups: map[string]struct{}{"fast": {}}},
		},
		Order: []string{"a", "b", "c"},
	}
	dest := Destination{Addr: netaddr.IP(net.IPv4(1, 2, 3, 4), 443)}
	d := Select(cfg, state.NewStats([]string{"a", "b", "c"}, nil), dest, 1000)
	if len(d.Candidates) != 2 {
		t.Fatalf("expected 2 candidates in group 'fast', got %+v", d.Candidates)
	}
}

func TestNormalizeDomainLowercasesTrimsAndFoldsPunycode(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Example.COM", "example.com"},
		{"example.com.", "example.com"},
		{"EXAMPLE.COM.", "example.com"},
		{"xn--e1afmkfd.xn--p1ai", "xn--e1afmkfd.xn--p1ai"},
	}
	for _, c := range cases {
		if got := normalizeDomain(c.in); got != c.want {
			t.Fatalf("normalizeDomain(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSelectMatchesDomainRuleRegardlessOfCase(t *testing.T) {
	cfg := &state.Configuration{
		Rules: mustProgram(t, `main { domain == "example.com", proxy = "us"; }`),
		Upstreams: map[string]*state.Upstream{
			"us": {Name: "us", Enabled: true},
		},
		Order: []string{"us"},
	}
	dest := Destination{Addr: netaddr.Name("Example.COM.", 443)}
	d := Select(cfg, state.NewStats([]string{"us"}, nil), dest, 1000)
	if d.Reject || len(d.Candidates) != 1 || d.Candidates[0].Name != "us" {
		t.Fatalf("expected domain rule to match regardless of case/trailing dot, got %+v", d)
	}
}

func TestSelectMatchesRuleListCondition(t *testing.T) {
	cfg := &state.Configuration{
		Rules: mustProgram(t, `main { rulelist:ads == "true", reject; }`),
		Upstreams: map[string]*state.Upstream{
			"direct": {Name: "direct", Enabled: true},
		},
		Order:     []string{"direct"},
		RuleLists: map[string]*rulelist.List{"ads": rulelist.Parse("||ads.example.com^\n")},
	}
	stats := state.NewStats([]string{"direct"}, nil)

	blocked := Destination{Addr: netaddr.Name("ads.example.com", 443)}
	if d := Select(cfg, stats, blocked, 1000); !d.Reject {
		t.Fatalf("expected rulelist match to reject, got %+v", d)
	}

	clean := Destination{Addr: netaddr.Name("example.com", 443)}
	d := Select(cfg, stats, clean, 1000)
	if d.Reject || len(d.Candidates) != 1 || d.Candidates[0].Name != "direct" {
		t.Fatalf("expected no rulelist match to fall through to the default candidate list, got %+v", d)
	}
}

func TestSelectOrdersByStalenessThenInsertion(t *testing.T) {
	cfg := &state.Configuration{
		Rules: mustProgram(t, `main { port == "443", proxygroup = "g"; }`),
		Upstreams: map[string]*state.Upstream{
			"stale": {Name: "stale", Enabled: true, Groups: map[string]struct{}{"g": {}}, Priority: 1},
			"fresh": {Name: "fresh", Enabled: true, Groups: map[string]struct{}{"g": {}}, Priority: 1},
			"tieA":  {Name: "tieA", Enabled: true, Groups: map[string]struct{}{"g": {}}, Priority: 1},
			"tieB":  {Name: "tieB", Enabled: true, Groups: map[string]struct{}{"g": {}}, Priority: 1},
		},
		Order: []string{"stale", "fresh", "tieA", "tieB"},
	}
	stats := state.NewStats([]string{"stale", "fresh", "tieA", "tieB"}, nil)
	stats.For("stale").RecordUse(100)
	stats.For("fresh").RecordUse(900)
	// tieA and tieB both have last_use 0, so they must stay in
	// insertion order relative to each other, and be more stale than
	// both "stale" and "fresh" above.

	dest := Destination{Addr: netaddr.IP(net.IPv4(1, 2, 3, 4), 443)}
	d := Select(cfg, stats, dest, 1000)
	names := make([]string, len(d.Candidates))
	for i, u := range d.Candidates {
		names[i] = u.Name
	}
	want := []string{"fresh", "stale", "tieA", "tieB"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("unexpected order: got %v want %v", names, want)
		}
	}
}
