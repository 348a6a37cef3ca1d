package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"mlkmbp/mbp/common/logx"
)

// Logging controls the process-wide log level.
type Logging struct {
	Level string `yaml:"level"`
}

// TLSConfig is the listener-side TLS material, reused for both the
// client's local listeners (rare) and the server's tunnel endpoint.
type TLSConfig struct {
	Cert     string `yaml:"cert"`
	Key      string `yaml:"key"`
	SniGuard string `yaml:"sniGuard"`
}

// UpstreamYAML is the on-disk shape of state.Upstream; it is compiled
// into state.Upstream by the caller once addresses are validated.
type UpstreamYAML struct {
	Protocol    string   `yaml:"protocol"` // direct | http | socks5 | tcpman
	Addr        string   `yaml:"addr"`
	TLS         bool     `yaml:"tls"`
	Password    string   `yaml:"password"`  // tcpman
	Username    string   `yaml:"username"`  // http/socks5 auth
	AuthPass    string   `yaml:"auth_pass"` // http/socks5 auth
	SupportsUDP bool     `yaml:"supports_udp"`
	Enabled     bool     `yaml:"enabled"`
	Groups      []string `yaml:"groups"`
	Priority    int      `yaml:"priority"`

	// RateLimitBps shapes this upstream's download direction via
	// golang.org/x/time/rate (0/absent = unshaped).
	RateLimitBps int64 `yaml:"rate_limit_bps"`
}

// RuleTableYAML holds the raw DSL text for one rule table; the rule
// engine parses it lazily at load time.
type RuleTableYAML struct {
	Name string `yaml:"name"`
	Body string `yaml:"body"`
}

// RuleListYAML holds the raw adblock-plus-style filter text for one
// named rule list, matched via the rule DSL's `rulelist:<name>`
// condition key (mbp/core/ruleengine/rulelist).
type RuleListYAML struct {
	Name string `yaml:"name"`
	Body string `yaml:"body"`
}

// Config is the top-level document loaded from YAML/JSON by the
// control plane (out of scope here; see spec.md §1) and handed to the
// runtime as the seed for a Configuration/Stats snapshot pair.
type Config struct {
	Socks5Listen string `yaml:"socks5_listen"`
	HTTPListen   string `yaml:"http_listen"`
	UDPListenIP  string `yaml:"udp_listen_ip"`

	Fwmark uint32 `yaml:"fwmark"`

	Upstreams map[string]UpstreamYAML `yaml:"upstreams"`
	Rules     []RuleTableYAML         `yaml:"rules"`
	RuleLists []RuleListYAML          `yaml:"rule_lists"`

	// GroupRateLimitBps caps the combined upstream->client throughput
	// of every connection whose upstream belongs to the named group
	// (spec.md §3's upstream Groups), shared via a single
	// golang.org/x/time/rate.Limiter rather than each connection's own
	// budget — e.g. "residential": 2_000_000 caps every connection
	// routed through any upstream in the "residential" group to a
	// combined 2MB/s, regardless of how many such connections are open.
	GroupRateLimitBps map[string]int64 `yaml:"group_rate_limit_bps"`

	TLSConfig TLSConfig `yaml:"tls"`
	Logging   Logging   `yaml:"logging"`

	// Timestamp-skew and UDP-idle knobs: Load reads them from YAML and
	// defaults them to 360s and 60s, but no other package reads them.
	// The tunnel server checks handshake timestamps against the
	// tcpman.MaxClockSkew constant, and the UDP session table reaps
	// idle sessions after udprelay's own 60s idleTimeout constant.
	TimestampSkew  time.Duration `yaml:"timestamp_skew"`
	UDPIdleTimeout time.Duration `yaml:"udp_idle_timeout"`

	// Transparent-redirect support (Linux only).
	Transparent TransparentConfig `yaml:"transparent"`

	// TunnelServer runs this process as an upstream tcpman endpoint
	// alongside its client-facing listeners (spec.md §4.8).
	TunnelServer TunnelServerConfig `yaml:"tunnel_server"`

	// GeoIPPath points at a range-table CSV loaded by mbp/core/geoip;
	// empty disables the "geoip" rule condition.
	GeoIPPath string `yaml:"geoip_path"`

	// StatsSink optionally flushes per-upstream counters to InfluxDB.
	StatsSink StatsSinkConfig `yaml:"stats_sink"`
}

// StatsSinkConfig configures the optional InfluxDB stats sink; an
// empty URL disables it.
type StatsSinkConfig struct {
	URL      string        `yaml:"url"`
	Token    string        `yaml:"token"`
	Org      string        `yaml:"org"`
	Bucket   string        `yaml:"bucket"`
	Interval time.Duration `yaml:"interval"`
}

// TransparentConfig configures the optional Linux TPROXY/SO_ORIGINAL_DST
// redirect path described in spec.md §4.7.B and §6.
type TransparentConfig struct {
	Enabled   bool   `yaml:"enabled"`
	TCPListen string `yaml:"tcp_listen"`
	UDPListen string `yaml:"udp_listen"`
	MarkChain string `yaml:"mark_chain"`
}

// TunnelServerConfig configures this process's upstream-side tcpman
// listener (spec.md §4.8): the half of "dual-mode" that answers
// tunnel connections from other tcpman clients, as opposed to dialing
// out to one as an upstream.
type TunnelServerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Listen   string `yaml:"listen"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
}

var log = logx.New(logx.WithPrefix("config"))

const defaultConfigPath = "/etc/mbp/config.yaml"

// Load reads a YAML document from p, falling back to the system
// default path when p is missing, and fills in defaults for anything
// left zero. An upstream must set "enabled: true" explicitly; the
// zero value of UpstreamYAML.Enabled is false.
func Load(p string) (*Config, string, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		p = defaultConfigPath
		b, err = os.ReadFile(p)
		if err != nil {
			log.Errorf("open config: no such file or directory (tried requested path and %s)", defaultConfigPath)
			return nil, p, err
		}
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, p, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&c)
	return &c, p, nil
}

func applyDefaults(c *Config) {
	if c.Socks5Listen == "" {
		c.Socks5Listen = "127.0.0.1:1080"
	}
	if c.UDPListenIP == "" {
		c.UDPListenIP = "0.0.0.0"
	}
	if c.TimestampSkew <= 0 {
		c.TimestampSkew = 360 * time.Second
	}
	if c.UDPIdleTimeout <= 0 {
		c.UDPIdleTimeout = 60 * time.Second
	}
	if c.Upstreams == nil {
		c.Upstreams = map[string]UpstreamYAML{}
	}
}
