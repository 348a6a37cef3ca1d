package state

import "sync/atomic"

// UpstreamStats holds the per-upstream atomic counters (spec.md §3:
// "all counters atomic"). Shared by every connection using this
// upstream concurrently; never copied, always referenced.
type UpstreamStats struct {
	TxBytes       atomic.Uint64
	RxBytes       atomic.Uint64
	LastUseUnixS  atomic.Uint64
	LastLatencyMs atomic.Uint32
}

// ProcessStats holds host/process facts refreshed on their own ticker
// (spec.md's ambient stats surface), independent of reconfiguration.
type ProcessStats struct {
	UptimeSeconds atomic.Uint64
	OpenFDs       atomic.Uint64
}

// Stats is the whole-process snapshot of every upstream's counters,
// delivered alongside a Configuration on reconfiguration (spec.md
// §3). Unlike Configuration, the per-upstream structs inside are
// mutated in place by atomics; only the top-level map is swapped.
type Stats struct {
	Upstreams map[string]*UpstreamStats
	Process   *ProcessStats
}

// NewStats returns a Stats with one zeroed UpstreamStats per name in
// names, preserving existing counters for any name already present in
// prev (so a reconfiguration that keeps an upstream doesn't reset its
// history). Process is carried forward verbatim since it isn't keyed
// by upstream name.
func NewStats(names []string, prev *Stats) *Stats {
	s := &Stats{Upstreams: make(map[string]*UpstreamStats, len(names))}
	for _, name := range names {
		if prev != nil {
			if existing, ok := prev.Upstreams[name]; ok {
				s.Upstreams[name] = existing
				continue
			}
		}
		s.Upstreams[name] = &UpstreamStats{}
	}
	if prev != nil && prev.Process != nil {
		s.Process = prev.Process
	} else {
		s.Process = &ProcessStats{}
	}
	return s
}

// For returns the counters for name, or nil if unknown.
func (s *Stats) For(name string) *UpstreamStats {
	if s == nil {
		return nil
	}
	return s.Upstreams[name]
}

// RecordUse stamps last-use time and, if stats is non-nil, does
// nothing further; call RecordLatency separately once the handshake
// completes (spec.md §4.4: "on successful upstream selection record
// last_use_unix_s = now; on completion of the handshake record
// last_latency_ms").
func (u *UpstreamStats) RecordUse(nowUnixS uint64) {
	if u == nil {
		return
	}
	u.LastUseUnixS.Store(nowUnixS)
}

// RecordLatency stamps the handshake latency in milliseconds.
func (u *UpstreamStats) RecordLatency(ms uint32) {
	if u == nil {
		return
	}
	u.LastLatencyMs.Store(ms)
}

// AddBytes adds tx/rx byte counts, either of which may be zero.
func (u *UpstreamStats) AddBytes(tx, rx uint64) {
	if u == nil {
		return
	}
	if tx > 0 {
		u.TxBytes.Add(tx)
	}
	if rx > 0 {
		u.RxBytes.Add(rx)
	}
}
