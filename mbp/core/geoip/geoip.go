// Package geoip implements the IP-to-country-code lookup used by the
// "geoip" rule condition (spec.md §3, §8 scenario 6), grounded on
// original_source/src/geoip.rs's sorted-range binary search. The
// embedded GeoIP data tables themselves are an explicit Non-goal
// (spec.md §1: "Embedded rule-list assets... GeoIP tables — OUT OF
// SCOPE"); this package only implements the lookup engine, loaded
// from a range table the control plane supplies at runtime.
package geoip

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
)

// CountryCode is an upper-cased two-letter ISO 3166-1 alpha-2 code.
type CountryCode [2]byte

func (c CountryCode) String() string { return string(c[:]) }

// ParseCountryCode validates and upper-cases a two-letter code.
func ParseCountryCode(s string) (CountryCode, error) {
	if len(s) != 2 {
		return CountryCode{}, fmt.Errorf("geoip: invalid country code %q", s)
	}
	var c CountryCode
	c[0] = upperASCII(s[0])
	c[1] = upperASCII(s[1])
	return c, nil
}

func upperASCII(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - ('a' - 'A')
	}
	return b
}

type v4Range struct {
	start, end uint32
	code       CountryCode
}

type v6Range struct {
	start, end [16]byte
	code       CountryCode
}

// Database is an immutable, binary-searchable set of IP ranges.
// Load sorts the ranges by start address, so input rows may come in
// any order; a zero Database matches nothing.
type Database struct {
	v4 []v4Range
	v6 []v6Range
}

// Load parses a CSV range table of the form "start_ip,end_ip,CC" (one
// record per line; blank lines and "#" comments ignored) into a
// Database, matching the record shape of the original's binary
// geoip4.dat/geoip6.dat but as runtime-supplied text.
func Load(r io.Reader) (*Database, error) {
	db := &Database{}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.Split(text, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("geoip: line %d: expected 3 fields, got %d", line, len(parts))
		}
		startIP := net.ParseIP(strings.TrimSpace(parts[0]))
		endIP := net.ParseIP(strings.TrimSpace(parts[1]))
		if startIP == nil || endIP == nil {
			return nil, fmt.Errorf("geoip: line %d: invalid IP range", line)
		}
		code, err := ParseCountryCode(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("geoip: line %d: %w", line, err)
		}
		if v4s, v4e := startIP.To4(), endIP.To4(); v4s != nil && v4e != nil {
			db.v4 = append(db.v4, v4Range{start: be32(v4s), end: be32(v4e), code: code})
		} else {
			var s, e [16]byte
			copy(s[:], startIP.To16())
			copy(e[:], endIP.To16())
			db.v6 = append(db.v6, v6Range{start: s, end: e, code: code})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sort.Slice(db.v4, func(i, j int) bool { return db.v4[i].start < db.v4[j].start })
	sort.Slice(db.v6, func(i, j int) bool { return lessBytes(db.v6[i].start, db.v6[j].start) })
	return db, nil
}

func be32(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func lessBytes(a, b [16]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Lookup finds the country code covering addr, mirroring the
// original's "binary search for start, else fall back one record and
// check its end" algorithm.
func (db *Database) Lookup(addr net.IP) (CountryCode, bool) {
	if db == nil {
		return CountryCode{}, false
	}
	if v4 := addr.To4(); v4 != nil {
		needle := be32(v4)
		i := sort.Search(len(db.v4), func(i int) bool { return db.v4[i].start >= needle })
		if i < len(db.v4) && db.v4[i].start == needle {
			return db.v4[i].code, true
		}
		if i > 0 && needle <= db.v4[i-1].end {
			return db.v4[i-1].code, true
		}
		return CountryCode{}, false
	}

	var key [16]byte
	copy(key[:], addr.To16())
	i := sort.Search(len(db.v6), func(i int) bool { return !lessBytes(db.v6[i].start, key) })
	if i < len(db.v6) && db.v6[i].start == key {
		return db.v6[i].code, true
	}
	if i > 0 && !lessBytes(db.v6[i-1].end, key) {
		return db.v6[i-1].code, true
	}
	return CountryCode{}, false
}

// FormatRange renders a CSV line for Load, primarily used by tests
// and tooling that build a Database programmatically.
func FormatRange(start, end net.IP, code CountryCode) string {
	return fmt.Sprintf("%s,%s,%s", start, end, code)
}
