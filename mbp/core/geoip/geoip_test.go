package geoip

import (
	"net"
	"strings"
	"testing"
)

const sampleDB = `# comment
1.0.0.0,1.0.0.255,US
1.1.1.0,1.1.1.255,AU
2600::,2600:ffff:ffff:ffff:ffff:ffff:ffff:ffff,US
`

func TestLookupV4ExactAndRange(t *testing.T) {
	db, err := Load(strings.NewReader(sampleDB))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cc, ok := db.Lookup(net.ParseIP("1.0.0.128"))
	if !ok || cc.String() != "US" {
		t.Fatalf("expected US, got %v ok=%v", cc, ok)
	}
	cc, ok = db.Lookup(net.ParseIP("1.1.1.1"))
	if !ok || cc.String() != "AU" {
		t.Fatalf("expected AU, got %v ok=%v", cc, ok)
	}
}

func TestLookupMissReturnsNotOK(t *testing.T) {
	db, err := Load(strings.NewReader(sampleDB))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := db.Lookup(net.ParseIP("8.8.8.8")); ok {
		t.Fatalf("expected miss for unlisted IP")
	}
}

func TestLookupV6(t *testing.T) {
	db, err := Load(strings.NewReader(sampleDB))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cc, ok := db.Lookup(net.ParseIP("2600::1"))
	if !ok || cc.String() != "US" {
		t.Fatalf("expected US for v6, got %v ok=%v", cc, ok)
	}
}

func TestParseCountryCodeUppercases(t *testing.T) {
	cc, err := ParseCountryCode("us")
	if err != nil {
		t.Fatalf("ParseCountryCode: %v", err)
	}
	if cc.String() != "US" {
		t.Fatalf("expected upper-cased US, got %v", cc)
	}
}

func TestParseCountryCodeRejectsBadLength(t *testing.T) {
	if _, err := ParseCountryCode("USA"); err == nil {
		t.Fatalf("expected error for 3-letter code")
	}
}

func TestNilDatabaseLookupMisses(t *testing.T) {
	var db *Database
	if _, ok := db.Lookup(net.ParseIP("1.2.3.4")); ok {
		t.Fatalf("nil database should never match")
	}
}
