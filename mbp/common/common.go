package common

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// CloseWriteIfTCP half-closes the write side of c if it is a *net.TCPConn.
func CloseWriteIfTCP(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

// Nudge forces any blocked Read/Write on c to return immediately.
func Nudge(c net.Conn) {
	_ = c.SetReadDeadline(time.Now())
	_ = c.SetWriteDeadline(time.Now())
}

// BufferedConn re-surfaces a bufio.Reader's already-buffered bytes as
// an ordinary net.Conn. Any handshake that parses a stream through a
// bufio.Reader can have a single underlying Read pull in bytes
// belonging to whatever the client pipelined right after the parsed
// fields — a TLS ClientHello sent immediately after CONNECT, an
// HTTP-forward request body, tcpman upload bytes coalesced with the
// Upgrade request. Reading from the raw conn afterward would silently
// drop those bytes; wrap the conn in BufferedConn and keep using the
// wrapper for the rest of the connection's lifetime instead.
type BufferedConn struct {
	net.Conn
	r *bufio.Reader
}

// NewBufferedConn wraps conn so Read drains r (and then conn once r is
// empty) rather than reading conn directly and bypassing r's buffer.
func NewBufferedConn(conn net.Conn, r *bufio.Reader) *BufferedConn {
	return &BufferedConn{Conn: conn, r: r}
}

func (c *BufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// IsDesktop reports whether the process is running on a developer
// workstation OS, used to pick friendlier default paths (./log vs
// /var/log/mbp).
func IsDesktop() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

// ReadPEMorFile returns s verbatim if it looks like inline PEM,
// otherwise reads it as a file path.
func ReadPEMorFile(s string) ([]byte, error) {
	if strings.Contains(s, "-----BEGIN ") {
		return []byte(s), nil
	}
	return os.ReadFile(filepath.Clean(s))
}

// ParseGuardList parses a comma-separated list of lower-cased hostname
// patterns; empty input yields a nil (disabled) list.
func ParseGuardList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MatchAnyHostPattern reports whether host matches any pattern, where
// a pattern of the form "*.example.com" matches example.com and any
// subdomain of it.
func MatchAnyHostPattern(host string, patterns []string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	for _, pat := range patterns {
		if wildcardMatch(host, pat) {
			return true
		}
	}
	return false
}

func wildcardMatch(host, pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return false
	}
	if !strings.Contains(pattern, "*") {
		return host == pattern
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := strings.TrimPrefix(pattern, "*.")
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern
}
