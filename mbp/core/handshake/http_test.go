package handshake

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestAcceptHTTPConnectTunnel(t *testing.T) {
	in := bytes.NewBufferString("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	var out bytes.Buffer

	h, req, err := acceptHTTP(bufio.NewReader(in), &out)
	if err != nil {
		t.Fatalf("acceptHTTP: %v", err)
	}
	if req.Kind != KindTCP || req.Dst.Host() != "example.com" || req.Dst.Port() != 443 {
		t.Fatalf("unexpected req: %+v", req)
	}

	if err := h.RespondOK(nil); err != nil {
		t.Fatalf("RespondOK: %v", err)
	}
	if !strings.Contains(out.String(), "200 Connection Established") {
		t.Fatalf("unexpected response: %q", out.String())
	}
}

func TestAcceptHTTPForwardRewritesRequestLine(t *testing.T) {
	in := bytes.NewBufferString("GET http://example.com/path?q=1 HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test\r\n\r\n")
	var out bytes.Buffer

	_, req, err := acceptHTTP(bufio.NewReader(in), &out)
	if err != nil {
		t.Fatalf("acceptHTTP: %v", err)
	}
	if req.Kind != KindTCP || req.Dst.Host() != "example.com" || req.Dst.Port() != 80 {
		t.Fatalf("unexpected dst: %+v", req.Dst)
	}
	if !strings.HasPrefix(string(req.InitialData), "GET /path?q=1 HTTP/1.1\r\n") {
		t.Fatalf("unexpected rewritten request line: %q", req.InitialData)
	}
	if !strings.Contains(string(req.InitialData), "Host: example.com") {
		t.Fatalf("expected Host header preserved: %q", req.InitialData)
	}
}

func TestAcceptHTTPForwardHTTPSDefaultPort(t *testing.T) {
	in := bytes.NewBufferString("GET https://example.com/secure HTTP/1.1\r\nHost: example.com\r\n\r\n")
	var out bytes.Buffer

	_, req, err := acceptHTTP(bufio.NewReader(in), &out)
	if err != nil {
		t.Fatalf("acceptHTTP: %v", err)
	}
	if req.Dst.Port() != 443 {
		t.Fatalf("expected default https port 443, got %d", req.Dst.Port())
	}
}

func TestAcceptHTTPForwardRejectsRelativeTarget(t *testing.T) {
	in := bytes.NewBufferString("GET /path HTTP/1.1\r\nHost: example.com\r\n\r\n")
	var out bytes.Buffer

	_, _, err := acceptHTTP(bufio.NewReader(in), &out)
	if err == nil {
		t.Fatalf("expected error for relative-form forward request")
	}
}
