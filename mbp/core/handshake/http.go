package handshake

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"mlkmbp/mbp/core/netaddr"
)

// httpHandshaker answers either an HTTP CONNECT tunnel or a plain
// HTTP-forward request, per spec.md §4.3.
type httpHandshaker struct {
	w         io.Writer
	isConnect bool
}

func (h *httpHandshaker) RespondOK(bound *netaddr.Address) error {
	if !h.isConnect {
		// The forwarded request's response comes back from the upstream
		// relay itself; there is nothing to write here.
		return nil
	}
	_, err := io.WriteString(h.w, "HTTP/1.1 200 Connection Established\r\n\r\n")
	return err
}

func (h *httpHandshaker) RespondErr(cause error) error {
	if !h.isConnect {
		_, err := io.WriteString(h.w, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return err
	}
	_, err := io.WriteString(h.w, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
	return err
}

// acceptHTTP implements spec.md §4.3's HTTP path: CONNECT establishes
// a raw tunnel; any other method is relayed upstream with its request
// line rewritten to origin-form, followed by its headers (Host set to
// the target) re-serialised by net/http as InitialData. Header names
// come out canonicalised and sorted, not in the client's original
// order or spelling.
func acceptHTTP(r *bufio.Reader, w io.Writer) (Handshaker, ProxyRequest, error) {
	req, err := http.ReadRequest(r)
	if err != nil {
		return nil, ProxyRequest{}, fmt.Errorf("handshake: read http request: %w", err)
	}

	if strings.EqualFold(req.Method, http.MethodConnect) {
		addr, err := netaddr.Parse(req.Host)
		if err != nil {
			return nil, ProxyRequest{}, fmt.Errorf("handshake: parse connect target %q: %w", req.Host, err)
		}
		h := &httpHandshaker{w: w, isConnect: true}
		return h, ProxyRequest{Kind: KindTCP, Dst: addr}, nil
	}

	return acceptHTTPForward(req, w)
}

// acceptHTTPForward rewrites req into origin-form bytes (request line
// referencing only the path, plus headers) that can be replayed
// verbatim to the chosen upstream.
func acceptHTTPForward(req *http.Request, w io.Writer) (Handshaker, ProxyRequest, error) {
	target := req.URL
	if !target.IsAbs() {
		return nil, ProxyRequest{}, fmt.Errorf("handshake: non-absolute request target %q", req.URL)
	}

	host := target.Host
	port := uint16(80)
	if strings.EqualFold(target.Scheme, "https") {
		port = 443
	}
	if h, p, err := splitHostPortOrDefault(host, port); err == nil {
		host, port = h, p
	}
	addr := netaddr.Name(host, port)

	origin := *target
	origin.Scheme = ""
	origin.Host = ""
	requestLine := fmt.Sprintf("%s %s HTTP/1.1\r\n", req.Method, origin.RequestURI())

	var b strings.Builder
	b.WriteString(requestLine)
	req.Header.Set("Host", target.Host)
	if err := req.Header.Write(&b); err != nil {
		return nil, ProxyRequest{}, err
	}
	b.WriteString("\r\n")

	h := &httpHandshaker{w: w, isConnect: false}
	return h, ProxyRequest{Kind: KindTCP, Dst: addr, InitialData: []byte(b.String())}, nil
}

func splitHostPortOrDefault(hostport string, defaultPort uint16) (string, uint16, error) {
	u, err := url.Parse("//" + hostport)
	if err != nil || u.Hostname() == "" {
		return hostport, defaultPort, fmt.Errorf("handshake: no explicit port in %q", hostport)
	}
	if p := u.Port(); p != "" {
		var port uint16
		if _, err := fmt.Sscanf(p, "%d", &port); err == nil {
			return u.Hostname(), port, nil
		}
	}
	return u.Hostname(), defaultPort, nil
}
