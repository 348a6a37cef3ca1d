package tcpman

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"mlkmbp/mbp/common"
	"mlkmbp/mbp/core/cipher"
	"mlkmbp/mbp/core/handshake"
)

const websocketAcceptMagic = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// peekBudget and peekWindow bound the "does the destination have
// anything to say immediately" probe of spec.md §4.5 step 4.
const (
	peekBudget = 4096
	peekWindow = 20 * time.Millisecond
)

// Responder finishes a tcpman server handshake once the caller has
// resolved and (optionally) dialed the destination named by the
// decoded ConnectionParameters.
type Responder struct {
	conn          net.Conn
	secWebSocket  string
	uploadState   *cipher.State
	downloadState *cipher.State
}

// Accept parses an inbound tcpman request: the HTTP upgrade headers,
// the sealed path, and any If-None-Match initial-data header. It does
// not write a response — call Responder.Respond once the destination
// is known.
//
// The *Responder it returns carries a net.Conn wrapping the handshake's
// bufio.Reader, not the raw conn: the Upgrade request's trailing bytes
// on the wire can already include client upload data coalesced into
// the same read, and Respond must not read past it on the raw conn.
func Accept(conn net.Conn, password string) (handshake.ProxyRequest, *Responder, error) {
	r := bufio.NewReader(conn)
	bc := common.NewBufferedConn(conn, r)
	req, err := http.ReadRequest(r)
	if err != nil {
		return handshake.ProxyRequest{}, nil, fmt.Errorf("tcpman: read upgrade request: %w", err)
	}

	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") ||
		!strings.Contains(strings.ToLower(req.Header.Get("Connection")), "upgrade") {
		return handshake.ProxyRequest{}, nil, fmt.Errorf("tcpman: not a websocket upgrade request")
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return handshake.ProxyRequest{}, nil, fmt.Errorf("tcpman: missing Sec-WebSocket-Key")
	}

	params, err := DecodePath(req.URL.Path, password, time.Now())
	if err != nil {
		return handshake.ProxyRequest{}, nil, fmt.Errorf("tcpman: decode connection parameters: %w", err)
	}

	uploadState, err := params.UploadCipher.State()
	if err != nil {
		return handshake.ProxyRequest{}, nil, err
	}
	downloadState, err := params.DownloadCipher.State()
	if err != nil {
		return handshake.ProxyRequest{}, nil, err
	}

	var initialData []byte
	if etag := req.Header.Get("If-None-Match"); etag != "" {
		if decoded, err := base64.RawURLEncoding.DecodeString(etag); err == nil {
			uploadState.Apply(decoded)
			initialData = decoded
		}
	}

	resp := &Responder{conn: bc, secWebSocket: key, uploadState: uploadState, downloadState: downloadState}
	return handshake.ProxyRequest{Kind: params.Kind, Dst: params.Dst, InitialData: initialData}, resp, nil
}

// Respond probes dest for an immediate reply (spec.md §4.5 step 4),
// writes the 101 response (carrying an ETag header if dest answered),
// and returns a net.Conn over the original connection with both
// directions already cipher-wrapped.
func (r *Responder) Respond(dest net.Conn) (net.Conn, error) {
	var etag string
	if dest != nil {
		probe := make([]byte, peekBudget)
		_ = dest.SetReadDeadline(time.Now().Add(peekWindow))
		n, _ := dest.Read(probe)
		_ = dest.SetReadDeadline(time.Time{})
		if n > 0 {
			reply := append([]byte(nil), probe[:n]...)
			r.downloadState.Apply(reply)
			etag = base64.RawURLEncoding.EncodeToString(reply)
		}
	}

	accept := acceptKey(r.secWebSocket)
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + accept + "\r\n")
	if etag != "" {
		b.WriteString("ETag: " + etag + "\r\n")
	}
	b.WriteString("\r\n")

	if _, err := r.conn.Write([]byte(b.String())); err != nil {
		return nil, fmt.Errorf("tcpman: write upgrade response: %w", err)
	}

	return cipher.NewStream(r.conn, r.downloadState, r.uploadState), nil
}

// RespondErr rejects the upgrade with a plain HTTP error status.
func (r *Responder) RespondErr(status int, msg string) error {
	_, err := fmt.Fprintf(r.conn, "HTTP/1.1 %d %s\r\nConnection: close\r\n\r\n", status, http.StatusText(status))
	return err
}

func acceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey))
	h.Write([]byte(websocketAcceptMagic))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
