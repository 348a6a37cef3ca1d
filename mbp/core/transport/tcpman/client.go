package tcpman

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"mlkmbp/mbp/core/cipher"
	"mlkmbp/mbp/core/handshake"
	"mlkmbp/mbp/core/netaddr"
)

// ciphersForPort picks the upload/download CipherConfig pair spec.md
// §4.5 step 2 describes: TLS-bearing ports keep their own framing
// intact under a short FirstN mask, everything else is fully masked.
func ciphersForPort(port uint16) (upload, download CipherConfig, err error) {
	if port == 443 || port == 22 {
		if upload, err = NewCipherConfig(CipherFirstN, 512); err != nil {
			return
		}
		download, err = NewCipherConfig(CipherNone, 0)
		return
	}
	if upload, err = NewCipherConfig(CipherFull, 0); err != nil {
		return
	}
	download, err = NewCipherConfig(CipherFull, 0)
	return
}

// DialSpec describes one client-side tcpman connection attempt.
type DialSpec struct {
	Addr        string // upstream tcpman server address, host:port
	TLS         bool
	TLSConfig   *tls.Config
	Password    string
	Kind        handshake.Kind // defaults to handshake.KindTCP (zero value)
	Dst         netaddr.Address
	InitialData []byte
}

// Dial performs the full client-side tcpman handshake of spec.md
// §4.5: connect, build ConnectionParameters, upgrade, validate the
// response, and return a net.Conn whose Read/Write are already
// cipher-wrapped for the rest of the connection's lifetime.
func Dial(ctx context.Context, spec DialSpec) (net.Conn, error) {
	raw, err := dialRaw(ctx, spec.Addr, spec.TLS, spec.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("tcpman: dial %s: %w", spec.Addr, err)
	}

	upload, download, err := ciphersForPort(spec.Dst.Port())
	if err != nil {
		raw.Close()
		return nil, err
	}
	params := ConnectionParameters{UploadCipher: upload, DownloadCipher: download, Kind: spec.Kind, Dst: spec.Dst}

	path, err := EncodePath(params, spec.Password, time.Now())
	if err != nil {
		raw.Close()
		return nil, err
	}

	uploadState, err := upload.State()
	if err != nil {
		raw.Close()
		return nil, err
	}
	downloadState, err := download.State()
	if err != nil {
		raw.Close()
		return nil, err
	}

	header := http.Header{}
	if len(spec.InitialData) > 0 {
		buf := append([]byte(nil), spec.InitialData...)
		uploadState.Apply(buf)
		header.Set("If-None-Match", base64.RawURLEncoding.EncodeToString(buf))
	}

	dialer := &websocket.Dialer{
		NetDialContext:   func(ctx context.Context, network, addr string) (net.Conn, error) { return raw, nil },
		HandshakeTimeout: 15 * time.Second,
	}
	wsConn, resp, err := dialer.DialContext(ctx, "ws://tcpman"+path, header)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("tcpman: websocket upgrade: %w", err)
	}

	var initialReply []byte
	if etag := resp.Header.Get("ETag"); etag != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(etag)
		if err == nil {
			downloadState.Apply(decoded)
			initialReply = decoded
		}
	}

	underlying := wsConn.UnderlyingConn()
	stream := cipher.NewStream(underlying, uploadState, downloadState)
	if len(initialReply) > 0 {
		return newPrefixConn(stream, initialReply), nil
	}
	return stream, nil
}

func dialRaw(ctx context.Context, addr string, useTLS bool, tlsConfig *tls.Config) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !useTLS {
		return conn, nil
	}
	cfg := tlsConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	tconn := tls.Client(conn, cfg)
	if err := tconn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tconn, nil
}
