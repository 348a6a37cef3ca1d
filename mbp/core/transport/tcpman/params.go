// Package tcpman implements the tcpman tunnel protocol (spec.md §3,
// §4.5): a WebSocket-upgrade handshake whose path carries an
// AEAD-sealed ConnectionParameters payload, after which the raw
// socket underneath the upgrade carries cipher-masked bytes both
// ways. Grounded on the cipher/url mechanics of
// original_source/app/src/url.rs and original_source/app/src/cipher/*
// (there expressed over an async runtime; here expressed with
// golang.org/x/crypto/chacha20poly1305 sealing and
// github.com/gorilla/websocket for the client side of the upgrade
// handshake; server.go parses the upgrade and writes the 101 itself).
package tcpman

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"mlkmbp/mbp/core/cipher"
	"mlkmbp/mbp/core/handshake"
	"mlkmbp/mbp/core/netaddr"
)

// MaxClockSkew is the largest tolerated difference between the
// handshake timestamp and the server's clock (spec.md §3: "validates
// |now − ts| ≤ 360 s").
const MaxClockSkew = 360 * time.Second

// CipherMode mirrors cipher.Mode for wire encoding purposes (spec.md
// §3's CipherConfig: None | Full{key,iv} | FirstN{n,key,iv}).
type CipherMode byte

const (
	CipherNone CipherMode = iota
	CipherFull
	CipherFirstN
)

// CipherConfig is one direction's cipher choice as carried in
// ConnectionParameters, with its own randomly generated key/nonce.
type CipherConfig struct {
	Mode  CipherMode
	N     uint32 // only meaningful for CipherFirstN
	Key   []byte // chacha20.KeySize bytes, empty for CipherNone
	Nonce []byte // chacha20.NonceSize bytes, empty for CipherNone
}

// NewCipherConfig returns a CipherConfig for mode, generating a fresh
// random key/nonce unless mode is CipherNone.
func NewCipherConfig(mode CipherMode, n uint32) (CipherConfig, error) {
	if mode == CipherNone {
		return CipherConfig{Mode: CipherNone}, nil
	}
	key := make([]byte, cipher.KeySize)
	nonce := make([]byte, cipher.NonceSize)
	if _, err := rand.Read(key); err != nil {
		return CipherConfig{}, fmt.Errorf("tcpman: generate cipher key: %w", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return CipherConfig{}, fmt.Errorf("tcpman: generate cipher nonce: %w", err)
	}
	return CipherConfig{Mode: mode, N: n, Key: key, Nonce: nonce}, nil
}

// State builds the running cipher.State this config describes.
func (c CipherConfig) State() (*cipher.State, error) {
	switch c.Mode {
	case CipherNone:
		return cipher.NewNoneState(), nil
	case CipherFull, CipherFirstN:
		stream, err := cipher.NewChaCha20(c.Key, c.Nonce)
		if err != nil {
			return nil, fmt.Errorf("tcpman: build cipher state: %w", err)
		}
		if c.Mode == CipherFirstN {
			return cipher.NewFirstNState(stream, int(c.N)), nil
		}
		return cipher.NewFullState(stream), nil
	default:
		return nil, fmt.Errorf("tcpman: unknown cipher mode %d", c.Mode)
	}
}

func (c CipherConfig) encode(buf []byte) []byte {
	buf = append(buf, byte(c.Mode))
	if c.Mode == CipherNone {
		return buf
	}
	var nBuf [4]byte
	binary.BigEndian.PutUint32(nBuf[:], c.N)
	buf = append(buf, nBuf[:]...)
	buf = append(buf, c.Key...)
	buf = append(buf, c.Nonce...)
	return buf
}

func decodeCipherConfig(buf []byte) (CipherConfig, int, error) {
	if len(buf) < 1 {
		return CipherConfig{}, 0, fmt.Errorf("tcpman: truncated cipher config")
	}
	mode := CipherMode(buf[0])
	if mode == CipherNone {
		return CipherConfig{Mode: CipherNone}, 1, nil
	}
	need := 1 + 4 + cipher.KeySize + cipher.NonceSize
	if len(buf) < need {
		return CipherConfig{}, 0, fmt.Errorf("tcpman: truncated cipher config")
	}
	n := binary.BigEndian.Uint32(buf[1:5])
	key := append([]byte(nil), buf[5:5+cipher.KeySize]...)
	nonce := append([]byte(nil), buf[5+cipher.KeySize:need]...)
	return CipherConfig{Mode: mode, N: n, Key: key, Nonce: nonce}, need, nil
}

// ConnectionParameters is the tcpman handshake payload (spec.md §3).
// Kind distinguishes the two ProxyRequest variants spec.md §4.8
// serves (TCP: relay Dst directly; UDP: Dst is the initial
// destination only, subsequent packets carry their own address in
// the TCP-framed UDP encoding).
type ConnectionParameters struct {
	UploadCipher   CipherConfig
	DownloadCipher CipherConfig
	Kind           handshake.Kind
	Dst            netaddr.Address
}

// encodeBinary produces the length-prefixed binary form, before
// timestamp/seal/encode steps: upload cipher, download cipher, kind,
// dst.
func (p ConnectionParameters) encodeBinary() ([]byte, error) {
	var buf []byte
	buf = p.UploadCipher.encode(buf)
	buf = p.DownloadCipher.encode(buf)
	buf = append(buf, byte(p.Kind))
	dst, err := p.Dst.WriteTo(buf)
	if err != nil {
		return nil, fmt.Errorf("tcpman: encode dst: %w", err)
	}
	return dst, nil
}

func decodeParameters(buf []byte) (ConnectionParameters, error) {
	upload, n, err := decodeCipherConfig(buf)
	if err != nil {
		return ConnectionParameters{}, err
	}
	buf = buf[n:]
	download, n, err := decodeCipherConfig(buf)
	if err != nil {
		return ConnectionParameters{}, err
	}
	buf = buf[n:]
	if len(buf) < 1 {
		return ConnectionParameters{}, fmt.Errorf("tcpman: truncated connection parameters: missing kind byte")
	}
	kind := handshake.Kind(buf[0])
	buf = buf[1:]
	consumed, dst, ok, err := netaddr.ParseWire(buf)
	if err != nil {
		return ConnectionParameters{}, err
	}
	if !ok || consumed != len(buf) {
		return ConnectionParameters{}, fmt.Errorf("tcpman: malformed connection parameters: trailing or truncated address")
	}
	return ConnectionParameters{UploadCipher: upload, DownloadCipher: download, Kind: kind, Dst: dst}, nil
}

// derivePasswordKey derives a chacha20poly1305 key from a tunnel
// password the way original_source's cipher key derivation does:
// a single SHA-256 over the UTF-8 password bytes.
func derivePasswordKey(password string) [chacha20poly1305.KeySize]byte {
	return sha256.Sum256([]byte(password))
}

// EncodePath seals p with a key derived from password, stamping the
// current Unix timestamp, and returns an obfuscated URL path
// ("/"-sprinkled Base64-URL text) per spec.md §3.
func EncodePath(p ConnectionParameters, password string, now time.Time) (string, error) {
	plain, err := p.encodeBinary()
	if err != nil {
		return "", err
	}
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(now.Unix()))
	plain = append(plain, tsBuf[:]...)

	key := derivePasswordKey(password)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return "", fmt.Errorf("tcpman: build aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("tcpman: generate seal nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plain, nil)

	encoded := base64.RawURLEncoding.EncodeToString(sealed)
	return "/" + obfuscate(encoded), nil
}

// DecodePath reverses EncodePath: strips the obfuscating slashes,
// opens the AEAD seal, and validates the embedded timestamp is within
// MaxClockSkew of now.
func DecodePath(path string, password string, now time.Time) (ConnectionParameters, error) {
	encoded := deobfuscate(path)
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return ConnectionParameters{}, fmt.Errorf("tcpman: decode path: %w", err)
	}

	key := derivePasswordKey(password)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return ConnectionParameters{}, fmt.Errorf("tcpman: build aead: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return ConnectionParameters{}, fmt.Errorf("tcpman: sealed payload too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ConnectionParameters{}, fmt.Errorf("tcpman: open seal: %w", err)
	}
	if len(plain) < 8 {
		return ConnectionParameters{}, fmt.Errorf("tcpman: sealed payload missing timestamp")
	}
	body, tsBuf := plain[:len(plain)-8], plain[len(plain)-8:]
	ts := int64(binary.BigEndian.Uint64(tsBuf))
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > MaxClockSkew {
		return ConnectionParameters{}, fmt.Errorf("tcpman: handshake timestamp skew %ds exceeds %s", skew, MaxClockSkew)
	}

	return decodeParameters(body)
}

// obfuscate inserts random forward-slashes into s so the resulting
// path doesn't look like a flat Base64 blob (spec.md §3).
func obfuscate(s string) string {
	if len(s) < 4 {
		return s
	}
	var out []byte
	seed := make([]byte, (len(s)/6)+1)
	_, _ = rand.Read(seed)
	for i := 0; i < len(s); i++ {
		out = append(out, s[i])
		if i > 0 && i%6 == 0 && seed[i/6%len(seed)]%3 == 0 {
			out = append(out, '/')
		}
	}
	return string(out)
}

// deobfuscate strips the slashes obfuscate inserted.
func deobfuscate(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
