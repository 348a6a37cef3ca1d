// Package cipher implements the ChaCha20 keystream cipher used to
// masquerade a tcpman tunnel as opaque traffic (spec.md §4.2), plus
// the duplex stream adaptor that applies it to a net.Conn.
package cipher

import (
	gocipher "crypto/cipher"

	"golang.org/x/crypto/chacha20"
)

// KeySize and NonceSize are the ChaCha20 IETF variant's key and nonce
// lengths (32-byte key, 96-bit nonce, 32-bit block counter).
const (
	KeySize   = chacha20.KeySize
	NonceSize = chacha20.NonceSize
)

// NewChaCha20 returns a keystream cipher.Stream seeded from key and
// nonce, matching the Rust original's ChaCha20 StreamCipher (IETF,
// 96-bit nonce, 32-bit counter).
func NewChaCha20(key, nonce []byte) (gocipher.Stream, error) {
	return chacha20.NewUnauthenticatedCipher(key, nonce)
}
