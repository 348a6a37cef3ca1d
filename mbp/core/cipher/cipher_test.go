package cipher

import (
	"bytes"
	"io"
	"net"
	"testing"
)

func newKeyNonce() ([]byte, []byte) {
	key := bytes.Repeat([]byte{0x42}, KeySize)
	nonce := bytes.Repeat([]byte{0x24}, NonceSize)
	return key, nonce
}

func TestFullStateRoundTrip(t *testing.T) {
	key, nonce := newKeyNonce()
	enc, err := NewChaCha20(key, nonce)
	if err != nil {
		t.Fatalf("NewChaCha20: %v", err)
	}
	dec, err := NewChaCha20(key, nonce)
	if err != nil {
		t.Fatalf("NewChaCha20: %v", err)
	}

	plain := []byte("hello, tcpman tunnel")
	ct := append([]byte(nil), plain...)

	sender := NewFullState(enc)
	sender.Apply(ct)
	if bytes.Equal(ct, plain) {
		t.Fatalf("ciphertext equals plaintext")
	}

	receiver := NewFullState(dec)
	receiver.Apply(ct)
	if !bytes.Equal(ct, plain) {
		t.Fatalf("round trip failed: got %q want %q", ct, plain)
	}
}

func TestFirstNStateDegradesToPassthrough(t *testing.T) {
	key, nonce := newKeyNonce()
	enc, err := NewChaCha20(key, nonce)
	if err != nil {
		t.Fatalf("NewChaCha20: %v", err)
	}
	s := NewFirstNState(enc, 4)

	data := []byte("abcdefgh")
	orig := append([]byte(nil), data...)
	s.Apply(data[:4])
	if bytes.Equal(data[:4], orig[:4]) {
		t.Fatalf("first 4 bytes were not enciphered")
	}
	if s.Active() {
		t.Fatalf("state should have degraded to None after exhausting n=4")
	}

	s.Apply(data[4:8])
	if !bytes.Equal(data[4:8], orig[4:8]) {
		t.Fatalf("bytes past n should pass through unchanged: got %q want %q", data[4:8], orig[4:8])
	}
	if s.Active() {
		t.Fatalf("state should have degraded to None after exhausting n")
	}
}

func TestNoneStatePassesThrough(t *testing.T) {
	s := NewNoneState()
	data := []byte("unchanged")
	orig := append([]byte(nil), data...)
	s.Apply(data)
	if !bytes.Equal(data, orig) {
		t.Fatalf("None state modified data")
	}
	if s.Active() {
		t.Fatalf("None state should never be active")
	}
}

func TestStreamDuplexRoundTrip(t *testing.T) {
	key, nonce := newKeyNonce()

	clientEncode, _ := NewChaCha20(key, nonce)
	serverDecode, _ := NewChaCha20(key, nonce)
	serverEncode, _ := NewChaCha20(key, nonce)
	clientDecode, _ := NewChaCha20(key, nonce)

	a, b := net.Pipe()
	client := NewStream(a, NewFullState(clientEncode), NewFullState(clientDecode))
	server := NewStream(b, NewFullState(serverEncode), NewFullState(serverDecode))

	msg := []byte("ping over an encrypted duplex pipe")
	done := make(chan error, 1)
	go func() {
		_, err := client.Write(msg)
		done <- err
	}()

	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("client write: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("duplex round trip mismatch: got %q want %q", buf, msg)
	}
}
