package cipher

import (
	"net"
)

// Stream wraps a net.Conn so that every byte written is enciphered by
// send and every byte read is deciphered by recv, independently
// (spec.md §4.2: "the adaptor wraps a byte stream and a CipherState
// per direction"). Unlike the async original, Conn.Write here follows
// Go's io.Writer contract (full write or error), so no partial-write
// rewind bookkeeping is needed: the ciphertext is computed once per
// Write call against a scratch buffer and written in full before
// returning.
type Stream struct {
	net.Conn
	send *State
	recv *State
	buf  []byte
}

// NewStream returns a Stream over conn using send for outgoing bytes
// and recv for incoming bytes.
func NewStream(conn net.Conn, send, recv *State) *Stream {
	if send == nil {
		send = NewNoneState()
	}
	if recv == nil {
		recv = NewNoneState()
	}
	return &Stream{Conn: conn, send: send, recv: recv}
}

// Read fills p from the underlying connection and deciphers it with
// recv's keystream.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.Conn.Read(p)
	if n > 0 {
		s.recv.Apply(p[:n])
	}
	return n, err
}

// Write enciphers p with send's keystream and writes it in full to
// the underlying connection.
func (s *Stream) Write(p []byte) (int, error) {
	if !s.send.Active() {
		return s.Conn.Write(p)
	}
	if cap(s.buf) < len(p) {
		s.buf = make([]byte, len(p))
	}
	buf := s.buf[:len(p)]
	copy(buf, p)
	s.send.Apply(buf)
	n, err := s.Conn.Write(buf)
	if err != nil && n < len(p) {
		// Partial-write recovery: the caller sees n bytes accepted;
		// anything genuinely unwritten is reported as an error, per
		// io.Writer. No cipher rewind is required because the
		// ciphertext for those n bytes has already left the wire.
		return n, err
	}
	return len(p), err
}
