package cipher

import gocipher "crypto/cipher"

// Mode selects how a State applies its keystream (spec.md §4.2).
type Mode int

const (
	// ModeNone passes bytes through untouched.
	ModeNone Mode = iota
	// ModeFull XORs every byte with the keystream.
	ModeFull
	// ModeFirstN XORs only the first N bytes of the stream, then
	// behaves like ModeNone for everything after.
	ModeFirstN
)

// State is the per-direction cipher state threaded through a Stream:
// None, Full, or FirstN(n) counting down as bytes are consumed.
type State struct {
	mode   Mode
	stream gocipher.Stream
	remain int
}

// NewNoneState returns a passthrough State.
func NewNoneState() *State { return &State{mode: ModeNone} }

// NewFullState returns a State that encrypts every byte with stream.
func NewFullState(stream gocipher.Stream) *State {
	return &State{mode: ModeFull, stream: stream}
}

// NewFirstNState returns a State that encrypts only the first n
// bytes passed to Apply across the lifetime of the stream, then
// degrades to passthrough. n must be > 0.
func NewFirstNState(stream gocipher.Stream, n int) *State {
	if n <= 0 {
		return NewNoneState()
	}
	return &State{mode: ModeFirstN, stream: stream, remain: n}
}

// Active reports whether Apply still has any effect on future bytes.
func (s *State) Active() bool { return s != nil && s.mode != ModeNone }

// Apply transforms data in place according to s's mode, advancing any
// FirstN countdown. A FirstN state that exhausts its budget mid-call
// only encrypts the leading portion, mirroring the original's
// bytes[..applied] semantics.
func (s *State) Apply(data []byte) {
	if s == nil {
		return
	}
	switch s.mode {
	case ModeNone:
		return
	case ModeFull:
		s.stream.XORKeyStream(data, data)
	case ModeFirstN:
		n := len(data)
		if n > s.remain {
			n = s.remain
		}
		if n > 0 {
			s.stream.XORKeyStream(data[:n], data[:n])
			s.remain -= n
		}
		if s.remain == 0 {
			s.mode = ModeNone
			s.stream = nil
		}
	}
}
