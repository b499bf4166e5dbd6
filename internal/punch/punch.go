// Package punch implements the hole-punching probe datagram and the pacing
// loop that sends it. Marshal/Unmarshal follow the explicit
// header-struct-with-bounds-checked-buffer idiom used for wire structures
// throughout this engine (mirrored from the probe/hello frames in the
// tether-rally reference client), rather than encoding/gob or reflection.
package punch

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Magic is the 8-byte marker prefixing every probe datagram, fixed by the
// wire format. Any other bytes arriving during punching are dropped.
const Magic uint64 = 0xC0DE0BA5E0C0DE01

// Size is the fixed wire size of a Probe: 8-byte magic + 4-byte candidate
// conversation ID.
const Size = 12

// ErrBufferTooSmall is returned by Marshal/Unmarshal when the supplied
// buffer cannot hold a Probe.
var ErrBufferTooSmall = errors.New("punch: buffer too small")

// ErrBadMagic is returned by Unmarshal when the magic marker doesn't match,
// meaning the datagram isn't a punch probe at all.
var ErrBadMagic = errors.New("punch: bad magic marker")

// Probe is the hole-punch datagram: a fixed magic marker plus the sender's
// candidate conversation ID. Whichever side's candidate sorts lower
// lexicographically (as raw big-endian bytes) wins and both sides adopt it
// for the transport that follows.
type Probe struct {
	CandidateConvID uint32
}

// Marshal encodes p into buf, which must be at least Size bytes.
func (p Probe) Marshal(buf []byte) (int, error) {
	if len(buf) < Size {
		return 0, ErrBufferTooSmall
	}
	binary.BigEndian.PutUint64(buf[0:8], Magic)
	binary.BigEndian.PutUint32(buf[8:12], p.CandidateConvID)
	return Size, nil
}

// Unmarshal decodes a Probe from buf, failing if the magic marker is
// absent or buf is short.
func (p *Probe) Unmarshal(buf []byte) error {
	if len(buf) < Size {
		return ErrBufferTooSmall
	}
	if binary.BigEndian.Uint64(buf[0:8]) != Magic {
		return ErrBadMagic
	}
	p.CandidateConvID = binary.BigEndian.Uint32(buf[8:12])
	return nil
}

// LooksLikeProbe is a cheap pre-check for the shared-socket demultiplexer:
// true if buf could plausibly be a Probe datagram (right length, right
// magic), without fully decoding it.
func LooksLikeProbe(buf []byte) bool {
	return len(buf) == Size && binary.BigEndian.Uint64(buf[0:8]) == Magic
}

// WinningConvID applies the tie-break rule (lower big-endian value wins)
// between our own candidate and the peer's, returning the conversation ID
// both sides will adopt for the reliable transport.
func WinningConvID(ours, theirs uint32) uint32 {
	if ours < theirs {
		return ours
	}
	return theirs
}
