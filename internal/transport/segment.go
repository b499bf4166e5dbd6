package transport

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Command identifies a segment's purpose on the wire.
type Command uint8

const (
	CmdPush         Command = 1 // carries payload bytes
	CmdAck          Command = 2 // acknowledges sn up to Una
	CmdWindowProbe  Command = 3 // "what's your window"
	CmdWindowUpdate Command = 4 // "here's my window" (also used as heartbeat, zero payload)
	CmdShutdown     Command = 5 // graceful close, distinct from silent timeout
)

// headerSize is the fixed on-wire segment header:
// convID(4) cmd(1) frg(1) wnd(2) sn(4) una(4) len(2) = 18 bytes.
const headerSize = 18

// MaxPayload bounds a single segment's payload so segments stay well under
// a typical path MTU after the header and any UDP/IP overhead.
const MaxPayload = 1200

var ErrShortBuffer = errors.New("transport: buffer shorter than segment header")
var ErrTruncated = errors.New("transport: segment shorter than advertised length")

// segment is one ARQ protocol data unit. ConvID must match on both sides of
// a session; it is fixed once by the punching tie-break (the lower of the
// two probes' candidate IDs) and never renegotiated.
type segment struct {
	ConvID uint32
	Cmd    Command
	Frg    uint8  // fragments still to come for this logical write, descending to 0
	Wnd    uint16 // receiver's available window, in segments
	SN     uint32 // this segment's sequence number
	Una    uint32 // "everything before this SN is acknowledged"
	Data   []byte
}

// marshal encodes the segment into buf, returning the number of bytes
// written. buf must be at least headerSize+len(Data).
func (s *segment) marshal(buf []byte) (int, error) {
	need := headerSize + len(s.Data)
	if len(buf) < need {
		return 0, ErrShortBuffer
	}
	binary.BigEndian.PutUint32(buf[0:4], s.ConvID)
	buf[4] = byte(s.Cmd)
	buf[5] = s.Frg
	binary.BigEndian.PutUint16(buf[6:8], s.Wnd)
	binary.BigEndian.PutUint32(buf[8:12], s.SN)
	binary.BigEndian.PutUint32(buf[12:16], s.Una)
	binary.BigEndian.PutUint16(buf[16:18], uint16(len(s.Data)))
	copy(buf[18:need], s.Data)
	return need, nil
}

// unmarshalSegment decodes one segment from buf. The returned segment's
// Data aliases buf, so callers that retain it across the next read must
// copy.
func unmarshalSegment(buf []byte) (*segment, error) {
	if len(buf) < headerSize {
		return nil, ErrShortBuffer
	}
	s := &segment{
		ConvID: binary.BigEndian.Uint32(buf[0:4]),
		Cmd:    Command(buf[4]),
		Frg:    buf[5],
		Wnd:    binary.BigEndian.Uint16(buf[6:8]),
		SN:     binary.BigEndian.Uint32(buf[8:12]),
		Una:    binary.BigEndian.Uint32(buf[12:16]),
	}
	l := binary.BigEndian.Uint16(buf[16:18])
	if len(buf) < headerSize+int(l) {
		return nil, ErrTruncated
	}
	s.Data = buf[headerSize : headerSize+int(l)]
	return s, nil
}

// LooksLikeTransportSegment is a cheap pre-check for the shared-socket
// demultiplexer: a transport segment is anything at least headerSize bytes
// long that isn't a recognized STUN message or punch probe (STUN and
// probe both have fixed, distinguishable magic values at the front; see
// §9's design note on content-based demultiplexing).
func LooksLikeTransportSegment(buf []byte) bool {
	return len(buf) >= headerSize
}

// ConvID extracts the conversation ID without fully decoding the segment,
// so the demultiplexer can route by conversation without allocating.
func ConvID(buf []byte) (uint32, bool) {
	if len(buf) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(buf[0:4]), true
}
