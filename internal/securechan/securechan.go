// Package securechan implements the secure framed channel (C5): every
// application message (and the supplemented alias exchange) is framed,
// AEAD-sealed with a rotating nonce, and length-prefixed. Compression, when
// enabled, happens before sealing using the same github.com/golang/snappy
// library std.CompStream wraps around a whole net.Conn; CompStream's
// shape is a continuous stream codec, which doesn't fit a channel that
// seals one discrete frame at a time, so snappy is applied directly
// per-frame here instead of reusing CompStream itself.
package securechan

import (
	"crypto/cipher"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/ghostlink/ghostlinkd/internal/cryptoprim"
	"github.com/ghostlink/ghostlinkd/internal/wire"
)

// MaxPlaintext is the maximum application payload this channel will seal,
// matching the control surface's own size-error threshold.
const MaxPlaintext = 16 * 1024

// FrameKind distinguishes a chat Message from the supplemented alias
// exchange, both carried over the same sealed-frame format.
type FrameKind uint8

const (
	FrameKindMessage FrameKind = 1
	FrameKindAlias   FrameKind = 2
)

// ErrTampered is returned by Recv (and surfaced by the caller as
// AuthenticationFailure) when the AEAD tag doesn't verify.
var ErrTampered = errors.New("securechan: authentication tag mismatch")

// ErrTooLarge is returned by Send when plaintext exceeds MaxPlaintext.
var ErrTooLarge = errors.New("securechan: plaintext exceeds maximum frame size")

// counterHeaderSize is the cleartext 8-byte counter carried ahead of the
// AEAD ciphertext so the receiver can check the strictly-increasing
// invariant before attempting to decrypt, distinguishing a replayed
// (stale-counter, valid-bytes) frame from an actually tampered one. The
// counter itself is not secret — exposing it no more weakens the scheme
// than the length prefix already does — only its misuse (reuse) would.
const counterHeaderSize = 8

// Channel is one direction-aware, counter-tracked secure channel layered
// over an already-open byte stream (a smux.Stream in practice).
type Channel struct {
	stream io.ReadWriter
	aead   cipher.AEAD
	role   cryptoprim.Role
	peer   cryptoprim.Role
	compress bool

	sendCounter uint64 // atomically incremented

	mu          sync.Mutex
	highestRecv int64 // -1 means none accepted yet
}

// NewChannel builds a Channel from a completed handshake.Result's output.
// initialSendCounter/initialHighestRecv account for the nonce the Confirm
// frame already spent (see internal/handshake.Result).
func NewChannel(stream io.ReadWriter, suite cryptoprim.Suite, keys cryptoprim.SessionKeys, role cryptoprim.Role, initialSendCounter uint64, initialHighestRecv int64, compress bool) (*Channel, error) {
	aead, err := cryptoprim.NewAEAD(suite, keys.SendKey)
	if err != nil {
		return nil, err
	}
	recvAEAD, err := cryptoprim.NewAEAD(suite, keys.RecvKey)
	if err != nil {
		return nil, err
	}

	peer := cryptoprim.RoleResponder
	if role == cryptoprim.RoleResponder {
		peer = cryptoprim.RoleInitiator
	}

	return &Channel{
		stream:      stream,
		aead:        &directionalAEAD{send: aead, recv: recvAEAD},
		role:        role,
		peer:        peer,
		compress:    compress,
		sendCounter: initialSendCounter,
		highestRecv: initialHighestRecv,
	}, nil
}

// directionalAEAD holds distinct send/recv AEAD instances (same suite,
// different keys) behind the single cipher.AEAD Channel embeds, since
// Seal always uses our send key and Open always uses our recv key.
type directionalAEAD struct {
	send cipher.AEAD
	recv cipher.AEAD
}

func (d *directionalAEAD) NonceSize() int { return d.send.NonceSize() }
func (d *directionalAEAD) Overhead() int  { return d.send.Overhead() }
func (d *directionalAEAD) Seal(dst, nonce, plaintext, ad []byte) []byte {
	return d.send.Seal(dst, nonce, plaintext, ad)
}
func (d *directionalAEAD) Open(dst, nonce, ciphertext, ad []byte) ([]byte, error) {
	return d.recv.Open(dst, nonce, ciphertext, ad)
}

// Send seals kind||plaintext (optionally snappy-compressed first) under
// the next send counter and writes it as one length-prefixed frame.
func (c *Channel) Send(kind FrameKind, plaintext []byte) error {
	if len(plaintext) > MaxPlaintext {
		return ErrTooLarge
	}

	inner := make([]byte, 1+len(plaintext))
	inner[0] = byte(kind)
	copy(inner[1:], plaintext)

	if c.compress {
		inner = append(inner[:1:1], snappy.Encode(nil, inner[1:])...)
	}

	counter := atomic.AddUint64(&c.sendCounter, 1) - 1
	nonce := cryptoprim.NonceCounter(c.role, counter)
	ciphertext := c.aead.Seal(nil, nonce[:], inner, nil)

	frame := make([]byte, counterHeaderSize+len(ciphertext))
	binary.BigEndian.PutUint64(frame[:counterHeaderSize], counter)
	copy(frame[counterHeaderSize:], ciphertext)

	return wire.WriteFrame(c.stream, frame)
}

// Recv reads and decrypts the next frame, silently dropping any frame
// whose counter is not strictly greater than the highest previously
// accepted one (a replay) and retrying, per the channel's anti-replay
// invariant. A genuine tamper (fresh counter, bad tag) returns ErrTampered
// and the caller is expected to terminate the session.
func (c *Channel) Recv() (FrameKind, []byte, error) {
	for {
		raw, err := wire.ReadFrame(c.stream)
		if err != nil {
			return 0, nil, errors.Wrap(err, "securechan: read frame")
		}
		if len(raw) < counterHeaderSize {
			return 0, nil, errors.New("securechan: frame shorter than counter header")
		}
		counter := binary.BigEndian.Uint64(raw[:counterHeaderSize])
		ciphertext := raw[counterHeaderSize:]

		c.mu.Lock()
		isReplay := int64(counter) <= c.highestRecv
		c.mu.Unlock()
		if isReplay {
			continue
		}

		nonce := cryptoprim.NonceCounter(c.peer, counter)
		inner, err := c.aead.Open(nil, nonce[:], ciphertext, nil)
		if err != nil {
			return 0, nil, ErrTampered
		}

		c.mu.Lock()
		if int64(counter) > c.highestRecv {
			c.highestRecv = int64(counter)
		}
		c.mu.Unlock()

		if len(inner) == 0 {
			return 0, nil, errors.New("securechan: empty sealed frame")
		}
		kind := FrameKind(inner[0])
		payload := inner[1:]
		if c.compress {
			decoded, err := snappy.Decode(nil, payload)
			if err != nil {
				return 0, nil, errors.Wrap(err, "securechan: decompress payload")
			}
			payload = decoded
		}
		return kind, payload, nil
	}
}
