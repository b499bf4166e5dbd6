// Package handshake implements the three-frame authenticated key-exchange
// (C4): Hello, HelloAck, Confirm, run over the smux stream opened atop
// the established reliable-UDP connection. Frame layout follows the
// explicit header-struct-plus-bounds-checked-buffer idiom used for every
// wire structure in this engine (see internal/punch), length-prefixed via
// internal/wire so every stream in this engine deals in whole framed
// units rather than raw byte soup.
package handshake

import (
	"context"
	"crypto/rand"
	"net"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"

	"github.com/ghostlink/ghostlinkd/internal/cryptoprim"
	"github.com/ghostlink/ghostlinkd/internal/wire"
)

// Deadline is the total time budget for the handshake, from the first
// Hello send to Confirm validation.
const Deadline = 10 * time.Second

const protocolVersion = 1

// ErrVersionMismatch, ErrNoSuiteOverlap, and ErrConfirmFailed are the
// distinct ways a handshake can fail; session maps all of them to
// Disconnected with reason "handshake failed".
var (
	ErrVersionMismatch = errors.New("handshake: unsupported protocol version")
	ErrNoSuiteOverlap  = errors.New("handshake: no overlapping cipher suite")
	ErrConfirmFailed   = errors.New("handshake: confirm validation failed")
)

// hello is the initiator's first frame.
type hello struct {
	Version      uint8
	Suites       cryptoprim.SuiteMask
	EphemeralPub [32]byte
	NonceSalt    [16]byte
}

const helloSize = 1 + 1 + 32 + 16

func (h hello) marshal() []byte {
	buf := make([]byte, helloSize)
	buf[0] = h.Version
	buf[1] = byte(h.Suites)
	copy(buf[2:34], h.EphemeralPub[:])
	copy(buf[34:50], h.NonceSalt[:])
	return buf
}

func unmarshalHello(buf []byte) (hello, error) {
	var h hello
	if len(buf) != helloSize {
		return h, errors.New("handshake: malformed Hello frame")
	}
	h.Version = buf[0]
	h.Suites = cryptoprim.SuiteMask(buf[1])
	copy(h.EphemeralPub[:], buf[2:34])
	copy(h.NonceSalt[:], buf[34:50])
	return h, nil
}

// helloAck is the responder's reply.
type helloAck struct {
	Version      uint8
	ChosenSuite  cryptoprim.Suite
	EphemeralPub [32]byte
	NonceSalt    [16]byte
}

const helloAckSize = 1 + 1 + 32 + 16

func (a helloAck) marshal() []byte {
	buf := make([]byte, helloAckSize)
	buf[0] = a.Version
	buf[1] = byte(a.ChosenSuite)
	copy(buf[2:34], a.EphemeralPub[:])
	copy(buf[34:50], a.NonceSalt[:])
	return buf
}

func unmarshalHelloAck(buf []byte) (helloAck, error) {
	var a helloAck
	if len(buf) != helloAckSize {
		return a, errors.New("handshake: malformed HelloAck frame")
	}
	a.Version = buf[0]
	a.ChosenSuite = cryptoprim.Suite(buf[1])
	copy(a.EphemeralPub[:], buf[2:34])
	copy(a.NonceSalt[:], buf[34:50])
	return a, nil
}

// Result carries everything the secure channel needs once the handshake
// completes: the derived keys, the chosen suite, this side's role, the
// fingerprint for display, and the nonce-counter bookkeeping the Confirm
// frame already consumed (only the initiator's direction loses counter 0
// to Confirm, so both sides must start from the right place to keep the
// receiver's strictly-increasing-counter invariant intact).
type Result struct {
	Keys                      cryptoprim.SessionKeys
	Suite                     cryptoprim.Suite
	Role                      cryptoprim.Role
	Fingerprint               string
	InitialSendCounter        uint64
	InitialHighestRecvCounter int64
}

func randSalt() ([16]byte, error) {
	var s [16]byte
	_, err := rand.Read(s[:])
	return s, err
}

// RunInitiator drives the Hello->HelloAck->Confirm exchange as the side
// that called Connect.
func RunInitiator(ctx context.Context, stream net.Conn, kp cryptoprim.Keypair, suites cryptoprim.SuiteMask) (*Result, error) {
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	} else {
		stream.SetDeadline(time.Now().Add(Deadline))
	}

	helloSalt, err := randSalt()
	if err != nil {
		return nil, errors.Wrap(err, "handshake: generate nonce salt")
	}
	h := hello{Version: protocolVersion, Suites: suites, EphemeralPub: kp.Public, NonceSalt: helloSalt}
	if err := wire.WriteFrame(stream, h.marshal()); err != nil {
		return nil, errors.Wrap(err, "handshake: send Hello")
	}

	ackBuf, err := wire.ReadFrame(stream)
	if err != nil {
		return nil, errors.Wrap(err, "handshake: read HelloAck")
	}
	ack, err := unmarshalHelloAck(ackBuf)
	if err != nil {
		return nil, err
	}
	if ack.Version != protocolVersion {
		return nil, ErrVersionMismatch
	}
	if !suites.Has(ack.ChosenSuite) {
		color.Red("handshake: responder chose suite %d outside our advertised mask %08b", ack.ChosenSuite, suites)
		return nil, ErrNoSuiteOverlap
	}

	keys, err := cryptoprim.DeriveSessionKeys(kp, ack.EphemeralPub, h.NonceSalt, ack.NonceSalt)
	if err != nil {
		return nil, errors.Wrap(err, "handshake: derive session keys")
	}
	fp := cryptoprim.Fingerprint(kp.Public, ack.EphemeralPub)

	aead, err := cryptoprim.NewAEAD(ack.ChosenSuite, keys.SendKey)
	if err != nil {
		return nil, err
	}
	nonce := cryptoprim.NonceCounter(cryptoprim.RoleInitiator, 0)
	confirm := aead.Seal(nil, nonce[:], nil, nil)
	if err := wire.WriteFrame(stream, confirm); err != nil {
		return nil, errors.Wrap(err, "handshake: send Confirm")
	}

	return &Result{
		Keys:                      keys,
		Suite:                     ack.ChosenSuite,
		Role:                      cryptoprim.RoleInitiator,
		Fingerprint:               fp,
		InitialSendCounter:        1, // counter 0 spent on Confirm
		InitialHighestRecvCounter: -1,
	}, nil
}

// RunResponder drives the same exchange for the side that accepted the
// punched connection. preferred is the set of suites we're willing to
// pick from the initiator's advertised bitmask, in preference order.
func RunResponder(ctx context.Context, stream net.Conn, kp cryptoprim.Keypair, preferred []cryptoprim.Suite) (*Result, error) {
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	} else {
		stream.SetDeadline(time.Now().Add(Deadline))
	}

	helloBuf, err := wire.ReadFrame(stream)
	if err != nil {
		return nil, errors.Wrap(err, "handshake: read Hello")
	}
	h, err := unmarshalHello(helloBuf)
	if err != nil {
		return nil, err
	}
	if h.Version != protocolVersion {
		return nil, ErrVersionMismatch
	}

	var chosen cryptoprim.Suite
	found := false
	for _, s := range preferred {
		if h.Suites.Has(s) {
			chosen = s
			found = true
			break
		}
	}
	if !found {
		color.Red("handshake: no suite overlap, initiator advertised %08b, we support %v", h.Suites, preferred)
		return nil, ErrNoSuiteOverlap
	}

	ackSalt, err := randSalt()
	if err != nil {
		return nil, errors.Wrap(err, "handshake: generate nonce salt")
	}
	ack := helloAck{Version: protocolVersion, ChosenSuite: chosen, EphemeralPub: kp.Public, NonceSalt: ackSalt}
	if err := wire.WriteFrame(stream, ack.marshal()); err != nil {
		return nil, errors.Wrap(err, "handshake: send HelloAck")
	}

	keys, err := cryptoprim.DeriveSessionKeys(kp, h.EphemeralPub, h.NonceSalt, ackSalt)
	if err != nil {
		return nil, errors.Wrap(err, "handshake: derive session keys")
	}
	fp := cryptoprim.Fingerprint(kp.Public, h.EphemeralPub)

	confirmBuf, err := wire.ReadFrame(stream)
	if err != nil {
		return nil, errors.Wrap(err, "handshake: read Confirm")
	}
	aead, err := cryptoprim.NewAEAD(chosen, keys.RecvKey)
	if err != nil {
		return nil, err
	}
	nonce := cryptoprim.NonceCounter(cryptoprim.RoleInitiator, 0)
	if _, err := aead.Open(nil, nonce[:], confirmBuf, nil); err != nil {
		return nil, ErrConfirmFailed
	}

	return &Result{
		Keys:                      keys,
		Suite:                     chosen,
		Role:                      cryptoprim.RoleResponder,
		Fingerprint:               fp,
		InitialSendCounter:        0,
		InitialHighestRecvCounter: 0, // Confirm already consumed initiator's counter 0
	}, nil
}

// SuitesToBitmask builds a Hello's advertised mask from an ordered
// preference list, for cmd/ghostlinkd and internal/session.
func SuitesToBitmask(suites []cryptoprim.Suite) cryptoprim.SuiteMask {
	return cryptoprim.MaskOf(suites...)
}
