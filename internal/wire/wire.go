// Package wire holds the small set of length-prefix helpers shared by the
// handshake and secure-channel framers, so both speak the same 4-byte
// big-endian length convention over a smux stream.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MaxFrameLen bounds any single length-prefixed frame this engine will
// read, well above the 16KiB application payload cap plus AEAD overhead,
// to stop a corrupt peer from making us allocate an unbounded buffer.
const MaxFrameLen = 1 << 20

// ErrFrameTooLarge is returned by ReadFrame when the advertised length
// exceeds MaxFrameLen.
var ErrFrameTooLarge = errors.New("wire: frame length exceeds maximum")

// WriteFrame writes a 4-byte big-endian length prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "wire: write length prefix")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "wire: write payload")
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, allocating a buffer sized to
// the advertised length.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errors.Wrap(err, "wire: read length prefix")
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameLen {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "wire: read payload")
	}
	return buf, nil
}
