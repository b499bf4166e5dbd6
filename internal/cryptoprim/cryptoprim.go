// Package cryptoprim implements the cryptographic building blocks of the
// handshake and secure channel: X25519 key agreement, HKDF-SHA-256 key
// derivation, AEAD suite selection, nonce discipline, and the
// short-authentication-string fingerprint. The suite lookup table follows
// a simple name->constructor pattern, without the block-cipher-for-KCP
// machinery a kcp-go-backed table would otherwise carry.
package cryptoprim

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Suite identifies an AEAD algorithm, encoded as the single byte carried
// in HelloAck.chosen_suite.
type Suite uint8

const (
	SuiteChaCha20Poly1305 Suite = 1
	SuiteAES256GCM        Suite = 2
)

// SuiteMask is the bitmask Hello advertises; bit i corresponds to Suite(i).
type SuiteMask uint8

func (m SuiteMask) Has(s Suite) bool { return m&(1<<s) != 0 }

func MaskOf(suites ...Suite) SuiteMask {
	var m SuiteMask
	for _, s := range suites {
		m |= 1 << s
	}
	return m
}

// Role selects the fixed direction tag folded into every frame's nonce.
type Role uint32

const (
	RoleInitiator Role = 1
	RoleResponder Role = 2
)

// Keypair is an ephemeral X25519 key, generated fresh per session and
// never persisted, per the engine's memory-only session material rule.
type Keypair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeypair produces a fresh ephemeral X25519 keypair.
func GenerateKeypair() (Keypair, error) {
	var kp Keypair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, errors.Wrap(err, "cryptoprim: generate private scalar")
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, errors.Wrap(err, "cryptoprim: derive public key")
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SessionKeys holds the two directional AEAD keys derived for one session.
type SessionKeys struct {
	SendKey [32]byte
	RecvKey [32]byte
}

// DeriveSessionKeys computes the shared X25519 secret between ours and
// theirs, stretches it through HKDF-SHA-256 into 64 bytes, and splits the
// result by the lexicographic ordering of the two public keys so each
// side's send-key equals the other's recv-key.
func DeriveSessionKeys(ours Keypair, theirPub [32]byte, saltA, saltB [16]byte) (SessionKeys, error) {
	shared, err := curve25519.X25519(ours.Private[:], theirPub[:])
	if err != nil {
		return SessionKeys{}, errors.Wrap(err, "cryptoprim: X25519 agreement")
	}

	// Fold both nonce salts into the HKDF info so each handshake binds to
	// its own salt pair, not just the static keys.
	info := append(append([]byte{}, saltA[:]...), saltB[:]...)
	h := hkdf.New(sha256.New, shared, nil, info)
	out := make([]byte, 64)
	if _, err := io.ReadFull(h, out); err != nil {
		return SessionKeys{}, errors.Wrap(err, "cryptoprim: HKDF expand")
	}

	var keys SessionKeys
	lowerIsOurs := bytes.Compare(ours.Public[:], theirPub[:]) < 0
	if lowerIsOurs {
		copy(keys.SendKey[:], out[0:32])
		copy(keys.RecvKey[:], out[32:64])
	} else {
		copy(keys.SendKey[:], out[32:64])
		copy(keys.RecvKey[:], out[0:32])
	}
	return keys, nil
}

// NewAEAD constructs the cipher.AEAD for the chosen suite and key.
func NewAEAD(suite Suite, key [32]byte) (cipher.AEAD, error) {
	switch suite {
	case SuiteChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key[:])
		if err != nil {
			return nil, errors.Wrap(err, "cryptoprim: construct chacha20poly1305")
		}
		return aead, nil
	case SuiteAES256GCM:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, errors.Wrap(err, "cryptoprim: construct aes cipher")
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, errors.Wrap(err, "cryptoprim: construct aes-gcm")
		}
		return aead, nil
	default:
		return nil, errors.Errorf("cryptoprim: unknown suite %d", suite)
	}
}

// SuiteByName maps the GHOSTLINK_CIPHER env/CLI value to a Suite via a
// simple name-keyed lookup.
func SuiteByName(name string) (Suite, error) {
	switch name {
	case "", "chacha20":
		return SuiteChaCha20Poly1305, nil
	case "aes256":
		return SuiteAES256GCM, nil
	default:
		return 0, errors.Errorf("cryptoprim: unknown cipher suite %q", name)
	}
}

// NonceCounter builds the 12-byte nonce: 4-byte direction tag || 8-byte
// big-endian counter.
func NonceCounter(role Role, counter uint64) [12]byte {
	var n [12]byte
	binary.BigEndian.PutUint32(n[0:4], uint32(role))
	binary.BigEndian.PutUint64(n[4:12], counter)
	return n
}

// Fingerprint renders the SAS: SHA-256 over the lexicographically sorted
// public key pair, as 6 groups of 4 uppercase hex digits.
func Fingerprint(pubA, pubB [32]byte) string {
	var lo, hi [32]byte
	if bytes.Compare(pubA[:], pubB[:]) < 0 {
		lo, hi = pubA, pubB
	} else {
		lo, hi = pubB, pubA
	}
	h := sha256.Sum256(append(append([]byte{}, lo[:]...), hi[:]...))
	hex := fmt.Sprintf("%X", h[:12]) // 24 hex chars -> 6 groups of 4
	var groups []string
	for i := 0; i < len(hex); i += 4 {
		groups = append(groups, hex[i:i+4])
	}
	out := groups[0]
	for _, g := range groups[1:] {
		out += " " + g
	}
	return out
}

// ConstantTimeEqual reports whether a and b are equal, resistant to timing
// side channels; used for the Confirm proof check in the handshake.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
