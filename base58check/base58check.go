// Package base58check implements the prefix-tagged, double-SHA-256
// checksummed string codec used for every textual key, hash and signature
// form in the signer: tz4 addresses, BLpk/BLsk key material, BLsig
// signatures and Net chain ids.
package base58check

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

// Tagged prefixes. Each payload kind carries a distinct constant prefix so
// that a string pasted into the wrong field fails to decode.
var (
	PrefixPublicKeyHash = Prefix{name: "tz4", bytes: []byte{0x06, 0xa1, 0xa6}, payloadLen: 20}
	PrefixPublicKey     = Prefix{name: "BLpk", bytes: []byte{0x06, 0x95, 0x87, 0xcc}, payloadLen: 48}
	PrefixSecretKey     = Prefix{name: "BLsk", bytes: []byte{0x03, 0x96, 0xc0, 0x28}, payloadLen: 32}
	PrefixSignature     = Prefix{name: "BLsig", bytes: []byte{0x28, 0xab, 0x40, 0xcf}, payloadLen: 96}
	PrefixChainID       = Prefix{name: "Net", bytes: []byte{0x57, 0x52, 0x00}, payloadLen: 4}
	PrefixBlockHash     = Prefix{name: "B", bytes: []byte{0x01, 0x34}, payloadLen: 32}
)

// Prefix identifies one payload kind: the human-readable lead-in of the
// encoded string, the raw prefix bytes and the exact payload length.
type Prefix struct {
	name       string
	bytes      []byte
	payloadLen int
}

// Name returns the human-readable lead-in ("tz4", "BLpk", ...).
func (p Prefix) Name() string { return p.name }

// PayloadLen returns the exact payload length this prefix tags.
func (p Prefix) PayloadLen() int { return p.payloadLen }

func checksum4(data []byte) [4]byte {
	h1 := sha256.Sum256(data)
	h2 := sha256.Sum256(h1[:])
	var out [4]byte
	copy(out[:], h2[:4])
	return out
}

// Encode emits base58 of prefix || payload || chk4 where chk4 is the first
// four bytes of SHA-256(SHA-256(prefix || payload)).
func Encode(prefix, payload []byte) string {
	buf := make([]byte, 0, len(prefix)+len(payload)+4)
	buf = append(buf, prefix...)
	buf = append(buf, payload...)
	chk := checksum4(buf)
	buf = append(buf, chk[:]...)
	return base58.Encode(buf)
}

// Decode reverses Encode. It rejects strings whose decoded form is shorter
// than prefix+checksum, whose prefix differs, or whose checksum mismatches.
func Decode(s string, prefix []byte) ([]byte, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("base58check: %w", err)
	}
	if len(raw) < len(prefix)+4 {
		return nil, fmt.Errorf("base58check: too short (%d bytes)", len(raw))
	}
	if !bytes.Equal(raw[:len(prefix)], prefix) {
		return nil, fmt.Errorf("base58check: prefix mismatch")
	}
	body := raw[:len(raw)-4]
	chk := checksum4(body)
	if !bytes.Equal(raw[len(raw)-4:], chk[:]) {
		return nil, fmt.Errorf("base58check: checksum mismatch")
	}
	out := make([]byte, len(body)-len(prefix))
	copy(out, body[len(prefix):])
	return out, nil
}

// EncodeTagged encodes payload under a tagged prefix, enforcing the
// payload length the tag declares.
func EncodeTagged(p Prefix, payload []byte) (string, error) {
	if len(payload) != p.payloadLen {
		return "", fmt.Errorf("base58check: %s payload must be %d bytes, got %d", p.name, p.payloadLen, len(payload))
	}
	return Encode(p.bytes, payload), nil
}

// DecodeTagged decodes a string under a tagged prefix, enforcing the
// payload length the tag declares.
func DecodeTagged(p Prefix, s string) ([]byte, error) {
	payload, err := Decode(s, p.bytes)
	if err != nil {
		return nil, err
	}
	if len(payload) != p.payloadLen {
		return nil, fmt.Errorf("base58check: %s payload must be %d bytes, got %d", p.name, p.payloadLen, len(payload))
	}
	return payload, nil
}
