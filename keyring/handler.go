// Package keyring holds the in-memory key material of a running signer:
// one handler per secret key, the registry mapping public key hashes to
// handlers, and the wallet files they are loaded from.
package keyring

import (
	"errors"
	"fmt"

	"tz4.dev/signer/bls"
	"tz4.dev/signer/magicbytes"
)

// SignatureVersion selects the signature envelope the caller expects.
// BLS keys exist only in version 2; versions 0 and 1 are refused.
type SignatureVersion int

// Signature versions. VersionUnspecified behaves as the latest.
const (
	VersionUnspecified SignatureVersion = iota
	Version0
	Version1
	Version2
)

// ErrVersionUnsupported is returned when a V0/V1 signature is requested.
var ErrVersionUnsupported = errors.New("keyring: BLS keys require signature version 2")

// Handler owns one secret key with its derived public key and hash, plus
// an optional magic-byte allow-list applied before every signature.
type Handler struct {
	sk      *bls.SecretKey
	pk      *bls.PublicKey
	pkh     bls.PublicKeyHash
	allowed []byte
}

// NewHandler builds a handler. A nil allow-list permits every payload.
func NewHandler(sk *bls.SecretKey, allowed []byte) *Handler {
	pk := sk.PublicKey()
	return &Handler{sk: sk, pk: pk, pkh: pk.Hash(), allowed: allowed}
}

// HandlerFromB58Check builds a handler from a BLsk string.
func HandlerFromB58Check(skB58 string, allowed []byte) (*Handler, error) {
	sk, err := bls.ParseSecretKey(skB58)
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	return NewHandler(sk, allowed), nil
}

// NewTenderbakeHandler builds a handler restricted to consensus payloads.
func NewTenderbakeHandler(sk *bls.SecretKey) *Handler {
	return NewHandler(sk, magicbytes.TenderbakeOnly())
}

// PublicKey returns the derived public key.
func (h *Handler) PublicKey() *bls.PublicKey { return h.pk }

// PublicKeyHash returns the derived public key hash.
func (h *Handler) PublicKeyHash() bls.PublicKeyHash { return h.pkh }

// Sign checks the allow-list and version gate, then signs
// watermark || data.
func (h *Handler) Sign(data, watermark []byte, version SignatureVersion) (bls.Signature, error) {
	if err := magicbytes.Check(data, h.allowed); err != nil {
		return bls.Signature{}, err
	}
	switch version {
	case Version0, Version1:
		return bls.Signature{}, ErrVersionUnsupported
	case Version2, VersionUnspecified:
	default:
		return bls.Signature{}, fmt.Errorf("keyring: unknown signature version %d", version)
	}
	return bls.Sign(h.sk, data, watermark), nil
}

// ProvePossession signs the handler's own public key under the possession
// tag; overridePK substitutes the signed message when non-nil.
func (h *Handler) ProvePossession(overridePK *bls.PublicKey) bls.Signature {
	if overridePK != nil {
		return bls.PopProve(h.sk, overridePK.Bytes())
	}
	return bls.PopProve(h.sk, nil)
}

// DeterministicNonce derives the RNG-free nonce for data.
func (h *Handler) DeterministicNonce(data []byte) [bls.NonceSize]byte {
	return bls.DeterministicNonce(h.sk, data)
}

// DeterministicNonceHash derives the Blake2b hash of the nonce.
func (h *Handler) DeterministicNonceHash(data []byte) [bls.NonceSize]byte {
	return bls.DeterministicNonceHash(h.sk, data)
}

// SupportsDeterministicNonces is always true for BLS keys.
func (h *Handler) SupportsDeterministicNonces() bool { return true }
