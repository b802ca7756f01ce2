// Package bls wraps the blst BLS12-381 implementation in the min-pk
// variant used on the wire: 48-byte compressed public keys in G1, 96-byte
// compressed signatures in G2, 32-byte secret scalars.
//
// Message signatures use the augmented scheme (the compressed public key is
// prepended to the hashed message); possession proofs use the POP scheme.
// Secret scalars cross the base58check boundary little-endian, which is the
// network convention, while blst serializes big-endian; the conversion
// (reverse32) happens only in ParseSecretKey and SecretKey.B58Check.
package bls

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"golang.org/x/crypto/blake2b"

	"tz4.dev/signer/base58check"
)

const (
	// PublicKeySize is the compressed G1 point length.
	PublicKeySize = 48
	// SecretKeySize is the scalar field element length.
	SecretKeySize = 32
	// SignatureSize is the compressed G2 point length.
	SignatureSize = 96
	// PublicKeyHashSize is the Blake2b digest length of a public key hash.
	PublicKeyHashSize = 20
	// NonceSize is the deterministic nonce length.
	NonceSize = 32
)

// Domain separation tags. dstSig matches the network's augmented min-pk
// scheme; dstPop is the possession-proof tag.
var (
	dstSig = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_AUG_")
	dstPop = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_")
)

var (
	// ErrDecode reports bytes that do not decode to a curve point or scalar.
	ErrDecode = errors.New("bls: invalid point or scalar")
	// ErrZeroKey reports the all-zero secret scalar.
	ErrZeroKey = errors.New("bls: zero secret key")
)

// PublicKeyHash is the 20-byte Blake2b hash of a compressed public key.
type PublicKeyHash [PublicKeyHashSize]byte

// B58Check returns the tz4 form.
func (h PublicKeyHash) B58Check() string {
	s, _ := base58check.EncodeTagged(base58check.PrefixPublicKeyHash, h[:])
	return s
}

func (h PublicKeyHash) String() string { return h.B58Check() }

// ParsePublicKeyHash decodes a tz4 string.
func ParsePublicKeyHash(s string) (PublicKeyHash, error) {
	var h PublicKeyHash
	payload, err := base58check.DecodeTagged(base58check.PrefixPublicKeyHash, s)
	if err != nil {
		return h, err
	}
	copy(h[:], payload)
	return h, nil
}

// PublicKeyHashFromBytes copies a raw 20-byte hash.
func PublicKeyHashFromBytes(b []byte) (PublicKeyHash, error) {
	var h PublicKeyHash
	if len(b) != PublicKeyHashSize {
		return h, fmt.Errorf("bls: public key hash must be %d bytes, got %d", PublicKeyHashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// PublicKey is a min-pk public key (G1).
type PublicKey struct {
	point      *blst.P1Affine
	compressed [PublicKeySize]byte
}

// PublicKeyFromBytes decodes a 48-byte compressed G1 point.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	if len(b) != PublicKeySize {
		return nil, fmt.Errorf("bls: public key must be %d bytes, got %d", PublicKeySize, len(b))
	}
	p := new(blst.P1Affine).Uncompress(b)
	if p == nil || !p.KeyValidate() {
		return nil, ErrDecode
	}
	pk := &PublicKey{point: p}
	copy(pk.compressed[:], b)
	return pk, nil
}

// ParsePublicKey decodes a BLpk string.
func ParsePublicKey(s string) (*PublicKey, error) {
	payload, err := base58check.DecodeTagged(base58check.PrefixPublicKey, s)
	if err != nil {
		return nil, err
	}
	return PublicKeyFromBytes(payload)
}

// Bytes returns the compressed form.
func (pk *PublicKey) Bytes() []byte {
	out := make([]byte, PublicKeySize)
	copy(out, pk.compressed[:])
	return out
}

// B58Check returns the BLpk form.
func (pk *PublicKey) B58Check() string {
	s, _ := base58check.EncodeTagged(base58check.PrefixPublicKey, pk.compressed[:])
	return s
}

// Hash returns the Blake2b-160 public key hash.
func (pk *PublicKey) Hash() PublicKeyHash {
	var h PublicKeyHash
	d, _ := blake2b.New(PublicKeyHashSize, nil)
	d.Write(pk.compressed[:])
	copy(h[:], d.Sum(nil))
	return h
}

// Equal reports whether two public keys have the same compressed form.
func (pk *PublicKey) Equal(other *PublicKey) bool {
	return other != nil && pk.compressed == other.compressed
}

// SecretKey is a secret scalar with its derived public key.
type SecretKey struct {
	scalar *blst.SecretKey
	public *PublicKey
}

func newSecretKey(scalar *blst.SecretKey) (*SecretKey, error) {
	ser := scalar.Serialize()
	if isZero(ser) {
		return nil, ErrZeroKey
	}
	point := new(blst.P1Affine).From(scalar)
	pk := &PublicKey{point: point}
	copy(pk.compressed[:], point.Compress())
	return &SecretKey{scalar: scalar, public: pk}, nil
}

func isZero(b []byte) bool {
	var acc byte
	for _, x := range b {
		acc |= x
	}
	return subtle.ConstantTimeByteEq(acc, 0) == 1
}

// SecretKeyFromBytes decodes a big-endian 32-byte scalar.
func SecretKeyFromBytes(b []byte) (*SecretKey, error) {
	if len(b) != SecretKeySize {
		return nil, fmt.Errorf("bls: secret key must be %d bytes, got %d", SecretKeySize, len(b))
	}
	scalar := new(blst.SecretKey).Deserialize(b)
	if scalar == nil {
		return nil, ErrDecode
	}
	return newSecretKey(scalar)
}

// ParseSecretKey decodes a BLsk string. The envelope carries the scalar
// little-endian; blst wants big-endian.
func ParseSecretKey(s string) (*SecretKey, error) {
	payload, err := base58check.DecodeTagged(base58check.PrefixSecretKey, s)
	if err != nil {
		return nil, err
	}
	return SecretKeyFromBytes(reverse32(payload))
}

// Serialize returns the big-endian scalar bytes.
func (sk *SecretKey) Serialize() []byte {
	return sk.scalar.Serialize()
}

// B58Check returns the BLsk form (little-endian envelope).
func (sk *SecretKey) B58Check() string {
	s, _ := base58check.EncodeTagged(base58check.PrefixSecretKey, reverse32(sk.scalar.Serialize()))
	return s
}

// PublicKey returns the derived public key.
func (sk *SecretKey) PublicKey() *PublicKey { return sk.public }

func reverse32(b []byte) []byte {
	out := make([]byte, len(b))
	for i, x := range b {
		out[len(b)-1-i] = x
	}
	return out
}

// Signature is a compressed G2 signature.
type Signature [SignatureSize]byte

// SignatureFromBytes copies a raw 96-byte signature.
func SignatureFromBytes(b []byte) (Signature, error) {
	var sig Signature
	if len(b) != SignatureSize {
		return sig, fmt.Errorf("bls: signature must be %d bytes, got %d", SignatureSize, len(b))
	}
	copy(sig[:], b)
	return sig, nil
}

// ParseSignature decodes a BLsig string.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	payload, err := base58check.DecodeTagged(base58check.PrefixSignature, s)
	if err != nil {
		return sig, err
	}
	copy(sig[:], payload)
	return sig, nil
}

// B58Check returns the BLsig form.
func (s Signature) B58Check() string {
	out, _ := base58check.EncodeTagged(base58check.PrefixSignature, s[:])
	return out
}

func (s Signature) String() string { return s.B58Check() }

// GenerateKey derives a key triple. With a nil seed it draws 32 bytes from
// the OS RNG; with a seed it is deterministic.
func GenerateKey(seed *[32]byte) (PublicKeyHash, *PublicKey, *SecretKey, error) {
	var ikm [32]byte
	if seed != nil {
		ikm = *seed
	} else if _, err := rand.Read(ikm[:]); err != nil {
		return PublicKeyHash{}, nil, nil, fmt.Errorf("bls: read entropy: %w", err)
	}
	scalar := blst.KeyGen(ikm[:])
	if scalar == nil {
		return PublicKeyHash{}, nil, nil, errors.New("bls: key generation failed")
	}
	sk, err := newSecretKey(scalar)
	if err != nil {
		return PublicKeyHash{}, nil, nil, err
	}
	pk := sk.PublicKey()
	return pk.Hash(), pk, sk, nil
}

func message(watermark, msg []byte) []byte {
	if len(watermark) == 0 {
		return msg
	}
	out := make([]byte, 0, len(watermark)+len(msg))
	out = append(out, watermark...)
	return append(out, msg...)
}

// Sign hashes watermark || msg into G2 under the augmented scheme and signs.
func Sign(sk *SecretKey, msg, watermark []byte) Signature {
	m := message(watermark, msg)
	point := new(blst.P2Affine).Sign(sk.scalar, m, dstSig, true, sk.public.compressed[:])
	var sig Signature
	copy(sig[:], point.Compress())
	return sig
}

// Verify is the inverse of Sign.
func Verify(pk *PublicKey, sig Signature, msg, watermark []byte) bool {
	point := new(blst.P2Affine).Uncompress(sig[:])
	if point == nil {
		return false
	}
	m := message(watermark, msg)
	return point.Verify(true, pk.point, true, m, dstSig, true, pk.compressed[:])
}

// PopProve signs msg under the possession-proof tag. A nil msg defaults to
// the signer's compressed public key.
func PopProve(sk *SecretKey, msg []byte) Signature {
	if msg == nil {
		msg = sk.public.compressed[:]
	}
	point := new(blst.P2Affine).Sign(sk.scalar, msg, dstPop)
	var sig Signature
	copy(sig[:], point.Compress())
	return sig
}

// PopVerify is the inverse of PopProve.
func PopVerify(pk *PublicKey, sig Signature, msg []byte) bool {
	if msg == nil {
		msg = pk.compressed[:]
	}
	point := new(blst.P2Affine).Uncompress(sig[:])
	if point == nil {
		return false
	}
	return point.Verify(true, pk.point, true, msg, dstPop)
}

// DeterministicNonce derives a 32-byte nonce as a pure function of
// (sk, data): HMAC-SHA-256 keyed by the serialized scalar. No OS RNG.
func DeterministicNonce(sk *SecretKey, data []byte) [NonceSize]byte {
	mac := hmac.New(sha256.New, sk.scalar.Serialize())
	mac.Write(data)
	var out [NonceSize]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// DeterministicNonceHash is the Blake2b-256 hash of the deterministic nonce.
func DeterministicNonceHash(sk *SecretKey, data []byte) [NonceSize]byte {
	nonce := DeterministicNonce(sk, data)
	return blake2b.Sum256(nonce[:])
}
