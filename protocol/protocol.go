// Package protocol defines the request/response schema spoken between the
// baker and the signer, and its canonical binary encoding. Decode is the
// exact inverse of encode; trailing bytes, short bodies and unknown tags
// are all rejected.
package protocol

import (
	"tz4.dev/signer/bls"
	"tz4.dev/signer/keyring"
)

// MaxBodyBytes bounds one encoded message. The u16 frame length cannot
// express more; encoders refuse larger bodies outright.
const MaxBodyBytes = 0xFFFF

// Request tags.
const (
	tagSign                       = 0x01
	tagPublicKey                  = 0x02
	tagKnownKeys                  = 0x03
	tagSupportsDeterministicNonce = 0x04
	tagProvePossession            = 0x05
	tagDeterministicNonce         = 0x06
	tagDeterministicNonceHash     = 0x07
	tagAuthorizedKeys             = 0x08
)

// Response tags.
const (
	tagRespError     = 0x00
	tagRespSignature = 0x01
	tagRespPublicKey = 0x02
	tagRespKnownKeys = 0x03
	tagRespBool      = 0x04
	tagRespNonce     = 0x05
)

// Request is one decoded signer request.
type Request interface {
	requestTag() byte
}

// SignRequest asks for a signature over Data by the key identified by PKH.
// Signature optionally carries a previously obtained signature for
// idempotent retries; Version selects the signature envelope.
type SignRequest struct {
	PKH       bls.PublicKeyHash
	Version   keyring.SignatureVersion
	Data      []byte
	Signature *bls.Signature
}

// PublicKeyRequest asks for the public key behind a hash.
type PublicKeyRequest struct {
	PKH bls.PublicKeyHash
}

// KnownKeysRequest lists the registered key hashes.
type KnownKeysRequest struct{}

// SupportsDeterministicNoncesRequest probes nonce support for a key.
type SupportsDeterministicNoncesRequest struct {
	PKH bls.PublicKeyHash
}

// ProvePossessionRequest asks for a BLS possession proof; OverridePK
// substitutes the proven message when non-nil.
type ProvePossessionRequest struct {
	PKH        bls.PublicKeyHash
	OverridePK *bls.PublicKey
}

// DeterministicNonceRequest asks for the deterministic nonce over Data.
type DeterministicNonceRequest struct {
	PKH  bls.PublicKeyHash
	Data []byte
}

// DeterministicNonceHashRequest asks for the hash of that nonce.
type DeterministicNonceHashRequest struct {
	PKH  bls.PublicKeyHash
	Data []byte
}

// AuthorizedKeysRequest asks which keys may authenticate requests; request
// authentication is not implemented, so the answer is always empty.
type AuthorizedKeysRequest struct{}

func (SignRequest) requestTag() byte                        { return tagSign }
func (PublicKeyRequest) requestTag() byte                   { return tagPublicKey }
func (KnownKeysRequest) requestTag() byte                   { return tagKnownKeys }
func (SupportsDeterministicNoncesRequest) requestTag() byte { return tagSupportsDeterministicNonce }
func (ProvePossessionRequest) requestTag() byte             { return tagProvePossession }
func (DeterministicNonceRequest) requestTag() byte          { return tagDeterministicNonce }
func (DeterministicNonceHashRequest) requestTag() byte      { return tagDeterministicNonceHash }
func (AuthorizedKeysRequest) requestTag() byte              { return tagAuthorizedKeys }

// Response is one decoded signer response.
type Response interface {
	responseTag() byte
}

// ErrorResponse carries a short textual error tag.
type ErrorResponse struct {
	Message string
}

// SignatureResponse carries a signature.
type SignatureResponse struct {
	Signature bls.Signature
}

// PublicKeyResponse carries a public key.
type PublicKeyResponse struct {
	PublicKey *bls.PublicKey
}

// KnownKeysResponse lists key hashes.
type KnownKeysResponse struct {
	Hashes []bls.PublicKeyHash
}

// BoolResponse carries a yes/no answer.
type BoolResponse struct {
	Value bool
}

// NonceResponse carries a 32-byte nonce or nonce hash.
type NonceResponse struct {
	Nonce [bls.NonceSize]byte
}

func (ErrorResponse) responseTag() byte     { return tagRespError }
func (SignatureResponse) responseTag() byte { return tagRespSignature }
func (PublicKeyResponse) responseTag() byte { return tagRespPublicKey }
func (KnownKeysResponse) responseTag() byte { return tagRespKnownKeys }
func (BoolResponse) responseTag() byte      { return tagRespBool }
func (NonceResponse) responseTag() byte     { return tagRespNonce }
