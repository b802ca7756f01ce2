package protocol

import (
	"encoding/binary"
	"fmt"

	"tz4.dev/signer/bls"
	"tz4.dev/signer/keyring"
)

// Version wire values. 0xff means "unspecified / latest".
const versionUnspecifiedWire = 0xff

func versionToWire(v keyring.SignatureVersion) byte {
	switch v {
	case keyring.Version0:
		return 0
	case keyring.Version1:
		return 1
	case keyring.Version2:
		return 2
	default:
		return versionUnspecifiedWire
	}
}

func versionFromWire(b byte) (keyring.SignatureVersion, error) {
	switch b {
	case 0:
		return keyring.Version0, nil
	case 1:
		return keyring.Version1, nil
	case 2:
		return keyring.Version2, nil
	case versionUnspecifiedWire:
		return keyring.VersionUnspecified, nil
	default:
		return 0, fmt.Errorf("protocol: unknown signature version byte 0x%02x", b)
	}
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) u8() (byte, error) {
	if r.off+1 > len(r.buf) {
		return 0, fmt.Errorf("protocol: truncated body")
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) u32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, fmt.Errorf("protocol: truncated body")
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, fmt.Errorf("protocol: truncated body")
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) bytes32() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > MaxBodyBytes {
		return nil, fmt.Errorf("protocol: declared length %d exceeds body bound", n)
	}
	return r.take(int(n))
}

func (r *reader) finish() error {
	if r.off != len(r.buf) {
		return fmt.Errorf("protocol: %d trailing bytes", len(r.buf)-r.off)
	}
	return nil
}

func appendBytes32(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

// EncodeRequest emits the canonical body for a request. Bodies over
// MaxBodyBytes are refused.
func EncodeRequest(req Request) ([]byte, error) {
	var out []byte
	switch r := req.(type) {
	case SignRequest:
		out = append(out, tagSign)
		out = append(out, r.PKH[:]...)
		out = append(out, versionToWire(r.Version))
		out = appendBytes32(out, r.Data)
		if r.Signature != nil {
			out = append(out, 1)
			out = append(out, r.Signature[:]...)
		} else {
			out = append(out, 0)
		}
	case PublicKeyRequest:
		out = append(out, tagPublicKey)
		out = append(out, r.PKH[:]...)
	case KnownKeysRequest:
		out = append(out, tagKnownKeys)
	case SupportsDeterministicNoncesRequest:
		out = append(out, tagSupportsDeterministicNonce)
		out = append(out, r.PKH[:]...)
	case ProvePossessionRequest:
		out = append(out, tagProvePossession)
		out = append(out, r.PKH[:]...)
		if r.OverridePK != nil {
			out = append(out, 1)
			out = append(out, r.OverridePK.Bytes()...)
		} else {
			out = append(out, 0)
		}
	case DeterministicNonceRequest:
		out = append(out, tagDeterministicNonce)
		out = append(out, r.PKH[:]...)
		out = appendBytes32(out, r.Data)
	case DeterministicNonceHashRequest:
		out = append(out, tagDeterministicNonceHash)
		out = append(out, r.PKH[:]...)
		out = appendBytes32(out, r.Data)
	case AuthorizedKeysRequest:
		out = append(out, tagAuthorizedKeys)
	default:
		return nil, fmt.Errorf("protocol: unknown request type %T", req)
	}
	if len(out) > MaxBodyBytes {
		return nil, fmt.Errorf("protocol: encoded request is %d bytes, bound is %d", len(out), MaxBodyBytes)
	}
	return out, nil
}

func decodePKH(r *reader) (bls.PublicKeyHash, error) {
	raw, err := r.take(bls.PublicKeyHashSize)
	if err != nil {
		return bls.PublicKeyHash{}, err
	}
	return bls.PublicKeyHashFromBytes(raw)
}

// DecodeRequest parses one request body.
func DecodeRequest(body []byte) (Request, error) {
	r := &reader{buf: body}
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	var req Request
	switch tag {
	case tagSign:
		var sr SignRequest
		if sr.PKH, err = decodePKH(r); err != nil {
			return nil, err
		}
		vb, err := r.u8()
		if err != nil {
			return nil, err
		}
		if sr.Version, err = versionFromWire(vb); err != nil {
			return nil, err
		}
		data, err := r.bytes32()
		if err != nil {
			return nil, err
		}
		sr.Data = append([]byte(nil), data...)
		present, err := r.u8()
		if err != nil {
			return nil, err
		}
		switch present {
		case 0:
		case 1:
			raw, err := r.take(bls.SignatureSize)
			if err != nil {
				return nil, err
			}
			sig, err := bls.SignatureFromBytes(raw)
			if err != nil {
				return nil, err
			}
			sr.Signature = &sig
		default:
			return nil, fmt.Errorf("protocol: bad presence byte 0x%02x", present)
		}
		req = sr
	case tagPublicKey:
		var pr PublicKeyRequest
		if pr.PKH, err = decodePKH(r); err != nil {
			return nil, err
		}
		req = pr
	case tagKnownKeys:
		req = KnownKeysRequest{}
	case tagSupportsDeterministicNonce:
		var sr SupportsDeterministicNoncesRequest
		if sr.PKH, err = decodePKH(r); err != nil {
			return nil, err
		}
		req = sr
	case tagProvePossession:
		var pr ProvePossessionRequest
		if pr.PKH, err = decodePKH(r); err != nil {
			return nil, err
		}
		present, err := r.u8()
		if err != nil {
			return nil, err
		}
		switch present {
		case 0:
		case 1:
			raw, err := r.take(bls.PublicKeySize)
			if err != nil {
				return nil, err
			}
			pk, err := bls.PublicKeyFromBytes(raw)
			if err != nil {
				return nil, err
			}
			pr.OverridePK = pk
		default:
			return nil, fmt.Errorf("protocol: bad presence byte 0x%02x", present)
		}
		req = pr
	case tagDeterministicNonce, tagDeterministicNonceHash:
		pkh, err := decodePKH(r)
		if err != nil {
			return nil, err
		}
		data, err := r.bytes32()
		if err != nil {
			return nil, err
		}
		data = append([]byte(nil), data...)
		if tag == tagDeterministicNonce {
			req = DeterministicNonceRequest{PKH: pkh, Data: data}
		} else {
			req = DeterministicNonceHashRequest{PKH: pkh, Data: data}
		}
	case tagAuthorizedKeys:
		req = AuthorizedKeysRequest{}
	default:
		return nil, fmt.Errorf("protocol: unknown request tag 0x%02x", tag)
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return req, nil
}

// EncodeResponse emits the canonical body for a response.
func EncodeResponse(resp Response) ([]byte, error) {
	var out []byte
	switch r := resp.(type) {
	case ErrorResponse:
		out = append(out, tagRespError)
		out = appendBytes32(out, []byte(r.Message))
	case SignatureResponse:
		out = append(out, tagRespSignature)
		out = append(out, r.Signature[:]...)
	case PublicKeyResponse:
		out = append(out, tagRespPublicKey)
		out = append(out, r.PublicKey.Bytes()...)
	case KnownKeysResponse:
		out = append(out, tagRespKnownKeys)
		out = binary.BigEndian.AppendUint32(out, uint32(len(r.Hashes)))
		for _, h := range r.Hashes {
			out = append(out, h[:]...)
		}
	case BoolResponse:
		out = append(out, tagRespBool)
		if r.Value {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
	case NonceResponse:
		out = append(out, tagRespNonce)
		out = append(out, r.Nonce[:]...)
	default:
		return nil, fmt.Errorf("protocol: unknown response type %T", resp)
	}
	if len(out) > MaxBodyBytes {
		return nil, fmt.Errorf("protocol: encoded response is %d bytes, bound is %d", len(out), MaxBodyBytes)
	}
	return out, nil
}

// DecodeResponse parses one response body and type-checks it against the
// request it answers: a non-error response of the wrong kind is a protocol
// violation.
func DecodeResponse(body []byte, req Request) (Response, error) {
	r := &reader{buf: body}
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	var resp Response
	switch tag {
	case tagRespError:
		msg, err := r.bytes32()
		if err != nil {
			return nil, err
		}
		resp = ErrorResponse{Message: string(msg)}
	case tagRespSignature:
		raw, err := r.take(bls.SignatureSize)
		if err != nil {
			return nil, err
		}
		sig, err := bls.SignatureFromBytes(raw)
		if err != nil {
			return nil, err
		}
		resp = SignatureResponse{Signature: sig}
	case tagRespPublicKey:
		raw, err := r.take(bls.PublicKeySize)
		if err != nil {
			return nil, err
		}
		pk, err := bls.PublicKeyFromBytes(raw)
		if err != nil {
			return nil, err
		}
		resp = PublicKeyResponse{PublicKey: pk}
	case tagRespKnownKeys:
		count, err := r.u32()
		if err != nil {
			return nil, err
		}
		if int(count) > MaxBodyBytes/bls.PublicKeyHashSize {
			return nil, fmt.Errorf("protocol: key count %d exceeds body bound", count)
		}
		hashes := make([]bls.PublicKeyHash, 0, count)
		for i := uint32(0); i < count; i++ {
			pkh, err := decodePKH(r)
			if err != nil {
				return nil, err
			}
			hashes = append(hashes, pkh)
		}
		resp = KnownKeysResponse{Hashes: hashes}
	case tagRespBool:
		b, err := r.u8()
		if err != nil {
			return nil, err
		}
		if b > 1 {
			return nil, fmt.Errorf("protocol: bad bool byte 0x%02x", b)
		}
		resp = BoolResponse{Value: b == 1}
	case tagRespNonce:
		raw, err := r.take(bls.NonceSize)
		if err != nil {
			return nil, err
		}
		var nonce [bls.NonceSize]byte
		copy(nonce[:], raw)
		resp = NonceResponse{Nonce: nonce}
	default:
		return nil, fmt.Errorf("protocol: unknown response tag 0x%02x", tag)
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	if tag != tagRespError {
		if want := expectedResponseTag(req); want != tag {
			return nil, fmt.Errorf("protocol: response tag 0x%02x does not answer request tag 0x%02x", tag, req.requestTag())
		}
	}
	return resp, nil
}

func expectedResponseTag(req Request) byte {
	switch req.(type) {
	case SignRequest:
		return tagRespSignature
	case PublicKeyRequest:
		return tagRespPublicKey
	case KnownKeysRequest, AuthorizedKeysRequest:
		return tagRespKnownKeys
	case SupportsDeterministicNoncesRequest:
		return tagRespBool
	case ProvePossessionRequest:
		return tagRespSignature
	case DeterministicNonceRequest, DeterministicNonceHashRequest:
		return tagRespNonce
	default:
		return 0xfe
	}
}
