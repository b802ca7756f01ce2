package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tz4.dev/signer/bls"
	"tz4.dev/signer/keyring"
)

func testPKH(n byte) bls.PublicKeyHash {
	var raw [20]byte
	raw[0] = n
	pkh, _ := bls.PublicKeyHashFromBytes(raw[:])
	return pkh
}

func testPK(t *testing.T) *bls.PublicKey {
	t.Helper()
	seed := [32]byte{5}
	_, pk, _, err := bls.GenerateKey(&seed)
	require.NoError(t, err)
	return pk
}

func roundTripRequest(t *testing.T, req Request) Request {
	t.Helper()
	body, err := EncodeRequest(req)
	require.NoError(t, err)
	got, err := DecodeRequest(body)
	require.NoError(t, err)
	return got
}

func TestRequestRoundTrips(t *testing.T) {
	pkh := testPKH(1)
	sig, _ := bls.SignatureFromBytes(make([]byte, 96))

	got := roundTripRequest(t, SignRequest{PKH: pkh, Version: keyring.Version2, Data: []byte{0x11, 1, 2}})
	require.Equal(t, SignRequest{PKH: pkh, Version: keyring.Version2, Data: []byte{0x11, 1, 2}}, got)

	withSig := SignRequest{PKH: pkh, Data: []byte{0x13}, Signature: &sig}
	got = roundTripRequest(t, withSig)
	require.Equal(t, withSig, got)

	require.Equal(t, PublicKeyRequest{PKH: pkh}, roundTripRequest(t, PublicKeyRequest{PKH: pkh}))
	require.Equal(t, KnownKeysRequest{}, roundTripRequest(t, KnownKeysRequest{}))
	require.Equal(t, AuthorizedKeysRequest{}, roundTripRequest(t, AuthorizedKeysRequest{}))
	require.Equal(t, SupportsDeterministicNoncesRequest{PKH: pkh},
		roundTripRequest(t, SupportsDeterministicNoncesRequest{PKH: pkh}))
	require.Equal(t, DeterministicNonceRequest{PKH: pkh, Data: []byte{9}},
		roundTripRequest(t, DeterministicNonceRequest{PKH: pkh, Data: []byte{9}}))
	require.Equal(t, DeterministicNonceHashRequest{PKH: pkh, Data: []byte{9}},
		roundTripRequest(t, DeterministicNonceHashRequest{PKH: pkh, Data: []byte{9}}))
}

func TestProvePossessionRoundTrip(t *testing.T) {
	pkh := testPKH(2)
	req := roundTripRequest(t, ProvePossessionRequest{PKH: pkh})
	require.Equal(t, ProvePossessionRequest{PKH: pkh}, req)

	pk := testPK(t)
	got := roundTripRequest(t, ProvePossessionRequest{PKH: pkh, OverridePK: pk}).(ProvePossessionRequest)
	require.Equal(t, pk.Bytes(), got.OverridePK.Bytes())
}

func TestResponseRoundTrips(t *testing.T) {
	sig, _ := bls.SignatureFromBytes(make([]byte, 96))
	sigReq := SignRequest{PKH: testPKH(1)}

	body, err := EncodeResponse(SignatureResponse{Signature: sig})
	require.NoError(t, err)
	got, err := DecodeResponse(body, sigReq)
	require.NoError(t, err)
	require.Equal(t, SignatureResponse{Signature: sig}, got)

	pk := testPK(t)
	body, err = EncodeResponse(PublicKeyResponse{PublicKey: pk})
	require.NoError(t, err)
	got, err = DecodeResponse(body, PublicKeyRequest{})
	require.NoError(t, err)
	require.Equal(t, pk.Bytes(), got.(PublicKeyResponse).PublicKey.Bytes())

	hashes := []bls.PublicKeyHash{testPKH(1), testPKH(2)}
	body, err = EncodeResponse(KnownKeysResponse{Hashes: hashes})
	require.NoError(t, err)
	got, err = DecodeResponse(body, KnownKeysRequest{})
	require.NoError(t, err)
	require.Equal(t, KnownKeysResponse{Hashes: hashes}, got)

	body, err = EncodeResponse(BoolResponse{Value: true})
	require.NoError(t, err)
	got, err = DecodeResponse(body, SupportsDeterministicNoncesRequest{})
	require.NoError(t, err)
	require.Equal(t, BoolResponse{Value: true}, got)

	var nonce [32]byte
	nonce[0] = 0xaa
	body, err = EncodeResponse(NonceResponse{Nonce: nonce})
	require.NoError(t, err)
	got, err = DecodeResponse(body, DeterministicNonceRequest{})
	require.NoError(t, err)
	require.Equal(t, NonceResponse{Nonce: nonce}, got)

	body, err = EncodeResponse(ErrorResponse{Message: "LevelTooLow current=100 requested=99"})
	require.NoError(t, err)
	got, err = DecodeResponse(body, sigReq)
	require.NoError(t, err)
	require.Equal(t, ErrorResponse{Message: "LevelTooLow current=100 requested=99"}, got)
}

func TestResponseKindMismatchRejected(t *testing.T) {
	body, err := EncodeResponse(BoolResponse{Value: true})
	require.NoError(t, err)
	_, err = DecodeResponse(body, SignRequest{PKH: testPKH(1)})
	require.Error(t, err)
}

func TestTrailingBytesRejected(t *testing.T) {
	body, err := EncodeRequest(KnownKeysRequest{})
	require.NoError(t, err)
	_, err = DecodeRequest(append(body, 0x00))
	require.Error(t, err)

	rbody, err := EncodeResponse(BoolResponse{Value: false})
	require.NoError(t, err)
	_, err = DecodeResponse(append(rbody, 0x00), SupportsDeterministicNoncesRequest{})
	require.Error(t, err)
}

func TestTruncatedBodiesRejected(t *testing.T) {
	body, err := EncodeRequest(SignRequest{PKH: testPKH(1), Data: []byte{0x11, 1, 2, 3}})
	require.NoError(t, err)
	for n := 0; n < len(body); n++ {
		_, err := DecodeRequest(body[:n])
		require.Error(t, err, "prefix length %d", n)
	}
}

func TestUnknownTagsRejected(t *testing.T) {
	_, err := DecodeRequest([]byte{0x7f})
	require.Error(t, err)
	_, err = DecodeResponse([]byte{0x7f}, KnownKeysRequest{})
	require.Error(t, err)
	_, err = DecodeRequest(nil)
	require.Error(t, err)
}

func TestOversizedEncodeRefused(t *testing.T) {
	big := make([]byte, MaxBodyBytes+1)
	_, err := EncodeRequest(SignRequest{PKH: testPKH(1), Data: big})
	require.Error(t, err)

	_, err = EncodeRequest(DeterministicNonceRequest{PKH: testPKH(1), Data: big})
	require.Error(t, err)
}

func TestDeclaredLengthBeyondBodyRejected(t *testing.T) {
	// Sign request with a data length field pointing past the body end.
	body, err := EncodeRequest(SignRequest{PKH: testPKH(1), Data: []byte{0x11}})
	require.NoError(t, err)
	// Data length field sits after tag(1) + pkh(20) + version(1).
	body[22] = 0xff
	body[23] = 0xff
	body[24] = 0xff
	body[25] = 0xff
	_, err = DecodeRequest(body)
	require.Error(t, err)
}
