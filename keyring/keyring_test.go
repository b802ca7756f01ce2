package keyring

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"tz4.dev/signer/bls"
	"tz4.dev/signer/magicbytes"
)

func testSecretKey(t *testing.T, n byte) *bls.SecretKey {
	t.Helper()
	seed := [32]byte{n}
	_, _, sk, err := bls.GenerateKey(&seed)
	require.NoError(t, err)
	return sk
}

func TestHandlerSignVerify(t *testing.T) {
	sk := testSecretKey(t, 42)
	h := NewHandler(sk, nil)

	data := []byte{0xff, 1, 2, 3}
	sig, err := h.Sign(data, nil, VersionUnspecified)
	require.NoError(t, err)
	require.True(t, bls.Verify(h.PublicKey(), sig, data, nil))
}

func TestHandlerMagicByteGate(t *testing.T) {
	sk := testSecretKey(t, 42)
	h := NewTenderbakeHandler(sk)

	for _, magic := range []byte{0x11, 0x12, 0x13} {
		_, err := h.Sign([]byte{magic, 1, 2}, nil, VersionUnspecified)
		require.NoError(t, err, "magic 0x%02x", magic)
	}
	for _, magic := range []byte{0x01, 0x02, 0xff} {
		_, err := h.Sign([]byte{magic, 1, 2}, nil, VersionUnspecified)
		var notAllowed *magicbytes.NotAllowedError
		require.ErrorAs(t, err, &notAllowed, "magic 0x%02x", magic)
	}
}

func TestHandlerVersionGate(t *testing.T) {
	h := NewHandler(testSecretKey(t, 42), nil)
	data := []byte{0x11, 1}

	_, err := h.Sign(data, nil, Version0)
	require.ErrorIs(t, err, ErrVersionUnsupported)
	_, err = h.Sign(data, nil, Version1)
	require.ErrorIs(t, err, ErrVersionUnsupported)

	_, err = h.Sign(data, nil, Version2)
	require.NoError(t, err)
	_, err = h.Sign(data, nil, VersionUnspecified)
	require.NoError(t, err)
}

func TestHandlerProvePossession(t *testing.T) {
	h := NewHandler(testSecretKey(t, 42), nil)

	proof := h.ProvePossession(nil)
	require.True(t, bls.PopVerify(h.PublicKey(), proof, nil))

	other := testSecretKey(t, 43).PublicKey()
	proof = h.ProvePossession(other)
	require.True(t, bls.PopVerify(h.PublicKey(), proof, other.Bytes()))
}

func TestHandlerNonces(t *testing.T) {
	h := NewHandler(testSecretKey(t, 42), nil)
	require.True(t, h.SupportsDeterministicNonces())

	n1 := h.DeterministicNonce([]byte("data"))
	n2 := h.DeterministicNonce([]byte("data"))
	require.Equal(t, n1, n2)
	require.NotEqual(t, n1, h.DeterministicNonce([]byte("other")))
	require.Equal(t, h.DeterministicNonceHash([]byte("data")), h.DeterministicNonceHash([]byte("data")))
}

func TestManagerLookup(t *testing.T) {
	m := NewManager()
	h1 := NewHandler(testSecretKey(t, 1), nil)
	h2 := NewHandler(testSecretKey(t, 2), nil)
	m.Add(h1, "consensus")
	m.Add(h2, "companion")

	got, err := m.Signer(h1.PublicKeyHash())
	require.NoError(t, err)
	require.Equal(t, h1, got)

	alias, ok := m.Alias(h2.PublicKeyHash())
	require.True(t, ok)
	require.Equal(t, "companion", alias)

	var missing bls.PublicKeyHash
	_, err = m.Signer(missing)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)

	hashes := m.KnownHashes()
	require.Len(t, hashes, 2)
	require.Contains(t, hashes, h1.PublicKeyHash())
	require.Contains(t, hashes, h2.PublicKeyHash())
}

func writeWallet(t *testing.T, dir string, aliases ...string) map[string]*bls.SecretKey {
	t.Helper()
	sks := map[string]*bls.SecretKey{}
	var secrets, pubs, hashes []walletEntry
	for i, alias := range aliases {
		sk := testSecretKey(t, byte(10+i))
		sks[alias] = sk
		secrets = append(secrets, walletEntry{Name: alias, Value: "unencrypted:" + sk.B58Check()})
		pubs = append(pubs, walletEntry{Name: alias, Value: "unencrypted:" + sk.PublicKey().B58Check()})
		hashes = append(hashes, walletEntry{Name: alias, Value: sk.PublicKey().Hash().B58Check()})
	}
	for name, entries := range map[string][]walletEntry{
		SecretKeysFile:     secrets,
		PublicKeysFile:     pubs,
		PublicKeyHashsFile: hashes,
	} {
		raw, err := json.Marshal(entries)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o600))
	}
	return sks
}

func TestLoadWalletDir(t *testing.T) {
	dir := t.TempDir()
	sks := writeWallet(t, dir, "consensus", "companion")

	keys, err := LoadWalletDir(dir)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	k := keys["consensus"]
	require.Equal(t, sks["consensus"].PublicKey().Hash().B58Check(), k.PublicKeyHash)
	require.Equal(t, sks["consensus"].PublicKey().B58Check(), k.PublicKey)
	require.Equal(t, sks["consensus"].B58Check(), k.SecretKey)
}

func TestPublicKeyHashes(t *testing.T) {
	dir := t.TempDir()
	writeWallet(t, dir, "consensus")

	hashes, err := PublicKeyHashes(dir)
	require.NoError(t, err)
	require.Len(t, hashes, 1)
	require.Contains(t, hashes[0], "tz4")

	empty := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(empty, PublicKeyHashsFile), []byte(`[]`), 0o600))
	_, err = PublicKeyHashes(empty)
	require.Error(t, err)
}

func TestManagerFromSecretKeysJSON(t *testing.T) {
	sk := testSecretKey(t, 7)
	raw := fmt.Sprintf(`[{"name":"consensus","value":"unencrypted:%s"},{"name":"broken","value":"BLskNotAKey"}]`, sk.B58Check())

	m, err := ManagerFromSecretKeysJSON([]byte(raw), magicbytes.TenderbakeOnly(), zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 1, m.Len())

	h, err := m.Signer(sk.PublicKey().Hash())
	require.NoError(t, err)
	require.Equal(t, sk.PublicKey().Hash(), h.PublicKeyHash())

	_, err = ManagerFromSecretKeysJSON([]byte(`[]`), nil, zerolog.Nop())
	require.Error(t, err)
	_, err = ManagerFromSecretKeysJSON([]byte(`[{"name":"x","value":"BLskJunk"}]`), nil, zerolog.Nop())
	require.Error(t, err)
}
