package cryptobox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	withFastKDF(func() {
		pin := []byte("123456")
		plaintext := []byte(`[{"name":"consensus","value":"unencrypted:BLsk..."}]`)

		container, err := Encrypt(pin, plaintext)
		require.NoError(t, err)

		got, err := Decrypt(pin, container)
		require.NoError(t, err)
		require.Equal(t, plaintext, got)
	})
}

func TestWrongPINFails(t *testing.T) {
	withFastKDF(func() {
		container, err := Encrypt([]byte("correct"), []byte("secret data"))
		require.NoError(t, err)

		_, err = Decrypt([]byte("wrong"), container)
		require.ErrorIs(t, err, ErrWrongPIN)
	})
}

// Any flipped bit anywhere in the container must fail decryption: in the
// salt or nonce the derived key or IV changes, in the ciphertext or tag the
// AEAD rejects.
func TestBitFlipsRejected(t *testing.T) {
	withFastKDF(func() {
		pin := []byte("0000")
		container, err := Encrypt(pin, []byte("payload bytes"))
		require.NoError(t, err)

		// One flip per region: salt, nonce, ciphertext, tag.
		saltLen := int(container[0])
		positions := []int{
			1,                     // salt
			1 + saltLen,           // nonce
			1 + saltLen + 12,      // ciphertext
			len(container) - 1,    // tag
			len(container) / 2,    // somewhere in the middle
		}
		for _, pos := range positions {
			mutated := append([]byte(nil), container...)
			mutated[pos] ^= 0x01
			_, err := Decrypt(pin, mutated)
			require.Error(t, err, "flip at offset %d", pos)
		}
	})
}

func TestContainerLayout(t *testing.T) {
	withFastKDF(func() {
		container, err := Encrypt([]byte("p"), []byte("x"))
		require.NoError(t, err)

		saltLen := int(container[0])
		require.Greater(t, saltLen, 0)
		require.LessOrEqual(t, saltLen, 255)
		// 1 + salt + nonce(12) + ct(1) + tag(16)
		require.Equal(t, 1+saltLen+12+1+16, len(container))
	})
}

func TestDecryptStructuralErrors(t *testing.T) {
	withFastKDF(func() {
		_, err := Decrypt([]byte("p"), nil)
		require.Error(t, err)

		// salt_len larger than remaining bytes
		_, err = Decrypt([]byte("p"), []byte{22})
		require.Error(t, err)

		// salt present but nonce truncated
		blob := append([]byte{4}, []byte("salt")...)
		blob = append(blob, 1, 2, 3)
		_, err = Decrypt([]byte("p"), blob)
		require.Error(t, err)

		// non-UTF-8 salt
		blob = []byte{2, 0xff, 0xfe}
		blob = append(blob, make([]byte, 12)...)
		blob = append(blob, make([]byte, 16)...)
		_, err = Decrypt([]byte("p"), blob)
		require.Error(t, err)
	})
}

func TestDeriveKeyDeterministic(t *testing.T) {
	withFastKDF(func() {
		k1, err := DeriveKey([]byte("pin"), "somesalt")
		require.NoError(t, err)
		k2, err := DeriveKey([]byte("pin"), "somesalt")
		require.NoError(t, err)
		require.Equal(t, k1, k2)

		k3, err := DeriveKey([]byte("pin"), "othersalt")
		require.NoError(t, err)
		require.NotEqual(t, k1, k3)
	})
}
