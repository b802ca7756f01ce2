// Package cryptobox provides PIN-based at-rest protection for the secret
// key blob: scrypt key derivation followed by AES-256-GCM.
//
// Container layout, fixed:
//
//	salt_len: u8 | salt: salt_len bytes | nonce: 12 bytes | ciphertext+tag
//
// The scrypt parameters (N=2^18, r=8, p=4) cost ~256 MiB and ~8 seconds on
// the target board; that latency is the per-attempt brute-force floor and
// only ever paid off the request path (startup, provisioning).
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/scrypt"
)

const (
	scryptR      = 8
	scryptP      = 4
	keyLen       = 32
	nonceLen     = 12
	saltEntropy  = 16
	maxSaltBytes = 255
)

// scryptN is a variable only so tests can trade memory-hardness for speed;
// production code never touches it.
var scryptN = 1 << 18

// ErrWrongPIN is returned when the AEAD tag does not open, which is how a
// wrong PIN surfaces: the derived key is wrong, the tag fails.
var ErrWrongPIN = errors.New("cryptobox: decryption failed (wrong PIN?)")

// DeriveKey runs the memory-hard KDF over pin and the textual salt.
func DeriveKey(pin []byte, salt string) ([]byte, error) {
	key, err := scrypt.Key(pin, []byte(salt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: derive key: %w", err)
	}
	return key, nil
}

func newSalt() (string, error) {
	raw := make([]byte, saltEntropy)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("cryptobox: read salt entropy: %w", err)
	}
	salt := base64.RawStdEncoding.EncodeToString(raw)
	if len(salt) > maxSaltBytes {
		return "", fmt.Errorf("cryptobox: salt length %d exceeds %d", len(salt), maxSaltBytes)
	}
	return salt, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: init gcm: %w", err)
	}
	return aead, nil
}

// Encrypt seals plaintext under a key derived from pin and a fresh salt.
func Encrypt(pin, plaintext []byte) ([]byte, error) {
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	key, err := DeriveKey(pin, salt)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptobox: read nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, 1+len(salt)+nonceLen+len(ct))
	out = append(out, byte(len(salt)))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt parses the container, re-derives the key and opens the AEAD.
// Structural problems report what is truncated; a tag failure reports
// ErrWrongPIN without distinguishing tampering from a wrong PIN.
func Decrypt(pin, container []byte) ([]byte, error) {
	if len(container) == 0 {
		return nil, errors.New("cryptobox: container is empty")
	}
	saltLen := int(container[0])
	off := 1
	if len(container) < off+saltLen {
		return nil, errors.New("cryptobox: container too short for salt")
	}
	saltBytes := container[off : off+saltLen]
	if !utf8.Valid(saltBytes) {
		return nil, errors.New("cryptobox: salt is not valid UTF-8")
	}
	off += saltLen

	if len(container) < off+nonceLen {
		return nil, errors.New("cryptobox: container too short for nonce")
	}
	nonce := container[off : off+nonceLen]
	off += nonceLen

	key, err := DeriveKey(pin, string(saltBytes))
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, container[off:], nil)
	if err != nil {
		return nil, ErrWrongPIN
	}
	return plaintext, nil
}
