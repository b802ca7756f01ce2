package keyring

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"tz4.dev/signer/cryptobox"
)

// Wallet file names, shared with the baker-side tooling that provisions
// the device. Values in secret_keys / public_keys carry an
// "unencrypted:" locator prefix.
const (
	SecretKeysFile     = "secret_keys"
	PublicKeysFile     = "public_keys"
	PublicKeyHashsFile = "public_key_hashs"

	locatorPrefix = "unencrypted:"
)

// walletEntry is one row of a wallet file.
type walletEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// WalletKey joins the three wallet files for one alias.
type WalletKey struct {
	Name          string
	PublicKeyHash string
	PublicKey     string
	SecretKey     string
}

func readEntries(path string) ([]walletEntry, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-provided wallet dir.
	if err != nil {
		return nil, err
	}
	var entries []walletEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("keyring: parse %s: %w", filepath.Base(path), err)
	}
	return entries, nil
}

// StripLocator removes the "unencrypted:" prefix if present.
func StripLocator(v string) string {
	return strings.TrimPrefix(v, locatorPrefix)
}

// LoadWalletDir joins the wallet trio of dir by alias. Missing secret or
// public entries leave the corresponding field empty.
func LoadWalletDir(dir string) (map[string]WalletKey, error) {
	hashes, err := readEntries(filepath.Join(dir, PublicKeyHashsFile))
	if err != nil {
		return nil, err
	}
	keys := make(map[string]WalletKey, len(hashes))
	for _, e := range hashes {
		keys[e.Name] = WalletKey{Name: e.Name, PublicKeyHash: e.Value}
	}
	if pubs, err := readEntries(filepath.Join(dir, PublicKeysFile)); err == nil {
		for _, e := range pubs {
			k := keys[e.Name]
			k.Name = e.Name
			k.PublicKey = StripLocator(e.Value)
			keys[e.Name] = k
		}
	}
	if secrets, err := readEntries(filepath.Join(dir, SecretKeysFile)); err == nil {
		for _, e := range secrets {
			k := keys[e.Name]
			k.Name = e.Name
			k.SecretKey = StripLocator(e.Value)
			keys[e.Name] = k
		}
	}
	return keys, nil
}

// PublicKeyHashes returns the tz4 hashes recorded in a wallet dir.
func PublicKeyHashes(dir string) ([]string, error) {
	entries, err := readEntries(filepath.Join(dir, PublicKeyHashsFile))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Value, "tz4") {
			out = append(out, e.Value)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("keyring: no tz4 keys in %s", dir)
	}
	return out, nil
}

// ManagerFromSecretKeysJSON builds a registry from the secret_keys JSON
// held in memory. Individual bad entries are logged and skipped; an empty
// result is an error.
func ManagerFromSecretKeysJSON(raw []byte, allowed []byte, log zerolog.Logger) (*Manager, error) {
	var entries []walletEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("keyring: parse secret keys: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("keyring: no keys in secret keys file")
	}

	m := NewManager()
	for _, e := range entries {
		h, err := HandlerFromB58Check(StripLocator(e.Value), allowed)
		if err != nil {
			log.Error().Err(err).Str("alias", e.Name).Msg("failed to load key")
			continue
		}
		m.Add(h, e.Name)
		log.Info().Str("alias", e.Name).Stringer("pkh", h.PublicKeyHash()).Msg("loaded key")
	}
	if m.Len() == 0 {
		return nil, fmt.Errorf("keyring: no loadable keys")
	}
	return m, nil
}

// LoadEncrypted decrypts the at-rest container with the PIN and builds the
// registry from the embedded secret_keys JSON. The decrypted bytes are
// never written back to disk.
func LoadEncrypted(path string, pin []byte, allowed []byte, log zerolog.Logger) (*Manager, error) {
	container, err := os.ReadFile(path) // #nosec G304 -- operator-provided container path.
	if err != nil {
		return nil, fmt.Errorf("keyring: read container: %w", err)
	}
	plaintext, err := cryptobox.Decrypt(pin, container)
	if err != nil {
		return nil, err
	}
	return ManagerFromSecretKeysJSON(plaintext, allowed, log)
}
