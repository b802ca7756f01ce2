package keyring

import (
	"fmt"
	"sort"
	"sync"

	"tz4.dev/signer/bls"
)

// NotFoundError reports an unknown public key hash.
type NotFoundError struct {
	PKH bls.PublicKeyHash
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("keyring: no signer for %s", e.PKH)
}

// Manager maps public key hashes to handlers. It is populated once at
// startup and read-only on the request plane, so a read lock suffices
// there; Add exists for startup and tests.
type Manager struct {
	mu      sync.RWMutex
	signers map[bls.PublicKeyHash]*entry
}

type entry struct {
	handler *Handler
	alias   string
}

// NewManager builds an empty registry.
func NewManager() *Manager {
	return &Manager{signers: make(map[bls.PublicKeyHash]*entry)}
}

// Add registers a handler under its derived public key hash. A second
// handler for the same hash replaces the first.
func (m *Manager) Add(h *Handler, alias string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signers[h.PublicKeyHash()] = &entry{handler: h, alias: alias}
}

// Signer looks up the handler for a public key hash.
func (m *Manager) Signer(pkh bls.PublicKeyHash) (*Handler, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.signers[pkh]
	if !ok {
		return nil, &NotFoundError{PKH: pkh}
	}
	return e.handler, nil
}

// Alias returns the alias a handler was registered under.
func (m *Manager) Alias(pkh bls.PublicKeyHash) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.signers[pkh]
	if !ok {
		return "", false
	}
	return e.alias, true
}

// KnownHashes lists every registered public key hash in stable (textual)
// order.
func (m *Manager) KnownHashes() []bls.PublicKeyHash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]bls.PublicKeyHash, 0, len(m.signers))
	for pkh := range m.signers {
		out = append(out, pkh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].B58Check() < out[j].B58Check() })
	return out
}

// Len reports the number of registered keys.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.signers)
}
