// Package watermark maintains the durable anti-double-signing ledger: for
// every (chain, signer, operation kind) it records the highest (level,
// round) ever signed, plus the payload hash and signature of the current
// high entry.
//
// State lives in three human-readable JSON files, one per operation kind,
// fronted by a bounded LRU cache. Every mutation rewrites the affected file
// atomically (temp file, fsync, rename, fsync directory), so a crash
// between the reserve step and the signature commit leaves a well-formed
// entry with an empty signature that a retry with the identical payload
// completes idempotently.
package watermark

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"tz4.dev/signer/base58check"
	"tz4.dev/signer/bls"
	"tz4.dev/signer/magicbytes"
)

const (
	// MaxCacheEntries bounds the in-memory cache.
	MaxCacheEntries = 100
	// MaxFileSize bounds a watermark file on load. Larger files are
	// rejected and the affected keys behave as uninitialized.
	MaxFileSize = 64 * 1024
	// DefaultLevelGap is the large-gap advisory threshold when the chain's
	// blocks-per-cycle is unknown or smaller.
	DefaultLevelGap = 8192
)

// OpKind identifies one of the three gated operation kinds.
type OpKind int

// Operation kinds, in file order.
const (
	KindBlock OpKind = iota
	KindPreAttestation
	KindAttestation
)

// Kinds lists all operation kinds.
func Kinds() []OpKind {
	return []OpKind{KindBlock, KindPreAttestation, KindAttestation}
}

// OpKindForData classifies a payload by its magic byte.
func OpKindForData(data []byte) (OpKind, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("watermark: empty payload")
	}
	switch data[0] {
	case magicbytes.MagicBlock:
		return KindBlock, nil
	case magicbytes.MagicPreAttestation:
		return KindPreAttestation, nil
	case magicbytes.MagicAttestation:
		return KindAttestation, nil
	default:
		return 0, fmt.Errorf("watermark: unknown operation magic 0x%02x", data[0])
	}
}

func (k OpKind) String() string {
	switch k {
	case KindBlock:
		return "block"
	case KindPreAttestation:
		return "preattestation"
	case KindAttestation:
		return "attestation"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// FileName returns the ledger file name for this kind.
func (k OpKind) FileName() string {
	return k.String() + "_high_watermark"
}

// ChainID is the full 32-byte chain identifier. Only the first four bytes
// appear in wire payloads; the full value is the ledger key.
type ChainID [32]byte

// ChainIDFromBytes copies a 32-byte identifier.
func ChainIDFromBytes(b []byte) (ChainID, error) {
	var c ChainID
	if len(b) != len(c) {
		return c, fmt.Errorf("watermark: chain id must be %d bytes, got %d", len(c), len(b))
	}
	copy(c[:], b)
	return c, nil
}

// ChainIDFromWire widens the 4-byte wire form.
func ChainIDFromWire(wire [4]byte) ChainID {
	var c ChainID
	copy(c[:4], wire[:])
	return c
}

// ParseChainID decodes a Net… string into the widened form.
func ParseChainID(s string) (ChainID, error) {
	payload, err := base58check.DecodeTagged(base58check.PrefixChainID, s)
	if err != nil {
		return ChainID{}, err
	}
	var wire [4]byte
	copy(wire[:], payload)
	return ChainIDFromWire(wire), nil
}

// Wire returns the 4 bytes that appear in operation payloads.
func (c ChainID) Wire() [4]byte {
	var w [4]byte
	copy(w[:], c[:4])
	return w
}

// B58Check returns the Net… form of the wire bytes.
func (c ChainID) B58Check() string {
	w := c.Wire()
	s, _ := base58check.EncodeTagged(base58check.PrefixChainID, w[:])
	return s
}

func (c ChainID) String() string { return c.B58Check() }

// Entry is the persisted high mark for one (chain, signer, kind). Hash is
// the lowercase hex Blake2b-256 of the signed payload; Signature is the
// BLsig form. Both are empty strings when unset.
type Entry struct {
	Level     uint32 `json:"level"`
	Round     uint32 `json:"round"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
}

// PayloadHash is the hash stored in Entry.Hash.
func PayloadHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type cacheKey struct {
	chain ChainID
	pkh   bls.PublicKeyHash
	kind  OpKind
}

// HighWatermark is the ledger. All methods are safe for concurrent use;
// the cache and files are mutated under one exclusive lock, and every lock
// scope releases via defer so a panicking caller cannot wedge the ledger.
//
// The reserve/commit pair for one signing request additionally needs to be
// atomic against other requests for the same key; the request handler
// serializes the pair (see server.RequestHandler).
type HighWatermark struct {
	dir string
	log zerolog.Logger

	mu    sync.Mutex
	cache lru.BasicLRU[cacheKey, Entry]

	blocksPerCycle uint32
	largeGap       func(chain ChainID, pkh bls.PublicKeyHash, currentLevel, newLevel uint32)
}

// New opens a ledger over dir. The three files are read lazily; the cache
// starts empty.
func New(dir string, log zerolog.Logger) (*HighWatermark, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("watermark: %s is not a directory", dir)
	}
	return &HighWatermark{
		dir:   dir,
		log:   log,
		cache: lru.NewBasicLRU[cacheKey, Entry](MaxCacheEntries),
	}, nil
}

// WithLargeGapCallback installs an advisory callback invoked when a
// requested level jumps past the current one by more than
// max(blocksPerCycle, DefaultLevelGap). The callback never blocks the
// signing decision.
func (hw *HighWatermark) WithLargeGapCallback(cb func(chain ChainID, pkh bls.PublicKeyHash, currentLevel, newLevel uint32), blocksPerCycle uint32) *HighWatermark {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	hw.largeGap = cb
	hw.blocksPerCycle = blocksPerCycle
	return hw
}

func parsePayload(data []byte) (kind OpKind, cid [4]byte, level, round uint32, err error) {
	kind, err = OpKindForData(data)
	if err != nil {
		return 0, cid, 0, 0, err
	}
	cid, err = magicbytes.ChainIDForTenderbake(data)
	if err != nil {
		return 0, cid, 0, 0, fmt.Errorf("watermark: %w", err)
	}
	level, round, err = magicbytes.LevelAndRound(data)
	if err != nil {
		return 0, cid, 0, 0, fmt.Errorf("watermark: %w", err)
	}
	return kind, cid, level, round, nil
}

// CheckAndUpdate authorizes signing data for pkh on chain and reserves the
// new high mark. On success the persisted entry carries the payload hash
// and an empty signature; UpdateSignature completes the pair.
//
// Resubmitting the identical payload at the current mark succeeds without
// state change (idempotent resign). Anything at or below the mark with a
// different payload is rejected.
func (hw *HighWatermark) CheckAndUpdate(chain ChainID, pkh bls.PublicKeyHash, data []byte) error {
	kind, cid, level, round, err := parsePayload(data)
	if err != nil {
		return err
	}
	if cid != chain.Wire() {
		return &ChainMismatchError{Expected: chain.Wire(), Got: cid}
	}

	hw.mu.Lock()
	defer hw.mu.Unlock()

	cur, ok, err := hw.lookupLocked(chain, pkh, kind)
	if err != nil {
		return err
	}
	if !ok {
		return &NotInitializedError{Chain: chain, PKH: pkh, Kind: kind}
	}

	hash := PayloadHash(data)
	switch {
	case level < cur.Level || (level == cur.Level && round < cur.Round):
		return &LevelTooLowError{
			CurrentLevel: cur.Level, CurrentRound: cur.Round,
			RequestedLevel: level, RequestedRound: round,
		}
	case level == cur.Level && round == cur.Round:
		if cur.Hash == hash {
			return nil // idempotent resign of the same proposal
		}
		return &SameLevelDifferentPayloadError{Level: level, Round: round}
	}

	if hw.largeGap != nil && level > cur.Level {
		threshold := hw.blocksPerCycle
		if threshold < DefaultLevelGap {
			threshold = DefaultLevelGap
		}
		if level-cur.Level > threshold {
			hw.largeGap(chain, pkh, cur.Level, level)
		}
	}

	return hw.storeLocked(chain, pkh, kind, Entry{Level: level, Round: round, Hash: hash})
}

// UpdateSignature commits the signature produced for data at the mark
// reserved by CheckAndUpdate.
func (hw *HighWatermark) UpdateSignature(chain ChainID, pkh bls.PublicKeyHash, data []byte, sig bls.Signature) error {
	kind, cid, level, round, err := parsePayload(data)
	if err != nil {
		return err
	}
	if cid != chain.Wire() {
		return &ChainMismatchError{Expected: chain.Wire(), Got: cid}
	}

	hw.mu.Lock()
	defer hw.mu.Unlock()

	cur, ok, err := hw.lookupLocked(chain, pkh, kind)
	if err != nil {
		return err
	}
	if !ok {
		return &NotInitializedError{Chain: chain, PKH: pkh, Kind: kind}
	}
	if cur.Level != level || cur.Round != round || cur.Hash != PayloadHash(data) {
		return fmt.Errorf("watermark: signature commit does not match reservation (have %d/%d, got %d/%d)",
			cur.Level, cur.Round, level, round)
	}
	cur.Signature = sig.B58Check()
	return hw.storeLocked(chain, pkh, kind, cur)
}

// Initialize writes the provisioning-time floor entry (level, round 0,
// nothing signed yet). It is not part of the request path.
func (hw *HighWatermark) Initialize(chain ChainID, pkh bls.PublicKeyHash, kind OpKind, level uint32) error {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	return hw.storeLocked(chain, pkh, kind, Entry{Level: level})
}

// Get returns the current entry for one key, reading through the cache.
func (hw *HighWatermark) Get(chain ChainID, pkh bls.PublicKeyHash, kind OpKind) (Entry, bool, error) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	return hw.lookupLocked(chain, pkh, kind)
}

// Snapshot is the full persisted state of one operation kind:
// chain_b58 -> pkh_b58 -> entry.
type Snapshot map[string]map[string]Entry

// Dump reads the persisted state of every kind, bypassing the cache.
// Rejected files (oversized, unparseable) appear as empty snapshots, the
// same way the request path treats them.
func (hw *HighWatermark) Dump() (map[OpKind]Snapshot, error) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	out := make(map[OpKind]Snapshot, len(Kinds()))
	for _, kind := range Kinds() {
		m, err := loadFile(hw.dir, kind)
		if err != nil {
			if !isRejectedFile(err) {
				return nil, err
			}
			hw.log.Warn().Err(err).Str("kind", kind.String()).Msg("watermark file rejected")
			m = fileMap{}
		}
		out[kind] = Snapshot(m)
	}
	return out, nil
}

// CacheLen reports the number of cached entries.
func (hw *HighWatermark) CacheLen() int {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	return hw.cache.Len()
}

// lookupLocked reads through the cache. An oversized or unparseable file
// makes its keys behave as uninitialized; the condition is logged, not
// fatal, because the on-disk state is operator-owned.
func (hw *HighWatermark) lookupLocked(chain ChainID, pkh bls.PublicKeyHash, kind OpKind) (Entry, bool, error) {
	key := cacheKey{chain: chain, pkh: pkh, kind: kind}
	if e, ok := hw.cache.Get(key); ok {
		return e, true, nil
	}
	m, err := loadFile(hw.dir, kind)
	if err != nil {
		if isRejectedFile(err) {
			hw.log.Warn().Err(err).Str("kind", kind.String()).Msg("watermark file rejected; keys treated as uninitialized")
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	e, ok := m[chain.B58Check()][pkh.B58Check()]
	if !ok {
		return Entry{}, false, nil
	}
	hw.cache.Add(key, e)
	return e, true, nil
}

// storeLocked merges one entry into the kind's file, persists atomically,
// then updates the cache so cached state always equals disk state.
func (hw *HighWatermark) storeLocked(chain ChainID, pkh bls.PublicKeyHash, kind OpKind, e Entry) error {
	m, err := loadFile(hw.dir, kind)
	if err != nil {
		if !isRejectedFile(err) {
			return err
		}
		hw.log.Warn().Err(err).Str("kind", kind.String()).Msg("replacing rejected watermark file")
		m = fileMap{}
	}
	chainKey := chain.B58Check()
	if m[chainKey] == nil {
		m[chainKey] = map[string]Entry{}
	}
	m[chainKey][pkh.B58Check()] = e

	if err := writeFile(hw.dir, kind, m); err != nil {
		return err
	}
	hw.cache.Add(cacheKey{chain: chain, pkh: pkh, kind: kind}, e)
	return nil
}
