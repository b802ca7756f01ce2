// Package magicbytes implements the first-byte allow-list policy and the
// fixed-offset Tenderbake payload parsers. The offsets are a wire contract
// with the baker; they are pinned by tests and never derived.
package magicbytes

import (
	"encoding/binary"
	"fmt"
)

// Operation magic bytes (payload byte 0).
const (
	MagicBlock          = 0x11
	MagicPreAttestation = 0x12
	MagicAttestation    = 0x13
)

// Inner kind discriminators inside consensus operations.
const (
	kindPreAttestation = 0x14
	kindAttestation    = 0x15
)

// TenderbakeOnly is the allow-list for consensus-only deployments.
func TenderbakeOnly() []byte {
	return []byte{MagicBlock, MagicPreAttestation, MagicAttestation}
}

// NotAllowedError reports a payload whose first byte is outside the
// allow-list. Empty payloads report byte 0x00 with Empty set.
type NotAllowedError struct {
	Byte  byte
	Empty bool
}

func (e *NotAllowedError) Error() string {
	if e.Empty {
		return "magic byte: empty payload"
	}
	return fmt.Sprintf("magic byte: NotAllowed(0x%02x)", e.Byte)
}

// Check enforces the allow-list. A nil allowed slice permits everything;
// an empty payload is never permitted.
func Check(data []byte, allowed []byte) error {
	if len(data) == 0 {
		return &NotAllowedError{Empty: true}
	}
	if allowed == nil {
		return nil
	}
	for _, b := range allowed {
		if data[0] == b {
			return nil
		}
	}
	return &NotAllowedError{Byte: data[0]}
}

// Tenderbake block payload layout (magic 0x11):
//
//	0      magic
//	1..4   chain_id
//	5..8   level (BE)
//	9      proto
//	10..41 predecessor
//	42..49 timestamp
//	50     validation_pass
//	51..82 operations_hash
//	83..86 fitness_length (BE)
//	...    fitness; round is its last 4 bytes (BE)
const (
	blockLevelOffset      = 5
	blockFitnessLenOffset = 83
	blockFitnessOffset    = 87
)

// Consensus operation layout (magic 0x12 / 0x13), BLS variant — no slot
// field before the kind byte:
//
//	0      magic
//	1..4   chain_id
//	5..36  branch
//	37     kind (0x14 pre-attestation, 0x15 attestation)
//	38..41 level (BE)
//	42..45 round (BE)
const (
	opKindOffset  = 37
	opLevelOffset = 38
	opRoundOffset = 42
)

// ChainIDForTenderbake extracts the 4-byte chain id common to all three
// Tenderbake payload kinds.
func ChainIDForTenderbake(data []byte) ([4]byte, error) {
	var cid [4]byte
	if len(data) < 5 {
		return cid, fmt.Errorf("magic byte: payload too short for chain id (%d bytes)", len(data))
	}
	switch data[0] {
	case MagicBlock, MagicPreAttestation, MagicAttestation:
	default:
		return cid, &NotAllowedError{Byte: data[0]}
	}
	copy(cid[:], data[1:5])
	return cid, nil
}

// LevelAndRoundForTenderbakeBlock extracts (level, round) from a 0x11
// payload. Round is the last 4 bytes of the fitness field; bytes past the
// fitness are not inspected.
func LevelAndRoundForTenderbakeBlock(data []byte) (level, round uint32, err error) {
	if len(data) == 0 || data[0] != MagicBlock {
		return 0, 0, fmt.Errorf("magic byte: not a block payload")
	}
	if len(data) < blockFitnessOffset {
		return 0, 0, fmt.Errorf("magic byte: block payload too short (%d bytes)", len(data))
	}
	level = binary.BigEndian.Uint32(data[blockLevelOffset:])
	fitnessLen := binary.BigEndian.Uint32(data[blockFitnessLenOffset:])
	if fitnessLen < 4 {
		return 0, 0, fmt.Errorf("magic byte: fitness too short (%d bytes)", fitnessLen)
	}
	end := uint64(blockFitnessOffset) + uint64(fitnessLen)
	if uint64(len(data)) < end {
		return 0, 0, fmt.Errorf("magic byte: block payload truncated inside fitness")
	}
	round = binary.BigEndian.Uint32(data[end-4:])
	return level, round, nil
}

// LevelAndRoundForTenderbakeAttestation extracts (level, round) from a 0x12
// or 0x13 payload, checking the inner kind discriminator against the magic.
func LevelAndRoundForTenderbakeAttestation(data []byte) (level, round uint32, err error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("magic byte: empty payload")
	}
	var wantKind byte
	switch data[0] {
	case MagicPreAttestation:
		wantKind = kindPreAttestation
	case MagicAttestation:
		wantKind = kindAttestation
	default:
		return 0, 0, fmt.Errorf("magic byte: not a consensus operation payload")
	}
	if len(data) < opRoundOffset+4 {
		return 0, 0, fmt.Errorf("magic byte: consensus payload too short (%d bytes)", len(data))
	}
	if data[opKindOffset] != wantKind {
		return 0, 0, fmt.Errorf("magic byte: kind 0x%02x does not match magic 0x%02x", data[opKindOffset], data[0])
	}
	level = binary.BigEndian.Uint32(data[opLevelOffset:])
	round = binary.BigEndian.Uint32(data[opRoundOffset:])
	return level, round, nil
}

// LevelAndRound dispatches on the magic byte.
func LevelAndRound(data []byte) (level, round uint32, err error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("magic byte: empty payload")
	}
	switch data[0] {
	case MagicBlock:
		return LevelAndRoundForTenderbakeBlock(data)
	case MagicPreAttestation, MagicAttestation:
		return LevelAndRoundForTenderbakeAttestation(data)
	default:
		return 0, 0, &NotAllowedError{Byte: data[0]}
	}
}
