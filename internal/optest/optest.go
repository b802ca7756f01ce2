// Package optest builds well-formed Tenderbake payloads for tests. The
// layouts mirror the parsers in package magicbytes.
package optest

import "encoding/binary"

// Chain id helpers.
var (
	// MainnetChainID is the first 4 bytes of the mainnet chain id.
	MainnetChainID = [4]byte{0x7a, 0x06, 0xa7, 0x70}
	// DefaultChainID is the throwaway chain used by most tests.
	DefaultChainID = [4]byte{0, 0, 0, 1}
)

// ChainID32 widens a 4-byte wire chain id to the 32-byte key form.
func ChainID32(cid [4]byte) [32]byte {
	var out [32]byte
	copy(out[:4], cid[:])
	return out
}

// BlockData builds a 0x11 payload with an 8-byte fitness whose last four
// bytes carry the round.
func BlockData(chainID [4]byte, level, round uint32) []byte {
	data := []byte{0x11}
	data = append(data, chainID[:]...)
	data = binary.BigEndian.AppendUint32(data, level)
	data = append(data, 0)                   // proto
	data = append(data, make([]byte, 32)...) // predecessor
	data = append(data, make([]byte, 8)...)  // timestamp
	data = append(data, 0)                   // validation_pass
	data = append(data, make([]byte, 32)...) // operations_hash
	data = binary.BigEndian.AppendUint32(data, 8)
	data = binary.BigEndian.AppendUint32(data, 0)
	data = binary.BigEndian.AppendUint32(data, round)
	return data
}

// BlockDataWithOperationsHash is BlockData with a chosen operations_hash,
// for producing distinct payloads at the same (level, round).
func BlockDataWithOperationsHash(chainID [4]byte, level, round uint32, opsHash [32]byte) []byte {
	data := BlockData(chainID, level, round)
	copy(data[51:83], opsHash[:])
	return data
}

// PreAttestationData builds a 0x12 payload (inner kind 0x14).
func PreAttestationData(chainID [4]byte, level, round uint32) []byte {
	return consensusData(0x12, 0x14, chainID, level, round)
}

// AttestationData builds a 0x13 payload (inner kind 0x15).
func AttestationData(chainID [4]byte, level, round uint32) []byte {
	return consensusData(0x13, 0x15, chainID, level, round)
}

func consensusData(magic, kind byte, chainID [4]byte, level, round uint32) []byte {
	data := []byte{magic}
	data = append(data, chainID[:]...)
	data = append(data, make([]byte, 32)...) // branch
	data = append(data, kind)
	data = binary.BigEndian.AppendUint32(data, level)
	data = binary.BigEndian.AppendUint32(data, round)
	return data
}
