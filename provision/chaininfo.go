package provision

import (
	"encoding/json"
	"fmt"
	"os"
)

// ChainInfoFileName is the permanent chain descriptor on the keys
// partition.
const ChainInfoFileName = "chain_info.json"

// chainInfoFile is the persisted shape; the start level is not carried
// over, the ledger owns it from then on.
type chainInfoFile struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	BlocksPerCycle uint32 `json:"blocks_per_cycle"`
}

// WriteChainInfo persists the descriptor read-only (0400).
func WriteChainInfo(path string, info ChainInfo) error {
	b, err := json.MarshalIndent(chainInfoFile{
		ID:             info.ID,
		Name:           info.Name,
		BlocksPerCycle: info.BlocksPerCycle,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("provision: encode chain info: %w", err)
	}
	b = append(b, '\n')
	// Replace any previous descriptor; it is mode 0400 once written.
	_ = os.Remove(path)
	if err := os.WriteFile(path, b, 0o400); err != nil {
		return fmt.Errorf("provision: write chain info: %w", err)
	}
	return nil
}

// ReadChainInfo loads the descriptor written at provisioning time.
func ReadChainInfo(path string) (ChainInfo, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- keys partition path chosen by the caller.
	if err != nil {
		return ChainInfo{}, fmt.Errorf("provision: read chain info: %w", err)
	}
	var f chainInfoFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return ChainInfo{}, fmt.Errorf("provision: parse chain info: %w", err)
	}
	return ChainInfo{ID: f.ID, Name: f.Name, BlocksPerCycle: f.BlocksPerCycle}, nil
}
