// Package provision handles the first-boot hand-off: it ingests the
// one-shot watermark-config file left on the boot partition, initializes
// the watermark ledger for every signing key on the device, records the
// chain descriptor, and deletes the hand-off file so a reflashed card can
// never inherit a previous baker's state.
package provision

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"tz4.dev/signer/bls"
	"tz4.dev/signer/keyring"
	"tz4.dev/signer/watermark"
)

// ConfigFileName is the hand-off file on the FAT boot partition.
const ConfigFileName = "watermark-config.json"

// maxStartLevel rejects obviously bogus hand-off levels.
const maxStartLevel = 1_000_000_000

// Config is the hand-off file written by the host utility.
type Config struct {
	Created string    `json:"created"`
	Chain   ChainInfo `json:"chain"`
}

// ChainInfo describes the chain the device will sign for.
type ChainInfo struct {
	ID             string `json:"id"`
	Level          uint32 `json:"level,omitempty"`
	Name           string `json:"name"`
	BlocksPerCycle uint32 `json:"blocks_per_cycle"`
}

// Result reports what ProcessConfig did.
type Result struct {
	// Found is false when no hand-off file was present.
	Found bool
	// ChainName and Level echo the ingested configuration.
	ChainName string
	Level     uint32
	// Keys lists the tz4 hashes that were initialized.
	Keys []string
}

func validate(cfg *Config) error {
	if !strings.HasPrefix(cfg.Chain.ID, "Net") {
		return fmt.Errorf("provision: chain id %q must start with Net", cfg.Chain.ID)
	}
	if cfg.Chain.Level == 0 {
		return fmt.Errorf("provision: level must be positive")
	}
	if cfg.Chain.Level > maxStartLevel {
		return fmt.Errorf("provision: level %d suspiciously high", cfg.Chain.Level)
	}
	if cfg.Chain.BlocksPerCycle == 0 {
		return fmt.Errorf("provision: blocks_per_cycle must be positive")
	}
	return nil
}

// ProcessConfig looks for the hand-off file in bootDir and, if present,
// validates it, initializes watermark files in the ledger for every tz4
// key recorded in keysDir, writes the chain descriptor next to the keys,
// and deletes the hand-off file. Deletion failure is logged, not fatal.
func ProcessConfig(bootDir string, hw *watermark.HighWatermark, keysDir string, log zerolog.Logger) (*Result, error) {
	path := filepath.Join(bootDir, ConfigFileName)
	raw, err := os.ReadFile(path) // #nosec G304 -- boot partition path chosen by the caller.
	if os.IsNotExist(err) {
		log.Info().Msg("no watermark config on boot partition")
		return &Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("provision: read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("provision: parse config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	chain, err := watermark.ParseChainID(cfg.Chain.ID)
	if err != nil {
		return nil, fmt.Errorf("provision: chain id: %w", err)
	}

	pkhs, err := keyring.PublicKeyHashes(keysDir)
	if err != nil {
		return nil, err
	}

	// Initialize every (key, kind) pair; collect failures rather than
	// stopping at the first so the operator sees the full picture.
	var merr *multierror.Error
	for _, pkhB58 := range pkhs {
		pkh, err := bls.ParsePublicKeyHash(pkhB58)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("provision: %s: %w", pkhB58, err))
			continue
		}
		for _, kind := range watermark.Kinds() {
			if err := hw.Initialize(chain, pkh, kind, cfg.Chain.Level); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("provision: %s/%s: %w", pkhB58, kind, err))
			}
		}
		log.Info().Str("pkh", pkhB58).Uint32("level", cfg.Chain.Level).Msg("watermarks initialized")
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}

	if err := WriteChainInfo(filepath.Join(keysDir, ChainInfoFileName), cfg.Chain); err != nil {
		return nil, err
	}

	// One-shot: delete, never rename, so a replaced SD image cannot
	// resurrect old state. Failure to delete is non-fatal.
	if err := os.Remove(path); err != nil {
		log.Warn().Err(err).Msg("failed to delete watermark config")
	} else {
		log.Info().Msg("watermark config deleted after ingestion")
	}

	return &Result{
		Found:     true,
		ChainName: cfg.Chain.Name,
		Level:     cfg.Chain.Level,
		Keys:      pkhs,
	}, nil
}
