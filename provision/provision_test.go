package provision

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"tz4.dev/signer/bls"
	"tz4.dev/signer/keyring"
	"tz4.dev/signer/watermark"
)

func writeConfig(t *testing.T, bootDir string, cfg Config) {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(bootDir, ConfigFileName), raw, 0o600))
}

func writeKeyHashes(t *testing.T, keysDir string, pkhs ...string) {
	t.Helper()
	entries := make([]map[string]string, 0, len(pkhs))
	for i, pkh := range pkhs {
		entries = append(entries, map[string]string{
			"name":  fmt.Sprintf("key%d", i),
			"value": pkh,
		})
	}
	raw, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(keysDir, keyring.PublicKeyHashsFile), raw, 0o600))
}

func devicePKH(t *testing.T, n byte) bls.PublicKeyHash {
	t.Helper()
	seed := [32]byte{n}
	pkh, _, _, err := bls.GenerateKey(&seed)
	require.NoError(t, err)
	return pkh
}

func TestProcessConfigHappyPath(t *testing.T) {
	bootDir := t.TempDir()
	keysDir := t.TempDir()
	wmDir := t.TempDir()

	pkh := devicePKH(t, 1)
	writeKeyHashes(t, keysDir, pkh.B58Check())
	writeConfig(t, bootDir, Config{
		Created: "2026-08-01T00:00:00Z",
		Chain: ChainInfo{
			ID: "NetXdQprcVkpaWU", Level: 5000, Name: "Mainnet", BlocksPerCycle: 10800,
		},
	})

	hw, err := watermark.New(wmDir, zerolog.Nop())
	require.NoError(t, err)

	res, err := ProcessConfig(bootDir, hw, keysDir, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, "Mainnet", res.ChainName)
	require.Equal(t, uint32(5000), res.Level)
	require.Equal(t, []string{pkh.B58Check()}, res.Keys)

	// All three kinds initialized at (level, round 0).
	chain, err := watermark.ParseChainID("NetXdQprcVkpaWU")
	require.NoError(t, err)
	for _, kind := range watermark.Kinds() {
		e, ok, err := hw.Get(chain, pkh, kind)
		require.NoError(t, err)
		require.True(t, ok, "kind %s", kind)
		require.Equal(t, uint32(5000), e.Level)
		require.Equal(t, uint32(0), e.Round)
		require.Empty(t, e.Signature)
	}

	// Hand-off file is gone; chain descriptor is permanent.
	_, err = os.Stat(filepath.Join(bootDir, ConfigFileName))
	require.True(t, os.IsNotExist(err))

	info, err := ReadChainInfo(filepath.Join(keysDir, ChainInfoFileName))
	require.NoError(t, err)
	require.Equal(t, "NetXdQprcVkpaWU", info.ID)
	require.Equal(t, "Mainnet", info.Name)
	require.Equal(t, uint32(10800), info.BlocksPerCycle)
}

func TestProcessConfigMissingFile(t *testing.T) {
	hw, err := watermark.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	res, err := ProcessConfig(t.TempDir(), hw, t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	require.False(t, res.Found)
}

func TestProcessConfigValidation(t *testing.T) {
	pkh := devicePKH(t, 1)
	cases := []ChainInfo{
		{ID: "XdQprcVkpaWU", Level: 1, Name: "x", BlocksPerCycle: 1},       // no Net prefix
		{ID: "NetXdQprcVkpaWU", Level: 0, Name: "x", BlocksPerCycle: 1},    // zero level
		{ID: "NetXdQprcVkpaWU", Level: 2e9, Name: "x", BlocksPerCycle: 1},  // absurd level
		{ID: "NetXdQprcVkpaWU", Level: 1, Name: "x", BlocksPerCycle: 0},    // zero cycle length
	}
	for i, chain := range cases {
		bootDir := t.TempDir()
		keysDir := t.TempDir()
		writeKeyHashes(t, keysDir, pkh.B58Check())
		writeConfig(t, bootDir, Config{Chain: chain})

		hw, err := watermark.New(t.TempDir(), zerolog.Nop())
		require.NoError(t, err)
		_, err = ProcessConfig(bootDir, hw, keysDir, zerolog.Nop())
		require.Error(t, err, "case %d", i)
	}
}

func TestProcessConfigRequiresDeviceKeys(t *testing.T) {
	bootDir := t.TempDir()
	keysDir := t.TempDir()
	writeConfig(t, bootDir, Config{
		Chain: ChainInfo{ID: "NetXdQprcVkpaWU", Level: 1, Name: "x", BlocksPerCycle: 1},
	})
	// public_key_hashs with no tz4 entries
	writeKeyHashes(t, keysDir, "tz1SomethingElse")

	hw, err := watermark.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	_, err = ProcessConfig(bootDir, hw, keysDir, zerolog.Nop())
	require.Error(t, err)
}

func TestChainInfoRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ChainInfoFileName)
	info := ChainInfo{ID: "NetXdQprcVkpaWU", Name: "Mainnet", BlocksPerCycle: 10800}
	require.NoError(t, WriteChainInfo(path, info))

	got, err := ReadChainInfo(path)
	require.NoError(t, err)
	require.Equal(t, info, got)

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o400), st.Mode().Perm())

	// Rewriting replaces the read-only file.
	require.NoError(t, WriteChainInfo(path, info))
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, uint64(0), AlignUp(0, MinAlignment))
	require.Equal(t, uint64(MinAlignment), AlignUp(1, MinAlignment))
	require.Equal(t, uint64(MinAlignment), AlignUp(MinAlignment, MinAlignment))
	require.Equal(t, uint64(2*MinAlignment), AlignUp(MinAlignment+1, MinAlignment))
}

func TestCalculateLayout(t *testing.T) {
	p2End := uint64(532_480+4_194_304) * SectorSize
	diskSize := uint64(62_521_344) * SectorSize

	layout, err := CalculateLayout(p2End, MinAlignment, diskSize)
	require.NoError(t, err)
	require.Equal(t, AlignUp(p2End, MinAlignment)/SectorSize, layout.KeysStartSector)
	require.Equal(t, uint64(PartitionSize/SectorSize), layout.KeysSizeSectors)
	require.Equal(t, layout.KeysStartSector+layout.KeysSizeSectors, layout.DataStartSector)
	require.Equal(t, uint64(PartitionSize/SectorSize), layout.DataSizeSectors)
}

func TestCalculateLayoutInsufficientSpace(t *testing.T) {
	p2End := uint64(24_576+131_072) * SectorSize
	_, err := CalculateLayout(p2End, MinAlignment, 100*1024*1024)
	var insufficient *InsufficientSpaceError
	require.ErrorAs(t, err, &insufficient)
}

func TestSfdiskScript(t *testing.T) {
	script := SfdiskScript(Layout{
		KeysStartSector: 4751360, KeysSizeSectors: 131072,
		DataStartSector: 4882432, DataSizeSectors: 131072,
	})
	require.Equal(t,
		"start=4751360, size=131072, type=83\nstart=4882432, size=131072, type=83\n",
		script)
}
