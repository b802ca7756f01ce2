package watermark

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// fileMap is the on-disk shape: chain_b58 -> pkh_b58 -> entry. The files
// stay pretty-printed JSON so an operator can read and repair them; key
// order is whatever the encoder emits.
type fileMap map[string]map[string]Entry

func filePath(dir string, kind OpKind) string {
	return filepath.Join(dir, kind.FileName())
}

// loadFile reads one kind's ledger file. A missing file is an empty map.
// Files over MaxFileSize are rejected before being read into memory.
func loadFile(dir string, kind OpKind) (fileMap, error) {
	path := filePath(dir, kind)
	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fileMap{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("watermark: stat %s: %w", path, err)
	}
	if st.Size() > MaxFileSize {
		return nil, &OversizedFileError{Path: path, Size: st.Size()}
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- path is derived from the operator-controlled data dir.
	if err != nil {
		return nil, fmt.Errorf("watermark: read %s: %w", path, err)
	}
	var m fileMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if m == nil {
		m = fileMap{}
	}
	return m, nil
}

// writeFile persists one kind's ledger file as a crash-safe commit point:
// write temp -> fsync temp -> rename -> fsync dir.
func writeFile(dir string, kind OpKind, m fileMap) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("watermark: encode %s: %w", kind.FileName(), err)
	}
	b = append(b, '\n')

	final := filePath(dir, kind)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) // #nosec G304 -- tmp path derived from operator-controlled dir.
	if err != nil {
		return fmt.Errorf("watermark: open tmp: %w", err)
	}
	_, werr := f.Write(b)
	serr := f.Sync()
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("watermark: write tmp: %w", werr)
	}
	if serr != nil {
		return fmt.Errorf("watermark: fsync tmp: %w", serr)
	}
	if cerr != nil {
		return fmt.Errorf("watermark: close tmp: %w", cerr)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("watermark: rename: %w", err)
	}

	d, err := os.Open(dir) // #nosec G304 -- operator-controlled dir.
	if err != nil {
		return fmt.Errorf("watermark: open dir: %w", err)
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return fmt.Errorf("watermark: fsync dir: %w", err)
	}
	if err := d.Close(); err != nil {
		return fmt.Errorf("watermark: close dir: %w", err)
	}
	return nil
}
