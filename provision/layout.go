package provision

import "fmt"

// Partition geometry for the keys (p3) and data (p4) partitions. Pure
// sector arithmetic; nothing here touches a disk.
const (
	// MinAlignment is the partition boundary alignment.
	MinAlignment = 16 * 1024 * 1024
	// PartitionSize is the size of each of the two data-bearing
	// partitions.
	PartitionSize = 64 * 1024 * 1024
	// SectorSize is the standard logical sector size.
	SectorSize = 512
)

// Layout describes the two partitions in sectors.
type Layout struct {
	KeysStartSector uint64
	KeysSizeSectors uint64
	DataStartSector uint64
	DataSizeSectors uint64
}

// InsufficientSpaceError reports a disk too small for the layout.
type InsufficientSpaceError struct {
	NeedMB uint64
	HaveMB uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("provision: insufficient disk space: need %dMB, have %dMB", e.NeedMB, e.HaveMB)
}

// AlignUp rounds value up to the next multiple of alignment. Zero stays
// zero.
func AlignUp(value, alignment uint64) uint64 {
	return (value + alignment - 1) / alignment * alignment
}

// CalculateLayout places the keys and data partitions after the byte
// offset where the rootfs partition ends.
func CalculateLayout(p2EndBytes, alignment, diskSizeBytes uint64) (Layout, error) {
	keysStart := AlignUp(p2EndBytes, alignment)
	keysSize := AlignUp(PartitionSize, alignment)
	dataStart := keysStart + keysSize
	dataSize := AlignUp(PartitionSize, alignment)
	dataEnd := dataStart + dataSize

	if dataEnd > diskSizeBytes {
		return Layout{}, &InsufficientSpaceError{
			NeedMB: dataEnd / (1024 * 1024),
			HaveMB: diskSizeBytes / (1024 * 1024),
		}
	}
	return Layout{
		KeysStartSector: keysStart / SectorSize,
		KeysSizeSectors: keysSize / SectorSize,
		DataStartSector: dataStart / SectorSize,
		DataSizeSectors: dataSize / SectorSize,
	}, nil
}

// SfdiskScript renders the two append lines for sfdisk (Linux type 83).
func SfdiskScript(l Layout) string {
	return fmt.Sprintf("start=%d, size=%d, type=83\nstart=%d, size=%d, type=83\n",
		l.KeysStartSector, l.KeysSizeSectors, l.DataStartSector, l.DataSizeSectors)
}
