package uapi

import (
	"fmt"

	"github.com/ublkgo/ublk/internal/constants"
)

// BuildBasicParams derives the UblkParams basic record from a backend size
// and logical block size. blockSize must be a power of two.
func BuildBasicParams(sizeBytes, blockSize int64) (UblkParams, error) {
	if blockSize <= 0 || blockSize&(blockSize-1) != 0 {
		return UblkParams{}, fmt.Errorf("block size %d is not a power of two", blockSize)
	}
	if sizeBytes < blockSize {
		return UblkParams{}, fmt.Errorf("backend size %d smaller than block size %d", sizeBytes, blockSize)
	}

	shift := uint8(sizeToShift(blockSize))
	params := UblkParams{
		Types: UBLK_PARAM_TYPE_BASIC,
		Basic: UblkParamBasic{
			LogicalBSShift:  shift,
			PhysicalBSShift: shift,
			IOMinShift:      shift,
			MaxSectors:      uint32(DefaultMaxIOSizeSectors(blockSize)),
			DevSectors:      uint64(sizeBytes / blockSize),
		},
	}
	return params, nil
}

// DefaultMaxIOSizeSectors returns the number of sectors in one per-tag I/O
// buffer, the default max transfer size this library advertises to the
// kernel. It must track constants.IOBufferSizePerTag: that's the size of
// the buffer the kernel actually writes a request into.
func DefaultMaxIOSizeSectors(blockSize int64) int64 {
	return constants.IOBufferSizePerTag / blockSize
}

func sizeToShift(size int64) int {
	shift := 0
	for s := size; s > 1; s >>= 1 {
		shift++
	}
	return shift
}
