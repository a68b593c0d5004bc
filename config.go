package mempool

import (
	"errors"
	"fmt"
	"log/slog"
)

const (
	KiB = 1024
	MiB = KiB * KiB

	// DefaultBlockSize is the number of bytes requested from the block source per growth step.
	DefaultBlockSize = 4 * KiB
)

type Config struct {
	// BlockSize is the number of bytes each block requests from the block source.
	//
	// 	- Larger values amortize the cost of growth over more slots.
	//
	// 	- Smaller values reduce peak unused memory in a partially carved block.
	BlockSize int

	// Debug enables detection of double frees, foreign slots and writes to freed slots.
	// Violations panic. It costs a lookup and a checksum per Allocate/Deallocate.
	Debug bool
}

// Validate reports whether the config can carve at least one slot of slotSize
// from every block, whatever the base alignment of the block.
func (c Config) Validate(slotSize uintptr) error {
	var errs []error
	if c.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: block size must be positive, got %d", ErrInvalidBlockSize, c.BlockSize))
	} else if minSize := minBlockSize(slotSize); uintptr(c.BlockSize) < minSize {
		errs = append(
			errs,
			fmt.Errorf("%w: block size %d is below the minimum of %d for slot size %d",
				ErrInvalidBlockSize, c.BlockSize, minSize, slotSize),
		)
	}
	return errors.Join(errs...)
}

// minBlockSize returns the smallest block that fits the header, worst-case
// alignment padding and one slot.
func minBlockSize(slotSize uintptr) uintptr {
	return 2*slotSize + headerSize
}

func DefaultConfig() Config {
	return Config{
		BlockSize: DefaultBlockSize,
		Debug:     false,
	}
}

type MmapSourceConfig struct {
	// Number of released blocks of each size the source keeps mapped before
	// starting to unmap them. A value <= 0 unmaps every released block immediately.
	FreeThreshold int

	// Logger receives unmap failures that cannot be returned to a caller.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

func DefaultMmapSourceConfig() MmapSourceConfig {
	return MmapSourceConfig{
		FreeThreshold: 64,
		Logger:        slog.Default(),
	}
}
