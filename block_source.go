package mempool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BlockSource defines the contract for the memory a Pool carves its blocks from.
type BlockSource interface {
	Alloc(size int) ([]byte, error) // Alloc returns a block of exactly size bytes.
	Release(block []byte) error     // Release returns a block obtained from Alloc.
}

var (
	_ BlockSource = (*MmapSource)(nil)
	_ BlockSource = (*HeapSource)(nil)
)

// MmapSource is a thread-safe source of off-heap memory blocks.
// Released blocks are kept mapped up to a per-size threshold and handed out
// again by Alloc.
type MmapSource struct {
	mu   sync.Mutex
	free map[int][][]byte

	// freeThreshold is the number of free blocks for each size the source
	// can hold before starting to unmap them.
	freeThreshold int
	logger        *slog.Logger
	pageSize      int
}

// NewMmapSource creates a new, empty mmap source.
func NewMmapSource(config MmapSourceConfig) *MmapSource {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MmapSource{
		free:          make(map[int][][]byte),
		freeThreshold: config.FreeThreshold,
		logger:        logger,
		pageSize:      unix.Getpagesize(),
	}
}

// Alloc returns a block of size bytes, reusing a released block of the same size if one is cached.
// The block is not zeroed when it is reused.
func (s *MmapSource) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid block size %d", ErrOutOfMemory, size)
	}

	s.mu.Lock()
	if list := s.free[size]; len(list) > 0 {
		n := len(list) - 1
		block := list[n]
		list[n] = nil
		s.free[size] = list[:n]
		s.mu.Unlock()
		return block, nil
	}
	s.mu.Unlock()

	return s.mmap(size)
}

// Release returns a block to the source.
// It does nothing if the block is empty.
func (s *MmapSource) Release(block []byte) error {
	if len(block) == 0 {
		return nil
	}
	size := len(block)
	block = block[:size:size]

	if s.freeThreshold <= 0 {
		return s.unmap(block)
	}

	var blocksToUnmap [][]byte
	s.mu.Lock()
	s.free[size] = append(s.free[size], block)
	s.free[size], blocksToUnmap = releaseBlocks(s.free[size], s.freeThreshold)
	s.mu.Unlock()

	// Unmap outside of the lock to avoid blocking other pools.
	for _, b := range blocksToUnmap {
		if err := s.unmap(b); err != nil {
			s.logger.Error("failed to unmap block", "size", len(b), "error", err)
		}
	}
	return nil
}

// Prealloc ensures that at least numBlocks blocks of size are cached in the source.
// This is useful for pre-warming the source before a burst of pool growth.
func (s *MmapSource) Prealloc(size int, numBlocks int) error {
	if numBlocks <= 0 {
		return nil
	}
	s.mu.Lock()
	n := numBlocks - len(s.free[size])
	s.mu.Unlock()

	var errs []error
	blocks := make([][]byte, 0, max(n, 0))
	for range n {
		block, err := s.mmap(size)
		if err != nil {
			errs = append(errs, err)
			break
		}
		blocks = append(blocks, block)
	}

	s.mu.Lock()
	s.free[size] = append(s.free[size], blocks...)
	s.mu.Unlock()
	return errors.Join(errs...)
}

// Close unmaps every cached block.
func (s *MmapSource) Close() error {
	s.mu.Lock()
	free := s.free
	s.free = make(map[int][][]byte)
	s.mu.Unlock()

	var errs []error
	for _, list := range free {
		for _, b := range list {
			if err := s.unmap(b); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// mappedSize rounds size up to a whole number of pages.
// Every block is its own mapping so unmapping one never touches another.
func (s *MmapSource) mappedSize(size int) int {
	return (size + s.pageSize - 1) / s.pageSize * s.pageSize
}

// mmap maps a new block that is not part of the Go heap, so the GC never scans it.
func (s *MmapSource) mmap(size int) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, s.mappedSize(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot mmap %d bytes for block size %d: %v", ErrOutOfMemory, s.mappedSize(size), size, err)
	}
	return data[:size:size], nil
}

// unmap releases a block back to the operating system.
// The mapping is rebuilt from the block's first byte since callers only hold the block length.
func (s *MmapSource) unmap(block []byte) error {
	mapping := unsafe.Slice(&block[0], s.mappedSize(len(block)))
	if err := unix.Munmap(mapping); err != nil {
		return fmt.Errorf("cannot unmap block of size %d: %w", len(block), err)
	}
	return nil
}

// numFree returns the number of cached blocks for a given block size.
// It is primarily intended as helper method in tests.
func (s *MmapSource) numFree(size int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.free[size])
}

// releaseBlocks trims the free list if it exceeds the given threshold.
// It returns the updated list and a list of any blocks that were removed and should be unmapped.
func releaseBlocks[B any](freeList []B, threshold int) (newList []B, toUnmap []B) {
	if threshold > 0 && len(freeList) > threshold {
		// Release half of the free blocks to prevent thrashing around the threshold.
		freeCount := len(freeList) / 2
		toUnmap = freeList[:freeCount]
		newList = freeList[freeCount:]
		return newList, toUnmap
	}
	return freeList, nil
}

// HeapSource is a thread-safe source of blocks allocated on the Go heap.
// Blocks are pinned until released, since a pool only links older blocks
// through memory the GC does not scan.
type HeapSource struct {
	mu   sync.Mutex
	live map[*byte][]byte
}

func NewHeapSource() *HeapSource {
	return &HeapSource{live: make(map[*byte][]byte)}
}

func (s *HeapSource) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid block size %d", ErrOutOfMemory, size)
	}
	block := make([]byte, size)
	s.mu.Lock()
	s.live[&block[0]] = block
	s.mu.Unlock()
	return block, nil
}

func (s *HeapSource) Release(block []byte) error {
	if len(block) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[&block[0]]; !ok {
		return ErrUnknownBlock
	}
	delete(s.live, &block[0])
	return nil
}

// Live returns the number of blocks allocated and not yet released.
func (s *HeapSource) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}
