package mempool

import (
	"fmt"
	"sort"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/willf/bitset"
)

// poisonByte fills the payload of a freed slot past its free link.
const poisonByte = 0xDD

// debugBlock tracks which slots of one block are live.
type debugBlock struct {
	base  uintptr
	first uintptr // Offset of the first slot.
	slots uint
	live  *bitset.BitSet
}

// debugTracker validates allocate/deallocate calls of a single pool.
// Blocks are kept sorted by base address so a slot address can be mapped back to its block.
type debugTracker struct {
	slotSize uintptr
	blocks   []debugBlock
	sums     map[uintptr]uint64 // Checksums of free slots, keyed by address.
}

func newDebugTracker(slotSize uintptr) *debugTracker {
	return &debugTracker{
		slotSize: slotSize,
		sums:     make(map[uintptr]uint64),
	}
}

func (d *debugTracker) addBlock(base, first, slots uintptr) {
	b := debugBlock{
		base:  base,
		first: first,
		slots: uint(slots),
		live:  bitset.New(uint(slots)),
	}
	i := sort.Search(len(d.blocks), func(i int) bool { return d.blocks[i].base > base })
	d.blocks = append(d.blocks, debugBlock{})
	copy(d.blocks[i+1:], d.blocks[i:])
	d.blocks[i] = b
}

// locate returns the block holding addr and the slot index within it.
func (d *debugTracker) locate(addr uintptr) (*debugBlock, uint, error) {
	i := sort.Search(len(d.blocks), func(i int) bool { return d.blocks[i].base > addr }) - 1
	if i < 0 {
		return nil, 0, fmt.Errorf("%w: %#x", ErrForeignSlot, addr)
	}
	b := &d.blocks[i]
	offset := addr - b.base
	if offset < b.first || (offset-b.first)%d.slotSize != 0 {
		return nil, 0, fmt.Errorf("%w: %#x is not on a slot boundary", ErrForeignSlot, addr)
	}
	idx := uint((offset - b.first) / d.slotSize)
	if idx >= b.slots {
		return nil, 0, fmt.Errorf("%w: %#x", ErrForeignSlot, addr)
	}
	return b, idx, nil
}

// carve marks a freshly carved slot as live.
func (d *debugTracker) carve(slot unsafe.Pointer) {
	b, idx, err := d.locate(uintptr(slot))
	if err != nil {
		panic(err)
	}
	b.live.Set(idx)
}

// release checks that slot is a live slot of this pool and marks it free.
func (d *debugTracker) release(slot unsafe.Pointer) {
	addr := uintptr(slot)
	b, idx, err := d.locate(addr)
	if err != nil {
		panic(err)
	}
	if !b.live.Test(idx) {
		panic(fmt.Errorf("%w: %#x", ErrDoubleFree, addr))
	}
	b.live.Clear(idx)
}

// seal poisons a slot that was just linked into the free list and records its checksum.
func (d *debugTracker) seal(slot unsafe.Pointer) {
	data := unsafe.Slice((*byte)(slot), d.slotSize)
	for i := unsafe.Sizeof(freeLink{}); i < d.slotSize; i++ {
		data[i] = poisonByte
	}
	d.sums[uintptr(slot)] = xxhash.Sum64(data)
}

// reuse verifies a slot popped from the free list and marks it live.
func (d *debugTracker) reuse(slot unsafe.Pointer) {
	addr := uintptr(slot)
	sum, ok := d.sums[addr]
	if !ok || sum != xxhash.Sum64(unsafe.Slice((*byte)(slot), d.slotSize)) {
		panic(fmt.Errorf("%w: %#x", ErrUseAfterFree, addr))
	}
	delete(d.sums, addr)
	b, idx, err := d.locate(addr)
	if err != nil {
		panic(err)
	}
	b.live.Set(idx)
}

// liveSlots returns the number of live slots across all blocks.
func (d *debugTracker) liveSlots() uint {
	var n uint
	for i := range d.blocks {
		n += d.blocks[i].live.Count()
	}
	return n
}
