// Package mempool implements a fixed-size memory pool.
// It serves many equally-sized objects of one type from large blocks carved
// into aligned slots, and recycles freed slots in LIFO order.
package mempool

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"unsafe"
)

var (
	defaultBlockSource = NewMmapSource(DefaultMmapSourceConfig())

	ErrOutOfMemory      = errors.New("block source cannot satisfy block request")
	ErrInvalidBlockSize = errors.New("invalid block size")
	ErrPointerElement   = errors.New("element type contains Go pointers")
	ErrUnknownBlock     = errors.New("block was not allocated by this source")
	ErrDoubleFree       = errors.New("slot is already free")
	ErrForeignSlot      = errors.New("address is not a slot of this pool")
	ErrUseAfterFree     = errors.New("free slot was written after deallocation")
)

// freeLink overlays the storage of a free slot.
type freeLink struct {
	next unsafe.Pointer
}

// blockHeader occupies the first pointer-aligned word of every block.
type blockHeader struct {
	prev unsafe.Pointer // Previously allocated block, nil for the oldest.
}

const (
	headerSize  = unsafe.Sizeof(blockHeader{})
	headerAlign = unsafe.Alignof(blockHeader{})
)

// headerOf returns the header of the block starting at base.
func headerOf(base unsafe.Pointer) *blockHeader {
	return (*blockHeader)(unsafe.Add(base, padPointer(uintptr(base), headerAlign)))
}

// Stats represents pool stats.
type Stats struct {
	Blocks      uint64 // Blocks in the chain.
	CarvedSlots uint64 // Slots carved from blocks, i.e. handed out at least once.
	LiveSlots   uint64 // Slots allocated and not yet deallocated.
	FreeSlots   uint64 // Slots on the free list.
	Reused      uint64 // Allocations served from the free list.
}

func (s *Stats) Reset() {
	*s = Stats{}
}

// Destroyer is implemented by element types that hold teardown logic.
// Pool.Destroy calls it before clearing the slot.
type Destroyer interface {
	Destroy()
}

// Pool is a fixed-size allocator for values of type T.
//
// Slots are carved from a chain of blocks obtained from a BlockSource. Each block
// starts with a back-link to the previous block at its first pointer-aligned
// address, followed by padding up to the
// slot alignment and then as many whole slots as fit. Deallocated slots are
// threaded onto a free list through their own storage and handed out first.
//
// A Pool is not safe for concurrent use. It must not be copied after first use;
// use Move to transfer ownership and Clone for an empty pool with the same configuration.
type Pool[T any] struct {
	source    BlockSource
	config    Config
	slotSize  uintptr
	slotAlign uintptr

	currentBlock unsafe.Pointer // Newest block, head of the back-linked chain.
	currentSlot  uintptr        // Offset of the next never-used slot in currentBlock.
	lastSlot     uintptr        // Carving stops once currentSlot reaches this offset.
	freeSlots    unsafe.Pointer // Head of the free list.

	stats Stats
	debug *debugTracker // nil unless config.Debug.
}

// New creates a new, empty pool backed by the shared mmap source.
func New[T any]() (*Pool[T], error) {
	return Custom[T](defaultBlockSource, DefaultConfig())
}

// Custom creates a new, empty pool with a custom block source and config.
func Custom[T any](source BlockSource, config Config) (*Pool[T], error) {
	if source == nil {
		source = defaultBlockSource
	}
	if t := reflect.TypeFor[T](); hasPointers(t) {
		return nil, fmt.Errorf("%w: %s", ErrPointerElement, t)
	}
	slotSize, slotAlign := slotLayout[T]()
	if err := config.Validate(slotSize); err != nil {
		return nil, err
	}
	return newPool[T](source, config, slotSize, slotAlign), nil
}

func newPool[T any](source BlockSource, config Config, slotSize, slotAlign uintptr) *Pool[T] {
	p := &Pool[T]{
		source:    source,
		config:    config,
		slotSize:  slotSize,
		slotAlign: slotAlign,
	}
	p.reset()
	return p
}

// reset returns the pool to its empty state without touching any block.
func (p *Pool[T]) reset() {
	p.currentBlock = nil
	p.currentSlot = 0
	p.lastSlot = 0
	p.freeSlots = nil
	p.stats.Reset()
	p.debug = nil
	if p.config.Debug {
		p.debug = newDebugTracker(p.slotSize)
	}
}

// Allocate returns storage for one T. The storage is uninitialized.
// It returns an error wrapping ErrOutOfMemory if the pool needs to grow and the
// block source fails, in which case the pool is left unchanged.
func (p *Pool[T]) Allocate() (*T, error) {
	if p.freeSlots != nil {
		slot := p.freeSlots
		if p.debug != nil {
			p.debug.reuse(slot)
		}
		p.freeSlots = (*freeLink)(slot).next
		p.stats.FreeSlots--
		p.stats.Reused++
		p.stats.LiveSlots++
		return (*T)(slot), nil
	}

	if p.currentSlot >= p.lastSlot {
		if err := p.allocateBlock(); err != nil {
			return nil, err
		}
	}
	slot := unsafe.Add(p.currentBlock, p.currentSlot)
	p.currentSlot += p.slotSize
	if p.debug != nil {
		p.debug.carve(slot)
	}
	p.stats.CarvedSlots++
	p.stats.LiveSlots++
	return (*T)(slot), nil
}

// Deallocate returns storage obtained from Allocate on this pool to the free list.
// The value must already have been destroyed. It does nothing for nil.
func (p *Pool[T]) Deallocate(ptr *T) {
	if ptr == nil {
		return
	}
	slot := unsafe.Pointer(ptr)
	if p.debug != nil {
		p.debug.release(slot)
	}
	// Clear the link word with a plain store so the pointer write below never
	// sees stale element bits as its previous value.
	*(*uintptr)(slot) = 0
	(*freeLink)(slot).next = p.freeSlots
	p.freeSlots = slot
	if p.debug != nil {
		p.debug.seal(slot)
	}
	p.stats.LiveSlots--
	p.stats.FreeSlots++
}

// Construct initializes the storage at ptr with v.
func (p *Pool[T]) Construct(ptr *T, v T) {
	*ptr = v
}

// Destroy tears down the value at ptr without releasing its storage.
func (p *Pool[T]) Destroy(ptr *T) {
	if ptr == nil {
		return
	}
	if d, ok := any(ptr).(Destroyer); ok {
		d.Destroy()
	}
	var zero T
	*ptr = zero
}

// NewElement allocates a slot and constructs v in it.
func (p *Pool[T]) NewElement(v T) (*T, error) {
	ptr, err := p.Allocate()
	if err != nil {
		return nil, err
	}
	p.Construct(ptr, v)
	return ptr, nil
}

// DeleteElement destroys the value at ptr and deallocates its slot.
func (p *Pool[T]) DeleteElement(ptr *T) {
	if ptr == nil {
		return
	}
	p.Destroy(ptr)
	p.Deallocate(ptr)
}

// Address returns the address of ref as an integer, for identity and
// alignment checks. It does not keep the slot reachable; use the *T itself for that.
func (p *Pool[T]) Address(ref *T) uintptr {
	return uintptr(unsafe.Pointer(ref))
}

// MaxElements returns an upper bound on the number of elements the pool could hold.
// It is informational only; growth is bounded by the block source.
func (p *Pool[T]) MaxElements() int {
	perBlock := (uintptr(p.config.BlockSize) - headerSize) / p.slotSize
	return (math.MaxInt / p.config.BlockSize) * int(perBlock)
}

func (p *Pool[T]) SlotSize() int {
	return int(p.slotSize)
}

func (p *Pool[T]) BlockSize() int {
	return p.config.BlockSize
}

func (p *Pool[T]) UpdateStats(s *Stats) {
	s.Blocks += p.stats.Blocks
	s.CarvedSlots += p.stats.CarvedSlots
	s.LiveSlots += p.stats.LiveSlots
	s.FreeSlots += p.stats.FreeSlots
	s.Reused += p.stats.Reused
}

// Move transfers the block chain, free list and cursors to a new pool.
// p is left empty and remains usable.
func (p *Pool[T]) Move() *Pool[T] {
	moved := &Pool[T]{
		source:       p.source,
		config:       p.config,
		slotSize:     p.slotSize,
		slotAlign:    p.slotAlign,
		currentBlock: p.currentBlock,
		currentSlot:  p.currentSlot,
		lastSlot:     p.lastSlot,
		freeSlots:    p.freeSlots,
		stats:        p.stats,
		debug:        p.debug,
	}
	p.reset()
	return moved
}

// Clone returns a new, empty pool with the same block source and config.
// Pools share an allocation strategy, never content.
func (p *Pool[T]) Clone() *Pool[T] {
	return newPool[T](p.source, p.config, p.slotSize, p.slotAlign)
}

// Release returns every block in the chain to the block source, newest first.
// Values still held in slots are not destroyed. The pool is empty afterwards.
func (p *Pool[T]) Release() error {
	var errs []error
	for block := p.currentBlock; block != nil; {
		prev := headerOf(block).prev
		if err := p.source.Release(unsafe.Slice((*byte)(block), p.config.BlockSize)); err != nil {
			errs = append(errs, err)
		}
		block = prev
	}
	p.reset()
	return errors.Join(errs...)
}

// allocateBlock links a new block in front of the chain and points the cursors at its slots.
// The pool is unchanged if the block source fails.
func (p *Pool[T]) allocateBlock() error {
	block, err := p.source.Alloc(p.config.BlockSize)
	if err != nil {
		if errors.Is(err, ErrOutOfMemory) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	if len(block) < p.config.BlockSize {
		err := fmt.Errorf("%w: block source returned %d bytes, want %d", ErrOutOfMemory, len(block), p.config.BlockSize)
		if len(block) > 0 {
			if releaseErr := p.source.Release(block); releaseErr != nil {
				err = errors.Join(err, releaseErr)
			}
		}
		return err
	}

	base := unsafe.Pointer(&block[0])
	headerOf(base).prev = p.currentBlock
	p.currentBlock = base

	body := padPointer(uintptr(base), headerAlign) + headerSize
	p.currentSlot = body + padPointer(uintptr(base)+body, p.slotAlign)
	p.lastSlot = uintptr(p.config.BlockSize) - p.slotSize + 1
	p.stats.Blocks++
	if p.debug != nil {
		p.debug.addBlock(uintptr(base), p.currentSlot, (uintptr(p.config.BlockSize)-p.currentSlot)/p.slotSize)
	}
	return nil
}

// padPointer returns the number of bytes to add to addr so it is a multiple of align.
func padPointer(addr uintptr, align uintptr) uintptr {
	return (align - addr%align) % align
}

// slotLayout returns the size and alignment of a slot that can hold either a T or a freeLink.
func slotLayout[T any]() (size, align uintptr) {
	var v T
	align = max(unsafe.Alignof(v), unsafe.Alignof(freeLink{}))
	size = max(unsafe.Sizeof(v), unsafe.Sizeof(freeLink{}))
	size += padPointer(size, align)
	return size, align
}

// hasPointers reports whether values of t hold references the GC would need to see.
// unsafe.Pointer is allowed so elements can link to other slots.
func hasPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.String,
		reflect.Chan, reflect.Func, reflect.Interface:
		return true
	case reflect.Array:
		return t.Len() > 0 && hasPointers(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			if hasPointers(t.Field(i).Type) {
				return true
			}
		}
	}
	return false
}
