package mempool

// Allocator is the allocation contract node-based containers are written against.
// Allocate and Deallocate manage storage; Construct and Destroy manage the value in it.
type Allocator[T any] interface {
	Allocate() (*T, error)
	Deallocate(p *T)
	Construct(p *T, v T)
	Destroy(p *T)
}

var (
	_ Allocator[int] = (*Pool[int])(nil)
	_ Allocator[int] = HeapAllocator[int]{}
)

// HeapAllocator allocates every value separately on the Go heap.
// Deallocate leaves the storage to the garbage collector.
type HeapAllocator[T any] struct{}

func (HeapAllocator[T]) Allocate() (*T, error) {
	return new(T), nil
}

func (HeapAllocator[T]) Deallocate(p *T) {}

func (HeapAllocator[T]) Construct(p *T, v T) {
	*p = v
}

func (HeapAllocator[T]) Destroy(p *T) {
	if p == nil {
		return
	}
	if d, ok := any(p).(Destroyer); ok {
		d.Destroy()
	}
	var zero T
	*p = zero
}
