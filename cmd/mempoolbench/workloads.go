package main

import (
	"time"

	"github.com/eapache/queue"
	"github.com/holmberd/go-mempool"
	"github.com/holmberd/go-mempool/internal/stack"
	"github.com/pkg/errors"
)

// record is the element of the FIFO churn workload.
type record struct {
	ID      uint64
	Payload [7]uint64
}

type workload struct {
	elems  int
	reps   int
	window int
	config mempool.Config
	source mempool.BlockSource
}

func (w workload) validate() error {
	if w.elems <= 0 || w.elems%4 != 0 {
		return errors.Errorf("elems must be a positive multiple of 4, got %d", w.elems)
	}
	if w.reps <= 0 {
		return errors.Errorf("reps must be positive, got %d", w.reps)
	}
	if w.window <= 0 {
		return errors.Errorf("window must be positive, got %d", w.window)
	}
	return nil
}

func (w workload) heapStack() (result, error) {
	s := stack.New[int](mempool.HeapAllocator[stack.Node[int]]{})
	return pushPop(s, w.elems, w.reps)
}

func (w workload) poolStack() (res result, err error) {
	pool, err := mempool.Custom[stack.Node[int]](w.source, w.config)
	if err != nil {
		return res, errors.Wrap(err, "failed to create pool")
	}
	defer func() {
		pool.UpdateStats(&res.stats)
		if releaseErr := pool.Release(); releaseErr != nil && err == nil {
			err = errors.Wrap(releaseErr, "failed to release pool")
		}
	}()
	return pushPop(stack.New[int](pool), w.elems, w.reps)
}

// pushPop fills and drains s reps times. The loops are unrolled so the
// timing is dominated by the stack operations.
func pushPop[A mempool.Allocator[stack.Node[int]]](s *stack.Stack[int, A], elems, reps int) (result, error) {
	start := time.Now()
	for range reps {
		if !s.Empty() {
			return result{}, errors.New("stack is not empty at the start of a repetition")
		}
		for i := 0; i < elems/4; i++ {
			if err := pushN(s, i, 4); err != nil {
				return result{}, errors.Wrapf(err, "failed to push element %d", i)
			}
		}
		for i := 0; i < elems/4; i++ {
			s.Pop()
			s.Pop()
			s.Pop()
			s.Pop()
		}
	}
	return result{elapsed: time.Since(start)}, nil
}

func pushN[A mempool.Allocator[stack.Node[int]]](s *stack.Stack[int, A], v, n int) error {
	for range n {
		if err := s.Push(v); err != nil {
			return err
		}
	}
	return nil
}

func (w workload) slice() (result, error) {
	var s []int
	start := time.Now()
	for range w.reps {
		if len(s) != 0 {
			return result{}, errors.New("slice is not empty at the start of a repetition")
		}
		for i := 0; i < w.elems/4; i++ {
			s = append(s, i, i, i, i)
		}
		for i := 0; i < w.elems/4; i++ {
			s = s[:len(s)-4]
		}
	}
	return result{elapsed: time.Since(start)}, nil
}

func (w workload) heapChurn() (result, error) {
	return churn(mempool.HeapAllocator[record]{}, w.elems, w.window)
}

func (w workload) poolChurn() (res result, err error) {
	pool, err := mempool.Custom[record](w.source, w.config)
	if err != nil {
		return res, errors.Wrap(err, "failed to create pool")
	}
	defer func() {
		pool.UpdateStats(&res.stats)
		if releaseErr := pool.Release(); releaseErr != nil && err == nil {
			err = errors.Wrap(releaseErr, "failed to release pool")
		}
	}()
	return churn(pool, w.elems, w.window)
}

// churn keeps window records alive and frees them in allocation order,
// so freed slots return to the allocator oldest first.
func churn[A mempool.Allocator[record]](alloc A, elems, window int) (result, error) {
	q := queue.New()
	release := func() {
		r := q.Remove().(*record)
		alloc.Destroy(r)
		alloc.Deallocate(r)
	}

	start := time.Now()
	for i := range elems {
		r, err := alloc.Allocate()
		if err != nil {
			return result{}, errors.Wrapf(err, "failed to allocate record %d", i)
		}
		alloc.Construct(r, record{ID: uint64(i)})
		q.Add(r)
		if q.Length() > window {
			release()
		}
	}
	for q.Length() > 0 {
		release()
	}
	return result{elapsed: time.Since(start)}, nil
}
