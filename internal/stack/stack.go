// Package stack implements a singly-linked stack that takes one node from its
// allocator per push and returns it on pop.
package stack

import (
	"unsafe"

	"github.com/holmberd/go-mempool"
)

// Node is the unit a stack allocates.
// prev is an unsafe.Pointer so nodes can live in memory the GC does not scan.
type Node[T any] struct {
	value T
	prev  unsafe.Pointer
}

// Stack is a LIFO container of T backed by allocator A.
// It is not safe for concurrent use.
type Stack[T any, A mempool.Allocator[Node[T]]] struct {
	alloc A
	head  *Node[T]
	n     int
}

// New creates an empty stack that allocates its nodes from alloc.
func New[T any, A mempool.Allocator[Node[T]]](alloc A) *Stack[T, A] {
	return &Stack[T, A]{alloc: alloc}
}

// Empty returns true if the stack holds no elements.
func (s *Stack[T, A]) Empty() bool {
	return s.head == nil
}

func (s *Stack[T, A]) Len() int {
	return s.n
}

// Push puts v on top of the stack.
func (s *Stack[T, A]) Push(v T) error {
	node, err := s.alloc.Allocate()
	if err != nil {
		return err
	}
	s.alloc.Construct(node, Node[T]{value: v, prev: unsafe.Pointer(s.head)})
	s.head = node
	s.n++
	return nil
}

// Pop removes and returns the topmost element.
// The ok result is false if the stack is empty.
func (s *Stack[T, A]) Pop() (v T, ok bool) {
	if s.head == nil {
		return v, false
	}
	node := s.head
	v = node.value
	s.head = (*Node[T])(node.prev)
	s.alloc.Destroy(node)
	s.alloc.Deallocate(node)
	s.n--
	return v, true
}

// Top returns the topmost element without removing it.
func (s *Stack[T, A]) Top() (v T, ok bool) {
	if s.head == nil {
		return v, false
	}
	return s.head.value, true
}

// Clear destroys and deallocates every node.
func (s *Stack[T, A]) Clear() {
	for s.head != nil {
		node := s.head
		s.head = (*Node[T])(node.prev)
		s.alloc.Destroy(node)
		s.alloc.Deallocate(node)
	}
	s.n = 0
}
