// Package slab provides a fixed-capacity arena of reusable slots and an
// intrusive FIFO queue threaded through the arena.
//
// Slots are addressed by a Ref, a slot index paired with the generation the
// slot had when it was acquired. Releasing a slot bumps its generation, so a
// Ref kept past release no longer resolves. This catches use-after-release
// without any allocation on the hot path.
//
// Both arenas and queues carry a Kind tag. A queue only accepts slots from an
// arena of the same kind.
//
// Example usage:
//
//	tasks := slab.NewArena[Task](KindTask, 128)
//	pending := slab.NewQueue(KindTask, tasks)
//
//	ref, t, ok := tasks.Acquire()
//	if !ok {
//	    return ErrBusy
//	}
//	t.FrameID = 42
//	pending.Enqueue(ref)
//
//	for ref, ok := pending.Next(slab.Ref{}); ok; ref, ok = pending.Next(ref) {
//	    ...
//	}
//
// Arenas and queues are not safe for concurrent use; callers hold their own
// lock.
package slab

import "fmt"

// Kind tags the element type an arena or queue holds.
type Kind uint8

// KindNone is the zero Kind. Arenas cannot be created with it.
const KindNone Kind = 0

// noIndex terminates a queue link.
const noIndex int32 = -1

// Ref addresses one arena slot at one generation. The zero Ref is never
// valid and is used as the "start from head" marker for Queue.Next.
type Ref struct {
	index uint32
	gen   uint32
}

// IsZero reports whether r is the zero Ref.
func (r Ref) IsZero() bool {
	return r.gen == 0
}

// Index returns the slot index of r.
func (r Ref) Index() int {
	return int(r.index)
}

// Generation returns the slot generation r was issued at.
func (r Ref) Generation() uint32 {
	return r.gen
}

// String implements fmt.Stringer.
func (r Ref) String() string {
	return fmt.Sprintf("%d.%d", r.index, r.gen)
}

type slot[T any] struct {
	value T
	gen   uint32
	used  bool
	queue *Queue[T]
	next  int32
}

// Arena is a fixed-capacity pool of T values.
type Arena[T any] struct {
	kind   Kind
	slots  []slot[T]
	cursor int
	inUse  int
}

// NewArena creates an arena holding up to capacity values of the given kind.
// It panics if capacity is not positive or kind is KindNone.
func NewArena[T any](kind Kind, capacity int) *Arena[T] {
	if capacity < 1 {
		panic(fmt.Sprintf("slab: invalid arena capacity %d", capacity))
	}
	if kind == KindNone {
		panic("slab: arena kind must not be KindNone")
	}

	a := &Arena[T]{
		kind:  kind,
		slots: make([]slot[T], capacity),
	}
	for i := range a.slots {
		a.slots[i].gen = 1
		a.slots[i].next = noIndex
	}
	return a
}

// Kind returns the arena's element kind.
func (a *Arena[T]) Kind() Kind {
	return a.kind
}

// Cap returns the arena capacity.
func (a *Arena[T]) Cap() int {
	return len(a.slots)
}

// Len returns the number of slots in use.
func (a *Arena[T]) Len() int {
	return a.inUse
}

// Free returns the number of free slots.
func (a *Arena[T]) Free() int {
	return len(a.slots) - a.inUse
}

// Acquire marks a free slot as used and returns its Ref and value.
// The value is the zero T. It returns false when every slot is in use.
func (a *Arena[T]) Acquire() (Ref, *T, bool) {
	n := len(a.slots)
	if a.inUse == n {
		return Ref{}, nil, false
	}

	for i := 0; i < n; i++ {
		idx := (a.cursor + i) % n
		s := &a.slots[idx]
		if s.used {
			continue
		}
		s.used = true
		a.inUse++
		a.cursor = (idx + 1) % n
		return Ref{index: uint32(idx), gen: s.gen}, &s.value, true
	}

	return Ref{}, nil, false
}

// Release returns the slot addressed by r to the free list. It fails if r is
// stale or the slot is still linked in a queue.
func (a *Arena[T]) Release(r Ref) bool {
	s := a.slot(r)
	if s == nil || s.queue != nil {
		return false
	}

	var zero T
	s.value = zero
	s.used = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.inUse--
	return true
}

// Get returns the value addressed by r, or false if r is stale.
func (a *Arena[T]) Get(r Ref) (*T, bool) {
	s := a.slot(r)
	if s == nil {
		return nil, false
	}
	return &s.value, true
}

// Valid reports whether r addresses a slot that is currently in use at the
// same generation.
func (a *Arena[T]) Valid(r Ref) bool {
	return a.slot(r) != nil
}

func (a *Arena[T]) slot(r Ref) *slot[T] {
	if r.IsZero() || int(r.index) >= len(a.slots) {
		return nil
	}
	s := &a.slots[r.index]
	if !s.used || s.gen != r.gen {
		return nil
	}
	return s
}
