package slab

// Queue is an intrusive FIFO of arena slots. The links live in the slots
// themselves, so queue operations never allocate. A slot can be linked in at
// most one queue at a time.
type Queue[T any] struct {
	kind   Kind
	arena  *Arena[T]
	head   int32
	tail   int32
	length int
}

// NewQueue creates an empty queue of the given kind over arena.
func NewQueue[T any](kind Kind, arena *Arena[T]) *Queue[T] {
	return &Queue[T]{
		kind:  kind,
		arena: arena,
		head:  noIndex,
		tail:  noIndex,
	}
}

// Kind returns the queue's element kind.
func (q *Queue[T]) Kind() Kind {
	return q.kind
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	return q.length
}

// Enqueue appends r at the tail. It fails if the queue and arena kinds
// differ, r is stale, or the slot is already linked in a queue.
func (q *Queue[T]) Enqueue(r Ref) bool {
	if q.kind != q.arena.kind {
		return false
	}
	s := q.arena.slot(r)
	if s == nil || s.queue != nil {
		return false
	}

	idx := int32(r.index)
	s.queue = q
	s.next = noIndex
	if q.tail == noIndex {
		q.head = idx
	} else {
		q.arena.slots[q.tail].next = idx
	}
	q.tail = idx
	q.length++
	return true
}

// Dequeue removes r from the queue. It fails if r is not linked here.
func (q *Queue[T]) Dequeue(r Ref) bool {
	s := q.arena.slot(r)
	if s == nil || s.queue != q {
		return false
	}

	idx := int32(r.index)
	prev := noIndex
	for cur := q.head; cur != noIndex; cur = q.arena.slots[cur].next {
		if cur != idx {
			prev = cur
			continue
		}

		if prev == noIndex {
			q.head = s.next
		} else {
			q.arena.slots[prev].next = s.next
		}
		if q.tail == idx {
			q.tail = prev
		}
		s.next = noIndex
		s.queue = nil
		q.length--
		return true
	}

	// Linked to this queue but unreachable: the links are corrupt.
	return false
}

// Contains reports whether r is linked in this queue.
func (q *Queue[T]) Contains(r Ref) bool {
	s := q.arena.slot(r)
	return s != nil && s.queue == q
}

// Head returns the first element.
func (q *Queue[T]) Head() (Ref, bool) {
	return q.Next(Ref{})
}

// Next returns the element after r, or the head when r is the zero Ref.
// Callers that dequeue while iterating must fetch the next Ref first.
func (q *Queue[T]) Next(r Ref) (Ref, bool) {
	idx := q.head
	if !r.IsZero() {
		s := q.arena.slot(r)
		if s == nil || s.queue != q {
			return Ref{}, false
		}
		idx = s.next
	}
	if idx == noIndex {
		return Ref{}, false
	}
	return Ref{index: uint32(idx), gen: q.arena.slots[idx].gen}, true
}
