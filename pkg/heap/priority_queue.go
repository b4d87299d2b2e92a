package heap

import "container/heap"

type PriorityQueue[T any] struct {
	items    []*Item[T]
	lessFunc func(a, b T) bool
}

type Item[T any] struct {
	Value T
	Index int
}

func NewPriorityQueue[T any](lessFunc func(a, b T) bool) *PriorityQueue[T] {
	pq := &PriorityQueue[T]{
		items:    make([]*Item[T], 0),
		lessFunc: lessFunc,
	}
	heap.Init(pq)

	return pq
}

func (pq PriorityQueue[T]) Len() int { return len(pq.items) }

func (pq PriorityQueue[T]) Less(i, j int) bool {
	return pq.lessFunc(pq.items[i].Value, pq.items[j].Value)
}

func (pq PriorityQueue[T]) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].Index = i
	pq.items[j].Index = j
}

func (pq *PriorityQueue[T]) Push(x any) {
	n := len(pq.items)
	item := x.(*Item[T])
	item.Index = n
	pq.items = append(pq.items, item)
}

func (pq *PriorityQueue[T]) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	pq.items = old[0 : n-1]
	return item
}

func (pq *PriorityQueue[T]) Enqueue(value T) {
	heap.Push(pq, &Item[T]{Value: value})
}

// EnqueueItem is Enqueue, but returns the heap's own handle to the
// pushed value so the caller can Remove it later in O(log n) — the
// generic analogue of priority_queue_erase.
func (pq *PriorityQueue[T]) EnqueueItem(value T) *Item[T] {
	item := &Item[T]{Value: value}
	heap.Push(pq, item)
	return item
}

// Remove deletes item from the queue in O(log n) and returns its
// value. It is idempotent: once an item has been popped (by Dequeue
// or by a prior Remove), its Index is -1 and a second Remove is a
// no-op returning ok=false.
func (pq *PriorityQueue[T]) Remove(item *Item[T]) (T, bool) {
	if item.Index < 0 || item.Index >= len(pq.items) || pq.items[item.Index] != item {
		var zero T
		return zero, false
	}
	removed := heap.Remove(pq, item.Index).(*Item[T])
	return removed.Value, true
}

func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	if pq.Len() == 0 {
		var zero T
		return zero, false
	}

	item := heap.Pop(pq).(*Item[T])
	return item.Value, true
}

func (pq *PriorityQueue[T]) Peek() (T, bool) {
	if pq.Len() == 0 {
		var zero T
		return zero, false
	}

	return pq.items[0].Value, true
}
