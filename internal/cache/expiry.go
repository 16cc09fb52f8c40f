package cache

import (
	"container/heap"
	"time"
)

type expiryItem[K comparable] struct {
	key   K
	at    time.Time
	index int
}

// expiryHeap orders entries with a TTL by deadline, soonest first.
type expiryHeap[K comparable] []*expiryItem[K]

func (h expiryHeap[K]) Len() int { return len(h) }

func (h expiryHeap[K]) Less(i, j int) bool { return h[i].at.Before(h[j].at) }

func (h expiryHeap[K]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap[K]) Push(x any) {
	item := x.(*expiryItem[K])
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *expiryHeap[K]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// expiryIndex finds the next entry to expire in O(log n), so a full cache
// never scans to make room.
type expiryIndex[K comparable] struct {
	heap  expiryHeap[K]
	items map[K]*expiryItem[K]
}

func newExpiryIndex[K comparable]() *expiryIndex[K] {
	return &expiryIndex[K]{items: make(map[K]*expiryItem[K])}
}

// set records the deadline for key. A zero deadline removes it.
func (x *expiryIndex[K]) set(key K, at time.Time) {
	if at.IsZero() {
		x.remove(key)
		return
	}
	if item, ok := x.items[key]; ok {
		item.at = at
		heap.Fix(&x.heap, item.index)
		return
	}
	item := &expiryItem[K]{key: key, at: at}
	heap.Push(&x.heap, item)
	x.items[key] = item
}

func (x *expiryIndex[K]) remove(key K) {
	item, ok := x.items[key]
	if !ok {
		return
	}
	heap.Remove(&x.heap, item.index)
	delete(x.items, key)
}

// next returns the key with the soonest deadline.
func (x *expiryIndex[K]) next() (K, time.Time, bool) {
	if len(x.heap) == 0 {
		var zero K
		return zero, time.Time{}, false
	}
	item := x.heap[0]
	return item.key, item.at, true
}

func (x *expiryIndex[K]) len() int { return len(x.heap) }
