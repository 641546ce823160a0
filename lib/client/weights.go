package client

import (
	"container/heap"
	"strconv"
)

// weighted is an idle sub-lock queued for cancellation.
type weighted struct {
	id     uint64 // sub-lock id
	weight uint64
	index  int // maintained by heap
}

func (w *weighted) String() string {
	return "{Sub: " + strconv.FormatUint(w.id, 10) + ", Weight: " + strconv.FormatUint(w.weight, 10) + "}"
}

// weightHeap orders idle sub-locks lightest first and finds them by id.
// Ties are broken by id so older sub-locks go first. Not safe for concurrent
// use.
type weightHeap struct {
	items []*weighted
	byID  map[uint64]*weighted
}

func newWeightHeap() *weightHeap {
	return &weightHeap{byID: make(map[uint64]*weighted)}
}

func (h *weightHeap) Len() int { return len(h.items) }

func (h *weightHeap) Less(i, j int) bool {
	if h.items[i].weight != h.items[j].weight {
		return h.items[i].weight < h.items[j].weight
	}
	return h.items[i].id < h.items[j].id
}

func (h *weightHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *weightHeap) Push(x any) {
	w := x.(*weighted)
	w.index = len(h.items)
	h.items = append(h.items, w)
	h.byID[w.id] = w
}

func (h *weightHeap) Pop() any {
	old := h.items
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	h.items = old[:n-1]
	delete(h.byID, w.id)
	return w
}

// set queues sub-lock id with weight, or updates its weight.
func (h *weightHeap) set(id, weight uint64) {
	if w, ok := h.byID[id]; ok {
		w.weight = weight
		heap.Fix(h, w.index)
		return
	}
	heap.Push(h, &weighted{id: id, weight: weight})
}

// next removes and returns the lightest entry.
func (h *weightHeap) next() (*weighted, bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return heap.Pop(h).(*weighted), true
}
