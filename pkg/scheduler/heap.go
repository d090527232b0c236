package scheduler

import (
	"sort"
	"time"
)

// heapItem wraps a queued job with its heap bookkeeping. seq imposes FIFO
// order within equal priority.
type heapItem struct {
	job   QueuedJob
	seq   uint64
	index int
}

// jobHeap orders by base priority descending, then submission order. Aging
// is applied at scan time, not stored in the heap.
type jobHeap []*heapItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// sortByEffective orders items by aged priority descending with FIFO
// tie-break. Stable with respect to submission order.
func sortByEffective(items []*heapItem, bonusPerMinute float64, now time.Time) {
	sort.Slice(items, func(i, j int) bool {
		ei := effectivePriority(items[i].job, bonusPerMinute, now)
		ej := effectivePriority(items[j].job, bonusPerMinute, now)
		if ei != ej {
			return ei > ej
		}
		return items[i].seq < items[j].seq
	})
}
