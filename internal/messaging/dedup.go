package messaging

import "container/heap"

// DefaultDedupCapacity is how many message ids a session remembers.
const DefaultDedupCapacity = 1024

// idHeap is a min-heap of message ids.
type idHeap []int64

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x any)        { *h = append(*h, x.(int64)) }

func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]

	return x
}

// dedupSet remembers the highest message ids observed. When full it
// evicts the lowest id and raises floor to it; ids at or below floor are
// treated as already seen. Server ids grow monotonically, so anything
// below the floor is older than every remembered message and the
// at-most-once guarantee holds for the whole session.
type dedupSet struct {
	capacity int
	ids      map[int64]struct{}
	order    idHeap
	floor    int64
}

func newDedupSet(capacity int) *dedupSet {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}

	return &dedupSet{
		capacity: capacity,
		ids:      make(map[int64]struct{}, capacity),
	}
}

// observe records id and reports whether it is new.
func (d *dedupSet) observe(id int64) bool {
	if id <= d.floor {
		return false
	}

	if _, seen := d.ids[id]; seen {
		return false
	}

	if len(d.order) >= d.capacity {
		// Older than everything still remembered.
		if id < d.order[0] {
			return false
		}

		evicted := heap.Pop(&d.order).(int64)
		delete(d.ids, evicted)
		d.floor = max(d.floor, evicted)
	}

	d.ids[id] = struct{}{}
	heap.Push(&d.order, id)

	return true
}

func (d *dedupSet) len() int {
	return len(d.order)
}
