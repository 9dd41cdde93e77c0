package mot

// candidatePair is a gated (track, detection) pair waiting for greedy assignment.
type candidatePair struct {
	row  int
	col  int
	cost float64
}

// pairHeap is min-heap ordered by cost, then row, then column. Use it through container/heap.
type pairHeap []candidatePair

func (h pairHeap) Len() int { return len(h) }
func (h pairHeap) Less(i, j int) bool {
	if h[i].cost != h[j].cost {
		return h[i].cost < h[j].cost
	}
	if h[i].row != h[j].row {
		return h[i].row < h[j].row
	}
	return h[i].col < h[j].col
}
func (h pairHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pairHeap) Push(x interface{}) {
	*h = append(*h, x.(candidatePair))
}

func (h *pairHeap) Pop() interface{} {
	old := *h
	n := len(old)
	pair := old[n-1]
	*h = old[:n-1]
	return pair
}
