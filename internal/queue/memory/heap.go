package memory

import "container/heap"

// readyHeap orders pending messages by priority (larger first), breaking
// ties by publish sequence so equal-priority delivery stays FIFO.
type readyHeap []*groupMsg

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *readyHeap) Push(x interface{}) {
	m := x.(*groupMsg)
	m.heapIdx = len(*h)
	*h = append(*h, m)
}

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	m.heapIdx = -1
	*h = old[:n-1]
	return m
}

func (h *readyHeap) push(m *groupMsg) { heap.Push(h, m) }

func (h *readyHeap) pop() *groupMsg {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*groupMsg)
}

func (h *readyHeap) remove(m *groupMsg) {
	if m.heapIdx >= 0 && m.heapIdx < h.Len() && (*h)[m.heapIdx] == m {
		heap.Remove(h, m.heapIdx)
	}
}
