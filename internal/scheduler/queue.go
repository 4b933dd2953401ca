package scheduler

import "container/heap"

// taskQueue orders Management before Normal, then higher Priority first,
// then submission order. It is unbounded and not safe for concurrent use.
type taskQueue []*Handle

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.class != b.class {
		return a.class == Management
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*Handle)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	h := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return h
}

func (q *taskQueue) push(h *Handle) { heap.Push(q, h) }

func (q *taskQueue) pop() *Handle {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*Handle)
}
