package queue

import (
	"container/heap"
	"time"
)

// readyItem wraps a job for ready-heap operations
type readyItem struct {
	job   *Job
	index int
}

// readyHeap orders eligible jobs by: priority (DESC), submitted time (ASC)
type readyHeap []*readyItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].job.SubmittedAt.Before(h[j].job.SubmittedAt)
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x interface{}) {
	item := x.(*readyItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// delayItem wraps a job for delay-heap operations
type delayItem struct {
	job   *Job
	index int
}

// delayHeap orders not-yet-eligible jobs by ExecuteNotBefore (ASC), so the
// next job to ripen is always at the top.
type delayHeap []*delayItem

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	return h[i].job.ExecuteNotBefore.Before(h[j].job.ExecuteNotBefore)
}

func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayHeap) Push(x interface{}) {
	item := x.(*delayItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// pending holds jobs awaiting a worker, split between a delay-ordered
// waiting heap and a priority-ordered ready heap. Ripe jobs are promoted
// from waiting to ready before each pop, which keeps an unripe
// high-priority job from shadowing ripe lower-priority ones.
type pending struct {
	ready   readyHeap
	waiting delayHeap
}

func newPending() *pending {
	p := &pending{
		ready:   make(readyHeap, 0),
		waiting: make(delayHeap, 0),
	}
	heap.Init(&p.ready)
	heap.Init(&p.waiting)
	return p
}

// Push inserts a job. Jobs enter the waiting heap and ripen via Promote,
// so eligibility is always judged against pop time, not insertion time.
func (p *pending) Push(job *Job) {
	heap.Push(&p.waiting, &delayItem{job: job})
}

// Promote moves every job whose ExecuteNotBefore has passed into the ready
// heap and returns how many moved.
func (p *pending) Promote(now time.Time) int {
	moved := 0
	for p.waiting.Len() > 0 {
		if !p.waiting[0].job.Ready(now) {
			break
		}
		item := heap.Pop(&p.waiting).(*delayItem)
		heap.Push(&p.ready, &readyItem{job: item.job})
		moved++
	}
	return moved
}

// PopReady removes and returns the best eligible job, or nil.
func (p *pending) PopReady() *Job {
	if p.ready.Len() == 0 {
		return nil
	}
	return heap.Pop(&p.ready).(*readyItem).job
}

// NextRipe returns the nearest ExecuteNotBefore among waiting jobs.
func (p *pending) NextRipe() (time.Time, bool) {
	if p.waiting.Len() == 0 {
		return time.Time{}, false
	}
	return p.waiting[0].job.ExecuteNotBefore, true
}

// Len returns the total number of pending jobs.
func (p *pending) Len() int {
	return p.ready.Len() + p.waiting.Len()
}
