package reminder

import (
	"container/heap"
	"time"
)

type dueItem struct {
	at     time.Time
	taskID string
}

type dueHeap []dueItem

func (h dueHeap) Len() int { return len(h) }
func (h dueHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].taskID < h[j].taskID
	}
	return h[i].at.Before(h[j].at)
}
func (h dueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *dueHeap) Push(x any)   { *h = append(*h, x.(dueItem)) }
func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// dueIndex holds the last task snapshot keyed by ID plus a min-heap of
// armed reminder times, so a tick only inspects reminders at or before now.
type dueIndex struct {
	tasks   map[string]Task
	due     dueHeap
	version uint64
	valid   bool
}

func (ix *dueIndex) rebuild(tasks []Task, version uint64, versioned bool) {
	ix.tasks = make(map[string]Task, len(tasks))
	ix.due = ix.due[:0]
	for _, t := range tasks {
		if t.ID == "" {
			continue
		}
		ix.tasks[t.ID] = t
		if t.Completed || t.Reminder == nil || t.Reminder.IsZero() {
			continue
		}
		ix.due = append(ix.due, dueItem{at: *t.Reminder, taskID: t.ID})
	}
	heap.Init(&ix.due)
	ix.version = version
	ix.valid = versioned
}

// dropBefore discards items that can no longer fire.
func (ix *dueIndex) dropBefore(cutoff time.Time) {
	for ix.due.Len() > 0 && ix.due[0].at.Before(cutoff) {
		heap.Pop(&ix.due)
	}
}

// dueAt returns the items with at <= now in time order. Items stay in the
// index until dropBefore ages them out.
func (ix *dueIndex) dueAt(now time.Time) []dueItem {
	var out []dueItem
	for ix.due.Len() > 0 && !ix.due[0].at.After(now) {
		out = append(out, heap.Pop(&ix.due).(dueItem))
	}
	for _, it := range out {
		heap.Push(&ix.due, it)
	}
	return out
}

// next returns the earliest armed reminder, if any.
func (ix *dueIndex) next() (time.Time, bool) {
	if ix.due.Len() == 0 {
		return time.Time{}, false
	}
	return ix.due[0].at, true
}
