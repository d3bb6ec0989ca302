package mainloop

import (
	"container/heap"
	"reflect"
	"time"
)

// timerKey is the identity of a repeating timer: the registering
// handler's function pointer plus an arbitrary, comparable, caller-
// supplied key. The same handler can be scheduled many times for
// different entities by varying key (spec §4.3).
type timerKey struct {
	handlerID uintptr
	key       any
}

func identityOf(fn any) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// Priority distinguishes mainloop-timers from the lower-priority
// server-timers (spec §4.3); both share the same heap, ties within a
// fire batch are broken by insertion order via seq.
type Priority int

const (
	PriorityMainloop Priority = iota
	PriorityServer
)

type timerEntry struct {
	tk       timerKey
	fn       func() bool
	period   time.Duration
	next     time.Time
	priority Priority
	seq      int64
	heapIdx  int
	canceled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if !h[i].next.Equal(h[j].next) {
		return h[i].next.Before(h[j].next)
	}
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIdx = -1
	*h = old[:n-1]
	return e
}

var _ heap.Interface = (*timerHeap)(nil)
