// Package mainloop implements the single cooperative dispatch thread
// described in spec §4.3/§5: a timer heap plus two work-item queues
// (worker-pool results, inbound network events) drained once per
// tick, in that order, so application code never blocks. All Player
// and Arena mutation happens on the goroutine that calls Run.
package mainloop

import (
	"container/heap"
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultQueueSize = 4096
	maxTickInterval  = 50 * time.Millisecond
)

// Mainloop owns the timer heap and the two channels that ferry work
// onto the single dispatch goroutine.
type Mainloop struct {
	log *zap.Logger

	timers  timerHeap
	byKey   map[timerKey]*timerEntry
	nextSeq int64

	workItems chan func()
	netEvents chan func()
	wake      chan struct{}

	now func() time.Time
}

// New creates a Mainloop. nowFn lets tests inject a fake clock; pass
// nil in production to use time.Now.
func New(log *zap.Logger, nowFn func() time.Time) *Mainloop {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Mainloop{
		log:       log,
		byKey:     make(map[timerKey]*timerEntry),
		workItems: make(chan func(), defaultQueueSize),
		netEvents: make(chan func(), defaultQueueSize),
		wake:      make(chan struct{}, 1),
		now:       nowFn,
	}
}

// SetTimer schedules fn to run on the mainloop goroutine, first after
// initial, then every period (measured from the previous invocation's
// start), until fn returns false. key identifies this timer instance
// together with fn's identity — scheduling the same fn for a second
// key runs independently; scheduling it again for the same key
// replaces the pending timer.
func SetTimer(m *Mainloop, fn func() bool, initial, period time.Duration, key any, prio Priority) {
	tk := timerKey{handlerID: identityOf(fn), key: key}

	m.clearTimerKey(tk)

	e := &timerEntry{
		tk:       tk,
		fn:       fn,
		period:   period,
		next:     m.now().Add(initial),
		priority: prio,
		seq:      m.nextSeq,
	}
	m.nextSeq++
	m.byKey[tk] = e
	heap.Push(&m.timers, e)
	m.signal()
}

// ClearTimer removes any pending timer registered for (fn, key).
func ClearTimer(m *Mainloop, fn func() bool, key any) {
	tk := timerKey{handlerID: identityOf(fn), key: key}
	m.clearTimerKey(tk)
}

// clearTimerKey is only ever called from the mainloop goroutine (via
// SetTimer/ClearTimer, themselves only safe to call there), so no
// locking is needed around the heap/map.
func (m *Mainloop) clearTimerKey(tk timerKey) {
	e, ok := m.byKey[tk]
	if !ok {
		return
	}
	delete(m.byKey, tk)
	if e.heapIdx >= 0 {
		heap.Remove(&m.timers, e.heapIdx)
	}
}

func (m *Mainloop) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// SubmitWork enqueues fn to run on the mainloop goroutine. Used by the
// worker pool to post completed blocking-I/O results back.
func (m *Mainloop) SubmitWork(fn func()) {
	m.workItems <- fn
	m.signal()
}

// QueueNetEvent enqueues fn (an already-decoded application payload
// delivery) to run on the mainloop goroutine.
func (m *Mainloop) QueueNetEvent(fn func()) {
	m.netEvents <- fn
	m.signal()
}

// Run drains timers, then work items, then network events, once per
// wake, until ctx is canceled.
func (m *Mainloop) Run(ctx context.Context) {
	for {
		timeout := m.nextTimerDelay()
		select {
		case <-ctx.Done():
			return
		case <-time.After(timeout):
		case <-m.wake:
		}

		m.drainTimers()
		m.drainChan(m.workItems)
		m.drainChan(m.netEvents)
	}
}

func (m *Mainloop) nextTimerDelay() time.Duration {
	if len(m.timers) == 0 {
		return maxTickInterval
	}
	d := m.timers[0].next.Sub(m.now())
	if d < 0 {
		return 0
	}
	if d > maxTickInterval {
		return maxTickInterval
	}
	return d
}

func (m *Mainloop) drainTimers() {
	now := m.now()
	for len(m.timers) > 0 && !m.timers[0].next.After(now) {
		e := heap.Pop(&m.timers).(*timerEntry)
		if e.canceled {
			continue
		}
		reschedule := m.runTimer(e)
		if reschedule {
			e.next = e.next.Add(e.period)
			if e.next.Before(now) {
				e.next = now.Add(e.period)
			}
			e.seq = m.nextSeq
			m.nextSeq++
			heap.Push(&m.timers, e)
		} else {
			delete(m.byKey, e.tk)
		}
	}
}

func (m *Mainloop) runTimer(e *timerEntry) (reschedule bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("timer handler panicked", zap.Any("panic", r))
			reschedule = false
		}
	}()
	return e.fn()
}

func (m *Mainloop) drainChan(ch chan func()) {
	for {
		select {
		case fn := <-ch:
			m.runWorkItem(fn)
		default:
			return
		}
	}
}

func (m *Mainloop) runWorkItem(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("work item panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
