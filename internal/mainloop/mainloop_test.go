package mainloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigamon-dev/SubspaceServer-sub014/internal/zlog"
)

func runFor(t *testing.T, m *Mainloop, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	m.Run(ctx)
}

func TestSetTimer_FiresAfterInitialThenRepeats(t *testing.T) {
	m := New(zlog.Nop(), nil)

	var mu sync.Mutex
	var fireCount int
	handler := func() bool {
		mu.Lock()
		fireCount++
		mu.Unlock()
		return fireCount < 3
	}

	SetTimer(m, handler, 5*time.Millisecond, 5*time.Millisecond, "entity-1", PriorityMainloop)
	runFor(t, m, 100*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, fireCount)
}

func TestClearTimer_RemovesByHandlerAndKey(t *testing.T) {
	m := New(zlog.Nop(), nil)

	fired := false
	handler := func() bool {
		fired = true
		return true
	}

	SetTimer(m, handler, 5*time.Millisecond, 5*time.Millisecond, "key-a", PriorityMainloop)
	ClearTimer(m, handler, "key-a")
	runFor(t, m, 30*time.Millisecond)

	assert.False(t, fired)
}

func TestSetTimer_SameHandlerDifferentKeysAreIndependent(t *testing.T) {
	m := New(zlog.Nop(), nil)

	var mu sync.Mutex
	counts := map[string]int{}
	handler := func(key string) bool {
		mu.Lock()
		counts[key]++
		mu.Unlock()
		return false
	}

	// Both timers get closures built from the same literal, so they
	// share one handler identity and differ only by key.
	mk := func(key string) func() bool { return func() bool { return handler(key) } }
	SetTimer(m, mk("a"), time.Millisecond, 0, "a", PriorityMainloop)
	SetTimer(m, mk("b"), time.Millisecond, 0, "b", PriorityMainloop)
	runFor(t, m, 30*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts["a"])
	assert.Equal(t, 1, counts["b"])
}

func TestSubmitWork_RunsOnMainloopGoroutine(t *testing.T) {
	m := New(zlog.Nop(), nil)

	done := make(chan struct{})
	m.SubmitWork(func() { close(done) })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go m.Run(ctx)

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("work item never ran")
	}
}

func TestWorkItemPanic_IsIsolated(t *testing.T) {
	m := New(zlog.Nop(), nil)

	m.SubmitWork(func() { panic("boom") })
	second := make(chan struct{})
	m.SubmitWork(func() { close(second) })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go m.Run(ctx)

	select {
	case <-second:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("second work item never ran after first panicked")
	}
}

func TestWorkerPool_PostsResultBackToMainloop(t *testing.T) {
	m := New(zlog.Nop(), nil)
	wp := NewWorkerPool(m, 4, zlog.Nop())

	resultCh := make(chan int, 1)
	wp.Submit(context.Background(), func() func() {
		computed := 21 * 2
		return func() { resultCh <- computed }
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go m.Run(ctx)

	select {
	case v := <-resultCh:
		assert.Equal(t, 42, v)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("worker result never reached the mainloop")
	}
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	m := New(zlog.Nop(), nil)
	wp := NewWorkerPool(m, 2, zlog.Nop())

	var active, maxActive int32
	var mu sync.Mutex
	release := make(chan struct{})

	track := func() func() {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		<-release
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}

	// Submit blocks once both slots are taken, so submit from a
	// separate goroutine.
	go func() {
		for i := 0; i < 5; i++ {
			wp.Submit(context.Background(), track)
		}
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, int(maxActive), 2)
}
