package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"forest/internal/hta"
	"forest/internal/snapshot"
	"forest/internal/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inProgressTree builds a tree with one in-progress leaf so idle ticks have
// something to decay against.
func inProgressTree(t *testing.T, userID uuid.UUID) *hta.Tree {
	t.Helper()
	tree := hta.NewTree(userID)
	root := hta.NewNode("goal", "", false)
	require.NoError(t, tree.AddChild(uuid.Nil, root))
	leaf := hta.NewNode("task", "", true)
	require.NoError(t, tree.AddChild(root.ID, leaf))
	leaf.Status = hta.StatusInProgress
	return tree
}

// countingTick returns a tick function that counts invocations, with an
// optional error script keyed by invocation number.
func countingTick(errs map[int]error) (func(context.Context) error, func() int) {
	var mu sync.Mutex
	calls := 0
	tick := func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errs[calls]
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}
	return tick, count
}

func runExecutorContract(t *testing.T, newExec func() Executor, closeExec func(Executor)) {
	t.Run("ticks repeat and stop flushes once", func(t *testing.T) {
		e := newExec()
		defer closeExec(e)

		tick, ticks := countingTick(nil)
		var mu sync.Mutex
		flushes := 0
		h := newHeartbeat(context.Background(), uuid.New(), 5*time.Millisecond, tick, func() {
			mu.Lock()
			flushes++
			mu.Unlock()
		})
		e.Launch(h)

		waitFor(t, func() bool { return ticks() >= 3 }, "repeated ticks")
		h.Stop()

		mu.Lock()
		assert.Equal(t, 1, flushes, "exactly one final flush")
		mu.Unlock()

		after := ticks()
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, after, ticks(), "no ticks after stop")
	})

	t.Run("fatal tick error terminates the loop", func(t *testing.T) {
		e := newExec()
		defer closeExec(e)

		fatal := types.NewFatalSchedulingError("u", assert.AnError)
		tick, ticks := countingTick(map[int]error{2: fatal})
		flushed := make(chan struct{})
		h := newHeartbeat(context.Background(), uuid.New(), time.Millisecond, tick, func() { close(flushed) })
		e.Launch(h)

		select {
		case <-flushed:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not terminate on fatal error")
		}
		assert.Equal(t, 2, ticks())
		h.Stop() // already finished, returns immediately
	})

	t.Run("non-fatal tick errors keep the loop alive", func(t *testing.T) {
		e := newExec()
		defer closeExec(e)

		tick, ticks := countingTick(map[int]error{1: assert.AnError, 2: assert.AnError})
		h := newHeartbeat(context.Background(), uuid.New(), time.Millisecond, tick, func() {})
		e.Launch(h)

		waitFor(t, func() bool { return ticks() >= 4 }, "loop to outlive transient errors")
		h.Stop()
	})

	t.Run("stop does not wait out the interval", func(t *testing.T) {
		e := newExec()
		defer closeExec(e)

		tick, ticks := countingTick(nil)
		h := newHeartbeat(context.Background(), uuid.New(), time.Hour, tick, func() {})
		e.Launch(h)
		waitFor(t, func() bool { return ticks() >= 1 }, "first tick")

		start := time.Now()
		h.Stop()
		assert.Less(t, time.Since(start), time.Second, "cancellation interrupts the sleep")
	})
}

func TestThreadExecutor(t *testing.T) {
	runExecutorContract(t,
		func() Executor { return &ThreadExecutor{} },
		func(Executor) {})
}

func TestQueueExecutor(t *testing.T) {
	runExecutorContract(t,
		func() Executor { return NewQueueExecutor() },
		func(e Executor) { e.(*QueueExecutor).Close() })
}

func TestQueueExecutorSharesOneWorker(t *testing.T) {
	q := NewQueueExecutor()
	defer q.Close()

	// Two heartbeats on one queue: ticks never run concurrently.
	var mu sync.Mutex
	running := 0
	maxRunning := 0
	tick := func(context.Context) error {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}

	h1 := newHeartbeat(context.Background(), uuid.New(), time.Millisecond, tick, func() {})
	h2 := newHeartbeat(context.Background(), uuid.New(), time.Millisecond, tick, func() {})
	q.Launch(h1)
	q.Launch(h2)

	time.Sleep(50 * time.Millisecond)
	h1.Stop()
	h2.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxRunning, "serial queue never overlaps ticks")
}

func TestNewExecutorSelection(t *testing.T) {
	assert.Equal(t, "thread", NewExecutor("thread").Name())
	assert.Equal(t, "thread", NewExecutor("bogus").Name(), "unknown model falls back to thread")

	q := NewExecutor("queue")
	assert.Equal(t, "queue", q.Name())
	q.(*QueueExecutor).Close()
}

func TestManagerWithQueueExecutor(t *testing.T) {
	q := NewQueueExecutor()
	defer q.Close()

	st := newFakeStore()
	m := NewManager(st, q, testConfig("10ms"))

	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, u := range users {
		initial := snapshot.New(u)
		initial.Tree = inProgressTree(t, u)
		_, err := m.StartSession(context.Background(), u, initial, nil)
		require.NoError(t, err)
	}

	for _, u := range users {
		waitFor(t, func() bool { return st.saveCount(u) >= 3 }, "queue-driven heartbeat saves")
	}
	require.NoError(t, m.StopAllSessions())
}
