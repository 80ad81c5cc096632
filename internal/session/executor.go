// Package session owns the per-user session registry and the heartbeat
// scheduler. One shared tick implementation runs under either of two
// execution models: a dedicated goroutine per session, or a single serial
// task queue shared by all sessions.
package session

import (
	"context"
	"sync"
	"time"

	"forest/internal/logging"
	"forest/internal/types"

	"github.com/google/uuid"
)

// Heartbeat is one session's scheduled persistence loop. The tick function is
// shared by every execution model; only the driving differs.
type Heartbeat struct {
	userID   uuid.UUID
	interval time.Duration
	tick     func(ctx context.Context) error
	flush    func() // best-effort final persist, runs exactly once

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	finishOnce sync.Once
}

func newHeartbeat(parent context.Context, userID uuid.UUID, interval time.Duration,
	tick func(ctx context.Context) error, flush func()) *Heartbeat {
	ctx, cancel := context.WithCancel(parent)
	return &Heartbeat{
		userID:   userID,
		interval: interval,
		tick:     tick,
		flush:    flush,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// finish runs the final flush and marks the heartbeat done. Safe to call from
// any model path; only the first call does work.
func (h *Heartbeat) finish() {
	h.finishOnce.Do(func() {
		h.flush()
		close(h.done)
	})
}

// sleepFor returns the remaining delay for a tick that started at start.
func (h *Heartbeat) sleepFor(start time.Time) time.Duration {
	sleep := h.interval - time.Since(start)
	if sleep < 0 {
		sleep = 0
	}
	return sleep
}

// Stop cancels the loop and waits for the final flush.
func (h *Heartbeat) Stop() {
	h.cancel()
	<-h.done
}

// Executor launches a heartbeat under one of the scheduling models.
type Executor interface {
	Launch(h *Heartbeat)
	Name() string
}

// NewExecutor returns the executor for the configured heartbeat model.
// Unknown models fall back to the thread executor.
func NewExecutor(model string) Executor {
	if model == "queue" {
		return NewQueueExecutor()
	}
	return &ThreadExecutor{}
}

// ThreadExecutor runs each heartbeat on its own goroutine. The loop blocks
// between ticks; cancellation interrupts the sleep.
type ThreadExecutor struct{}

// Name identifies the model.
func (e *ThreadExecutor) Name() string { return "thread" }

// Launch starts the heartbeat goroutine.
func (e *ThreadExecutor) Launch(h *Heartbeat) {
	go func() {
		defer h.finish()
		logging.Heartbeat("heartbeat started for user %s (model=thread, interval=%s)", h.userID, h.interval)

		for {
			select {
			case <-h.ctx.Done():
				logging.Heartbeat("heartbeat cancelled for user %s", h.userID)
				return
			default:
			}

			start := time.Now()
			if err := h.tick(h.ctx); err != nil {
				if types.IsFatalScheduling(err) {
					logging.Get(logging.CategoryHeartbeat).Error("fatal heartbeat error for user %s: %v", h.userID, err)
					return
				}
				logging.Get(logging.CategoryHeartbeat).Warn("heartbeat tick error for user %s: %v", h.userID, err)
			}

			select {
			case <-h.ctx.Done():
				logging.Heartbeat("heartbeat cancelled for user %s", h.userID)
				return
			case <-time.After(h.sleepFor(start)):
			}
		}
	}()
}

// QueueExecutor runs every heartbeat step on one serial worker. A step never
// occupies the queue while sleeping; it reschedules itself with a timer, so
// many sessions share the worker fairly.
type QueueExecutor struct {
	tasks    chan func()
	closeOnce sync.Once
	wg       sync.WaitGroup
}

// NewQueueExecutor starts the serial worker.
func NewQueueExecutor() *QueueExecutor {
	q := &QueueExecutor{tasks: make(chan func(), 64)}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for fn := range q.tasks {
			fn()
		}
	}()
	return q
}

// Name identifies the model.
func (q *QueueExecutor) Name() string { return "queue" }

// Close drains the queue and stops the worker. Heartbeats must be stopped
// first.
func (q *QueueExecutor) Close() {
	q.closeOnce.Do(func() {
		close(q.tasks)
	})
	q.wg.Wait()
}

func (q *QueueExecutor) submit(fn func()) {
	defer func() {
		// Submitting after Close drops the step; its heartbeat is already
		// stopped at that point.
		_ = recover()
	}()
	q.tasks <- fn
}

// Launch enqueues the heartbeat's self-rescheduling step.
func (q *QueueExecutor) Launch(h *Heartbeat) {
	logging.Heartbeat("heartbeat started for user %s (model=queue, interval=%s)", h.userID, h.interval)

	var step func()
	step = func() {
		select {
		case <-h.ctx.Done():
			logging.Heartbeat("heartbeat cancelled for user %s", h.userID)
			h.finish()
			return
		default:
		}

		start := time.Now()
		if err := h.tick(h.ctx); err != nil {
			if types.IsFatalScheduling(err) {
				logging.Get(logging.CategoryHeartbeat).Error("fatal heartbeat error for user %s: %v", h.userID, err)
				h.finish()
				return
			}
			logging.Get(logging.CategoryHeartbeat).Warn("heartbeat tick error for user %s: %v", h.userID, err)
		}

		time.AfterFunc(h.sleepFor(start), func() { q.submit(step) })
	}

	// Cancellation must not wait out the rescheduling timer: run the step
	// immediately so it observes the cancelled context and finishes.
	go func() {
		<-h.ctx.Done()
		q.submit(func() { h.finish() })
	}()

	q.submit(step)
}
