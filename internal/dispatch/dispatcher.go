// Package dispatch serializes inbound event processing per conversation.
//
// Correctness of the conversation engine rests on one rule: events for the
// same (store, customer) pair are processed one at a time, in arrival order.
// Events for different pairs must not wait on each other. The Dispatcher
// enforces exactly that with one FIFO worker per active key.
//
// Workers are created on demand and stored in an internal map guarded by a
// mutex, and evict themselves after an idle TTL to keep memory usage bounded
// — the same lifecycle the HTTP layer uses for its per-key rate-limit
// buckets. Enqueueing and the idle-exit check share the mutex, so a task is
// never handed to a worker that already decided to exit.
//
// A panic inside one task is recovered, logged, and dropped. It never
// reaches another key's worker or the HTTP layer.
package dispatch

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is one unit of work. The context is the dispatcher's base context; it
// stays live through a graceful shutdown and is canceled only when the
// shutdown deadline expires.
type Task func(ctx context.Context)

var (
	// ErrQueueFull is returned when a key's queue is at capacity. The caller
	// should drop the event; the provider will redeliver.
	ErrQueueFull = errors.New("dispatch: queue full")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("dispatch: closed")
)

// Key builds the serialization key for a conversation.
func Key(storeID, customerAddress string) string {
	return storeID + "|" + customerAddress
}

type worker struct {
	ch chan Task
}

// Dispatcher runs one FIFO worker goroutine per active key.
// Safe for concurrent use.
type Dispatcher struct {
	log      zerolog.Logger
	queueCap int
	idleTTL  time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	drain   chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

// New constructs a Dispatcher. queueCap bounds each key's backlog; values
// <= 0 are coerced to 16. idleTTL <= 0 defaults to one minute.
func New(log zerolog.Logger, queueCap int, idleTTL time.Duration) *Dispatcher {
	if queueCap <= 0 {
		queueCap = 16
	}
	if idleTTL <= 0 {
		idleTTL = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		log:      log,
		queueCap: queueCap,
		idleTTL:  idleTTL,
		baseCtx:  ctx,
		cancel:   cancel,
		drain:    make(chan struct{}),
		workers:  make(map[string]*worker),
	}
}

// Enqueue appends a task to the key's FIFO queue, creating the worker on
// first use. It never blocks: a full queue returns ErrQueueFull.
func (d *Dispatcher) Enqueue(key string, t Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	w, ok := d.workers[key]
	if !ok {
		w = &worker{ch: make(chan Task, d.queueCap)}
		d.workers[key] = w
		d.wg.Add(1)
		go d.run(key, w)
	}

	select {
	case w.ch <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// ActiveWorkers reports the number of live per-key workers.
func (d *Dispatcher) ActiveWorkers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Shutdown stops accepting new work and drains every key's backlog: workers
// finish their queued tasks and exit. If ctx expires before the drain
// completes, the base context is canceled and the remaining tasks are
// abandoned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	already := d.closed
	d.closed = true
	d.mu.Unlock()
	if !already {
		close(d.drain)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

func (d *Dispatcher) run(key string, w *worker) {
	defer d.wg.Done()

	idle := time.NewTimer(d.idleTTL)
	defer idle.Stop()

	for {
		select {
		case t := <-w.ch:
			d.execute(key, t)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.idleTTL)

		case <-idle.C:
			// Exit only when the queue is empty, checked under the same lock
			// Enqueue uses, so no task can slip into a dying worker.
			d.mu.Lock()
			if len(w.ch) == 0 {
				delete(d.workers, key)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			idle.Reset(d.idleTTL)

		case <-d.drain:
			// Graceful shutdown: Enqueue is already refusing work, so the
			// backlog is finite. Run it down, then exit.
			for {
				select {
				case t := <-w.ch:
					d.execute(key, t)
				default:
					return
				}
			}

		case <-d.baseCtx.Done():
			return
		}
	}
}

// execute runs one task with panic isolation.
func (d *Dispatcher) execute(key string, t Task) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("key", key).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("task panicked, dropped")
		}
	}()
	t(d.baseCtx)
}
