package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pullbox/backend/internal/logger"
	"github.com/pullbox/backend/internal/provider"
)

const (
	DefaultMaxConcurrent = 3
	DefaultMaxAttempts   = 3
	DefaultBaseBackoff   = 1 * time.Second
)

// Config tunes the engine's scheduler.
type Config struct {
	// MaxConcurrent bounds the number of items downloading at once,
	// process-wide, not per job.
	MaxConcurrent int
	// MaxAttempts caps dispatch attempts per item before a transient
	// failure becomes permanent.
	MaxAttempts int
	// BaseBackoff is the first retry delay; attempt k waits
	// BaseBackoff * 2^(k-1).
	BaseBackoff time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
}

// Engine drives items through their state machine under a bounded worker
// budget: a FIFO queue with head re-insertion for priority work, an
// active-count bound, and deferred backoff timers that never hold a worker
// slot.
type Engine struct {
	store    *Store
	registry *provider.Registry
	cfg      Config
	log      *logger.Logger

	mu       sync.Mutex
	queue    []string
	queued   map[string]bool
	inflight map[string]context.CancelFunc
	attempts map[string]int
	timers   map[string]*time.Timer
	active   int
	closed   bool

	wg sync.WaitGroup
}

// New creates an engine over the given store and adapter registry.
func New(store *Store, registry *provider.Registry, cfg Config) *Engine {
	cfg.setDefaults()
	return &Engine{
		store:    store,
		registry: registry,
		cfg:      cfg,
		log:      logger.Default().WithComponent("engine"),
		queued:   make(map[string]bool),
		inflight: make(map[string]context.CancelFunc),
		attempts: make(map[string]int),
		timers:   make(map[string]*time.Timer),
	}
}

// Store exposes the engine's state store for read paths.
func (e *Engine) Store() *Store {
	return e.store
}

// Start hydrates open jobs from the repository and re-enqueues their
// non-terminal items at the head of the queue so previously in-flight work
// is not starved by new submissions.
func (e *Engine) Start(ctx context.Context) error {
	requeue, err := e.store.HydrateOpenJobs(ctx)
	if err != nil {
		return err
	}
	// Head insertion reverses order; walk backwards to keep job order.
	for i := len(requeue) - 1; i >= 0; i-- {
		e.Enqueue(requeue[i], true)
	}
	return nil
}

// Stop prevents further dispatch, aborts in-flight downloads, and waits for
// workers to unwind or the context to expire.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, timer := range e.timers {
		timer.Stop()
	}
	e.timers = make(map[string]*time.Timer)
	for _, cancel := range e.inflight {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateJob creates the job through the store and enqueues every item.
func (e *Engine) CreateJob(ctx context.Context, owner, title string, reqs []NewItem) (*Job, []*Item, error) {
	job, items, err := e.store.CreateJob(ctx, owner, title, reqs)
	if err != nil {
		return nil, nil, err
	}
	for _, item := range items {
		e.Enqueue(item.ID, false)
	}
	return job, items, nil
}

// Enqueue adds an item to the dispatch queue. An item already queued is
// moved, never duplicated; prioritize inserts at the head. Dispatch is
// re-evaluated immediately.
func (e *Engine) Enqueue(itemID string, prioritize bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	if e.queued[itemID] {
		e.removeQueuedLocked(itemID)
	}
	if prioritize {
		e.queue = append([]string{itemID}, e.queue...)
	} else {
		e.queue = append(e.queue, itemID)
	}
	e.queued[itemID] = true

	e.dispatchLocked()
}

// CancelJob cancels every cancelable item of the job: queued and
// backoff-waiting items are marked canceled directly, in-flight items get
// their abort signal raised and unwind cooperatively. Canceling a terminal
// job is a no-op returning current state.
func (e *Engine) CancelJob(ctx context.Context, owner, jobID string) (*Job, []*Item, error) {
	job, items, err := e.store.GetJob(ctx, owner, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.Status.Terminal() {
		return job, items, nil
	}

	for _, item := range items {
		if !item.Status.Cancelable() {
			continue
		}

		e.mu.Lock()
		e.removeQueuedLocked(item.ID)
		if timer, ok := e.timers[item.ID]; ok {
			timer.Stop()
			delete(e.timers, item.ID)
		}
		cancel, running := e.inflight[item.ID]
		if !running {
			// never dispatched again; the runner won't clear this
			delete(e.attempts, item.ID)
		}
		e.mu.Unlock()

		if running {
			cancel()
			continue
		}

		now := time.Now()
		if _, err := e.store.UpdateItem(ctx, item.ID, ItemPatch{
			Status:     statusPtr(ItemCanceled),
			FinishedAt: timePtr(now),
		}); err != nil {
			e.log.Error(ctx, "failed to cancel item", err, map[string]interface{}{"item_id": item.ID})
		}
	}

	return e.store.GetJob(ctx, owner, jobID)
}

// RetryItem resets a failed item's attempt budget and re-enqueues it with
// priority.
func (e *Engine) RetryItem(ctx context.Context, owner, itemID string) (*Item, error) {
	item, err := e.store.ResetForRetry(ctx, owner, itemID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.attempts[itemID] = 0
	e.mu.Unlock()

	e.Enqueue(itemID, true)
	return item, nil
}

// QueueLength returns the number of items waiting for a worker slot.
func (e *Engine) QueueLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// ActiveCount returns the number of items currently running.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// dispatchLocked fills free worker slots from the queue head. Terminal,
// missing, and already-running items are skipped defensively; the skip is a
// race-safe no-op, not an error. Caller holds e.mu.
func (e *Engine) dispatchLocked() {
	for !e.closed && e.active < e.cfg.MaxConcurrent && len(e.queue) > 0 {
		itemID := e.queue[0]
		e.queue = e.queue[1:]
		delete(e.queued, itemID)

		item, ok := e.store.GetItem(itemID)
		if !ok || !item.Status.DispatchEligible() {
			continue
		}
		if _, running := e.inflight[itemID]; running {
			// single-flight per item
			continue
		}

		e.attempts[itemID]++
		attempt := e.attempts[itemID]

		runCtx, cancel := context.WithCancel(context.Background())
		e.inflight[itemID] = cancel
		e.active++
		e.wg.Add(1)

		go func(itemID string, attempt int) {
			defer e.wg.Done()
			e.runItem(runCtx, itemID, attempt)

			e.mu.Lock()
			e.active--
			if c, ok := e.inflight[itemID]; ok {
				delete(e.inflight, itemID)
				c()
			}
			e.dispatchLocked()
			e.mu.Unlock()
		}(itemID, attempt)
	}
}

// scheduleRetry re-enqueues the item at the head of the queue after an
// exponential backoff. The wait is a deferred timer, not a blocking sleep,
// so it never occupies a worker slot.
func (e *Engine) scheduleRetry(itemID string, attempt int) {
	delay := e.cfg.BaseBackoff << uint(attempt-1)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if timer, ok := e.timers[itemID]; ok {
		timer.Stop()
	}
	e.timers[itemID] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, itemID)
		e.mu.Unlock()
		e.Enqueue(itemID, true)
	})
}

// forgetAttempts drops the in-memory attempt counter once an item reaches a
// terminal state. Attempt history does not survive a process restart; a
// hydrated item starts with a fresh budget (accepted limitation).
func (e *Engine) forgetAttempts(itemID string) {
	e.mu.Lock()
	delete(e.attempts, itemID)
	e.mu.Unlock()
}

// removeQueuedLocked drops an item's queue entry if present. Caller holds e.mu.
func (e *Engine) removeQueuedLocked(itemID string) {
	if !e.queued[itemID] {
		return
	}
	for i, id := range e.queue {
		if id == itemID {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	delete(e.queued, itemID)
}
