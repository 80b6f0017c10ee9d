package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/relay/internal/observability"
	"github.com/harun/relay/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrClosed is returned when submitting to a closed queue.
var ErrClosed = errors.New("command queue is closed")

// Task is one unit of work for a key.
type Task func(ctx context.Context) error

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type   string // "enqueued" or "completed"
	Key    string
	TaskID string
	Data   map[string]interface{}
}

// Options configures a Queue.
type Options struct {
	// Name labels metrics and spans.
	Name string
	// Buffer is the per-key channel capacity. Submitters block once it is full.
	Buffer int
	// DedupTTL bounds how long SubmitOnce remembers request ids.
	DedupTTL time.Duration
}

type taskRecord struct {
	id         string
	key        string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	done       chan error
}

// keyWorker owns the channel for one key. pending counts tasks submitted but
// not yet finished; the worker exits and unregisters itself when it reaches zero.
type keyWorker struct {
	tasks   chan *taskRecord
	pending int
}

// Queue runs tasks one at a time per key, in submission order, with keys
// processed concurrently.
type Queue struct {
	name   string
	buffer int

	mu        sync.Mutex
	workers   map[string]*keyWorker
	taskIDSeq int
	closed    bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	dedup  *dedupCache

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a Queue.
func New(opts Options) *Queue {
	observability.EnsureRegistered()

	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		name:          opts.Name,
		buffer:        opts.Buffer,
		workers:       make(map[string]*keyWorker),
		ctx:           ctx,
		cancel:        cancel,
		dedup:         newDedupCache(ctx, opts.DedupTTL),
		eventHandlers: make(map[string][]EventHandler),
	}
}

// Submit appends task to key's queue and returns a channel that receives the
// task's error once it has run. It blocks only while key's buffer is full.
func (q *Queue) Submit(ctx context.Context, key string, task Task) (<-chan error, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	w, ok := q.workers[key]
	if !ok {
		w = &keyWorker{tasks: make(chan *taskRecord, q.buffer)}
		q.workers[key] = w
		q.wg.Add(1)
		go q.run(key, w)
	}
	w.pending++
	q.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", q.name, q.taskIDSeq),
		key:        key,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		done:       make(chan error, 1),
	}
	active := len(q.workers)
	q.mu.Unlock()

	select {
	case w.tasks <- record:
	case <-ctx.Done():
		q.release(key, w, true)
		return nil, ctx.Err()
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("queue", q.name).
		Str("key", key).
		Str("taskId", record.id).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(q.name, active)
	q.emit(Event{
		Type:   "enqueued",
		Key:    key,
		TaskID: record.id,
		Data:   map[string]interface{}{"activeKeys": active},
	})

	return record.done, nil
}

// Enqueue submits task and waits for it to finish.
func (q *Queue) Enqueue(ctx context.Context, key string, task Task) error {
	done, err := q.Submit(ctx, key, task)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitOnce submits task unless requestID was already accepted within the
// dedup window. It reports whether the task was accepted.
func (q *Queue) SubmitOnce(ctx context.Context, key, requestID string, task Task) (bool, error) {
	if !q.dedup.Claim(requestID) {
		return false, nil
	}
	if _, err := q.Submit(ctx, key, task); err != nil {
		q.dedup.Forget(requestID)
		return false, err
	}
	return true, nil
}

// release gives back one pending slot. When unsent is true the slot belonged
// to a record that never reached the channel, so an idle worker must be told
// to exit.
func (q *Queue) release(key string, w *keyWorker, unsent bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	w.pending--
	if w.pending > 0 {
		return false
	}
	if q.workers[key] == w {
		delete(q.workers, key)
	}
	if unsent {
		close(w.tasks)
	}
	observability.SetQueueSize(q.name, len(q.workers))
	return true
}

func (q *Queue) run(key string, w *keyWorker) {
	defer q.wg.Done()
	for record := range w.tasks {
		q.execute(record)
		if q.release(key, w, false) {
			return
		}
	}
}

func (q *Queue) execute(record *taskRecord) {
	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"relay.commandqueue",
		"commandqueue.execute_task",
		attribute.String("queue", q.name),
		attribute.String("key", record.key),
		attribute.String("task_id", record.id),
	)

	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(q.ctx, cancel)

	start := time.Now()
	err := q.invoke(runCtx, record)
	duration := time.Since(start)

	stopCancel()
	cancel()
	tracing.EndSpan(span, err)

	record.done <- err
	close(record.done)

	if err != nil {
		logger.Error().
			Str("queue", q.name).
			Str("key", record.key).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("queue", q.name).
			Str("key", record.key).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(q.name, duration, err == nil, q.ActiveKeys())
	q.emit(Event{
		Type:   "completed",
		Key:    record.key,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
			"waitMs":   start.Sub(record.enqueuedAt).Milliseconds(),
		},
	})
}

// invoke runs the task, turning a panic into an error so the key keeps draining.
func (q *Queue) invoke(ctx context.Context, record *taskRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", record.id, r)
		}
	}()
	return record.task(ctx)
}

// Pending returns the number of unfinished tasks for key.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w, ok := q.workers[key]; ok {
		return w.pending
	}
	return 0
}

// ActiveKeys returns the number of keys with a live worker.
func (q *Queue) ActiveKeys() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}

// GetStats returns pending counts per key.
func (q *Queue) GetStats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := make(map[string]int, len(q.workers))
	for key, w := range q.workers {
		stats[key] = w.pending
	}
	return stats
}

// WaitForActive waits for all workers to drain, up to timeout.
func (q *Queue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if q.ActiveKeys() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Str("queue", q.name).Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects new submissions, cancels running tasks and waits for workers
// to drain what was already queued.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	q.dedup.Stop()
	return nil
}

// On registers an event handler for a specific event type
func (q *Queue) On(eventType string, handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	q.eventHandlers[eventType] = append(q.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type
func (q *Queue) Off(eventType string) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	delete(q.eventHandlers, eventType)
}

func (q *Queue) emit(event Event) {
	q.eventMu.RLock()
	handlers := q.eventHandlers[event.Type]
	q.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
