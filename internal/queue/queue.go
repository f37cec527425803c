// Package queue is the persistent retry queue between the local store and the
// remote store. Every mutation the engine accepts while online becomes an
// item here; items are drained in (priority desc, timestamp asc) order, in
// concurrent batches, with progressive backoff and a retry ceiling. The whole
// queue is snapshotted to the key-value store after every mutation, so a
// restart mid-sync resumes from the last persisted state. Delivery is
// therefore at-least-once and remote creates must be idempotent upserts.
package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brunodmn/offsync/internal/bus"
	"github.com/brunodmn/offsync/internal/kv"
	"github.com/brunodmn/offsync/internal/remote"
	"github.com/brunodmn/offsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Operation is the kind of remote mutation an item carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Priorities. Deletes jump ahead of ordinary sends; FIFO order still holds
// within a priority band so earlier messages are never starved.
const (
	PriorityNormal = 0
	PriorityDelete = 10
)

// Item is one pending remote mutation. ID equals the originating message id,
// which makes duplicate delivery collapse on the remote side.
type Item struct {
	ID        string        `json:"id"`
	Operation Operation     `json:"operation"`
	Payload   remote.Record `json:"payload"`
	Retries   int           `json:"retries"`
	Timestamp int64         `json:"timestamp"`
	Priority  int           `json:"priority"`
}

// Config bounds the drain behavior.
type Config struct {
	BatchSize      int
	MaxRetries     int
	AttemptTimeout time.Duration
	Backoff        []time.Duration
}

// DefaultBackoff is the next-drain delay indexed by the queue head's retry
// count.
var DefaultBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BatchSize <= 0 {
		out.BatchSize = 25
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.AttemptTimeout <= 0 {
		out.AttemptTimeout = 15 * time.Second
	}
	if len(out.Backoff) == 0 {
		out.Backoff = DefaultBackoff
	}
	return out
}

// Queue drains pending mutations to the remote store.
type Queue struct {
	db       *store.DB
	kv       *kv.Store
	remote   remote.Store
	notifier remote.Notifier
	bus      *bus.Bus
	logger   *zap.Logger
	cfg      Config

	mu     sync.Mutex
	items  []Item
	timer  *time.Timer
	ctx    context.Context
	cancel context.CancelFunc

	// draining enforces the exactly-one-drain-in-progress invariant.
	draining atomic.Bool
}

// New creates a queue. notifier may be nil when push dispatch is disabled.
func New(db *store.DB, kvStore *kv.Store, rs remote.Store, notifier remote.Notifier, b *bus.Bus, logger *zap.Logger, cfg Config) *Queue {
	return &Queue{
		db:       db,
		kv:       kvStore,
		remote:   rs,
		notifier: notifier,
		bus:      b,
		logger:   logger,
		cfg:      cfg.withDefaults(),
	}
}

// Load restores the persisted snapshot. A malformed snapshot is logged and
// treated as an empty queue; startup never fails on queue corruption.
func (q *Queue) Load() int {
	data, err := q.kv.QueueSnapshot()
	if err != nil {
		q.logger.Warn("failed to read queue snapshot", zap.Error(err))
		return 0
	}
	if len(data) == 0 {
		return 0
	}

	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		q.logger.Warn("corrupt queue snapshot, starting empty", zap.Error(err))
		return 0
	}

	q.mu.Lock()
	q.items = items
	q.sortLocked()
	q.mu.Unlock()
	return len(items)
}

// Start arms the queue. Restored items stay queued until a drain is
// triggered; the engine kicks one once connectivity is confirmed, so an
// offline restart never burns the retry budget against a dead link.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()
}

// Stop cancels in-flight drains and disarms the timer. Safe to call more
// than once.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue adds a mutation and schedules a drain. Re-enqueueing the same
// (message, operation) pair refreshes the payload in place instead of adding
// a duplicate item.
func (q *Queue) Enqueue(op Operation, rec *remote.Record, priority int) {
	q.mu.Lock()
	if i := q.indexOfLocked(rec.ID, op); i >= 0 {
		q.items[i].Payload = *rec
	} else {
		q.items = append(q.items, Item{
			ID:        rec.ID,
			Operation: op,
			Payload:   *rec,
			Timestamp: time.Now().UnixMilli(),
			Priority:  priority,
		})
	}
	q.sortLocked()
	q.persistLocked()
	q.mu.Unlock()

	q.schedule(0)
}

// Drain requests an immediate drain cycle.
func (q *Queue) Drain() {
	q.schedule(0)
}

// schedule arms the next drain after delay, replacing any earlier schedule.
func (q *Queue) schedule(delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctx == nil || q.ctx.Err() != nil {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(delay, q.drain)
}

func (q *Queue) drain() {
	if !q.draining.CompareAndSwap(false, true) {
		return
	}
	clean := q.drainLoop()
	q.draining.Store(false)

	// Re-check after releasing the flag: a trigger that fired while this
	// drain was finishing lost the CAS, and its items would otherwise sit
	// until the next trigger.
	if q.Len() == 0 {
		return
	}
	if clean {
		q.schedule(0)
		return
	}
	// Failures stay queued; back off before the next cycle, keyed to the
	// head item's retry count.
	q.schedule(q.nextDelay())
}

// drainLoop processes batches until the queue is empty or a batch fails.
// Returns true when it stopped because nothing was left.
func (q *Queue) drainLoop() bool {
	q.mu.Lock()
	ctx := q.ctx
	q.mu.Unlock()
	if ctx == nil {
		return false
	}

	for ctx.Err() == nil {
		batch := q.nextBatch()
		if len(batch) == 0 {
			return true
		}
		results := q.attemptBatch(ctx, batch)
		if !q.apply(results) {
			return false
		}
	}
	return false
}

func (q *Queue) nextBatch() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.cfg.BatchSize
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]Item, n)
	copy(batch, q.items[:n])
	return batch
}

type attemptResult struct {
	item Item
	err  error
}

// attemptBatch dispatches the whole batch concurrently. One item's failure
// never aborts the others; completions may arrive out of order within the
// batch.
func (q *Queue) attemptBatch(ctx context.Context, batch []Item) []attemptResult {
	results := make([]attemptResult, len(batch))

	var g errgroup.Group
	g.SetLimit(q.cfg.BatchSize)
	for i, it := range batch {
		g.Go(func() error {
			results[i] = attemptResult{item: it, err: q.attempt(ctx, it)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (q *Queue) attempt(ctx context.Context, it Item) error {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
	defer cancel()

	switch it.Operation {
	case OpCreate:
		// Upsert by id: duplicate delivery collapses into one logical row.
		return q.remote.UpsertMessage(ctx, &it.Payload)
	case OpUpdate:
		return q.remote.UpdateMessage(ctx, it.ID, map[string]any{
			"image_url":   it.Payload.ImageURL,
			"payment_ref": it.Payload.PaymentRef,
			"read_status": it.Payload.ReadStatus,
		})
	case OpDelete:
		// Deletes sync as soft-delete mutations, never as remote hard
		// deletes, preserving the undo/audit row on the server.
		return q.remote.UpdateMessage(ctx, it.ID, map[string]any{
			"deleted":    true,
			"updated_at": time.Now().UnixMilli(),
		})
	}
	return nil
}

// apply folds a batch's results back into the queue and the local store.
// Returns true when every item in the batch succeeded.
func (q *Queue) apply(results []attemptResult) bool {
	allOK := true

	for _, res := range results {
		if res.err == nil {
			q.confirm(res.item)
			continue
		}
		allOK = false
		q.fail(res.item, res.err)
	}

	q.mu.Lock()
	q.persistLocked()
	q.mu.Unlock()
	return allOK
}

func (q *Queue) confirm(it Item) {
	q.mu.Lock()
	if i := q.indexOfLocked(it.ID, it.Operation); i >= 0 {
		q.items = append(q.items[:i], q.items[i+1:]...)
	}
	q.mu.Unlock()

	var read *store.ReadStatus
	if it.Operation == OpCreate {
		d := store.ReadDelivered
		read = &d
	}
	if err := q.db.UpdateSyncStatus(it.ID, store.SyncSynced, read); err != nil {
		q.logger.Error("failed to mark message synced", zap.Error(err), zap.String("message_id", it.ID))
	}

	q.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSynced,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"message_id": it.ID,
			"operation":  string(it.Operation),
		},
	})

	if it.Operation == OpCreate && q.notifier != nil {
		rec := it.Payload
		go q.notifier.Notify(context.Background(), &rec)
	}
}

func (q *Queue) fail(it Item, cause error) {
	q.mu.Lock()
	i := q.indexOfLocked(it.ID, it.Operation)
	if i < 0 {
		q.mu.Unlock()
		return
	}
	q.items[i].Retries++
	exhausted := q.items[i].Retries >= q.cfg.MaxRetries
	if exhausted {
		q.items = append(q.items[:i], q.items[i+1:]...)
	}
	q.mu.Unlock()

	if !exhausted {
		q.logger.Warn("sync attempt failed, will retry",
			zap.Error(cause), zap.String("message_id", it.ID), zap.String("operation", string(it.Operation)))
		return
	}

	// Retry ceiling reached: drop the item and mark the origin failed. No
	// silent infinite retry.
	q.logger.Error("sync retries exhausted",
		zap.Error(cause), zap.String("message_id", it.ID), zap.String("operation", string(it.Operation)))
	if err := q.db.UpdateSyncStatus(it.ID, store.SyncFailed, nil); err != nil {
		q.logger.Error("failed to mark message failed", zap.Error(err), zap.String("message_id", it.ID))
	}
	q.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSyncFailed,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"message_id": it.ID,
			"operation":  string(it.Operation),
			"error":      cause.Error(),
		},
	})
}

// nextDelay picks the backoff for the coming drain from the head item's
// retry count, coupling the schedule to the queue's worst offender.
func (q *Queue) nextDelay() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return q.cfg.Backoff[0]
	}
	i := q.items[0].Retries
	if i >= len(q.cfg.Backoff) {
		i = len(q.cfg.Backoff) - 1
	}
	return q.cfg.Backoff[i]
}

func (q *Queue) indexOfLocked(id string, op Operation) int {
	for i, it := range q.items {
		if it.ID == id && it.Operation == op {
			return i
		}
	}
	return -1
}

func (q *Queue) sortLocked() {
	sort.SliceStable(q.items, func(a, b int) bool {
		if q.items[a].Priority != q.items[b].Priority {
			return q.items[a].Priority > q.items[b].Priority
		}
		return q.items[a].Timestamp < q.items[b].Timestamp
	})
}

// persistLocked snapshots the queue as a JSON array. Called after every
// mutation so a crash resumes from the last persisted state.
func (q *Queue) persistLocked() {
	items := q.items
	if items == nil {
		items = []Item{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		q.logger.Error("failed to marshal queue snapshot", zap.Error(err))
		return
	}
	if err := q.kv.PutQueueSnapshot(data); err != nil {
		q.logger.Error("failed to persist queue snapshot", zap.Error(err))
	}
}
