// Package sync contains the engine that keeps the local message store and the
// remote store eventually consistent. Writes land locally first so the UI
// reflects them online or offline; the persistent retry queue carries them to
// the remote store; inbound changes arrive through the change-feed reconciler.
package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brunodmn/offsync/internal/bus"
	"github.com/brunodmn/offsync/internal/cache"
	"github.com/brunodmn/offsync/internal/crypto"
	"github.com/brunodmn/offsync/internal/kv"
	"github.com/brunodmn/offsync/internal/queue"
	"github.com/brunodmn/offsync/internal/remote"
	"github.com/brunodmn/offsync/internal/status"
	"github.com/brunodmn/offsync/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configures the engine.
type Options struct {
	// UserID is the local user all writes are authored as.
	UserID string

	// KeySalt feeds per-thread key derivation.
	KeySalt string

	// DebounceQuiet is the quiet period between a connectivity regain and
	// the sync it triggers, collapsing flapping links into one attempt.
	DebounceQuiet time.Duration

	// LocalRetries and LocalRetryDelay bound immediate retries of transient
	// local-write failures. Distinct from the queue's network backoff.
	LocalRetries    int
	LocalRetryDelay time.Duration

	// FeedURL is the change-feed endpoint. Empty disables per-thread
	// subscriptions.
	FeedURL string
}

func (o Options) withDefaults() Options {
	if o.DebounceQuiet <= 0 {
		o.DebounceQuiet = 30 * time.Second
	}
	if o.LocalRetries <= 0 {
		o.LocalRetries = 3
	}
	if o.LocalRetryDelay <= 0 {
		o.LocalRetryDelay = 50 * time.Millisecond
	}
	return o
}

// Engine orchestrates connectivity transitions, sync triggers and the single
// write path for messages. One engine exists per process; the composition
// root constructs it and hands it down, there is no global accessor.
type Engine struct {
	db      *store.DB
	queue   *queue.Queue
	remote  remote.Store
	kv      *kv.Store
	cache   *cache.Cache
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	opts    Options

	debounce *Debouncer
	online   atomic.Bool
	cancel   context.CancelFunc
	cleaned  atomic.Bool

	feedMu    sync.Mutex
	feeds     map[string]*remote.Feed
	suspended bool
}

// New creates the engine. machine may be nil in tests.
func New(db *store.DB, q *queue.Queue, rs remote.Store, kvStore *kv.Store, c *cache.Cache,
	b *bus.Bus, machine *status.Machine, logger *zap.Logger, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		db:       db,
		queue:    q,
		remote:   rs,
		kv:       kvStore,
		cache:    c,
		bus:      b,
		machine:  machine,
		logger:   logger,
		opts:     opts,
		debounce: NewDebouncer(opts.DebounceQuiet),
		feeds:    make(map[string]*remote.Feed),
	}
}

// Start subscribes to connectivity and lifecycle events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	netCh, netUnsub := e.bus.Subscribe("net.", 256)
	appCh, appUnsub := e.bus.Subscribe("app.", 256)

	go func() {
		defer netUnsub()
		defer appUnsub()
		for {
			select {
			case evt := <-netCh:
				e.handleEvent(ctx, evt)
			case evt := <-appCh:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Cleanup deregisters all listeners and timers. Idempotent and safe to call
// multiple times.
func (e *Engine) Cleanup() {
	if !e.cleaned.CompareAndSwap(false, true) {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.debounce.Cancel()

	e.feedMu.Lock()
	for id, f := range e.feeds {
		f.Stop()
		delete(e.feeds, id)
	}
	e.feedMu.Unlock()
}

// Online reports the engine's view of connectivity.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// handleEvent reacts to one bus event. A panicking handler is recovered and
// logged; the listener itself must keep running.
func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("listener panicked", zap.Any("panic", r), zap.String("event", evt.Kind))
		}
	}()

	switch evt.Kind {
	case bus.KindNetOnline:
		e.online.Store(true)
		e.transition(status.Online)
		// Collapse flapping connectivity into one sync after the quiet
		// period.
		e.debounce.Trigger(func() { e.syncPendingLogged(ctx) })

	case bus.KindNetOffline:
		e.online.Store(false)
		e.transition(status.Offline)
		e.debounce.Cancel()

	case bus.KindAppForeground:
		e.resumeFeeds(ctx)
		if e.online.Load() {
			go e.syncPendingLogged(ctx)
		}

	case bus.KindAppBackground:
		// No sync work while backgrounded; open feeds stay down until
		// foreground.
		e.debounce.Cancel()
		e.pauseFeeds()
	}
}

func (e *Engine) syncPendingLogged(ctx context.Context) {
	if err := e.SyncPending(ctx); err != nil {
		e.logger.Error("pending sync failed", zap.Error(err))
	}
}

// CreateRequest describes a logical send.
type CreateRequest struct {
	RecipientID string
	Plaintext   string
	MessageType string
	ImageURL    string
	PaymentRef  string
	Priority    int
}

// CreateMessage is the single write path for sends: encrypt, persist locally
// (so the UI reflects the message immediately, online or offline), then
// enqueue for remote delivery only when currently online. Offline rows stay
// pending and are drained on the next connectivity regain.
func (e *Engine) CreateMessage(ctx context.Context, req CreateRequest) (*store.Message, error) {
	thread, err := e.ThreadWith(ctx, req.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("resolve thread: %w", err)
	}

	cipherText, nonce, err := crypto.Encrypt(req.Plaintext, thread.ID, e.opts.KeySalt)
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}

	msg := &store.Message{
		ID:             uuid.NewString(),
		ThreadID:       thread.ID,
		SenderID:       e.opts.UserID,
		Content:        cipherText,
		Nonce:          nonce,
		ImageURL:       req.ImageURL,
		MessageType:    req.MessageType,
		PaymentRef:     req.PaymentRef,
		SyncStatus:     store.SyncPending,
		ReadStatus:     store.ReadPending,
		LocalCreatedAt: time.Now().UnixMilli(),
	}
	if msg.MessageType == "" {
		msg.MessageType = store.TypeText
	}

	// A failed local write surfaces immediately and nothing is enqueued.
	if err := e.withLocalRetry(func() error {
		return e.db.CreateMessages([]*store.Message{msg})
	}); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	e.invalidateThread(thread.ID)

	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageCreated,
		Timestamp: time.Now(),
		Payload:   map[string]string{"message_id": msg.ID, "thread_id": thread.ID},
	})

	if e.online.Load() {
		e.queue.Enqueue(queue.OpCreate, recordFromMessage(msg), req.Priority)
	}
	return msg, nil
}

// SendPayment records the payment row and sends the payment-type message that
// references it, in that order, so a rendered payment message always has its
// backing transaction locally.
func (e *Engine) SendPayment(ctx context.Context, recipientID string, p *store.Payment, note string) (*store.Message, error) {
	thread, err := e.ThreadWith(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("resolve thread: %w", err)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.ThreadID = thread.ID
	p.PayerID = e.opts.UserID
	p.PayeeID = recipientID
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().UnixMilli()
	}
	if err := e.db.CreatePayment(p); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}

	return e.CreateMessage(ctx, CreateRequest{
		RecipientID: recipientID,
		Plaintext:   note,
		MessageType: store.TypePayment,
		PaymentRef:  p.ID,
	})
}

// UpdateMessage applies a partial local update and queues the field update
// for remote delivery when online. Content is immutable; only presentation
// and status fields move.
func (e *Engine) UpdateMessage(ctx context.Context, u *store.MessageUpdate) (*store.Message, error) {
	var msg *store.Message
	if err := e.withLocalRetry(func() error {
		var err error
		msg, err = e.db.UpdateMessage(u)
		return err
	}); err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("message %s not found", u.ID)
	}
	e.invalidateThread(msg.ThreadID)

	if e.online.Load() {
		e.queue.Enqueue(queue.OpUpdate, recordFromMessage(msg), queue.PriorityNormal)
	}
	return msg, nil
}

// DeleteMessage soft-deletes locally and queues the soft-delete mutation with
// elevated priority so removals propagate ahead of ordinary sends.
func (e *Engine) DeleteMessage(ctx context.Context, id string) (*store.Message, error) {
	var msg *store.Message
	if err := e.withLocalRetry(func() error {
		var err error
		msg, err = e.db.SoftDeleteMessage(id)
		return err
	}); err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("message %s not found", id)
	}
	e.invalidateThread(msg.ThreadID)

	if e.online.Load() {
		e.queue.Enqueue(queue.OpDelete, recordFromMessage(msg), queue.PriorityDelete)
	}
	return msg, nil
}

// SyncPending drains every pending local row into the retry queue and kicks a
// drain. Deleted pending rows sync as delete operations, everything else as
// idempotent creates.
func (e *Engine) SyncPending(ctx context.Context) error {
	pending, err := e.db.PendingMessages()
	if err != nil {
		return fmt.Errorf("read pending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	e.transition(status.Syncing)
	e.bus.Publish(bus.Event{Kind: bus.KindSyncStarted, Timestamp: time.Now(),
		Payload: map[string]int{"pending": len(pending)}})

	for i := range pending {
		m := &pending[i]
		op := queue.OpCreate
		priority := queue.PriorityNormal
		if m.Deleted {
			op = queue.OpDelete
			priority = queue.PriorityDelete
		}
		e.queue.Enqueue(op, recordFromMessage(m), priority)
	}
	e.queue.Drain()
	e.transition(status.Online)
	e.bus.Publish(bus.Event{Kind: bus.KindSyncFinished, Timestamp: time.Now(),
		Payload: map[string]int{"enqueued": len(pending)}})
	return nil
}

// PullThread merges the remote row set for a thread into the local store with
// idempotent upserts. This is the inbound path the reconciler uses; it never
// discards local pending rows.
func (e *Engine) PullThread(ctx context.Context, threadID string) error {
	recs, err := e.remote.MessagesByThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("fetch thread %s: %w", threadID, err)
	}
	if err := e.db.UpsertRemoteMessages(messagesFromRecords(recs)); err != nil {
		return fmt.Errorf("merge thread %s: %w", threadID, err)
	}
	e.refreshSnapshot(threadID, recs)
	return nil
}

// SyncThreadFromServer replaces a thread's local rows with the authoritative
// server snapshot. Destructive; only for explicit user- or lifecycle-
// triggered resyncs.
func (e *Engine) SyncThreadFromServer(ctx context.Context, threadID string) error {
	recs, err := e.remote.MessagesByThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("fetch thread %s: %w", threadID, err)
	}
	if err := e.db.ReplaceAllForThread(threadID, messagesFromRecords(recs)); err != nil {
		return fmt.Errorf("replace thread %s: %w", threadID, err)
	}
	e.refreshSnapshot(threadID, recs)
	e.bus.Publish(bus.Event{Kind: bus.KindSyncFinished, Timestamp: time.Now(),
		Payload: map[string]string{"thread_id": threadID}})
	return nil
}

// SyncAllFromServer replaces every local message for the user with the
// authoritative server snapshot. Same contract as SyncThreadFromServer.
func (e *Engine) SyncAllFromServer(ctx context.Context, userID string) error {
	recs, err := e.remote.MessagesByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch user %s: %w", userID, err)
	}
	if err := e.db.ReplaceAllForUser(userID, messagesFromRecords(recs)); err != nil {
		return fmt.Errorf("replace user %s: %w", userID, err)
	}
	e.cache.InvalidateAll()
	e.bus.Publish(bus.Event{Kind: bus.KindSyncFinished, Timestamp: time.Now(),
		Payload: map[string]string{"user_id": userID}})
	return nil
}

// ThreadWith resolves (or creates) the thread between the local user and the
// peer, serving repeats from the read cache.
func (e *Engine) ThreadWith(ctx context.Context, peerID string) (*store.Thread, error) {
	u1, u2 := store.NormalizePair(e.opts.UserID, peerID)
	key := "thread:" + u1 + ":" + u2
	if v, ok := e.cache.Get(key); ok {
		return v.(*store.Thread), nil
	}

	thread, err := e.db.GetOrCreateThread(u1, u2)
	if err != nil {
		return nil, err
	}
	e.cache.Put(key, thread)
	return thread, nil
}

// MessagesForThread serves a thread's messages from the read cache, falling
// back to the store.
func (e *Engine) MessagesForThread(threadID string) ([]store.Message, error) {
	key := "messages:" + threadID
	if v, ok := e.cache.Get(key); ok {
		return v.([]store.Message), nil
	}
	msgs, err := e.db.MessagesByThread(threadID)
	if err != nil {
		return nil, err
	}
	e.cache.Put(key, msgs)
	return msgs, nil
}

// RenderContent decrypts a message body for display. Decryption failures are
// logged and rendered as a placeholder; the read path never crashes and never
// leaks ciphertext.
func (e *Engine) RenderContent(m *store.Message) string {
	plain, err := crypto.Decrypt(m.Content, m.Nonce, m.ThreadID, e.opts.KeySalt)
	if err != nil {
		e.logger.Warn("failed to decrypt message", zap.String("message_id", m.ID))
		return crypto.Placeholder
	}
	return plain
}

// OpenThread marks a thread as actively viewed: it subscribes the change feed
// for the thread so inbound events invalidate reads in real time.
func (e *Engine) OpenThread(ctx context.Context, threadID string) {
	if e.opts.FeedURL == "" {
		return
	}
	e.feedMu.Lock()
	defer e.feedMu.Unlock()
	if _, ok := e.feeds[threadID]; ok {
		return
	}
	f := remote.NewFeed(e.opts.FeedURL, threadID, e.bus, e.logger)
	// While backgrounded the id is registered but the subscription waits
	// for foreground.
	if !e.suspended {
		f.Start(ctx)
	}
	e.feeds[threadID] = f
}

// CloseThread tears down the thread's feed subscription and records the
// last-opened marker used for unread counts.
func (e *Engine) CloseThread(threadID string) {
	e.feedMu.Lock()
	if f, ok := e.feeds[threadID]; ok {
		f.Stop()
		delete(e.feeds, threadID)
	}
	e.feedMu.Unlock()

	if err := e.kv.SetLastOpened(threadID, time.Now().UnixMilli()); err != nil {
		e.logger.Warn("failed to record last-opened marker", zap.Error(err), zap.String("thread_id", threadID))
	}
}

// pauseFeeds stops every open feed subscription while the app is
// backgrounded; the thread ids are kept so foreground can resubscribe.
func (e *Engine) pauseFeeds() {
	e.feedMu.Lock()
	defer e.feedMu.Unlock()
	if e.suspended {
		return
	}
	for _, f := range e.feeds {
		f.Stop()
	}
	e.suspended = true
}

// resumeFeeds resubscribes the feeds that were open when the app went to the
// background.
func (e *Engine) resumeFeeds(ctx context.Context) {
	e.feedMu.Lock()
	defer e.feedMu.Unlock()
	if !e.suspended {
		return
	}
	for id := range e.feeds {
		f := remote.NewFeed(e.opts.FeedURL, id, e.bus, e.logger)
		f.Start(ctx)
		e.feeds[id] = f
	}
	e.suspended = false
}

// UnreadCount computes the number of messages newer than the thread's
// last-opened marker.
func (e *Engine) UnreadCount(threadID string) (int, error) {
	since, ok, err := e.kv.LastOpened(threadID)
	if err != nil {
		return 0, err
	}
	if !ok {
		since = 0
	}
	return e.db.CountMessagesSince(threadID, since)
}

// withLocalRetry retries transient local-write failures a bounded number of
// times with a short delay. Network failures never reach here; they belong to
// the queue's backoff.
func (e *Engine) withLocalRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < e.opts.LocalRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(e.opts.LocalRetryDelay)
	}
	return err
}

func (e *Engine) transition(to status.State) {
	if e.machine == nil {
		return
	}
	if err := e.machine.Transition(to); err != nil {
		e.logger.Warn("state transition rejected", zap.Error(err))
	}
}

func (e *Engine) invalidateThread(threadID string) {
	e.cache.Invalidate("messages:" + threadID)
	if err := e.kv.DeleteSnapshot("messages:" + threadID); err != nil {
		e.logger.Warn("failed to drop thread snapshot", zap.Error(err), zap.String("thread_id", threadID))
	}
}

// refreshSnapshot repopulates the KV-cached thread snapshot after a
// successful remote fetch and drops the in-memory entry so the next read
// observes the merged rows.
func (e *Engine) refreshSnapshot(threadID string, recs []remote.Record) {
	e.cache.Invalidate("messages:" + threadID)
	if err := e.kv.PutSnapshot("messages:"+threadID, recs); err != nil {
		e.logger.Warn("failed to store thread snapshot", zap.Error(err), zap.String("thread_id", threadID))
	}
}

func recordFromMessage(m *store.Message) *remote.Record {
	return &remote.Record{
		ID:             m.ID,
		ThreadID:       m.ThreadID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Nonce:          m.Nonce,
		ImageURL:       m.ImageURL,
		MessageType:    m.MessageType,
		PaymentRef:     m.PaymentRef,
		Deleted:        m.Deleted,
		ReadStatus:     string(m.ReadStatus),
		LocalCreatedAt: m.LocalCreatedAt,
	}
}

func messagesFromRecords(recs []remote.Record) []*store.Message {
	msgs := make([]*store.Message, 0, len(recs))
	for i := range recs {
		r := &recs[i]
		readStatus := store.ReadStatus(r.ReadStatus)
		if readStatus == "" {
			readStatus = store.ReadDelivered
		}
		messageType := r.MessageType
		if messageType == "" {
			messageType = store.TypeText
		}
		msgs = append(msgs, &store.Message{
			ID:             r.ID,
			ThreadID:       r.ThreadID,
			SenderID:       r.SenderID,
			Content:        r.Content,
			Nonce:          r.Nonce,
			ImageURL:       r.ImageURL,
			MessageType:    messageType,
			PaymentRef:     r.PaymentRef,
			Deleted:        r.Deleted,
			SyncStatus:     store.SyncSynced,
			ReadStatus:     readStatus,
			LocalCreatedAt: r.LocalCreatedAt,
			CreatedAt:      r.CreatedAt,
			UpdatedAt:      r.UpdatedAt,
		})
	}
	return msgs
}
