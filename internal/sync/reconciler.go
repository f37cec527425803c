package sync

import (
	"context"

	"github.com/brunodmn/offsync/internal/bus"
	"github.com/brunodmn/offsync/internal/remote"
	"go.uber.org/zap"
)

// Reconciler consumes remote.* change-feed events and converges the local
// store on them. It never writes feed payloads directly: a notification only
// invalidates cached reads and triggers an idempotent delta pull for the
// affected thread, so the merged rows always come from the authoritative
// fetch path.
type Reconciler struct {
	engine *Engine
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewReconciler creates a reconciler bound to the engine's pull path.
func NewReconciler(engine *Engine, b *bus.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{engine: engine, bus: b, logger: logger}
}

// Start subscribes to remote change events until Stop or context cancel.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("remote.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				r.handle(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop tears down the subscription. Safe to call more than once.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Reconciler) handle(ctx context.Context, evt bus.Event) {
	change, ok := evt.Payload.(remote.ChangeEvent)
	if !ok || change.ThreadID == "" {
		return
	}

	r.logger.Debug("remote change received",
		zap.String("type", change.Type),
		zap.String("thread_id", change.ThreadID),
		zap.String("message_id", change.MessageID))

	if err := r.engine.PullThread(ctx, change.ThreadID); err != nil {
		// The next feed event or explicit refresh retries; the feed itself
		// reconnects independently.
		r.logger.Warn("reconcile pull failed",
			zap.Error(err), zap.String("thread_id", change.ThreadID))
	}
}
