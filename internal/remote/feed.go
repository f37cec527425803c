package remote

import (
	"context"
	"net/url"
	"time"

	"github.com/brunodmn/offsync/internal/bus"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second
)

// Feed subscribes to the remote change feed for one thread and republishes
// insert/update notifications on the bus as remote.* events. One Feed exists
// per actively viewed thread; Stop must be called on teardown so the channel
// is not leaked.
type Feed struct {
	feedURL  string
	threadID string
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewFeed creates a change-feed subscription scoped to threadID.
func NewFeed(feedURL, threadID string, b *bus.Bus, logger *zap.Logger) *Feed {
	return &Feed{
		feedURL:  feedURL,
		threadID: threadID,
		bus:      b,
		logger:   logger,
	}
}

// Start dials the feed and keeps reading until Stop. Connection drops are
// retried with capped exponential backoff.
func (f *Feed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	go f.run(ctx)
}

// Stop tears down the subscription. Safe to call more than once.
func (f *Feed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *Feed) run(ctx context.Context) {
	backoff := reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		connected, err := f.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		backoff = nextBackoff(backoff, connected)
		if err != nil {
			f.logger.Warn("change feed disconnected",
				zap.Error(err), zap.String("thread_id", f.threadID), zap.Duration("retry_in", backoff))
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}

// nextBackoff doubles the delay up to the cap while dials keep failing, and
// resets once a connection was established so an occasional drop on a
// long-lived feed reconnects quickly.
func nextBackoff(cur time.Duration, connected bool) time.Duration {
	if connected {
		return reconnectMin
	}
	cur *= 2
	if cur > reconnectMax {
		cur = reconnectMax
	}
	return cur
}

// listen dials the feed and reads until the connection drops. The first
// return reports whether the dial succeeded.
func (f *Feed) listen(ctx context.Context) (bool, error) {
	conn, _, err := websocket.Dial(ctx, f.feedURL+"?thread_id="+url.QueryEscape(f.threadID), nil)
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	f.logger.Info("change feed connected", zap.String("thread_id", f.threadID))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		f.dispatch(data)
	}
}

// dispatch parses one feed frame and publishes it. Frames look like:
//
//	{"type":"insert","table":"messages","row":{"id":"...","thread_id":"..."}}
//
// Unknown types and non-message tables are ignored.
func (f *Feed) dispatch(data []byte) {
	typ := gjson.GetBytes(data, "type").String()
	if typ != "insert" && typ != "update" {
		return
	}
	if table := gjson.GetBytes(data, "table").String(); table != "" && table != "messages" {
		return
	}

	evt := ChangeEvent{
		Type:      typ,
		ThreadID:  gjson.GetBytes(data, "row.thread_id").String(),
		MessageID: gjson.GetBytes(data, "row.id").String(),
	}
	if evt.ThreadID == "" {
		evt.ThreadID = f.threadID
	}

	kind := bus.KindRemoteInsert
	if typ == "update" {
		kind = bus.KindRemoteUpdate
	}
	f.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: evt})
}
