package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds used across the engine. Subscribers filter by prefix, so
// "net." matches both KindNetOnline and KindNetOffline.
const (
	KindNetOnline  = "net.online"
	KindNetOffline = "net.offline"

	KindAppForeground = "app.foreground"
	KindAppBackground = "app.background"

	KindMessageCreated    = "message.created"
	KindMessageSynced     = "message.synced"
	KindMessageSyncFailed = "message.sync_failed"

	KindRemoteInsert = "remote.insert"
	KindRemoteUpdate = "remote.update"

	KindSyncStarted  = "sync.started"
	KindSyncFinished = "sync.finished"
)
