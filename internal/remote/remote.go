// Package remote talks to the remote message store: a JSON HTTP API for
// writes and range reads, and a websocket change feed for real-time inbound
// events. The engine and queue depend only on the interfaces here so tests
// can substitute recording fakes.
package remote

import "context"

// Record is the remote row shape for messages. Content and nonce carry the
// ciphertext produced by the encryption boundary; plaintext never crosses
// this package.
type Record struct {
	ID             string `json:"id"`
	ThreadID       string `json:"thread_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	Nonce          string `json:"nonce"`
	ImageURL       string `json:"image_url,omitempty"`
	MessageType    string `json:"message_type"`
	PaymentRef     string `json:"payment_ref,omitempty"`
	Deleted        bool   `json:"deleted"`
	ReadStatus     string `json:"read_status"`
	LocalCreatedAt int64  `json:"local_created_at"`
	CreatedAt      int64  `json:"created_at,omitempty"`
	UpdatedAt      int64  `json:"updated_at,omitempty"`
}

// Store is the remote message table client used by the retry queue and the
// sync engine.
type Store interface {
	// UpsertMessage inserts or replaces a row keyed by Record.ID. Must be
	// idempotent: delivering the same record twice yields one logical row.
	UpsertMessage(ctx context.Context, rec *Record) error

	// UpdateMessage applies a field-level update to the row with the given id.
	UpdateMessage(ctx context.Context, id string, fields map[string]any) error

	// MessagesByThread returns the authoritative row set for a thread.
	MessagesByThread(ctx context.Context, threadID string) ([]Record, error)

	// MessagesByUser returns the authoritative row set for all threads the
	// user participates in.
	MessagesByUser(ctx context.Context, userID string) ([]Record, error)
}

// Notifier dispatches a push notification after a successful remote create.
// Fire and forget: failures are logged by implementations and never affect
// sync correctness.
type Notifier interface {
	Notify(ctx context.Context, rec *Record)
}

// ChangeEvent is one change-feed notification.
type ChangeEvent struct {
	Type      string // "insert" or "update"
	ThreadID  string
	MessageID string
}
