package store

import (
	"database/sql"
	"fmt"
)

const messageColumns = `id, thread_id, sender_id, content, nonce, image_url, message_type,
	payment_ref, deleted, sync_status, read_status, local_created_at, created_at, updated_at`

// CreateMessages inserts a batch of locally authored messages in one
// transaction. A failed insert leaves no partial batch behind, so a message
// never reaches the retry queue without a durable local row.
func (db *DB) CreateMessages(msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		if m.MessageType == "" {
			m.MessageType = TypeText
		}
		if m.SyncStatus == "" {
			m.SyncStatus = SyncPending
		}
		if m.ReadStatus == "" {
			m.ReadStatus = ReadPending
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ThreadID, m.SenderID, m.Content, m.Nonce, m.ImageURL, m.MessageType,
			m.PaymentRef, m.Deleted, m.SyncStatus, m.ReadStatus, m.LocalCreatedAt, m.CreatedAt, m.UpdatedAt); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// UpdateMessage applies a partial update and returns the updated row.
func (db *DB) UpdateMessage(u *MessageUpdate) (*Message, error) {
	if u.ImageURL != nil {
		if _, err := db.Exec(`UPDATE messages SET image_url = ? WHERE id = ?`, *u.ImageURL, u.ID); err != nil {
			return nil, err
		}
	}
	if u.PaymentRef != nil {
		if _, err := db.Exec(`UPDATE messages SET payment_ref = ? WHERE id = ?`, *u.PaymentRef, u.ID); err != nil {
			return nil, err
		}
	}
	if u.ReadStatus != nil {
		if _, err := db.Exec(`UPDATE messages SET read_status = ? WHERE id = ?`, *u.ReadStatus, u.ID); err != nil {
			return nil, err
		}
	}
	return db.GetMessage(u.ID)
}

// SoftDeleteMessage marks a message deleted without removing the row, keeping
// it retrievable for the undo window. Returns the updated row.
func (db *DB) SoftDeleteMessage(id string) (*Message, error) {
	if _, err := db.Exec(`UPDATE messages SET deleted = 1 WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return db.GetMessage(id)
}

// GetMessage returns a single message by id, nil when absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// PendingMessages returns rows awaiting remote delivery, oldest first, which
// preserves send order when they are drained into the retry queue.
func (db *DB) PendingMessages() ([]Message, error) {
	rows, err := db.Query(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE sync_status = 'pending'
		ORDER BY local_created_at ASC`)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// UpdateSyncStatus advances a message's sync status, optionally updating the
// read status in the same statement.
func (db *DB) UpdateSyncStatus(id string, status SyncStatus, read *ReadStatus) error {
	if read != nil {
		_, err := db.Exec(`UPDATE messages SET sync_status = ?, read_status = ? WHERE id = ?`, status, *read, id)
		return err
	}
	_, err := db.Exec(`UPDATE messages SET sync_status = ? WHERE id = ?`, status, id)
	return err
}

// MessagesByThread returns a thread's messages ordered by local timestamp.
// Soft-deleted rows are included; rendering them is the caller's concern.
func (db *DB) MessagesByThread(threadID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE thread_id = ?
		ORDER BY local_created_at ASC`, threadID)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// CountMessagesSince counts a thread's messages newer than the given unix
// millisecond timestamp, excluding soft-deleted rows. Used for unread counts
// against the last-opened marker.
func (db *DB) CountMessagesSince(threadID string, since int64) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE thread_id = ? AND local_created_at > ? AND deleted = 0`, threadID, since).Scan(&n)
	return n, err
}

// UpsertRemoteMessages merges an inbound batch from the remote store,
// idempotent on message id. Rows the device authored itself come back marked
// synced; local status fields win nothing here because the remote copy is
// authoritative for anything it holds.
func (db *DB) UpsertRemoteMessages(msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				image_url = excluded.image_url,
				payment_ref = excluded.payment_ref,
				deleted = excluded.deleted,
				sync_status = excluded.sync_status,
				read_status = excluded.read_status,
				created_at = excluded.created_at,
				updated_at = excluded.updated_at`,
			m.ID, m.ThreadID, m.SenderID, m.Content, m.Nonce, m.ImageURL, m.MessageType,
			m.PaymentRef, m.Deleted, SyncSynced, m.ReadStatus, m.LocalCreatedAt, m.CreatedAt, m.UpdatedAt); err != nil {
			return fmt.Errorf("upsert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// ReplaceAllForThread clears a thread's messages and bulk-inserts the
// authoritative server snapshot. Destructive; used only for explicit full
// resyncs, never on a hot path.
func (db *DB) ReplaceAllForThread(threadID string, msgs []*Message) error {
	return db.replaceAll(`DELETE FROM messages WHERE thread_id = ?`, []any{threadID}, msgs)
}

// ReplaceAllForUser clears every message sent or received by the user and
// bulk-inserts the authoritative server snapshot. Same contract as
// ReplaceAllForThread.
func (db *DB) ReplaceAllForUser(userID string, msgs []*Message) error {
	return db.replaceAll(`
		DELETE FROM messages WHERE sender_id = ? OR thread_id IN (
			SELECT id FROM threads WHERE user1_id = ? OR user2_id = ?)`,
		[]any{userID, userID, userID}, msgs)
}

func (db *DB) replaceAll(deleteStmt string, args []any, msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(deleteStmt, args...); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ThreadID, m.SenderID, m.Content, m.Nonce, m.ImageURL, m.MessageType,
			m.PaymentRef, m.Deleted, m.SyncStatus, m.ReadStatus, m.LocalCreatedAt, m.CreatedAt, m.UpdatedAt); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	err := r.Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.Content, &m.Nonce, &m.ImageURL, &m.MessageType,
		&m.PaymentRef, &m.Deleted, &m.SyncStatus, &m.ReadStatus, &m.LocalCreatedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}
