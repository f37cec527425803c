package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NormalizePair orders two participant ids so that (a,b) and (b,a) address
// the same thread row.
func NormalizePair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// GetThreadByParticipants returns the thread for an unordered participant
// pair, nil when none exists.
func (db *DB) GetThreadByParticipants(a, b string) (*Thread, error) {
	u1, u2 := NormalizePair(a, b)
	var t Thread
	err := db.QueryRow(`
		SELECT id, user1_id, user2_id, created_at
		FROM threads WHERE user1_id = ? AND user2_id = ?`, u1, u2).
		Scan(&t.ID, &t.User1ID, &t.User2ID, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetThread returns a thread by id, nil when absent.
func (db *DB) GetThread(id string) (*Thread, error) {
	var t Thread
	err := db.QueryRow(`
		SELECT id, user1_id, user2_id, created_at
		FROM threads WHERE id = ?`, id).
		Scan(&t.ID, &t.User1ID, &t.User2ID, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetOrCreateThread returns the existing thread for the pair or creates one.
// The unique index on the normalized pair makes concurrent creates collapse
// into a single row.
func (db *DB) GetOrCreateThread(a, b string) (*Thread, error) {
	if t, err := db.GetThreadByParticipants(a, b); err != nil || t != nil {
		return t, err
	}

	u1, u2 := NormalizePair(a, b)
	t := &Thread{
		ID:        uuid.NewString(),
		User1ID:   u1,
		User2ID:   u2,
		CreatedAt: time.Now().UnixMilli(),
	}
	_, err := db.Exec(`
		INSERT INTO threads (id, user1_id, user2_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user1_id, user2_id) DO NOTHING`,
		t.ID, t.User1ID, t.User2ID, t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}

	// Re-read in case a concurrent create won the conflict.
	return db.GetThreadByParticipants(a, b)
}

// InsertThread records a thread that already exists remotely, keeping its id.
func (db *DB) InsertThread(t *Thread) error {
	u1, u2 := NormalizePair(t.User1ID, t.User2ID)
	_, err := db.Exec(`
		INSERT INTO threads (id, user1_id, user2_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user1_id, user2_id) DO NOTHING`,
		t.ID, u1, u2, t.CreatedAt)
	return err
}
