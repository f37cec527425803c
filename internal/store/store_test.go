package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mkMessage(id, threadID string, localTs int64) *Message {
	return &Message{
		ID:             id,
		ThreadID:       threadID,
		SenderID:       "u1",
		Content:        "cipher-" + id,
		Nonce:          "nonce-" + id,
		MessageType:    TypeText,
		SyncStatus:     SyncPending,
		ReadStatus:     ReadPending,
		LocalCreatedAt: localTs,
	}
}

func TestCreateAndGetMessage(t *testing.T) {
	db := testDB(t)

	if err := db.CreateMessages([]*Message{mkMessage("m1", "t1", 100)}); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("message not found")
	}
	if m.SyncStatus != SyncPending || m.ReadStatus != ReadPending {
		t.Errorf("statuses = %s/%s, want pending/pending", m.SyncStatus, m.ReadStatus)
	}
	if m.Content != "cipher-m1" {
		t.Errorf("content = %q", m.Content)
	}
}

func TestCreateMessagesAtomicBatch(t *testing.T) {
	db := testDB(t)

	msgs := []*Message{
		mkMessage("m1", "t1", 100),
		mkMessage("m1", "t1", 200), // duplicate id forces the batch to fail
	}
	if err := db.CreateMessages(msgs); err == nil {
		t.Fatal("expected constraint error for duplicate id")
	}

	// First insert must have been rolled back with the batch.
	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Error("partial batch left behind after failed transaction")
	}
}

func TestPendingMessagesOrdering(t *testing.T) {
	db := testDB(t)

	msgs := []*Message{
		mkMessage("m3", "t1", 300),
		mkMessage("m1", "t1", 100),
		mkMessage("m2", "t1", 200),
	}
	if err := db.CreateMessages(msgs); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateSyncStatus("m2", SyncSynced, nil); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending, want 2", len(pending))
	}
	if pending[0].ID != "m1" || pending[1].ID != "m3" {
		t.Errorf("pending order = %s,%s, want m1,m3 (oldest first)", pending[0].ID, pending[1].ID)
	}
}

func TestUpdateSyncStatusWithRead(t *testing.T) {
	db := testDB(t)

	if err := db.CreateMessages([]*Message{mkMessage("m1", "t1", 100)}); err != nil {
		t.Fatal(err)
	}
	read := ReadDelivered
	if err := db.UpdateSyncStatus("m1", SyncSynced, &read); err != nil {
		t.Fatal(err)
	}

	m, _ := db.GetMessage("m1")
	if m.SyncStatus != SyncSynced || m.ReadStatus != ReadDelivered {
		t.Errorf("statuses = %s/%s, want synced/delivered", m.SyncStatus, m.ReadStatus)
	}
}

func TestSoftDeletePreservesRow(t *testing.T) {
	db := testDB(t)

	if err := db.CreateMessages([]*Message{mkMessage("m1", "t1", 100)}); err != nil {
		t.Fatal(err)
	}
	m, err := db.SoftDeleteMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Deleted {
		t.Error("deleted flag not set")
	}

	// Row must still be retrievable from the thread listing.
	msgs, err := db.MessagesByThread("t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (soft delete keeps the row)", len(msgs))
	}
	if !msgs[0].Deleted {
		t.Error("listed row not marked deleted")
	}
}

func TestPartialUpdate(t *testing.T) {
	db := testDB(t)

	if err := db.CreateMessages([]*Message{mkMessage("m1", "t1", 100)}); err != nil {
		t.Fatal(err)
	}
	url := "https://cdn.example/img.png"
	read := ReadRead
	m, err := db.UpdateMessage(&MessageUpdate{ID: "m1", ImageURL: &url, ReadStatus: &read})
	if err != nil {
		t.Fatal(err)
	}
	if m.ImageURL != url || m.ReadStatus != ReadRead {
		t.Errorf("updated row = %+v", m)
	}
	if m.Content != "cipher-m1" {
		t.Error("content changed by partial update")
	}
}

func TestReplaceAllForThread(t *testing.T) {
	db := testDB(t)

	if err := db.CreateMessages([]*Message{
		mkMessage("m1", "t1", 100),
		mkMessage("m2", "t1", 200),
		mkMessage("m3", "t2", 300),
	}); err != nil {
		t.Fatal(err)
	}

	snapshot := []*Message{mkMessage("s1", "t1", 150)}
	snapshot[0].SyncStatus = SyncSynced
	if err := db.ReplaceAllForThread("t1", snapshot); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.MessagesByThread("t1")
	if len(msgs) != 1 || msgs[0].ID != "s1" {
		t.Errorf("t1 messages = %+v, want only s1", msgs)
	}
	// Other threads untouched.
	other, _ := db.MessagesByThread("t2")
	if len(other) != 1 {
		t.Errorf("t2 messages = %d, want 1", len(other))
	}
}

func TestUpsertRemoteMessagesIdempotent(t *testing.T) {
	db := testDB(t)

	batch := []*Message{mkMessage("m1", "t1", 100)}
	if err := db.UpsertRemoteMessages(batch); err != nil {
		t.Fatal(err)
	}
	batch[0].ReadStatus = ReadRead
	if err := db.UpsertRemoteMessages(batch); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.MessagesByThread("t1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent)", len(msgs))
	}
	if msgs[0].SyncStatus != SyncSynced {
		t.Errorf("sync status = %s, want synced for remote rows", msgs[0].SyncStatus)
	}
	if msgs[0].ReadStatus != ReadRead {
		t.Errorf("read status = %s, want read (updated)", msgs[0].ReadStatus)
	}
}

func TestGetOrCreateThreadNormalizesPair(t *testing.T) {
	db := testDB(t)

	t1, err := db.GetOrCreateThread("u2", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if t1 == nil {
		t.Fatal("thread not created")
	}
	if t1.User1ID != "u1" || t1.User2ID != "u2" {
		t.Errorf("pair = (%s,%s), want normalized (u1,u2)", t1.User1ID, t1.User2ID)
	}

	// Reversed lookup resolves to the same thread.
	t2, err := db.GetOrCreateThread("u1", "u2")
	if err != nil {
		t.Fatal(err)
	}
	if t2.ID != t1.ID {
		t.Errorf("got second thread %s for same pair", t2.ID)
	}
}

func TestCountMessagesSince(t *testing.T) {
	db := testDB(t)

	if err := db.CreateMessages([]*Message{
		mkMessage("m1", "t1", 100),
		mkMessage("m2", "t1", 200),
		mkMessage("m3", "t1", 300),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.SoftDeleteMessage("m3"); err != nil {
		t.Fatal(err)
	}

	n, err := db.CountMessagesSince("t1", 100)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1 (m2 only; m3 deleted)", n)
	}
}

func TestPaymentLifecycle(t *testing.T) {
	db := testDB(t)

	p := &Payment{
		ID: "p1", ThreadID: "t1", PayerID: "u1", PayeeID: "u2",
		Amount: 1250, Currency: "USD", Status: "pending",
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := db.CreatePayment(p); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdatePaymentStatus("p1", "confirmed", "0xabc"); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetPayment("p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "confirmed" || got.TxRef != "0xabc" {
		t.Errorf("payment = %+v", got)
	}
}
