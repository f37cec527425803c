package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brunodmn/offsync/internal/bus"
	"github.com/brunodmn/offsync/internal/cache"
	"github.com/brunodmn/offsync/internal/config"
	"github.com/brunodmn/offsync/internal/kv"
	"github.com/brunodmn/offsync/internal/lock"
	"github.com/brunodmn/offsync/internal/netmon"
	"github.com/brunodmn/offsync/internal/queue"
	"github.com/brunodmn/offsync/internal/remote"
	"github.com/brunodmn/offsync/internal/status"
	"github.com/brunodmn/offsync/internal/store"
	intsync "github.com/brunodmn/offsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// TestDaemonLifecycle wires the full stack against a stub remote API and
// drives one message from creation through connectivity detection to a
// confirmed remote upsert.
func TestDaemonLifecycle(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "offsync-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	var upserts atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/messages/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			upserts.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	lk, err := lock.Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(tmpDir, "offsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	kvStore, err := kv.Open(filepath.Join(tmpDir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = kvStore.Close() }()

	logger := zap.NewNop()
	b := bus.New()
	machine := status.NewMachine(b)
	_ = machine.Transition(status.Offline)

	client := remote.NewClient(srv.URL, time.Second, logger)
	q := queue.New(db, kvStore, client, client, b, logger, queue.Config{
		BatchSize:      5,
		MaxRetries:     3,
		AttemptTimeout: time.Second,
		Backoff:        []time.Duration{10 * time.Millisecond},
	})
	q.Start(context.Background())
	defer q.Stop()

	engine := intsync.New(db, q, client, kvStore, cache.New(time.Minute, 64), b, machine, logger, intsync.Options{
		UserID:        "u1",
		KeySalt:       "test-salt",
		DebounceQuiet: 20 * time.Millisecond,
	})
	engine.Start(context.Background())
	defer engine.Cleanup()

	monitor := netmon.New(client, b, logger, 50*time.Millisecond)
	monitor.Start(context.Background())
	defer monitor.Stop()

	// Created before the monitor's verdict lands, so it may buffer offline.
	m, err := engine.CreateMessage(context.Background(), intsync.CreateRequest{
		RecipientID: "u2",
		Plaintext:   "hello",
	})
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := db.GetMessage(m.ID)
		if got != nil && got.SyncStatus == store.SyncSynced {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	got, err := db.GetMessage(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != store.SyncSynced {
		t.Fatalf("sync status = %s, want synced", got.SyncStatus)
	}
	if upserts.Load() == 0 {
		t.Error("remote never saw the upsert")
	}
	if machine.Current() != status.Online {
		t.Errorf("state = %s, want ONLINE after probe", machine.Current())
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without
// executing constructors.
func TestFxModuleWiring(t *testing.T) {
	cfg := &config.Config{UserID: "u1", DataDir: t.TempDir()}

	if err := fx.ValidateApp(Module(cfg)); err != nil {
		t.Fatalf("fx graph does not resolve: %v", err)
	}
}
