package pipeline

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"

	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/wallet"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(dir, "ledger.db"), filepath.Join(dir, "ledger.lock"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreReserveCommitGet(t *testing.T) {
	store := openTestStore(t, t.TempDir())

	if err := store.Reserve("h1"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := store.Reserve("h1"); !clierr.HasCode(err, clierr.CodeAlreadySubmitted) {
		t.Fatalf("expected already submitted for reserved hash, got %v", err)
	}
	if _, ok, _ := store.Get("h1"); ok {
		t.Fatal("a reservation must not be readable as a record")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	rec := wallet.SubmissionRecord{RequestKey: "rk1", Hash: "h1", NetworkID: "testnet04", ChainID: "1", Status: wallet.StatusPending, SubmittedAt: now, UpdatedAt: now}
	if err := store.Commit(rec); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	got, ok, err := store.GetByRequestKey("rk1")
	if err != nil || !ok || got.Hash != "h1" {
		t.Fatalf("GetByRequestKey: %+v ok=%v err=%v", got, ok, err)
	}

	rec.Status = wallet.StatusConfirmed
	if err := store.Commit(rec); err != nil {
		t.Fatalf("Commit update failed: %v", err)
	}
	confirmed, err := store.List(wallet.StatusConfirmed, 10)
	if err != nil || len(confirmed) != 1 {
		t.Fatalf("List: %v err=%v", confirmed, err)
	}
	if err := store.Release("h1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, ok, _ := store.Get("h1"); !ok {
		t.Fatal("Release must not drop a committed record")
	}
}

func TestStoreReleaseAllowsRetry(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	if err := store.Reserve("h2"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := store.Release("h2"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := store.Reserve("h2"); err != nil {
		t.Fatalf("Reserve after release failed: %v", err)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	first, err := OpenStore(filepath.Join(dir, "ledger.db"), filepath.Join(dir, "ledger.lock"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	if err := first.Reserve("h3"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := first.Commit(wallet.SubmissionRecord{RequestKey: "rk3", Hash: "h3", Status: wallet.StatusPending}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	_ = first.Close()

	second := openTestStore(t, dir)
	if err := second.Reserve("h3"); !clierr.HasCode(err, clierr.CodeAlreadySubmitted) {
		t.Fatalf("expected already submitted after reopen, got %v", err)
	}
	if _, err := second.List("", 0); err != nil {
		t.Fatalf("List failed: %v", err)
	}
}

func TestMemoryLedgerList(t *testing.T) {
	m := NewMemoryLedger()
	_ = m.Reserve("a")
	_ = m.Commit(wallet.SubmissionRecord{Hash: "b", Status: wallet.StatusConfirmed, UpdatedAt: "2024-01-02T00:00:00Z"})
	_ = m.Commit(wallet.SubmissionRecord{Hash: "c", Status: wallet.StatusPending, UpdatedAt: "2024-01-03T00:00:00Z"})
	all := m.List("", 0)
	if len(all) != 2 || all[0].Hash != "c" {
		t.Fatalf("unexpected list: %+v", all)
	}
	if got := m.List(wallet.StatusConfirmed, 1); len(got) != 1 || got[0].Hash != "b" {
		t.Fatalf("unexpected filtered list: %+v", got)
	}
}

func TestReserveGivesUpOnHeldLock(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)
	store.lockWait = 100 * time.Millisecond

	other := flock.New(filepath.Join(dir, "ledger.lock"))
	if err := other.Lock(); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer func() { _ = other.Unlock() }()

	err := store.Reserve("h1")
	if err == nil || !strings.Contains(err.Error(), "timeout acquiring") {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if err := other.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := store.Reserve("h1"); err != nil {
		t.Fatalf("Reserve after release failed: %v", err)
	}
}
