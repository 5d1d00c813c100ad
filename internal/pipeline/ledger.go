package pipeline

import (
	"sort"
	"strings"
	"sync"

	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/wallet"
)

// Ledger records which payload hashes have been broadcast.
//
// Reserve claims a hash before the send; Commit stores the record once the
// node accepted it (and again when it reaches a terminal state); Release
// drops a reservation whose send failed. Reserve on a hash that is reserved
// or committed fails with CodeAlreadySubmitted.
type Ledger interface {
	Reserve(hash string) error
	Commit(rec wallet.SubmissionRecord) error
	Release(hash string) error
	Get(hash string) (wallet.SubmissionRecord, bool, error)
}

func alreadySubmitted(hash string) error {
	return clierr.New(clierr.CodeAlreadySubmitted, "payload "+hash+" was already submitted")
}

type memoryEntry struct {
	reserved bool
	record   wallet.SubmissionRecord
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: map[string]memoryEntry{}}
}

func (m *MemoryLedger) Reserve(hash string) error {
	if strings.TrimSpace(hash) == "" {
		return clierr.New(clierr.CodeUsage, "reserve: missing payload hash")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[hash]; ok {
		return alreadySubmitted(hash)
	}
	m.entries[hash] = memoryEntry{reserved: true}
	return nil
}

func (m *MemoryLedger) Commit(rec wallet.SubmissionRecord) error {
	if strings.TrimSpace(rec.Hash) == "" {
		return clierr.New(clierr.CodeUsage, "commit: missing payload hash")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[rec.Hash] = memoryEntry{record: rec}
	return nil
}

func (m *MemoryLedger) Release(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[hash]; ok && e.reserved {
		delete(m.entries, hash)
	}
	return nil
}

func (m *MemoryLedger) Get(hash string) (wallet.SubmissionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[hash]
	if !ok || e.reserved {
		return wallet.SubmissionRecord{}, false, nil
	}
	return e.record, true, nil
}

// List returns committed records, most recently updated first.
func (m *MemoryLedger) List(status wallet.Status, limit int) []wallet.SubmissionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wallet.SubmissionRecord, 0, len(m.entries))
	for _, e := range m.entries {
		if e.reserved || (status != "" && e.record.Status != status) {
			continue
		}
		out = append(out, e.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
