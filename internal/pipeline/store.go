package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/ggonzalez94/pactplay/internal/wallet"
)

const statusReserved = "reserved"

// Store is a sqlite Ledger shared by every invocation on this machine.
// Writes take a file lock so two invocations cannot both reserve a hash.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	lock *flock.Flock

	// lockWait bounds how long a write waits for another invocation.
	lockWait time.Duration
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS submissions (
			hash TEXT PRIMARY KEY,
			request_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			network_id TEXT NOT NULL DEFAULT '',
			chain_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB
		);`,
		"CREATE INDEX IF NOT EXISTS idx_submissions_request_key ON submissions(request_key);",
		"CREATE INDEX IF NOT EXISTS idx_submissions_status_updated ON submissions(status, updated_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init ledger schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath), lockWait: defaultLockWait}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const (
	defaultLockWait = 5 * time.Second
	lockRetryDelay  = 50 * time.Millisecond
)

func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), s.lockWait)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if errors.Is(err, context.DeadlineExceeded) || (err == nil && !locked) {
		return fmt.Errorf("lock ledger: timeout acquiring %s after %s", s.lock.Path(), s.lockWait)
	}
	if err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func (s *Store) Reserve(hash string) error {
	if strings.TrimSpace(hash) == "" {
		return fmt.Errorf("reserve: missing payload hash")
	}
	return s.withLock(func() error {
		now := time.Now().UTC().Unix()
		res, err := s.db.Exec(`
			INSERT INTO submissions (hash, status, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(hash) DO NOTHING
		`, hash, statusReserved, now, now)
		if err != nil {
			return fmt.Errorf("reserve payload: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reserve payload: %w", err)
		}
		if n == 0 {
			return alreadySubmitted(hash)
		}
		return nil
	})
}

func (s *Store) Commit(rec wallet.SubmissionRecord) error {
	if strings.TrimSpace(rec.Hash) == "" {
		return fmt.Errorf("commit: missing payload hash")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	createdUnix, _ := parseRFC3339Unix(rec.SubmittedAt)
	updatedUnix, _ := parseRFC3339Unix(rec.UpdatedAt)
	if createdUnix == 0 {
		createdUnix = time.Now().UTC().Unix()
	}
	if updatedUnix == 0 {
		updatedUnix = time.Now().UTC().Unix()
	}
	return s.withLock(func() error {
		_, err := s.db.Exec(`
			INSERT INTO submissions (hash, request_key, status, network_id, chain_id, created_at, updated_at, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(hash) DO UPDATE SET
				request_key=excluded.request_key,
				status=excluded.status,
				network_id=excluded.network_id,
				chain_id=excluded.chain_id,
				updated_at=excluded.updated_at,
				payload=excluded.payload
		`, rec.Hash, rec.RequestKey, string(rec.Status), rec.NetworkID, rec.ChainID, createdUnix, updatedUnix, payload)
		if err != nil {
			return fmt.Errorf("commit submission: %w", err)
		}
		return nil
	})
}

func (s *Store) Release(hash string) error {
	return s.withLock(func() error {
		if _, err := s.db.Exec("DELETE FROM submissions WHERE hash = ? AND status = ?", hash, statusReserved); err != nil {
			return fmt.Errorf("release reservation: %w", err)
		}
		return nil
	})
}

func (s *Store) Get(hash string) (wallet.SubmissionRecord, bool, error) {
	return s.getWhere("hash = ?", hash)
}

// GetByRequestKey finds a committed record by the key the node returned.
func (s *Store) GetByRequestKey(requestKey string) (wallet.SubmissionRecord, bool, error) {
	return s.getWhere("request_key = ?", requestKey)
}

func (s *Store) getWhere(cond string, arg string) (wallet.SubmissionRecord, bool, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM submissions WHERE "+cond+" AND status != ? LIMIT 1", arg, statusReserved).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return wallet.SubmissionRecord{}, false, nil
		}
		return wallet.SubmissionRecord{}, false, fmt.Errorf("read submission: %w", err)
	}
	var rec wallet.SubmissionRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return wallet.SubmissionRecord{}, false, fmt.Errorf("decode submission payload: %w", err)
	}
	return rec, true, nil
}

func (s *Store) List(status wallet.Status, limit int) ([]wallet.SubmissionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(string(status)) == "" {
		rows, err = s.db.Query("SELECT payload FROM submissions WHERE status != ? ORDER BY updated_at DESC LIMIT ?", statusReserved, limit)
	} else {
		rows, err = s.db.Query("SELECT payload FROM submissions WHERE status = ? ORDER BY updated_at DESC LIMIT ?", string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	out := make([]wallet.SubmissionRecord, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan submission row: %w", err)
		}
		var rec wallet.SubmissionRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode submission row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submission rows: %w", err)
	}
	return out, nil
}

func parseRFC3339Unix(v string) (int64, bool) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, false
	}
	return t.UTC().Unix(), true
}
