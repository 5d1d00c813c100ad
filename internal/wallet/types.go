package wallet

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ggonzalez94/pactplay/internal/command"
	"github.com/ggonzalez94/pactplay/internal/pact"
)

// Adapter normalizes one signing provider behind a uniform contract.
//
// Detect is the only method that turns provider absence into a plain false;
// every other method reports failures as typed errors. Send performs exactly
// one broadcast and never retries.
type Adapter interface {
	Name() string
	Detect(ctx context.Context, timeout time.Duration) bool
	Connect(ctx context.Context) error
	Accounts(ctx context.Context) ([]Account, error)
	// PublicKey is the canonical key of the connected account, "" before Connect.
	PublicKey() string
	Sign(ctx context.Context, req command.Request) (SignedPayload, error)
	Send(ctx context.Context, payload SignedPayload) (SubmissionRecord, error)
}

type Account struct {
	Address string   `json:"address"`
	Chains  []string `json:"chains"`
}

// SignedPayload is produced once per request by a successful Sign. Only the
// adapter that produced it and the broadcast step look inside.
type SignedPayload struct {
	RequestID string     `json:"request_id"`
	NetworkID string     `json:"network_id"`
	ChainID   string     `json:"chain_id"`
	Cmd       string     `json:"cmd"`
	Hash      string     `json:"hash"`
	Sigs      []pact.Sig `json:"sigs"`
}

func (p SignedPayload) Transaction() pact.Transaction {
	sigs := make([]pact.Sig, len(p.Sigs))
	copy(sigs, p.Sigs)
	return pact.Transaction{Cmd: p.Cmd, Hash: p.Hash, Sigs: sigs}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

type SubmissionRecord struct {
	RequestKey  string              `json:"request_key"`
	Hash        string              `json:"hash"`
	NetworkID   string              `json:"network_id"`
	ChainID     string              `json:"chain_id"`
	Provider    string              `json:"provider,omitempty"`
	Status      Status              `json:"status"`
	Result      *pact.CommandResult `json:"result,omitempty"`
	SubmittedAt string              `json:"submitted_at"`
	UpdatedAt   string              `json:"updated_at"`
}

func (r SubmissionRecord) Terminal() bool {
	return r.Status == StatusConfirmed || r.Status == StatusFailed
}

// NewPendingRecord builds the record for a payload the network just accepted.
func NewPendingRecord(provider string, payload SignedPayload, requestKey string, now time.Time) SubmissionRecord {
	ts := now.UTC().Format(time.RFC3339)
	return SubmissionRecord{
		RequestKey:  requestKey,
		Hash:        payload.Hash,
		NetworkID:   payload.NetworkID,
		ChainID:     payload.ChainID,
		Provider:    provider,
		Status:      StatusPending,
		SubmittedAt: ts,
		UpdatedAt:   ts,
	}
}

// NormalizeKey strips a single-letter account scheme tag such as "k:" or "r:"
// so keys from different providers compare equal.
func NormalizeKey(key string) string {
	k := strings.TrimSpace(key)
	if len(k) >= 2 && k[1] == ':' && isASCIILetter(k[0]) {
		return k[2:]
	}
	return k
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// ChainRange returns chain ids "0".."n-1".
func ChainRange(n int) []string {
	if n <= 0 {
		return []string{}
	}
	out := make([]string, n)
	for i := range out {
		out[i] = strconv.Itoa(i)
	}
	return out
}

// NormalizeChains trims, dedupes and orders chain ids numerically where possible.
func NormalizeChains(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		v := strings.TrimSpace(c)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, errA := strconv.Atoi(out[i])
		b, errB := strconv.Atoi(out[j])
		if errA == nil && errB == nil {
			return a < b
		}
		if errA == nil {
			return true
		}
		if errB == nil {
			return false
		}
		return out[i] < out[j]
	})
	return out
}

// DefaultSigners returns the signer list used when a request carries none.
func DefaultSigners(publicKey string) []pact.Signer {
	return []pact.Signer{{PubKey: NormalizeKey(publicKey)}}
}

// EnsureSigners returns req unchanged when it already has signers, otherwise a
// copy carrying a single signer for publicKey.
func EnsureSigners(req command.Request, publicKey string) command.Request {
	if len(req.Signers()) > 0 {
		return req
	}
	return req.WithSigners(DefaultSigners(publicKey))
}
