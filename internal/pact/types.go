package pact

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusPending = "pending"
)

// Meta is the public metadata block of a Pact command.
type Meta struct {
	ChainID      string
	Sender       string
	GasLimit     int64
	GasPrice     decimal.Decimal
	TTL          int64
	CreationTime int64
}

type wireMeta struct {
	ChainID      string      `json:"chainId"`
	Sender       string      `json:"sender"`
	GasLimit     int64       `json:"gasLimit"`
	GasPrice     json.Number `json:"gasPrice"`
	TTL          int64       `json:"ttl"`
	CreationTime int64       `json:"creationTime"`
}

// MarshalJSON renders gasPrice as a JSON number; Pact rejects quoted prices.
func (m Meta) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMeta{
		ChainID:      m.ChainID,
		Sender:       m.Sender,
		GasLimit:     m.GasLimit,
		GasPrice:     json.Number(m.GasPrice.String()),
		TTL:          m.TTL,
		CreationTime: m.CreationTime,
	})
}

func (m *Meta) UnmarshalJSON(buf []byte) error {
	var w wireMeta
	if err := json.Unmarshal(buf, &w); err != nil {
		return err
	}
	price := decimal.Zero
	if w.GasPrice != "" {
		p, err := decimal.NewFromString(w.GasPrice.String())
		if err != nil {
			return fmt.Errorf("meta gasPrice: %w", err)
		}
		price = p
	}
	*m = Meta{
		ChainID:      w.ChainID,
		Sender:       w.Sender,
		GasLimit:     w.GasLimit,
		GasPrice:     price,
		TTL:          w.TTL,
		CreationTime: w.CreationTime,
	}
	return nil
}

type Capability struct {
	Name string `json:"name"`
	Args []any  `json:"args"`
}

type Signer struct {
	PubKey  string       `json:"pubKey"`
	Scheme  string       `json:"scheme,omitempty"`
	Address string       `json:"address,omitempty"`
	Caps    []Capability `json:"clist,omitempty"`
}

type ExecPayload struct {
	Code string         `json:"code"`
	Data map[string]any `json:"data"`
}

type Payload struct {
	Exec *ExecPayload `json:"exec"`
}

// Command is the JSON document that gets hashed and signed.
type Command struct {
	NetworkID string   `json:"networkId"`
	Payload   Payload  `json:"payload"`
	Signers   []Signer `json:"signers"`
	Meta      Meta     `json:"meta"`
	Nonce     string   `json:"nonce"`
}

// Sig is one signature slot; a nil Sig marks a signer that has not signed.
type Sig struct {
	Sig *string `json:"sig"`
}

func NewSig(v string) Sig {
	return Sig{Sig: &v}
}

// Transaction is a serialized command with its hash and signature slots.
type Transaction struct {
	Cmd  string `json:"cmd"`
	Hash string `json:"hash"`
	Sigs []Sig  `json:"sigs"`
}

// Unsigned reports whether any signature slot is still empty.
func (t Transaction) Unsigned() bool {
	if len(t.Sigs) == 0 {
		return true
	}
	for _, s := range t.Sigs {
		if s.Sig == nil || *s.Sig == "" {
			return true
		}
	}
	return false
}

// HashCommand returns the unpadded base64url blake2b-256 digest of cmd.
func HashCommand(cmd string) string {
	sum := blake2b.Sum256([]byte(cmd))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// DecodeHash returns the raw digest bytes of a command hash.
func DecodeHash(hash string) ([]byte, error) {
	buf, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(hash, "="))
	if err != nil {
		return nil, fmt.Errorf("decode command hash: %w", err)
	}
	if len(buf) != blake2b.Size256 {
		return nil, fmt.Errorf("decode command hash: expected %d bytes, got %d", blake2b.Size256, len(buf))
	}
	return buf, nil
}

// NewTransaction serializes cmd and prepares one empty signature slot per signer.
func NewTransaction(cmd Command) (Transaction, error) {
	buf, err := json.Marshal(cmd)
	if err != nil {
		return Transaction{}, fmt.Errorf("encode pact command: %w", err)
	}
	raw := string(buf)
	return Transaction{
		Cmd:  raw,
		Hash: HashCommand(raw),
		Sigs: make([]Sig, len(cmd.Signers)),
	}, nil
}

// ParseCommand decodes the cmd string of a transaction.
func ParseCommand(raw string) (Command, error) {
	var cmd Command
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		return Command{}, fmt.Errorf("decode pact command: %w", err)
	}
	return cmd, nil
}

type Result struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// CommandResult is the response of /local, /poll and /listen for one request key.
type CommandResult struct {
	ReqKey       string          `json:"reqKey"`
	TxID         *int64          `json:"txId"`
	Result       Result          `json:"result"`
	Gas          int64           `json:"gas"`
	Logs         string          `json:"logs,omitempty"`
	MetaData     json.RawMessage `json:"metaData,omitempty"`
	Continuation json.RawMessage `json:"continuation,omitempty"`
	Events       json.RawMessage `json:"events,omitempty"`
}

// Terminal reports whether the result is final (success or failure).
func (r CommandResult) Terminal() bool {
	return r.Result.Status == StatusSuccess || r.Result.Status == StatusFailure
}

// ErrorMessage extracts a readable message from a failure result.
func (r CommandResult) ErrorMessage() string {
	if len(r.Result.Error) == 0 {
		return ""
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(r.Result.Error, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(r.Result.Error))
}

// ParseDecimal reads a Pact decimal which may be encoded as a bare number,
// {"decimal": "..."} or {"int": n}.
func ParseDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return decimal.Zero, fmt.Errorf("empty pact decimal")
	}
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return decimal.Zero, fmt.Errorf("decode pact decimal: %w", err)
		}
		for _, key := range []string{"decimal", "int"} {
			if v, ok := obj[key]; ok {
				return ParseDecimal(v)
			}
		}
		return decimal.Zero, fmt.Errorf("unsupported pact decimal object %s", trimmed)
	}
	trimmed = strings.Trim(trimmed, `"`)
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode pact decimal %q: %w", trimmed, err)
	}
	return d, nil
}
