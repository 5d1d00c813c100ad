package command

import (
	"encoding/json"

	"github.com/ggonzalez94/pactplay/internal/pact"
)

// Request is an unsigned, network and chain scoped execution request.
// It is immutable: accessors return copies and WithSigners derives a new
// value that keeps the original ID.
type Request struct {
	id        string
	code      string
	envData   map[string]any
	meta      pact.Meta
	networkID string
	nonce     string
	signers   []pact.Signer
}

// ID identifies one build. Rebuilding the same code yields a new ID.
func (r Request) ID() string            { return r.id }
func (r Request) Code() string          { return r.code }
func (r Request) Meta() pact.Meta       { return r.meta }
func (r Request) NetworkID() string     { return r.networkID }
func (r Request) ChainID() string       { return r.meta.ChainID }
func (r Request) Sender() string        { return r.meta.Sender }
func (r Request) Nonce() string         { return r.nonce }

// EnvData returns a deep copy.
func (r Request) EnvData() map[string]any { return cloneMap(r.envData) }

func (r Request) Signers() []pact.Signer {
	return cloneSigners(r.signers)
}

func (r Request) IsZero() bool { return r.id == "" }

// WithSigners returns a copy of r carrying signers.
func (r Request) WithSigners(signers []pact.Signer) Request {
	cp := r
	cp.envData = cloneMap(r.envData)
	cp.signers = cloneSigners(signers)
	return cp
}

// Command renders the Pact command document for r.
func (r Request) Command() pact.Command {
	signers := cloneSigners(r.signers)
	if signers == nil {
		signers = []pact.Signer{}
	}
	data := cloneMap(r.envData)
	if data == nil {
		data = map[string]any{}
	}
	return pact.Command{
		NetworkID: r.networkID,
		Payload:   pact.Payload{Exec: &pact.ExecPayload{Code: r.code, Data: data}},
		Signers:   signers,
		Meta:      r.meta,
		Nonce:     r.nonce,
	}
}

// Transaction serializes and hashes r with empty signature slots.
func (r Request) Transaction() (pact.Transaction, error) {
	return pact.NewTransaction(r.Command())
}

type requestView struct {
	ID        string         `json:"id"`
	NetworkID string         `json:"network_id"`
	Code      string         `json:"code"`
	EnvData   map[string]any `json:"env_data"`
	Meta      pact.Meta      `json:"meta"`
	Nonce     string         `json:"nonce"`
	Signers   []pact.Signer  `json:"signers"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(requestView{
		ID:        r.id,
		NetworkID: r.networkID,
		Code:      r.code,
		EnvData:   r.EnvData(),
		Meta:      r.meta,
		Nonce:     r.nonce,
		Signers:   r.Signers(),
	})
}

func cloneSigners(in []pact.Signer) []pact.Signer {
	if in == nil {
		return nil
	}
	out := make([]pact.Signer, len(in))
	for i, s := range in {
		out[i] = s
		if s.Caps != nil {
			caps := make([]pact.Capability, len(s.Caps))
			for j, c := range s.Caps {
				caps[j] = pact.Capability{Name: c.Name, Args: cloneSlice(c.Args)}
			}
			out[i].Caps = caps
		}
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneSlice(in []any) []any {
	if in == nil {
		return nil
	}
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		return cloneSlice(t)
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
