package command

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/pact"
	"github.com/ggonzalez94/pactplay/internal/policy"
)

const (
	DefaultGasLimit int64 = 1000
	DefaultTTL      int64 = 28800

	nonceLayout = "2006-01-02T15:04:05.000Z07:00"
)

// DefaultGasPrice is 1e-8 KDA per unit of gas.
var DefaultGasPrice = decimal.New(1, -8)

// Overrides replaces individual defaults. Nil fields keep the default.
type Overrides struct {
	GasPrice     *decimal.Decimal
	GasLimit     *int64
	TTL          *int64
	CreationTime *int64
	Nonce        string
	Signers      []pact.Signer
}

type BuildInput struct {
	Sender    string
	ChainID   string
	NetworkID string
	Code      string
	EnvData   map[string]any
	Overrides *Overrides
}

type Builder struct {
	allowedNetworks []string
	now             func() time.Time
	newID           func() string
}

type Option func(*Builder)

func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

func WithIDSource(newID func() string) Option {
	return func(b *Builder) { b.newID = newID }
}

// NewBuilder returns a builder gated on allowedNetworks (test network id
// prefixes). An empty list uses policy.DefaultTestNetworkPrefixes.
func NewBuilder(allowedNetworks []string, opts ...Option) *Builder {
	b := &Builder{
		allowedNetworks: append([]string(nil), allowedNetworks...),
		now:             time.Now,
		newID:           uuid.NewString,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build validates in and returns an immutable Request. The network gate runs
// first so a disallowed network never reaches any other check.
func (b *Builder) Build(in BuildInput) (Request, error) {
	if err := policy.CheckNetworkAllowed(b.allowedNetworks, in.NetworkID); err != nil {
		return Request{}, clierr.AtStage(clierr.StageBuild, err)
	}
	if strings.TrimSpace(in.Code) == "" {
		return Request{}, buildUsage("pact code is required")
	}
	if strings.TrimSpace(in.Sender) == "" {
		return Request{}, buildUsage("sender is required")
	}
	if strings.TrimSpace(in.ChainID) == "" {
		return Request{}, buildUsage("chain id is required")
	}

	now := b.now().UTC()
	meta := pact.Meta{
		ChainID:      strings.TrimSpace(in.ChainID),
		Sender:       strings.TrimSpace(in.Sender),
		GasLimit:     DefaultGasLimit,
		GasPrice:     DefaultGasPrice,
		TTL:          DefaultTTL,
		CreationTime: now.Unix(),
	}
	nonce := now.Format(nonceLayout)
	var signers []pact.Signer

	if o := in.Overrides; o != nil {
		if o.GasPrice != nil {
			if o.GasPrice.Sign() <= 0 {
				return Request{}, buildUsage("gas price must be positive")
			}
			meta.GasPrice = *o.GasPrice
		}
		if o.GasLimit != nil {
			if *o.GasLimit <= 0 {
				return Request{}, buildUsage("gas limit must be positive")
			}
			meta.GasLimit = *o.GasLimit
		}
		if o.TTL != nil {
			if *o.TTL <= 0 {
				return Request{}, buildUsage("ttl must be positive")
			}
			meta.TTL = *o.TTL
		}
		if o.CreationTime != nil {
			meta.CreationTime = *o.CreationTime
		}
		if strings.TrimSpace(o.Nonce) != "" {
			nonce = strings.TrimSpace(o.Nonce)
		}
		signers = cloneSigners(o.Signers)
	}

	return Request{
		id:        b.newID(),
		code:      in.Code,
		envData:   cloneMap(in.EnvData),
		meta:      meta,
		networkID: strings.TrimSpace(in.NetworkID),
		nonce:     nonce,
		signers:   signers,
	}, nil
}

func buildUsage(msg string) error {
	return &clierr.Error{Code: clierr.CodeUsage, Stage: clierr.StageBuild, Message: msg}
}
