// Package localkey signs with an ed25519 key loaded from the environment, a
// hex key file or an encrypted keystore.
package localkey

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"sync"
	"time"

	"github.com/ggonzalez94/pactplay/internal/command"
	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/logger"
	"github.com/ggonzalez94/pactplay/internal/pact"
	"github.com/ggonzalez94/pactplay/internal/wallet"
)

const Name = "localkey"

type Config struct {
	Key    KeyConfig
	Chains []string
}

type Adapter struct {
	cfg  Config
	pact wallet.Sender
	lggr logger.Logger
	now  func() time.Time

	mu        sync.RWMutex
	key       ed25519.PrivateKey
	publicKey string
}

type Option func(*Adapter)

func WithLogger(lggr logger.Logger) Option {
	return func(a *Adapter) { a.lggr = lggr }
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

func New(cfg Config, sender wallet.Sender, opts ...Option) *Adapter {
	cfg.Chains = wallet.NormalizeChains(cfg.Chains)
	a := &Adapter{cfg: cfg, pact: sender, lggr: logger.Nop(), now: time.Now}
	for _, o := range opts {
		o(a)
	}
	a.lggr = a.lggr.Named(Name)
	return a
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Detect(ctx context.Context, timeout time.Duration) bool {
	return ctx.Err() == nil && a.cfg.Key.Configured()
}

// Connect loads and, for keystores, decrypts the key.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return clierr.Wrap(clierr.CodeCancelled, "connect cancelled", err)
	}
	key, err := LoadKey(a.cfg.Key)
	if err != nil {
		return clierr.Wrap(clierr.CodeNotConnected, "load local key", err)
	}
	pub := PublicKeyHex(key)
	a.mu.Lock()
	a.key = key
	a.publicKey = pub
	a.mu.Unlock()
	a.lggr.Infow("connected", "account", "k:"+pub)
	return nil
}

func (a *Adapter) Accounts(ctx context.Context) ([]wallet.Account, error) {
	pub := a.PublicKey()
	if pub == "" {
		return nil, clierr.New(clierr.CodeNotConnected, "local key is not loaded")
	}
	return []wallet.Account{{Address: "k:" + pub, Chains: append([]string(nil), a.cfg.Chains...)}}, nil
}

func (a *Adapter) PublicKey() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.publicKey
}

// Sign fills the signature slot of every signer that is this key. Slots of
// other signers stay empty.
func (a *Adapter) Sign(ctx context.Context, req command.Request) (wallet.SignedPayload, error) {
	a.mu.RLock()
	key, pub := a.key, a.publicKey
	a.mu.RUnlock()
	if key == nil {
		return wallet.SignedPayload{}, clierr.New(clierr.CodeNotConnected, "local key is not loaded")
	}
	if err := ctx.Err(); err != nil {
		return wallet.SignedPayload{}, clierr.Wrap(clierr.CodeCancelled, "sign cancelled", err)
	}

	signing := wallet.EnsureSigners(req, pub)
	tx, err := signing.Transaction()
	if err != nil {
		return wallet.SignedPayload{}, clierr.Wrap(clierr.CodeInternal, "encode command", err)
	}
	digest, err := pact.DecodeHash(tx.Hash)
	if err != nil {
		return wallet.SignedPayload{}, clierr.Wrap(clierr.CodeInternal, "decode command hash", err)
	}
	sig := hex.EncodeToString(ed25519.Sign(key, digest))

	matched := 0
	for i, s := range signing.Signers() {
		if wallet.NormalizeKey(s.PubKey) == pub {
			tx.Sigs[i] = pact.NewSig(sig)
			matched++
		}
	}
	if matched == 0 {
		return wallet.SignedPayload{}, clierr.New(clierr.CodeUsage, "request has no signer for the local key")
	}
	a.lggr.Infow("signed", "request", req.ID(), "hash", tx.Hash)
	return wallet.SignedPayload{
		RequestID: req.ID(),
		NetworkID: req.NetworkID(),
		ChainID:   req.ChainID(),
		Cmd:       tx.Cmd,
		Hash:      tx.Hash,
		Sigs:      tx.Sigs,
	}, nil
}

func (a *Adapter) Send(ctx context.Context, payload wallet.SignedPayload) (wallet.SubmissionRecord, error) {
	a.lggr.Infow("sending", "hash", payload.Hash, "chain", payload.ChainID)
	return wallet.Broadcast(ctx, a.pact, Name, payload, a.now())
}
