// Package ecko adapts an eckoWALLET-style injected provider reached through a
// JSON-RPC bridge ({method, params} posted to one URL).
package ecko

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ggonzalez94/pactplay/internal/command"
	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/httpx"
	"github.com/ggonzalez94/pactplay/internal/logger"
	"github.com/ggonzalez94/pactplay/internal/pact"
	"github.com/ggonzalez94/pactplay/internal/wallet"
)

const (
	Name = "ecko"

	DefaultBridgeURL      = "http://127.0.0.1:9467/rpc"
	DefaultDetectInterval = 200 * time.Millisecond

	methodCheckStatus      = "kda_checkStatus"
	methodConnect          = "kda_connect"
	methodRequestAccount   = "kda_requestAccount"
	methodGetActiveAccount = "kda_getActiveAccount"
	methodRequestSign      = "kda_requestSign"

	statusSuccess = "success"
	statusFail    = "fail"
	typeCancelled = "userCancelled"
)

type Config struct {
	BridgeURL      string
	NetworkID      string
	Chains         []string
	DetectInterval time.Duration
}

type Adapter struct {
	cfg    Config
	bridge *httpx.Client
	prompt *httpx.Client
	pact   wallet.Sender
	lggr   logger.Logger
	now    func() time.Time

	mu        sync.RWMutex
	account   string
	publicKey string
	connected bool
}

type Option func(*Adapter)

func WithLogger(lggr logger.Logger) Option {
	return func(a *Adapter) { a.lggr = lggr }
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// New returns an adapter talking to the bridge through httpClient. Bridge
// calls are never retried. Calls that may wait on the user are bounded only
// by ctx; kda_checkStatus keeps the client timeout.
func New(cfg Config, httpClient *httpx.Client, sender wallet.Sender, opts ...Option) *Adapter {
	if strings.TrimSpace(cfg.BridgeURL) == "" {
		cfg.BridgeURL = DefaultBridgeURL
	}
	if cfg.DetectInterval <= 0 {
		cfg.DetectInterval = DefaultDetectInterval
	}
	cfg.Chains = wallet.NormalizeChains(cfg.Chains)
	a := &Adapter{
		cfg:    cfg,
		bridge: httpClient.NoRetry(),
		prompt: httpClient.NoRetry().WithoutTimeout(),
		pact:   sender,
		lggr:   logger.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	a.lggr = a.lggr.Named(Name)
	return a
}

func (a *Adapter) Name() string { return Name }

// Detect polls kda_checkStatus every DetectInterval until the bridge answers
// or timeout elapses. Any answer, connected or not, means the provider exists.
func (a *Adapter) Detect(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(a.cfg.DetectInterval)
	defer ticker.Stop()
	for {
		var resp bridgeResponse
		err := a.call(ctx, methodCheckStatus, networkParams{NetworkID: a.cfg.NetworkID}, &resp)
		if err == nil {
			a.lggr.Debugw("bridge answered", "status", resp.Status)
			return true
		}
		a.lggr.Debugw("bridge not ready", "err", err)
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (a *Adapter) Connect(ctx context.Context) error {
	var resp bridgeResponse
	if err := a.call(ctx, methodConnect, networkParams{NetworkID: a.cfg.NetworkID}, &resp); err != nil {
		return err
	}
	if err := resp.err("connect"); err != nil {
		return err
	}

	acct, err := a.resolveAccount(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.account = acct.Account
	a.publicKey = wallet.NormalizeKey(acct.PublicKey)
	a.connected = true
	a.mu.Unlock()
	a.lggr.Infow("connected", "account", acct.Account)
	return nil
}

// resolveAccount asks kda_requestAccount first and falls back to
// kda_getActiveAccount when the wallet does not report a usable account.
func (a *Adapter) resolveAccount(ctx context.Context) (bridgeAccount, error) {
	var resp accountResponse
	err := a.call(ctx, methodRequestAccount, networkParams{NetworkID: a.cfg.NetworkID}, &resp)
	switch {
	case err != nil:
		a.lggr.Warnw("request account failed, falling back to active account", "err", err)
	case resp.Type == typeCancelled:
		return bridgeAccount{}, resp.err("request account")
	case resp.Status == statusSuccess && resp.Wallet.usable():
		return resp.Wallet, nil
	}

	var active activeAccountResponse
	if err := a.call(ctx, methodGetActiveAccount, networkParams{NetworkID: a.cfg.NetworkID}, &active); err != nil {
		return bridgeAccount{}, err
	}
	if err := active.err("get active account"); err != nil {
		return bridgeAccount{}, err
	}
	acct := active.account()
	if !acct.usable() {
		return bridgeAccount{}, clierr.New(clierr.CodeNotConnected, "wallet did not report a public key for the active account")
	}
	return acct, nil
}

func (a *Adapter) Accounts(ctx context.Context) ([]wallet.Account, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return nil, clierr.New(clierr.CodeNotConnected, "ecko wallet is not connected")
	}
	chains := append([]string(nil), a.cfg.Chains...)
	return []wallet.Account{{Address: a.account, Chains: chains}}, nil
}

func (a *Adapter) PublicKey() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.publicKey
}

func (a *Adapter) Sign(ctx context.Context, req command.Request) (wallet.SignedPayload, error) {
	key := a.PublicKey()
	if key == "" {
		return wallet.SignedPayload{}, clierr.New(clierr.CodeNotConnected, "ecko wallet is not connected")
	}
	tx, err := wallet.EnsureSigners(req, key).Transaction()
	if err != nil {
		return wallet.SignedPayload{}, clierr.Wrap(clierr.CodeInternal, "encode command", err)
	}

	var resp signResponse
	params := signParams{NetworkID: req.NetworkID(), SigningCmd: tx}
	if err := a.call(ctx, methodRequestSign, params, &resp); err != nil {
		return wallet.SignedPayload{}, err
	}
	if err := resp.err("sign"); err != nil {
		return wallet.SignedPayload{}, err
	}
	signed := resp.SignedCmd
	if signed.Cmd == "" {
		signed.Cmd = tx.Cmd
	}
	if signed.Hash == "" {
		signed.Hash = tx.Hash
	}
	if signed.Hash != tx.Hash || signed.Cmd != tx.Cmd {
		return wallet.SignedPayload{}, clierr.New(clierr.CodeRemote, "wallet returned a different command than the one requested")
	}
	a.lggr.Infow("signed", "request", req.ID(), "hash", tx.Hash)
	return wallet.SignedPayload{
		RequestID: req.ID(),
		NetworkID: req.NetworkID(),
		ChainID:   req.ChainID(),
		Cmd:       signed.Cmd,
		Hash:      signed.Hash,
		Sigs:      signed.Sigs,
	}, nil
}

func (a *Adapter) Send(ctx context.Context, payload wallet.SignedPayload) (wallet.SubmissionRecord, error) {
	a.lggr.Infow("sending", "hash", payload.Hash, "chain", payload.ChainID)
	return wallet.Broadcast(ctx, a.pact, Name, payload, a.now())
}

func (a *Adapter) call(ctx context.Context, method string, params, out any) error {
	client := a.prompt
	if method == methodCheckStatus {
		client = a.bridge
	}
	return httpx.PostJSON(ctx, client, a.cfg.BridgeURL, rpcRequest{Method: method, Params: params}, out)
}

type rpcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type networkParams struct {
	NetworkID string `json:"networkId"`
}

type signParams struct {
	NetworkID  string           `json:"networkId"`
	SigningCmd pact.Transaction `json:"signingCmd"`
}

type bridgeResponse struct {
	Status  string `json:"status"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

func (r bridgeResponse) err(op string) error {
	msg := strings.TrimSpace(r.Message)
	if msg == "" {
		msg = "request declined"
	}
	if r.Type == typeCancelled || r.Status == statusFail {
		return clierr.New(clierr.CodeUserRejected, "ecko "+op+": "+msg)
	}
	if r.Status != statusSuccess {
		return clierr.New(clierr.CodeRemote, "ecko "+op+": unexpected status "+r.Status)
	}
	return nil
}

type accountResponse struct {
	bridgeResponse
	Wallet bridgeAccount `json:"wallet"`
}

type activeAccountResponse struct {
	bridgeResponse
	Account *bridgeAccount `json:"account"`
	Result  *bridgeAccount `json:"result"`
}

func (r activeAccountResponse) err(op string) error {
	if r.Status == "" && (r.Account != nil || r.Result != nil) {
		return nil
	}
	return r.bridgeResponse.err(op)
}

func (r activeAccountResponse) account() bridgeAccount {
	if r.Account != nil {
		return *r.Account
	}
	if r.Result != nil {
		return *r.Result
	}
	return bridgeAccount{}
}

type signResponse struct {
	bridgeResponse
	SignedCmd pact.Transaction `json:"signedCmd"`
}

// bridgeAccount is reported either as a bare account string or as an object
// with the account name and public key.
type bridgeAccount struct {
	Account   string
	PublicKey string
}

func (b *bridgeAccount) UnmarshalJSON(buf []byte) error {
	trimmed := strings.TrimSpace(string(buf))
	if trimmed == "null" || trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(buf, &s); err != nil {
			return err
		}
		b.Account = strings.TrimSpace(s)
		b.PublicKey = keyFromAccount(b.Account)
		return nil
	}
	var obj struct {
		Account     string `json:"account"`
		AccountName string `json:"accountName"`
		PublicKey   string `json:"publicKey"`
	}
	if err := json.Unmarshal(buf, &obj); err != nil {
		return err
	}
	b.Account = strings.TrimSpace(obj.Account)
	if b.Account == "" {
		b.Account = strings.TrimSpace(obj.AccountName)
	}
	b.PublicKey = strings.TrimSpace(obj.PublicKey)
	if b.PublicKey == "" {
		b.PublicKey = keyFromAccount(b.Account)
	}
	return nil
}

func (b bridgeAccount) usable() bool {
	return b.Account != "" && b.PublicKey != ""
}

// keyFromAccount recovers the key of a single-key k: account.
func keyFromAccount(account string) string {
	if strings.HasPrefix(account, "k:") {
		return wallet.NormalizeKey(account)
	}
	return ""
}
