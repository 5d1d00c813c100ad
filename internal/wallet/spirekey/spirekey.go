// Package spirekey adapts a remote SpireKey-style signing service. A session
// is opened with /connect and must report ready before it can be queried.
package spirekey

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/ggonzalez94/pactplay/internal/command"
	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/httpx"
	"github.com/ggonzalez94/pactplay/internal/logger"
	"github.com/ggonzalez94/pactplay/internal/pact"
	"github.com/ggonzalez94/pactplay/internal/wallet"
)

const (
	Name = "spirekey"

	DefaultBaseURL       = "http://127.0.0.1:1337"
	DefaultChainID       = "5"
	DefaultReadyAttempts = 30
	DefaultReadyDelay    = time.Second

	statusRejected = "rejected"
)

type Config struct {
	BaseURL       string
	NetworkID     string
	ChainID       string
	ReadyAttempts uint
	ReadyDelay    time.Duration
}

type Adapter struct {
	cfg    Config
	client *httpx.Client
	prompt *httpx.Client
	pact   wallet.Sender
	lggr   logger.Logger
	now    func() time.Time

	mu      sync.RWMutex
	session *sessionView
}

type Option func(*Adapter)

func WithLogger(lggr logger.Logger) Option {
	return func(a *Adapter) { a.lggr = lggr }
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// New returns an adapter for the service at cfg.BaseURL. Connect and sign
// wait on the user and are bounded only by ctx.
func New(cfg Config, httpClient *httpx.Client, sender wallet.Sender, opts ...Option) *Adapter {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.ChainID) == "" {
		cfg.ChainID = DefaultChainID
	}
	if cfg.ReadyAttempts == 0 {
		cfg.ReadyAttempts = DefaultReadyAttempts
	}
	if cfg.ReadyDelay <= 0 {
		cfg.ReadyDelay = DefaultReadyDelay
	}
	a := &Adapter{
		cfg:    cfg,
		client: httpClient.NoRetry(),
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

func (a *Adapter) Detect(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := httpx.DoBodyJSON(ctx, a.client, http.MethodGet, a.cfg.BaseURL+"/health", nil, nil, nil)
	if err != nil {
		a.lggr.Debugw("health check failed", "err", err)
		return false
	}
	return true
}

func (a *Adapter) Connect(ctx context.Context) error {
	var opened connectResponse
	err := httpx.PostJSON(ctx, a.prompt, a.cfg.BaseURL+"/connect", connectRequest{
		NetworkID: a.cfg.NetworkID,
		ChainID:   a.cfg.ChainID,
	}, &opened)
	if err != nil {
		return mapRejection("connect", err)
	}
	if opened.Status == statusRejected {
		return clierr.New(clierr.CodeUserRejected, "spirekey connect: request rejected")
	}
	if strings.TrimSpace(opened.SessionID) == "" {
		return clierr.New(clierr.CodeRemote, "spirekey connect: response carried no session id")
	}

	view, err := a.waitReady(ctx, opened.SessionID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.session = &view
	a.mu.Unlock()
	a.lggr.Infow("connected", "account", view.AccountName, "chains", len(view.Chains))
	return nil
}

// waitReady polls the session until it reports ready. Nothing may be read
// from a session before that.
func (a *Adapter) waitReady(ctx context.Context, sessionID string) (sessionView, error) {
	endpoint := a.sessionURL(sessionID)
	var view sessionView
	err := retry.Do(func() error {
		var cur sessionView
		if _, err := httpx.DoBodyJSON(ctx, a.client, http.MethodGet, endpoint, nil, nil, &cur); err != nil {
			if clierr.HasCode(err, clierr.CodeCancelled) {
				return retry.Unrecoverable(err)
			}
			return err
		}
		if cur.Status == statusRejected {
			return retry.Unrecoverable(clierr.New(clierr.CodeUserRejected, "spirekey session rejected"))
		}
		if !cur.Ready {
			return errNotReady
		}
		view = cur
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(a.cfg.ReadyAttempts),
		retry.Delay(a.cfg.ReadyDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			a.lggr.Debugw("waiting for session", "attempt", attempt+1, "max", a.cfg.ReadyAttempts, "err", err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return sessionView{}, clierr.Wrap(clierr.CodeCancelled, "spirekey connect cancelled", ctx.Err())
		}
		if clierr.HasCode(err, clierr.CodeUserRejected) {
			return sessionView{}, err
		}
		return sessionView{}, clierr.Wrap(clierr.CodeNotConnected,
			fmt.Sprintf("spirekey session not ready after %d attempts", a.cfg.ReadyAttempts), err)
	}
	view.ID = sessionID
	view.Chains = wallet.NormalizeChains(view.Chains)
	return view, nil
}

func (a *Adapter) current() (*sessionView, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return nil, clierr.New(clierr.CodeNotConnected, "spirekey session is not ready")
	}
	return a.session, nil
}

func (a *Adapter) Accounts(ctx context.Context) ([]wallet.Account, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	return []wallet.Account{{Address: s.AccountName, Chains: append([]string(nil), s.Chains...)}}, nil
}

func (a *Adapter) PublicKey() string {
	s, err := a.current()
	if err != nil {
		return ""
	}
	if s.PublicKey != "" {
		return wallet.NormalizeKey(s.PublicKey)
	}
	return wallet.NormalizeKey(s.AccountName)
}

func (a *Adapter) Sign(ctx context.Context, req command.Request) (wallet.SignedPayload, error) {
	s, err := a.current()
	if err != nil {
		return wallet.SignedPayload{}, err
	}
	tx, err := wallet.EnsureSigners(req, a.PublicKey()).Transaction()
	if err != nil {
		return wallet.SignedPayload{}, clierr.Wrap(clierr.CodeInternal, "encode command", err)
	}

	var resp signResponse
	if err := httpx.PostJSON(ctx, a.prompt, a.sessionURL(s.ID)+"/sign", tx, &resp); err != nil {
		return wallet.SignedPayload{}, mapRejection("sign", err)
	}
	if resp.Status == statusRejected {
		return wallet.SignedPayload{}, clierr.New(clierr.CodeUserRejected, "spirekey sign: request rejected")
	}
	signed := resp.SignedCmd
	if signed.Hash != tx.Hash || signed.Cmd != tx.Cmd {
		return wallet.SignedPayload{}, clierr.New(clierr.CodeRemote, "spirekey returned a different command than the one requested")
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

func (a *Adapter) sessionURL(id string) string {
	return a.cfg.BaseURL + "/sessions/" + url.PathEscape(id)
}

// mapRejection turns an HTTP 403 from the service into UserRejected.
func mapRejection(op string, err error) error {
	if status, ok := httpx.RemoteStatus(err); ok && status == http.StatusForbidden {
		return clierr.Wrap(clierr.CodeUserRejected, "spirekey "+op+": request rejected", err)
	}
	return err
}

var errNotReady = clierr.New(clierr.CodeInternal, "session not ready")

type connectRequest struct {
	NetworkID string `json:"networkId"`
	ChainID   string `json:"chainId"`
}

type connectResponse struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status,omitempty"`
}

type sessionView struct {
	ID          string   `json:"-"`
	Ready       bool     `json:"ready"`
	Status      string   `json:"status,omitempty"`
	AccountName string   `json:"accountName"`
	PublicKey   string   `json:"publicKey"`
	Chains      []string `json:"chainIds"`
}

type signResponse struct {
	Status    string           `json:"status,omitempty"`
	SignedCmd pact.Transaction `json:"signedCmd"`
}
