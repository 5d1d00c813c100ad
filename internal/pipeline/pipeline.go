// Package pipeline drives a request through dry run, signing, broadcast and
// confirmation, enforcing single signing per request and single broadcast
// per payload.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggonzalez94/pactplay/internal/command"
	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/logger"
	"github.com/ggonzalez94/pactplay/internal/pact"
	"github.com/ggonzalez94/pactplay/internal/policy"
	"github.com/ggonzalez94/pactplay/internal/wallet"
)

const DefaultPollInterval = 3 * time.Second

type Mode string

const (
	ModePoll   Mode = "poll"
	ModeListen Mode = "listen"
)

func ParseMode(v string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(v))) {
	case "", ModePoll:
		return ModePoll, nil
	case ModeListen:
		return ModeListen, nil
	default:
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported confirmation mode %q (expected poll|listen)", v))
	}
}

// Chain is the read side of the Pact API.
type Chain interface {
	Local(ctx context.Context, networkID, chainID string, tx pact.Transaction) (pact.CommandResult, error)
	Poll(ctx context.Context, networkID, chainID string, keys []string) (map[string]pact.CommandResult, error)
	Listen(ctx context.Context, networkID, chainID, key string) (pact.CommandResult, error)
}

// Signer is the wallet session surface the pipeline needs.
type Signer interface {
	Name() string
	PublicKey() (string, error)
	Sign(ctx context.Context, req command.Request) (wallet.SignedPayload, error)
	Send(ctx context.Context, payload wallet.SignedPayload) (wallet.SubmissionRecord, error)
}

// Clock lets tests drive the poll loop without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type Pipeline struct {
	chain           Chain
	signer          Signer
	ledger          Ledger
	lggr            logger.Logger
	clock           Clock
	pollInterval    time.Duration
	confirmTimeout  time.Duration
	allowedNetworks []string

	mu     sync.Mutex
	signed map[string]struct{}
}

type Option func(*Pipeline)

func WithLogger(lggr logger.Logger) Option {
	return func(p *Pipeline) { p.lggr = lggr }
}

func WithClock(c Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.pollInterval = d }
}

// WithConfirmTimeout bounds AwaitConfirmation. Zero waits until cancelled.
func WithConfirmTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.confirmTimeout = d }
}

// WithAllowedNetworks sets the test network prefixes accepted for dry runs
// and broadcasts.
func WithAllowedNetworks(prefixes []string) Option {
	return func(p *Pipeline) { p.allowedNetworks = append([]string(nil), prefixes...) }
}

func New(chain Chain, signer Signer, ledger Ledger, opts ...Option) *Pipeline {
	p := &Pipeline{
		chain:        chain,
		signer:       signer,
		ledger:       ledger,
		lggr:         logger.Nop(),
		clock:        realClock{},
		pollInterval: DefaultPollInterval,
		signed:       map[string]struct{}{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.ledger == nil {
		p.ledger = NewMemoryLedger()
	}
	if p.pollInterval <= 0 {
		p.pollInterval = DefaultPollInterval
	}
	p.lggr = p.lggr.Named("pipeline")
	return p
}

// ExecuteLocally dry runs req through /local. It never broadcasts and does
// not count as signing.
func (p *Pipeline) ExecuteLocally(ctx context.Context, req command.Request) (pact.CommandResult, error) {
	if req.IsZero() {
		return pact.CommandResult{}, stageUsage(clierr.StageLocal, "request is empty")
	}
	if err := policy.CheckNetworkAllowed(p.allowedNetworks, req.NetworkID()); err != nil {
		return pact.CommandResult{}, clierr.AtStage(clierr.StageLocal, err)
	}
	tx, err := req.Transaction()
	if err != nil {
		return pact.CommandResult{}, clierr.AtStage(clierr.StageLocal, err)
	}
	p.lggr.Debugw("local", "request", req.ID(), "network", req.NetworkID(), "chain", req.ChainID())
	res, err := p.chain.Local(ctx, req.NetworkID(), req.ChainID(), tx)
	if err != nil {
		p.lggr.Warnw("local failed", "request", req.ID(), "err", err)
		return pact.CommandResult{}, clierr.AtStage(clierr.StageLocal, err)
	}
	return res, nil
}

// Sign signs req at most once. A request without signers is signed as a copy
// carrying the session's public key; req itself is not modified.
func (p *Pipeline) Sign(ctx context.Context, req command.Request) (wallet.SignedPayload, error) {
	if req.IsZero() {
		return wallet.SignedPayload{}, stageUsage(clierr.StageSign, "request is empty")
	}
	if p.alreadySigned(req.ID()) {
		return wallet.SignedPayload{}, alreadySigned(req.ID())
	}

	signing := req
	if len(req.Signers()) == 0 {
		pub, err := p.signer.PublicKey()
		if err != nil {
			return wallet.SignedPayload{}, clierr.AtStage(clierr.StageSign, err)
		}
		signing = wallet.EnsureSigners(req, pub)
	}

	// The id is claimed only once the signing call is certain to run, so a
	// precondition failure such as an unconnected provider leaves req usable.
	p.mu.Lock()
	if _, ok := p.signed[req.ID()]; ok {
		p.mu.Unlock()
		return wallet.SignedPayload{}, alreadySigned(req.ID())
	}
	p.signed[req.ID()] = struct{}{}
	p.mu.Unlock()

	payload, err := p.signer.Sign(ctx, signing)
	if err != nil {
		p.lggr.Warnw("sign failed", "request", req.ID(), "err", err)
		return wallet.SignedPayload{}, clierr.AtStage(clierr.StageSign, err)
	}
	p.lggr.Infow("signed", "request", req.ID(), "hash", payload.Hash)
	return payload, nil
}

func (p *Pipeline) alreadySigned(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.signed[id]
	return ok
}

func alreadySigned(id string) error {
	return &clierr.Error{
		Code:    clierr.CodeAlreadySigned,
		Stage:   clierr.StageSign,
		Message: "request " + id + " was already signed; build a new request",
	}
}

// Broadcast submits payload once. The ledger reservation makes a second
// attempt fail with CodeAlreadySubmitted, including across processes when
// the ledger is a Store.
func (p *Pipeline) Broadcast(ctx context.Context, payload wallet.SignedPayload) (wallet.SubmissionRecord, error) {
	if err := policy.CheckNetworkAllowed(p.allowedNetworks, payload.NetworkID); err != nil {
		return wallet.SubmissionRecord{}, clierr.AtStage(clierr.StageBroadcast, err)
	}
	if err := wallet.ValidatePayload(payload); err != nil {
		return wallet.SubmissionRecord{}, clierr.AtStage(clierr.StageBroadcast, err)
	}
	if err := p.ledger.Reserve(payload.Hash); err != nil {
		return wallet.SubmissionRecord{}, clierr.AtStage(clierr.StageBroadcast, err)
	}

	rec, err := p.signer.Send(ctx, payload)
	if err != nil {
		if rerr := p.ledger.Release(payload.Hash); rerr != nil {
			p.lggr.Errorw("release reservation failed", "hash", payload.Hash, "err", rerr)
		}
		p.lggr.Warnw("broadcast failed", "hash", payload.Hash, "err", err)
		return wallet.SubmissionRecord{}, clierr.AtStage(clierr.StageBroadcast, err)
	}
	if rec.Provider == "" {
		rec.Provider = p.signer.Name()
	}
	if err := p.ledger.Commit(rec); err != nil {
		p.lggr.Errorw("commit submission failed", "hash", payload.Hash, "request_key", rec.RequestKey, "err", err)
		return rec, clierr.AtStage(clierr.StageBroadcast, err)
	}
	p.lggr.Infow("broadcast", "hash", payload.Hash, "request_key", rec.RequestKey)
	return rec, nil
}

// AwaitConfirmation waits for a terminal result for rec. A failed on-chain
// result is returned as a StatusFailed record, not as an error.
func (p *Pipeline) AwaitConfirmation(ctx context.Context, rec wallet.SubmissionRecord, mode Mode) (wallet.SubmissionRecord, error) {
	if rec.Terminal() {
		return rec, nil
	}
	if strings.TrimSpace(rec.RequestKey) == "" {
		return rec, stageUsage(clierr.StageConfirm, "submission has no request key")
	}
	parent := ctx
	if p.confirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.confirmTimeout)
		defer cancel()
	}

	var (
		res pact.CommandResult
		err error
	)
	switch mode {
	case ModeListen:
		res, err = p.listen(ctx, rec)
	case ModePoll, "":
		res, err = p.poll(ctx, rec)
	default:
		return rec, stageUsage(clierr.StageConfirm, "unsupported confirmation mode "+string(mode))
	}
	if err != nil {
		return rec, p.confirmErr(parent, ctx, err)
	}

	rec.Result = &res
	rec.Status = wallet.StatusConfirmed
	if res.Result.Status != pact.StatusSuccess {
		rec.Status = wallet.StatusFailed
	}
	rec.UpdatedAt = p.clock.Now().UTC().Format(time.RFC3339)
	if err := p.ledger.Commit(rec); err != nil {
		return rec, clierr.AtStage(clierr.StageConfirm, err)
	}
	p.lggr.Infow("confirmed", "request_key", rec.RequestKey, "status", rec.Status)
	return rec, nil
}

func (p *Pipeline) poll(ctx context.Context, rec wallet.SubmissionRecord) (pact.CommandResult, error) {
	for {
		results, err := p.chain.Poll(ctx, rec.NetworkID, rec.ChainID, []string{rec.RequestKey})
		if err != nil {
			return pact.CommandResult{}, err
		}
		if res, ok := results[rec.RequestKey]; ok && res.Terminal() {
			return res, nil
		}
		p.lggr.Debugw("pending", "request_key", rec.RequestKey)
		select {
		case <-ctx.Done():
			return pact.CommandResult{}, ctx.Err()
		case <-p.clock.After(p.pollInterval):
		}
	}
}

func (p *Pipeline) listen(ctx context.Context, rec wallet.SubmissionRecord) (pact.CommandResult, error) {
	res, err := p.chain.Listen(ctx, rec.NetworkID, rec.ChainID, rec.RequestKey)
	if err != nil {
		return pact.CommandResult{}, err
	}
	if !res.Terminal() {
		return pact.CommandResult{}, clierr.New(clierr.CodeRemote, "listen returned a non-terminal result")
	}
	return res, nil
}

// confirmErr separates caller cancellation from the configured timeout.
func (p *Pipeline) confirmErr(parent, ctx context.Context, err error) error {
	if parent.Err() != nil {
		return &clierr.Error{Code: clierr.CodeCancelled, Stage: clierr.StageConfirm, Message: "confirmation wait cancelled", Cause: parent.Err()}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &clierr.Error{
			Code:    clierr.CodeUnavailable,
			Stage:   clierr.StageConfirm,
			Message: fmt.Sprintf("no confirmation within %s", p.confirmTimeout),
			Cause:   ctx.Err(),
		}
	}
	return clierr.AtStage(clierr.StageConfirm, err)
}

func stageUsage(stage clierr.Stage, msg string) error {
	return &clierr.Error{Code: clierr.CodeUsage, Stage: stage, Message: msg}
}
