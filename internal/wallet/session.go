package wallet

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggonzalez94/pactplay/internal/command"
	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/logger"
)

// Session owns the one adapter selected for this process.
//
// Sign and Send are not re-entrant. Callers must serialize them; a second
// call while one is outstanding fails with CodeBusy instead of queueing.
type Session struct {
	lggr          logger.Logger
	detectTimeout time.Duration

	mu        sync.Mutex
	active    Adapter
	connected bool

	busy atomic.Bool
}

type SessionOption func(*Session)

func WithLogger(lggr logger.Logger) SessionOption {
	return func(s *Session) { s.lggr = lggr }
}

func WithDetectTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.detectTimeout = d }
}

func NewSession(opts ...SessionOption) *Session {
	s := &Session{lggr: logger.Nop(), detectTimeout: DefaultDetectTimeout}
	for _, o := range opts {
		o(s)
	}
	s.lggr = s.lggr.Named("session")
	return s
}

// Initialize selects the first available candidate. A session can be
// initialized once; build a new Session to start over.
func (s *Session) Initialize(ctx context.Context, candidates []Adapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return clierr.New(clierr.CodeUsage, "session already initialized; create a new session")
	}
	a, err := SelectFirstAvailable(ctx, s.lggr, candidates, s.detectTimeout)
	if err != nil {
		return err
	}
	s.active = a
	return nil
}

func (s *Session) adapter() (Adapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, clierr.New(clierr.CodeNoActiveProvider, "no active provider; initialize the session first")
	}
	return s.active, nil
}

// Name returns the active adapter's name, "" when uninitialized.
func (s *Session) Name() string {
	a, err := s.adapter()
	if err != nil {
		return ""
	}
	return a.Name()
}

// Connect may be retried after a failure without re-running detection.
func (s *Session) Connect(ctx context.Context) error {
	a, err := s.adapter()
	if err != nil {
		return err
	}
	s.lggr.Infow("connecting", "adapter", a.Name())
	if err := a.Connect(ctx); err != nil {
		s.lggr.Warnw("connect failed", "adapter", a.Name(), "err", err)
		return err
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) Accounts(ctx context.Context) ([]Account, error) {
	a, err := s.adapter()
	if err != nil {
		return nil, err
	}
	return a.Accounts(ctx)
}

func (s *Session) PublicKey() (string, error) {
	a, err := s.adapter()
	if err != nil {
		return "", err
	}
	key := NormalizeKey(a.PublicKey())
	if key == "" {
		return "", clierr.New(clierr.CodeNotConnected, "provider has no connected account")
	}
	return key, nil
}

func (s *Session) Sign(ctx context.Context, req command.Request) (SignedPayload, error) {
	a, err := s.adapter()
	if err != nil {
		return SignedPayload{}, err
	}
	release, err := s.acquire("sign")
	if err != nil {
		return SignedPayload{}, err
	}
	defer release()
	s.lggr.Debugw("signing", "adapter", a.Name(), "request", req.ID())
	return a.Sign(ctx, req)
}

func (s *Session) Send(ctx context.Context, payload SignedPayload) (SubmissionRecord, error) {
	a, err := s.adapter()
	if err != nil {
		return SubmissionRecord{}, err
	}
	release, err := s.acquire("send")
	if err != nil {
		return SubmissionRecord{}, err
	}
	defer release()
	s.lggr.Debugw("sending", "adapter", a.Name(), "hash", payload.Hash)
	return a.Send(ctx, payload)
}

func (s *Session) acquire(op string) (func(), error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, clierr.New(clierr.CodeBusy, op+" called while another provider operation is outstanding")
	}
	return func() { s.busy.Store(false) }, nil
}
