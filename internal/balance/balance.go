// Package balance sums an account's coin balance across chains.
package balance

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ggonzalez94/pactplay/internal/command"
	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/logger"
	"github.com/ggonzalez94/pactplay/internal/pact"
)

const DefaultConcurrency = 8

// Querier runs read-only commands.
type Querier interface {
	Local(ctx context.Context, networkID, chainID string, tx pact.Transaction) (pact.CommandResult, error)
}

type Query struct {
	Account   string
	NetworkID string
	Chains    []string
}

type ChainBalance struct {
	ChainID string          `json:"chain_id"`
	Balance decimal.Decimal `json:"balance"`
	// Found is false when the account has no row on the chain.
	Found bool `json:"found"`
}

type Result struct {
	Account   string          `json:"account"`
	NetworkID string          `json:"network_id"`
	Total     decimal.Decimal `json:"total"`
	Chains    []ChainBalance  `json:"chains"`
}

type Aggregator struct {
	querier     Querier
	builder     *command.Builder
	lggr        logger.Logger
	concurrency int
}

type Option func(*Aggregator)

func WithLogger(lggr logger.Logger) Option {
	return func(a *Aggregator) { a.lggr = lggr }
}

func WithConcurrency(n int) Option {
	return func(a *Aggregator) { a.concurrency = n }
}

func New(querier Querier, builder *command.Builder, opts ...Option) *Aggregator {
	a := &Aggregator{querier: querier, builder: builder, lggr: logger.Nop(), concurrency: DefaultConcurrency}
	for _, o := range opts {
		o(a)
	}
	if a.concurrency <= 0 {
		a.concurrency = DefaultConcurrency
	}
	a.lggr = a.lggr.Named("balance")
	return a
}

// Aggregate queries every chain concurrently and sums the results. If any
// chain fails the whole call fails and names each failing chain; a failed
// chain is never counted as zero.
func (a *Aggregator) Aggregate(ctx context.Context, q Query) (Result, error) {
	if err := validateAccount(q.Account); err != nil {
		return Result{}, err
	}
	if len(q.Chains) == 0 {
		return Result{}, clierr.New(clierr.CodeUsage, "no chains to query")
	}

	results := make([]ChainBalance, len(q.Chains))
	errs := make([]error, len(q.Chains))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, chainID := range q.Chains {
		g.Go(func() error {
			cb, err := a.ChainBalance(ctx, q.Account, q.NetworkID, chainID)
			results[i] = cb
			errs[i] = err
			return err
		})
	}
	_ = g.Wait()

	failed := make([]string, 0)
	var first error
	for i, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		a.lggr.Errorw("balance query failed", "chain", q.Chains[i], "err", err)
		failed = append(failed, fmt.Sprintf("chain %s: %v", q.Chains[i], err))
	}
	if len(failed) > 0 {
		code := clierr.CodeUnavailable
		if typed, ok := clierr.As(first); ok {
			code = typed.Code
		}
		return Result{}, clierr.Wrap(code,
			fmt.Sprintf("balance failed on %d of %d chains: %s", len(failed), len(q.Chains), strings.Join(failed, "; ")), first)
	}

	total := decimal.Zero
	for _, cb := range results {
		total = total.Add(cb.Balance)
	}
	sort.SliceStable(results, func(i, j int) bool { return chainLess(results[i].ChainID, results[j].ChainID) })
	return Result{Account: q.Account, NetworkID: q.NetworkID, Total: total, Chains: results}, nil
}

// ChainBalance reads coin.get-balance for account on one chain.
func (a *Aggregator) ChainBalance(ctx context.Context, account, networkID, chainID string) (ChainBalance, error) {
	req, err := a.builder.Build(command.BuildInput{
		Sender:    account,
		ChainID:   chainID,
		NetworkID: networkID,
		Code:      fmt.Sprintf(`(coin.get-balance "%s")`, account),
	})
	if err != nil {
		return ChainBalance{}, err
	}
	tx, err := req.Transaction()
	if err != nil {
		return ChainBalance{}, clierr.Wrap(clierr.CodeInternal, "encode balance query", err)
	}
	res, err := a.querier.Local(ctx, networkID, chainID, tx)
	if err != nil {
		return ChainBalance{}, err
	}
	switch res.Result.Status {
	case pact.StatusSuccess:
		bal, err := pact.ParseDecimal(res.Result.Data)
		if err != nil {
			return ChainBalance{}, clierr.Wrap(clierr.CodeRemote, "decode balance", err)
		}
		return ChainBalance{ChainID: chainID, Balance: bal, Found: true}, nil
	case pact.StatusFailure:
		msg := res.ErrorMessage()
		if strings.Contains(strings.ToLower(msg), "row not found") {
			return ChainBalance{ChainID: chainID, Balance: decimal.Zero}, nil
		}
		return ChainBalance{}, clierr.New(clierr.CodeRemote, "balance query failed: "+msg)
	default:
		return ChainBalance{}, clierr.New(clierr.CodeRemote, "balance query returned status "+res.Result.Status)
	}
}

func validateAccount(account string) error {
	if strings.TrimSpace(account) == "" {
		return clierr.New(clierr.CodeUsage, "account is required")
	}
	if strings.ContainsAny(account, "\"\\\n") {
		return clierr.New(clierr.CodeUsage, "account contains characters that cannot appear in a pact string")
	}
	return nil
}

func chainLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
