package balance

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/pactplay/internal/command"
	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/pact"
)

type stubQuerier struct {
	mu      sync.Mutex
	byChain map[string]func() (pact.CommandResult, error)
	codes   []string
}

func (s *stubQuerier) Local(ctx context.Context, networkID, chainID string, tx pact.Transaction) (pact.CommandResult, error) {
	cmd, err := pact.ParseCommand(tx.Cmd)
	if err != nil {
		return pact.CommandResult{}, err
	}
	s.mu.Lock()
	s.codes = append(s.codes, cmd.Payload.Exec.Code)
	s.mu.Unlock()
	return s.byChain[chainID]()
}

func ok(data string) func() (pact.CommandResult, error) {
	return func() (pact.CommandResult, error) {
		return pact.CommandResult{Result: pact.Result{Status: pact.StatusSuccess, Data: json.RawMessage(data)}}, nil
	}
}

func failure(msg string) func() (pact.CommandResult, error) {
	return func() (pact.CommandResult, error) {
		body, _ := json.Marshal(map[string]string{"message": msg})
		return pact.CommandResult{Result: pact.Result{Status: pact.StatusFailure, Error: body}}, nil
	}
}

func TestAggregateSumsChains(t *testing.T) {
	q := &stubQuerier{byChain: map[string]func() (pact.CommandResult, error){
		"0": ok(`10`),
		"1": ok(`{"decimal":"20.0"}`),
		"2": ok(`0`),
	}}
	res, err := New(q, command.NewBuilder(nil)).Aggregate(context.Background(), Query{
		Account: "k:abcd", NetworkID: "testnet04", Chains: []string{"2", "0", "1"},
	})
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if !res.Total.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("expected 30, got %s", res.Total)
	}
	if len(res.Chains) != 3 || res.Chains[0].ChainID != "0" || res.Chains[2].ChainID != "2" {
		t.Fatalf("unexpected chain order: %+v", res.Chains)
	}
	for _, code := range q.codes {
		if code != `(coin.get-balance "k:abcd")` {
			t.Fatalf("unexpected query code %s", code)
		}
	}
}

func TestAggregateFailsWhenAnyChainFails(t *testing.T) {
	q := &stubQuerier{byChain: map[string]func() (pact.CommandResult, error){
		"0": ok(`10`),
		"1": func() (pact.CommandResult, error) {
			return pact.CommandResult{}, clierr.New(clierr.CodeUnavailable, "connection reset")
		},
		"2": ok(`0`),
	}}
	_, err := New(q, command.NewBuilder(nil)).Aggregate(context.Background(), Query{
		Account: "k:abcd", NetworkID: "testnet04", Chains: []string{"0", "1", "2"},
	})
	if !clierr.HasCode(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "chain 1") {
		t.Fatalf("expected failing chain in error: %v", err)
	}
}

func TestRowNotFoundIsZero(t *testing.T) {
	q := &stubQuerier{byChain: map[string]func() (pact.CommandResult, error){
		"0": ok(`1.5`),
		"1": failure("with-read: row not found: k:abcd"),
	}}
	res, err := New(q, command.NewBuilder(nil)).Aggregate(context.Background(), Query{
		Account: "k:abcd", NetworkID: "testnet04", Chains: []string{"0", "1"},
	})
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if !res.Total.Equal(decimal.RequireFromString("1.5")) || res.Chains[1].Found {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestOtherPactFailureFails(t *testing.T) {
	q := &stubQuerier{byChain: map[string]func() (pact.CommandResult, error){
		"0": failure("Cannot resolve coin.get-balance"),
	}}
	_, err := New(q, command.NewBuilder(nil)).Aggregate(context.Background(), Query{
		Account: "k:abcd", NetworkID: "testnet04", Chains: []string{"0"},
	})
	if !clierr.HasCode(err, clierr.CodeRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestAggregateValidatesInput(t *testing.T) {
	a := New(&stubQuerier{}, command.NewBuilder(nil))
	if _, err := a.Aggregate(context.Background(), Query{NetworkID: "testnet04", Chains: []string{"0"}}); !clierr.HasCode(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error for empty account, got %v", err)
	}
	if _, err := a.Aggregate(context.Background(), Query{Account: `k:"x`, NetworkID: "testnet04", Chains: []string{"0"}}); !clierr.HasCode(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error for quoted account, got %v", err)
	}
	if _, err := a.Aggregate(context.Background(), Query{Account: "k:abcd", NetworkID: "mainnet01", Chains: []string{"0"}}); !clierr.HasCode(err, clierr.CodeNetworkNotAllowed) {
		t.Fatalf("expected network gate, got %v", err)
	}
}
