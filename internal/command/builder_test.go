package command

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/pact"
)

func fixedBuilder() *Builder {
	now := time.Date(2024, 5, 1, 12, 30, 0, 250_000_000, time.UTC)
	n := 0
	return NewBuilder(nil,
		WithClock(func() time.Time { return now }),
		WithIDSource(func() string {
			n++
			return "req-" + string(rune('0'+n))
		}),
	)
}

func baseInput() BuildInput {
	return BuildInput{
		Sender:    "k:abcd",
		ChainID:   "1",
		NetworkID: "testnet04",
		Code:      `(coin.details "k:abcd")`,
		EnvData:   map[string]any{"ks": map[string]any{"keys": []any{"abcd"}, "pred": "keys-all"}},
	}
}

func TestBuildAppliesDefaults(t *testing.T) {
	req, err := fixedBuilder().Build(baseInput())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	meta := req.Meta()
	if !meta.GasPrice.Equal(decimal.RequireFromString("0.00000001")) {
		t.Fatalf("unexpected gas price: %s", meta.GasPrice)
	}
	if meta.GasLimit != 1000 || meta.TTL != 28800 {
		t.Fatalf("unexpected gas limit/ttl: %d/%d", meta.GasLimit, meta.TTL)
	}
	if meta.CreationTime != time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC).Unix() {
		t.Fatalf("unexpected creation time: %d", meta.CreationTime)
	}
	if req.Nonce() != "2024-05-01T12:30:00.250Z" {
		t.Fatalf("unexpected nonce: %s", req.Nonce())
	}
	if req.ID() != "req-1" || req.NetworkID() != "testnet04" || req.ChainID() != "1" {
		t.Fatalf("unexpected request identity: %s %s %s", req.ID(), req.NetworkID(), req.ChainID())
	}
}

func TestBuildNetworkGate(t *testing.T) {
	in := baseInput()
	in.NetworkID = "mainnet01"
	_, err := fixedBuilder().Build(in)
	if !clierr.HasCode(err, clierr.CodeNetworkNotAllowed) {
		t.Fatalf("expected NetworkNotAllowed, got %v", err)
	}

	in.NetworkID = "testnet04"
	if _, err := fixedBuilder().Build(in); err != nil {
		t.Fatalf("expected testnet04 to build: %v", err)
	}
}

func TestBuildGateRunsBeforeOtherValidation(t *testing.T) {
	_, err := fixedBuilder().Build(BuildInput{NetworkID: "mainnet01"})
	if !clierr.HasCode(err, clierr.CodeNetworkNotAllowed) {
		t.Fatalf("expected NetworkNotAllowed even with empty input, got %v", err)
	}
}

func TestBuildOverrides(t *testing.T) {
	price := decimal.RequireFromString("0.000001")
	limit := int64(2500)
	ttl := int64(600)
	created := int64(1700000000)
	in := baseInput()
	in.Overrides = &Overrides{
		GasPrice:     &price,
		GasLimit:     &limit,
		TTL:          &ttl,
		CreationTime: &created,
		Nonce:        "custom-nonce",
		Signers:      []pact.Signer{{PubKey: "abcd"}},
	}
	req, err := fixedBuilder().Build(in)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	meta := req.Meta()
	if !meta.GasPrice.Equal(price) || meta.GasLimit != limit || meta.TTL != ttl || meta.CreationTime != created {
		t.Fatalf("overrides not applied: %+v", meta)
	}
	if req.Nonce() != "custom-nonce" || len(req.Signers()) != 1 {
		t.Fatalf("unexpected nonce/signers: %s %v", req.Nonce(), req.Signers())
	}

	bad := int64(0)
	in.Overrides = &Overrides{GasLimit: &bad}
	if _, err := fixedBuilder().Build(in); !clierr.HasCode(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error for zero gas limit, got %v", err)
	}
}

func TestBuildRequiresCodeSenderChain(t *testing.T) {
	for name, mutate := range map[string]func(*BuildInput){
		"code":   func(in *BuildInput) { in.Code = " " },
		"sender": func(in *BuildInput) { in.Sender = "" },
		"chain":  func(in *BuildInput) { in.ChainID = "" },
	} {
		in := baseInput()
		mutate(&in)
		if _, err := fixedBuilder().Build(in); !clierr.HasCode(err, clierr.CodeUsage) {
			t.Fatalf("%s: expected usage error, got %v", name, err)
		}
	}
}

func TestRequestIsImmutable(t *testing.T) {
	in := baseInput()
	req, err := fixedBuilder().Build(in)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	in.EnvData["ks"].(map[string]any)["pred"] = "keys-any"
	env := req.EnvData()
	env["ks"].(map[string]any)["pred"] = "mutated"
	if got := req.EnvData()["ks"].(map[string]any)["pred"]; got != "keys-all" {
		t.Fatalf("request env data leaked a mutation: %v", got)
	}

	signed := req.WithSigners([]pact.Signer{{PubKey: "abcd"}})
	if len(req.Signers()) != 0 {
		t.Fatal("WithSigners mutated the original request")
	}
	if signed.ID() != req.ID() {
		t.Fatal("WithSigners must keep the request id")
	}
}

func TestRequestTransactionCarriesSignerSlots(t *testing.T) {
	req, _ := fixedBuilder().Build(baseInput())
	tx, err := req.WithSigners([]pact.Signer{{PubKey: "abcd"}}).Transaction()
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
	if len(tx.Sigs) != 1 {
		t.Fatalf("expected one sig slot, got %d", len(tx.Sigs))
	}
	if !strings.Contains(tx.Cmd, `"networkId":"testnet04"`) || !strings.Contains(tx.Cmd, `"pubKey":"abcd"`) {
		t.Fatalf("unexpected cmd: %s", tx.Cmd)
	}

	empty, err := req.Transaction()
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
	if !strings.Contains(empty.Cmd, `"signers":[]`) {
		t.Fatalf("expected empty signers array: %s", empty.Cmd)
	}
}
