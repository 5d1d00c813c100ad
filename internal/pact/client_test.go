package pact

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/httpx"
)

func testCommand() Command {
	return Command{
		NetworkID: "testnet04",
		Payload:   Payload{Exec: &ExecPayload{Code: "(+ 1 2)", Data: map[string]any{}}},
		Signers:   []Signer{{PubKey: "abcd"}},
		Meta: Meta{
			ChainID:      "1",
			Sender:       "k:abcd",
			GasLimit:     1000,
			GasPrice:     decimal.RequireFromString("0.00000001"),
			TTL:          28800,
			CreationTime: 1700000000,
		},
		Nonce: "2023-11-14T22:13:20Z",
	}
}

func TestEndpointShape(t *testing.T) {
	c := New(httpx.New(time.Second, 0), "https://api.example.test/chainweb/0.0/")
	got := c.Endpoint("testnet04", "5", "poll")
	want := "https://api.example.test/chainweb/0.0/testnet04/chain/5/pact/api/v1/poll"
	if got != want {
		t.Fatalf("unexpected endpoint: %s", got)
	}
}

func TestNewTransactionHashesCommand(t *testing.T) {
	tx, err := NewTransaction(testCommand())
	if err != nil {
		t.Fatalf("NewTransaction failed: %v", err)
	}
	if tx.Hash != HashCommand(tx.Cmd) {
		t.Fatalf("hash does not match cmd")
	}
	if len(tx.Sigs) != 1 || tx.Sigs[0].Sig != nil {
		t.Fatalf("expected one empty signature slot, got %#v", tx.Sigs)
	}
	if !strings.Contains(tx.Cmd, `"gasPrice":0.00000001`) {
		t.Fatalf("expected numeric gas price in cmd: %s", tx.Cmd)
	}
	raw, err := DecodeHash(tx.Hash)
	if err != nil || len(raw) != 32 {
		t.Fatalf("expected 32 byte digest, got %d %v", len(raw), err)
	}

	parsed, err := ParseCommand(tx.Cmd)
	if err != nil {
		t.Fatalf("ParseCommand failed: %v", err)
	}
	if !parsed.Meta.GasPrice.Equal(decimal.RequireFromString("0.00000001")) {
		t.Fatalf("unexpected parsed gas price: %s", parsed.Meta.GasPrice)
	}
}

func TestLocalDisablesSignatureVerificationForUnsigned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/testnet04/chain/1/pact/api/v1/local" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("signatureVerification") != "false" {
			t.Errorf("expected signatureVerification=false, got %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"reqKey":"k1","result":{"status":"success","data":3},"gas":7}`))
	}))
	defer srv.Close()

	tx, _ := NewTransaction(testCommand())
	res, err := New(httpx.New(time.Second, 0), srv.URL).Local(context.Background(), "testnet04", "1", tx)
	if err != nil {
		t.Fatalf("Local failed: %v", err)
	}
	if res.Result.Status != StatusSuccess || string(res.Result.Data) != "3" || res.Gas != 7 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSendUsesCmdsEnvelopeAndNeverRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		body, _ := io.ReadAll(r.Body)
		var req map[string][]map[string]any
		if err := json.Unmarshal(body, &req); err != nil || len(req["cmds"]) != 1 {
			t.Errorf("unexpected send body: %s", string(body))
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tx, _ := NewTransaction(testCommand())
	_, err := New(httpx.New(time.Second, 3), srv.URL).Send(context.Background(), "testnet04", "1", tx)
	if !clierr.HasCode(err, clierr.CodeRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single send attempt, got %d", calls)
	}
}

func TestSendAcceptsBareRequestKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"requestKey":"rk-1"}`))
	}))
	defer srv.Close()

	tx, _ := NewTransaction(testCommand())
	key, err := New(httpx.New(time.Second, 0), srv.URL).Send(context.Background(), "testnet04", "1", tx)
	if err != nil || key != "rk-1" {
		t.Fatalf("unexpected send result: %q %v", key, err)
	}
}

func TestPollEmptyMeansPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	out, err := New(httpx.New(time.Second, 0), srv.URL).Poll(context.Background(), "testnet04", "1", []string{"rk-1"})
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty poll result, got %#v", out)
	}
}

func TestListenSendsListenKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["listen"] != "rk-9" {
			t.Errorf("unexpected listen body: %#v", req)
		}
		_, _ = w.Write([]byte(`{"reqKey":"rk-9","result":{"status":"failure","error":{"message":"boom"}}}`))
	}))
	defer srv.Close()

	res, err := New(httpx.New(time.Second, 0), srv.URL).Listen(context.Background(), "testnet04", "1", "rk-9")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if !res.Terminal() || res.ErrorMessage() != "boom" {
		t.Fatalf("unexpected listen result: %+v", res)
	}
}

func TestParseDecimalShapes(t *testing.T) {
	cases := map[string]string{
		`10`:                   "10",
		`12.5`:                 "12.5",
		`{"decimal":"0.0001"}`: "0.0001",
		`{"int":42}`:           "42",
	}
	for in, want := range cases {
		got, err := ParseDecimal(json.RawMessage(in))
		if err != nil {
			t.Fatalf("ParseDecimal(%s) failed: %v", in, err)
		}
		if !got.Equal(decimal.RequireFromString(want)) {
			t.Fatalf("ParseDecimal(%s) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseDecimal(json.RawMessage(`"abc"`)); err == nil {
		t.Fatal("expected error for non-numeric input")
	}
}
