package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ggonzalez94/pactplay/internal/logger"
)

const testSeed = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"
const testPublicKey = "d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a"

type fakeNode struct {
	sends     atomic.Int32
	localData string

	mu    sync.Mutex
	paths []string
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	n.paths = append(n.paths, r.URL.Path)
	n.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/pact/api/v1/local"):
		data := n.localData
		if data == "" {
			data = "3"
		}
		_, _ = w.Write([]byte(`{"reqKey":"local","txId":null,"gas":7,"result":{"status":"success","data":` + data + `}}`))
	case strings.HasSuffix(r.URL.Path, "/pact/api/v1/send"):
		n.sends.Add(1)
		var body struct {
			Cmds []struct {
				Hash string `json:"hash"`
			} `json:"cmds"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{"requestKeys": []string{body.Cmds[0].Hash}})
	case strings.HasSuffix(r.URL.Path, "/pact/api/v1/poll"):
		var body struct {
			RequestKeys []string `json:"requestKeys"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		key := body.RequestKeys[0]
		_, _ = w.Write([]byte(`{"` + key + `":{"reqKey":"` + key + `","txId":1,"gas":9,"result":{"status":"success","data":"Write succeeded"}}}`))
	default:
		http.NotFound(w, r)
	}
}

type harness struct {
	t    *testing.T
	node *fakeNode
	url  string
	dir  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_DATA_HOME", dir)
	t.Setenv("PACTPLAY_CONFIG", "")
	t.Setenv("PACTPLAY_PRIVATE_KEY", testSeed)
	t.Setenv("PACTPLAY_PRIVATE_KEY_FILE", "")
	t.Setenv("PACTPLAY_KEYSTORE_PATH", "")
	node := &fakeNode{}
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	return &harness{t: t, node: node, url: srv.URL, dir: dir}
}

func (h *harness) run(args ...string) (int, string, string) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	r.lggr = logger.Test(h.t)
	base := []string{"--api-url", h.url, "--providers", "localkey", "--poll-interval", "10ms", "--results-only"}
	code := r.Run(append(base, args...))
	return code, stdout.String(), stderr.String()
}

func decodeJSON(t *testing.T, raw string, out any) {
	t.Helper()
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		t.Fatalf("failed to parse output json: %v output=%s", err, raw)
	}
}

func TestTrimRootPath(t *testing.T) {
	if got := trimRootPath("pactplay presets save"); got != "presets save" {
		t.Fatalf("unexpected trim result: %s", got)
	}
}

func TestSplitCSV(t *testing.T) {
	items := splitCSV("0, 3 ,")
	if len(items) != 2 || items[0] != "0" || items[1] != "3" {
		t.Fatalf("unexpected split: %#v", items)
	}
}

func TestRunnerProvidersList(t *testing.T) {
	h := newHarness(t)
	code, stdout, stderr := h.run("providers", "list")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	var out []map[string]any
	decodeJSON(t, stdout, &out)
	if len(out) != 1 || out[0]["name"] != "localkey" || out[0]["status"] != "available" {
		t.Fatalf("unexpected providers output: %s", stdout)
	}
}

func TestRunnerNoProviderAvailable(t *testing.T) {
	h := newHarness(t)
	t.Setenv("PACTPLAY_PRIVATE_KEY", "")
	code, _, stderr := h.run("wallet", "accounts")
	if code != 20 {
		t.Fatalf("expected exit 20, got %d stderr=%s", code, stderr)
	}
	var env map[string]any
	decodeJSON(t, stderr, &env)
	errBody := env["error"].(map[string]any)
	if errBody["type"] != "provider_not_found" {
		t.Fatalf("unexpected error body: %v", errBody)
	}
}

func TestRunnerWalletAccounts(t *testing.T) {
	h := newHarness(t)
	code, stdout, stderr := h.run("wallet", "accounts")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	var out struct {
		Provider  string `json:"provider"`
		PublicKey string `json:"public_key"`
		Connected bool   `json:"connected"`
		Accounts  []struct {
			Address string   `json:"address"`
			Chains  []string `json:"chains"`
		} `json:"accounts"`
	}
	decodeJSON(t, stdout, &out)
	if out.Provider != "localkey" || out.PublicKey != testPublicKey || !out.Connected {
		t.Fatalf("unexpected wallet: %+v", out)
	}
	if len(out.Accounts) != 1 || out.Accounts[0].Address != "k:"+testPublicKey || len(out.Accounts[0].Chains) != 20 {
		t.Fatalf("unexpected accounts: %+v", out.Accounts)
	}
}

func TestRunnerErrorEnvelopeIgnoresResultsOnly(t *testing.T) {
	h := newHarness(t)
	code, stdout, stderr := h.run("local", "--network", "mainnet01", "--code", "(+ 1 2)", "--sender", "k:abc")
	if code != 24 {
		t.Fatalf("expected exit 24, got %d stderr=%s", code, stderr)
	}
	if stdout != "" {
		t.Fatalf("expected empty stdout, got %s", stdout)
	}
	var env map[string]any
	decodeJSON(t, stderr, &env)
	if env["success"] != false {
		t.Fatalf("expected success=false, got %v", env["success"])
	}
	errBody := env["error"].(map[string]any)
	if errBody["type"] != "network_not_allowed" || errBody["stage"] != "build" {
		t.Fatalf("unexpected error body: %v", errBody)
	}
	if len(h.node.paths) != 0 {
		t.Fatalf("gated request reached the network: %v", h.node.paths)
	}
}

func TestRunnerLocal(t *testing.T) {
	h := newHarness(t)
	code, stdout, stderr := h.run("local", "--code", "(+ 1 2)", "--sender", "k:abc", "--chain", "3")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	var out map[string]any
	decodeJSON(t, stdout, &out)
	if out["status"] != "success" || out["data"].(float64) != 3 || out["chain_id"] != "3" {
		t.Fatalf("unexpected local result: %s", stdout)
	}
	if len(h.node.paths) != 1 || h.node.paths[0] != "/testnet04/chain/3/pact/api/v1/local" {
		t.Fatalf("unexpected paths: %v", h.node.paths)
	}
}

func TestRunnerSubmitConfirms(t *testing.T) {
	h := newHarness(t)
	code, stdout, stderr := h.run("submit", "--code", `(coin.transfer "a" "b" 1.0)`, "--sender", "k:"+testPublicKey, "--chain", "0")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	var run struct {
		State  string `json:"state"`
		Record struct {
			RequestKey string `json:"request_key"`
			Hash       string `json:"hash"`
			Status     string `json:"status"`
			Provider   string `json:"provider"`
		} `json:"record"`
	}
	decodeJSON(t, stdout, &run)
	if run.State != "confirmed" || run.Record.Status != "confirmed" || run.Record.Provider != "localkey" {
		t.Fatalf("unexpected run: %s", stdout)
	}
	if run.Record.RequestKey != run.Record.Hash || h.node.sends.Load() != 1 {
		t.Fatalf("unexpected record %+v sends=%d", run.Record, h.node.sends.Load())
	}

	code, stdout, stderr = h.run("submissions", "list", "--status", "confirmed")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	var items []map[string]any
	decodeJSON(t, stdout, &items)
	if len(items) != 1 || items[0]["request_key"] != run.Record.RequestKey {
		t.Fatalf("unexpected ledger listing: %s", stdout)
	}

	code, stdout, stderr = h.run("status", "--request-key", run.Record.RequestKey)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	var rec map[string]any
	decodeJSON(t, stdout, &rec)
	if rec["status"] != "confirmed" {
		t.Fatalf("unexpected status: %s", stdout)
	}
}

func TestRunnerSendPayloadOnce(t *testing.T) {
	h := newHarness(t)
	payloadPath := filepath.Join(h.dir, "signed.json")
	code, _, stderr := h.run("sign", "--code", "(+ 1 2)", "--sender", "k:"+testPublicKey, "--chain", "0", "--out", payloadPath)
	if code != 0 {
		t.Fatalf("sign: expected exit 0, got %d stderr=%s", code, stderr)
	}
	code, stdout, stderr := h.run("send", "--payload", payloadPath)
	if code != 0 {
		t.Fatalf("send: expected exit 0, got %d stderr=%s", code, stderr)
	}
	var rec map[string]any
	decodeJSON(t, stdout, &rec)
	if rec["status"] != "pending" {
		t.Fatalf("expected pending record without --wait, got %s", stdout)
	}

	code, _, stderr = h.run("send", "--payload", payloadPath)
	if code != 25 {
		t.Fatalf("expected exit 25 on second send, got %d stderr=%s", code, stderr)
	}
	if h.node.sends.Load() != 1 {
		t.Fatalf("expected exactly one broadcast, got %d", h.node.sends.Load())
	}
}

func TestRunnerBalance(t *testing.T) {
	h := newHarness(t)
	h.node.localData = `{"decimal":"2.5"}`
	code, stdout, stderr := h.run("balance", "--account", "k:abc", "--chains", "0,1")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	var out map[string]any
	decodeJSON(t, stdout, &out)
	if out["total"] != "5" || len(out["chains"].([]any)) != 2 {
		t.Fatalf("unexpected balance: %s", stdout)
	}
}

func TestRunnerPresetsAndDefaults(t *testing.T) {
	h := newHarness(t)
	code, _, stderr := h.run("presets", "save", "--name", "Add", "--content", "(+ 1 2)")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	code, stdout, _ := h.run("presets", "show", "Add")
	var p map[string]any
	decodeJSON(t, stdout, &p)
	if code != 0 || p["content"] != "(+ 1 2)" {
		t.Fatalf("unexpected preset: %s", stdout)
	}

	code, _, stderr = h.run("defaults", "set", "--sender", "k:"+testPublicKey, "--chain", "2")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	code, stdout, _ = h.run("defaults", "show")
	var d map[string]any
	decodeJSON(t, stdout, &d)
	if code != 0 || d["chainId"] != "2" || d["networkId"] != "testnet04" {
		t.Fatalf("unexpected defaults: %s", stdout)
	}

	code, stdout, stderr = h.run("local", "--preset", "Add")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	if last := h.node.paths[len(h.node.paths)-1]; last != "/testnet04/chain/2/pact/api/v1/local" {
		t.Fatalf("stored defaults not applied: %s", last)
	}

	code, _, _ = h.run("presets", "delete", "Missing")
	if code != 2 {
		t.Fatalf("expected usage exit for missing preset, got %d", code)
	}
}

func TestRunnerSchemaMarksMutatingCommands(t *testing.T) {
	h := newHarness(t)
	code, stdout, stderr := h.run("schema", "submit")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	var s map[string]any
	decodeJSON(t, stdout, &s)
	if s["mutates"] != true || s["path"] != "pactplay submit" {
		t.Fatalf("unexpected schema: %s", stdout)
	}
}
