package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	t.Setenv("XDG_DATA_HOME", tmp)
	t.Setenv("PACTPLAY_CONFIG", "")
	return tmp
}

func TestLoadPrecedenceFlagsOverEnvOverFile(t *testing.T) {
	tmp := isolate(t)
	configPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(configPath, []byte("output: plain\nretries: 1\napi:\n  base_url: https://file.example\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PACTPLAY_OUTPUT", "json")
	t.Setenv("PACTPLAY_API_URL", "https://env.example")
	flags := GlobalFlags{ConfigPath: configPath, Plain: true, Retries: 5}
	settings, err := Load(flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.OutputMode != "plain" {
		t.Fatalf("expected flag to win, got output=%s", settings.OutputMode)
	}
	if settings.Retries != 5 {
		t.Fatalf("expected retries from flags, got %d", settings.Retries)
	}
	if settings.APIBaseURL != "https://env.example" {
		t.Fatalf("expected env to win over file, got %s", settings.APIBaseURL)
	}
}

func TestLoadMutuallyExclusiveOutputFlags(t *testing.T) {
	isolate(t)
	_, err := Load(GlobalFlags{JSON: true, Plain: true, Retries: -1})
	if err == nil {
		t.Fatal("expected error with --json and --plain")
	}
}

func TestLoadDefaults(t *testing.T) {
	tmp := isolate(t)
	settings, err := Load(GlobalFlags{Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.Retries != 2 || settings.ChainCount != 20 || settings.PollInterval != 3*time.Second {
		t.Fatalf("unexpected defaults: %+v", settings)
	}
	if len(settings.AllowedNetwork) != 3 || settings.AllowedNetwork[0] != "testnet" {
		t.Fatalf("unexpected allowed networks: %v", settings.AllowedNetwork)
	}
	if settings.StatePath != filepath.Join(tmp, "pactplay", "state.db") {
		t.Fatalf("unexpected state path: %s", settings.StatePath)
	}
	if settings.ConfirmTimeout != 0 {
		t.Fatalf("confirm timeout should be off by default, got %s", settings.ConfirmTimeout)
	}
}

func TestLoadFileSections(t *testing.T) {
	tmp := isolate(t)
	body := `
allowed_networks: [development]
detection:
  order: [localkey, ecko]
  timeout: 500ms
confirm:
  poll_interval: 1s
  timeout: 2m
providers:
  spirekey:
    url_env: MY_SPIREKEY
    ready_attempts: 4
storage:
  ledger_path: /tmp/custom-ledger.db
`
	if err := os.WriteFile(filepath.Join(tmp, "pactplay.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MY_SPIREKEY", "http://spire.local")
	settings, err := Load(GlobalFlags{ConfigPath: filepath.Join(tmp, "pactplay.yaml"), Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(settings.ProviderOrder) != 2 || settings.ProviderOrder[0] != "localkey" {
		t.Fatalf("unexpected provider order: %v", settings.ProviderOrder)
	}
	if settings.DetectTimeout != 500*time.Millisecond || settings.PollInterval != time.Second || settings.ConfirmTimeout != 2*time.Minute {
		t.Fatalf("unexpected durations: %+v", settings)
	}
	if settings.SpireKeyURL != "http://spire.local" || settings.SpireReadyAttempts != 4 {
		t.Fatalf("unexpected spirekey settings: %s %d", settings.SpireKeyURL, settings.SpireReadyAttempts)
	}
	if settings.LedgerPath != "/tmp/custom-ledger.db" {
		t.Fatalf("unexpected ledger path: %s", settings.LedgerPath)
	}
	if len(settings.AllowedNetwork) != 1 || settings.AllowedNetwork[0] != "development" {
		t.Fatalf("unexpected allowed networks: %v", settings.AllowedNetwork)
	}
}

func TestLoadRejectsBadDurationAndProvider(t *testing.T) {
	tmp := isolate(t)
	path := filepath.Join(tmp, "bad.yaml")
	if err := os.WriteFile(path, []byte("confirm:\n  timeout: soon\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(GlobalFlags{ConfigPath: path, Retries: -1}); err == nil {
		t.Fatal("expected bad duration to fail")
	}
	if _, err := Load(GlobalFlags{Providers: "ecko,metamask", Retries: -1}); err == nil {
		t.Fatal("expected unknown provider to fail")
	}
}

func TestSelectFieldsSplit(t *testing.T) {
	isolate(t)
	settings, err := Load(GlobalFlags{Select: " requestKey , ,status", Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(settings.SelectFields) != 2 || settings.SelectFields[0] != "requestKey" {
		t.Fatalf("unexpected select fields: %v", settings.SelectFields)
	}
}
