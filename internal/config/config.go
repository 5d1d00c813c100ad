package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ggonzalez94/pactplay/internal/policy"
)

const (
	DefaultAPIBaseURL    = "https://api.testnet.chainweb.com/chainweb/0.0"
	DefaultChainCount    = 20
	DefaultEckoBridgeURL = "http://127.0.0.1:9467/rpc"
	DefaultSpireKeyURL   = "http://127.0.0.1:1337"
)

// DefaultProviderOrder is the detection order used when none is configured.
var DefaultProviderOrder = []string{"ecko", "spirekey", "localkey"}

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	Timeout        string
	Retries        int
	APIBaseURL     string
	Networks       string
	Providers      string
	DetectTimeout  string
	PollInterval   string
	ConfirmTimeout string
	KeySource      string
	LogLevel       string
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	Timeout        time.Duration
	Retries        int
	APIBaseURL     string
	AllowedNetwork []string
	ChainCount     int
	ProviderOrder  []string
	DetectTimeout  time.Duration
	DetectInterval time.Duration
	PollInterval   time.Duration
	ConfirmTimeout time.Duration

	EckoBridgeURL      string
	SpireKeyURL        string
	SpireKeyChainID    string
	SpireReadyAttempts uint
	SpireReadyDelay    time.Duration
	KeySource          string

	StatePath      string
	StateLockPath  string
	LedgerPath     string
	LedgerLockPath string
	LogLevel       string
}

type fileConfig struct {
	Output   string   `yaml:"output"`
	Timeout  string   `yaml:"timeout"`
	Retries  *int     `yaml:"retries"`
	LogLevel string   `yaml:"log_level"`
	Networks []string `yaml:"allowed_networks"`
	API      struct {
		BaseURL    string `yaml:"base_url"`
		ChainCount *int   `yaml:"chain_count"`
	} `yaml:"api"`
	Detection struct {
		Order    []string `yaml:"order"`
		Timeout  string   `yaml:"timeout"`
		Interval string   `yaml:"interval"`
	} `yaml:"detection"`
	Confirm struct {
		PollInterval string `yaml:"poll_interval"`
		Timeout      string `yaml:"timeout"`
	} `yaml:"confirm"`
	Providers struct {
		Ecko struct {
			BridgeURL string `yaml:"bridge_url"`
		} `yaml:"ecko"`
		SpireKey struct {
			URL           string `yaml:"url"`
			URLEnv        string `yaml:"url_env"`
			ChainID       string `yaml:"chain_id"`
			ReadyAttempts *uint  `yaml:"ready_attempts"`
			ReadyDelay    string `yaml:"ready_delay"`
		} `yaml:"spirekey"`
		LocalKey struct {
			Source string `yaml:"source"`
		} `yaml:"localkey"`
	} `yaml:"providers"`
	Storage struct {
		StatePath      string `yaml:"state_path"`
		StateLockPath  string `yaml:"state_lock_path"`
		LedgerPath     string `yaml:"ledger_path"`
		LedgerLockPath string `yaml:"ledger_lock_path"`
	} `yaml:"storage"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.ChainCount <= 0 {
		settings.ChainCount = DefaultChainCount
	}
	if settings.DetectTimeout <= 0 {
		settings.DetectTimeout = 3 * time.Second
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = 3 * time.Second
	}
	if settings.ConfirmTimeout < 0 {
		settings.ConfirmTimeout = 0
	}
	if len(settings.AllowedNetwork) == 0 {
		settings.AllowedNetwork = append([]string(nil), policy.DefaultTestNetworkPrefixes...)
	}
	if len(settings.ProviderOrder) == 0 {
		settings.ProviderOrder = append([]string(nil), DefaultProviderOrder...)
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:      "json",
		Timeout:         10 * time.Second,
		Retries:         2,
		APIBaseURL:      DefaultAPIBaseURL,
		AllowedNetwork:  append([]string(nil), policy.DefaultTestNetworkPrefixes...),
		ChainCount:      DefaultChainCount,
		ProviderOrder:   append([]string(nil), DefaultProviderOrder...),
		DetectTimeout:   3 * time.Second,
		DetectInterval:  200 * time.Millisecond,
		PollInterval:    3 * time.Second,
		EckoBridgeURL:   DefaultEckoBridgeURL,
		SpireKeyURL:     DefaultSpireKeyURL,
		SpireReadyDelay: time.Second,
		KeySource:       "auto",
		StatePath:       filepath.Join(dataDir, "state.db"),
		StateLockPath:   filepath.Join(dataDir, "state.lock"),
		LedgerPath:      filepath.Join(dataDir, "ledger.db"),
		LedgerLockPath:  filepath.Join(dataDir, "ledger.lock"),
		LogLevel:        "warn",
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	if v := os.Getenv("PACTPLAY_CONFIG"); v != "" {
		return v, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "pactplay", "config.yaml"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "pactplay"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.LogLevel != "" {
		settings.LogLevel = cfg.LogLevel
	}
	if len(cfg.Networks) > 0 {
		settings.AllowedNetwork = cleanList(cfg.Networks)
	}
	if cfg.API.BaseURL != "" {
		settings.APIBaseURL = cfg.API.BaseURL
	}
	if cfg.API.ChainCount != nil {
		settings.ChainCount = *cfg.API.ChainCount
	}
	if len(cfg.Detection.Order) > 0 {
		settings.ProviderOrder = cleanList(cfg.Detection.Order)
	}
	if cfg.Providers.Ecko.BridgeURL != "" {
		settings.EckoBridgeURL = cfg.Providers.Ecko.BridgeURL
	}
	if cfg.Providers.SpireKey.URL != "" {
		settings.SpireKeyURL = cfg.Providers.SpireKey.URL
	}
	if cfg.Providers.SpireKey.URLEnv != "" {
		if v := os.Getenv(cfg.Providers.SpireKey.URLEnv); v != "" {
			settings.SpireKeyURL = v
		}
	}
	if cfg.Providers.SpireKey.ChainID != "" {
		settings.SpireKeyChainID = cfg.Providers.SpireKey.ChainID
	}
	if cfg.Providers.SpireKey.ReadyAttempts != nil {
		settings.SpireReadyAttempts = *cfg.Providers.SpireKey.ReadyAttempts
	}
	if cfg.Providers.LocalKey.Source != "" {
		settings.KeySource = strings.ToLower(cfg.Providers.LocalKey.Source)
	}
	if cfg.Storage.StatePath != "" {
		settings.StatePath = cfg.Storage.StatePath
	}
	if cfg.Storage.StateLockPath != "" {
		settings.StateLockPath = cfg.Storage.StateLockPath
	}
	if cfg.Storage.LedgerPath != "" {
		settings.LedgerPath = cfg.Storage.LedgerPath
	}
	if cfg.Storage.LedgerLockPath != "" {
		settings.LedgerLockPath = cfg.Storage.LedgerLockPath
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"timeout", cfg.Timeout, &settings.Timeout},
		{"detection.timeout", cfg.Detection.Timeout, &settings.DetectTimeout},
		{"detection.interval", cfg.Detection.Interval, &settings.DetectInterval},
		{"confirm.poll_interval", cfg.Confirm.PollInterval, &settings.PollInterval},
		{"confirm.timeout", cfg.Confirm.Timeout, &settings.ConfirmTimeout},
		{"providers.spirekey.ready_delay", cfg.Providers.SpireKey.ReadyDelay, &settings.SpireReadyDelay},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config %s: %w", d.name, err)
		}
		*d.dst = v
	}

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("PACTPLAY_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("PACTPLAY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("PACTPLAY_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("PACTPLAY_API_URL"); v != "" {
		settings.APIBaseURL = v
	}
	if v := os.Getenv("PACTPLAY_NETWORKS"); v != "" {
		settings.AllowedNetwork = splitList(v)
	}
	if v := os.Getenv("PACTPLAY_CHAIN_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.ChainCount = n
		}
	}
	if v := os.Getenv("PACTPLAY_PROVIDERS"); v != "" {
		settings.ProviderOrder = splitList(v)
	}
	if v := os.Getenv("PACTPLAY_DETECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.DetectTimeout = d
		}
	}
	if v := os.Getenv("PACTPLAY_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.PollInterval = d
		}
	}
	if v := os.Getenv("PACTPLAY_CONFIRM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.ConfirmTimeout = d
		}
	}
	if v := os.Getenv("PACTPLAY_ECKO_BRIDGE_URL"); v != "" {
		settings.EckoBridgeURL = v
	}
	if v := os.Getenv("PACTPLAY_SPIREKEY_URL"); v != "" {
		settings.SpireKeyURL = v
	}
	if v := os.Getenv("PACTPLAY_KEY_SOURCE"); v != "" {
		settings.KeySource = strings.ToLower(v)
	}
	if v := os.Getenv("PACTPLAY_STATE_PATH"); v != "" {
		settings.StatePath = v
	}
	if v := os.Getenv("PACTPLAY_STATE_LOCK_PATH"); v != "" {
		settings.StateLockPath = v
	}
	if v := os.Getenv("PACTPLAY_LEDGER_PATH"); v != "" {
		settings.LedgerPath = v
	}
	if v := os.Getenv("PACTPLAY_LEDGER_LOCK_PATH"); v != "" {
		settings.LedgerLockPath = v
	}
	if v := os.Getenv("PACTPLAY_LOG_LEVEL"); v != "" {
		settings.LogLevel = v
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitFields(flags.Select)
	}
	settings.ResultsOnly = flags.ResultsOnly

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.APIBaseURL != "" {
		settings.APIBaseURL = flags.APIBaseURL
	}
	if strings.TrimSpace(flags.Networks) != "" {
		settings.AllowedNetwork = splitList(flags.Networks)
	}
	if strings.TrimSpace(flags.Providers) != "" {
		settings.ProviderOrder = splitList(flags.Providers)
	}
	if flags.DetectTimeout != "" {
		d, err := time.ParseDuration(flags.DetectTimeout)
		if err != nil {
			return fmt.Errorf("parse --detect-timeout: %w", err)
		}
		settings.DetectTimeout = d
	}
	if flags.PollInterval != "" {
		d, err := time.ParseDuration(flags.PollInterval)
		if err != nil {
			return fmt.Errorf("parse --poll-interval: %w", err)
		}
		settings.PollInterval = d
	}
	if flags.ConfirmTimeout != "" {
		d, err := time.ParseDuration(flags.ConfirmTimeout)
		if err != nil {
			return fmt.Errorf("parse --confirm-timeout: %w", err)
		}
		settings.ConfirmTimeout = d
	}
	if flags.KeySource != "" {
		settings.KeySource = strings.ToLower(flags.KeySource)
	}
	if flags.LogLevel != "" {
		settings.LogLevel = flags.LogLevel
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	for _, name := range settings.ProviderOrder {
		if !knownProvider(name) {
			return fmt.Errorf("unknown provider %q", name)
		}
	}

	return nil
}

func knownProvider(name string) bool {
	for _, p := range DefaultProviderOrder {
		if p == name {
			return true
		}
	}
	return false
}

func splitFields(v string) []string {
	parts := strings.Split(v, ",")
	fields := make([]string, 0, len(parts))
	for _, part := range parts {
		if f := strings.TrimSpace(part); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

func splitList(v string) []string {
	return cleanList(strings.Split(v, ","))
}

func cleanList(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}
