package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/model"
	"github.com/ggonzalez94/pactplay/internal/schema"
	"github.com/ggonzalez94/pactplay/internal/wallet"
	"github.com/ggonzalez94/pactplay/internal/wallet/ecko"
	"github.com/ggonzalez94/pactplay/internal/wallet/localkey"
	"github.com/ggonzalez94/pactplay/internal/wallet/spirekey"
)

// newAdapters builds the configured adapters, in detection order, for one
// network.
func (s *runtimeState) newAdapters(networkID string) ([]wallet.Adapter, error) {
	chains := wallet.ChainRange(s.settings.ChainCount)
	adapters := make([]wallet.Adapter, 0, len(s.settings.ProviderOrder))
	for _, name := range s.settings.ProviderOrder {
		switch name {
		case ecko.Name:
			adapters = append(adapters, ecko.New(ecko.Config{
				BridgeURL:      s.settings.EckoBridgeURL,
				NetworkID:      networkID,
				Chains:         chains,
				DetectInterval: s.settings.DetectInterval,
			}, s.httpClient, s.pact, ecko.WithLogger(s.lggr), ecko.WithClock(s.runner.now)))
		case spirekey.Name:
			adapters = append(adapters, spirekey.New(spirekey.Config{
				BaseURL:       s.settings.SpireKeyURL,
				NetworkID:     networkID,
				ChainID:       s.settings.SpireKeyChainID,
				ReadyAttempts: s.settings.SpireReadyAttempts,
				ReadyDelay:    s.settings.SpireReadyDelay,
			}, s.httpClient, s.pact, spirekey.WithLogger(s.lggr), spirekey.WithClock(s.runner.now)))
		case localkey.Name:
			keyCfg, err := localkey.KeyConfigFromEnv(s.settings.KeySource)
			if err != nil {
				return nil, clierr.Wrap(clierr.CodeUsage, "configure local key", err)
			}
			adapters = append(adapters, localkey.New(localkey.Config{Key: keyCfg, Chains: chains}, s.pact,
				localkey.WithLogger(s.lggr), localkey.WithClock(s.runner.now)))
		default:
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown provider %q", name))
		}
	}
	return adapters, nil
}

// connect selects the first available provider and connects it. Interactive
// authorization is bounded only by the command context.
func (s *runtimeState) connect(ctx context.Context, networkID string) (*wallet.Session, error) {
	adapters, err := s.newAdapters(networkID)
	if err != nil {
		return nil, err
	}
	session := wallet.NewSession(wallet.WithLogger(s.lggr), wallet.WithDetectTimeout(s.settings.DetectTimeout))
	if err := session.Initialize(ctx, adapters); err != nil {
		return nil, err
	}
	s.lastProvider = session.Name()
	err = session.Connect(ctx)
	s.lastProviders = []model.ProviderStatus{{Name: session.Name(), Status: statusFromErr(err)}}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *runtimeState) newProvidersCommand() *cobra.Command {
	root := &cobra.Command{Use: "providers", Short: "Signing provider commands"}
	var networkArg string
	list := &cobra.Command{
		Use:   "list",
		Short: "Probe every configured signing provider in detection order",
		RunE: func(cmd *cobra.Command, args []string) error {
			networkID, err := s.networkOrDefault(networkArg)
			if err != nil {
				return err
			}
			adapters, err := s.newAdapters(networkID)
			if err != nil {
				return err
			}
			probed := wallet.ListProviders(cmd.Context(), adapters, s.settings.DetectTimeout)
			statuses := make([]model.ProviderStatus, 0, len(probed))
			for _, p := range probed {
				status := "unavailable"
				if p.Available {
					status = "available"
				}
				statuses = append(statuses, model.ProviderStatus{Name: p.Name, Status: status, LatencyMS: p.LatencyMS})
			}
			s.lastNetwork = networkID
			s.lastProviders = statuses
			return s.emitSuccess(statuses, nil)
		},
	}
	list.Flags().StringVar(&networkArg, "network", "", "Network id passed to providers (defaults to stored default)")
	root.AddCommand(list)
	return root
}

func (s *runtimeState) newWalletCommand() *cobra.Command {
	root := &cobra.Command{Use: "wallet", Short: "Connected wallet commands"}

	var networkArg string
	accounts := &cobra.Command{
		Use:   "accounts",
		Short: "Connect the first available provider and list its accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			networkID, err := s.networkOrDefault(networkArg)
			if err != nil {
				return err
			}
			s.lastNetwork = networkID
			session, err := s.connect(cmd.Context(), networkID)
			if err != nil {
				return err
			}
			accts, err := session.Accounts(cmd.Context())
			if err != nil {
				return err
			}
			pub, err := session.PublicKey()
			if err != nil {
				return err
			}
			data := model.WalletAccounts{Provider: session.Name(), PublicKey: pub, Connected: session.Connected()}
			for _, a := range accts {
				data.Accounts = append(data.Accounts, model.WalletAccount{Address: a.Address, Chains: a.Chains})
			}
			return s.emitSuccess(data, nil)
		},
	}
	accounts.Flags().StringVar(&networkArg, "network", "", "Network id (defaults to stored default)")
	root.AddCommand(accounts)

	var outPath, passwordFile string
	var light, force bool
	keygen := &cobra.Command{
		Use:         "keygen",
		Short:       "Generate an ed25519 key sealed in an encrypted keystore for the localkey provider",
		Annotations: map[string]string{schema.AnnotationMutates: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := keystorePassword(passwordFile)
			if err != nil {
				return err
			}
			path := strings.TrimSpace(outPath)
			if path == "" {
				return clierr.New(clierr.CodeUsage, "--out is required")
			}
			if _, err := os.Stat(path); err == nil && !force {
				return clierr.New(clierr.CodeUsage, fmt.Sprintf("%s already exists, pass --force to overwrite", path))
			}
			key, err := localkey.GenerateKey()
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "generate key", err)
			}
			params := localkey.StandardScrypt
			if light {
				params = localkey.LightScrypt
			}
			buf, err := localkey.EncryptKeystore(key, password, params)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "seal keystore", err)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "create keystore directory", err)
			}
			if err := os.WriteFile(path, buf, 0o600); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "write keystore", err)
			}
			pub := localkey.PublicKeyHex(key)
			return s.emitSuccess(model.GeneratedKey{PublicKey: pub, Account: "k:" + pub, Keystore: path}, nil)
		},
	}
	keygen.Flags().StringVar(&outPath, "out", "", "Keystore file to write")
	keygen.Flags().StringVar(&passwordFile, "password-file", "", "File holding the keystore password (defaults to "+localkey.EnvKeystorePassword+")")
	keygen.Flags().BoolVar(&light, "light", false, "Use light scrypt parameters")
	keygen.Flags().BoolVar(&force, "force", false, "Overwrite an existing keystore")
	_ = keygen.MarkFlagRequired("out")
	root.AddCommand(keygen)

	return root
}

func keystorePassword(passwordFile string) (string, error) {
	if path := strings.TrimSpace(passwordFile); path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return "", clierr.Wrap(clierr.CodeUsage, "read password file", err)
		}
		return strings.TrimSpace(string(buf)), nil
	}
	if v := strings.TrimSpace(os.Getenv(localkey.EnvKeystorePassword)); v != "" {
		return v, nil
	}
	return "", clierr.New(clierr.CodeUsage, "keystore password required via --password-file or "+localkey.EnvKeystorePassword)
}
