package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/pactplay/internal/command"
	"github.com/ggonzalez94/pactplay/internal/config"
	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/httpx"
	"github.com/ggonzalez94/pactplay/internal/logger"
	"github.com/ggonzalez94/pactplay/internal/model"
	"github.com/ggonzalez94/pactplay/internal/out"
	"github.com/ggonzalez94/pactplay/internal/pact"
	"github.com/ggonzalez94/pactplay/internal/pipeline"
	"github.com/ggonzalez94/pactplay/internal/schema"
	"github.com/ggonzalez94/pactplay/internal/state"
	"github.com/ggonzalez94/pactplay/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
	lggr   logger.Logger
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner   *Runner
	flags    config.GlobalFlags
	settings config.Settings
	lggr     logger.Logger
	root     *cobra.Command

	lastCommand   string
	lastProvider  string
	lastNetwork   string
	lastProviders []model.ProviderStatus

	httpClient *httpx.Client
	pact       *pact.Client
	builder    *command.Builder
	store      *state.Store
	ledger     *pipeline.Store
}

func (r *Runner) Run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &runtimeState{runner: r, lggr: logger.Nop()}
	root := s.newRootCommand()
	s.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.ExecuteContext(ctx)
	err = normalizeRunError(err)
	defer s.close()
	if err == nil {
		return 0
	}
	s.renderError(err)
	return clierr.ExitCode(err)
}

func (s *runtimeState) close() {
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.ledger != nil {
		_ = s.ledger.Close()
	}
	_ = s.lggr.Sync()
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Transact against Pact networks through any connected wallet",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.lastCommand = trimRootPath(cmd.CommandPath())

			if s.runner.lggr != nil {
				s.lggr = s.runner.lggr
			} else {
				lggr, err := logger.New(settings.LogLevel)
				if err != nil {
					return clierr.Wrap(clierr.CodeUsage, "configure logging", err)
				}
				s.lggr = lggr
			}

			s.httpClient = httpx.New(settings.Timeout, settings.Retries)
			s.pact = pact.New(s.httpClient, settings.APIBaseURL)
			s.builder = command.NewBuilder(settings.AllowedNetwork, command.WithClock(s.runner.now))
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	pf := cmd.PersistentFlags()
	pf.BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	pf.BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	pf.StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	pf.BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	pf.StringVar(&s.flags.Timeout, "timeout", "", "Per-request HTTP timeout")
	pf.IntVar(&s.flags.Retries, "retries", -1, "Retries for read-only Pact API requests")
	pf.StringVar(&s.flags.APIBaseURL, "api-url", "", "Chainweb API base URL")
	pf.StringVar(&s.flags.Networks, "allowed-networks", "", "Allowed network id prefixes (comma-separated)")
	pf.StringVar(&s.flags.Providers, "providers", "", "Provider detection order (comma-separated: ecko,spirekey,localkey)")
	pf.StringVar(&s.flags.DetectTimeout, "detect-timeout", "", "Per-provider detection budget")
	pf.StringVar(&s.flags.PollInterval, "poll-interval", "", "Confirmation poll interval")
	pf.StringVar(&s.flags.ConfirmTimeout, "confirm-timeout", "", "Give up waiting for confirmation after this long (0 waits until interrupted)")
	pf.StringVar(&s.flags.KeySource, "key-source", "", "Local key source (auto|env|file|keystore)")
	pf.StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	pf.StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newProvidersCommand())
	cmd.AddCommand(s.newWalletCommand())
	cmd.AddCommand(s.newBalanceCommand())
	cmd.AddCommand(s.newLocalCommand())
	cmd.AddCommand(s.newSignCommand())
	cmd.AddCommand(s.newSendCommand())
	cmd.AddCommand(s.newSubmitCommand())
	cmd.AddCommand(s.newStatusCommand())
	cmd.AddCommand(s.newSubmissionsCommand())
	cmd.AddCommand(s.newPresetsCommand())
	cmd.AddCommand(s.newDefaultsCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(data, nil)
		},
	}
}

func (s *runtimeState) ensureState() error {
	if s.store != nil {
		return nil
	}
	store, err := state.Open(s.settings.StatePath, s.settings.StateLockPath, s.lggr)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "open state store", err)
	}
	s.store = store
	return nil
}

func (s *runtimeState) ensureLedger() error {
	if s.ledger != nil {
		return nil
	}
	ledger, err := pipeline.OpenStore(s.settings.LedgerPath, s.settings.LedgerLockPath)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "open submission ledger", err)
	}
	s.ledger = ledger
	return nil
}

// readContext bounds a read-only command by the configured timeout.
func (s *runtimeState) readContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), s.settings.Timeout)
}

func (s *runtimeState) emitSuccess(data any, warnings []string) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta:     s.meta(),
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) meta() model.EnvelopeMeta {
	commandPath := s.lastCommand
	if commandPath == "" {
		commandPath = version.CLIName
	}
	return model.EnvelopeMeta{
		RequestID: uuid.NewString(),
		Timestamp: s.runner.now().UTC(),
		Command:   commandPath,
		Provider:  s.lastProvider,
		Network:   s.lastNetwork,
		Providers: s.lastProviders,
	}
}

func (s *runtimeState) renderError(err error) {
	code := clierr.ExitCode(err)
	body := &model.ErrorBody{Code: code, Type: "internal_error", Message: err.Error()}
	if cErr, ok := clierr.As(err); ok {
		body.Type = clierr.TypeName(cErr.Code)
		body.Stage = string(cErr.Stage)
		body.Message = cErr.Message
		if cErr.Cause != nil {
			body.Message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error:   body,
		Meta:    s.meta(),
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeUserRejected:
			return "rejected"
		case clierr.CodeNotConnected:
			return "not_connected"
		case clierr.CodeUnavailable:
			return "unavailable"
		default:
			return "error"
		}
	}
	return "error"
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
		"if any flags in the group",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
