package app

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/pactplay/internal/balance"
	"github.com/ggonzalez94/pactplay/internal/command"
	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/model"
	"github.com/ggonzalez94/pactplay/internal/pact"
	"github.com/ggonzalez94/pactplay/internal/pipeline"
	"github.com/ggonzalez94/pactplay/internal/schema"
	"github.com/ggonzalez94/pactplay/internal/state"
	"github.com/ggonzalez94/pactplay/internal/wallet"
)

// requestFlags are shared by every command that builds a request. Unset
// fields fall back to the stored defaults.
type requestFlags struct {
	code     string
	file     string
	preset   string
	data     string
	sender   string
	chain    string
	network  string
	gasLimit int64
	gasPrice string
	ttl      int64
	nonce    string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.code, "code", "", "Pact code to execute")
	fs.StringVar(&f.file, "file", "", "Read Pact code from a file (- for stdin)")
	fs.StringVar(&f.preset, "preset", "", "Use the code of a saved preset")
	fs.StringVar(&f.data, "data", "", "Environment data as a JSON object")
	fs.StringVar(&f.sender, "sender", "", "Gas payer account (defaults to stored default)")
	fs.StringVar(&f.chain, "chain", "", "Chain id (defaults to stored default)")
	fs.StringVar(&f.network, "network", "", "Network id (defaults to stored default)")
	fs.Int64Var(&f.gasLimit, "gas-limit", 0, "Gas limit (defaults to stored default)")
	fs.StringVar(&f.gasPrice, "gas-price", "", "Gas price (defaults to stored default)")
	fs.Int64Var(&f.ttl, "ttl", 0, "Time to live in seconds (defaults to stored default)")
	fs.StringVar(&f.nonce, "nonce", "", "Nonce (defaults to the current time)")
	cmd.MarkFlagsMutuallyExclusive("code", "file", "preset")
}

func (s *runtimeState) storedDefaults() (state.Defaults, error) {
	if err := s.ensureState(); err != nil {
		return state.Defaults{}, err
	}
	return s.store.Defaults()
}

func (s *runtimeState) networkOrDefault(network string) (string, error) {
	if v := strings.TrimSpace(network); v != "" {
		return v, nil
	}
	d, err := s.storedDefaults()
	if err != nil {
		return "", err
	}
	return d.NetworkID, nil
}

func (s *runtimeState) buildRequest(cmd *cobra.Command, f *requestFlags) (command.Request, error) {
	d, err := s.storedDefaults()
	if err != nil {
		return command.Request{}, err
	}
	code, err := s.resolveCode(cmd, f)
	if err != nil {
		return command.Request{}, err
	}
	env, err := parseEnvData(f.data)
	if err != nil {
		return command.Request{}, err
	}

	in := command.BuildInput{
		Sender:    firstNonEmpty(f.sender, d.Sender),
		ChainID:   firstNonEmpty(f.chain, d.ChainID),
		NetworkID: firstNonEmpty(f.network, d.NetworkID),
		Code:      code,
		EnvData:   env,
		Overrides: d.Overrides(),
	}
	if cmd.Flags().Changed("gas-limit") {
		limit := f.gasLimit
		in.Overrides.GasLimit = &limit
	}
	if cmd.Flags().Changed("ttl") {
		ttl := f.ttl
		in.Overrides.TTL = &ttl
	}
	if cmd.Flags().Changed("gas-price") {
		price, err := decimal.NewFromString(strings.TrimSpace(f.gasPrice))
		if err != nil {
			return command.Request{}, clierr.Wrap(clierr.CodeUsage, "parse --gas-price", err)
		}
		in.Overrides.GasPrice = &price
	}
	in.Overrides.Nonce = strings.TrimSpace(f.nonce)
	s.lastNetwork = in.NetworkID

	req, err := s.builder.Build(in)
	if err != nil {
		return command.Request{}, err
	}
	s.lggr.Debugw("built request", "request", req.ID(), "network", req.NetworkID(), "chain", req.ChainID())
	return req, nil
}

func (s *runtimeState) resolveCode(cmd *cobra.Command, f *requestFlags) (string, error) {
	switch {
	case strings.TrimSpace(f.preset) != "":
		if err := s.ensureState(); err != nil {
			return "", err
		}
		p, err := s.store.Preset(strings.TrimSpace(f.preset))
		if err != nil {
			return "", err
		}
		return p.Content, nil
	case strings.TrimSpace(f.file) != "":
		buf, err := readInput(cmd, f.file)
		if err != nil {
			return "", clierr.Wrap(clierr.CodeUsage, "read --file", err)
		}
		return string(buf), nil
	default:
		return f.code, nil
	}
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if strings.TrimSpace(path) == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func parseEnvData(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var env map[string]any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "--data must be a JSON object", err)
	}
	return env, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func (s *runtimeState) newPipeline(signer pipeline.Signer) (*pipeline.Pipeline, error) {
	if err := s.ensureLedger(); err != nil {
		return nil, err
	}
	return pipeline.New(s.pact, signer, s.ledger,
		pipeline.WithLogger(s.lggr),
		pipeline.WithPollInterval(s.settings.PollInterval),
		pipeline.WithConfirmTimeout(s.settings.ConfirmTimeout),
		pipeline.WithAllowedNetworks(s.settings.AllowedNetwork),
	), nil
}

func localView(req command.Request, res pact.CommandResult) model.LocalResult {
	view := model.LocalResult{
		RequestID: req.ID(),
		NetworkID: req.NetworkID(),
		ChainID:   req.ChainID(),
		Status:    res.Result.Status,
		Gas:       res.Gas,
		Error:     res.ErrorMessage(),
	}
	if len(res.Result.Data) > 0 {
		view.Data = json.RawMessage(res.Result.Data)
	}
	return view
}

func (s *runtimeState) newLocalCommand() *cobra.Command {
	var f requestFlags
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Dry run Pact code against a chain without signing or broadcasting",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := s.buildRequest(cmd, &f)
			if err != nil {
				return err
			}
			p := pipeline.New(s.pact, nil, nil,
				pipeline.WithLogger(s.lggr),
				pipeline.WithAllowedNetworks(s.settings.AllowedNetwork),
			)
			ctx, cancel := s.readContext(cmd)
			defer cancel()
			res, err := p.ExecuteLocally(ctx, req)
			if err != nil {
				return err
			}
			return s.emitSuccess(localView(req, res), nil)
		},
	}
	f.register(cmd)
	return cmd
}

func (s *runtimeState) newSignCommand() *cobra.Command {
	var f requestFlags
	var outPath string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Build a request and sign it with the first available provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := s.buildRequest(cmd, &f)
			if err != nil {
				return err
			}
			session, err := s.connect(cmd.Context(), req.NetworkID())
			if err != nil {
				return err
			}
			p, err := s.newPipeline(session)
			if err != nil {
				return err
			}
			payload, err := p.Sign(cmd.Context(), req)
			if err != nil {
				return err
			}
			if path := strings.TrimSpace(outPath); path != "" {
				buf, err := json.MarshalIndent(payload, "", "  ")
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "encode signed payload", err)
				}
				if err := os.WriteFile(path, buf, 0o600); err != nil {
					return clierr.Wrap(clierr.CodeInternal, "write signed payload", err)
				}
			}
			return s.emitSuccess(payload, nil)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&outPath, "out", "", "Also write the signed payload to this file")
	return cmd
}

func (s *runtimeState) newSendCommand() *cobra.Command {
	var payloadPath, modeArg string
	var wait bool
	cmd := &cobra.Command{
		Use:         "send",
		Short:       "Broadcast a signed payload exactly once",
		Annotations: map[string]string{schema.AnnotationMutates: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := pipeline.ParseMode(modeArg)
			if err != nil {
				return err
			}
			buf, err := readInput(cmd, payloadPath)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "read --payload", err)
			}
			var payload wallet.SignedPayload
			if err := json.Unmarshal(buf, &payload); err != nil {
				return clierr.Wrap(clierr.CodeUsage, "decode signed payload", err)
			}
			s.lastNetwork = payload.NetworkID
			session, err := s.connect(cmd.Context(), payload.NetworkID)
			if err != nil {
				return err
			}
			p, err := s.newPipeline(session)
			if err != nil {
				return err
			}
			rec, err := p.Broadcast(cmd.Context(), payload)
			if err != nil {
				return err
			}
			if wait {
				rec, err = p.AwaitConfirmation(cmd.Context(), rec, mode)
				if err != nil {
					return err
				}
			}
			return s.emitSuccess(rec, nil)
		},
	}
	cmd.Flags().StringVar(&payloadPath, "payload", "", "Signed payload file produced by sign (- for stdin)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for confirmation after broadcast")
	cmd.Flags().StringVar(&modeArg, "mode", string(pipeline.ModePoll), "Confirmation mode (poll|listen)")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func (s *runtimeState) newSubmitCommand() *cobra.Command {
	var f requestFlags
	var local, noWait bool
	var modeArg string
	cmd := &cobra.Command{
		Use:         "submit",
		Short:       "Build, optionally dry run, sign, broadcast and confirm a request",
		Annotations: map[string]string{schema.AnnotationMutates: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := pipeline.ParseMode(modeArg)
			if err != nil {
				return err
			}
			req, err := s.buildRequest(cmd, &f)
			if err != nil {
				return err
			}
			session, err := s.connect(cmd.Context(), req.NetworkID())
			if err != nil {
				return err
			}
			p, err := s.newPipeline(session)
			if err != nil {
				return err
			}
			run := pipeline.NewRun(req)
			if err := p.Submit(cmd.Context(), run, pipeline.SubmitOptions{Local: local, Mode: mode, NoWait: noWait}); err != nil {
				s.lggr.Warnw("submission stopped", "state", run.State, "err", err)
				return err
			}
			return s.emitSuccess(run, nil)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&local, "local", true, "Dry run before signing and stop if it fails")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Return after broadcast without waiting for confirmation")
	cmd.Flags().StringVar(&modeArg, "mode", string(pipeline.ModePoll), "Confirmation mode (poll|listen)")
	return cmd
}

func (s *runtimeState) newStatusCommand() *cobra.Command {
	var requestKey, hash, networkArg, chainArg, modeArg string
	var wait bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a submission and optionally wait for it to reach a terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := pipeline.ParseMode(modeArg)
			if err != nil {
				return err
			}
			if err := s.ensureLedger(); err != nil {
				return err
			}
			rec, found, err := s.lookupSubmission(requestKey, hash)
			if err != nil {
				return err
			}
			if !found {
				// Unknown to this machine: track it by request key if the
				// caller names where it was sent.
				if strings.TrimSpace(requestKey) == "" || strings.TrimSpace(networkArg) == "" || strings.TrimSpace(chainArg) == "" {
					return clierr.New(clierr.CodeUsage, "submission not found; pass --request-key with --network and --chain to track it")
				}
				now := s.runner.now().UTC().Format(time.RFC3339)
				rec = wallet.SubmissionRecord{
					RequestKey:  strings.TrimSpace(requestKey),
					Hash:        strings.TrimSpace(requestKey),
					NetworkID:   strings.TrimSpace(networkArg),
					ChainID:     strings.TrimSpace(chainArg),
					Status:      wallet.StatusPending,
					SubmittedAt: now,
					UpdatedAt:   now,
				}
			}
			s.lastNetwork = rec.NetworkID
			s.lastProvider = rec.Provider
			if !wait || rec.Terminal() {
				return s.emitSuccess(rec, nil)
			}
			p, err := s.newPipeline(nil)
			if err != nil {
				return err
			}
			rec, err = p.AwaitConfirmation(cmd.Context(), rec, mode)
			if err != nil {
				return err
			}
			return s.emitSuccess(rec, nil)
		},
	}
	cmd.Flags().StringVar(&requestKey, "request-key", "", "Request key returned by send")
	cmd.Flags().StringVar(&hash, "hash", "", "Signed payload hash")
	cmd.Flags().StringVar(&networkArg, "network", "", "Network id for submissions not in the local ledger")
	cmd.Flags().StringVar(&chainArg, "chain", "", "Chain id for submissions not in the local ledger")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for a terminal state")
	cmd.Flags().StringVar(&modeArg, "mode", string(pipeline.ModePoll), "Confirmation mode (poll|listen)")
	cmd.MarkFlagsOneRequired("request-key", "hash")
	return cmd
}

func (s *runtimeState) lookupSubmission(requestKey, hash string) (wallet.SubmissionRecord, bool, error) {
	if v := strings.TrimSpace(hash); v != "" {
		return s.ledger.Get(v)
	}
	return s.ledger.GetByRequestKey(strings.TrimSpace(requestKey))
}

func (s *runtimeState) newSubmissionsCommand() *cobra.Command {
	root := &cobra.Command{Use: "submissions", Short: "Submission ledger commands"}
	var statusArg string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded submissions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			status := wallet.Status(strings.ToLower(strings.TrimSpace(statusArg)))
			switch status {
			case "", wallet.StatusPending, wallet.StatusConfirmed, wallet.StatusFailed:
			default:
				return clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown status %q", statusArg))
			}
			if err := s.ensureLedger(); err != nil {
				return err
			}
			items, err := s.ledger.List(status, limit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list submissions", err)
			}
			return s.emitSuccess(items, nil)
		},
	}
	list.Flags().StringVar(&statusArg, "status", "", "Filter by status (pending|confirmed|failed)")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum submissions to return")
	root.AddCommand(list)
	return root
}

func (s *runtimeState) newBalanceCommand() *cobra.Command {
	var accountArg, networkArg, chainsArg string
	var concurrency int
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Sum an account's coin balance across chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := s.storedDefaults()
			if err != nil {
				return err
			}
			q := balance.Query{
				Account:   firstNonEmpty(accountArg, d.Sender),
				NetworkID: firstNonEmpty(networkArg, d.NetworkID),
				Chains:    splitCSV(chainsArg),
			}
			if len(q.Chains) == 0 {
				q.Chains = wallet.ChainRange(s.settings.ChainCount)
			}
			s.lastNetwork = q.NetworkID
			agg := balance.New(s.pact, s.builder, balance.WithLogger(s.lggr), balance.WithConcurrency(concurrency))
			ctx, cancel := s.readContext(cmd)
			defer cancel()
			res, err := agg.Aggregate(ctx, q)
			if err != nil {
				return err
			}
			view := model.Balance{Account: res.Account, NetworkID: res.NetworkID, Total: res.Total.String()}
			for _, c := range res.Chains {
				view.Chains = append(view.Chains, model.BalanceChain{ChainID: c.ChainID, Balance: c.Balance.String(), Found: c.Found})
			}
			return s.emitSuccess(view, nil)
		},
	}
	cmd.Flags().StringVar(&accountArg, "account", "", "Account name (defaults to stored sender)")
	cmd.Flags().StringVar(&networkArg, "network", "", "Network id (defaults to stored default)")
	cmd.Flags().StringVar(&chainsArg, "chains", "", "Chain ids (comma-separated, defaults to every chain)")
	cmd.Flags().IntVar(&concurrency, "concurrency", balance.DefaultConcurrency, "Chains queried at once")
	return cmd
}
