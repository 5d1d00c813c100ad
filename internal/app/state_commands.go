package app

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/state"
)

func (s *runtimeState) newPresetsCommand() *cobra.Command {
	root := &cobra.Command{Use: "presets", Short: "Saved code presets"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.ensureState(); err != nil {
				return err
			}
			presets, err := s.store.Presets()
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "load presets", err)
			}
			return s.emitSuccess(presets, nil)
		},
	}

	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Show one preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.ensureState(); err != nil {
				return err
			}
			p, err := s.store.Preset(args[0])
			if err != nil {
				return err
			}
			return s.emitSuccess(p, nil)
		},
	}

	var name, content, file string
	save := &cobra.Command{
		Use:   "save",
		Short: "Create or replace a preset",
		RunE: func(cmd *cobra.Command, args []string) error {
			code := content
			if strings.TrimSpace(file) != "" {
				buf, err := readInput(cmd, file)
				if err != nil {
					return clierr.Wrap(clierr.CodeUsage, "read --file", err)
				}
				code = string(buf)
			}
			if err := s.ensureState(); err != nil {
				return err
			}
			presets, err := s.store.SavePreset(state.Preset{Name: name, Content: code})
			if err != nil {
				return err
			}
			return s.emitSuccess(presets, nil)
		},
	}
	save.Flags().StringVar(&name, "name", "", "Preset name")
	save.Flags().StringVar(&content, "content", "", "Preset code")
	save.Flags().StringVar(&file, "file", "", "Read preset code from a file (- for stdin)")
	save.MarkFlagsMutuallyExclusive("content", "file")
	_ = save.MarkFlagRequired("name")

	del := &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a preset",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.ensureState(); err != nil {
				return err
			}
			presets, err := s.store.DeletePreset(args[0])
			if err != nil {
				return err
			}
			return s.emitSuccess(presets, nil)
		},
	}

	root.AddCommand(list, show, save, del)
	return root
}

func (s *runtimeState) newDefaultsCommand() *cobra.Command {
	root := &cobra.Command{Use: "defaults", Short: "Transaction defaults used when building requests"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the stored defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := s.storedDefaults()
			if err != nil {
				return err
			}
			return s.emitSuccess(d, nil)
		},
	}

	var network, chain, sender, gasPrice string
	var gasLimit, ttl int64
	var reset bool
	set := &cobra.Command{
		Use:   "set",
		Short: "Update individual defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := s.storedDefaults()
			if err != nil {
				return err
			}
			if reset {
				d = state.DefaultDefaults()
			}
			fs := cmd.Flags()
			if fs.Changed("network") {
				d.NetworkID = strings.TrimSpace(network)
			}
			if fs.Changed("chain") {
				d.ChainID = strings.TrimSpace(chain)
			}
			if fs.Changed("sender") {
				d.Sender = strings.TrimSpace(sender)
			}
			if fs.Changed("gas-limit") {
				d.GasLimit = gasLimit
			}
			if fs.Changed("ttl") {
				d.TTL = ttl
			}
			if fs.Changed("gas-price") {
				price, err := decimal.NewFromString(strings.TrimSpace(gasPrice))
				if err != nil {
					return clierr.Wrap(clierr.CodeUsage, "parse --gas-price", err)
				}
				d.GasPrice = price
			}
			if err := s.store.SaveDefaults(d); err != nil {
				return err
			}
			return s.emitSuccess(d, nil)
		},
	}
	set.Flags().StringVar(&network, "network", "", "Default network id")
	set.Flags().StringVar(&chain, "chain", "", "Default chain id")
	set.Flags().StringVar(&sender, "sender", "", "Default gas payer account")
	set.Flags().Int64Var(&gasLimit, "gas-limit", 0, "Default gas limit")
	set.Flags().StringVar(&gasPrice, "gas-price", "", "Default gas price")
	set.Flags().Int64Var(&ttl, "ttl", 0, "Default time to live in seconds")
	set.Flags().BoolVar(&reset, "reset", false, "Start from the built-in defaults")

	root.AddCommand(show, set)
	return root
}
