// Package cli holds the cobra command tree for the bot binary.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thierrypdamiba/ticker-ai/internal/app"
	"github.com/thierrypdamiba/ticker-ai/internal/config"
	dexsolana "github.com/thierrypdamiba/ticker-ai/internal/dex/solana"
	"github.com/thierrypdamiba/ticker-ai/internal/store"
	"github.com/thierrypdamiba/ticker-ai/internal/util"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "internal/config/config.yaml"

type globals struct {
	configPath string
	envFile    string
	venue      string
	logLevel   string
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:           "ticker-ai",
		Short:         "Momentum trading bot for a single crypto instrument",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", DefaultConfigPath, "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&g.envFile, "env-file", "", "Optional .env file with venue credentials")
	rootCmd.PersistentFlags().StringVar(&g.venue, "venue", "", "Override broker.venue (paper|robinhood|dex)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override app.log_level")

	rootCmd.AddCommand(newRunCmd(g))
	rootCmd.AddCommand(newCycleCmd(g))
	rootCmd.AddCommand(newReconcileCmd(g))
	rootCmd.AddCommand(newStateCmd(g))
	rootCmd.AddCommand(newQuoteCmd(g))
	rootCmd.AddCommand(newConfigCmd(g))
	return rootCmd
}

// Execute runs the command tree and returns the process exit code.
func Execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func (g *globals) load() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.venue != "" {
		cfg.Broker.Venue = g.venue
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if g.logLevel != "" {
		cfg.App.LogLevel = g.logLevel
	}
	if g.envFile != "" {
		cfg.LoadSecrets(g.envFile)
	} else {
		cfg.LoadSecrets()
	}
	return cfg, nil
}

func (g *globals) build() (*app.Bot, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	log := util.NewLogger(cfg.App.LogLevel, cfg.App.LogFormat).With().Str("app", cfg.App.Name).Logger()
	return app.Build(cfg, log)
}

func signalContext() (context.Context, context.CancelFunc) {
	return ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRunCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the trading loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			bot, err := g.build()
			if err != nil {
				return err
			}
			defer bot.Close()
			ctx, cancel := signalContext()
			defer cancel()
			return bot.Run(ctx)
		},
	}
}

func newCycleCmd(g *globals) *cobra.Command {
	var warmup time.Duration
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Warm the feed up and execute exactly one cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			bot, err := g.build()
			if err != nil {
				return err
			}
			defer bot.Close()
			ctx, cancel := signalContext()
			defer cancel()

			feedCtx, stopFeed := context.WithCancel(ctx)
			defer stopFeed()
			bot.StartFeed(feedCtx)
			bot.Warmup(ctx, warmup)

			out, err := bot.Controller.RunCycle(ctx)
			if perr := printJSON(cmd.OutOrStdout(), out); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&warmup, "warmup", 30*time.Second, "How long to wait for a full price window")
	return cmd
}

func newReconcileCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Settle an order left pending by a previous run",
		RunE: func(cmd *cobra.Command, args []string) error {
			bot, err := g.build()
			if err != nil {
				return err
			}
			defer bot.Close()
			ctx, cancel := signalContext()
			defer cancel()

			out, err := bot.Controller.Reconcile(ctx)
			if perr := printJSON(cmd.OutOrStdout(), out); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newStateCmd(g *globals) *cobra.Command {
	var withBroker bool
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the persisted position and risk record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if withBroker {
				return brokerState(cmd, g)
			}
			cfg, err := g.load()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Store.Backend, cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()
			rec, err := st.Load(cfg.Exchange.Symbol)
			if errors.Is(err, store.ErrNotFound) {
				fmt.Fprintf(cmd.OutOrStdout(), "no state saved for %s\n", cfg.Exchange.Symbol)
				return nil
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().BoolVar(&withBroker, "broker", false, "Also ask the venue for its holding and report drift")
	return cmd
}

func brokerState(cmd *cobra.Command, g *globals) error {
	bot, err := g.build()
	if err != nil {
		return err
	}
	defer bot.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), bot.Config.Execution.CallTimeout())
	defer cancel()
	pc, err := bot.CheckPosition(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), pc); err != nil {
		return err
	}
	if !pc.Agrees() {
		return fmt.Errorf("venue holds %.8f %s but the record says %.8f", pc.Broker.Quantity, bot.Config.Exchange.Symbol, pc.Record.Position.Quantity)
	}
	return nil
}

// newQuoteCmd prices the configured Solana pair through Jupiter without touching a wallet.
func newQuoteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "quote",
		Short: "Print the Jupiter price of the configured dex pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			jc := dexsolana.NewJupiterClient(cfg.Dex.RpcURL, cfg.Dex.JupiterBase, nil, cfg.Dex.Commitment)
			b, err := dexsolana.NewBroker(jc, dexsolana.Pair{
				BaseMint:      cfg.Dex.BaseMint,
				QuoteMint:     cfg.Dex.QuoteMint,
				BaseDecimals:  cfg.Dex.BaseDecimals,
				QuoteDecimals: cfg.Dex.QuoteDecimals,
				SlippageBps:   cfg.Dex.SlippageBps,
			}, util.NewLogger(cfg.App.LogLevel, cfg.App.LogFormat))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			px, err := b.Quote(ctx, cfg.Exchange.Symbol)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %.8f\n", cfg.Exchange.Symbol, px)
			return nil
		},
	}
}

func newConfigCmd(g *globals) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := g.load(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return nil
		},
	})
	return configCmd
}
