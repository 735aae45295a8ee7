// Package cli implements the kesc-wallet command line: the HTTP service and
// one-shot flow, history and balance commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/internal/config"
	"github.com/kesc-finance/wallet/pkg/logger"
)

// Options are the global flags shared by every command.
type Options struct {
	Sandbox bool
	JSON    bool
	Verbose bool

	v   *viper.Viper
	out io.Writer
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &Options{v: newViper(), out: os.Stdout}

	root := &cobra.Command{
		Use:   "kesc-wallet",
		Short: "KESC on/off-ramp wallet",
		Long: `kesc-wallet moves money between M-Pesa and the KESC token.

Examples:
  kesc-wallet buy 2500 --phone 0712345678
  kesc-wallet sell 2500 --phone 0712345678
  kesc-wallet paybill 3000 --business 888880 --account ACC-1
  kesc-wallet send 10 --to 0x2222222222222222222222222222222222222222
  kesc-wallet serve
  kesc-wallet buy 2500 --phone 0712345678 --sandbox`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       "0.1.0",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			opts.out = cmd.OutOrStdout()
			return opts.initConfig(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.BoolVar(&opts.Sandbox, "sandbox", false, "Run against an in-process fake provider and token")
	flags.BoolVarP(&opts.JSON, "json", "j", false, "Output in JSON format")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "Enable verbose logging")
	flags.String("config", "", "Config file (default $HOME/.kesc-wallet.yaml)")
	flags.String("ramp-url", "", "OneRamp API base URL")
	flags.String("rpc-url", "", "Chain JSON-RPC URL")
	flags.String("country", "", "Country code, e.g. KE")
	_ = opts.v.BindPFlag("ramp_url", flags.Lookup("ramp-url"))
	_ = opts.v.BindPFlag("rpc_url", flags.Lookup("rpc-url"))
	_ = opts.v.BindPFlag("country", flags.Lookup("country"))

	root.AddCommand(
		newServeCommand(opts),
		newFlowCommand(opts, flowBuy),
		newFlowCommand(opts, flowSell),
		newFlowCommand(opts, flowPayBill),
		newFlowCommand(opts, flowSend),
		newHistoryCommand(opts),
		newBalanceCommand(opts),
	)
	return root
}

// Execute runs the CLI with process signals wired into ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// newViper reads KESC_ prefixed variables, e.g. KESC_RAMP_URL.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("KESC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func (o *Options) initConfig(cmd *cobra.Command) error {
	if file, _ := cmd.Flags().GetString("config"); file != "" {
		o.v.SetConfigFile(file)
	} else {
		o.v.SetConfigName(".kesc-wallet")
		o.v.SetConfigType("yaml")
		o.v.AddConfigPath("$HOME")
		o.v.AddConfigPath(".")
	}

	if err := o.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	if o.v.GetBool("sandbox") {
		o.Sandbox = true
	}
	return nil
}

// load builds the service config: environment first, then the config file,
// KESC_ variables and flags on top.
func (o *Options) load(serving bool) *config.Config {
	cfg := config.Load()
	o.applyOverrides(cfg)

	level := cfg.LogLevel
	switch {
	case o.Verbose:
		level = "debug"
	case !serving:
		// one-shot commands print their own output
		level = "warn"
	}
	logger.Init(cfg.ServiceName, cfg.Env, level)
	return cfg
}

func (o *Options) applyOverrides(cfg *config.Config) {
	str := func(key string, dst *string) {
		if s := strings.TrimSpace(o.v.GetString(key)); s != "" {
			*dst = s
		}
	}
	str("ramp_url", &cfg.RampBaseURL)
	str("ramp_api_key", &cfg.RampAPIKey)
	str("ramp_api_key_secret_id", &cfg.RampAPIKeySecretID)
	str("rpc_url", &cfg.ChainRPCURL)
	str("token_address", &cfg.TokenAddress)
	str("private_key", &cfg.WalletKey)
	str("network", &cfg.Network)
	str("operator", &cfg.Operator)
	str("log_level", &cfg.LogLevel)
	str("env", &cfg.Env)
	if c := o.v.GetString("country"); c != "" {
		cfg.Country = strings.ToUpper(strings.TrimSpace(c))
	}
	if o.v.IsSet("port") {
		cfg.Port = o.v.GetInt("port")
	}
	if o.v.IsSet("poll_interval") {
		cfg.StatusPollInterval = o.v.GetDuration("poll_interval")
	}
	if o.v.IsSet("poll_deadline") {
		cfg.StatusPollDeadline = o.v.GetDuration("poll_deadline")
	}
}

// build loads config and wires the app.
func (o *Options) build(ctx context.Context, serving bool) (*App, error) {
	cfg := o.load(serving)
	logg := logger.L()
	if o.Sandbox {
		logg.Info("sandbox.enabled")
	}
	app, err := Build(ctx, logg, cfg, o.Sandbox)
	if err != nil {
		logg.Error("wallet.init_failed", zap.Error(err))
		return nil, err
	}
	return app, nil
}
