// Package cmd defines the magnetd command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-dispatcher/internal/app"
	"github.com/JakeFAU/magnet-dispatcher/internal/config"
	"github.com/JakeFAU/magnet-dispatcher/internal/logging"
)

// version is overridden at build time with -ldflags "-X ...cmd.version=...".
var version = "dev"

// newApp builds the service container. Tests replace it to inject a fake
// downstream session factory.
var newApp = app.New

// cliContext carries what every subcommand resolves from persistent flags.
type cliContext struct {
	v *viper.Viper
}

func newCLIContext() *cliContext {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	_ = v.BindEnv("config")
	return &cliContext{v: v}
}

func (r *cliContext) configPath() string {
	return r.v.GetString("config")
}

// load reads the configuration once and builds the logger it asks for.
func (r *cliContext) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(r.configPath())
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newRootCmd() *cobra.Command {
	rt := newCLIContext()
	root := &cobra.Command{
		Use:   "magnetd",
		Short: "Dispatch magnet links to a torrent client",
		Long: `magnetd watches sources for magnet links, classifies each one into a
category, and hands it to the torrent client's Web API with retries,
rate limiting, and a circuit breaker in front of the downstream.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringP("config", "c", "", "config file (env MAGNETD_CONFIG)")
	_ = rt.v.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	root.AddCommand(newServeCmd(rt))
	root.AddCommand(newSubmitCmd(rt))
	root.AddCommand(newStatusCmd(rt))
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, "error:", err)
	}
	return err
}
