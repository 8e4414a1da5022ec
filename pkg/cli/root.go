// Package cli implements coordctl, a command line client for the coordination
// backends.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nimburion/coordination/pkg/config"
	"github.com/nimburion/coordination/pkg/coordination"
	"github.com/nimburion/coordination/pkg/coordination/factory"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/observability/metrics"
	"github.com/nimburion/coordination/pkg/observability/tracing"
	"github.com/nimburion/coordination/pkg/version"
)

// HandleFactory builds an unstarted coordination handle from configuration.
type HandleFactory func(cfg *config.Config, opts factory.Options) (coordination.Handle, error)

// Options configures the root command.
type Options struct {
	Name        string
	Description string
	// EnvPrefix defaults to config.DefaultEnvPrefix.
	EnvPrefix string
	// Out receives command output. Defaults to the command's stdout.
	Out io.Writer
	// NewHandle defaults to factory.New.
	NewHandle HandleFactory
}

type rootFlags struct {
	configFile string
	secretFile string
}

// NewRootCommand creates coordctl with its data, lock, watch, session, health,
// config and version subcommands.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "coordctl"
	}
	if opts.Description == "" {
		opts.Description = "Inspect and operate on coordination data"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = config.DefaultEnvPrefix
	}
	if opts.NewHandle == nil {
		opts.NewHandle = factory.New
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if opts.Out != nil {
		rootCmd.SetOut(opts.Out)
	}

	var rf rootFlags
	rootCmd.PersistentFlags().StringVarP(&rf.configFile, "config-file", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&rf.secretFile, "secret-file", "", "path to secrets file (sets "+opts.EnvPrefix+"_SECRETS_FILE)")
	config.RegisterFlags(rootCmd.PersistentFlags())

	env := &environment{opts: opts, flags: &rf}

	rootCmd.AddCommand(
		newGetCommand(env),
		newPutCommand(env),
		newDeleteCommand(env),
		newListCommand(env),
		newLockCommand(env),
		newWatchCommand(env),
		newSessionCommand(env),
		newHealthCommand(env),
		newConfigCommand(env),
		newVersionCommand(opts.Name),
	)
	return rootCmd
}

// LoadConfigAndLogger loads configuration from file, secrets, environment and
// flags and builds the logger it describes.
func LoadConfigAndLogger(cfgPath, envPrefix, secretFilePath string, flags *pflag.FlagSet) (*config.Config, logger.Logger, error) {
	if envPrefix == "" {
		envPrefix = config.DefaultEnvPrefix
	}
	if err := applySecretFileFlag(envPrefix, secretFilePath); err != nil {
		return nil, nil, err
	}
	cfg, err := config.NewViperLoader(cfgPath, envPrefix).WithFlags(flags).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	level, err := logger.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	format, err := logger.ParseLogFormat(cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.NewZapLogger(logger.Config{Level: level, Format: format, Output: os.Stderr})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	log.Debug("effective configuration", "config", fmt.Sprintf("%+v", cfg.Redacted()))
	return cfg, log, nil
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(strings.ToUpper(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

// Execute runs the command and exits with appropriate code.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// environment is shared by the subcommands.
type environment struct {
	opts  Options
	flags *rootFlags
}

func (e *environment) load(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
	return LoadConfigAndLogger(e.flags.configFile, e.opts.EnvPrefix, e.flags.secretFile, cmd.Flags())
}

// runtime is what a subcommand body gets: a started handle plus the
// configuration and logger it was built from.
type runtime struct {
	cfg    *config.Config
	log    logger.Logger
	handle coordination.Handle
	out    io.Writer
}

// withHandle loads configuration, starts tracing, metrics and the configured
// backend, runs fn and tears everything down again. fn's context is cancelled
// on SIGINT or SIGTERM.
func (e *environment) withHandle(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	cfg, log, err := e.load(cmd)
	if err != nil {
		return err
	}
	if zl, ok := log.(*logger.ZapLogger); ok {
		defer func() { _ = zl.Sync() }()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracingCfg := cfg.Tracing
	if tracingCfg.ServiceVersion == "" {
		tracingCfg.ServiceVersion = version.Current(e.opts.Name).Version
	}
	tp, err := tracing.NewTracerProvider(ctx, tracingCfg)
	if err != nil {
		return fmt.Errorf("create tracer provider: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	reg := metrics.NewRegistry()
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := reg.Serve(ctx, cfg.Metrics.Addr); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	handle, err := e.opts.NewHandle(cfg, factory.Options{Logger: log, MetricsRegisterer: reg.Registerer()})
	if err != nil {
		return fmt.Errorf("create %s client: %w", cfg.Backend, err)
	}
	if err := handle.Start(ctx); err != nil {
		return fmt.Errorf("start %s client: %w", cfg.Backend, err)
	}
	defer func() {
		if err := handle.Close(); err != nil {
			log.Warn("close client failed", "error", err)
		}
	}()

	return fn(ctx, &runtime{cfg: cfg, log: log, handle: handle, out: cmd.OutOrStdout()})
}
