// Package cli implements the idemctl commands.
package cli

import (
	"context"
	"log/slog"
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/velmie/idempotent"
	"github.com/velmie/idempotent/internal/config"
)

// Exit codes, following sysexits.h where one applies.
const (
	ExitFailure    = 1
	ExitDataError  = 65
	ExitConfig     = 78
	ExitInProgress = 75
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Format     string

	cfg    *config.Config
	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for idemctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "idemctl",
		Short:         "Run commands idempotently and inspect idempotency records",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML or TOML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewKeyCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))

	return cmd
}

func (o *RootOptions) init(cmd *cobra.Command) error {
	if !isValidFormat(o.Format) {
		return errors.Errorf("invalid format %q: must be one of %v", o.Format, ValidFormats)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(o.LogLevel)); err != nil {
		return errors.Wrapf(err, "invalid log level %q", o.LogLevel)
	}
	o.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	o.cfg = config.Default()
	if o.ConfigPath != "" {
		cfg, err := config.Load(o.ConfigPath)
		if err != nil {
			return err
		}
		o.cfg = cfg
	}
	o.cfg.ApplyEnv(os.LookupEnv)
	return nil
}

func (o *RootOptions) engineOptions() []idempotent.Option {
	return append(o.cfg.Engine.Options(), idempotent.WithLogger(o.logger))
}

// openEngine connects to the configured store and builds an engine over it.
func (o *RootOptions) openEngine(ctx context.Context) (*idempotent.Engine, config.CloseFunc, error) {
	store, closeStore, err := o.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	engine, err := idempotent.NewEngine(store, o.engineOptions()...)
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}
	return engine, closeStore, nil
}

func (o *RootOptions) openStore(ctx context.Context) (idempotent.Store, config.CloseFunc, error) {
	if o.cfg.Store.Type == config.StoreMemory {
		o.logger.Warn("memory store does not persist records between invocations")
	}
	return config.OpenStore(ctx, o.cfg.Store)
}

// ExitCode maps an error returned by a command to a process exit code.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, idempotent.ErrAlreadyInProgress):
		return ExitInProgress
	case errors.Is(err, idempotent.ErrValidation):
		return ExitDataError
	case errors.Is(err, idempotent.ErrConfiguration):
		return ExitConfig
	case errors.As(err, &exitErr) && exitErr.ExitCode() > 0:
		return exitErr.ExitCode()
	}
	return ExitFailure
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
