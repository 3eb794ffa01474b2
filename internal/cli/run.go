package cli

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/velmie/idempotent"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Payload string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run --payload <json|-> -- <command> [args...]",
		Short: "Run a command at most once per payload key",
		Long: `Run a command unless a run with the same idempotency key already completed,
in which case the captured standard output of that run is printed instead.

A command exiting with a non-zero status releases the key so that a retry runs it
again. Standard error is passed through and never stored.

Exit codes:
  0  - command ran or its output was replayed
  65 - payload does not match the payload stored for the key
  75 - another run holds the key
  78 - configuration error, e.g. a required key is missing
  other - exit status of the failed command

Examples:
  idemctl run --payload '{"order_id":"O-1"}' -- ./charge.sh O-1
  echo '{"id":7}' | idemctl -c idemctl.yaml run --payload - -- make deploy`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(opts, cmd, args)
		},
	}

	cmd.Flags().StringVarP(&opts.Payload, "payload", "p", "", "JSON payload the key is derived from, - reads stdin (required)")
	_ = cmd.MarkFlagRequired("payload")

	return cmd
}

func runRun(opts *RunOptions, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	payload, err := readPayload(cmd, opts.Payload)
	if err != nil {
		return err
	}

	engine, closeStore, err := opts.openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	ex := idempotent.ChainExecutor(engine,
		idempotent.LoggingMiddleware(opts.logger, idempotent.WithLogKey(engine.KeyBuilder())),
	)

	op := func(ctx context.Context, _ []byte) ([]byte, error) {
		var stdout bytes.Buffer
		c := exec.CommandContext(ctx, args[0], args[1:]...)
		c.Stdout = &stdout
		c.Stderr = cmd.ErrOrStderr()
		if err := c.Run(); err != nil {
			return nil, errors.Wrapf(err, "command %q failed", args[0])
		}
		return stdout.Bytes(), nil
	}

	out, err := ex.Execute(ctx, op, payload)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
