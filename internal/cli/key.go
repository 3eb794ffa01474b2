package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/velmie/idempotent"
)

// KeyResult is the output of the key command.
type KeyResult struct {
	Key        string `json:"key"`
	Validation string `json:"validation,omitempty"`
}

// NewKeyCommand creates the key command.
func NewKeyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "key <payload|->",
		Short: "Print the idempotency key derived from a JSON payload",
		Long: `Print the idempotency key and validation fingerprint derived from a JSON
payload using the configured key path, validation path, prefix and hash function.

Examples:
  idemctl key '{"user_id":"U-1","product_id":"P-9"}'
  echo '{"id":1}' | idemctl key -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKey(rootOpts, cmd, args[0])
		},
	}
}

func runKey(opts *RootOptions, cmd *cobra.Command, arg string) error {
	payload, err := readPayload(cmd, arg)
	if err != nil {
		return err
	}
	kb, err := idempotent.NewKeyBuilder(idempotent.NewConfig(opts.engineOptions()...))
	if err != nil {
		return err
	}

	var result KeyResult
	if result.Key, err = kb.BuildKey(payload); err != nil {
		return err
	}
	if result.Validation, err = kb.BuildValidationHash(payload); err != nil {
		return err
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), result)
	}
	out := cmd.OutOrStdout()
	if result.Key == "" {
		fmt.Fprintln(out, "no key: the payload would run without idempotency")
		return nil
	}
	fmt.Fprintf(out, "key: %s\n", result.Key)
	if result.Validation != "" {
		fmt.Fprintf(out, "validation: %s\n", result.Validation)
	}
	return nil
}
