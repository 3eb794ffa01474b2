package cli

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/velmie/idempotent"
)

// RecordView is the printable form of a stored record.
type RecordView struct {
	Key                 string     `json:"key"`
	Status              string     `json:"status"`
	ExpiresAt           time.Time  `json:"expires_at"`
	InProgressExpiresAt *time.Time `json:"in_progress_expires_at,omitempty"`
	Validation          string     `json:"validation,omitempty"`
	Response            string     `json:"response,omitempty"`
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Show the stored record for a key",
		Long: `Show the stored record for an idempotency key as printed by "idemctl key".

Exit codes:
  0 - record found
  1 - record not found or store error`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(rootOpts, cmd, args[0])
		},
	}
}

func runGet(opts *RootOptions, cmd *cobra.Command, key string) error {
	ctx := cmd.Context()

	store, closeStore, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rec, err := store.Get(ctx, key)
	if errors.Is(err, idempotent.ErrRecordNotFound) {
		return errors.Errorf("no record for key %q", key)
	}
	if err != nil {
		return err
	}

	view := RecordView{
		Key:        rec.Key,
		Status:     string(rec.Status),
		ExpiresAt:  rec.ExpiresAt.UTC(),
		Validation: rec.PayloadHash,
		Response:   printable(rec.Response),
	}
	if !rec.InProgressExpiresAt.IsZero() {
		t := rec.InProgressExpiresAt.UTC()
		view.InProgressExpiresAt = &t
	}
	if rec.IsExpired(time.Now()) {
		opts.logger.Warn("record is expired and will be overwritten by the next claim", "key", key)
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), view)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "key:        %s\n", view.Key)
	fmt.Fprintf(out, "status:     %s\n", view.Status)
	fmt.Fprintf(out, "expires_at: %s\n", view.ExpiresAt.Format(time.RFC3339))
	if view.InProgressExpiresAt != nil {
		fmt.Fprintf(out, "in_progress_expires_at: %s\n", view.InProgressExpiresAt.Format(time.RFC3339))
	}
	if view.Validation != "" {
		fmt.Fprintf(out, "validation: %s\n", view.Validation)
	}
	if view.Response != "" {
		fmt.Fprintf(out, "response:   %s\n", view.Response)
	}
	return nil
}

func printable(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return fmt.Sprintf("<%d bytes>", len(b))
}
