// Command idemctl runs commands at most once per idempotency key and inspects stored records.
package main

import (
	"fmt"
	"os"

	"github.com/velmie/idempotent/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}
