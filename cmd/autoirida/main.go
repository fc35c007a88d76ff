// Command autoirida watches a staging directory for sequencing runs and
// uploads each ready run to IRIDA exactly once.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "autoirida:", err)
		}
		os.Exit(1)
	}
}
