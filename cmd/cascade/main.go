// cascade is the command line client: it validates workflow documents,
// runs them in an embedded engine, and manages executions on a remote
// server. Exit codes: 0 success, 1 generic error, 2 validation failure,
// 3 not found.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/cascadehq/cascade/pkg/models"
)

// Exit codes
const (
	exitOK         = 0
	exitError      = 1
	exitValidation = 2
	exitNotFound   = 3
)

var serverURL string

func main() {
	root := &cobra.Command{
		Use:           "cascade",
		Short:         "Workflow orchestration engine client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "cascade server base URL")

	root.AddCommand(
		newValidateCmd(),
		newRunCmd(),
		newGetCmd(),
		newStopCmd(),
		newResumeCmd(),
		newCancelCmd(),
		newRerunCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

// exitCode maps error kinds onto the CLI exit code contract.
func exitCode(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return exitNotFound
	case errors.Is(err, models.ErrInvalidModel), errors.Is(err, models.ErrExpression):
		return exitValidation
	default:
		return exitError
	}
}
