package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dicomseg/pkg/pipeline"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	cmd.SetContext(ctx)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(exitCode(err))
	}
}

// exitCode maps pipeline errors to process exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, pipeline.ErrCancelled):
		return 130
	case errors.Is(err, pipeline.ErrExternalToolMissing):
		return 127
	case errors.Is(err, pipeline.ErrConversionFailure):
		return 3
	case errors.Is(err, pipeline.ErrJobFailure):
		return 4
	case errors.Is(err, pipeline.ErrInvalidInput),
		errors.Is(err, pipeline.ErrInvalidOutput),
		errors.Is(err, pipeline.ErrInvalidParameters),
		errors.Is(err, pipeline.ErrPrecondition),
		errors.Is(err, pipeline.ErrJobAlreadyRunning):
		return 2
	}
	return 1
}
