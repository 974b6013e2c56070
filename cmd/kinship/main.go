// Command kinship maintains an entity knowledge graph: it links extracted
// mentions to entities, detects conflicting facts and resolves them with
// configurable rules. Every command prints JSON to stdout; logs go to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/scrypster/kinship/internal/engine"
	"github.com/scrypster/kinship/internal/storage"
)

// Exit codes.
const (
	exitOK           = 0
	exitFailure      = 1
	exitInvalidInput = 2
	exitNotFound     = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kinship: %v\n", err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, storage.ErrInvalidInput), errors.Is(err, engine.ErrResolutionFailure):
		return exitInvalidInput
	case errors.Is(err, storage.ErrNotFound):
		return exitNotFound
	default:
		return exitFailure
	}
}
