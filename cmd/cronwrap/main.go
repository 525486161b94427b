// cmd/cronwrap/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cronwrap/internal/cli"
)

func main() {
	// Cancelling the context kills the wrapped command's process tree.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	err := cli.NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil && !cli.IsSilent(err) {
		fmt.Fprintf(os.Stderr, "cronwrap: %v\n", err)
	}
	os.Exit(cli.ExitCodeOf(err))
}
