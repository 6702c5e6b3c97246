package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ftpipe/internal/faults"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 for configuration mistakes, 3 for resource exhaustion and
// 1 for anything else.
func exitCode(err error) int {
	switch {
	case faults.IsConfig(err):
		return 2
	case faults.IsResource(err):
		return 3
	default:
		return 1
	}
}
