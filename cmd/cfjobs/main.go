// Command cfjobs waits for asynchronous platform jobs and walks paginated
// collections from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/cf-client/pkg/job"
)

// Exit codes.
const (
	exitOK      = 0
	exitError   = 1
	exitFailed  = 2
	exitTimeout = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	stop()
	os.Exit(exitCode(err))
}

// exitCode distinguishes failed jobs and timeouts from other errors so that
// scripts can react to them.
func exitCode(err error) int {
	switch outcomeOf(err) {
	case job.OutcomeSucceeded:
		return exitOK
	case job.OutcomeFailed:
		return exitFailed
	case job.OutcomeTimedOut:
		return exitTimeout
	default:
		return exitError
	}
}
