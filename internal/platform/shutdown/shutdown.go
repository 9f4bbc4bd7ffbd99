// Package shutdown provides the root context for epilens entrypoints.
// Analysis units watch this context, so an interrupt cancels in-flight
// attribution batches while finished slots keep their results.
package shutdown

import (
	"context"
	"os/signal"
	"syscall"
)

// NotifyContext cancels on SIGINT or SIGTERM. The second signal kills the
// process via the default handler.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
