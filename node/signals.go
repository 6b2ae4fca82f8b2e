package node

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// SignalContext returns a context cancelled by SIGINT or SIGTERM, which lets the node finalize and upload
// whatever it has measured.
//
// The node is often started in the foreground of an SSH session. When that session goes away the node
// gets SIGHUP and its stdout and stderr become broken pipes, and either would kill the process before the
// results reach the sink. SIGHUP is ignored, and SIGPIPE is caught for the life of the process so writes
// to a closed stdout or stderr fail with EPIPE instead.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	signal.Ignore(syscall.SIGHUP)
	signal.Notify(make(chan os.Signal, 1), syscall.SIGPIPE)
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
