package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// interruptedError is the cancellation cause of a shutdown context. It names
// the operation the signal cut short.
type interruptedError struct {
	op  string
	sig os.Signal
}

func (e *interruptedError) Error() string {
	return fmt.Sprintf("%s interrupted by %s", e.op, e.sig)
}

// backupOp names a backup of the given services for interrupt reports.
func backupOp(services []string) string {
	labels := make([]string, len(services))
	for i, svc := range services {
		labels[i] = serviceLabel(svc)
	}

	return "backup of " + strings.Join(labels, " and ")
}

// shutdownContext returns a context canceled by the first SIGINT or SIGTERM,
// with an *interruptedError naming op as its cause. A second signal exits
// at once with exitError.
func shutdownContext(parent context.Context, logger *slog.Logger, op string) context.Context {
	ctx, cancel := context.WithCancelCause(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		var sig os.Signal

		select {
		case sig = <-sigCh:
		case <-ctx.Done():
			return
		}

		logger.Info("stopping after signal",
			slog.String("operation", op),
			slog.String("signal", sig.String()),
		)
		cancel(&interruptedError{op: op, sig: sig})

		select {
		case sig = <-sigCh:
		case <-parent.Done():
			return
		}

		logger.Warn("second signal, exiting now",
			slog.String("operation", op),
			slog.String("signal", sig.String()),
		)
		os.Exit(exitError)
	}()

	return ctx
}
