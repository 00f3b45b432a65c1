package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// waitForSignal starts run and returns once the user interrupts or run
// fails. run may return nil early when it serves in the background.
func waitForSignal(run func() error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- run() }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if err != nil {
				return err
			}
			errc = nil
		}
	}
}
