package sigutil

import (
	"os"
	"os/signal"
	"syscall"
)

// Done returns a channel that closes on the first interrupt or termination
// signal.
func Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		close(done)
	}()

	return done
}
