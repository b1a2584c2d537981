package platform

import (
	"os"
	"os/signal"
	"syscall"
)

// Shutdown implements types.ShutdownSignal by listening for SIGINT/SIGTERM.
type Shutdown struct {
	ch chan struct{}
}

// NewShutdown installs the signal handler and returns a ShutdownSignal.
func NewShutdown() *Shutdown {
	s := &Shutdown{ch: make(chan struct{})}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(s.ch)
	}()
	return s
}

func (s *Shutdown) Done() <-chan struct{} { return s.ch }
