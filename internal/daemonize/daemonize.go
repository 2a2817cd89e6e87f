// Package daemonize implements the Shutdown Coordinator: the daemon-
// singleton lock file, the signal-driven shutdown flag, and the channel
// closed on shutdown. No wake pipe is created; the accept loop is
// interrupted by closing the listener.
package daemonize

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/gofrs/flock"
)

// Lock is the advisory exclusive lock on <socket>.lock that prevents two
// daemon processes from binding the same socket.
type Lock struct {
	fl   *flock.Flock
	path string
}

// Acquire takes the daemon-singleton lock for socketPath, failing cleanly
// if another daemon already holds it.
func Acquire(socketPath string) (*Lock, error) {
	path := socketPath + ".lock"
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("daemonize: acquire lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("daemonize: another daemon already holds %s", path)
	}
	return &Lock{fl: fl, path: path}, nil
}

// Release unlocks and removes the lock file.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("daemonize: release lock: %w", err)
	}
	return os.Remove(l.path)
}

// Coordinator wires OS signals to an atomic shutdown flag and a channel
// closed the instant a shutdown signal arrives. spec.md §4.J describes the
// wake as a two-fd self-pipe multiplexed alongside the listener fd; this
// accept loop instead uses a plain net.Listener, whose Close() already
// unblocks a pending Accept() the same way a wake-pipe byte would unblock
// a raw poll/select — so a closed channel is the idiomatic-Go equivalent
// of the wake pipe rather than a literal extra fd.
type Coordinator struct {
	flag   atomic.Bool
	sigCh  chan os.Signal
	notify chan struct{}
}

// New installs a signal handler for SIGINT/SIGTERM.
func New() (*Coordinator, error) {
	c := &Coordinator{
		sigCh:  make(chan os.Signal, 1),
		notify: make(chan struct{}),
	}
	signal.Notify(c.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go c.run()
	return c, nil
}

func (c *Coordinator) run() {
	<-c.sigCh
	c.flag.Store(true)
	close(c.notify)
}

// ShuttingDown reports whether a shutdown signal has been received.
func (c *Coordinator) ShuttingDown() bool { return c.flag.Load() }

// Done returns a channel closed the instant a shutdown signal is received.
func (c *Coordinator) Done() <-chan struct{} { return c.notify }

// Stop reverts signal handling. Call after the exit sequence completes.
func (c *Coordinator) Stop() {
	signal.Stop(c.sigCh)
}
