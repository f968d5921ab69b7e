package signals

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const defaultGracefulTimeout = 30 * time.Second

var (
	timeoutMu       sync.RWMutex
	gracefulTimeout = defaultGracefulTimeout
)

// RegisterPreShutdownHandler registers a handler that runs before the
// interrupt handlers, while transports are still up. This is where a
// node announces it is going offline so peers drop it from their
// directories promptly.
func RegisterPreShutdownHandler(f Handler) HandlerID { return preShutdown.add(f) }

// DeregisterPreShutdownHandler removes a pre-shutdown handler.
func DeregisterPreShutdownHandler(id HandlerID) { preShutdown.remove(id) }

// SetGracefulTimeout bounds how long pre-shutdown handlers may run.
// Zero or negative restores the 30 second default.
func SetGracefulTimeout(timeout time.Duration) {
	timeoutMu.Lock()
	defer timeoutMu.Unlock()
	if timeout <= 0 {
		gracefulTimeout = defaultGracefulTimeout
	} else {
		gracefulTimeout = timeout
	}
}

// handlePreShutdown reports whether every pre-shutdown handler finished
// within the graceful timeout. A hung handler is abandoned, not killed.
func handlePreShutdown() bool {
	if preShutdown.len() == 0 {
		return true
	}
	timeoutMu.RLock()
	timeout := gracefulTimeout
	timeoutMu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		preShutdown.run()
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		fmt.Fprintf(os.Stderr, "signals: pre-shutdown handlers timed out after %s\n", timeout)
		return false
	}
}
