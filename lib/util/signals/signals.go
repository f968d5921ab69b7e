// Package signals runs registered handlers on process signals: reload
// handlers on SIGHUP, and on SIGINT or SIGTERM the pre-shutdown handlers
// followed by the interrupt handlers.
package signals

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
)

// sigChan is buffered to avoid missing signals delivered while no receiver is ready.
var sigChan = make(chan os.Signal, 1)

// Handler is a function called when a signal is received.
type Handler func()

// HandlerID identifies a registration so it can be removed again.
type HandlerID int

type registeredHandler struct {
	id HandlerID
	fn Handler
}

// registry is an ordered handler list.
type registry struct {
	kind     string
	mu       sync.RWMutex
	handlers []registeredHandler
}

var (
	idMu     sync.Mutex
	nextID   HandlerID
	stopOnce sync.Once

	reloaders    = &registry{kind: "reload"}
	interrupters = &registry{kind: "interrupt"}
	preShutdown  = &registry{kind: "pre-shutdown"}
)

func newID() HandlerID {
	idMu.Lock()
	defer idMu.Unlock()
	id := nextID
	nextID++
	return id
}

// add appends f and returns its id; nil handlers are ignored and get -1.
func (r *registry) add(f Handler) HandlerID {
	if f == nil {
		return -1
	}
	id := newID()
	r.mu.Lock()
	r.handlers = append(r.handlers, registeredHandler{id: id, fn: f})
	r.mu.Unlock()
	return id
}

func (r *registry) remove(id HandlerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.handlers {
		if h.id == id {
			r.handlers = append(r.handlers[:i], r.handlers[i+1:]...)
			return
		}
	}
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

func (r *registry) reset() {
	r.mu.Lock()
	r.handlers = nil
	r.mu.Unlock()
}

func (r *registry) snapshot() []registeredHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]registeredHandler(nil), r.handlers...)
}

// run calls every handler in registration order. A panicking handler
// does not stop the ones after it.
func (r *registry) run() {
	for _, h := range r.snapshot() {
		func() {
			defer func() {
				if p := recover(); p != nil {
					// no logger here; stderr stays visible during shutdown
					fmt.Fprintf(os.Stderr, "signals: panic in %s handler: %v\n", r.kind, p)
				}
			}()
			h.fn()
		}()
	}
}

// RegisterReloadHandler registers a handler called on SIGHUP.
func RegisterReloadHandler(f Handler) HandlerID { return reloaders.add(f) }

// DeregisterReloadHandler removes a reload handler.
func DeregisterReloadHandler(id HandlerID) { reloaders.remove(id) }

// RegisterInterruptHandler registers a handler called on SIGINT or SIGTERM,
// after the pre-shutdown handlers.
func RegisterInterruptHandler(f Handler) HandlerID { return interrupters.add(f) }

// DeregisterInterruptHandler removes an interrupt handler.
func DeregisterInterruptHandler(id HandlerID) { interrupters.remove(id) }

func handleReload() { reloaders.run() }

// Shutdown runs the pre-shutdown handlers, bounded by the graceful
// timeout, then the interrupt handlers. Handle calls it on SIGINT and
// SIGTERM; callers may invoke it directly when shutting down for another
// reason.
func Shutdown() {
	handlePreShutdown()
	interrupters.run()
}

// StopHandle closes the signal channel, causing Handle() to return.
// Safe to call multiple times.
func StopHandle() {
	stopOnce.Do(func() {
		signal.Stop(sigChan)
		close(sigChan)
	})
}
