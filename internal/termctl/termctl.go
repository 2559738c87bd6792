// Package termctl implements spec §4.F's ESC-interrupts-terminal-execute
// behavior: while a terminal-execute call is in flight, the scheduler puts
// the controlling terminal into raw mode and listens for an ESC byte on
// stdin, canceling that one child call (not the whole turn) when it
// arrives. Grounded in the pack's golang.org/x/term usage for terminal-mode
// queries, generalized from a read-only IsTerminal check to a full
// MakeRaw/Restore cycle scoped to a single tool call.
package termctl

import (
	"context"
	"os"
	"sync"

	"golang.org/x/term"

	"github.com/xonecas/snowcore/internal/scheduler"
)

const escByte = 0x1b

// Watcher implements scheduler.EscWatcher against the process's own
// stdin/stdout. It is safe for concurrent use by at most one in-flight
// terminal-execute call at a time, matching the "terminal-execution"
// resource partition's own serialization guarantee.
type Watcher struct {
	mu sync.Mutex
}

// New returns a Watcher bound to the process's controlling terminal. On a
// non-terminal stdin (piped input, a background service process) Watch
// becomes a no-op that simply forwards ctx, since there is no keyboard to
// read ESC from.
func New() *Watcher {
	return &Watcher{}
}

// Watch implements scheduler.EscWatcher.
func (w *Watcher) Watch(ctx context.Context) (context.Context, func()) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return ctx, func() {}
	}

	w.mu.Lock()
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		w.mu.Unlock()
		return ctx, func() {}
	}

	watched, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	// os.Stdin.Read blocks until a byte arrives; closing stopped only stops
	// the loop once the pending read returns (next keystroke, EOF, or
	// process exit), so this goroutine can outlive a single call by one
	// keystroke. Harmless: it only ever cancels a context nobody is
	// listening to anymore.
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if n > 0 && buf[0] == escByte {
				cancel()
				return
			}
			select {
			case <-stopped:
				return
			default:
			}
		}
	}()

	stop := func() {
		close(stopped)
		cancel()
		_ = term.Restore(fd, oldState)
		w.mu.Unlock()
	}
	return watched, stop
}

var _ scheduler.EscWatcher = (*Watcher)(nil)
