// Package shutdown coordinates signal handling and ordered teardown.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"metafeed/pkg/logger"
)

var (
	mu    sync.Mutex
	hooks []func()
)

// RegisterHook adds fn to the teardown list. Hooks run LIFO, so resources
// registered later (which usually depend on earlier ones) close first.
func RegisterHook(fn func()) {
	mu.Lock()
	defer mu.Unlock()
	hooks = append(hooks, fn)
}

// RunHooks executes all registered hooks exactly once, newest first.
func RunHooks() {
	mu.Lock()
	pending := hooks
	hooks = nil
	mu.Unlock()
	for i := len(pending) - 1; i >= 0; i-- {
		pending[i]()
	}
}

// SetupSignalHandler installs handlers for SIGINT/SIGTERM and returns a
// context cancelled when either arrives.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigc
		logger.Info("signal_received", "signal", s.String(), "msg", "shutdown requested")
		cancel()
	}()

	return ctx, cancel
}
