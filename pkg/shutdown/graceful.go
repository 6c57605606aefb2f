// Package shutdown runs registered cleanup hooks when the process is asked
// to stop.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/logger"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// Handler manages graceful shutdown of the application
type Handler struct {
	mu      sync.Mutex
	hooks   []hook
	done    chan struct{}
	once    sync.Once
	timeout time.Duration
	logger  *logger.Logger
}

// NewHandler returns a handler whose hooks share a total budget of timeout.
func NewHandler(timeout time.Duration, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		done:    make(chan struct{}),
		timeout: timeout,
		logger:  log.WithComponent("shutdown"),
	}
}

// Register adds a hook. Hooks run in reverse registration order.
func (h *Handler) Register(name string, fn func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook{name: name, fn: fn})
}

// Wait blocks until SIGINT, SIGTERM or ctx cancellation, then shuts down.
func (h *Handler) Wait(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		h.logger.Infow("Received signal, starting graceful shutdown", "signal", sig.String())
	case <-ctx.Done():
		h.logger.Infow("Context cancelled, starting graceful shutdown")
	}
	return h.Shutdown()
}

// Shutdown runs every hook once, even when earlier hooks fail, and returns
// the joined errors. Later calls are no-ops.
func (h *Handler) Shutdown() error {
	var err error
	h.once.Do(func() {
		defer close(h.done)

		h.mu.Lock()
		hooks := make([]hook, len(h.hooks))
		copy(hooks, h.hooks)
		h.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()

		var errs []error
		for i := len(hooks) - 1; i >= 0; i-- {
			if hookErr := hooks[i].fn(ctx); hookErr != nil {
				h.logger.Errorw("Error during shutdown", "hook", hooks[i].name, "error", hookErr)
				errs = append(errs, fmt.Errorf("%s: %w", hooks[i].name, hookErr))
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

// Done is closed once Shutdown has finished.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}
