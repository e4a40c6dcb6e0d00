// Package shutdown runs registered cleanup steps in priority order when the
// process is asked to stop.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Closer is anything with a Close method.
type Closer interface {
	Close() error
}

// Func is a cleanup step that honors the shutdown deadline.
type Func func(ctx context.Context) error

// Priorities for the serve command. Lower runs first.
const (
	PriorityHTTPServer = 10 // stop accepting requests
	PriorityIterators  = 20 // release open cursors
	PriorityLoader     = 30 // close the file
	PrioritySource     = 40 // release storage clients
)

type step struct {
	name     string
	fn       Func
	priority int
}

// Coordinator manages graceful shutdown of all components
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	once    sync.Once
	trigger sync.Once
	done    chan struct{}
	err     error
}

func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout: timeout,
		logger:  logger.With().Str("component", "shutdown").Logger(),
		done:    make(chan struct{}),
	}
}

// Register closes c during shutdown.
func (c *Coordinator) Register(name string, closer Closer, priority int) {
	c.RegisterFunc(name, func(context.Context) error { return closer.Close() }, priority)
}

// RegisterFunc runs fn during shutdown.
func (c *Coordinator) RegisterFunc(name string, fn Func, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step{name: name, fn: fn, priority: priority})
	c.logger.Debug().Str("name", name).Int("priority", priority).Msg("Registered shutdown step")
}

// WaitForSignal blocks until SIGINT or SIGTERM arrives, Trigger is called
// or ctx is done.
func (c *Coordinator) WaitForSignal(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		c.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-c.done:
	case <-ctx.Done():
	}
}

// Trigger wakes WaitForSignal. It is safe to call from many goroutines.
func (c *Coordinator) Trigger() {
	c.trigger.Do(func() { close(c.done) })
}

// Shutdown runs every step once, lowest priority first, within the
// timeout. Steps still pending at the deadline are skipped. The first error
// is returned; later calls return the same result.
func (c *Coordinator) Shutdown() error {
	c.once.Do(func() {
		c.Trigger()

		c.mu.Lock()
		steps := append([]step(nil), c.steps...)
		c.mu.Unlock()
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].priority < steps[j].priority })

		c.logger.Info().Dur("timeout", c.timeout).Int("steps", len(steps)).Msg("Starting graceful shutdown")
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		start := time.Now()

		var errs []error
		for _, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().Str("step", s.name).Msg("Shutdown timeout reached, skipping remaining steps")
				errs = append(errs, ctx.Err())
				break
			}
			if err := s.fn(ctx); err != nil {
				c.logger.Error().Err(err).Str("step", s.name).Msg("Shutdown step failed")
				errs = append(errs, err)
				continue
			}
			c.logger.Debug().Str("step", s.name).Msg("Shutdown step complete")
		}

		if len(errs) > 0 {
			c.err = errs[0]
		}
		c.logger.Info().Dur("duration", time.Since(start)).Msg("Graceful shutdown complete")
	})
	return c.err
}
