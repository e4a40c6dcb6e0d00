package source

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/basekick-labs/arcplay/internal/circuitbreaker"
	"github.com/rs/zerolog"
)

// ResilientConfig holds retry and breaker settings for remote sources.
type ResilientConfig struct {
	MaxFailures int
	Cooldown    time.Duration
	Probes      int

	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

func DefaultResilientConfig() *ResilientConfig {
	return &ResilientConfig{
		MaxFailures:   5,
		Cooldown:      30 * time.Second,
		Probes:        3,
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
		RetryMaxDelay: 5 * time.Second,
	}
}

// Resilient wraps an Opener so that opens and block fetches are retried with
// exponential backoff behind a circuit breaker. This is the only place I/O
// is retried; everything above the reader sees a single success or failure.
type Resilient struct {
	opener Opener
	cfg    *ResilientConfig
	cb     *circuitbreaker.CircuitBreaker
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewResilient(opener Opener, cfg *ResilientConfig, logger zerolog.Logger) *Resilient {
	if cfg == nil {
		cfg = DefaultResilientConfig()
	}
	return &Resilient{
		opener: opener,
		cfg:    cfg,
		cb: circuitbreaker.New(&circuitbreaker.Config{
			Name:        opener.Type() + "-source",
			MaxFailures: cfg.MaxFailures,
			Cooldown:    cfg.Cooldown,
			Probes:      cfg.Probes,
		}, logger),
		logger: logger.With().Str("component", "resilient-source").Logger(),
		sleep:  sleepCtx,
	}
}

func (r *Resilient) Open(ctx context.Context, name string) (Reader, error) {
	var rd Reader
	err := r.retry(ctx, "open", name, func() error {
		var err error
		rd, err = r.opener.Open(ctx, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &resilientReader{Reader: rd, parent: r, ctx: ctx, name: name}, nil
}

func (r *Resilient) Type() string { return r.opener.Type() }

func (r *Resilient) Close() error { return r.opener.Close() }

// Breaker exposes the breaker for status reporting.
func (r *Resilient) Breaker() *circuitbreaker.CircuitBreaker { return r.cb }

func (r *Resilient) retry(ctx context.Context, op, name string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		err := r.cb.Execute(fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrClosed) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == r.cfg.MaxRetries {
			break
		}

		delay := r.cfg.RetryDelay * time.Duration(1<<uint(attempt))
		if delay > r.cfg.RetryMaxDelay {
			delay = r.cfg.RetryMaxDelay
		}
		r.logger.Warn().
			Err(err).
			Str("op", op).
			Str("name", name).
			Int("attempt", attempt+1).
			Dur("retry_delay", delay).
			Msg("Source operation failed, retrying")

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resilientReader retries failed reads. Remote readers leave their position
// unchanged when a fetch fails, so a retried read resumes at the same offset.
type resilientReader struct {
	Reader
	parent *Resilient
	ctx    context.Context
	name   string
}

func (rr *resilientReader) Read(p []byte) (int, error) {
	var n int
	err := rr.parent.retry(rr.ctx, "read", rr.name, func() error {
		var err error
		n, err = rr.Reader.Read(p)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		return err
	})
	if err != nil {
		return n, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}
