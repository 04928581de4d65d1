// Package gateway wraps every external model call the pipeline makes with
// bounded concurrency, per-call timeouts, and a rate-limit-aware retry state
// machine. The limiting resource is the provider's rate budget, not local
// CPU, so one gateway (and one slot pool) is shared by every stage.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"themeline/internal/logging"
)

// Operation is a single attempt against an external model endpoint. Results
// are captured by the closure; the gateway only sees success or failure.
type Operation func(ctx context.Context) error

// Config tunes the gateway.
type Config struct {
	// MaxConcurrent bounds simultaneous in-flight model calls across all
	// stages.
	MaxConcurrent int
	// CallTimeout bounds one attempt. A stuck connection is not a rate
	// limit condition; it is cut here and retried as transient.
	CallTimeout time.Duration
	// BaseBackoff seeds the exponential backoff (base * 2^attempt).
	BaseBackoff time.Duration
	// MaxBackoff caps any computed wait, parsed retry-after included.
	// Guards against pathological provider hints.
	MaxBackoff time.Duration
	// MaxRetries is the default retry cap when callers pass maxRetries <= 0.
	MaxRetries int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 5,
		CallTimeout:   120 * time.Second,
		BaseBackoff:   2 * time.Second,
		MaxBackoff:    3600 * time.Second,
		MaxRetries:    3,
	}
}

// Metrics exposes gateway counters for quota tuning.
type Metrics struct {
	TotalCalls      int64
	TotalRetries    int64
	RateLimitHits   int64
	TotalWaitTime   time.Duration
	CurrentInFlight int
}

// Gateway serializes external model access.
type Gateway struct {
	cfg   Config
	slots chan struct{}

	totalCalls    atomic.Int64
	totalRetries  atomic.Int64
	rateLimitHits atomic.Int64
	totalWaitNs   atomic.Int64
	inFlight      atomic.Int32

	// sleep is swapped out by tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a gateway from config, applying defaults to zero values.
func New(cfg Config) *Gateway {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	return &Gateway{
		cfg:   cfg,
		slots: make(chan struct{}, cfg.MaxConcurrent),
		sleep: sleepCtx,
	}
}

// Execute runs op with slot limiting, per-attempt timeout, and retry.
//
// Classification per attempt:
//   - rate-limit responses (typed RateLimitError or recognizable text)
//     retry after min(parsed retry-after, base*2^attempt), capped;
//   - transient provider errors (timeout, 5xx, dropped connection) retry on
//     the plain exponential backoff path;
//   - everything else propagates immediately with no retry.
//
// The provider identifier is always supplied by the caller; the gateway
// never assumes which provider it is fronting. On exhaustion a rate-limited
// call surfaces a *RateLimitError carrying the last parsed retry-after and
// usage.
func (g *Gateway) Execute(ctx context.Context, provider string, maxRetries int, op Operation) error {
	if maxRetries <= 0 {
		maxRetries = g.cfg.MaxRetries
	}
	log := logging.L(logging.CategoryGateway)

	var lastRateLimit *RateLimitError
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := g.attempt(ctx, op)
		if err == nil {
			if attempt > 0 {
				log.Infow("call succeeded after retry", "provider", provider, "attempt", attempt+1)
			}
			return nil
		}
		lastErr = err

		// Parent cancellation is not the provider's fault; stop here.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var rle *RateLimitError
		switch {
		case errors.As(err, &rle):
			// Provider client already produced a typed error; trust it but
			// fill in anything it left blank.
			if rle.Provider == "" {
				rle.Provider = provider
			}
			if rle.RetryAfter <= 0 {
				rle.RetryAfter = DefaultRetryAfter
			}
			lastRateLimit = rle
		case isRateLimitText(err.Error()):
			lastRateLimit = ParseRateLimit(provider, err.Error())
		case isTransientText(err.Error()):
			lastRateLimit = nil
		default:
			// Fatal for this unit of work; sibling units are unaffected.
			return err
		}

		if attempt == maxRetries {
			break
		}

		wait := g.backoff(attempt, lastRateLimit)
		g.totalRetries.Add(1)
		if lastRateLimit != nil {
			g.rateLimitHits.Add(1)
			log.Warnw("rate limited, backing off",
				"provider", provider,
				"attempt", attempt+1,
				"max_retries", maxRetries,
				"wait", wait,
				"quota_pct", quotaPct(lastRateLimit))
		} else {
			log.Warnw("transient provider error, backing off",
				"provider", provider,
				"attempt", attempt+1,
				"max_retries", maxRetries,
				"wait", wait,
				"error", err.Error())
		}

		start := time.Now()
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
		g.totalWaitNs.Add(int64(time.Since(start)))
	}

	if lastRateLimit != nil {
		log.Errorw("retries exhausted on rate limit",
			"provider", provider,
			"attempts", maxRetries+1,
			"retry_after_s", lastRateLimit.RetryAfterSeconds())
		return lastRateLimit
	}
	log.Errorw("retries exhausted", "provider", provider, "attempts", maxRetries+1, "error", lastErr)
	return fmt.Errorf("%s: %d attempts failed: %w", provider, maxRetries+1, lastErr)
}

// attempt acquires a slot, applies the per-call timeout, and runs op once.
func (g *Gateway) attempt(ctx context.Context, op Operation) error {
	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.slots }()

	g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	g.totalCalls.Add(1)

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	err := op(callCtx)
	if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		// Per-call timeout fired while the request as a whole is alive:
		// treat as a transient provider stall.
		return fmt.Errorf("call timed out after %v: %w", g.cfg.CallTimeout, err)
	}
	return err
}

// backoff computes the wait before the next attempt:
// min(parsed retry-after, base*2^attempt), capped at MaxBackoff.
func (g *Gateway) backoff(attempt int, rle *RateLimitError) time.Duration {
	exp := g.cfg.BaseBackoff << uint(attempt)
	if exp <= 0 || exp > g.cfg.MaxBackoff {
		exp = g.cfg.MaxBackoff
	}
	wait := exp
	if rle != nil && rle.RetryAfter > 0 && rle.RetryAfter < wait {
		wait = rle.RetryAfter
	}
	if wait > g.cfg.MaxBackoff {
		wait = g.cfg.MaxBackoff
	}
	return wait
}

// Metrics returns a snapshot of gateway counters.
func (g *Gateway) Metrics() Metrics {
	return Metrics{
		TotalCalls:      g.totalCalls.Load(),
		TotalRetries:    g.totalRetries.Load(),
		RateLimitHits:   g.rateLimitHits.Load(),
		TotalWaitTime:   time.Duration(g.totalWaitNs.Load()),
		CurrentInFlight: int(g.inFlight.Load()),
	}
}

func quotaPct(rle *RateLimitError) float64 {
	if rle.Usage == nil {
		return 0
	}
	return rle.Usage.PercentUsed()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
