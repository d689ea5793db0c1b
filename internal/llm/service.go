package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ServiceConfig tunes the call discipline wrapped around a Provider.
type ServiceConfig struct {
	MaxConcurrent int           // in-flight calls across all callers (0 = 4)
	RatePerSecond float64       // sustained request rate (0 = unlimited)
	Burst         int           // rate limiter burst (0 = 1)
	MaxRetries    int           // retries after the first attempt for retryable errors
	BackoffBase   time.Duration // first backoff step, doubled per attempt (0 = 1s)
	Logger        *slog.Logger
}

// Service is the completion capability used by the pipeline: a Provider with
// a concurrency cap, optional rate limiting and retry with backoff for
// retryable failures. Non-retryable failures return immediately.
type Service struct {
	provider Provider
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	retries  int
	backoff  time.Duration
	log      *slog.Logger
}

// NewService wraps p with the given call discipline.
func NewService(p Provider, cfg ServiceConfig) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	s := &Service{
		provider: p,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		retries:  cfg.MaxRetries,
		backoff:  cfg.BackoffBase,
		log:      cfg.Logger,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "llm", "provider", p.Name())
	return s
}

// Name returns the wrapped provider's name.
func (s *Service) Name() string { return s.provider.Name() }

// Complete runs req with retries. The returned error is always an *Error.
func (s *Service) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr *Error
	for attempt := 0; attempt <= s.retries; attempt++ {
		resp, err := s.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = Classify(err)

		if !lastErr.Retryable || attempt == s.retries {
			break
		}
		if ctx.Err() != nil {
			return nil, Classify(ctx.Err())
		}

		// Exponential backoff: base, 2*base, 4*base
		wait := s.backoff * time.Duration(1<<attempt)
		if lastErr.RetryAfter > 0 {
			wait = lastErr.RetryAfter
		}
		s.log.Warn("completion failed, retrying",
			"attempt", attempt+1, "code", lastErr.Code, "wait", wait, "error", lastErr.Message)

		select {
		case <-ctx.Done():
			return nil, Classify(ctx.Err())
		case <-time.After(wait):
		}
	}
	if s.retries > 0 && lastErr.Retryable {
		lastErr.Message = fmt.Sprintf("after %d attempts: %s", s.retries+1, lastErr.Message)
	}
	return nil, lastErr
}

func (s *Service) attempt(ctx context.Context, req Request) (*Response, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	resp, err := s.provider.Complete(callCtx, req)
	if err != nil {
		// A per-attempt deadline surfaces as a timeout even if the provider
		// reported a transport error.
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, newError(CodeTimeout, 0, fmt.Sprintf("no response within %s", req.Timeout), err)
		}
		return nil, err
	}
	return resp, nil
}
