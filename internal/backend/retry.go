package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// Compile-time check that Retrying implements Indexer.
var _ Indexer = (*Retrying)(nil)

// Retrying wraps an Indexer with bounded exponential backoff on transient
// failures. Once attempts are exhausted a transient error is reported as
// ErrFailure so the caller can mark the affected record failed/degraded.
// Poll calls additionally pass through a rate limiter so reconcile passes
// cannot hammer the backend.
type Retrying struct {
	inner       Indexer
	maxAttempts int
	backoffBase time.Duration
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// NewRetrying wraps inner. maxAttempts <= 0 defaults to 4; backoffBase <= 0
// defaults to 1s; pollsPerSecond <= 0 defaults to 10.
func NewRetrying(inner Indexer, maxAttempts int, backoffBase time.Duration, pollsPerSecond float64) *Retrying {
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	if pollsPerSecond <= 0 {
		pollsPerSecond = 10
	}
	return &Retrying{
		inner:       inner,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		limiter:     rate.NewLimiter(rate.Limit(pollsPerSecond), 1),
		logger:      slog.Default(),
	}
}

func (r *Retrying) SubmitEngine(ctx context.Context, spec EngineSpec) (Handle, error) {
	var h Handle
	err := r.retry(ctx, "submit_engine", func() error {
		var err error
		h, err = r.inner.SubmitEngine(ctx, spec)
		return err
	})
	return h, err
}

func (r *Retrying) SubmitDocument(ctx context.Context, engineRef string, doc DocumentPayload) (Handle, error) {
	var h Handle
	err := r.retry(ctx, "submit_document", func() error {
		var err error
		h, err = r.inner.SubmitDocument(ctx, engineRef, doc)
		return err
	})
	return h, err
}

func (r *Retrying) RequestDeletion(ctx context.Context, engineRef, documentRef string) (Handle, error) {
	var h Handle
	err := r.retry(ctx, "request_deletion", func() error {
		var err error
		h, err = r.inner.RequestDeletion(ctx, engineRef, documentRef)
		return err
	})
	return h, err
}

func (r *Retrying) PollStatus(ctx context.Context, h Handle) (Poll, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Poll{}, err
	}
	var p Poll
	err := r.retry(ctx, "poll_status", func() error {
		var err error
		p, err = r.inner.PollStatus(ctx, h)
		return err
	})
	return p, err
}

func (r *Retrying) Query(ctx context.Context, engineRef, question string) (QueryOutput, error) {
	var out QueryOutput
	err := r.retry(ctx, "query", func() error {
		var err error
		out, err = r.inner.Query(ctx, engineRef, question)
		return err
	})
	return out, err
}

func transient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}

func (r *Retrying) retry(ctx context.Context, op string, call func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		lastErr = call()
		if lastErr == nil || !transient(lastErr) {
			return lastErr
		}
		if attempt == r.maxAttempts {
			break
		}

		backoff := time.Duration(math.Pow(2, float64(attempt-1))) * r.backoffBase
		r.logger.Warn("backend call failed, retrying",
			"op", op, "attempt", attempt, "backoff", backoff, "error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("%w: %s gave up after %d attempts: %v", ErrFailure, op, r.maxAttempts, lastErr)
}
