package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/eternisai/seo-research/internal/research"
)

// RateLimiter throttles every outbound provider call. Callers wait for a slot
// when the window is exhausted; once queueMax callers are already waiting,
// further callers fail fast with ErrRateLimited.
type RateLimiter struct {
	limiter  *rate.Limiter
	waiting  atomic.Int64
	queueMax int64
}

// NewRateLimiter allows max calls per window with bursts up to max.
func NewRateLimiter(window time.Duration, max, queueMax int) *RateLimiter {
	if max <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0), queueMax: int64(queueMax)}
	}
	return &RateLimiter{
		limiter:  rate.NewLimiter(rate.Every(window/time.Duration(max)), max),
		queueMax: int64(queueMax),
	}
}

// Wait blocks until a call may be made.
func (l *RateLimiter) Wait(ctx context.Context) error {
	if l.limiter.Allow() {
		return nil
	}

	if l.waiting.Add(1) > l.queueMax {
		l.waiting.Add(-1)
		return fmt.Errorf("%w: wait queue full", ErrRateLimited)
	}
	defer l.waiting.Add(-1)

	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return nil
}

// Waiting returns the number of callers currently queued.
func (l *RateLimiter) Waiting() int {
	return int(l.waiting.Load())
}

// Limit wraps p so its outbound calls go through l. The result is Pollable
// if p is.
func Limit(p Provider, l *RateLimiter) Provider {
	base := &limited{inner: p, limiter: l}
	if pp, ok := p.(Pollable); ok {
		return &limitedPollable{limited: base, poller: pp}
	}
	return base
}

type limited struct {
	inner   Provider
	limiter *RateLimiter
}

func (p *limited) Name() string { return p.inner.Name() }

func (p *limited) SubmitTask(ctx context.Context, endpoint string, payload json.RawMessage) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return p.inner.SubmitTask(ctx, endpoint, payload)
}

func (p *limited) EstimateCost(t research.QueryType, payload json.RawMessage) (research.Micros, error) {
	return p.inner.EstimateCost(t, payload)
}

type limitedPollable struct {
	*limited
	poller Pollable
}

func (p *limitedPollable) PollTask(ctx context.Context, providerTaskID string) (PollResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return PollResult{}, err
	}
	return p.poller.PollTask(ctx, providerTaskID)
}
