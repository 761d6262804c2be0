// Package limiter bounds the number of external calls a research session has in flight.
package limiter

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// CallLimiter is a counting semaphore shared by every model and search call of one
// session. Callers over the bound suspend until a slot frees or their context ends.
type CallLimiter struct {
	sem   *semaphore.Weighted
	limit int64

	mu       sync.RWMutex
	inFlight int64
	peak     int64
	acquired int64
}

// New creates a limiter allowing limit concurrent calls
func New(limit int) (*CallLimiter, error) {
	if limit < 1 {
		return nil, fmt.Errorf("limiter: limit must be at least 1, got %d", limit)
	}
	return &CallLimiter{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: int64(limit),
	}, nil
}

// Acquire blocks until a slot is free. It returns ctx.Err() if the context ends first.
func (l *CallLimiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	l.mu.Lock()
	l.inFlight++
	l.acquired++
	if l.inFlight > l.peak {
		l.peak = l.inFlight
	}
	l.mu.Unlock()
	return nil
}

// Release frees a slot taken by Acquire
func (l *CallLimiter) Release() {
	l.mu.Lock()
	if l.inFlight > 0 {
		l.inFlight--
	}
	l.mu.Unlock()
	l.sem.Release(1)
}

// Do runs fn while holding one slot
func (l *CallLimiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn(ctx)
}

// InFlight returns the number of slots currently held
func (l *CallLimiter) InFlight() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.inFlight
}

// Peak returns the highest number of slots held at once
func (l *CallLimiter) Peak() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.peak
}

// Acquired returns how many slots were handed out in total
func (l *CallLimiter) Acquired() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.acquired
}

// Limit returns the configured bound
func (l *CallLimiter) Limit() int64 {
	return l.limit
}
