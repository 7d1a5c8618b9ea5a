package resilience

import (
	"context"
	"errors"
	"time"
)

var (
	ErrBulkheadFull    = errors.New("bulkhead is full")
	ErrBulkheadTimeout = errors.New("bulkhead wait timeout")
)

// Bulkhead caps the number of concurrently running calls.
type Bulkhead struct {
	maxConcurrent int
	maxWait       time.Duration
	sem           chan struct{}
}

// NewBulkhead creates a bulkhead with maxConcurrent slots. A zero maxWait
// fails immediately when every slot is taken.
func NewBulkhead(maxConcurrent int, maxWait time.Duration) *Bulkhead {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Bulkhead{
		maxConcurrent: maxConcurrent,
		maxWait:       maxWait,
		sem:           make(chan struct{}, maxConcurrent),
	}
}

// Execute runs fn once a slot is free. Returns ErrBulkheadFull,
// ErrBulkheadTimeout or the context error without calling fn otherwise.
func (b *Bulkhead) Execute(ctx context.Context, fn func() error) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()

	return fn()
}

func (b *Bulkhead) acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	default:
	}

	if b.maxWait <= 0 {
		return ErrBulkheadFull
	}

	timer := time.NewTimer(b.maxWait)
	defer timer.Stop()

	select {
	case b.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrBulkheadTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bulkhead) release() {
	<-b.sem
}

// InUse returns the number of occupied slots
func (b *Bulkhead) InUse() int {
	return len(b.sem)
}

// Available returns the number of free slots
func (b *Bulkhead) Available() int {
	return b.maxConcurrent - len(b.sem)
}
