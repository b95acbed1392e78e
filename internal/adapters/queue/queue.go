// Package queue carries simulation ids from the submission side to the
// worker runtime. The source is a wake-up channel, not the source of
// truth; workers always re-verify a dequeued id against the store by
// claiming it.
package queue

import (
	"context"
	"errors"
	"time"
)

// IDSource hands out simulation ids for workers to attempt to claim.
type IDSource interface {
	// Next blocks up to the source's wait timeout for the next id.
	// ok=false with nil error means no id arrived in time; callers loop.
	Next(ctx context.Context) (id string, ok bool, err error)
}

// Enqueuer accepts simulation ids on the submission side.
type Enqueuer interface {
	Enqueue(ctx context.Context, id string) error
}

// MemorySource is a channel-backed IDSource for tests and single-process
// deployments where Redis is disabled.
type MemorySource struct {
	ids         chan string
	waitTimeout time.Duration
}

// MemorySourceOptions configure a MemorySource.
type MemorySourceOptions struct {
	BufferSize  int           // Optional: defaults to 64
	WaitTimeout time.Duration // Optional: defaults to 1s
}

// NewMemorySource constructs a MemorySource.
func NewMemorySource(opts MemorySourceOptions) *MemorySource {
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = 64
	}
	waitTimeout := opts.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = time.Second
	}
	return &MemorySource{
		ids:         make(chan string, bufferSize),
		waitTimeout: waitTimeout,
	}
}

// Enqueue implements Enqueuer. Blocks when the buffer is full.
func (s *MemorySource) Enqueue(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	select {
	case s.ids <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next implements IDSource.
func (s *MemorySource) Next(ctx context.Context) (string, bool, error) {
	timer := time.NewTimer(s.waitTimeout)
	defer timer.Stop()

	select {
	case id := <-s.ids:
		return id, true, nil
	case <-timer.C:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}
