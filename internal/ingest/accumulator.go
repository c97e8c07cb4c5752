// Package ingest bulk-imports tasks from CSV.
package ingest

import (
	"context"
)

// FlushFunc receives one full batch.
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// Accumulator buffers items and flushes them when the threshold is reached
// and once more on Close for the remainder.
type Accumulator[T any] struct {
	threshold int
	flush     FlushFunc[T]
	buf       []T
	flushed   int
}

func NewAccumulator[T any](threshold int, flush FlushFunc[T]) *Accumulator[T] {
	if threshold <= 0 {
		threshold = 1
	}
	return &Accumulator[T]{
		threshold: threshold,
		flush:     flush,
		buf:       make([]T, 0, threshold),
	}
}

func (a *Accumulator[T]) Add(ctx context.Context, item T) error {
	a.buf = append(a.buf, item)
	if len(a.buf) < a.threshold {
		return nil
	}
	return a.drain(ctx)
}

// Close flushes whatever is buffered.
func (a *Accumulator[T]) Close(ctx context.Context) error {
	if len(a.buf) == 0 {
		return nil
	}
	return a.drain(ctx)
}

// Flushed reports how many items reached the flush func.
func (a *Accumulator[T]) Flushed() int {
	return a.flushed
}

func (a *Accumulator[T]) drain(ctx context.Context) error {
	batch := a.buf
	a.buf = make([]T, 0, a.threshold)
	if err := a.flush(ctx, batch); err != nil {
		return err
	}
	a.flushed += len(batch)
	return nil
}
