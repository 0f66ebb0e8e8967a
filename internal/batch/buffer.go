// Package batch provides a bounded accumulate-and-flush buffer.
package batch

import (
	"context"
	"errors"
	"fmt"
)

// FlushFunc writes rows and returns how many the store actually accepted.
// The slice is only valid for the duration of the call.
type FlushFunc[T any] func(ctx context.Context, rows []T) (int64, error)

// Buffer accumulates rows and hands them to a FlushFunc once the threshold is
// reached. It is not safe for concurrent use; one persister owns one buffer.
type Buffer[T any] struct {
	threshold int
	flush     FlushFunc[T]
	rows      []T

	pushed  int64
	stored  int64
	flushes int64
}

// NewBuffer returns a buffer that auto-flushes every threshold rows.
func NewBuffer[T any](threshold int, flush FlushFunc[T]) (*Buffer[T], error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("batch threshold must be positive, got %d", threshold)
	}
	if flush == nil {
		return nil, errors.New("flush func is required")
	}
	return &Buffer[T]{
		threshold: threshold,
		flush:     flush,
		rows:      make([]T, 0, min(threshold, 4096)),
	}, nil
}

// Push appends one row and flushes when the buffer is full.
func (b *Buffer[T]) Push(ctx context.Context, row T) error {
	b.rows = append(b.rows, row)
	b.pushed++
	if len(b.rows) >= b.threshold {
		return b.Flush(ctx)
	}
	return nil
}

// Flush writes any buffered rows. An empty buffer is a no-op. On error the
// buffered rows are dropped: the caller is expected to abort the whole session.
func (b *Buffer[T]) Flush(ctx context.Context) error {
	if len(b.rows) == 0 {
		return nil
	}
	n, err := b.flush(ctx, b.rows)
	clear(b.rows)
	b.rows = b.rows[:0]
	if err != nil {
		return err
	}
	b.stored += n
	b.flushes++
	return nil
}

// Len returns the number of rows waiting to be flushed.
func (b *Buffer[T]) Len() int { return len(b.rows) }

// Pushed returns the number of rows ever pushed.
func (b *Buffer[T]) Pushed() int64 { return b.pushed }

// Stored sums the accepted-row counts reported by successful flushes.
func (b *Buffer[T]) Stored() int64 { return b.stored }

// Flushes returns the number of successful non-empty flushes.
func (b *Buffer[T]) Flushes() int64 { return b.flushes }
