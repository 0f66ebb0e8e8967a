// Package memory provides the in-process job channel between the dispatcher
// and the workers, plus an in-memory urgent queue for single-node setups.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
	"github.com/JakeFAU/rdf-harvester/internal/metrics"
)

// ErrClosed is returned once the queue has been shut down.
var ErrClosed = harvest.ErrQueueClosed

// Queue hands jobs to workers over two bounded lanes. Urgent jobs (pull and
// push requests) always leave before scheduled ones, so an operator request
// never waits behind a backlog of periodic harvests. Enqueue blocks while a
// lane is full, which is what throttles the scheduler.
type Queue struct {
	urgent    chan harvest.Job
	scheduled chan harvest.Job
	done      chan struct{}
	closeOnce sync.Once
}

var _ harvest.Queue = (*Queue)(nil)

// NewQueue returns a queue holding at most capacity pending jobs per lane.
func NewQueue(capacity int) *Queue {
	return &Queue{
		urgent:    make(chan harvest.Job, capacity),
		scheduled: make(chan harvest.Job, capacity),
		done:      make(chan struct{}),
	}
}

// Enqueue puts job on its lane, waiting for room in the buffer.
func (q *Queue) Enqueue(ctx context.Context, job harvest.Job) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	lane := q.scheduled
	if job.Urgent() {
		lane = q.urgent
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s: %w", job.URL, ctx.Err())
	case <-q.done:
		return ErrClosed
	case lane <- job:
		metrics.SetJobQueueDepth(q.Len())
		return nil
	}
}

// Dequeue waits for the next job, preferring the urgent lane.
func (q *Queue) Dequeue(ctx context.Context) (harvest.Job, error) {
	if err := ctx.Err(); err != nil {
		return harvest.Job{}, fmt.Errorf("dequeue: %w", err)
	}
	select {
	case <-q.done:
		return harvest.Job{}, ErrClosed
	default:
	}
	select {
	case job := <-q.urgent:
		return q.took(job), nil
	default:
	}
	select {
	case <-ctx.Done():
		return harvest.Job{}, fmt.Errorf("dequeue: %w", ctx.Err())
	case <-q.done:
		return harvest.Job{}, ErrClosed
	case job := <-q.urgent:
		return q.took(job), nil
	case job := <-q.scheduled:
		return q.took(job), nil
	}
}

func (q *Queue) took(job harvest.Job) harvest.Job {
	metrics.SetJobQueueDepth(q.Len())
	return job
}

// Len reports how many jobs are waiting for a worker.
func (q *Queue) Len() int {
	return len(q.urgent) + len(q.scheduled)
}

// Drain removes and returns every buffered job, urgent ones first. It is
// meant for shutdown, after the workers have stopped, so urgent requests can
// be handed back to the durable urgent queue.
func (q *Queue) Drain() []harvest.Job {
	var out []harvest.Job
	for _, lane := range []chan harvest.Job{q.urgent, q.scheduled} {
		for empty := false; !empty; {
			select {
			case job := <-lane:
				out = append(out, job)
			default:
				empty = true
			}
		}
	}
	metrics.SetJobQueueDepth(q.Len())
	return out
}

// Close stops the queue. Buffered jobs stay available to Drain; scheduled
// ones are otherwise picked up again by the next scheduling pass. Close is
// idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
