// Package dispatcher feeds the worker pool from the periodic schedule and the
// urgent queue, and runs the maintenance loops.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
	"github.com/JakeFAU/rdf-harvester/internal/hash"
	"github.com/JakeFAU/rdf-harvester/internal/inflight"
	"github.com/JakeFAU/rdf-harvester/internal/metrics"
	"github.com/JakeFAU/rdf-harvester/internal/worker"
)

// Config controls loop cadence. A zero interval disables that loop.
type Config struct {
	ScheduleInterval   time.Duration
	ScheduleBatchLimit int
	UrgentPollInterval time.Duration
	// UrgentBatch caps how many urgent items are drained per tick.
	UrgentBatch          int
	ReapInterval         time.Duration
	HistoryPruneInterval time.Duration
	HistoryKeep          int
}

// Deps are the collaborators of a Dispatcher. Reaper and History are only
// needed when their loops are enabled.
type Deps struct {
	Queue    harvest.Queue
	Registry harvest.SourceRegistry
	Urgent   harvest.UrgentQueue
	Reaper   harvest.Reaper
	History  harvest.HistoryStore
	// Pending is shared with the workers, which release scheduled sources once
	// their harvest ends.
	Pending *inflight.Set
	// Busy holds the sources with an open persister session. Urgent requests
	// for them stay in the urgent queue until the session ends.
	Busy  *inflight.Set
	Clock harvest.Clock
}

// drainer is implemented by job queues that can hand back buffered jobs on
// shutdown.
type drainer interface {
	Drain() []harvest.Job
}

// shutdownRequeueTimeout bounds handing buffered urgent jobs back on shutdown.
const shutdownRequeueTimeout = 10 * time.Second

// Dispatcher fans queue work out to a pool of workers.
type Dispatcher struct {
	deps    Deps
	cfg     Config
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(deps Deps, cfg Config, workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UrgentBatch <= 0 {
		cfg.UrgentBatch = max(len(workers), 1)
	}
	if deps.Pending == nil {
		deps.Pending = inflight.New()
	}
	return &Dispatcher{
		deps:    deps,
		cfg:     cfg,
		workers: workers,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts all workers and loops and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	d.loop(ctx, &wg, "schedule", d.cfg.ScheduleInterval, d.ScheduleDue)
	d.loop(ctx, &wg, "urgent", d.cfg.UrgentPollInterval, d.DrainUrgent)
	if d.deps.Reaper != nil {
		d.loop(ctx, &wg, "reap", d.cfg.ReapInterval, d.reap)
	}
	if d.deps.History != nil && d.cfg.HistoryKeep > 0 {
		d.loop(ctx, &wg, "prune history", d.cfg.HistoryPruneInterval, d.pruneHistory)
	}
	<-ctx.Done()
	wg.Wait()
	d.returnBufferedUrgent(ctx)
}

// returnBufferedUrgent hands urgent jobs nobody picked up back to the urgent
// queue. Scheduled jobs are dropped; the next scheduling pass finds them.
func (d *Dispatcher) returnBufferedUrgent(ctx context.Context) {
	q, ok := d.deps.Queue.(drainer)
	if !ok || d.deps.Urgent == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownRequeueTimeout)
	defer cancel()
	returned := 0
	for _, job := range q.Drain() {
		if !job.Urgent() {
			d.deps.Pending.Remove(job.SourceHash)
			continue
		}
		d.returnUrgent(ctx, job)
		returned++
	}
	if returned > 0 {
		d.logger.Info("urgent requests returned to the urgent queue", zap.Int("returned", returned))
	}
}

// loop runs fn immediately and then on every tick until ctx ends.
func (d *Dispatcher) loop(ctx context.Context, wg *sync.WaitGroup, name string, every time.Duration, fn func(context.Context) error) {
	if every <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("loop iteration failed", zap.String("loop", name), zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// ScheduleDue enqueues every due source returned by the registry that is not
// already queued or running. Urgent requests are drained first so they keep
// their place ahead of the periodic schedule. Sources that are not due yet are
// skipped, not treated as the end of the list, because priority sources sort
// first.
func (d *Dispatcher) ScheduleDue(ctx context.Context) error {
	if d.deps.Urgent != nil {
		if err := d.DrainUrgent(ctx); err != nil {
			return err
		}
	}
	sources, err := d.deps.Registry.NextScheduledSources(ctx, d.cfg.ScheduleBatchLimit)
	if err != nil {
		return fmt.Errorf("next scheduled sources: %w", err)
	}
	queued := 0
	for _, src := range sources {
		if !src.Due() {
			continue
		}
		if !d.deps.Pending.TryAdd(src.URLHash) {
			continue
		}
		job := harvest.Job{
			URL:        src.URL,
			SourceHash: src.URLHash,
			Type:       harvest.TypeScheduled,
			Submitted:  d.deps.Clock.Now(),
		}
		if err := d.Enqueue(ctx, job); err != nil {
			d.deps.Pending.Remove(src.URLHash)
			return err
		}
		queued++
	}
	if queued > 0 {
		d.logger.Info("scheduled harvests queued", zap.Int("queued", queued), zap.Int("candidates", len(sources)))
	}
	return nil
}

// DrainUrgent moves up to UrgentBatch urgent requests onto the job queue.
// Poll removes an item from the urgent queue, so an item that cannot be
// handed to the workers is put back rather than lost. Requests for a source
// that is being harvested right now are put back too, and the pass stops once
// it meets one of them a second time.
func (d *Dispatcher) DrainUrgent(ctx context.Context) error {
	deferred := make(map[string]struct{})
	for i := 0; i < d.cfg.UrgentBatch; i++ {
		item, ok, err := d.deps.Urgent.Poll(ctx)
		if err != nil {
			return fmt.Errorf("poll urgent queue: %w", err)
		}
		if !ok {
			return nil
		}
		job := harvest.JobFromUrgent(item)
		kind := string(job.Type)
		metrics.ObserveUrgentItem(kind, "dequeued")

		if d.deps.Busy != nil && d.deps.Busy.Contains(hash.URL(job.URL)) {
			d.returnUrgent(ctx, job)
			metrics.ObserveUrgentItem(kind, "deferred")
			if _, seen := deferred[job.URL]; seen {
				return nil
			}
			deferred[job.URL] = struct{}{}
			continue
		}
		if err := d.Enqueue(ctx, job); err != nil {
			d.returnUrgent(ctx, job)
			return err
		}
	}
	return nil
}

// returnUrgent puts job back on the urgent queue even when ctx is already
// canceled, which is the usual case during shutdown.
func (d *Dispatcher) returnUrgent(ctx context.Context, job harvest.Job) {
	if err := harvest.RequeueUrgent(context.WithoutCancel(ctx), d.deps.Urgent, job); err != nil {
		d.logger.Error("urgent request lost",
			zap.String("source_url", job.URL), zap.String("type", string(job.Type)), zap.Error(err))
		return
	}
	metrics.ObserveUrgentItem(string(job.Type), "requeued")
}

func (d *Dispatcher) reap(ctx context.Context) error {
	report, err := d.deps.Reaper.ReapQueued(ctx)
	if err != nil {
		return fmt.Errorf("reap queued sources: %w", err)
	}
	if report.Queued > 0 {
		d.logger.Info("reaper pass finished",
			zap.Int("queued", report.Queued),
			zap.Int("deleted", report.Deleted),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
		)
	}
	return nil
}

func (d *Dispatcher) pruneHistory(ctx context.Context) error {
	if err := d.deps.History.DeleteHarvestHistory(ctx, d.cfg.HistoryKeep); err != nil {
		return fmt.Errorf("prune harvest history: %w", err)
	}
	return nil
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, job harvest.Job) error {
	if err := d.deps.Queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
