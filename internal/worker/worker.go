// Package worker implements the harvest pipeline execution loop.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
	"github.com/JakeFAU/rdf-harvester/internal/inflight"
	"github.com/JakeFAU/rdf-harvester/internal/logging"
	"github.com/JakeFAU/rdf-harvester/internal/metrics"
)

// Config controls Worker behavior.
type Config struct {
	ArchivePrefix  string
	Topic          string
	DeriveInferred bool
	// HarvestTimeout bounds one harvest from fetch to commit. Zero disables it.
	HarvestTimeout time.Duration
}

// Deps are the collaborators of a Worker. Archive, Publisher, Recoverer,
// Urgent and Pending are optional.
type Deps struct {
	Queue      harvest.Queue
	Registry   harvest.SourceRegistry
	History    harvest.HistoryStore
	Persisters harvest.PersisterFactory
	Fetcher    harvest.Fetcher
	Decoder    harvest.Decoder
	Archive    harvest.BlobStore
	Publisher  harvest.Publisher
	Recoverer  harvest.Recoverer
	Urgent     harvest.UrgentQueue
	// Pending holds the scheduled sources queued but not finished yet; the
	// worker releases a source once its scheduled harvest ends.
	Pending *inflight.Set
	// Busy holds the sources with an open persister session. A job for a busy
	// source is turned away before any harvest row is written.
	Busy  *inflight.Set
	Clock harvest.Clock
	Gens  harvest.GenerationSource
}

// Worker consumes harvest jobs and runs them end to end.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger.Named("worker")}
}

// Run blocks, consuming jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, harvest.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job harvest.Job) {
	if w.deps.Pending != nil && job.Type == harvest.TypeScheduled {
		defer w.deps.Pending.Remove(job.SourceHash)
	}
	res, err := w.Harvest(ctx, job)
	logger := w.logger.With(zap.String("source_url", job.URL), zap.String("type", string(job.Type)))
	switch {
	case errors.Is(err, harvest.ErrHarvestInProgress):
		logger.Info("source is already being harvested")
		w.requeueUrgent(ctx, job)
	case ctx.Err() != nil && (err != nil || res.Failed):
		logger.Warn("harvest interrupted by shutdown", zap.Error(err))
		w.requeueUrgent(ctx, job)
	case err != nil:
		logger.Error("harvest failed to run", zap.Error(err))
	case res.Failed:
		logger.Warn("harvest finished with errors",
			zap.Int64("harvest_id", res.HarvestID), zap.Int("messages", len(res.Messages)))
	default:
		logger.Info("harvest committed",
			zap.Int64("harvest_id", res.HarvestID),
			zap.Int64("gen_time", res.GenTime),
			zap.Int64("stored_triples", res.StoredTriples),
			zap.Int64("distinct_subjects", res.DistinctSubjects),
		)
	}
}

// requeueUrgent puts an urgent request that could not run back at the end of
// the urgent queue so it is not lost. It also runs during shutdown, so the
// job's context is not used for cancellation.
func (w *Worker) requeueUrgent(ctx context.Context, job harvest.Job) {
	if w.deps.Urgent == nil || !job.Urgent() {
		return
	}
	if err := harvest.RequeueUrgent(context.WithoutCancel(ctx), w.deps.Urgent, job); err != nil {
		w.logger.Error("requeue urgent request failed", zap.String("source_url", job.URL), zap.Error(err))
	}
}

// run carries the state of one harvest attempt.
type run struct {
	job       harvest.Job
	source    harvest.Source
	harvestID int64
	gen       int64
	stored    int64
	subjects  int64
	permanent bool
	messages  []harvest.Message
	logger    *zap.Logger
}

func (r *run) message(sev harvest.Severity, text string) {
	r.messages = append(r.messages, harvest.Message{Severity: sev, Text: text})
}

// failed applies the harvest failure rule: any fatal, error or warning message.
func (r *run) failed() bool {
	for _, m := range r.messages {
		if m.Severity != harvest.SeverityInfo {
			return true
		}
	}
	return false
}

// Harvest runs one job: resolve the source, fetch or take the pushed
// document, archive it, stream it through a persister session, then record
// the outcome. A per-source failure is reported in the Result, not as an error;
// errors mean the harvest could not be run or recorded at all.
func (w *Worker) Harvest(ctx context.Context, job harvest.Job) (harvest.Result, error) {
	if w.cfg.HarvestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.HarvestTimeout)
		defer cancel()
	}
	src, err := w.resolveSource(ctx, job)
	if err != nil {
		return harvest.Result{}, err
	}
	if w.deps.Busy != nil && w.deps.Busy.Contains(src.URLHash) {
		return harvest.Result{Source: src}, harvest.ErrHarvestInProgress
	}
	r := &run{
		job:    job,
		source: src,
		gen:    w.deps.Gens.NextGeneration(),
	}
	r.logger = w.logger.With(logging.SourceFields(harvest.SourceRef{URL: src.URL, Hash: src.URLHash, GenTime: r.gen})...)
	r.harvestID, err = w.deps.History.StartHarvest(ctx, src.ID, job.Type, job.Username)
	if err != nil {
		return harvest.Result{}, fmt.Errorf("start harvest: %w", err)
	}
	r.logger = r.logger.With(zap.Int64("harvest_id", r.harvestID))

	var runErr error
	doc, err := w.document(ctx, r)
	if err != nil {
		r.message(harvest.SeverityError, err.Error())
		r.permanent = harvest.IsPermanent(err)
	} else {
		w.archiveDocument(ctx, r, doc)
		if err := w.persist(ctx, r, doc); err != nil {
			if errors.Is(err, harvest.ErrHarvestInProgress) {
				r.message(harvest.SeverityInfo, "skipped: source is already being harvested")
				runErr = err
			} else {
				r.message(harvest.SeverityFatal, err.Error())
			}
		}
	}
	res, err := w.finish(ctx, r, runErr == nil)
	if err != nil {
		return res, err
	}
	if runErr == nil && !res.Failed {
		w.publishCommitted(ctx, r)
	}
	return res, runErr
}

func (w *Worker) resolveSource(ctx context.Context, job harvest.Job) (harvest.Source, error) {
	src, err := w.deps.Registry.GetSourceByURL(ctx, job.URL)
	if err == nil {
		return src, nil
	}
	if !errors.Is(err, harvest.ErrNotFound) || job.Type == harvest.TypeScheduled {
		return harvest.Source{}, fmt.Errorf("resolve source %s: %w", job.URL, err)
	}
	// Urgent requests may name a source nobody registered yet. It is
	// registered without a schedule.
	owner := job.Username
	if owner == "" {
		owner = harvest.DefaultOwner
	}
	id, err := w.deps.Registry.AddSource(ctx, harvest.Source{URL: job.URL, Owner: owner})
	if err != nil {
		return harvest.Source{}, fmt.Errorf("register source %s: %w", job.URL, err)
	}
	src, err = w.deps.Registry.GetSourceByID(ctx, id)
	if err != nil {
		return harvest.Source{}, fmt.Errorf("load registered source %s: %w", job.URL, err)
	}
	return src, nil
}

func (w *Worker) document(ctx context.Context, r *run) (harvest.Document, error) {
	var doc harvest.Document
	if r.job.PushedContent != nil {
		doc = harvest.Document{URL: r.source.URL, Body: []byte(*r.job.PushedContent)}
	} else {
		if w.deps.Fetcher == nil {
			return harvest.Document{}, errors.New("no fetcher configured")
		}
		var err error
		doc, err = w.deps.Fetcher.Fetch(ctx, r.source.URL)
		if err != nil {
			return harvest.Document{}, err
		}
		r.message(harvest.SeverityInfo, fmt.Sprintf("fetched %d bytes (status %d) in %s",
			len(doc.Body), doc.StatusCode, doc.Duration.Round(time.Millisecond)))
		if doc.RobotsFallback {
			r.message(harvest.SeverityInfo, "robots.txt unreachable, fetched as allow-all")
		}
	}
	if r.source.MediaType != "" {
		doc.ContentType = r.source.MediaType
	}
	return doc, nil
}

func (w *Worker) buildArchivePath(r *run) string {
	name := fmt.Sprintf("%016x/%d.rdf", uint64(r.source.URLHash), r.gen) //nolint:gosec // hex rendering of the hash bits
	prefix := strings.Trim(w.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (w *Worker) archiveDocument(ctx context.Context, r *run, doc harvest.Document) {
	if w.deps.Archive == nil {
		return
	}
	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	uri, err := w.deps.Archive.PutObject(ctx, w.buildArchivePath(r), contentType, bytes.NewReader(doc.Body))
	if err != nil {
		r.logger.Warn("archive document failed", zap.Error(err))
		r.message(harvest.SeverityInfo, "document not archived: "+err.Error())
		return
	}
	r.message(harvest.SeverityInfo, "archived as "+uri)
}

// persist streams doc through one persister session and commits it. Any error
// rolls the session back and leaves the unfinished marker for recovery.
func (w *Worker) persist(ctx context.Context, r *run, doc harvest.Document) error {
	p, err := w.deps.Persisters.Open(ctx, harvest.PersisterConfig{
		SourceURL:            r.source.URL,
		GenTime:              r.gen,
		ClearPreviousContent: r.job.Type != harvest.TypePush,
		DeriveInferred:       w.cfg.DeriveInferred,
	})
	if err != nil {
		return err
	}
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := p.Close(cleanupCtx); err != nil {
			r.logger.Warn("close persister failed", zap.Error(err))
		}
	}()

	conv := newConverter(r.source.URL, p)
	err = w.deps.Decoder.Decode(ctx, doc, func(st harvest.Statement) error {
		return conv.add(ctx, st)
	})
	if err != nil {
		var fatal *harvest.FatalError
		if !errors.As(err, &fatal) {
			err = harvest.Fatal("parse", err)
		}
	}
	if err == nil {
		err = p.EndOfFile(ctx)
	}
	if err == nil {
		err = p.Commit(ctx)
	}
	if err != nil {
		if rbErr := p.Rollback(cleanupCtx); rbErr != nil {
			r.logger.Error("rollback failed", zap.Error(rbErr))
		}
		w.recoverAfterRollback(cleanupCtx, r)
		return err
	}
	r.stored = p.StoredTriples()
	r.subjects = conv.distinctSubjects()
	r.message(harvest.SeverityInfo, fmt.Sprintf("stored %d of %d triples", r.stored, p.SeenTriples()))
	return nil
}

// recoverAfterRollback clears the marker the rolled back session left behind.
func (w *Worker) recoverAfterRollback(ctx context.Context, r *run) {
	if w.deps.Recoverer == nil {
		return
	}
	if _, err := w.deps.Recoverer.RecoverUnfinishedHarvests(ctx); err != nil {
		r.logger.Error("recovery after rollback failed", zap.Error(err))
	}
}

// finish records history, messages and, when recordOutcome is set, the
// source's success or failure counters. It runs even when ctx has expired.
func (w *Worker) finish(ctx context.Context, r *run, recordOutcome bool) (harvest.Result, error) {
	ctx = context.WithoutCancel(ctx)
	failed := r.failed()
	res := harvest.Result{
		HarvestID:        r.harvestID,
		Source:           r.source,
		GenTime:          r.gen,
		StoredTriples:    r.stored,
		DistinctSubjects: r.subjects,
		Failed:           failed,
	}

	var errs []error
	if err := w.deps.History.FinishHarvest(ctx, r.harvestID, r.stored, r.subjects); err != nil {
		errs = append(errs, fmt.Errorf("finish harvest: %w", err))
	}
	for _, m := range r.messages {
		m.HarvestID = r.harvestID
		id, err := w.deps.History.InsertMessage(ctx, m)
		if err != nil {
			errs = append(errs, fmt.Errorf("insert harvest message: %w", err))
			continue
		}
		m.ID = id
		res.Messages = append(res.Messages, m)
	}
	if recordOutcome {
		out := harvest.Outcome{
			Succeeded:  !failed,
			Permanent:  failed && r.permanent,
			Statements: r.stored,
			Subjects:   r.subjects,
		}
		if err := w.deps.Registry.RecordHarvestOutcome(ctx, r.source.URLHash, out); err != nil {
			errs = append(errs, fmt.Errorf("record harvest outcome: %w", err))
		}
		metrics.ObserveHarvest(string(r.job.Type), failed)
	}
	return res, errors.Join(errs...)
}

func (w *Worker) publishCommitted(ctx context.Context, r *run) {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return
	}
	ev := harvest.CommittedEvent{
		HarvestID:        r.harvestID,
		SourceURL:        r.source.URL,
		SourceHash:       r.source.URLHash,
		GenTime:          r.gen,
		StoredTriples:    r.stored,
		DistinctSubjects: r.subjects,
		Type:             r.job.Type,
		Timestamp:        w.deps.Clock.Now().Format(time.RFC3339),
	}
	if _, err := w.deps.Publisher.Publish(context.WithoutCancel(ctx), w.cfg.Topic, ev); err != nil {
		r.logger.Warn("publish committed event failed", zap.Error(err))
	}
}
