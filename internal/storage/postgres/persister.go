package postgres

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/rdf-harvester/internal/batch"
	"github.com/JakeFAU/rdf-harvester/internal/harvest"
	"github.com/JakeFAU/rdf-harvester/internal/hash"
	"github.com/JakeFAU/rdf-harvester/internal/inflight"
	"github.com/JakeFAU/rdf-harvester/internal/logging"
	"github.com/JakeFAU/rdf-harvester/internal/metrics"
)

// DefaultFlushSize is the number of buffered rows that triggers a flush.
const DefaultFlushSize = 50000

var spoColumns = []string{
	"subject", "predicate", "object", "object_hash", "object_double", "anon_subj", "anon_obj", "lit_obj",
	"obj_lang", "obj_source_object", "source", "gen_time", "obj_deriv_source", "obj_deriv_source_gen_time",
}

var resourceColumns = []string{"uri", "uri_hash"}

var (
	mergeTriplesSQL = "INSERT INTO spo (" + strings.Join(spoColumns, ", ") + ")\nSELECT " +
		strings.Join(spoColumns, ", ") + " FROM spo_temp\nON CONFLICT DO NOTHING"

	mergeResourcesSQL = `
INSERT INTO resource (uri, uri_hash, firstseen_source, firstseen_time, lastmodified_time)
SELECT DISTINCT ON (uri_hash) uri, uri_hash, $1, $2, $2 FROM resource_temp
ON CONFLICT (uri_hash) DO UPDATE SET lastmodified_time = EXCLUDED.lastmodified_time`
)

type persisterState int

const (
	stateIdle persisterState = iota
	stateOpen
	stateFinalizing
	stateCommitted
	stateAborted
	stateClosed
)

func (s persisterState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateOpen:
		return "open"
	case stateFinalizing:
		return "finalizing"
	case stateCommitted:
		return "committed"
	case stateAborted:
		return "aborted"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PersisterFactory opens batched persister sessions that share one pool,
// one in-flight set and one deriver.
type PersisterFactory struct {
	db        DB
	inflight  *inflight.Set
	deriver   Deriver
	flushSize int
	logger    *zap.Logger
}

// NewPersisterFactory wires a factory. A nil deriver derives nothing and a
// non-positive flushSize selects DefaultFlushSize.
func NewPersisterFactory(
	db DB,
	set *inflight.Set,
	deriver Deriver,
	flushSize int,
	logger *zap.Logger,
) (*PersisterFactory, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if set == nil {
		return nil, fmt.Errorf("in-flight set is required")
	}
	if deriver == nil {
		deriver = NoopDeriver{}
	}
	if flushSize <= 0 {
		flushSize = DefaultFlushSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PersisterFactory{
		db:        db,
		inflight:  set,
		deriver:   deriver,
		flushSize: flushSize,
		logger:    logger.Named("persister"),
	}, nil
}

var _ harvest.PersisterFactory = (*PersisterFactory)(nil)

// Open starts a harvest write session for cfg.SourceURL.
//
// The source joins the in-flight set and its advisory lock is taken inside the
// new transaction; either failing yields harvest.ErrHarvestInProgress. The
// unfinished-harvest marker is then written outside the transaction so it
// survives a rollback or a crash, and only the commit removes it.
func (f *PersisterFactory) Open(ctx context.Context, cfg harvest.PersisterConfig) (harvest.Persister, error) {
	url := harvest.CanonicalURL(cfg.SourceURL)
	if url == "" {
		return nil, fmt.Errorf("source url is required")
	}
	ref := harvest.SourceRef{URL: url, Hash: hash.SPO(url), GenTime: cfg.GenTime}
	logger := f.logger.With(logging.SourceFields(ref)...)

	if !f.inflight.TryAdd(ref.Hash) {
		return nil, harvest.ErrHarvestInProgress
	}
	p := &Persister{
		cfg:      cfg,
		ref:      ref,
		inflight: f.inflight,
		deriver:  f.deriver,
		logger:   logger,
	}
	var err error
	p.triples, err = batch.NewBuffer(f.flushSize, p.flushTriples)
	if err != nil {
		f.inflight.Remove(ref.Hash)
		return nil, err
	}
	p.resources, err = batch.NewBuffer(f.flushSize, p.flushResources)
	if err != nil {
		f.inflight.Remove(ref.Hash)
		return nil, err
	}

	tx, err := f.db.Begin(ctx)
	if err != nil {
		f.inflight.Remove(ref.Hash)
		return nil, harvest.Fatal("open", storeErr("begin harvest", err))
	}
	fail := func(err error) (harvest.Persister, error) {
		rollbackQuietly(ctx, tx)
		f.inflight.Remove(ref.Hash)
		return nil, err
	}

	locked, err := tryLockSource(ctx, tx, ref.Hash)
	if err != nil {
		return fail(harvest.Fatal("open", err))
	}
	if !locked {
		logger.Info("source is locked by another session")
		return fail(harvest.ErrHarvestInProgress)
	}
	if _, err := f.db.Exec(ctx,
		`INSERT INTO unfinished_harvest (source, gen_time) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		ref.Hash, ref.GenTime,
	); err != nil {
		return fail(harvest.Fatal("open", storeErr("raise unfinished marker", err)))
	}
	if _, err := tx.Exec(ctx, `CREATE TEMP TABLE spo_temp (LIKE spo INCLUDING DEFAULTS) ON COMMIT DROP`); err != nil {
		return fail(harvest.Fatal("open", storeErr("create spo_temp", err)))
	}
	if _, err := tx.Exec(ctx, `CREATE TEMP TABLE resource_temp (uri TEXT NOT NULL, uri_hash BIGINT NOT NULL) ON COMMIT DROP`); err != nil {
		return fail(harvest.Fatal("open", storeErr("create resource_temp", err)))
	}

	p.tx = tx
	p.state = stateOpen
	if err := p.AddResource(ctx, ref.URL, ref.Hash); err != nil {
		return fail(err)
	}
	metrics.IncActiveHarvests()
	logger.Debug("harvest session opened", zap.Bool("clear_previous", cfg.ClearPreviousContent))
	return p, nil
}

// Persister is one batched, transactional harvest write session. It is not
// safe for concurrent use.
type Persister struct {
	cfg      harvest.PersisterConfig
	ref      harvest.SourceRef
	tx       pgx.Tx
	inflight *inflight.Set
	deriver  Deriver
	logger   *zap.Logger

	state     persisterState
	triples   *batch.Buffer[harvest.Triple]
	resources *batch.Buffer[harvest.Resource]
	totalSeen int64
}

var _ harvest.Persister = (*Persister)(nil)

// Ref returns the (source, generation) pair this session writes.
func (p *Persister) Ref() harvest.SourceRef { return p.ref }

// AddTriple buffers one statement of the harvested document.
func (p *Persister) AddTriple(ctx context.Context, t harvest.Triple) error {
	if p.state != stateOpen {
		return fmt.Errorf("add triple in state %s: %w", p.state, harvest.ErrPersisterState)
	}
	if err := p.triples.Push(ctx, t); err != nil {
		return harvest.Fatal("flush triples", err)
	}
	return nil
}

// AddResource buffers one URI for the discovery ledger.
func (p *Persister) AddResource(ctx context.Context, uri string, uriHash int64) error {
	if p.state != stateOpen {
		return fmt.Errorf("add resource in state %s: %w", p.state, harvest.ErrPersisterState)
	}
	if err := p.resources.Push(ctx, harvest.Resource{URI: uri, URIHash: uriHash}); err != nil {
		return harvest.Fatal("flush resources", err)
	}
	return nil
}

// EndOfFile flushes the partial batches and freezes the session for commit.
func (p *Persister) EndOfFile(ctx context.Context) error {
	if p.state != stateOpen {
		return fmt.Errorf("end of file in state %s: %w", p.state, harvest.ErrPersisterState)
	}
	if err := p.triples.Flush(ctx); err != nil {
		return harvest.Fatal("flush triples", err)
	}
	if err := p.resources.Flush(ctx); err != nil {
		return harvest.Fatal("flush resources", err)
	}
	p.totalSeen = p.triples.Pushed()
	p.state = stateFinalizing
	p.logger.Debug("end of file",
		zap.Int64("seen_triples", p.totalSeen),
		zap.Int64("stored_triples", p.triples.Stored()),
		zap.Int64("flushes", p.triples.Flushes()),
	)
	return nil
}

// Commit replaces the previous snapshot of the source when configured to,
// runs the derivation hooks, clears the marker and commits, all in the one
// transaction. The source leaves the in-flight set only once the commit
// succeeded.
func (p *Persister) Commit(ctx context.Context) error {
	if p.state == stateOpen {
		if err := p.EndOfFile(ctx); err != nil {
			return err
		}
	}
	if p.state != stateFinalizing {
		return fmt.Errorf("commit in state %s: %w", p.state, harvest.ErrPersisterState)
	}

	if p.cfg.ClearPreviousContent {
		if _, err := p.tx.Exec(ctx,
			`DELETE FROM spo WHERE source = $1 AND gen_time < $2`, p.ref.Hash, p.ref.GenTime); err != nil {
			return harvest.Fatal("commit", storeErr("clear previous triples", err))
		}
		if _, err := p.tx.Exec(ctx,
			`DELETE FROM spo WHERE obj_deriv_source = $1 AND obj_deriv_source_gen_time < $2`,
			p.ref.Hash, p.ref.GenTime); err != nil {
			return harvest.Fatal("commit", storeErr("clear previous derived triples", err))
		}
	}

	if p.cfg.DeriveInferred {
		if err := p.deriver.DeriveLabels(ctx, p.tx, p.ref); err != nil {
			return harvest.Fatal("derive", err)
		}
		if err := p.deriver.DeriveParentClasses(ctx, p.tx, p.ref); err != nil {
			return harvest.Fatal("derive", err)
		}
		if err := p.deriver.DeriveParentProperties(ctx, p.tx, p.ref); err != nil {
			return harvest.Fatal("derive", err)
		}
	}
	if err := p.deriver.ExtractNewHarvestSources(ctx, p.tx, p.ref); err != nil {
		return harvest.Fatal("derive", err)
	}

	if _, err := p.tx.Exec(ctx,
		`DELETE FROM unfinished_harvest WHERE source = $1 AND gen_time = $2`, p.ref.Hash, p.ref.GenTime); err != nil {
		return harvest.Fatal("commit", storeErr("clear unfinished marker", err))
	}
	if err := p.tx.Commit(ctx); err != nil {
		return harvest.Fatal("commit", storeErr("commit harvest", err))
	}
	p.state = stateCommitted
	p.release()
	p.logger.Info("harvest committed",
		zap.Int64("seen_triples", p.totalSeen),
		zap.Int64("stored_triples", p.triples.Stored()),
	)
	return nil
}

// Rollback abandons the transaction. The unfinished marker stays behind for
// crash recovery to clear. Rolling back twice is a no-op.
func (p *Persister) Rollback(ctx context.Context) error {
	switch p.state {
	case stateAborted, stateClosed:
		return nil
	case stateCommitted:
		return fmt.Errorf("rollback in state %s: %w", p.state, harvest.ErrPersisterState)
	}
	p.state = stateAborted
	p.release()
	if err := rollbackErr(ctx, p.tx); err != nil {
		return storeErr("rollback harvest", err)
	}
	p.logger.Info("harvest rolled back", zap.Int64("seen_triples", p.triples.Pushed()))
	return nil
}

// Close releases the session whatever its outcome. A transaction that was
// neither committed nor rolled back is rolled back here. Safe to call more
// than once.
func (p *Persister) Close(ctx context.Context) error {
	if p.state == stateClosed {
		return nil
	}
	var err error
	if p.state == stateOpen || p.state == stateFinalizing {
		err = p.Rollback(ctx)
	}
	p.release()
	p.state = stateClosed
	return err
}

// release drops the source from the in-flight set once per session.
func (p *Persister) release() {
	if p.inflight == nil {
		return
	}
	p.inflight.Remove(p.ref.Hash)
	p.inflight = nil
	metrics.DecActiveHarvests()
}

// StoredTriples sums the triple rows the store accepted so far.
func (p *Persister) StoredTriples() int64 { return p.triples.Stored() }

// SeenTriples counts every triple handed to AddTriple.
func (p *Persister) SeenTriples() int64 { return p.triples.Pushed() }

// flushTriples copies rows into the session's staging table and merges them
// into spo. Rows already present are skipped, so the returned count is the
// number of rows the store actually accepted.
func (p *Persister) flushTriples(ctx context.Context, rows []harvest.Triple) (n int64, err error) {
	start := time.Now()
	defer func() { metrics.ObserveFlush("spo", n, time.Since(start), err) }()

	src := pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		return p.tripleValues(rows[i]), nil
	})
	if _, err := p.tx.CopyFrom(ctx, pgx.Identifier{"spo_temp"}, spoColumns, src); err != nil {
		return 0, storeErr("copy triples", err)
	}
	tag, err := p.tx.Exec(ctx, mergeTriplesSQL)
	if err != nil {
		return 0, storeErr("merge triples", err)
	}
	if _, err := p.tx.Exec(ctx, `TRUNCATE spo_temp`); err != nil {
		return 0, storeErr("truncate spo_temp", err)
	}
	p.logger.Debug("flushed triples", zap.Int("buffered", len(rows)), zap.Int64("stored", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

func (p *Persister) flushResources(ctx context.Context, rows []harvest.Resource) (n int64, err error) {
	start := time.Now()
	defer func() { metrics.ObserveFlush("resource", n, time.Since(start), err) }()

	src := pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		return []any{rows[i].URI, rows[i].URIHash}, nil
	})
	if _, err := p.tx.CopyFrom(ctx, pgx.Identifier{"resource_temp"}, resourceColumns, src); err != nil {
		return 0, storeErr("copy resources", err)
	}
	tag, err := p.tx.Exec(ctx, mergeResourcesSQL, p.ref.Hash, p.ref.GenTime)
	if err != nil {
		return 0, storeErr("merge resources", err)
	}
	if _, err := p.tx.Exec(ctx, `TRUNCATE resource_temp`); err != nil {
		return 0, storeErr("truncate resource_temp", err)
	}
	return tag.RowsAffected(), nil
}

// tripleValues stamps t with this session's source and generation. A triple
// derived from another object carries this harvest as its provenance.
func (p *Persister) tripleValues(t harvest.Triple) []any {
	var derivSource, derivGen int64
	if t.ObjSourceObject != 0 {
		derivSource, derivGen = p.ref.Hash, p.ref.GenTime
	}
	return []any{
		t.Subject, t.Predicate, t.Object, t.ObjectHash, numericCache(t.Object),
		t.AnonSubject, t.AnonObject, t.LiteralObject, t.ObjectLang, t.ObjSourceObject,
		p.ref.Hash, p.ref.GenTime, derivSource, derivGen,
	}
}

// numericCache parses object as a double for range queries. Non-numeric,
// infinite and NaN values are stored as NULL.
func numericCache(object string) *float64 {
	s := strings.TrimSpace(object)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
