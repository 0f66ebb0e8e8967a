package postgres

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
	"github.com/JakeFAU/rdf-harvester/internal/inflight"
	"github.com/JakeFAU/rdf-harvester/internal/metrics"
)

// Reaper physically removes sources that were queued for deletion.
type Reaper struct {
	db       DB
	inflight *inflight.Set
	logger   *zap.Logger
}

// NewReaper wires a reaper over db.
func NewReaper(db DB, set *inflight.Set, logger *zap.Logger) (*Reaper, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if set == nil {
		return nil, fmt.Errorf("in-flight set is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{db: db, inflight: set, logger: logger.Named("reaper")}, nil
}

var _ harvest.Reaper = (*Reaper)(nil)

// ReapQueued deletes every pending source together with its history, triples,
// resources, markers and queued requests. Each source is removed all-or-nothing
// in its own transaction; sources that are being harvested are left for the
// next pass.
func (r *Reaper) ReapQueued(ctx context.Context) (harvest.ReapReport, error) {
	var report harvest.ReapReport
	pending, err := pendingSources(ctx, r.db)
	if err != nil {
		return report, err
	}
	report.Queued = len(pending)

	for _, src := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		logger := r.logger.With(zap.String("source_url", src.URL), zap.Int64("source_hash", src.URLHash))
		if r.inflight.Contains(src.URLHash) {
			report.Skipped++
			metrics.ObserveReap("skipped")
			continue
		}
		deleted, err := r.reap(ctx, src)
		switch {
		case err != nil:
			report.Failed++
			metrics.ObserveReap("failed")
			logger.Error("failed to reap source", zap.Error(err))
		case !deleted:
			report.Skipped++
			metrics.ObserveReap("skipped")
		default:
			report.Deleted++
			metrics.ObserveReap("deleted")
			logger.Info("reaped source")
		}
	}
	return report, nil
}

func (r *Reaper) reap(ctx context.Context, src pendingSource) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, storeErr("begin reap", err)
	}
	defer rollbackQuietly(ctx, tx)

	locked, err := tryLockSource(ctx, tx, src.URLHash)
	if err != nil || !locked {
		return false, err
	}
	steps := []struct {
		op   string
		sql  string
		args []any
	}{
		{"delete harvest messages", `DELETE FROM harvest_message WHERE harvest_id IN (SELECT harvest_id FROM harvest WHERE harvest_source_id = $1)`, []any{src.ID}},
		{"delete harvests", `DELETE FROM harvest WHERE harvest_source_id = $1`, []any{src.ID}},
		{"delete triples", `DELETE FROM spo WHERE source = $1 OR obj_deriv_source = $1`, []any{src.URLHash}},
		{"delete resources", `DELETE FROM resource WHERE firstseen_source = $1`, []any{src.URLHash}},
		{"delete markers", `DELETE FROM unfinished_harvest WHERE source = $1`, []any{src.URLHash}},
		{"delete urgent requests", `DELETE FROM urgent_harvest_queue WHERE url = $1`, []any{src.URL}},
	}
	for _, step := range steps {
		if _, err := tx.Exec(ctx, step.sql, step.args...); err != nil {
			return false, storeErr(step.op, err)
		}
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM harvest_source WHERE harvest_source_id = $1 AND state = 'pending_deletion'`, src.ID)
	if err != nil {
		return false, storeErr("delete source", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return false, storeErr("commit reap", err)
	}
	return true, nil
}
