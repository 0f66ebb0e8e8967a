package postgres

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
	"github.com/JakeFAU/rdf-harvester/internal/inflight"
	"github.com/JakeFAU/rdf-harvester/internal/metrics"
)

// Recovery rolls back the partial writes of harvests that never committed.
type Recovery struct {
	db       DB
	inflight *inflight.Set
	logger   *zap.Logger
}

// NewRecovery wires crash recovery over db.
func NewRecovery(db DB, set *inflight.Set, logger *zap.Logger) (*Recovery, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if set == nil {
		return nil, fmt.Errorf("in-flight set is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recovery{db: db, inflight: set, logger: logger.Named("recovery")}, nil
}

var _ harvest.Recoverer = (*Recovery)(nil)

// RecoverUnfinishedHarvests clears every unfinished-harvest marker whose source
// is not being harvested right now. Each marker is handled in its own
// transaction; a failure is logged and counted and the pass moves on.
func (r *Recovery) RecoverUnfinishedHarvests(ctx context.Context) (harvest.RecoveryReport, error) {
	var report harvest.RecoveryReport
	markers, err := r.listMarkers(ctx)
	if err != nil {
		return report, err
	}
	report.Found = len(markers)

	for _, m := range markers {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		logger := r.logger.With(zap.Int64("source_hash", m.SourceHash), zap.Int64("gen_time", m.GenTime))
		if r.inflight.Contains(m.SourceHash) {
			report.Skipped++
			metrics.ObserveRecovery("skipped")
			logger.Debug("marker belongs to a running harvest")
			continue
		}
		done, err := r.rollbackMarker(ctx, m)
		switch {
		case err != nil:
			report.Failed++
			metrics.ObserveRecovery("failed")
			logger.Error("failed to roll back unfinished harvest", zap.Error(err))
		case !done:
			report.Skipped++
			metrics.ObserveRecovery("skipped")
			logger.Info("source is locked by another session, leaving marker")
		default:
			report.Recovered++
			metrics.ObserveRecovery("recovered")
			logger.Info("rolled back unfinished harvest")
		}
	}
	if report.Found > 0 {
		r.logger.Info("crash recovery finished",
			zap.Int("found", report.Found),
			zap.Int("recovered", report.Recovered),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
		)
	}
	return report, nil
}

func (r *Recovery) listMarkers(ctx context.Context) ([]harvest.Marker, error) {
	rows, err := r.db.Query(ctx, `SELECT source, gen_time FROM unfinished_harvest ORDER BY gen_time, source`)
	if err != nil {
		return nil, storeErr("list unfinished harvests", err)
	}
	defer rows.Close()
	var out []harvest.Marker
	for rows.Next() {
		var m harvest.Marker
		if err := rows.Scan(&m.SourceHash, &m.GenTime); err != nil {
			return nil, storeErr("scan unfinished harvest", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list unfinished harvests", err)
	}
	return out, nil
}

// rollbackMarker deletes what the (source, generation) pair may have written,
// then the marker. It reports false when another session holds the source.
func (r *Recovery) rollbackMarker(ctx context.Context, m harvest.Marker) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, storeErr("begin recovery", err)
	}
	defer rollbackQuietly(ctx, tx)

	locked, err := tryLockSource(ctx, tx, m.SourceHash)
	if err != nil || !locked {
		return false, err
	}
	if _, err := tx.Exec(ctx, `
DELETE FROM spo
WHERE (source = $1 AND gen_time = $2)
	OR (obj_deriv_source = $1 AND obj_deriv_source_gen_time = $2)`, m.SourceHash, m.GenTime); err != nil {
		return false, storeErr("delete unfinished triples", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM resource WHERE firstseen_source = $1 AND firstseen_time = $2`, m.SourceHash, m.GenTime); err != nil {
		return false, storeErr("delete unfinished resources", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM unfinished_harvest WHERE source = $1 AND gen_time = $2`, m.SourceHash, m.GenTime); err != nil {
		return false, storeErr("delete unfinished marker", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, storeErr("commit recovery", err)
	}
	return true, nil
}
