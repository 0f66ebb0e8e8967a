package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
)

// HistoryStore records harvest attempts and their diagnostic messages.
type HistoryStore struct {
	db    DB
	clock harvest.Clock
}

// NewHistoryStore wires a history store over db.
func NewHistoryStore(db DB, clock harvest.Clock) (*HistoryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &HistoryStore{db: db, clock: clock}, nil
}

var _ harvest.HistoryStore = (*HistoryStore)(nil)

// StartHarvest opens a harvest row in status started.
func (h *HistoryStore) StartHarvest(ctx context.Context, sourceID int64, typ harvest.Type, username string) (int64, error) {
	var id int64
	err := h.db.QueryRow(ctx, `
INSERT INTO harvest (harvest_source_id, type, username, status, started)
VALUES ($1, $2, $3, $4, $5)
RETURNING harvest_id`,
		sourceID, string(typ), username, string(harvest.StatusStarted), h.clock.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, storeErr("start harvest", err)
	}
	return id, nil
}

// FinishHarvest finalizes a started harvest. A harvest is finalized once; a
// second call reports harvest.ErrNotFound.
func (h *HistoryStore) FinishHarvest(ctx context.Context, harvestID int64, storedTriples, distinctSubjects int64) error {
	tag, err := h.db.Exec(ctx, `
UPDATE harvest
SET status = $2, finished = $3, tot_statements = $4, distinct_subjects = $5
WHERE harvest_id = $1 AND status = 'started'`,
		harvestID, string(harvest.StatusFinished), h.clock.Now().UTC(), storedTriples, distinctSubjects,
	)
	if err != nil {
		return storeErr("finish harvest", err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.ErrNotFound
	}
	return nil
}

// InsertMessage records one diagnostic for a harvest.
func (h *HistoryStore) InsertMessage(ctx context.Context, msg harvest.Message) (int64, error) {
	var id int64
	err := h.db.QueryRow(ctx, `
INSERT INTO harvest_message (harvest_id, severity, message, stack_trace)
VALUES ($1, $2, $3, $4)
RETURNING harvest_message_id`,
		msg.HarvestID, string(msg.Severity), msg.Text, msg.StackTrace,
	).Scan(&id)
	if err != nil {
		return 0, storeErr("insert harvest message", err)
	}
	return id, nil
}

// ListHarvests returns the newest harvests of a source first.
func (h *HistoryStore) ListHarvests(ctx context.Context, sourceID int64, limit int) ([]harvest.Harvest, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	rows, err := h.db.Query(ctx, `
SELECT harvest_id, harvest_source_id, type, username, status, started, finished, tot_statements, distinct_subjects
FROM harvest
WHERE harvest_source_id = $1
ORDER BY harvest_id DESC
LIMIT $2`, sourceID, limit)
	if err != nil {
		return nil, storeErr("list harvests", err)
	}
	defer rows.Close()
	var out []harvest.Harvest
	for rows.Next() {
		var (
			hv          harvest.Harvest
			typ, status string
		)
		if err := rows.Scan(&hv.ID, &hv.SourceID, &typ, &hv.Username, &status, &hv.Started, &hv.Finished,
			&hv.StoredTriples, &hv.DistinctSubjects); err != nil {
			return nil, storeErr("scan harvest", err)
		}
		hv.Type = harvest.Type(typ)
		hv.Status = harvest.Status(status)
		out = append(out, hv)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list harvests", err)
	}
	return out, nil
}

// ListMessages returns the messages of one harvest in insertion order.
func (h *HistoryStore) ListMessages(ctx context.Context, harvestID int64) ([]harvest.Message, error) {
	rows, err := h.db.Query(ctx, `
SELECT harvest_message_id, harvest_id, severity, message, stack_trace
FROM harvest_message
WHERE harvest_id = $1
ORDER BY harvest_message_id`, harvestID)
	if err != nil {
		return nil, storeErr("list harvest messages", err)
	}
	defer rows.Close()
	var out []harvest.Message
	for rows.Next() {
		var (
			m   harvest.Message
			sev string
		)
		if err := rows.Scan(&m.ID, &m.HarvestID, &sev, &m.Text, &m.StackTrace); err != nil {
			return nil, storeErr("scan harvest message", err)
		}
		m.Severity = harvest.Severity(sev)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list harvest messages", err)
	}
	return out, nil
}

// DeleteHarvestHistory keeps the newest keep harvest ids and removes older
// finished harvests together with their messages. Harvests still running are
// never pruned.
func (h *HistoryStore) DeleteHarvestHistory(ctx context.Context, keep int) error {
	if keep < 0 {
		return fmt.Errorf("keep must not be negative, got %d", keep)
	}
	tx, err := h.db.Begin(ctx)
	if err != nil {
		return storeErr("begin prune history", err)
	}
	defer rollbackQuietly(ctx, tx)

	var maxID *int64
	if err := tx.QueryRow(ctx, `SELECT max(harvest_id) FROM harvest`).Scan(&maxID); err != nil {
		return storeErr("prune history", err)
	}
	if maxID == nil || *maxID <= int64(keep) {
		return nil
	}
	cutoff := *maxID - int64(keep)
	if _, err := tx.Exec(ctx, `
DELETE FROM harvest_message
WHERE harvest_id IN (SELECT harvest_id FROM harvest WHERE harvest_id <= $1 AND status = 'finished')`, cutoff); err != nil {
		return storeErr("prune harvest messages", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM harvest WHERE harvest_id <= $1 AND status = 'finished'`, cutoff); err != nil {
		return storeErr("prune harvests", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit prune history", err)
	}
	return nil
}
