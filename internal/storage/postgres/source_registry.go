package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
	"github.com/JakeFAU/rdf-harvester/internal/hash"
)

// DefaultUnavailableThreshold is the consecutive-failure count at which a
// source stops being scheduled.
const DefaultUnavailableThreshold = 5

const defaultPageSize = 50

// SourceRegistry implements harvest.SourceRegistry.
type SourceRegistry struct {
	db        DB
	clock     harvest.Clock
	threshold int
}

// NewSourceRegistry wires a registry over db. threshold <= 0 selects
// DefaultUnavailableThreshold.
func NewSourceRegistry(db DB, clock harvest.Clock, threshold int) (*SourceRegistry, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if threshold <= 0 {
		threshold = DefaultUnavailableThreshold
	}
	return &SourceRegistry{db: db, clock: clock, threshold: threshold}, nil
}

var _ harvest.SourceRegistry = (*SourceRegistry)(nil)

// AddSource registers src and returns its id. Registering a URL that is
// already known is not an error: the existing id is returned. A URL that is
// waiting for the reaper yields harvest.ErrSourceRemoved alongside its id.
func (r *SourceRegistry) AddSource(ctx context.Context, src harvest.Source) (int64, error) {
	url := harvest.CanonicalURL(src.URL)
	if url == "" {
		return 0, fmt.Errorf("source url is required")
	}
	if src.IntervalMinutes < 0 {
		return 0, fmt.Errorf("interval must not be negative, got %d", src.IntervalMinutes)
	}
	owner := strings.TrimSpace(src.Owner)
	if owner == "" {
		owner = harvest.DefaultOwner
	}
	urlHash := hash.SPO(url)

	var id int64
	err := r.db.QueryRow(ctx, `
INSERT INTO harvest_source (url, url_hash, emails, time_created, interval_minutes, priority_source, owner, media_type)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (url_hash) DO NOTHING
RETURNING harvest_source_id`,
		url, urlHash, src.Emails, r.clock.Now().UTC(), src.IntervalMinutes, src.PrioritySource, owner, src.MediaType,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, storeErr("add source", err)
	}

	var state string
	if err := r.db.QueryRow(ctx,
		`SELECT harvest_source_id, state FROM harvest_source WHERE url_hash = $1`, urlHash,
	).Scan(&id, &state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Reaped between the two statements.
			return 0, harvest.ErrSourceRemoved
		}
		return 0, storeErr("add source", err)
	}
	if harvest.SourceState(state) == harvest.StatePendingDeletion {
		return id, harvest.ErrSourceRemoved
	}
	return id, nil
}

// EditSource updates the operator-editable attributes of an active source.
// Clearing PermanentError puts the source back on the schedule.
func (r *SourceRegistry) EditSource(ctx context.Context, src harvest.Source) error {
	if src.IntervalMinutes < 0 {
		return fmt.Errorf("interval must not be negative, got %d", src.IntervalMinutes)
	}
	owner := strings.TrimSpace(src.Owner)
	if owner == "" {
		owner = harvest.DefaultOwner
	}
	tag, err := r.db.Exec(ctx, `
UPDATE harvest_source
SET emails = $2, interval_minutes = $3, priority_source = $4, owner = $5, media_type = $6, permanent_error = $7
WHERE harvest_source_id = $1 AND state = 'active'`,
		src.ID, src.Emails, src.IntervalMinutes, src.PrioritySource, owner, src.MediaType, src.PermanentError,
	)
	if err != nil {
		return storeErr("edit source", err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.ErrNotFound
	}
	return nil
}

// GetSourceByID returns an active source by id.
func (r *SourceRegistry) GetSourceByID(ctx context.Context, id int64) (harvest.Source, error) {
	q := activeSources()
	q.and("harvest_source_id = " + q.arg(id))
	return r.getOne(ctx, "get source", q)
}

// GetSourceByURL returns an active source by URL. The fragment is ignored.
func (r *SourceRegistry) GetSourceByURL(ctx context.Context, url string) (harvest.Source, error) {
	q := activeSources()
	q.and("url_hash = " + q.arg(hash.URL(url)))
	return r.getOne(ctx, "get source", q)
}

func (r *SourceRegistry) getOne(ctx context.Context, op string, q *sourceQuery) (harvest.Source, error) {
	src, err := scanSource(r.db.QueryRow(ctx, "SELECT "+sourceColumns+" FROM harvest_source"+q.where(), q.args...), false)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.Source{}, harvest.ErrNotFound
		}
		return harvest.Source{}, storeErr(op, err)
	}
	return src, nil
}

// ListSources pages through active sources using req.Filter.
func (r *SourceRegistry) ListSources(ctx context.Context, req harvest.ListRequest) (harvest.SourcePage, error) {
	q := activeSources().filter(req.Filter, r.threshold).search(req.Search)

	var page harvest.SourcePage
	if err := r.db.QueryRow(ctx, "SELECT count(*) FROM harvest_source"+q.where(), q.args...).Scan(&page.Total); err != nil {
		return harvest.SourcePage{}, storeErr("count sources", err)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	offset := max(req.Offset, 0)
	sql := "SELECT " + sourceColumns + " FROM harvest_source" + q.where() + orderBy(req) +
		" LIMIT " + q.arg(limit) + " OFFSET " + q.arg(offset)

	rows, err := r.db.Query(ctx, sql, q.args...)
	if err != nil {
		return harvest.SourcePage{}, storeErr("list sources", err)
	}
	defer rows.Close()
	page.Sources = make([]harvest.Source, 0, limit)
	for rows.Next() {
		src, err := scanSource(rows, false)
		if err != nil {
			return harvest.SourcePage{}, storeErr("scan source", err)
		}
		page.Sources = append(page.Sources, src)
	}
	if err := rows.Err(); err != nil {
		return harvest.SourcePage{}, storeErr("list sources", err)
	}
	return page, nil
}

// PrioritySources lists sources flagged as priority.
func (r *SourceRegistry) PrioritySources(ctx context.Context, req harvest.ListRequest) (harvest.SourcePage, error) {
	req.Filter = harvest.FilterPriority
	return r.ListSources(ctx, req)
}

// FailedSources lists sources whose last harvest failed.
func (r *SourceRegistry) FailedSources(ctx context.Context, req harvest.ListRequest) (harvest.SourcePage, error) {
	req.Filter = harvest.FilterFailed
	return r.ListSources(ctx, req)
}

// UnavailableSources lists sources whose failure counter exceeds the threshold.
func (r *SourceRegistry) UnavailableSources(ctx context.Context, req harvest.ListRequest) (harvest.SourcePage, error) {
	req.Filter = harvest.FilterUnavailable
	return r.ListSources(ctx, req)
}

// NextScheduledSources returns schedulable sources, priority sources first,
// then by urgency descending with insertion order breaking ties.
func (r *SourceRegistry) NextScheduledSources(ctx context.Context, limit int) ([]harvest.Source, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := activeSources()
	now := q.arg(r.clock.Now().UTC())
	q.schedulable(r.threshold)
	sql := "SELECT " + sourceColumns + ", " + urgencyExpr(now) + " AS urgency FROM harvest_source" + q.where() +
		" ORDER BY priority_source DESC, urgency DESC, harvest_source_id ASC LIMIT " + q.arg(limit)

	rows, err := r.db.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, storeErr("next scheduled sources", err)
	}
	defer rows.Close()
	var out []harvest.Source
	for rows.Next() {
		src, err := scanSource(rows, true)
		if err != nil {
			return nil, storeErr("scan source", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("next scheduled sources", err)
	}
	return out, nil
}

// UrgencySourcesCount counts schedulable sources that are currently due.
func (r *SourceRegistry) UrgencySourcesCount(ctx context.Context) (int64, error) {
	q := activeSources()
	now := q.arg(r.clock.Now().UTC())
	q.schedulable(r.threshold).and(urgencyExpr(now) + " >= 1.0")
	var n int64
	if err := r.db.QueryRow(ctx, "SELECT count(*) FROM harvest_source"+q.where(), q.args...).Scan(&n); err != nil {
		return 0, storeErr("count due sources", err)
	}
	return n, nil
}

// UrgencyOfComingHarvests scores the next limit schedulable sources.
func (r *SourceRegistry) UrgencyOfComingHarvests(ctx context.Context, limit int) ([]harvest.UrgencyScore, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	q := activeSources()
	now := q.arg(r.clock.Now().UTC())
	q.schedulable(r.threshold)
	sql := "SELECT url, last_harvest, interval_minutes, " + urgencyExpr(now) + " AS urgency FROM harvest_source" +
		q.where() + " ORDER BY urgency DESC, harvest_source_id ASC LIMIT " + q.arg(limit)

	rows, err := r.db.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, storeErr("urgency of coming harvests", err)
	}
	defer rows.Close()
	var out []harvest.UrgencyScore
	for rows.Next() {
		var u harvest.UrgencyScore
		if err := rows.Scan(&u.URL, &u.LastHarvest, &u.IntervalMinutes, &u.Urgency); err != nil {
			return nil, storeErr("scan urgency", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("urgency of coming harvests", err)
	}
	return out, nil
}

// RecordHarvestOutcome applies the result of one harvest attempt. A failure
// that brings a non-priority source to the unavailability threshold moves it
// to pending deletion in the same statement; priority sources are only flagged.
// A permanent failure sets permanent_error, which only a success clears.
func (r *SourceRegistry) RecordHarvestOutcome(ctx context.Context, sourceHash int64, out harvest.Outcome) error {
	now := r.clock.Now().UTC()
	var (
		sql  string
		args []any
	)
	if out.Succeeded {
		sql = `
UPDATE harvest_source
SET count_unavail = 0, last_harvest_failed = FALSE, permanent_error = FALSE,
	last_harvest = $2, statements = $3, resources = $4
WHERE url_hash = $1`
		args = []any{sourceHash, now, out.Statements, out.Subjects}
	} else {
		sql = `
UPDATE harvest_source
SET count_unavail = count_unavail + 1,
	last_harvest_failed = TRUE,
	permanent_error = permanent_error OR $4,
	last_harvest = $2,
	state = CASE
		WHEN count_unavail + 1 >= $3 AND NOT priority_source THEN 'pending_deletion'
		ELSE state
	END
WHERE url_hash = $1`
		args = []any{sourceHash, now, r.threshold, out.Permanent}
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return storeErr("record harvest outcome", err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.ErrNotFound
	}
	return nil
}

// QueueForDeletion soft-deletes the given URLs. Unknown URLs are ignored.
func (r *SourceRegistry) QueueForDeletion(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	hashes := make([]int64, 0, len(urls))
	for _, u := range urls {
		if harvest.CanonicalURL(u) == "" {
			continue
		}
		hashes = append(hashes, hash.URL(u))
	}
	if len(hashes) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx,
		`UPDATE harvest_source SET state = 'pending_deletion' WHERE url_hash = ANY($1) AND state = 'active'`,
		hashes,
	)
	return storeErr("queue for deletion", err)
}

// ScheduledForDeletion lists the URLs waiting for the reaper.
func (r *SourceRegistry) ScheduledForDeletion(ctx context.Context) ([]string, error) {
	pending, err := pendingSources(ctx, r.db)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(pending))
	for _, p := range pending {
		urls = append(urls, p.URL)
	}
	return urls, nil
}

type pendingSource struct {
	ID      int64
	URL     string
	URLHash int64
}

func pendingSources(ctx context.Context, db DB) ([]pendingSource, error) {
	rows, err := db.Query(ctx,
		`SELECT harvest_source_id, url, url_hash FROM harvest_source WHERE state = 'pending_deletion' ORDER BY url`)
	if err != nil {
		return nil, storeErr("list pending deletion", err)
	}
	defer rows.Close()
	var out []pendingSource
	for rows.Next() {
		var p pendingSource
		if err := rows.Scan(&p.ID, &p.URL, &p.URLHash); err != nil {
			return nil, storeErr("scan pending deletion", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list pending deletion", err)
	}
	return out, nil
}
