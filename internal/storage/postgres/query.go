package postgres

import (
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
)

const sourceColumns = `harvest_source_id, url, url_hash, emails, time_created, interval_minutes,
	last_harvest, count_unavail, permanent_error, priority_source, last_harvest_failed,
	owner, media_type, statements, resources, state`

// urgencyExpr scores how overdue a source is relative to the timestamp bound
// at placeholder now. A source that was never harvested is measured from one
// interval before its creation, which makes it due immediately.
func urgencyExpr(now string) string {
	return `(EXTRACT(EPOCH FROM (` + now + `::timestamptz - COALESCE(last_harvest,
	time_created - make_interval(mins => interval_minutes))))::float8 / (interval_minutes * 60.0))`
}

// sortColumns whitelists the listing sort keys accepted from callers.
var sortColumns = map[string]string{
	"":              "url",
	"url":           "url",
	"last_harvest":  "last_harvest",
	"interval":      "interval_minutes",
	"count_unavail": "count_unavail",
	"statements":    "statements",
	"time_created":  "time_created",
	"owner":         "owner",
}

// sourceQuery accumulates WHERE conditions and positional arguments for a
// harvest_source query. It always starts from active sources, so no listing
// can forget to hide rows that are waiting for the reaper.
type sourceQuery struct {
	conds []string
	args  []any
}

func activeSources() *sourceQuery {
	return &sourceQuery{conds: []string{"state = 'active'"}}
}

// arg binds v and returns its placeholder.
func (q *sourceQuery) arg(v any) string {
	q.args = append(q.args, v)
	return "$" + strconv.Itoa(len(q.args))
}

func (q *sourceQuery) and(cond string) *sourceQuery {
	q.conds = append(q.conds, cond)
	return q
}

// schedulable restricts to sources the periodic scheduler may pick.
func (q *sourceQuery) schedulable(threshold int) *sourceQuery {
	return q.and("permanent_error = FALSE").
		and("interval_minutes > 0").
		and("count_unavail < " + q.arg(threshold))
}

func (q *sourceQuery) filter(f harvest.ListFilter, threshold int) *sourceQuery {
	switch f {
	case harvest.FilterFailed:
		q.and("last_harvest_failed = TRUE")
	case harvest.FilterUnavailable:
		q.and("count_unavail > " + q.arg(threshold))
	case harvest.FilterPriority:
		q.and("priority_source = TRUE")
	}
	return q
}

func (q *sourceQuery) search(text string) *sourceQuery {
	text = strings.TrimSpace(text)
	if text == "" {
		return q
	}
	return q.and("url ILIKE '%' || " + q.arg(text) + " || '%'")
}

func (q *sourceQuery) where() string {
	return " WHERE " + strings.Join(q.conds, " AND ")
}

func orderBy(req harvest.ListRequest) string {
	col, ok := sortColumns[req.SortBy]
	if !ok {
		col = "url"
	}
	dir := "ASC"
	if req.SortDesc {
		dir = "DESC"
	}
	return " ORDER BY " + col + " " + dir + " NULLS LAST, harvest_source_id ASC"
}

// scanSource reads sourceColumns, optionally followed by an urgency column.
func scanSource(row pgx.Row, withUrgency bool) (harvest.Source, error) {
	var s harvest.Source
	var state string
	dest := []any{
		&s.ID, &s.URL, &s.URLHash, &s.Emails, &s.TimeCreated, &s.IntervalMinutes,
		&s.LastHarvest, &s.CountUnavail, &s.PermanentError, &s.PrioritySource, &s.LastHarvestFailed,
		&s.Owner, &s.MediaType, &s.Statements, &s.Resources, &state,
	}
	if withUrgency {
		dest = append(dest, &s.Urgency)
	}
	if err := row.Scan(dest...); err != nil {
		return harvest.Source{}, err
	}
	s.State = harvest.SourceState(state)
	return s, nil
}
