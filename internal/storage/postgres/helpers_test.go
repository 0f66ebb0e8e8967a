package postgres

import (
	"time"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

var sourceCols = []string{
	"harvest_source_id", "url", "url_hash", "emails", "time_created", "interval_minutes",
	"last_harvest", "count_unavail", "permanent_error", "priority_source", "last_harvest_failed",
	"owner", "media_type", "statements", "resources", "state",
}

func sourceValues(s harvest.Source) []any {
	return []any{
		s.ID, s.URL, s.URLHash, s.Emails, s.TimeCreated, s.IntervalMinutes,
		s.LastHarvest, s.CountUnavail, s.PermanentError, s.PrioritySource, s.LastHarvestFailed,
		s.Owner, s.MediaType, s.Statements, s.Resources, string(s.State),
	}
}

func sourceRows(sources ...harvest.Source) *pgxmock.Rows {
	rows := pgxmock.NewRows(sourceCols)
	for _, s := range sources {
		rows.AddRow(sourceValues(s)...)
	}
	return rows
}

func lockRows(locked bool) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(locked)
}
