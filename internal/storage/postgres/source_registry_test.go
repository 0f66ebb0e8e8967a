package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
	"github.com/JakeFAU/rdf-harvester/internal/hash"
)

func newRegistry(t *testing.T, threshold int) (*SourceRegistry, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	reg, err := NewSourceRegistry(mock, fixedClock{now: testNow}, threshold)
	require.NoError(t, err)
	return reg, mock
}

func TestAddSourceStripsFragmentAndDefaultsOwner(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 0)

	url := "http://example.com/data.rdf"
	mock.ExpectQuery("INSERT INTO harvest_source").
		WithArgs(url, hash.SPO(url), "ops@example.com", testNow, 60, true, harvest.DefaultOwner, "").
		WillReturnRows(pgxmock.NewRows([]string{"harvest_source_id"}).AddRow(int64(7)))

	id, err := reg.AddSource(context.Background(), harvest.Source{
		URL:             " http://example.com/data.rdf#section ",
		Emails:          "ops@example.com",
		IntervalMinutes: 60,
		PrioritySource:  true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddSourceReturnsExistingID(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 0)

	url := "http://example.com/known.ttl"
	mock.ExpectQuery("INSERT INTO harvest_source").
		WithArgs(url, hash.SPO(url), "", testNow, 0, false, "alice", "text/turtle").
		WillReturnRows(pgxmock.NewRows([]string{"harvest_source_id"}))
	mock.ExpectQuery("SELECT harvest_source_id, state FROM harvest_source").
		WithArgs(hash.SPO(url)).
		WillReturnRows(pgxmock.NewRows([]string{"harvest_source_id", "state"}).AddRow(int64(3), "active"))

	id, err := reg.AddSource(context.Background(), harvest.Source{URL: url, Owner: "alice", MediaType: "text/turtle"})
	require.NoError(t, err)
	require.Equal(t, int64(3), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddSourcePendingDeletion(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 0)

	url := "http://example.com/gone.rdf"
	mock.ExpectQuery("INSERT INTO harvest_source").
		WithArgs(url, hash.SPO(url), "", testNow, 0, false, harvest.DefaultOwner, "").
		WillReturnRows(pgxmock.NewRows([]string{"harvest_source_id"}))
	mock.ExpectQuery("SELECT harvest_source_id, state FROM harvest_source").
		WithArgs(hash.SPO(url)).
		WillReturnRows(pgxmock.NewRows([]string{"harvest_source_id", "state"}).AddRow(int64(9), "pending_deletion"))

	id, err := reg.AddSource(context.Background(), harvest.Source{URL: url})
	require.ErrorIs(t, err, harvest.ErrSourceRemoved)
	require.Equal(t, int64(9), id)
}

func TestAddSourceValidates(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t, 0)

	_, err := reg.AddSource(context.Background(), harvest.Source{URL: "   "})
	require.Error(t, err)
	_, err = reg.AddSource(context.Background(), harvest.Source{URL: "http://x", IntervalMinutes: -1})
	require.Error(t, err)
}

func TestEditSourceWritesPermanentError(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 0)

	mock.ExpectExec(regexp.QuoteMeta("media_type = $6, permanent_error = $7")).
		WithArgs(int64(4), "ops@example.org", 60, true, "team", "text/turtle", false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, reg.EditSource(context.Background(), harvest.Source{
		ID: 4, Emails: "ops@example.org", IntervalMinutes: 60, PrioritySource: true,
		Owner: " team ", MediaType: "text/turtle", PermanentError: false,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEditSourceNotFound(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 0)

	mock.ExpectExec("UPDATE harvest_source").
		WithArgs(int64(4), "", 30, false, harvest.DefaultOwner, "", false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := reg.EditSource(context.Background(), harvest.Source{ID: 4, IntervalMinutes: 30})
	require.ErrorIs(t, err, harvest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSourceByURL(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 0)

	last := testNow.Add(-2 * time.Hour)
	want := harvest.Source{
		ID: 11, URL: "http://example.com/a.rdf", URLHash: hash.SPO("http://example.com/a.rdf"),
		TimeCreated: testNow.Add(-48 * time.Hour), IntervalMinutes: 60, LastHarvest: &last,
		Owner: "harvester", Statements: 120, Resources: 40, State: harvest.StateActive,
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM harvest_source WHERE state = 'active' AND url_hash = $1")).
		WithArgs(want.URLHash).
		WillReturnRows(sourceRows(want))

	got, err := reg.GetSourceByURL(context.Background(), "http://example.com/a.rdf#ignored")
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.True(t, got.Active())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSourceByIDNotFound(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 0)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE state = 'active' AND harvest_source_id = $1")).
		WithArgs(int64(404)).
		WillReturnRows(pgxmock.NewRows(sourceCols))

	_, err := reg.GetSourceByID(context.Background(), 404)
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestFailedSourcesFiltersSearchesSortsAndPages(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 0)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT count(*) FROM harvest_source WHERE state = 'active' AND last_harvest_failed = TRUE AND url ILIKE '%' || $1 || '%'")).
		WithArgs("eionet").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(31)))
	row := harvest.Source{ID: 1, URL: "http://eionet.example/x.rdf", LastHarvestFailed: true, State: harvest.StateActive}
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY statements DESC NULLS LAST, harvest_source_id ASC LIMIT $2 OFFSET $3")).
		WithArgs("eionet", 10, 20).
		WillReturnRows(sourceRows(row))

	page, err := reg.FailedSources(context.Background(), harvest.ListRequest{
		Search: " eionet ", Offset: 20, Limit: 10, SortBy: "statements", SortDesc: true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(31), page.Total)
	require.Len(t, page.Sources, 1)
	require.Equal(t, "http://eionet.example/x.rdf", page.Sources[0].URL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUnavailableSourcesUsesThreshold(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 3)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE state = 'active' AND count_unavail > $1")).
		WithArgs(3).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY url ASC NULLS LAST, harvest_source_id ASC LIMIT $2 OFFSET $3")).
		WithArgs(3, defaultPageSize, 0).
		WillReturnRows(pgxmock.NewRows(sourceCols))

	page, err := reg.UnavailableSources(context.Background(), harvest.ListRequest{SortBy: "no_such_column", Offset: -5})
	require.NoError(t, err)
	require.Zero(t, page.Total)
	require.Empty(t, page.Sources)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPrioritySourcesFilter(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 0)

	mock.ExpectQuery(regexp.QuoteMeta("AND priority_source = TRUE")).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectQuery(regexp.QuoteMeta("AND priority_source = TRUE ORDER BY")).
		WithArgs(defaultPageSize, 0).
		WillReturnRows(sourceRows(harvest.Source{ID: 5, PrioritySource: true, State: harvest.StateActive}))

	page, err := reg.PrioritySources(context.Background(), harvest.ListRequest{})
	require.NoError(t, err)
	require.True(t, page.Sources[0].PrioritySource)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextScheduledSourcesExcludesQuarantinedAndOrdersByUrgency(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 5)

	older := testNow.Add(-3 * time.Hour)
	newer := testNow.Add(-90 * time.Minute)
	cols := append(append([]string{}, sourceCols...), "urgency")
	rows := pgxmock.NewRows(cols).
		AddRow(append(sourceValues(harvest.Source{ID: 1, URL: "http://a", IntervalMinutes: 60, LastHarvest: &older, State: harvest.StateActive}), 3.0)...).
		AddRow(append(sourceValues(harvest.Source{ID: 2, URL: "http://b", IntervalMinutes: 60, LastHarvest: &newer, State: harvest.StateActive}), 1.5)...).
		AddRow(append(sourceValues(harvest.Source{ID: 3, URL: "http://c", IntervalMinutes: 600, State: harvest.StateActive}), 0.2)...)

	mock.ExpectQuery(regexp.QuoteMeta(
		"WHERE state = 'active' AND permanent_error = FALSE AND interval_minutes > 0 AND count_unavail < $2 " +
			"ORDER BY priority_source DESC, urgency DESC, harvest_source_id ASC LIMIT $3")).
		WithArgs(testNow, 5, 10).
		WillReturnRows(rows)

	got, err := reg.NextScheduledSources(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "http://a", got[0].URL)
	require.True(t, got[0].Due())
	require.True(t, got[1].Due())
	require.False(t, got[2].Due())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextScheduledSourcesZeroLimit(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 0)

	got, err := reg.NextScheduledSources(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUrgencySourcesCount(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 5)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM harvest_source WHERE state = 'active' AND permanent_error = FALSE")).
		WithArgs(testNow, 5).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(12)))

	n, err := reg.UrgencySourcesCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(12), n)
}

func TestUrgencyOfComingHarvests(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 5)

	last := testNow.Add(-time.Hour)
	mock.ExpectQuery("SELECT url, last_harvest, interval_minutes").
		WithArgs(testNow, 5, 2).
		WillReturnRows(pgxmock.NewRows([]string{"url", "last_harvest", "interval_minutes", "urgency"}).
			AddRow("http://a", &last, 30, 2.0).
			AddRow("http://b", (*time.Time)(nil), 60, 1.0))

	got, err := reg.UrgencyOfComingHarvests(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, []harvest.UrgencyScore{
		{URL: "http://a", LastHarvest: &last, IntervalMinutes: 30, Urgency: 2.0},
		{URL: "http://b", IntervalMinutes: 60, Urgency: 1.0},
	}, got)
}

func TestRecordHarvestOutcomeSuccessResetsCounters(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 5)

	mock.ExpectExec(regexp.QuoteMeta("SET count_unavail = 0, last_harvest_failed = FALSE")).
		WithArgs(int64(77), testNow, int64(1000), int64(250)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, reg.RecordHarvestOutcome(context.Background(), 77,
		harvest.Outcome{Succeeded: true, Statements: 1000, Subjects: 250}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordHarvestOutcomeSuccessClearsPermanentError(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 5)

	mock.ExpectExec(regexp.QuoteMeta("permanent_error = FALSE")).
		WithArgs(int64(77), testNow, int64(10), int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, reg.RecordHarvestOutcome(context.Background(), 77,
		harvest.Outcome{Succeeded: true, Statements: 10, Subjects: 2}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordHarvestOutcomePermanentFailureSetsFlag(t *testing.T) {
	t.Parallel()
	for _, permanent := range []bool{true, false} {
		reg, mock := newRegistry(t, 5)

		mock.ExpectExec(regexp.QuoteMeta("permanent_error = permanent_error OR $4")).
			WithArgs(int64(77), testNow, 5, permanent).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, reg.RecordHarvestOutcome(context.Background(), 77, harvest.Outcome{Permanent: permanent}))
		require.NoError(t, mock.ExpectationsWereMet())
	}
}

func TestRecordHarvestOutcomeFailureQuarantinesNonPrioritySources(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 3)

	mock.ExpectExec(regexp.QuoteMeta("WHEN count_unavail + 1 >= $3 AND NOT priority_source THEN 'pending_deletion'")).
		WithArgs(int64(77), testNow, 3, false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, reg.RecordHarvestOutcome(context.Background(), 77, harvest.Outcome{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordHarvestOutcomeUnknownSource(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 3)

	mock.ExpectExec("UPDATE harvest_source").
		WithArgs(int64(1), testNow, int64(0), int64(0)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := reg.RecordHarvestOutcome(context.Background(), 1, harvest.Outcome{Succeeded: true})
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestRecordHarvestOutcomeStoreError(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 3)

	mock.ExpectExec("UPDATE harvest_source").
		WithArgs(int64(1), testNow, 3, true).
		WillReturnError(errors.New("connection reset"))

	err := reg.RecordHarvestOutcome(context.Background(), 1, harvest.Outcome{Permanent: true})
	var storeErr *harvest.StoreError
	require.ErrorAs(t, err, &storeErr)
}

func TestQueueForDeletionHashesCanonicalURLs(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 0)

	mock.ExpectExec(regexp.QuoteMeta("SET state = 'pending_deletion' WHERE url_hash = ANY($1) AND state = 'active'")).
		WithArgs([]int64{hash.SPO("http://a"), hash.SPO("http://b")}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	require.NoError(t, reg.QueueForDeletion(context.Background(), []string{"http://a#x", "", "http://b"}))
	require.NoError(t, reg.QueueForDeletion(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduledForDeletion(t *testing.T) {
	t.Parallel()
	reg, mock := newRegistry(t, 0)

	mock.ExpectQuery("WHERE state = 'pending_deletion'").
		WillReturnRows(pgxmock.NewRows([]string{"harvest_source_id", "url", "url_hash"}).
			AddRow(int64(1), "http://a", int64(10)).
			AddRow(int64(2), "http://b", int64(20)))

	urls, err := reg.ScheduledForDeletion(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"http://a", "http://b"}, urls)
}
