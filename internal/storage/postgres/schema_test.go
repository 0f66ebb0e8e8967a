package postgres

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
)

func TestMigrateAppliesEveryStatement(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	for _, stmt := range schema {
		mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS harvest_source").WillReturnError(errors.New("permission denied"))

	err = Migrate(context.Background(), mock)
	require.Error(t, err)
	var storeErr *harvest.StoreError
	require.ErrorAs(t, err, &storeErr)
	require.Equal(t, "migrate", storeErr.Op)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTripleIdentityCoversLiteralKindAndLanguage(t *testing.T) {
	t.Parallel()

	for _, col := range []string{"object_hash", "lit_obj", "obj_lang", "source", "gen_time"} {
		require.Contains(t, spoIdentityColumns, col)
	}

	var table, upgrade string
	for _, stmt := range schema {
		switch {
		case strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS spo ("):
			table = stmt
		case strings.Contains(stmt, "ALTER TABLE spo ADD CONSTRAINT spo_identity"):
			upgrade = stmt
		}
	}
	require.Contains(t, table, "CONSTRAINT spo_identity UNIQUE ("+spoIdentityColumns+")")
	require.NotEmpty(t, upgrade, "existing tables get the wider key")
	require.Contains(t, upgrade, "UNIQUE ("+spoIdentityColumns+")")
}
