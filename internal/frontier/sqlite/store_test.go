package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/corpgraph-crawler/internal/frontier/frontiertest"
	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

func TestStoreConformance(t *testing.T) {
	frontiertest.Run(t, func(t *testing.T, clock graph.Clock) graph.FrontierStore {
		store, err := Open(context.Background(), Options{
			Path:  filepath.Join(t.TempDir(), "frontier.db"),
			WAL:   true,
			Clock: clock,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "frontier.db")
	clock := frontiertest.NewClock()

	store, err := Open(ctx, Options{Path: path, Clock: clock})
	require.NoError(t, err)
	require.NoError(t, store.AddToFrontier(ctx, graph.EntityRef{Source: "tyc", ID: "c", Type: graph.EntityCompany}))
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, Options{Path: path, Clock: clock})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	pending, err := reopened.LoadPendingFrontier(ctx, "tyc", "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c", pending[0].ID)
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Options{})
	require.Error(t, err)
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return NewWithDB(sqlx.NewDb(mockDB, "sqlmock"), frontiertest.NewClock()), mock
}

func TestRecordVisitRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO visits")).
		WithArgs("tyc", "a", "company", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(deleteFrontierSQL)).
		WithArgs("tyc", "a").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := store.RecordVisit(context.Background(), graph.EntityRef{Source: "tyc", ID: "a", Type: graph.EntityCompany})
	require.Error(t, err)
	assert.True(t, graph.IsStorageError(err))
	assert.Contains(t, err.Error(), "record visit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFilterUnknownIssuesOneQueryPerTable(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM visits WHERE source = ? AND id IN (?, ?, ?)")).
		WithArgs("tyc", "a", "b", "c").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("b"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM frontier WHERE source = ? AND id IN (?, ?, ?)")).
		WithArgs("tyc", "a", "b", "c").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c"))

	got, err := store.FilterUnknown(context.Background(), "tyc", []string{"a", "b", "c", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFilterUnknownWrapsQueryFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id FROM visits").WillReturnError(errors.New("database is locked"))

	_, err := store.FilterUnknown(context.Background(), "tyc", []string{"a"})
	require.Error(t, err)
	assert.True(t, graph.IsStorageError(err))
}

func TestAddToFrontierWrapsFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO frontier")).
		WithArgs("tyc", "a", "person", sqlmock.AnyArg()).
		WillReturnError(errors.New("readonly database"))

	err := store.AddToFrontier(context.Background(), graph.EntityRef{Source: "tyc", ID: "a", Type: graph.EntityPerson})
	require.Error(t, err)
	var se *graph.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "add to frontier", se.Op)
}

func TestVisitStatsQueryHasOneColumnPerWindow(t *testing.T) {
	t.Parallel()

	query, args := visitStatsQuery(frontiertest.NewClock().Now())
	assert.Len(t, args, 3)
	assert.Equal(t, 3, len(regexp.MustCompile(`SUM\(`).FindAllString(query, -1)))
}
