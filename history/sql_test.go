package history

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/flutterbridge/discovery"
)

func newPostgresMock(t *testing.T) (*SQLStorage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS vm_instances .*first_seen TIMESTAMPTZ NOT NULL`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS idx_vm_instances_last_seen`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := NewPostgresStorage(context.Background(), db, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		mock.ExpectClose()
		assert.NoError(t, s.Close())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	return s, mock
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = ?"
	assert.Equal(t, q, sqliteDialect.rebind(q))
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", postgresDialect.rebind(q))
}

func TestPostgresStorageRecord(t *testing.T) {
	s, mock := newPostgresMock(t)
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1) ON CONFLICT (uri) DO UPDATE SET`)).
		WithArgs("ws://127.0.0.1:8181/ws", "127.0.0.1", 8181, "alpha", "Linux", "3.5.0", at, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Record(context.Background(), []discovery.Instance{instance(8181, "alpha", at)}))
}

func TestPostgresStorageRecordRollsBack(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO vm_instances`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.Record(context.Background(), []discovery.Instance{instance(8181, "alpha", time.Now())})
	assert.ErrorContains(t, err, "failed to record instance ws://127.0.0.1:8181/ws")
}

func TestPostgresStorageRecent(t *testing.T) {
	s, mock := newPostgresMock(t)
	first := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	last := first.Add(time.Hour)

	rows := sqlmock.NewRows([]string{"uri", "host", "port", "project_name", "device", "vm_version", "first_seen", "last_seen", "seen_count"}).
		AddRow("ws://127.0.0.1:8181/ws", "127.0.0.1", int64(8181), "alpha", "Android", "3.5.0", first, last, int64(4))
	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY last_seen DESC, uri ASC LIMIT $1`)).
		WithArgs(5).
		WillReturnRows(rows)

	records, err := s.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, Record{
		URI:         "ws://127.0.0.1:8181/ws",
		Host:        "127.0.0.1",
		Port:        8181,
		ProjectName: "alpha",
		Device:      "Android",
		VMVersion:   "3.5.0",
		FirstSeen:   first,
		LastSeen:    last,
		SeenCount:   4,
	}, records[0])
}

func TestPostgresStorageForget(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM vm_instances WHERE uri = $1`)).
		WithArgs("ws://127.0.0.1:8181/ws").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM vm_instances WHERE uri = $1`)).
		WithArgs("ws://127.0.0.1:9999/ws").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, s.Forget(context.Background(), "ws://127.0.0.1:8181/ws"))
	assert.ErrorIs(t, s.Forget(context.Background(), "ws://127.0.0.1:9999/ws"), ErrNotFound)
}

func TestPostgresStorageSchemaFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE`).WillReturnError(errors.New("permission denied"))

	_, err = NewPostgresStorage(context.Background(), db, nil)
	assert.ErrorContains(t, err, "failed to initialize database schema")
}
