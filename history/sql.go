package history

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/shaharia-lab/flutterbridge/discovery"
	"github.com/shaharia-lab/flutterbridge/observability"
)

type sqlDialect struct {
	name      string
	timestamp string
	numbered  bool
}

var (
	sqliteDialect   = sqlDialect{name: "sqlite3", timestamp: "DATETIME"}
	postgresDialect = sqlDialect{name: "postgres", timestamp: "TIMESTAMPTZ", numbered: true}
)

// rebind rewrites ? placeholders as $1, $2, ... for dialects that number them.
func (d sqlDialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStorage is a database/sql implementation of Storage for SQLite and
// PostgreSQL.
type SQLStorage struct {
	db      *sql.DB
	dialect sqlDialect
	mu      sync.RWMutex
	logger  observability.Logger
}

// NewSQLiteStorage prepares db, opened with the sqlite3 driver, as a history store.
func NewSQLiteStorage(ctx context.Context, db *sql.DB, logger observability.Logger) (*SQLStorage, error) {
	return newSQLStorage(ctx, db, sqliteDialect, logger)
}

// NewPostgresStorage prepares db, opened with the postgres driver, as a history store.
func NewPostgresStorage(ctx context.Context, db *sql.DB, logger observability.Logger) (*SQLStorage, error) {
	return newSQLStorage(ctx, db, postgresDialect, logger)
}

func newSQLStorage(ctx context.Context, db *sql.DB, dialect sqlDialect, logger observability.Logger) (*SQLStorage, error) {
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	s := &SQLStorage{db: db, dialect: dialect, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return s, nil
}

func (s *SQLStorage) initSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createTableSQL := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS vm_instances (
		uri TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		project_name TEXT NOT NULL DEFAULT '',
		device TEXT NOT NULL DEFAULT '',
		vm_version TEXT NOT NULL DEFAULT '',
		first_seen %[1]s NOT NULL,
		last_seen %[1]s NOT NULL,
		seen_count INTEGER NOT NULL DEFAULT 1
	);`, s.dialect.timestamp)

	createIndexSQL := `CREATE INDEX IF NOT EXISTS idx_vm_instances_last_seen ON vm_instances (last_seen);`

	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create vm_instances table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, createIndexSQL); err != nil {
		s.logger.WithErr(err).Warn("Failed to create vm_instances last_seen index")
	}
	return nil
}

const upsertSQL = `
	INSERT INTO vm_instances (uri, host, port, project_name, device, vm_version, first_seen, last_seen, seen_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
	ON CONFLICT (uri) DO UPDATE SET
		host = excluded.host,
		port = excluded.port,
		project_name = excluded.project_name,
		device = excluded.device,
		vm_version = excluded.vm_version,
		last_seen = excluded.last_seen,
		seen_count = vm_instances.seen_count + 1`

func (s *SQLStorage) Record(ctx context.Context, instances []discovery.Instance) (err error) {
	if len(instances) == 0 {
		return nil
	}
	ctx, span := observability.StartSpan(ctx, "history.Record")
	defer func() { observability.EndSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for recording instances: %w", err)
	}
	defer tx.Rollback()

	query := s.dialect.rebind(upsertSQL)
	for _, inst := range instances {
		at := seenAt(inst)
		if _, err = tx.ExecContext(ctx, query,
			inst.URI, inst.Host, inst.Port, inst.ProjectName, inst.Device, inst.VMVersion, at, at,
		); err != nil {
			return fmt.Errorf("failed to record instance %s: %w", inst.URI, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit recorded instances: %w", err)
	}
	return nil
}

func (s *SQLStorage) Recent(ctx context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT uri, host, port, project_name, device, vm_version, first_seen, last_seen, seen_count
	FROM vm_instances
	ORDER BY last_seen DESC, uri ASC`
	var args []interface{}
	if limit > 0 {
		query += "\n\tLIMIT ?"
		args = append(args, limit)
	}
	query = s.dialect.rebind(query)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instance history: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.URI, &r.Host, &r.Port, &r.ProjectName, &r.Device, &r.VMVersion,
			&r.FirstSeen, &r.LastSeen, &r.SeenCount); err != nil {
			return nil, fmt.Errorf("failed to scan instance row: %w", err)
		}
		records = append(records, r)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instance rows: %w", err)
	}
	return records, nil
}

func (s *SQLStorage) Forget(ctx context.Context, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM vm_instances WHERE uri = ?`), uri)
	if err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", uri, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count deleted rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database connection
func (s *SQLStorage) Close() error {
	return s.db.Close()
}
