package history

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shaharia-lab/flutterbridge/observability"
)

const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Open returns the Storage for driver. DriverNone yields a nil Storage and no
// error; dsn is ignored by the in-memory store.
func Open(ctx context.Context, driver, dsn string, logger observability.Logger) (Storage, error) {
	switch driver {
	case DriverNone, "":
		return nil, nil
	case DriverMemory:
		return NewInMemoryStorage(), nil
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported history driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s history database: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach %s history database: %w", driver, err)
	}

	var s *SQLStorage
	if driver == DriverSQLite {
		s, err = NewSQLiteStorage(ctx, db, logger)
	} else {
		s, err = NewPostgresStorage(ctx, db, logger)
	}
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
