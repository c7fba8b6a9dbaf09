package telemetry

import (
	"database/sql"
	"fmt"

	"github.com/XSAM/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// OpenDB opens an instrumented connection pool and registers its pool
// statistics as metrics. The returned close function unregisters the stats
// and closes the pool.
func OpenDB(driverName, dsn string) (*sql.DB, func() error, error) {
	attrs := otelsql.WithAttributes(semconv.DBSystemPostgreSQL)

	db, err := otelsql.Open(driverName, dsn, attrs)
	if err != nil {
		return nil, nil, err
	}

	reg, err := otelsql.RegisterDBStatsMetrics(db, attrs)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("register db stats: %w", err)
	}

	closeDB := func() error {
		_ = reg.Unregister()
		return db.Close()
	}
	return db, closeDB, nil
}
