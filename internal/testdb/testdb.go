// README: Postgres fixture for store tests; skipped unless DISPATCH_TEST_DSN is set.
package testdb

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"ridedispatch/internal/infra"
)

const dsnEnv = "DISPATCH_TEST_DSN"

// Open migrates the database named by DISPATCH_TEST_DSN, empties every table
// and returns a pool closed at test cleanup.
func Open(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	if err := infra.Migrate(dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	pool, err := infra.NewDB(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, `TRUNCATE trip_state_events, offers, trips RESTART IDENTITY`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}

// OfferRow is an offer as stored, without going through a repository.
type OfferRow struct {
	ID       string
	DriverID string
	Status   string
}

// Offers reads the trip's offers straight from the table.
func Offers(t *testing.T, pool *pgxpool.Pool, tripID string) []OfferRow {
	t.Helper()
	rows, err := pool.Query(context.Background(),
		`SELECT id, driver_id, status FROM offers WHERE trip_id = $1 ORDER BY notified_at, id`, tripID)
	if err != nil {
		t.Fatalf("query offers: %v", err)
	}
	defer rows.Close()

	var out []OfferRow
	for rows.Next() {
		var r OfferRow
		if err := rows.Scan(&r.ID, &r.DriverID, &r.Status); err != nil {
			t.Fatalf("scan offer: %v", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("offers: %v", err)
	}
	return out
}
