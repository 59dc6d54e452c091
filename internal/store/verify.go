package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb"
)

// Verifier opens a published table with an embedded analytical engine and
// checks that the parts are readable and that their row count matches the
// manifest. This is the same access path downstream consumers use.
type Verifier struct {
	store *TableStore
	log   *slog.Logger
}

func NewVerifier(store *TableStore) *Verifier {
	return &Verifier{store: store, log: slog.With("component", "verify")}
}

// VerifyTable returns the row count the engine sees for the table.
func (v *Verifier) VerifyTable(ctx context.Context, table string) (int64, error) {
	m, err := v.store.ReadManifest(table)
	if err != nil {
		return 0, fmt.Errorf("verify %s: %w", table, err)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return 0, fmt.Errorf("verify %s: %w", table, err)
	}
	defer db.Close()

	glob := filepath.Join(v.store.TableDir(table), "part-*.parquet")
	var rows int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM read_parquet(?)", glob).Scan(&rows); err != nil {
		return 0, fmt.Errorf("verify %s: %w", table, err)
	}

	if rows != m.RowCount {
		return rows, fmt.Errorf("verify %s: engine sees %d rows, manifest declares %d", table, rows, m.RowCount)
	}
	v.log.Info("table verified", "table", table, "rows", rows)
	return rows, nil
}
