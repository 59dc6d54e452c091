package state

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/FiGuidastri/dw-receita-federal/internal/db"
)

func TestRunState_RealIntegration(t *testing.T) {
	runIntegration := strings.TrimSpace(os.Getenv("RUN_INTEGRATION")) == "1"
	if !runIntegration {
		t.Skip("set RUN_INTEGRATION=1 to run integration tests")
	}

	ctx := context.Background()
	conn, err := db.OpenSQL(ctx, filepath.Join(t.TempDir(), "pipeline.duckdb"))
	if err != nil {
		t.Fatalf("open state database: %v", err)
	}
	defer conn.Close()

	st := NewRunState(conn)
	if err := st.Ensure(ctx); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	// Ensure must be re-runnable
	if err := st.Ensure(ctx); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}

	if _, ok, err := st.Get(ctx, "last_run_id"); err != nil || ok {
		t.Fatalf("Get on empty store: ok=%v err=%v", ok, err)
	}
	if err := st.Set(ctx, "last_run_id", "run-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := st.Set(ctx, "last_run_id", "run-2"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	v, ok, err := st.Get(ctx, "last_run_id")
	if err != nil || !ok || v != "run-2" {
		t.Fatalf("Get after overwrite: %q ok=%v err=%v", v, ok, err)
	}

	if err := st.RecordArchive(ctx, "Empresas0.zip", "empresas", 1024, true, ""); err != nil {
		t.Fatalf("RecordArchive: %v", err)
	}
	if err := st.MarkExtracted(ctx, "Empresas0.zip", true, ""); err != nil {
		t.Fatalf("MarkExtracted: %v", err)
	}

	if err := st.RecordShard(ctx, "part-a.parquet", "empresas", 100, 1, 2, ShardConverted, ""); err != nil {
		t.Fatalf("RecordShard: %v", err)
	}
	if err := st.RecordShard(ctx, "part-b.parquet", "empresas", 0, 50, 0, ShardExcluded, "too many malformed rows"); err != nil {
		t.Fatalf("RecordShard excluded: %v", err)
	}

	counts, err := st.ShardCounts(ctx, "empresas")
	if err != nil {
		t.Fatalf("ShardCounts: %v", err)
	}
	if counts[ShardConverted] != 1 || counts[ShardExcluded] != 1 {
		t.Fatalf("unexpected shard counts: %+v", counts)
	}
}
