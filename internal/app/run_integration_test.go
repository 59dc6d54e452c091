package app

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/FiGuidastri/dw-receita-federal/internal/config"
	"github.com/FiGuidastri/dw-receita-federal/internal/store"
	"github.com/FiGuidastri/dw-receita-federal/internal/tables"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write zip entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// estabRow builds one establishments record: 30 positional fields with only
// the three key columns filled in.
func estabRow(basico, ordem, dv string) string {
	fields := make([]string, 30)
	fields[0] = basico
	fields[1] = ordem
	fields[2] = dv
	fields[6] = "0"  // data_situacao_cadastral
	fields[10] = "0" // data_inicio_atividade
	fields[29] = "0" // data_situacao_especial
	return strings.Join(fields, ";")
}

// TestRun_EndToEnd drives a full pipeline run against a local catalog with
// three companies archives and two establishments archives, then checks the
// published store.
func TestRun_EndToEnd(t *testing.T) {
	runIntegration := strings.TrimSpace(os.Getenv("RUN_INTEGRATION")) == "1"
	if !runIntegration {
		t.Skip("set RUN_INTEGRATION=1 to run integration tests")
	}

	zips := map[string][]byte{
		"Empresas0.zip": buildZip(t, map[string]string{
			"K3241.K03200Y0.D51108.EMPRECSV": "00000001;ALFA LTDA;2062;49;1000,00;05;\n" +
				"00000002;BETA SA;2046;49;2500,50;01;\n" +
				"00000003;GAMA ME;2135;50;0;01;\n",
		}),
		"Empresas1.zip": buildZip(t, map[string]string{
			// 00000001 repeats shard 0 and must be deduplicated
			"K3241.K03200Y1.D51108.EMPRECSV": "00000001;ALFA LTDA;2062;49;1000,00;05;\n" +
				"00000004;DELTA EIRELI;2305;65;150,00;03;\n",
		}),
		"Empresas2.zip": buildZip(t, map[string]string{
			"K3241.K03200Y2.D51108.EMPRECSV": "00000005;EPSILON SA;2046;49;99,99;05;\n",
		}),
		"Estabelecimentos0.zip": buildZip(t, map[string]string{
			"K3241.K03200Y0.D51108.ESTABELE": estabRow("00000001", "0001", "91") + "\n" +
				estabRow("00000002", "0001", "23") + "\n",
		}),
		"Estabelecimentos1.zip": buildZip(t, map[string]string{
			"K3241.K03200Y1.D51108.ESTABELE": estabRow("00000003", "0001", "55") + "\n",
		}),
	}

	var index strings.Builder
	index.WriteString("<html><body><pre>\n")
	for name := range zips {
		fmt.Fprintf(&index, "<a href=%q>%s</a>\n", name, name)
	}
	index.WriteString("</pre></body></html>")

	// only 2025-11 is published; any other month's index is a 404
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/2025-11/" {
			_, _ = w.Write([]byte(index.String()))
			return
		}
		b, ok := zips[filepath.Base(r.URL.Path)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(b)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	root := t.TempDir()
	cfg := config.Config{
		DownloadDir:           filepath.Join(root, "zips"),
		ScratchDir:            filepath.Join(root, "scratch"),
		StoreDir:              filepath.Join(root, "store"),
		StatePath:             filepath.Join(root, "state", "pipeline.duckdb"),
		CatalogURLTemplate:    srv.URL + "/%s/",
		ForceMonth:            "2025-11",
		LoadEmpresas:          true,
		LoadEstabelecimentos:  true,
		DownloadWorkers:       2,
		ExtractWorkers:        2,
		TableWorkers:          2,
		MaxRetries:            1,
		BatchSize:             1000,
		MalformedRowThreshold: 0.02,
		VerifyTables:          true,
	}

	if err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	ts := store.New(cfg.StoreDir, store.ProducerInfo{})

	emp, err := ts.ReadManifest("empresas")
	if err != nil {
		t.Fatalf("read empresas manifest: %v", err)
	}
	if emp.RowCount != 5 {
		t.Fatalf("empresas rows = %d, want 5 (one duplicate dropped)", emp.RowCount)
	}
	if len(emp.Parts) != 3 {
		t.Fatalf("empresas parts = %d, want 3", len(emp.Parts))
	}

	est, err := ts.ReadManifest("estabelecimentos")
	if err != nil {
		t.Fatalf("read estabelecimentos manifest: %v", err)
	}
	if est.RowCount != 3 {
		t.Fatalf("estabelecimentos rows = %d, want 3", est.RowCount)
	}
	if len(est.Parts) != 2 {
		t.Fatalf("estabelecimentos parts = %d, want 2", len(est.Parts))
	}

	// only the two enabled tables were published
	entries, err := os.ReadDir(cfg.StoreDir)
	if err != nil {
		t.Fatalf("read store dir: %v", err)
	}
	var tableDirs []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			tableDirs = append(tableDirs, e.Name())
		}
	}
	if len(tableDirs) != 2 {
		t.Fatalf("expected 2 published tables, got %v", tableDirs)
	}

	// scratch is cleaned after a fully successful run
	if _, err := os.Stat(filepath.Join(cfg.ScratchDir, "2025-11")); !os.IsNotExist(err) {
		t.Fatal("scratch month dir should be removed after success")
	}

	publishedKeys := func(table string, spec tables.Spec, key string) []string {
		t.Helper()
		m, err := ts.ReadManifest(table)
		if err != nil {
			t.Fatalf("read %s manifest: %v", table, err)
		}
		var out []string
		for _, p := range m.Parts {
			f, err := os.Open(filepath.Join(ts.TableDir(table), p.File))
			if err != nil {
				t.Fatalf("open published part %s: %v", p.File, err)
			}
			r := parquet.NewGenericReader[map[string]any](f, spec.ParquetSchema())
			for {
				batch := make([]map[string]any, 64)
				for i := range batch {
					batch[i] = map[string]any{}
				}
				n, readErr := r.Read(batch)
				for _, row := range batch[:n] {
					out = append(out, row[key].(string))
				}
				if readErr == io.EOF {
					break
				}
				if readErr != nil {
					t.Fatalf("read published part %s: %v", p.File, readErr)
				}
			}
			r.Close()
			f.Close()
		}
		sort.Strings(out)
		return out
	}
	firstKeys := publishedKeys("empresas", tables.Empresas, "cnpj_basico")

	// a second run over unchanged inputs republishes the same row set
	if err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("second run returned error: %v", err)
	}
	emp2, err := ts.ReadManifest("empresas")
	if err != nil {
		t.Fatalf("read empresas manifest after rerun: %v", err)
	}
	if emp2.RowCount != 5 || len(emp2.Parts) != 3 {
		t.Fatalf("rerun changed the table: rows=%d parts=%d, want 5/3", emp2.RowCount, len(emp2.Parts))
	}
	secondKeys := publishedKeys("empresas", tables.Empresas, "cnpj_basico")
	if strings.Join(firstKeys, ",") != strings.Join(secondKeys, ",") {
		t.Fatalf("rerun published a different row set:\nfirst:  %v\nsecond: %v", firstKeys, secondKeys)
	}

	// with no forced month the run targets 2025-12, which the catalog does
	// not have yet: a clean no-op that leaves the store untouched
	cfgAuto := cfg
	cfgAuto.ForceMonth = ""
	if err := Run(context.Background(), cfgAuto); err != nil {
		t.Fatalf("up-to-date run returned error: %v", err)
	}
	emp3, err := ts.ReadManifest("empresas")
	if err != nil {
		t.Fatalf("read empresas manifest after up-to-date run: %v", err)
	}
	if !emp3.CreatedAt.Equal(emp2.CreatedAt) {
		t.Fatal("an up-to-date run must not republish")
	}
}

// TestRun_DeadTableFailsTheRun serves a catalog whose only companies archive
// is corrupt; the run must publish nothing for that table and report it.
func TestRun_DeadTableFailsTheRun(t *testing.T) {
	runIntegration := strings.TrimSpace(os.Getenv("RUN_INTEGRATION")) == "1"
	if !runIntegration {
		t.Skip("set RUN_INTEGRATION=1 to run integration tests")
	}

	corrupt := []byte("definitely not a zip")
	index := `<a href="Empresas0.zip">Empresas0.zip</a>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			_, _ = w.Write([]byte(index))
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(corrupt)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(corrupt)
	}))
	defer srv.Close()

	root := t.TempDir()
	cfg := config.Config{
		DownloadDir:        filepath.Join(root, "zips"),
		ScratchDir:         filepath.Join(root, "scratch"),
		StoreDir:           filepath.Join(root, "store"),
		StatePath:          filepath.Join(root, "state", "pipeline.duckdb"),
		CatalogURLTemplate: srv.URL + "/%s/",
		ForceMonth:         "2025-11",
		LoadEmpresas:       true,
		DownloadWorkers:    1,
		ExtractWorkers:     1,
		TableWorkers:       1,
		MaxRetries:         1,
		BatchSize:          1000,
	}

	err := Run(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected the run to fail when a table has no surviving shards")
	}
	if !errors.Is(err, ErrDeadTable) && !strings.Contains(err.Error(), "empresas") {
		t.Fatalf("unexpected error: %v", err)
	}
}
