package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func stagePart(t *testing.T, s *TableStore, table, name, content string) StagedPart {
	t.Helper()
	dir, err := s.StagingDir(table)
	if err != nil {
		t.Fatalf("staging dir: %v", err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write staged part: %v", err)
	}
	return StagedPart{Path: p, Rows: int64(len(content))}
}

func TestPublish_PromotesStagedTable(t *testing.T) {
	t.Parallel()

	s := New(t.TempDir(), ProducerInfo{Name: "dw-receita", Version: "test", RunID: "run-1"})
	p1 := stagePart(t, s, "cnaes", "part-0.parquet", "aaa")
	p2 := stagePart(t, s, "cnaes", "part-1.parquet", "bbbb")

	m, err := s.Publish("cnaes", "2025-11", []string{"codigo", "descricao"}, []StagedPart{p1, p2})
	if err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	if m.RowCount != 7 {
		t.Fatalf("manifest row count = %d, want 7", m.RowCount)
	}
	if len(m.Parts) != 2 {
		t.Fatalf("manifest parts = %d, want 2", len(m.Parts))
	}
	for _, p := range m.Parts {
		if !strings.HasPrefix(p.Checksum, "sha256:") {
			t.Fatalf("checksum %q missing sha256 prefix", p.Checksum)
		}
		if p.ByteSize == 0 {
			t.Fatalf("part %s has no byte size", p.File)
		}
	}

	// staged dir is gone, live dir holds parts + manifest
	if _, err := os.Stat(filepath.Join(s.Root, ".staging", "cnaes")); !os.IsNotExist(err) {
		t.Fatal("staging dir must be gone after publish")
	}
	if _, err := os.Stat(filepath.Join(s.TableDir("cnaes"), "part-0.parquet")); err != nil {
		t.Fatalf("published part missing: %v", err)
	}

	got, err := s.ReadManifest("cnaes")
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if got.Table != "cnaes" || got.Release != "2025-11" || got.Producer.RunID != "run-1" {
		t.Fatalf("manifest round-trip mismatch: %+v", got)
	}
}

func TestPublish_ReplacesPreviousVersion(t *testing.T) {
	t.Parallel()

	s := New(t.TempDir(), ProducerInfo{Name: "dw-receita", Version: "test"})

	p := stagePart(t, s, "motivos", "part-old.parquet", "old")
	if _, err := s.Publish("motivos", "2025-10", []string{"codigo", "descricao"}, []StagedPart{p}); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	p = stagePart(t, s, "motivos", "part-new.parquet", "new-data")
	if _, err := s.Publish("motivos", "2025-11", []string{"codigo", "descricao"}, []StagedPart{p}); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	if _, err := os.Stat(filepath.Join(s.TableDir("motivos"), "part-old.parquet")); !os.IsNotExist(err) {
		t.Fatal("old part must not survive republish")
	}
	if _, err := os.Stat(filepath.Join(s.TableDir("motivos"), "part-new.parquet")); err != nil {
		t.Fatalf("new part missing: %v", err)
	}
	if _, err := os.Stat(s.TableDir("motivos") + ".old"); !os.IsNotExist(err) {
		t.Fatal("retired copy must be removed after promote")
	}

	m, err := s.ReadManifest("motivos")
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if m.Release != "2025-11" {
		t.Fatalf("manifest release = %q, want 2025-11", m.Release)
	}
}

func TestPublish_RefusesEmptyPartSet(t *testing.T) {
	t.Parallel()

	s := New(t.TempDir(), ProducerInfo{Name: "dw-receita", Version: "test"})
	_, err := s.Publish("empresas", "2025-11", []string{"cnpj_basico"}, nil)
	if !errors.Is(err, ErrNoParts) {
		t.Fatalf("expected ErrNoParts, got %v", err)
	}
}

func TestDiscardStaging(t *testing.T) {
	t.Parallel()

	s := New(t.TempDir(), ProducerInfo{Name: "dw-receita", Version: "test"})
	stagePart(t, s, "paises", "part-0.parquet", "zzz")

	if err := s.DiscardStaging("paises"); err != nil {
		t.Fatalf("DiscardStaging: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root, ".staging", "paises")); !os.IsNotExist(err) {
		t.Fatal("staging dir must be removed")
	}
}
