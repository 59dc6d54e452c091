package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	manifestName = "_manifest.json"
	stagingDir   = ".staging"
)

// ErrNoParts marks a publish attempt with nothing to publish: every shard of
// the table failed conversion.
var ErrNoParts = errors.New("no staged parts to publish")

// PartInfo describes one published parquet part.
type PartInfo struct {
	File     string `json:"file"`
	Checksum string `json:"checksum"` // "sha256:<hex>"
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo identifies the software and run that produced a table.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	RunID   string `json:"run_id,omitempty"`
}

// Manifest describes the contents of a published table directory. It is the
// contract downstream readers rely on.
type Manifest struct {
	Table     string       `json:"table"`
	Release   string       `json:"release"`
	Columns   []string     `json:"columns"`
	Parts     []PartInfo   `json:"parts"`
	RowCount  int64        `json:"row_count"`
	Producer  ProducerInfo `json:"producer"`
	CreatedAt time.Time    `json:"created_at"`
}

// StagedPart is a converted parquet part awaiting publication.
type StagedPart struct {
	Path string
	Rows int64
}

// TableStore lays tables out as <root>/<table>/part-*.parquet plus a
// manifest. Readers only ever see complete tables: parts are staged under
// <root>/.staging/<table>/ and the whole directory is promoted in one
// rename.
type TableStore struct {
	Root     string
	Producer ProducerInfo

	log *slog.Logger
}

func New(root string, producer ProducerInfo) *TableStore {
	return &TableStore{Root: root, Producer: producer, log: slog.With("component", "store")}
}

// StagingDir returns (and creates) the staging directory for a table.
func (s *TableStore) StagingDir(table string) (string, error) {
	dir := filepath.Join(s.Root, stagingDir, table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// TableDir returns the live directory of a published table.
func (s *TableStore) TableDir(table string) string {
	return filepath.Join(s.Root, table)
}

// Publish writes the manifest into the staging directory and atomically
// promotes it over the live table. The previous version is moved aside
// before removal, so a reader holding the old path never sees a half-written
// table.
func (s *TableStore) Publish(table, release string, columns []string, parts []StagedPart) (Manifest, error) {
	if len(parts) == 0 {
		return Manifest{}, fmt.Errorf("%w: table %s", ErrNoParts, table)
	}

	staging := filepath.Join(s.Root, stagingDir, table)

	m := Manifest{
		Table:     table,
		Release:   release,
		Columns:   columns,
		Producer:  s.Producer,
		CreatedAt: time.Now().UTC(),
	}
	for _, p := range parts {
		sum, size, err := fileChecksum(p.Path)
		if err != nil {
			return Manifest{}, fmt.Errorf("checksum %s: %w", p.Path, err)
		}
		m.Parts = append(m.Parts, PartInfo{
			File:     filepath.Base(p.Path),
			Checksum: sum,
			RowCount: p.Rows,
			ByteSize: size,
		})
		m.RowCount += p.Rows
	}

	if err := writeManifest(filepath.Join(staging, manifestName), m); err != nil {
		return Manifest{}, err
	}

	live := s.TableDir(table)
	old := live + ".old"
	_ = os.RemoveAll(old)

	hadLive := false
	if _, err := os.Stat(live); err == nil {
		hadLive = true
		if err := os.Rename(live, old); err != nil {
			return Manifest{}, fmt.Errorf("retiring previous %s: %w", table, err)
		}
	}
	if err := os.Rename(staging, live); err != nil {
		if hadLive {
			_ = os.Rename(old, live)
		}
		return Manifest{}, fmt.Errorf("promoting %s: %w", table, err)
	}
	_ = os.RemoveAll(old)

	s.log.Info("table published", "table", table, "parts", len(m.Parts), "rows", m.RowCount)
	return m, nil
}

// DiscardStaging drops a table's staged output, e.g. after its conversion
// failed outright.
func (s *TableStore) DiscardStaging(table string) error {
	return os.RemoveAll(filepath.Join(s.Root, stagingDir, table))
}

// ReadManifest loads a published table's manifest.
func (s *TableStore) ReadManifest(table string) (Manifest, error) {
	b, err := os.ReadFile(filepath.Join(s.TableDir(table), manifestName))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest for %s: %w", table, err)
	}
	return m, nil
}

func writeManifest(path string, m Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func fileChecksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), n, nil
}
