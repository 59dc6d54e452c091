package extract

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrCorruptArchive marks a zip that cannot be opened or whose contents fail
// to decompress. Fatal for that archive's shards only; sibling archives of
// the same table keep going.
var ErrCorruptArchive = errors.New("corrupt archive")

// Result reports the outcome of extracting one archive.
type Result struct {
	Archive string   // zip path
	Parts   []string // extracted part paths, original inner names preserved
	Err     error
}

type Extractor struct {
	Workers int
	log     *slog.Logger
}

func NewExtractor(workers int) *Extractor {
	if workers <= 0 {
		workers = 2
	}
	return &Extractor{Workers: workers, log: slog.With("component", "extract")}
}

// ExtractAll decompresses every archive into destDir through a bounded
// worker pool. A corrupt archive yields a Result carrying ErrCorruptArchive;
// it never aborts the others.
func (e *Extractor) ExtractAll(ctx context.Context, zipPaths []string, destDir string) ([]Result, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}
	e.log.Info("extract stage started", "archives", len(zipPaths), "workers", e.Workers, "dest_dir", destDir)

	jobs := make(chan string)
	results := make(chan Result, len(zipPaths))
	var wg sync.WaitGroup

	for i := 0; i < e.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for zf := range jobs {
				parts, err := extractOne(zf, destDir)
				if err != nil {
					e.log.Warn("archive failed to extract", "archive", filepath.Base(zf), "error", err)
				}
				results <- Result{Archive: zf, Parts: parts, Err: err}
			}
		}()
	}

	go func() {
		for _, zf := range zipPaths {
			select {
			case <-ctx.Done():
				results <- Result{Archive: zf, Err: ctx.Err()}
			case jobs <- zf:
			}
		}
		close(jobs)
	}()

	wg.Wait()
	close(results)

	byArchive := make(map[string]Result, len(zipPaths))
	for r := range results {
		byArchive[r.Archive] = r
	}
	out := make([]Result, 0, len(zipPaths))
	for _, zf := range zipPaths {
		out = append(out, byArchive[zf])
	}
	e.log.Info("extract stage completed", "archives", len(zipPaths))
	return out, nil
}

// extractOne writes the archive's inner files into destDir, keeping their
// original names so they can be re-associated with their logical table. A
// part already present with the expected uncompressed size is not rewritten,
// which keeps re-runs cheap.
func extractOne(zipPath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, filepath.Base(zipPath), err)
	}
	defer r.Close()

	var parts []string
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		// release zips are flat; anything trying to escape is hostile
		name := filepath.Base(filepath.Clean(f.Name))
		if name == "" || name == "." || strings.Contains(f.Name, "..") {
			return nil, fmt.Errorf("%w: %s: suspicious entry %q", ErrCorruptArchive, filepath.Base(zipPath), f.Name)
		}
		fp := filepath.Join(destDir, name)

		if st, err := os.Stat(fp); err == nil && st.Size() == int64(f.UncompressedSize64) {
			parts = append(parts, fp)
			continue
		}

		if err := writePart(f, fp); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, filepath.Base(zipPath), err)
		}
		parts = append(parts, fp)
	}
	return parts, nil
}

func writePart(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("decompress %s: %w", f.Name, err)
	}
	return out.Close()
}
