package convert

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/FiGuidastri/dw-receita-federal/internal/tables"
)

// ErrConversionFailed marks a shard whose conversion had to be abandoned:
// the file is unreadable or too many of its rows are malformed. The shard's
// staged output is discarded; its table publishes from the surviving shards.
var ErrConversionFailed = errors.New("shard conversion failed")

const (
	DefaultBatchSize          = 50_000
	DefaultMalformedThreshold = 0.02
)

// ShardResult reports the outcome of converting one raw shard.
type ShardResult struct {
	Shard      string // source part path
	Part       string // staged parquet path, "" when the shard was excluded
	Resumed    bool   // staged part from a previous run was reused
	Rows       int64
	Malformed  int64
	Duplicates int64
	Err        error
}

// TableResult aggregates one logical table's shard conversions.
type TableResult struct {
	Table  string
	Shards []ShardResult
}

// Rows sums the rows written across all converted shards.
func (r TableResult) Rows() int64 {
	var n int64
	for _, s := range r.Shards {
		n += s.Rows
	}
	return n
}

// Failed lists the shards that were excluded.
func (r TableResult) Failed() []ShardResult {
	var out []ShardResult
	for _, s := range r.Shards {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// Engine converts a table's raw ';'-separated latin-1 shards into staged
// snappy parquet parts, one part per shard.
type Engine struct {
	BatchSize          int
	MalformedThreshold float64

	log *slog.Logger
}

func NewEngine(batchSize int, malformedThreshold float64) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if malformedThreshold < 0 {
		malformedThreshold = DefaultMalformedThreshold
	}
	return &Engine{
		BatchSize:          batchSize,
		MalformedThreshold: malformedThreshold,
		log:                slog.With("component", "convert"),
	}
}

// ConvertTable converts the table's shards sequentially into destDir. A
// single key set spans all shards, so a row seen in an earlier shard is
// dropped as a duplicate in later ones. Shards staged by a previous
// interrupted run are not re-scanned; their keys are reloaded from the
// staged parquet. A shard failure never aborts its siblings.
func (e *Engine) ConvertTable(ctx context.Context, spec tables.Spec, shards []string, destDir string) (TableResult, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return TableResult{}, err
	}

	keys := make(map[string]struct{})
	res := TableResult{Table: spec.Name}

	for _, shard := range shards {
		if err := ctx.Err(); err != nil {
			res.Shards = append(res.Shards, ShardResult{Shard: shard, Err: err})
			continue
		}

		part := filepath.Join(destDir, partName(shard))
		if _, err := os.Stat(part); err == nil {
			rows, err := e.reloadKeys(spec, part, keys)
			if err == nil {
				e.log.Info("reusing staged part", "table", spec.Name, "part", filepath.Base(part), "rows", rows)
				res.Shards = append(res.Shards, ShardResult{Shard: shard, Part: part, Resumed: true, Rows: rows})
				continue
			}
			e.log.Warn("staged part unreadable, reconverting", "part", filepath.Base(part), "error", err)
			_ = os.Remove(part)
		}

		sr := e.convertShard(ctx, spec, shard, part, keys)
		if sr.Err != nil {
			e.log.Warn("shard excluded", "table", spec.Name, "shard", filepath.Base(shard), "error", sr.Err)
		} else {
			e.log.Info("shard converted", "table", spec.Name, "shard", filepath.Base(shard),
				"rows", sr.Rows, "malformed", sr.Malformed, "duplicates", sr.Duplicates)
		}
		res.Shards = append(res.Shards, sr)
	}
	return res, nil
}

func (e *Engine) convertShard(ctx context.Context, spec tables.Spec, shardPath, partPath string, keys map[string]struct{}) ShardResult {
	res := ShardResult{Shard: shardPath}

	f, err := os.Open(shardPath)
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrConversionFailed, err)
		return res
	}
	defer f.Close()

	r := csv.NewReader(transform.NewReader(f, charmap.ISO8859_1.NewDecoder()))
	r.Comma = ';'
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	tmp := partPath + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrConversionFailed, err)
		return res
	}

	w := parquet.NewGenericWriter[map[string]any](out, spec.ParquetSchema(), parquet.Compression(&parquet.Snappy))

	keyIdx := spec.KeyIndexes()
	var added []string
	var scanned int64
	batch := make([]map[string]any, 0, e.BatchSize)

	abort := func(err error) ShardResult {
		_ = out.Close()
		_ = os.Remove(tmp)
		for _, k := range added {
			delete(keys, k)
		}
		res.Rows = 0
		res.Err = err
		return res
	}

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := w.Write(batch); err != nil {
			return fmt.Errorf("%w: writing parquet: %v", ErrConversionFailed, err)
		}
		batch = batch[:0]
		return nil
	}

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				scanned++
				res.Malformed++
				continue
			}
			return abort(fmt.Errorf("%w: reading shard: %v", ErrConversionFailed, err))
		}
		scanned++

		row, err := CoerceRow(spec, rec)
		if err != nil {
			res.Malformed++
			continue
		}

		key := rowKey(keyIdx, rec)
		if _, dup := keys[key]; dup {
			res.Duplicates++
			continue
		}
		keys[key] = struct{}{}
		added = append(added, key)

		batch = append(batch, row)
		res.Rows++

		if len(batch) >= e.BatchSize {
			if err := ctx.Err(); err != nil {
				return abort(err)
			}
			if err := flush(); err != nil {
				return abort(err)
			}
		}
	}

	if err := flush(); err != nil {
		return abort(err)
	}
	if err := w.Close(); err != nil {
		return abort(fmt.Errorf("%w: closing parquet: %v", ErrConversionFailed, err))
	}
	if err := out.Close(); err != nil {
		return abort(fmt.Errorf("%w: %v", ErrConversionFailed, err))
	}

	if scanned > 0 {
		rate := float64(res.Malformed) / float64(scanned)
		if rate > e.MalformedThreshold {
			return abort(fmt.Errorf("%w: %d of %d rows malformed (%.1f%% > %.1f%%)",
				ErrConversionFailed, res.Malformed, scanned, rate*100, e.MalformedThreshold*100))
		}
	}

	if err := os.Rename(tmp, partPath); err != nil {
		return abort(fmt.Errorf("%w: %v", ErrConversionFailed, err))
	}
	res.Part = partPath
	return res
}

// rowKey joins the raw values of the table's key columns. The key columns
// are always required strings, so the raw record is the canonical source.
func rowKey(keyIdx []int, record []string) string {
	vals := make([]string, len(keyIdx))
	for i, j := range keyIdx {
		vals[i] = strings.TrimSpace(record[j])
	}
	return strings.Join(vals, "|")
}

// reloadKeys re-registers a staged part's dedup keys so a resumed run stays
// consistent with what the interrupted run already wrote. The part is
// streamed in BatchSize chunks; only one batch is resident at a time, the
// same bound the conversion path holds itself to.
func (e *Engine) reloadKeys(spec tables.Spec, partPath string, keys map[string]struct{}) (int64, error) {
	f, err := os.Open(partPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := parquet.NewGenericReader[map[string]any](f, spec.ParquetSchema())
	defer r.Close()

	var total int64
	batch := make([]map[string]any, e.BatchSize)
	for {
		n, err := r.Read(batch)
		for i, row := range batch[:n] {
			vals := make([]string, len(spec.Key))
			for j, k := range spec.Key {
				s, _ := row[k].(string)
				vals[j] = s
			}
			keys[strings.Join(vals, "|")] = struct{}{}
			// null columns are absent keys, so rows must never carry
			// values over from the previous batch
			batch[i] = nil
		}
		total += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// partName derives a stable staged file name from the shard's base name, so
// re-runs find the part a previous run staged for the same shard.
func partName(shardPath string) string {
	base := strings.ToLower(filepath.Base(shardPath))
	var b strings.Builder
	for _, r := range base {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return "part-" + b.String() + ".parquet"
}
