package convert

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/FiGuidastri/dw-receita-federal/internal/tables"
)

// isNull reports whether a raw field carries no value. The registry's files
// leave fields empty, but some releases spell out NULL.
func isNull(v string) bool {
	return v == "" || v == "NULL" || v == "null"
}

// parseCents converts the registry's comma-decimal notation ("123456,78")
// into int64 centavos. Floats never enter the pipeline.
func parseCents(v string) (int64, error) {
	neg := strings.HasPrefix(v, "-")
	if neg {
		v = v[1:]
	}

	intPart, fracPart, _ := strings.Cut(v, ",")
	if intPart == "" || len(fracPart) > tables.DecimalScale {
		return 0, fmt.Errorf("invalid decimal %q", v)
	}

	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal %q", v)
	}

	cents := whole * 100
	if fracPart != "" {
		for len(fracPart) < tables.DecimalScale {
			fracPart += "0"
		}
		frac, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid decimal %q", v)
		}
		cents += frac
	}
	if neg {
		cents = -cents
	}
	return cents, nil
}

// parseDateDays converts the compact YYYYMMDD date into days since the Unix
// epoch, the parquet DATE representation. "0" and "00000000" are the
// registry's spellings for "no date".
func parseDateDays(v string) (days int32, null bool, err error) {
	if v == "0" || v == "00000000" {
		return 0, true, nil
	}
	t, err := time.Parse("20060102", v)
	if err != nil {
		return 0, false, fmt.Errorf("invalid date %q", v)
	}
	return int32(t.Unix() / 86400), false, nil
}

// parseFlag converts the registry's single-character S/N flags.
func parseFlag(v string) (bool, error) {
	switch v {
	case "S", "s":
		return true, nil
	case "N", "n":
		return false, nil
	default:
		return false, fmt.Errorf("invalid flag %q", v)
	}
}

// CoerceRow turns one raw record into a typed row keyed by the table's
// declared column names. Null columns are absent from the map, so the
// parquet writer records a true null, never a "None" or "NaN" literal.
// An error means the row is malformed and must be dropped.
func CoerceRow(spec tables.Spec, record []string) (map[string]any, error) {
	if len(record) != len(spec.Columns) {
		return nil, fmt.Errorf("%s: want %d columns, got %d", spec.Name, len(spec.Columns), len(record))
	}

	row := make(map[string]any, len(spec.Columns))
	for i, c := range spec.Columns {
		v := strings.TrimSpace(record[i])
		if isNull(v) {
			if c.Required {
				return nil, fmt.Errorf("%s: required column %s is empty", spec.Name, c.Name)
			}
			continue
		}

		switch c.Kind {
		case tables.Decimal:
			cents, err := parseCents(v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", spec.Name, c.Name, err)
			}
			row[c.Name] = cents
		case tables.Date:
			days, null, err := parseDateDays(v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", spec.Name, c.Name, err)
			}
			if null {
				if c.Required {
					return nil, fmt.Errorf("%s: required column %s is empty", spec.Name, c.Name)
				}
				continue
			}
			row[c.Name] = days
		case tables.Bool:
			b, err := parseFlag(v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", spec.Name, c.Name, err)
			}
			row[c.Name] = b
		default:
			row[c.Name] = v
		}
	}
	return row, nil
}
