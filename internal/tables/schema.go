package tables

import "github.com/parquet-go/parquet-go"

// DecimalScale and DecimalPrecision fix the representation of monetary
// columns (capital_social): int64 centavos, two fraction digits.
const (
	DecimalScale     = 2
	DecimalPrecision = 18
)

// ParquetSchema builds the parquet schema for this logical table. Field
// order inside a parquet.Group is sorted by name, which keeps column order
// stable across runs.
func (s Spec) ParquetSchema() *parquet.Schema {
	root := make(parquet.Group, len(s.Columns))
	for _, c := range s.Columns {
		var node parquet.Node
		switch c.Kind {
		case Decimal:
			node = parquet.Decimal(DecimalScale, DecimalPrecision, parquet.Int64Type)
		case Date:
			node = parquet.Date()
		case Bool:
			node = parquet.Leaf(parquet.BooleanType)
		default:
			node = parquet.String()
		}
		if !c.Required {
			node = parquet.Optional(node)
		}
		root[c.Name] = node
	}
	return parquet.NewSchema(s.Name, root)
}
