package testutils

import (
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Rows is an in-memory driver.Rows over positional values.
type Rows struct {
	Data   [][]any
	Cols   []string
	Error  error
	pos    int
	closed bool
}

var _ driver.Rows = (*Rows)(nil)

func (r *Rows) Next() bool {
	if r.closed || r.pos >= len(r.Data) {
		return false
	}
	r.pos++
	return true
}

func (r *Rows) Scan(dest ...any) error {
	if r.pos == 0 || r.pos > len(r.Data) {
		return fmt.Errorf("scan called without a current row")
	}
	return assign(r.Data[r.pos-1], dest)
}

func (r *Rows) ScanStruct(dest any) error { return r.Scan(dest) }

func (r *Rows) ColumnTypes() []driver.ColumnType { return nil }

func (r *Rows) Totals(...any) error { return nil }

func (r *Rows) Columns() []string { return r.Cols }

func (r *Rows) Close() error {
	r.closed = true
	return nil
}

// Closed reports whether Close was called.
func (r *Rows) Closed() bool { return r.closed }

func (r *Rows) Err() error { return r.Error }

func assign(values, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(values))
	}
	for i, v := range values {
		var ok bool
		switch d := dest[i].(type) {
		case *string:
			*d, ok = v.(string)
		case *int:
			*d, ok = v.(int)
		case *int64:
			*d, ok = v.(int64)
		case *uint32:
			*d, ok = v.(uint32)
		case *uint64:
			*d, ok = v.(uint64)
		case *time.Time:
			*d, ok = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported destination %T at %d", dest[i], i)
		}
		if !ok {
			return fmt.Errorf("scan: cannot assign %T to %T at %d", v, dest[i], i)
		}
	}
	return nil
}
