package testkit

import (
	"fmt"
	"strconv"
	"time"
)

// Row is one materialized result row. Rows returned by Fetch and QueryOne
// hold their values in memory, so they stay valid after the connection
// returns to the pool.
type Row interface {
	// Scan assigns the row's columns, in order, into dest. Dest entries
	// must be pointers; common numeric and string conversions are
	// applied.
	Scan(dest ...any) error
}

// NewRow materializes a row from column names and driver values. Backends
// call this while draining their driver's row iterator.
func NewRow(columns []string, values []any) Row {
	return &valueRow{columns: columns, values: values}
}

type valueRow struct {
	columns []string
	values  []any
}

func (r *valueRow) Scan(dest ...any) error {
	if len(dest) > len(r.values) {
		return Errorf(KindQueryExecution, "Row.Scan",
			"%d destinations for %d columns", len(dest), len(r.values))
	}
	for i, d := range dest {
		if err := assignValue(d, r.values[i]); err != nil {
			return Errorf(KindQueryExecution, "Row.Scan", "column %d (%s): %v",
				i, r.column(i), err)
		}
	}
	return nil
}

func (r *valueRow) column(i int) string {
	if i < len(r.columns) {
		return r.columns[i]
	}
	return "?"
}

// assignValue copies src into the pointer dest, converting between the
// value shapes different drivers produce (pgx hands back typed Go values,
// database/sql leans on int64/float64/[]byte).
func assignValue(dest, src any) error {
	switch d := dest.(type) {
	case *any:
		*d = src
		return nil
	case *string:
		switch s := src.(type) {
		case string:
			*d = s
		case []byte:
			*d = string(s)
		default:
			return fmt.Errorf("cannot scan %T into *string", src)
		}
		return nil
	case *[]byte:
		switch s := src.(type) {
		case []byte:
			*d = s
		case string:
			*d = []byte(s)
		default:
			return fmt.Errorf("cannot scan %T into *[]byte", src)
		}
		return nil
	case *bool:
		switch s := src.(type) {
		case bool:
			*d = s
		case int64:
			*d = s != 0
		default:
			return fmt.Errorf("cannot scan %T into *bool", src)
		}
		return nil
	case *int:
		n, err := toInt64(src)
		if err != nil {
			return err
		}
		*d = int(n)
		return nil
	case *int32:
		n, err := toInt64(src)
		if err != nil {
			return err
		}
		*d = int32(n)
		return nil
	case *int64:
		n, err := toInt64(src)
		if err != nil {
			return err
		}
		*d = n
		return nil
	case *float64:
		switch s := src.(type) {
		case float64:
			*d = s
		case float32:
			*d = float64(s)
		case int64:
			*d = float64(s)
		case []byte:
			f, err := strconv.ParseFloat(string(s), 64)
			if err != nil {
				return fmt.Errorf("cannot scan %q into *float64", s)
			}
			*d = f
		default:
			return fmt.Errorf("cannot scan %T into *float64", src)
		}
		return nil
	case *time.Time:
		if t, ok := src.(time.Time); ok {
			*d = t
			return nil
		}
		return fmt.Errorf("cannot scan %T into *time.Time", src)
	default:
		return fmt.Errorf("unsupported scan destination %T", dest)
	}
}

func toInt64(src any) (int64, error) {
	switch s := src.(type) {
	case int64:
		return s, nil
	case int32:
		return int64(s), nil
	case int16:
		return int64(s), nil
	case int8:
		return int64(s), nil
	case int:
		return int64(s), nil
	case uint32:
		return int64(s), nil
	case uint64:
		return int64(s), nil
	case []byte:
		n, err := strconv.ParseInt(string(s), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot scan %q into integer", s)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("cannot scan %T into integer", src)
	}
}
