package pgsession

import (
	"github.com/jackc/pgsession/wire"
)

// Transformer bridges wire-format bytes and typed values. The adapt package
// provides the default implementation; callers may substitute their own.
type Transformer interface {
	// SetRowTypes announces the column types and formats of the result set
	// about to be decoded. It is called before the first row of every new
	// result set.
	SetRowTypes(fields []wire.FieldDescription)

	// Encode converts a parameter value into its wire representation.
	Encode(value interface{}) (data []byte, oid uint32, format wire.Format, err error)

	// Decode converts one column value from its wire representation.
	Decode(data []byte, oid uint32, format wire.Format) (interface{}, error)
}

// Row is the caller-visible shape of one result row, as built by the
// cursor's RowFactory.
type Row interface{}

// RowMaker builds one row from its decoded column values. It must be a pure
// function of the values and the column metadata captured by its factory.
type RowMaker func(values []interface{}) (Row, error)

// RowFactory inspects the column metadata of a result set and returns the
// maker used for each of its rows.
type RowFactory func(fields []wire.FieldDescription) RowMaker

// TupleRow builds each row as a []interface{} in column order. It is the
// default factory.
func TupleRow(fields []wire.FieldDescription) RowMaker {
	return func(values []interface{}) (Row, error) {
		out := make([]interface{}, len(values))
		copy(out, values)
		return out, nil
	}
}

// DictRow builds each row as a map keyed by column name. Duplicate column
// names keep the rightmost value.
func DictRow(fields []wire.FieldDescription) RowMaker {
	names := make([]string, len(fields))
	for i := range fields {
		names[i] = string(fields[i].Name)
	}
	return func(values []interface{}) (Row, error) {
		out := make(map[string]interface{}, len(values))
		for i, v := range values {
			out[names[i]] = v
		}
		return out, nil
	}
}

// ArgsRow adapts a plain constructor into a RowFactory: every row is built
// by calling fn with the decoded column values.
func ArgsRow(fn func(values []interface{}) (Row, error)) RowFactory {
	return func([]wire.FieldDescription) RowMaker {
		return fn
	}
}
