package pgsession

import (
	"github.com/jackc/pgsession/wire"
)

// OIDs the description logic gives special treatment.
const (
	oidBPChar  = 1042
	oidVarchar = 1043
	oidNumeric = 1700
)

// Column describes one column of a row-producing result, positionally
// indexable in DB-API order via Attributes.
type Column struct {
	// Name is the column name decoded through the connection's client
	// encoding.
	Name string

	// TypeOID is the OID of the column's data type.
	TypeOID uint32

	// DisplaySize is the advertised maximum length for variable-length
	// character types; nil when not applicable.
	DisplaySize *int

	// InternalSize is the storage size of fixed-size types; nil for
	// variable-length types.
	InternalSize *int

	// Precision and Scale are set for numeric columns; nil otherwise.
	Precision *int
	Scale     *int

	// NullOK is never known from the protocol alone and is always nil.
	NullOK *bool
}

// Attributes returns the seven DB-API display attributes in positional
// order: name, type_code, display_size, internal_size, precision, scale,
// null_ok.
func (c Column) Attributes() []interface{} {
	return []interface{}{c.Name, c.TypeOID, c.DisplaySize, c.InternalSize, c.Precision, c.Scale, c.NullOK}
}

func describeFields(fields []wire.FieldDescription, codec textCodec) ([]Column, error) {
	cols := make([]Column, len(fields))
	for i, f := range fields {
		name, err := codec.Decode(f.Name)
		if err != nil {
			return nil, interfaceErrorf("no name available for column %d: %v", i, err)
		}

		col := Column{Name: name, TypeOID: f.DataTypeOID}

		if f.DataTypeSize > 0 {
			size := int(f.DataTypeSize)
			col.InternalSize = &size
		}

		// The type modifier carries length/precision for a few types; -1
		// means unset.
		if f.TypeModifier >= 0 {
			switch f.DataTypeOID {
			case oidVarchar, oidBPChar:
				display := int(f.TypeModifier - 4)
				col.DisplaySize = &display
			case oidNumeric:
				mod := f.TypeModifier - 4
				precision := int(mod >> 16 & 0xffff)
				scale := int(mod & 0xffff)
				col.Precision = &precision
				col.Scale = &scale
			}
		}

		cols[i] = col
	}
	return cols, nil
}
