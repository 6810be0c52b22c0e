// Package adapt provides the default value transformer: it encodes Go
// values into PostgreSQL wire parameters and decodes result columns back,
// in both text and binary formats, for the core scalar types.
package adapt

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"strconv"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgio"
	"github.com/shopspring/decimal"
	errors "golang.org/x/xerrors"

	"github.com/jackc/pgsession/wire"
)

// Well-known type OIDs.
const (
	BoolOID        = 16
	ByteaOID       = 17
	NameOID        = 19
	Int8OID        = 20
	Int2OID        = 21
	Int4OID        = 23
	TextOID        = 25
	OIDOID         = 26
	Float4OID      = 700
	Float8OID      = 701
	UnknownOID     = 705
	BPCharOID      = 1042
	VarcharOID     = 1043
	DateOID        = 1082
	TimestampOID   = 1114
	TimestampTzOID = 1184
	NumericOID     = 1700
	UUIDOID        = 2950
)

const (
	dateFormat        = "2006-01-02"
	timestampFormat   = "2006-01-02 15:04:05.999999"
	timestampTzFormat = "2006-01-02 15:04:05.999999Z07:00:00"
)

// Transformer is the default encode/decode capability. It is stateful per
// result set: SetRowTypes announces the upcoming columns so Decode can be
// called per value without re-deriving formats.
type Transformer struct {
	fields []wire.FieldDescription
}

// New returns a fresh Transformer.
func New() *Transformer {
	return &Transformer{}
}

// SetRowTypes implements the pre-decode hook.
func (t *Transformer) SetRowTypes(fields []wire.FieldDescription) {
	t.fields = fields
}

// Encode converts one parameter value into its wire representation. Strings
// are sent with an unspecified type so the server infers it from context;
// integers, floats, booleans and bytea go binary.
func (t *Transformer) Encode(value interface{}) ([]byte, uint32, wire.Format, error) {
	switch v := value.(type) {
	case nil:
		return nil, 0, wire.TextFormat, nil
	case string:
		return []byte(v), 0, wire.TextFormat, nil
	case bool:
		if v {
			return []byte{1}, BoolOID, wire.BinaryFormat, nil
		}
		return []byte{0}, BoolOID, wire.BinaryFormat, nil
	case int16:
		return pgio.AppendInt16(nil, v), Int2OID, wire.BinaryFormat, nil
	case int32:
		return pgio.AppendInt32(nil, v), Int4OID, wire.BinaryFormat, nil
	case int:
		return pgio.AppendInt64(nil, int64(v)), Int8OID, wire.BinaryFormat, nil
	case int64:
		return pgio.AppendInt64(nil, v), Int8OID, wire.BinaryFormat, nil
	case float32:
		return pgio.AppendUint32(nil, math.Float32bits(v)), Float4OID, wire.BinaryFormat, nil
	case float64:
		return pgio.AppendUint64(nil, math.Float64bits(v)), Float8OID, wire.BinaryFormat, nil
	case []byte:
		return v, ByteaOID, wire.BinaryFormat, nil
	case time.Time:
		return []byte(v.Format(timestampTzFormat)), TimestampTzOID, wire.TextFormat, nil
	case decimal.Decimal:
		return []byte(v.String()), NumericOID, wire.TextFormat, nil
	case uuid.UUID:
		return []byte(v.String()), UUIDOID, wire.TextFormat, nil
	default:
		return nil, 0, wire.TextFormat, errors.Errorf("cannot encode %T as a query parameter", value)
	}
}

// Decode converts one column value from its wire representation.
func (t *Transformer) Decode(data []byte, oid uint32, format wire.Format) (interface{}, error) {
	if data == nil {
		return nil, nil
	}
	if format == wire.BinaryFormat {
		return t.decodeBinary(data, oid)
	}
	return t.decodeText(data, oid)
}

func (t *Transformer) decodeText(data []byte, oid uint32) (interface{}, error) {
	s := string(data)
	switch oid {
	case BoolOID:
		return s == "t", nil
	case Int2OID, Int4OID, Int8OID, OIDOID:
		return strconv.ParseInt(s, 10, 64)
	case Float4OID, Float8OID:
		return strconv.ParseFloat(s, 64)
	case ByteaOID:
		if len(s) >= 2 && s[:2] == `\x` {
			return hex.DecodeString(s[2:])
		}
		return data, nil
	case NumericOID:
		return decimal.NewFromString(s)
	case UUIDOID:
		return uuid.FromString(s)
	case DateOID:
		return time.Parse(dateFormat, s)
	case TimestampOID:
		return time.Parse(timestampFormat, s)
	case TimestampTzOID:
		return parseTimestampTz(s)
	default:
		return s, nil
	}
}

func (t *Transformer) decodeBinary(data []byte, oid uint32) (interface{}, error) {
	switch oid {
	case BoolOID:
		if len(data) != 1 {
			return nil, errors.Errorf("invalid length for bool: %d", len(data))
		}
		return data[0] == 1, nil
	case Int2OID:
		if len(data) != 2 {
			return nil, errors.Errorf("invalid length for int2: %d", len(data))
		}
		return int64(int16(binary.BigEndian.Uint16(data))), nil
	case Int4OID, OIDOID:
		if len(data) != 4 {
			return nil, errors.Errorf("invalid length for int4: %d", len(data))
		}
		return int64(int32(binary.BigEndian.Uint32(data))), nil
	case Int8OID:
		if len(data) != 8 {
			return nil, errors.Errorf("invalid length for int8: %d", len(data))
		}
		return int64(binary.BigEndian.Uint64(data)), nil
	case Float4OID:
		if len(data) != 4 {
			return nil, errors.Errorf("invalid length for float4: %d", len(data))
		}
		return float64(math.Float32frombits(binary.BigEndian.Uint32(data))), nil
	case Float8OID:
		if len(data) != 8 {
			return nil, errors.Errorf("invalid length for float8: %d", len(data))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
	case ByteaOID:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case UUIDOID:
		return uuid.FromBytes(data)
	case TextOID, VarcharOID, BPCharOID, NameOID, UnknownOID:
		return string(data), nil
	default:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
}

// parseTimestampTz tolerates both the 2-digit and the full zone offset
// forms the server may emit.
func parseTimestampTz(s string) (time.Time, error) {
	for _, layout := range []string{
		timestampTzFormat,
		"2006-01-02 15:04:05.999999Z07",
		"2006-01-02 15:04:05.999999Z07:00",
	} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.Errorf("cannot parse timestamptz %q", s)
}
