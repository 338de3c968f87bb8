package event

import (
	"fmt"
	"math"
	"strconv"
)

// ValueType enumerates the kinds a Value can hold.
type ValueType uint8

const (
	TypeUnknown ValueType = iota
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypeString
	TypeBytes
)

// String returns a short name for the type.
func (t ValueType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeLong:
		return "long"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Value is a tagged union over the leaf types an event field can carry.
// Ordering, equality and arithmetic are defined within numeric subtypes.
type Value struct {
	Type   ValueType
	Int    int32
	Long   int64
	Float  float32
	Double float64
	Str    string
	Bytes  []byte
}

func IntValue(v int32) Value      { return Value{Type: TypeInt, Int: v} }
func LongValue(v int64) Value     { return Value{Type: TypeLong, Long: v} }
func FloatValue(v float32) Value  { return Value{Type: TypeFloat, Float: v} }
func DoubleValue(v float64) Value { return Value{Type: TypeDouble, Double: v} }
func StringValue(v string) Value  { return Value{Type: TypeString, Str: v} }
func BytesValue(v []byte) Value   { return Value{Type: TypeBytes, Bytes: v} }

// BoolValue stores a boolean as an int, the encoding events use on the
// wire.
func BoolValue(v bool) Value {
	if v {
		return IntValue(1)
	}
	return IntValue(0)
}

// IsZero reports whether a numeric value is zero or a string is empty.
func (v Value) IsZero() bool {
	switch v.Type {
	case TypeInt:
		return v.Int == 0
	case TypeLong:
		return v.Long == 0
	case TypeFloat:
		return v.Float == 0
	case TypeDouble:
		return v.Double == 0
	case TypeString:
		return v.Str == ""
	case TypeBytes:
		return len(v.Bytes) == 0
	default:
		return false
	}
}

// ToDouble widens any numeric value to float64. Non-numerics yield 0.
func (v Value) ToDouble() float64 {
	switch v.Type {
	case TypeInt:
		return float64(v.Int)
	case TypeLong:
		return float64(v.Long)
	case TypeFloat:
		return float64(v.Float)
	case TypeDouble:
		return v.Double
	default:
		return 0
	}
}

// Equal reports equality. Values of different types are never equal.
func (v Value) Equal(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case TypeInt:
		return v.Int == other.Int
	case TypeLong:
		return v.Long == other.Long
	case TypeFloat:
		return v.Float == other.Float
	case TypeDouble:
		return v.Double == other.Double
	case TypeString:
		return v.Str == other.Str
	case TypeBytes:
		return string(v.Bytes) == string(other.Bytes)
	default:
		return true
	}
}

// Less orders values within a type. Cross-type comparison orders by type
// tag so sorted containers stay deterministic.
func (v Value) Less(other Value) bool {
	if v.Type != other.Type {
		return v.Type < other.Type
	}
	switch v.Type {
	case TypeInt:
		return v.Int < other.Int
	case TypeLong:
		return v.Long < other.Long
	case TypeFloat:
		return v.Float < other.Float
	case TypeDouble:
		return v.Double < other.Double
	case TypeString:
		return v.Str < other.Str
	case TypeBytes:
		return string(v.Bytes) < string(other.Bytes)
	default:
		return false
	}
}

// Sub subtracts within numeric subtypes. Mismatched or non-numeric
// operands return an unknown value.
func (v Value) Sub(other Value) Value {
	if v.Type != other.Type {
		return Value{}
	}
	switch v.Type {
	case TypeInt:
		return IntValue(v.Int - other.Int)
	case TypeLong:
		return LongValue(v.Long - other.Long)
	case TypeFloat:
		return FloatValue(v.Float - other.Float)
	case TypeDouble:
		return DoubleValue(v.Double - other.Double)
	default:
		return Value{}
	}
}

// Add accumulates within numeric subtypes; mismatches leave v unchanged.
func (v *Value) Add(other Value) {
	if v.Type != other.Type {
		return
	}
	switch v.Type {
	case TypeInt:
		v.Int += other.Int
	case TypeLong:
		v.Long += other.Long
	case TypeFloat:
		v.Float += other.Float
	case TypeDouble:
		v.Double += other.Double
	}
}

// Size estimates the serialized byte footprint, used for report size
// accounting.
func (v Value) Size() int {
	switch v.Type {
	case TypeInt, TypeFloat:
		return 4
	case TypeLong, TypeDouble:
		return 8
	case TypeString:
		return len(v.Str)
	case TypeBytes:
		return len(v.Bytes)
	default:
		return 0
	}
}

// String renders the value for logs and dimension-key encoding.
func (v Value) String() string {
	switch v.Type {
	case TypeInt:
		return strconv.FormatInt(int64(v.Int), 10)
	case TypeLong:
		return strconv.FormatInt(v.Long, 10)
	case TypeFloat:
		return strconv.FormatFloat(float64(v.Float), 'g', -1, 32)
	case TypeDouble:
		return strconv.FormatFloat(v.Double, 'g', -1, 64)
	case TypeString:
		return v.Str
	case TypeBytes:
		return fmt.Sprintf("%x", v.Bytes)
	default:
		return "<unknown>"
	}
}

// EqualNumeric compares int/long values against an int64, widening as the
// matcher value tests do.
func (v Value) EqualNumeric(n int64) bool {
	switch v.Type {
	case TypeInt:
		return int64(v.Int) == n
	case TypeLong:
		return v.Long == n
	default:
		return false
	}
}

// CompareNumeric returns -1/0/+1 against an int64 for int and long values,
// and false if the value is not an integer type.
func (v Value) CompareNumeric(n int64) (int, bool) {
	var x int64
	switch v.Type {
	case TypeInt:
		x = int64(v.Int)
	case TypeLong:
		x = v.Long
	default:
		return 0, false
	}
	switch {
	case x < n:
		return -1, true
	case x > n:
		return 1, true
	default:
		return 0, true
	}
}

// Bool interprets int/long values as booleans.
func (v Value) Bool() (bool, bool) {
	switch v.Type {
	case TypeInt:
		return v.Int != 0, true
	case TypeLong:
		return v.Long != 0, true
	default:
		return false, false
	}
}

// ApproxEqual reports near-equality for floating values; exact for others.
func (v Value) ApproxEqual(other Value, eps float64) bool {
	if v.Type == TypeFloat && other.Type == TypeFloat ||
		v.Type == TypeDouble && other.Type == TypeDouble {
		return math.Abs(v.ToDouble()-other.ToDouble()) <= eps
	}
	return v.Equal(other)
}
