package event

import (
	"strconv"
	"strings"
)

// HashableDimensionKey is an ordered vector of field values usable as a
// map key through its canonical string encoding.
type HashableDimensionKey struct {
	Values []FieldValue
}

// DefaultDimensionKey is the single key used by unsliced trackers.
var DefaultDimensionKey = HashableDimensionKey{}

// Key returns the canonical encoding. Two dimension keys with the same
// values in the same order encode identically.
func (k HashableDimensionKey) Key() string {
	if len(k.Values) == 0 {
		return ""
	}
	var b strings.Builder
	for _, fv := range k.Values {
		b.WriteString(strconv.FormatInt(int64(fv.Field.Tag), 10))
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(uint64(fv.Field.Word), 16))
		b.WriteByte('=')
		b.WriteString(fv.Value.String())
		b.WriteByte('|')
	}
	return b.String()
}

// Empty reports whether the key carries no values.
func (k HashableDimensionKey) Empty() bool {
	return len(k.Values) == 0
}

// Equal compares keys value-wise.
func (k HashableDimensionKey) Equal(other HashableDimensionKey) bool {
	if len(k.Values) != len(other.Values) {
		return false
	}
	for i := range k.Values {
		if k.Values[i].Field != other.Values[i].Field ||
			!k.Values[i].Value.Equal(other.Values[i].Value) {
			return false
		}
	}
	return true
}

// Contains reports whether every value of sub appears in k with an equal
// value, used for partial condition links.
func (k HashableDimensionKey) Contains(sub HashableDimensionKey) bool {
	for _, want := range sub.Values {
		found := false
		for _, have := range k.Values {
			if have.Field == want.Field && have.Value.Equal(want.Value) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// String renders the key for logs.
func (k HashableDimensionKey) String() string {
	if k.Empty() {
		return "(default)"
	}
	return k.Key()
}

// MetricDimensionKey partitions metric output: the what-dimension plus the
// current values of the states the metric is sliced by.
type MetricDimensionKey struct {
	DimensionKeyInWhat HashableDimensionKey
	StateValuesKey     HashableDimensionKey
}

// DefaultMetricDimensionKey is the key of an unsliced metric.
var DefaultMetricDimensionKey = MetricDimensionKey{}

// Key returns the canonical encoding of both parts.
func (k MetricDimensionKey) Key() string {
	return k.DimensionKeyInWhat.Key() + "//" + k.StateValuesKey.Key()
}

// WithStateKey returns a copy with a different state-values key.
func (k MetricDimensionKey) WithStateKey(state HashableDimensionKey) MetricDimensionKey {
	return MetricDimensionKey{DimensionKeyInWhat: k.DimensionKeyInWhat, StateValuesKey: state}
}

// String renders the key for logs.
func (k MetricDimensionKey) String() string {
	return k.DimensionKeyInWhat.String() + "/" + k.StateValuesKey.String()
}

// FilterValues projects the event values selected by the field matchers
// into a dimension key, preserving matcher order then value order.
func FilterValues(matchers []Matcher, values []FieldValue) HashableDimensionKey {
	var out HashableDimensionKey
	for _, m := range matchers {
		for _, fv := range values {
			if fv.Field.Matches(m) {
				out.Values = append(out.Values, fv)
			}
		}
	}
	return out
}

// ConditionKey carries, per condition id, the dimension key a metric
// producer wants that condition evaluated against.
type ConditionKey map[int64]HashableDimensionKey

// ConfigKey names one installed configuration for reporting and
// subscriber dispatch.
type ConfigKey struct {
	UID int32
	ID  int64
}

// String renders uid/id.
func (k ConfigKey) String() string {
	return strconv.FormatInt(int64(k.UID), 10) + "/" + strconv.FormatInt(k.ID, 10)
}
