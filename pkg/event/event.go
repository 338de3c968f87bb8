package event

import (
	"sort"
	"strconv"
	"strings"
)

// Annotation bit positions inside the FieldValue annotation byte.
const (
	annotNested = 1 << iota
	annotPrimary
	annotExclusiveState
	annotUID
)

// Annotations packs the per-field booleans into a single byte.
type Annotations struct {
	bits uint8
}

func (a *Annotations) SetNested(v bool)         { a.set(annotNested, v) }
func (a *Annotations) SetPrimaryField(v bool)   { a.set(annotPrimary, v) }
func (a *Annotations) SetExclusiveState(v bool) { a.set(annotExclusiveState, v) }
func (a *Annotations) SetUIDField(v bool)       { a.set(annotUID, v) }

func (a Annotations) IsNested() bool         { return a.bits&annotNested != 0 }
func (a Annotations) IsPrimaryField() bool   { return a.bits&annotPrimary != 0 }
func (a Annotations) IsExclusiveState() bool { return a.bits&annotExclusiveState != 0 }
func (a Annotations) IsUIDField() bool       { return a.bits&annotUID != 0 }

func (a *Annotations) set(mask uint8, v bool) {
	a.bits &^= mask
	if v {
		a.bits |= mask
	}
}

// FieldValue is one addressed leaf of an event: the encoded field, its
// value and its annotations.
type FieldValue struct {
	Field       Field
	Value       Value
	Annotations Annotations
}

// Less orders field values by field address; events keep their values in
// this order so sub-tree scans are contiguous ranges.
func (fv FieldValue) Less(other FieldValue) bool {
	return fv.Field.Less(other.Field)
}

// IsUIDField reports whether this value carries a uid, either through the
// uid annotation or by being the uid leaf of an attribution node.
func (fv FieldValue) IsUIDField() bool {
	return fv.Annotations.IsUIDField() || fv.IsAttributionUIDField()
}

// IsAttributionUIDField recognizes the uid position of an attribution
// chain: the first depth-2 leaf under the first field of the atom.
func (fv FieldValue) IsAttributionUIDField() bool {
	return fv.Field.Depth() == 2 && fv.Field.PosAt(0) == 1 && fv.Field.PosAt(2) == 1 &&
		fv.Value.Type == TypeInt
}

// LogEvent is one decoded telemetry event: an atom tag, a monotonic
// elapsed timestamp and a lexically sorted vector of field values.
type LogEvent struct {
	Tag                int32
	UID                int32
	PID                int32
	ElapsedTimestampNs int64
	Values             []FieldValue
}

// NewLogEvent creates an empty event for the given tag and timestamp.
func NewLogEvent(tag int32, elapsedNs int64) *LogEvent {
	return &LogEvent{Tag: tag, ElapsedTimestampNs: elapsedNs}
}

// AppendValue adds a field value. Callers append in wire order; Sort must
// run before matching if the order is not already lexical.
func (e *LogEvent) AppendValue(fv FieldValue) {
	e.Values = append(e.Values, fv)
}

// Sort restores the lexical (depth-first) value order the matchers rely
// on.
func (e *LogEvent) Sort() {
	sort.SliceStable(e.Values, func(i, j int) bool {
		return e.Values[i].Less(e.Values[j])
	})
}

// Clone returns a deep copy; string transformations mutate copies, never
// the original event.
func (e *LogEvent) Clone() *LogEvent {
	clone := *e
	clone.Values = make([]FieldValue, len(e.Values))
	copy(clone.Values, e.Values)
	return &clone
}

// String renders a compact debug form.
func (e *LogEvent) String() string {
	var b strings.Builder
	b.WriteString("event{tag=")
	b.WriteString(strconv.Itoa(int(e.Tag)))
	b.WriteString(" values=[")
	for i, v := range e.Values {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(v.Value.String())
	}
	b.WriteString("]}")
	return b.String()
}
