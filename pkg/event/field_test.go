package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFieldRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		pos   []uint32
		depth uint32
	}{
		{"leaf at root", []uint32{2, 0, 0}, 0},
		{"depth one", []uint32{1, 3, 0}, 1},
		{"depth two", []uint32{1, 2, 1}, 2},
		{"max positions", []uint32{127, 127, 127}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewField(10, tt.pos, tt.depth)
			assert.Equal(t, tt.depth, f.Depth())
			for d := uint32(0); d <= tt.depth; d++ {
				assert.Equal(t, tt.pos[d], f.PosAt(d), "pos at depth %d", d)
			}
		})
	}
}

func TestDecorateLastPos(t *testing.T) {
	f := NewField(10, []uint32{1, 2, 1}, 2)
	require.False(t, f.IsLastPos(2))

	f.DecorateLastPos(2)
	assert.True(t, f.IsLastPos(2))
	assert.False(t, f.IsLastPos(1))
	// Decoration does not disturb the position value.
	assert.Equal(t, uint32(1), f.PosAt(2))
	assert.Equal(t, uint32(0x81), f.RawPosAt(2))
}

func TestWakelockStyleEncoding(t *testing.T) {
	// An attribution chain [[1000 "tag"] [2000 "tag2"]] followed by a
	// state int and a string encodes to the canonical field words.
	uid1 := NewField(10, []uint32{1, 1, 1}, 2)
	assert.Equal(t, uint32(0x02010101), uid1.Word)

	tag1 := NewField(10, []uint32{1, 1, 2}, 2)
	tag1.DecorateLastPos(2)
	assert.Equal(t, uint32(0x02010182), tag1.Word)

	uid2 := NewField(10, []uint32{1, 2, 1}, 2)
	uid2.DecorateLastPos(1)
	assert.Equal(t, uint32(0x02018201), uid2.Word)

	state := NewField(10, []uint32{2, 0, 0}, 0)
	assert.Equal(t, uint32(0x00020000), state.Word)
}

func TestFieldMatches(t *testing.T) {
	uidFirst := NewField(10, []uint32{1, 1, 1}, 2)
	uidSecond := NewField(10, []uint32{1, 2, 1}, 2)
	uidLast := NewField(10, []uint32{1, 2, 1}, 2)
	uidLast.DecorateLastPos(1)

	firstMatcher := NewMatcher(NewField(10, []uint32{1, 1, 1}, 2), 0xff7f7f7f)
	assert.True(t, uidFirst.Matches(firstMatcher))
	assert.False(t, uidSecond.Matches(firstMatcher))

	anyMatcher := NewMatcher(NewField(10, []uint32{1, 0, 1}, 2), 0xff7f007f)
	assert.True(t, uidFirst.Matches(anyMatcher))
	assert.True(t, uidSecond.Matches(anyMatcher))

	lastField := NewField(10, []uint32{1, 0x80, 1}, 2)
	lastMatcher := NewMatcher(lastField, 0xff7f807f)
	assert.False(t, uidFirst.Matches(lastMatcher))
	assert.True(t, uidLast.Matches(lastMatcher))

	otherTag := NewField(11, []uint32{1, 1, 1}, 2)
	assert.False(t, otherTag.Matches(firstMatcher))
}

func TestMatcherPositionIntent(t *testing.T) {
	all := NewMatcher(NewField(10, []uint32{1, 0, 1}, 2), 0xff7f7f7f)
	assert.True(t, all.HasAllPositionMatcher())

	first := NewMatcher(NewField(10, []uint32{1, 1, 1}, 2), 0xff7f7f7f)
	assert.True(t, first.HasFirstPositionMatcher())
	assert.False(t, first.HasAllPositionMatcher())

	last := NewMatcher(NewField(10, []uint32{1, 0x80, 1}, 2), 0xff7f807f)
	assert.True(t, last.HasLastPositionMatcher())

	any := NewMatcher(NewField(10, []uint32{1, 0, 1}, 2), 0xff7f007f)
	assert.False(t, any.HasAllPositionMatcher())
}

func TestSimpleMatcher(t *testing.T) {
	m := NewSimpleMatcher(29, 1)
	f := NewField(29, []uint32{1, 0, 0}, 0)
	assert.True(t, f.Matches(m))

	other := NewField(29, []uint32{2, 0, 0}, 0)
	assert.False(t, other.Matches(m))
}

func TestPrefix(t *testing.T) {
	f := NewField(10, []uint32{1, 2, 3}, 2)
	assert.Equal(t, uint32(0), f.Prefix(0))
	assert.Equal(t, uint32(0x010000), f.Prefix(1))
	assert.Equal(t, uint32(0x010200), f.Prefix(2))
}

func TestDedupFieldMatchers(t *testing.T) {
	all := NewMatcher(NewField(10, []uint32{1, 0, 1}, 2), 0xff7f7f7f)
	first := NewMatcher(NewField(10, []uint32{1, 1, 1}, 2), 0xff7f7f7f)
	last := NewMatcher(NewField(10, []uint32{1, 0x80, 1}, 2), 0xff7f807f)
	unrelated := NewSimpleMatcher(10, 2)

	out := DedupFieldMatchers([]Matcher{first, all, last, unrelated})
	require.Len(t, out, 2)
	assert.Equal(t, all, out[0])
	assert.Equal(t, unrelated, out[1])

	// Exact duplicates collapse even without an all-position matcher.
	out = DedupFieldMatchers([]Matcher{first, first})
	assert.Len(t, out, 1)
}

func TestValueOrderingAndArithmetic(t *testing.T) {
	assert.True(t, IntValue(1).Less(IntValue(2)))
	assert.True(t, LongValue(-5).Less(LongValue(0)))
	assert.True(t, StringValue("a").Less(StringValue("b")))

	v := LongValue(10)
	v.Add(LongValue(5))
	assert.Equal(t, int64(15), v.Long)

	diff := DoubleValue(3.5).Sub(DoubleValue(1.25))
	assert.Equal(t, 2.25, diff.Double)

	// Mismatched types neither add nor subtract.
	v.Add(IntValue(1))
	assert.Equal(t, int64(15), v.Long)
	assert.Equal(t, TypeUnknown, IntValue(1).Sub(LongValue(1)).Type)

	assert.Equal(t, 42.0, IntValue(42).ToDouble())
	assert.Equal(t, 1.5, DoubleValue(1.5).ToDouble())
}

func TestValueNumericWidening(t *testing.T) {
	assert.True(t, IntValue(7).EqualNumeric(7))
	assert.True(t, LongValue(7).EqualNumeric(7))
	assert.False(t, StringValue("7").EqualNumeric(7))

	cmp, ok := LongValue(3).CompareNumeric(5)
	require.True(t, ok)
	assert.Equal(t, -1, cmp)
}

func TestFilterValues(t *testing.T) {
	e := NewLogEvent(10, 100)
	uid := NewField(10, []uint32{1, 1, 1}, 2)
	state := NewField(10, []uint32{2, 0, 0}, 0)
	e.AppendValue(FieldValue{Field: uid, Value: IntValue(1000)})
	e.AppendValue(FieldValue{Field: state, Value: IntValue(2)})

	key := FilterValues([]Matcher{NewSimpleMatcher(10, 2)}, e.Values)
	require.Len(t, key.Values, 1)
	assert.Equal(t, int32(2), key.Values[0].Value.Int)
	assert.NotEmpty(t, key.Key())
	assert.True(t, key.Equal(key))
}

func TestDimensionKeyEncoding(t *testing.T) {
	a := HashableDimensionKey{Values: []FieldValue{{
		Field: NewField(10, []uint32{1, 0, 0}, 0), Value: IntValue(111),
	}}}
	b := HashableDimensionKey{Values: []FieldValue{{
		Field: NewField(10, []uint32{1, 0, 0}, 0), Value: IntValue(222),
	}}}
	assert.NotEqual(t, a.Key(), b.Key())
	assert.Equal(t, "", DefaultDimensionKey.Key())
	assert.True(t, a.Contains(DefaultDimensionKey))
	assert.False(t, a.Contains(b))

	mk := MetricDimensionKey{DimensionKeyInWhat: a, StateValuesKey: b}
	assert.NotEqual(t, mk.Key(), mk.WithStateKey(a).Key())
}
