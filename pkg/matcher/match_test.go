package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/strata/pkg/config"
	"github.com/yairfalse/strata/pkg/event"
	"github.com/yairfalse/strata/pkg/uidmap"
)

const wakelockTag = 10

func intp(v int64) *int64       { return &v }
func strp(v string) *string     { return &v }
func boolp(v bool) *bool        { return &v }
func floatp(v float64) *float64 { return &v }

// wakelockEvent builds an event shaped like an attribution chain of
// (uid, tag) nodes followed by a state int and a wakelock name.
func wakelockEvent(elapsedNs int64, uids []int32, tags []string, state int32, name string) *event.LogEvent {
	e := event.NewLogEvent(wakelockTag, elapsedNs)
	n := uint32(len(uids))
	for i := uint32(0); i < n; i++ {
		uidField := event.NewField(wakelockTag, []uint32{1, i + 1, 1}, 2)
		tagField := event.NewField(wakelockTag, []uint32{1, i + 1, 2}, 2)
		tagField.DecorateLastPos(2)
		if i == n-1 {
			uidField.DecorateLastPos(1)
			tagField.DecorateLastPos(1)
		}
		uidFV := event.FieldValue{Field: uidField, Value: event.IntValue(uids[i])}
		uidFV.Annotations.SetUIDField(true)
		e.AppendValue(uidFV)
		e.AppendValue(event.FieldValue{Field: tagField, Value: event.StringValue(tags[i])})
	}
	e.AppendValue(event.FieldValue{
		Field: event.NewField(wakelockTag, []uint32{2, 0, 0}, 0),
		Value: event.IntValue(state),
	})
	e.AppendValue(event.FieldValue{
		Field: event.NewField(wakelockTag, []uint32{3, 0, 0}, 0),
		Value: event.StringValue(name),
	})
	return e
}

func TestMatchesSimpleTagMismatch(t *testing.T) {
	m := &config.SimpleAtomMatcher{AtomID: 99}
	e := wakelockEvent(100, []int32{111}, []string{"a"}, 1, "wl")
	assert.False(t, MatchesSimple(nil, m, e).Matched)
}

func TestMatchesSimpleNoFieldMatchers(t *testing.T) {
	m := &config.SimpleAtomMatcher{AtomID: wakelockTag}
	e := wakelockEvent(100, []int32{111}, []string{"a"}, 1, "wl")
	assert.True(t, MatchesSimple(nil, m, e).Matched)
}

func TestMatchSimpleFieldEquality(t *testing.T) {
	e := wakelockEvent(100, []int32{111}, []string{"a"}, 2, "wl")

	tests := []struct {
		name    string
		matcher config.FieldValueMatcher
		want    bool
	}{
		{"eq int hit", config.FieldValueMatcher{Field: 2, EqInt: intp(2)}, true},
		{"eq int miss", config.FieldValueMatcher{Field: 2, EqInt: intp(3)}, false},
		{"eq string hit", config.FieldValueMatcher{Field: 3, EqString: strp("wl")}, true},
		{"eq string miss", config.FieldValueMatcher{Field: 3, EqString: strp("other")}, false},
		{"eq bool", config.FieldValueMatcher{Field: 2, EqBool: boolp(true)}, true},
		{"lt int", config.FieldValueMatcher{Field: 2, LtInt: intp(3)}, true},
		{"gt int miss", config.FieldValueMatcher{Field: 2, GtInt: intp(2)}, false},
		{"lte int", config.FieldValueMatcher{Field: 2, LteInt: intp(2)}, true},
		{"gte int", config.FieldValueMatcher{Field: 2, GteInt: intp(3)}, false},
		{"eq any int", config.FieldValueMatcher{Field: 2, EqAnyInt: []int64{5, 2}}, true},
		{"neq any int", config.FieldValueMatcher{Field: 2, NeqAnyInt: []int64{2}}, false},
		{"wildcard", config.FieldValueMatcher{Field: 3, EqWildcardString: strp("w*")}, true},
		{"wildcard miss", config.FieldValueMatcher{Field: 3, EqWildcardString: strp("x*")}, false},
		{"neq any string", config.FieldValueMatcher{Field: 3, NeqAnyString: []string{"x", "y"}}, true},
		{"missing field", config.FieldValueMatcher{Field: 9, EqInt: intp(1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &config.SimpleAtomMatcher{
				AtomID:            wakelockTag,
				FieldValueMatcher: []config.FieldValueMatcher{tt.matcher},
			}
			assert.Equal(t, tt.want, MatchesSimple(nil, m, e).Matched)
		})
	}
}

func TestMatchFloat(t *testing.T) {
	e := event.NewLogEvent(20, 100)
	e.AppendValue(event.FieldValue{
		Field: event.NewField(20, []uint32{1, 0, 0}, 0),
		Value: event.FloatValue(2.5),
	})
	m := &config.SimpleAtomMatcher{AtomID: 20, FieldValueMatcher: []config.FieldValueMatcher{
		{Field: 1, GtFloat: floatp(2.0)},
	}}
	assert.True(t, MatchesSimple(nil, m, e).Matched)
	m.FieldValueMatcher[0] = config.FieldValueMatcher{Field: 1, LtFloat: floatp(2.0)}
	assert.False(t, MatchesSimple(nil, m, e).Matched)
}

func TestAttributionPositions(t *testing.T) {
	e := wakelockEvent(100, []int32{111, 222, 333}, []string{"t1", "t2", "t3"}, 1, "wl")

	makeMatcher := func(pos config.Position, uid int64) *config.SimpleAtomMatcher {
		return &config.SimpleAtomMatcher{
			AtomID: wakelockTag,
			FieldValueMatcher: []config.FieldValueMatcher{{
				Field:    1,
				Position: pos,
				MatchesTuple: &config.MatchesTuple{
					FieldValueMatcher: []config.FieldValueMatcher{{Field: 1, EqInt: intp(uid)}},
				},
			}},
		}
	}

	// FIRST sees only uid 111.
	assert.True(t, MatchesSimple(nil, makeMatcher(config.PositionFirst, 111), e).Matched)
	assert.False(t, MatchesSimple(nil, makeMatcher(config.PositionFirst, 222), e).Matched)

	// LAST sees only uid 333.
	assert.True(t, MatchesSimple(nil, makeMatcher(config.PositionLast, 333), e).Matched)
	assert.False(t, MatchesSimple(nil, makeMatcher(config.PositionLast, 111), e).Matched)

	// ANY sees every node.
	for _, uid := range []int64{111, 222, 333} {
		assert.True(t, MatchesSimple(nil, makeMatcher(config.PositionAny, uid), e).Matched)
	}
	assert.False(t, MatchesSimple(nil, makeMatcher(config.PositionAny, 444), e).Matched)
}

func TestAnyTupleRequiresSingleSubtreeMatch(t *testing.T) {
	// uid and tag must match within the same attribution node.
	e := wakelockEvent(100, []int32{111, 222}, []string{"t1", "t2"}, 1, "wl")
	m := &config.SimpleAtomMatcher{
		AtomID: wakelockTag,
		FieldValueMatcher: []config.FieldValueMatcher{{
			Field:    1,
			Position: config.PositionAny,
			MatchesTuple: &config.MatchesTuple{
				FieldValueMatcher: []config.FieldValueMatcher{
					{Field: 1, EqInt: intp(111)},
					{Field: 2, EqString: strp("t1")},
				},
			},
		}},
	}
	assert.True(t, MatchesSimple(nil, m, e).Matched)

	// uid of node 1 with tag of node 2 is not a match.
	m.FieldValueMatcher[0].MatchesTuple.FieldValueMatcher[1].EqString = strp("t2")
	assert.False(t, MatchesSimple(nil, m, e).Matched)
}

func TestUIDStringMatching(t *testing.T) {
	uids := uidmap.New(zaptest.NewLogger(t))
	uids.Update(111, []string{"com.example.app"})

	e := wakelockEvent(100, []int32{111}, []string{"t1"}, 1, "wl")
	m := &config.SimpleAtomMatcher{
		AtomID: wakelockTag,
		FieldValueMatcher: []config.FieldValueMatcher{{
			Field:    1,
			Position: config.PositionFirst,
			MatchesTuple: &config.MatchesTuple{
				FieldValueMatcher: []config.FieldValueMatcher{{Field: 1, EqString: strp("com.example.app")}},
			},
		}},
	}
	assert.True(t, MatchesSimple(uids, m, e).Matched)

	m.FieldValueMatcher[0].MatchesTuple.FieldValueMatcher[0].EqString = strp("com.other")
	assert.False(t, MatchesSimple(uids, m, e).Matched)

	// Wildcard resolution through the uid map.
	m.FieldValueMatcher[0].MatchesTuple.FieldValueMatcher[0] =
		config.FieldValueMatcher{Field: 1, EqWildcardString: strp("com.example.*")}
	assert.True(t, MatchesSimple(uids, m, e).Matched)
}

func TestStringTransformation(t *testing.T) {
	e := wakelockEvent(100, []int32{111}, []string{"t1"}, 1, "wakelock42")
	m := &config.SimpleAtomMatcher{
		AtomID: wakelockTag,
		FieldValueMatcher: []config.FieldValueMatcher{
			{Field: 3, ReplaceString: &config.StringReplacer{Regex: `[0-9]+$`, Replacement: ""}},
			{Field: 3, EqString: strp("wakelock")},
		},
	}
	res := MatchesSimple(nil, m, e)
	assert.True(t, res.Matched)
	require.NotNil(t, res.TransformedEvent)
	assert.Equal(t, "wakelock", res.TransformedEvent.Values[len(res.TransformedEvent.Values)-1].Value.Str)
	// The original event is untouched.
	assert.Equal(t, "wakelock42", e.Values[len(e.Values)-1].Value.Str)
}

func TestTransformationOnlyFiresOnChange(t *testing.T) {
	e := wakelockEvent(100, []int32{111}, []string{"t1"}, 1, "wakelock")
	m := &config.SimpleAtomMatcher{
		AtomID: wakelockTag,
		FieldValueMatcher: []config.FieldValueMatcher{
			{Field: 3, ReplaceString: &config.StringReplacer{Regex: `[0-9]+$`, Replacement: ""}},
		},
	}
	res := MatchesSimple(nil, m, e)
	assert.True(t, res.Matched)
	assert.Nil(t, res.TransformedEvent)
}

func TestCombinationMatch(t *testing.T) {
	results := []MatchingState{Matched, NotMatched, Matched}
	tests := []struct {
		op       config.LogicalOperation
		children []int
		want     bool
	}{
		{config.OpAnd, []int{0, 2}, true},
		{config.OpAnd, []int{0, 1}, false},
		{config.OpOr, []int{1, 0}, true},
		{config.OpOr, []int{1, 1}, false},
		{config.OpNot, []int{1}, true},
		{config.OpNot, []int{0}, false},
		{config.OpNand, []int{0, 1}, true},
		{config.OpNand, []int{0, 2}, false},
		{config.OpNor, []int{1}, true},
		{config.OpNor, []int{0, 1}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CombinationMatch(tt.children, tt.op, results),
			"%s %v", tt.op, tt.children)
	}
}

func TestTableEvaluatesAndCaches(t *testing.T) {
	cfg := &config.Config{
		ID: 1,
		AtomMatchers: []config.AtomMatcher{
			{ID: 100, Simple: &config.SimpleAtomMatcher{
				AtomID: wakelockTag,
				FieldValueMatcher: []config.FieldValueMatcher{
					{Field: 2, EqInt: intp(1)},
				},
			}},
			{ID: 101, Simple: &config.SimpleAtomMatcher{
				AtomID: wakelockTag,
				FieldValueMatcher: []config.FieldValueMatcher{
					{Field: 2, EqInt: intp(2)},
				},
			}},
			{ID: 102, Combination: &config.CombinationMatcher{
				Operation: config.OpOr,
				Matchers:  []int64{100, 101},
			}},
		},
	}
	require.NoError(t, cfg.Validate())

	table, err := BuildTable(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, table.Trackers, 3)
	assert.Contains(t, table.RelevantTags, int32(wakelockTag))

	res := NewResults(len(table.Trackers))
	e := wakelockEvent(100, []int32{111}, []string{"t"}, 1, "wl")
	table.OnLogEvent(e, res)
	assert.Equal(t, Matched, res.States[0])
	assert.Equal(t, NotMatched, res.States[1])
	assert.Equal(t, Matched, res.States[2])

	e2 := wakelockEvent(200, []int32{111}, []string{"t"}, 3, "wl")
	table.OnLogEvent(e2, res)
	assert.Equal(t, NotMatched, res.States[0])
	assert.Equal(t, NotMatched, res.States[2])
}
