package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/strata/pkg/config"
	"github.com/yairfalse/strata/pkg/event"
	"github.com/yairfalse/strata/pkg/matcher"
	"github.com/yairfalse/strata/pkg/stats"
)

const (
	screenOnIdx  = 0
	screenOffIdx = 1
	stopAllIdx   = 2
)

var testConfigKey = event.ConfigKey{UID: 1000, ID: 12345}

func newScreenTracker(t *testing.T, p *config.SimplePredicate) *SimpleTracker {
	t.Helper()
	startIdx, stopIdx, saIdx := -1, -1, -1
	if p.Start != nil {
		startIdx = screenOnIdx
	}
	if p.Stop != nil {
		stopIdx = screenOffIdx
	}
	if p.StopAll != nil {
		saIdx = stopAllIdx
	}
	return NewSimpleTracker(testConfigKey, 777, 0, 0, p, startIdx, stopIdx, saIdx,
		stats.New(zaptest.NewLogger(t)), zaptest.NewLogger(t))
}

func evalWith(tr *SimpleTracker, e *event.LogEvent, results []matcher.MatchingState) (State, bool) {
	cache := []State{NotEvaluated}
	changed := []bool{false}
	tr.Evaluate(e, results, nil, cache, changed)
	return cache[0], changed[0]
}

func screenOnEvent(ts int64) *event.LogEvent  { return event.NewLogEvent(29, ts) }
func screenOffEvent(ts int64) *event.LogEvent { return event.NewLogEvent(29, ts) }

var (
	startMatched = []matcher.MatchingState{matcher.Matched, matcher.NotMatched, matcher.NotMatched}
	stopMatched  = []matcher.MatchingState{matcher.NotMatched, matcher.Matched, matcher.NotMatched}
	noneMatched  = []matcher.MatchingState{matcher.NotMatched, matcher.NotMatched, matcher.NotMatched}
	allStopped   = []matcher.MatchingState{matcher.NotMatched, matcher.NotMatched, matcher.Matched}
)

func screenPredicate(nesting bool) *config.SimplePredicate {
	start, stop := int64(100), int64(101)
	return &config.SimplePredicate{
		Start:        &start,
		Stop:         &stop,
		CountNesting: &nesting,
		InitialValue: config.ConditionUnknown,
	}
}

// Screen on/off without nesting: off at t=50 flips to false, on at t=100
// flips to true.
func TestScreenConditionTransitions(t *testing.T) {
	tr := newScreenTracker(t, screenPredicate(false))

	state, changed := evalWith(tr, screenOffEvent(50), stopMatched)
	assert.Equal(t, False, state)
	assert.True(t, changed)

	state, changed = evalWith(tr, screenOnEvent(100), startMatched)
	assert.Equal(t, True, state)
	assert.True(t, changed)

	// Unrelated event reports the cached state.
	state, changed = evalWith(tr, event.NewLogEvent(99, 150), noneMatched)
	assert.Equal(t, True, state)
	assert.False(t, changed)
}

// With nesting, two starts need two stops.
func TestNestedCounting(t *testing.T) {
	tr := newScreenTracker(t, screenPredicate(true))

	state, changed := evalWith(tr, screenOnEvent(10), startMatched)
	assert.Equal(t, True, state)
	assert.True(t, changed)

	state, changed = evalWith(tr, screenOnEvent(20), startMatched)
	assert.Equal(t, True, state)
	assert.False(t, changed)

	state, changed = evalWith(tr, screenOffEvent(30), stopMatched)
	assert.Equal(t, True, state)
	assert.False(t, changed)

	state, changed = evalWith(tr, screenOffEvent(40), stopMatched)
	assert.Equal(t, False, state)
	assert.True(t, changed)
}

// Without nesting a single stop closes any number of starts.
func TestNonNestedStopClosesAll(t *testing.T) {
	tr := newScreenTracker(t, screenPredicate(false))

	evalWith(tr, screenOnEvent(10), startMatched)
	evalWith(tr, screenOnEvent(20), startMatched)

	state, changed := evalWith(tr, screenOffEvent(30), stopMatched)
	assert.Equal(t, False, state)
	assert.True(t, changed)
}

func TestInitialValueDefaults(t *testing.T) {
	// Unsliced without declared initial value: unknown until evidence.
	start, stop := int64(100), int64(101)
	unsliced := &config.SimplePredicate{Start: &start, Stop: &stop}
	tr := newScreenTracker(t, unsliced)
	state, changed := evalWith(tr, event.NewLogEvent(29, 10), noneMatched)
	assert.Equal(t, Unknown, state)
	assert.False(t, changed)

	// Sliced without declared initial value: false for unseen keys.
	sliced := &config.SimplePredicate{
		Start: &start,
		Stop:  &stop,
		Dimensions: &config.FieldMatcher{
			Field:    29,
			Children: []config.FieldMatcher{{Field: 1}},
		},
	}
	trSliced := newScreenTracker(t, sliced)
	require.True(t, trSliced.Sliced())
	state, _ = evalWith(trSliced, event.NewLogEvent(29, 10), noneMatched)
	assert.Equal(t, False, state)
}

func TestStopAllClearsEverything(t *testing.T) {
	start, stop, stopAll := int64(100), int64(101), int64(102)
	nesting := true
	p := &config.SimplePredicate{
		Start:        &start,
		Stop:         &stop,
		StopAll:      &stopAll,
		CountNesting: &nesting,
		InitialValue: config.ConditionUnknown,
	}
	tr := newScreenTracker(t, p)

	evalWith(tr, screenOnEvent(10), startMatched)
	evalWith(tr, screenOnEvent(20), startMatched)

	state, changed := evalWith(tr, event.NewLogEvent(29, 30), allStopped)
	assert.Equal(t, False, state)
	assert.True(t, changed)
	assert.Len(t, tr.ChangedToFalse(nil), 1)

	// After stop-all the default is false: a lone stop is no news.
	state, changed = evalWith(tr, screenOffEvent(40), stopMatched)
	assert.Equal(t, False, state)
	assert.False(t, changed)
}

// Sliced by uid with LAST position: a start only flips the last
// attribution node's key.
func TestSlicedConditionQuery(t *testing.T) {
	start, stop := int64(100), int64(101)
	p := &config.SimplePredicate{
		Start: &start,
		Stop:  &stop,
		Dimensions: &config.FieldMatcher{
			Field: 29,
			Children: []config.FieldMatcher{{
				Field:    1,
				Position: config.PositionLast,
				Children: []config.FieldMatcher{{Field: 1}},
			}},
		},
	}
	tr := newScreenTracker(t, p)

	// Event carrying uids [111, 222, 333] in an attribution chain.
	e := event.NewLogEvent(29, 100)
	for i, uid := range []int32{111, 222, 333} {
		f := event.NewField(29, []uint32{1, uint32(i + 1), 1}, 2)
		if uid == 333 {
			f.DecorateLastPos(1)
		}
		e.AppendValue(event.FieldValue{Field: f, Value: event.IntValue(uid)})
	}

	state, changed := evalWith(tr, e, startMatched)
	assert.Equal(t, True, state)
	assert.True(t, changed)

	keyFor := func(uid int32) event.HashableDimensionKey {
		f := event.NewField(29, []uint32{1, 3, 1}, 2)
		if uid == 333 {
			f.DecorateLastPos(1)
		}
		return event.HashableDimensionKey{Values: []event.FieldValue{{
			Field: f, Value: event.IntValue(uid),
		}}}
	}

	all := []Tracker{tr}
	cache := []State{NotEvaluated}
	tr.Query(event.ConditionKey{777: keyFor(333)}, all, false, cache)
	assert.Equal(t, True, cache[0])

	// An unseen key answers the initial value (false when sliced).
	cache[0] = NotEvaluated
	otherKey := event.HashableDimensionKey{Values: []event.FieldValue{{
		Field: event.NewField(29, []uint32{1, 1, 1}, 2), Value: event.IntValue(111),
	}}}
	tr.Query(event.ConditionKey{777: otherKey}, all, false, cache)
	assert.Equal(t, False, cache[0])
}

func TestDimensionGuardrail(t *testing.T) {
	start, stop := int64(100), int64(101)
	p := &config.SimplePredicate{
		Start: &start,
		Stop:  &stop,
		Dimensions: &config.FieldMatcher{
			Field:    29,
			Children: []config.FieldMatcher{{Field: 1}},
		},
	}
	st := stats.New(zaptest.NewLogger(t))
	st.DimensionSoftLimit = 2
	st.DimensionHardLimit = 3
	tr := NewSimpleTracker(testConfigKey, 777, 0, 0, p, screenOnIdx, screenOffIdx, -1,
		st, zaptest.NewLogger(t))

	eventFor := func(v int32, ts int64) *event.LogEvent {
		e := event.NewLogEvent(29, ts)
		e.AppendValue(event.FieldValue{
			Field: event.NewField(29, []uint32{1, 0, 0}, 0),
			Value: event.IntValue(v),
		})
		return e
	}

	for i := int32(0); i < 3; i++ {
		state, _ := evalWith(tr, eventFor(i, int64(i)), startMatched)
		assert.Equal(t, True, state)
	}
	// Fourth distinct key breaches the hard limit: dropped, unknown.
	state, changed := evalWith(tr, eventFor(99, 100), startMatched)
	assert.Equal(t, Unknown, state)
	assert.False(t, changed)
	assert.Positive(t, st.ConditionDimensionSize(testConfigKey, 777))
}

func TestCombineThreeValuedLogic(t *testing.T) {
	tests := []struct {
		op       config.LogicalOperation
		children []State
		want     State
	}{
		{config.OpAnd, []State{True, True}, True},
		{config.OpAnd, []State{True, False}, False},
		{config.OpAnd, []State{True, Unknown}, Unknown},
		{config.OpAnd, []State{False, Unknown}, False},
		{config.OpOr, []State{False, False}, False},
		{config.OpOr, []State{False, True}, True},
		{config.OpOr, []State{Unknown, False}, Unknown},
		{config.OpOr, []State{Unknown, True}, True},
		{config.OpNot, []State{True}, False},
		{config.OpNot, []State{False}, True},
		{config.OpNot, []State{Unknown}, Unknown},
		{config.OpNand, []State{True, True}, False},
		{config.OpNand, []State{True, False}, True},
		{config.OpNor, []State{False, False}, True},
		{config.OpNor, []State{True, False}, False},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Combine(tt.op, tt.children), "%s %v", tt.op, tt.children)
	}
}

func TestCombinationTrackerEvaluate(t *testing.T) {
	startA, stopA := int64(100), int64(101)
	cfg := &config.Config{
		ID: 1, UID: 1000,
		AtomMatchers: []config.AtomMatcher{
			{ID: 100, Simple: &config.SimpleAtomMatcher{AtomID: 29}},
			{ID: 101, Simple: &config.SimpleAtomMatcher{AtomID: 30}},
		},
		Predicates: []config.Predicate{
			{ID: 200, Simple: &config.SimplePredicate{Start: &startA, Stop: &stopA,
				InitialValue: config.ConditionUnknown}},
			{ID: 201, Combination: &config.CombinationPredicate{
				Operation:  config.OpNot,
				Predicates: []int64{200},
			}},
		},
	}
	require.NoError(t, cfg.Validate())

	matchers, err := matcher.BuildTable(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	table, err := BuildTable(cfg, matchers, stats.New(zaptest.NewLogger(t)), zaptest.NewLogger(t))
	require.NoError(t, err)

	cache, changed := table.NewCaches()

	// SCREEN_ON event: tag 29 matches the start matcher.
	e := event.NewLogEvent(29, 100)
	results := matcher.NewResults(len(matchers.Trackers))
	matchers.OnLogEvent(e, results)
	table.OnLogEvent(e, results.States, cache, changed)
	assert.Equal(t, True, cache[0])
	assert.Equal(t, False, cache[1])
	assert.True(t, changed[0])
	assert.True(t, changed[1])
}
