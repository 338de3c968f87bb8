package condition

import (
	"go.uber.org/zap"

	"github.com/yairfalse/strata/pkg/config"
	"github.com/yairfalse/strata/pkg/event"
	"github.com/yairfalse/strata/pkg/matcher"
	"github.com/yairfalse/strata/pkg/stats"
)

// SimpleTracker is a start/stop/stop-all state machine, optionally sliced
// by an output dimension. Per dimension it keeps a nesting counter; the
// dimension is true while the counter is positive.
type SimpleTracker struct {
	id    int64
	index int
	hash  uint64

	configKey event.ConfigKey

	startIdx   int
	stopIdx    int
	stopAllIdx int

	nesting      bool
	sliced       bool
	initialValue State
	dimensions   []event.Matcher

	// Dimension key -> nesting counter. Keys are canonical encodings;
	// the original key values ride along for reporting.
	counters map[string]*slice

	lastChangedToTrue  []event.HashableDimensionKey
	lastChangedToFalse []event.HashableDimensionKey

	stats  *stats.Stats
	logger *zap.Logger
}

type slice struct {
	key   event.HashableDimensionKey
	count int
}

// NewSimpleTracker compiles a simple predicate. Matcher ids were resolved
// to indices by the caller; -1 means the matcher is absent.
func NewSimpleTracker(configKey event.ConfigKey, id int64, index int, hash uint64,
	p *config.SimplePredicate, startIdx, stopIdx, stopAllIdx int,
	st *stats.Stats, logger *zap.Logger) *SimpleTracker {
	t := &SimpleTracker{
		id:         id,
		index:      index,
		hash:       hash,
		configKey:  configKey,
		startIdx:   startIdx,
		stopIdx:    stopIdx,
		stopAllIdx: stopAllIdx,
		nesting:    p.Nesting(),
		counters:   make(map[string]*slice),
		stats:      st,
		logger:     logger,
	}
	if p.Dimensions != nil {
		t.dimensions = p.Dimensions.LeafMatchers()
		t.sliced = len(t.dimensions) > 0
	}
	// An unspecified initial value defaults to false when sliced (bounds
	// dimension churn) and unknown otherwise.
	if p.InitialValue != config.ConditionUnset {
		t.initialValue = FromConfig(p.InitialValue)
	} else if t.sliced {
		t.initialValue = False
	} else {
		t.initialValue = Unknown
	}
	return t
}

func (t *SimpleTracker) ID() int64    { return t.id }
func (t *SimpleTracker) Index() int   { return t.index }
func (t *SimpleTracker) Hash() uint64 { return t.hash }
func (t *SimpleTracker) Sliced() bool { return t.sliced }

// OutputDimensions exposes the dimension projection for metric links.
func (t *SimpleTracker) OutputDimensions() []event.Matcher { return t.dimensions }

func (t *SimpleTracker) ChangedToTrue([]Tracker) []event.HashableDimensionKey {
	return t.lastChangedToTrue
}

func (t *SimpleTracker) ChangedToFalse([]Tracker) []event.HashableDimensionKey {
	return t.lastChangedToFalse
}

func matched(results []matcher.MatchingState, idx int) bool {
	return idx >= 0 && idx < len(results) && results[idx] == matcher.Matched
}

// Evaluate applies the event to the state machine. Priority order is
// stop_all > stop > start.
func (t *SimpleTracker) Evaluate(e *event.LogEvent, matcherResults []matcher.MatchingState,
	_ []Tracker, cache []State, changed []bool) {
	if cache[t.index] != NotEvaluated {
		return
	}
	t.lastChangedToTrue = t.lastChangedToTrue[:0]
	t.lastChangedToFalse = t.lastChangedToFalse[:0]

	if matched(matcherResults, t.stopAllIdx) {
		t.handleStopAll(cache, changed)
		return
	}

	matchedState := -1
	if matched(matcherResults, t.startIdx) {
		matchedState = 1
	}
	if matched(matcherResults, t.stopIdx) {
		matchedState = 0
	}

	if matchedState < 0 {
		// Not our event; report the cached state.
		changed[t.index] = false
		cache[t.index] = t.currentState()
		return
	}

	outputKey := event.DefaultDimensionKey
	if t.sliced {
		outputKey = event.FilterValues(t.dimensions, e.Values)
	}
	state, didChange := t.handleConditionEvent(outputKey, matchedState == 1)
	cache[t.index] = state
	changed[t.index] = didChange
}

// currentState folds the slice table into one answer: true if any
// dimension is running, else the initial value (or the cached default
// slice for unsliced conditions).
func (t *SimpleTracker) currentState() State {
	if t.sliced {
		for _, s := range t.counters {
			if s.count > 0 {
				return True
			}
		}
		return t.initialValue
	}
	s, ok := t.counters[event.DefaultDimensionKey.Key()]
	if !ok {
		return t.initialValue
	}
	if s.count > 0 {
		return True
	}
	return False
}

func (t *SimpleTracker) handleStopAll(cache []State, changed []bool) {
	// Unless the default was already false with nothing started, this is
	// a condition change.
	changed[t.index] = !(t.initialValue == False && len(t.counters) == 0)

	for _, s := range t.counters {
		if s.count > 0 {
			t.lastChangedToFalse = append(t.lastChangedToFalse, s.key)
		}
	}

	// After stop-all everything is known stopped; false becomes the
	// default going forward.
	t.initialValue = False
	t.counters = make(map[string]*slice)
	cache[t.index] = False
}

// hitGuardrail applies the soft and hard dimension caps for new keys.
func (t *SimpleTracker) hitGuardrail(encoded string) bool {
	if !t.sliced {
		return false
	}
	if _, known := t.counters[encoded]; known {
		return false
	}
	if t.stats == nil {
		return false
	}
	if len(t.counters) >= t.stats.DimensionSoftLimit {
		newCount := len(t.counters) + 1
		t.stats.NoteConditionDimensionSize(t.configKey, t.id, newCount)
		if newCount > t.stats.DimensionHardLimit {
			t.logger.Error("condition dropping data for dimension key past hard limit",
				zap.Int64("condition_id", t.id))
			return true
		}
	}
	return false
}

func (t *SimpleTracker) handleConditionEvent(outputKey event.HashableDimensionKey, matchStart bool) (State, bool) {
	encoded := outputKey.Key()
	if t.hitGuardrail(encoded) {
		return Unknown, false
	}

	entry, seen := t.counters[encoded]
	if !seen {
		// A fresh output key.
		if matchStart {
			t.counters[encoded] = &slice{key: outputKey, count: 1}
			t.lastChangedToTrue = append(t.lastChangedToTrue, outputKey)
			return True, t.initialValue != True
		}
		if t.initialValue != False {
			// A stop with no history is informative unless the default is
			// already false.
			t.counters[encoded] = &slice{key: outputKey, count: 0}
			t.lastChangedToFalse = append(t.lastChangedToFalse, outputKey)
			return False, true
		}
		return False, false
	}

	changed := false
	var newState State
	if matchStart {
		if entry.count == 0 {
			t.lastChangedToTrue = append(t.lastChangedToTrue, outputKey)
			changed = true
		}
		// Counting is safe even without nesting; stop treats >0 as 1.
		entry.count++
		newState = True
	} else {
		newState = False
		if entry.count > 0 {
			newState = True
		}
		if entry.count > 0 {
			if t.nesting {
				entry.count--
			} else {
				entry.count = 0
			}
			if entry.count == 0 {
				newState = False
				t.lastChangedToFalse = append(t.lastChangedToFalse, outputKey)
				changed = true
			}
		}
		// A false default means dormant keys carry no information.
		if t.initialValue == False && entry.count == 0 {
			delete(t.counters, encoded)
		}
	}
	return newState, changed
}

// Query reports the state for the key projected in params. When the caller
// did not project one, an unsliced condition reports its initial value
// folded with the default slice's state, and a sliced condition reports its
// initial value.
func (t *SimpleTracker) Query(params event.ConditionKey, _ []Tracker, partialLink bool,
	cache []State) {
	if cache[t.index] != NotEvaluated {
		return
	}

	key, ok := params[t.id]
	if !ok {
		state := t.initialValue
		if !t.sliced {
			if s, found := t.counters[event.DefaultDimensionKey.Key()]; found {
				if s.count > 0 {
					state = state.Or(True)
				} else {
					state = state.Or(False)
				}
			}
		}
		cache[t.index] = state
		return
	}

	state := t.initialValue
	if partialLink {
		// The projected key covers only part of the slice dimensions;
		// any slice containing it answers.
		for _, s := range t.counters {
			if s.key.Contains(key) {
				if s.count > 0 {
					state = state.Or(True)
				} else {
					state = state.Or(False)
				}
			}
		}
	} else {
		if s, found := t.counters[key.Key()]; found {
			if s.count > 0 {
				state = state.Or(True)
			} else {
				state = state.Or(False)
			}
		}
	}
	cache[t.index] = state
}
