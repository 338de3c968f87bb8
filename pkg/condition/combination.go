package condition

import (
	"github.com/yairfalse/strata/pkg/config"
	"github.com/yairfalse/strata/pkg/event"
	"github.com/yairfalse/strata/pkg/matcher"
)

// CombinationTracker folds child conditions through three-valued logic.
// Dimension queries recurse into the single sliced child.
type CombinationTracker struct {
	id    int64
	index int
	hash  uint64

	op       config.LogicalOperation
	children []int

	sliced bool
}

// NewCombinationTracker compiles a combinational predicate; children are
// indices into the tracker table.
func NewCombinationTracker(id int64, index int, hash uint64, op config.LogicalOperation,
	children []int, sliced bool) *CombinationTracker {
	return &CombinationTracker{
		id:       id,
		index:    index,
		hash:     hash,
		op:       op,
		children: children,
		sliced:   sliced,
	}
}

func (t *CombinationTracker) ID() int64    { return t.id }
func (t *CombinationTracker) Index() int   { return t.index }
func (t *CombinationTracker) Hash() uint64 { return t.hash }
func (t *CombinationTracker) Sliced() bool { return t.sliced }

func (t *CombinationTracker) Evaluate(e *event.LogEvent, matcherResults []matcher.MatchingState,
	all []Tracker, cache []State, changed []bool) {
	if cache[t.index] != NotEvaluated {
		return
	}
	// Guard against re-entry while children evaluate; cycles were
	// rejected at install so this only breaks accidental recursion.
	cache[t.index] = Unknown

	anyChildChanged := false
	states := make([]State, len(t.children))
	for i, c := range t.children {
		all[c].Evaluate(e, matcherResults, all, cache, changed)
		states[i] = cache[c]
		if changed[c] {
			anyChildChanged = true
		}
	}
	cache[t.index] = Combine(t.op, states)
	changed[t.index] = anyChildChanged
}

func (t *CombinationTracker) Query(params event.ConditionKey, all []Tracker, partialLink bool,
	cache []State) {
	if cache[t.index] != NotEvaluated {
		return
	}
	cache[t.index] = Unknown

	states := make([]State, len(t.children))
	for i, c := range t.children {
		all[c].Query(params, all, partialLink, cache)
		states[i] = cache[c]
	}
	cache[t.index] = Combine(t.op, states)
}

// ChangedToTrue recurses into the first child exposing changed
// dimensions; at most one child is sliced by construction.
func (t *CombinationTracker) ChangedToTrue(all []Tracker) []event.HashableDimensionKey {
	for _, c := range t.children {
		if keys := all[c].ChangedToTrue(all); len(keys) > 0 {
			return keys
		}
	}
	return nil
}

// ChangedToFalse recurses like ChangedToTrue.
func (t *CombinationTracker) ChangedToFalse(all []Tracker) []event.HashableDimensionKey {
	for _, c := range t.children {
		if keys := all[c].ChangedToFalse(all); len(keys) > 0 {
			return keys
		}
	}
	return nil
}
