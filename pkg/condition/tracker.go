package condition

import (
	"github.com/yairfalse/strata/pkg/event"
	"github.com/yairfalse/strata/pkg/matcher"
)

// Tracker is one compiled condition, simple or combinational.
type Tracker interface {
	ID() int64
	Index() int
	Hash() uint64

	// Evaluate updates the condition for an event given the matcher
	// results, filling cache[index] and changed[index].
	Evaluate(e *event.LogEvent, matcherResults []matcher.MatchingState, all []Tracker,
		cache []State, changed []bool)

	// Query answers the current state for the dimension key the caller
	// projected for this condition, without consuming an event.
	Query(params event.ConditionKey, all []Tracker, partialLink bool, cache []State)

	// Sliced reports whether the condition partitions by dimensions.
	Sliced() bool

	// ChangedToTrue and ChangedToFalse expose the dimensions flipped by
	// the last Evaluate; an unsliced condition reports the default
	// dimension key.
	ChangedToTrue(all []Tracker) []event.HashableDimensionKey
	ChangedToFalse(all []Tracker) []event.HashableDimensionKey
}

// Wizard lets metric producers query conditions by index outside event
// dispatch, re-evaluating per-dimension states through the tracker table.
type Wizard struct {
	trackers []Tracker
}

// NewWizard wraps a tracker table.
func NewWizard(trackers []Tracker) *Wizard {
	return &Wizard{trackers: trackers}
}

// Query returns the state of the condition at index for the projected
// dimension key.
func (w *Wizard) Query(index int, params event.ConditionKey, partialLink bool) State {
	if index < 0 || index >= len(w.trackers) {
		return Unknown
	}
	cache := make([]State, len(w.trackers))
	for i := range cache {
		cache[i] = NotEvaluated
	}
	w.trackers[index].Query(params, w.trackers, partialLink, cache)
	return cache[index]
}
