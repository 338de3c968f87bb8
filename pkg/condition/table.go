package condition

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/yairfalse/strata/pkg/config"
	"github.com/yairfalse/strata/pkg/event"
	"github.com/yairfalse/strata/pkg/matcher"
	"github.com/yairfalse/strata/pkg/stats"
)

// Table is the compiled condition arena for one configuration.
type Table struct {
	Trackers []Tracker
	IDToIdx  map[int64]int
	Wizard   *Wizard
}

// BuildTable compiles the predicates of a validated config against the
// matcher table.
func BuildTable(cfg *config.Config, matchers *matcher.Table, st *stats.Stats,
	logger *zap.Logger) (*Table, error) {
	table := &Table{IDToIdx: make(map[int64]int, len(cfg.Predicates))}
	for i := range cfg.Predicates {
		table.IDToIdx[cfg.Predicates[i].ID] = i
	}

	slicedByIdx := make([]bool, len(cfg.Predicates))
	var slicedOf func(i int) bool
	slicedOf = func(i int) bool {
		p := &cfg.Predicates[i]
		if p.Simple != nil {
			return p.Simple.Dimensions != nil && len(p.Simple.Dimensions.LeafMatchers()) > 0
		}
		for _, childID := range p.Combination.Predicates {
			if slicedOf(table.IDToIdx[childID]) {
				return true
			}
		}
		return false
	}
	for i := range cfg.Predicates {
		slicedByIdx[i] = slicedOf(i)
	}

	resolveMatcher := func(ref *int64) int {
		if ref == nil {
			return -1
		}
		return matchers.IDToIdx[*ref]
	}

	for i := range cfg.Predicates {
		p := &cfg.Predicates[i]
		hash, err := cfg.PredicateHash(p)
		if err != nil {
			return nil, fmt.Errorf("failed to hash predicate %d: %w", p.ID, err)
		}
		switch {
		case p.Simple != nil:
			table.Trackers = append(table.Trackers, NewSimpleTracker(
				cfg.Key(), p.ID, i, hash, p.Simple,
				resolveMatcher(p.Simple.Start),
				resolveMatcher(p.Simple.Stop),
				resolveMatcher(p.Simple.StopAll),
				st, logger))
		case p.Combination != nil:
			children := make([]int, 0, len(p.Combination.Predicates))
			for _, childID := range p.Combination.Predicates {
				children = append(children, table.IDToIdx[childID])
			}
			table.Trackers = append(table.Trackers, NewCombinationTracker(
				p.ID, i, hash, p.Combination.Operation, children, slicedByIdx[i]))
		}
	}

	table.Wizard = NewWizard(table.Trackers)
	logger.Debug("compiled condition table", zap.Int("conditions", len(table.Trackers)))
	return table, nil
}

// NewCaches allocates the per-event state and changed slices.
func (t *Table) NewCaches() ([]State, []bool) {
	cache := make([]State, len(t.Trackers))
	changed := make([]bool, len(t.Trackers))
	t.ResetCaches(cache, changed)
	return cache, changed
}

// ResetCaches prepares the slices for the next event.
func (t *Table) ResetCaches(cache []State, changed []bool) {
	for i := range cache {
		cache[i] = NotEvaluated
		changed[i] = false
	}
}

// OnLogEvent evaluates every condition for the event.
func (t *Table) OnLogEvent(e *event.LogEvent, matcherResults []matcher.MatchingState,
	cache []State, changed []bool) {
	t.ResetCaches(cache, changed)
	for _, tr := range t.Trackers {
		tr.Evaluate(e, matcherResults, t.Trackers, cache, changed)
	}
}
