package matcher

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/yairfalse/strata/pkg/config"
	"github.com/yairfalse/strata/pkg/event"
	"github.com/yairfalse/strata/pkg/uidmap"
)

// Results caches per-matcher outcomes for the lifetime of a single event
// dispatch, so combinational matchers referring to the same simple
// matcher never recompute it.
type Results struct {
	States      []MatchingState
	Transformed []*event.LogEvent
}

// NewResults sizes a cache for n matchers.
func NewResults(n int) *Results {
	return &Results{
		States:      make([]MatchingState, n),
		Transformed: make([]*event.LogEvent, n),
	}
}

// Reset clears the cache between events.
func (r *Results) Reset() {
	for i := range r.States {
		r.States[i] = NotComputed
		r.Transformed[i] = nil
	}
}

// Tracker is one compiled atom matcher, simple or combinational.
type Tracker interface {
	ID() int64
	Index() int
	Hash() uint64
	// Evaluate computes this matcher's state for the event into res,
	// evaluating children first where needed.
	Evaluate(e *event.LogEvent, all []Tracker, res *Results)
	// CollectTags adds the atom tags this matcher can match.
	CollectTags(tags map[int32]struct{})
}

// SimpleTracker evaluates a simple atom matcher.
type SimpleTracker struct {
	id    int64
	index int
	hash  uint64
	cfg   *config.SimpleAtomMatcher
	uids  *uidmap.Map
}

// NewSimpleTracker compiles a simple matcher.
func NewSimpleTracker(id int64, index int, hash uint64, cfg *config.SimpleAtomMatcher,
	uids *uidmap.Map) *SimpleTracker {
	return &SimpleTracker{id: id, index: index, hash: hash, cfg: cfg, uids: uids}
}

func (t *SimpleTracker) ID() int64    { return t.id }
func (t *SimpleTracker) Index() int   { return t.index }
func (t *SimpleTracker) Hash() uint64 { return t.hash }

func (t *SimpleTracker) CollectTags(tags map[int32]struct{}) {
	tags[t.cfg.AtomID] = struct{}{}
}

func (t *SimpleTracker) Evaluate(e *event.LogEvent, _ []Tracker, res *Results) {
	if res.States[t.index] != NotComputed {
		return
	}
	result := MatchesSimple(t.uids, t.cfg, e)
	if result.Matched {
		res.States[t.index] = Matched
	} else {
		res.States[t.index] = NotMatched
	}
	res.Transformed[t.index] = result.TransformedEvent
}

// CombinationTracker combines child matcher results.
type CombinationTracker struct {
	id       int64
	index    int
	hash     uint64
	op       config.LogicalOperation
	children []int
}

// NewCombinationTracker compiles a combinational matcher; children are
// indices into the tracker table.
func NewCombinationTracker(id int64, index int, hash uint64, op config.LogicalOperation,
	children []int) *CombinationTracker {
	return &CombinationTracker{id: id, index: index, hash: hash, op: op, children: children}
}

func (t *CombinationTracker) ID() int64    { return t.id }
func (t *CombinationTracker) Index() int   { return t.index }
func (t *CombinationTracker) Hash() uint64 { return t.hash }

func (t *CombinationTracker) CollectTags(tags map[int32]struct{}) {
	// Tags are collected transitively at build time through BuildTable.
}

func (t *CombinationTracker) Evaluate(e *event.LogEvent, all []Tracker, res *Results) {
	if res.States[t.index] != NotComputed {
		return
	}
	for _, c := range t.children {
		all[c].Evaluate(e, all, res)
	}
	if CombinationMatch(t.children, t.op, res.States) {
		res.States[t.index] = Matched
	} else {
		res.States[t.index] = NotMatched
	}
}

// Table is the compiled matcher arena for one configuration: trackers in
// declaration order plus an id index.
type Table struct {
	Trackers []Tracker
	IDToIdx  map[int64]int
	// Tags any simple matcher in the table can match.
	RelevantTags map[int32]struct{}
}

// BuildTable compiles the matchers of a config. The config is assumed
// validated: ids resolve and combinations are acyclic.
func BuildTable(cfg *config.Config, uids *uidmap.Map, logger *zap.Logger) (*Table, error) {
	table := &Table{
		IDToIdx:      make(map[int64]int, len(cfg.AtomMatchers)),
		RelevantTags: make(map[int32]struct{}),
	}
	for i := range cfg.AtomMatchers {
		table.IDToIdx[cfg.AtomMatchers[i].ID] = i
	}

	for i := range cfg.AtomMatchers {
		am := &cfg.AtomMatchers[i]
		hash, err := cfg.MatcherHash(am)
		if err != nil {
			return nil, fmt.Errorf("failed to hash matcher %d: %w", am.ID, err)
		}
		switch {
		case am.Simple != nil:
			table.Trackers = append(table.Trackers,
				NewSimpleTracker(am.ID, i, hash, am.Simple, uids))
			table.RelevantTags[am.Simple.AtomID] = struct{}{}
		case am.Combination != nil:
			children := make([]int, 0, len(am.Combination.Matchers))
			for _, childID := range am.Combination.Matchers {
				children = append(children, table.IDToIdx[childID])
			}
			table.Trackers = append(table.Trackers,
				NewCombinationTracker(am.ID, i, hash, am.Combination.Operation, children))
		}
	}

	logger.Debug("compiled matcher table",
		zap.Int("matchers", len(table.Trackers)),
		zap.Int("relevant_tags", len(table.RelevantTags)))
	return table, nil
}

// OnLogEvent evaluates every matcher against the event, filling the
// result cache.
func (t *Table) OnLogEvent(e *event.LogEvent, res *Results) {
	res.Reset()
	for _, tr := range t.Trackers {
		tr.Evaluate(e, t.Trackers, res)
	}
}
