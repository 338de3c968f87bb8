package config

import (
	"regexp"
)

// Validate checks the configuration for structural errors: duplicate or
// dangling ids, combination cycles, matcher position misuse, inconsistent
// state links. A failing config is rejected whole.
func (c *Config) Validate() error {
	matcherIdx := make(map[int64]int, len(c.AtomMatchers))
	for i := range c.AtomMatchers {
		m := &c.AtomMatchers[i]
		if _, dup := matcherIdx[m.ID]; dup {
			return invalidf(ReasonDuplicateID, m.ID, "atom matcher id declared twice")
		}
		matcherIdx[m.ID] = i
	}

	for i := range c.AtomMatchers {
		if err := c.validateMatcher(&c.AtomMatchers[i], matcherIdx); err != nil {
			return err
		}
	}
	if err := detectCycles(len(c.AtomMatchers), func(i int) ([]int64, bool) {
		if comb := c.AtomMatchers[i].Combination; comb != nil {
			return comb.Matchers, true
		}
		return nil, false
	}, func(id int64) (int, bool) {
		i, ok := matcherIdx[id]
		return i, ok
	}, func(i int) int64 {
		return c.AtomMatchers[i].ID
	}); err != nil {
		return err
	}

	predicateIdx := make(map[int64]int, len(c.Predicates))
	for i := range c.Predicates {
		p := &c.Predicates[i]
		if _, dup := predicateIdx[p.ID]; dup {
			return invalidf(ReasonDuplicateID, p.ID, "predicate id declared twice")
		}
		predicateIdx[p.ID] = i
	}
	for i := range c.Predicates {
		if err := c.validatePredicate(&c.Predicates[i], matcherIdx, predicateIdx); err != nil {
			return err
		}
	}
	if err := detectCycles(len(c.Predicates), func(i int) ([]int64, bool) {
		if comb := c.Predicates[i].Combination; comb != nil {
			return comb.Predicates, true
		}
		return nil, false
	}, func(id int64) (int, bool) {
		i, ok := predicateIdx[id]
		return i, ok
	}, func(i int) int64 {
		return c.Predicates[i].ID
	}); err != nil {
		return err
	}

	stateIDs := make(map[int64]struct{}, len(c.States))
	for i := range c.States {
		s := &c.States[i]
		if _, dup := stateIDs[s.ID]; dup {
			return invalidf(ReasonDuplicateID, s.ID, "state id declared twice")
		}
		stateIDs[s.ID] = struct{}{}
	}

	metricIDs := make(map[int64]struct{})
	checkMetric := func(id, what int64, condition *int64, sliceByState []int64, bucketMillis int64, needBucket bool) error {
		if _, dup := metricIDs[id]; dup {
			return invalidf(ReasonDuplicateID, id, "metric id declared twice")
		}
		metricIDs[id] = struct{}{}
		if _, ok := matcherIdx[what]; !ok {
			return invalidf(ReasonDanglingID, id, "metric what refers to unknown matcher %d", what)
		}
		if condition != nil {
			if _, ok := predicateIdx[*condition]; !ok {
				return invalidf(ReasonDanglingID, id, "metric condition refers to unknown predicate %d", *condition)
			}
		}
		for _, sid := range sliceByState {
			if _, ok := stateIDs[sid]; !ok {
				return invalidf(ReasonDanglingID, id, "metric slices by unknown state %d", sid)
			}
		}
		if needBucket && bucketMillis <= 0 {
			return invalidf(ReasonBadBucket, id, "bucket size must be positive, got %d ms", bucketMillis)
		}
		return nil
	}

	for i := range c.CountMetrics {
		m := &c.CountMetrics[i]
		if err := checkMetric(m.ID, m.What, m.Condition, m.SliceByState, m.BucketSizeMillis, true); err != nil {
			return err
		}
	}
	for i := range c.DurationMetrics {
		m := &c.DurationMetrics[i]
		if _, dup := metricIDs[m.ID]; dup {
			return invalidf(ReasonDuplicateID, m.ID, "metric id declared twice")
		}
		metricIDs[m.ID] = struct{}{}
		// The what of a duration metric is a simple predicate whose
		// start/stop matchers bound the intervals.
		pi, ok := predicateIdx[m.What]
		if !ok {
			return invalidf(ReasonDanglingID, m.ID, "duration what refers to unknown predicate %d", m.What)
		}
		if c.Predicates[pi].Simple == nil {
			return invalidf(ReasonDanglingID, m.ID, "duration what %d is not a simple predicate", m.What)
		}
		if m.Condition != nil {
			if _, ok := predicateIdx[*m.Condition]; !ok {
				return invalidf(ReasonDanglingID, m.ID, "metric condition refers to unknown predicate %d", *m.Condition)
			}
		}
		for _, sid := range m.SliceByState {
			if _, ok := stateIDs[sid]; !ok {
				return invalidf(ReasonDanglingID, m.ID, "metric slices by unknown state %d", sid)
			}
		}
		if m.BucketSizeMillis <= 0 {
			return invalidf(ReasonBadBucket, m.ID, "bucket size must be positive, got %d ms", m.BucketSizeMillis)
		}
		switch m.AggregationType {
		case "", AggregateSum, AggregateMax:
		default:
			return invalidf(ReasonBadOperation, m.ID, "unknown aggregation type %q", m.AggregationType)
		}
	}
	for i := range c.ValueMetrics {
		m := &c.ValueMetrics[i]
		if err := checkMetric(m.ID, m.What, m.Condition, m.SliceByState, m.BucketSizeMillis, true); err != nil {
			return err
		}
		for _, agg := range m.AggregationTypes {
			switch agg {
			case ValueSum, ValueMin, ValueMax, ValueAvg:
			default:
				return invalidf(ReasonBadOperation, m.ID, "unknown aggregation type %q", agg)
			}
		}
	}
	for i := range c.GaugeMetrics {
		m := &c.GaugeMetrics[i]
		if err := checkMetric(m.ID, m.What, m.Condition, nil, m.BucketSizeMillis, true); err != nil {
			return err
		}
	}
	for i := range c.EventMetrics {
		m := &c.EventMetrics[i]
		if _, dup := metricIDs[m.ID]; dup {
			return invalidf(ReasonDuplicateID, m.ID, "metric id declared twice")
		}
		metricIDs[m.ID] = struct{}{}
		if _, ok := matcherIdx[m.What]; !ok {
			return invalidf(ReasonDanglingID, m.ID, "metric what refers to unknown matcher %d", m.What)
		}
		if m.Condition != nil {
			if _, ok := predicateIdx[*m.Condition]; !ok {
				return invalidf(ReasonDanglingID, m.ID, "metric condition refers to unknown predicate %d", *m.Condition)
			}
		}
	}

	ruleIDs := make(map[int64]struct{})
	for i := range c.Alerts {
		a := &c.Alerts[i]
		if _, dup := ruleIDs[a.ID]; dup {
			return invalidf(ReasonDuplicateID, a.ID, "alert id declared twice")
		}
		ruleIDs[a.ID] = struct{}{}
		if _, ok := metricIDs[a.MetricID]; !ok {
			return invalidf(ReasonDanglingID, a.ID, "alert watches unknown metric %d", a.MetricID)
		}
		if a.NumBuckets <= 0 {
			return invalidf(ReasonBadAlert, a.ID, "num_buckets must be positive, got %d", a.NumBuckets)
		}
		if _, err := c.AlertHash(a); err != nil {
			return err
		}
	}
	for i := range c.Alarms {
		a := &c.Alarms[i]
		if _, dup := ruleIDs[a.ID]; dup {
			return invalidf(ReasonDuplicateID, a.ID, "alarm id declared twice")
		}
		ruleIDs[a.ID] = struct{}{}
		if a.PeriodMillis <= 0 {
			return invalidf(ReasonBadAlert, a.ID, "alarm period must be positive, got %d ms", a.PeriodMillis)
		}
	}
	for i := range c.Subscriptions {
		s := &c.Subscriptions[i]
		if _, ok := ruleIDs[s.RuleID]; !ok {
			return invalidf(ReasonDanglingID, s.ID, "subscription binds unknown rule %d", s.RuleID)
		}
	}

	return nil
}

func (c *Config) validateMatcher(m *AtomMatcher, matcherIdx map[int64]int) error {
	switch {
	case m.Simple != nil && m.Combination != nil:
		return invalidf(ReasonBadOperation, m.ID, "matcher is both simple and combination")
	case m.Simple != nil:
		for i := range m.Simple.FieldValueMatcher {
			if err := validateFieldValueMatcher(m.ID, &m.Simple.FieldValueMatcher[i]); err != nil {
				return err
			}
		}
	case m.Combination != nil:
		if !m.Combination.Operation.Valid() {
			return invalidf(ReasonBadOperation, m.ID, "unknown operation %q", m.Combination.Operation)
		}
		if m.Combination.Operation == OpNot && len(m.Combination.Matchers) != 1 {
			return invalidf(ReasonBadOperation, m.ID, "NOT takes exactly one child")
		}
		if len(m.Combination.Matchers) == 0 {
			return invalidf(ReasonBadOperation, m.ID, "combination has no children")
		}
		for _, child := range m.Combination.Matchers {
			if _, ok := matcherIdx[child]; !ok {
				return invalidf(ReasonDanglingID, m.ID, "combination refers to unknown matcher %d", child)
			}
		}
	default:
		return invalidf(ReasonBadOperation, m.ID, "matcher is neither simple nor combination")
	}
	return nil
}

func validateFieldValueMatcher(matcherID int64, m *FieldValueMatcher) error {
	if m.ReplaceString != nil {
		if _, err := regexp.Compile(m.ReplaceString.Regex); err != nil {
			return invalidf(ReasonBadRegex, matcherID, "replace_string regex: %v", err)
		}
		if m.MatchesTuple != nil {
			return invalidf(ReasonMatcherPositionMisuse, matcherID,
				"string transform cannot be combined with matches_tuple on the same matcher")
		}
	}
	switch m.Position {
	case PositionAll:
		// ALL exists for string transformation only.
		if m.ReplaceString == nil || m.HasValueMatcher() {
			return invalidf(ReasonMatcherPositionMisuse, matcherID,
				"position ALL requires a string transform and no value test")
		}
	case PositionAny:
		if m.MatchesTuple == nil {
			return invalidf(ReasonMatcherPositionMisuse, matcherID,
				"position ANY requires matches_tuple")
		}
	case PositionNone, PositionFirst, PositionLast:
	default:
		return invalidf(ReasonMatcherPositionMisuse, matcherID, "unknown position %q", m.Position)
	}
	if !m.HasValueMatcher() && m.ReplaceString == nil {
		return invalidf(ReasonMatcherNoValueTest, matcherID,
			"field matcher declares neither a value test nor a transform")
	}
	if m.MatchesTuple != nil {
		for i := range m.MatchesTuple.FieldValueMatcher {
			if err := validateFieldValueMatcher(matcherID, &m.MatchesTuple.FieldValueMatcher[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Config) validatePredicate(p *Predicate, matcherIdx, predicateIdx map[int64]int) error {
	switch {
	case p.Simple != nil && p.Combination != nil:
		return invalidf(ReasonBadOperation, p.ID, "predicate is both simple and combination")
	case p.Simple != nil:
		sp := p.Simple
		for name, ref := range map[string]*int64{"start": sp.Start, "stop": sp.Stop, "stop_all": sp.StopAll} {
			if ref == nil {
				continue
			}
			if _, ok := matcherIdx[*ref]; !ok {
				return invalidf(ReasonDanglingID, p.ID, "%s refers to unknown matcher %d", name, *ref)
			}
		}
		if sp.Start == nil && sp.Stop == nil {
			return invalidf(ReasonBadOperation, p.ID, "simple predicate needs a start or stop matcher")
		}
		if sp.Dimensions != nil && sp.Dimensions.HasPositionAll() {
			return invalidf(ReasonMatcherPositionMisuse, p.ID,
				"predicate dimensions cannot use ANY or ALL positions")
		}
	case p.Combination != nil:
		if !p.Combination.Operation.Valid() {
			return invalidf(ReasonBadOperation, p.ID, "unknown operation %q", p.Combination.Operation)
		}
		if p.Combination.Operation == OpNot && len(p.Combination.Predicates) != 1 {
			return invalidf(ReasonBadOperation, p.ID, "NOT takes exactly one child")
		}
		if len(p.Combination.Predicates) == 0 {
			return invalidf(ReasonBadOperation, p.ID, "combination has no children")
		}
		sliced := 0
		for _, child := range p.Combination.Predicates {
			ci, ok := predicateIdx[child]
			if !ok {
				return invalidf(ReasonDanglingID, p.ID, "combination refers to unknown predicate %d", child)
			}
			if sp := c.Predicates[ci].Simple; sp != nil && sp.Dimensions != nil {
				sliced++
			}
		}
		// Dimension queries recurse into exactly one sliced child.
		if sliced > 1 {
			return invalidf(ReasonMultipleSlicedChildren, p.ID,
				"combination has %d sliced children, at most one allowed", sliced)
		}
	default:
		return invalidf(ReasonBadOperation, p.ID, "predicate is neither simple nor combination")
	}
	return nil
}

// detectCycles walks combination edges depth-first with a three-color
// stack; a back edge is a cycle, an unresolvable id is dangling.
func detectCycles(n int, children func(int) ([]int64, bool), resolve func(int64) (int, bool),
	idOf func(int) int64) error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make([]uint8, n)

	var visit func(i int) error
	visit = func(i int) error {
		switch color[i] {
		case grey:
			return invalidf(ReasonCycle, idOf(i), "combination cycle detected")
		case black:
			return nil
		}
		color[i] = grey
		if kids, ok := children(i); ok {
			for _, id := range kids {
				ci, ok := resolve(id)
				if !ok {
					return invalidf(ReasonDanglingID, idOf(i), "refers to unknown id %d", id)
				}
				if err := visit(ci); err != nil {
					return err
				}
			}
		}
		color[i] = black
		return nil
	}

	for i := 0; i < n; i++ {
		if err := visit(i); err != nil {
			return err
		}
	}
	return nil
}
