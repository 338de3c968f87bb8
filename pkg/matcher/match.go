// Package matcher evaluates declarative atom matchers against log
// events: simple matchers descend the event's sorted value vector by
// encoded field path, combinational matchers combine child results.
package matcher

import (
	"path"
	"regexp"

	"github.com/yairfalse/strata/pkg/config"
	"github.com/yairfalse/strata/pkg/event"
	"github.com/yairfalse/strata/pkg/uidmap"
)

// MatchingState is the cached per-dispatch result of one matcher.
type MatchingState int8

const (
	NotComputed MatchingState = iota
	Matched
	NotMatched
)

// MatchResult pairs the outcome with the lazily built transformed event,
// when a string transformation fired.
type MatchResult struct {
	Matched          bool
	TransformedEvent *event.LogEvent
}

// CombinationMatch folds child matcher states through a logical
// operation, short-circuiting where the operation allows.
func CombinationMatch(children []int, op config.LogicalOperation, results []MatchingState) bool {
	switch op {
	case config.OpAnd:
		for _, c := range children {
			if results[c] != Matched {
				return false
			}
		}
		return true
	case config.OpOr:
		for _, c := range children {
			if results[c] == Matched {
				return true
			}
		}
		return false
	case config.OpNot:
		return results[children[0]] == NotMatched
	case config.OpNand:
		for _, c := range children {
			if results[c] != Matched {
				return true
			}
		}
		return false
	case config.OpNor:
		for _, c := range children {
			if results[c] == Matched {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// tryMatchString compares a field value against a literal. Fields
// annotated as uid carriers resolve through the uid map first.
func tryMatchString(uids *uidmap.Map, fv event.FieldValue, want string) bool {
	if fv.IsUIDField() {
		if uids == nil {
			return false
		}
		return uids.HasApp(fv.Value.Int, want)
	}
	if fv.Value.Type == event.TypeString {
		return fv.Value.Str == want
	}
	return false
}

// tryMatchWildcardString is the glob variant of tryMatchString.
func tryMatchWildcardString(uids *uidmap.Map, fv event.FieldValue, pattern string) bool {
	if fv.IsUIDField() {
		if uids == nil {
			return false
		}
		return uids.MatchesWildcard(fv.Value.Int, pattern)
	}
	if fv.Value.Type == event.TypeString {
		ok, err := path.Match(pattern, fv.Value.Str)
		return err == nil && ok
	}
	return false
}

// transformedEvent applies the matcher's regex replacement to the string
// values in [start,end), building a copy of the event on the first value
// that actually changes. Returns nil when nothing changed.
func transformedEvent(m *config.FieldValueMatcher, e *event.LogEvent, start, end int) *event.LogEvent {
	if m.ReplaceString == nil {
		return nil
	}
	re, err := regexp.Compile(m.ReplaceString.Regex)
	if err != nil {
		// Rejected at config install; a compiled tracker never reaches here.
		return nil
	}

	var transformed *event.LogEvent
	for i := start; i < end; i++ {
		src := e
		if transformed != nil {
			src = transformed
		}
		fv := src.Values[i]
		if fv.Value.Type != event.TypeString {
			continue
		}
		replaced := re.ReplaceAllString(fv.Value.Str, m.ReplaceString.Replacement)
		if replaced == fv.Value.Str {
			continue
		}
		if transformed == nil {
			transformed = e.Clone()
		}
		transformed.Values[i].Value.Str = replaced
	}
	return transformed
}

type indexRange struct {
	start, end int
}

// startEndAtDepth narrows [start,end) to the contiguous sub-range whose
// position lane at depth equals targetField. Values are sorted
// depth-first, so the scan can stop at the first larger position.
func startEndAtDepth(targetField uint32, start, end int, depth uint32, values []event.FieldValue) indexRange {
	newStart := -1
	newEnd := end
	for i := start; i < end; i++ {
		pos := values[i].Field.PosAt(depth)
		if pos == targetField {
			if newStart == -1 {
				newStart = i
			}
			newEnd = i + 1
		} else if pos > targetField {
			break
		}
	}
	return indexRange{newStart, newEnd}
}

// computeRanges narrows to the matcher's field and applies its position.
// The result has one range, except for ALL or ANY with a tuple matcher where it
// has one range per sub-tree. Returns the new depth when a position was
// consumed.
func computeRanges(m *config.FieldValueMatcher, values []event.FieldValue, start, end int,
	depth uint32) ([]indexRange, uint32) {
	r := startEndAtDepth(m.Field, start, end, depth, values)
	if r.start == -1 {
		return nil, depth
	}
	start, end = r.start, r.end

	if m.Position == config.PositionNone {
		return []indexRange{{start, end}}, depth
	}

	// A position consumes one path level.
	depth++
	if depth > event.MaxDepth {
		return nil, depth
	}

	var ranges []indexRange
	switch m.Position {
	case config.PositionFirst:
		for i := start; i < end; i++ {
			if values[i].Field.PosAt(depth) != 1 {
				end = i
				break
			}
		}
		ranges = append(ranges, indexRange{start, end})
	case config.PositionLast:
		for i := start; i < end; i++ {
			if values[i].Field.IsLastPos(depth) {
				start = i
				break
			}
		}
		ranges = append(ranges, indexRange{start, end})
	case config.PositionAll, config.PositionAny:
		// ALL transforms every sub-tree; ANY with a tuple splits the
		// range per sub-tree and succeeds if any sub-tree matches.
		if m.MatchesTuple != nil {
			currentPos := values[start].Field.PosAt(depth)
			subStart := start
			for i := start; i < end; i++ {
				if pos := values[i].Field.PosAt(depth); pos != currentPos {
					ranges = append(ranges, indexRange{subStart, i})
					subStart = i
					currentPos = pos
				}
			}
			ranges = append(ranges, indexRange{subStart, end})
		} else {
			ranges = append(ranges, indexRange{start, end})
		}
	}
	return ranges, depth
}

// matchFieldValue evaluates one field-value matcher over [start,end) of
// the event's values at the given depth.
func matchFieldValue(uids *uidmap.Map, m *config.FieldValueMatcher, e *event.LogEvent,
	start, end int, depth uint32) MatchResult {
	if depth > event.MaxDepth || start >= end {
		return MatchResult{}
	}

	ranges, depth := computeRanges(m, e.Values, start, end, depth)
	if len(ranges) == 0 {
		return MatchResult{}
	}
	start, end = ranges[0].start, ranges[0].end

	transformed := transformedEvent(m, e, start, end)
	values := e.Values
	if transformed != nil {
		values = transformed.Values
	}

	if m.MatchesTuple != nil {
		depth++
		matched := false
		for _, r := range ranges {
			rangeMatched := true
			for i := range m.MatchesTuple.FieldValueMatcher {
				sub := &m.MatchesTuple.FieldValueMatcher[i]
				src := e
				if transformed != nil {
					src = transformed
				}
				res := matchFieldValue(uids, sub, src, r.start, r.end, depth)
				if res.TransformedEvent != nil {
					transformed = res.TransformedEvent
				}
				if !res.Matched {
					rangeMatched = false
				}
			}
			matched = matched || rangeMatched
		}
		return MatchResult{Matched: matched, TransformedEvent: transformed}
	}

	// With a trailing ANY position the range spans several values; the
	// matcher succeeds when any of them passes the test.
	match := func(test func(event.FieldValue) bool) MatchResult {
		for i := start; i < end; i++ {
			if test(values[i]) {
				return MatchResult{Matched: true, TransformedEvent: transformed}
			}
		}
		return MatchResult{Matched: false, TransformedEvent: transformed}
	}

	switch {
	case m.EqBool != nil:
		return match(func(fv event.FieldValue) bool {
			b, ok := fv.Value.Bool()
			return ok && b == *m.EqBool
		})
	case m.EqString != nil:
		return match(func(fv event.FieldValue) bool {
			return tryMatchString(uids, fv, *m.EqString)
		})
	case len(m.EqAnyString) > 0:
		return match(func(fv event.FieldValue) bool {
			for _, s := range m.EqAnyString {
				if tryMatchString(uids, fv, s) {
					return true
				}
			}
			return false
		})
	case len(m.NeqAnyString) > 0:
		return match(func(fv event.FieldValue) bool {
			for _, s := range m.NeqAnyString {
				if tryMatchString(uids, fv, s) {
					return false
				}
			}
			return true
		})
	case m.EqWildcardString != nil:
		return match(func(fv event.FieldValue) bool {
			return tryMatchWildcardString(uids, fv, *m.EqWildcardString)
		})
	case len(m.EqAnyWildcardString) > 0:
		return match(func(fv event.FieldValue) bool {
			for _, s := range m.EqAnyWildcardString {
				if tryMatchWildcardString(uids, fv, s) {
					return true
				}
			}
			return false
		})
	case len(m.NeqAnyWildcardString) > 0:
		return match(func(fv event.FieldValue) bool {
			for _, s := range m.NeqAnyWildcardString {
				if tryMatchWildcardString(uids, fv, s) {
					return false
				}
			}
			return true
		})
	case m.EqInt != nil:
		return match(func(fv event.FieldValue) bool {
			return fv.Value.EqualNumeric(*m.EqInt)
		})
	case len(m.EqAnyInt) > 0:
		return match(func(fv event.FieldValue) bool {
			for _, n := range m.EqAnyInt {
				if fv.Value.EqualNumeric(n) {
					return true
				}
			}
			return false
		})
	case len(m.NeqAnyInt) > 0:
		return match(func(fv event.FieldValue) bool {
			numeric := fv.Value.Type == event.TypeInt || fv.Value.Type == event.TypeLong
			if !numeric {
				return false
			}
			for _, n := range m.NeqAnyInt {
				if fv.Value.EqualNumeric(n) {
					return false
				}
			}
			return true
		})
	case m.LtInt != nil:
		return match(func(fv event.FieldValue) bool {
			cmp, ok := fv.Value.CompareNumeric(*m.LtInt)
			return ok && cmp < 0
		})
	case m.GtInt != nil:
		return match(func(fv event.FieldValue) bool {
			cmp, ok := fv.Value.CompareNumeric(*m.GtInt)
			return ok && cmp > 0
		})
	case m.LteInt != nil:
		return match(func(fv event.FieldValue) bool {
			cmp, ok := fv.Value.CompareNumeric(*m.LteInt)
			return ok && cmp <= 0
		})
	case m.GteInt != nil:
		return match(func(fv event.FieldValue) bool {
			cmp, ok := fv.Value.CompareNumeric(*m.GteInt)
			return ok && cmp >= 0
		})
	case m.LtFloat != nil:
		return match(func(fv event.FieldValue) bool {
			return fv.Value.Type == event.TypeFloat && float64(fv.Value.Float) < *m.LtFloat
		})
	case m.GtFloat != nil:
		return match(func(fv event.FieldValue) bool {
			return fv.Value.Type == event.TypeFloat && float64(fv.Value.Float) > *m.GtFloat
		})
	default:
		// A matcher with only a string transform matches whether or not
		// the transform changed the value; config validation guarantees
		// the transform.
		return MatchResult{Matched: true, TransformedEvent: transformed}
	}
}

// MatchesSimple tests a simple atom matcher against an event. A string
// transformation in any field matcher is threaded through so later field
// matchers see the transformed event.
func MatchesSimple(uids *uidmap.Map, m *config.SimpleAtomMatcher, e *event.LogEvent) MatchResult {
	if e.Tag != m.AtomID {
		return MatchResult{}
	}
	var transformed *event.LogEvent
	for i := range m.FieldValueMatcher {
		src := e
		if transformed != nil {
			src = transformed
		}
		res := matchFieldValue(uids, &m.FieldValueMatcher[i], src, 0, len(src.Values), 0)
		if res.TransformedEvent != nil {
			transformed = res.TransformedEvent
		}
		if !res.Matched {
			return MatchResult{Matched: false, TransformedEvent: transformed}
		}
	}
	return MatchResult{Matched: true, TransformedEvent: transformed}
}
