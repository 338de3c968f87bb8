// Package condition tracks time-varying booleans derived from matcher
// streams: simple start/stop/stop-all state machines and combinational
// composites, with optional per-dimension slicing.
package condition

import "github.com/yairfalse/strata/pkg/config"

// State is the three-valued condition result.
type State int8

const (
	NotEvaluated State = -2
	Unknown      State = -1
	False        State = 0
	True         State = 1
)

// String names the state for logs.
func (s State) String() string {
	switch s {
	case NotEvaluated:
		return "not-evaluated"
	case Unknown:
		return "unknown"
	case False:
		return "false"
	case True:
		return "true"
	default:
		return "invalid"
	}
}

// Or merges two states, preferring the more determined one. Mirrors the
// lattice NotEvaluated < Unknown < False < True used when folding sliced
// entries into an overall answer.
func (s State) Or(other State) State {
	if other > s {
		return other
	}
	return s
}

// Combine folds child states through a logical operation using
// three-valued logic: unknown propagates unless the operation is already
// decided.
func Combine(op config.LogicalOperation, children []State) State {
	switch op {
	case config.OpAnd:
		result := True
		for _, c := range children {
			if c == False {
				return False
			}
			if c == Unknown || c == NotEvaluated {
				result = Unknown
			}
		}
		return result
	case config.OpOr:
		result := False
		for _, c := range children {
			if c == True {
				return True
			}
			if c == Unknown || c == NotEvaluated {
				result = Unknown
			}
		}
		return result
	case config.OpNot:
		switch children[0] {
		case True:
			return False
		case False:
			return True
		default:
			return Unknown
		}
	case config.OpNand:
		return Combine(config.OpNot, []State{Combine(config.OpAnd, children)})
	case config.OpNor:
		return Combine(config.OpNot, []State{Combine(config.OpOr, children)})
	default:
		return Unknown
	}
}

// FromConfig converts a declared initial value.
func FromConfig(v config.ConditionState) State {
	switch v {
	case config.ConditionFalse:
		return False
	case config.ConditionTrue:
		return True
	default:
		return Unknown
	}
}
