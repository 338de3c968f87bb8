package config

import (
	"github.com/yairfalse/strata/pkg/event"
)

// LeafMatchers flattens a dimension spec into leaf field matchers. The
// root's Field is the atom id; each child occupies one lane, a declared
// position occupies the next lane, and grandchildren the one after.
func (fm *FieldMatcher) LeafMatchers() []event.Matcher {
	if fm == nil {
		return nil
	}
	atomID := int32(fm.Field)
	var out []event.Matcher
	var pos, msk [event.MaxDepth + 1]uint32

	var walk func(node *FieldMatcher, depth uint32)
	walk = func(node *FieldMatcher, depth uint32) {
		if depth > event.MaxDepth {
			return
		}
		pos[depth] = node.Field & event.ClearLastBitDeco
		msk[depth] = 0x7f
		if node.Position != PositionNone && len(node.Children) > 0 && depth+2 <= event.MaxDepth {
			switch node.Position {
			case PositionFirst:
				pos[depth+1], msk[depth+1] = 1, 0x7f
			case PositionLast:
				pos[depth+1], msk[depth+1] = event.LastBitMask, event.LastBitMask
			case PositionAll:
				pos[depth+1], msk[depth+1] = 0, 0x7f
			case PositionAny:
				pos[depth+1], msk[depth+1] = 0, 0
			}
			for i := range node.Children {
				walk(&node.Children[i], depth+2)
			}
			pos[depth+1], msk[depth+1] = 0, 0
		} else {
			field := event.Field{Tag: atomID, Word: event.EncodeField(pos[:], depth, true)}
			mask := event.EncodeMatcherMask(msk[:], depth)
			out = append(out, event.NewMatcher(field, mask))
		}
		pos[depth], msk[depth] = 0, 0
	}

	for i := range fm.Children {
		walk(&fm.Children[i], 0)
	}
	return out
}

// HasPositionAll reports whether any node of the spec uses the ALL or ANY
// position; conditions cannot be sliced by such specs.
func (fm *FieldMatcher) HasPositionAll() bool {
	if fm == nil {
		return false
	}
	if fm.Position == PositionAll || fm.Position == PositionAny {
		return true
	}
	for i := range fm.Children {
		if fm.Children[i].HasPositionAll() {
			return true
		}
	}
	return false
}
