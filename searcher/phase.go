package searcher

import "soundshift/vocab"

// ActionPhase marks which sub-selection a mini node commits next. The
// initial tree-node selection precedes Before and is not represented.
type ActionPhase int

const (
	Before ActionPhase = iota // replacement symbol
	After                     // immediate left context
	Pre                       // distant left context
	DPre                      // immediate right context
	Post                      // distant right context
	SpecialType               // special change type; committed at the transition node
)

func (ap ActionPhase) String() string {
	switch ap {
	case Before:
		return "BEFORE"
	case After:
		return "AFTER"
	case Pre:
		return "PRE"
	case DPre:
		return "D_PRE"
	case Post:
		return "POST"
	case SpecialType:
		return "SPECIAL_TYPE"
	}
	return "UNKNOWN"
}

// next returns the phase that follows ap, and false once the chain is
// complete and the next node is a tree node.
func (ap ActionPhase) next() (ActionPhase, bool) {
	if ap >= SpecialType {
		return 0, false
	}
	return ap + 1, true
}

// SpecialChange enumerates the special change types selectable in the
// SPECIAL_TYPE phase. Their ids double as permissible chars on the
// transition node.
const (
	SpecialPlain vocab.Symbol = iota + 1 // substitute in place
	SpecialDelete
	SpecialInsertLeft
	SpecialInsertRight
)

// specialChanges lists every special change type in selection order.
var specialChanges = []vocab.Symbol{SpecialPlain, SpecialDelete, SpecialInsertLeft, SpecialInsertRight}
