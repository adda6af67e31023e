package searcher

import (
	"errors"

	"soundshift/vocab"
)

// Action-level pseudo-symbols. They live outside the alphabet proper:
// None relaxes a context slot, Stop terminates the search on a branch.
const (
	None vocab.Symbol = -1
	Stop vocab.Symbol = -2
)

// Score assigned to pruned sub-actions so they lose every comparison.
const prunedScore = -9999.9

// Initial max value, below any reachable return.
const noValue = -9999.9

// ChosenChar is one committed sub-selection: the index into the node's
// permissible chars and the symbol at that index.
type ChosenChar struct {
	Index int
	Char  vocab.Symbol
}

// Site is one (word order, position) pair touched by a sub-action.
type Site struct {
	Order int
	Pos   int
}

// Affected lists the sites one sub-action touches.
type Affected []Site

// Caller-visible errors. Programmer errors panic instead (see node.go).
var (
	ErrOutOfBounds    = errors.New("action index out of bounds")
	ErrUnexploredEdge = errors.New("edge has not been explored")
)

// NumMetaRows is the number of meta prior rows the evaluator returns:
// row 0 drives the tree node's own selection, rows 1..5 the BEFORE..POST
// mini phases. The last row is accepted for wire compatibility and
// ignored; the SPECIAL_TYPE phase draws from the special priors instead.
const NumMetaRows = 7

// Evaluation is the external evaluator's verdict on one tree node: a
// prior row per composite-action slot, priors over special change types,
// and a scalar state value.
type Evaluation struct {
	MetaPriors    [NumMetaRows][]float64
	SpecialPriors []float64
	Value         float64
}

// Evaluator supplies priors and values for freshly expanded tree nodes.
// The driver calls it synchronously with an ordered batch between
// selection and backup.
type Evaluator interface {
	EvaluateBatch(nodes []*TreeNode) []Evaluation
}
