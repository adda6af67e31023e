package searcher

import (
	"soundshift/vocab"
)

// TreeNode is a full-state node: a canonical vocabulary state plus the
// evaluator caches that seed priors for its own selection and for the
// mini nodes hanging off it.
type TreeNode struct {
	BaseNode

	Words vocab.State
	Depth int
	Dist  float64
	Done  bool

	metaPriors    [NumMetaRows][]float64
	specialPriors []float64
}

func newTreeNode(words vocab.State, depth int, stopped, persistent bool) *TreeNode {
	tn := &TreeNode{
		Words: words,
		Depth: depth,
	}
	tn.Stopped = stopped
	tn.persistent = persistent
	tn.Dist = words.Dist()
	tn.Done = tn.Dist == 0
	return tn
}

func (tn *TreeNode) IsTransitional() bool { return false }
func (tn *TreeNode) IsTreeNode() bool     { return true }

// IsLeaf reports whether the node still awaits expansion and evaluation.
func (tn *TreeNode) IsLeaf() bool {
	return !tn.IsEvaluated()
}

// IDSeq returns the symbol sequence of the word at the given order.
func (tn *TreeNode) IDSeq(order int) vocab.IdSeq {
	return tn.Words[order].IDs
}

// Size returns the number of words in the state.
func (tn *TreeNode) Size() int {
	return len(tn.Words)
}

// Evaluate caches the evaluator's prior rows and attaches this node's own
// priors from row zero. Idempotent once evaluated.
func (tn *TreeNode) Evaluate(metaPriors [NumMetaRows][]float64, specialPriors []float64) {
	if !tn.IsExpanded() {
		panic("searcher: evaluating an unexpanded tree node")
	}
	if tn.IsEvaluated() {
		return
	}
	tn.mu.Lock()
	tn.metaPriors = metaPriors
	tn.specialPriors = specialPriors
	chars := tn.permissibleChars
	tn.mu.Unlock()

	tn.setPriors(gatherPriors(metaPriors[0], chars))
}

// AddNoise mixes external noise into the cached priors and re-gathers
// this node's own priors. Root-only, applied before deeper selection.
func (tn *TreeNode) AddNoise(metaNoise [NumMetaRows][]float64, specialNoise []float64, ratio float64) {
	tn.mu.Lock()
	for i := range tn.metaPriors {
		for j := range tn.metaPriors[i] {
			tn.metaPriors[i][j] = tn.metaPriors[i][j]*(1-ratio) + metaNoise[i][j]*ratio
		}
	}
	for j := range tn.specialPriors {
		tn.specialPriors[j] = tn.specialPriors[j]*(1-ratio) + specialNoise[j]*ratio
	}
	chars := tn.permissibleChars
	tn.priors = gatherPriors(tn.metaPriors[0], chars)
	tn.mu.Unlock()
}

// priorsFor gathers and normalizes priors for a mini node in the given
// phase, conditioned on this node's cached evaluation.
func (tn *TreeNode) priorsFor(ap ActionPhase, chars []vocab.Symbol) []float64 {
	tn.mu.Lock()
	defer tn.mu.Unlock()

	if ap == SpecialType {
		return gatherSpecialPriors(tn.specialPriors, chars)
	}
	return gatherPriors(tn.metaPriors[int(ap)+1], chars)
}

// MiniNode is a partial-action node: the commitment to the first k
// sub-selections of one composite action, 1 <= k < 7.
type MiniNode struct {
	BaseNode

	Tree *TreeNode // owning full-state node
	AP   ActionPhase

	// Sub-selections committed on the chain from Tree down to this node,
	// ending with the choice that created it.
	chosen []ChosenChar
	// Sites still matching the committed sub-selections.
	sites Affected
}

func newMiniNode(tree *TreeNode, ap ActionPhase, chosen []ChosenChar, sites Affected, stopped bool) *MiniNode {
	mn := &MiniNode{
		Tree:   tree,
		AP:     ap,
		chosen: chosen,
		sites:  sites,
	}
	mn.Stopped = stopped
	return mn
}

func (mn *MiniNode) IsTransitional() bool { return false }
func (mn *MiniNode) IsTreeNode() bool     { return false }

// Evaluate attaches priors gathered from the owning tree node's cache.
func (mn *MiniNode) Evaluate() {
	if !mn.IsExpanded() {
		panic("searcher: evaluating an unexpanded mini node")
	}
	if mn.IsEvaluated() {
		return
	}
	mn.setPriors(mn.Tree.priorsFor(mn.AP, mn.Actions()))
}

// TransitionNode is the sixth and last mini node on the chain. Its
// children are tree nodes and its edges carry rewards.
type TransitionNode struct {
	MiniNode

	rewards []float64
}

func newTransitionNode(tree *TreeNode, chosen []ChosenChar, sites Affected, stopped bool) *TransitionNode {
	trn := &TransitionNode{}
	trn.Tree = tree
	trn.AP = SpecialType
	trn.chosen = chosen
	trn.sites = sites
	trn.Stopped = stopped
	return trn
}

func (trn *TransitionNode) IsTransitional() bool { return true }

// initRewards sizes the reward slots; called at expansion.
func (trn *TransitionNode) initRewards() {
	trn.mu.Lock()
	defer trn.mu.Unlock()
	trn.rewards = make([]float64, len(trn.permissibleChars))
}

// RewardAt returns the reward on the edge at index.
func (trn *TransitionNode) RewardAt(index int) float64 {
	trn.mu.Lock()
	defer trn.mu.Unlock()
	return trn.rewards[index]
}

func (trn *TransitionNode) setReward(index int, reward float64) {
	trn.mu.Lock()
	defer trn.mu.Unlock()
	trn.rewards[index] = reward
}

// Subpath records one committed composite action: seven sub-selections
// and the six mini nodes they pass through.
type Subpath struct {
	ChosenSeq   [7]ChosenChar
	MiniNodeSeq [6]*MiniNode
	Stopped     bool
}

// gatherPriors picks the prior mass at each permissible char and
// normalizes to sum one. Pseudo-symbols (None, Stop) have no slot in the
// evaluator's row and fall back to the row's mean mass so they stay
// selectable without dominating.
func gatherPriors(full []float64, chars []vocab.Symbol) []float64 {
	out := make([]float64, len(chars))
	for i, c := range chars {
		if c >= 0 && int(c) < len(full) {
			out[i] = full[c]
		} else {
			out[i] = meanMass(full)
		}
	}
	normalize(out)
	return out
}

// gatherSpecialPriors indexes the special prior row by special change id.
func gatherSpecialPriors(special []float64, chars []vocab.Symbol) []float64 {
	out := make([]float64, len(chars))
	for i, c := range chars {
		idx := int(c) - 1
		if idx >= 0 && idx < len(special) {
			out[i] = special[idx]
		} else {
			out[i] = meanMass(special)
		}
	}
	normalize(out)
	return out
}

func meanMass(row []float64) float64 {
	if len(row) == 0 {
		return 1.0
	}
	sum := 0.0
	for _, p := range row {
		sum += p
	}
	return sum / float64(len(row))
}

func normalize(priors []float64) {
	sum := 1e-8
	for _, p := range priors {
		sum += p
	}
	for i := range priors {
		priors[i] /= sum
	}
}
