package searcher

import (
	"fmt"
	"math"
	"sync"

	"golang.org/x/exp/rand"

	"soundshift/vocab"
)

// Node is implemented by every node kind in the search graph.
type Node interface {
	Base() *BaseNode
	IsTransitional() bool
	IsTreeNode() bool
}

// BaseNode carries the fields and statistics shared by every node kind.
// Each node owns one mutex; operations hold at most one node's mutex at a
// time, so there is no lock nesting anywhere in the searcher.
type BaseNode struct {
	mu sync.Mutex

	Stopped    bool
	persistent bool

	permissibleChars []vocab.Symbol
	affected         []Affected
	children         []Node

	// Back-edges for pruning propagation and subtree clearing. Sizes are
	// frozen per parent after that parent's expansion; indices stay valid.
	parents       []Node
	parentIndices []int

	priors       []float64
	pruned       []bool
	actionCounts []int
	totalValues  []float64
	maxValues    []float64

	visitCount  int
	maxIndex    int
	maxValue    float64
	numUnpruned int

	played bool

	// Not read or written anywhere; subtree clearing tracks reachability
	// through the parent back-edges instead.
	visited bool
}

func (n *BaseNode) Base() *BaseNode { return n }

// IsExpanded reports whether the action space has populated this node.
func (n *BaseNode) IsExpanded() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.permissibleChars) > 0
}

// IsEvaluated reports whether priors have been attached.
func (n *BaseNode) IsEvaluated() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.priors) > 0
}

// NumActions returns the number of permissible sub-actions.
func (n *BaseNode) NumActions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.permissibleChars)
}

// VisitCount returns the current visit count, virtual-loss inflations
// included.
func (n *BaseNode) VisitCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.visitCount
}

// ActionCounts returns a copy of the per-action visit counts.
func (n *BaseNode) ActionCounts() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]int, len(n.actionCounts))
	copy(out, n.actionCounts)
	return out
}

// Actions returns a copy of the permissible sub-actions.
func (n *BaseNode) Actions() []vocab.Symbol {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]vocab.Symbol, len(n.permissibleChars))
	copy(out, n.permissibleChars)
	return out
}

// AffectedAt returns the sites touched by the sub-action at index.
func (n *BaseNode) AffectedAt(index int) (Affected, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if index < 0 || index >= len(n.affected) {
		return nil, fmt.Errorf("%w: %d of %d", ErrOutOfBounds, index, len(n.affected))
	}
	return n.affected[index], nil
}

// ActionIndex finds the index of a sub-action symbol.
func (n *BaseNode) ActionIndex(char vocab.Symbol) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, c := range n.permissibleChars {
		if c == char {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: char %d", ErrUnexploredEdge, char)
}

// Child returns the child at index, which may be nil if the edge has not
// been connected yet.
func (n *BaseNode) Child(index int) (Node, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if index < 0 || index >= len(n.children) {
		return nil, fmt.Errorf("%w: %d of %d", ErrOutOfBounds, index, len(n.children))
	}
	return n.children[index], nil
}

// Edge returns the connected child for a sub-action symbol.
func (n *BaseNode) Edge(char vocab.Symbol) (Node, error) {
	index, err := n.ActionIndex(char)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.children[index] == nil {
		return nil, fmt.Errorf("%w: char %d", ErrUnexploredEdge, char)
	}
	return n.children[index], nil
}

// IsPersistent reports whether the node is exempt from subtree clearing.
func (n *BaseNode) IsPersistent() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.persistent
}

// MakePersistent exempts the node from subtree clearing.
func (n *BaseNode) MakePersistent() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.persistent = true
}

// setActions installs the permissible sub-actions and resets every
// per-child array. Expansion entry point; called once per node.
func (n *BaseNode) setActions(chars []vocab.Symbol, affected []Affected) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.permissibleChars) > 0 {
		return
	}
	n.permissibleChars = chars
	n.affected = affected

	size := len(chars)
	n.children = make([]Node, size)
	n.pruned = make([]bool, size)
	n.actionCounts = make([]int, size)
	n.totalValues = make([]float64, size)
	n.maxValues = make([]float64, size)
	for i := range n.maxValues {
		n.maxValues[i] = noValue
	}
	n.numUnpruned = size
	n.visitCount = 0
	n.maxIndex = -1
	n.maxValue = noValue
}

// setPriors attaches normalized priors. Idempotent.
func (n *BaseNode) setPriors(priors []float64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.permissibleChars) == 0 {
		panic("searcher: attaching priors to an unexpanded node")
	}
	if len(n.priors) > 0 {
		return
	}
	n.priors = priors
}

// scores computes the PUCT + heuristic + noise score per sub-action.
// Caller must hold n.mu.
func (n *BaseNode) scores(puctC, heurC float64, addNoise bool) []float64 {
	if len(n.permissibleChars) == 0 || len(n.priors) == 0 {
		panic("searcher: scoring an unexpanded or unevaluated node")
	}

	sqrtN := math.Sqrt(float64(n.visitCount))
	scores := make([]float64, len(n.priors))
	for i, p := range n.priors {
		if n.pruned[i] {
			scores[i] = prunedScore
			continue
		}
		nsa := float64(n.actionCounts[i])
		q := n.totalValues[i] / (nsa + 1e-8)
		u := puctC * p * sqrtN / (1 + nsa)
		h := heurC * math.Sqrt(float64(len(n.affected[i]))) / (1 + nsa)
		noise := 0.0
		if addNoise {
			noise = rand.Float64() * 1e-8
		}
		scores[i] = q + u + h + noise
	}
	return scores
}

// Scores is the locked variant of scores, for callers outside selection.
func (n *BaseNode) Scores(puctC, heurC float64, addNoise bool) []float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.scores(puctC, heurC, addNoise)
}

// BestSubaction returns the argmax sub-action under the current scores.
// Ties resolve to the first index.
func (n *BaseNode) BestSubaction(puctC, heurC float64, addNoise bool) ChosenChar {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bestSubaction(puctC, heurC, addNoise)
}

func (n *BaseNode) bestSubaction(puctC, heurC float64, addNoise bool) ChosenChar {
	scores := n.scores(puctC, heurC, addNoise)
	best := 0
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
	}
	return ChosenChar{Index: best, Char: n.permissibleChars[best]}
}

// SelectSubaction picks the best sub-action and applies virtual loss in
// one critical section, biasing concurrent selectors off this path.
func (n *BaseNode) SelectSubaction(puctC, heurC float64, addNoise bool, gameCount int, virtualLoss float64) ChosenChar {
	n.mu.Lock()
	defer n.mu.Unlock()

	chosen := n.bestSubaction(puctC, heurC, addNoise)
	n.virtualSelect(chosen.Index, gameCount, virtualLoss)
	return chosen
}

// VirtualSelect applies the virtual-loss inflation for one traversal.
func (n *BaseNode) VirtualSelect(index, gameCount int, virtualLoss float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.virtualSelect(index, gameCount, virtualLoss)
}

func (n *BaseNode) virtualSelect(index, gameCount int, virtualLoss float64) {
	n.actionCounts[index] += gameCount
	n.totalValues[index] -= float64(gameCount) * virtualLoss
	n.visitCount += gameCount
}

// Backup reverses one virtual-loss inflation and adds the true value,
// leaving a net single visit. Also maintains the max-value statistics.
func (n *BaseNode) Backup(index int, value float64, gameCount int, virtualLoss float64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.actionCounts[index] -= gameCount - 1
	if n.actionCounts[index] < 1 {
		panic(fmt.Sprintf("searcher: action count %d at index %d after backup; virtual-select/backup mismatch",
			n.actionCounts[index], index))
	}
	if value > n.maxValue {
		n.maxValue = value
		n.maxIndex = index
	}
	if value > n.maxValues[index] {
		n.maxValues[index] = value
	}
	n.totalValues[index] += float64(gameCount)*virtualLoss + value
	n.visitCount -= gameCount - 1
}

// Prune marks the sub-action at index ineligible. Idempotent. If no
// unpruned sub-action remains the node prunes itself and propagates to
// every parent, one lock at a time.
func (n *BaseNode) Prune(index int) {
	n.mu.Lock()
	if !n.pruned[index] {
		n.pruned[index] = true
		n.numUnpruned--
	}
	fully := n.numUnpruned == 0
	n.mu.Unlock()

	if fully {
		n.PruneAll()
	}
}

// PruneAll marks every sub-action pruned and propagates to all parents.
func (n *BaseNode) PruneAll() {
	n.mu.Lock()
	n.numUnpruned = 0
	for i := range n.pruned {
		n.pruned[i] = true
	}
	parents := make([]Node, len(n.parents))
	copy(parents, n.parents)
	indices := make([]int, len(n.parentIndices))
	copy(indices, n.parentIndices)
	n.mu.Unlock()

	for i, parent := range parents {
		parent.Base().Prune(indices[i])
	}
}

// IsPruned reports whether every sub-action is pruned.
func (n *BaseNode) IsPruned() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.numUnpruned == 0
}

// NumUnpruned returns the count of still-eligible sub-actions.
func (n *BaseNode) NumUnpruned() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.numUnpruned
}

// MaxIndex returns the index of the best observed return, or -1.
func (n *BaseNode) MaxIndex() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.maxIndex
}

// MaxValue returns the best observed return through this node.
func (n *BaseNode) MaxValue() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.maxValue
}

// MostVisitedIndex returns the index with the highest action count.
func (n *BaseNode) MostVisitedIndex() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	best := 0
	for i, c := range n.actionCounts {
		if c > n.actionCounts[best] {
			best = i
		}
	}
	return best
}

// connect installs child at the edge slot, recording the back-edge. The
// child's mutex guards its parent arrays; the parent slot is written
// under the parent's mutex. No edge is connected twice.
func connect(parent Node, index int, child Node) {
	pb := parent.Base()
	pb.mu.Lock()
	if pb.children[index] != nil {
		pb.mu.Unlock()
		return
	}
	pb.children[index] = child
	pb.mu.Unlock()

	cb := child.Base()
	cb.mu.Lock()
	cb.parents = append(cb.parents, parent)
	cb.parentIndices = append(cb.parentIndices, index)
	cb.mu.Unlock()
}

// childAt reads the edge slot without error surface; selection internals.
func (n *BaseNode) childAt(index int) Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.children[index]
}

// disconnect unlinks the node from all parents and children. Used only
// during subtree clearing, which runs single-threaded.
func disconnect(node Node) {
	nb := node.Base()
	for i, parent := range nb.parents {
		pb := parent.Base()
		pb.children[nb.parentIndices[i]] = nil
	}
	nb.parents = nil
	nb.parentIndices = nil

	for i, child := range nb.children {
		if child == nil {
			continue
		}
		cb := child.Base()
		for j, p := range cb.parents {
			if p.Base() == nb {
				cb.parents = append(cb.parents[:j], cb.parents[j+1:]...)
				cb.parentIndices = append(cb.parentIndices[:j], cb.parentIndices[j+1:]...)
				break
			}
		}
		nb.children[i] = nil
	}
}

// playMini descends one edge greedily by best observed return. The
// played latch is one-shot per node.
func (n *BaseNode) playMini() (Node, ChosenChar) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.maxIndex == -1 {
		panic("searcher: playing a node with no backed-up value")
	}
	index := n.maxIndex
	n.played = true
	return n.children[index], ChosenChar{Index: index, Char: n.permissibleChars[index]}
}

// playMiniMostVisited is the conventional play policy, selectable via
// WithPlayMostVisited.
func (n *BaseNode) playMiniMostVisited() (Node, ChosenChar) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.visitCount == 0 {
		panic("searcher: playing a node with no visits")
	}
	index := 0
	for i, c := range n.actionCounts {
		if c > n.actionCounts[index] {
			index = i
		}
	}
	n.played = true
	return n.children[index], ChosenChar{Index: index, Char: n.permissibleChars[index]}
}
