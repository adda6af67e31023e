package searcher

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"soundshift/vocab"
)

// Mcts is one search session. It owns the transposition table and the
// collaborators every simulation shares, and drives batches of parallel
// simulations: select with virtual loss, expand, evaluate, backup.
type Mcts struct {
	space  *ActionSpace
	words  *vocab.WordSpace
	ttable *transpositionTable

	goroutines      int
	depthLimit      int
	puctC           float64
	heurC           float64
	gameCount       int
	virtualLoss     float64
	selectionNoise  bool
	playMostVisited bool
	metrics         Collector

	mu      sync.Mutex
	pending []selection
}

type pathEdge struct {
	node  Node
	index int
}

type selection struct {
	leaf *TreeNode
	path []pathEdge
	// dead marks a simulation that ran into a fully pruned chain; its
	// virtual losses still need reversing but nothing gets expanded.
	dead bool
}

type Option func(*Mcts)

// WithDepthLimit bounds the number of composite actions per simulation.
func WithDepthLimit(depth int) Option {
	return func(m *Mcts) {
		if depth > 0 {
			m.depthLimit = depth
		}
	}
}

// WithPuctC sets the PUCT exploration constant.
func WithPuctC(c float64) Option {
	return func(m *Mcts) {
		m.puctC = c
	}
}

// WithHeurC sets the affected-site heuristic constant.
func WithHeurC(c float64) Option {
	return func(m *Mcts) {
		m.heurC = c
	}
}

// WithGameCount sets the virtual-loss inflation applied per traversal.
func WithGameCount(count int) Option {
	return func(m *Mcts) {
		if count > 0 {
			m.gameCount = count
		}
	}
}

// WithVirtualLoss sets the per-traversal value deflation.
func WithVirtualLoss(loss float64) Option {
	return func(m *Mcts) {
		m.virtualLoss = loss
	}
}

// WithSelectionNoise adds a uniform tie-break jitter to scores.
func WithSelectionNoise() Option {
	return func(m *Mcts) {
		m.selectionNoise = true
	}
}

// WithPlayMostVisited switches Play from best-observed-return to the
// conventional most-visited-child policy.
func WithPlayMostVisited() Option {
	return func(m *Mcts) {
		m.playMostVisited = true
	}
}

// WithMetrics enables counter collection for search rounds.
func WithMetrics() Option {
	return func(m *Mcts) {
		m.metrics = NewCollector()
	}
}

// NewMcts builds a session around an action space. goroutines fixes the
// selection parallelism.
func NewMcts(space *ActionSpace, goroutines int, options ...Option) *Mcts {
	if goroutines <= 0 {
		panic("Must run at least one selection goroutine")
	}
	m := &Mcts{ // Default values
		space:       space,
		words:       space.words,
		ttable:      newTranspositionTable(),
		goroutines:  goroutines,
		depthLimit:  10,
		puctC:       5.0,
		heurC:       1.0,
		gameCount:   1,
		virtualLoss: 1.0,
		metrics:     NewDummyCollector(),
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// NewEndNode interns the target vocabulary as the persistent end node.
// Call before NewStartNode so distances measure against it.
func (m *Mcts) NewEndNode(arr [][]vocab.Symbol, lengths []int) (*TreeNode, error) {
	state, err := vocab.FromPadded(arr, lengths, m.words)
	if err != nil {
		return nil, fmt.Errorf("building end node: %w", err)
	}
	targets := make([]vocab.IdSeq, len(state))
	for i, w := range state {
		targets[i] = w.IDs
	}
	m.words.SetTargets(targets)

	return m.ttable.GetOrInsert(state, func() *TreeNode {
		return newTreeNode(state, endDepth, false, true)
	}), nil
}

// NewStartNode interns the source vocabulary as the persistent root.
func (m *Mcts) NewStartNode(arr [][]vocab.Symbol, lengths []int) (*TreeNode, error) {
	state, err := vocab.FromPadded(arr, lengths, m.words)
	if err != nil {
		return nil, fmt.Errorf("building start node: %w", err)
	}
	node := m.ttable.GetOrInsert(state, func() *TreeNode {
		return newTreeNode(state, 0, false, true)
	})
	node.MakePersistent()
	return node, nil
}

// endDepth marks the end node as outside the depth order.
const endDepth = -1

// NewEnv wires an environment over this session's table and action space.
func (m *Mcts) NewEnv(init, end *TreeNode, finalReward, stepPenalty float64, options ...EnvOption) *Env {
	e := &Env{
		init:        init,
		end:         end,
		finalReward: finalReward,
		stepPenalty: stepPenalty,
		distScale:   1.0,
		space:       m.space,
		ttable:      m.ttable,
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// TableSize returns the number of canonical tree nodes.
func (m *Mcts) TableSize() int {
	return m.ttable.Size()
}

// ParallelSelect runs numSims simulations across the session's
// goroutines and returns one leaf per simulation, in simulation order.
// The traversed paths are held internally until ExpandAndBackup reverses
// their virtual losses.
func (m *Mcts) ParallelSelect(root *TreeNode, env *Env, numSims int) []*TreeNode {
	m.metrics.Start(m.goroutines)

	task := make(chan int, numSims)
	for i := 0; i < numSims; i++ {
		task <- i
	}
	close(task)

	selections := make([]selection, numSims)
	var wg sync.WaitGroup
	for i := 0; i < m.goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for s := range task {
				selections[s] = m.simulate(root, env)
				m.metrics.AddSimulation()
			}
		}()
	}
	wg.Wait()

	m.mu.Lock()
	m.pending = selections
	m.mu.Unlock()

	leaves := make([]*TreeNode, numSims)
	for i, sel := range selections {
		leaves[i] = sel.leaf
	}
	return leaves
}

// simulate runs one selection from root down to an unevaluated,
// terminal, or depth-limited node.
func (m *Mcts) simulate(root *TreeNode, env *Env) selection {
	node := root
	path := []pathEdge{}
	for steps := m.depthLimit; steps > 0; steps-- {
		if node.Done || node.Stopped || node.IsLeaf() {
			break
		}
		next, ok := m.stepOnce(node, env, &path)
		if !ok {
			return selection{leaf: node, path: path, dead: true}
		}
		node = next
	}
	if node.Done || node.Stopped {
		m.metrics.AddTerminal()
	}
	return selection{leaf: node, path: path}
}

// stepOnce descends one full composite action: seven sub-selections with
// virtual loss at each node, materialising mini nodes on the way and a
// tree node at the transition edge. Only one node's mutex is held at a
// time.
func (m *Mcts) stepOnce(tn *TreeNode, env *Env, path *[]pathEdge) (*TreeNode, bool) {
	var cur Node = tn
	for {
		chosen := cur.Base().SelectSubaction(m.puctC, m.heurC, m.selectionNoise, m.gameCount, m.virtualLoss)
		*path = append(*path, pathEdge{node: cur, index: chosen.Index})

		if _, ok := cur.(*TreeNode); ok && chosen.Char == Stop {
			return env.stopNode(tn, chosen.Index), true
		}

		if trn, ok := cur.(*TransitionNode); ok {
			next, reward := env.Step(trn.Tree, m.space.action(trn, chosen))
			connect(trn, chosen.Index, next)
			trn.setReward(chosen.Index, reward)
			return next, true
		}

		child := m.space.childMini(cur, chosen)
		if !m.space.SetActionAllowed(child) {
			log.Debug().Msgf("dead end after phase %v; abandoning simulation", chosen)
			return nil, false
		}
		switch c := child.(type) {
		case *TransitionNode:
			c.Evaluate()
		case *MiniNode:
			c.Evaluate()
		}
		cur = child
	}
}

// ExpandAndBackup expands and evaluates each pending leaf with its
// evaluation (aligned with the leaves ParallelSelect returned), then
// walks every recorded path in reverse, reversing virtual losses and
// adding the outcome value plus the rewards met along the way.
func (m *Mcts) ExpandAndBackup(evals []Evaluation) {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	if len(evals) != len(pending) {
		panic(fmt.Sprintf("searcher: %d evaluations for %d pending simulations", len(evals), len(pending)))
	}

	for i, sel := range pending {
		value := 0.0
		leaf := sel.leaf
		if !sel.dead && !leaf.Done && !leaf.Stopped {
			if m.space.SetActionAllowed(leaf) {
				leaf.Evaluate(evals[i].MetaPriors, evals[i].SpecialPriors)
				value = evals[i].Value
				m.metrics.AddExpansion()
			}
		}
		m.backupPath(sel.path, value)
	}
}

// backupPath reverses the recorded path. Rewards live on transition
// edges and accumulate into the running value as the walk passes them.
func (m *Mcts) backupPath(path []pathEdge, value float64) {
	v := value
	for i := len(path) - 1; i >= 0; i-- {
		e := path[i]
		if trn, ok := e.node.(*TransitionNode); ok {
			v += trn.RewardAt(e.index)
		}
		e.node.Base().Backup(e.index, v, m.gameCount, m.virtualLoss)
	}
}

// Search runs one full round: parallel selection, one evaluator batch,
// expansion and backup. Returns the round's metrics.
func (m *Mcts) Search(root *TreeNode, env *Env, evaluator Evaluator, numSims int) SearchMetrics {
	leaves := m.ParallelSelect(root, env, numSims)
	evals := evaluator.EvaluateBatch(leaves)
	m.ExpandAndBackup(evals)
	return m.metrics.Complete(m.ttable.Size())
}

// Play commits one composite action greedily and returns the reached
// tree node along with the traversed subpath. Every visited node must
// have a backed-up value.
func (m *Mcts) Play(root *TreeNode) (*TreeNode, Subpath) {
	var sp Subpath
	var cur Node = root
	for i := 0; i < 7; i++ {
		var child Node
		var chosen ChosenChar
		if m.playMostVisited {
			child, chosen = cur.Base().playMiniMostVisited()
		} else {
			child, chosen = cur.Base().playMini()
		}
		sp.ChosenSeq[i] = chosen

		if i == 0 && chosen.Char == Stop {
			sp.Stopped = true
			return child.(*TreeNode), sp
		}
		if i < 6 {
			switch c := child.(type) {
			case *TransitionNode:
				sp.MiniNodeSeq[i] = &c.MiniNode
			case *MiniNode:
				sp.MiniNodeSeq[i] = c
			}
		}
		cur = child
	}
	return cur.(*TreeNode), sp
}

// ClearSubtree cuts root's outgoing edges and releases every
// non-persistent node left with no parents, transitively. Canonical
// non-stopped tree nodes are also unlinked from the transposition table.
// Runs single-threaded; do not clear during a selection round.
func (m *Mcts) ClearSubtree(root *TreeNode) int {
	rb := root.Base()
	queue := []Node{}
	for i, child := range rb.children {
		if child == nil {
			continue
		}
		cb := child.Base()
		for j, p := range cb.parents {
			if p.Base() == rb {
				cb.parents = append(cb.parents[:j], cb.parents[j+1:]...)
				cb.parentIndices = append(cb.parentIndices[:j], cb.parentIndices[j+1:]...)
				break
			}
		}
		rb.children[i] = nil
		queue = append(queue, child)
	}

	removed := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		nb := node.Base()
		if nb.persistent || len(nb.parents) > 0 {
			continue
		}
		if tn, ok := node.(*TreeNode); ok && !tn.Stopped {
			m.ttable.Remove(tn.Words)
		}
		for _, child := range nb.children {
			if child != nil {
				queue = append(queue, child)
			}
		}
		disconnect(node)
		removed++
	}
	return removed
}

// ParallelStackIDs flattens the states of a batch of tree nodes into a
// dense [N][W][MaxLen] id tensor padded with PAD, preserving input
// order. MaxLen is the longest word across the whole batch.
func ParallelStackIDs(nodes []*TreeNode) [][][]vocab.Symbol {
	maxLen := 0
	for _, tn := range nodes {
		for _, w := range tn.Words {
			if w.Len() > maxLen {
				maxLen = w.Len()
			}
		}
	}

	out := make([][][]vocab.Symbol, len(nodes))
	var g errgroup.Group
	for i, tn := range nodes {
		g.Go(func() error {
			stacked := make([][]vocab.Symbol, len(tn.Words))
			for j, w := range tn.Words {
				row := make([]vocab.Symbol, maxLen)
				copy(row, w.IDs)
				stacked[j] = row
			}
			out[i] = stacked
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ParallelActionMasks computes, per node and in input order, a mask over
// the alphabet of the target symbols a composite action could rewrite.
func (m *Mcts) ParallelActionMasks(nodes []*TreeNode, alphabetSize int) [][]bool {
	out := make([][]bool, len(nodes))
	var g errgroup.Group
	g.SetLimit(m.goroutines)
	for i, tn := range nodes {
		g.Go(func() error {
			mask := make([]bool, alphabetSize)
			for _, w := range tn.Words {
				for _, sym := range w.IDs {
					if int(sym) < alphabetSize {
						if _, ok := m.space.edges[sym]; ok {
							mask[sym] = true
						}
					}
				}
			}
			out[i] = mask
			return nil
		})
	}
	_ = g.Wait()
	return out
}
