package searcher

import (
	"testing"

	"github.com/stretchr/testify/require"

	"soundshift/vocab"
)

type mockEvaluator struct {
	value float64
	calls int
}

func (e *mockEvaluator) EvaluateBatch(nodes []*TreeNode) []Evaluation {
	e.calls++
	evals := make([]Evaluation, len(nodes))
	for i := range nodes {
		evals[i] = uniformEvaluation(e.value)
	}
	return evals
}

// newTestSearch wires a one-word session: [[1,2,3]] -> [[5,2,3]] via the
// edge 1 -> 5.
func newTestSearch(t *testing.T, goroutines int, options ...Option) (*Mcts, *TreeNode, *TreeNode, *Env) {
	t.Helper()
	as := NewActionSpace(vocab.NewWordSpace())
	as.RegisterEdge(1, 5)
	m := NewMcts(as, goroutines, options...)

	end, err := m.NewEndNode([][]vocab.Symbol{{5, 2, 3}}, []int{3})
	require.NoError(t, err)
	root, err := m.NewStartNode([][]vocab.Symbol{{1, 2, 3}}, []int{3})
	require.NoError(t, err)
	env := m.NewEnv(root, end, 10, -0.1)
	return m, root, end, env
}

func TestParallelSelectTrivialDoneState(t *testing.T) {
	as := NewActionSpace(vocab.NewWordSpace())
	as.RegisterEdge(1, 5)
	m := NewMcts(as, 2, WithDepthLimit(5))

	end, err := m.NewEndNode([][]vocab.Symbol{{1, 2, 3}}, []int{3})
	require.NoError(t, err)
	root, err := m.NewStartNode([][]vocab.Symbol{{1, 2, 3}}, []int{3})
	require.NoError(t, err)
	require.Same(t, end, root, "identical vocabularies share the canonical node")
	require.Equal(t, 0.0, root.Dist)
	require.True(t, root.Done)
	env := m.NewEnv(root, end, 10, -0.1)

	leaves := m.ParallelSelect(root, env, 4)

	require.Len(t, leaves, 4)
	for _, leaf := range leaves {
		require.Same(t, root, leaf)
	}
	require.False(t, root.IsExpanded(), "no expansion on a done state")

	evaluator := &mockEvaluator{value: 1}
	m.ExpandAndBackup(evaluator.EvaluateBatch(leaves))
	require.False(t, root.IsExpanded(), "done leaves are never expanded")
	require.Equal(t, 0, root.VisitCount())
}

func TestSearchExpandsThenDescends(t *testing.T) {
	m, root, end, env := newTestSearch(t, 2)
	evaluator := &mockEvaluator{value: 0.5}

	m.Search(root, env, evaluator, 4)

	require.True(t, root.IsExpanded())
	require.True(t, root.IsEvaluated())
	require.Equal(t, []vocab.Symbol{1, Stop}, root.Actions())
	require.Equal(t, 0, root.VisitCount(), "first round only expands the root")

	priors := root.priors
	sum := 0.0
	for _, p := range priors {
		sum += p
	}
	require.InDelta(t, 1.0, sum, 1e-5, "priors normalize to one")

	m.Search(root, env, evaluator, 8)

	require.Equal(t, 8, root.VisitCount(), "one net visit per simulation")
	counts := root.ActionCounts()
	total := 0
	for _, c := range counts {
		total += c
	}
	require.Equal(t, root.VisitCount(), total)
	require.NotEqual(t, -1, root.MaxIndex())

	// The rewrite branch reaches the end node and outscores stopping.
	rewriteIndex, err := root.ActionIndex(1)
	require.NoError(t, err)
	require.Equal(t, rewriteIndex, root.MaxIndex())
	require.False(t, end.IsExpanded(), "the done end node is never expanded")
}

func TestPlayFollowsBestReturn(t *testing.T) {
	m, root, end, env := newTestSearch(t, 4)
	evaluator := &mockEvaluator{value: 0.5}
	for i := 0; i < 4; i++ {
		m.Search(root, env, evaluator, 16)
	}

	next, subpath := m.Play(root)

	require.False(t, subpath.Stopped)
	require.Equal(t, vocab.Symbol(1), subpath.ChosenSeq[0].Char, "rewrites the 1")
	require.Equal(t, vocab.Symbol(5), subpath.ChosenSeq[1].Char, "into a 5")
	require.Equal(t, SpecialPlain, subpath.ChosenSeq[6].Char)
	for i, mn := range subpath.MiniNodeSeq {
		require.NotNil(t, mn, "mini node %d", i)
	}
	require.Same(t, end, next, "greedy play reaches the target state")
}

func TestPlayWithoutBackupIsFatal(t *testing.T) {
	m, root, _, env := newTestSearch(t, 1)
	evaluator := &mockEvaluator{value: 0.5}
	m.Search(root, env, evaluator, 1) // expands the root, no descent yet

	require.Panics(t, func() { m.Play(root) })
}

func TestParallelSelectionSafety(t *testing.T) {
	m, root, _, env := newTestSearch(t, 8, WithGameCount(3), WithVirtualLoss(0.5), WithSelectionNoise())
	evaluator := &mockEvaluator{value: 0.5}

	for round := 0; round < 10; round++ {
		leaves := m.ParallelSelect(root, env, 100)
		require.Len(t, leaves, 100)
		m.ExpandAndBackup(evaluator.EvaluateBatch(leaves))
	}

	// After all backups every node's statistics must be consistent.
	seen := map[*BaseNode]bool{}
	queue := []Node{root}
	checked := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		nb := node.Base()
		if seen[nb] {
			continue
		}
		seen[nb] = true
		checked++

		require.Equal(t, len(nb.permissibleChars), len(nb.actionCounts))
		require.Equal(t, len(nb.permissibleChars), len(nb.totalValues))
		require.Equal(t, len(nb.permissibleChars), len(nb.maxValues))
		require.Equal(t, len(nb.permissibleChars), len(nb.pruned))
		require.Equal(t, len(nb.permissibleChars), len(nb.children))

		unpruned := 0
		sum := 0
		for i, c := range nb.actionCounts {
			require.GreaterOrEqual(t, c, 0, "no action count may go negative")
			sum += c
			if !nb.pruned[i] {
				unpruned++
			}
		}
		require.Equal(t, nb.visitCount, sum, "visit count equals the action count total after backups")
		require.Equal(t, unpruned, nb.numUnpruned)

		for _, child := range nb.children {
			if child != nil {
				queue = append(queue, child)
			}
		}
	}
	require.Greater(t, checked, 1, "the soak must actually build a tree")
}

func TestClearSubtree(t *testing.T) {
	m, root, end, env := newTestSearch(t, 2)
	evaluator := &mockEvaluator{value: 0.5}
	for i := 0; i < 3; i++ {
		m.Search(root, env, evaluator, 16)
	}
	require.Greater(t, m.TableSize(), 2, "search interned intermediate states")

	removed := m.ClearSubtree(root)

	require.Greater(t, removed, 0)
	require.Equal(t, 2, m.TableSize(), "only the persistent start and end nodes survive")
	for _, child := range root.children {
		require.Nil(t, child, "root's outgoing edges are cut")
	}
	require.NotNil(t, m.ttable.Get(root.Words))
	require.NotNil(t, m.ttable.Get(end.Words))
}

func TestAddNoiseKeepsPriorsNormalized(t *testing.T) {
	m, root, _, env := newTestSearch(t, 1)
	evaluator := &mockEvaluator{value: 0.5}
	m.Search(root, env, evaluator, 1)

	var metaNoise [NumMetaRows][]float64
	for i := range metaNoise {
		row := make([]float64, testAlphabet)
		row[1] = 1.0
		metaNoise[i] = row
	}
	specialNoise := []float64{1, 0, 0, 0}

	before := append([]float64{}, root.priors...)
	root.AddNoise(metaNoise, specialNoise, 0.25)

	require.NotEqual(t, before, root.priors, "noise shifts the priors")
	sum := 0.0
	for _, p := range root.priors {
		sum += p
	}
	require.InDelta(t, 1.0, sum, 1e-5)
}

func TestParallelStackIDs(t *testing.T) {
	ws := vocab.NewWordSpace()
	mk := func(seqs ...vocab.IdSeq) *TreeNode {
		state := make(vocab.State, len(seqs))
		for i, ids := range seqs {
			state[i] = ws.Get(ids)
		}
		return newTreeNode(state, 0, false, false)
	}
	nodes := []*TreeNode{
		mk(vocab.IdSeq{1, 2, 3}, vocab.IdSeq{4}),
		mk(vocab.IdSeq{5}),
	}

	got := ParallelStackIDs(nodes)

	require.Len(t, got, 2)
	require.Equal(t, []vocab.Symbol{1, 2, 3}, got[0][0])
	require.Equal(t, []vocab.Symbol{4, vocab.PAD, vocab.PAD}, got[0][1], "padded to the batch max")
	require.Equal(t, []vocab.Symbol{5, vocab.PAD, vocab.PAD}, got[1][0], "input order preserved")
}

func TestParallelActionMasks(t *testing.T) {
	as := NewActionSpace(vocab.NewWordSpace())
	as.RegisterEdge(1, 5)
	as.RegisterEdge(3, 6)
	m := NewMcts(as, 2)

	mk := func(ids vocab.IdSeq) *TreeNode {
		return newTreeNode(vocab.State{as.words.Get(ids)}, 0, false, false)
	}
	nodes := []*TreeNode{mk(vocab.IdSeq{1, 2}), mk(vocab.IdSeq{2, 3})}

	masks := m.ParallelActionMasks(nodes, testAlphabet)

	require.True(t, masks[0][1])
	require.False(t, masks[0][3])
	require.True(t, masks[1][3])
	require.False(t, masks[1][2], "symbols without an edge stay masked")
}
