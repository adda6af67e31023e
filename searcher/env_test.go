package searcher

import (
	"testing"

	"github.com/stretchr/testify/require"

	"soundshift/vocab"
)

func TestEnvStep(t *testing.T) {
	as := NewActionSpace(vocab.NewWordSpace())
	as.RegisterEdge(1, 5)
	m := NewMcts(as, 1)

	end, err := m.NewEndNode([][]vocab.Symbol{{5, 2, 3}}, []int{3})
	require.NoError(t, err)
	root, err := m.NewStartNode([][]vocab.Symbol{{1, 2, 3}}, []int{3})
	require.NoError(t, err)
	env := m.NewEnv(root, end, 10, -0.1)

	action := CompositeAction{
		Target: 1, Replacement: 5,
		Left: None, DistLeft: None, Right: None, DistRight: None,
		Special: SpecialPlain,
	}

	t.Run("reaching the end collects the final reward", func(t *testing.T) {
		next, reward := env.Step(root, action)

		require.Same(t, end, next, "the canonical end node is shared")
		require.True(t, next.Done)
		require.InDelta(t, -0.1+1.0+10.0, reward, 1e-9,
			"step penalty + distance reduction + final reward")
	})

	t.Run("a lateral move scores only penalty and distance delta", func(t *testing.T) {
		del := action
		del.Special = SpecialDelete

		next, reward := env.Step(root, del)

		require.NotSame(t, end, next)
		require.Equal(t, vocab.IdSeq{2, 3}, next.Words[0].IDs)
		require.InDelta(t, -0.1+(root.Dist-next.Dist), reward, 1e-9)
		require.Equal(t, root.Depth+1, next.Depth)
	})

	t.Run("distance scale is configurable", func(t *testing.T) {
		scaled := m.NewEnv(root, end, 10, -0.1, WithDistScale(2))

		_, reward := scaled.Step(root, action)

		require.InDelta(t, -0.1+2.0+10.0, reward, 1e-9)
	})
}

func TestEnvTranspositionSharing(t *testing.T) {
	as := NewActionSpace(vocab.NewWordSpace())
	as.RegisterEdge(1, 5)
	as.RegisterEdge(6, 5)
	m := NewMcts(as, 1)

	end, err := m.NewEndNode([][]vocab.Symbol{{9, 9}}, []int{2})
	require.NoError(t, err)
	a, err := m.NewStartNode([][]vocab.Symbol{{1, 2}}, []int{2})
	require.NoError(t, err)
	b, err := m.NewStartNode([][]vocab.Symbol{{6, 2}}, []int{2})
	require.NoError(t, err)
	env := m.NewEnv(a, end, 1, 0)

	sizeBefore := m.TableSize()

	fromA, _ := env.Step(a, CompositeAction{Target: 1, Replacement: 5,
		Left: None, DistLeft: None, Right: None, DistRight: None, Special: SpecialPlain})
	fromB, _ := env.Step(b, CompositeAction{Target: 6, Replacement: 5,
		Left: None, DistLeft: None, Right: None, DistRight: None, Special: SpecialPlain})

	require.Same(t, fromA, fromB, "both parents reach the same canonical state")
	require.Equal(t, sizeBefore+1, m.TableSize(), "one canonical node for the shared state")

	// The shared node records a back-edge per connecting parent.
	p1 := newTestMini([]vocab.Symbol{SpecialPlain})
	p2 := newTestMini([]vocab.Symbol{SpecialPlain})
	connect(p1, 0, fromA)
	connect(p2, 0, fromB)
	require.Len(t, fromA.parents, 2)
}

func TestEnvStopNode(t *testing.T) {
	as := NewActionSpace(vocab.NewWordSpace())
	as.RegisterEdge(1, 5)
	m := NewMcts(as, 1)

	end, err := m.NewEndNode([][]vocab.Symbol{{5}}, []int{1})
	require.NoError(t, err)
	root, err := m.NewStartNode([][]vocab.Symbol{{1}}, []int{1})
	require.NoError(t, err)
	env := m.NewEnv(root, end, 1, 0)

	require.True(t, as.SetActionAllowed(root))
	eval := uniformEvaluation(0)
	root.Evaluate(eval.MetaPriors, eval.SpecialPriors)

	stopIndex, err := root.ActionIndex(Stop)
	require.NoError(t, err)

	stopped := env.stopNode(root, stopIndex)

	require.True(t, stopped.Stopped)
	require.True(t, stopped.Words.Equal(root.Words), "a stop keeps the state")
	require.Equal(t, 2, m.TableSize(), "stopped nodes never enter the table")

	again := env.stopNode(root, stopIndex)
	require.Same(t, stopped, again, "the stop edge owns a single terminal node")
}
