package searcher

import (
	"runtime"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"soundshift/vocab"
)

// CompositeAction is a fully committed 7-tuple: rewrite Target into
// Replacement at every site matching the four context constraints, in the
// manner of Special. None relaxes a context slot.
type CompositeAction struct {
	Target      vocab.Symbol
	Replacement vocab.Symbol
	Left        vocab.Symbol
	DistLeft    vocab.Symbol
	Right       vocab.Symbol
	DistRight   vocab.Symbol
	Special     vocab.Symbol
}

// ActionSpace owns the per-symbol edge catalog and computes the
// permissible sub-actions for every phase of the composite-action chain.
// It is the only component aware of the phase semantics.
type ActionSpace struct {
	words *vocab.WordSpace

	edges     map[vocab.Symbol][]vocab.Symbol
	edgeOrder []vocab.Symbol

	scanners int
}

func NewActionSpace(words *vocab.WordSpace) *ActionSpace {
	return &ActionSpace{
		words:    words,
		edges:    make(map[vocab.Symbol][]vocab.Symbol),
		scanners: runtime.NumCPU(),
	}
}

// RegisterEdge records that before may be rewritten into after.
func (as *ActionSpace) RegisterEdge(before, after vocab.Symbol) {
	if _, ok := as.edges[before]; !ok {
		as.edgeOrder = append(as.edgeOrder, before)
	}
	as.edges[before] = append(as.edges[before], after)
}

// NumEdges returns the number of registered rewrite edges.
func (as *ActionSpace) NumEdges() int {
	n := 0
	for _, afters := range as.edges {
		n += len(afters)
	}
	return n
}

// SetActionAllowed populates the node's permissible sub-actions and
// affected sites for its phase, conditioned on the choices committed on
// the chain to it. An empty result marks the node fully pruned, which
// propagates to its parents. Returns whether anything is permissible.
func (as *ActionSpace) SetActionAllowed(node Node) bool {
	if node.Base().IsExpanded() {
		return node.Base().NumUnpruned() > 0
	}

	var chars []vocab.Symbol
	var affected []Affected

	switch n := node.(type) {
	case *TreeNode:
		chars, affected = as.treeActions(n)
	case *TransitionNode:
		chars, affected = as.specialActions(n)
	case *MiniNode:
		chars, affected = as.miniActions(n)
	}

	if len(chars) == 0 {
		log.Debug().Msg("no permissible sub-action; pruning node")
		node.Base().PruneAll()
		return false
	}
	node.Base().setActions(chars, affected)
	if trn, ok := node.(*TransitionNode); ok {
		trn.initRewards()
	}
	return true
}

// treeActions enumerates target symbols: every symbol occurring in the
// state that has a registered edge, plus the stop pseudo-symbol. Word
// scanning fans out across a bounded group.
func (as *ActionSpace) treeActions(tn *TreeNode) ([]vocab.Symbol, []Affected) {
	perOrder := make([]map[vocab.Symbol]Affected, len(tn.Words))

	var g errgroup.Group
	g.SetLimit(as.scanners)
	for order := range tn.Words {
		g.Go(func() error {
			found := make(map[vocab.Symbol]Affected)
			for pos, sym := range tn.Words[order].IDs {
				if _, ok := as.edges[sym]; ok {
					found[sym] = append(found[sym], Site{Order: order, Pos: pos})
				}
			}
			perOrder[order] = found
			return nil
		})
	}
	_ = g.Wait()

	var chars []vocab.Symbol
	var affected []Affected
	for _, before := range as.edgeOrder {
		sites := Affected{}
		for _, found := range perOrder {
			sites = append(sites, found[before]...)
		}
		if len(sites) == 0 {
			continue
		}
		chars = append(chars, before)
		affected = append(affected, sites)
	}

	chars = append(chars, Stop)
	affected = append(affected, Affected{})
	return chars, affected
}

// miniActions enumerates the sub-actions for the BEFORE..POST phases,
// conditioned on the sites surviving the chain so far.
func (as *ActionSpace) miniActions(mn *MiniNode) ([]vocab.Symbol, []Affected) {
	switch mn.AP {
	case Before:
		// Replacement candidates come straight from the edge catalog and
		// do not split the site set.
		target := mn.chosen[0].Char
		afters := as.edges[target]
		chars := make([]vocab.Symbol, len(afters))
		affected := make([]Affected, len(afters))
		for i, after := range afters {
			chars[i] = after
			affected[i] = mn.sites
		}
		return chars, affected
	case After:
		return as.contextActions(mn, -1, true)
	case Pre:
		// A distant constraint is only meaningful under a set immediate one.
		if mn.chosen[2].Char == None {
			return []vocab.Symbol{None}, []Affected{mn.sites}
		}
		return as.contextActions(mn, -2, true)
	case DPre:
		return as.contextActions(mn, +1, true)
	case Post:
		if mn.chosen[4].Char == None {
			return []vocab.Symbol{None}, []Affected{mn.sites}
		}
		return as.contextActions(mn, +2, true)
	}
	panic("searcher: mini node in unexpected phase " + mn.AP.String())
}

// contextActions groups the surviving sites by the symbol at a relative
// offset. None keeps every site.
func (as *ActionSpace) contextActions(mn *MiniNode, offset int, withNone bool) ([]vocab.Symbol, []Affected) {
	tn := mn.Tree
	var order []vocab.Symbol
	grouped := make(map[vocab.Symbol]Affected)
	for _, site := range mn.sites {
		ids := tn.Words[site.Order].IDs
		p := site.Pos + offset
		if p < 0 || p >= len(ids) {
			continue
		}
		sym := ids[p]
		if _, ok := grouped[sym]; !ok {
			order = append(order, sym)
		}
		grouped[sym] = append(grouped[sym], site)
	}

	var chars []vocab.Symbol
	var affected []Affected
	for _, sym := range order {
		chars = append(chars, sym)
		affected = append(affected, grouped[sym])
	}
	if withNone {
		chars = append(chars, None)
		affected = append(affected, mn.sites)
	}
	return chars, affected
}

// specialActions enumerates the special change types at the transition
// node. Every type applies to the full surviving site set.
func (as *ActionSpace) specialActions(trn *TransitionNode) ([]vocab.Symbol, []Affected) {
	chars := make([]vocab.Symbol, len(specialChanges))
	affected := make([]Affected, len(specialChanges))
	for i, sc := range specialChanges {
		chars[i] = sc
		affected[i] = trn.sites
	}
	return chars, affected
}

// childMini builds the next node on the composite-action chain after the
// parent committed chosen. The node before SPECIAL_TYPE is a transition
// node; tree-node children are the environment's business.
func (as *ActionSpace) childMini(parent Node, chosen ChosenChar) Node {
	if existing := parent.Base().childAt(chosen.Index); existing != nil {
		return existing
	}

	var child Node
	switch p := parent.(type) {
	case *TreeNode:
		sites, err := p.AffectedAt(chosen.Index)
		if err != nil {
			panic(err)
		}
		child = newMiniNode(p, Before, []ChosenChar{chosen}, sites, p.Stopped)
	case *TransitionNode:
		panic("searcher: transition node children are tree nodes")
	case *MiniNode:
		sites, err := p.AffectedAt(chosen.Index)
		if err != nil {
			panic(err)
		}
		chain := append(append([]ChosenChar{}, p.chosen...), chosen)
		next, ok := p.AP.next()
		if !ok {
			panic("searcher: no phase after " + p.AP.String())
		}
		if next == SpecialType {
			child = newTransitionNode(p.Tree, chain, sites, p.Stopped)
		} else {
			child = newMiniNode(p.Tree, next, chain, sites, p.Stopped)
		}
	}
	connect(parent, chosen.Index, child)
	return parent.Base().childAt(chosen.Index)
}

// action assembles the committed 7-tuple from a transition node and its
// final special-type selection.
func (as *ActionSpace) action(trn *TransitionNode, special ChosenChar) CompositeAction {
	c := trn.chosen
	return CompositeAction{
		Target:      c[0].Char,
		Replacement: c[1].Char,
		Left:        c[2].Char,
		DistLeft:    c[3].Char,
		Right:       c[4].Char,
		DistRight:   c[5].Char,
		Special:     special.Char,
	}
}

// Apply rewrites every matching site of the state and returns the new
// state plus the sites actually rewritten.
func (as *ActionSpace) Apply(state vocab.State, action CompositeAction) (vocab.State, Affected) {
	next := make(vocab.State, len(state))
	var touched Affected
	for order, w := range state {
		var sites []int
		for pos, sym := range w.IDs {
			if sym != action.Target {
				continue
			}
			if !matchContext(w.IDs, pos, action) {
				continue
			}
			sites = append(sites, pos)
			touched = append(touched, Site{Order: order, Pos: pos})
		}
		if len(sites) == 0 {
			next[order] = w
			continue
		}
		next[order] = as.words.Get(rewrite(w.IDs, sites, action))
	}
	return next, touched
}

func matchContext(ids vocab.IdSeq, pos int, action CompositeAction) bool {
	at := func(offset int, want vocab.Symbol) bool {
		if want == None {
			return true
		}
		p := pos + offset
		return p >= 0 && p < len(ids) && ids[p] == want
	}
	return at(-1, action.Left) && at(-2, action.DistLeft) &&
		at(+1, action.Right) && at(+2, action.DistRight)
}

// rewrite applies the special change at each site, right to left so that
// inserts and deletes do not shift pending sites.
func rewrite(ids vocab.IdSeq, sites []int, action CompositeAction) vocab.IdSeq {
	out := ids.Clone()
	for i := len(sites) - 1; i >= 0; i-- {
		pos := sites[i]
		switch action.Special {
		case SpecialDelete:
			out = append(out[:pos], out[pos+1:]...)
		case SpecialInsertLeft:
			out = append(out[:pos], append(vocab.IdSeq{action.Replacement}, out[pos:]...)...)
		case SpecialInsertRight:
			out = append(out[:pos+1], append(vocab.IdSeq{action.Replacement}, out[pos+1:]...)...)
		default: // SpecialPlain
			out[pos] = action.Replacement
		}
	}
	return out
}

// PotentialAction pairs an exploratory composite action with the site
// indices it would touch, for evaluator batching.
type PotentialAction struct {
	Action CompositeAction
	Sites  Affected
}

// FindPotentialActions enumerates context-free composite actions
// applicable to a tree node: one per (target, replacement, special)
// combination with at least one matching site.
func (as *ActionSpace) FindPotentialActions(tn *TreeNode) []PotentialAction {
	perTarget := make(map[vocab.Symbol]Affected)
	for order, w := range tn.Words {
		for pos, sym := range w.IDs {
			if _, ok := as.edges[sym]; ok {
				perTarget[sym] = append(perTarget[sym], Site{Order: order, Pos: pos})
			}
		}
	}

	var out []PotentialAction
	for _, target := range as.edgeOrder {
		sites := perTarget[target]
		if len(sites) == 0 {
			continue
		}
		for _, after := range as.edges[target] {
			for _, sc := range specialChanges {
				out = append(out, PotentialAction{
					Action: CompositeAction{
						Target:      target,
						Replacement: after,
						Left:        None,
						DistLeft:    None,
						Right:       None,
						DistRight:   None,
						Special:     sc,
					},
					Sites: sites,
				})
			}
		}
	}
	return out
}
