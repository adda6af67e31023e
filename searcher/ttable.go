package searcher

import (
	"sync"

	"soundshift/vocab"
)

// transpositionTable canonicalises tree nodes: a trie keyed on the
// ordered word identities of a state, so identical states share one node
// across the whole search. Sharing turns the tree into a DAG.
//
// A single RWMutex guards the trie; node statistics have their own
// per-node locking and are never touched here.
type transpositionTable struct {
	mu   sync.RWMutex
	root *trieNode
	size int
}

type trieNode struct {
	children map[*vocab.Word]*trieNode
	value    *TreeNode
}

func newTranspositionTable() *transpositionTable {
	return &transpositionTable{root: &trieNode{}}
}

// Get returns the canonical node for words, or nil.
func (t *transpositionTable) Get(words vocab.State) *TreeNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cur := t.root
	for _, w := range words {
		next, ok := cur.children[w]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur.value
}

// GetOrInsert returns the canonical node for words, inserting the node
// built by mk on first sight. A candidate built by a racing caller is
// simply discarded.
func (t *transpositionTable) GetOrInsert(words vocab.State, mk func() *TreeNode) *TreeNode {
	if tn := t.Get(words); tn != nil {
		return tn
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.root
	for _, w := range words {
		if cur.children == nil {
			cur.children = make(map[*vocab.Word]*trieNode)
		}
		next, ok := cur.children[w]
		if !ok {
			next = &trieNode{}
			cur.children[w] = next
		}
		cur = next
	}
	if cur.value == nil {
		cur.value = mk()
		t.size++
	}
	return cur.value
}

// Remove unlinks the canonical node for words. Branches left empty are
// pruned back up the trie. No-op for unknown states.
func (t *transpositionTable) Remove(words vocab.State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	type step struct {
		parent *trieNode
		word   *vocab.Word
	}
	path := make([]step, 0, len(words))

	cur := t.root
	for _, w := range words {
		next, ok := cur.children[w]
		if !ok {
			return
		}
		path = append(path, step{parent: cur, word: w})
		cur = next
	}
	if cur.value == nil {
		return
	}
	cur.value = nil
	t.size--

	for i := len(path) - 1; i >= 0; i-- {
		child := path[i].parent.children[path[i].word]
		if child.value != nil || len(child.children) > 0 {
			break
		}
		delete(path[i].parent.children, path[i].word)
	}
}

// Size returns the number of canonical nodes.
func (t *transpositionTable) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}
