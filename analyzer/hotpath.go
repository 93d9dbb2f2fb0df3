package analyzer

import "github.com/tripwire/liveprofiler/internal/model"

// HotPathNode is one node of the hot-path tree: a visit count and the
// children reached by descending into a particular symbol.
type HotPathNode struct {
	Count    int
	Children map[*model.SymbolIdentity]*HotPathNode
}

func newHotPathNode() *HotPathNode {
	return &HotPathNode{Children: make(map[*model.SymbolIdentity]*HotPathNode)}
}

func (n *HotPathNode) child(sym *model.SymbolIdentity) *HotPathNode {
	c, ok := n.Children[sym]
	if !ok {
		c = newHotPathNode()
		n.Children[sym] = c
	}
	return c
}

// HotPath builds a tree rooted at "what was running", branching outward
// through successive callers: a sample's own (leaf) symbol is the root's
// direct child, and each call-chain entry beyond it descends one level
// further out, innermost caller first.
type HotPath struct {
	root         *HotPathNode
	totalSamples int
}

// NewHotPath returns an empty hot-path analyzer.
func NewHotPath() *HotPath {
	return &HotPath{root: newHotPathNode()}
}

// Feed folds each sample's leaf symbol and call chain into the tree.
// Samples with no resolved primary symbol are dropped entirely (they do
// not even touch the root count). Unresolved call-chain entries are
// skipped, so path A -> ? -> B folds to A -> B rather than breaking the
// walk.
func (h *HotPath) Feed(batch []*model.Sample) error {
	for _, sm := range batch {
		if sm.Symbol == nil {
			continue
		}
		h.totalSamples++

		current := h.root
		current.Count++
		current = current.child(sm.Symbol)

		for i := len(sm.CallChainSymbols) - 1; i >= 0; i-- {
			sym := sm.CallChainSymbols[i]
			if sym == nil {
				continue
			}
			current.Count++
			current = current.child(sym)
		}
		current.Count++
	}
	return nil
}

// Reset restores the state of a freshly constructed analyzer.
func (h *HotPath) Reset() {
	h.root = newHotPathNode()
	h.totalSamples = 0
}

// HotPathResult is the immutable snapshot returned by GetResult; Root
// must not be mutated by callers.
type HotPathResult struct {
	Root         *HotPathNode
	TotalSamples int
}

// GetResult returns the tree built so far and the total sample count.
func (h *HotPath) GetResult() HotPathResult {
	return HotPathResult{Root: h.root, TotalSamples: h.totalSamples}
}
