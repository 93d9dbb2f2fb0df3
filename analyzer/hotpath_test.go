package analyzer

import (
	"testing"

	"github.com/tripwire/liveprofiler/internal/model"
)

func sym(name string) *model.SymbolIdentity {
	return &model.SymbolIdentity{Name: name, Path: "/bin/x", Start: 0, End: 1}
}

// sampleABC builds a sample whose leaf (primary) symbol is C and whose
// call chain, outermost first, is [A, B].
func sampleABC(a, b, c *model.SymbolIdentity) *model.Sample {
	return &model.Sample{
		Symbol:           c,
		CallChainSymbols: []*model.SymbolIdentity{a, b},
	}
}

func TestHotPathTwoIdenticalSamples(t *testing.T) {
	a, b, c := sym("A"), sym("B"), sym("C")
	h := NewHotPath()
	batch := []*model.Sample{sampleABC(a, b, c), sampleABC(a, b, c)}
	if err := h.Feed(batch); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}

	res := h.GetResult()
	if res.TotalSamples != 2 {
		t.Fatalf("TotalSamples = %d, want 2", res.TotalSamples)
	}
	if res.Root.Count != 2 {
		t.Fatalf("root.Count = %d, want 2", res.Root.Count)
	}
	cNode := res.Root.Children[c]
	if cNode == nil || cNode.Count != 2 {
		t.Fatalf("root.C.Count = %+v, want 2", cNode)
	}
	bNode := cNode.Children[b]
	if bNode == nil || bNode.Count != 2 {
		t.Fatalf("root.C.B.Count = %+v, want 2", bNode)
	}
	aNode := bNode.Children[a]
	if aNode == nil || aNode.Count != 2 {
		t.Fatalf("root.C.B.A.Count = %+v, want 2", aNode)
	}
}

func TestHotPathThirdSampleMissingOutermostFrame(t *testing.T) {
	a, b, c := sym("A"), sym("B"), sym("C")
	h := NewHotPath()
	batch := []*model.Sample{
		sampleABC(a, b, c),
		sampleABC(a, b, c),
		{Symbol: c, CallChainSymbols: []*model.SymbolIdentity{b}},
	}
	if err := h.Feed(batch); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}

	res := h.GetResult()
	if res.Root.Count != 3 {
		t.Fatalf("root.Count = %d, want 3", res.Root.Count)
	}
	cNode := res.Root.Children[c]
	bNode := cNode.Children[b]
	if bNode == nil || bNode.Count != 3 {
		t.Fatalf("root.C.B.Count = %+v, want 3", bNode)
	}
	aNode := bNode.Children[a]
	if aNode == nil || aNode.Count != 2 {
		t.Fatalf("root.C.B.A.Count = %+v, want 2 (untouched by the third sample)", aNode)
	}
}

func TestHotPathSkipsUnresolvedMiddleFrame(t *testing.T) {
	a, c := sym("A"), sym("C")
	h := NewHotPath()
	batch := []*model.Sample{
		{Symbol: c, CallChainSymbols: []*model.SymbolIdentity{a, nil}},
	}
	if err := h.Feed(batch); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}

	res := h.GetResult()
	cNode := res.Root.Children[c]
	if cNode == nil {
		t.Fatal("root.C missing")
	}
	aNode := cNode.Children[a]
	if aNode == nil || aNode.Count != 1 {
		t.Fatalf("root.C.A.Count = %+v, want 1 (unresolved middle frame folded away)", aNode)
	}
}

func TestHotPathDropsSampleWithUnresolvedLeaf(t *testing.T) {
	h := NewHotPath()
	batch := []*model.Sample{{Symbol: nil, CallChainSymbols: nil}}
	if err := h.Feed(batch); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}

	res := h.GetResult()
	if res.TotalSamples != 0 {
		t.Fatalf("TotalSamples = %d, want 0", res.TotalSamples)
	}
	if res.Root.Count != 0 {
		t.Fatalf("root.Count = %d, want 0", res.Root.Count)
	}
}

func TestHotPathResetRestoresFreshState(t *testing.T) {
	h := NewHotPath()
	h.Feed([]*model.Sample{sampleABC(sym("A"), sym("B"), sym("C"))})
	h.Reset()

	res := h.GetResult()
	if res.TotalSamples != 0 || res.Root.Count != 0 || len(res.Root.Children) != 0 {
		t.Fatalf("GetResult() after Reset = %+v, want a fresh empty tree", res)
	}
}
