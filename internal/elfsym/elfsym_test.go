package elfsym

import (
	"os"
	"sort"
	"testing"

	"github.com/tripwire/liveprofiler/internal/model"
	"github.com/tripwire/liveprofiler/internal/pool"
)

type rng struct{ start, end uint64 }

// buildSymbols constructs cached symbol identities for the given ranges,
// sorted by End then Start, matching the order Load produces.
func buildSymbols(cache *pool.SymbolCache, ranges []rng) []*model.SymbolIdentity {
	out := make([]*model.SymbolIdentity, 0, len(ranges))
	for _, r := range ranges {
		r := r
		out = append(out, cache.GetOrCreate("/bin/x", r.start, r.end, func() *model.SymbolIdentity {
			return &model.SymbolIdentity{Path: "/bin/x", Start: r.start, End: r.end}
		}))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].End != out[j].End {
			return out[i].End < out[j].End
		}
		return out[i].Start < out[j].Start
	})
	return out
}

func TestTranslate(t *testing.T) {
	segs := []segment{
		{fileOffset: 0, vaddrStart: 0x1000, vaddrEnd: 0x2000},
		{fileOffset: 0x1000, vaddrStart: 0x3000, vaddrEnd: 0x4000},
	}

	off, ok := translate(segs, 0x1500)
	if !ok || off != 0x500 {
		t.Fatalf("translate(0x1500) = (%#x, %v), want (0x500, true)", off, ok)
	}

	off, ok = translate(segs, 0x3100)
	if !ok || off != 0x1100 {
		t.Fatalf("translate(0x3100) = (%#x, %v), want (0x1100, true)", off, ok)
	}

	if _, ok := translate(segs, 0x5000); ok {
		t.Fatal("translate(0x5000) = true, want false (not covered by any segment)")
	}
}

func TestEstimateSizeFromNextSymbol(t *testing.T) {
	raw := []rawSym{
		{name: "a", value: 0x1000},
		{name: "b", value: 0x1040},
	}
	if got := estimateSize(raw, 0, nil, nil, 0x1000); got != 0x40 {
		t.Fatalf("estimateSize = %#x, want 0x40", got)
	}
}

func TestEstimateSizeFromSegmentRemainder(t *testing.T) {
	raw := []rawSym{{name: "last", value: 0x1f00}}
	segs := []segment{{fileOffset: 0, vaddrStart: 0x1000, vaddrEnd: 0x2000}}
	if got := estimateSize(raw, 0, segs, nil, 0x1f00); got != 0x100 {
		t.Fatalf("estimateSize = %#x, want 0x100", got)
	}
}

func TestEstimateSizeCappedAtSectionBoundary(t *testing.T) {
	// Both symbols sit inside one PT_LOAD segment, but "a" is the last
	// symbol in .text while "b" opens .rodata right after it: the estimate
	// for "a" must stop at the section boundary, not extend to "b".
	raw := []rawSym{
		{name: "a", value: 0x1000},
		{name: "b", value: 0x1100},
	}
	segs := []segment{{fileOffset: 0, vaddrStart: 0x1000, vaddrEnd: 0x2000}}
	sections := []section{
		{vaddrStart: 0x1000, vaddrEnd: 0x1040},
		{vaddrStart: 0x1100, vaddrEnd: 0x1200},
	}
	if got := estimateSize(raw, 0, segs, sections, 0x1000); got != 0x40 {
		t.Fatalf("estimateSize = %#x, want 0x40 (capped at section end)", got)
	}
}

func TestEstimateSizeUsesSectionRemainderAsLastSymbol(t *testing.T) {
	raw := []rawSym{{name: "last", value: 0x1f00}}
	segs := []segment{{fileOffset: 0, vaddrStart: 0x1000, vaddrEnd: 0x2000}}
	sections := []section{{vaddrStart: 0x1e00, vaddrEnd: 0x1f80}}
	if got := estimateSize(raw, 0, segs, sections, 0x1f00); got != 0x80 {
		t.Fatalf("estimateSize = %#x, want 0x80 (section remainder, not segment's)", got)
	}
}

func TestTableResolveTightestRange(t *testing.T) {
	cache := pool.NewSymbolCache()
	tbl := &Table{path: "/bin/x"}
	tbl.symbols = buildSymbols(cache, []rng{
		{start: 0x10, end: 0x30},
		{start: 0x18, end: 0x20},
	})

	got := tbl.Resolve(0x19)
	if got == nil || got.Start != 0x18 || got.End != 0x20 {
		t.Fatalf("Resolve(0x19) = %+v, want the tighter [0x18,0x20) range", got)
	}
}

func TestTableResolveMiss(t *testing.T) {
	cache := pool.NewSymbolCache()
	tbl := &Table{path: "/bin/x"}
	tbl.symbols = buildSymbols(cache, []rng{{start: 0x10, end: 0x20}})

	if got := tbl.Resolve(0x30); got != nil {
		t.Fatalf("Resolve(0x30) = %+v, want nil", got)
	}
}

func TestDemangleNameFallsBackOnPlainC(t *testing.T) {
	orig, demangled := demangleName("main")
	if orig != "main" || demangled != "" {
		t.Fatalf("demangleName(main) = (%q, %q), want (main, \"\")", orig, demangled)
	}
}

func TestDemangleNameItaniumMangled(t *testing.T) {
	// _Z3foov demangles to "foo()".
	orig, demangled := demangleName("_Z3foov")
	if orig != "_Z3foov" {
		t.Fatalf("orig = %q, want _Z3foov", orig)
	}
	if demangled == "" {
		t.Fatal("demangled = \"\", want a non-empty demangled form for a mangled C++ name")
	}
}

func TestLoadSelfExecutable(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("os.Executable() unavailable: %v", err)
	}
	cache := pool.NewSymbolCache()
	tbl, err := Load(exe, cache)
	if err != nil {
		t.Fatalf("Load(%q) error = %v", exe, err)
	}
	if tbl.Path() != exe {
		t.Fatalf("Path() = %q, want %q", tbl.Path(), exe)
	}
}
