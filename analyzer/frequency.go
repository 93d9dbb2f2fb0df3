// Package analyzer implements the two built-in aggregators that consume
// the enriched sample stream: a top-N inclusive/exclusive frequency
// counter and a hot-path call tree.
package analyzer

import (
	"sort"

	"github.com/tripwire/liveprofiler/internal/model"
)

// DefaultInclusiveDepth is how many of a sample's outermost call-chain
// entries (beyond its own primary symbol) contribute to each symbol's
// inclusive count.
const DefaultInclusiveDepth = 3

type symCount struct {
	inclusive int
	exclusive int
}

// Frequency tallies, for every distinct symbol identity observed, how many
// samples had it as their primary (exclusive) symbol and how many samples
// had it anywhere within the configured call-chain depth (inclusive).
type Frequency struct {
	depth int

	counts map[*model.SymbolIdentity]*symCount

	totalSamples    int // every sample fed, resolved or not
	resolvedSamples int // samples whose primary symbol resolved
}

// NewFrequency returns a Frequency analyzer with the given inclusive
// depth; a non-positive depth falls back to DefaultInclusiveDepth.
func NewFrequency(inclusiveDepth int) *Frequency {
	if inclusiveDepth <= 0 {
		inclusiveDepth = DefaultInclusiveDepth
	}
	return &Frequency{depth: inclusiveDepth, counts: make(map[*model.SymbolIdentity]*symCount)}
}

// Feed increments counts for one batch. A sample with no resolved primary
// symbol still contributes to the totals, just not to any per-symbol
// entry.
func (f *Frequency) Feed(batch []*model.Sample) error {
	for _, sm := range batch {
		f.totalSamples++

		if sm.Symbol != nil {
			f.resolvedSamples++
			c := f.get(sm.Symbol)
			c.exclusive++
			c.inclusive++
		}

		depth := f.depth
		if depth > len(sm.CallChainSymbols) {
			depth = len(sm.CallChainSymbols)
		}
		for i := 0; i < depth; i++ {
			sym := sm.CallChainSymbols[i]
			if sym == nil {
				continue
			}
			f.get(sym).inclusive++
		}
	}
	return nil
}

func (f *Frequency) get(sym *model.SymbolIdentity) *symCount {
	c, ok := f.counts[sym]
	if !ok {
		c = &symCount{}
		f.counts[sym] = c
	}
	return c
}

// Reset restores the state of a freshly constructed analyzer with the
// same inclusive depth.
func (f *Frequency) Reset() {
	f.counts = make(map[*model.SymbolIdentity]*symCount)
	f.totalSamples = 0
	f.resolvedSamples = 0
}

// SymbolCount is one row of a frequency result: a symbol and its counts
// at the time GetResult was called.
type SymbolCount struct {
	Symbol    *model.SymbolIdentity
	Inclusive int
	Exclusive int
}

// FrequencyResult is the materialized, immutable snapshot returned by
// GetResult.
type FrequencyResult struct {
	TopInclusive []SymbolCount
	TopExclusive []SymbolCount
	TotalSamples int
}

// GetResult materializes descending top-N lists by inclusive and
// exclusive count, each truncated to the requested length. Ties are
// broken deterministically by the symbol's (path, start, end), which is
// stable across runs even though the counts themselves are not
// pointer-ordered.
func (f *Frequency) GetResult(topInclusive, topExclusive int) FrequencyResult {
	all := make([]SymbolCount, 0, len(f.counts))
	for sym, c := range f.counts {
		all = append(all, SymbolCount{Symbol: sym, Inclusive: c.inclusive, Exclusive: c.exclusive})
	}

	inclusiveList := append([]SymbolCount(nil), all...)
	sort.Slice(inclusiveList, func(i, j int) bool {
		if inclusiveList[i].Inclusive != inclusiveList[j].Inclusive {
			return inclusiveList[i].Inclusive > inclusiveList[j].Inclusive
		}
		return lessSymbol(inclusiveList[i].Symbol, inclusiveList[j].Symbol)
	})
	if topInclusive >= 0 && topInclusive < len(inclusiveList) {
		inclusiveList = inclusiveList[:topInclusive]
	}

	exclusiveList := append([]SymbolCount(nil), all...)
	sort.Slice(exclusiveList, func(i, j int) bool {
		if exclusiveList[i].Exclusive != exclusiveList[j].Exclusive {
			return exclusiveList[i].Exclusive > exclusiveList[j].Exclusive
		}
		return lessSymbol(exclusiveList[i].Symbol, exclusiveList[j].Symbol)
	})
	if topExclusive >= 0 && topExclusive < len(exclusiveList) {
		exclusiveList = exclusiveList[:topExclusive]
	}

	return FrequencyResult{
		TopInclusive: inclusiveList,
		TopExclusive: exclusiveList,
		TotalSamples: f.totalSamples,
	}
}

func lessSymbol(a, b *model.SymbolIdentity) bool {
	if a.Path != b.Path {
		return a.Path < b.Path
	}
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	return a.End < b.End
}
