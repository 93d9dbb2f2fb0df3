// Package pool provides the reuse primitives for the sampler's and
// interceptor's inner loops: an unbounded free list for samples, which would
// otherwise churn the allocator every drain, and two interning maps
// (Interner for strings, SymbolCache for symbol identities) that hand out a
// single shared value for a given key so that callers get reference-equality
// for free.
package pool

import "github.com/tripwire/liveprofiler/internal/model"

// SamplePool is a free list of *model.Sample. Get returns a recycled sample
// if one is available, otherwise allocates a new one. Put returns a sample
// to the pool after resetting it; callers must not touch the sample again
// once it has been Put.
type SamplePool struct {
	free []*model.Sample
}

// NewSamplePool returns an empty SamplePool.
func NewSamplePool() *SamplePool {
	return &SamplePool{}
}

// Get returns a sample ready for reuse: its fields are zeroed and its
// slices are truncated to length zero but retain their capacity.
func (p *SamplePool) Get() *model.Sample {
	n := len(p.free)
	if n == 0 {
		return &model.Sample{}
	}
	s := p.free[n-1]
	p.free[n-1] = nil
	p.free = p.free[:n-1]
	return s
}

// Put releases s back to the pool for later reuse.
func (p *SamplePool) Put(s *model.Sample) {
	s.Reset()
	p.free = append(p.free, s)
}

// Len reports how many samples are currently parked in the free list.
func (p *SamplePool) Len() int { return len(p.free) }

// Interner hands out a single shared string value per distinct input,
// so that equal paths compare == and share one backing array rather than
// one per occurrence across every memory-map entry that names them.
type Interner struct {
	values map[string]string
}

// NewInterner returns an empty Interner.
func NewInterner() *Interner {
	return &Interner{values: make(map[string]string)}
}

// Intern returns the canonical copy of s, recording s as canonical the
// first time it is seen.
func (n *Interner) Intern(s string) string {
	if v, ok := n.values[s]; ok {
		return v
	}
	n.values[s] = s
	return s
}

// symbolKey identifies a SymbolIdentity by the fields that define its
// identity per the data model: owning object path plus file-offset span.
type symbolKey struct {
	path  string
	start uint64
	end   uint64
}

// SymbolCache is the key-keyed singleton cache for SymbolIdentity values.
// Two calls to GetOrCreate with the same (path, start, end) return the
// identical pointer, which is the reference-equality invariant the data
// model requires of symbol identities.
type SymbolCache struct {
	entries map[symbolKey]*model.SymbolIdentity
}

// NewSymbolCache returns an empty SymbolCache.
func NewSymbolCache() *SymbolCache {
	return &SymbolCache{entries: make(map[symbolKey]*model.SymbolIdentity)}
}

// GetOrCreate returns the cached identity for (path, start, end), building
// it with build and storing it if this is the first request for that key.
func (c *SymbolCache) GetOrCreate(path string, start, end uint64, build func() *model.SymbolIdentity) *model.SymbolIdentity {
	k := symbolKey{path: path, start: start, end: end}
	if v, ok := c.entries[k]; ok {
		return v
	}
	v := build()
	c.entries[k] = v
	return v
}

// Len reports the number of distinct symbol identities cached.
func (c *SymbolCache) Len() int { return len(c.entries) }
