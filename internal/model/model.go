// Package model holds the sample and symbol-identity types shared by every
// stage of the profiling pipeline: the sampler that produces samples, the
// interceptor that resolves them, and the analyzers that consume them.
package model

// SymbolIdentity is an immutable record naming a function in an object. Two
// resolutions of the same (Path, Start, End) must share the identical
// pointer: every cache in this module hands out SymbolIdentity by reference
// and never copies one by value once it has escaped its cache.
type SymbolIdentity struct {
	// Name is the symbol as read from the object's symbol table (mangled,
	// for C++ objects).
	Name string
	// DemangledName is set only when demangling succeeded and produced a
	// string different from Name; empty otherwise.
	DemangledName string
	// Path identifies the owning object: an executable file path, the
	// sentinel marker KernelPath, or JITMapPathPrefix followed by the pid
	// and "]".
	Path string
	// Start and End are the file-offset (or, for the kernel table,
	// absolute-address) span covered by this symbol, End exclusive.
	Start uint64
	End   uint64
}

// DisplayName returns the demangled name when available, otherwise the
// original.
func (s *SymbolIdentity) DisplayName() string {
	if s.DemangledName != "" {
		return s.DemangledName
	}
	return s.Name
}

const (
	// KernelPath is the synthetic object path used for symbols resolved
	// against the kernel symbol table.
	KernelPath = "[kernel]"
	// JITMapPathPrefix prefixes the synthetic object path used for symbols
	// resolved against a process's JIT map; the pid is appended.
	JITMapPathPrefix = "[jit:"
)

// Sample is a per-sample mutable record. It is pooled: once a batch has been
// passed through every interceptor and analyzer, the sampler may recycle the
// Sample for a later record, so analyzers must not retain a *Sample or its
// slices beyond the call in which they receive it.
type Sample struct {
	IP  uint64
	PID uint32
	TID uint32

	// Symbol is the resolved identity for IP, or nil if unresolved.
	Symbol *SymbolIdentity

	// CallChainIPs and CallChainSymbols are parallel, same-length slices:
	// CallChainSymbols[i] is the resolution of CallChainIPs[i], or nil.
	// Ordered outermost-caller-first, leaf last (the leaf is IP itself and
	// is not repeated in these slices).
	CallChainIPs     []uint64
	CallChainSymbols []*SymbolIdentity
}

// Reset clears a Sample for reuse from a pool, keeping the backing arrays of
// its slices to avoid reallocation.
func (s *Sample) Reset() {
	s.IP = 0
	s.PID = 0
	s.TID = 0
	s.Symbol = nil
	s.CallChainIPs = s.CallChainIPs[:0]
	s.CallChainSymbols = s.CallChainSymbols[:0]
}
