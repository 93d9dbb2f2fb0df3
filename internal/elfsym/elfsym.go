// Package elfsym parses an ELF executable's symbol table into a sequence of
// symbol identities keyed by file offset, so the interceptor can translate
// a file offset (already resolved by the address-space map) to a function
// name.
package elfsym

import (
	"debug/elf"
	"errors"
	"fmt"
	"sort"

	"github.com/ianlancetaylor/demangle"

	"github.com/tripwire/liveprofiler/internal/model"
	"github.com/tripwire/liveprofiler/internal/pool"
)

// segment is a loadable program-header range, used to translate a symbol's
// virtual address to a file offset.
type segment struct {
	fileOffset uint64
	vaddrStart uint64
	vaddrEnd   uint64
}

// section is an address-occupying ELF section, used to bound zero-sized
// symbol estimation to the section the symbol actually lives in: a single
// PT_LOAD segment routinely spans several sections (.text, .rodata, ...),
// and a symbol's estimated extent must not cross into the next one.
type section struct {
	vaddrStart uint64
	vaddrEnd   uint64
}

// Table is the immutable, sorted-by-end symbol table for one object file.
// It is safe for concurrent read-only use once Load returns.
type Table struct {
	path    string
	symbols []*model.SymbolIdentity // sorted by End, ties broken by Start
}

// rawSym is a symbol as read straight from an ELF symbol table, before size
// estimation and file-offset translation.
type rawSym struct {
	name  string
	value uint64
	size  uint64
}

// Load reads path's program headers and symbol tables (both static and
// dynamic) and builds an immutable Table. cache deduplicates symbol
// identities so that resolving the same (path, start, end) from two
// different Tables (which should not normally happen, since Tables
// themselves are cached by path) still yields reference-equal identities.
func Load(path string, cache *pool.SymbolCache) (*Table, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfsym: open %q: %w", path, err)
	}
	defer f.Close()

	segs := loadSegments(f)
	sections := loadSections(f)

	var raw []rawSym
	collect := func(syms []elf.Symbol) {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) == elf.STT_SECTION || elf.ST_TYPE(s.Info) == elf.STT_FILE {
				continue
			}
			if s.Name == "" {
				continue
			}
			raw = append(raw, rawSym{name: s.Name, value: s.Value, size: s.Size})
		}
	}

	if syms, err := f.Symbols(); err == nil {
		collect(syms)
	} else if !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("elfsym: read symbols %q: %w", path, err)
	}
	if dsyms, err := f.DynamicSymbols(); err == nil {
		collect(dsyms)
	} else if !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("elfsym: read dynamic symbols %q: %w", path, err)
	}

	sort.Slice(raw, func(i, j int) bool { return raw[i].value < raw[j].value })

	symbols := make([]*model.SymbolIdentity, 0, len(raw))
	for i, s := range raw {
		size := s.size
		if size == 0 {
			size = estimateSize(raw, i, segs, sections, s.value)
		}

		fileOff, ok := translate(segs, s.value)
		if !ok {
			continue // symbol not backed by any loadable segment
		}
		end := fileOff + size
		if end <= fileOff {
			end = fileOff + 1 // guarantee a non-empty range for zero-size tail symbols
		}

		name, demangled := demangleName(s.name)

		id := cache.GetOrCreate(path, fileOff, end, func() *model.SymbolIdentity {
			return &model.SymbolIdentity{
				Name:          name,
				DemangledName: demangled,
				Path:          path,
				Start:         fileOff,
				End:           end,
			}
		})
		symbols = append(symbols, id)
	}

	sort.Slice(symbols, func(i, j int) bool {
		if symbols[i].End != symbols[j].End {
			return symbols[i].End < symbols[j].End
		}
		return symbols[i].Start < symbols[j].Start
	})

	return &Table{path: path, symbols: symbols}, nil
}

// Resolve returns the symbol with the smallest End above fileOffset if that
// symbol also starts at or before fileOffset, which among symbols sharing a
// start is the tightest-fitting one; otherwise it returns nil. A wider
// symbol that ends later is not consulted, even if it covers fileOffset.
func (t *Table) Resolve(fileOffset uint64) *model.SymbolIdentity {
	i := sort.Search(len(t.symbols), func(i int) bool { return t.symbols[i].End > fileOffset })
	if i >= len(t.symbols) {
		return nil
	}
	if t.symbols[i].Start <= fileOffset {
		return t.symbols[i]
	}
	return nil
}

// Path returns the object path this table was loaded from.
func (t *Table) Path() string { return t.path }

func loadSegments(f *elf.File) []segment {
	var segs []segment
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		segs = append(segs, segment{
			fileOffset: p.Off,
			vaddrStart: p.Vaddr,
			vaddrEnd:   p.Vaddr + p.Filesz,
		})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].vaddrStart < segs[j].vaddrStart })
	return segs
}

func translate(segs []segment, vaddr uint64) (uint64, bool) {
	for _, s := range segs {
		if vaddr >= s.vaddrStart && vaddr < s.vaddrEnd {
			return s.fileOffset + (vaddr - s.vaddrStart), true
		}
	}
	return 0, false
}

// loadSections returns every address-occupying (SHF_ALLOC) section with a
// non-zero size, sorted by Addr. Metadata-only sections such as .symtab and
// .strtab have Addr == 0 and are excluded, since they never contain code or
// data a symbol could point into.
func loadSections(f *elf.File) []section {
	var sections []section
	for _, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Size == 0 {
			continue
		}
		sections = append(sections, section{vaddrStart: s.Addr, vaddrEnd: s.Addr + s.Size})
	}
	sort.Slice(sections, func(i, j int) bool { return sections[i].vaddrStart < sections[j].vaddrStart })
	return sections
}

// sectionEnd returns the end address of the section containing vaddr, if
// any.
func sectionEnd(sections []section, vaddr uint64) (uint64, bool) {
	for _, s := range sections {
		if vaddr >= s.vaddrStart && vaddr < s.vaddrEnd {
			return s.vaddrEnd, true
		}
	}
	return 0, false
}

// estimateSize estimates a zero-sized symbol's extent as the distance to
// the next symbol (raw is sorted by value), or the remainder of its
// section if it is the last symbol within that section. A next-symbol
// distance that would cross the enclosing section's end is capped at that
// boundary, since a symbol never extends into a different section. Segment
// remainder is used only as a fallback when no section contains the value.
func estimateSize(raw []rawSym, i int, segs []segment, sections []section, value uint64) uint64 {
	end, hasSection := sectionEnd(sections, value)

	if i+1 < len(raw) && raw[i+1].value > value {
		dist := raw[i+1].value - value
		if hasSection && value+dist > end {
			dist = end - value
		}
		return dist
	}

	if hasSection {
		return end - value
	}
	for _, s := range segs {
		if value >= s.vaddrStart && value < s.vaddrEnd {
			return s.vaddrEnd - value
		}
	}
	return 1
}

// demangleName returns the original name and, if demangling succeeds and
// differs from it, the demangled form; otherwise an empty demangled string.
func demangleName(name string) (orig, demangled string) {
	out, err := demangle.ToString(name)
	if err != nil || out == name {
		return name, ""
	}
	return name, out
}
