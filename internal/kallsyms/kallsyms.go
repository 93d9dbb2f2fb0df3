// Package kallsyms parses the kernel symbol listing into a single,
// process-wide, read-only-after-build table.
package kallsyms

import (
	"bufio"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tripwire/liveprofiler/internal/model"
	"github.com/tripwire/liveprofiler/internal/pool"
)

// DefaultPath is the well-known location of the kernel symbol listing.
const DefaultPath = "/proc/kallsyms"

// Table is the kernel-wide symbol table, built once on first use and
// immutable thereafter.
type Table struct {
	symbols    []*model.SymbolIdentity // sorted by End (address), ties by Start
	minAddress uint64
	maxAddress uint64
}

var (
	once     sync.Once
	instance *Table
	loadErr  error
)

// Get returns the lazily initialized, process-wide kernel symbol table.
// Every call shares the same instance; load failures (e.g. kallsyms is
// restricted by kptr_restrict) are cached and returned on every call.
func Get(cache *pool.SymbolCache) (*Table, error) {
	once.Do(func() {
		instance, loadErr = load(DefaultPath, cache)
	})
	return instance, loadErr
}

// load reads and parses the kernel symbol listing at path.
func load(path string, cache *pool.SymbolCache) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	type entry struct {
		addr uint64
		name string
	}
	var entries []entry

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue // malformed line: skip
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		entries = append(entries, entry{addr: addr, name: fields[2]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].addr < entries[j].addr })

	symbols := make([]*model.SymbolIdentity, 0, len(entries))
	for i, e := range entries {
		end := e.addr + 1
		if i+1 < len(entries) && entries[i+1].addr > e.addr {
			end = entries[i+1].addr
		}
		id := cache.GetOrCreate(model.KernelPath, e.addr, end, func() *model.SymbolIdentity {
			return &model.SymbolIdentity{Name: e.name, Path: model.KernelPath, Start: e.addr, End: end}
		})
		symbols = append(symbols, id)
	}

	t := &Table{symbols: symbols}
	if len(symbols) > 0 {
		t.minAddress = symbols[0].Start
		t.maxAddress = symbols[len(symbols)-1].End
	}
	return t, nil
}

// MinAddress and MaxAddress bound the range covered by the table; Resolve
// fast-rejects anything outside [MinAddress, MaxAddress).
func (t *Table) MinAddress() uint64 { return t.minAddress }
func (t *Table) MaxAddress() uint64 { return t.maxAddress }

// Resolve returns the kernel symbol covering address, or nil.
func (t *Table) Resolve(address uint64) *model.SymbolIdentity {
	if address < t.minAddress || address >= t.maxAddress {
		return nil
	}
	i := sort.Search(len(t.symbols), func(i int) bool { return t.symbols[i].End > address })
	if i >= len(t.symbols) {
		return nil
	}
	if t.symbols[i].Start <= address {
		return t.symbols[i]
	}
	return nil
}
