// Package jitmap incrementally parses a process's JIT map side-file, the
// well-known convention runtimes use to publish symbol names for
// dynamically generated code that has no ELF symbol table entry.
package jitmap

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tripwire/liveprofiler/internal/model"
	"github.com/tripwire/liveprofiler/internal/pool"
)

// DefaultReloadInterval is the minimum time between two re-reads triggered
// by a resolve miss.
const DefaultReloadInterval = 100 * time.Millisecond

// Resolver incrementally reads one process's JIT map. It is not safe for
// concurrent use.
type Resolver struct {
	pid      int
	interner *pool.Interner
	cache    *pool.SymbolCache

	symbols    []*model.SymbolIdentity // sorted by End
	readOffset int64                   // byte offset into the file already consumed
	lastLoad   time.Time
	interval   time.Duration

	// pathOverride replaces the default "/tmp/perf-<pid>.map" path when
	// set; used by tests to point at a temporary fixture.
	pathOverride string
}

func (r *Resolver) path() string {
	if r.pathOverride != "" {
		return r.pathOverride
	}
	return fmt.Sprintf("/tmp/perf-%d.map", r.pid)
}

// New returns a Resolver for pid. Nothing is read until the first Resolve
// call.
func New(pid int, interner *pool.Interner, cache *pool.SymbolCache) *Resolver {
	return &Resolver{pid: pid, interner: interner, cache: cache, interval: DefaultReloadInterval}
}

// Resolve finds the JIT symbol covering address, re-reading the side-file
// on a miss if forceUpdate is set or the rate-limit interval has elapsed.
// A missing or empty file is not an error: it simply yields no symbol.
func (r *Resolver) Resolve(address uint64, forceUpdate bool) *model.SymbolIdentity {
	if sym, ok := r.search(address); ok {
		return sym
	}

	if forceUpdate || time.Since(r.lastLoad) > r.interval {
		r.update() // best-effort; errors (file absent) are swallowed
		if sym, ok := r.search(address); ok {
			return sym
		}
	}
	return nil
}

func (r *Resolver) search(address uint64) (*model.SymbolIdentity, bool) {
	i := sort.Search(len(r.symbols), func(i int) bool { return r.symbols[i].End > address })
	if i < len(r.symbols) && r.symbols[i].Start <= address {
		return r.symbols[i], true
	}
	return nil, false
}

// update re-reads the side-file from the last consumed byte offset and
// appends any newly completed lines. It never truncates previously
// accepted entries; an incomplete trailing line is deferred to the next
// round.
func (r *Resolver) update() {
	f, err := os.Open(r.path())
	if err != nil {
		r.lastLoad = time.Now()
		return
	}
	defer f.Close()

	if _, err := f.Seek(r.readOffset, 0); err != nil {
		r.lastLoad = time.Now()
		return
	}

	br := bufio.NewReader(f)
	consumed := r.readOffset
	for {
		line, err := br.ReadString('\n')
		if err != nil && line == "" {
			break
		}
		if err != nil {
			// Incomplete trailing line with no terminator yet: defer it.
			break
		}
		consumed += int64(len(line))
		if e, ok := parseLine(line); ok {
			e.Name = r.interner.Intern(e.Name)
			end := e.Start + e.Size
			if end <= e.Start {
				end = e.Start + 1
			}
			id := r.cache.GetOrCreate(model.JITMapPathPrefix+strconv.Itoa(r.pid)+"]", e.Start, end, func() *model.SymbolIdentity {
				return &model.SymbolIdentity{
					Name:  e.Name,
					Path:  model.JITMapPathPrefix + strconv.Itoa(r.pid) + "]",
					Start: e.Start,
					End:   end,
				}
			})
			r.symbols = append(r.symbols, id)
		}
	}
	r.readOffset = consumed
	r.lastLoad = time.Now()

	sort.Slice(r.symbols, func(i, j int) bool {
		if r.symbols[i].End != r.symbols[j].End {
			return r.symbols[i].End < r.symbols[j].End
		}
		return r.symbols[i].Start < r.symbols[j].Start
	})
}

type lineEntry struct {
	Start uint64
	Size  uint64
	Name  string
}

// parseLine parses one "ADDR_HEX SIZE_HEX NAME_REST_OF_LINE" JIT-map line.
// The trailing newline, if present, is stripped; the name may contain
// spaces and runs to the end of the line.
func parseLine(line string) (lineEntry, bool) {
	line = trimNewline(line)

	sp1 := strings.IndexByte(line, ' ')
	if sp1 < 0 {
		return lineEntry{}, false
	}
	rest := line[sp1+1:]
	sp2 := strings.IndexByte(rest, ' ')
	if sp2 < 0 {
		return lineEntry{}, false
	}

	addrStr := line[:sp1]
	sizeStr := rest[:sp2]
	name := rest[sp2+1:]
	if name == "" {
		return lineEntry{}, false
	}

	addr, err := strconv.ParseUint(addrStr, 16, 64)
	if err != nil {
		return lineEntry{}, false
	}
	size, err := strconv.ParseUint(sizeStr, 16, 64)
	if err != nil {
		return lineEntry{}, false
	}

	return lineEntry{Start: addr, Size: size, Name: name}, true
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

