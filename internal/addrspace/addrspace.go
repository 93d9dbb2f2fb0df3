// Package addrspace parses a process's memory map and locates the object
// file and offset backing a virtual address, per process.
package addrspace

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tripwire/liveprofiler/internal/pool"
)

// Entry is one non-overlapping region of a process's virtual address space.
type Entry struct {
	Start      uint64
	End        uint64
	FileOffset uint64
	Path       string // interned; empty for anonymous mappings
}

// DefaultReloadInterval is the minimum time between two map reloads
// triggered by a locate miss, per the rate-limit the lookup protocol calls
// for.
const DefaultReloadInterval = 100 * time.Millisecond

// Map is the address-space map for a single process. It is not safe for
// concurrent use; the symbol-resolution interceptor is its sole owner.
type Map struct {
	pid      int
	interner *pool.Interner
	entries  []Entry // sorted by Start
	lastLoad time.Time
	interval time.Duration
}

// New returns a Map for pid. The map is empty until the first Locate call
// triggers a load.
func New(pid int, interner *pool.Interner) *Map {
	return &Map{pid: pid, interner: interner, interval: DefaultReloadInterval}
}

// Locate finds the (path, offset) backing address, reloading from
// /proc/<pid>/maps on a miss if forceReload is set or the rate-limit
// interval has elapsed since the last load. It returns ok=false if no entry
// covers address even after a reload attempt.
func (m *Map) Locate(address uint64, forceReload bool) (path string, offset uint64, ok bool) {
	if e, found := m.search(address); found {
		return e.Path, address - e.Start + e.FileOffset, true
	}

	if forceReload || time.Since(m.lastLoad) > m.interval {
		if err := m.reload(); err == nil {
			if e, found := m.search(address); found {
				return e.Path, address - e.Start + e.FileOffset, true
			}
		}
	}
	return "", 0, false
}

func (m *Map) search(address uint64) (Entry, bool) {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].End > address })
	if i < len(m.entries) && m.entries[i].Start <= address && address < m.entries[i].End {
		return m.entries[i], true
	}
	return Entry{}, false
}

// reload rebuilds the entry list from /proc/<pid>/maps. A read failure
// (process exited) leaves the previous entries in place.
func (m *Map) reload() error {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", m.pid))
	if err != nil {
		return err
	}
	defer f.Close()

	entries := make([]Entry, 0, len(m.entries))
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		e, ok := parseMapsLine(sc.Text())
		if !ok {
			continue // malformed line: skip, per the parsing-anomaly policy
		}
		if e.Path != "" {
			e.Path = m.interner.Intern(e.Path)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Start < entries[j].Start })
	m.entries = entries
	m.lastLoad = time.Now()
	return nil
}

// parseMapsLine parses one "START-END PERMS OFFSET DEV INODE PATHNAME?"
// line from /proc/<pid>/maps. The pathname field is optional; when absent
// the mapping is anonymous.
func parseMapsLine(line string) (Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Entry{}, false
	}

	rng := strings.SplitN(fields[0], "-", 2)
	if len(rng) != 2 {
		return Entry{}, false
	}
	start, err := strconv.ParseUint(rng[0], 16, 64)
	if err != nil {
		return Entry{}, false
	}
	end, err := strconv.ParseUint(rng[1], 16, 64)
	if err != nil {
		return Entry{}, false
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Entry{}, false
	}

	var path string
	if len(fields) >= 6 {
		path = strings.Join(fields[5:], " ")
	}

	return Entry{Start: start, End: end, FileOffset: offset, Path: path}, true
}
