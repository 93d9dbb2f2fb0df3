// Package procfs enumerates processes and threads through the proc
// filesystem's numeric subdirectories. It backs the sampler's periodic
// thread discovery, so its filter path is written to avoid per-call heap
// allocation: callers that build many filters (one per collecting session)
// should keep reusing a single NameFilter rather than constructing one per
// discovery round.
package procfs

import (
	"os"
	"sort"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ListPids returns every pid currently present under /proc whose numeric
// directory name parses as a positive integer and for which filter(pid)
// reports true. A nil filter matches every pid. Entries that disappear
// between the directory read and the filter check are silently skipped: the
// process may have exited in the interim.
func ListPids(filter func(pid int) bool) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	pids := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 {
			continue
		}
		if filter != nil && !filter(pid) {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids, nil
}

// ListTids returns every tid under /proc/<pid>/task. It returns an empty
// slice, not an error, if pid no longer exists: a thread enumeration racing
// a dying process is an expected, not exceptional, occurrence.
func ListTids(pid int) []int {
	entries, err := os.ReadDir(taskDir(pid))
	if err != nil {
		return nil
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		tid, err := strconv.Atoi(e.Name())
		if err != nil || tid <= 0 {
			continue
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids
}

// PidExists reports whether pid currently has a proc entry.
func PidExists(pid int) bool {
	var st unix.Stat_t
	return unix.Stat(procDir(pid), &st) == nil
}

// TidExists reports whether tid is currently a thread of pid.
func TidExists(pid, tid int) bool {
	var st unix.Stat_t
	return unix.Stat(taskEntryDir(pid, tid), &st) == nil
}

func procDir(pid int) string       { return "/proc/" + strconv.Itoa(pid) }
func taskDir(pid int) string       { return procDir(pid) + "/task" }
func taskEntryDir(pid, tid int) string {
	return taskDir(pid) + "/" + strconv.Itoa(tid)
}

// NameFilter matches processes by the complete final path component of
// their executable link, case-sensitively. It reuses a scratch buffer
// across calls to keep the match a cheap readlink rather than a string-heavy
// path-join-then-compare.
type NameFilter struct {
	name string
	buf  []byte
}

// NewNameFilter builds a filter for the given executable basename, e.g.
// "myapp" matches any pid whose exe link ends in "/myapp".
func NewNameFilter(name string) *NameFilter {
	return &NameFilter{
		name: name,
		buf:  make([]byte, 0, 64),
	}
}

// Match reports whether pid's executable link's final path component equals
// the filter's configured name.
func (f *NameFilter) Match(pid int) bool {
	f.buf = f.buf[:0]
	f.buf = append(f.buf, "/proc/"...)
	f.buf = strconv.AppendInt(f.buf, int64(pid), 10)
	f.buf = append(f.buf, "/exe"...)

	var linkBuf [unix.PathMax]byte
	// f.buf is NUL-free proc-path bytes; unsafe.String avoids the copy a
	// string(f.buf) conversion would force on every discovery round.
	n, err := unix.Readlink(unsafe.String(&f.buf[0], len(f.buf)), linkBuf[:])
	if err != nil || n <= 0 {
		return false
	}
	link := linkBuf[:n]

	base := link
	for i := len(link) - 1; i >= 0; i-- {
		if link[i] == '/' {
			base = link[i+1:]
			break
		}
	}
	return string(base) == f.name
}
