//go:build linux

// Package sampler maintains the set of perf entries for a target process's
// threads and drains their ring buffers into pooled samples.
package sampler

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tripwire/liveprofiler/internal/epoll"
	"github.com/tripwire/liveprofiler/internal/model"
	"github.com/tripwire/liveprofiler/internal/perf"
	"github.com/tripwire/liveprofiler/internal/pool"
	"github.com/tripwire/liveprofiler/internal/procfs"
)

// DefaultDiscoveryInterval is how often Collect re-enumerates the target's
// threads when it has not been told to force a refresh.
const DefaultDiscoveryInterval = 100 * time.Millisecond

// transitionMarkerMask isolates the upper 48 bits of a call-chain ip; the
// kernel uses values with all of those bits set (PERF_CONTEXT_KERNEL,
// PERF_CONTEXT_USER, and siblings) as pseudo-addresses marking a privilege
// transition rather than a real frame.
const transitionMarkerMask = 0xFFFFFFFFFFFF0000

// Config carries the fixed perf-event configuration applied to every
// tracked thread and the sampler's own housekeeping parameters.
type Config struct {
	DiscoveryInterval time.Duration
	Perf              perf.Config
	WakeupEvents      uint64
}

type trackedEntry struct {
	tid int
	pf  *perf.Entry
}

// Sampler maintains a tid -> perf entry map for one target process filter
// and drains ready entries into pooled samples. It is not safe for
// concurrent use.
type Sampler struct {
	filter func(pid int) bool
	cfg    Config
	pool   *pool.SamplePool
	poller *epoll.Poller

	entries    map[int]*trackedEntry
	tidScratch []int
	eventBuf   []unix.EpollEvent
	out        []*model.Sample

	enabled       bool
	lastDiscovery time.Time

	logger *slog.Logger
}

// New creates a Sampler tracking threads of processes matched by filter. An
// optional logger may be passed (teacher-style dependency injection); it
// defaults to a discarding logger when omitted.
func New(filter func(pid int) bool, cfg Config, samplePool *pool.SamplePool, logger ...*slog.Logger) (*Sampler, error) {
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = DefaultDiscoveryInterval
	}
	poller, err := epoll.New()
	if err != nil {
		return nil, err
	}
	return &Sampler{
		filter:   filter,
		cfg:      cfg,
		pool:     samplePool,
		poller:   poller,
		entries:  make(map[int]*trackedEntry),
		eventBuf: make([]unix.EpollEvent, 64),
		logger:   pickLogger(logger),
	}, nil
}

func pickLogger(logger []*slog.Logger) *slog.Logger {
	if len(logger) > 0 && logger[0] != nil {
		return logger[0]
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Collect runs discovery if due, releases the previous batch back to the
// pool, waits up to timeout for ready entries, and returns the new batch.
// The returned slice is only valid until the next Collect call.
func (s *Sampler) Collect(timeout time.Duration) ([]*model.Sample, error) {
	if time.Since(s.lastDiscovery) >= s.cfg.DiscoveryInterval {
		if err := s.discover(); err != nil {
			return nil, err
		}
		s.lastDiscovery = time.Now()
	}

	for _, sm := range s.out {
		s.pool.Put(sm)
	}
	s.out = s.out[:0]

	var timeoutMs int
	if timeout > 0 {
		timeoutMs = int((timeout + time.Millisecond - 1) / time.Millisecond)
		if timeoutMs < 1 {
			timeoutMs = 1
		}
	}
	events, err := s.poller.Wait(s.eventBuf, timeoutMs)
	if err != nil {
		return nil, err
	}

	for _, ev := range events {
		tid := int(ev.Token)
		e, ok := s.entries[tid]
		if !ok {
			continue
		}
		if ev.HangUp || ev.Err {
			s.removeEntry(tid)
			continue
		}
		if ev.Readable {
			s.drain(e)
		}
	}
	return s.out, nil
}

func (s *Sampler) drain(e *trackedEntry) {
	recs, err := e.pf.Records(int(s.cfg.WakeupEvents))
	if err != nil {
		s.removeEntry(e.tid)
		return
	}
	for _, r := range recs {
		sm := s.pool.Get()
		sm.IP = r.IP
		sm.PID = r.PID
		sm.TID = r.TID
		sm.CallChainIPs = appendFilteredCallChain(sm.CallChainIPs, r.IP, r.CallChain)
		s.out = append(s.out, sm)
	}
	e.pf.Advance()
}

// appendFilteredCallChain appends chain entries to dst, excluding
// kernel/user-space transition markers (entries whose upper 48 bits are
// all set) and any entry equal to the sample's own primary ip.
func appendFilteredCallChain(dst []uint64, primaryIP uint64, chain []uint64) []uint64 {
	for _, ip := range chain {
		if ip&transitionMarkerMask == transitionMarkerMask {
			continue
		}
		if ip == primaryIP {
			continue
		}
		dst = append(dst, ip)
	}
	return dst
}

// discover enumerates the target's current threads, opens perf entries for
// newly seen tids, and tears down entries for tids that disappeared.
func (s *Sampler) discover() error {
	pids, err := procfs.ListPids(s.filter)
	if err != nil {
		return err
	}

	s.tidScratch = s.tidScratch[:0]
	for _, pid := range pids {
		s.tidScratch = append(s.tidScratch, procfs.ListTids(pid)...)
	}
	sort.Ints(s.tidScratch)

	present := make(map[int]bool, len(s.tidScratch))
	for _, tid := range s.tidScratch {
		present[tid] = true
		if _, ok := s.entries[tid]; ok {
			continue
		}

		pf, err := perf.Open(tid, s.cfg.Perf)
		if err != nil {
			if errors.Is(err, unix.ESRCH) {
				continue // thread died between enumeration and open
			}
			return err
		}
		if err := s.poller.Add(pf.Fd(), uint64(tid)); err != nil {
			pf.Close()
			return err
		}
		if s.enabled {
			if err := pf.Enable(); err != nil {
				s.poller.Remove(pf.Fd())
				pf.Close()
				return err
			}
		}
		s.entries[tid] = &trackedEntry{tid: tid, pf: pf}
		s.logger.Debug("sampler: discovered thread", slog.Int("tid", tid))
	}

	for tid := range s.entries {
		if !present[tid] {
			s.removeEntry(tid)
		}
	}
	return nil
}

func (s *Sampler) removeEntry(tid int) {
	e, ok := s.entries[tid]
	if !ok {
		return
	}
	s.poller.Remove(e.pf.Fd())
	e.pf.Disable()
	e.pf.Close()
	delete(s.entries, tid)
	s.logger.Debug("sampler: thread exited", slog.Int("tid", tid))
}

// Enable starts counting on every tracked entry; newly discovered entries
// inherit the enabled state from then on.
func (s *Sampler) Enable() error {
	s.enabled = true
	for _, e := range s.entries {
		if err := e.pf.Enable(); err != nil {
			return err
		}
	}
	return nil
}

// Disable stops counting on every tracked entry.
func (s *Sampler) Disable() error {
	s.enabled = false
	var firstErr error
	for _, e := range s.entries {
		if err := e.pf.Disable(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reset disables and removes every entry, clears scratch state, and
// forgets the last discovery time so the next Collect always discovers.
func (s *Sampler) Reset() {
	for tid := range s.entries {
		s.removeEntry(tid)
	}
	s.tidScratch = s.tidScratch[:0]
	for _, sm := range s.out {
		s.pool.Put(sm)
	}
	s.out = s.out[:0]
	s.lastDiscovery = time.Time{}
	s.enabled = false
}

// Close releases the readiness multiplexer and every tracked entry.
func (s *Sampler) Close() error {
	s.Reset()
	return s.poller.Close()
}
