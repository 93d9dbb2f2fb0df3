// Package symbolize attaches symbol identities to raw instruction-pointer
// samples, falling through address-space+ELF resolution, kernel symbols,
// and per-process JIT maps in that order.
package symbolize

import (
	"io"
	"log/slog"
	"time"

	"github.com/tripwire/liveprofiler/internal/addrspace"
	"github.com/tripwire/liveprofiler/internal/elfsym"
	"github.com/tripwire/liveprofiler/internal/jitmap"
	"github.com/tripwire/liveprofiler/internal/kallsyms"
	"github.com/tripwire/liveprofiler/internal/model"
	"github.com/tripwire/liveprofiler/internal/pool"
	"github.com/tripwire/liveprofiler/internal/procfs"
)

// DefaultSweepInterval is the minimum wall-clock spacing between two
// per-pid cache eviction sweeps.
const DefaultSweepInterval = time.Second

type pidCache struct {
	addr *addrspace.Map
	jit  *jitmap.Resolver
}

// Interceptor resolves sample instruction pointers to symbol identities.
// It owns all per-pid caches and the process-wide ELF-table cache; it is
// not safe for concurrent use.
type Interceptor struct {
	interner  *pool.Interner
	symCache  *pool.SymbolCache
	elfTables map[string]*elfsym.Table // keyed by interned path

	perPid map[int]*pidCache

	sweepInterval time.Duration
	lastSweep     time.Time

	// one-slot last-lookup hint: samples tend to arrive clustered by pid.
	hintPid   int
	hintCache *pidCache

	logger *slog.Logger
}

// New returns an Interceptor with its own interner and symbol cache. An
// optional logger may be passed; it defaults to a discarding logger.
func New(logger ...*slog.Logger) *Interceptor {
	return &Interceptor{
		interner:      pool.NewInterner(),
		symCache:      pool.NewSymbolCache(),
		elfTables:     make(map[string]*elfsym.Table),
		perPid:        make(map[int]*pidCache),
		sweepInterval: DefaultSweepInterval,
		hintPid:       -1,
		logger:        pickLogger(logger),
	}
}

func pickLogger(logger []*slog.Logger) *slog.Logger {
	if len(logger) > 0 && logger[0] != nil {
		return logger[0]
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Alter resolves the primary symbol and every call-chain symbol of each
// sample in batch, in place.
func (in *Interceptor) Alter(batch []*model.Sample) error {
	if time.Since(in.lastSweep) >= in.sweepInterval {
		in.sweep()
		in.lastSweep = time.Now()
	}

	for _, sm := range batch {
		sm.Symbol = in.resolve(int(sm.PID), sm.IP)

		sm.CallChainSymbols = sm.CallChainSymbols[:0]
		for _, ip := range sm.CallChainIPs {
			sm.CallChainSymbols = append(sm.CallChainSymbols, in.resolve(int(sm.PID), ip))
		}
	}
	return nil
}

// Reset drops every per-pid cache and ELF table, restoring a freshly
// constructed state. Symbol identities already handed out remain valid
// (they are immutable) but will no longer be reused by reference.
func (in *Interceptor) Reset() {
	in.perPid = make(map[int]*pidCache)
	in.elfTables = make(map[string]*elfsym.Table)
	in.symCache = pool.NewSymbolCache()
	in.interner = pool.NewInterner()
	in.hintPid = -1
	in.hintCache = nil
	in.lastSweep = time.Time{}
}

func (in *Interceptor) resolve(pid int, ip uint64) *model.SymbolIdentity {
	pc := in.pidCacheFor(pid)

	if path, offset, ok := pc.addr.Locate(ip, false); ok {
		if tbl := in.elfTableFor(path); tbl != nil {
			if sym := tbl.Resolve(offset); sym != nil {
				return sym
			}
		}
	}

	if kt, err := kallsyms.Get(in.symCache); err == nil {
		if sym := kt.Resolve(ip); sym != nil {
			return sym
		}
	}

	return pc.jit.Resolve(ip, false)
}

func (in *Interceptor) pidCacheFor(pid int) *pidCache {
	if in.hintPid == pid && in.hintCache != nil {
		return in.hintCache
	}
	pc, ok := in.perPid[pid]
	if !ok {
		pc = &pidCache{
			addr: addrspace.New(pid, in.interner),
			jit:  jitmap.New(pid, in.interner, in.symCache),
		}
		in.perPid[pid] = pc
	}
	in.hintPid = pid
	in.hintCache = pc
	return pc
}

func (in *Interceptor) elfTableFor(path string) *elfsym.Table {
	if tbl, ok := in.elfTables[path]; ok {
		return tbl
	}
	tbl, err := elfsym.Load(path, in.symCache)
	if err != nil {
		in.elfTables[path] = nil // remember the failure; don't retry every sample
		return nil
	}
	in.elfTables[path] = tbl
	return tbl
}

// sweep evicts per-pid caches whose process no longer exists. The jit-map
// cache for a pid is evicted in the same step since it shares the pidCache
// entry with the address-space cache.
func (in *Interceptor) sweep() {
	for pid := range in.perPid {
		if !procfs.PidExists(pid) {
			delete(in.perPid, pid)
			if in.hintPid == pid {
				in.hintPid = -1
				in.hintCache = nil
			}
			in.logger.Debug("symbolize: evicted cache for dead pid", slog.Int("pid", pid))
		}
	}
}
