//go:build linux

// Package perf opens and drains a CPU-clock software event through
// perf_event_open, reading samples out of the kernel's mmap'd ring buffer.
package perf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tripwire/liveprofiler/internal/perrs"
)

// Config selects the sampling parameters for one Open call. It mirrors the
// subset of perf_event_attr this profiler actually drives.
type Config struct {
	SamplePeriod      uint64 // sample every N occurrences of the clock event
	MmapPageCount     uint32 // data-page count, must be a power of two
	WakeupEvents      uint64
	ExcludeUser       bool
	ExcludeKernel     bool
	ExcludeHypervisor bool
	IncludeCallchain  bool
}

const pageSize = 4096

// Entry owns one perf_event_open file descriptor and its mmap'd ring
// buffer. It is not safe for concurrent use.
type Entry struct {
	fd         int
	tid        int
	data       []byte // full mapping: 1 header page + cfg.MmapPageCount data pages
	dataSize   uint64 // byte size of the data region (data[pageSize:])
	readOffset uint64 // local copy of the last data_tail we published
}

// Open attaches a CPU-clock software event to tid and maps its ring buffer.
// The event is created disabled; call Enable to start counting.
func Open(tid int, cfg Config) (*Entry, error) {
	if cfg.MmapPageCount == 0 || cfg.MmapPageCount&(cfg.MmapPageCount-1) != 0 {
		return nil, perrs.New(perrs.KindConfig, "perf.open",
			fmt.Errorf("MmapPageCount %d is not a power of two", cfg.MmapPageCount))
	}

	sampleType := uint64(unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TID)
	if cfg.IncludeCallchain {
		sampleType |= unix.PERF_SAMPLE_CALLCHAIN
	}

	var bits uint64 = unix.PerfBitDisabled
	if cfg.ExcludeUser {
		bits |= unix.PerfBitExcludeUser
	}
	if cfg.ExcludeKernel {
		bits |= unix.PerfBitExcludeKernel
	}
	if cfg.ExcludeHypervisor {
		bits |= unix.PerfBitExcludeHv
	}

	attr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config:      unix.PERF_COUNT_SW_CPU_CLOCK,
		Sample:      cfg.SamplePeriod,
		Sample_type: sampleType,
		Wakeup:      uint32(cfg.WakeupEvents),
		Bits:        bits,
	}

	fd, err := unix.PerfEventOpen(&attr, tid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		kind := perrs.KindPersistentOS
		if errors.Is(err, unix.ESRCH) {
			kind = perrs.KindTransient // thread died between enumeration and open
		}
		return nil, perrs.New(kind, "perf.open", fmt.Errorf("tid %d: %w", tid, err))
	}

	dataSize := uint64(cfg.MmapPageCount) * pageSize
	mapSize := int(pageSize + dataSize)
	data, err := unix.Mmap(fd, 0, mapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, perrs.New(perrs.KindPersistentOS, "perf.open", fmt.Errorf("mmap tid %d: %w", tid, err))
	}

	return &Entry{fd: fd, tid: tid, data: data, dataSize: dataSize}, nil
}

// Fd returns the underlying perf_event file descriptor, for registration
// with a readiness multiplexer.
func (e *Entry) Fd() int { return e.fd }

func (e *Entry) header() *unix.PerfEventMmapPage {
	return (*unix.PerfEventMmapPage)(unsafe.Pointer(&e.data[0]))
}

// Enable and Disable start and stop counting without tearing down the
// mapping.
func (e *Entry) Enable() error {
	return unix.IoctlSetInt(e.fd, unix.PERF_EVENT_IOC_ENABLE, 0)
}

func (e *Entry) Disable() error {
	return unix.IoctlSetInt(e.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
}

// Reset zeroes the event's running count without changing its enabled
// state.
func (e *Entry) Reset() error {
	return unix.IoctlSetInt(e.fd, unix.PERF_EVENT_IOC_RESET, 0)
}

// Record is one decoded PERF_RECORD_SAMPLE entry.
type Record struct {
	IP         uint64
	PID        uint32
	TID        uint32
	CallChain  []uint64 // only populated when Config.IncludeCallchain was set
}

// Records drains up to scanLimit samples currently available in the ring
// buffer without publishing them as consumed; call Advance to do that.
// Ring-buffer records that would wrap past the end of the data region are
// not decoded: once such a record is fully published it is skipped and the
// scan goes on past it.
func (e *Entry) Records(scanLimit int) ([]Record, error) {
	hdr := e.header()
	head := atomic.LoadUint64(&hdr.Data_head)

	var out []Record
	pos := e.readOffset
	base := pageSize

	for len(out) < scanLimit && pos < head {
		avail := head - pos
		if avail < 8 {
			break
		}
		off := int(pos % e.dataSize)

		// A record header never straddles the buffer end in this reader;
		// treat a would-be wrap as end-of-scan for this round.
		if off+8 > int(e.dataSize) {
			break
		}
		recType := binary.LittleEndian.Uint32(e.data[base+off : base+off+4])
		recSize := binary.LittleEndian.Uint16(e.data[base+off+6 : base+off+8])
		if recSize < 8 {
			return out, perrs.New(perrs.KindPersistentOS, "perf.records",
				fmt.Errorf("malformed record size %d at offset %d", recSize, off))
		}
		if pos+uint64(recSize) > head {
			break
		}
		if off+int(recSize) > int(e.dataSize) {
			// Straddles the end of the data region: skip it undecoded.
			pos += uint64(recSize)
			continue
		}

		if recType == unix.PERF_RECORD_SAMPLE {
			rec, ok := parseSample(e.data[base+off+8 : base+off+int(recSize)])
			if ok {
				out = append(out, rec)
			}
		}
		pos += uint64(recSize)
	}

	e.readOffset = pos
	return out, nil
}

// parseSample decodes a PERF_RECORD_SAMPLE payload laid out as
// ip(u64) pid(u32) tid(u32) [nr(u64) ips[nr](u64)].
func parseSample(payload []byte) (Record, bool) {
	if len(payload) < 16 {
		return Record{}, false
	}
	var r Record
	r.IP = binary.LittleEndian.Uint64(payload[0:8])
	r.PID = binary.LittleEndian.Uint32(payload[8:12])
	r.TID = binary.LittleEndian.Uint32(payload[12:16])

	if len(payload) >= 24 {
		nr := binary.LittleEndian.Uint64(payload[16:24])
		need := 24 + int(nr)*8
		if need <= len(payload) {
			chain := make([]uint64, nr)
			for i := range chain {
				off := 24 + i*8
				chain[i] = binary.LittleEndian.Uint64(payload[off : off+8])
			}
			r.CallChain = chain
		}
	}
	return r, true
}

// Advance publishes readOffset as consumed so the kernel may reuse that
// ring-buffer space.
func (e *Entry) Advance() {
	hdr := e.header()
	atomic.StoreUint64(&hdr.Data_tail, e.readOffset)
}

// Close releases the mapping then the descriptor, in that order.
func (e *Entry) Close() error {
	var err error
	if e.data != nil {
		err = unix.Munmap(e.data)
		e.data = nil
	}
	if cerr := unix.Close(e.fd); err == nil {
		err = cerr
	}
	return err
}
