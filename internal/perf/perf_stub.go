//go:build !linux

package perf

import "errors"

// ErrNotSupported is returned by every exported operation on platforms
// other than Linux, where perf_event_open does not exist.
var ErrNotSupported = errors.New("perf: perf_event_open is only supported on linux")

type Config struct {
	SamplePeriod      uint64
	MmapPageCount     uint32
	WakeupEvents      uint64
	ExcludeUser       bool
	ExcludeKernel     bool
	ExcludeHypervisor bool
	IncludeCallchain  bool
}

type Record struct {
	IP        uint64
	PID       uint32
	TID       uint32
	CallChain []uint64
}

type Entry struct{}

func Open(tid int, cfg Config) (*Entry, error) { return nil, ErrNotSupported }

func (e *Entry) Fd() int { return -1 }

func (e *Entry) Enable() error  { return ErrNotSupported }
func (e *Entry) Disable() error { return ErrNotSupported }
func (e *Entry) Reset() error   { return ErrNotSupported }

func (e *Entry) Records(scanLimit int) ([]Record, error) { return nil, ErrNotSupported }
func (e *Entry) Advance()                                {}
func (e *Entry) Close() error                            { return ErrNotSupported }
