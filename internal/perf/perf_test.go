//go:build linux

package perf

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

// TestPerfEventMmapPageSize guards against a golang.org/x/sys/unix update
// silently changing the kernel ABI struct layout this package casts mmap'd
// memory onto.
func TestPerfEventMmapPageSize(t *testing.T) {
	if got := unsafe.Sizeof(unix.PerfEventMmapPage{}); got != 1088 {
		t.Fatalf("unsafe.Sizeof(PerfEventMmapPage{}) = %d, want 1088", got)
	}
}

func TestPerfEventAttrSize(t *testing.T) {
	// Must never exceed one page; Open relies on it fitting comfortably
	// within the kernel's expected attr size handling.
	if got := unsafe.Sizeof(unix.PerfEventAttr{}); got > pageSize {
		t.Fatalf("unsafe.Sizeof(PerfEventAttr{}) = %d, exceeds a page", got)
	}
}

func TestParseSampleWithoutCallchain(t *testing.T) {
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:8], 0xdeadbeef)
	binary.LittleEndian.PutUint32(payload[8:12], 111)
	binary.LittleEndian.PutUint32(payload[12:16], 222)

	rec, ok := parseSample(payload)
	if !ok {
		t.Fatal("parseSample: ok = false, want true")
	}
	if rec.IP != 0xdeadbeef || rec.PID != 111 || rec.TID != 222 {
		t.Fatalf("parseSample = %+v, want IP=0xdeadbeef PID=111 TID=222", rec)
	}
	if rec.CallChain != nil {
		t.Fatalf("CallChain = %v, want nil", rec.CallChain)
	}
}

func TestParseSampleWithCallchain(t *testing.T) {
	payload := make([]byte, 16+8+3*8)
	binary.LittleEndian.PutUint64(payload[0:8], 0x1000)
	binary.LittleEndian.PutUint32(payload[8:12], 1)
	binary.LittleEndian.PutUint32(payload[12:16], 2)
	binary.LittleEndian.PutUint64(payload[16:24], 3)
	binary.LittleEndian.PutUint64(payload[24:32], 0xa)
	binary.LittleEndian.PutUint64(payload[32:40], 0xb)
	binary.LittleEndian.PutUint64(payload[40:48], 0xc)

	rec, ok := parseSample(payload)
	if !ok {
		t.Fatal("parseSample: ok = false, want true")
	}
	want := []uint64{0xa, 0xb, 0xc}
	if len(rec.CallChain) != len(want) {
		t.Fatalf("CallChain = %v, want %v", rec.CallChain, want)
	}
	for i := range want {
		if rec.CallChain[i] != want[i] {
			t.Fatalf("CallChain[%d] = %#x, want %#x", i, rec.CallChain[i], want[i])
		}
	}
}

func TestParseSampleTruncatedPayload(t *testing.T) {
	if _, ok := parseSample(make([]byte, 8)); ok {
		t.Fatal("parseSample on a too-short payload: ok = true, want false")
	}
}

// TestOpenRejectsNonPowerOfTwoPageCount exercises Open's validation
// without requiring perf_event_open support from the host kernel.
func TestOpenRejectsNonPowerOfTwoPageCount(t *testing.T) {
	_, err := Open(0, Config{MmapPageCount: 3})
	if err == nil {
		t.Fatal("Open with MmapPageCount=3: error = nil, want non-nil")
	}
}

// TestEntryRecordsReadsFromSyntheticRingBuffer builds an Entry around a
// plain in-process byte slice (not a real mmap) to exercise the ring-buffer
// walk and parsing logic end to end without opening an actual perf event.
func TestEntryRecordsReadsFromSyntheticRingBuffer(t *testing.T) {
	const dataPages = 2
	buf := make([]byte, pageSize+dataPages*pageSize)

	recordOff := 0
	writeSampleRecord(buf[pageSize+recordOff:], 0x1234, 7, 8)
	recordLen := 8 + 16 // header + ip/pid/tid, no callchain

	hdr := (*unix.PerfEventMmapPage)(unsafe.Pointer(&buf[0]))
	hdr.Data_head = uint64(recordLen)

	e := &Entry{data: buf, dataSize: dataPages * pageSize}

	recs, err := e.Records(10)
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Records() returned %d records, want 1", len(recs))
	}
	if recs[0].IP != 0x1234 || recs[0].PID != 7 || recs[0].TID != 8 {
		t.Fatalf("Records()[0] = %+v, want IP=0x1234 PID=7 TID=8", recs[0])
	}

	e.Advance()
	if hdr.Data_tail != uint64(recordLen) {
		t.Fatalf("Data_tail after Advance = %d, want %d", hdr.Data_tail, recordLen)
	}

	// A second scan with nothing new queued must return no records.
	recs, err = e.Records(10)
	if err != nil {
		t.Fatalf("Records() second call error = %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("Records() second call returned %d records, want 0", len(recs))
	}
}

func writeSampleRecord(dst []byte, ip uint64, pid, tid uint32) {
	payloadLen := 16
	recSize := 8 + payloadLen
	binary.LittleEndian.PutUint32(dst[0:4], unix.PERF_RECORD_SAMPLE)
	binary.LittleEndian.PutUint16(dst[4:6], 0)
	binary.LittleEndian.PutUint16(dst[6:8], uint16(recSize))
	binary.LittleEndian.PutUint64(dst[8:16], ip)
	binary.LittleEndian.PutUint32(dst[16:20], pid)
	binary.LittleEndian.PutUint32(dst[20:24], tid)
}
