package symbolize

import (
	"os"
	"reflect"
	"strings"
	"testing"
)

// funcUnderTest exists solely so its address can be taken for a
// self-resolution test; it must not be inlined away, so callers obtain its
// address via reflection rather than calling it directly in a way the
// compiler could fold.
func funcUnderTest(x int) int {
	return x*2 + 1
}

func TestResolveSelfProcessFunctionReturnsNamedSymbol(t *testing.T) {
	if _, err := os.Executable(); err != nil {
		t.Skipf("os.Executable() unavailable: %v", err)
	}

	pc := reflect.ValueOf(funcUnderTest).Pointer()

	in := New()
	sym := in.resolve(os.Getpid(), uint64(pc))
	if sym == nil {
		t.Fatal("resolve(self pid, funcUnderTest address) = nil, want a resolved symbol")
	}
	if !strings.Contains(sym.Name, "funcUnderTest") {
		t.Fatalf("resolve(...).Name = %q, want it to contain funcUnderTest", sym.Name)
	}
}

func TestResolveReturnsSameReferenceOnSecondLookup(t *testing.T) {
	if _, err := os.Executable(); err != nil {
		t.Skipf("os.Executable() unavailable: %v", err)
	}

	pc := uint64(reflect.ValueOf(funcUnderTest).Pointer())

	in := New()
	first := in.resolve(os.Getpid(), pc)
	second := in.resolve(os.Getpid(), pc)
	if first == nil || second == nil {
		t.Fatal("resolve returned nil on a known-good address")
	}
	if first != second {
		t.Fatal("resolve(pid, ip) twice returned different references, want identical pointer")
	}
}

func TestSweepEvictsDeadPidCache(t *testing.T) {
	in := New()
	in.sweepInterval = 0

	const deadPid = 1 << 30 // implausible pid, procfs.PidExists must report false
	in.pidCacheFor(deadPid)
	if _, ok := in.perPid[deadPid]; !ok {
		t.Fatal("pidCacheFor did not populate the per-pid cache")
	}

	in.sweep()
	if _, ok := in.perPid[deadPid]; ok {
		t.Fatal("sweep() did not evict the dead pid's cache")
	}
}

func TestResetRestoresFreshState(t *testing.T) {
	in := New()
	in.pidCacheFor(123)
	in.Reset()

	if len(in.perPid) != 0 {
		t.Fatalf("perPid = %v after Reset, want empty", in.perPid)
	}
	if in.hintPid != -1 || in.hintCache != nil {
		t.Fatal("hint not cleared after Reset")
	}
}
