//go:build linux

package epoll

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// setData and getData pack/unpack a full uint64 tag into the epoll_data
// union. golang.org/x/sys/unix represents that union as two adjacent
// int32 fields (Fd, Pad); since they are laid out contiguously this is
// the same eight bytes the kernel hands back verbatim in epoll_wait.
func setData(ev *unix.EpollEvent, v uint64) {
	*(*uint64)(unsafe.Pointer(&ev.Fd)) = v
}

func getData(ev *unix.EpollEvent) uint64 {
	return *(*uint64)(unsafe.Pointer(&ev.Fd))
}
