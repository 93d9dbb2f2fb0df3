//go:build linux

// Package epoll is a thin, edge-triggered epoll wrapper used to multiplex
// readiness across many per-thread perf ring buffers with a single
// blocking wait.
package epoll

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tripwire/liveprofiler/internal/perrs"
)

// Poller owns one epoll instance.
type Poller struct {
	fd int
}

// New creates an epoll instance.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, perrs.New(perrs.KindPersistentOS, "epoll.new", err)
	}
	return &Poller{fd: fd}, nil
}

// Add registers fd for edge-triggered read readiness, tagged with data so
// the caller can recover which source fired.
func (p *Poller) Add(fd int, data uint64) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET}
	setData(&ev, data)
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return perrs.New(perrs.KindPersistentOS, "epoll.add", fmt.Errorf("fd %d: %w", fd, err))
	}
	return nil
}

// Modify replaces the registration for fd.
func (p *Poller) Modify(fd int, data uint64) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET}
	setData(&ev, data)
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return perrs.New(perrs.KindPersistentOS, "epoll.modify", fmt.Errorf("fd %d: %w", fd, err))
	}
	return nil
}

// Remove unregisters fd. Removing an fd that is not registered is not an
// error, matching the common case where the fd was already closed (the
// kernel drops it from the interest list automatically on close).
func (p *Poller) Remove(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return perrs.New(perrs.KindPersistentOS, "epoll.remove", fmt.Errorf("fd %d: %w", fd, err))
	}
	return nil
}

// Event reports one ready fd, identified by the token it was registered
// with, and which conditions fired.
type Event struct {
	Token    uint64
	Readable bool
	HangUp   bool
	Err      bool
}

// Wait blocks until at least one registered fd is ready or timeout
// elapses. timeoutMs == 0 returns immediately, matching epoll_wait's own
// non-blocking poll semantics; a negative timeoutMs is rounded up to 1ms
// rather than blocking indefinitely, since no caller in this package wants
// that. EINTR is swallowed and reported as a zero-length, nil-error result
// so callers can simply retry.
func (p *Poller) Wait(events []unix.EpollEvent, timeoutMs int) ([]Event, error) {
	if timeoutMs < 0 {
		timeoutMs = 1
	}
	n, err := unix.EpollWait(p.fd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, perrs.New(perrs.KindPersistentOS, "epoll.wait", err)
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = Event{
			Token:    getData(&events[i]),
			Readable: events[i].Events&unix.EPOLLIN != 0,
			HangUp:   events[i].Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Err:      events[i].Events&unix.EPOLLERR != 0,
		}
	}
	return out, nil
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	return unix.Close(p.fd)
}
