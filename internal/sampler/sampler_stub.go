//go:build !linux

package sampler

import (
	"errors"
	"log/slog"
	"time"

	"github.com/tripwire/liveprofiler/internal/model"
	"github.com/tripwire/liveprofiler/internal/perf"
	"github.com/tripwire/liveprofiler/internal/pool"
)

// ErrNotSupported is returned by every exported operation on platforms
// other than Linux, where perf_event_open and epoll do not exist.
var ErrNotSupported = errors.New("sampler: live CPU sampling is only supported on linux")

// Config mirrors the linux Config so callers can build one unconditionally.
type Config struct {
	DiscoveryInterval time.Duration
	Perf              perf.Config
	WakeupEvents      uint64
}

// Sampler is an inert stand-in; every method returns ErrNotSupported.
type Sampler struct{}

func New(filter func(pid int) bool, cfg Config, samplePool *pool.SamplePool, logger ...*slog.Logger) (*Sampler, error) {
	return nil, ErrNotSupported
}

func (s *Sampler) Collect(timeout time.Duration) ([]*model.Sample, error) {
	return nil, ErrNotSupported
}

func (s *Sampler) Enable() error { return ErrNotSupported }

func (s *Sampler) Disable() error { return ErrNotSupported }

func (s *Sampler) Reset() {}

func (s *Sampler) Close() error { return ErrNotSupported }
