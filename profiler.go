// Package liveprofiler drives the sample-acquisition and symbolization
// pipeline: a collector feeds batches through an ordered list of
// interceptors and then into every registered analyzer, for a bounded
// wall-clock duration.
package liveprofiler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tripwire/liveprofiler/internal/model"
	"github.com/tripwire/liveprofiler/internal/perrs"
)

// Collector is the sole owner of all kernel resources driving sample
// acquisition. Implemented by *sampler.Sampler.
type Collector interface {
	Enable() error
	Disable() error
	Collect(timeout time.Duration) ([]*model.Sample, error)
	Reset()
}

// Interceptor enriches or otherwise alters a batch of samples in place
// before it reaches the analyzers. Implemented by *symbolize.Interceptor.
type Interceptor interface {
	Alter(batch []*model.Sample) error
	Reset()
}

// Analyzer consumes a batch of enriched samples. Implemented by the
// frequency and hot-path analyzers in package analyzer.
type Analyzer interface {
	Feed(batch []*model.Sample) error
	Reset()
}

// Profiler owns one collector, an ordered list of interceptors, and an
// unordered list of analyzers. It is not safe for concurrent use: the
// collector is the sole owner of all kernel resources and only one
// goroutine may drive the pipeline at a time.
type Profiler struct {
	collector    Collector
	interceptors []Interceptor
	analyzers    []Analyzer
	logger       *slog.Logger
}

// Option is a functional option for Profiler construction.
type Option func(*Profiler)

// WithCollector registers the sample collector. Required: CollectFor fails
// with a configuration error if no collector has been set.
func WithCollector(c Collector) Option {
	return func(p *Profiler) { p.collector = c }
}

// WithInterceptors appends one or more interceptors, run in the given
// order against every batch.
func WithInterceptors(is ...Interceptor) Option {
	return func(p *Profiler) { p.interceptors = append(p.interceptors, is...) }
}

// WithAnalyzers appends one or more analyzers. Analyzer order is a
// convenience, not a contract: analyzers must not depend on one another's
// side effects.
func WithAnalyzers(as ...Analyzer) Option {
	return func(p *Profiler) { p.analyzers = append(p.analyzers, as...) }
}

// WithLogger overrides the default no-op logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Profiler) { p.logger = logger }
}

// New creates a Profiler. Provide the collector, interceptors, and
// analyzers via the functional options above; all are optional at
// construction time, though CollectFor requires a collector to have been
// set before it is called.
func New(opts ...Option) *Profiler {
	p := &Profiler{logger: slog.New(slog.NewTextHandler(noopWriter{}, nil))}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type noopWriter struct{}

func (noopWriter) Write(b []byte) (int, error) { return len(b), nil }

// CollectFor enables the collector, then loops draining batches and
// passing each through every interceptor and then every analyzer, until
// duration has elapsed on a monotonic clock. The collector is disabled on
// every exit path, including an error from an interceptor or analyzer.
func (p *Profiler) CollectFor(duration time.Duration) error {
	if p.collector == nil {
		return perrs.New(perrs.KindConfig, "profiler.collect_for", nil)
	}

	if err := p.collector.Enable(); err != nil {
		return perrs.New(perrs.KindPersistentOS, "profiler.collect_for.enable", err)
	}
	defer func() {
		if err := p.collector.Disable(); err != nil {
			p.logger.Warn("profiler: disable failed on exit", slog.Any("error", err))
		}
	}()

	deadline := time.Now().Add(duration)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}

		batch, err := p.collector.Collect(remaining)
		if err != nil {
			return fmt.Errorf("profiler: collect_for: collect: %w", err)
		}

		for _, ic := range p.interceptors {
			if err := ic.Alter(batch); err != nil {
				return fmt.Errorf("profiler: collect_for: interceptor: %w", err)
			}
		}
		for _, an := range p.analyzers {
			if err := an.Feed(batch); err != nil {
				return fmt.Errorf("profiler: collect_for: analyzer: %w", err)
			}
		}
	}
}

// Reset resets the collector, every interceptor, and every analyzer,
// restoring the state of a freshly constructed pipeline with the same
// components. It must not be called while CollectFor is running.
func (p *Profiler) Reset() {
	if p.collector != nil {
		p.collector.Reset()
	}
	for _, ic := range p.interceptors {
		ic.Reset()
	}
	for _, an := range p.analyzers {
		an.Reset()
	}
}
