// Package config provides YAML configuration loading and validation for the
// profiler.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a profiling session. Field names
// and defaults follow the external interfaces' configuration surface.
type Config struct {
	// ProcessName selects the target process: the complete final path
	// component of its executable link, matched case-sensitively. Required.
	ProcessName string `yaml:"process_name"`

	// ProcessesUpdateInterval bounds how often the sampler re-enumerates
	// pids/tids. Defaults to 100ms when omitted.
	ProcessesUpdateInterval Duration `yaml:"processes_update_interval"`

	// SamplePeriod is the number of event units (nanoseconds of on-CPU time
	// for the CPU-clock event) between two samples on a single thread.
	// Defaults to 100000.
	SamplePeriod uint64 `yaml:"sample_period"`

	// MmapPageCount is the ring-buffer data-page count, excluding the
	// header page; must be a power of two. Defaults to 8.
	MmapPageCount uint32 `yaml:"mmap_page_count"`

	// WakeupEvents is the number of samples the kernel buffers before
	// marking a perf entry's fd read-ready. Defaults to 8.
	WakeupEvents uint64 `yaml:"wakeup_events"`

	// ExcludeUser, ExcludeKernel, ExcludeHypervisor gate which execution
	// contexts contribute samples. Defaults: false, true, true.
	ExcludeUser       bool `yaml:"-"`
	ExcludeKernel     bool `yaml:"-"`
	ExcludeHypervisor bool `yaml:"-"`

	// IncludeCallchain enables frame-pointer call-chain capture. Defaults
	// to true.
	IncludeCallchain bool `yaml:"-"`

	// InclusiveTraceLevel is the number of leading call-chain entries the
	// frequency analyzer credits with an inclusive count. Defaults to 3.
	InclusiveTraceLevel int `yaml:"inclusive_trace_level"`

	// SurvivalProcessCheckInterval bounds how often the interceptor sweeps
	// its per-pid caches for processes that no longer exist. Defaults to
	// 1s.
	SurvivalProcessCheckInterval Duration `yaml:"survival_process_check_interval"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

// UnmarshalYAML implements yaml.Unmarshaler for Config. The four boolean
// fields (exclude_user, exclude_kernel, exclude_hypervisor,
// include_callchain) default to false/true/true/true per the
// configuration surface regardless of Go's false zero value, which a plain
// `bool` field cannot distinguish from "absent in the YAML document"; this
// decodes through pointer fields so applyDefaults can tell "omitted" from
// "explicitly false".
func (cfg *Config) UnmarshalYAML(value *yaml.Node) error {
	type rawConfig struct {
		ProcessName                  string   `yaml:"process_name"`
		ProcessesUpdateInterval      Duration `yaml:"processes_update_interval"`
		SamplePeriod                 uint64   `yaml:"sample_period"`
		MmapPageCount                uint32   `yaml:"mmap_page_count"`
		WakeupEvents                 uint64   `yaml:"wakeup_events"`
		ExcludeUser                  *bool    `yaml:"exclude_user"`
		ExcludeKernel                *bool    `yaml:"exclude_kernel"`
		ExcludeHypervisor            *bool    `yaml:"exclude_hypervisor"`
		IncludeCallchain             *bool    `yaml:"include_callchain"`
		InclusiveTraceLevel          int      `yaml:"inclusive_trace_level"`
		SurvivalProcessCheckInterval Duration `yaml:"survival_process_check_interval"`
		LogLevel                     string   `yaml:"log_level"`
	}

	var raw rawConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}

	cfg.ProcessName = raw.ProcessName
	cfg.ProcessesUpdateInterval = raw.ProcessesUpdateInterval
	cfg.SamplePeriod = raw.SamplePeriod
	cfg.MmapPageCount = raw.MmapPageCount
	cfg.WakeupEvents = raw.WakeupEvents
	cfg.InclusiveTraceLevel = raw.InclusiveTraceLevel
	cfg.SurvivalProcessCheckInterval = raw.SurvivalProcessCheckInterval
	cfg.LogLevel = raw.LogLevel

	cfg.ExcludeUser = raw.ExcludeUser != nil && *raw.ExcludeUser
	cfg.ExcludeKernel = raw.ExcludeKernel == nil || *raw.ExcludeKernel
	cfg.ExcludeHypervisor = raw.ExcludeHypervisor == nil || *raw.ExcludeHypervisor
	cfg.IncludeCallchain = raw.IncludeCallchain == nil || *raw.IncludeCallchain
	return nil
}

// Duration is a time.Duration that unmarshals from YAML as either a plain
// integer (nanoseconds) or a Go duration string ("100ms", "1s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v))
	default:
		return fmt.Errorf("duration must be a string or integer nanosecond count, got %T", raw)
	}
	return nil
}

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields per the configuration
// surface's documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.ProcessesUpdateInterval == 0 {
		cfg.ProcessesUpdateInterval = Duration(100 * time.Millisecond)
	}
	if cfg.SamplePeriod == 0 {
		cfg.SamplePeriod = 100000
	}
	if cfg.MmapPageCount == 0 {
		cfg.MmapPageCount = 8
	}
	if cfg.WakeupEvents == 0 {
		cfg.WakeupEvents = 8
	}
	if cfg.InclusiveTraceLevel == 0 {
		cfg.InclusiveTraceLevel = 3
	}
	if cfg.SurvivalProcessCheckInterval == 0 {
		cfg.SurvivalProcessCheckInterval = Duration(time.Second)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// validate checks that all required fields are populated and that
// enumerated fields hold valid values. ExcludeKernel, ExcludeHypervisor and
// IncludeCallchain are defaulted in Config.UnmarshalYAML, not here, since a
// plain bool can't tell "absent" from "explicitly false" once it reaches
// this stage.
func validate(cfg *Config) error {
	var errs []error

	if cfg.ProcessName == "" {
		errs = append(errs, errors.New("process_name is required"))
	}
	if cfg.MmapPageCount&(cfg.MmapPageCount-1) != 0 {
		errs = append(errs, fmt.Errorf("mmap_page_count %d must be a power of two", cfg.MmapPageCount))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.InclusiveTraceLevel < 0 {
		errs = append(errs, fmt.Errorf("inclusive_trace_level %d must be non-negative", cfg.InclusiveTraceLevel))
	}

	return errors.Join(errs...)
}

// Default returns a Config populated with every documented default,
// including the boolean defaults (exclude_kernel, exclude_hypervisor,
// include_callchain = true) that a YAML-sourced zero value cannot express
// unambiguously. Callers building a Config programmatically rather than
// from YAML should start from Default and override fields, rather than
// relying on applyDefaults (which only runs from Load).
func Default(processName string) Config {
	return Config{
		ProcessName:                  processName,
		ProcessesUpdateInterval:      Duration(100 * time.Millisecond),
		SamplePeriod:                 100000,
		MmapPageCount:                8,
		WakeupEvents:                 8,
		ExcludeUser:                  false,
		ExcludeKernel:                true,
		ExcludeHypervisor:            true,
		IncludeCallchain:             true,
		InclusiveTraceLevel:          3,
		SurvivalProcessCheckInterval: Duration(time.Second),
		LogLevel:                     "info",
	}
}
