package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

type Config struct {
	Scheduler SchedulerConfig  `json:"scheduler"`
	Logging   LoggingConfig    `json:"logging"`
	Pprof     PprofConfig      `json:"pprof,omitempty"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

// SchedulerConfig controls the job manager.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// MemoryCeiling is "auto" (a share of available memory, resolved once at
// startup) or an absolute byte size ("512MB", "2GiB").
type SchedulerConfig struct {
	RunDir        string `json:"run_dir"`
	MemoryCeiling string `json:"memory_ceiling,omitempty"`

	MaxBacklog     int `json:"max_backlog,omitempty"`
	ProcessWorkers int `json:"process_workers,omitempty"`
	ThreadWorkers  int `json:"thread_workers,omitempty"`

	// RetryInterval is the sleep between admission re-checks.
	RetryInterval string `json:"retry_interval,omitempty"`

	// Timezone for schedule triggers. Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Prefer binding to localhost. Timeouts are Go duration strings;
// WriteTimeout defaults to 0 (disabled) so long profile captures work.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:6060"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// ScheduleConfig is one recurring submission: on every trigger the named
// job function is submitted to the process pool with the given descriptor.
//
// Spec accepts a 5-field cron expression ("*/5 * * * *"), an @every form
// ("@every 10m"), or a bare Go duration ("10m").
type ScheduleConfig struct {
	Name string `json:"name"`
	Spec string `json:"spec"`
	Func string `json:"func"`

	Args json.RawMessage `json:"args,omitempty"`

	Category    string `json:"category,omitempty"`
	Source      string `json:"source,omitempty"`
	Step        string `json:"step,omitempty"`
	Description string `json:"description,omitempty"`

	// MemoryRequirement is a byte size string ("256MB"). Empty means unset.
	MemoryRequirement string `json:"memory_requirement,omitempty"`

	SkipAdmission bool `json:"skip_admission,omitempty"`

	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`
}

func (s ScheduleConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

func (s ScheduleConfig) MemoryRequirementBytes() (uint64, error) {
	raw := strings.TrimSpace(s.MemoryRequirement)
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("schedules[%s].memory_requirement: %w", s.Name, err)
	}
	return n, nil
}

// Validate checks everything that can be checked without touching the OS.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Scheduler.RunDir) == "" {
		return fmt.Errorf("scheduler.run_dir is required")
	}
	if c.Scheduler.MaxBacklog < 0 {
		return fmt.Errorf("scheduler.max_backlog must be >= 0")
	}
	if c.Scheduler.ProcessWorkers < 0 || c.Scheduler.ThreadWorkers < 0 {
		return fmt.Errorf("scheduler worker counts must be >= 0")
	}
	if _, err := ParseDurationField("scheduler.retry_interval", c.Scheduler.RetryInterval); err != nil {
		return err
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	seen := map[string]bool{}
	for i, s := range c.Schedules {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("schedules[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("schedules[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(s.Spec) == "" {
			return fmt.Errorf("schedules[%s]: spec is required", name)
		}
		if strings.TrimSpace(s.Func) == "" {
			return fmt.Errorf("schedules[%s]: func is required", name)
		}
		if _, err := s.MemoryRequirementBytes(); err != nil {
			return err
		}
	}
	return nil
}

// RetryIntervalOrDefault resolves the configured admission retry interval.
func (s SchedulerConfig) RetryIntervalOrDefault(def time.Duration) (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.retry_interval", s.RetryInterval, def)
}
