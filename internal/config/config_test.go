package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
scheduler:
  run_dir: /var/run/jobsched
  memory_ceiling: 512MB
  max_backlog: 16
  process_workers: 4
  thread_workers: 8
  retry_interval: 2s
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
schedules:
  - name: nightly-dump
    spec: "0 3 * * *"
    func: dump_tables
    category: maintenance
    memory_requirement: 256MB
  - name: heartbeat
    spec: "@every 1m"
    func: heartbeat
    skip_admission: true
    enabled: false
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Scheduler.RunDir != "/var/run/jobsched" {
		t.Errorf("run_dir = %q", cfg.Scheduler.RunDir)
	}
	if cfg.Scheduler.ProcessWorkers != 4 || cfg.Scheduler.ThreadWorkers != 8 {
		t.Errorf("workers = %d/%d", cfg.Scheduler.ProcessWorkers, cfg.Scheduler.ThreadWorkers)
	}
	d, err := cfg.Scheduler.RetryIntervalOrDefault(5 * time.Second)
	if err != nil || d != 2*time.Second {
		t.Errorf("retry_interval = %v (%v)", d, err)
	}

	if len(cfg.Schedules) != 2 {
		t.Fatalf("schedules = %d", len(cfg.Schedules))
	}
	n, err := cfg.Schedules[0].MemoryRequirementBytes()
	if err != nil || n != 256*1000*1000 {
		t.Errorf("memory_requirement = %d (%v)", n, err)
	}
	if !cfg.Schedules[0].IsEnabled() {
		t.Error("omitted enabled should default to true")
	}
	if cfg.Schedules[1].IsEnabled() {
		t.Error("explicit enabled=false ignored")
	}

	if got := m.Get(); got != cfg {
		t.Error("Get did not return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", `
scheduler:
  run_dir: /tmp/x
  worker_count: 3
logging:
  level: info
  console: true
  file: {enabled: false, path: ""}
`))
	if _, err := m.Load(); err == nil || !strings.Contains(err.Error(), "worker_count") {
		t.Fatalf("unknown field accepted: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Scheduler: SchedulerConfig{RunDir: "/tmp/run"}}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"missing run dir", func(c *Config) { c.Scheduler.RunDir = " " }, "run_dir"},
		{"negative backlog", func(c *Config) { c.Scheduler.MaxBacklog = -1 }, "max_backlog"},
		{"bad retry interval", func(c *Config) { c.Scheduler.RetryInterval = "soon" }, "retry_interval"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "timezone"},
		{"schedule without name", func(c *Config) {
			c.Schedules = []ScheduleConfig{{Spec: "@every 1m", Func: "f"}}
		}, "name is required"},
		{"duplicate schedule", func(c *Config) {
			c.Schedules = []ScheduleConfig{
				{Name: "a", Spec: "@every 1m", Func: "f"},
				{Name: "a", Spec: "@every 2m", Func: "g"},
			}
		}, "duplicate"},
		{"schedule without func", func(c *Config) {
			c.Schedules = []ScheduleConfig{{Name: "a", Spec: "@every 1m"}}
		}, "func is required"},
		{"bad memory requirement", func(c *Config) {
			c.Schedules = []ScheduleConfig{{Name: "a", Spec: "@every 1m", Func: "f", MemoryRequirement: "lots"}}
		}, "memory_requirement"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestReloadPublishesChangedConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", validYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Unchanged content must not publish.
	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatal("unchanged config was published")
	default:
	}

	updated := strings.Replace(validYAML, "max_backlog: 16", "max_backlog: 64", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-sub:
		if cfg.Scheduler.MaxBacklog != 64 {
			t.Fatalf("published backlog = %d", cfg.Scheduler.MaxBacklog)
		}
	default:
		t.Fatal("changed config was not published")
	}
}

func TestReloadRespectsValidator(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", validYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(context.Context, *Config) error {
		return context.DeadlineExceeded
	})

	updated := strings.Replace(validYAML, "max_backlog: 16", "max_backlog: 64", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())

	if got := m.Get().Scheduler.MaxBacklog; got != 16 {
		t.Fatalf("rejected config was committed, backlog = %d", got)
	}
}
