// Package app wires the daemon together: config, logging, the record
// store, the job manager, recurring schedules, and the debug server.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/cronsched"
	"jobsched/internal/eventbus"
	"jobsched/internal/jobs"
	"jobsched/internal/memwatch"
	"jobsched/internal/pprofsrv"
	"jobsched/internal/recstore"
	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/sched"
	logx "jobsched/pkg/logx"
)

type App struct {
	cfgPath string
	reg     *jobs.Registry

	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger
	bus    eventbus.Bus

	store   recstore.Store
	probe   memwatch.Prober
	manager *sched.Manager
	crons   *cronsched.Service
	pprof   *pprofsrv.Service

	sup *supervisor.Supervisor

	mu      sync.Mutex
	started bool
}

// New loads the config and brings up logging. Everything else starts in
// Start so a config error fails fast before any state is touched.
func New(cfgPath string, reg *jobs.Registry) (*App, error) {
	if reg == nil {
		reg = jobs.NewRegistry()
	}
	a := &App{
		cfgPath: cfgPath,
		reg:     reg,
		cfgMgr:  config.NewManager(cfgPath),
		bus:     eventbus.New(),
		probe:   memwatch.New(),
	}

	cfg, err := a.cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logConfig(cfg.Logging))
	a.logSvc = logSvc
	a.log = log.With(logx.String("svc", "app"))
	a.cfgMgr.SetLogger(log.With(logx.String("svc", "config")))
	a.cfgMgr.SetValidator(a.validateConfig)
	return a, nil
}

func (a *App) Manager() *sched.Manager { return a.manager }
func (a *App) Bus() eventbus.Bus       { return a.bus }
func (a *App) Logger() logx.Logger     { return a.log }

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	a.started = true
	a.mu.Unlock()

	cfg := a.cfgMgr.Get()

	ceiling, err := memwatch.ResolveCeiling(ctx, cfg.Scheduler.MemoryCeiling)
	if err != nil {
		return err
	}
	retry, err := cfg.Scheduler.RetryIntervalOrDefault(5 * time.Second)
	if err != nil {
		return err
	}

	store, err := recstore.Open(recstore.Config{Dir: cfg.Scheduler.RunDir}, a.log.With(logx.String("svc", "recstore")))
	if err != nil {
		return err
	}
	a.store = store

	a.manager = sched.New(sched.Config{
		RunDir:         cfg.Scheduler.RunDir,
		MemoryCeiling:  ceiling,
		MaxBacklog:     cfg.Scheduler.MaxBacklog,
		ProcessWorkers: cfg.Scheduler.ProcessWorkers,
		ThreadWorkers:  cfg.Scheduler.ThreadWorkers,
		RetryInterval:  retry,
	}, store, a.probe, a.reg, a.bus, a.log.With(logx.String("svc", "sched")))
	if err := a.manager.Start(ctx); err != nil {
		return err
	}

	a.crons = cronsched.New(cronsched.Config{Timezone: cfg.Scheduler.Timezone}, a.manager,
		a.log.With(logx.String("svc", "cronsched")))
	a.crons.Apply(cronsched.Config{Timezone: cfg.Scheduler.Timezone}, scheduleEntries(cfg, a.log))
	if err := a.crons.Start(ctx); err != nil {
		return err
	}

	a.pprof = pprofsrv.New(pprofConfig(cfg.Pprof), a.log.With(logx.String("svc", "pprof")))
	a.pprof.Start()

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)
	a.sup.Go0("config.apply", a.applyLoop)
	a.sup.Go0("status", a.statusLoop)

	a.log.Info("daemon started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	a.mu.Unlock()

	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if a.crons != nil {
		a.crons.Stop(ctx)
	}
	var errs []error
	if a.manager != nil {
		if err := a.manager.Stop(ctx); err != nil && !errors.Is(err, sched.ErrStopped) {
			errs = append(errs, err)
		}
	}
	if a.pprof != nil {
		a.pprof.Stop(ctx)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.log.Info("daemon stopped")
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
	return errors.Join(errs...)
}

// applyLoop consumes validated config updates. Scheduler core settings
// (run dir, ceiling, pool sizes) are startup-only; logging, pprof, and
// schedules apply live.
func (a *App) applyLoop(ctx context.Context) {
	sub := a.cfgMgr.Subscribe(2)
	defer a.cfgMgr.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logSvc.Apply(logConfig(cfg.Logging))
			a.pprof.Reconfigure(ctx, pprofConfig(cfg.Pprof))
			a.crons.Apply(cronsched.Config{Timezone: cfg.Scheduler.Timezone}, scheduleEntries(cfg, a.log))
			a.log.Info("config applied")
		}
	}
}

// statusLoop logs a scheduler summary once a minute at debug level.
func (a *App) statusLoop(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			snap := a.manager.Snapshot(ctx)
			a.log.Debug("scheduler status", logx.String("summary", sched.RenderSummary(snap)))
		}
	}
}

// validateConfig is the reload gate: a revision that names unknown job
// functions or unparsable schedules never reaches the running services.
func (a *App) validateConfig(_ context.Context, cfg *config.Config) error {
	for _, s := range cfg.Schedules {
		if !s.IsEnabled() {
			continue
		}
		if err := cronsched.ValidateSpec(s.Spec); err != nil {
			return fmt.Errorf("schedules[%s]: %w", s.Name, err)
		}
		if _, ok := a.reg.Lookup(s.Func); !ok {
			return fmt.Errorf("schedules[%s]: unknown job function %q (registered: %s)",
				s.Name, s.Func, strings.Join(a.reg.Names(), ", "))
		}
	}
	return nil
}

func scheduleEntries(cfg *config.Config, log logx.Logger) []cronsched.Entry {
	entries := make([]cronsched.Entry, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		if !s.IsEnabled() {
			continue
		}
		memReq, err := s.MemoryRequirementBytes()
		if err != nil {
			// Validation catches this on reload; Load-time configs surface it
			// here instead of dropping the schedule silently.
			log.Warn("schedule skipped", logx.String("name", s.Name), logx.Err(err))
			continue
		}
		entries = append(entries, cronsched.Entry{
			Name: s.Name,
			Spec: s.Spec,
			Func: s.Func,
			Args: s.Args,
			Descriptor: sched.JobDescriptor{
				Category:          s.Category,
				Source:            s.Source,
				Step:              s.Step,
				Description:       s.Description,
				MemoryRequirement: memReq,
				SkipAdmission:     s.SkipAdmission,
			},
		})
	}
	return entries
}

func logConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}
}

func pprofConfig(pc config.PprofConfig) pprofsrv.Config {
	read, _ := config.ParseDurationField("pprof.read_timeout", pc.ReadTimeout)
	write, _ := config.ParseDurationField("pprof.write_timeout", pc.WriteTimeout)
	idle, _ := config.ParseDurationField("pprof.idle_timeout", pc.IdleTimeout)
	return pprofsrv.Config{
		Enabled:      pc.Enabled,
		Addr:         pc.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}
}
