// Package cronsched turns schedule definitions into recurring job
// submissions. Every trigger submits the named job function through the
// scheduler's normal admission path; a trigger whose submission is still
// waiting does not block other triggers.
package cronsched

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/sched"
	logx "jobsched/pkg/logx"
)

// Submitter is the slice of the job manager the trigger service needs.
type Submitter interface {
	SubmitToProcess(ctx context.Context, d sched.JobDescriptor, funcName string, args any) (*sched.Future, error)
}

// Entry is one recurring submission definition.
type Entry struct {
	Name string
	Spec string
	Func string
	Args json.RawMessage

	Descriptor sched.JobDescriptor
}

type Config struct {
	Timezone string // IANA TZ; empty means local time
}

type Service struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger
	sub Submitter

	parser  cron.Parser
	c       *cron.Cron
	entries []Entry
	sup     *supervisor.Supervisor
}

func New(cfg Config, sub Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		sub:    sub,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateSpec reports whether raw is an acceptable schedule string. Used
// by the config validator before a reload is committed.
func ValidateSpec(raw string) error {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		p := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := p.Parse(ps.Cron); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", ps.Cron, err)
		}
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))

	loc := s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.entries {
		if err := s.registerLocked(s.entries[i]); err != nil {
			s.log.Error("schedule register failed",
				logx.String("name", s.entries[i].Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("trigger scheduler started",
		logx.Int("schedules", len(s.entries)),
		logx.String("tz", loc.String()),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	sup := s.sup
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	if sup != nil {
		_ = sup.Stop(ctx)
	}
	s.log.Info("trigger scheduler stopped")
}

// Apply replaces the whole schedule set, restarting the cron runner when it
// is live. Bad entries are logged and skipped; the rest still register.
func (s *Service) Apply(cfg Config, entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.entries = append([]Entry(nil), entries...)

	if s.c == nil {
		return
	}
	// Full restart; this also re-resolves a changed timezone.
	<-s.c.Stop().Done()
	loc := s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.entries {
		if err := s.registerLocked(s.entries[i]); err != nil {
			s.log.Error("schedule register failed",
				logx.String("name", s.entries[i].Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("trigger schedules reloaded", logx.Int("schedules", len(s.entries)))
}

func (s *Service) registerLocked(e Entry) error {
	ps, err := ParseSchedule(e.Spec)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = fmt.Sprintf("@every %s", ps.Every.String())
	}
	_, err = s.c.AddFunc(spec, func() { s.trigger(e) })
	if err != nil {
		return fmt.Errorf("register %q (%s): %w", e.Name, spec, err)
	}
	s.log.Debug("schedule registered",
		logx.String("name", e.Name),
		logx.String("spec", spec),
		logx.String("func", e.Func),
	)
	return nil
}

// trigger submits in its own goroutine: admission may hold the submission
// for a long time and the cron runner must not stall behind it.
func (s *Service) trigger(e Entry) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Go0("schedule."+e.Name, func(ctx context.Context) {
		started := time.Now()
		fut, err := s.sub.SubmitToProcess(ctx, e.Descriptor, e.Func, e.Args)
		if err != nil {
			s.log.Warn("scheduled submission failed",
				logx.String("name", e.Name), logx.Err(err))
			return
		}
		if _, err := fut.Wait(ctx); err != nil {
			s.log.Warn("scheduled job failed",
				logx.String("name", e.Name),
				logx.Duration("took", time.Since(started)),
				logx.Err(err),
			)
			return
		}
		s.log.Debug("scheduled job finished",
			logx.String("name", e.Name),
			logx.Duration("took", time.Since(started)),
		)
	})
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to local",
			logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
