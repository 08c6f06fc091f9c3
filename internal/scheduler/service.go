package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wablast/internal/campaign"
	"wablast/internal/dispatch"
	"wablast/internal/roster"
	logx "wablast/pkg/logx"
)

const triggerTimeout = 30 * time.Second

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	loc     *time.Location
	starter Starter

	parser  cron.Parser
	c       *cron.Cron
	defs    []jobDef
	ctx     context.Context
	started bool

	smu    sync.Mutex
	status map[string]*jobStatus
}

func New(cfg Config, starter Starter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "scheduler")),
		starter: starter,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		ctx:    context.Background(),
		status: map[string]*jobStatus{},
	}
}

// Start begins triggering when the config enables it. ctx bounds the
// triggered StartRun calls.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	s.started = true
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Debug("scheduler disabled")
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.registerLocked()
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.started = false
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Apply replaces the configuration. A running scheduler re-registers every
// job; enabling or disabling takes effect immediately once Start was called.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
		s.defs = nil
	}
	if cfg.Enabled && s.started {
		s.startLocked()
		return
	}
	s.buildDefsLocked()
}

func (s *Service) buildDefsLocked() {
	s.defs = s.defs[:0]
	for _, j := range s.cfg.Jobs {
		d := jobDef{job: j}
		ps, err := ParseSchedule(j.Schedule)
		if err != nil {
			d.err = err
		} else {
			d.spec = ps.Spec()
		}
		s.defs = append(s.defs, d)
	}
}

func (s *Service) registerLocked() {
	s.buildDefsLocked()
	for i := range s.defs {
		d := &s.defs[i]
		if d.err != nil {
			s.log.Error("schedule rejected", logx.String("name", d.job.Name), logx.String("schedule", d.job.Schedule), logx.Err(d.err))
			continue
		}
		name := d.job.Name
		eid, err := s.c.AddFunc(d.spec, func() { s.fire(name) })
		if err != nil {
			d.err = err
			s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", d.spec), logx.Err(err))
			continue
		}
		d.entryID = eid
		args := []logx.Field{logx.String("name", name), logx.String("spec", d.spec)}
		if next := s.previewNextRunsLocked(d.spec, 3); next != "" {
			args = append(args, logx.String("next", next))
		}
		s.log.Debug("schedule registered", args...)
	}
}

func (s *Service) fire(name string) {
	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(base, triggerTimeout)
	defer cancel()
	_, _ = s.RunNow(ctx, name)
}

// RunNow triggers the named job immediately. A run already in progress
// makes it return campaign.ErrRunActive; the job counts as skipped.
func (s *Service) RunNow(ctx context.Context, name string) (campaign.RunInfo, error) {
	job, ok := s.lookup(name)
	if !ok {
		return campaign.RunInfo{}, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	log := s.log.With(logx.String("job", job.Name))

	tbl, err := roster.ParseFile(job.Roster, roster.Options{RetryFailed: job.RetryFailed})
	if err != nil {
		err = fmt.Errorf("roster %s: %w", job.Roster, err)
		s.record(job.Name, "", err, false)
		log.Warn("scheduled run not started", logx.Err(err))
		return campaign.RunInfo{}, err
	}

	info, err := s.starter.StartRun(ctx, campaign.Request{
		Name:    job.Name,
		Columns: tbl.Columns,
		Rows:    tbl.Rows,
		Params: dispatch.Params{
			Message:    job.Message,
			Attachment: job.Attachment,
			MinDelay:   job.MinDelay,
			MaxDelay:   job.MaxDelay,
		},
	})
	switch {
	case errors.Is(err, campaign.ErrRunActive):
		s.record(job.Name, "", err, true)
		log.Info("scheduled run skipped; another run is active")
		return campaign.RunInfo{}, err
	case err != nil:
		s.record(job.Name, "", err, false)
		log.Warn("scheduled run not started", logx.Err(err))
		return campaign.RunInfo{}, err
	}
	s.record(job.Name, info.ID, nil, false)
	log.Info("scheduled run started", logx.String("run", info.ID), logx.Int("rows", info.Total))
	return info, nil
}

func (s *Service) lookup(name string) (Job, bool) {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.cfg.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return Job{}, false
}

func (s *Service) record(name, runID string, err error, skipped bool) {
	s.smu.Lock()
	defer s.smu.Unlock()
	st := s.status[name]
	if st == nil {
		st = &jobStatus{}
		s.status[name] = st
	}
	st.fires++
	st.lastAt = time.Now()
	if skipped {
		st.skipped++
	}
	if runID != "" {
		st.lastRun = runID
	}
	st.lastErr = ""
	if err != nil {
		st.lastErr = err.Error()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	defs := append([]jobDef(nil), s.defs...)
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	out := Snapshot{Enabled: cfg.Enabled, Running: c != nil, Timezone: loc.String()}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" && c == nil {
		out.Timezone = tz
	}

	byName := map[string]jobDef{}
	for _, d := range defs {
		byName[d.job.Name] = d
	}

	s.smu.Lock()
	defer s.smu.Unlock()
	for _, j := range cfg.Jobs {
		it := JobInfo{Name: j.Name, Schedule: j.Schedule, Roster: j.Roster}
		if d, ok := byName[j.Name]; ok {
			it.Spec = d.spec
			if d.err != nil {
				it.LastErr = d.err.Error()
			}
			if c != nil && d.entryID != 0 {
				e := c.Entry(d.entryID)
				it.Next, it.Prev = e.Next, e.Prev
			}
		}
		if st := s.status[j.Name]; st != nil {
			it.Fires, it.Skipped = st.fires, st.skipped
			it.LastAt, it.LastRun = st.lastAt, st.lastRun
			if st.lastErr != "" {
				it.LastErr = st.lastErr
			}
		}
		out.Jobs = append(out.Jobs, it)
	}
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked lists upcoming trigger times for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
