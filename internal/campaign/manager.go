// Package campaign owns the lifecycle of dispatch runs: it validates and
// starts them, routes cancel requests to the active run, and hands observers
// the right event stream.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"wablast/internal/dispatch"
	"wablast/internal/events"
	"wablast/internal/gateway"
	"wablast/internal/notify"
	"wablast/internal/outcome"
	"wablast/internal/runtime/supervisor"
	"wablast/internal/storage"
	logx "wablast/pkg/logx"
)

var (
	ErrMissingCredential = errors.New("no API key provided")
	ErrMissingAddress    = errors.New("row without a recipient address")
	ErrRunActive         = errors.New("a run is already in progress")
	ErrNoRun             = errors.New("no run has been started")
	ErrClosed            = errors.New("manager closed")
)

// Defaults are the hot-reloadable values used when a request leaves them out.
type Defaults struct {
	Credential string
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Tick       time.Duration
}

type Request struct {
	Name string
	// Columns is the input header, kept for export. Optional.
	Columns []string
	Rows    []outcome.Row
	Params  dispatch.Params
}

type ResumeRequest struct {
	RetryFailed bool
	// Params replaces the previous run's parameters when set.
	Params *dispatch.Params
}

// RunInfo describes a run independently of its progress.
type RunInfo struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	Total     int           `json:"total"`
	MinDelay  time.Duration `json:"min_delay"`
	MaxDelay  time.Duration `json:"max_delay"`
	StartedAt time.Time     `json:"started_at"`
	ResumedOf string        `json:"resumed_of,omitempty"`
}

type Snapshot struct {
	Run    *RunInfo       `json:"run,omitempty"`
	State  dispatch.State `json:"state"`
	Active bool           `json:"active"`
	Counts outcome.Counts `json:"counts"`
	Events int            `json:"events"`
	Report *ReportSummary `json:"report,omitempty"`
}

type ReportSummary struct {
	Sends      int       `json:"sends"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

type Config struct {
	Gateway  gateway.Client
	Store    storage.Store // optional
	Notifier notify.Notifier
	Pacer    dispatch.Pacer // optional
	Defaults Defaults
	Logger   logx.Logger
}

type entry struct {
	info    RunInfo
	columns []string
	run     *dispatch.Run
	done    chan struct{}
	report  *dispatch.Report
}

// Manager runs at most one dispatch at a time.
type Manager struct {
	gw       gateway.Client
	store    storage.Store
	notifier notify.Notifier
	pacer    dispatch.Pacer
	log      logx.Logger
	sup      *supervisor.Supervisor

	mu       sync.Mutex
	defaults Defaults
	active   *entry
	last     *entry
	closed   bool
}

func New(cfg Config) *Manager {
	log := cfg.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "campaign"))
	n := cfg.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	return &Manager{
		gw:       cfg.Gateway,
		store:    cfg.Store,
		notifier: n,
		pacer:    cfg.Pacer,
		log:      log,
		sup:      supervisor.New(context.Background(), supervisor.WithLogger(log)),
		defaults: cfg.Defaults,
	}
}

func (m *Manager) Defaults() Defaults {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaults
}

// Apply replaces the defaults. Runs already executing keep their parameters.
func (m *Manager) Apply(d Defaults) {
	m.mu.Lock()
	m.defaults = d
	m.mu.Unlock()
	m.log.Info("defaults updated",
		logx.Duration("min_delay", d.MinDelay),
		logx.Duration("max_delay", d.MaxDelay),
		logx.Duration("tick", d.Tick),
	)
}

// StartRun validates req and starts executing it in the background. ctx only
// bounds the call; the run lives until it finishes, is cancelled, or the
// manager is closed.
func (m *Manager) StartRun(ctx context.Context, req Request) (RunInfo, error) {
	if err := ctx.Err(); err != nil {
		return RunInfo{}, err
	}
	for i, r := range req.Rows {
		if strings.TrimSpace(r.Address) == "" {
			return RunInfo{}, fmt.Errorf("%w: row %d", ErrMissingAddress, i+1)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p := req.Params
	if strings.TrimSpace(p.Credential) == "" {
		p.Credential = m.defaults.Credential
	}
	if strings.TrimSpace(p.Credential) == "" {
		return RunInfo{}, ErrMissingCredential
	}
	if err := m.admitLocked(); err != nil {
		return RunInfo{}, err
	}

	e := m.launchLocked(req.Name, req.Columns, outcome.NewStore(req.Rows), p, "")
	return e.info, nil
}

// Resume starts a new run over the previous run's rows. Rows already sent
// are skipped; failed rows are retried only with RetryFailed.
func (m *Manager) Resume(ctx context.Context, req ResumeRequest) (RunInfo, error) {
	if err := ctx.Err(); err != nil {
		return RunInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return RunInfo{}, ErrNoRun
	}
	if err := m.admitLocked(); err != nil {
		return RunInfo{}, err
	}

	prev := m.last
	store := outcome.NewStore(prev.run.Store.Rows())
	if req.RetryFailed {
		store.RequeueFailed()
	}
	p := prev.run.Params
	if req.Params != nil {
		p = *req.Params
		if strings.TrimSpace(p.Credential) == "" {
			p.Credential = prev.run.Params.Credential
		}
	}
	e := m.launchLocked(prev.info.Name, prev.columns, store, p, prev.info.ID)
	return e.info, nil
}

func (m *Manager) admitLocked() error {
	if m.closed {
		return ErrClosed
	}
	if m.active != nil {
		return ErrRunActive
	}
	return nil
}

func (m *Manager) launchLocked(name string, columns []string, store *outcome.Store, p dispatch.Params, resumedOf string) *entry {
	id := uuid.NewString()
	run := dispatch.NewRun(id, store, p)
	e := &entry{
		info: RunInfo{
			ID:        id,
			Name:      name,
			Total:     store.Len(),
			MinDelay:  run.Params.MinDelay,
			MaxDelay:  run.Params.MaxDelay,
			StartedAt: time.Now(),
			ResumedOf: resumedOf,
		},
		columns: columns,
		run:     run,
		done:    make(chan struct{}),
	}
	m.active = e
	m.last = e

	opts := []dispatch.Option{dispatch.WithLogger(m.log), dispatch.WithTick(m.defaults.Tick)}
	if m.pacer != nil {
		opts = append(opts, dispatch.WithPacer(m.pacer))
	}
	d := dispatch.New(m.gw, opts...)

	m.log.Info("run accepted",
		logx.String("run", id),
		logx.String("name", name),
		logx.Int("rows", e.info.Total),
		logx.Int("pending", len(store.Pending())),
	)
	m.sup.Go("run."+id, func(ctx context.Context) error {
		rep := d.Execute(ctx, run)
		m.finish(e, rep)
		return nil
	})
	return e
}

func (m *Manager) finish(e *entry, rep dispatch.Report) {
	m.mu.Lock()
	e.report = &rep
	if m.active == e {
		m.active = nil
	}
	m.mu.Unlock()
	defer close(e.done)

	rec := storage.RunRecord{
		ID:         rep.RunID,
		Name:       e.info.Name,
		State:      rep.State.String(),
		Total:      rep.Counts.Total(),
		Sent:       rep.Counts.Sent,
		Failed:     rep.Counts.Failed,
		Pending:    rep.Counts.Pending,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
	}
	if rep.Err != nil {
		rec.Error = rep.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if m.store != nil {
		if err := m.store.AppendRun(ctx, rec); err != nil {
			m.log.Warn("run record not saved", logx.String("run", rec.ID), logx.Err(err))
		}
	}
	if err := m.notifier.RunFinished(ctx, rec); err != nil {
		m.log.Warn("run notification failed", logx.String("run", rec.ID), logx.Err(err))
	}
}

// RequestCancel raises the active run's signal. It reports false when no
// run is active; the request is not remembered for later runs.
func (m *Manager) RequestCancel() bool {
	m.mu.Lock()
	e := m.active
	m.mu.Unlock()
	if e == nil {
		return false
	}
	e.run.Signal.Set()
	m.log.Info("cancel requested", logx.String("run", e.info.ID))
	return true
}

// Subscribe returns a reader over the active run's events, or over the last
// run's events when none is active.
func (m *Manager) Subscribe() (*events.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.current()
	if e == nil {
		return nil, ErrNoRun
	}
	return e.run.Stream.Subscribe(), nil
}

func (m *Manager) current() *entry {
	if m.active != nil {
		return m.active
	}
	return m.last
}

func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	e := m.current()
	active := m.active != nil
	m.mu.Unlock()
	if e == nil {
		return Snapshot{State: dispatch.StateIdle}
	}
	info := e.info
	s := Snapshot{
		Run:    &info,
		State:  e.run.State(),
		Active: active,
		Counts: e.run.Store.Counts(),
		Events: e.run.Stream.Len(),
	}
	m.mu.Lock()
	if e.report != nil {
		s.Report = &ReportSummary{Sends: e.report.Sends, FinishedAt: e.report.FinishedAt}
		if e.report.Err != nil {
			s.Report.Error = e.report.Err.Error()
		}
	}
	m.mu.Unlock()
	return s
}

// Results returns the columns and rows of the current or last run.
func (m *Manager) Results() ([]string, []outcome.Row, error) {
	m.mu.Lock()
	e := m.current()
	m.mu.Unlock()
	if e == nil {
		return nil, nil, ErrNoRun
	}
	return append([]string(nil), e.columns...), e.run.Store.Rows(), nil
}

// Wait blocks until the most recent run has finished and its record has
// been written.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	e := m.last
	m.mu.Unlock()
	if e == nil {
		return nil
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the active run and waits for it to wind down.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	if m.active != nil {
		m.active.run.Signal.Set()
	}
	m.mu.Unlock()
	return m.sup.Stop(ctx)
}
