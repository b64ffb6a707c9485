// Package scheduler runs named post-market jobs on a daily or weekly trigger.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"stock-cockpit/internal/fault"
	"stock-cockpit/internal/types"
)

const dateLayout = "2006-01-02"

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrAlreadyRunning = errors.New("job already running")
)

// Func does the work of a job. The summary is handed to completion hooks.
type Func func(ctx context.Context) (summary any, err error)

type Job struct {
	Name   string
	Hour   int
	Minute int
	// Weekday makes the job weekly; nil means daily.
	Weekday *time.Weekday
	Func    Func
}

func (j Job) weekly() bool { return j.Weekday != nil }

// Schedule renders the trigger, e.g. "daily 18:05" or "weekly Friday 18:30".
func (j Job) Schedule() string {
	if j.weekly() {
		return fmt.Sprintf("weekly %s %02d:%02d", j.Weekday.String(), j.Hour, j.Minute)
	}
	return fmt.Sprintf("daily %02d:%02d", j.Hour, j.Minute)
}

type Result struct {
	Name       string
	Summary    any
	Err        error
	Manual     bool
	StartedAt  time.Time
	FinishedAt time.Time
}

type Hook func(ctx context.Context, res Result)

type Store interface {
	JobState(name string) (types.JobState, bool, error)
	SaveJobState(state types.JobState) error
	// SetJobStatus must not touch the stored last-run date.
	SetJobStatus(name, status string) error
}

type Orchestrator struct {
	store Store
	loc   *time.Location
	log   *log.Entry
	now   func() time.Time
	cron  *gocron.Scheduler

	mu      sync.RWMutex
	jobs    map[string]Job
	order   []string
	hooks   map[string][]Hook
	running map[string]bool

	baseCtx context.Context
	stopped atomic.Bool
	wg      sync.WaitGroup
}

func New(store Store, loc *time.Location) *Orchestrator {
	if loc == nil {
		loc = time.Local
	}
	return &Orchestrator{
		store:   store,
		loc:     loc,
		log:     log.WithField("component", "scheduler"),
		now:     time.Now,
		cron:    gocron.NewScheduler(loc),
		jobs:    make(map[string]Job),
		hooks:   make(map[string][]Hook),
		running: make(map[string]bool),
		baseCtx: context.Background(),
	}
}

func (o *Orchestrator) SetLogger(l *log.Entry) { o.log = l }

func (o *Orchestrator) Register(job Job) error {
	if job.Name == "" || job.Func == nil {
		return errors.New("job needs a name and a func")
	}
	if job.Hour < 0 || job.Hour > 23 || job.Minute < 0 || job.Minute > 59 {
		return errors.Errorf("job %s: invalid trigger %02d:%02d", job.Name, job.Hour, job.Minute)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.jobs[job.Name]; dup {
		return errors.Errorf("job %s already registered", job.Name)
	}
	o.jobs[job.Name] = job
	o.order = append(o.order, job.Name)
	return nil
}

// OnComplete registers a hook run after every execution of the named job.
func (o *Orchestrator) OnComplete(name string, hook Hook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks[name] = append(o.hooks[name], hook)
}

func (o *Orchestrator) Names() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.order...)
}

func (o *Orchestrator) job(name string) (Job, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	j, ok := o.jobs[name]
	return j, ok
}

// Start schedules every registered job and kicks off catch-up runs for jobs
// whose trigger already passed this period without a successful run.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.baseCtx = ctx
	o.stopped.Store(false)

	for _, name := range o.Names() {
		job, _ := o.job(name)
		at := fmt.Sprintf("%02d:%02d", job.Hour, job.Minute)

		s := o.cron.Every(1)
		if job.weekly() {
			s = s.Week().Weekday(*job.Weekday)
		} else {
			s = s.Day()
		}
		if _, err := s.At(at).Do(o.dispatch, name); err != nil {
			return errors.Wrapf(err, "schedule job %s", name)
		}
		o.log.Infof("Scheduled %s (%s)", name, job.Schedule())
	}
	o.cron.StartAsync()

	for _, name := range o.Names() {
		job, _ := o.job(name)
		if !o.catchUpDue(job) {
			continue
		}
		o.log.Infof("Catching up missed run of %s", name)
		o.wg.Add(1)
		go func(job Job) {
			defer o.wg.Done()
			o.execute(o.baseCtx, job, false)
		}(job)
	}
	return nil
}

// Stop halts dispatching and waits up to timeout for catch-up runs.
func (o *Orchestrator) Stop(timeout time.Duration) {
	o.stopped.Store(true)
	o.cron.Stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		o.log.Warn("Catch-up runs still in flight at shutdown")
	}
	o.log.Info("Scheduler stopped")
}

func (o *Orchestrator) dispatch(name string) {
	if o.stopped.Load() {
		return
	}
	job, ok := o.job(name)
	if !ok {
		return
	}
	if o.ranThisPeriod(job, o.now()) {
		o.log.Infof("Skipping %s: already ran this period", name)
		return
	}
	o.execute(o.baseCtx, job, false)
}

// RunNow executes a job immediately, bypassing the once-per-period guard.
func (o *Orchestrator) RunNow(ctx context.Context, name string) (Result, error) {
	job, ok := o.job(name)
	if !ok {
		return Result{}, errors.Wrap(ErrUnknownJob, name)
	}
	res, started := o.execute(ctx, job, true)
	if !started {
		return Result{}, errors.Wrap(ErrAlreadyRunning, name)
	}
	return res, res.Err
}

func (o *Orchestrator) execute(ctx context.Context, job Job, manual bool) (Result, bool) {
	o.mu.Lock()
	if o.running[job.Name] {
		o.mu.Unlock()
		o.log.Warnf("Job %s is already running", job.Name)
		return Result{}, false
	}
	o.running[job.Name] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, job.Name)
		o.mu.Unlock()
	}()

	res := Result{Name: job.Name, Manual: manual, StartedAt: o.now()}
	o.setStatus(job, types.StatusRunning)

	res.Summary, res.Err = o.invoke(ctx, job)
	res.FinishedAt = o.now()

	if res.Err != nil {
		o.setStatus(job, types.StatusErrorPrefix+res.Err.Error())
		res.Err = fault.Wrap(fault.Job, job.Name, res.Err)
		o.log.Errorf("Job %s failed: %v", job.Name, res.Err)
	} else {
		o.log.Infof("Job %s finished in %s", job.Name, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
		o.saveState(job, res.StartedAt.In(o.loc).Format(dateLayout), types.StatusSuccess)
	}

	o.runHooks(ctx, res)
	return res, true
}

func (o *Orchestrator) invoke(ctx context.Context, job Job) (summary any, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Errorf("Recovered from panic in job %s: %v\nStack trace: %s", job.Name, r, debug.Stack())
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return job.Func(ctx)
}

func (o *Orchestrator) runHooks(ctx context.Context, res Result) {
	o.mu.RLock()
	hooks := append([]Hook(nil), o.hooks[res.Name]...)
	o.mu.RUnlock()

	for i, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.log.Errorf("Recovered from panic in %s completion hook %d: %v", res.Name, i, r)
				}
			}()
			h(ctx, res)
		}()
	}
}

// setStatus records a non-final or failed status. The last-run date only
// moves on success, so the period guard survives failures.
func (o *Orchestrator) setStatus(job Job, status string) {
	if err := o.store.SetJobStatus(job.Name, status); err != nil {
		o.log.Warn(fault.Wrap(fault.Persistence, "set job status", err))
	}
}

func (o *Orchestrator) saveState(job Job, lastRun, status string) {
	err := o.store.SaveJobState(types.JobState{
		Name:      job.Name,
		LastRun:   lastRun,
		Status:    status,
		Schedule:  job.Schedule(),
		UpdatedAt: o.now(),
	})
	if err != nil {
		o.log.Warn(fault.Wrap(fault.Persistence, "save job state", err))
	}
}

// States reports every registered job in registration order.
func (o *Orchestrator) States() ([]types.JobState, error) {
	var out []types.JobState
	for _, name := range o.Names() {
		job, _ := o.job(name)
		st, found, err := o.store.JobState(name)
		if err != nil {
			return nil, fault.Wrap(fault.Persistence, "load job state", err)
		}
		if !found {
			st = types.JobState{Name: name, Status: types.StatusIdle}
		}
		st.Schedule = job.Schedule()
		out = append(out, st)
	}
	return out, nil
}

func (o *Orchestrator) ranThisPeriod(job Job, now time.Time) bool {
	st, found, err := o.store.JobState(job.Name)
	if err != nil {
		o.log.Warn(fault.Wrap(fault.Persistence, "load job state", err))
		return false
	}
	if !found || st.LastRun == "" {
		return false
	}
	last, err := time.ParseInLocation(dateLayout, st.LastRun, o.loc)
	if err != nil {
		return false
	}
	return samePeriod(job, last, now.In(o.loc))
}

func samePeriod(job Job, last, now time.Time) bool {
	if job.weekly() {
		ly, lw := last.ISOWeek()
		ny, nw := now.ISOWeek()
		return ly == ny && lw == nw
	}
	return last.Format(dateLayout) == now.Format(dateLayout)
}

// triggerInPeriod returns the job's trigger instant in the period containing now.
func (o *Orchestrator) triggerInPeriod(job Job, now time.Time) time.Time {
	now = now.In(o.loc)
	day := time.Date(now.Year(), now.Month(), now.Day(), job.Hour, job.Minute, 0, 0, o.loc)
	if !job.weekly() {
		return day
	}
	// ISO weeks start on Monday.
	sinceMonday := (int(now.Weekday()) + 6) % 7
	offset := (int(*job.Weekday) + 6) % 7
	return day.AddDate(0, 0, offset-sinceMonday)
}

func (o *Orchestrator) catchUpDue(job Job) bool {
	now := o.now()
	if now.Before(o.triggerInPeriod(job, now)) {
		return false
	}
	return !o.ranThisPeriod(job, now)
}
