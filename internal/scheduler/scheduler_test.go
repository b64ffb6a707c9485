package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"stock-cockpit/internal/types"
	"stock-cockpit/lib/logging"
)

type memStore struct {
	mu      sync.Mutex
	states  map[string]types.JobState
	readErr error
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]types.JobState)}
}

func (m *memStore) JobState(name string) (types.JobState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return types.JobState{}, false, m.readErr
	}
	st, ok := m.states[name]
	return st, ok, nil
}

func (m *memStore) SaveJobState(state types.JobState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.Name] = state
	return nil
}

func (m *memStore) SetJobStatus(name, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[name]
	st.Name = name
	st.Status = status
	m.states[name] = st
	return nil
}

func taipei(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

func newOrchestrator(t *testing.T, at time.Time) (*Orchestrator, *memStore) {
	t.Helper()
	store := newMemStore()
	o := New(store, at.Location())
	o.SetLogger(logging.Discard())
	o.now = func() time.Time { return at }
	return o, store
}

func counter(n *int) Func {
	return func(ctx context.Context) (any, error) {
		*n++
		return *n, nil
	}
}

func TestGuardSkipsSamePeriodButManualRuns(t *testing.T) {
	at := time.Date(2026, 3, 2, 18, 5, 0, 0, taipei(t)) // Monday
	o, store := newOrchestrator(t, at)

	runs := 0
	if err := o.Register(Job{Name: "institutional", Hour: 18, Minute: 5, Func: counter(&runs)}); err != nil {
		t.Fatal(err)
	}

	o.dispatch("institutional")
	if runs != 1 {
		t.Fatalf("first firing should run, got %d runs", runs)
	}
	st, _, _ := store.JobState("institutional")
	if st.Status != types.StatusSuccess || st.LastRun != "2026-03-02" {
		t.Errorf("unexpected state %+v", st)
	}

	o.dispatch("institutional")
	if runs != 1 {
		t.Fatalf("same-day firing should be skipped, got %d runs", runs)
	}

	if _, err := o.RunNow(context.Background(), "institutional"); err != nil {
		t.Fatalf("manual run: %v", err)
	}
	if runs != 2 {
		t.Errorf("manual run must bypass the guard, got %d runs", runs)
	}
}

func TestWeeklyGuardUsesISOWeek(t *testing.T) {
	loc := taipei(t)
	friday := time.Friday
	job := Job{Name: "tdcc", Hour: 18, Minute: 30, Weekday: &friday}

	monday := time.Date(2026, 3, 2, 9, 0, 0, 0, loc)
	fri := time.Date(2026, 3, 6, 18, 30, 0, 0, loc)
	nextMonday := time.Date(2026, 3, 9, 9, 0, 0, 0, loc)

	if !samePeriod(job, monday, fri) {
		t.Error("Monday and Friday of one ISO week share a period")
	}
	if samePeriod(job, fri, nextMonday) {
		t.Error("next week is a new period")
	}
}

func TestTriggerInPeriodWeekly(t *testing.T) {
	loc := taipei(t)
	o, _ := newOrchestrator(t, time.Date(2026, 3, 4, 12, 0, 0, 0, loc))
	friday := time.Friday
	sunday := time.Sunday

	got := o.triggerInPeriod(Job{Hour: 18, Minute: 30, Weekday: &friday}, o.now())
	if want := time.Date(2026, 3, 6, 18, 30, 0, 0, loc); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	got = o.triggerInPeriod(Job{Hour: 1, Minute: 0, Weekday: &sunday}, o.now())
	if want := time.Date(2026, 3, 8, 1, 0, 0, 0, loc); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFailuresAreRecordedAndHooksIsolated(t *testing.T) {
	at := time.Date(2026, 3, 2, 18, 10, 0, 0, taipei(t))
	o, store := newOrchestrator(t, at)

	o.Register(Job{Name: "margin", Hour: 18, Minute: 10, Func: func(ctx context.Context) (any, error) {
		panic("exchange returned garbage")
	}})
	o.Register(Job{Name: "ai_review", Hour: 18, Minute: 15, Func: func(ctx context.Context) (any, error) {
		return nil, errors.New("quota exceeded")
	}})

	var seen []string
	o.OnComplete("margin", func(ctx context.Context, res Result) { panic("hook failure") })
	o.OnComplete("margin", func(ctx context.Context, res Result) {
		seen = append(seen, res.Name)
		if res.Err == nil {
			t.Error("hook should see the job error")
		}
	})

	o.dispatch("margin")
	st, _, _ := store.JobState("margin")
	if !strings.HasPrefix(st.Status, types.StatusErrorPrefix) || !strings.Contains(st.Status, "exchange returned garbage") {
		t.Errorf("unexpected status %q", st.Status)
	}
	if st.LastRun != "" {
		t.Errorf("failed run must not record a last-run date, got %q", st.LastRun)
	}
	if len(seen) != 1 {
		t.Errorf("second hook should run despite the first panicking")
	}

	if _, err := o.RunNow(context.Background(), "ai_review"); err == nil {
		t.Error("expected job error from manual run")
	}
	st, _, _ = store.JobState("ai_review")
	if st.Status != types.StatusErrorPrefix+"quota exceeded" {
		t.Errorf("unexpected status %q", st.Status)
	}
}

func TestRunNowUnknownJob(t *testing.T) {
	o, _ := newOrchestrator(t, time.Now())
	if _, err := o.RunNow(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}
}

func TestStartCatchesUpMissedRun(t *testing.T) {
	at := time.Date(2026, 3, 2, 20, 0, 0, 0, taipei(t))
	o, _ := newOrchestrator(t, at)

	ran := make(chan struct{}, 2)
	o.Register(Job{Name: "institutional", Hour: 18, Minute: 5, Func: func(ctx context.Context) (any, error) {
		ran <- struct{}{}
		return nil, nil
	}})
	o.Register(Job{Name: "later", Hour: 23, Minute: 0, Func: func(ctx context.Context) (any, error) {
		t.Error("job whose trigger has not passed must not catch up")
		return nil, nil
	}})

	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer o.Stop(time.Second)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("expected catch-up run")
	}
}

func TestStatesDefaultIdle(t *testing.T) {
	o, _ := newOrchestrator(t, time.Now())
	friday := time.Friday
	o.Register(Job{Name: "tdcc", Hour: 18, Minute: 30, Weekday: &friday, Func: counter(new(int))})

	states, err := o.States()
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || states[0].Status != types.StatusIdle || states[0].Schedule != "weekly Friday 18:30" {
		t.Errorf("unexpected states %+v", states)
	}
}

func TestFailedRunKeepsLastRunWhenStateReadFails(t *testing.T) {
	at := time.Date(2026, 3, 2, 18, 10, 0, 0, taipei(t))
	o, store := newOrchestrator(t, at)

	fail := false
	err := o.Register(Job{Name: "margin", Hour: 18, Minute: 10, Func: func(ctx context.Context) (any, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return nil, nil
	}})
	if err != nil {
		t.Fatal(err)
	}

	o.dispatch("margin")
	fail = true
	store.readErr = errors.New("database is locked")
	if _, err := o.RunNow(context.Background(), "margin"); err == nil {
		t.Fatal("expected the manual run to fail")
	}
	store.readErr = nil

	st := store.states["margin"]
	if st.LastRun != "2026-03-02" || st.Status != "error:boom" {
		t.Errorf("last run must survive a failed run, got %+v", st)
	}
	if !o.ranThisPeriod(Job{Name: "margin"}, at) {
		t.Error("guard should still report this period as done")
	}
}
