package alert

import (
	"path/filepath"
	"testing"
	"time"

	"stock-cockpit/internal/database"
	"stock-cockpit/internal/types"
	"stock-cockpit/lib/logging"
)

func newEngine(t *testing.T) (*Engine, *database.Store) {
	t.Helper()
	store, err := database.Open(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewEngine(store, WithLogger(logging.Discard())), store
}

func quote(symbol string, price float64) map[string]types.Snapshot {
	return map[string]types.Snapshot{symbol: {Symbol: symbol, Price: price}}
}

func TestAboveTriggersOnce(t *testing.T) {
	e, _ := newEngine(t)
	a, err := e.Add("2330", "TSMC", types.Above, 1000)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	var fired []types.TriggerEvent
	for _, p := range []float64{995, 1001, 1002, 999, 1003} {
		fired = append(fired, e.Check(quote("2330", p))...)
	}

	if len(fired) != 1 {
		t.Fatalf("expected exactly one trigger, got %d", len(fired))
	}
	if fired[0].CurrentPrice != 1001 || fired[0].AlertID != a.ID {
		t.Errorf("unexpected event %+v", fired[0])
	}
	if fired[0].ID == "" {
		t.Error("event id should be set")
	}

	active, _ := e.ListActive()
	if len(active) != 0 {
		t.Errorf("triggered alert should leave the active set, got %v", active)
	}
}

func TestBelowBoundaryAndNonPositivePrice(t *testing.T) {
	e, _ := newEngine(t)
	if _, err := e.Add("2317", "Hon Hai", types.Below, 100.1); err != nil {
		t.Fatal(err)
	}

	if got := e.Check(quote("2317", 0)); len(got) != 0 {
		t.Fatalf("zero price must be ignored, got %v", got)
	}
	if got := e.Check(quote("2317", -5)); len(got) != 0 {
		t.Fatalf("negative price must be ignored, got %v", got)
	}
	if got := e.Check(quote("2317", 100.1)); len(got) != 1 {
		t.Fatalf("price equal to target should trigger, got %v", got)
	}
}

func TestCheckIgnoresOtherSymbols(t *testing.T) {
	e, _ := newEngine(t)
	e.Add("2330", "", types.Above, 1)
	if got := e.Check(quote("2454", 5000)); len(got) != 0 {
		t.Errorf("expected no trigger, got %v", got)
	}
}

func TestAddRejectsInvalid(t *testing.T) {
	e, _ := newEngine(t)
	cases := []struct {
		symbol string
		dir    types.Direction
		target float64
	}{
		{"", types.Above, 1},
		{"2330", "sideways", 1},
		{"2330", types.Below, 0},
	}
	for _, c := range cases {
		if _, err := e.Add(c.symbol, "", c.dir, c.target); err == nil {
			t.Errorf("expected error for %+v", c)
		}
	}
}

func TestDelete(t *testing.T) {
	e, _ := newEngine(t)
	a, _ := e.Add("2330", "", types.Above, 10)
	if err := e.Delete(a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := e.Delete(a.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecentQueueEvictsOldest(t *testing.T) {
	e, _ := newEngine(t)
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	var batch []types.TriggerEvent
	for i := 0; i < RecentCapacity+5; i++ {
		batch = append(batch, types.TriggerEvent{AlertID: int64(i), TriggeredAt: base.Add(time.Duration(i) * time.Second)})
	}
	e.push(batch)

	got := e.DrainRecent(false)
	if len(got) != RecentCapacity {
		t.Fatalf("expected %d events, got %d", RecentCapacity, len(got))
	}
	if got[0].AlertID != 5 {
		t.Errorf("expected oldest five evicted, first is %d", got[0].AlertID)
	}

	if len(e.DrainRecent(true)) != RecentCapacity {
		t.Error("draining with clear should still return the queue")
	}
	if len(e.DrainRecent(false)) != 0 {
		t.Error("queue should be empty after clear")
	}
}

func TestMatches(t *testing.T) {
	if !Matches(types.Above, 1000, 1000) || !Matches(types.Below, 899.95, 899.95) {
		t.Error("equal price should satisfy both directions")
	}
	if Matches(types.Above, 999.99, 1000) || Matches(types.Below, 900.01, 900) {
		t.Error("price on the wrong side should not match")
	}
	if Matches("other", 1, 1) {
		t.Error("unknown direction never matches")
	}
}

type panickyStore struct {
	*database.Store
	panicOn int64
}

func (p *panickyStore) MarkTriggered(id int64, at time.Time) (bool, error) {
	if id == p.panicOn {
		panic("disk gone")
	}
	return p.Store.MarkTriggered(id, at)
}

func TestPanicKeepsAlreadyFiredEvents(t *testing.T) {
	_, store := newEngine(t)
	ps := &panickyStore{Store: store}
	e := NewEngine(ps, WithLogger(logging.Discard()))

	first, err := e.Add("2330", "TSMC", types.Above, 900)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Add("2330", "TSMC", types.Above, 950)
	if err != nil {
		t.Fatal(err)
	}
	ps.panicOn = second.ID

	fired := e.Check(quote("2330", 1000))
	if len(fired) != 1 || fired[0].AlertID != first.ID {
		t.Fatalf("expected the first alert to be returned, got %+v", fired)
	}
	recent := e.DrainRecent(false)
	if len(recent) != 1 || recent[0].AlertID != first.ID {
		t.Errorf("fired event must reach the recent queue, got %+v", recent)
	}
	active, _ := e.ListActive()
	if len(active) != 1 || active[0].ID != second.ID {
		t.Errorf("only the second alert should stay active, got %+v", active)
	}
}
