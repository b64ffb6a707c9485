package database

import (
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"stock-cockpit/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "cockpit.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMarkTriggeredIsConditional(t *testing.T) {
	store := openTestStore(t)

	id, err := store.InsertAlert(types.Alert{Symbol: "2330", Direction: types.Below, TargetPrice: 900})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	ok, err := store.MarkTriggered(id, time.Now())
	if err != nil || !ok {
		t.Fatalf("first mark should succeed: ok=%v err=%v", ok, err)
	}
	ok, err = store.MarkTriggered(id, time.Now())
	if err != nil || ok {
		t.Fatalf("second mark must report no change: ok=%v err=%v", ok, err)
	}

	active, err := store.ActiveAlerts()
	if err != nil {
		t.Fatalf("active query failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no active alerts, got %d", len(active))
	}

	a, err := store.GetAlert(id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !a.Triggered || a.TriggeredAt == nil {
		t.Errorf("expected triggered alert with timestamp, got %+v", a)
	}
}

func TestMarkTriggeredConcurrent(t *testing.T) {
	store := openTestStore(t)
	id, _ := store.InsertAlert(types.Alert{Symbol: "2317", Direction: types.Above, TargetPrice: 100})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.MarkTriggered(id, time.Now())
			if err != nil {
				t.Errorf("mark failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}

func TestDeleteAlert(t *testing.T) {
	store := openTestStore(t)
	id, _ := store.InsertAlert(types.Alert{Symbol: "2454", Direction: types.Above, TargetPrice: 1200})

	if err := store.DeleteAlert(id); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.DeleteAlert(id); err != sql.ErrNoRows {
		t.Errorf("expected ErrNoRows on second delete, got %v", err)
	}
}

func TestWatchlistAndSnapshots(t *testing.T) {
	store := openTestStore(t)

	if err := store.AddWatch(types.WatchItem{Symbol: "2330", Name: "TSMC"}); err != nil {
		t.Fatalf("add watch failed: %v", err)
	}
	if err := store.AddWatch(types.WatchItem{Symbol: "2330", Name: "台積電"}); err != nil {
		t.Fatalf("upsert watch failed: %v", err)
	}
	symbols, err := store.WatchSymbols()
	if err != nil || len(symbols) != 1 || symbols[0] != "2330" {
		t.Fatalf("unexpected watchlist %v (%v)", symbols, err)
	}

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var snaps []types.Snapshot
	for i := 0; i < 5; i++ {
		snaps = append(snaps, types.Snapshot{Symbol: "2330", Price: 900 + float64(i), CapturedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	if err := store.SaveSnapshots(snaps); err != nil {
		t.Fatalf("save snapshots failed: %v", err)
	}

	history, err := store.SnapshotHistory("2330", 3)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(history))
	}
	if history[0].Price != 902 || history[2].Price != 904 {
		t.Errorf("expected the last three in order, got %v, %v", history[0].Price, history[2].Price)
	}
	if !history[2].CapturedAt.Equal(base.Add(4 * time.Minute)) {
		t.Errorf("timestamp not preserved: %v", history[2].CapturedAt)
	}
}

func TestJobStateRoundTrip(t *testing.T) {
	store := openTestStore(t)

	state, found, err := store.JobState("margin")
	if err != nil || found || state.Status != types.StatusIdle {
		t.Fatalf("expected idle unknown job, got %+v found=%v err=%v", state, found, err)
	}

	if err := store.SaveJobState(types.JobState{Name: "margin", LastRun: "2026-03-02", Status: types.StatusSuccess}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	state, found, err = store.JobState("margin")
	if err != nil || !found || state.LastRun != "2026-03-02" || state.Status != types.StatusSuccess {
		t.Errorf("unexpected state %+v found=%v err=%v", state, found, err)
	}
}

func TestSetJobStatusKeepsLastRun(t *testing.T) {
	store := openTestStore(t)

	if err := store.SetJobStatus("tdcc", types.StatusRunning); err != nil {
		t.Fatalf("status on unknown job: %v", err)
	}
	state, found, err := store.JobState("tdcc")
	if err != nil || !found || state.LastRun != "" || state.Status != types.StatusRunning {
		t.Fatalf("unexpected state %+v found=%v err=%v", state, found, err)
	}

	store.SaveJobState(types.JobState{Name: "tdcc", LastRun: "2026-03-06", Status: types.StatusSuccess})
	if err := store.SetJobStatus("tdcc", "error:timeout"); err != nil {
		t.Fatal(err)
	}
	state, _, _ = store.JobState("tdcc")
	if state.LastRun != "2026-03-06" || state.Status != "error:timeout" {
		t.Errorf("last run must be kept, got %+v", state)
	}
}

func TestMetricsRoundTrip(t *testing.T) {
	store := openTestStore(t)

	if err := store.SaveMetric("polls_total", 10); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.SaveMetric("polls_total", 12); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if v, err := store.GetMetric("polls_total"); err != nil || v != 12 {
		t.Errorf("expected 12, got %v (%v)", v, err)
	}

	store.SaveMetricWithLabels("job_runs_total", "institutional", "success", 3)
	labeled, err := store.GetMetricsWithLabels("job_runs_total")
	if err != nil {
		t.Fatalf("labeled query failed: %v", err)
	}
	if labeled["institutional"]["success"] != 3 {
		t.Errorf("unexpected labeled metrics %v", labeled)
	}
}

func TestRecommendationsKeepMissingEntry(t *testing.T) {
	store := openTestStore(t)
	entry := 880.0
	recs := []types.Recommendation{
		{Date: "2026-03-02", Symbol: "2330", Action: "buy", Target: 950, StopLoss: 850, EntryPrice: &entry},
		{Date: "2026-03-02", Symbol: "2317", Action: "buy", Target: 220, StopLoss: 180},
	}
	if err := store.SaveRecommendations(recs); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := store.Recommendations("")
	if err != nil || len(got) != 2 {
		t.Fatalf("unexpected %v (%v)", got, err)
	}
	for _, r := range got {
		if r.Symbol == "2317" && r.EntryPrice != nil {
			t.Errorf("missing entry price must stay nil")
		}
		if r.Symbol == "2330" && (r.EntryPrice == nil || *r.EntryPrice != 880) {
			t.Errorf("entry price lost: %v", r.EntryPrice)
		}
	}
}

func TestRecommendationsWindowAndOutcome(t *testing.T) {
	store := openTestStore(t)
	err := store.SaveRecommendations([]types.Recommendation{
		{Date: "2026-01-05", Symbol: "2317", Action: "buy", Target: 220, StopLoss: 180},
		{Date: "2026-03-02", Symbol: "2330", Action: "buy", Target: 950, StopLoss: 850, Horizon: "short"},
	})
	if err != nil {
		t.Fatal(err)
	}

	recent, err := store.Recommendations("2026-02-01")
	if err != nil || len(recent) != 1 || recent[0].Symbol != "2330" || recent[0].Horizon != "short" {
		t.Fatalf("unexpected window %+v (%v)", recent, err)
	}

	if err := store.SetRecommendationOutcome(recent[0].ID, "hit_target"); err != nil {
		t.Fatal(err)
	}
	recent, _ = store.Recommendations("2026-02-01")
	if recent[0].Outcome != "hit_target" {
		t.Errorf("outcome not stored: %+v", recent[0])
	}
	if err := store.SetRecommendationOutcome(9999, "expired"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected ErrNoRows for unknown id, got %v", err)
	}
}

func TestOpenAddsNewColumnsToOldDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(`CREATE TABLE ai_recommendations (
		id INTEGER PRIMARY KEY AUTOINCREMENT, date TEXT NOT NULL, symbol TEXT NOT NULL,
		action TEXT NOT NULL, target REAL NOT NULL, stop_loss REAL NOT NULL, entry_price REAL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP);`)
	db.Close()
	if err != nil {
		t.Fatal(err)
	}

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open old database: %v", err)
	}
	defer store.Close()
	if err := store.SaveRecommendations([]types.Recommendation{{Date: "2026-03-02", Symbol: "2330", Action: "buy", Horizon: "swing"}}); err != nil {
		t.Fatalf("save after migration: %v", err)
	}

	// A second open must not fail on the already added columns.
	store.Close()
	again, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	again.Close()
}
