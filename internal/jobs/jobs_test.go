package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stock-cockpit/internal/ai"
	"stock-cockpit/internal/database"
	"stock-cockpit/internal/quote"
	"stock-cockpit/internal/types"
	"stock-cockpit/lib/logging"
)

type fakeGen struct {
	text   string
	prompt string
}

func (f *fakeGen) Generate(ctx context.Context, prompt string) string {
	f.prompt = prompt
	return f.text
}

func taipei(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

func newTWSE(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/fund/BFI82U", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("date") != "20260302" {
			json.NewEncoder(w).Encode(map[string]any{"stat": "很抱歉，沒有符合條件的資料!"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"stat": "OK",
			"data": [][]any{
				{"自營商(自行買賣)", "1", "1", "100,000,000"},
				{"自營商(避險)", "1", "1", "-50,000,000"},
				{"投信", "1", "1", "234,000,000"},
				{"外資及陸資(不含外資自營商)", "1", "1", "1,000,000,000"},
				{"外資自營商", "1", "1", "0"},
				{"合計", "1", "1", "1,284,000,000"},
			},
		})
	})
	mux.HandleFunc("/fund/T86", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"stat": "OK",
			"data": [][]any{
				{"2330", "台積電", "10,000", "4,000", "6,000", "0", "0", "0", "500", "100", "400", "20", "10", "10", "5", "5", "0", "6,410"},
				{"2317", "鴻海", "1", "1", "0", "0", "0", "0", "0", "0", "0", "0", "0", "0", "0", "0", "0", "0"},
			},
		})
	})
	mux.HandleFunc("/exchangeReport/MI_MARGN", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"stat": "OK",
			"tables": []map[string]any{
				{"title": "summary", "data": [][]any{{"融資(交易單位)", "1", "2"}}},
				{"title": "detail", "data": [][]any{
					{"2330", "台積電", "300", "200", "0", "5,000", "5,100", "0", "10", "100", "0", "800", "890", "0", "80", ""},
				}},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newRunner(t *testing.T, baseURL string, at time.Time, gen Generator) (*Runner, *database.Store, *quote.Cache) {
	t.Helper()
	store, err := database.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.AddWatch(types.WatchItem{Symbol: "2330", Name: "TSMC"}); err != nil {
		t.Fatal(err)
	}

	cache := quote.NewCache()
	if gen == nil {
		gen = &fakeGen{}
	}
	r := NewRunner(store, cache, gen, Options{
		TWSEBaseURL: baseURL,
		FinMindURL:  baseURL + "/finmind",
		Location:    at.Location(),
	})
	r.SetLogger(logging.Discard())
	r.now = func() time.Time { return at }
	return r, store, cache
}

func TestRunInstitutional(t *testing.T) {
	srv := newTWSE(t)
	monday := time.Date(2026, 3, 2, 18, 5, 0, 0, taipei(t))
	r, store, _ := newRunner(t, srv.URL, monday, nil)

	out, err := r.RunInstitutional(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	summary := out.(InstitutionalSummary)
	if summary.Market == nil || summary.Market.ForeignNet != 10 || summary.Market.TrustNet != 2.34 || summary.Market.DealerNet != 0.5 {
		t.Errorf("unexpected market flow %+v", summary.Market)
	}
	if len(summary.Stocks) != 1 {
		t.Fatalf("expected only the watchlist symbol, got %+v", summary.Stocks)
	}
	st := summary.Stocks[0]
	if st.ForeignBuy != 10000 || st.DealerBuy != 25 || st.DealerSell != 15 {
		t.Errorf("unexpected row %+v", st)
	}

	stored, found, err := store.MarketInstitutional("2026-03-02")
	if err != nil || !found || stored.ForeignNet != 10 {
		t.Errorf("market flow not stored: %+v %v %v", stored, found, err)
	}
}

func TestRunInstitutionalNotPublished(t *testing.T) {
	srv := newTWSE(t)
	tuesday := time.Date(2026, 3, 3, 18, 5, 0, 0, taipei(t))
	r, _, _ := newRunner(t, srv.URL, tuesday, nil)

	if _, err := r.RunInstitutional(context.Background()); !errors.Is(err, ErrNotPublished) {
		t.Errorf("expected ErrNotPublished, got %v", err)
	}
}

func TestWeekendSkips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected on weekends")
	}))
	defer srv.Close()
	saturday := time.Date(2026, 3, 7, 18, 5, 0, 0, taipei(t))
	r, _, _ := newRunner(t, srv.URL, saturday, nil)

	out, err := r.RunInstitutional(context.Background())
	if err != nil || out.(InstitutionalSummary).Skipped != "weekend" {
		t.Errorf("expected weekend skip, got %+v %v", out, err)
	}
	out, err = r.RunMargin(context.Background())
	if err != nil || out.(MarginSummary).Skipped != "weekend" {
		t.Errorf("expected weekend skip, got %+v %v", out, err)
	}
}

func TestRunMargin(t *testing.T) {
	srv := newTWSE(t)
	monday := time.Date(2026, 3, 2, 18, 10, 0, 0, taipei(t))
	r, _, _ := newRunner(t, srv.URL, monday, nil)

	out, err := r.RunMargin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rows := out.(MarginSummary).Rows
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %+v", rows)
	}
	m := rows[0]
	if m.MarginBalance != 5100 || m.ShortBalance != 890 || m.DayTradeRatio != 20 {
		t.Errorf("unexpected margin row %+v", m)
	}
}

func TestDayTradeRatio(t *testing.T) {
	if got := dayTradeRatio(1, 3, 0); got != 33.33 {
		t.Errorf("got %v", got)
	}
	if got := dayTradeRatio(5, 0, 0); got != 0 {
		t.Errorf("zero volume should give 0, got %v", got)
	}
}

func TestRunTDCCKeepsLatestPeriod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("dataset") != "TaiwanStockHoldingSharesPer" || r.URL.Query().Get("data_id") != "2330" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"status":200,"msg":"success","data":[
			{"date":"2026-02-20","stock_id":"2330","HoldingSharesLevel":"1-999","people":10,"unit":100,"percent":1.5},
			{"date":"2026-02-27","stock_id":"2330","HoldingSharesLevel":"1-999","people":12,"unit":120,"percent":1.6},
			{"date":"2026-02-27","stock_id":"2330","HoldingSharesLevel":"more than 1,000,001","people":3,"unit":900000,"percent":80.1}
		]}`))
	}))
	defer srv.Close()

	friday := time.Date(2026, 3, 6, 18, 30, 0, 0, taipei(t))
	r, _, _ := newRunner(t, srv.URL, friday, nil)
	r.opts.FinMindURL = srv.URL

	out, err := r.RunTDCC(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	s := out.(TDCCSummary)
	if s.Symbols != 1 || s.Rows != 2 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestRunTDCCAllFailing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":402,"msg":"rate limited"}`))
	}))
	defer srv.Close()

	r, _, _ := newRunner(t, srv.URL, time.Now(), nil)
	r.opts.FinMindURL = srv.URL
	if _, err := r.RunTDCC(context.Background()); err == nil {
		t.Error("expected error when every symbol fails")
	}
}

func TestRunReviewStoresRecommendations(t *testing.T) {
	gen := &fakeGen{text: "Steady session.\n```json\n{\"recommendations\":[" +
		"{\"symbol\":\"2330\",\"action\":\"Buy\",\"target_price\":1000,\"stop_loss_price\":880}," +
		"{\"symbol\":\"2454\",\"action\":\"buy\",\"target_price\":1500,\"stop_loss_price\":1300}]}\n```"}
	monday := time.Date(2026, 3, 2, 18, 15, 0, 0, taipei(t))
	r, store, cache := newRunner(t, "http://unused", monday, gen)
	cache.Put("2330", types.Snapshot{Symbol: "2330", Name: "TSMC", Price: 905})

	out, err := r.RunReview(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	s := out.(ReviewSummary)
	if s.Placeholder || s.Recommendations != 2 {
		t.Errorf("unexpected summary %+v", s)
	}
	if !strings.Contains(gen.prompt, "2330 TSMC price 905.00") {
		t.Errorf("prompt should list cached quotes:\n%s", gen.prompt)
	}

	review, found, _ := store.LatestReview()
	if !found || review.Date != "2026-03-02" {
		t.Errorf("review not stored: %+v", review)
	}

	recs, _ := store.Recommendations("")
	bySymbol := map[string]types.Recommendation{}
	for _, rec := range recs {
		bySymbol[rec.Symbol] = rec
	}
	if e := bySymbol["2330"].EntryPrice; e == nil || *e != 905 {
		t.Errorf("live symbol should record entry price, got %v", e)
	}
	if bySymbol["2454"].EntryPrice != nil {
		t.Error("symbol without a quote must not get an entry price")
	}
	if bySymbol["2330"].Action != "buy" {
		t.Errorf("action should be normalised, got %q", bySymbol["2330"].Action)
	}
}

func TestRunReviewPlaceholderStillStored(t *testing.T) {
	gen := &fakeGen{text: ai.Placeholder + ": quota"}
	r, store, _ := newRunner(t, "http://unused", time.Date(2026, 3, 2, 18, 15, 0, 0, taipei(t)), gen)

	out, err := r.RunReview(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !out.(ReviewSummary).Placeholder {
		t.Error("expected placeholder summary")
	}
	if review, found, _ := store.LatestReview(); !found || !ai.IsPlaceholder(review.Content) {
		t.Errorf("placeholder should be stored, got %+v", review)
	}
}

func TestRunReviewSkipsWeekend(t *testing.T) {
	gen := &fakeGen{text: "should not be asked"}
	saturday := time.Date(2026, 3, 7, 18, 15, 0, 0, taipei(t))
	r, store, cache := newRunner(t, "http://unused", saturday, gen)
	cache.Put("2330", types.Snapshot{Symbol: "2330", Price: 905})

	out, err := r.RunReview(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s := out.(ReviewSummary); s.Skipped != "weekend" || s.Date != "2026-03-07" {
		t.Errorf("expected weekend skip, got %+v", s)
	}
	if gen.prompt != "" {
		t.Error("generator must not be called on weekends")
	}
	if _, found, _ := store.LatestReview(); found {
		t.Error("no review should be stored on weekends")
	}
}

func TestBacktestSeparatesEstimatedEntries(t *testing.T) {
	entry := 900.0
	recs := []types.Recommendation{
		{Symbol: "2330", Target: 1000, StopLoss: 850, EntryPrice: &entry},
		{Symbol: "2454", Target: 1200, StopLoss: 800},
		{Symbol: "2317", Target: 200, StopLoss: 150},
		{Symbol: "3008", Target: 3000, StopLoss: 2000},
	}
	quotes := map[string]types.Snapshot{
		"2330": {Price: 990},
		"2454": {Price: 1250},
		"2317": {Price: 140},
	}

	report := Backtest(recs, quotes, time.Date(2026, 3, 2, 20, 0, 0, 0, taipei(t)))

	if len(report.Measured) != 1 || len(report.Estimated) != 3 {
		t.Fatalf("unexpected split %d/%d", len(report.Measured), len(report.Estimated))
	}
	m := report.Measured[0]
	if m.EntryEstimated || m.Entry != 900 || m.PnLPercent != 10 || m.Status != Pending {
		t.Errorf("unexpected measured result %+v", m)
	}

	est := report.Estimated[0]
	if !est.EntryEstimated || est.Entry != 1000 || est.PnLPercent != 25 || est.Status != HitTarget {
		t.Errorf("unexpected estimated result %+v", est)
	}
	if report.Estimated[1].Status != HitStopLoss || report.Estimated[2].Status != NoQuote {
		t.Errorf("unexpected statuses %+v", report.Estimated)
	}

	s := report.Summary
	if s.Total != 4 || s.HitTarget != 1 || s.HitStopLoss != 1 || s.Pending != 1 || s.NoQuote != 1 || s.Accuracy != 50 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestBacktestExpiresStaleAndHonoursOutcome(t *testing.T) {
	today := time.Date(2026, 6, 1, 20, 0, 0, 0, taipei(t))
	recs := []types.Recommendation{
		{Symbol: "2330", Date: "2026-05-10", Horizon: HorizonShort, Target: 1000, StopLoss: 850},
		{Symbol: "2330", Date: "2026-05-25", Horizon: HorizonShort, Target: 1000, StopLoss: 850},
		{Symbol: "2454", Date: "2026-03-01", Horizon: HorizonSwing, Target: 1500, StopLoss: 1300},
		{Symbol: "2317", Date: "2026-05-30", Target: 200, StopLoss: 150, Outcome: HitTarget},
		{Symbol: "3008", Date: "2025-11-01", Target: 3000, StopLoss: 2000},
		{Symbol: "2330", Date: "2026-04-01", Horizon: HorizonShort, Target: 900, StopLoss: 850},
	}
	quotes := map[string]types.Snapshot{
		"2330": {Price: 905},
		"2454": {Price: 1400},
		"2317": {Price: 160},
	}

	report := Backtest(recs, quotes, today)
	var statuses []string
	for _, r := range report.Estimated {
		statuses = append(statuses, r.Status)
	}
	want := []string{Expired, Pending, Expired, HitTarget, Expired, HitTarget}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("rec %d: got %s want %s", i, statuses[i], want[i])
		}
	}

	s := report.Summary
	if s.Expired != 3 || s.Pending != 1 || s.HitTarget != 2 || s.Accuracy != 100 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestHorizonDays(t *testing.T) {
	cases := map[string]int{"short": 14, "Short term": 14, "短線": 14, "swing": 90, "波段": 90, "long": 180, "": 180}
	for in, want := range cases {
		if got := HorizonDays(in); got != want {
			t.Errorf("HorizonDays(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestRunnerBacktestLooksBackDays(t *testing.T) {
	at := time.Date(2026, 3, 20, 20, 0, 0, 0, taipei(t))
	r, store, cache := newRunner(t, "http://unused", at, &fakeGen{})
	cache.Put("2330", types.Snapshot{Symbol: "2330", Price: 905})
	err := store.SaveRecommendations([]types.Recommendation{
		{Date: "2026-03-18", Symbol: "2330", Action: "buy", Target: 1000, StopLoss: 850, Horizon: HorizonSwing},
		{Date: "2026-01-05", Symbol: "2330", Action: "buy", Target: 900, StopLoss: 850},
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := r.Backtest(0)
	if err != nil {
		t.Fatal(err)
	}
	if report.Days != DefaultBacktestDays || report.Since != "2026-02-18" || report.Summary.Total != 1 {
		t.Errorf("default window should keep only the recent call, got %+v", report)
	}

	report, _ = r.Backtest(90)
	if report.Summary.Total != 2 || report.Summary.HitTarget != 1 {
		t.Errorf("wider window should include the older call, got %+v", report.Summary)
	}
}
