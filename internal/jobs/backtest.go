package jobs

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stock-cockpit/internal/fault"
	"stock-cockpit/internal/types"
)

// Backtest outcome statuses.
const (
	HitTarget   = "hit_target"
	HitStopLoss = "hit_stoploss"
	Pending     = "pending"
	Expired     = "expired"
	NoQuote     = "no_quote"
)

// DefaultBacktestDays is the look-back window when none is given.
const DefaultBacktestDays = 30

// Holding periods a review can give a recommendation.
const (
	HorizonShort = "short"
	HorizonSwing = "swing"
	HorizonLong  = "long"
)

// ValidOutcome reports whether o may be recorded as a manual result.
// Pending clears a previous result.
func ValidOutcome(o string) bool {
	switch o {
	case HitTarget, HitStopLoss, Expired, Pending:
		return true
	}
	return false
}

// NormalizeHorizon maps a free-form horizon to short, swing or long.
func NormalizeHorizon(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	switch {
	case h == "":
		return ""
	case strings.Contains(h, "short"), strings.Contains(h, "短線"):
		return HorizonShort
	case strings.Contains(h, "swing"), strings.Contains(h, "波段"):
		return HorizonSwing
	default:
		return HorizonLong
	}
}

// HorizonDays is how long an undecided recommendation stays pending.
func HorizonDays(h string) int {
	switch NormalizeHorizon(h) {
	case HorizonShort:
		return 14
	case HorizonSwing:
		return 90
	default:
		return 180
	}
}

type BacktestResult struct {
	types.Recommendation
	CurrentPrice float64 `json:"current_price"`
	Entry        float64 `json:"entry"`
	// EntryEstimated marks an entry derived from the target/stop-loss
	// midpoint because no live price was recorded with the recommendation.
	EntryEstimated bool    `json:"entry_estimated"`
	Status         string  `json:"status"`
	PnLPercent     float64 `json:"pnl_percent"`
}

type BacktestSummary struct {
	Total       int     `json:"total"`
	HitTarget   int     `json:"hit_target"`
	HitStopLoss int     `json:"hit_stoploss"`
	Pending     int     `json:"pending"`
	Expired     int     `json:"expired"`
	NoQuote     int     `json:"no_quote"`
	Accuracy    float64 `json:"accuracy"`
}

// BacktestReport keeps measured and estimated-entry results apart so that
// midpoint approximations never mix into measured returns.
type BacktestReport struct {
	Days      int              `json:"days"`
	Since     string           `json:"since"`
	Summary   BacktestSummary  `json:"summary"`
	Measured  []BacktestResult `json:"measured"`
	Estimated []BacktestResult `json:"estimated"`
}

// Backtest evaluates the last days of stored recommendations against the
// live quote cache.
func (r *Runner) Backtest(days int) (BacktestReport, error) {
	if days <= 0 {
		days = DefaultBacktestDays
	}
	today := r.today()
	since := today.AddDate(0, 0, -days).Format(dateLayout)
	recs, err := r.store.Recommendations(since)
	if err != nil {
		return BacktestReport{}, fault.Wrap(fault.Persistence, "load recommendations", err)
	}
	report := Backtest(recs, r.quotes.GetAll(), today)
	report.Days, report.Since = days, since
	return report, nil
}

// Backtest scores recs as of today. A recorded outcome wins over the live
// quote; undecided recommendations older than their horizon expire.
func Backtest(recs []types.Recommendation, quotes map[string]types.Snapshot, today time.Time) BacktestReport {
	report := BacktestReport{
		Measured:  []BacktestResult{},
		Estimated: []BacktestResult{},
	}

	for _, rec := range recs {
		res := BacktestResult{Recommendation: rec, Status: Pending}
		if q, ok := quotes[rec.Symbol]; ok && q.Price > 0 {
			res.CurrentPrice = q.Price
		}

		switch {
		case rec.Outcome != "" && rec.Outcome != Pending:
			res.Status = rec.Outcome
		case res.CurrentPrice > 0 && rec.Target > 0 && res.CurrentPrice >= rec.Target:
			res.Status = HitTarget
		case res.CurrentPrice > 0 && rec.StopLoss > 0 && res.CurrentPrice <= rec.StopLoss:
			res.Status = HitStopLoss
		case expired(rec, today):
			res.Status = Expired
		case res.CurrentPrice <= 0:
			res.Status = NoQuote
		}
		report.Summary.count(res.Status)

		if rec.EntryPrice != nil {
			res.Entry = *rec.EntryPrice
		} else if rec.Target > 0 && rec.StopLoss > 0 {
			res.Entry = decimal.NewFromFloat(rec.Target).
				Add(decimal.NewFromFloat(rec.StopLoss)).
				Div(decimal.NewFromInt(2)).
				InexactFloat64()
			res.EntryEstimated = true
		}
		res.PnLPercent = pnlPercent(res.Entry, res.CurrentPrice)

		if rec.EntryPrice != nil {
			report.Measured = append(report.Measured, res)
		} else {
			report.Estimated = append(report.Estimated, res)
		}
	}

	report.Summary.Total = len(recs)
	if decided := report.Summary.HitTarget + report.Summary.HitStopLoss; decided > 0 {
		report.Summary.Accuracy = decimal.NewFromInt(int64(report.Summary.HitTarget)).
			Div(decimal.NewFromInt(int64(decided))).
			Mul(decimal.NewFromInt(100)).
			Round(1).
			InexactFloat64()
	}
	return report
}

func (s *BacktestSummary) count(status string) {
	switch status {
	case HitTarget:
		s.HitTarget++
	case HitStopLoss:
		s.HitStopLoss++
	case Expired:
		s.Expired++
	case NoQuote:
		s.NoQuote++
	default:
		s.Pending++
	}
}

func expired(rec types.Recommendation, today time.Time) bool {
	day, err := time.ParseInLocation(dateLayout, rec.Date, today.Location())
	if err != nil {
		return false
	}
	midnight := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, today.Location())
	passed := int(midnight.Sub(day).Hours() / 24)
	return passed > HorizonDays(rec.Horizon)
}

func pnlPercent(entry, current float64) float64 {
	if entry <= 0 || current <= 0 {
		return 0
	}
	e := decimal.NewFromFloat(entry)
	return decimal.NewFromFloat(current).Sub(e).Div(e).Mul(decimal.NewFromInt(100)).Round(1).InexactFloat64()
}
