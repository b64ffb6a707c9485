package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"stock-cockpit/internal/ai"
	"stock-cockpit/internal/fault"
	"stock-cockpit/internal/types"
)

type ReviewSummary struct {
	Date            string `json:"date"`
	Provider        string `json:"provider"`
	Content         string `json:"content"`
	Placeholder     bool   `json:"placeholder"`
	Recommendations int    `json:"recommendations"`
	Skipped         string `json:"skipped,omitempty"`
}

// RunReview writes the daily review from today's quotes and institutional flow.
// A failed generation still stores the placeholder text.
func (r *Runner) RunReview(ctx context.Context) (any, error) {
	day := r.today()
	date := day.Format(dateLayout)
	if isWeekend(day) {
		return ReviewSummary{Date: date, Provider: r.opts.Provider(), Skipped: "weekend"}, nil
	}

	quotes := r.quotes.GetAll()
	market, hasMarket, err := r.store.MarketInstitutional(date)
	if err != nil {
		return nil, fault.Wrap(fault.Persistence, "load market institutional", err)
	}
	stocks, err := r.store.StockInstitutional(date)
	if err != nil {
		return nil, fault.Wrap(fault.Persistence, "load stock institutional", err)
	}

	var mkt *types.MarketInstitutional
	if hasMarket {
		mkt = &market
	}
	text := r.gen.Generate(ctx, buildPrompt(date, quotes, mkt, stocks))

	summary := ReviewSummary{
		Date:        date,
		Provider:    r.opts.Provider(),
		Content:     text,
		Placeholder: ai.IsPlaceholder(text),
	}
	err = r.store.SaveReview(types.Review{Date: date, Provider: summary.Provider, Content: text, CreatedAt: r.now()})
	if err != nil {
		return summary, fault.Wrap(fault.Persistence, "save review", err)
	}
	if summary.Placeholder {
		return summary, nil
	}

	recs := extractRecommendations(text, date, quotes)
	if err := r.store.SaveRecommendations(recs); err != nil {
		return summary, fault.Wrap(fault.Persistence, "save recommendations", err)
	}
	summary.Recommendations = len(recs)
	r.log.Infof("Review for %s stored with %d recommendations", date, len(recs))
	return summary, nil
}

func buildPrompt(date string, quotes map[string]types.Snapshot, market *types.MarketInstitutional, stocks []types.StockInstitutional) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a short post-market review for %s.\n\n", date)

	b.WriteString("Institutional flow (100M TWD):\n")
	if market != nil {
		fmt.Fprintf(&b, "foreign %+.2f, trust %+.2f, dealer %+.2f, total %+.2f\n",
			market.ForeignNet, market.TrustNet, market.DealerNet, market.TotalNet())
	} else {
		b.WriteString("n/a\n")
	}

	b.WriteString("\nWatchlist quotes:\n")
	symbols := make([]string, 0, len(quotes))
	for s := range quotes {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		q := quotes[s]
		fmt.Fprintf(&b, "%s %s price %.2f change %+.2f%% volume %d\n", q.Symbol, q.Name, q.Price, q.ChangePercent, q.TotalVolume)
	}

	if len(stocks) > 0 {
		b.WriteString("\nPer-symbol institutional net (shares):\n")
		for _, st := range stocks {
			fmt.Fprintf(&b, "%s %s %+d\n", st.Symbol, st.Name, st.TotalNet())
		}
	}

	b.WriteString(`
End with a JSON object on its own:
{"recommendations":[{"symbol":"","action":"buy|sell|hold","target_price":0,"stop_loss_price":0,"time_horizon":"short|swing|long"}]}
`)
	return b.String()
}

type recommendationBlock struct {
	Recommendations []struct {
		Symbol   string  `json:"symbol"`
		StockID  string  `json:"stock_id"`
		Action   string  `json:"action"`
		Target   float64 `json:"target_price"`
		StopLoss float64 `json:"stop_loss_price"`
		Horizon  string  `json:"time_horizon"`
	} `json:"recommendations"`
}

// extractRecommendations parses the trailing JSON block of a review. Entry
// prices come from the quote cache when the symbol is live.
func extractRecommendations(text, date string, quotes map[string]types.Snapshot) []types.Recommendation {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil
	}

	var block recommendationBlock
	if err := json.Unmarshal([]byte(text[start:end+1]), &block); err != nil {
		return nil
	}

	var out []types.Recommendation
	for _, rec := range block.Recommendations {
		symbol := rec.Symbol
		if symbol == "" {
			symbol = rec.StockID
		}
		if symbol == "" {
			continue
		}
		action := strings.ToLower(strings.TrimSpace(rec.Action))
		if action == "" {
			action = "buy"
		}
		r := types.Recommendation{
			Date:     date,
			Symbol:   symbol,
			Action:   action,
			Target:   rec.Target,
			StopLoss: rec.StopLoss,
			Horizon:  NormalizeHorizon(rec.Horizon),
		}
		if q, ok := quotes[symbol]; ok && q.Price > 0 {
			price := q.Price
			r.EntryPrice = &price
		}
		out = append(out, r)
	}
	return out
}
