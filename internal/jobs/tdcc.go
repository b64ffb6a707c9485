package jobs

import (
	"context"
	"fmt"
	"net/url"

	"github.com/pkg/errors"

	"stock-cockpit/internal/fault"
	"stock-cockpit/internal/types"
)

type finMindResponse struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
	Data   []struct {
		Date    string  `json:"date"`
		StockID string  `json:"stock_id"`
		Level   string  `json:"HoldingSharesLevel"`
		People  int64   `json:"people"`
		Unit    int64   `json:"unit"`
		Percent float64 `json:"percent"`
	} `json:"data"`
}

type TDCCSummary struct {
	Symbols int      `json:"symbols"`
	Rows    int      `json:"rows"`
	Failed  []string `json:"failed,omitempty"`
}

// RunTDCC stores the latest large-holder census for every watchlist symbol.
func (r *Runner) RunTDCC(ctx context.Context) (any, error) {
	symbols, err := r.store.WatchSymbols()
	if err != nil {
		return nil, fault.Wrap(fault.Persistence, "load watchlist", err)
	}

	var summary TDCCSummary
	for i, symbol := range symbols {
		if i > 0 {
			if err := r.pause(ctx); err != nil {
				return summary, err
			}
		}
		rows, err := r.fetchHoldings(ctx, symbol)
		if err != nil {
			r.log.Warnf("TDCC fetch for %s failed: %v", symbol, err)
			summary.Failed = append(summary.Failed, symbol)
			continue
		}
		if err := r.store.SaveHoldings(rows); err != nil {
			return summary, fault.Wrap(fault.Persistence, "save holdings", err)
		}
		summary.Symbols++
		summary.Rows += len(rows)
	}

	if len(symbols) > 0 && summary.Symbols == 0 {
		return summary, fault.Wrap(fault.Fetch, "tdcc", errors.Errorf("all %d symbols failed", len(symbols)))
	}
	r.log.Infof("Stored %d census rows for %d symbols", summary.Rows, summary.Symbols)
	return summary, nil
}

// fetchHoldings queries the last two weeks and keeps only the latest period.
func (r *Runner) fetchHoldings(ctx context.Context, symbol string) ([]types.Holding, error) {
	end := r.today()
	q := url.Values{
		"dataset":    {"TaiwanStockHoldingSharesPer"},
		"data_id":    {symbol},
		"start_date": {end.AddDate(0, 0, -14).Format(dateLayout)},
		"end_date":   {end.Format(dateLayout)},
	}

	var resp finMindResponse
	if err := r.getJSON(ctx, r.opts.FinMindURL, q, &resp); err != nil {
		return nil, err
	}
	if resp.Status != 200 {
		return nil, fmt.Errorf("finmind status %d: %s", resp.Status, resp.Msg)
	}
	if len(resp.Data) == 0 {
		return nil, ErrNotPublished
	}

	latest := ""
	for _, d := range resp.Data {
		if d.Date > latest {
			latest = d.Date
		}
	}

	var out []types.Holding
	for _, d := range resp.Data {
		if d.Date != latest {
			continue
		}
		out = append(out, types.Holding{
			Date:    d.Date,
			Symbol:  symbol,
			Level:   d.Level,
			Holders: d.People,
			Shares:  d.Unit,
			Percent: d.Percent,
		})
	}
	return out, nil
}
