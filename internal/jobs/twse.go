package jobs

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"stock-cockpit/internal/fault"
	"stock-cockpit/internal/types"
)

// twseResponse covers both the legacy "data" layout and the newer "tables" one.
type twseResponse struct {
	Stat   string  `json:"stat"`
	Date   string  `json:"date"`
	Data   [][]any `json:"data"`
	Tables []struct {
		Title string  `json:"title"`
		Data  [][]any `json:"data"`
	} `json:"tables"`
}

func (t twseResponse) ok() bool {
	return strings.EqualFold(t.Stat, "OK")
}

// rows returns data rows with at least minCols columns from every table.
func (t twseResponse) rows(minCols int) [][]any {
	var out [][]any
	for _, row := range t.Data {
		if len(row) >= minCols {
			out = append(out, row)
		}
	}
	for _, tbl := range t.Tables {
		for _, row := range tbl.Data {
			if len(row) >= minCols {
				out = append(out, row)
			}
		}
	}
	return out
}

type InstitutionalSummary struct {
	Date    string                     `json:"date"`
	Skipped string                     `json:"skipped,omitempty"`
	Market  *types.MarketInstitutional `json:"market,omitempty"`
	Stocks  []types.StockInstitutional `json:"stocks,omitempty"`
}

type MarginSummary struct {
	Date    string         `json:"date"`
	Skipped string         `json:"skipped,omitempty"`
	Rows    []types.Margin `json:"rows,omitempty"`
}

var hundredMillion = decimal.NewFromInt(100_000_000)

// RunInstitutional fetches market-wide and per-symbol net buy/sell of the three
// institutional investor groups.
func (r *Runner) RunInstitutional(ctx context.Context) (any, error) {
	day := r.today()
	summary := InstitutionalSummary{Date: day.Format(dateLayout)}
	if isWeekend(day) {
		summary.Skipped = "weekend"
		return summary, nil
	}

	market, err := r.fetchMarketInstitutional(ctx, day.Format(twseDateLayout))
	if err != nil {
		return summary, err
	}
	market.Date = summary.Date
	if err := r.store.SaveMarketInstitutional(market); err != nil {
		return summary, fault.Wrap(fault.Persistence, "save market institutional", err)
	}
	summary.Market = &market
	r.log.Infof("Market institutional %s: foreign %s trust %s dealer %s (100M)", summary.Date,
		decimal.NewFromFloat(market.ForeignNet).StringFixed(2),
		decimal.NewFromFloat(market.TrustNet).StringFixed(2),
		decimal.NewFromFloat(market.DealerNet).StringFixed(2))

	watch, err := r.watchSet()
	if err != nil {
		return summary, err
	}
	if len(watch) == 0 {
		return summary, nil
	}

	if err := r.pause(ctx); err != nil {
		return summary, err
	}
	stocks, err := r.fetchStockInstitutional(ctx, day.Format(twseDateLayout), summary.Date, watch)
	if err != nil {
		return summary, err
	}
	if err := r.store.SaveStockInstitutional(stocks); err != nil {
		return summary, fault.Wrap(fault.Persistence, "save stock institutional", err)
	}
	summary.Stocks = stocks
	r.log.Infof("Stored institutional flow for %d watchlist symbols", len(stocks))
	return summary, nil
}

func (r *Runner) fetchMarketInstitutional(ctx context.Context, date string) (types.MarketInstitutional, error) {
	var resp twseResponse
	q := url.Values{"response": {"json"}, "date": {date}}
	if err := r.getJSON(ctx, r.opts.TWSEBaseURL+"/fund/BFI82U", q, &resp); err != nil {
		return types.MarketInstitutional{}, err
	}
	rows := resp.rows(4)
	if !resp.ok() || len(rows) == 0 {
		return types.MarketInstitutional{}, fault.Wrap(fault.Fetch, "BFI82U "+date, ErrNotPublished)
	}

	var foreign, trust, dealer decimal.Decimal
	net := func(row []any) decimal.Decimal { return parseNumber(cell(row, 3)) }

	if len(rows) >= 5 {
		// dealer (proprietary), dealer (hedging), investment trust,
		// foreign excl. dealers, foreign dealers, total
		dealer = net(rows[0]).Add(net(rows[1]))
		trust = net(rows[2])
		foreign = net(rows[3]).Add(net(rows[4]))
	} else {
		for _, row := range rows {
			name := strings.TrimSpace(fmt.Sprint(row[0]))
			switch {
			case strings.HasPrefix(name, "外資") || strings.Contains(name, "陸資") || strings.HasPrefix(strings.ToLower(name), "foreign"):
				foreign = foreign.Add(net(row))
			case strings.Contains(name, "投信") || strings.Contains(strings.ToLower(name), "trust"):
				trust = net(row)
			case strings.HasPrefix(name, "自營") || strings.HasPrefix(strings.ToLower(name), "dealer"):
				dealer = dealer.Add(net(row))
			}
		}
	}

	toHundredMillion := func(d decimal.Decimal) float64 {
		return d.Div(hundredMillion).Round(2).InexactFloat64()
	}
	return types.MarketInstitutional{
		ForeignNet: toHundredMillion(foreign),
		TrustNet:   toHundredMillion(trust),
		DealerNet:  toHundredMillion(dealer),
	}, nil
}

func (r *Runner) fetchStockInstitutional(ctx context.Context, date, saveDate string, watch map[string]bool) ([]types.StockInstitutional, error) {
	var resp twseResponse
	q := url.Values{"response": {"json"}, "date": {date}, "selectType": {"ALLBUT0999"}}
	if err := r.getJSON(ctx, r.opts.TWSEBaseURL+"/fund/T86", q, &resp); err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, fault.Wrap(fault.Fetch, "T86 "+date, ErrNotPublished)
	}

	var out []types.StockInstitutional
	for _, row := range resp.rows(16) {
		symbol := strings.TrimSpace(fmt.Sprint(row[0]))
		if !watch[symbol] {
			continue
		}
		out = append(out, types.StockInstitutional{
			Date:        saveDate,
			Symbol:      symbol,
			Name:        strings.TrimSpace(fmt.Sprint(row[1])),
			ForeignBuy:  parseInt(row[2]),
			ForeignSell: parseInt(row[3]),
			TrustBuy:    parseInt(row[8]),
			TrustSell:   parseInt(row[9]),
			DealerBuy:   parseInt(row[11]) + parseInt(row[14]),
			DealerSell:  parseInt(row[12]) + parseInt(row[15]),
		})
	}
	return out, nil
}

// RunMargin fetches margin and short balances for watchlist symbols.
func (r *Runner) RunMargin(ctx context.Context) (any, error) {
	day := r.today()
	summary := MarginSummary{Date: day.Format(dateLayout)}
	if isWeekend(day) {
		summary.Skipped = "weekend"
		return summary, nil
	}

	watch, err := r.watchSet()
	if err != nil {
		return summary, err
	}
	if len(watch) == 0 {
		summary.Skipped = "empty watchlist"
		return summary, nil
	}

	var resp twseResponse
	date := day.Format(twseDateLayout)
	q := url.Values{"response": {"json"}, "date": {date}, "selectType": {"ALL"}}
	if err := r.getJSON(ctx, r.opts.TWSEBaseURL+"/exchangeReport/MI_MARGN", q, &resp); err != nil {
		return summary, err
	}
	if !resp.ok() {
		return summary, fault.Wrap(fault.Fetch, "MI_MARGN "+date, ErrNotPublished)
	}

	for _, row := range resp.rows(13) {
		symbol := strings.TrimSpace(fmt.Sprint(row[0]))
		if !watch[symbol] {
			continue
		}
		m := types.Margin{
			Date:          summary.Date,
			Symbol:        symbol,
			MarginBuy:     parseInt(row[2]),
			MarginSell:    parseInt(row[3]),
			MarginBalance: parseInt(row[6]),
			ShortBuy:      parseInt(row[8]),
			ShortSell:     parseInt(row[9]),
			ShortBalance:  parseInt(row[12]),
		}
		m.DayTradeRatio = dayTradeRatio(parseInt(cell(row, 14)), m.MarginBuy, m.ShortSell)
		summary.Rows = append(summary.Rows, m)
	}

	if err := r.store.SaveMargin(summary.Rows); err != nil {
		return summary, fault.Wrap(fault.Persistence, "save margin", err)
	}
	r.log.Infof("Stored margin data for %d watchlist symbols", len(summary.Rows))
	return summary, nil
}

// dayTradeRatio is offset / (margin buy + short sell) as a percentage.
func dayTradeRatio(offset, marginBuy, shortSell int64) float64 {
	total := marginBuy + shortSell
	if total <= 0 {
		return 0
	}
	return decimal.NewFromInt(offset).
		Div(decimal.NewFromInt(total)).
		Mul(decimal.NewFromInt(100)).
		Round(2).
		InexactFloat64()
}
