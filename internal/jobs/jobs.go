// Package jobs holds the post-market fetch and review jobs run by the scheduler.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"stock-cockpit/internal/fault"
	"stock-cockpit/internal/types"
)

// Job names as registered with the scheduler.
const (
	Institutional = "institutional"
	Margin        = "margin"
	TDCC          = "tdcc"
	Review        = "ai_review"
)

const (
	twseDateLayout = "20060102"
	dateLayout     = "2006-01-02"
	userAgent      = "Mozilla/5.0 (compatible; stock-cockpit)"
)

// ErrNotPublished means the exchange has no data for the date yet.
var ErrNotPublished = errors.New("data not published yet")

type Store interface {
	WatchSymbols() ([]string, error)
	SaveMarketInstitutional(m types.MarketInstitutional) error
	MarketInstitutional(date string) (types.MarketInstitutional, bool, error)
	SaveStockInstitutional(rows []types.StockInstitutional) error
	StockInstitutional(date string) ([]types.StockInstitutional, error)
	SaveMargin(rows []types.Margin) error
	SaveHoldings(rows []types.Holding) error
	SaveReview(r types.Review) error
	SaveRecommendations(recs []types.Recommendation) error
	Recommendations(since string) ([]types.Recommendation, error)
}

type Quotes interface {
	GetAll() map[string]types.Snapshot
}

type Generator interface {
	Generate(ctx context.Context, prompt string) string
}

type Options struct {
	TWSEBaseURL    string
	FinMindURL     string
	RequestPause   time.Duration
	RequestTimeout time.Duration
	Location       *time.Location
	// Provider names the AI provider recorded with each review.
	Provider func() string
}

type Runner struct {
	store  Store
	quotes Quotes
	gen    Generator
	opts   Options
	client *http.Client
	log    *log.Entry
	now    func() time.Time
}

func NewRunner(store Store, quotes Quotes, gen Generator, opts Options) *Runner {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Provider == nil {
		opts.Provider = func() string { return "gemini" }
	}
	opts.TWSEBaseURL = strings.TrimSuffix(opts.TWSEBaseURL, "/")
	return &Runner{
		store:  store,
		quotes: quotes,
		gen:    gen,
		opts:   opts,
		client: &http.Client{Timeout: opts.RequestTimeout},
		log:    log.WithField("component", "jobs"),
		now:    time.Now,
	}
}

func (r *Runner) SetLogger(l *log.Entry) { r.log = l }

func (r *Runner) today() time.Time {
	return r.now().In(r.opts.Location)
}

func isWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}

func (r *Runner) pause(ctx context.Context) error {
	if r.opts.RequestPause <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.opts.RequestPause):
		return nil
	}
}

func (r *Runner) watchSet() (map[string]bool, error) {
	symbols, err := r.store.WatchSymbols()
	if err != nil {
		return nil, fault.Wrap(fault.Persistence, "load watchlist", err)
	}
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	return set, nil
}

func (r *Runner) getJSON(ctx context.Context, base string, query url.Values, out any) error {
	u := base
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fault.Wrap(fault.Fetch, base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fault.Wrap(fault.Fetch, base, errors.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fault.Wrap(fault.Fetch, base, errors.Wrap(err, "decode"))
	}
	return nil
}

// parseNumber reads exchange cells such as "1,234,567", "-3,000" or 12.5.
func parseNumber(v any) decimal.Decimal {
	s := strings.TrimSpace(strings.ReplaceAll(fmt.Sprint(v), ",", ""))
	if s == "" || s == "--" || s == "<nil>" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseInt(v any) int64 {
	return parseNumber(v).IntPart()
}

func cell(row []any, i int) any {
	if i < len(row) {
		return row[i]
	}
	return nil
}
