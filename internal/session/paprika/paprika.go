// Package paprika is a session.Source for crypto symbols backed by the
// CoinPaprika API.
package paprika

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coinpaprika/coinpaprika-api-go-client/v2/coinpaprika"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"stock-cockpit/internal/types"
)

// Source resolves watchlist symbols (e.g. "BTC" or "btc-bitcoin") to coin ids
// using the coin list loaded at login.
type Source struct {
	client *coinpaprika.Client
	quote  string

	mu       sync.RWMutex
	ids      map[string]string // coin id -> coin id
	bySymbol map[string]string // upper-case symbol -> coin id
}

func New(apiProKey string) *Source {
	client := coinpaprika.NewClient(nil)
	if apiProKey != "" {
		client = coinpaprika.NewClient(nil, coinpaprika.WithAPIKey(apiProKey))
	}
	return &Source{client: client, quote: "USD"}
}

// Login loads the coin list used to resolve symbols.
func (s *Source) Login(ctx context.Context) error {
	coins, err := s.client.Coins.List()
	if err != nil {
		return errors.Wrap(err, "unable to load coin list")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ids := make(map[string]string, len(coins))
	bySymbol := make(map[string]string, len(coins))
	for _, c := range coins {
		if c == nil || c.ID == nil {
			continue
		}
		id := *c.ID
		ids[id] = id
		if c.Symbol != nil {
			sym := strings.ToUpper(*c.Symbol)
			if _, taken := bySymbol[sym]; !taken {
				bySymbol[sym] = id
			}
		}
	}

	s.mu.Lock()
	s.ids, s.bySymbol = ids, bySymbol
	s.mu.Unlock()
	log.Debugf("Loaded %d coins", len(ids))
	return nil
}

func (s *Source) ReferenceReady(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids) > 0, nil
}

func (s *Source) resolve(symbol string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.ids[strings.ToLower(symbol)]; ok {
		return id, true
	}
	id, ok := s.bySymbol[strings.ToUpper(symbol)]
	return id, ok
}

// Snapshots fetches tickers one by one; symbols that do not resolve or whose
// ticker cannot be read are skipped.
func (s *Source) Snapshots(ctx context.Context, symbols []string) (map[string]types.Snapshot, error) {
	out := make(map[string]types.Snapshot, len(symbols))
	opts := &coinpaprika.TickersOptions{Quotes: s.quote}

	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, ok := s.resolve(symbol)
		if !ok {
			log.Debugf("No coin matches symbol %s", symbol)
			continue
		}
		ticker, err := s.client.Tickers.GetByID(id, opts)
		if err != nil || ticker == nil {
			log.Debugf("Ticker %s unavailable: %v", id, err)
			continue
		}
		q, ok := ticker.Quotes[s.quote]
		if !ok || q.Price == nil {
			continue
		}

		price := *q.Price
		pct := deref(q.PercentChange24h)
		out[symbol] = types.Snapshot{
			Symbol:        symbol,
			Name:          derefString(ticker.Name),
			Price:         price,
			ChangePercent: pct,
			Change:        price - price/(1+pct/100),
			TotalAmount:   deref(q.Volume24h),
			Close:         price,
			CapturedAt:    time.Now(),
		}
	}
	return out, nil
}

// Logout drops the resolution tables; the API itself is stateless.
func (s *Source) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.ids, s.bySymbol = nil, nil
	s.mu.Unlock()
	return nil
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
