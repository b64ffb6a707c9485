package database

import (
	"database/sql"
	"fmt"

	"stock-cockpit/internal/types"
)

func (s *Store) SaveMarketInstitutional(m types.MarketInstitutional) error {
	_, err := s.DB.Exec(`
	INSERT INTO market_institutional (date, foreign_net, trust_net, dealer_net) VALUES (?, ?, ?, ?)
	ON CONFLICT(date) DO UPDATE SET foreign_net = excluded.foreign_net, trust_net = excluded.trust_net,
		dealer_net = excluded.dealer_net, fetched_at = CURRENT_TIMESTAMP;`,
		m.Date, m.ForeignNet, m.TrustNet, m.DealerNet)
	if err != nil {
		return fmt.Errorf("failed to save market institutional %s: %w", m.Date, err)
	}
	return nil
}

// MarketInstitutional returns the flow stored for date; found is false when absent.
func (s *Store) MarketInstitutional(date string) (m types.MarketInstitutional, found bool, err error) {
	err = s.DB.QueryRow(`SELECT date, foreign_net, trust_net, dealer_net FROM market_institutional WHERE date = ?;`, date).
		Scan(&m.Date, &m.ForeignNet, &m.TrustNet, &m.DealerNet)
	if err == sql.ErrNoRows {
		return m, false, nil
	} else if err != nil {
		return m, false, fmt.Errorf("failed to get market institutional %s: %w", date, err)
	}
	return m, true, nil
}

func (s *Store) SaveStockInstitutional(rows []types.StockInstitutional) error {
	return s.batch("institutional_data", len(rows), `
	INSERT INTO institutional_data (date, symbol, name, foreign_buy, foreign_sell, trust_buy, trust_sell, dealer_buy, dealer_sell)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(date, symbol) DO UPDATE SET name = excluded.name,
		foreign_buy = excluded.foreign_buy, foreign_sell = excluded.foreign_sell,
		trust_buy = excluded.trust_buy, trust_sell = excluded.trust_sell,
		dealer_buy = excluded.dealer_buy, dealer_sell = excluded.dealer_sell, fetched_at = CURRENT_TIMESTAMP;`,
		func(i int) []any {
			r := rows[i]
			return []any{r.Date, r.Symbol, r.Name, r.ForeignBuy, r.ForeignSell, r.TrustBuy, r.TrustSell, r.DealerBuy, r.DealerSell}
		})
}

func (s *Store) StockInstitutional(date string) ([]types.StockInstitutional, error) {
	rows, err := s.DB.Query(`
	SELECT date, symbol, name, foreign_buy, foreign_sell, trust_buy, trust_sell, dealer_buy, dealer_sell
	FROM institutional_data WHERE date = ? ORDER BY symbol;`, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query institutional data: %w", err)
	}
	defer rows.Close()

	var out []types.StockInstitutional
	for rows.Next() {
		var r types.StockInstitutional
		if err := rows.Scan(&r.Date, &r.Symbol, &r.Name, &r.ForeignBuy, &r.ForeignSell, &r.TrustBuy, &r.TrustSell, &r.DealerBuy, &r.DealerSell); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SaveMargin(rows []types.Margin) error {
	return s.batch("margin_data", len(rows), `
	INSERT INTO margin_data (date, symbol, margin_buy, margin_sell, margin_balance, short_buy, short_sell, short_balance, day_trade_ratio)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(date, symbol) DO UPDATE SET margin_buy = excluded.margin_buy, margin_sell = excluded.margin_sell,
		margin_balance = excluded.margin_balance, short_buy = excluded.short_buy, short_sell = excluded.short_sell,
		short_balance = excluded.short_balance, day_trade_ratio = excluded.day_trade_ratio, fetched_at = CURRENT_TIMESTAMP;`,
		func(i int) []any {
			r := rows[i]
			return []any{r.Date, r.Symbol, r.MarginBuy, r.MarginSell, r.MarginBalance, r.ShortBuy, r.ShortSell, r.ShortBalance, r.DayTradeRatio}
		})
}

func (s *Store) SaveHoldings(rows []types.Holding) error {
	return s.batch("tdcc_data", len(rows), `
	INSERT INTO tdcc_data (date, symbol, level, holders, shares, percent) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(date, symbol, level) DO UPDATE SET holders = excluded.holders, shares = excluded.shares, percent = excluded.percent;`,
		func(i int) []any {
			r := rows[i]
			return []any{r.Date, r.Symbol, r.Level, r.Holders, r.Shares, r.Percent}
		})
}

// batch runs one prepared statement n times inside a transaction.
func (s *Store) batch(table string, n int, query string, args func(i int) []any) error {
	if n == 0 {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin %s batch: %w", table, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("failed to prepare %s insert: %w", table, err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if _, err := stmt.Exec(args(i)...); err != nil {
			return fmt.Errorf("failed to save %s row: %w", table, err)
		}
	}
	return tx.Commit()
}
