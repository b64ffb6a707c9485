package database

import (
	"database/sql"
	"fmt"
	"strings"

	"stock-cockpit/internal/types"
)

func (s *Store) Watchlist() ([]types.WatchItem, error) {
	rows, err := s.DB.Query(`SELECT symbol, name, category, added_at FROM watchlist ORDER BY symbol;`)
	if err != nil {
		return nil, fmt.Errorf("failed to query watchlist: %w", err)
	}
	defer rows.Close()

	var items []types.WatchItem
	for rows.Next() {
		var (
			item  types.WatchItem
			added sql.NullString
		)
		if err := rows.Scan(&item.Symbol, &item.Name, &item.Category, &added); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		item.AddedAt = parseTime(added.String)
		items = append(items, item)
	}
	return items, rows.Err()
}

// WatchSymbols returns only the symbols of the watchlist.
func (s *Store) WatchSymbols() ([]string, error) {
	items, err := s.Watchlist()
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(items))
	for _, item := range items {
		symbols = append(symbols, item.Symbol)
	}
	return symbols, nil
}

// AddWatch inserts or renames a watchlist entry.
func (s *Store) AddWatch(item types.WatchItem) error {
	symbol := strings.TrimSpace(item.Symbol)
	if symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	_, err := s.DB.Exec(`
	INSERT INTO watchlist (symbol, name, category) VALUES (?, ?, ?)
	ON CONFLICT(symbol) DO UPDATE SET name = excluded.name, category = excluded.category;`,
		symbol, item.Name, item.Category)
	if err != nil {
		return fmt.Errorf("failed to add %s to watchlist: %w", symbol, err)
	}
	return nil
}

func (s *Store) RemoveWatch(symbol string) error {
	if _, err := s.DB.Exec(`DELETE FROM watchlist WHERE symbol = ?;`, symbol); err != nil {
		return fmt.Errorf("failed to remove %s from watchlist: %w", symbol, err)
	}
	return nil
}
