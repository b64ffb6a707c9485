package database

import (
	"fmt"

	"stock-cockpit/internal/types"
)

// SaveSnapshots appends a batch of snapshots to the history table in one transaction.
func (s *Store) SaveSnapshots(snaps []types.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin snapshot batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
	INSERT INTO stock_snapshots (symbol, name, price, change_price, change_percent, volume, total_volume,
		total_amount, open, high, low, close, bid, ask, vwap, captured_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, sn := range snaps {
		_, err := stmt.Exec(sn.Symbol, sn.Name, sn.Price, sn.Change, sn.ChangePercent, sn.Volume, sn.TotalVolume,
			sn.TotalAmount, sn.Open, sn.High, sn.Low, sn.Close, sn.Bid, sn.Ask, sn.VWAP, formatTime(sn.CapturedAt))
		if err != nil {
			return fmt.Errorf("failed to save snapshot for %s: %w", sn.Symbol, err)
		}
	}
	return tx.Commit()
}

// SnapshotHistory returns up to limit snapshots for symbol in chronological order.
func (s *Store) SnapshotHistory(symbol string, limit int) ([]types.Snapshot, error) {
	rows, err := s.DB.Query(`
	SELECT symbol, name, price, change_price, change_percent, volume, total_volume, total_amount,
		open, high, low, close, bid, ask, vwap, captured_at
	FROM (SELECT * FROM stock_snapshots WHERE symbol = ? ORDER BY captured_at DESC, id DESC LIMIT ?)
	ORDER BY captured_at ASC;`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots for %s: %w", symbol, err)
	}
	defer rows.Close()

	var history []types.Snapshot
	for rows.Next() {
		var (
			sn       types.Snapshot
			captured string
		)
		err := rows.Scan(&sn.Symbol, &sn.Name, &sn.Price, &sn.Change, &sn.ChangePercent, &sn.Volume, &sn.TotalVolume,
			&sn.TotalAmount, &sn.Open, &sn.High, &sn.Low, &sn.Close, &sn.Bid, &sn.Ask, &sn.VWAP, &captured)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		sn.CapturedAt = parseTime(captured)
		history = append(history, sn)
	}
	return history, rows.Err()
}
