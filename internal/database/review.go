package database

import (
	"database/sql"
	"fmt"

	"stock-cockpit/internal/types"
)

func (s *Store) SaveReview(r types.Review) error {
	_, err := s.DB.Exec(`
	INSERT INTO daily_diary (date, provider, content) VALUES (?, ?, ?)
	ON CONFLICT(date) DO UPDATE SET provider = excluded.provider, content = excluded.content, created_at = CURRENT_TIMESTAMP;`,
		r.Date, r.Provider, r.Content)
	if err != nil {
		return fmt.Errorf("failed to save review %s: %w", r.Date, err)
	}
	return nil
}

// LatestReview returns the most recent review; found is false when none exist.
func (s *Store) LatestReview() (r types.Review, found bool, err error) {
	var created sql.NullString
	err = s.DB.QueryRow(`SELECT date, provider, content, created_at FROM daily_diary ORDER BY date DESC LIMIT 1;`).
		Scan(&r.Date, &r.Provider, &r.Content, &created)
	if err == sql.ErrNoRows {
		return r, false, nil
	} else if err != nil {
		return r, false, fmt.Errorf("failed to get latest review: %w", err)
	}
	r.CreatedAt = parseTime(created.String)
	return r, true, nil
}

func (s *Store) SaveRecommendations(recs []types.Recommendation) error {
	return s.batch("ai_recommendations", len(recs), `
	INSERT INTO ai_recommendations (date, symbol, action, target, stop_loss, entry_price, horizon, outcome)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		func(i int) []any {
			r := recs[i]
			var entry any
			if r.EntryPrice != nil {
				entry = *r.EntryPrice
			}
			return []any{r.Date, r.Symbol, r.Action, r.Target, r.StopLoss, entry, r.Horizon, r.Outcome}
		})
}

// Recommendations returns recommendations dated on or after since
// (YYYY-MM-DD), newest first. An empty since returns all of them.
func (s *Store) Recommendations(since string) ([]types.Recommendation, error) {
	rows, err := s.DB.Query(`
	SELECT id, date, symbol, action, target, stop_loss, entry_price, horizon, outcome, created_at
	FROM ai_recommendations WHERE date >= ? ORDER BY date DESC, id DESC;`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query recommendations: %w", err)
	}
	defer rows.Close()

	var out []types.Recommendation
	for rows.Next() {
		var (
			r       types.Recommendation
			entry   sql.NullFloat64
			created sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Date, &r.Symbol, &r.Action, &r.Target, &r.StopLoss, &entry, &r.Horizon, &r.Outcome, &created); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if entry.Valid {
			v := entry.Float64
			r.EntryPrice = &v
		}
		r.CreatedAt = parseTime(created.String)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRecommendationOutcome records a manual result. An empty outcome clears it.
func (s *Store) SetRecommendationOutcome(id int64, outcome string) error {
	res, err := s.DB.Exec(`UPDATE ai_recommendations SET outcome = ? WHERE id = ?;`, outcome, id)
	if err != nil {
		return fmt.Errorf("failed to set recommendation outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
