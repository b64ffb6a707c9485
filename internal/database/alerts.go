package database

import (
	"database/sql"
	"fmt"
	"time"

	"stock-cockpit/internal/types"
)

const alertColumns = `id, symbol, name, direction, target_price, is_triggered, triggered_at, created_at`

// InsertAlert saves a new active alert and returns its id.
func (s *Store) InsertAlert(a types.Alert) (int64, error) {
	query := `
	INSERT INTO stock_alerts (symbol, name, direction, target_price, created_at)
	VALUES (?, ?, ?, ?, ?);`

	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.DB.Exec(query, a.Symbol, a.Name, string(a.Direction), a.TargetPrice, formatTime(created))
	if err != nil {
		return 0, fmt.Errorf("failed to insert alert: %w", err)
	}
	return res.LastInsertId()
}

// ActiveAlerts returns alerts that have not triggered yet.
func (s *Store) ActiveAlerts() ([]types.Alert, error) {
	return s.queryAlerts(`SELECT ` + alertColumns + ` FROM stock_alerts WHERE is_triggered = 0 ORDER BY id;`)
}

// AllAlerts returns every alert, newest first.
func (s *Store) AllAlerts() ([]types.Alert, error) {
	return s.queryAlerts(`SELECT ` + alertColumns + ` FROM stock_alerts ORDER BY id DESC;`)
}

func (s *Store) GetAlert(id int64) (types.Alert, error) {
	alerts, err := s.queryAlerts(`SELECT `+alertColumns+` FROM stock_alerts WHERE id = ?;`, id)
	if err != nil {
		return types.Alert{}, err
	}
	if len(alerts) == 0 {
		return types.Alert{}, sql.ErrNoRows
	}
	return alerts[0], nil
}

// MarkTriggered flips an active alert to triggered. It reports false when the
// alert was already triggered or no longer exists, so each alert fires once.
func (s *Store) MarkTriggered(id int64, at time.Time) (bool, error) {
	query := `UPDATE stock_alerts SET is_triggered = 1, triggered_at = ? WHERE id = ? AND is_triggered = 0;`
	res, err := s.DB.Exec(query, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark alert %d triggered: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// DeleteAlert removes an alert regardless of its state.
func (s *Store) DeleteAlert(id int64) error {
	res, err := s.DB.Exec(`DELETE FROM stock_alerts WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("failed to delete alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) queryAlerts(query string, args ...any) ([]types.Alert, error) {
	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []types.Alert
	for rows.Next() {
		var (
			a           types.Alert
			direction   string
			triggered   int
			triggeredAt sql.NullString
			createdAt   sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Symbol, &a.Name, &direction, &a.TargetPrice, &triggered, &triggeredAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		a.Direction = types.Direction(direction)
		a.Triggered = triggered == 1
		if triggeredAt.Valid {
			t := parseTime(triggeredAt.String)
			a.TriggeredAt = &t
		}
		a.CreatedAt = parseTime(createdAt.String)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// storedTimeLayout has fixed-width fractions so stored values sort lexically.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
