package database

import "fmt"

func (s *Store) AllSettings() (map[string]string, error) {
	rows, err := s.DB.Query(`SELECT key, value FROM app_settings;`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		settings[k] = v
	}
	return settings, rows.Err()
}

func (s *Store) SetSetting(key, value string) error {
	_, err := s.DB.Exec(`
	INSERT INTO app_settings (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;`, key, value)
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}
