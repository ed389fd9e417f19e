package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"pulz/internal/types"
)

// InsertMission stores a new mission row.
func (s *Store) InsertMission(m types.Mission) error {
	configJSON, err := json.Marshal(m.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal mission config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO missions (id, started_at, ends_at, status, config_json, authority_mode)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.StartedAt, m.EndsAt, string(m.Status), string(configJSON),
		string(m.AuthorityMode),
	)
	if err != nil {
		return fmt.Errorf("failed to insert mission: %w", err)
	}
	return nil
}

// GetMission loads one mission by id.
func (s *Store) GetMission(id string) (*types.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT id, started_at, ends_at, status, config_json, authority_mode FROM missions WHERE id = ?",
		id,
	)
	return scanMission(row)
}

// UpdateMissionStatus moves a mission between running and stopped.
func (s *Store) UpdateMissionStatus(id string, status types.MissionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE missions SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update mission status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// UpdateMissionAuthority changes a mission's authority mode mid-run.
func (s *Store) UpdateMissionAuthority(id string, mode types.AuthorityMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE missions SET authority_mode = ? WHERE id = ?", string(mode), id)
	if err != nil {
		return fmt.Errorf("failed to update mission authority: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func scanMission(row rowScanner) (*types.Mission, error) {
	var m types.Mission
	var configJSON string
	var authority sql.NullString
	err := row.Scan(&m.ID, &m.StartedAt, &m.EndsAt, &m.Status, &configJSON, &authority)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan mission: %w", err)
	}
	if configJSON != "" {
		_ = json.Unmarshal([]byte(configJSON), &m.Config)
	}
	m.AuthorityMode = types.AuthorityMode(authority.String)
	if m.AuthorityMode == "" {
		m.AuthorityMode = types.AuthorityAutoDraftQueue
	}
	return &m, nil
}
