package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"pulz/internal/types"
)

// InsertSignal inserts a signal row. Signals are insert-once: a second
// insert with the same id is a no-op and returns inserted=false.
func (s *Store) InsertSignal(sig types.Signal) (inserted bool, err error) {
	rawJSON, err := json.Marshal(sig.Raw)
	if err != nil {
		return false, fmt.Errorf("failed to marshal signal raw: %w", err)
	}
	scoredJSON, err := json.Marshal(sig.Scored)
	if err != nil {
		return false, fmt.Errorf("failed to marshal scoring: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO signals
		(id, source, url, title, body_excerpt, author, created_at, raw_json, scored_json, proposal_id, status, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Source, sig.URL, sig.Title, sig.BodyExcerpt, sig.Author,
		sig.CreatedAt, string(rawJSON), string(scoredJSON),
		nullable(sig.ProposalID), string(sig.Status), sig.InsertedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert signal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SignalExists reports whether a signal with the given id is stored.
func (s *Store) SignalExists(id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow("SELECT 1 FROM signals WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check signal: %w", err)
	}
	return true, nil
}

// GetSignal loads one signal by id.
func (s *Store) GetSignal(id string) (*types.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, source, url, title, body_excerpt, author, created_at,
		       raw_json, scored_json, proposal_id, status, inserted_at
		FROM signals WHERE id = ?`, id)
	return scanSignal(row)
}

// CountSignals returns the total number of stored signals.
func (s *Store) CountSignals() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM signals").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count signals: %w", err)
	}
	return n, nil
}

// SignalCountsBySource returns signal counts keyed by source name.
func (s *Store) SignalCountsBySource() (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT source, COUNT(*) FROM signals GROUP BY source")
	if err != nil {
		return nil, fmt.Errorf("failed to count signals by source: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, err
		}
		counts[source] = n
	}
	return counts, rows.Err()
}

// AttachProposal links a proposal to its signal and marks it queued.
func (s *Store) AttachProposal(signalID, proposalID string, status types.SignalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE signals SET proposal_id = ?, status = ? WHERE id = ?",
		proposalID, string(status), signalID,
	)
	if err != nil {
		return fmt.Errorf("failed to attach proposal: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (*types.Signal, error) {
	var sig types.Signal
	var rawJSON, scoredJSON string
	var proposalID sql.NullString
	err := row.Scan(
		&sig.ID, &sig.Source, &sig.URL, &sig.Title, &sig.BodyExcerpt,
		&sig.Author, &sig.CreatedAt, &rawJSON, &scoredJSON,
		&proposalID, &sig.Status, &sig.InsertedAt,
	)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan signal: %w", err)
	}
	sig.ProposalID = proposalID.String
	if rawJSON != "" {
		_ = json.Unmarshal([]byte(rawJSON), &sig.Raw)
	}
	if scoredJSON != "" {
		_ = json.Unmarshal([]byte(scoredJSON), &sig.Scored)
	}
	return &sig, nil
}

// nullable converts an empty string to NULL for storage.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
