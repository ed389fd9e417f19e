package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"pulz/internal/types"
)

const artifactColumns = `id, proposal_id, created_at, data_json, text,
	execution_id, kind, path, sha256`

// InsertArtifact stores a new artifact row. Artifacts are immutable; no
// update path exists.
func (s *Store) InsertArtifact(a types.Artifact) error {
	dataJSON, err := json.Marshal(a.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO artifacts
		(id, proposal_id, created_at, data_json, text, execution_id, kind, path, sha256)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProposalID, a.CreatedAt, string(dataJSON), a.Text,
		nullable(a.ExecutionID), string(a.Kind), nullable(a.Path), nullable(a.SHA256),
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return nil
}

// GetArtifact loads one artifact by id.
func (s *Store) GetArtifact(id string) (*types.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+artifactColumns+" FROM artifacts WHERE id = ?", id)
	return scanArtifact(row)
}

// ListArtifacts returns the newest artifacts, limited to n rows.
func (s *Store) ListArtifacts(n int) ([]types.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT "+artifactColumns+" FROM artifacts ORDER BY created_at DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

// ListArtifactsByExecution returns the artifacts one execution produced.
func (s *Store) ListArtifactsByExecution(executionID string) ([]types.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT "+artifactColumns+" FROM artifacts WHERE execution_id = ? ORDER BY created_at ASC",
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution artifacts: %w", err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

func collectArtifacts(rows *sql.Rows) ([]types.Artifact, error) {
	var out []types.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanArtifact(row rowScanner) (*types.Artifact, error) {
	var a types.Artifact
	var dataJSON, text sql.NullString
	var executionID, kind, path, digest sql.NullString
	err := row.Scan(
		&a.ID, &a.ProposalID, &a.CreatedAt, &dataJSON, &text,
		&executionID, &kind, &path, &digest,
	)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan artifact: %w", err)
	}
	a.Text = text.String
	a.ExecutionID = executionID.String
	a.Kind = types.ArtifactKind(kind.String)
	if a.Kind == "" {
		a.Kind = types.ArtifactJSON
	}
	a.Path = path.String
	a.SHA256 = digest.String
	if dataJSON.String != "" {
		_ = json.Unmarshal([]byte(dataJSON.String), &a.Data)
	}
	return &a, nil
}
