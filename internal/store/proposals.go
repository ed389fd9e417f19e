package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"pulz/internal/types"
)

const proposalColumns = `id, signal_id, status, created_at, updated_at, data_json,
	execution_mode, mission_id, approved_at, executing_at, executed_at,
	estimated_revenue_cents, realized_revenue_cents`

// InsertProposal stores a new proposal row.
func (s *Store) InsertProposal(p types.Proposal) error {
	dataJSON, err := json.Marshal(p.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal proposal data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO proposals
		(id, signal_id, status, created_at, updated_at, data_json,
		 execution_mode, mission_id, approved_at, executing_at, executed_at,
		 estimated_revenue_cents, realized_revenue_cents)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SignalID, string(p.Status), p.CreatedAt, p.UpdatedAt,
		string(dataJSON), string(p.ExecutionMode), nullable(p.MissionID),
		nullable(p.ApprovedAt), nullable(p.ExecutingAt), nullable(p.ExecutedAt),
		p.EstimatedRevenueCents, p.RealizedRevenueCents,
	)
	if err != nil {
		return fmt.Errorf("failed to insert proposal: %w", err)
	}
	return nil
}

// GetProposal loads one proposal by id.
func (s *Store) GetProposal(id string) (*types.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+proposalColumns+" FROM proposals WHERE id = ?", id)
	return scanProposal(row)
}

// UpdateProposalStatus transitions a proposal and stamps the matching
// timestamp column for approved/executing/executed.
func (s *Store) UpdateProposalStatus(id string, status types.ProposalStatus) error {
	now := types.NowISO()

	set := "status = ?, updated_at = ?"
	args := []any{string(status), now}
	switch status {
	case types.ProposalApproved:
		set += ", approved_at = ?"
		args = append(args, now)
	case types.ProposalExecuting:
		set += ", executing_at = ?"
		args = append(args, now)
	case types.ProposalExecuted:
		set += ", executed_at = ?"
		args = append(args, now)
	}
	args = append(args, id)

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE proposals SET "+set+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update proposal status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// SetRealizedRevenue records realised revenue for a proposal.
func (s *Store) SetRealizedRevenue(id string, cents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE proposals SET realized_revenue_cents = ?, updated_at = ? WHERE id = ?",
		cents, types.NowISO(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set realized revenue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// ListProposalsByStatus returns proposals matching any of the given
// statuses, newest first. An empty set returns everything.
func (s *Store) ListProposalsByStatus(statuses []types.ProposalStatus) ([]types.Proposal, error) {
	query := "SELECT " + proposalColumns + " FROM proposals"
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY created_at DESC"

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	defer rows.Close()

	var out []types.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// QueueItem is a queued proposal joined with its originating signal.
type QueueItem struct {
	ID        string             `json:"id"`
	CreatedAt string             `json:"created_at"`
	Proposal  types.ProposalData `json:"proposal"`
	Source    string             `json:"source"`
	Title     string             `json:"title"`
	URL       string             `json:"url"`
}

// ListQueue returns queued proposals with signal context, newest first.
func (s *Store) ListQueue() ([]QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT proposals.id, proposals.data_json, proposals.created_at,
		       signals.title, signals.url, signals.source
		FROM proposals
		JOIN signals ON signals.id = proposals.signal_id
		WHERE proposals.status = 'queued'
		ORDER BY proposals.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var item QueueItem
		var dataJSON string
		if err := rows.Scan(&item.ID, &dataJSON, &item.CreatedAt, &item.Title, &item.URL, &item.Source); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(dataJSON), &item.Proposal)
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountProposals returns the total number of proposals.
func (s *Store) CountProposals() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM proposals").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count proposals: %w", err)
	}
	return n, nil
}

// RealizedRevenueBySource sums realised revenue per signal source.
// Sources with no realised revenue are absent from the result.
func (s *Store) RealizedRevenueBySource() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT signals.source, SUM(proposals.realized_revenue_cents)
		FROM proposals
		JOIN signals ON signals.id = proposals.signal_id
		WHERE proposals.realized_revenue_cents IS NOT NULL
		GROUP BY signals.source`)
	if err != nil {
		return nil, fmt.Errorf("failed to sum revenue by source: %w", err)
	}
	defer rows.Close()

	revenue := map[string]int64{}
	for rows.Next() {
		var source string
		var cents int64
		if err := rows.Scan(&source, &cents); err != nil {
			return nil, err
		}
		revenue[source] = cents
	}
	return revenue, rows.Err()
}

func scanProposal(row rowScanner) (*types.Proposal, error) {
	var p types.Proposal
	var dataJSON string
	var missionID, approvedAt, executingAt, executedAt, executionMode sql.NullString
	var estimated, realized sql.NullInt64
	err := row.Scan(
		&p.ID, &p.SignalID, &p.Status, &p.CreatedAt, &p.UpdatedAt, &dataJSON,
		&executionMode, &missionID, &approvedAt, &executingAt, &executedAt,
		&estimated, &realized,
	)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan proposal: %w", err)
	}
	p.ExecutionMode = types.ExecutionMode(executionMode.String)
	if p.ExecutionMode == "" {
		p.ExecutionMode = types.ModeManual
	}
	p.MissionID = missionID.String
	p.ApprovedAt = approvedAt.String
	p.ExecutingAt = executingAt.String
	p.ExecutedAt = executedAt.String
	if estimated.Valid {
		v := estimated.Int64
		p.EstimatedRevenueCents = &v
	}
	if realized.Valid {
		v := realized.Int64
		p.RealizedRevenueCents = &v
	}
	if dataJSON != "" {
		_ = json.Unmarshal([]byte(dataJSON), &p.Data)
	}
	return &p, nil
}
