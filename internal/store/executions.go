package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"pulz/internal/types"
)

const executionColumns = `id, proposal_id, mission_id, lane, status,
	started_at, finished_at, approved_by, inputs_json, outputs_json,
	logs_text, error, metrics_json`

// ExecutionFilter narrows ListExecutions. Zero values mean no filter.
type ExecutionFilter struct {
	Status    types.ExecutionStatus
	Lane      types.Lane
	MissionID string
}

// InsertExecution stores a new execution row.
func (s *Store) InsertExecution(e types.Execution) error {
	inputsJSON, err := json.Marshal(e.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal execution inputs: %w", err)
	}
	outputsJSON, err := json.Marshal(e.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal execution outputs: %w", err)
	}
	metricsJSON, err := json.Marshal(e.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal execution metrics: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO executions
		(id, proposal_id, mission_id, lane, status, started_at, finished_at,
		 approved_by, inputs_json, outputs_json, logs_text, error, metrics_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProposalID, nullable(e.MissionID), string(e.Lane), string(e.Status),
		e.StartedAt, nullable(e.FinishedAt), nullable(e.ApprovedBy),
		string(inputsJSON), string(outputsJSON), e.LogsText,
		nullable(e.Error), string(metricsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// GetExecution loads one execution by id.
func (s *Store) GetExecution(id string) (*types.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+executionColumns+" FROM executions WHERE id = ?", id)
	return scanExecution(row)
}

// MarkExecutionRunning moves a queued execution to running and stamps
// started_at. Used by the worker when it picks the job up.
func (s *Store) MarkExecutionRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE executions SET status = ?, started_at = ? WHERE id = ?",
		string(types.ExecRunning), types.NowISO(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark execution running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// FinishExecution records a terminal state with outputs, metrics and an
// optional error message.
func (s *Store) FinishExecution(id string, status types.ExecutionStatus, outputs, metrics map[string]any, errMsg string) error {
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal execution outputs: %w", err)
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal execution metrics: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE executions
		SET status = ?, finished_at = ?, outputs_json = ?, metrics_json = ?, error = ?
		WHERE id = ?`,
		string(status), types.NowISO(), string(outputsJSON), string(metricsJSON),
		nullable(errMsg), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// AppendExecutionLog appends one line to the execution's log text.
func (s *Store) AppendExecutionLog(id, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE executions SET logs_text = logs_text || ? WHERE id = ?",
		line+"\n", id,
	)
	if err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	return nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(f ExecutionFilter) ([]types.Execution, error) {
	query := "SELECT " + executionColumns + " FROM executions"
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Lane != "" {
		clauses = append(clauses, "lane = ?")
		args = append(args, string(f.Lane))
	}
	if f.MissionID != "" {
		clauses = append(clauses, "mission_id = ?")
		args = append(args, f.MissionID)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY started_at DESC"

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []types.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// CountActiveExecutionsForProposal counts queued or running executions
// tied to the proposal. The enqueue path requires this to be zero.
func (s *Store) CountActiveExecutionsForProposal(proposalID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM executions WHERE proposal_id = ? AND status IN ('queued', 'running')",
		proposalID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active executions: %w", err)
	}
	return n, nil
}

// RunningExecutionsForMission lists ids of non-terminal executions tied
// to a mission, for cancellation on mission stop.
func (s *Store) RunningExecutionsForMission(missionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id FROM executions WHERE mission_id = ? AND status IN ('queued', 'running')",
		missionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list mission executions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FailRunningExecutions marks every queued or running execution as
// failed with the given reason. Called on startup.
func (s *Store) FailRunningExecutions(reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE executions
		SET status = 'failed', finished_at = ?, error = ?
		WHERE status IN ('queued', 'running')`,
		types.NowISO(), reason,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail running executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountExecutions returns the total number of executions.
func (s *Store) CountExecutions() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM executions").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return n, nil
}

func scanExecution(row rowScanner) (*types.Execution, error) {
	var e types.Execution
	var missionID, finishedAt, approvedBy, errMsg sql.NullString
	var inputsJSON, outputsJSON, metricsJSON sql.NullString
	err := row.Scan(
		&e.ID, &e.ProposalID, &missionID, &e.Lane, &e.Status,
		&e.StartedAt, &finishedAt, &approvedBy,
		&inputsJSON, &outputsJSON, &e.LogsText, &errMsg, &metricsJSON,
	)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	e.MissionID = missionID.String
	e.FinishedAt = finishedAt.String
	e.ApprovedBy = approvedBy.String
	e.Error = errMsg.String
	if inputsJSON.String != "" {
		_ = json.Unmarshal([]byte(inputsJSON.String), &e.Inputs)
	}
	if outputsJSON.String != "" {
		_ = json.Unmarshal([]byte(outputsJSON.String), &e.Outputs)
	}
	if metricsJSON.String != "" {
		_ = json.Unmarshal([]byte(metricsJSON.String), &e.Metrics)
	}
	return &e, nil
}
