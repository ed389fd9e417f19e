package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"pulz/internal/types"
)

// InsertTelemetryEvent appends one event to the telemetry log. Rows are
// append-only; nothing updates or deletes them.
func (s *Store) InsertTelemetryEvent(e types.TelemetryEvent) error {
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO telemetry_events (ts, mission_id, proposal_id, execution_id, type, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.TS, nullable(e.MissionID), nullable(e.ProposalID),
		nullable(e.ExecutionID), e.Type, string(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert telemetry event: %w", err)
	}
	return nil
}

// ListEventsByType returns events of any of the given types, oldest first.
func (s *Store) ListEventsByType(eventTypes ...string) ([]types.TelemetryEvent, error) {
	if len(eventTypes) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(eventTypes))
	args := make([]any, len(eventTypes))
	for i, t := range eventTypes {
		placeholders[i] = "?"
		args[i] = t
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, ts, mission_id, proposal_id, execution_id, type, payload_json
		FROM telemetry_events
		WHERE type IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list telemetry events: %w", err)
	}
	defer rows.Close()

	var out []types.TelemetryEvent
	for rows.Next() {
		var e types.TelemetryEvent
		var missionID, proposalID, executionID, payloadJSON *string
		if err := rows.Scan(&e.ID, &e.TS, &missionID, &proposalID, &executionID, &e.Type, &payloadJSON); err != nil {
			return nil, err
		}
		if missionID != nil {
			e.MissionID = *missionID
		}
		if proposalID != nil {
			e.ProposalID = *proposalID
		}
		if executionID != nil {
			e.ExecutionID = *executionID
		}
		if payloadJSON != nil && *payloadJSON != "" {
			_ = json.Unmarshal([]byte(*payloadJSON), &e.Payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEventsByType returns the number of events of one type.
func (s *Store) CountEventsByType(eventType string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM telemetry_events WHERE type = ?", eventType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count telemetry events: %w", err)
	}
	return n, nil
}
