// Package proposal implements the proposal lifecycle: creation from
// scored signals, operator approval and rejection, and handoff to the
// execution manager.
package proposal

import (
	"fmt"

	"github.com/google/uuid"

	"pulz/internal/broadcast"
	"pulz/internal/execution"
	"pulz/internal/logging"
	"pulz/internal/store"
	"pulz/internal/telemetry"
	"pulz/internal/types"
)

// Service coordinates proposal state changes across the store, the
// execution manager, telemetry and the live feed.
type Service struct {
	store *store.Store
	mgr   *execution.Manager
	rec   *telemetry.Recorder
	bus   *broadcast.Bus
}

// NewService creates the lifecycle service.
func NewService(s *store.Store, mgr *execution.Manager, rec *telemetry.Recorder, bus *broadcast.Bus) *Service {
	return &Service{store: s, mgr: mgr, rec: rec, bus: bus}
}

// Create drafts a new proposal for a scored signal, links it to the
// signal row, and announces it.
func (s *Service) Create(sig types.Signal, data types.ProposalData, status types.ProposalStatus, mode types.ExecutionMode, missionID string) (*types.Proposal, error) {
	now := types.NowISO()
	p := types.Proposal{
		ID:            types.HashID("proposal:" + sig.ID + ":" + now),
		SignalID:      sig.ID,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExecutionMode: mode,
		MissionID:     missionID,
		Data:          data,
	}
	if err := s.store.InsertProposal(p); err != nil {
		return nil, err
	}
	if err := s.store.AttachProposal(sig.ID, p.ID, types.SignalQueued); err != nil {
		return nil, err
	}

	s.rec.Record(types.TelemetryEvent{
		MissionID: missionID, ProposalID: p.ID,
		Type: types.EventProposalCreated,
		Payload: map[string]any{
			"signal_id": sig.ID, "source": sig.Source, "status": string(status),
		},
	})
	s.bus.Publish(types.EventProposalCreated, p)
	logging.Mission("Proposal %s created for signal %s (%s)", p.ID, sig.ID, status)
	return &p, nil
}

// ApproveResult is what an approval produced: the updated proposal, the
// approval snapshot artifact, and the auto-started execution if any.
type ApproveResult struct {
	Proposal    *types.Proposal `json:"proposal"`
	Artifact    *types.Artifact `json:"artifact"`
	ExecutionID string          `json:"execution_id,omitempty"`
}

// Approve moves a queued (or draft) proposal to approved, snapshots it
// as a JSON artifact, and, for auto_after_approval proposals, enqueues
// the default lane. With the kill switch on the enqueue is skipped and
// the approval still succeeds with an empty execution id.
func (s *Service) Approve(id, approvedBy string) (*ApproveResult, error) {
	p, err := s.store.GetProposal(id)
	if err != nil {
		return nil, err
	}
	if p.Status != types.ProposalQueued && p.Status != types.ProposalDraft {
		return nil, fmt.Errorf("%w: proposal %s is %s, not approvable", types.ErrConflict, id, p.Status)
	}

	if err := s.store.UpdateProposalStatus(id, types.ProposalApproved); err != nil {
		return nil, err
	}
	p.Status = types.ProposalApproved

	a := types.Artifact{
		ID:         uuid.NewString(),
		ProposalID: p.ID,
		CreatedAt:  types.NowISO(),
		Kind:       types.ArtifactJSON,
		Data:       p.Data,
		Text:       execution.RenderText(*p),
	}
	if err := s.store.InsertArtifact(a); err != nil {
		return nil, err
	}

	s.rec.Record(types.TelemetryEvent{
		MissionID: p.MissionID, ProposalID: p.ID,
		Type:    types.EventProposalApproved,
		Payload: map[string]any{"approved_by": approvedBy, "artifact_id": a.ID},
	})
	s.bus.Publish(types.EventProposalApproved, p)
	logging.Mission("Proposal %s approved by %s", p.ID, approvedBy)

	result := &ApproveResult{Proposal: p, Artifact: &a}
	if p.ExecutionMode == types.ModeAutoAfterApproval {
		if s.mgr.Blocked() {
			logging.Execution("Auto-execution of %s skipped, execution blocked", p.ID)
			return result, nil
		}
		e, err := s.mgr.Enqueue(p, types.DefaultLane, p.MissionID, approvedBy)
		if err != nil {
			logging.Get(logging.CategoryExecution).Warn("Auto-enqueue for %s failed: %v", p.ID, err)
			return result, nil
		}
		result.ExecutionID = e.ID
	}
	return result, nil
}

// Reject cancels a proposal regardless of its current state.
func (s *Service) Reject(id, rejectedBy string) (*types.Proposal, error) {
	p, err := s.store.GetProposal(id)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateProposalStatus(id, types.ProposalCancelled); err != nil {
		return nil, err
	}
	p.Status = types.ProposalCancelled

	s.rec.Record(types.TelemetryEvent{
		MissionID: p.MissionID, ProposalID: p.ID,
		Type:    types.EventProposalRejected,
		Payload: map[string]any{"rejected_by": rejectedBy},
	})
	s.bus.Publish(types.EventProposalRejected, p)
	logging.Mission("Proposal %s rejected by %s", p.ID, rejectedBy)
	return p, nil
}

// Execute starts an execution for an approved proposal. A proposal in
// any terminal state, executed, failed or cancelled, may be run again
// when allowRerun is set.
func (s *Service) Execute(id string, lane types.Lane, allowRerun bool, approvedBy string) (*types.Execution, error) {
	p, err := s.store.GetProposal(id)
	if err != nil {
		return nil, err
	}
	rerun := types.TerminalProposal(p.Status) && allowRerun
	if p.Status != types.ProposalApproved && !rerun {
		return nil, fmt.Errorf("%w: proposal %s is %s, not executable", types.ErrConflict, id, p.Status)
	}
	return s.mgr.Enqueue(p, lane, p.MissionID, approvedBy)
}
