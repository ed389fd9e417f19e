package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulz/internal/broadcast"
	"pulz/internal/logging"
	"pulz/internal/store"
	"pulz/internal/telemetry"
	"pulz/internal/types"
)

// ErrExecutionBlocked is returned by Enqueue while the kill switch is on.
var ErrExecutionBlocked = fmt.Errorf("%w: execution blocked", types.ErrConflict)

// running tracks one in-flight worker in the registry.
type running struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the execution workers: enqueueing, cancellation, the kill
// switch and artifact persistence.
type Manager struct {
	store     *store.Store
	bus       *broadcast.Bus
	rec       *telemetry.Recorder
	outputDir string
	executors map[types.Lane]Executor

	mu      sync.Mutex
	active  map[string]*running
	blocked bool
}

// NewManager creates a Manager writing artifacts under outputDir.
func NewManager(s *store.Store, bus *broadcast.Bus, rec *telemetry.Recorder, outputDir string, executors map[types.Lane]Executor) *Manager {
	if executors == nil {
		executors = DefaultExecutors()
	}
	return &Manager{
		store:     s,
		bus:       bus,
		rec:       rec,
		outputDir: outputDir,
		executors: executors,
		active:    make(map[string]*running),
	}
}

// SetBlocked flips the kill switch. While on, no new execution starts;
// in-flight executions are unaffected.
func (m *Manager) SetBlocked(blocked bool) {
	m.mu.Lock()
	m.blocked = blocked
	m.mu.Unlock()
	logging.Execution("Execution blocked=%v", blocked)
}

// Blocked reports the kill switch state.
func (m *Manager) Blocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked
}

// ActiveCount returns the number of in-flight workers.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Enqueue creates a new execution for the proposal and starts its worker.
// A proposal may have at most one queued or running execution at a time.
func (m *Manager) Enqueue(p *types.Proposal, lane types.Lane, missionID, approvedBy string) (*types.Execution, error) {
	if !types.ValidLane(lane) {
		return nil, fmt.Errorf("%w: unknown lane %q", types.ErrInvalid, lane)
	}
	exec, ok := m.executors[lane]
	if !ok {
		return nil, fmt.Errorf("%w: lane %q has no executor", types.ErrInvalid, lane)
	}

	e := types.Execution{
		ID:         uuid.NewString(),
		ProposalID: p.ID,
		MissionID:  missionID,
		Lane:       lane,
		Status:     types.ExecQueued,
		StartedAt:  types.NowISO(),
		ApprovedBy: approvedBy,
		Inputs:     map[string]any{"lane": string(lane), "proposal_id": p.ID},
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel, done: make(chan struct{})}

	// The check and the insert stay under one lock so two racing
	// enqueues cannot both pass the one-active-execution gate.
	m.mu.Lock()
	if m.blocked {
		m.mu.Unlock()
		cancel()
		return nil, ErrExecutionBlocked
	}
	activeCount, err := m.store.CountActiveExecutionsForProposal(p.ID)
	if err != nil {
		m.mu.Unlock()
		cancel()
		return nil, err
	}
	if activeCount > 0 {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: proposal %s already has an active execution", types.ErrConflict, p.ID)
	}
	if err := m.store.InsertExecution(e); err != nil {
		m.mu.Unlock()
		cancel()
		return nil, err
	}
	m.active[e.ID] = r
	m.mu.Unlock()

	m.rec.Record(types.TelemetryEvent{
		MissionID: missionID, ProposalID: p.ID, ExecutionID: e.ID,
		Type: types.EventExecutionQueued, Payload: map[string]any{"lane": string(lane)},
	})
	m.bus.Publish(types.EventExecutionQueued, e)
	logging.Execution("Enqueued execution %s lane=%s proposal=%s", e.ID, lane, p.ID)

	go m.run(ctx, r, exec, e, *p)
	return &e, nil
}

// run is the worker body for one execution.
func (m *Manager) run(ctx context.Context, r *running, exec Executor, e types.Execution, p types.Proposal) {
	defer func() {
		m.mu.Lock()
		delete(m.active, e.ID)
		m.mu.Unlock()
		close(r.done)
	}()

	start := time.Now()

	if err := m.store.MarkExecutionRunning(e.ID); err != nil {
		logging.Get(logging.CategoryExecution).Error("Cannot start execution %s: %v", e.ID, err)
		return
	}
	if err := m.store.UpdateProposalStatus(p.ID, types.ProposalExecuting); err != nil {
		logging.Get(logging.CategoryExecution).Warn("Proposal %s not moved to executing: %v", p.ID, err)
	}
	m.rec.Record(types.TelemetryEvent{
		MissionID: e.MissionID, ProposalID: p.ID, ExecutionID: e.ID,
		Type: types.EventExecutionStarted, Payload: map[string]any{"lane": string(e.Lane)},
	})
	m.bus.Publish(types.EventExecutionStarted, map[string]any{"id": e.ID, "lane": string(e.Lane)})
	m.logLine(e.ID, "start", fmt.Sprintf("lane %s", e.Lane))

	plan := exec.Plan(p)
	m.logLine(e.ID, "plan", fmt.Sprintf("estimated_tokens=%d estimated_seconds=%d", plan.EstimatedTokens, plan.EstimatedSeconds))
	m.progress(e, "plan", 10)

	outcome, err := exec.Run(ctx, p)
	if ctx.Err() != nil {
		m.finalize(e, p, types.ExecCancelled, nil, m.metrics(plan, start, 0), "cancelled")
		return
	}
	if err != nil {
		m.finalize(e, p, types.ExecFailed, nil, m.metrics(plan, start, 0), err.Error())
		return
	}
	m.progress(e, "render", 60)

	dir := filepath.Join(m.outputDir, e.ID, string(e.Lane))
	if err := os.MkdirAll(dir, 0755); err != nil {
		m.finalize(e, p, types.ExecFailed, nil, m.metrics(plan, start, 0), fmt.Sprintf("failed to create output dir: %v", err))
		return
	}

	var artifactIDs []string
	var fileNames []string
	for _, f := range outcome.Files {
		if ctx.Err() != nil {
			m.finalize(e, p, types.ExecCancelled, nil, m.metrics(plan, start, len(artifactIDs)), "cancelled")
			return
		}
		path := filepath.Join(dir, f.Name)
		if err := os.WriteFile(path, f.Data, 0644); err != nil {
			m.finalize(e, p, types.ExecFailed, nil, m.metrics(plan, start, len(artifactIDs)), fmt.Sprintf("failed to write %s: %v", f.Name, err))
			return
		}
		sum := sha256.Sum256(f.Data)

		a := types.Artifact{
			ID:          uuid.NewString(),
			ProposalID:  p.ID,
			ExecutionID: e.ID,
			CreatedAt:   types.NowISO(),
			Kind:        f.Kind,
			Path:        path,
			SHA256:      hex.EncodeToString(sum[:]),
			Data:        p.Data,
		}
		if textualKind(f.Kind) {
			a.Text = string(f.Data)
		}
		if err := m.store.InsertArtifact(a); err != nil {
			m.finalize(e, p, types.ExecFailed, nil, m.metrics(plan, start, len(artifactIDs)), fmt.Sprintf("failed to persist %s: %v", f.Name, err))
			return
		}
		artifactIDs = append(artifactIDs, a.ID)
		fileNames = append(fileNames, f.Name)

		m.rec.Record(types.TelemetryEvent{
			MissionID: e.MissionID, ProposalID: p.ID, ExecutionID: e.ID,
			Type: types.EventExecutionArtifact,
			Payload: map[string]any{
				"artifact_id": a.ID, "kind": string(a.Kind), "sha256": a.SHA256,
			},
		})
		m.bus.Publish(types.EventExecutionArtifact, a)
		m.logLine(e.ID, "artifact", fmt.Sprintf("%s sha256=%s", f.Name, a.SHA256))
	}
	m.progress(e, "persist", 90)

	outputs := map[string]any{"artifact_ids": artifactIDs, "files": fileNames}
	for k, v := range outcome.Metrics {
		outputs[k] = v
	}
	m.finalize(e, p, types.ExecSucceeded, outputs, m.metrics(plan, start, len(artifactIDs)), "")
}

// finalize records the terminal state for execution and proposal.
func (m *Manager) finalize(e types.Execution, p types.Proposal, status types.ExecutionStatus, outputs, metrics map[string]any, errMsg string) {
	var eventType string
	var proposalStatus types.ProposalStatus
	switch status {
	case types.ExecSucceeded:
		eventType = types.EventExecutionFinished
		proposalStatus = types.ProposalExecuted
		errMsg = ""
	case types.ExecCancelled:
		eventType = types.EventExecutionCancelled
		proposalStatus = types.ProposalCancelled
	default:
		eventType = types.EventExecutionFailed
		proposalStatus = types.ProposalFailed
	}

	if err := m.store.FinishExecution(e.ID, status, outputs, metrics, errMsg); err != nil {
		logging.Get(logging.CategoryExecution).Error("Cannot finish execution %s: %v", e.ID, err)
	}
	if err := m.store.UpdateProposalStatus(p.ID, proposalStatus); err != nil {
		logging.Get(logging.CategoryExecution).Warn("Proposal %s not moved to %s: %v", p.ID, proposalStatus, err)
	}

	payload := map[string]any{"lane": string(e.Lane), "status": string(status)}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	m.rec.Record(types.TelemetryEvent{
		MissionID: e.MissionID, ProposalID: p.ID, ExecutionID: e.ID,
		Type: eventType, Payload: payload,
	})
	m.bus.Publish(eventType, map[string]any{"id": e.ID, "status": string(status), "error": errMsg})
	m.logLine(e.ID, "finish", string(status))
	logging.Execution("Execution %s finished status=%s", e.ID, status)
}

// Cancel stops an execution. Cancelling one that already reached a
// terminal state is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	r, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		r.cancel()
		<-r.done
		return nil
	}

	e, err := m.store.GetExecution(id)
	if err != nil {
		return err
	}
	if e.Status.Terminal() {
		return nil
	}
	// Queued or running in the store but without a worker: a stale row,
	// close it out directly.
	if err := m.store.FinishExecution(id, types.ExecCancelled, nil, nil, "cancelled"); err != nil {
		return err
	}
	if err := m.store.UpdateProposalStatus(e.ProposalID, types.ProposalCancelled); err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	m.rec.Record(types.TelemetryEvent{
		MissionID: e.MissionID, ProposalID: e.ProposalID, ExecutionID: id,
		Type: types.EventExecutionCancelled, Payload: map[string]any{"stale": true},
	})
	m.bus.Publish(types.EventExecutionCancelled, map[string]any{"id": id, "status": "cancelled"})
	return nil
}

// CancelMission cancels every non-terminal execution of a mission.
func (m *Manager) CancelMission(missionID string) {
	ids, err := m.store.RunningExecutionsForMission(missionID)
	if err != nil {
		logging.Get(logging.CategoryExecution).Warn("Cannot list mission %s executions: %v", missionID, err)
		return
	}
	for _, id := range ids {
		if err := m.Cancel(id); err != nil {
			logging.Get(logging.CategoryExecution).Warn("Cancel %s failed: %v", id, err)
		}
	}
}

// Shutdown cancels all in-flight executions and waits for their workers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	actives := make([]*running, 0, len(m.active))
	for _, r := range m.active {
		r.cancel()
		actives = append(actives, r)
	}
	m.mu.Unlock()
	for _, r := range actives {
		<-r.done
	}
}

// progress publishes a progress frame for the live feed.
func (m *Manager) progress(e types.Execution, phase string, pct int) {
	m.bus.Publish(types.EventExecutionProgress, map[string]any{
		"id": e.ID, "phase": phase, "pct": pct,
	})
}

// logLine appends one NDJSON line to the execution log and mirrors it to
// the feed.
func (m *Manager) logLine(execID, phase, msg string) {
	line, _ := json.Marshal(map[string]string{
		"ts":    types.NowISO(),
		"phase": phase,
		"msg":   msg,
	})
	if err := m.store.AppendExecutionLog(execID, string(line)); err != nil {
		logging.Get(logging.CategoryExecution).Warn("Log append failed for %s: %v", execID, err)
	}
	m.bus.Publish(types.EventExecutionLog, map[string]any{"id": execID, "line": string(line)})
}

// metrics builds the metrics payload recorded on finish.
func (m *Manager) metrics(plan Plan, start time.Time, artifactCount int) map[string]any {
	return map[string]any{
		"estimated_tokens":  plan.EstimatedTokens,
		"estimated_seconds": plan.EstimatedSeconds,
		"elapsed_seconds":   time.Since(start).Seconds(),
		"artifact_count":    artifactCount,
	}
}

// textualKind reports whether artifact text should be stored inline.
func textualKind(k types.ArtifactKind) bool {
	return k == types.ArtifactHTML || k == types.ArtifactDoc || k == types.ArtifactJSON
}
