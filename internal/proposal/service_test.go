package proposal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulz/internal/broadcast"
	"pulz/internal/classify"
	"pulz/internal/execution"
	"pulz/internal/store"
	"pulz/internal/telemetry"
	"pulz/internal/types"
)

func newService(t *testing.T) (*Service, *store.Store, *execution.Manager) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "pulz.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bus := broadcast.New(256)
	t.Cleanup(bus.Close)
	rec := telemetry.NewRecorder(s, func(string) float64 { return 2.0 })
	mgr := execution.NewManager(s, bus, rec, filepath.Join(dir, "artifacts"), nil)
	t.Cleanup(mgr.Shutdown)
	return NewService(s, mgr, rec, bus), s, mgr
}

func seedSignal(t *testing.T, s *store.Store) types.Signal {
	t.Helper()
	sig := types.Signal{
		ID:          "sig-1",
		Source:      "rss:forhire",
		Title:       "Need a lease template generator",
		BodyExcerpt: "Looking for a tool that outputs PDF",
		CreatedAt:   types.NowISO(),
		Status:      types.SignalQueued,
		InsertedAt:  types.NowISO(),
		Scored:      classify.Score("Need a lease template generator", "Looking for a tool that outputs PDF"),
	}
	_, err := s.InsertSignal(sig)
	require.NoError(t, err)
	return sig
}

func createQueued(t *testing.T, svc *Service, s *store.Store, mode types.ExecutionMode) *types.Proposal {
	t.Helper()
	sig := seedSignal(t, s)
	data := classify.BuildProposalData(sig, sig.Scored)
	p, err := svc.Create(sig, data, types.ProposalQueued, mode, "mission-1")
	require.NoError(t, err)
	return p
}

func TestCreateLinksSignal(t *testing.T) {
	svc, s, _ := newService(t)
	p := createQueued(t, svc, s, types.ModeManual)

	sig, err := s.GetSignal("sig-1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, sig.ProposalID)
	assert.Equal(t, types.SignalQueued, sig.Status)

	n, err := s.CountEventsByType(types.EventProposalCreated)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestApproveSnapshotsArtifact(t *testing.T) {
	svc, s, _ := newService(t)
	p := createQueued(t, svc, s, types.ModeManual)

	res, err := svc.Approve(p.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, types.ProposalApproved, res.Proposal.Status)
	assert.Empty(t, res.ExecutionID) // manual mode does not auto-execute

	got, err := s.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ProposalApproved, got.Status)
	assert.NotEmpty(t, got.ApprovedAt)

	a, err := s.GetArtifact(res.Artifact.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ArtifactJSON, a.Kind)
	assert.Equal(t, p.ID, a.ProposalID)
	assert.Contains(t, a.Text, "Summary: Looking for a tool that outputs PDF")
}

func TestApproveRejectsWrongState(t *testing.T) {
	svc, s, _ := newService(t)
	p := createQueued(t, svc, s, types.ModeManual)

	_, err := svc.Approve(p.ID, "operator")
	require.NoError(t, err)

	// Approving an approved proposal conflicts.
	_, err = svc.Approve(p.ID, "operator")
	assert.ErrorIs(t, err, types.ErrConflict)

	_, err = svc.Approve("missing", "operator")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestApproveAutoExecutes(t *testing.T) {
	svc, s, _ := newService(t)
	p := createQueued(t, svc, s, types.ModeAutoAfterApproval)

	res, err := svc.Approve(p.ID, "operator")
	require.NoError(t, err)
	require.NotEmpty(t, res.ExecutionID)

	e := waitTerminalExecution(t, s, res.ExecutionID)
	assert.Equal(t, types.ExecSucceeded, e.Status)
	assert.Equal(t, types.DefaultLane, e.Lane)

	got, err := s.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ProposalExecuted, got.Status)
}

func TestApproveWithKillSwitchSkipsExecution(t *testing.T) {
	svc, s, mgr := newService(t)
	p := createQueued(t, svc, s, types.ModeAutoAfterApproval)

	mgr.SetBlocked(true)
	res, err := svc.Approve(p.ID, "operator")
	require.NoError(t, err)
	assert.Empty(t, res.ExecutionID)

	got, err := s.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ProposalApproved, got.Status)

	n, err := s.CountExecutions()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRejectIsUnconditional(t *testing.T) {
	svc, s, _ := newService(t)
	p := createQueued(t, svc, s, types.ModeManual)

	_, err := svc.Approve(p.ID, "operator")
	require.NoError(t, err)

	got, err := svc.Reject(p.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, types.ProposalCancelled, got.Status)

	// Rejecting again still succeeds.
	_, err = svc.Reject(p.ID, "operator")
	assert.NoError(t, err)

	_, err = svc.Reject("missing", "operator")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestExecuteRequiresApprovedOrRerun(t *testing.T) {
	svc, s, _ := newService(t)
	p := createQueued(t, svc, s, types.ModeManual)

	// Queued proposals cannot execute directly.
	_, err := svc.Execute(p.ID, types.LanePDF, false, "operator")
	assert.ErrorIs(t, err, types.ErrConflict)

	_, err = svc.Approve(p.ID, "operator")
	require.NoError(t, err)

	e, err := svc.Execute(p.ID, types.LanePDF, false, "operator")
	require.NoError(t, err)
	final := waitTerminalExecution(t, s, e.ID)
	assert.Equal(t, types.ExecSucceeded, final.Status)

	// An executed proposal needs the re-run flag.
	_, err = svc.Execute(p.ID, types.LaneDoc, false, "operator")
	assert.ErrorIs(t, err, types.ErrConflict)

	e2, err := svc.Execute(p.ID, types.LaneDoc, true, "operator")
	require.NoError(t, err)
	final2 := waitTerminalExecution(t, s, e2.ID)
	assert.Equal(t, types.ExecSucceeded, final2.Status)
}

// brokenExecutor always fails its run.
type brokenExecutor struct{}

func (brokenExecutor) Lane() types.Lane { return types.LaneHTML }
func (brokenExecutor) Plan(types.Proposal) execution.Plan {
	return execution.Plan{EstimatedTokens: 1, EstimatedSeconds: 1}
}
func (brokenExecutor) Run(context.Context, types.Proposal) (execution.Outcome, error) {
	return execution.Outcome{}, errors.New("render exploded")
}

func TestExecuteRerunsFailedAndCancelled(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "pulz.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bus := broadcast.New(256)
	t.Cleanup(bus.Close)
	rec := telemetry.NewRecorder(s, func(string) float64 { return 2.0 })
	mgr := execution.NewManager(s, bus, rec, filepath.Join(dir, "artifacts"),
		map[types.Lane]execution.Executor{types.LaneHTML: brokenExecutor{}})
	t.Cleanup(mgr.Shutdown)
	svc := NewService(s, mgr, rec, bus)

	p := createQueued(t, svc, s, types.ModeManual)
	_, err = svc.Approve(p.ID, "operator")
	require.NoError(t, err)

	e, err := svc.Execute(p.ID, types.LaneHTML, false, "operator")
	require.NoError(t, err)
	final := waitTerminalExecution(t, s, e.ID)
	assert.Equal(t, types.ExecFailed, final.Status)

	// A failed proposal needs the re-run flag, same as an executed one.
	_, err = svc.Execute(p.ID, types.LaneHTML, false, "operator")
	assert.ErrorIs(t, err, types.ErrConflict)

	e2, err := svc.Execute(p.ID, types.LaneHTML, true, "operator")
	require.NoError(t, err)
	waitTerminalExecution(t, s, e2.ID)

	// Cancelled proposals re-run the same way.
	_, err = svc.Reject(p.ID, "operator")
	require.NoError(t, err)

	_, err = svc.Execute(p.ID, types.LaneHTML, false, "operator")
	assert.ErrorIs(t, err, types.ErrConflict)

	e3, err := svc.Execute(p.ID, types.LaneHTML, true, "operator")
	require.NoError(t, err)
	waitTerminalExecution(t, s, e3.ID)
}

func TestExecuteInvalidLane(t *testing.T) {
	svc, s, _ := newService(t)
	p := createQueued(t, svc, s, types.ModeManual)
	_, err := svc.Approve(p.ID, "operator")
	require.NoError(t, err)

	_, err = svc.Execute(p.ID, types.Lane("fax"), false, "operator")
	assert.ErrorIs(t, err, types.ErrInvalid)
}

func waitTerminalExecution(t *testing.T, s *store.Store, id string) *types.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e, err := s.GetExecution(id)
		require.NoError(t, err)
		if e.Status.Terminal() {
			return e
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("execution did not finish")
	return nil
}
