package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulz/internal/broadcast"
	"pulz/internal/classify"
	"pulz/internal/config"
	"pulz/internal/connector"
	"pulz/internal/execution"
	"pulz/internal/mission"
	"pulz/internal/proposal"
	"pulz/internal/store"
	"pulz/internal/telemetry"
	"pulz/internal/types"
)

type stubConnector struct {
	name    string
	signals []types.Signal
	fetches atomic.Int32
}

func (c *stubConnector) Name() string { return c.name }

func (c *stubConnector) FetchSignals(context.Context) ([]types.Signal, error) {
	c.fetches.Add(1)
	out := make([]types.Signal, len(c.signals))
	copy(out, c.signals)
	return out, nil
}

type stubResolver struct {
	connectors []connector.Connector
}

func (r *stubResolver) Resolve([]string) ([]connector.Connector, error) {
	return r.connectors, nil
}

type env struct {
	srv    *httptest.Server
	store  *store.Store
	svc    *proposal.Service
	mgr    *execution.Manager
	engine *mission.Engine
	bus    *broadcast.Bus
}

func newEnv(t *testing.T, cfg *config.Config, executors map[types.Lane]execution.Executor, resolver mission.Resolver, verify VerifyFunc) *env {
	t.Helper()
	dir := t.TempDir()
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.DataDir = dir

	s, err := store.Open(cfg.DBPath())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bus := broadcast.New(256)
	t.Cleanup(bus.Close)
	rec := telemetry.NewRecorder(s, cfg.Rate)
	mgr := execution.NewManager(s, bus, rec, cfg.ArtifactsDir(), executors)
	t.Cleanup(mgr.Shutdown)
	svc := proposal.NewService(s, mgr, rec, bus)
	if resolver == nil {
		resolver = &stubResolver{}
	}
	eng := mission.NewEngine(s, bus, rec, mgr, svc, resolver, nil)
	t.Cleanup(func() { eng.Stop() })

	srv := httptest.NewServer(New(cfg, s, eng, svc, mgr, rec, bus, verify).Router())
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: s, svc: svc, mgr: mgr, engine: eng, bus: bus}
}

func (e *env) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(e.srv.URL+"/api/pulz"+path, "application/json", &buf)
	require.NoError(t, err)
	return resp, decodeMap(t, resp)
}

func (e *env) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + "/api/pulz" + path)
	require.NoError(t, err)
	return resp, decodeMap(t, resp)
}

func decodeMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&out); err != nil {
		return nil
	}
	return out
}

func seedSignal(t *testing.T, s *store.Store, id, source string) types.Signal {
	t.Helper()
	sig := types.Signal{
		ID:          id,
		Source:      source,
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

func seedQueued(t *testing.T, e *env, mode types.ExecutionMode) *types.Proposal {
	t.Helper()
	sig := seedSignal(t, e.store, "sig-"+string(mode), "rss:forhire")
	p, err := e.svc.Create(sig, classify.BuildProposalData(sig, sig.Scored), types.ProposalQueued, mode, "")
	require.NoError(t, err)
	return p
}

func waitProposalStatus(t *testing.T, s *store.Store, id string, want types.ProposalStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p, err := s.GetProposal(id)
		require.NoError(t, err)
		if p.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("proposal %s never reached %s", id, want)
}

func waitExecutionTerminal(t *testing.T, s *store.Store, id string) *types.Execution {
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

func TestApproveAutoEnqueues(t *testing.T) {
	e := newEnv(t, nil, nil, nil, nil)
	p := seedQueued(t, e, types.ModeAutoAfterApproval)

	resp, body := e.post(t, "/queue/"+p.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved", body["status"])
	require.NotEmpty(t, body["artifact_id"])
	execID, _ := body["execution_id"].(string)
	require.NotEmpty(t, execID)

	waitProposalStatus(t, e.store, p.ID, types.ProposalExecuted)

	artifacts, err := e.store.ListArtifacts(50)
	require.NoError(t, err)
	var jsonKind, htmlKind int
	for _, a := range artifacts {
		switch a.Kind {
		case types.ArtifactJSON:
			jsonKind++
		case types.ArtifactHTML:
			htmlKind++
		}
	}
	assert.GreaterOrEqual(t, jsonKind, 1)
	assert.GreaterOrEqual(t, htmlKind, 1)

	n, err := e.store.CountEventsByType(types.EventExecutionQueued)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestManualExecution(t *testing.T) {
	e := newEnv(t, nil, nil, nil, nil)
	p := seedQueued(t, e, types.ModeManual)

	resp, _ := e.post(t, "/queue/"+p.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := e.post(t, "/proposals/"+p.ID+"/execute", map[string]any{"lane": "html"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])
	execID, _ := body["execution_id"].(string)
	require.NotEmpty(t, execID)

	final := waitExecutionTerminal(t, e.store, execID)
	assert.Equal(t, types.ExecSucceeded, final.Status)
}

// blockingExecutor holds its run open until cancelled.
type blockingExecutor struct {
	started chan struct{}
}

func (b *blockingExecutor) Lane() types.Lane { return types.LaneHTML }

func (b *blockingExecutor) Plan(types.Proposal) execution.Plan {
	return execution.Plan{EstimatedTokens: 1, EstimatedSeconds: 1}
}

func (b *blockingExecutor) Run(ctx context.Context, _ types.Proposal) (execution.Outcome, error) {
	close(b.started)
	<-ctx.Done()
	return execution.Outcome{}, ctx.Err()
}

func TestExecutionCancellation(t *testing.T) {
	blocker := &blockingExecutor{started: make(chan struct{})}
	e := newEnv(t, nil, map[types.Lane]execution.Executor{types.LaneHTML: blocker}, nil, nil)
	p := seedQueued(t, e, types.ModeManual)

	resp, _ := e.post(t, "/queue/"+p.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := e.post(t, "/proposals/"+p.ID+"/execute", map[string]any{"lane": "html"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	execID := body["execution_id"].(string)
	<-blocker.started

	resp, body = e.post(t, "/executions/"+execID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	waitProposalStatus(t, e.store, p.ID, types.ProposalCancelled)
	n, err := e.store.CountEventsByType(types.EventExecutionCancelled)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}

func missionBody(sources ...string) map[string]any {
	return map[string]any{
		"duration_minutes":           5,
		"sources":                    sources,
		"rate_per_source_per_minute": 12,
		"max_items":                  10,
	}
}

func TestMissionStopRaisesKillSwitch(t *testing.T) {
	stub := &stubConnector{name: "rss:forhire"}
	e := newEnv(t, nil, nil, &stubResolver{connectors: []connector.Connector{stub}}, nil)
	p := seedQueued(t, e, types.ModeAutoAfterApproval)

	resp, body := e.post(t, "/mission/start", missionBody("rss_forhire"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["running"])

	// A second start conflicts.
	resp, _ = e.post(t, "/mission/start", missionBody("rss_forhire"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = e.post(t, "/mission/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["running"])
	assert.Equal(t, true, body["execution_blocked"])

	// Approval still succeeds but nothing executes.
	resp, body = e.post(t, "/queue/"+p.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, body["execution_id"])

	// Explicit execution is rejected while the switch holds.
	resp, _ = e.post(t, "/proposals/"+p.ID+"/execute", map[string]any{"lane": "html"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Stopping again is a no-op.
	resp, _ = e.post(t, "/mission/stop", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMissionDedupAcrossRuns(t *testing.T) {
	signals := []types.Signal{
		{
			ID:          types.HashID("signal:rss:forhire:post-1"),
			Source:      "rss:forhire",
			Title:       "Need an invoice generator for clients",
			BodyExcerpt: "Small agency, need PDF invoices",
			CreatedAt:   types.NowISO(),
		},
	}
	stub := &stubConnector{name: "rss:forhire", signals: signals}
	e := newEnv(t, nil, nil, &stubResolver{connectors: []connector.Connector{stub}}, nil)

	runOnce := func(wantFetches int32) {
		resp, _ := e.post(t, "/mission/start", missionBody("rss_forhire"))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		deadline := time.Now().Add(5 * time.Second)
		for stub.fetches.Load() < wantFetches && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		require.GreaterOrEqual(t, stub.fetches.Load(), wantFetches)
		// Give the sweep that follows the fetch a moment to settle.
		time.Sleep(100 * time.Millisecond)
		resp, _ = e.post(t, "/mission/stop", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	runOnce(1)
	first, err := e.store.CountSignals()
	require.NoError(t, err)
	require.Equal(t, 1, first)
	proposalsBefore, err := e.store.CountProposals()
	require.NoError(t, err)

	runOnce(2)
	second, err := e.store.CountSignals()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	proposalsAfter, err := e.store.CountProposals()
	require.NoError(t, err)
	assert.Equal(t, proposalsBefore, proposalsAfter)
}

func TestTelemetryROISummary(t *testing.T) {
	e := newEnv(t, nil, nil, nil, nil)

	seedSignal(t, e.store, "sig-a", "rss:X")
	seedSignal(t, e.store, "sig-b", "rss:X")
	sig, err := e.store.GetSignal("sig-a")
	require.NoError(t, err)
	p, err := e.svc.Create(*sig, classify.BuildProposalData(*sig, sig.Scored), types.ProposalQueued, types.ModeManual, "")
	require.NoError(t, err)
	require.NoError(t, e.store.SetRealizedRevenue(p.ID, 5000))

	// 5M tokens at the default $2/1M is $10 total, $5/signal.
	rec := telemetry.NewRecorder(e.store, config.Default().Rate)
	rec.TokensUsed("m1", "rss:X", "ollama", 5_000_000)

	resp, body := e.get(t, "/telemetry/summary")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	roiBySource, ok := body["roi_by_source"].(map[string]any)
	require.True(t, ok)
	entry, ok := roiBySource["rss:X"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, entry["signals"])
	costUSD := entry["cost_usd"].(float64)
	assert.InDelta(t, 10.0, costUSD, 1e-9)
	assert.EqualValues(t, 5000, entry["revenue_cents"])
	assert.InDelta(t, 50.0/costUSD, entry["roi"].(float64), 1e-9)
}

func TestAuthGate(t *testing.T) {
	cfg := config.Default()
	cfg.Auth = true

	// No verifier configured: everything is rejected.
	e := newEnv(t, cfg, nil, nil, nil)
	resp, body := e.get(t, "/status")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["error"])

	// A verifier gates on its own logic.
	cfg2 := config.Default()
	cfg2.Auth = true
	verify := func(r *http.Request) bool {
		return r.Header.Get("Authorization") == "Bearer good"
	}
	e2 := newEnv(t, cfg2, nil, nil, verify)

	resp, err := http.Get(e2.srv.URL + "/api/pulz/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, e2.srv.URL+"/api/pulz/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer good")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	e := newEnv(t, nil, nil, nil, nil)
	p := seedQueued(t, e, types.ModeManual)

	// Unknown proposal -> 404.
	resp, _ := e.post(t, "/queue/missing/approve", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Double approve -> 409.
	resp, _ = e.post(t, "/queue/"+p.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.post(t, "/queue/"+p.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Invalid lane -> 400.
	resp, _ = e.post(t, "/proposals/"+p.ID+"/execute", map[string]any{"lane": "fax"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Invalid authority mode on start -> 400.
	body := missionBody("rss_forhire")
	body["authority_mode"] = "yolo"
	resp, _ = e.post(t, "/mission/start", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown mission authority lookup -> 404.
	resp, _ = e.get(t, "/missions/missing/authority")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueueAndProposalListing(t *testing.T) {
	e := newEnv(t, nil, nil, nil, nil)
	p := seedQueued(t, e, types.ModeManual)

	resp, err := http.Get(e.srv.URL + "/api/pulz/queue")
	require.NoError(t, err)
	var queue []store.QueueItem
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&queue))
	resp.Body.Close()
	require.Len(t, queue, 1)
	assert.Equal(t, p.ID, queue[0].ID)
	assert.Equal(t, "rss:forhire", queue[0].Source)

	resp, err = http.Get(e.srv.URL + "/api/pulz/proposals?status=queued,approved")
	require.NoError(t, err)
	var proposals []types.Proposal
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&proposals))
	resp.Body.Close()
	require.Len(t, proposals, 1)
	assert.Equal(t, p.ID, proposals[0].ID)
}

func TestArtifactFormats(t *testing.T) {
	e := newEnv(t, nil, nil, nil, nil)
	p := seedQueued(t, e, types.ModeManual)

	resp, body := e.post(t, "/queue/"+p.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	artifactID := body["artifact_id"].(string)

	resp, err := http.Get(e.srv.URL + "/api/pulz/artifacts/" + artifactID + "?format=text")
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Contains(t, string(raw), "Summary:")

	// The approval snapshot has no file on disk to download.
	resp, err = http.Get(e.srv.URL + "/api/pulz/artifacts/" + artifactID + "?format=download")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(e.srv.URL + "/api/pulz/artifacts")
	require.NoError(t, err)
	var artifacts []types.Artifact
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&artifacts))
	resp.Body.Close()
	require.NotEmpty(t, artifacts)
}

func TestExecutionDownload(t *testing.T) {
	e := newEnv(t, nil, nil, nil, nil)
	p := seedQueued(t, e, types.ModeManual)

	resp, _ := e.post(t, "/queue/"+p.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := e.post(t, "/proposals/"+p.ID+"/execute", map[string]any{"lane": "pdf"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	execID := body["execution_id"].(string)
	waitExecutionTerminal(t, e.store, execID)

	resp, body = e.get(t, "/executions/"+execID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	arts, ok := body["artifacts"].([]any)
	require.True(t, ok)
	require.Len(t, arts, 1)
	artifactID := arts[0].(map[string]any)["id"].(string)

	// The lane is part of the on-disk layout.
	path := arts[0].(map[string]any)["path"].(string)
	assert.Contains(t, path, filepath.Join(execID, "pdf"))

	resp, err := http.Get(e.srv.URL + "/api/pulz/artifacts/" + artifactID + "?format=download")
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-1.4")))
}

func TestFeedStreamsEvents(t *testing.T) {
	e := newEnv(t, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/api/pulz/feed", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Let the subscriber register before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for e.bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.NotZero(t, e.bus.SubscriberCount())

	e.bus.Publish("signal", map[string]any{"id": "sig-1"})

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	assert.Equal(t, "event: signal", eventLine)
	assert.Contains(t, dataLine, `"sig-1"`)
}
