// Package mission runs the scan loop: a bounded, rate-limited sweep over
// the configured sources that scores incoming posts and, authority
// permitting, drafts and queues proposals. At most one mission runs at a
// time.
package mission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pulz/internal/broadcast"
	"pulz/internal/classify"
	"pulz/internal/connector"
	"pulz/internal/execution"
	"pulz/internal/logging"
	"pulz/internal/proposal"
	"pulz/internal/store"
	"pulz/internal/telemetry"
	"pulz/internal/types"
)

// RefineFunc is the optional LLM refinement hook. It returns the refined
// scoring and the tokens the call consumed.
type RefineFunc func(ctx context.Context, sig types.Signal, base types.Scoring) (types.Scoring, int, error)

// DefaultMaxItems bounds a mission that does not set its own cap.
const DefaultMaxItems = 50

// run is the live state of the current mission.
type run struct {
	mission   types.Mission
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex
	items     int
	proposals int
	lastError string
	lastScan  string
	authority types.AuthorityMode
}

// Resolver turns source names into connectors. *connector.Catalogue is
// the production implementation.
type Resolver interface {
	Resolve(names []string) ([]connector.Connector, error)
}

// Engine owns mission lifecycle and the scan loop.
type Engine struct {
	store     *store.Store
	bus       *broadcast.Bus
	rec       *telemetry.Recorder
	mgr       *execution.Manager
	proposals *proposal.Service
	catalogue Resolver
	refine    RefineFunc

	// interval overrides the rate-derived poll throttle when non-zero.
	interval time.Duration

	mu      sync.Mutex
	current *run
}

// NewEngine wires the mission engine. refine may be nil to run on the
// heuristic alone.
func NewEngine(s *store.Store, bus *broadcast.Bus, rec *telemetry.Recorder, mgr *execution.Manager, proposals *proposal.Service, cat Resolver, refine RefineFunc) *Engine {
	return &Engine{
		store:     s,
		bus:       bus,
		rec:       rec,
		mgr:       mgr,
		proposals: proposals,
		catalogue: cat,
		refine:    refine,
	}
}

// Start launches a mission. Only one may run at a time. Starting clears
// the execution kill switch.
func (e *Engine) Start(cfg types.MissionConfig) (*types.Mission, error) {
	if cfg.DurationMinutes == 0 && cfg.DurationHours > 0 {
		cfg.DurationMinutes = cfg.DurationHours * 60
	}
	if cfg.DurationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration_minutes must be positive", types.ErrInvalid)
	}
	if cfg.RatePerSourcePerMinute <= 0 {
		return nil, fmt.Errorf("%w: rate_per_source_per_minute must be positive", types.ErrInvalid)
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.AuthorityMode == "" {
		cfg.AuthorityMode = types.AuthorityAutoDraftQueue
	}
	if !types.ValidAuthorityMode(cfg.AuthorityMode) {
		return nil, fmt.Errorf("%w: unknown authority mode %q", types.ErrInvalid, cfg.AuthorityMode)
	}

	connectors, err := e.catalogue.Resolve(cfg.Sources)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		return nil, fmt.Errorf("%w: a mission is already running", types.ErrConflict)
	}

	started := time.Now().UTC()
	cfg.StartedAt = types.FormatISO(started)
	cfg.EndsAt = types.FormatISO(started.Add(time.Duration(cfg.DurationMinutes) * time.Minute))

	m := types.Mission{
		// The canonical timestamp is second precision; hash the
		// nanosecond form so back-to-back missions get distinct ids.
		ID:            types.HashID("mission:" + started.Format(time.RFC3339Nano)),
		StartedAt:     cfg.StartedAt,
		EndsAt:        cfg.EndsAt,
		Status:        types.MissionRunning,
		Config:        cfg,
		AuthorityMode: cfg.AuthorityMode,
	}
	if err := e.store.InsertMission(m); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		mission:   m,
		cancel:    cancel,
		done:      make(chan struct{}),
		authority: m.AuthorityMode,
	}
	e.current = r
	e.mgr.SetBlocked(false)

	e.rec.Record(types.TelemetryEvent{
		MissionID: m.ID, Type: types.EventMissionStarted,
		Payload: map[string]any{
			"sources":        cfg.Sources,
			"duration_min":   cfg.DurationMinutes,
			"authority_mode": string(m.AuthorityMode),
		},
	})
	e.bus.Publish(types.EventMissionStarted, m)
	logging.Mission("Mission %s started: %d sources, %d min, authority=%s",
		m.ID, len(connectors), cfg.DurationMinutes, m.AuthorityMode)

	go e.loop(ctx, r, connectors)
	return &m, nil
}

// Stop ends the running mission, cancelling its in-flight executions.
// Stopping with no mission running is a no-op.
func (e *Engine) Stop() *types.Mission {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()
	if r == nil {
		return nil
	}

	r.cancel()
	<-r.done
	return &r.mission
}

// loop is the scan loop body: connectors are polled one at a time in
// round-robin order with the throttle between each poll, so every
// source sees the configured rate. It exits on cancel, deadline or
// item cap.
func (e *Engine) loop(ctx context.Context, r *run, connectors []connector.Connector) {
	defer close(r.done)
	defer e.finish(r)

	interval := e.interval
	if interval == 0 {
		interval = pollInterval(r.mission.Config.RatePerSourcePerMinute)
	}
	endsAt := types.ParseISO(r.mission.EndsAt)

	for {
		if ctx.Err() != nil {
			return
		}
		if !time.Now().UTC().Before(endsAt) {
			logging.Mission("Mission %s reached its deadline", r.mission.ID)
			return
		}
		if r.itemCount() >= r.mission.Config.MaxItems {
			logging.Mission("Mission %s reached max_items", r.mission.ID)
			return
		}

		r.setLastScan(types.NowISO())
		for _, c := range connectors {
			if ctx.Err() != nil {
				return
			}
			if r.itemCount() >= r.mission.Config.MaxItems {
				break
			}
			e.poll(ctx, r, c)
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}
}

// poll fetches one connector and processes its signals in feed order.
func (e *Engine) poll(ctx context.Context, r *run, c connector.Connector) {
	signals, err := c.FetchSignals(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.setLastError(c.Name() + ": " + err.Error())
			logging.Get(logging.CategoryMission).Warn("Connector %s failed: %v", c.Name(), err)
		}
		return
	}
	for _, sig := range signals {
		if ctx.Err() != nil {
			return
		}
		if r.itemCount() >= r.mission.Config.MaxItems {
			return
		}
		e.processSignal(ctx, r, sig)
	}
}

// processSignal scores, stores and, authority permitting, drafts a
// proposal for one incoming signal. Already-seen signals are skipped
// before any scoring or LLM spend.
func (e *Engine) processSignal(ctx context.Context, r *run, sig types.Signal) {
	exists, err := e.store.SignalExists(sig.ID)
	if err != nil {
		r.setLastError(sig.Source + ": " + err.Error())
		return
	}
	if exists {
		return
	}

	scored := classify.Score(sig.Title, sig.BodyExcerpt)
	if e.refine != nil {
		refined, tokens, err := e.refine(ctx, sig, scored)
		if err != nil {
			logging.Classifier("Refinement failed for %s, keeping heuristic: %v", sig.ID, err)
		} else {
			scored = refined
		}
		if tokens > 0 {
			e.rec.TokensUsed(r.mission.ID, sig.Source, classify.Provider, tokens)
		}
	}

	sig.Scored = scored
	sig.Status = signalStatus(scored.RecommendedNextAction)
	sig.InsertedAt = types.NowISO()

	inserted, err := e.store.InsertSignal(sig)
	if err != nil {
		r.setLastError(sig.Source + ": " + err.Error())
		return
	}
	if !inserted {
		return
	}
	r.addItem()
	e.bus.Publish("signal", sig)
	logging.MissionDebug("Signal %s scored %s/%s", sig.ID, scored.Category, scored.RecommendedNextAction)

	authority := r.authorityMode()
	if authority == types.AuthorityScanOnly || scored.RecommendedNextAction != types.ActionDraftProposal {
		return
	}

	status := types.ProposalQueued
	if authority == types.AuthorityDraftOnly {
		status = types.ProposalDraft
	}
	mode := types.ModeManual
	if authority == types.AuthorityExecuteAfterApproval {
		mode = types.ModeAutoAfterApproval
	}

	data := classify.BuildProposalData(sig, scored)
	if _, err := e.proposals.Create(sig, data, status, mode, r.mission.ID); err != nil {
		r.setLastError(sig.Source + ": " + err.Error())
		return
	}
	r.addProposal()
}

// finish raises the kill switch, cancels the mission's executions and
// marks the mission row stopped. Runs on every loop exit path.
func (e *Engine) finish(r *run) {
	e.mgr.SetBlocked(true)
	e.mgr.CancelMission(r.mission.ID)
	if err := e.store.UpdateMissionStatus(r.mission.ID, types.MissionStopped); err != nil {
		logging.Get(logging.CategoryMission).Warn("Mission %s not marked stopped: %v", r.mission.ID, err)
	}

	items, proposals := r.counts()
	e.rec.Record(types.TelemetryEvent{
		MissionID: r.mission.ID, Type: types.EventMissionStopped,
		Payload: map[string]any{"items": items, "proposals": proposals},
	})
	e.bus.Publish(types.EventMissionStopped, map[string]any{"id": r.mission.ID})
	logging.Mission("Mission %s stopped: items=%d proposals=%d", r.mission.ID, items, proposals)

	e.mu.Lock()
	if e.current == r {
		e.current = nil
	}
	e.mu.Unlock()
}

// SetAuthority changes a mission's authority mode. The change applies
// live when the mission is the one currently running.
func (e *Engine) SetAuthority(missionID string, mode types.AuthorityMode) error {
	if !types.ValidAuthorityMode(mode) {
		return fmt.Errorf("%w: unknown authority mode %q", types.ErrInvalid, mode)
	}
	if err := e.store.UpdateMissionAuthority(missionID, mode); err != nil {
		return err
	}

	e.mu.Lock()
	r := e.current
	e.mu.Unlock()
	if r != nil && r.mission.ID == missionID {
		r.setAuthority(mode)
	}
	logging.Mission("Mission %s authority set to %s", missionID, mode)
	return nil
}

// Snapshot is the live status served by /status and SSE heartbeats.
type Snapshot struct {
	Running          bool                `json:"running"`
	MissionID        string              `json:"mission_id,omitempty"`
	AuthorityMode    types.AuthorityMode `json:"authority_mode,omitempty"`
	TimeLeftSeconds  int                 `json:"time_left"`
	Items            int                 `json:"items"`
	Proposals        int                 `json:"proposals"`
	QueueSize        int                 `json:"queue_size"`
	ItemsPerMinute   float64             `json:"items_per_min"`
	LastScan         string              `json:"last_scan,omitempty"`
	LastError        string              `json:"last_error,omitempty"`
	ExecutionBlocked bool                `json:"execution_blocked"`
	ActiveExecutions int                 `json:"active_executions"`
}

// Snapshot reports the engine's current state.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		ExecutionBlocked: e.mgr.Blocked(),
		ActiveExecutions: e.mgr.ActiveCount(),
	}

	if queue, err := e.store.ListQueue(); err == nil {
		snap.QueueSize = len(queue)
	}

	e.mu.Lock()
	r := e.current
	e.mu.Unlock()
	if r == nil {
		return snap
	}

	snap.Running = true
	snap.MissionID = r.mission.ID
	snap.AuthorityMode = r.authorityMode()
	snap.Items, snap.Proposals = r.counts()
	snap.LastScan = r.lastScanAt()
	snap.LastError = r.lastErr()

	now := time.Now().UTC()
	if endsAt := types.ParseISO(r.mission.EndsAt); endsAt.After(now) {
		snap.TimeLeftSeconds = int(endsAt.Sub(now).Seconds())
	}
	elapsedMin := now.Sub(types.ParseISO(r.mission.StartedAt)).Minutes()
	if elapsedMin < 1 {
		elapsedMin = 1
	}
	snap.ItemsPerMinute = float64(snap.Items) / elapsedMin
	return snap
}

// Current returns the running mission, or nil.
func (e *Engine) Current() *types.Mission {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil
	}
	m := e.current.mission
	m.AuthorityMode = e.current.authorityMode()
	return &m
}

// pollInterval derives the sweep interval from the per-source rate.
// Rates below one poll per minute are clamped to one, so the sleep never
// exceeds sixty seconds; the floor is five seconds.
func pollInterval(ratePerMinute float64) time.Duration {
	if ratePerMinute < 1 {
		ratePerMinute = 1
	}
	secs := 60 / ratePerMinute
	if secs < 5 {
		secs = 5
	}
	return time.Duration(secs * float64(time.Second))
}

// signalStatus maps the recommended action onto the stored status.
func signalStatus(action types.NextAction) types.SignalStatus {
	switch action {
	case types.ActionDraftProposal:
		return types.SignalQueued
	case types.ActionNeedsClarification:
		return types.SignalNeedsClarification
	default:
		return types.SignalIgnore
	}
}

func (r *run) addItem() {
	r.mu.Lock()
	r.items++
	r.mu.Unlock()
}

func (r *run) addProposal() {
	r.mu.Lock()
	r.proposals++
	r.mu.Unlock()
}

func (r *run) itemCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items
}

func (r *run) counts() (items, proposals int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items, r.proposals
}

func (r *run) setLastError(msg string) {
	r.mu.Lock()
	r.lastError = msg
	r.mu.Unlock()
}

func (r *run) lastErr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

func (r *run) setLastScan(ts string) {
	r.mu.Lock()
	r.lastScan = ts
	r.mu.Unlock()
}

func (r *run) lastScanAt() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastScan
}

func (r *run) setAuthority(mode types.AuthorityMode) {
	r.mu.Lock()
	r.authority = mode
	r.mu.Unlock()
}

func (r *run) authorityMode() types.AuthorityMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authority
}
