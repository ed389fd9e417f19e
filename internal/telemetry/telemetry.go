// Package telemetry records engine events into the append-only event log
// and computes the cost/ROI aggregates served by the API. Token usage is
// priced from the configured per-provider rate map at aggregation time,
// so rate changes reprice history.
package telemetry

import (
	"fmt"
	"time"

	"pulz/internal/logging"
	"pulz/internal/store"
	"pulz/internal/types"
)

// RateFunc prices one provider in USD per million tokens.
type RateFunc func(provider string) float64

// Recorder appends telemetry events and aggregates them on demand.
type Recorder struct {
	store *store.Store
	rate  RateFunc
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(s *store.Store, rate RateFunc) *Recorder {
	return &Recorder{store: s, rate: rate}
}

// Record appends one event, stamping TS when absent. Failures are logged
// and swallowed: a telemetry hiccup must never fail the operation that
// produced the event.
func (r *Recorder) Record(e types.TelemetryEvent) {
	if e.TS == "" {
		e.TS = types.NowISO()
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	if err := r.store.InsertTelemetryEvent(e); err != nil {
		logging.Get(logging.CategoryTelemetry).Warn("Failed to record %s event: %v", e.Type, err)
		return
	}
	logging.Get(logging.CategoryTelemetry).Debug("Recorded %s event", e.Type)
}

// TokensUsed records one LLM call's token consumption, attributed to a
// source for ROI accounting.
func (r *Recorder) TokensUsed(missionID, source, provider string, tokens int) {
	r.Record(types.TelemetryEvent{
		MissionID: missionID,
		Type:      types.EventTokensUsed,
		Payload: map[string]any{
			"tokens":   tokens,
			"provider": provider,
			"source":   source,
		},
	})
}

// SourceROI is the per-source cost/revenue breakdown. Cost is the
// average cost per signal times the source's signal count. Revenue and
// ROI are nil until any realised revenue is booked for the source.
type SourceROI struct {
	Signals      int      `json:"signals"`
	TokensUsed   int64    `json:"tokens_used"`
	CostUSD      float64  `json:"cost_usd"`
	RevenueCents *int64   `json:"revenue_cents"`
	ROI          *float64 `json:"roi"`
}

// Summary is the aggregate view served by the telemetry endpoint.
type Summary struct {
	TotalTokens         int64                `json:"total_tokens"`
	TotalCostUSD        float64              `json:"total_cost_usd"`
	TokensOverTime      map[string]int64     `json:"tokens_over_time"`
	Signals             int                  `json:"signals"`
	Proposals           int                  `json:"proposals"`
	Executions          int                  `json:"executions"`
	CostPerSignalUSD    float64              `json:"cost_per_signal_usd"`
	CostPerProposalUSD  float64              `json:"cost_per_proposal_usd"`
	CostPerExecutionUSD float64              `json:"cost_per_execution_usd"`
	ROIBySource         map[string]SourceROI `json:"roi_by_source"`
}

// Summarize recomputes all aggregates from the event log and the store.
func (r *Recorder) Summarize() (*Summary, error) {
	timer := logging.StartTimer(logging.CategoryTelemetry, "Summarize")
	defer timer.Stop()

	events, err := r.store.ListEventsByType(types.EventTokensUsed)
	if err != nil {
		return nil, fmt.Errorf("failed to load token events: %w", err)
	}

	s := &Summary{
		TokensOverTime: map[string]int64{},
		ROIBySource:    map[string]SourceROI{},
	}

	sourceTokens := map[string]int64{}
	for _, e := range events {
		tokens := payloadInt(e.Payload, "tokens")
		provider, _ := e.Payload["provider"].(string)
		source, _ := e.Payload["source"].(string)

		s.TotalTokens += tokens
		s.TotalCostUSD += float64(tokens) * r.rate(provider) / 1_000_000
		s.TokensOverTime[hourBucket(e.TS)] += tokens
		if source != "" {
			sourceTokens[source] += tokens
		}
	}

	if s.Signals, err = r.store.CountSignals(); err != nil {
		return nil, err
	}
	if s.Proposals, err = r.store.CountProposals(); err != nil {
		return nil, err
	}
	if s.Executions, err = r.store.CountExecutions(); err != nil {
		return nil, err
	}
	if s.Signals > 0 {
		s.CostPerSignalUSD = s.TotalCostUSD / float64(s.Signals)
	}
	if s.Proposals > 0 {
		s.CostPerProposalUSD = s.TotalCostUSD / float64(s.Proposals)
	}
	if s.Executions > 0 {
		s.CostPerExecutionUSD = s.TotalCostUSD / float64(s.Executions)
	}

	signalCounts, err := r.store.SignalCountsBySource()
	if err != nil {
		return nil, err
	}
	revenue, err := r.store.RealizedRevenueBySource()
	if err != nil {
		return nil, err
	}

	for source, count := range signalCounts {
		roi := SourceROI{
			Signals:    count,
			TokensUsed: sourceTokens[source],
			CostUSD:    s.CostPerSignalUSD * float64(count),
		}
		if cents, ok := revenue[source]; ok {
			roi.RevenueCents = &cents
			if roi.CostUSD > 0 {
				v := (float64(cents) / 100) / roi.CostUSD
				roi.ROI = &v
			}
		}
		s.ROIBySource[source] = roi
	}

	return s, nil
}

// hourBucket truncates a canonical timestamp to its hour.
func hourBucket(ts string) string {
	t := types.ParseISO(ts)
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.Truncate(time.Hour).Format(types.ISOFormat)
}

// payloadInt reads a numeric payload field. JSON round trips turn ints
// into float64, so both are accepted.
func payloadInt(payload map[string]any, key string) int64 {
	switch v := payload[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}
