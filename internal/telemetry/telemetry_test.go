package telemetry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulz/internal/store"
	"pulz/internal/types"
)

func flatRate(string) float64 { return 2.0 }

func newRecorder(t *testing.T) (*Recorder, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pulz.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewRecorder(s, flatRate), s
}

func TestSummarizeTokensAndCost(t *testing.T) {
	r, _ := newRecorder(t)

	r.Record(types.TelemetryEvent{
		TS: "2026-08-24T10:05:00Z", Type: types.EventTokensUsed,
		Payload: map[string]any{"tokens": 500_000, "provider": "ollama", "source": "rss:forhire"},
	})
	r.Record(types.TelemetryEvent{
		TS: "2026-08-24T10:40:00Z", Type: types.EventTokensUsed,
		Payload: map[string]any{"tokens": 250_000, "provider": "ollama", "source": "rss:forhire"},
	})
	r.Record(types.TelemetryEvent{
		TS: "2026-08-24T11:10:00Z", Type: types.EventTokensUsed,
		Payload: map[string]any{"tokens": 250_000, "provider": "ollama", "source": "reddit:r/forhire"},
	})

	sum, err := r.Summarize()
	require.NoError(t, err)

	assert.EqualValues(t, 1_000_000, sum.TotalTokens)
	assert.InDelta(t, 2.0, sum.TotalCostUSD, 1e-9) // 1M tokens at $2/1M

	assert.EqualValues(t, 750_000, sum.TokensOverTime["2026-08-24T10:00:00Z"])
	assert.EqualValues(t, 250_000, sum.TokensOverTime["2026-08-24T11:00:00Z"])
}

func TestSummarizePerUnitCosts(t *testing.T) {
	r, s := newRecorder(t)

	r.TokensUsed("m1", "rss:forhire", "ollama", 1_000_000)

	for _, id := range []string{"sig-1", "sig-2"} {
		_, err := s.InsertSignal(types.Signal{ID: id, Source: "rss:forhire", InsertedAt: types.NowISO()})
		require.NoError(t, err)
	}
	require.NoError(t, s.InsertProposal(types.Proposal{
		ID: "p1", SignalID: "sig-1", Status: types.ProposalQueued,
		CreatedAt: types.NowISO(), UpdatedAt: types.NowISO(),
		ExecutionMode: types.ModeManual,
	}))

	sum, err := r.Summarize()
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Signals)
	assert.Equal(t, 1, sum.Proposals)
	assert.Equal(t, 0, sum.Executions)
	assert.InDelta(t, 1.0, sum.CostPerSignalUSD, 1e-9)
	assert.InDelta(t, 2.0, sum.CostPerProposalUSD, 1e-9)
	assert.Zero(t, sum.CostPerExecutionUSD) // no executions, no division
}

func TestSummarizeROIBySource(t *testing.T) {
	r, s := newRecorder(t)

	for _, id := range []string{"sig-1", "sig-2"} {
		_, err := s.InsertSignal(types.Signal{ID: id, Source: "rss:forhire", InsertedAt: types.NowISO()})
		require.NoError(t, err)
	}
	require.NoError(t, s.InsertProposal(types.Proposal{
		ID: "p1", SignalID: "sig-1", Status: types.ProposalExecuted,
		CreatedAt: types.NowISO(), UpdatedAt: types.NowISO(),
		ExecutionMode: types.ModeManual,
	}))
	require.NoError(t, s.SetRealizedRevenue("p1", 5000))

	r.TokensUsed("m1", "rss:forhire", "ollama", 5_000_000) // $10 at $2/1M

	sum, err := r.Summarize()
	require.NoError(t, err)

	roi := sum.ROIBySource["rss:forhire"]
	assert.Equal(t, 2, roi.Signals)
	assert.EqualValues(t, 5_000_000, roi.TokensUsed)
	// $10 total over 2 signals is $5/signal, times 2 signals for the source.
	assert.InDelta(t, 10.0, roi.CostUSD, 1e-9)
	require.NotNil(t, roi.RevenueCents)
	assert.EqualValues(t, 5000, *roi.RevenueCents)
	require.NotNil(t, roi.ROI)
	assert.InDelta(t, 5.0, *roi.ROI, 1e-9) // $50 revenue over $10 cost
}

func TestSummarizeROINullWithoutRevenue(t *testing.T) {
	r, s := newRecorder(t)

	_, err := s.InsertSignal(types.Signal{ID: "sig-1", Source: "reddit:r/startups", InsertedAt: types.NowISO()})
	require.NoError(t, err)

	sum, err := r.Summarize()
	require.NoError(t, err)

	roi := sum.ROIBySource["reddit:r/startups"]
	assert.Equal(t, 1, roi.Signals)
	assert.Nil(t, roi.RevenueCents)
	assert.Nil(t, roi.ROI)
}

func TestRecordStampsTimestamp(t *testing.T) {
	r, s := newRecorder(t)

	r.Record(types.TelemetryEvent{Type: types.EventProposalCreated, ProposalID: "p1"})

	events, err := s.ListEventsByType(types.EventProposalCreated)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].TS)
	assert.Equal(t, "p1", events[0].ProposalID)
}
