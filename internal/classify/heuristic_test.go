package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pulz/internal/types"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name        string
		title       string
		body        string
		category    types.Category
		feasibility types.Feasibility
		action      types.NextAction
		minutes     int
		risks       []string
	}{
		{
			name:        "DocGeneratorHighScore",
			title:       "Need a lease template generator",
			body:        "Looking for a tool that outputs PDF",
			category:    types.CategoryDocGenerator,
			feasibility: types.FeasibilityHigh,
			action:      types.ActionDraftProposal,
			// need, looking for, generator, template, lease, pdf, tool = 7
			// hits: 240 base + 5*60 overage.
			minutes: 540,
			risks:   []string{},
		},
		{
			name:        "AutomationRequest",
			title:       "Need to integrate two systems",
			body:        "automation between our CRM and billing",
			category:    types.CategoryAutomation,
			feasibility: types.FeasibilityHigh,
			action:      types.ActionDraftProposal,
			minutes:     420, // need, integrate, automation = 3 hits
			risks:       []string{},
		},
		{
			name:        "RiskForcesClarification",
			title:       "Need a contract template for my law firm",
			body:        "legal document generator",
			category:    types.CategoryDocGenerator,
			feasibility: types.FeasibilityMed,
			action:      types.ActionNeedsClarification,
			minutes:     360, // need, generator, template = 3 hits, 240 + 60
			risks:       []string{"legal"},
		},
		{
			name:        "NoDemandIgnored",
			title:       "Just sharing my weekend project",
			body:        "built a birdhouse",
			category:    types.CategoryIgnore,
			feasibility: types.FeasibilityLow,
			action:      types.ActionIgnore,
			minutes:     180,
			risks:       []string{},
		},
		{
			name:        "SingleKeywordTooWeak",
			title:       "template question",
			body:        "",
			category:    types.CategoryDocGenerator,
			feasibility: types.FeasibilityLow,
			action:      types.ActionIgnore,
			minutes:     240,
			risks:       []string{},
		},
		{
			name:        "MultipleRiskFamilies",
			title:       "Need a tax and legal automation tool",
			body:        "looking for loan paperwork automation",
			category:    types.CategoryAutomation,
			feasibility: types.FeasibilityMed,
			action:      types.ActionNeedsClarification,
			risks:       []string{"legal", "financial"},
			// need, looking for, automation, tool = 4 hits: 360 + 120.
			minutes: 480,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.title, tt.body)
			assert.Equal(t, tt.category, got.Category)
			assert.Equal(t, tt.feasibility, got.Feasibility)
			assert.Equal(t, tt.action, got.RecommendedNextAction)
			assert.Equal(t, tt.minutes, got.EstimatedBuildTimeMinutes)
			assert.Equal(t, tt.risks, got.RiskFlags)
			assert.Equal(t, HeuristicRationale, got.Rationale)
		})
	}
}

func TestScoreKeywordsStayWithinTitleOrBody(t *testing.T) {
	// "looking" ends the title and "for" opens the body; the phrase
	// keyword must not count as a hit across the boundary.
	split := Score("Need help looking", "for a lease generator")
	joined := Score("Need help", "looking for a lease generator")

	assert.Equal(t, 300, split.EstimatedBuildTimeMinutes)  // need, lease, generator
	assert.Equal(t, 360, joined.EstimatedBuildTimeMinutes) // + looking for
}

func TestScoreIsDeterministic(t *testing.T) {
	a := Score("Need a resume builder", "pdf export please")
	b := Score("Need a resume builder", "pdf export please")
	assert.Equal(t, a, b)
}

func TestBuildProposalData(t *testing.T) {
	sig := types.Signal{
		ID:          "sig-1",
		Source:      "reddit:r/forhire",
		Title:       "Need a lease generator",
		BodyExcerpt: "Looking for a lease template generator",
		ContactHint: "poster",
	}
	scored := Score(sig.Title, sig.BodyExcerpt)

	data := BuildProposalData(sig, scored)
	assert.Equal(t, "sig-1", data.SignalID)
	assert.Equal(t, "reddit:r/forhire", data.Source)
	assert.Equal(t, "Looking for a lease template generator", data.ProblemSummary)
	assert.Len(t, data.SolutionOptions, 2)
	assert.Equal(t, scored.SuggestedPriceRange, data.SuggestedPriceRange)
	assert.Contains(t, data.MessageTemplate, "Summary: Need a lease generator")
	assert.Contains(t, data.MessageTemplate, "doc_generator")
	assert.Equal(t, "reply to poster", data.ContactMethod)
}

func TestBuildProposalDataFallsBackToTitle(t *testing.T) {
	sig := types.Signal{ID: "sig-2", Title: "Need automation help"}
	data := BuildProposalData(sig, Score(sig.Title, ""))
	assert.Equal(t, "Need automation help", data.ProblemSummary)
	assert.Empty(t, data.ContactMethod)
}
