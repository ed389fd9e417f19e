// Package classify scores signals: a deterministic keyword pass assigns
// category, feasibility, effort and risk, and an optional local-LLM pass
// refines the result. The heuristic is always the floor; LLM output only
// overlays fields it returns with valid values.
package classify

import (
	"fmt"
	"strings"

	"pulz/internal/types"
)

// demandKeywords signal buyer intent. Each hit adds one to the score.
var demandKeywords = []string{
	"need", "looking for", "is there a tool", "generator", "template",
	"lease", "resume", "pdf", "proposal", "automation", "integrate",
	"web app", "tool",
}

// riskKeywords map regulated-domain terms to a risk flag.
var riskKeywords = map[string][]string{
	"legal":     {"legal", "law", "attorney", "contract"},
	"medical":   {"medical", "health", "clinic", "patient"},
	"financial": {"loan", "investment", "tax", "accounting"},
}

// categoryKeywords pick the opportunity category; first family with a
// hit wins, in this order.
var categoryOrder = []types.Category{
	types.CategoryDocGenerator,
	types.CategoryAutomation,
	types.CategoryMicroSaas,
}

var categoryKeywords = map[types.Category][]string{
	types.CategoryDocGenerator: {"template", "pdf", "resume", "lease", "generator"},
	types.CategoryAutomation:   {"automation", "integrate", "zapier", "api"},
	types.CategoryMicroSaas:    {"app", "web", "saas", "tool"},
}

// estimate holds the base effort and price band per category.
type estimate struct {
	minutes int
	price   string
}

var estimates = map[types.Category]estimate{
	types.CategoryDocGenerator: {240, "$600 - $1,500"},
	types.CategoryAutomation:   {360, "$900 - $2,500"},
	types.CategoryMicroSaas:    {480, "$1,200 - $3,500"},
}

var fallbackEstimate = estimate{180, "$400 - $900"}

// HeuristicRationale marks a scoring produced by the keyword pass alone.
const HeuristicRationale = "heuristic_v1"

// Score runs the keyword heuristic over a signal's title and body. The
// two are joined with a newline so a multi-word keyword cannot match
// across the title/body boundary.
func Score(title, body string) types.Scoring {
	text := strings.ToLower(title + "\n" + body)

	score := 0
	for _, kw := range demandKeywords {
		if strings.Contains(text, kw) {
			score++
		}
	}

	riskFlags := []string{}
	for _, flag := range []string{"legal", "medical", "financial"} {
		for _, kw := range riskKeywords[flag] {
			if strings.Contains(text, kw) {
				riskFlags = append(riskFlags, flag)
				break
			}
		}
	}

	category := types.CategoryIgnore
	for _, c := range categoryOrder {
		for _, kw := range categoryKeywords[c] {
			if strings.Contains(text, kw) {
				category = c
				break
			}
		}
		if category != types.CategoryIgnore {
			break
		}
	}

	est, ok := estimates[category]
	if !ok {
		est = fallbackEstimate
	}
	minutes := est.minutes
	if score > 2 {
		minutes += (score - 2) * 60
	}

	risky := len(riskFlags) > 0
	feasibility := types.FeasibilityMed
	switch {
	case score >= 2 && !risky:
		feasibility = types.FeasibilityHigh
	case score <= 1:
		feasibility = types.FeasibilityLow
	}

	action := types.ActionIgnore
	switch {
	case score >= 2 && !risky:
		action = types.ActionDraftProposal
	case risky:
		action = types.ActionNeedsClarification
	}

	return types.Scoring{
		Category:                  category,
		Feasibility:               feasibility,
		EstimatedBuildTimeMinutes: minutes,
		SuggestedPriceRange:       est.price,
		RiskFlags:                 riskFlags,
		RecommendedNextAction:     action,
		Rationale:                 HeuristicRationale,
	}
}

// messageTemplate is the outreach draft sent alongside a proposal.
const messageTemplate = "Hi there! I saw your post and can help with a fast-turnaround solution.\n\n" +
	"Summary: %s\n" +
	"Approach: %s with a focused scope and quick delivery.\n" +
	"Estimated delivery: %d minutes of build time.\n" +
	"Price range: %s.\n\n" +
	"If helpful, I can outline a short scope and timeline based on your exact requirements."

// solutionOptions are the two standing delivery tiers offered in drafts.
var solutionOptions = []string{
	"Lean MVP with core workflow and export",
	"Enhanced version with templates + automation hooks",
}

// BuildProposalData drafts the response payload for a scored signal.
func BuildProposalData(sig types.Signal, scored types.Scoring) types.ProposalData {
	summary := sig.BodyExcerpt
	if summary == "" {
		summary = sig.Title
	}
	contact := ""
	if sig.ContactHint != "" {
		contact = "reply to " + sig.ContactHint
	}
	return types.ProposalData{
		SignalID:                  sig.ID,
		Source:                    sig.Source,
		ProblemSummary:            summary,
		SolutionOptions:           append([]string(nil), solutionOptions...),
		SuggestedPriceRange:       scored.SuggestedPriceRange,
		EstimatedBuildTimeMinutes: scored.EstimatedBuildTimeMinutes,
		MessageTemplate: fmt.Sprintf(messageTemplate,
			sig.Title, scored.Category, scored.EstimatedBuildTimeMinutes,
			scored.SuggestedPriceRange),
		ContactMethod: contact,
	}
}
