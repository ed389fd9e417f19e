// Package execution turns approved proposals into deliverable artifacts.
// Each lane has an executor that plans its cost and renders a file set;
// the manager runs executors on worker goroutines with cancellation,
// persists artifacts with digests, and keeps the execution log.
package execution

import (
	"context"
	"fmt"
	"strings"

	"pulz/internal/types"
)

// Plan is an executor's upfront cost estimate for one run.
type Plan struct {
	EstimatedTokens  int `json:"estimated_tokens"`
	EstimatedSeconds int `json:"estimated_seconds"`
}

// OutFile is one rendered deliverable before persistence.
type OutFile struct {
	Name string
	Kind types.ArtifactKind
	Data []byte
}

// Outcome is the result of a successful executor run.
type Outcome struct {
	Files   []OutFile
	Metrics map[string]any
}

// Executor renders one lane's artifact set from a proposal.
type Executor interface {
	Lane() types.Lane
	Plan(p types.Proposal) Plan
	Run(ctx context.Context, p types.Proposal) (Outcome, error)
}

// DefaultExecutors returns the standard lane set.
func DefaultExecutors() map[types.Lane]Executor {
	return map[types.Lane]Executor{
		types.LaneHTML: &htmlExecutor{},
		types.LanePDF:  &pdfExecutor{},
		types.LaneDoc:  &docExecutor{},
		types.LaneSite: &siteExecutor{},
	}
}

// RenderText renders a proposal as the plain-text body every lane
// builds on. The approval snapshot uses the same rendering.
func RenderText(p types.Proposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summary: %s\n\n", p.Data.ProblemSummary)
	b.WriteString("Proposed response:\n")
	b.WriteString(p.Data.MessageTemplate)
	b.WriteString("\n\nSolution options:\n")
	for _, opt := range p.Data.SolutionOptions {
		fmt.Fprintf(&b, "- %s\n", opt)
	}
	return b.String()
}

// estimateTokens approximates the token cost of rendering a text.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
