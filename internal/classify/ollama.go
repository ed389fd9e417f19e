package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pulz/internal/logging"
	"pulz/internal/types"
)

// Provider is the token-accounting label for the local LLM path.
const Provider = "ollama"

// LLMRationale marks a scoring refined by the LLM pass.
const LLMRationale = "llm_assisted"

// OllamaClient refines heuristic scorings through a local Ollama server.
type OllamaClient struct {
	url    string
	model  string
	client *http.Client
}

// NewOllama creates a refinement client. url is the full generate
// endpoint, e.g. http://localhost:11434/api/generate.
func NewOllama(url, model string) *OllamaClient {
	return &OllamaClient{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: 20 * time.Second},
	}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

const promptTemplate = `You score freelance opportunity posts. Reply with a single JSON object and nothing else, using exactly these keys:
{"category": "doc_generator|automation|micro_saas|ignore", "feasibility": "LOW|MED|HIGH", "estimated_build_time_minutes": <int>, "suggested_price_range": "<string>", "risk_flags": ["legal"|"medical"|"financial", ...], "recommended_next_action": "draft_proposal|ignore|needs_clarification"}

Title: %s
Body: %s

Current assessment: %s`

// Refine asks the model to rescore a signal and overlays any valid
// fields it returns onto the heuristic base. The returned token count is
// prompt_eval_count + eval_count, estimated from the prompt length when
// the server reports neither.
func (o *OllamaClient) Refine(ctx context.Context, sig types.Signal, base types.Scoring) (types.Scoring, int, error) {
	baseJSON, _ := json.Marshal(base)
	prompt := fmt.Sprintf(promptTemplate, sig.Title, sig.BodyExcerpt, string(baseJSON))

	reqBody, err := json.Marshal(ollamaRequest{Model: o.model, Prompt: prompt, Stream: false})
	if err != nil {
		return base, 0, fmt.Errorf("failed to marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(reqBody))
	if err != nil {
		return base, 0, fmt.Errorf("failed to build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return base, 0, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return base, 0, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return base, 0, fmt.Errorf("failed to decode ollama response: %w", err)
	}

	tokens := out.PromptEvalCount + out.EvalCount
	if tokens == 0 {
		tokens = len(prompt) / 4
	}

	refined, err := mergeLLMScoring(base, out.Response)
	if err != nil {
		logging.Classifier("LLM output unusable, keeping heuristic: %v", err)
		return base, tokens, nil
	}
	return refined, tokens, nil
}

// mergeLLMScoring extracts the first-to-last-brace JSON block from raw
// model output and overlays valid fields onto the base scoring.
func mergeLLMScoring(base types.Scoring, raw string) (types.Scoring, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return base, fmt.Errorf("no JSON object in model output")
	}

	var llm struct {
		Category                  string   `json:"category"`
		Feasibility               string   `json:"feasibility"`
		EstimatedBuildTimeMinutes int      `json:"estimated_build_time_minutes"`
		SuggestedPriceRange       string   `json:"suggested_price_range"`
		RiskFlags                 []string `json:"risk_flags"`
		RecommendedNextAction     string   `json:"recommended_next_action"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &llm); err != nil {
		return base, fmt.Errorf("invalid JSON in model output: %w", err)
	}

	merged := base
	switch types.Category(llm.Category) {
	case types.CategoryDocGenerator, types.CategoryAutomation, types.CategoryMicroSaas, types.CategoryIgnore:
		merged.Category = types.Category(llm.Category)
	}
	switch types.Feasibility(llm.Feasibility) {
	case types.FeasibilityLow, types.FeasibilityMed, types.FeasibilityHigh:
		merged.Feasibility = types.Feasibility(llm.Feasibility)
	}
	if llm.EstimatedBuildTimeMinutes > 0 {
		merged.EstimatedBuildTimeMinutes = llm.EstimatedBuildTimeMinutes
	}
	if llm.SuggestedPriceRange != "" {
		merged.SuggestedPriceRange = llm.SuggestedPriceRange
	}
	if llm.RiskFlags != nil {
		merged.RiskFlags = llm.RiskFlags
	}
	switch types.NextAction(llm.RecommendedNextAction) {
	case types.ActionDraftProposal, types.ActionIgnore, types.ActionNeedsClarification:
		merged.RecommendedNextAction = types.NextAction(llm.RecommendedNextAction)
	}
	merged.Rationale = LLMRationale
	return merged, nil
}
