// Package types defines the domain entities shared by the PulZ engine:
// signals, scorings, proposals, executions, artifacts, missions and
// telemetry events, plus the proposal lifecycle rules.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Sentinel errors mapped to HTTP status codes by the server layer.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid request")
)

// SignalStatus records what happened to a signal after scoring.
type SignalStatus string

const (
	SignalQueued             SignalStatus = "queued"
	SignalIgnore             SignalStatus = "ignore"
	SignalNeedsClarification SignalStatus = "needs_clarification"
)

// Category classifies the kind of opportunity a signal represents.
type Category string

const (
	CategoryDocGenerator Category = "doc_generator"
	CategoryAutomation   Category = "automation"
	CategoryMicroSaas    Category = "micro_saas"
	CategoryIgnore       Category = "ignore"
)

// Feasibility grades how buildable an opportunity looks.
type Feasibility string

const (
	FeasibilityLow  Feasibility = "LOW"
	FeasibilityMed  Feasibility = "MED"
	FeasibilityHigh Feasibility = "HIGH"
)

// NextAction is the classifier's recommendation for a signal.
type NextAction string

const (
	ActionDraftProposal      NextAction = "draft_proposal"
	ActionIgnore             NextAction = "ignore"
	ActionNeedsClarification NextAction = "needs_clarification"
)

// ProposalStatus tracks a proposal through its lifecycle.
type ProposalStatus string

const (
	ProposalDraft     ProposalStatus = "draft"
	ProposalQueued    ProposalStatus = "queued"
	ProposalApproved  ProposalStatus = "approved"
	ProposalExecuting ProposalStatus = "executing"
	ProposalExecuted  ProposalStatus = "executed"
	ProposalCancelled ProposalStatus = "cancelled"
	ProposalFailed    ProposalStatus = "failed"
)

// ExecutionMode controls whether approval auto-enqueues an execution.
type ExecutionMode string

const (
	ModeManual            ExecutionMode = "manual"
	ModeAutoAfterApproval ExecutionMode = "auto_after_approval"
)

// Lane identifies the artifact family an execution produces.
type Lane string

const (
	LaneHTML Lane = "html"
	LanePDF  Lane = "pdf"
	LaneDoc  Lane = "doc"
	LaneSite Lane = "site"
)

// DefaultLane is used for auto-enqueued executions on approval.
const DefaultLane = LaneHTML

// ValidLane reports whether l names a known executor lane.
func ValidLane(l Lane) bool {
	switch l {
	case LaneHTML, LanePDF, LaneDoc, LaneSite:
		return true
	}
	return false
}

// ExecutionStatus tracks an execution run.
type ExecutionStatus string

const (
	ExecQueued    ExecutionStatus = "queued"
	ExecRunning   ExecutionStatus = "running"
	ExecSucceeded ExecutionStatus = "succeeded"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether s is a final execution state.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecSucceeded || s == ExecFailed || s == ExecCancelled
}

// MissionStatus is the lifecycle state of a mission row.
type MissionStatus string

const (
	MissionRunning MissionStatus = "running"
	MissionStopped MissionStatus = "stopped"
)

// AuthorityMode gates how far the engine may advance a signal on its own.
// Ordering matters: each mode includes the autonomy of those before it.
type AuthorityMode string

const (
	AuthorityScanOnly             AuthorityMode = "scan_only"
	AuthorityDraftOnly            AuthorityMode = "draft_only"
	AuthorityAutoDraftQueue       AuthorityMode = "auto_draft_queue"
	AuthorityExecuteAfterApproval AuthorityMode = "execute_after_approval"
)

// ValidAuthorityMode reports whether m is a known authority mode.
func ValidAuthorityMode(m AuthorityMode) bool {
	switch m {
	case AuthorityScanOnly, AuthorityDraftOnly, AuthorityAutoDraftQueue, AuthorityExecuteAfterApproval:
		return true
	}
	return false
}

// Scoring is the classification result for a signal. JSON keys match the
// wire format the LLM refinement path is asked to produce.
type Scoring struct {
	Category                  Category    `json:"category"`
	Feasibility               Feasibility `json:"feasibility"`
	EstimatedBuildTimeMinutes int         `json:"estimated_build_time_minutes"`
	SuggestedPriceRange       string      `json:"suggested_price_range"`
	RiskFlags                 []string    `json:"risk_flags"`
	RecommendedNextAction     NextAction  `json:"recommended_next_action"`
	Rationale                 string      `json:"rationale"`
}

// Signal is a normalised external post considered as an opportunity.
// Immutable after first insert except status/proposal_id.
type Signal struct {
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	URL         string         `json:"url"`
	Title       string         `json:"title"`
	BodyExcerpt string         `json:"body_excerpt"`
	Author      string         `json:"author"`
	CreatedAt   string         `json:"created_at"`
	Raw         map[string]any `json:"raw"`
	ContactHint string         `json:"contact_hint,omitempty"`
	Scored      Scoring        `json:"scored"`
	ProposalID  string         `json:"proposal_id,omitempty"`
	Status      SignalStatus   `json:"status"`
	InsertedAt  string         `json:"inserted_at"`
}

// ProposalData is the drafted response payload attached to a proposal.
type ProposalData struct {
	SignalID                  string   `json:"signal_id"`
	Source                    string   `json:"source"`
	ProblemSummary            string   `json:"problem_summary"`
	SolutionOptions           []string `json:"solution_options"`
	SuggestedPriceRange       string   `json:"suggested_price_range"`
	EstimatedBuildTimeMinutes int      `json:"estimated_build_time_minutes"`
	MessageTemplate           string   `json:"message_template"`
	ContactMethod             string   `json:"contact_method,omitempty"`
}

// Proposal is a draft response to a signal, subject to operator approval.
type Proposal struct {
	ID                    string         `json:"id"`
	SignalID              string         `json:"signal_id"`
	Status                ProposalStatus `json:"status"`
	CreatedAt             string         `json:"created_at"`
	UpdatedAt             string         `json:"updated_at"`
	ApprovedAt            string         `json:"approved_at,omitempty"`
	ExecutingAt           string         `json:"executing_at,omitempty"`
	ExecutedAt            string         `json:"executed_at,omitempty"`
	ExecutionMode         ExecutionMode  `json:"execution_mode"`
	MissionID             string         `json:"mission_id,omitempty"`
	EstimatedRevenueCents *int64         `json:"estimated_revenue_cents,omitempty"`
	RealizedRevenueCents  *int64         `json:"realized_revenue_cents,omitempty"`
	Data                  ProposalData   `json:"data"`
}

// ArtifactKind names the payload type of an artifact row.
type ArtifactKind string

const (
	ArtifactJSON ArtifactKind = "json"
	ArtifactHTML ArtifactKind = "html"
	ArtifactPDF  ArtifactKind = "pdf"
	ArtifactDoc  ArtifactKind = "doc"
	ArtifactZip  ArtifactKind = "zip"
)

// Artifact is an immutable deliverable produced by approval or execution.
type Artifact struct {
	ID          string       `json:"id"`
	ProposalID  string       `json:"proposal_id"`
	ExecutionID string       `json:"execution_id,omitempty"`
	CreatedAt   string       `json:"created_at"`
	Kind        ArtifactKind `json:"kind"`
	Path        string       `json:"path,omitempty"`
	SHA256      string       `json:"sha256,omitempty"`
	Data        ProposalData `json:"data"`
	Text        string       `json:"text,omitempty"`
}

// Execution is a lane-specific artifact-production run.
type Execution struct {
	ID         string          `json:"id"`
	ProposalID string          `json:"proposal_id"`
	MissionID  string          `json:"mission_id,omitempty"`
	Lane       Lane            `json:"lane"`
	Status     ExecutionStatus `json:"status"`
	StartedAt  string          `json:"started_at"`
	FinishedAt string          `json:"finished_at,omitempty"`
	ApprovedBy string          `json:"approved_by,omitempty"`
	Inputs     map[string]any  `json:"inputs,omitempty"`
	Outputs    map[string]any  `json:"outputs,omitempty"`
	LogsText   string          `json:"logs_text,omitempty"`
	Error      string          `json:"error,omitempty"`
	Metrics    map[string]any  `json:"metrics,omitempty"`
}

// MissionConfig is the operator-supplied run configuration. Duration may
// be given in minutes or hours; hours are folded into minutes at start.
type MissionConfig struct {
	DurationMinutes        int           `json:"duration_minutes"`
	DurationHours          int           `json:"duration_hours,omitempty"`
	Sources                []string      `json:"sources"`
	RatePerSourcePerMinute float64       `json:"rate_per_source_per_minute"`
	MaxItems               int           `json:"max_items"`
	AuthorityMode          AuthorityMode `json:"authority_mode"`
	StartedAt              string        `json:"started_at"`
	EndsAt                 string        `json:"ends_at"`
}

// Mission is a bounded run of the engine. At most one may be running.
type Mission struct {
	ID            string        `json:"id"`
	StartedAt     string        `json:"started_at"`
	EndsAt        string        `json:"ends_at"`
	Status        MissionStatus `json:"status"`
	Config        MissionConfig `json:"config"`
	AuthorityMode AuthorityMode `json:"authority_mode"`
}

// TelemetryEvent is one append-only log row. Never mutated after insert.
type TelemetryEvent struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	MissionID   string         `json:"mission_id,omitempty"`
	ProposalID  string         `json:"proposal_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
}

// Telemetry and feed event types. The feed additionally emits "signal"
// and "heartbeat" frames that have no telemetry counterpart.
const (
	EventProposalCreated    = "proposal_created"
	EventProposalApproved   = "proposal_approved"
	EventProposalRejected   = "proposal_rejected"
	EventTokensUsed         = "tokens_used"
	EventExecutionQueued    = "execution_queued"
	EventExecutionStarted   = "execution_started"
	EventExecutionProgress  = "execution_progress"
	EventExecutionLog       = "execution_log"
	EventExecutionArtifact  = "execution_artifact"
	EventExecutionFinished  = "execution_finished"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventMissionStarted     = "mission_started"
	EventMissionStopped     = "mission_stopped"
)

// proposalTransitions is the lifecycle DAG. Reject (to cancelled) is
// unconditional and re-execution from terminal states is decided by the
// lifecycle service, so neither appears here.
var proposalTransitions = map[ProposalStatus][]ProposalStatus{
	ProposalDraft:     {ProposalQueued, ProposalApproved},
	ProposalQueued:    {ProposalApproved},
	ProposalApproved:  {ProposalExecuting},
	ProposalExecuting: {ProposalExecuted, ProposalFailed, ProposalCancelled},
}

// CanTransition reports whether from -> to follows the lifecycle DAG.
// Transitions to cancelled are always permitted (operator reject).
func CanTransition(from, to ProposalStatus) bool {
	if to == ProposalCancelled {
		return true
	}
	for _, next := range proposalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TerminalProposal reports whether s is a terminal lifecycle state.
func TerminalProposal(s ProposalStatus) bool {
	return s == ProposalExecuted || s == ProposalFailed || s == ProposalCancelled
}

// ISOFormat is the canonical timestamp layout: UTC, second precision, Z.
const ISOFormat = "2006-01-02T15:04:05Z"

// NowISO returns the current UTC time in the canonical layout.
func NowISO() string {
	return time.Now().UTC().Format(ISOFormat)
}

// FormatISO renders t in the canonical layout.
func FormatISO(t time.Time) string {
	return t.UTC().Format(ISOFormat)
}

// ParseISO parses a canonical timestamp. Returns the zero time on failure.
func ParseISO(s string) time.Time {
	t, err := time.Parse(ISOFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// HashID derives a stable 16-hex-char identifier from a category-prefixed
// string, e.g. "proposal:<signal_id>:<time>".
func HashID(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}
