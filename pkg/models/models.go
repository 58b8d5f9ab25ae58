// Package models defines the shared domain types for the Dripline engine:
// events, artifacts, workflow steps, DCA plans, scheduled executions,
// callback bindings, and metrics/alerting records.
//
// JSON tags are camelCase to match the wire contract consumed by the
// TypeScript dashboard.
package models

import (
	"math"
	"time"
)

// ── Events ───────────────────────────────────────────────────

// EventType identifies what happened.
type EventType string

const (
	// Workflow lifecycle
	EventStepStarted            EventType = "workflow_step_started"
	EventStepCompleted          EventType = "workflow_step_completed"
	EventStepFailed             EventType = "workflow_step_failed"
	EventOrchestrationCompleted EventType = "orchestration_completed"
	EventOrchestrationFailed    EventType = "orchestration_failed"

	// Execution lifecycle
	EventExecutionScheduled EventType = "execution_scheduled"
	EventLegExecuted        EventType = "execution_leg_completed"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
	EventExecutionPaused    EventType = "execution_paused"
	EventExecutionResumed   EventType = "execution_resumed"
	EventExecutionCancelled EventType = "execution_cancelled"

	// Market data
	EventMarketSnapshot EventType = "market_snapshot"

	// Monitoring
	EventAlertTriggered EventType = "alert_triggered"
	EventAgentWarning   EventType = "agent_warning"
	EventAgentError     EventType = "agent_error"
)

// StreamChannels maps the stream endpoint's channel names to the event
// types they carry. A nil set means every type, filtered by session only.
var StreamChannels = map[string][]EventType{
	"session": nil,
	"market":  {EventMarketSnapshot},
	"execution": {
		EventExecutionScheduled, EventLegExecuted, EventExecutionCompleted,
		EventExecutionFailed, EventExecutionPaused, EventExecutionResumed,
		EventExecutionCancelled,
	},
	"monitoring": {EventAlertTriggered, EventAgentWarning, EventAgentError},
}

// Event is an immutable record published on the bus. Identity is ID;
// ordering is by Timestamp with ties broken by insertion order.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"sessionId,omitempty"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// EventFilter selects events from the bus history.
type EventFilter struct {
	Types     []EventType `json:"types,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	Source    string      `json:"source,omitempty"`
	Since     time.Time   `json:"since,omitempty"`
	Until     time.Time   `json:"until,omitempty"`
	Limit     int         `json:"limit,omitempty"`
}

// Matches reports whether an event passes the filter.
func (f EventFilter) Matches(e Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// ── Artifacts ────────────────────────────────────────────────

// ArtifactType categorizes stored artifacts.
type ArtifactType string

const (
	ArtifactMarketAnalysis  ArtifactType = "market_analysis"
	ArtifactRiskAssessment  ArtifactType = "risk_assessment"
	ArtifactDCAPlan         ArtifactType = "dca_plan"
	ArtifactValidation      ArtifactType = "validation_report"
	ArtifactOrchestration   ArtifactType = "orchestration_result"
	ArtifactExecutionReport ArtifactType = "execution_report"
)

// ArtifactMetadata carries provenance and linkage for an artifact.
type ArtifactMetadata struct {
	Source   string   `json:"source"`
	Tags     []string `json:"tags,omitempty"`
	ParentID string   `json:"parentId,omitempty"`
	ChildIDs []string `json:"childIds,omitempty"`
}

// Artifact is a versioned, queryable record of a workflow output.
// Updates merge data and bump Version/UpdatedAt; they never replace
// the data map wholesale.
type Artifact struct {
	ID        string                 `json:"id"`
	Type      ArtifactType           `json:"type"`
	SessionID string                 `json:"sessionId"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
	Version   int                    `json:"version"`
	Data      map[string]interface{} `json:"data"`
	Metadata  ArtifactMetadata       `json:"metadata"`
	ExpiresAt *time.Time             `json:"expiresAt,omitempty"`
}

// Expired reports whether the artifact is past its expiry at the given time.
func (a *Artifact) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// ChildIDsAppend links a child artifact, ignoring duplicates.
func (a *Artifact) ChildIDsAppend(id string) {
	for _, c := range a.Metadata.ChildIDs {
		if c == id {
			return
		}
	}
	a.Metadata.ChildIDs = append(a.Metadata.ChildIDs, id)
}

// ChildIDsRemove unlinks a child artifact.
func (a *Artifact) ChildIDsRemove(id string) {
	for i, c := range a.Metadata.ChildIDs {
		if c == id {
			a.Metadata.ChildIDs = append(a.Metadata.ChildIDs[:i], a.Metadata.ChildIDs[i+1:]...)
			return
		}
	}
}

// ArtifactQuery selects artifacts from the store. Results are sorted
// newest-first by CreatedAt.
type ArtifactQuery struct {
	SessionID      string       `json:"sessionId,omitempty"`
	Type           ArtifactType `json:"type,omitempty"`
	Tags           []string     `json:"tags,omitempty"`
	Source         string       `json:"source,omitempty"`
	Since          time.Time    `json:"since,omitempty"`
	Until          time.Time    `json:"until,omitempty"`
	IncludeExpired bool         `json:"includeExpired,omitempty"`
	Limit          int          `json:"limit,omitempty"`
}

// ArchiveRecord describes one batch of artifacts written to an archive backend.
type ArchiveRecord struct {
	ID          string    `json:"id"`
	Backend     string    `json:"backend"`
	URI         string    `json:"uri"`
	RecordCount int       `json:"recordCount"`
	OldestItem  time.Time `json:"oldestItem"`
	NewestItem  time.Time `json:"newestItem"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ── Workflow ─────────────────────────────────────────────────

// StepStatus is the lifecycle state of a workflow step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// WorkflowStep is one node of the fixed orchestration DAG. Steps are
// mutated only by the orchestrator that owns the run.
type WorkflowStep struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Collaborator string                 `json:"collaborator"`
	Status       StepStatus             `json:"status"`
	StartTime    *time.Time             `json:"startTime,omitempty"`
	EndTime      *time.Time             `json:"endTime,omitempty"`
	Result       map[string]interface{} `json:"result,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Dependencies []string               `json:"dependencies"`
	Critical     bool                   `json:"critical"`
}

// RiskLevel is the user-declared appetite driving plan shape.
type RiskLevel string

const (
	RiskConservative RiskLevel = "conservative"
	RiskModerate     RiskLevel = "moderate"
	RiskAggressive   RiskLevel = "aggressive"
)

// OrchestrationRequest is the input to a full workflow run.
type OrchestrationRequest struct {
	TokenIn       string                 `json:"tokenIn"`
	TokenOut      string                 `json:"tokenOut"`
	Budget        float64                `json:"budget"`
	UserRiskLevel RiskLevel              `json:"userRiskLevel"`
	SessionID     string                 `json:"sessionId,omitempty"`
	Preferences   map[string]interface{} `json:"preferences,omitempty"`
}

// MarketSnapshot is the market-analysis collaborator's output.
type MarketSnapshot struct {
	TokenPair  string    `json:"tokenPair"`
	Price      float64   `json:"price"`
	Volume24h  float64   `json:"volume24h"`
	Volatility float64   `json:"volatility"`
	Trend      string    `json:"trend"`
	ObservedAt time.Time `json:"observedAt"`
}

// RiskTier classifies a computed risk score.
type RiskTier string

const (
	RiskTierLow      RiskTier = "low"
	RiskTierModerate RiskTier = "moderate"
	RiskTierHigh     RiskTier = "high"
	RiskTierExtreme  RiskTier = "extreme"
)

// RiskAssessment is the risk-scoring collaborator's output.
// Score is always in [0,1].
type RiskAssessment struct {
	Score      float64  `json:"score"`
	Tier       RiskTier `json:"tier"`
	Factors    []string `json:"factors,omitempty"`
	Confidence float64  `json:"confidence"`
}

// RiskActionKind tells the scheduler what to do about ongoing risk.
type RiskActionKind string

const (
	RiskActionContinue RiskActionKind = "continue"
	RiskActionPause    RiskActionKind = "pause"
	RiskActionStop     RiskActionKind = "stop"
)

// RiskMonitorResult is the outcome of an ongoing-risk check against a
// live execution.
type RiskMonitorResult struct {
	ShouldContinue bool           `json:"shouldContinue"`
	Action         RiskActionKind `json:"action"`
	Score          float64        `json:"score"`
	Reason         string         `json:"reason,omitempty"`
}

// ── DCA Plans & Execution ────────────────────────────────────

// BudgetTolerance is the float slack allowed between a plan's budget and
// the sum of its leg amounts.
const BudgetTolerance = 0.01

// LegStatus is the lifecycle state of a single leg.
type LegStatus string

const (
	LegPending   LegStatus = "pending"
	LegExecuting LegStatus = "executing"
	LegCompleted LegStatus = "completed"
	LegFailed    LegStatus = "failed"
)

// Leg is one scheduled partial trade within a DCA plan.
type Leg struct {
	Index         int       `json:"index"`
	Amount        float64   `json:"amount"`
	ScheduledTime time.Time `json:"scheduledTime"`
	Status        LegStatus `json:"status"`
	TxRef         string    `json:"txRef,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// DCAPlan is a complete leg schedule produced by the planner.
// DelegationID is the capped spending permission the submitter spends
// against; it doubles as the idempotency key for scheduling.
type DCAPlan struct {
	ID           string    `json:"id"`
	DelegationID string    `json:"delegationId"`
	SessionID    string    `json:"sessionId"`
	TokenIn      string    `json:"tokenIn"`
	TokenOut     string    `json:"tokenOut"`
	Budget       float64   `json:"budget"`
	Legs         []Leg     `json:"legs"`
	Source       string    `json:"source,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Validate checks the structural invariants: a positive budget, leg
// amounts summing to the budget within BudgetTolerance, and
// non-decreasing scheduled times.
func (p *DCAPlan) Validate() error {
	if p.Budget <= 0 {
		return &PlanValidationError{Field: "budget", Reason: "must be positive"}
	}
	if len(p.Legs) == 0 {
		return &PlanValidationError{Field: "legs", Reason: "plan has no legs"}
	}
	var sum float64
	for i, leg := range p.Legs {
		sum += leg.Amount
		if i > 0 && leg.ScheduledTime.Before(p.Legs[i-1].ScheduledTime) {
			return &PlanValidationError{Field: "legs", Reason: "scheduled times must be non-decreasing"}
		}
	}
	if math.Abs(sum-p.Budget) > BudgetTolerance {
		return &PlanValidationError{Field: "legs", Reason: "leg amounts do not sum to budget"}
	}
	return nil
}

// PlanValidationError reports a structural problem with a plan or request.
// Validation errors are rejected synchronously and never retried.
type PlanValidationError struct {
	Field  string
	Reason string
}

func (e *PlanValidationError) Error() string {
	return "invalid plan: " + e.Field + ": " + e.Reason
}

// ExecutionStatus is the lifecycle state of a scheduled execution.
type ExecutionStatus string

const (
	ExecutionActive    ExecutionStatus = "active"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// ScheduledExecution tracks a plan through leg-by-leg execution.
// ID equals the plan's delegation ID so Schedule is idempotent.
type ScheduledExecution struct {
	ID                string          `json:"id"`
	SessionID         string          `json:"sessionId"`
	Legs              []Leg           `json:"legs"`
	Status            ExecutionStatus `json:"status"`
	CreatedAt         time.Time       `json:"createdAt"`
	CompletedLegCount int             `json:"completedLegCount"`
	TotalLegCount     int             `json:"totalLegCount"`
	NextDueAt         *time.Time      `json:"nextDueAt,omitempty"`
	Error             string          `json:"error,omitempty"`
	PlanArtifactID    string          `json:"planArtifactId,omitempty"`
}

// SubmissionResult is the on-chain submitter's answer for one leg.
type SubmissionResult struct {
	TxRef       string    `json:"txRef"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// ── Orchestration Results ────────────────────────────────────

// OrchestrationResult is the merged output of a complete workflow run.
type OrchestrationResult struct {
	OrchestrationID     string                 `json:"orchestrationId"`
	SessionID           string                 `json:"sessionId"`
	MarketAnalysis      *MarketSnapshot        `json:"marketAnalysis,omitempty"`
	RiskAssessment      *RiskAssessment        `json:"riskAssessment,omitempty"`
	DCAPlan             *DCAPlan               `json:"dcaPlan,omitempty"`
	ValidationResults   map[string]interface{} `json:"validationResults,omitempty"`
	Recommendations     []string               `json:"recommendations,omitempty"`
	Warnings            []string               `json:"warnings,omitempty"`
	QualityScore        float64                `json:"qualityScore"`
	ConfidenceLevel     float64                `json:"confidenceLevel"`
	AgentExecutionOrder []string               `json:"agentExecutionOrder"`
	Steps               []WorkflowStep         `json:"steps,omitempty"`
	StartedAt           time.Time              `json:"startedAt"`
	CompletedAt         time.Time              `json:"completedAt"`
}

// ── Callback Bindings ────────────────────────────────────────

// ActionKind discriminates the callback action union.
type ActionKind string

const (
	ActionWebhook ActionKind = "webhook"
	ActionHandler ActionKind = "handler"
	ActionLog     ActionKind = "log"
)

// WebhookAction posts the event as JSON to a URL, optionally signed
// with HMAC-SHA256.
type WebhookAction struct {
	URL     string            `json:"url"`
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// LogAction writes the event through the structured logger at the
// given level ("debug", "info", "warn").
type LogAction struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
}

// CallbackAction is a tagged union: exactly one of the kind-specific
// fields is set, selected by Kind. Handler is only settable in-process.
type CallbackAction struct {
	Kind    ActionKind        `json:"kind"`
	Webhook *WebhookAction    `json:"webhook,omitempty"`
	Log     *LogAction        `json:"log,omitempty"`
	Handler func(Event) error `json:"-"`
}

// RetryPolicy controls redelivery of failed callback actions.
// The nth retry fires no earlier than BaseDelay * Multiplier^(n-1)
// after the prior attempt.
type RetryPolicy struct {
	MaxRetries int           `json:"maxRetries"`
	BaseDelay  time.Duration `json:"baseDelay"`
	Multiplier float64       `json:"backoffMultiplier"`
}

// RateLimit is a fixed-window cap on callback firings.
type RateLimit struct {
	MaxCalls int           `json:"maxCalls"`
	Window   time.Duration `json:"windowMs"`
}

// CallbackBinding maps trigger event types to an action. Counters are
// mutated only by the dispatcher.
type CallbackBinding struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name,omitempty"`
	TriggerTypes []EventType            `json:"triggerEventTypes"`
	SessionID    string                 `json:"sessionId,omitempty"`
	Predicate    string                 `json:"predicate,omitempty"`
	Conditions   map[string]interface{} `json:"conditions,omitempty"`
	Action       CallbackAction         `json:"action"`
	Enabled      bool                   `json:"enabled"`
	RetryPolicy  *RetryPolicy           `json:"retryPolicy,omitempty"`
	RateLimit    *RateLimit             `json:"rateLimit,omitempty"`
	TriggerCount int                    `json:"triggerCount"`
	ErrorCount   int                    `json:"errorCount"`
	LastFiredAt  *time.Time             `json:"lastFiredAt,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// CallbackExecution is one attempt record in the dispatcher's capped history.
type CallbackExecution struct {
	BindingID string    `json:"bindingId"`
	EventID   string    `json:"eventId"`
	Attempt   int       `json:"attempt"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// ── Metrics & Alerts ─────────────────────────────────────────

// AgentMetrics is one recorded sample from a workflow collaborator run.
type AgentMetrics struct {
	Agent        string        `json:"agent"`
	SessionID    string        `json:"sessionId,omitempty"`
	Duration     time.Duration `json:"durationMs"`
	Success      bool          `json:"success"`
	QualityScore float64       `json:"qualityScore"`
	RiskScore    float64       `json:"riskScore"`
	RecordedAt   time.Time     `json:"recordedAt"`
}

// SystemMetrics is one recorded sample of engine-wide gauges.
type SystemMetrics struct {
	ActiveExecutions int       `json:"activeExecutions"`
	PendingLegs      int       `json:"pendingLegs"`
	EventRate        float64   `json:"eventRate"`
	ArtifactCount    int       `json:"artifactCount"`
	ErrorRate        float64   `json:"errorRate"`
	RecordedAt       time.Time `json:"recordedAt"`
}

// ThresholdOperator compares a metric value against a rule value.
type ThresholdOperator string

const (
	OpGreaterThan ThresholdOperator = "gt"
	OpLessThan    ThresholdOperator = "lt"
	OpEquals      ThresholdOperator = "eq"
)

// AlertSeverity ranks alerts.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// MetricThreshold is one alerting rule over a dotted metric path
// (e.g. "agent.riskScore", "system.errorRate").
type MetricThreshold struct {
	ID         string            `json:"id"`
	MetricPath string            `json:"metricPath"`
	Operator   ThresholdOperator `json:"operator"`
	Value      float64           `json:"value"`
	Severity   AlertSeverity     `json:"severity"`
}

// Compare applies the rule's operator to a sampled value.
func (t MetricThreshold) Compare(v float64) bool {
	switch t.Operator {
	case OpGreaterThan:
		return v > t.Value
	case OpLessThan:
		return v < t.Value
	case OpEquals:
		return v == t.Value
	default:
		return false
	}
}

// Alert is one threshold violation. Violations are never deduplicated;
// each is its own record in a capped history.
type Alert struct {
	ID           string        `json:"id"`
	ThresholdID  string        `json:"thresholdId"`
	MetricPath   string        `json:"metricPath"`
	CurrentValue float64       `json:"currentValue"`
	Severity     AlertSeverity `json:"severity"`
	TriggeredAt  time.Time     `json:"triggeredAt"`
	Acknowledged bool          `json:"acknowledged"`
	SessionID    string        `json:"sessionId,omitempty"`
}

// Clamp01 bounds a score to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
