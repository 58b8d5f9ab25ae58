// Package contracts defines the boundary interfaces between the Dripline
// engine and its external collaborators.
//
// The engine ships compile-time-checked stub implementations (internal/collab)
// for environments where the real collaborator is unavailable; a hosting repo
// supplies production implementations and swaps them in the wiring code.
// Selection is explicit configuration, never runtime reflection.
package contracts

import (
	"context"

	"github.com/dripline/dripline/engine/pkg/models"
)

// ── Planning ─────────────────────────────────────────────────

// PlanParams bounds what the planner may produce.
type PlanParams struct {
	Budget    float64
	RiskLevel models.RiskLevel
	MinLegs   int
	MaxLegs   int
	// MaxLegPct caps any single leg as a fraction of budget (0,1].
	MaxLegPct float64
}

// Planner turns market context and budget/risk parameters into a concrete
// leg schedule. Implementations must satisfy DCAPlan.Validate on success.
type Planner interface {
	Plan(ctx context.Context, req *models.OrchestrationRequest, market *models.MarketSnapshot, risk *models.RiskAssessment, params PlanParams) (*models.DCAPlan, error)
}

// ── Market Data ──────────────────────────────────────────────

// MarketDataProvider returns a current snapshot for a token pair.
type MarketDataProvider interface {
	Snapshot(ctx context.Context, tokenIn, tokenOut string) (*models.MarketSnapshot, error)
}

// ── Risk Scoring ─────────────────────────────────────────────

// RiskScorer computes a risk score in [0,1] with a tier classification.
type RiskScorer interface {
	Score(ctx context.Context, req *models.OrchestrationRequest, market *models.MarketSnapshot) (*models.RiskAssessment, error)

	// Rescore evaluates ongoing risk for a live execution. A score at or
	// above the extreme tier must yield ShouldContinue=false with the
	// stop action.
	Rescore(ctx context.Context, exec *models.ScheduledExecution, market *models.MarketSnapshot) (*models.RiskMonitorResult, error)
}

// ── Submission ───────────────────────────────────────────────

// Submitter moves funds for one leg under a capped delegation.
// Implementations own the on-chain signing and transaction detail;
// the engine only sees success/failure plus a transaction reference.
type Submitter interface {
	Submit(ctx context.Context, delegationID string, leg models.Leg) (*models.SubmissionResult, error)
}

// ── Archival ─────────────────────────────────────────────────

// ArchiveDriver writes expired artifacts to a durable backend before the
// store purges them. Archive failures are fail-safe: the caller must not
// delete data the driver failed to archive.
type ArchiveDriver interface {
	// Kind returns the backend identifier (e.g. "local", "postgres").
	Kind() string

	// ArchiveArtifacts persists a batch and returns a backend URI.
	ArchiveArtifacts(ctx context.Context, batch []models.Artifact) (string, error)

	// HealthCheck verifies the backend is writable.
	HealthCheck(ctx context.Context) error
}
