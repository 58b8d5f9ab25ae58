// Package collab ships the built-in stub implementations of the external
// collaborator contracts: planner, market data, risk scorer, and submitter.
// They are deterministic and side-effect free so the engine runs end to end
// with zero external services; production implementations are swapped in at
// the wiring layer.
package collab

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/dripline/dripline/engine/internal/config"
	"github.com/dripline/dripline/engine/pkg/contracts"
	"github.com/dripline/dripline/engine/pkg/models"
	"github.com/google/uuid"
)

// ── Planner ──────────────────────────────────────────────────

// StubPlanner produces an equal-split fallback plan: budget/n per leg,
// legs spaced a fixed interval apart starting now.
type StubPlanner struct {
	// DefaultInterval separates consecutive legs when the request does
	// not specify one.
	DefaultInterval time.Duration
}

var _ contracts.Planner = (*StubPlanner)(nil)

// NewStubPlanner returns a planner with a 60 minute default leg interval.
func NewStubPlanner() *StubPlanner {
	return &StubPlanner{DefaultInterval: time.Hour}
}

func (p *StubPlanner) Plan(_ context.Context, req *models.OrchestrationRequest, _ *models.MarketSnapshot, risk *models.RiskAssessment, params contracts.PlanParams) (*models.DCAPlan, error) {
	if req.Budget <= 0 {
		return nil, &models.PlanValidationError{Field: "budget", Reason: "must be positive"}
	}

	legs := legCount(req, risk, params)
	interval := p.DefaultInterval
	if req.Preferences != nil {
		if m, ok := numPref(req.Preferences, "intervalMinutes"); ok && m > 0 {
			interval = time.Duration(m * float64(time.Minute))
		}
	}

	amount := req.Budget / float64(legs)
	start := time.Now().UTC()
	plan := &models.DCAPlan{
		ID:           uuid.New().String(),
		DelegationID: "delegation-" + uuid.New().String(),
		SessionID:    req.SessionID,
		TokenIn:      req.TokenIn,
		TokenOut:     req.TokenOut,
		Budget:       req.Budget,
		Source:       "fallback_planner",
		CreatedAt:    start,
	}
	for i := 0; i < legs; i++ {
		plan.Legs = append(plan.Legs, models.Leg{
			Index:         i,
			Amount:        amount,
			ScheduledTime: start.Add(time.Duration(i) * interval),
			Status:        models.LegPending,
		})
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// legCount picks the leg count: an explicit preference wins, otherwise the
// risk tier decides, then sizing bounds and the single-leg cap apply.
func legCount(req *models.OrchestrationRequest, risk *models.RiskAssessment, params contracts.PlanParams) int {
	n := 0
	if req.Preferences != nil {
		if v, ok := numPref(req.Preferences, "legs"); ok {
			n = int(v)
		}
	}
	if n <= 0 {
		switch req.UserRiskLevel {
		case models.RiskConservative:
			n = 12
		case models.RiskAggressive:
			n = 4
		default:
			n = 8
		}
		// Riskier markets spread the budget thinner.
		if risk != nil && risk.Tier == models.RiskTierHigh {
			n += 4
		}
	}

	if params.MinLegs > 0 && n < params.MinLegs {
		n = params.MinLegs
	}
	if params.MaxLegs > 0 && n > params.MaxLegs {
		n = params.MaxLegs
	}
	// No single leg may exceed MaxLegPct of the budget.
	if params.MaxLegPct > 0 {
		if floor := int(math.Ceil(1 / params.MaxLegPct)); n < floor {
			n = floor
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

func numPref(prefs map[string]interface{}, key string) (float64, bool) {
	switch v := prefs[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// ── Market Data ──────────────────────────────────────────────

// StubMarketData returns a deterministic snapshot derived from the token
// pair, so repeated runs are reproducible without a live feed.
type StubMarketData struct{}

var _ contracts.MarketDataProvider = (*StubMarketData)(nil)

func (StubMarketData) Snapshot(_ context.Context, tokenIn, tokenOut string) (*models.MarketSnapshot, error) {
	pair := tokenIn + "/" + tokenOut
	h := fnv.New64a()
	h.Write([]byte(pair))
	seed := h.Sum64()

	// Map the hash into plausible ranges.
	price := 0.5 + float64(seed%100_000)/100.0
	volume := 1_000_000 + float64((seed>>16)%9_000_000)
	volatility := float64((seed>>32)%1000) / 1000.0

	trend := "sideways"
	switch (seed >> 48) % 3 {
	case 0:
		trend = "up"
	case 1:
		trend = "down"
	}

	return &models.MarketSnapshot{
		TokenPair:  pair,
		Price:      price,
		Volume24h:  volume,
		Volatility: volatility,
		Trend:      trend,
		ObservedAt: time.Now().UTC(),
	}, nil
}

// ── Risk Scoring ─────────────────────────────────────────────

// StubRiskScorer blends market volatility with the user's declared appetite
// into a score in [0,1], classified against the configured tier boundaries.
type StubRiskScorer struct {
	cfg *config.Config
}

var _ contracts.RiskScorer = (*StubRiskScorer)(nil)

func NewStubRiskScorer(cfg *config.Config) *StubRiskScorer {
	return &StubRiskScorer{cfg: cfg}
}

func (r *StubRiskScorer) Score(_ context.Context, req *models.OrchestrationRequest, market *models.MarketSnapshot) (*models.RiskAssessment, error) {
	volatility := 0.5
	var factors []string
	if market != nil {
		volatility = market.Volatility
		if market.Trend == "down" {
			factors = append(factors, "downtrend")
		}
	}

	appetite := 0.5
	switch req.UserRiskLevel {
	case models.RiskConservative:
		appetite = 0.2
	case models.RiskAggressive:
		appetite = 0.8
	}

	score := models.Clamp01(0.6*volatility + 0.4*appetite)
	if volatility > 0.7 {
		factors = append(factors, "high_volatility")
	}

	return &models.RiskAssessment{
		Score:      score,
		Tier:       r.cfg.ClassifyRisk(score),
		Factors:    factors,
		Confidence: 0.75,
	}, nil
}

// Rescore checks a live execution against current market risk. Extreme
// risk stops the execution; high risk pauses it; anything else continues.
func (r *StubRiskScorer) Rescore(_ context.Context, exec *models.ScheduledExecution, market *models.MarketSnapshot) (*models.RiskMonitorResult, error) {
	volatility := 0.5
	if market != nil {
		volatility = market.Volatility
	}
	score := models.Clamp01(volatility)
	tier := r.cfg.ClassifyRisk(score)

	switch tier {
	case models.RiskTierExtreme:
		return &models.RiskMonitorResult{
			ShouldContinue: false,
			Action:         models.RiskActionStop,
			Score:          score,
			Reason:         fmt.Sprintf("risk score %.2f classified %s", score, tier),
		}, nil
	case models.RiskTierHigh:
		return &models.RiskMonitorResult{
			ShouldContinue: false,
			Action:         models.RiskActionPause,
			Score:          score,
			Reason:         fmt.Sprintf("risk score %.2f classified %s", score, tier),
		}, nil
	default:
		return &models.RiskMonitorResult{
			ShouldContinue: true,
			Action:         models.RiskActionContinue,
			Score:          score,
		}, nil
	}
}

// ── Submission ───────────────────────────────────────────────

// StubSubmitter is a dry-run submitter producing synthetic transaction
// references. FailOn lets tests inject failures per leg.
type StubSubmitter struct {
	// FailOn, when set, is consulted before every submission.
	FailOn func(delegationID string, leg models.Leg) error
	// Latency simulates submission time.
	Latency time.Duration
}

var _ contracts.Submitter = (*StubSubmitter)(nil)

func (s *StubSubmitter) Submit(ctx context.Context, delegationID string, leg models.Leg) (*models.SubmissionResult, error) {
	if s.FailOn != nil {
		if err := s.FailOn(delegationID, leg); err != nil {
			return nil, err
		}
	}
	if s.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.Latency):
		}
	}
	return &models.SubmissionResult{
		TxRef:       fmt.Sprintf("dryrun-%s-%d", uuid.New().String()[:8], leg.Index),
		SubmittedAt: time.Now().UTC(),
	}, nil
}
