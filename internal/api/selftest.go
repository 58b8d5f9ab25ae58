package api

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/dripline/dripline/engine/internal/collab"
	"github.com/dripline/dripline/engine/pkg/contracts"
	"github.com/dripline/dripline/engine/pkg/models"
)

// scenario is one self-test case run against the live wiring.
type scenario struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// SelfTest runs the built-in verification scenarios against the running
// engine: fallback plan shape, budget conservation, and the extreme-risk
// stop. It exercises the stub collaborators directly so it is safe to call
// in any environment.
func (h *Handlers) SelfTest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scenarios := []scenario{
		h.testFallbackPlanShape(ctx),
		h.testBudgetConservation(ctx),
		h.testExtremeRiskStop(ctx),
	}

	allPassed := true
	for _, s := range scenarios {
		if !s.Passed {
			allPassed = false
		}
	}
	status := http.StatusOK
	if !allPassed {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]interface{}{
		"success":   allPassed,
		"scenarios": scenarios,
	})
}

// testFallbackPlanShape: budget=100, legs=4, interval=60min must produce
// four legs of 25 spaced exactly one hour apart.
func (h *Handlers) testFallbackPlanShape(ctx context.Context) scenario {
	s := scenario{Name: "fallback_plan_shape"}
	planner := collab.NewStubPlanner()
	plan, err := planner.Plan(ctx, &models.OrchestrationRequest{
		TokenIn: "USDC", TokenOut: "ETH",
		Budget:        100,
		UserRiskLevel: models.RiskModerate,
		SessionID:     "selftest",
		Preferences:   map[string]interface{}{"legs": 4, "intervalMinutes": 60},
	}, nil, nil, contracts.PlanParams{MinLegs: 2, MaxLegs: 30, MaxLegPct: 0.5})
	if err != nil {
		s.Detail = err.Error()
		return s
	}
	if len(plan.Legs) != 4 {
		s.Detail = "wrong leg count"
		return s
	}
	for i, leg := range plan.Legs {
		if leg.Amount != 25.0 {
			s.Detail = "unequal split"
			return s
		}
		if i > 0 && plan.Legs[i].ScheduledTime.Sub(plan.Legs[i-1].ScheduledTime) != time.Hour {
			s.Detail = "uneven interval"
			return s
		}
	}
	s.Passed = true
	return s
}

func (h *Handlers) testBudgetConservation(ctx context.Context) scenario {
	s := scenario{Name: "budget_conservation"}
	planner := collab.NewStubPlanner()
	plan, err := planner.Plan(ctx, &models.OrchestrationRequest{
		TokenIn: "USDC", TokenOut: "ETH",
		Budget:        333.33,
		UserRiskLevel: models.RiskConservative,
		SessionID:     "selftest",
	}, nil, nil, contracts.PlanParams{
		MinLegs:   h.cfg.Sizing.MinLegs,
		MaxLegs:   h.cfg.Sizing.MaxLegs,
		MaxLegPct: h.cfg.Sizing.MaxLegPct,
	})
	if err != nil {
		s.Detail = err.Error()
		return s
	}
	var sum float64
	for _, leg := range plan.Legs {
		sum += leg.Amount
	}
	if math.Abs(sum-333.33) > models.BudgetTolerance {
		s.Detail = "leg amounts drifted from budget"
		return s
	}
	s.Passed = true
	return s
}

// testExtremeRiskStop: a 0.92 volatility snapshot must classify extreme
// and stop the execution.
func (h *Handlers) testExtremeRiskStop(ctx context.Context) scenario {
	s := scenario{Name: "extreme_risk_stop"}
	scorer := collab.NewStubRiskScorer(h.cfg)
	res, err := scorer.Rescore(ctx,
		&models.ScheduledExecution{ID: "selftest", Status: models.ExecutionActive},
		&models.MarketSnapshot{Volatility: 0.92})
	if err != nil {
		s.Detail = err.Error()
		return s
	}
	if res.ShouldContinue || res.Action != models.RiskActionStop {
		s.Detail = "extreme risk did not stop the execution"
		return s
	}
	s.Passed = true
	return s
}
