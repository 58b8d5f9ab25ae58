// Package orchestrator runs the fixed DCA workflow: market analysis, risk
// assessment, plan generation, validation, and optimization. The first three
// steps are critical and abort the run on failure; the last two degrade
// gracefully into warnings.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dripline/dripline/engine/internal/artifact"
	"github.com/dripline/dripline/engine/internal/bus"
	"github.com/dripline/dripline/engine/internal/config"
	"github.com/dripline/dripline/engine/internal/metrics"
	"github.com/dripline/dripline/engine/pkg/contracts"
	"github.com/dripline/dripline/engine/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const source = "orchestrator"

// Quality and confidence blend weights across the three scoring steps.
const (
	weightMarket     = 0.30
	weightRisk       = 0.40
	weightValidation = 0.30
)

// OrchestrationError reports which step aborted a run.
type OrchestrationError struct {
	Step string
	Err  error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestration failed at %s: %v", e.Step, e.Err)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }

// Result bundles the run output with the artifact the plan was stored
// under, which the scheduler uses to parent execution reports.
type Result struct {
	*models.OrchestrationResult
	PlanArtifactID string
}

// Orchestrator drives workflow runs against the collaborator contracts.
type Orchestrator struct {
	cfg     *config.Config
	bus     *bus.Bus
	store   *artifact.Store
	metrics *metrics.Collector

	planner contracts.Planner
	market  contracts.MarketDataProvider
	risk    contracts.RiskScorer

	tracer trace.Tracer

	mu        sync.RWMutex
	runs      int
	succeeded int
	failed    int
	totalDur  time.Duration
}

// New wires an orchestrator. All dependencies are required.
func New(cfg *config.Config, b *bus.Bus, store *artifact.Store, collector *metrics.Collector,
	planner contracts.Planner, market contracts.MarketDataProvider, risk contracts.RiskScorer) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		bus:     b,
		store:   store,
		metrics: collector,
		planner: planner,
		market:  market,
		risk:    risk,
		tracer:  otel.Tracer("dripline/orchestrator"),
	}
}

// runState accumulates step outputs across one run.
type runState struct {
	orchestrationID string
	sessionID       string
	req             *models.OrchestrationRequest

	market     *models.MarketSnapshot
	risk       *models.RiskAssessment
	plan       *models.DCAPlan
	validation map[string]interface{}

	planArtifactID string
	warnings       []string
}

// stepDef is one node of the fixed workflow. Order in the slice is
// execution order; Dependencies name earlier steps by ID.
type stepDef struct {
	id           string
	name         string
	collaborator string
	dependencies []string
	critical     bool
	run          func(ctx context.Context, st *runState) (map[string]interface{}, error)
}

func (o *Orchestrator) steps() []stepDef {
	return []stepDef{
		{
			id: "market_analysis", name: "Market Analysis", collaborator: "market-agent",
			critical: true,
			run:      o.runMarketAnalysis,
		},
		{
			id: "risk_assessment", name: "Risk Assessment", collaborator: "risk-agent",
			dependencies: []string{"market_analysis"},
			critical:     true,
			run:          o.runRiskAssessment,
		},
		{
			id: "dca_planning", name: "DCA Planning", collaborator: "planner-agent",
			dependencies: []string{"market_analysis", "risk_assessment"},
			critical:     true,
			run:          o.runPlanning,
		},
		{
			id: "validation", name: "Plan Validation", collaborator: "validator",
			dependencies: []string{"dca_planning"},
			run:          o.runValidation,
		},
		{
			id: "optimization", name: "Plan Optimization", collaborator: "optimizer",
			dependencies: []string{"validation"},
			run:          o.runOptimization,
		},
	}
}

// Orchestrate runs the full workflow for one request. On a critical step
// failure it returns an OrchestrationError and no partial result.
func (o *Orchestrator) Orchestrate(ctx context.Context, req *models.OrchestrationRequest) (*Result, error) {
	if req.SessionID == "" {
		req.SessionID = "default"
	}
	if req.Budget <= 0 {
		return nil, &models.PlanValidationError{Field: "budget", Reason: "must be positive"}
	}
	if req.TokenIn == "" || req.TokenOut == "" {
		return nil, &models.PlanValidationError{Field: "tokens", Reason: "tokenIn and tokenOut are required"}
	}
	if req.UserRiskLevel == "" {
		req.UserRiskLevel = models.RiskModerate
	}

	ctx, span := o.tracer.Start(ctx, "Orchestrate",
		trace.WithAttributes(
			attribute.String("session.id", req.SessionID),
			attribute.Float64("request.budget", req.Budget),
			attribute.String("request.risk_level", string(req.UserRiskLevel)),
		))
	defer span.End()

	st := &runState{
		orchestrationID: uuid.New().String(),
		sessionID:       req.SessionID,
		req:             req,
	}
	startedAt := time.Now().UTC()
	defs := o.steps()
	steps := make([]models.WorkflowStep, len(defs))
	for i, d := range defs {
		steps[i] = models.WorkflowStep{
			ID: d.id, Name: d.name, Collaborator: d.collaborator,
			Status: models.StepPending, Dependencies: d.dependencies, Critical: d.critical,
		}
	}

	log.Info().
		Str("orchestration", st.orchestrationID).
		Str("session", st.sessionID).
		Float64("budget", req.Budget).
		Msg("Orchestration started")

	byID := make(map[string]*models.WorkflowStep, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}

	var executionOrder []string
	for i, d := range defs {
		step := &steps[i]

		if unmet := unmetDependency(d.dependencies, byID); unmet != "" {
			step.Status = models.StepSkipped
			st.warnings = append(st.warnings, fmt.Sprintf("%s skipped: dependency %s did not complete", d.id, unmet))
			continue
		}

		o.runStep(ctx, st, d, step)
		if step.Status != models.StepSkipped {
			executionOrder = append(executionOrder, d.collaborator)
		}

		if step.Status == models.StepFailed {
			if d.critical {
				o.recordRun(time.Since(startedAt), false)
				o.bus.Publish(bus.NewEvent(models.EventOrchestrationFailed, source, st.sessionID, map[string]interface{}{
					"orchestrationId": st.orchestrationID,
					"failedStep":      d.id,
					"error":           step.Error,
				}))
				log.Error().
					Str("orchestration", st.orchestrationID).
					Str("step", d.id).
					Str("error", step.Error).
					Msg("Orchestration aborted on critical step")
				return nil, &OrchestrationError{Step: d.id, Err: fmt.Errorf("%s", step.Error)}
			}
			st.warnings = append(st.warnings, fmt.Sprintf("%s failed: %s", d.id, step.Error))
		}
	}

	result := o.compose(st, steps, executionOrder, startedAt)
	o.persistResult(st, result)
	o.recordRun(result.CompletedAt.Sub(startedAt), true)

	o.bus.Publish(bus.NewEvent(models.EventOrchestrationCompleted, source, st.sessionID, map[string]interface{}{
		"orchestrationId": st.orchestrationID,
		"qualityScore":    result.QualityScore,
		"confidenceLevel": result.ConfidenceLevel,
		"legCount":        len(st.plan.Legs),
	}))
	log.Info().
		Str("orchestration", st.orchestrationID).
		Float64("quality", result.QualityScore).
		Int("legs", len(st.plan.Legs)).
		Dur("took", result.CompletedAt.Sub(startedAt)).
		Msg("Orchestration completed")

	return &Result{OrchestrationResult: result, PlanArtifactID: st.planArtifactID}, nil
}

func unmetDependency(deps []string, byID map[string]*models.WorkflowStep) string {
	for _, dep := range deps {
		if s, ok := byID[dep]; !ok || s.Status != models.StepCompleted {
			return dep
		}
	}
	return ""
}

// runStep executes one step, publishing lifecycle events and recording a
// metrics sample.
func (o *Orchestrator) runStep(ctx context.Context, st *runState, d stepDef, step *models.WorkflowStep) {
	ctx, span := o.tracer.Start(ctx, d.id)
	defer span.End()

	start := time.Now().UTC()
	step.Status = models.StepRunning
	step.StartTime = &start

	o.bus.Publish(bus.NewEvent(models.EventStepStarted, source, st.sessionID, map[string]interface{}{
		"orchestrationId": st.orchestrationID,
		"step":            d.id,
		"collaborator":    d.collaborator,
	}))

	result, err := d.run(ctx, st)

	end := time.Now().UTC()
	step.EndTime = &end
	sample := models.AgentMetrics{
		Agent:     d.collaborator,
		SessionID: st.sessionID,
		Duration:  end.Sub(start),
		Success:   err == nil,
	}

	if err != nil {
		step.Status = models.StepFailed
		step.Error = err.Error()
		span.RecordError(err)
		o.metrics.Record(sample)
		o.bus.Publish(bus.NewEvent(models.EventStepFailed, source, st.sessionID, map[string]interface{}{
			"orchestrationId": st.orchestrationID,
			"step":            d.id,
			"error":           err.Error(),
		}))
		return
	}

	step.Status = models.StepCompleted
	step.Result = result
	if q, ok := result["qualityScore"].(float64); ok {
		sample.QualityScore = q
	}
	if st.risk != nil {
		sample.RiskScore = st.risk.Score
	}
	o.metrics.Record(sample)
	o.bus.Publish(bus.NewEvent(models.EventStepCompleted, source, st.sessionID, map[string]interface{}{
		"orchestrationId": st.orchestrationID,
		"step":            d.id,
		"durationMs":      end.Sub(start).Milliseconds(),
	}))
}

// ── Step implementations ─────────────────────────────────────

func (o *Orchestrator) runMarketAnalysis(ctx context.Context, st *runState) (map[string]interface{}, error) {
	snap, err := o.market.Snapshot(ctx, st.req.TokenIn, st.req.TokenOut)
	if err != nil {
		return nil, fmt.Errorf("market snapshot: %w", err)
	}
	st.market = snap

	o.bus.Publish(bus.NewEvent(models.EventMarketSnapshot, "market-agent", st.sessionID, toMap(snap)))

	o.store.Create(artifact.CreateInput{
		Type:      models.ArtifactMarketAnalysis,
		SessionID: st.sessionID,
		Data:      toMap(snap),
		Metadata: models.ArtifactMetadata{
			Source: "market-agent",
			Tags:   []string{"orchestration:" + st.orchestrationID},
		},
	})

	quality := 0.8
	if snap.Volume24h <= 0 {
		quality = 0.4
	}
	return map[string]interface{}{
		"tokenPair":    snap.TokenPair,
		"volatility":   snap.Volatility,
		"trend":        snap.Trend,
		"qualityScore": quality,
		"confidence":   0.8,
	}, nil
}

func (o *Orchestrator) runRiskAssessment(ctx context.Context, st *runState) (map[string]interface{}, error) {
	assessment, err := o.risk.Score(ctx, st.req, st.market)
	if err != nil {
		return nil, fmt.Errorf("risk scoring: %w", err)
	}
	assessment.Score = models.Clamp01(assessment.Score)
	st.risk = assessment

	o.store.Create(artifact.CreateInput{
		Type:      models.ArtifactRiskAssessment,
		SessionID: st.sessionID,
		Data:      toMap(assessment),
		Metadata: models.ArtifactMetadata{
			Source: "risk-agent",
			Tags:   []string{"orchestration:" + st.orchestrationID},
		},
	})

	// Risk quality is inverted: a riskier market means a weaker basis for
	// the plan ahead.
	return map[string]interface{}{
		"score":        assessment.Score,
		"tier":         string(assessment.Tier),
		"qualityScore": models.Clamp01(1 - assessment.Score),
		"confidence":   assessment.Confidence,
	}, nil
}

func (o *Orchestrator) runPlanning(ctx context.Context, st *runState) (map[string]interface{}, error) {
	plan, err := o.planner.Plan(ctx, st.req, st.market, st.risk, contracts.PlanParams{
		Budget:    st.req.Budget,
		RiskLevel: st.req.UserRiskLevel,
		MinLegs:   o.cfg.Sizing.MinLegs,
		MaxLegs:   o.cfg.Sizing.MaxLegs,
		MaxLegPct: o.cfg.Sizing.MaxLegPct,
	})
	if err != nil {
		return nil, fmt.Errorf("planning: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	plan.SessionID = st.sessionID
	st.plan = plan

	id, err := o.store.Create(artifact.CreateInput{
		Type:      models.ArtifactDCAPlan,
		SessionID: st.sessionID,
		Data:      toMap(plan),
		Metadata: models.ArtifactMetadata{
			Source: "planner-agent",
			Tags:   []string{"orchestration:" + st.orchestrationID, "delegation:" + plan.DelegationID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}
	st.planArtifactID = id

	return map[string]interface{}{
		"planId":       plan.ID,
		"delegationId": plan.DelegationID,
		"legCount":     len(plan.Legs),
		"qualityScore": 0.85,
	}, nil
}

// runValidation re-checks the plan invariants and scores how well the plan
// shape fits the assessed risk.
func (o *Orchestrator) runValidation(_ context.Context, st *runState) (map[string]interface{}, error) {
	if err := st.plan.Validate(); err != nil {
		return nil, err
	}
	if st.plan.DelegationID == "" {
		return nil, fmt.Errorf("plan missing delegation id")
	}

	checks := map[string]interface{}{
		"budgetConserved": true,
		"timingMonotonic": true,
		"legCount":        len(st.plan.Legs),
		"withinLegBounds": len(st.plan.Legs) >= o.cfg.Sizing.MinLegs && len(st.plan.Legs) <= o.cfg.Sizing.MaxLegs,
	}

	quality := 0.9
	if st.risk != nil && st.risk.Tier == models.RiskTierHigh && len(st.plan.Legs) < o.cfg.Sizing.MinLegs*2 {
		quality = 0.6
		checks["riskFitNote"] = "few legs for a high-risk market"
	}
	checks["qualityScore"] = quality
	checks["confidence"] = 0.85
	st.validation = checks

	o.store.Create(artifact.CreateInput{
		Type:      models.ArtifactValidation,
		SessionID: st.sessionID,
		Data:      checks,
		Metadata: models.ArtifactMetadata{
			Source:   "validator",
			Tags:     []string{"orchestration:" + st.orchestrationID},
			ParentID: st.planArtifactID,
		},
	})

	return checks, nil
}

// runOptimization nudges the plan based on validation findings. It only
// annotates; the leg schedule itself is already committed.
func (o *Orchestrator) runOptimization(_ context.Context, st *runState) (map[string]interface{}, error) {
	var recommendations []string
	if st.market != nil && st.market.Trend == "down" {
		recommendations = append(recommendations, "market trending down: consider a longer interval between legs")
	}
	if st.risk != nil {
		switch st.risk.Tier {
		case models.RiskTierHigh:
			recommendations = append(recommendations, "high risk: consider reducing the budget or widening the schedule")
		case models.RiskTierLow:
			recommendations = append(recommendations, "low risk: fewer, larger legs would reduce fees")
		}
	}
	return map[string]interface{}{
		"recommendations": recommendations,
		"qualityScore":    0.8,
	}, nil
}

// ── Result composition ───────────────────────────────────────

func (o *Orchestrator) compose(st *runState, steps []models.WorkflowStep, executionOrder []string, startedAt time.Time) *models.OrchestrationResult {
	result := &models.OrchestrationResult{
		OrchestrationID:     st.orchestrationID,
		SessionID:           st.sessionID,
		MarketAnalysis:      st.market,
		RiskAssessment:      st.risk,
		DCAPlan:             st.plan,
		ValidationResults:   st.validation,
		Warnings:            st.warnings,
		AgentExecutionOrder: executionOrder,
		Steps:               steps,
		StartedAt:           startedAt,
		CompletedAt:         time.Now().UTC(),
	}

	marketQ, riskQ, validationQ := 0.0, 0.0, 0.0
	marketC, riskC, validationC := 0.0, 0.0, 0.0
	for _, s := range steps {
		if s.Status != models.StepCompleted || s.Result == nil {
			continue
		}
		q, _ := s.Result["qualityScore"].(float64)
		c, _ := s.Result["confidence"].(float64)
		switch s.ID {
		case "market_analysis":
			marketQ, marketC = q, c
		case "risk_assessment":
			riskQ, riskC = q, c
		case "validation":
			validationQ, validationC = q, c
		}
	}
	result.QualityScore = models.Clamp01(weightMarket*marketQ + weightRisk*riskQ + weightValidation*validationQ)
	result.ConfidenceLevel = models.Clamp01(weightMarket*marketC + weightRisk*riskC + weightValidation*validationC)

	for _, s := range steps {
		if s.ID == "optimization" && s.Status == models.StepCompleted {
			if recs, ok := s.Result["recommendations"].([]string); ok {
				result.Recommendations = recs
			}
		}
	}
	if st.risk != nil && st.risk.Tier == models.RiskTierExtreme {
		result.Warnings = append(result.Warnings, "extreme market risk: execution will be stopped by the risk monitor")
	}
	return result
}

func (o *Orchestrator) persistResult(st *runState, result *models.OrchestrationResult) {
	o.store.Create(artifact.CreateInput{
		Type:      models.ArtifactOrchestration,
		SessionID: st.sessionID,
		Data:      toMap(result),
		Metadata: models.ArtifactMetadata{
			Source: source,
			Tags:   []string{"orchestration:" + st.orchestrationID},
		},
	})
}

// ── Ongoing risk ─────────────────────────────────────────────

// MonitorOngoingRisk rescoring a live execution against a fresh market
// snapshot. The scheduler calls this before executing due legs.
func (o *Orchestrator) MonitorOngoingRisk(ctx context.Context, exec *models.ScheduledExecution, tokenIn, tokenOut string) (*models.RiskMonitorResult, error) {
	snap, err := o.market.Snapshot(ctx, tokenIn, tokenOut)
	if err != nil {
		return nil, fmt.Errorf("market snapshot: %w", err)
	}
	res, err := o.risk.Rescore(ctx, exec, snap)
	if err != nil {
		return nil, fmt.Errorf("rescore: %w", err)
	}
	if !res.ShouldContinue {
		o.bus.Publish(bus.NewEvent(models.EventAgentWarning, source, exec.SessionID, map[string]interface{}{
			"executionId": exec.ID,
			"action":      string(res.Action),
			"riskScore":   res.Score,
			"reason":      res.Reason,
		}))
	}
	return res, nil
}

// Stats reports run counters for the admin surface.
func (o *Orchestrator) Stats() map[string]interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()
	avg := time.Duration(0)
	if o.runs > 0 {
		avg = o.totalDur / time.Duration(o.runs)
	}
	return map[string]interface{}{
		"totalRuns":     o.runs,
		"succeeded":     o.succeeded,
		"failed":        o.failed,
		"avgDurationMs": avg.Milliseconds(),
	}
}

func (o *Orchestrator) recordRun(took time.Duration, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs++
	o.totalDur += took
	if ok {
		o.succeeded++
	} else {
		o.failed++
	}
}

// toMap round-trips a struct through JSON into the artifact data shape.
func toMap(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}
