package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dripline/dripline/engine/internal/artifact"
	"github.com/dripline/dripline/engine/internal/bus"
	"github.com/dripline/dripline/engine/internal/collab"
	"github.com/dripline/dripline/engine/internal/config"
	"github.com/dripline/dripline/engine/internal/metrics"
	"github.com/dripline/dripline/engine/pkg/contracts"
	"github.com/dripline/dripline/engine/pkg/models"
)

func testConfig() *config.Config {
	return &config.Config{
		Sizing: config.SizingConfig{MinLegs: 2, MaxLegs: 30, MaxLegPct: 0.5},
		Risk:   config.RiskConfig{Moderate: 0.4, High: 0.7, Extreme: 0.9},
	}
}

type deps struct {
	cfg       *config.Config
	bus       *bus.Bus
	store     *artifact.Store
	collector *metrics.Collector
}

func newDeps() deps {
	b := bus.New(1000, time.Hour)
	return deps{
		cfg:       testConfig(),
		bus:       b,
		store:     artifact.NewStore(0),
		collector: metrics.New(b, 100, 100),
	}
}

func newOrchestrator(d deps, planner contracts.Planner, market contracts.MarketDataProvider, risk contracts.RiskScorer) *Orchestrator {
	if planner == nil {
		planner = collab.NewStubPlanner()
	}
	if market == nil {
		market = collab.StubMarketData{}
	}
	if risk == nil {
		risk = collab.NewStubRiskScorer(d.cfg)
	}
	return New(d.cfg, d.bus, d.store, d.collector, planner, market, risk)
}

func request() *models.OrchestrationRequest {
	return &models.OrchestrationRequest{
		TokenIn: "USDC", TokenOut: "ETH",
		Budget:        100,
		UserRiskLevel: models.RiskModerate,
		SessionID:     "s1",
	}
}

func TestOrchestrateHappyPath(t *testing.T) {
	d := newDeps()
	o := newOrchestrator(d, nil, nil, nil)

	res, err := o.Orchestrate(context.Background(), request())
	if err != nil {
		t.Fatalf("Orchestrate() error = %v", err)
	}

	if res.DCAPlan == nil || len(res.DCAPlan.Legs) == 0 {
		t.Fatal("result has no plan")
	}
	if res.QualityScore < 0 || res.QualityScore > 1 {
		t.Errorf("QualityScore = %f, want [0,1]", res.QualityScore)
	}
	if res.ConfidenceLevel < 0 || res.ConfidenceLevel > 1 {
		t.Errorf("ConfidenceLevel = %f, want [0,1]", res.ConfidenceLevel)
	}
	if len(res.Steps) != 5 {
		t.Fatalf("got %d steps, want 5", len(res.Steps))
	}
	for _, s := range res.Steps {
		if s.Status != models.StepCompleted {
			t.Errorf("step %s status = %s, want completed", s.ID, s.Status)
		}
	}
	if len(res.AgentExecutionOrder) != 5 {
		t.Errorf("execution order has %d entries, want 5", len(res.AgentExecutionOrder))
	}
	if res.PlanArtifactID == "" {
		t.Error("PlanArtifactID is empty")
	}
}

func TestOrchestrateStepOrderRespectsDependencies(t *testing.T) {
	d := newDeps()
	o := newOrchestrator(d, nil, nil, nil)

	res, err := o.Orchestrate(context.Background(), request())
	if err != nil {
		t.Fatalf("Orchestrate() error = %v", err)
	}

	pos := map[string]int{}
	for i, name := range res.AgentExecutionOrder {
		pos[name] = i
	}
	if pos["risk-agent"] < pos["market-agent"] {
		t.Error("risk ran before market")
	}
	if pos["planner-agent"] < pos["risk-agent"] {
		t.Error("planner ran before risk")
	}
	if pos["validator"] < pos["planner-agent"] {
		t.Error("validator ran before planner")
	}
}

func TestOrchestratePersistsArtifacts(t *testing.T) {
	d := newDeps()
	o := newOrchestrator(d, nil, nil, nil)

	res, err := o.Orchestrate(context.Background(), request())
	if err != nil {
		t.Fatalf("Orchestrate() error = %v", err)
	}

	for _, typ := range []models.ArtifactType{
		models.ArtifactMarketAnalysis,
		models.ArtifactRiskAssessment,
		models.ArtifactDCAPlan,
		models.ArtifactValidation,
		models.ArtifactOrchestration,
	} {
		got := d.store.Query(models.ArtifactQuery{SessionID: "s1", Type: typ})
		if len(got) != 1 {
			t.Errorf("got %d artifacts of type %s, want 1", len(got), typ)
		}
	}

	plan := d.store.Get(res.PlanArtifactID)
	if plan == nil || plan.Type != models.ArtifactDCAPlan {
		t.Error("PlanArtifactID does not resolve to a plan artifact")
	}
}

type failingMarket struct{}

func (failingMarket) Snapshot(context.Context, string, string) (*models.MarketSnapshot, error) {
	return nil, errors.New("feed unavailable")
}

func TestCriticalStepFailureAborts(t *testing.T) {
	d := newDeps()
	var failures []models.Event
	d.bus.Subscribe([]models.EventType{models.EventOrchestrationFailed}, func(e models.Event) error {
		failures = append(failures, e)
		return nil
	}, bus.SubscribeOptions{})

	o := newOrchestrator(d, nil, failingMarket{}, nil)

	res, err := o.Orchestrate(context.Background(), request())
	if res != nil {
		t.Error("got a partial result from an aborted run, want nil")
	}
	var oerr *OrchestrationError
	if !errors.As(err, &oerr) {
		t.Fatalf("error = %v, want OrchestrationError", err)
	}
	if oerr.Step != "market_analysis" {
		t.Errorf("failed step = %s, want market_analysis", oerr.Step)
	}
	if len(failures) != 1 {
		t.Errorf("got %d orchestration_failed events, want 1", len(failures))
	}
	if got := d.store.Query(models.ArtifactQuery{SessionID: "s1", Type: models.ArtifactOrchestration}); len(got) != 0 {
		t.Error("aborted run persisted an orchestration result artifact")
	}
}

// undelegatedPlanner returns structurally valid plans that cannot be
// scheduled, which fails the validation step.
type undelegatedPlanner struct{}

func (undelegatedPlanner) Plan(_ context.Context, req *models.OrchestrationRequest, _ *models.MarketSnapshot, _ *models.RiskAssessment, _ contracts.PlanParams) (*models.DCAPlan, error) {
	now := time.Now().UTC()
	return &models.DCAPlan{
		ID:        "p1",
		SessionID: req.SessionID,
		TokenIn:   req.TokenIn, TokenOut: req.TokenOut,
		Budget: req.Budget,
		Legs: []models.Leg{
			{Index: 0, Amount: req.Budget / 2, ScheduledTime: now, Status: models.LegPending},
			{Index: 1, Amount: req.Budget / 2, ScheduledTime: now.Add(time.Hour), Status: models.LegPending},
		},
		CreatedAt: now,
	}, nil
}

func TestNonCriticalFailureDegrades(t *testing.T) {
	d := newDeps()
	o := newOrchestrator(d, undelegatedPlanner{}, nil, nil)

	res, err := o.Orchestrate(context.Background(), request())
	if err != nil {
		t.Fatalf("Orchestrate() error = %v, want degraded success", err)
	}

	statuses := map[string]models.StepStatus{}
	for _, s := range res.Steps {
		statuses[s.ID] = s.Status
	}
	if statuses["validation"] != models.StepFailed {
		t.Errorf("validation status = %s, want failed", statuses["validation"])
	}
	if statuses["optimization"] != models.StepSkipped {
		t.Errorf("optimization status = %s, want skipped (dependency failed)", statuses["optimization"])
	}
	if len(res.Warnings) == 0 {
		t.Error("degraded run carries no warnings")
	}
	if res.DCAPlan == nil {
		t.Error("degraded run lost the plan")
	}
}

func TestOrchestrateRejectsInvalidRequest(t *testing.T) {
	d := newDeps()
	o := newOrchestrator(d, nil, nil, nil)

	var verr *models.PlanValidationError
	if _, err := o.Orchestrate(context.Background(), &models.OrchestrationRequest{TokenIn: "USDC", TokenOut: "ETH"}); !errors.As(err, &verr) {
		t.Errorf("zero budget: error = %v, want PlanValidationError", err)
	}
	if _, err := o.Orchestrate(context.Background(), &models.OrchestrationRequest{Budget: 100}); !errors.As(err, &verr) {
		t.Errorf("missing tokens: error = %v, want PlanValidationError", err)
	}
}

func TestOrchestrateRecordsMetrics(t *testing.T) {
	d := newDeps()
	o := newOrchestrator(d, nil, nil, nil)

	if _, err := o.Orchestrate(context.Background(), request()); err != nil {
		t.Fatalf("Orchestrate() error = %v", err)
	}

	if got := len(d.collector.AgentHistory("")); got != 5 {
		t.Errorf("got %d metric samples, want 5 (one per step)", got)
	}
	if got := len(d.collector.AgentHistory("risk-agent")); got != 1 {
		t.Errorf("got %d risk-agent samples, want 1", got)
	}
}

func TestMonitorOngoingRiskWarnsOnStop(t *testing.T) {
	d := newDeps()
	var warnings []models.Event
	d.bus.Subscribe([]models.EventType{models.EventAgentWarning}, func(e models.Event) error {
		warnings = append(warnings, e)
		return nil
	}, bus.SubscribeOptions{})

	o := newOrchestrator(d, nil, volatileMarket{volatility: 0.95}, nil)
	exec := &models.ScheduledExecution{ID: "d1", SessionID: "s1", Status: models.ExecutionActive}

	res, err := o.MonitorOngoingRisk(context.Background(), exec, "USDC", "ETH")
	if err != nil {
		t.Fatalf("MonitorOngoingRisk() error = %v", err)
	}
	if res.ShouldContinue {
		t.Error("ShouldContinue = true at extreme volatility, want false")
	}
	if res.Action != models.RiskActionStop {
		t.Errorf("Action = %s, want stop", res.Action)
	}
	if len(warnings) != 1 {
		t.Errorf("got %d agent_warning events, want 1", len(warnings))
	}
}

type volatileMarket struct{ volatility float64 }

func (m volatileMarket) Snapshot(_ context.Context, tokenIn, tokenOut string) (*models.MarketSnapshot, error) {
	return &models.MarketSnapshot{
		TokenPair:  tokenIn + "/" + tokenOut,
		Price:      100,
		Volatility: m.volatility,
		Trend:      "down",
		ObservedAt: time.Now().UTC(),
	}, nil
}

func TestStats(t *testing.T) {
	d := newDeps()
	o := newOrchestrator(d, nil, nil, nil)

	if _, err := o.Orchestrate(context.Background(), request()); err != nil {
		t.Fatalf("Orchestrate() error = %v", err)
	}

	stats := o.Stats()
	if stats["totalRuns"] != 1 || stats["succeeded"] != 1 {
		t.Errorf("stats = %v, want 1 run, 1 succeeded", stats)
	}
}
