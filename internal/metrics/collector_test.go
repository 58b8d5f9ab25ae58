package metrics

import (
	"testing"
	"time"

	"github.com/dripline/dripline/engine/internal/bus"
	"github.com/dripline/dripline/engine/pkg/models"
)

func TestThresholdFiresAlert(t *testing.T) {
	b := bus.New(100, time.Hour)
	var alerts []models.Event
	b.Subscribe([]models.EventType{models.EventAlertTriggered}, func(e models.Event) error {
		alerts = append(alerts, e)
		return nil
	}, bus.SubscribeOptions{})

	c := New(b, 100, 100)
	c.AddThreshold(models.MetricThreshold{
		MetricPath: "agent.riskScore",
		Operator:   models.OpGreaterThan,
		Value:      0.8,
		Severity:   models.SeverityCritical,
	})

	c.Record(models.AgentMetrics{Agent: "risk-agent", RiskScore: 0.92, Success: true})
	c.Record(models.AgentMetrics{Agent: "risk-agent", RiskScore: 0.5, Success: true})

	got := c.ActiveAlerts()
	if len(got) != 1 {
		t.Fatalf("got %d active alerts, want 1", len(got))
	}
	if got[0].CurrentValue != 0.92 {
		t.Errorf("CurrentValue = %f, want 0.92", got[0].CurrentValue)
	}
	if len(alerts) != 1 {
		t.Errorf("got %d alert_triggered events, want 1", len(alerts))
	}
}

func TestEveryViolationIsItsOwnAlert(t *testing.T) {
	c := New(nil, 100, 100)
	c.AddThreshold(models.MetricThreshold{
		MetricPath: "agent.riskScore",
		Operator:   models.OpGreaterThan,
		Value:      0.8,
		Severity:   models.SeverityWarning,
	})

	for i := 0; i < 5; i++ {
		c.Record(models.AgentMetrics{Agent: "risk-agent", RiskScore: 0.9})
	}

	if got := c.ActiveAlerts(); len(got) != 5 {
		t.Errorf("got %d alerts for 5 identical violations, want 5 (no dedup)", len(got))
	}
}

func TestSystemThresholds(t *testing.T) {
	c := New(nil, 100, 100)
	c.AddThreshold(models.MetricThreshold{
		MetricPath: "system.errorRate",
		Operator:   models.OpGreaterThan,
		Value:      0.1,
		Severity:   models.SeverityCritical,
	})

	c.RecordSystem(models.SystemMetrics{ErrorRate: 0.25, ActiveExecutions: 3})
	c.RecordSystem(models.SystemMetrics{ErrorRate: 0.01})

	if got := c.ActiveAlerts(); len(got) != 1 {
		t.Fatalf("got %d alerts, want 1", len(got))
	}
}

func TestMetricHistoryBounded(t *testing.T) {
	c := New(nil, 10, 10)
	for i := 0; i < 50; i++ {
		c.Record(models.AgentMetrics{Agent: "market-agent"})
	}
	if got := len(c.AgentHistory("")); got != 10 {
		t.Errorf("agent history length = %d, want 10", got)
	}
}

func TestAlertHistoryEvictsOldestEvenIfUnacked(t *testing.T) {
	c := New(nil, 100, 3)
	c.AddThreshold(models.MetricThreshold{
		MetricPath: "agent.riskScore",
		Operator:   models.OpGreaterThan,
		Value:      0.5,
		Severity:   models.SeverityWarning,
	})

	for i := 0; i < 10; i++ {
		c.Record(models.AgentMetrics{RiskScore: 0.9})
	}
	if got := len(c.ActiveAlerts()); got != 3 {
		t.Errorf("got %d alerts after eviction, want 3", got)
	}
}

func TestAcknowledge(t *testing.T) {
	c := New(nil, 100, 100)
	c.AddThreshold(models.MetricThreshold{
		MetricPath: "agent.riskScore",
		Operator:   models.OpGreaterThan,
		Value:      0.5,
		Severity:   models.SeverityWarning,
	})
	c.Record(models.AgentMetrics{RiskScore: 0.9})

	active := c.ActiveAlerts()
	if len(active) != 1 {
		t.Fatalf("got %d active alerts, want 1", len(active))
	}
	if !c.Acknowledge(active[0].ID) {
		t.Fatal("Acknowledge() = false, want true")
	}
	if got := c.ActiveAlerts(); len(got) != 0 {
		t.Errorf("got %d active alerts after ack, want 0", len(got))
	}
	if c.Acknowledge("missing") {
		t.Error("Acknowledge(missing) = true, want false")
	}
}

func TestUnknownPathNeverFires(t *testing.T) {
	c := New(nil, 100, 100)
	c.AddThreshold(models.MetricThreshold{
		MetricPath: "agent.doesNotExist",
		Operator:   models.OpGreaterThan,
		Value:      0,
		Severity:   models.SeverityInfo,
	})
	c.Record(models.AgentMetrics{RiskScore: 0.9})

	if got := c.ActiveAlerts(); len(got) != 0 {
		t.Errorf("unknown metric path fired %d alerts, want 0", len(got))
	}
}

func TestRemoveThreshold(t *testing.T) {
	c := New(nil, 100, 100)
	id := c.AddThreshold(models.MetricThreshold{
		MetricPath: "agent.riskScore",
		Operator:   models.OpGreaterThan,
		Value:      0.5,
	})
	if !c.RemoveThreshold(id) {
		t.Fatal("RemoveThreshold() = false, want true")
	}
	c.Record(models.AgentMetrics{RiskScore: 0.9})
	if got := c.ActiveAlerts(); len(got) != 0 {
		t.Errorf("removed threshold still fired %d alerts", len(got))
	}
}
