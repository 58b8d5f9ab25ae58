// Package metrics collects per-agent and system-wide samples, evaluates
// threshold rules against them, and keeps capped alert history. Metric
// values are read through a fixed accessor registry keyed by dotted path,
// never by reflection.
package metrics

import (
	"sync"
	"time"

	"github.com/dripline/dripline/engine/internal/bus"
	"github.com/dripline/dripline/engine/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// agentAccessors maps dotted metric paths to readers over an agent sample.
var agentAccessors = map[string]func(models.AgentMetrics) float64{
	"agent.durationMs":   func(m models.AgentMetrics) float64 { return float64(m.Duration.Milliseconds()) },
	"agent.qualityScore": func(m models.AgentMetrics) float64 { return m.QualityScore },
	"agent.riskScore":    func(m models.AgentMetrics) float64 { return m.RiskScore },
	"agent.failed": func(m models.AgentMetrics) float64 {
		if m.Success {
			return 0
		}
		return 1
	},
}

// systemAccessors maps dotted metric paths to readers over a system sample.
var systemAccessors = map[string]func(models.SystemMetrics) float64{
	"system.activeExecutions": func(m models.SystemMetrics) float64 { return float64(m.ActiveExecutions) },
	"system.pendingLegs":      func(m models.SystemMetrics) float64 { return float64(m.PendingLegs) },
	"system.eventRate":        func(m models.SystemMetrics) float64 { return m.EventRate },
	"system.artifactCount":    func(m models.SystemMetrics) float64 { return float64(m.ArtifactCount) },
	"system.errorRate":        func(m models.SystemMetrics) float64 { return m.ErrorRate },
}

// KnownPaths lists every metric path thresholds may target.
func KnownPaths() []string {
	out := make([]string, 0, len(agentAccessors)+len(systemAccessors))
	for p := range agentAccessors {
		out = append(out, p)
	}
	for p := range systemAccessors {
		out = append(out, p)
	}
	return out
}

// Collector records metric samples and raises alerts on threshold
// violations. Histories are capped; the oldest entries are evicted first,
// acknowledged or not.
type Collector struct {
	bus *bus.Bus

	mu         sync.RWMutex
	agent      []models.AgentMetrics
	system     []models.SystemMetrics
	alerts     []models.Alert
	thresholds map[string]models.MetricThreshold

	metricCap int
	alertCap  int
}

// New creates a collector with the given history caps.
func New(b *bus.Bus, metricCap, alertCap int) *Collector {
	if metricCap <= 0 {
		metricCap = 500
	}
	if alertCap <= 0 {
		alertCap = 200
	}
	return &Collector{
		bus:        b,
		thresholds: make(map[string]models.MetricThreshold),
		metricCap:  metricCap,
		alertCap:   alertCap,
	}
}

// Preload installs threshold rules from configuration.
func (c *Collector) Preload(rules []models.MetricThreshold) {
	for _, r := range rules {
		c.AddThreshold(r)
	}
}

// AddThreshold registers a rule and returns its ID.
func (c *Collector) AddThreshold(t models.MetricThreshold) string {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	c.mu.Lock()
	c.thresholds[t.ID] = t
	c.mu.Unlock()
	log.Debug().Str("path", t.MetricPath).Str("op", string(t.Operator)).Msg("Threshold registered")
	return t.ID
}

// RemoveThreshold drops a rule.
func (c *Collector) RemoveThreshold(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.thresholds[id]; !ok {
		return false
	}
	delete(c.thresholds, id)
	return true
}

// Thresholds returns the registered rules.
func (c *Collector) Thresholds() []models.MetricThreshold {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.MetricThreshold, 0, len(c.thresholds))
	for _, t := range c.thresholds {
		out = append(out, t)
	}
	return out
}

// Record stores an agent sample and evaluates thresholds against it.
// Every violation creates its own alert; nothing is deduplicated.
func (c *Collector) Record(m models.AgentMetrics) {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}

	c.mu.Lock()
	c.agent = append(c.agent, m)
	if len(c.agent) > c.metricCap {
		c.agent = c.agent[len(c.agent)-c.metricCap:]
	}
	var fired []models.Alert
	for _, t := range c.thresholds {
		read, ok := agentAccessors[t.MetricPath]
		if !ok {
			continue
		}
		if v := read(m); t.Compare(v) {
			fired = append(fired, c.raiseLocked(t, v, m.SessionID))
		}
	}
	c.mu.Unlock()

	c.publishAlerts(fired)
}

// RecordSystem stores a system sample and evaluates thresholds against it.
func (c *Collector) RecordSystem(m models.SystemMetrics) {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}

	c.mu.Lock()
	c.system = append(c.system, m)
	if len(c.system) > c.metricCap {
		c.system = c.system[len(c.system)-c.metricCap:]
	}
	var fired []models.Alert
	for _, t := range c.thresholds {
		read, ok := systemAccessors[t.MetricPath]
		if !ok {
			continue
		}
		if v := read(m); t.Compare(v) {
			fired = append(fired, c.raiseLocked(t, v, ""))
		}
	}
	c.mu.Unlock()

	c.publishAlerts(fired)
}

// raiseLocked appends one alert, evicting the oldest past the cap.
func (c *Collector) raiseLocked(t models.MetricThreshold, value float64, sessionID string) models.Alert {
	alert := models.Alert{
		ID:           uuid.New().String(),
		ThresholdID:  t.ID,
		MetricPath:   t.MetricPath,
		CurrentValue: value,
		Severity:     t.Severity,
		TriggeredAt:  time.Now().UTC(),
		SessionID:    sessionID,
	}
	c.alerts = append(c.alerts, alert)
	if len(c.alerts) > c.alertCap {
		c.alerts = c.alerts[len(c.alerts)-c.alertCap:]
	}
	return alert
}

func (c *Collector) publishAlerts(fired []models.Alert) {
	if c.bus == nil {
		return
	}
	for _, a := range fired {
		c.bus.Publish(bus.NewEvent(models.EventAlertTriggered, "metrics", a.SessionID, map[string]interface{}{
			"alertId":      a.ID,
			"metricPath":   a.MetricPath,
			"currentValue": a.CurrentValue,
			"severity":     string(a.Severity),
		}))
	}
}

// ActiveAlerts returns unacknowledged alerts, newest first.
func (c *Collector) ActiveAlerts() []models.Alert {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Alert, 0, len(c.alerts))
	for i := len(c.alerts) - 1; i >= 0; i-- {
		if !c.alerts[i].Acknowledged {
			out = append(out, c.alerts[i])
		}
	}
	return out
}

// Acknowledge marks an alert handled. Acknowledged alerts stay in history
// until evicted by the cap.
func (c *Collector) Acknowledge(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.alerts {
		if c.alerts[i].ID == id {
			c.alerts[i].Acknowledged = true
			return true
		}
	}
	return false
}

// AgentHistory returns the recorded agent samples, oldest first. An empty
// agent name returns everything.
func (c *Collector) AgentHistory(agent string) []models.AgentMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.AgentMetrics, 0, len(c.agent))
	for _, m := range c.agent {
		if agent == "" || m.Agent == agent {
			out = append(out, m)
		}
	}
	return out
}

// SystemHistory returns the recorded system samples, oldest first.
func (c *Collector) SystemHistory() []models.SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.SystemMetrics, len(c.system))
	copy(out, c.system)
	return out
}

// Stats summarizes collector state for the admin surface.
func (c *Collector) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	active := 0
	for _, a := range c.alerts {
		if !a.Acknowledged {
			active++
		}
	}
	return map[string]interface{}{
		"agentSamples":  len(c.agent),
		"systemSamples": len(c.system),
		"thresholds":    len(c.thresholds),
		"alerts":        len(c.alerts),
		"activeAlerts":  active,
	}
}
