// Package scheduler executes DCA plans leg by leg. Each leg runs at most
// once: a leg is only picked while pending, and a failed submission fails
// the whole execution rather than retrying the trade.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dripline/dripline/engine/internal/artifact"
	"github.com/dripline/dripline/engine/internal/bus"
	"github.com/dripline/dripline/engine/internal/config"
	"github.com/dripline/dripline/engine/pkg/contracts"
	"github.com/dripline/dripline/engine/pkg/models"
	"github.com/rs/zerolog/log"
)

const source = "scheduler"

// RiskMonitor re-checks ongoing market risk before due legs execute.
type RiskMonitor interface {
	MonitorOngoingRisk(ctx context.Context, exec *models.ScheduledExecution, tokenIn, tokenOut string) (*models.RiskMonitorResult, error)
}

// TickResult summarizes one scheduler pass.
type TickResult struct {
	ExecutedLegs     int `json:"executedLegs"`
	ActiveExecutions int `json:"activeExecutions"`
}

// execState is the scheduler's private view of one execution.
type execState struct {
	exec           *models.ScheduledExecution
	tokenIn        string
	tokenOut       string
	planArtifactID string
	reported       bool
}

// Scheduler drives scheduled executions on a fixed tick.
type Scheduler struct {
	cfg       *config.Config
	bus       *bus.Bus
	store     *artifact.Store
	submitter contracts.Submitter
	monitor   RiskMonitor // optional

	mu         sync.Mutex
	executions map[string]*execState

	ticks        uint64
	legsExecuted uint64
}

// New wires a scheduler. The risk monitor is attached separately because
// it is provided by the orchestrator, which is constructed independently.
func New(cfg *config.Config, b *bus.Bus, store *artifact.Store, submitter contracts.Submitter) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		bus:        b,
		store:      store,
		submitter:  submitter,
		executions: make(map[string]*execState),
	}
}

// SetRiskMonitor attaches the ongoing-risk check.
func (s *Scheduler) SetRiskMonitor(m RiskMonitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitor = m
}

// Schedule registers a plan for execution. The delegation ID is the
// idempotency key: scheduling the same plan twice returns the existing
// execution untouched.
func (s *Scheduler) Schedule(plan *models.DCAPlan, planArtifactID string) (*models.ScheduledExecution, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if plan.DelegationID == "" {
		return nil, &models.PlanValidationError{Field: "delegationId", Reason: "required for scheduling"}
	}

	s.mu.Lock()
	if st, ok := s.executions[plan.DelegationID]; ok {
		existing := snapshot(st.exec)
		s.mu.Unlock()
		log.Debug().Str("delegation", plan.DelegationID).Msg("Plan already scheduled")
		return existing, nil
	}

	legs := make([]models.Leg, len(plan.Legs))
	copy(legs, plan.Legs)
	for i := range legs {
		// External planners may leave the status unset; an unset leg is
		// a pending leg.
		if legs[i].Status == "" {
			legs[i].Status = models.LegPending
		}
	}
	exec := &models.ScheduledExecution{
		ID:             plan.DelegationID,
		SessionID:      plan.SessionID,
		Legs:           legs,
		Status:         models.ExecutionActive,
		CreatedAt:      time.Now().UTC(),
		TotalLegCount:  len(legs),
		PlanArtifactID: planArtifactID,
	}
	recomputeNextDue(exec)
	s.executions[exec.ID] = &execState{
		exec:           exec,
		tokenIn:        plan.TokenIn,
		tokenOut:       plan.TokenOut,
		planArtifactID: planArtifactID,
	}
	out := snapshot(exec)
	s.mu.Unlock()

	s.bus.Publish(bus.NewEvent(models.EventExecutionScheduled, source, exec.SessionID, map[string]interface{}{
		"executionId": exec.ID,
		"legCount":    len(legs),
		"budgetTotal": plan.Budget,
	}))
	log.Info().
		Str("execution", exec.ID).
		Int("legs", len(legs)).
		Msg("Execution scheduled")
	return out, nil
}

// Start runs the tick loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	interval := s.cfg.Scheduler.TickInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	log.Info().Dur("interval", interval).Msg("Scheduler started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick executes every due leg across active executions, oldest execution
// first. Exported so tests and the self-test surface can force a pass.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	now := time.Now().UTC()

	s.mu.Lock()
	s.ticks++
	var due []*execState
	for _, st := range s.executions {
		if st.exec.Status == models.ExecutionActive && hasDueLeg(st.exec, now) {
			due = append(due, st)
		}
	}
	s.mu.Unlock()

	result := TickResult{}
	for _, st := range due {
		result.ExecutedLegs += s.runDueLegs(ctx, st, now)
	}

	s.mu.Lock()
	for _, st := range s.executions {
		if st.exec.Status == models.ExecutionActive {
			result.ActiveExecutions++
		}
	}
	s.mu.Unlock()
	return result
}

func hasDueLeg(exec *models.ScheduledExecution, now time.Time) bool {
	for _, leg := range exec.Legs {
		if leg.Status == models.LegPending && !leg.ScheduledTime.After(now) {
			return true
		}
	}
	return false
}

// runDueLegs executes one execution's due legs in index order, stopping on
// the first failure or risk veto.
func (s *Scheduler) runDueLegs(ctx context.Context, st *execState, now time.Time) int {
	if s.checkRisk(ctx, st) {
		s.finalize(st)
		return 0
	}

	executed := 0
	for {
		leg, ok := s.claimNextDue(st, now)
		if !ok {
			break
		}
		if s.executeLeg(ctx, st, leg) {
			executed++
		} else {
			break
		}
	}
	s.finalize(st)
	return executed
}

// checkRisk consults the risk monitor, pausing or cancelling the execution
// as directed. Returns true when the execution must not proceed.
func (s *Scheduler) checkRisk(ctx context.Context, st *execState) bool {
	s.mu.Lock()
	monitor := s.monitor
	exec := snapshot(st.exec)
	s.mu.Unlock()
	if monitor == nil {
		return false
	}

	res, err := monitor.MonitorOngoingRisk(ctx, exec, st.tokenIn, st.tokenOut)
	if err != nil {
		// A broken monitor never blocks trading that was already approved.
		log.Warn().Err(err).Str("execution", exec.ID).Msg("Risk monitor unavailable, continuing")
		return false
	}
	if res.ShouldContinue {
		return false
	}

	switch res.Action {
	case models.RiskActionStop:
		s.mu.Lock()
		st.exec.Status = models.ExecutionCancelled
		st.exec.Error = res.Reason
		s.mu.Unlock()
		s.bus.Publish(bus.NewEvent(models.EventExecutionCancelled, source, exec.SessionID, map[string]interface{}{
			"executionId": exec.ID,
			"reason":      res.Reason,
			"riskScore":   res.Score,
		}))
		log.Warn().Str("execution", exec.ID).Float64("risk", res.Score).Msg("Execution stopped by risk monitor")
	default:
		s.mu.Lock()
		st.exec.Status = models.ExecutionPaused
		s.mu.Unlock()
		s.bus.Publish(bus.NewEvent(models.EventExecutionPaused, source, exec.SessionID, map[string]interface{}{
			"executionId": exec.ID,
			"reason":      res.Reason,
			"riskScore":   res.Score,
		}))
		log.Warn().Str("execution", exec.ID).Float64("risk", res.Score).Msg("Execution paused by risk monitor")
	}
	return true
}

// claimNextDue marks the earliest due pending leg as executing. Claiming
// under the lock is what makes leg execution at-most-once.
func (s *Scheduler) claimNextDue(st *execState, now time.Time) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.exec.Status != models.ExecutionActive {
		return 0, false
	}
	for i := range st.exec.Legs {
		leg := &st.exec.Legs[i]
		if leg.Status == models.LegPending && !leg.ScheduledTime.After(now) {
			leg.Status = models.LegExecuting
			return i, true
		}
	}
	return 0, false
}

// executeLeg submits one claimed leg. Returns false when the submission
// failed and the execution should stop.
func (s *Scheduler) executeLeg(ctx context.Context, st *execState, idx int) bool {
	s.mu.Lock()
	exec := st.exec
	leg := exec.Legs[idx]
	delegationID := exec.ID
	sessionID := exec.SessionID
	s.mu.Unlock()

	timeout := s.cfg.Scheduler.SubmitTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	subCtx, cancel := context.WithTimeout(ctx, timeout)
	res, err := s.submitter.Submit(subCtx, delegationID, leg)
	cancel()

	s.mu.Lock()
	if err != nil {
		exec.Legs[idx].Status = models.LegFailed
		exec.Legs[idx].Error = err.Error()
		exec.Status = models.ExecutionFailed
		exec.Error = fmt.Sprintf("leg %d: %v", idx, err)
		s.mu.Unlock()

		s.bus.Publish(bus.NewEvent(models.EventExecutionFailed, source, sessionID, map[string]interface{}{
			"executionId": delegationID,
			"legIndex":    idx,
			"error":       err.Error(),
		}))
		log.Error().Err(err).Str("execution", delegationID).Int("leg", idx).Msg("Leg submission failed")
		return false
	}

	exec.Legs[idx].Status = models.LegCompleted
	exec.Legs[idx].TxRef = res.TxRef
	exec.CompletedLegCount++
	s.legsExecuted++
	s.mu.Unlock()

	s.bus.Publish(bus.NewEvent(models.EventLegExecuted, source, sessionID, map[string]interface{}{
		"executionId": delegationID,
		"legIndex":    idx,
		"amount":      leg.Amount,
		"txRef":       res.TxRef,
	}))
	log.Info().
		Str("execution", delegationID).
		Int("leg", idx).
		Float64("amount", leg.Amount).
		Str("tx", res.TxRef).
		Msg("Leg executed")
	return true
}

// finalize settles terminal state after a run of due legs: completion when
// every leg is done, the next due time otherwise, and a report artifact for
// terminal executions.
func (s *Scheduler) finalize(st *execState) {
	s.mu.Lock()
	exec := st.exec
	if exec.Status == models.ExecutionActive && exec.CompletedLegCount == exec.TotalLegCount {
		exec.Status = models.ExecutionCompleted
	}
	recomputeNextDue(exec)
	terminal := exec.Status == models.ExecutionCompleted || exec.Status == models.ExecutionFailed || exec.Status == models.ExecutionCancelled
	needReport := terminal && !st.reported
	if needReport {
		st.reported = true
	}
	out := snapshot(exec)
	s.mu.Unlock()

	if out.Status == models.ExecutionCompleted && needReport {
		s.bus.Publish(bus.NewEvent(models.EventExecutionCompleted, source, out.SessionID, map[string]interface{}{
			"executionId":   out.ID,
			"completedLegs": out.CompletedLegCount,
		}))
		log.Info().Str("execution", out.ID).Msg("Execution completed")
	}
	if needReport {
		s.writeReport(st, out)
	}
}

// writeReport persists the execution outcome, parented to the plan artifact
// when it is still in the store.
func (s *Scheduler) writeReport(st *execState, exec *models.ScheduledExecution) {
	meta := models.ArtifactMetadata{
		Source: source,
		Tags:   []string{"execution:" + exec.ID},
	}
	if st.planArtifactID != "" && s.store.Get(st.planArtifactID) != nil {
		meta.ParentID = st.planArtifactID
	}

	data := map[string]interface{}{
		"executionId":   exec.ID,
		"status":        string(exec.Status),
		"completedLegs": exec.CompletedLegCount,
		"totalLegs":     exec.TotalLegCount,
	}
	if exec.Error != "" {
		data["error"] = exec.Error
	}
	if _, err := s.store.Create(artifact.CreateInput{
		Type:      models.ArtifactExecutionReport,
		SessionID: exec.SessionID,
		Data:      data,
		Metadata:  meta,
	}); err != nil {
		log.Warn().Err(err).Str("execution", exec.ID).Msg("Failed to persist execution report")
	}
}

// Pause suspends an active execution. Pending legs keep their schedule but
// are not executed until resumed.
func (s *Scheduler) Pause(id string) bool {
	return s.transition(id, models.ExecutionActive, models.ExecutionPaused, models.EventExecutionPaused)
}

// Resume reactivates a paused execution.
func (s *Scheduler) Resume(id string) bool {
	return s.transition(id, models.ExecutionPaused, models.ExecutionActive, models.EventExecutionResumed)
}

// Cancel terminates an active or paused execution. Terminal executions
// cannot be cancelled.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	st, ok := s.executions[id]
	if !ok || (st.exec.Status != models.ExecutionActive && st.exec.Status != models.ExecutionPaused) {
		s.mu.Unlock()
		return false
	}
	st.exec.Status = models.ExecutionCancelled
	sessionID := st.exec.SessionID
	s.mu.Unlock()

	s.bus.Publish(bus.NewEvent(models.EventExecutionCancelled, source, sessionID, map[string]interface{}{
		"executionId": id,
	}))
	s.finalize(st)
	return true
}

func (s *Scheduler) transition(id string, from, to models.ExecutionStatus, event models.EventType) bool {
	s.mu.Lock()
	st, ok := s.executions[id]
	if !ok || st.exec.Status != from {
		s.mu.Unlock()
		return false
	}
	st.exec.Status = to
	sessionID := st.exec.SessionID
	s.mu.Unlock()

	s.bus.Publish(bus.NewEvent(event, source, sessionID, map[string]interface{}{
		"executionId": id,
	}))
	return true
}

// Get returns a copy of one execution.
func (s *Scheduler) Get(id string) *models.ScheduledExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.executions[id]
	if !ok {
		return nil
	}
	return snapshot(st.exec)
}

// List returns copies of all executions, optionally filtered by session.
func (s *Scheduler) List(sessionID string) []*models.ScheduledExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.ScheduledExecution, 0, len(s.executions))
	for _, st := range s.executions {
		if sessionID != "" && st.exec.SessionID != sessionID {
			continue
		}
		out = append(out, snapshot(st.exec))
	}
	return out
}

// PendingLegs counts legs still waiting across all non-terminal executions.
func (s *Scheduler) PendingLegs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.executions {
		if st.exec.Status != models.ExecutionActive && st.exec.Status != models.ExecutionPaused {
			continue
		}
		for _, leg := range st.exec.Legs {
			if leg.Status == models.LegPending {
				n++
			}
		}
	}
	return n
}

// Stats reports scheduler counters for the admin surface.
func (s *Scheduler) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStatus := map[string]int{}
	for _, st := range s.executions {
		byStatus[string(st.exec.Status)]++
	}
	return map[string]interface{}{
		"executions":   len(s.executions),
		"byStatus":     byStatus,
		"ticks":        s.ticks,
		"legsExecuted": s.legsExecuted,
	}
}

func recomputeNextDue(exec *models.ScheduledExecution) {
	exec.NextDueAt = nil
	if exec.Status != models.ExecutionActive && exec.Status != models.ExecutionPaused {
		return
	}
	for _, leg := range exec.Legs {
		if leg.Status != models.LegPending {
			continue
		}
		t := leg.ScheduledTime
		if exec.NextDueAt == nil || t.Before(*exec.NextDueAt) {
			due := t
			exec.NextDueAt = &due
		}
	}
}

func snapshot(exec *models.ScheduledExecution) *models.ScheduledExecution {
	out := *exec
	out.Legs = make([]models.Leg, len(exec.Legs))
	copy(out.Legs, exec.Legs)
	if exec.NextDueAt != nil {
		due := *exec.NextDueAt
		out.NextDueAt = &due
	}
	return &out
}
