// Package callbacks maps bus events onto registered actions: webhook posts,
// in-process handlers, and structured log lines. Bindings carry optional
// predicates, condition maps, rate limits, and retry policies.
package callbacks

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dripline/dripline/engine/internal/bus"
	"github.com/dripline/dripline/engine/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const source = "callbacks"

const signatureHeader = "X-Dripline-Signature"

// binding pairs the public record with its compiled predicate and the
// fixed-window rate state. Only the dispatcher mutates it.
type binding struct {
	models.CallbackBinding
	program     *vm.Program
	windowStart time.Time
	windowCalls int
}

// Dispatcher subscribes once to the bus and fans events out to bindings.
type Dispatcher struct {
	bus    *bus.Bus
	client *http.Client

	mu       sync.Mutex
	bindings map[string]*binding
	history  []models.CallbackExecution

	historyCap int
	dispatched uint64
	wg         sync.WaitGroup
}

// New creates a dispatcher and subscribes it to the full event universe.
func New(b *bus.Bus, webhookTimeout time.Duration, historyCap int) *Dispatcher {
	if webhookTimeout <= 0 {
		webhookTimeout = 15 * time.Second
	}
	if historyCap <= 0 {
		historyCap = 500
	}
	d := &Dispatcher{
		bus:        b,
		client:     &http.Client{Timeout: webhookTimeout},
		bindings:   make(map[string]*binding),
		historyCap: historyCap,
	}
	b.Subscribe(nil, d.onEvent, bus.SubscribeOptions{})
	return d
}

// Register validates and stores a binding, returning its ID. Predicates are
// compiled here so a broken expression is rejected at registration, not at
// first firing.
func (d *Dispatcher) Register(cb models.CallbackBinding) (string, error) {
	switch cb.Action.Kind {
	case models.ActionWebhook:
		if cb.Action.Webhook == nil || cb.Action.Webhook.URL == "" {
			return "", fmt.Errorf("webhook action requires a url")
		}
	case models.ActionHandler:
		if cb.Action.Handler == nil {
			return "", fmt.Errorf("handler action requires a handler function")
		}
	case models.ActionLog:
		// always valid; level defaults to info
	default:
		return "", fmt.Errorf("unknown action kind %q", cb.Action.Kind)
	}

	var program *vm.Program
	if cb.Predicate != "" {
		var err error
		program, err = expr.Compile(cb.Predicate, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return "", fmt.Errorf("compile predicate: %w", err)
		}
	}

	if cb.ID == "" {
		cb.ID = uuid.New().String()
	}
	cb.Enabled = true
	cb.CreatedAt = time.Now().UTC()

	d.mu.Lock()
	d.bindings[cb.ID] = &binding{CallbackBinding: cb, program: program}
	d.mu.Unlock()

	log.Info().
		Str("binding", cb.ID).
		Str("kind", string(cb.Action.Kind)).
		Int("triggers", len(cb.TriggerTypes)).
		Msg("Callback registered")
	return cb.ID, nil
}

// Unregister removes a binding.
func (d *Dispatcher) Unregister(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.bindings[id]; !ok {
		return false
	}
	delete(d.bindings, id)
	return true
}

// List returns copies of all bindings with their current counters.
func (d *Dispatcher) List() []models.CallbackBinding {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.CallbackBinding, 0, len(d.bindings))
	for _, b := range d.bindings {
		out = append(out, b.CallbackBinding)
	}
	return out
}

// Executions returns the capped attempt history, oldest first.
func (d *Dispatcher) Executions() []models.CallbackExecution {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.CallbackExecution, len(d.history))
	copy(out, d.history)
	return out
}

// Close waits for in-flight callback deliveries to settle.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}

// onEvent matches the event against every binding and dispatches the hits.
// Matching is done under the lock; delivery runs in its own goroutine so a
// slow webhook never blocks the publisher.
func (d *Dispatcher) onEvent(e models.Event) error {
	now := time.Now().UTC()

	d.mu.Lock()
	var hits []*binding
	for _, b := range d.bindings {
		if !d.matchesLocked(b, e) {
			continue
		}
		if !d.admitLocked(b, now) {
			// Over the rate limit: skip silently.
			continue
		}
		hits = append(hits, b)
	}
	d.dispatched += uint64(len(hits))
	d.mu.Unlock()

	for _, b := range hits {
		d.wg.Add(1)
		go func(b *binding) {
			defer d.wg.Done()
			d.deliver(b, e)
		}(b)
	}
	return nil
}

// matchesLocked checks trigger types, session filter, predicate, and the
// condition map. An empty trigger list matches every type.
func (d *Dispatcher) matchesLocked(b *binding, e models.Event) bool {
	if !b.Enabled {
		return false
	}
	if len(b.TriggerTypes) > 0 {
		found := false
		for _, t := range b.TriggerTypes {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if b.SessionID != "" && b.SessionID != e.SessionID {
		return false
	}
	for key, want := range b.Conditions {
		if got, ok := e.Data[key]; !ok || got != want {
			return false
		}
	}
	if b.program != nil {
		out, err := expr.Run(b.program, exprEnv(e))
		if err != nil {
			log.Warn().Err(err).Str("binding", b.ID).Msg("Predicate evaluation failed")
			return false
		}
		if pass, ok := out.(bool); !ok || !pass {
			return false
		}
	}
	return true
}

func exprEnv(e models.Event) map[string]interface{} {
	return map[string]interface{}{
		"type":      string(e.Type),
		"sessionId": e.SessionID,
		"source":    e.Source,
		"data":      e.Data,
		"metadata":  e.Metadata,
	}
}

// admitLocked applies the fixed-window rate limit.
func (d *Dispatcher) admitLocked(b *binding, now time.Time) bool {
	if b.RateLimit == nil || b.RateLimit.MaxCalls <= 0 {
		return true
	}
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= b.RateLimit.Window {
		b.windowStart = now
		b.windowCalls = 0
	}
	if b.windowCalls >= b.RateLimit.MaxCalls {
		return false
	}
	b.windowCalls++
	return true
}

// deliver executes the action with the binding's retry policy. The nth
// retry waits baseDelay * multiplier^(n-1) after the prior attempt.
func (d *Dispatcher) deliver(b *binding, e models.Event) {
	policy := b.RetryPolicy

	attempt := 0
	op := func() error {
		attempt++
		err := d.execute(b, e)
		d.recordAttempt(b.ID, e.ID, attempt, err)
		return err
	}

	var err error
	if policy == nil || policy.MaxRetries <= 0 {
		err = op()
	} else {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = policy.BaseDelay
		bo.Multiplier = policy.Multiplier
		bo.RandomizationFactor = 0
		bo.MaxInterval = time.Hour
		bo.MaxElapsedTime = 0
		err = backoff.Retry(op, backoff.WithMaxRetries(bo, uint64(policy.MaxRetries)))
	}

	d.mu.Lock()
	if cur, ok := d.bindings[b.ID]; ok {
		if err == nil {
			cur.TriggerCount++
			now := time.Now().UTC()
			cur.LastFiredAt = &now
		} else {
			cur.ErrorCount++
		}
	}
	d.mu.Unlock()

	if err == nil {
		return
	}

	// Failures while handling error events are logged only; re-publishing
	// would recurse through this dispatcher.
	if e.Type == models.EventAgentError {
		log.Error().Err(err).Str("binding", b.ID).Str("event", e.ID).Msg("Callback failed on error event")
		return
	}
	d.bus.Publish(bus.NewEvent(models.EventAgentError, source, e.SessionID, map[string]interface{}{
		"bindingId": b.ID,
		"eventId":   e.ID,
		"eventType": string(e.Type),
		"attempts":  attempt,
		"error":     err.Error(),
	}))
}

// execute runs one attempt of the configured action. The switch is
// exhaustive over ActionKind; Register rejects anything else.
func (d *Dispatcher) execute(b *binding, e models.Event) error {
	switch b.Action.Kind {
	case models.ActionWebhook:
		return d.postWebhook(b.Action.Webhook, e)
	case models.ActionHandler:
		return b.Action.Handler(e)
	case models.ActionLog:
		writeLog(b.Action.Log, e)
		return nil
	default:
		return fmt.Errorf("unknown action kind %q", b.Action.Kind)
	}
}

// postWebhook sends the event as JSON, signing the body with HMAC-SHA256
// when a secret is configured.
func (d *Dispatcher) postWebhook(w *models.WebhookAction, e models.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	if w.Secret != "" {
		mac := hmac.New(sha256.New, []byte(w.Secret))
		mac.Write(body)
		req.Header.Set(signatureHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func writeLog(cfg *models.LogAction, e models.Event) {
	level, msg := "info", "Callback event"
	if cfg != nil {
		if cfg.Level != "" {
			level = cfg.Level
		}
		if cfg.Message != "" {
			msg = cfg.Message
		}
	}
	entry := log.Info()
	switch level {
	case "debug":
		entry = log.Debug()
	case "warn":
		entry = log.Warn()
	}
	entry.
		Str("event", e.ID).
		Str("type", string(e.Type)).
		Str("session", e.SessionID).
		Msg(msg)
}

// recordAttempt appends to the capped execution history.
func (d *Dispatcher) recordAttempt(bindingID, eventID string, attempt int, err error) {
	rec := models.CallbackExecution{
		BindingID: bindingID,
		EventID:   eventID,
		Attempt:   attempt,
		Success:   err == nil,
		At:        time.Now().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}

	d.mu.Lock()
	d.history = append(d.history, rec)
	if len(d.history) > d.historyCap {
		d.history = d.history[len(d.history)-d.historyCap:]
	}
	d.mu.Unlock()
}

// Stats reports dispatcher counters for the admin surface.
func (d *Dispatcher) Stats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	triggered, failed := 0, 0
	for _, b := range d.bindings {
		triggered += b.TriggerCount
		failed += b.ErrorCount
	}
	return map[string]interface{}{
		"bindings":   len(d.bindings),
		"dispatched": d.dispatched,
		"triggered":  triggered,
		"failed":     failed,
		"history":    len(d.history),
	}
}
