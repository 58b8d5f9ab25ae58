// Package bus implements the typed publish/subscribe hub the engine's
// components communicate through. Delivery is synchronous: Publish returns
// after every matched handler has settled, handlers run in
// subscription-registration order, and one handler's failure never blocks
// its siblings.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/dripline/dripline/engine/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Handler consumes one event. Errors are isolated per subscription and
// surfaced as agent_error events; they never unsubscribe the handler.
type Handler func(models.Event) error

// SubscribeOptions narrow which events a subscription receives.
type SubscribeOptions struct {
	// Predicate, when set, must return true for the event to be delivered.
	Predicate func(models.Event) bool
	// SessionID, when set, restricts delivery to that session's events.
	SessionID string
}

type subscription struct {
	id      string
	seq     uint64
	types   map[models.EventType]struct{} // nil = all types
	opts    SubscribeOptions
	handler Handler
}

func (s *subscription) matches(e models.Event) bool {
	if s.types != nil {
		if _, ok := s.types[e.Type]; !ok {
			return false
		}
	}
	if s.opts.SessionID != "" && s.opts.SessionID != e.SessionID {
		return false
	}
	if s.opts.Predicate != nil && !s.opts.Predicate(e) {
		return false
	}
	return true
}

// Bus is the in-process event hub with a bounded history.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	order  []*subscription // registration order
	nexSeq uint64

	history    []models.Event // oldest first
	historyCap int
	maxAge     time.Duration

	// streams are channel subscribers (HTTP stream endpoint, Redis bridge).
	// Slow consumers drop events instead of blocking the publisher.
	streams map[chan models.Event]*subscription

	published uint64
	delivered uint64
	errors    uint64
}

// New creates a bus retaining up to historyCap events no older than maxAge.
func New(historyCap int, maxAge time.Duration) *Bus {
	if historyCap <= 0 {
		historyCap = 1000
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Bus{
		subs:       make(map[string]*subscription),
		historyCap: historyCap,
		maxAge:     maxAge,
		streams:    make(map[chan models.Event]*subscription),
	}
}

// NewEvent builds an event with identity and timestamp filled in.
func NewEvent(t models.EventType, source, sessionID string, data map[string]interface{}) models.Event {
	return models.Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Source:    source,
		Data:      data,
	}
}

// Publish delivers the event to every matching subscription and appends it
// to the history. It returns once all handlers have settled.
func (b *Bus) Publish(event models.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.published++
	b.appendHistory(event)
	matched := make([]*subscription, 0, len(b.order))
	for _, s := range b.order {
		if s.matches(event) {
			matched = append(matched, s)
		}
	}
	for ch, s := range b.streams {
		if s.matches(event) {
			select {
			case ch <- event:
			default:
				// stream consumer too slow, drop for them
			}
		}
	}
	b.mu.Unlock()

	for _, s := range matched {
		b.invoke(s, event)
	}
}

// invoke runs one handler, isolating failures. A failing handler on a
// non-error event re-publishes the failure as agent_error; failures while
// handling error events are only logged, which breaks the recursion.
func (b *Bus) invoke(s *subscription, event models.Event) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return s.handler(event)
	}()

	b.mu.Lock()
	b.delivered++
	if err != nil {
		b.errors++
	}
	b.mu.Unlock()

	if err == nil {
		return
	}

	if event.Type == models.EventAgentError {
		log.Error().
			Err(err).
			Str("subscription", s.id).
			Str("event_type", string(event.Type)).
			Msg("Error-event handler failed, not re-publishing")
		return
	}

	log.Warn().
		Err(err).
		Str("subscription", s.id).
		Str("event_type", string(event.Type)).
		Msg("Event handler failed")

	b.Publish(models.Event{
		ID:        uuid.New().String(),
		Type:      models.EventAgentError,
		Timestamp: time.Now().UTC(),
		SessionID: event.SessionID,
		Source:    "bus",
		Data: map[string]interface{}{
			"error":          err.Error(),
			"subscriptionId": s.id,
			"causeEventId":   event.ID,
			"causeEventType": string(event.Type),
		},
	})
}

// Subscribe registers a handler for the given event types. A nil or empty
// type list subscribes to everything. Returns the subscription ID.
func (b *Bus) Subscribe(types []models.EventType, handler Handler, opts SubscribeOptions) string {
	s := &subscription{
		id:      uuid.New().String(),
		opts:    opts,
		handler: handler,
	}
	if len(types) > 0 {
		s.types = make(map[models.EventType]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	s.seq = b.nexSeq
	b.nexSeq++
	b.subs[s.id] = s
	b.order = append(b.order, s)
	b.mu.Unlock()
	return s.id
}

// Unsubscribe removes a subscription. Returns false if it does not exist.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subs[id]
	if !ok {
		return false
	}
	delete(b.subs, id)
	for i, o := range b.order {
		if o == s {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// SubscribeChan returns a buffered channel receiving matched events.
// Slow consumers lose events rather than blocking publishers. Call
// UnsubscribeChan when done to avoid leaks.
func (b *Bus) SubscribeChan(types []models.EventType, opts SubscribeOptions) chan models.Event {
	s := &subscription{id: uuid.New().String(), opts: opts}
	if len(types) > 0 {
		s.types = make(map[models.EventType]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	ch := make(chan models.Event, 64)

	b.mu.Lock()
	b.streams[ch] = s
	b.mu.Unlock()
	return ch
}

// UnsubscribeChan removes and closes a channel subscription.
func (b *Bus) UnsubscribeChan(ch chan models.Event) {
	b.mu.Lock()
	_, ok := b.streams[ch]
	delete(b.streams, ch)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// History returns events matching the filter, oldest first. Age-expired
// entries are excluded even before eviction runs.
func (b *Bus) History(filter models.EventFilter) []models.Event {
	cutoff := time.Now().Add(-b.maxAge)

	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []models.Event
	for _, e := range b.history {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// appendHistory adds the event and evicts past the cap and the age cutoff.
// Caller holds b.mu.
func (b *Bus) appendHistory(e models.Event) {
	b.history = append(b.history, e)

	cutoff := time.Now().Add(-b.maxAge)
	drop := 0
	for drop < len(b.history) && b.history[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(b.history) - drop - b.historyCap; over > 0 {
		drop += over
	}
	if drop > 0 {
		b.history = b.history[drop:]
	}
}

// Stats reports bus counters for the status endpoint.
func (b *Bus) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return map[string]interface{}{
		"subscriptions": len(b.subs),
		"streams":       len(b.streams),
		"historySize":   len(b.history),
		"published":     b.published,
		"delivered":     b.delivered,
		"handlerErrors": b.errors,
	}
}
