package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dripline/dripline/engine/internal/bus"
	"github.com/dripline/dripline/engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// frame is one line of the NDJSON stream.
type frame struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Stream serves a persistent NDJSON event feed. Channels select the event
// types: session (everything), market, execution, or monitoring. Heartbeats
// keep the connection alive; a silent stream is closed after the idle
// timeout.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("type")
	if channel == "" {
		channel = "session"
	}
	types, ok := models.StreamChannels[channel]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown stream type "+channel)
		return
	}
	session := sessionFrom(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	send := func(f frame) bool {
		f.Timestamp = time.Now().UTC()
		if err := enc.Encode(f); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	events := h.bus.SubscribeChan(types, bus.SubscribeOptions{SessionID: session})
	defer h.bus.UnsubscribeChan(events)

	send(frame{Type: "connection", Data: map[string]interface{}{"sessionId": session}})
	send(frame{Type: "subscription", Data: map[string]interface{}{"channel": channel, "types": types}})

	heartbeat := time.NewTicker(h.cfg.Stream.HeartbeatInterval)
	defer heartbeat.Stop()
	idle := time.NewTimer(h.cfg.Stream.IdleTimeout)
	defer idle.Stop()

	log.Debug().Str("channel", channel).Str("session", session).Msg("Stream opened")
	for {
		select {
		case <-r.Context().Done():
			return
		case <-idle.C:
			send(frame{Type: "error", Data: map[string]interface{}{"reason": "idle timeout"}})
			return
		case <-heartbeat.C:
			if !send(frame{Type: "heartbeat"}) {
				return
			}
		case e, open := <-events:
			if !open {
				return
			}
			if !send(frame{Type: "event", Data: e}) {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(h.cfg.Stream.IdleTimeout)
		}
	}
}
