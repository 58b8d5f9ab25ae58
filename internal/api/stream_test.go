package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dripline/dripline/engine/internal/bus"
	"github.com/dripline/dripline/engine/pkg/models"
)

// readFrames consumes NDJSON frames from the stream into a channel.
func readFrames(t *testing.T, resp *http.Response) <-chan frame {
	t.Helper()
	out := make(chan frame, 32)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var f frame
			if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
				return
			}
			out <- f
		}
	}()
	return out
}

func waitFrame(t *testing.T, frames <-chan frame, want string) frame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("stream closed while waiting for %s frame", want)
			}
			if f.Type == want {
				return f
			}
			// heartbeats and other frames may interleave
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", want)
		}
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/stream?type=session&sessionId=s1")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Type") != "application/x-ndjson" {
		t.Errorf("Content-Type = %s", resp.Header.Get("Content-Type"))
	}

	frames := readFrames(t, resp)
	waitFrame(t, frames, "connection")
	waitFrame(t, frames, "subscription")

	h.bus.Publish(bus.NewEvent(models.EventLegExecuted, "scheduler", "s1", map[string]interface{}{
		"legIndex": 0,
	}))

	f := waitFrame(t, frames, "event")
	data, _ := f.Data.(map[string]interface{})
	if data["type"] != string(models.EventLegExecuted) {
		t.Errorf("event frame type = %v, want %s", data["type"], models.EventLegExecuted)
	}
}

func TestStreamChannelFiltersTypes(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/stream?type=market&sessionId=s1")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	frames := readFrames(t, resp)
	waitFrame(t, frames, "subscription")

	// Not a market event: must not appear on this channel.
	h.bus.Publish(bus.NewEvent(models.EventLegExecuted, "scheduler", "s1", nil))
	h.bus.Publish(bus.NewEvent(models.EventMarketSnapshot, "market-agent", "s1", map[string]interface{}{
		"tokenPair": "USDC/ETH",
	}))

	f := waitFrame(t, frames, "event")
	data, _ := f.Data.(map[string]interface{})
	if data["type"] != string(models.EventMarketSnapshot) {
		t.Errorf("market channel delivered %v", data["type"])
	}
}

func TestStreamSessionIsolation(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/stream?type=session&sessionId=s1")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	frames := readFrames(t, resp)
	waitFrame(t, frames, "subscription")

	h.bus.Publish(bus.NewEvent(models.EventLegExecuted, "scheduler", "other-session", nil))
	h.bus.Publish(bus.NewEvent(models.EventLegExecuted, "scheduler", "s1", map[string]interface{}{
		"legIndex": 7,
	}))

	f := waitFrame(t, frames, "event")
	data, _ := f.Data.(map[string]interface{})
	if data["sessionId"] != "s1" {
		t.Errorf("received event for session %v", data["sessionId"])
	}
}

func TestStreamHeartbeats(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/stream?type=session&sessionId=s1")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	frames := readFrames(t, resp)
	waitFrame(t, frames, "heartbeat")
}

func TestStreamRejectsUnknownChannel(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream?type=everything", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStreamIdleTimeoutCloses(t *testing.T) {
	h := newHarness(t)
	// Shrink the idle window so the test observes the close quickly.
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/stream?type=execution&sessionId=s1")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	frames := readFrames(t, resp)
	f := waitFrame(t, frames, "error")
	data, _ := f.Data.(map[string]interface{})
	if data["reason"] != "idle timeout" {
		t.Errorf("close reason = %v, want idle timeout", data["reason"])
	}

	// The server ends the stream after the error frame.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream stayed open past the idle timeout")
		}
	}
}
