package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dripline/dripline/engine/pkg/models"
	"github.com/redis/go-redis/v9"
)

func TestBridgeMirrorsLocalEventsToRedis(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer s.Close()

	b := New(100, time.Hour)
	bridge := NewRedisBridge(b, &redis.Options{Addr: s.Addr()}, "dripline.events", "node-a")
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	defer bridge.Close()

	// Independent raw subscriber to observe the mirror.
	raw := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer raw.Close()
	sub := raw.Subscribe(context.Background(), "dripline.events")
	defer sub.Close()
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("confirm subscription: %v", err)
	}

	b.Publish(NewEvent(models.EventLegExecuted, "scheduler", "s1", map[string]interface{}{"index": 0}))

	msgCh := sub.Channel()
	select {
	case msg := <-msgCh:
		if msg.Payload == "" {
			t.Error("empty mirrored payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was not mirrored to Redis")
	}
}

func TestBridgeRepublishesRemoteEventsLocally(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer s.Close()

	b := New(100, time.Hour)
	bridge := NewRedisBridge(b, &redis.Options{Addr: s.Addr()}, "dripline.events", "node-a")
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	defer bridge.Close()

	received := make(chan models.Event, 1)
	b.Subscribe([]models.EventType{models.EventExecutionCompleted}, func(e models.Event) error {
		received <- e
		return nil
	}, SubscribeOptions{})

	// Simulate another engine process publishing on the shared channel.
	remote := New(100, time.Hour)
	peer := NewRedisBridge(remote, &redis.Options{Addr: s.Addr()}, "dripline.events", "node-b")
	if err := peer.Start(context.Background()); err != nil {
		t.Fatalf("start peer bridge: %v", err)
	}
	defer peer.Close()

	remote.Publish(NewEvent(models.EventExecutionCompleted, "scheduler", "s9", nil))

	select {
	case e := <-received:
		if e.SessionID != "s9" {
			t.Errorf("session = %q, want s9", e.SessionID)
		}
		if _, ok := e.Metadata[bridgeOriginKey]; !ok {
			t.Error("remote event not marked with bridge origin")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remote event never reached the local bus")
	}
}

func TestBridgeIgnoresItsOwnMirror(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer s.Close()

	b := New(100, time.Hour)
	bridge := NewRedisBridge(b, &redis.Options{Addr: s.Addr()}, "dripline.events", "node-a")
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	defer bridge.Close()

	var local int
	b.Subscribe([]models.EventType{models.EventLegExecuted}, func(models.Event) error {
		local++
		return nil
	}, SubscribeOptions{})

	b.Publish(NewEvent(models.EventLegExecuted, "scheduler", "s1", nil))
	time.Sleep(200 * time.Millisecond) // let any echo come back around

	if local != 1 {
		t.Errorf("handler fired %d times, want 1 (own mirror must be ignored)", local)
	}
}
