package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dripline/dripline/engine/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// bridgeOriginKey marks events that arrived over Redis so the bridge does
// not mirror them back out and loop forever between processes.
const bridgeOriginKey = "redisOrigin"

// RedisBridge mirrors local bus traffic onto a Redis channel and re-publishes
// inbound remote events locally, giving several engine processes a shared
// event plane without changing the in-process delivery contract.
type RedisBridge struct {
	bus     *Bus
	client  *redis.Client
	channel string
	origin  string

	local  chan models.Event
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisBridge connects the bus to Redis pub/sub. origin identifies this
// process in mirrored event metadata.
func NewRedisBridge(b *Bus, opts *redis.Options, channel, origin string) *RedisBridge {
	return &RedisBridge{
		bus:     b,
		client:  redis.NewClient(opts),
		channel: channel,
		origin:  origin,
	}
}

// Start begins mirroring in both directions until ctx is cancelled.
func (r *RedisBridge) Start(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return err
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.local = r.bus.SubscribeChan(nil, SubscribeOptions{
		Predicate: func(e models.Event) bool {
			_, remote := e.Metadata[bridgeOriginKey]
			return !remote
		},
	})
	r.pubsub = r.client.Subscribe(ctx, r.channel)

	go r.mirrorOut(ctx)
	go r.mirrorIn(ctx)

	log.Info().Str("channel", r.channel).Msg("Redis event bridge started")
	return nil
}

// Close stops both mirror goroutines and releases the connection.
func (r *RedisBridge) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.local != nil {
		r.bus.UnsubscribeChan(r.local)
	}
	if r.pubsub != nil {
		_ = r.pubsub.Close()
	}
	return r.client.Close()
}

func (r *RedisBridge) mirrorOut(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-r.local:
			if !ok {
				return
			}
			// Stamp the origin so our own mirror is ignored on the way back in.
			meta := make(map[string]interface{}, len(e.Metadata)+1)
			for k, v := range e.Metadata {
				meta[k] = v
			}
			meta[bridgeOriginKey] = r.origin
			e.Metadata = meta
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
				log.Warn().Err(err).Str("event", e.ID).Msg("Redis mirror publish failed")
			}
		}
	}
}

func (r *RedisBridge) mirrorIn(ctx context.Context) {
	for {
		msg, err := r.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("Redis bridge receive error")
			time.Sleep(time.Second)
			continue
		}
		var e models.Event
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			continue
		}
		if origin, _ := e.Metadata[bridgeOriginKey].(string); origin == r.origin {
			// our own mirror coming back around
			continue
		}
		if e.Metadata == nil {
			e.Metadata = map[string]interface{}{}
		}
		if _, ok := e.Metadata[bridgeOriginKey]; !ok {
			e.Metadata[bridgeOriginKey] = "remote"
		}
		r.bus.Publish(e)
	}
}
