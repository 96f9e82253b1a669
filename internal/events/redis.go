package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"fieldroute/internal/logger"
)

// Redis implements Broker over Redis Pub/Sub so several API replicas share streams.
type Redis struct {
	rdb redis.UniversalClient
	log *logger.Logger

	mu   sync.Mutex
	subs map[chan Event]*redis.PubSub
}

func NewRedis(rdb redis.UniversalClient, log *logger.Logger) *Redis {
	return &Redis{rdb: rdb, log: logger.Or(log).WithField("component", "redis_broker"), subs: map[chan Event]*redis.PubSub{}}
}

func (b *Redis) Subscribe(routeID string) chan Event {
	ch := make(chan Event, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, channelName(routeID))
	// wait for the subscription confirmation so an immediate Publish is not lost
	if _, err := ps.Receive(ctx); err != nil {
		b.log.WithError(err).Warn("redis subscribe failed")
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}()
	return ch
}

// Unsubscribe closes the Pub/Sub connection; the forwarding goroutine then closes ch.
func (b *Redis) Unsubscribe(routeID string, ch chan Event) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (b *Redis) Publish(routeID string, evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, channelName(routeID), data).Err(); err != nil {
		b.log.WithError(err).WithField("route_id", routeID).Warn("redis publish failed")
	}
}

func channelName(routeID string) string { return "route:" + routeID }
