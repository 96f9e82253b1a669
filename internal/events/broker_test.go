package events

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublishSubscribe(t *testing.T) {
	b := NewMemory()
	ch := b.Subscribe("r1")

	b.Publish("r1", New(RouteOptimized, "r1", map[string]any{"x": 1}))
	b.Publish("r2", New(RouteDeleted, "r2", nil))

	select {
	case got := <-ch:
		assert.Equal(t, RouteOptimized, got.Type)
		assert.Equal(t, 1, got.Data["x"])
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe("r1", ch)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
	// double unsubscribe is harmless
	b.Unsubscribe("r1", ch)
}

func TestMemoryPublishDropsWhenFull(t *testing.T) {
	b := NewMemory()
	ch := b.Subscribe("r1")
	defer b.Unsubscribe("r1", ch)
	for i := 0; i < 20; i++ {
		b.Publish("r1", New(RouteStatus, "r1", nil))
	}
	assert.Len(t, ch, cap(ch))
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	b := NewRedis(rdb, nil)
	ch := b.Subscribe("r1")
	b.Publish("r1", New(AssignmentCreated, "r1", map[string]any{"assignee": "user:u1"}))

	select {
	case got := <-ch:
		assert.Equal(t, AssignmentCreated, got.Type)
		assert.Equal(t, "r1", got.RouteID)
		assert.Equal(t, "user:u1", got.Data["assignee"])
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for redis event")
	}

	b.Unsubscribe("r1", ch)
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
