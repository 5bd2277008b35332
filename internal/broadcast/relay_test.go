package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisRelay_ForwardsBetweenNodes(t *testing.T) {
	t.Parallel()

	server := miniredis.RunT(t)
	newClient := func() *redis.Client {
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return client
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeA := NewRedisRelay(newClient(), "", "node-a", nil)
	nodeB := NewRedisRelay(newClient(), "", "node-b", nil)

	localA := New(Options{Sinks: []Sink{nodeA}})
	localB := New(Options{})
	go localA.Run(ctx)

	readyA := make(chan struct{})
	readyB := make(chan struct{})
	go func() { _ = nodeA.Run(ctx, localA, readyA) }()
	go func() { _ = nodeB.Run(ctx, localB, readyB) }()
	<-readyA
	<-readyB

	subA := localA.Subscribe("watcher")
	subB := localB.Subscribe("watcher")

	localA.Publish(delta("s-1", 0, 1))

	if ev := receive(t, subB); ev.Kind != EventDelta || ev.Delta == nil || ev.Delta.ToVersion != 1 {
		t.Fatalf("expected relayed delta on node b, got %+v", ev)
	}
	if ev := receive(t, subA); ev.SessionID != "s-1" {
		t.Fatalf("expected local delivery on node a, got %+v", ev)
	}
	select {
	case ev := <-subA.Events():
		t.Fatalf("node a must not receive its own relay echo, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
