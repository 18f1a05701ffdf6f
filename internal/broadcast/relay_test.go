package broadcast

import (
	"context"
	"testing"
	"time"

	"pipeline_backend/platform/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func startRelay(t *testing.T, addr string) (*Hub, *RedisRelay) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	hub := NewHub(8, logger.Nop())
	relay := NewRedisRelay(hub, client, "test:deltas", logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		hub.Close()
		_ = client.Close()
	})

	select {
	case <-relay.Ready():
	case err := <-done:
		t.Fatalf("relay stopped: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not subscribe")
	}
	return hub, relay
}

func TestRelayFansOutAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	hubA, relayA := startRelay(t, mr.Addr())
	hubB, _ := startRelay(t, mr.Addr())

	branch, lead := uuid.New(), uuid.New()
	local := hubA.Subscribe(branch, uuid.New())
	remote := hubB.Subscribe(branch, uuid.New())

	relayA.Publish(context.Background(), delta(branch, lead, 4, "won"))

	select {
	case msg := <-local.Events():
		if msg.Delta.Version != 4 {
			t.Fatalf("local got version %d", msg.Delta.Version)
		}
	case <-time.After(time.Second):
		t.Fatalf("local session got nothing")
	}

	select {
	case msg := <-remote.Events():
		if msg.Delta.LeadID != lead || msg.Delta.ToStage != "won" || msg.Delta.Lead == nil {
			t.Fatalf("remote got unexpected delta %+v", msg.Delta)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("remote session got nothing")
	}

	// The publishing instance ignores its own echo.
	select {
	case msg := <-local.Events():
		t.Fatalf("local session received its own delta twice: %+v", msg.Delta)
	case <-time.After(100 * time.Millisecond):
	}
}
