package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestNudgePingWakesWait(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	n := NewNudge(client, "")

	if err := n.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	woken, err := n.Wait(ctx, time.Second)
	if err != nil || !woken {
		t.Fatalf("wait = %v err=%v, want woken", woken, err)
	}
}

func TestNudgeCoalescesBursts(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	n := NewNudge(client, "")

	for i := 0; i < 5; i++ {
		if err := n.Ping(ctx); err != nil {
			t.Fatalf("ping %d: %v", i, err)
		}
	}
	// The capped list holds one signal regardless of the burst size.
	if got, err := client.LLen(ctx, "compute:nudge").Result(); err != nil || got != 1 {
		t.Fatalf("list length = %d err=%v, want 1", got, err)
	}
}

func TestWaitTimesOutQuietly(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	n := NewNudge(client, "quiet")

	woken, err := n.Wait(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if woken {
		t.Fatalf("woken without a ping")
	}
}
