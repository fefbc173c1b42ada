package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Nudge is a wake-up channel between enqueuers and workers. Scheduling
// truth lives in the outbox table; the nudge only shortens the idle poll
// latency after an enqueue. Lost nudges are harmless — the next poll
// tick picks the task up anyway.
type Nudge struct {
	client *redis.Client
	key    string
}

func NewNudge(client *redis.Client, key string) *Nudge {
	if key == "" {
		key = "compute:nudge"
	}
	return &Nudge{client: client, key: key}
}

// Ping signals that new work is due. The list is capped so a burst of
// enqueues coalesces instead of accumulating stale signals.
func (n *Nudge) Ping(ctx context.Context) error {
	pipe := n.client.TxPipeline()
	pipe.LPush(ctx, n.key, "1")
	pipe.LTrim(ctx, n.key, 0, 0)
	pipe.Expire(ctx, n.key, time.Minute)
	_, err := pipe.Exec(ctx)
	return err
}

// Wait blocks until a nudge arrives or the timeout elapses. Returns true
// when woken by a nudge.
func (n *Nudge) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	res, err := n.client.BRPop(ctx, timeout, n.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(res) > 0, nil
}
