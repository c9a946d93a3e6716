package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrQueueEmpty = errors.New("queue empty")

// Queue is a FIFO list of string payloads.
type Queue struct {
	client *redis.Client
	key    string
}

func NewQueue(client *redis.Client, key string) *Queue {
	return &Queue{client: client, key: key}
}

func (q *Queue) Push(ctx context.Context, value string) error {
	if err := q.client.LPush(ctx, q.key, value).Err(); err != nil {
		return fmt.Errorf("push %s: %w", q.key, err)
	}
	return nil
}

// Pop blocks up to timeout for the oldest value. It returns ErrQueueEmpty
// when nothing arrived in time.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrQueueEmpty
	}
	if err != nil {
		return "", fmt.Errorf("pop %s: %w", q.key, err)
	}
	// BRPOP replies with [key, value]
	if len(res) != 2 {
		return "", fmt.Errorf("pop %s: unexpected reply %v", q.key, res)
	}
	return res[1], nil
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("len %s: %w", q.key, err)
	}
	return n, nil
}
