package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueIsFIFO(t *testing.T) {
	_, client := newTestClient(t)
	q := NewQueue(client, "backfill")
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "first"))
	require.NoError(t, q.Push(ctx, "second"))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	v, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	v, err = q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "second", v)
}

func TestQueuePopEmpty(t *testing.T) {
	_, client := newTestClient(t)
	q := NewQueue(client, "backfill")

	_, err := q.Pop(context.Background(), 100*time.Millisecond)
	require.ErrorIs(t, err, ErrQueueEmpty)
}
