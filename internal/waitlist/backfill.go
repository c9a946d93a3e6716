package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/konzohila/LindebergsHealth/internal/appointment"
	"github.com/konzohila/LindebergsHealth/internal/logger"
	redisclient "github.com/konzohila/LindebergsHealth/internal/redis"
)

// BackfillQueueKey is the Redis list holding cancelled appointment ids.
const BackfillQueueKey = "queue:waitlist:backfill"

// SyncBackfiller matches inside the cancelling request.
type SyncBackfiller struct {
	matcher *Matcher
	log     *zap.Logger
}

func NewSyncBackfiller(matcher *Matcher, log *zap.Logger) *SyncBackfiller {
	return &SyncBackfiller{matcher: matcher, log: logger.OrNop(log)}
}

func (b *SyncBackfiller) Backfill(ctx context.Context, cancelled *appointment.Appointment) {
	res, err := b.matcher.OnCancelled(ctx, cancelled)
	if err != nil {
		b.log.Warn("waitlist backfill failed",
			zap.Stringer("appointment_id", cancelled.ID),
			zap.Error(err),
		)
		return
	}
	if res != nil {
		b.log.Info("waitlist entry matched",
			zap.Stringer("entry_id", res.Entry.ID),
			zap.Stringer("appointment_id", res.Appointment.ID),
		)
	}
}

// QueueBackfiller defers matching to the scheduler worker.
type QueueBackfiller struct {
	queue *redisclient.Queue
	log   *zap.Logger
}

func NewQueueBackfiller(queue *redisclient.Queue, log *zap.Logger) *QueueBackfiller {
	return &QueueBackfiller{queue: queue, log: logger.OrNop(log)}
}

func (b *QueueBackfiller) Backfill(ctx context.Context, cancelled *appointment.Appointment) {
	// the cancellation is already committed; a cancelled request context must not drop the job
	if err := b.queue.Push(context.WithoutCancel(ctx), cancelled.ID.String()); err != nil {
		b.log.Error("enqueue waitlist backfill failed",
			zap.Stringer("appointment_id", cancelled.ID),
			zap.Error(err),
		)
	}
}

// Worker drains the backfill queue.
type Worker struct {
	queue      *redisclient.Queue
	matcher    *Matcher
	log        *zap.Logger
	popTimeout time.Duration
}

func NewWorker(queue *redisclient.Queue, matcher *Matcher, log *zap.Logger) *Worker {
	return &Worker{
		queue:      queue,
		matcher:    matcher,
		log:        logger.OrNop(log),
		popTimeout: 2 * time.Second,
	}
}

// Run processes jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		raw, err := w.queue.Pop(ctx, w.popTimeout)
		if errors.Is(err, redisclient.ErrQueueEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Warn("pop backfill job failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.popTimeout):
			}
			continue
		}

		if err := w.handle(ctx, raw); err != nil {
			w.log.Warn("backfill job failed", zap.String("appointment_id", raw), zap.Error(err))
		}
	}
}

// Drain processes every job currently queued and returns how many were handled.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	handled := 0
	for {
		n, err := w.queue.Len(ctx)
		if err != nil {
			return handled, err
		}
		if n == 0 {
			return handled, nil
		}

		raw, err := w.queue.Pop(ctx, w.popTimeout)
		if errors.Is(err, redisclient.ErrQueueEmpty) {
			return handled, nil
		}
		if err != nil {
			return handled, err
		}

		if err := w.handle(ctx, raw); err != nil {
			w.log.Warn("backfill job failed", zap.String("appointment_id", raw), zap.Error(err))
		}
		handled++
	}
}

func (w *Worker) handle(ctx context.Context, raw string) error {
	id, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse appointment id: %w", err)
	}

	res, err := w.matcher.RematchAppointment(ctx, id)
	if err != nil {
		return err
	}
	if res != nil {
		w.log.Info("waitlist entry matched",
			zap.Stringer("entry_id", res.Entry.ID),
			zap.Stringer("appointment_id", res.Appointment.ID),
		)
	}
	return nil
}
