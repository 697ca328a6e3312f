package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Start runs concurrency consumers until ctx is done.
func (q *RedisPollQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	for i := range max(concurrency, 1) {
		c := &consumer{q: q, name: fmt.Sprintf("%s-%d", q.cfg.Consumer, i), handle: handler}
		go c.run(ctx)
	}
}

type consumer struct {
	q      *RedisPollQueue
	name   string
	handle Handler
}

func (c *consumer) run(ctx context.Context) {
	for ctx.Err() == nil {
		batch, err := c.next(ctx)
		c.q.groupLost(err)
		if err != nil {
			if ctx.Err() == nil {
				slog.Debug("poll queue read failed", "consumer", c.name, "err", err)
				wait(ctx, time.Second)
			}
			continue
		}
		for _, x := range batch {
			c.process(ctx, x)
		}
	}
}

// next returns entries abandoned by dead consumers first, then new ones.
func (c *consumer) next(ctx context.Context) ([]redis.XMessage, error) {
	if err := c.q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	cfg := c.q.cfg
	claimed, _, err := c.q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   cfg.Stream,
		Group:    cfg.Group,
		Consumer: c.name,
		MinIdle:  cfg.ClaimIdle,
		Start:    "0-0",
		Count:    cfg.Batch,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(claimed) > 0 {
		return claimed, nil
	}
	streams, err := c.q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    cfg.Group,
		Consumer: c.name,
		Streams:  []string{cfg.Stream, ">"},
		Count:    cfg.Batch,
		Block:    cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []redis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (c *consumer) process(ctx context.Context, x redis.XMessage) {
	q := c.q
	msg, ok := decodeMessage(x)
	if !ok {
		q.retire(ctx, x.ID)
		return
	}
	if !msg.due.IsZero() && !wait(ctx, time.Until(msg.due)) {
		return
	}
	job, err := q.touch(ctx, msg.jobID, msg.taskID, func(j *PollJob) {
		j.Status = StatusPolling
		j.Attempts++
	})
	if err != nil {
		// Left pending; another pass reclaims it.
		return
	}

	outcome, herr := c.handle(ctx, job)
	switch {
	case outcome == Done:
		c.finish(ctx, msg, StatusDone, "")
	case herr != nil && job.Failures+1 >= q.cfg.MaxFailures:
		slog.Warn("poll job gave up", "task_id", msg.taskID, "failures", job.Failures+1, "err", herr)
		c.finish(ctx, msg, StatusFailed, herr.Error())
	case q.cfg.MaxAge > 0 && time.Since(job.CreatedAt) > q.cfg.MaxAge:
		slog.Warn("poll job expired", "task_id", msg.taskID, "age", time.Since(job.CreatedAt).Round(time.Second))
		c.finish(ctx, msg, StatusFailed, "poll deadline exceeded")
	default:
		_, _ = q.touch(ctx, msg.jobID, msg.taskID, func(j *PollJob) {
			j.Status = StatusQueued
			j.LastError = ""
			if herr != nil {
				j.Failures++
				j.LastError = herr.Error()
			}
		})
		_ = q.reschedule(ctx, msg)
	}
}

func (c *consumer) finish(ctx context.Context, msg pollMessage, status, reason string) {
	_, _ = c.q.touch(ctx, msg.jobID, msg.taskID, func(j *PollJob) {
		j.Status = status
		j.LastError = reason
		if status == StatusFailed {
			j.Failures++
		}
	})
	c.q.retire(ctx, msg.id)
}

// wait sleeps for d and reports false if ctx ended first.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
