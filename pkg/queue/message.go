package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// pollMessage is the stream entry scheduling one poll.
type pollMessage struct {
	id     string
	jobID  string
	taskID string
	due    time.Time
}

func (m pollMessage) values() map[string]any {
	return map[string]any{
		"job":  m.jobID,
		"task": m.taskID,
		"due":  strconv.FormatInt(m.due.UnixMilli(), 10),
	}
}

// decodeMessage reports false for entries missing their ids; those are
// dropped rather than retried.
func decodeMessage(x redis.XMessage) (pollMessage, bool) {
	m := pollMessage{id: x.ID}
	m.jobID, _ = x.Values["job"].(string)
	m.taskID, _ = x.Values["task"].(string)
	if raw, ok := x.Values["due"].(string); ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			m.due = time.UnixMilli(ms)
		}
	}
	return m, m.jobID != "" && m.taskID != ""
}

func (q *RedisPollQueue) addArgs(m pollMessage) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.cfg.Stream,
		MaxLen: q.cfg.MaxLen,
		Approx: true,
		Values: m.values(),
	}
}

// retire acknowledges and deletes a stream entry.
func (q *RedisPollQueue) retire(ctx context.Context, id string) {
	pipe := q.rdb.Pipeline()
	pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, id)
	pipe.XDel(ctx, q.cfg.Stream, id)
	_, _ = pipe.Exec(ctx)
}

// reschedule appends the next poll and retires the current entry in one
// transaction. On failure the entry stays pending and is reclaimed later.
func (q *RedisPollQueue) reschedule(ctx context.Context, m pollMessage) error {
	next := m
	next.due = time.Now().Add(q.cfg.Interval)
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, q.addArgs(next))
		pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, m.id)
		pipe.XDel(ctx, q.cfg.Stream, m.id)
		return nil
	})
	return err
}
