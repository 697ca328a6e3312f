// Package queue drives periodic status polling of external jobs through a
// Redis stream consumer group, so any instance can pick up a task's polling
// after another instance dies.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"recapai/internal/util"
)

// Poll states recorded on the job hash.
const (
	StatusQueued  = "queued"
	StatusPolling = "polling"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Outcome tells the queue what to do with a message after the handler ran.
type Outcome int

const (
	// Done acknowledges and removes the message.
	Done Outcome = iota
	// Again schedules another poll one interval from now.
	Again
)

// PollJob tracks one task's polling.
type PollJob struct {
	ID        string
	TaskID    string
	Status    string
	LastError string
	Attempts  int
	Failures  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Handler polls one task. Again with a nil error is the normal "still
// running" answer; Again with an error counts toward MaxFailures.
type Handler func(ctx context.Context, job PollJob) (Outcome, error)

// RedisQueueConfig configures a RedisPollQueue. Zero values take defaults.
type RedisQueueConfig struct {
	Addr     string
	Password string
	Stream   string
	Group    string
	// Consumer prefixes the consumer names of this process.
	Consumer    string
	JobTTL      time.Duration
	MaxFailures int
	// MaxAge stops polling a job this long after it was enqueued, however
	// healthy its answers look. Zero polls until the handler says Done.
	MaxAge    time.Duration
	Block     time.Duration
	ClaimIdle time.Duration
	Interval  time.Duration
	MaxLen    int64
	Batch     int64
}

func (c *RedisQueueConfig) applyDefaults() {
	setDefault(&c.Group, "pollers")
	setDefault(&c.Consumer, util.NewID())
	setDefault(&c.JobTTL, 24*time.Hour)
	setDefault(&c.MaxFailures, 5)
	setDefault(&c.Block, 5*time.Second)
	setDefault(&c.ClaimIdle, 30*time.Second)
	setDefault(&c.Interval, 5*time.Second)
	setDefault(&c.MaxLen, 10000)
	setDefault(&c.Batch, 10)
}

func setDefault[T string | int | int64 | time.Duration](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// RedisPollQueue schedules polls as stream messages that carry their due
// time. A message whose consumer died is reclaimed after ClaimIdle.
type RedisPollQueue struct {
	rdb        *redis.Client
	cfg        RedisQueueConfig
	groupReady atomic.Bool
}

// NewRedisPollQueue validates cfg and opens a client. No connection is made
// until the first command.
func NewRedisPollQueue(cfg RedisQueueConfig) (*RedisPollQueue, error) {
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	cfg.Stream = strings.TrimSpace(cfg.Stream)
	switch {
	case cfg.Addr == "":
		return nil, errors.New("redis addr required")
	case cfg.Stream == "":
		return nil, errors.New("queue stream required")
	case cfg.JobTTL < 0 || cfg.Interval < 0 || cfg.MaxFailures < 0 || cfg.MaxAge < 0:
		return nil, errors.New("queue durations and limits must not be negative")
	}
	cfg.applyDefaults()
	return &RedisPollQueue{
		rdb: redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password}),
		cfg: cfg,
	}, nil
}

// Close releases the Redis client.
func (q *RedisPollQueue) Close() error {
	return q.rdb.Close()
}

// Enqueue schedules polling for a task. The first poll happens one interval
// from now.
func (q *RedisPollQueue) Enqueue(ctx context.Context, taskID string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return errors.New("taskId required")
	}
	if err := q.ensureGroup(ctx); err != nil {
		// Messages added now are still read once the group exists, since
		// it is created at id 0.
		slog.Debug("poll group not ready", "stream", q.cfg.Stream, "err", err)
	}
	now := time.Now().UTC()
	job := PollJob{ID: util.NewID(), TaskID: taskID, Status: StatusQueued, CreatedAt: now, UpdatedAt: now}
	if err := q.save(ctx, job); err != nil {
		return err
	}
	return q.rdb.XAdd(ctx, q.addArgs(pollMessage{jobID: job.ID, taskID: taskID, due: now.Add(q.cfg.Interval)})).Err()
}

// GetJob reads the polling record of jobID.
func (q *RedisPollQueue) GetJob(ctx context.Context, jobID string) (PollJob, bool, error) {
	if strings.TrimSpace(jobID) == "" {
		return PollJob{}, false, nil
	}
	return q.load(ctx, jobID)
}

// ensureGroup creates the consumer group until one attempt succeeds.
// BUSYGROUP means it already exists.
func (q *RedisPollQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	err := q.rdb.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	q.groupReady.Store(true)
	return nil
}

// groupLost forgets the group after Redis reports it missing, e.g. after a
// flush or a failover to an empty replica.
func (q *RedisPollQueue) groupLost(err error) {
	if err != nil && strings.Contains(err.Error(), "NOGROUP") {
		q.groupReady.Store(false)
	}
}
