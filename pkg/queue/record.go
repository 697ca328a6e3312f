package queue

import (
	"context"
	"time"
)

// jobRecord is the hash layout of a PollJob.
type jobRecord struct {
	ID        string `redis:"id"`
	TaskID    string `redis:"task_id"`
	Status    string `redis:"status"`
	LastError string `redis:"last_error"`
	Attempts  int    `redis:"attempts"`
	Failures  int    `redis:"failures"`
	CreatedMs int64  `redis:"created_ms"`
	UpdatedMs int64  `redis:"updated_ms"`
}

func (q *RedisPollQueue) jobKey(jobID string) string {
	return "poll:" + q.cfg.Stream + ":" + jobID
}

func (q *RedisPollQueue) save(ctx context.Context, job PollJob) error {
	rec := jobRecord{
		ID:        job.ID,
		TaskID:    job.TaskID,
		Status:    job.Status,
		LastError: job.LastError,
		Attempts:  job.Attempts,
		Failures:  job.Failures,
		CreatedMs: job.CreatedAt.UnixMilli(),
		UpdatedMs: job.UpdatedAt.UnixMilli(),
	}
	key := q.jobKey(job.ID)
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, key, rec)
	pipe.Expire(ctx, key, q.cfg.JobTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisPollQueue) load(ctx context.Context, jobID string) (PollJob, bool, error) {
	res := q.rdb.HGetAll(ctx, q.jobKey(jobID))
	fields, err := res.Result()
	if err != nil {
		return PollJob{}, false, err
	}
	if len(fields) == 0 {
		return PollJob{}, false, nil
	}
	var rec jobRecord
	if err := res.Scan(&rec); err != nil {
		return PollJob{}, false, err
	}
	return PollJob{
		ID:        jobID,
		TaskID:    rec.TaskID,
		Status:    rec.Status,
		LastError: rec.LastError,
		Attempts:  rec.Attempts,
		Failures:  rec.Failures,
		CreatedAt: time.UnixMilli(rec.CreatedMs).UTC(),
		UpdatedAt: time.UnixMilli(rec.UpdatedMs).UTC(),
	}, true, nil
}

// touch loads the record (or starts one), applies fn and saves it.
func (q *RedisPollQueue) touch(ctx context.Context, jobID, taskID string, fn func(*PollJob)) (PollJob, error) {
	job, found, err := q.load(ctx, jobID)
	if err != nil {
		return PollJob{}, err
	}
	now := time.Now().UTC()
	if !found {
		job = PollJob{ID: jobID, CreatedAt: now}
	}
	job.TaskID = taskID
	job.UpdatedAt = now
	fn(&job)
	return job, q.save(ctx, job)
}
