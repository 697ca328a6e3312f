package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"recapai/pkg/domain"
	"recapai/pkg/jobclient"
	"recapai/pkg/queue"
)

// HandlePoll is the poll queue handler: it reads the external job's state
// and advances the task. Again keeps the task scheduled.
func (a *App) HandlePoll(ctx context.Context, job queue.PollJob) (queue.Outcome, error) {
	task, ok, err := a.store.GetTask(ctx, job.TaskID)
	if err != nil {
		return queue.Again, fmt.Errorf("load task: %w", err)
	}
	if !ok || task.Status.Terminal() {
		return queue.Done, nil
	}
	// Progress reports keep a job looking alive; the deadline runs from the
	// first entry into processing.
	if task.ProcessingSince != nil && a.now().Sub(*task.ProcessingSince) > a.stale.Processing {
		a.failTask(ctx, task.ID, "processing timed out")
		return queue.Done, nil
	}
	if task.ExternalJobID == "" {
		return queue.Again, nil
	}
	status, err := a.jobs.Status(ctx, task.ExternalJobID)
	if err != nil {
		var rejected *jobclient.RejectedError
		if errors.As(err, &rejected) {
			a.failTask(ctx, task.ID, "processing service no longer knows the job")
			return queue.Done, nil
		}
		return queue.Again, err
	}
	return a.apply(ctx, task, status, nil)
}

// CallbackInput is a status report pushed by the processing service.
type CallbackInput struct {
	JobID    string            `json:"jobId"`
	Status   string            `json:"status"`
	Phase    string            `json:"phase,omitempty"`
	Progress float64           `json:"progress,omitempty"`
	Error    string            `json:"error,omitempty"`
	Result   *jobclient.Result `json:"result,omitempty"`
}

// HandleCallback applies a pushed status report. Reports for unknown jobs
// are not found; reports for finished tasks are accepted and ignored.
func (a *App) HandleCallback(ctx context.Context, in CallbackInput) error {
	if in.JobID == "" || in.Status == "" {
		return invalid(CodeInvalidRequest, "jobId and status required")
	}
	task, err := a.registry.ResolveExternal(ctx, in.JobID)
	if errors.Is(err, ErrTaskNotFound) {
		return notFound(CodeTaskNotFound, "unknown job")
	}
	if err != nil {
		return internal("resolve job", err)
	}
	status := jobclient.Status{State: in.Status, Phase: in.Phase, Progress: in.Progress, Error: in.Error}
	switch in.Status {
	case jobclient.StateQueued, jobclient.StateRunning, jobclient.StateSucceeded, jobclient.StateFailed:
	default:
		return invalid(CodeInvalidRequest, fmt.Sprintf("unknown status %q", in.Status))
	}
	if task.Status.Terminal() {
		return nil
	}
	if _, err := a.apply(ctx, task, status, in.Result); err != nil {
		return &Error{Kind: KindUpstreamUnavailable, Code: CodeUpstreamUnavailable, Message: "could not fetch job result", Err: err}
	}
	return nil
}

// apply maps one external status onto the task lattice. result may carry a
// pushed result; otherwise it is fetched.
func (a *App) apply(ctx context.Context, task domain.ProcessingTask, status jobclient.Status, result *jobclient.Result) (queue.Outcome, error) {
	switch status.State {
	case jobclient.StateQueued, jobclient.StateRunning:
		phase := status.Phase
		if phase == "" {
			phase = status.State
		}
		_, err := a.registry.Advance(ctx, task.ID, domain.TaskExternalProcessing, Progress{
			Phase:    phase,
			Progress: normalizeProgress(status.Progress),
		})
		if err != nil && !errors.Is(err, ErrIllegalTransition) {
			return queue.Again, err
		}
		if errors.Is(err, ErrIllegalTransition) {
			return queue.Done, nil
		}
		return queue.Again, nil
	case jobclient.StateSucceeded:
		if result == nil {
			fetched, err := a.jobs.Result(ctx, task.ExternalJobID)
			if err != nil {
				var rejected *jobclient.RejectedError
				if errors.As(err, &rejected) {
					a.failTask(ctx, task.ID, "processing result unavailable")
					return queue.Done, nil
				}
				return queue.Again, err
			}
			result = &fetched
		}
		_, err := a.registry.Advance(ctx, task.ID, domain.TaskComplete, Progress{Result: &domain.TaskResult{
			Transcript: result.Transcript,
			Summary:    result.Summary,
			Preview:    result.Preview,
			Tags:       result.Tags,
			Metrics:    result.Metrics,
		}})
		if err != nil && !errors.Is(err, ErrIllegalTransition) {
			return queue.Again, err
		}
		return queue.Done, nil
	case jobclient.StateFailed:
		reason := status.Error
		if reason == "" {
			reason = "processing failed"
		}
		a.failTask(ctx, task.ID, reason)
		return queue.Done, nil
	default:
		slog.WarnContext(ctx, "unknown external job state", "task_id", task.ID, "state", status.State)
		return queue.Again, fmt.Errorf("unknown job state %q", status.State)
	}
}

// normalizeProgress accepts both fractions and percentages.
func normalizeProgress(p float64) float64 {
	if p > 1 {
		p /= 100
	}
	return clampProgress(p)
}
