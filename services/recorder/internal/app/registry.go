package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"recapai/pkg/audit"
	"recapai/pkg/contentcrypt"
	"recapai/pkg/domain"
	"recapai/pkg/notify"
	"recapai/pkg/store"
)

// transitions lists the forward edges of the task lattice.
var transitions = map[domain.TaskStatus][]domain.TaskStatus{
	domain.TaskPending:            {domain.TaskSubmitting, domain.TaskFailed},
	domain.TaskSubmitting:         {domain.TaskExternalProcessing, domain.TaskComplete, domain.TaskFailed},
	domain.TaskExternalProcessing: {domain.TaskExternalProcessing, domain.TaskComplete, domain.TaskFailed},
}

func allowed(from, to domain.TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// maxCASAttempts bounds retries when another writer moves the task between
// our read and our compare-and-swap.
const maxCASAttempts = 4

// Registry owns every task state change. It is the only place that sees
// external job ids, and the only source of terminal events.
type Registry struct {
	store    store.Store
	cipher   *contentcrypt.Cipher
	notifier notify.Deliverer
	audit    audit.Sink
	now      func() time.Time
}

func NewRegistry(st store.Store, cipher *contentcrypt.Cipher, notifier notify.Deliverer, sink audit.Sink) *Registry {
	if sink == nil {
		sink = audit.Discard{}
	}
	return &Registry{store: st, cipher: cipher, notifier: notifier, audit: sink, now: time.Now}
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	OwnerID        string
	IdempotencyKey string
	SourceBlobID   *string
	SourcePairID   *string
	TemplateID     string
	Features       []string
	OwnerDeviceID  string
	DeleteAfter    *time.Time
}

// Create durably records a PENDING task. When the owner already used the
// idempotency key, the existing task is returned with created=false.
func (r *Registry) Create(ctx context.Context, spec TaskSpec) (domain.ProcessingTask, bool, error) {
	now := r.now().UTC()
	task := domain.ProcessingTask{
		ID:             newID(),
		OwnerID:        spec.OwnerID,
		Status:         domain.TaskPending,
		SourceBlobID:   spec.SourceBlobID,
		SourcePairID:   spec.SourcePairID,
		TemplateID:     spec.TemplateID,
		Features:       spec.Features,
		OwnerDeviceID:  spec.OwnerDeviceID,
		IdempotencyKey: spec.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
		DeleteAfter:    spec.DeleteAfter,
	}
	err := r.store.CreateTask(ctx, task)
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		existing, ok, getErr := r.store.GetTaskByIdempotencyKey(ctx, spec.OwnerID, spec.IdempotencyKey)
		if getErr != nil {
			return domain.ProcessingTask{}, false, getErr
		}
		if !ok {
			return domain.ProcessingTask{}, false, fmt.Errorf("idempotency key claimed by a vanished task")
		}
		return existing, false, nil
	}
	if err != nil {
		return domain.ProcessingTask{}, false, err
	}
	r.audit.Record(ctx, audit.Event{
		Action: audit.ActionTaskCreated, Outcome: audit.OutcomeSuccess,
		OwnerID: task.OwnerID, ObjectType: "task", ObjectID: task.ID, At: now,
	})
	return task, true, nil
}

// AttachExternalJob maps a task to its external job exactly once. Repeating
// the same id is a no-op; a different id is ErrExternalIDConflict.
func (r *Registry) AttachExternalJob(ctx context.Context, taskID, externalJobID string) error {
	if externalJobID == "" {
		return errors.New("external job id required")
	}
	set, err := r.store.SetExternalJobID(ctx, taskID, externalJobID)
	if err != nil {
		return err
	}
	if set {
		return nil
	}
	task, ok, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTaskNotFound
	}
	if task.ExternalJobID == externalJobID {
		return nil
	}
	slog.ErrorContext(ctx, "external job id conflict", "task_id", taskID)
	return ErrExternalIDConflict
}

// Progress is the payload of one Advance call. Result is read only on the
// transition into COMPLETE; Error only on the transition into FAILED.
type Progress struct {
	Phase    string
	Progress float64
	Error    string
	Result   *domain.TaskResult
}

// Advance moves a task forward. Re-delivering the state a terminal task
// already holds is a no-op; anything else out of a terminal state, or any
// backward edge, is ErrIllegalTransition. changed reports whether this call
// performed the transition; only such calls emit a terminal event.
func (r *Registry) Advance(ctx context.Context, taskID string, to domain.TaskStatus, p Progress) (bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		task, ok, err := r.store.GetTask(ctx, taskID)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, ErrTaskNotFound
		}
		if task.Status.Terminal() && task.Status == to {
			return false, nil
		}
		if !allowed(task.Status, to) {
			return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, task.Status, to)
		}
		update, err := r.buildUpdate(task, to, p)
		if err != nil {
			return false, err
		}
		swapped, err := r.store.TransitionTask(ctx, taskID, task.Status, update)
		if err != nil {
			return false, err
		}
		if !swapped {
			continue
		}
		if to.Terminal() {
			r.emitTerminal(ctx, task, update)
		}
		return true, nil
	}
	return false, fmt.Errorf("task %s: too much contention", taskID)
}

func (r *Registry) buildUpdate(task domain.ProcessingTask, to domain.TaskStatus, p Progress) (store.TaskUpdate, error) {
	now := r.now().UTC()
	update := store.TaskUpdate{
		Status:    to,
		Phase:     p.Phase,
		Progress:  clampProgress(p.Progress),
		UpdatedAt: now,
	}
	switch to {
	case domain.TaskExternalProcessing:
		if task.Status != domain.TaskExternalProcessing {
			update.ProcessingSince = &now
		}
	case domain.TaskComplete:
		update.Phase = ""
		update.Progress = 1
		update.CompletedAt = &now
		if p.Result != nil {
			sealedT, err := r.sealOptional(p.Result.Transcript)
			if err != nil {
				return update, err
			}
			sealedS, err := r.sealOptional(p.Result.Summary)
			if err != nil {
				return update, err
			}
			update.SealedTranscript = sealedT
			update.SealedSummary = sealedS
			update.Preview = truncateRunes(p.Result.Preview, 512)
			update.Tags = p.Result.Tags
			update.Metrics = p.Result.Metrics
		}
	case domain.TaskFailed:
		update.Phase = ""
		update.Progress = task.Progress
		update.CompletedAt = &now
		update.ErrorMessage = truncateRunes(p.Error, 1024)
		if update.ErrorMessage == "" {
			update.ErrorMessage = "processing failed"
		}
	}
	return update, nil
}

func (r *Registry) sealOptional(text string) ([]byte, error) {
	if text == "" {
		return nil, nil
	}
	return r.cipher.Seal([]byte(text))
}

func (r *Registry) emitTerminal(ctx context.Context, task domain.ProcessingTask, update store.TaskUpdate) {
	ev := domain.TaskEvent{
		Type:    domain.EventTaskCompleted,
		TaskID:  task.ID,
		OwnerID: task.OwnerID,
		Status:  update.Status,
		At:      update.UpdatedAt,
	}
	outcome := audit.OutcomeSuccess
	if update.Status == domain.TaskFailed {
		ev.Type = domain.EventTaskFailed
		ev.Error = update.ErrorMessage
		outcome = audit.OutcomeFailure
	}
	r.audit.Record(ctx, audit.Event{
		Action: audit.ActionTaskTerminal, Outcome: outcome,
		OwnerID: task.OwnerID, ObjectType: "task", ObjectID: task.ID,
		Detail: map[string]string{"status": string(update.Status)}, At: ev.At,
	})
	if r.notifier != nil {
		r.notifier.Deliver(ctx, ev)
	}
}

// TaskView is what callers see: the task without its external id plus the
// decrypted result once the task is COMPLETE.
type TaskView struct {
	domain.ProcessingTask
	Result *domain.TaskResult `json:"result,omitempty"`
}

// Lookup returns an owner's task. Tasks of other owners are reported as not
// found so ids cannot be probed.
func (r *Registry) Lookup(ctx context.Context, taskID, ownerID string) (TaskView, error) {
	task, err := r.owned(ctx, taskID, ownerID)
	if err != nil {
		return TaskView{}, err
	}
	return r.view(task)
}

func (r *Registry) owned(ctx context.Context, taskID, ownerID string) (domain.ProcessingTask, error) {
	task, ok, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return task, internal("load task", err)
	}
	if !ok || task.OwnerID != ownerID {
		return domain.ProcessingTask{}, notFound(CodeTaskNotFound, "task not found")
	}
	return task, nil
}

func (r *Registry) view(task domain.ProcessingTask) (TaskView, error) {
	task.ExternalJobID = ""
	v := TaskView{ProcessingTask: task}
	if task.Status != domain.TaskComplete {
		return v, nil
	}
	res := &domain.TaskResult{Preview: task.Preview, Tags: task.Tags, Metrics: task.Metrics}
	if len(task.SealedTranscript) > 0 {
		plain, err := r.cipher.Open(task.SealedTranscript)
		if err != nil {
			return v, &Error{Kind: KindIntegrity, Code: CodeIntegrity, Message: "stored result failed integrity check", Err: err}
		}
		res.Transcript = string(plain)
	}
	if len(task.SealedSummary) > 0 {
		plain, err := r.cipher.Open(task.SealedSummary)
		if err != nil {
			return v, &Error{Kind: KindIntegrity, Code: CodeIntegrity, Message: "stored result failed integrity check", Err: err}
		}
		res.Summary = string(plain)
	}
	v.Result = res
	return v, nil
}

// List returns an owner's tasks without results.
func (r *Registry) List(ctx context.Context, ownerID string) ([]domain.ProcessingTask, error) {
	tasks, err := r.store.ListTasksByOwner(ctx, ownerID)
	if err != nil {
		return nil, internal("list tasks", err)
	}
	for i := range tasks {
		tasks[i].ExternalJobID = ""
	}
	return tasks, nil
}

// ResolveExternal maps an external job id back to its task. Only the trusted
// processor boundary may call it.
func (r *Registry) ResolveExternal(ctx context.Context, externalJobID string) (domain.ProcessingTask, error) {
	task, ok, err := r.store.GetTaskByExternalJobID(ctx, externalJobID)
	if err != nil {
		return task, err
	}
	if !ok {
		return task, ErrTaskNotFound
	}
	return task, nil
}

// Delete removes an owner's task. Linked blobs and pairs are kept.
func (r *Registry) Delete(ctx context.Context, taskID, ownerID string) error {
	if _, err := r.owned(ctx, taskID, ownerID); err != nil {
		return err
	}
	if _, err := r.store.DeleteTask(ctx, taskID); err != nil {
		return internal("delete task", err)
	}
	r.audit.Record(ctx, audit.Event{
		Action: audit.ActionTaskDeleted, Outcome: audit.OutcomeSuccess,
		OwnerID: ownerID, ObjectType: "task", ObjectID: taskID, At: r.now().UTC(),
	})
	return nil
}

// StaleTimeouts bound how long a task may sit in a non-terminal state.
type StaleTimeouts struct {
	Submission time.Duration
	Processing time.Duration
}

func (s StaleTimeouts) withDefaults() StaleTimeouts {
	if s.Submission <= 0 {
		s.Submission = 10 * time.Minute
	}
	if s.Processing <= 0 {
		s.Processing = 6 * time.Hour
	}
	return s
}

// PollDeadline is how long a task may stay scheduled for polling before the
// queue stops asking.
func (s StaleTimeouts) PollDeadline() time.Duration {
	s = s.withDefaults()
	return s.Submission + s.Processing
}

// SweepStale fails tasks stuck before submission finished or stuck in
// external processing. It returns how many tasks this call failed.
func (r *Registry) SweepStale(ctx context.Context, timeouts StaleTimeouts, limit int) (int, error) {
	now := r.now().UTC()
	reaped := 0
	groups := []struct {
		statuses []domain.TaskStatus
		timeout  time.Duration
		reason   string
	}{
		{[]domain.TaskStatus{domain.TaskPending, domain.TaskSubmitting}, timeouts.Submission, "submission timed out"},
		{[]domain.TaskStatus{domain.TaskExternalProcessing}, timeouts.Processing, "processing timed out"},
	}
	var errs []error
	for _, g := range groups {
		if g.timeout <= 0 {
			continue
		}
		tasks, err := r.store.ListStaleTasks(ctx, g.statuses, now.Add(-g.timeout), limit)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, t := range tasks {
			changed, err := r.Advance(ctx, t.ID, domain.TaskFailed, Progress{Error: g.reason})
			if err != nil && !errors.Is(err, ErrIllegalTransition) && !errors.Is(err, ErrTaskNotFound) {
				errs = append(errs, err)
				continue
			}
			if changed {
				reaped++
				slog.WarnContext(ctx, "stale task failed", "task_id", t.ID, "status", t.Status, "reason", g.reason)
			}
		}
	}
	return reaped, errors.Join(errs...)
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
