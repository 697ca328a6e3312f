package app

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"recapai/pkg/contentcrypt"
	"recapai/pkg/domain"
	"recapai/pkg/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.MemoryStore, *recordingNotifier) {
	t.Helper()
	key := make([]byte, contentcrypt.KeySize)
	_, _ = rand.Read(key)
	cipher, err := contentcrypt.New(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	st := store.NewMemoryStore()
	n := &recordingNotifier{}
	return NewRegistry(st, cipher, n, nil), st, n
}

func createTaskIn(t *testing.T, r *Registry, st *store.MemoryStore, status domain.TaskStatus) domain.ProcessingTask {
	t.Helper()
	task, created, err := r.Create(context.Background(), TaskSpec{OwnerID: "owner-1"})
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	if status != domain.TaskPending {
		ok, err := st.TransitionTask(context.Background(), task.ID, domain.TaskPending, store.TaskUpdate{Status: status, UpdatedAt: time.Now()})
		if err != nil || !ok {
			t.Fatalf("force status: ok=%v err=%v", ok, err)
		}
	}
	return task
}

func TestAdvanceLattice(t *testing.T) {
	tests := []struct {
		from        domain.TaskStatus
		to          domain.TaskStatus
		wantChanged bool
		wantIllegal bool
	}{
		{domain.TaskPending, domain.TaskSubmitting, true, false},
		{domain.TaskPending, domain.TaskFailed, true, false},
		{domain.TaskPending, domain.TaskComplete, false, true},
		{domain.TaskPending, domain.TaskExternalProcessing, false, true},
		{domain.TaskSubmitting, domain.TaskExternalProcessing, true, false},
		{domain.TaskSubmitting, domain.TaskComplete, true, false},
		{domain.TaskSubmitting, domain.TaskPending, false, true},
		{domain.TaskExternalProcessing, domain.TaskExternalProcessing, true, false},
		{domain.TaskExternalProcessing, domain.TaskSubmitting, false, true},
		{domain.TaskExternalProcessing, domain.TaskFailed, true, false},
		{domain.TaskComplete, domain.TaskComplete, false, false},
		{domain.TaskComplete, domain.TaskFailed, false, true},
		{domain.TaskFailed, domain.TaskFailed, false, false},
		{domain.TaskFailed, domain.TaskExternalProcessing, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			r, st, _ := newTestRegistry(t)
			task := createTaskIn(t, r, st, tt.from)

			changed, err := r.Advance(context.Background(), task.ID, tt.to, Progress{})
			if tt.wantIllegal {
				if !errors.Is(err, ErrIllegalTransition) {
					t.Fatalf("err = %v, want ErrIllegalTransition", err)
				}
				if got, _, _ := st.GetTask(context.Background(), task.ID); got.Status != tt.from {
					t.Fatalf("status changed to %s on illegal transition", got.Status)
				}
				return
			}
			if err != nil {
				t.Fatalf("advance: %v", err)
			}
			if changed != tt.wantChanged {
				t.Fatalf("changed = %v, want %v", changed, tt.wantChanged)
			}
		})
	}
}

func TestTerminalRedeliveryNotifiesOnce(t *testing.T) {
	r, st, n := newTestRegistry(t)
	task := createTaskIn(t, r, st, domain.TaskExternalProcessing)
	result := &domain.TaskResult{Transcript: "t", Summary: "s", Preview: "p"}

	for i := 0; i < 3; i++ {
		changed, err := r.Advance(context.Background(), task.ID, domain.TaskComplete, Progress{Result: result})
		if err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
		if changed != (i == 0) {
			t.Fatalf("delivery %d changed = %v", i, changed)
		}
	}
	if n.count() != 1 {
		t.Fatalf("events = %d, want 1", n.count())
	}
	if ev := n.events[0]; ev.Type != domain.EventTaskCompleted || ev.OwnerID != "owner-1" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestAttachExternalJobIsSetOnce(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	task := createTaskIn(t, r, st, domain.TaskSubmitting)
	ctx := context.Background()

	if err := r.AttachExternalJob(ctx, task.ID, "ext-1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := r.AttachExternalJob(ctx, task.ID, "ext-1"); err != nil {
		t.Fatalf("re-attach same id: %v", err)
	}
	if err := r.AttachExternalJob(ctx, task.ID, "ext-2"); !errors.Is(err, ErrExternalIDConflict) {
		t.Fatalf("err = %v, want ErrExternalIDConflict", err)
	}
	resolved, err := r.ResolveExternal(ctx, "ext-1")
	if err != nil || resolved.ID != task.ID {
		t.Fatalf("resolve = %s, %v", resolved.ID, err)
	}
	if _, err := r.ResolveExternal(ctx, "ext-2"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("resolve unknown: %v", err)
	}
}

func TestLookupScopesToOwnerAndDecryptsResult(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	task := createTaskIn(t, r, st, domain.TaskExternalProcessing)
	ctx := context.Background()
	if err := r.AttachExternalJob(ctx, task.ID, "ext-secret"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	if _, err := r.Lookup(ctx, task.ID, "owner-2"); AsError(err).Kind != KindNotFound {
		t.Fatalf("foreign lookup: %v", err)
	}
	view, err := r.Lookup(ctx, task.ID, "owner-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if view.ExternalJobID != "" || view.Result != nil {
		t.Fatalf("unexpected view %+v", view)
	}

	_, err = r.Advance(ctx, task.ID, domain.TaskComplete, Progress{Result: &domain.TaskResult{
		Transcript: "full transcript", Summary: "short", Tags: []string{"standup"},
	}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	stored, _, _ := st.GetTask(ctx, task.ID)
	if string(stored.SealedTranscript) == "full transcript" || len(stored.SealedTranscript) == 0 {
		t.Fatal("transcript not sealed at rest")
	}
	view, err = r.Lookup(ctx, task.ID, "owner-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if view.Result == nil || view.Result.Transcript != "full transcript" || view.Result.Summary != "short" {
		t.Fatalf("result = %+v", view.Result)
	}
	if view.Progress != 1 || view.CompletedAt == nil {
		t.Fatalf("progress = %v completedAt = %v", view.Progress, view.CompletedAt)
	}
}

func TestCreateReturnsExistingForDuplicateKey(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	first, created, err := r.Create(ctx, TaskSpec{OwnerID: "owner-1", IdempotencyKey: "k"})
	if err != nil || !created {
		t.Fatalf("create: %v", err)
	}
	second, created, err := r.Create(ctx, TaskSpec{OwnerID: "owner-1", IdempotencyKey: "k"})
	if err != nil || created || second.ID != first.ID {
		t.Fatalf("duplicate: created=%v id=%s err=%v", created, second.ID, err)
	}
}

func TestSweepStale(t *testing.T) {
	r, _, n := newTestRegistry(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	r.now = func() time.Time { return base }

	pending, _, _ := r.Create(ctx, TaskSpec{OwnerID: "owner-1"})
	processing, _, _ := r.Create(ctx, TaskSpec{OwnerID: "owner-1"})
	for _, to := range []domain.TaskStatus{domain.TaskSubmitting, domain.TaskExternalProcessing} {
		if _, err := r.Advance(ctx, processing.ID, to, Progress{}); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}

	r.now = time.Now
	reaped, err := r.SweepStale(ctx, StaleTimeouts{Submission: 10 * time.Minute, Processing: 2 * time.Hour}, 100)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}
	got, _ := r.Lookup(ctx, pending.ID, "owner-1")
	if got.Status != domain.TaskFailed || got.ErrorMessage != "submission timed out" {
		t.Fatalf("pending task = %s %q", got.Status, got.ErrorMessage)
	}
	got, _ = r.Lookup(ctx, processing.ID, "owner-1")
	if got.Status != domain.TaskExternalProcessing {
		t.Fatalf("processing task = %s, want untouched", got.Status)
	}

	reaped, _ = r.SweepStale(ctx, StaleTimeouts{Processing: 30 * time.Minute}, 100)
	if reaped != 1 || n.count() != 2 {
		t.Fatalf("second sweep reaped=%d events=%d", reaped, n.count())
	}
}

func TestSweepStaleMeasuresProcessingFromEntry(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()
	clock := time.Now().Add(-10 * time.Hour)
	r.now = func() time.Time { return clock }

	task, _, _ := r.Create(ctx, TaskSpec{OwnerID: "owner-1"})
	for _, to := range []domain.TaskStatus{domain.TaskSubmitting, domain.TaskExternalProcessing} {
		if _, err := r.Advance(ctx, task.ID, to, Progress{}); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}
	entered := clock
	// A job that reports progress every five minutes for ten hours.
	for i := range 120 {
		clock = clock.Add(5 * time.Minute)
		if _, err := r.Advance(ctx, task.ID, domain.TaskExternalProcessing, Progress{Phase: "running", Progress: float64(i) / 120}); err != nil {
			t.Fatalf("progress %d: %v", i, err)
		}
	}
	stored, _, _ := st.GetTask(ctx, task.ID)
	if stored.ProcessingSince == nil || !stored.ProcessingSince.Equal(entered.UTC()) {
		t.Fatalf("processing since = %v, want %v", stored.ProcessingSince, entered)
	}

	reaped, err := r.SweepStale(ctx, StaleTimeouts{Processing: 6 * time.Hour}, 100)
	if err != nil || reaped != 1 {
		t.Fatalf("sweep: reaped=%d err=%v", reaped, err)
	}
	got, _ := r.Lookup(ctx, task.ID, "owner-1")
	if got.Status != domain.TaskFailed || got.ErrorMessage != "processing timed out" {
		t.Fatalf("task = %s %q", got.Status, got.ErrorMessage)
	}
}
