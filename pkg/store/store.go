package store

import (
	"context"
	"errors"
	"time"

	"recapai/pkg/domain"
)

var (
	// ErrDuplicateIdempotencyKey is returned when an owner reuses an
	// idempotency key for a second task.
	ErrDuplicateIdempotencyKey = errors.New("store: duplicate idempotency key")
	ErrNotFound                = errors.New("store: record not found")
)

// TaskUpdate is the set of fields written by one state transition. Result
// fields are only persisted when Status is COMPLETE.
type TaskUpdate struct {
	Status           domain.TaskStatus
	Phase            string
	Progress         float64
	ErrorMessage     string
	SealedTranscript []byte
	SealedSummary    []byte
	Preview          string
	Tags             []string
	Metrics          map[string]float64
	UpdatedAt        time.Time
	// ProcessingSince is written only when set. It marks the first entry
	// into EXTERNAL_PROCESSING and is never moved by progress updates.
	ProcessingSince *time.Time
	CompletedAt     *time.Time
}

// Store defines persistence for audio blobs, processing tasks, transcript
// pairs and settings. Every method is safe for concurrent use.
type Store interface {
	// blobs
	CreateBlob(ctx context.Context, blob domain.AudioBlob) error
	// GetBlob hides blobs that are being deleted.
	GetBlob(ctx context.Context, id string) (domain.AudioBlob, bool, error)
	ListBlobsByOwner(ctx context.Context, ownerID string) ([]domain.AudioBlob, error)
	// MarkBlobDeleting tombstones a blob so readers stop seeing it. It
	// reports whether this call placed the tombstone.
	MarkBlobDeleting(ctx context.Context, id string, at time.Time) (bool, error)
	// DeleteBlob removes the row and nulls every task reference to it in
	// one transaction. It reports whether a row was removed.
	DeleteBlob(ctx context.Context, id string) (bool, error)
	// ListExpiredBlobs returns blobs due for deletion plus any tombstoned
	// blobs whose deletion did not finish.
	ListExpiredBlobs(ctx context.Context, now time.Time, limit int) ([]domain.AudioBlob, error)
	// SumBlobBytesByOwner totals stored bytes per owner, tombstoned rows
	// included.
	SumBlobBytesByOwner(ctx context.Context) (map[string]int64, error)

	// tasks
	CreateTask(ctx context.Context, task domain.ProcessingTask) error
	GetTask(ctx context.Context, id string) (domain.ProcessingTask, bool, error)
	GetTaskByIdempotencyKey(ctx context.Context, ownerID, key string) (domain.ProcessingTask, bool, error)
	GetTaskByExternalJobID(ctx context.Context, externalJobID string) (domain.ProcessingTask, bool, error)
	ListTasksByOwner(ctx context.Context, ownerID string) ([]domain.ProcessingTask, error)
	// SetExternalJobID writes the external id only while it is unset.
	SetExternalJobID(ctx context.Context, id, externalJobID string) (bool, error)
	// TransitionTask applies update only if the task is still in from.
	TransitionTask(ctx context.Context, id string, from domain.TaskStatus, update TaskUpdate) (bool, error)
	SetTaskSources(ctx context.Context, id string, blobID, pairID *string) error
	DeleteTask(ctx context.Context, id string) (bool, error)
	// ListStaleTasks ages a task from ProcessingSince when it is set and
	// from UpdatedAt otherwise.
	ListStaleTasks(ctx context.Context, statuses []domain.TaskStatus, before time.Time, limit int) ([]domain.ProcessingTask, error)
	ListExpiredTasks(ctx context.Context, now time.Time, limit int) ([]domain.ProcessingTask, error)

	// transcript pairs
	CreateTranscriptPair(ctx context.Context, pair domain.TranscriptPair) error
	GetTranscriptPair(ctx context.Context, id string) (domain.TranscriptPair, bool, error)
	// DeleteTranscriptPair nulls task references in the same transaction.
	DeleteTranscriptPair(ctx context.Context, id string) (bool, error)
	ListExpiredTranscriptPairs(ctx context.Context, now time.Time, limit int) ([]domain.TranscriptPair, error)

	// settings
	GetSystemSettings(ctx context.Context) (domain.SystemSettings, bool, error)
	SaveSystemSettings(ctx context.Context, settings domain.SystemSettings) error
	GetOwnerSettings(ctx context.Context, ownerID string) (domain.OwnerSettings, bool, error)
	SaveOwnerSettings(ctx context.Context, settings domain.OwnerSettings) error
}
