package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"recapai/pkg/audit"
	"recapai/pkg/domain"
	"recapai/pkg/storage"
)

// SweepReport counts what one retention pass removed.
type SweepReport struct {
	Blobs   int  `json:"blobs"`
	Tasks   int  `json:"tasks"`
	Pairs   int  `json:"transcriptPairs"`
	Stale   int  `json:"staleTasks"`
	Skipped bool `json:"skipped,omitempty"`
}

// Retention deletes objects past their deletion time and fails stale
// tasks. At most one sweep runs per process; with a lock path, at most one
// across processes sharing the file.
type Retention struct {
	app     *App
	running atomic.Bool
	lock    *flock.Flock
}

func NewRetention(a *App, lockPath string) *Retention {
	r := &Retention{app: a}
	if lockPath != "" {
		r.lock = flock.New(lockPath)
	}
	return r
}

// Sweep runs one pass. An overlapping call returns a report with Skipped set.
func (r *Retention) Sweep(ctx context.Context) (SweepReport, error) {
	if !r.running.CompareAndSwap(false, true) {
		return SweepReport{Skipped: true}, nil
	}
	defer r.running.Store(false)
	if r.lock != nil {
		ok, err := r.lock.TryLock()
		if err != nil {
			return SweepReport{}, fmt.Errorf("acquire retention lock: %w", err)
		}
		if !ok {
			return SweepReport{Skipped: true}, nil
		}
		defer func() {
			if err := r.lock.Unlock(); err != nil {
				slog.Warn("failed to release retention lock", "err", err)
			}
		}()
	}

	a := r.app
	now := a.now().UTC()
	var report SweepReport
	var errs []error

	blobs, err := a.store.ListExpiredBlobs(ctx, now, a.sweepBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("list expired blobs: %w", err))
	}
	for _, b := range blobs {
		removed, err := a.deleteBlob(ctx, b)
		if err != nil {
			errs = append(errs, fmt.Errorf("blob %s: %w", b.ID, err))
			continue
		}
		if removed {
			report.Blobs++
			r.purged(ctx, b.OwnerID, "blob", b.ID, map[string]string{"size": strconv.FormatInt(b.SizeBytes, 10)})
		}
	}

	tasks, err := a.store.ListExpiredTasks(ctx, now, a.sweepBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("list expired tasks: %w", err))
	}
	for _, t := range tasks {
		removed, err := a.store.DeleteTask(ctx, t.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
			continue
		}
		if removed {
			report.Tasks++
			r.purged(ctx, t.OwnerID, "task", t.ID, map[string]string{"status": string(t.Status)})
		}
	}

	pairs, err := a.store.ListExpiredTranscriptPairs(ctx, now, a.sweepBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("list expired transcript pairs: %w", err))
	}
	for _, p := range pairs {
		removed, err := a.store.DeleteTranscriptPair(ctx, p.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("transcript pair %s: %w", p.ID, err))
			continue
		}
		if removed {
			report.Pairs++
			r.purged(ctx, p.OwnerID, "transcript_pair", p.ID, nil)
		}
	}

	stale, err := a.registry.SweepStale(ctx, a.stale, a.sweepBatch)
	report.Stale = stale
	if err != nil {
		errs = append(errs, fmt.Errorf("stale sweep: %w", err))
	}

	if report.Blobs+report.Tasks+report.Pairs+report.Stale > 0 {
		slog.InfoContext(ctx, "retention sweep",
			"blobs", report.Blobs, "tasks", report.Tasks, "transcript_pairs", report.Pairs, "stale_tasks", report.Stale)
	}
	return report, errors.Join(errs...)
}

// Run sweeps immediately and then every interval until ctx is done.
func (r *Retention) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			slog.ErrorContext(ctx, "retention sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Retention) purged(ctx context.Context, ownerID, objectType, objectID string, detail map[string]string) {
	r.app.record(ctx, audit.Event{Action: audit.ActionRetentionPurged, Outcome: audit.OutcomeSuccess,
		OwnerID: ownerID, ObjectType: objectType, ObjectID: objectID, Detail: detail})
}

// deleteBlob tombstones the row so readers stop seeing it, removes the
// object, drops the row (clearing task references) and returns the bytes to
// the owner's quota. A crash at any step leaves a tombstone the next sweep
// resumes from. removed reports whether this call dropped the row.
func (a *App) deleteBlob(ctx context.Context, blob domain.AudioBlob) (bool, error) {
	if _, err := a.store.MarkBlobDeleting(ctx, blob.ID, a.now()); err != nil {
		return false, fmt.Errorf("tombstone: %w", err)
	}
	if err := a.blobs.Delete(ctx, blob.Locator); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("remove object: %w", err)
	}
	removed, err := a.store.DeleteBlob(ctx, blob.ID)
	if err != nil {
		return false, fmt.Errorf("remove row: %w", err)
	}
	if removed {
		if err := a.ledger.Free(ctx, blob.OwnerID, blob.SizeBytes); err != nil {
			slog.WarnContext(ctx, "quota free failed; run quota recompute", "owner_id", blob.OwnerID, "err", err)
		}
	}
	return removed, nil
}
