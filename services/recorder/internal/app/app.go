package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"recapai/internal/ratelimit"
	"recapai/internal/util"
	"recapai/pkg/audit"
	"recapai/pkg/contentcrypt"
	"recapai/pkg/domain"
	"recapai/pkg/jobclient"
	"recapai/pkg/notify"
	"recapai/pkg/quota"
	"recapai/pkg/storage"
	"recapai/pkg/store"
)

// JobService is the external processing service as the core sees it.
type JobService interface {
	Submit(ctx context.Context, req jobclient.SubmitRequest) (string, error)
	Status(ctx context.Context, jobID string) (jobclient.Status, error)
	Result(ctx context.Context, jobID string) (jobclient.Result, error)
}

// PollScheduler arranges for a task's external job to be polled.
type PollScheduler interface {
	Enqueue(ctx context.Context, taskID string) error
}

// Deps are the collaborators the core runs on. Store, Blobs, Staging,
// Ledger, Jobs and Cipher are required.
type Deps struct {
	Store    store.Store
	Blobs    *storage.BlobStore
	Staging  *storage.Staging
	Ledger   quota.Ledger
	Jobs     JobService
	Cipher   *contentcrypt.Cipher
	Poller   PollScheduler
	Notifier notify.Deliverer
	Audit    audit.Sink
	Config   ConfigSource
	Limiter  ratelimit.Limiter
}

// Options are the policy knobs of the core.
type Options struct {
	Defaults          domain.SystemSettings
	AllowedExtensions []string
	UploadIdleTimeout time.Duration
	Stale             StaleTimeouts
	SweepBatch        int
}

// App is the core application service wiring together storage and domain logic.
type App struct {
	store       store.Store
	blobs       *storage.BlobStore
	staging     *storage.Staging
	stageCipher *contentcrypt.Cipher
	ledger      quota.Ledger
	jobs        JobService
	poller      PollScheduler
	audit       audit.Sink
	config      ConfigSource
	settings    *Settings
	limiter     ratelimit.Limiter
	registry    *Registry

	allowedExt  map[string]struct{}
	idleTimeout time.Duration
	stale       StaleTimeouts
	sweepBatch  int
	now         func() time.Time
}

// NewWithDeps builds the core from ready collaborators.
func NewWithDeps(deps Deps, opts Options) (*App, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("app: store required")
	case deps.Blobs == nil || deps.Staging == nil:
		return nil, errors.New("app: blob store and staging required")
	case deps.Ledger == nil:
		return nil, errors.New("app: quota ledger required")
	case deps.Jobs == nil:
		return nil, errors.New("app: job service required")
	case deps.Cipher == nil:
		return nil, errors.New("app: content cipher required")
	}
	// Staged uploads are encrypted under a key that only lives in this
	// process, so plaintext never reaches the staging disk.
	ephemeral := make([]byte, contentcrypt.KeySize)
	if _, err := rand.Read(ephemeral); err != nil {
		return nil, fmt.Errorf("app: staging key: %w", err)
	}
	stageCipher, err := contentcrypt.New(ephemeral)
	if err != nil {
		return nil, err
	}
	sink := deps.Audit
	if sink == nil {
		sink = audit.LogSink{}
	}
	settings := NewSettings(deps.Store, opts.Defaults)
	cfg := deps.Config
	if cfg == nil {
		cfg = settings
	}
	idle := opts.UploadIdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}
	batch := opts.SweepBatch
	if batch <= 0 {
		batch = 200
	}
	return &App{
		store:       deps.Store,
		blobs:       deps.Blobs,
		staging:     deps.Staging,
		stageCipher: stageCipher,
		ledger:      deps.Ledger,
		jobs:        deps.Jobs,
		poller:      deps.Poller,
		audit:       sink,
		config:      cfg,
		settings:    settings,
		limiter:     deps.Limiter,
		registry:    NewRegistry(deps.Store, deps.Cipher, deps.Notifier, sink),
		allowedExt:  normalizeExtensions(opts.AllowedExtensions),
		idleTimeout: idle,
		stale:       opts.Stale.withDefaults(),
		sweepBatch:  batch,
		now:         time.Now,
	}, nil
}

// Registry exposes the task registry to the trusted boundary.
func (a *App) Registry() *Registry { return a.registry }

// Settings exposes the administrator settings.
func (a *App) Settings() *Settings { return a.settings }

// Usage reports the owner's ledger state and ceiling.
type Usage struct {
	UsedBytes     int64 `json:"usedBytes"`
	ReservedBytes int64 `json:"reservedBytes"`
	QuotaBytes    int64 `json:"quotaBytes"`
}

func (a *App) Usage(ctx context.Context, ownerID string) (Usage, error) {
	u, err := a.ledger.Usage(ctx, ownerID)
	if err != nil {
		return Usage{}, internal("read quota usage", err)
	}
	ceiling, err := a.config.QuotaCeiling(ctx, ownerID)
	if err != nil {
		return Usage{}, internal("read quota ceiling", err)
	}
	return Usage{UsedBytes: u.Used, ReservedBytes: u.Reserved, QuotaBytes: ceiling}, nil
}

// RecomputeQuota resets every owner's ledger usage to the bytes actually
// stored. Owners with no blobs left are only reset when listed in owners.
// Usage is overwritten, not adjusted, so commits racing the write are lost.
func (a *App) RecomputeQuota(ctx context.Context, owners ...string) (map[string]int64, error) {
	sums, err := a.store.SumBlobBytesByOwner(ctx)
	if err != nil {
		return nil, err
	}
	for _, o := range owners {
		if _, ok := sums[o]; !ok {
			sums[o] = 0
		}
	}
	for owner, used := range sums {
		if err := a.ledger.Set(ctx, owner, used); err != nil {
			return sums, fmt.Errorf("set usage for %s: %w", owner, err)
		}
	}
	slog.InfoContext(ctx, "quota recomputed", "owners", len(sums))
	return sums, nil
}

// OwnerQuota compares an owner's stored bytes with the ledger.
type OwnerQuota struct {
	OwnerID       string
	StoredBytes   int64
	UsedBytes     int64
	ReservedBytes int64
	QuotaBytes    int64
}

// QuotaReport lists every owner with stored recordings, sorted by owner id.
func (a *App) QuotaReport(ctx context.Context) ([]OwnerQuota, error) {
	sums, err := a.store.SumBlobBytesByOwner(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]OwnerQuota, 0, len(sums))
	for owner, stored := range sums {
		u, err := a.ledger.Usage(ctx, owner)
		if err != nil {
			return nil, fmt.Errorf("usage for %s: %w", owner, err)
		}
		ceiling, err := a.config.QuotaCeiling(ctx, owner)
		if err != nil {
			return nil, fmt.Errorf("ceiling for %s: %w", owner, err)
		}
		out = append(out, OwnerQuota{
			OwnerID:       owner,
			StoredBytes:   stored,
			UsedBytes:     u.Used,
			ReservedBytes: u.Reserved,
			QuotaBytes:    ceiling,
		})
	}
	slices.SortFunc(out, func(x, y OwnerQuota) int { return strings.Compare(x.OwnerID, y.OwnerID) })
	return out, nil
}

// SweepStaging clears upload staging files left behind by a crash.
func (a *App) SweepStaging(minAge time.Duration) {
	n, err := a.staging.Sweep(minAge)
	if err != nil {
		slog.Warn("staging sweep failed", "err", err)
		return
	}
	if n > 0 {
		slog.Info("staging sweep removed leftovers", "count", n)
	}
}

func (a *App) record(ctx context.Context, ev audit.Event) {
	if ev.At.IsZero() {
		ev.At = a.now().UTC()
	}
	if ev.RequestID == "" {
		ev.RequestID = util.RequestIDFromContext(ctx)
	}
	a.audit.Record(ctx, ev)
}

func newID() string { return util.NewID() }

var defaultExtensions = []string{".m4a", ".mp3", ".wav", ".aac", ".ogg", ".oga", ".opus", ".webm", ".flac", ".caf", ".amr", ".mp4", ".3gp"}

func normalizeExtensions(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = defaultExtensions
	}
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = struct{}{}
	}
	return out
}
