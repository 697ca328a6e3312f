package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"recapai/pkg/domain"
)

// MemoryStore keeps all records in process. It is used by tests and
// single-node development setups.
type MemoryStore struct {
	mu       sync.RWMutex
	blobs    map[string]memoryBlob
	tasks    map[string]domain.ProcessingTask
	pairs    map[string]domain.TranscriptPair
	system   *domain.SystemSettings
	owners   map[string]domain.OwnerSettings
	idemKeys map[string]string // owner + "\x00" + key -> task id
}

type memoryBlob struct {
	blob       domain.AudioBlob
	deletingAt *time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:    make(map[string]memoryBlob),
		tasks:    make(map[string]domain.ProcessingTask),
		pairs:    make(map[string]domain.TranscriptPair),
		owners:   make(map[string]domain.OwnerSettings),
		idemKeys: make(map[string]string),
	}
}

func (s *MemoryStore) CreateBlob(_ context.Context, blob domain.AudioBlob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[blob.ID] = memoryBlob{blob: cloneBlob(blob)}
	return nil
}

func (s *MemoryStore) GetBlob(_ context.Context, id string) (domain.AudioBlob, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[id]
	if !ok || b.deletingAt != nil {
		return domain.AudioBlob{}, false, nil
	}
	return cloneBlob(b.blob), true, nil
}

func (s *MemoryStore) ListBlobsByOwner(_ context.Context, ownerID string) ([]domain.AudioBlob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := []domain.AudioBlob{}
	for _, b := range s.blobs {
		if b.blob.OwnerID == ownerID && b.deletingAt == nil {
			res = append(res, cloneBlob(b.blob))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (s *MemoryStore) MarkBlobDeleting(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[id]
	if !ok || b.deletingAt != nil {
		return false, nil
	}
	at = at.UTC()
	b.deletingAt = &at
	s.blobs[id] = b
	return true, nil
}

func (s *MemoryStore) DeleteBlob(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for taskID, t := range s.tasks {
		if t.SourceBlobID != nil && *t.SourceBlobID == id {
			t.SourceBlobID = nil
			s.tasks[taskID] = t
		}
	}
	if _, ok := s.blobs[id]; !ok {
		return false, nil
	}
	delete(s.blobs, id)
	return true, nil
}

func (s *MemoryStore) ListExpiredBlobs(_ context.Context, now time.Time, limit int) ([]domain.AudioBlob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := []domain.AudioBlob{}
	for _, b := range s.blobs {
		if b.deletingAt != nil || due(b.blob.DeleteAfter, now) {
			res = append(res, cloneBlob(b.blob))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return truncate(res, limit), nil
}

func (s *MemoryStore) SumBlobBytesByOwner(_ context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make(map[string]int64)
	for _, b := range s.blobs {
		res[b.blob.OwnerID] += b.blob.SizeBytes
	}
	return res, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task domain.ProcessingTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.IdempotencyKey != "" {
		k := task.OwnerID + "\x00" + task.IdempotencyKey
		if _, exists := s.idemKeys[k]; exists {
			return ErrDuplicateIdempotencyKey
		}
		s.idemKeys[k] = task.ID
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (domain.ProcessingTask, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.ProcessingTask{}, false, nil
	}
	return cloneTask(t), true, nil
}

func (s *MemoryStore) GetTaskByIdempotencyKey(ctx context.Context, ownerID, key string) (domain.ProcessingTask, bool, error) {
	s.mu.RLock()
	id, ok := s.idemKeys[ownerID+"\x00"+key]
	s.mu.RUnlock()
	if !ok {
		return domain.ProcessingTask{}, false, nil
	}
	return s.GetTask(ctx, id)
}

func (s *MemoryStore) GetTaskByExternalJobID(_ context.Context, externalJobID string) (domain.ProcessingTask, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.ExternalJobID != "" && t.ExternalJobID == externalJobID {
			return cloneTask(t), true, nil
		}
	}
	return domain.ProcessingTask{}, false, nil
}

func (s *MemoryStore) ListTasksByOwner(_ context.Context, ownerID string) ([]domain.ProcessingTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := []domain.ProcessingTask{}
	for _, t := range s.tasks {
		if t.OwnerID == ownerID {
			res = append(res, cloneTask(t))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (s *MemoryStore) SetExternalJobID(_ context.Context, id, externalJobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.ExternalJobID != "" {
		return false, nil
	}
	t.ExternalJobID = externalJobID
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	return true, nil
}

func (s *MemoryStore) TransitionTask(_ context.Context, id string, from domain.TaskStatus, update TaskUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = update.Status
	t.Phase = update.Phase
	t.Progress = update.Progress
	t.ErrorMessage = update.ErrorMessage
	t.UpdatedAt = update.UpdatedAt.UTC()
	if update.ProcessingSince != nil {
		at := update.ProcessingSince.UTC()
		t.ProcessingSince = &at
	}
	if update.CompletedAt != nil {
		at := update.CompletedAt.UTC()
		t.CompletedAt = &at
	}
	if update.Status == domain.TaskComplete {
		t.SealedTranscript = slices.Clone(update.SealedTranscript)
		t.SealedSummary = slices.Clone(update.SealedSummary)
		t.Preview = update.Preview
		t.Tags = slices.Clone(update.Tags)
		t.Metrics = cloneMetrics(update.Metrics)
	}
	s.tasks[id] = t
	return true, nil
}

func (s *MemoryStore) SetTaskSources(_ context.Context, id string, blobID, pairID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if blobID != nil {
		v := *blobID
		t.SourceBlobID = &v
	}
	if pairID != nil {
		v := *pairID
		t.SourcePairID = &v
	}
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	return nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, nil
	}
	if t.IdempotencyKey != "" {
		delete(s.idemKeys, t.OwnerID+"\x00"+t.IdempotencyKey)
	}
	delete(s.tasks, id)
	return true, nil
}

func (s *MemoryStore) ListStaleTasks(_ context.Context, statuses []domain.TaskStatus, before time.Time, limit int) ([]domain.ProcessingTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := []domain.ProcessingTask{}
	for _, t := range s.tasks {
		if slices.Contains(statuses, t.Status) && staleSince(t).Before(before) {
			res = append(res, cloneTask(t))
		}
	}
	sort.Slice(res, func(i, j int) bool { return staleSince(res[i]).Before(staleSince(res[j])) })
	return truncate(res, limit), nil
}

func (s *MemoryStore) ListExpiredTasks(_ context.Context, now time.Time, limit int) ([]domain.ProcessingTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := []domain.ProcessingTask{}
	for _, t := range s.tasks {
		if due(t.DeleteAfter, now) {
			res = append(res, cloneTask(t))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return truncate(res, limit), nil
}

func (s *MemoryStore) CreateTranscriptPair(_ context.Context, pair domain.TranscriptPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[pair.ID] = clonePair(pair)
	return nil
}

func (s *MemoryStore) GetTranscriptPair(_ context.Context, id string) (domain.TranscriptPair, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pairs[id]
	if !ok {
		return domain.TranscriptPair{}, false, nil
	}
	return clonePair(p), true, nil
}

func (s *MemoryStore) DeleteTranscriptPair(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for taskID, t := range s.tasks {
		if t.SourcePairID != nil && *t.SourcePairID == id {
			t.SourcePairID = nil
			s.tasks[taskID] = t
		}
	}
	if _, ok := s.pairs[id]; !ok {
		return false, nil
	}
	delete(s.pairs, id)
	return true, nil
}

func (s *MemoryStore) ListExpiredTranscriptPairs(_ context.Context, now time.Time, limit int) ([]domain.TranscriptPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := []domain.TranscriptPair{}
	for _, p := range s.pairs {
		if due(p.DeleteAfter, now) {
			res = append(res, clonePair(p))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return truncate(res, limit), nil
}

func (s *MemoryStore) GetSystemSettings(_ context.Context) (domain.SystemSettings, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.system == nil {
		return domain.SystemSettings{}, false, nil
	}
	return *s.system, true, nil
}

func (s *MemoryStore) SaveSystemSettings(_ context.Context, settings domain.SystemSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.system = &settings
	return nil
}

func (s *MemoryStore) GetOwnerSettings(_ context.Context, ownerID string) (domain.OwnerSettings, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.owners[ownerID]
	return o, ok, nil
}

func (s *MemoryStore) SaveOwnerSettings(_ context.Context, settings domain.OwnerSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[settings.OwnerID] = settings
	return nil
}

func due(deleteAfter *time.Time, now time.Time) bool {
	return deleteAfter != nil && !deleteAfter.After(now)
}

func truncate[T any](items []T, limit int) []T {
	limit = normalizeLimit(limit)
	if len(items) > limit {
		return items[:limit]
	}
	return items
}

func cloneBlob(b domain.AudioBlob) domain.AudioBlob {
	b.Nonce = slices.Clone(b.Nonce)
	return b
}

func staleSince(t domain.ProcessingTask) time.Time {
	if t.ProcessingSince != nil {
		return *t.ProcessingSince
	}
	return t.UpdatedAt
}

func cloneTask(t domain.ProcessingTask) domain.ProcessingTask {
	t.Features = slices.Clone(t.Features)
	t.Tags = slices.Clone(t.Tags)
	t.Metrics = cloneMetrics(t.Metrics)
	t.SealedTranscript = slices.Clone(t.SealedTranscript)
	t.SealedSummary = slices.Clone(t.SealedSummary)
	if t.SourceBlobID != nil {
		v := *t.SourceBlobID
		t.SourceBlobID = &v
	}
	if t.SourcePairID != nil {
		v := *t.SourcePairID
		t.SourcePairID = &v
	}
	if t.ProcessingSince != nil {
		v := *t.ProcessingSince
		t.ProcessingSince = &v
	}
	return t
}

func clonePair(p domain.TranscriptPair) domain.TranscriptPair {
	p.SealedTranscript = slices.Clone(p.SealedTranscript)
	p.SealedSummary = slices.Clone(p.SealedSummary)
	return p
}

func cloneMetrics(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
