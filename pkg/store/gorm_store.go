package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"recapai/pkg/domain"
)

const migrateLockID int64 = 73217322

const systemSettingsRowID = 1

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&BlobModel{}, &TaskModel{}, &TranscriptPairModel{}, &SystemSettingsModel{}, &OwnerSettingsModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				UPDATE task_models t SET source_blob_id = NULL
				WHERE source_blob_id IS NOT NULL
				  AND NOT EXISTS (SELECT 1 FROM blob_models b WHERE b.id = t.source_blob_id);
				UPDATE task_models t SET source_pair_id = NULL
				WHERE source_pair_id IS NOT NULL
				  AND NOT EXISTS (SELECT 1 FROM transcript_pair_models p WHERE p.id = t.source_pair_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'task_models'
					AND constraint_name = 'task_models_source_blob_id_fkey'
				) THEN
					ALTER TABLE task_models
					ADD CONSTRAINT task_models_source_blob_id_fkey
					FOREIGN KEY (source_blob_id) REFERENCES blob_models(id) ON DELETE SET NULL;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'task_models'
					AND constraint_name = 'task_models_source_pair_id_fkey'
				) THEN
					ALTER TABLE task_models
					ADD CONSTRAINT task_models_source_pair_id_fkey
					FOREIGN KEY (source_pair_id) REFERENCES transcript_pair_models(id) ON DELETE SET NULL;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure task foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateBlob inserts a committed blob row.
func (s *GormStore) CreateBlob(ctx context.Context, blob domain.AudioBlob) error {
	model := blobToModel(blob)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetBlob returns a live blob.
func (s *GormStore) GetBlob(ctx context.Context, id string) (domain.AudioBlob, bool, error) {
	var model BlobModel
	if err := s.db.WithContext(ctx).First(&model, "id = ? AND deleting_at IS NULL", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.AudioBlob{}, false, nil
		}
		return domain.AudioBlob{}, false, err
	}
	return blobFromModel(model), true, nil
}

// ListBlobsByOwner returns an owner's live blobs, newest first.
func (s *GormStore) ListBlobsByOwner(ctx context.Context, ownerID string) ([]domain.AudioBlob, error) {
	var models []BlobModel
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND deleting_at IS NULL", ownerID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.AudioBlob, 0, len(models))
	for _, m := range models {
		res = append(res, blobFromModel(m))
	}
	return res, nil
}

func (s *GormStore) MarkBlobDeleting(ctx context.Context, id string, at time.Time) (bool, error) {
	tx := s.db.WithContext(ctx).Model(&BlobModel{}).
		Where("id = ? AND deleting_at IS NULL", id).
		Update("deleting_at", at.UTC())
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

// DeleteBlob unlinks dependent tasks explicitly, then removes the row.
func (s *GormStore) DeleteBlob(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&TaskModel{}).Where("source_blob_id = ?", id).
			Update("source_blob_id", nil).Error; err != nil {
			return err
		}
		res := tx.Delete(&BlobModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected == 1
		return nil
	})
	return deleted, err
}

func (s *GormStore) ListExpiredBlobs(ctx context.Context, now time.Time, limit int) ([]domain.AudioBlob, error) {
	var models []BlobModel
	if err := s.db.WithContext(ctx).
		Where("deleting_at IS NOT NULL OR (delete_after IS NOT NULL AND delete_after <= ?)", now.UTC()).
		Order("delete_after ASC NULLS FIRST").
		Limit(normalizeLimit(limit)).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.AudioBlob, 0, len(models))
	for _, m := range models {
		res = append(res, blobFromModel(m))
	}
	return res, nil
}

func (s *GormStore) SumBlobBytesByOwner(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		OwnerID string
		Total   int64
	}
	if err := s.db.WithContext(ctx).Model(&BlobModel{}).
		Select("owner_id, COALESCE(SUM(size_bytes), 0) AS total").
		Group("owner_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make(map[string]int64, len(rows))
	for _, r := range rows {
		res[r.OwnerID] = r.Total
	}
	return res, nil
}

// CreateTask inserts a new task row.
func (s *GormStore) CreateTask(ctx context.Context, task domain.ProcessingTask) error {
	model := taskToModel(task)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) && model.IdempotencyKey != nil {
			return ErrDuplicateIdempotencyKey
		}
		return err
	}
	return nil
}

func (s *GormStore) GetTask(ctx context.Context, id string) (domain.ProcessingTask, bool, error) {
	return s.firstTask(ctx, "id = ?", id)
}

func (s *GormStore) GetTaskByIdempotencyKey(ctx context.Context, ownerID, key string) (domain.ProcessingTask, bool, error) {
	return s.firstTask(ctx, "owner_id = ? AND idempotency_key = ?", ownerID, key)
}

func (s *GormStore) GetTaskByExternalJobID(ctx context.Context, externalJobID string) (domain.ProcessingTask, bool, error) {
	return s.firstTask(ctx, "external_job_id = ?", externalJobID)
}

func (s *GormStore) firstTask(ctx context.Context, query string, args ...any) (domain.ProcessingTask, bool, error) {
	var model TaskModel
	if err := s.db.WithContext(ctx).Where(query, args...).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ProcessingTask{}, false, nil
		}
		return domain.ProcessingTask{}, false, err
	}
	return taskFromModel(model), true, nil
}

// ListTasksByOwner returns an owner's tasks, newest first.
func (s *GormStore) ListTasksByOwner(ctx context.Context, ownerID string) ([]domain.ProcessingTask, error) {
	return s.listTasks(ctx, 0, "created_at DESC", "owner_id = ?", ownerID)
}

func (s *GormStore) listTasks(ctx context.Context, limit int, order string, conds ...any) ([]domain.ProcessingTask, error) {
	var models []TaskModel
	tx := s.db.WithContext(ctx).Order(order)
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ProcessingTask, 0, len(models))
	for _, m := range models {
		res = append(res, taskFromModel(m))
	}
	return res, nil
}

func (s *GormStore) SetExternalJobID(ctx context.Context, id, externalJobID string) (bool, error) {
	tx := s.db.WithContext(ctx).Model(&TaskModel{}).
		Where("id = ? AND external_job_id IS NULL", id).
		Updates(map[string]any{
			"external_job_id": externalJobID,
			"updated_at":      time.Now().UTC(),
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

// TransitionTask is a compare-and-swap on the current status.
func (s *GormStore) TransitionTask(ctx context.Context, id string, from domain.TaskStatus, update TaskUpdate) (bool, error) {
	updates := map[string]any{
		"status":        string(update.Status),
		"phase":         update.Phase,
		"progress":      update.Progress,
		"error_message": update.ErrorMessage,
		"updated_at":    update.UpdatedAt.UTC(),
	}
	if update.ProcessingSince != nil {
		updates["processing_since"] = update.ProcessingSince.UTC()
	}
	if update.CompletedAt != nil {
		updates["completed_at"] = update.CompletedAt.UTC()
	}
	if update.Status == domain.TaskComplete {
		updates["sealed_transcript"] = update.SealedTranscript
		updates["sealed_summary"] = update.SealedSummary
		updates["preview"] = update.Preview
		updates["tags"] = datatypes.JSON(marshalJSON(update.Tags))
		updates["metrics"] = datatypes.JSON(marshalJSON(update.Metrics))
	}
	tx := s.db.WithContext(ctx).Model(&TaskModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (s *GormStore) SetTaskSources(ctx context.Context, id string, blobID, pairID *string) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if blobID != nil {
		updates["source_blob_id"] = *blobID
	}
	if pairID != nil {
		updates["source_pair_id"] = *pairID
	}
	tx := s.db.WithContext(ctx).Model(&TaskModel{}).Where("id = ?", id).Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask removes the task row only; linked blobs and pairs stay.
func (s *GormStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	tx := s.db.WithContext(ctx).Delete(&TaskModel{}, "id = ?", id)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (s *GormStore) ListStaleTasks(ctx context.Context, statuses []domain.TaskStatus, before time.Time, limit int) ([]domain.ProcessingTask, error) {
	if len(statuses) == 0 {
		return []domain.ProcessingTask{}, nil
	}
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	return s.listTasks(ctx, normalizeLimit(limit), "COALESCE(processing_since, updated_at) ASC",
		"status IN ? AND COALESCE(processing_since, updated_at) < ?", names, before.UTC())
}

func (s *GormStore) ListExpiredTasks(ctx context.Context, now time.Time, limit int) ([]domain.ProcessingTask, error) {
	return s.listTasks(ctx, normalizeLimit(limit), "delete_after ASC",
		"delete_after IS NOT NULL AND delete_after <= ?", now.UTC())
}

func (s *GormStore) CreateTranscriptPair(ctx context.Context, pair domain.TranscriptPair) error {
	model := pairToModel(pair)
	return s.db.WithContext(ctx).Create(&model).Error
}

func (s *GormStore) GetTranscriptPair(ctx context.Context, id string) (domain.TranscriptPair, bool, error) {
	var model TranscriptPairModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.TranscriptPair{}, false, nil
		}
		return domain.TranscriptPair{}, false, err
	}
	return pairFromModel(model), true, nil
}

func (s *GormStore) DeleteTranscriptPair(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&TaskModel{}).Where("source_pair_id = ?", id).
			Update("source_pair_id", nil).Error; err != nil {
			return err
		}
		res := tx.Delete(&TranscriptPairModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected == 1
		return nil
	})
	return deleted, err
}

func (s *GormStore) ListExpiredTranscriptPairs(ctx context.Context, now time.Time, limit int) ([]domain.TranscriptPair, error) {
	var models []TranscriptPairModel
	if err := s.db.WithContext(ctx).
		Where("delete_after IS NOT NULL AND delete_after <= ?", now.UTC()).
		Order("delete_after ASC").
		Limit(normalizeLimit(limit)).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.TranscriptPair, 0, len(models))
	for _, m := range models {
		res = append(res, pairFromModel(m))
	}
	return res, nil
}

func (s *GormStore) GetSystemSettings(ctx context.Context) (domain.SystemSettings, bool, error) {
	var model SystemSettingsModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", systemSettingsRowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.SystemSettings{}, false, nil
		}
		return domain.SystemSettings{}, false, err
	}
	return domain.SystemSettings{
		MaxUploadBytes:          model.MaxUploadBytes,
		QuotaBytes:              model.QuotaBytes,
		AudioRetentionDays:      model.AudioRetentionDays,
		TaskRetentionDays:       model.TaskRetentionDays,
		TranscriptRetentionDays: model.TranscriptRetentionDays,
		UpdatedAt:               model.UpdatedAt,
	}, true, nil
}

func (s *GormStore) SaveSystemSettings(ctx context.Context, settings domain.SystemSettings) error {
	model := SystemSettingsModel{
		ID:                      systemSettingsRowID,
		MaxUploadBytes:          settings.MaxUploadBytes,
		QuotaBytes:              settings.QuotaBytes,
		AudioRetentionDays:      settings.AudioRetentionDays,
		TaskRetentionDays:       settings.TaskRetentionDays,
		TranscriptRetentionDays: settings.TranscriptRetentionDays,
		UpdatedAt:               settings.UpdatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"max_upload_bytes", "quota_bytes", "audio_retention_days", "task_retention_days", "transcript_retention_days", "updated_at"}),
	}).Create(&model).Error
}

func (s *GormStore) GetOwnerSettings(ctx context.Context, ownerID string) (domain.OwnerSettings, bool, error) {
	var model OwnerSettingsModel
	if err := s.db.WithContext(ctx).First(&model, "owner_id = ?", ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.OwnerSettings{}, false, nil
		}
		return domain.OwnerSettings{}, false, err
	}
	return domain.OwnerSettings{
		OwnerID:                 model.OwnerID,
		QuotaBytes:              model.QuotaBytes,
		AudioRetentionDays:      model.AudioRetentionDays,
		TaskRetentionDays:       model.TaskRetentionDays,
		TranscriptRetentionDays: model.TranscriptRetentionDays,
		UpdatedAt:               model.UpdatedAt,
	}, true, nil
}

func (s *GormStore) SaveOwnerSettings(ctx context.Context, settings domain.OwnerSettings) error {
	model := OwnerSettingsModel{
		OwnerID:                 settings.OwnerID,
		QuotaBytes:              settings.QuotaBytes,
		AudioRetentionDays:      settings.AudioRetentionDays,
		TaskRetentionDays:       settings.TaskRetentionDays,
		TranscriptRetentionDays: settings.TranscriptRetentionDays,
		UpdatedAt:               settings.UpdatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"quota_bytes", "audio_retention_days", "task_retention_days", "transcript_retention_days", "updated_at"}),
	}).Create(&model).Error
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}

func marshalJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil || string(raw) == "null" {
		return nil
	}
	return raw
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func blobToModel(b domain.AudioBlob) BlobModel {
	return BlobModel{
		ID:            b.ID,
		OwnerID:       b.OwnerID,
		SizeBytes:     b.SizeBytes,
		ContentType:   b.ContentType,
		Filename:      b.Filename,
		Locator:       b.Locator,
		Nonce:         b.Nonce,
		OwnerDeviceID: b.OwnerDeviceID,
		CreatedAt:     b.CreatedAt,
		DeleteAfter:   b.DeleteAfter,
	}
}

func blobFromModel(m BlobModel) domain.AudioBlob {
	return domain.AudioBlob{
		ID:            m.ID,
		OwnerID:       m.OwnerID,
		SizeBytes:     m.SizeBytes,
		ContentType:   m.ContentType,
		Filename:      m.Filename,
		Locator:       m.Locator,
		Nonce:         m.Nonce,
		OwnerDeviceID: m.OwnerDeviceID,
		CreatedAt:     m.CreatedAt,
		DeleteAfter:   m.DeleteAfter,
	}
}

func taskToModel(t domain.ProcessingTask) TaskModel {
	return TaskModel{
		ID:               t.ID,
		OwnerID:          t.OwnerID,
		IdempotencyKey:   optionalString(t.IdempotencyKey),
		ExternalJobID:    optionalString(t.ExternalJobID),
		Status:           string(t.Status),
		Phase:            t.Phase,
		Progress:         t.Progress,
		SourceBlobID:     t.SourceBlobID,
		SourcePairID:     t.SourcePairID,
		TemplateID:       t.TemplateID,
		Features:         marshalJSON(t.Features),
		OwnerDeviceID:    t.OwnerDeviceID,
		SealedTranscript: t.SealedTranscript,
		SealedSummary:    t.SealedSummary,
		Preview:          t.Preview,
		Tags:             marshalJSON(t.Tags),
		Metrics:          marshalJSON(t.Metrics),
		ErrorMessage:     t.ErrorMessage,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		ProcessingSince:  t.ProcessingSince,
		CompletedAt:      t.CompletedAt,
		DeleteAfter:      t.DeleteAfter,
	}
}

func taskFromModel(m TaskModel) domain.ProcessingTask {
	t := domain.ProcessingTask{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		Status:           domain.TaskStatus(m.Status),
		Phase:            m.Phase,
		Progress:         m.Progress,
		SourceBlobID:     m.SourceBlobID,
		SourcePairID:     m.SourcePairID,
		TemplateID:       m.TemplateID,
		OwnerDeviceID:    m.OwnerDeviceID,
		SealedTranscript: m.SealedTranscript,
		SealedSummary:    m.SealedSummary,
		Preview:          m.Preview,
		ErrorMessage:     m.ErrorMessage,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
		ProcessingSince:  m.ProcessingSince,
		CompletedAt:      m.CompletedAt,
		DeleteAfter:      m.DeleteAfter,
	}
	if m.IdempotencyKey != nil {
		t.IdempotencyKey = *m.IdempotencyKey
	}
	if m.ExternalJobID != nil {
		t.ExternalJobID = *m.ExternalJobID
	}
	if len(m.Features) > 0 {
		_ = json.Unmarshal(m.Features, &t.Features)
	}
	if len(m.Tags) > 0 {
		_ = json.Unmarshal(m.Tags, &t.Tags)
	}
	if len(m.Metrics) > 0 {
		_ = json.Unmarshal(m.Metrics, &t.Metrics)
	}
	return t
}

func pairToModel(p domain.TranscriptPair) TranscriptPairModel {
	return TranscriptPairModel{
		ID:               p.ID,
		OwnerID:          p.OwnerID,
		SealedTranscript: p.SealedTranscript,
		SealedSummary:    p.SealedSummary,
		OwnerDeviceID:    p.OwnerDeviceID,
		CreatedAt:        p.CreatedAt,
		DeleteAfter:      p.DeleteAfter,
	}
}

func pairFromModel(m TranscriptPairModel) domain.TranscriptPair {
	return domain.TranscriptPair{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		SealedTranscript: m.SealedTranscript,
		SealedSummary:    m.SealedSummary,
		OwnerDeviceID:    m.OwnerDeviceID,
		CreatedAt:        m.CreatedAt,
		DeleteAfter:      m.DeleteAfter,
	}
}
