package domain

import "time"

// TaskStatus is the lifecycle state of a processing task.
type TaskStatus string

const (
	TaskPending            TaskStatus = "PENDING"
	TaskSubmitting         TaskStatus = "SUBMITTING"
	TaskExternalProcessing TaskStatus = "EXTERNAL_PROCESSING"
	TaskComplete           TaskStatus = "COMPLETE"
	TaskFailed             TaskStatus = "FAILED"
)

// Terminal reports whether no further transitions are permitted.
func (s TaskStatus) Terminal() bool {
	return s == TaskComplete || s == TaskFailed
}

// Valid reports whether s is one of the known states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskSubmitting, TaskExternalProcessing, TaskComplete, TaskFailed:
		return true
	}
	return false
}

// AudioBlob is an immutable encrypted audio object.
type AudioBlob struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId"`
	SizeBytes     int64      `json:"sizeBytes"`
	ContentType   string     `json:"contentType"`
	Filename      string     `json:"filename,omitempty"`
	Locator       string     `json:"-"`
	Nonce         []byte     `json:"-"`
	OwnerDeviceID string     `json:"ownerDeviceId,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	DeleteAfter   *time.Time `json:"deleteAfter,omitempty"`
}

// TaskResult is the payload populated once on the transition into COMPLETE.
// Transcript and Summary are persisted sealed; the rest is stored cleartext
// so it can be listed and searched without decryption.
type TaskResult struct {
	Transcript string             `json:"transcript,omitempty"`
	Summary    string             `json:"summary,omitempty"`
	Preview    string             `json:"preview,omitempty"`
	Tags       []string           `json:"tags,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// ProcessingTask is one request to transform audio or text through the
// external processing service.
type ProcessingTask struct {
	ID               string             `json:"taskId"`
	OwnerID          string             `json:"ownerId"`
	ExternalJobID    string             `json:"-"`
	Status           TaskStatus         `json:"status"`
	Phase            string             `json:"phase,omitempty"`
	Progress         float64            `json:"progress,omitempty"`
	SourceBlobID     *string            `json:"sourceBlobId,omitempty"`
	SourcePairID     *string            `json:"sourcePairId,omitempty"`
	TemplateID       string             `json:"templateId,omitempty"`
	Features         []string           `json:"features,omitempty"`
	OwnerDeviceID    string             `json:"ownerDeviceId,omitempty"`
	IdempotencyKey   string             `json:"-"`
	SealedTranscript []byte             `json:"-"`
	SealedSummary    []byte             `json:"-"`
	Preview          string             `json:"preview,omitempty"`
	Tags             []string           `json:"tags,omitempty"`
	Metrics          map[string]float64 `json:"metrics,omitempty"`
	ErrorMessage     string             `json:"error,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
	ProcessingSince  *time.Time         `json:"processingSince,omitempty"`
	CompletedAt      *time.Time         `json:"completedAt,omitempty"`
	DeleteAfter      *time.Time         `json:"deleteAfter,omitempty"`
}

// TranscriptPair is a live transcript captured on-device, optionally with a
// client-produced summary. Both texts are stored sealed.
type TranscriptPair struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"ownerId"`
	SealedTranscript []byte     `json:"-"`
	SealedSummary    []byte     `json:"-"`
	OwnerDeviceID    string     `json:"ownerDeviceId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	DeleteAfter      *time.Time `json:"deleteAfter,omitempty"`
}

// SystemSettings are administrator-settable defaults. Zero retention values
// mean "never".
type SystemSettings struct {
	MaxUploadBytes          int64     `json:"maxUploadBytes"`
	QuotaBytes              int64     `json:"quotaBytes"`
	AudioRetentionDays      int       `json:"audioRetentionDays"`
	TaskRetentionDays       int       `json:"taskRetentionDays"`
	TranscriptRetentionDays int       `json:"transcriptRetentionDays"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// OwnerSettings override system defaults for one owner. Nil fields fall
// through to the system value.
type OwnerSettings struct {
	OwnerID                 string    `json:"ownerId"`
	QuotaBytes              *int64    `json:"quotaBytes,omitempty"`
	AudioRetentionDays      *int      `json:"audioRetentionDays,omitempty"`
	TaskRetentionDays       *int      `json:"taskRetentionDays,omitempty"`
	TranscriptRetentionDays *int      `json:"transcriptRetentionDays,omitempty"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// TaskEvent is emitted once per task reaching a terminal state.
type TaskEvent struct {
	Type    string     `json:"type"`
	TaskID  string     `json:"taskId"`
	OwnerID string     `json:"-"`
	Status  TaskStatus `json:"status"`
	Error   string     `json:"error,omitempty"`
	At      time.Time  `json:"at"`
}

const (
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
)
