package app

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"recapai/pkg/audit"
	"recapai/pkg/domain"
	"recapai/pkg/jobclient"
)

const (
	maxPairTranscriptBytes = maxLiveTranscriptBytes
	maxPairSummaryBytes    = 256 << 10
)

// PairInput is the body of a transcript pair. Summary is only honored on
// the direct channel.
type PairInput struct {
	Transcript      string `json:"transcript"`
	Summary         string `json:"summary,omitempty"`
	OwnerDeviceID   string `json:"ownerDeviceId,omitempty"`
	DeleteAfterDays *int   `json:"deleteAfterDays,omitempty"`
}

// PairView is a decrypted transcript pair.
type PairView struct {
	ID            string     `json:"id"`
	Transcript    string     `json:"transcript"`
	Summary       string     `json:"summary,omitempty"`
	OwnerDeviceID string     `json:"ownerDeviceId,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	DeleteAfter   *time.Time `json:"deleteAfter,omitempty"`
}

// CreateTranscriptPair stores a live transcript, and optionally the summary
// the device produced for it.
func (a *App) CreateTranscriptPair(ctx context.Context, ownerID, deviceID string, in PairInput) (PairView, error) {
	if in.OwnerDeviceID == "" {
		in.OwnerDeviceID = deviceID
	}
	if err := checkPairInput(in); err != nil {
		return PairView{}, err
	}
	pair, err := a.createPair(ctx, ownerID, in.OwnerDeviceID, in, a.now().UTC())
	if err != nil {
		return PairView{}, err
	}
	return PairView{
		ID:            pair.ID,
		Transcript:    in.Transcript,
		Summary:       in.Summary,
		OwnerDeviceID: pair.OwnerDeviceID,
		CreatedAt:     pair.CreatedAt,
		DeleteAfter:   pair.DeleteAfter,
	}, nil
}

func checkPairInput(in PairInput) error {
	switch {
	case strings.TrimSpace(in.Transcript) == "":
		return invalid(CodeInvalidRequest, "transcript is required")
	case len(in.Transcript) > maxPairTranscriptBytes:
		return invalid(CodeInvalidRequest, "transcript is too long")
	case len(in.Summary) > maxPairSummaryBytes:
		return invalid(CodeInvalidRequest, "summary is too long")
	case !utf8.ValidString(in.Transcript) || !utf8.ValidString(in.Summary):
		return invalid(CodeInvalidRequest, "transcript must be valid UTF-8")
	case len(in.OwnerDeviceID) > 128:
		return invalid(CodeInvalidRequest, "ownerDeviceId is too long")
	case in.DeleteAfterDays != nil && (*in.DeleteAfterDays < 1 || *in.DeleteAfterDays > maxRequestDeleteDays):
		return invalid(CodeInvalidRequest, "deleteAfterDays out of range")
	}
	return nil
}

// createPair seals and stores a pair. Channel rules are the caller's job.
func (a *App) createPair(ctx context.Context, ownerID, deviceID string, in PairInput, now time.Time) (domain.TranscriptPair, error) {
	if !utf8.ValidString(in.Transcript) {
		return domain.TranscriptPair{}, invalid(CodeInvalidRequest, "transcript must be valid UTF-8")
	}
	deleteAfter, err := resolveDeleteAfter(ctx, a.config, ownerID, KindTranscriptPair, in.DeleteAfterDays, now)
	if err != nil {
		return domain.TranscriptPair{}, internal("resolve transcript retention", err)
	}
	cipher := a.registry.cipher
	sealedTranscript, err := cipher.Seal([]byte(in.Transcript))
	if err != nil {
		return domain.TranscriptPair{}, internal("seal transcript", err)
	}
	var sealedSummary []byte
	if in.Summary != "" {
		if sealedSummary, err = cipher.Seal([]byte(in.Summary)); err != nil {
			return domain.TranscriptPair{}, internal("seal summary", err)
		}
	}
	pair := domain.TranscriptPair{
		ID:               newID(),
		OwnerID:          ownerID,
		SealedTranscript: sealedTranscript,
		SealedSummary:    sealedSummary,
		OwnerDeviceID:    deviceID,
		CreatedAt:        now,
		DeleteAfter:      deleteAfter,
	}
	if err := a.store.CreateTranscriptPair(ctx, pair); err != nil {
		return domain.TranscriptPair{}, internal("store transcript pair", err)
	}
	a.record(ctx, audit.Event{Action: audit.ActionPairCreated, Outcome: audit.OutcomeSuccess,
		OwnerID: ownerID, ObjectType: "transcript_pair", ObjectID: pair.ID})
	return pair, nil
}

// dropPair removes a pair created for a request that did not go through.
func (a *App) dropPair(ctx context.Context, pairID *string) {
	if pairID == nil {
		return
	}
	if _, err := a.store.DeleteTranscriptPair(ctx, *pairID); err != nil {
		slog.WarnContext(ctx, "orphan transcript pair cleanup failed", "pair_id", *pairID, "err", err)
	}
}

func (a *App) ownedPair(ctx context.Context, ownerID, pairID string) (domain.TranscriptPair, error) {
	pair, ok, err := a.store.GetTranscriptPair(ctx, pairID)
	if err != nil {
		return pair, internal("load transcript pair", err)
	}
	if !ok || pair.OwnerID != ownerID {
		return domain.TranscriptPair{}, notFound(CodePairNotFound, "transcript pair not found")
	}
	return pair, nil
}

// GetTranscriptPair returns a decrypted pair owned by ownerID.
func (a *App) GetTranscriptPair(ctx context.Context, ownerID, pairID string) (PairView, error) {
	pair, err := a.ownedPair(ctx, ownerID, pairID)
	if err != nil {
		return PairView{}, err
	}
	transcript, summary, err := a.openPair(ctx, pair)
	if err != nil {
		return PairView{}, err
	}
	return PairView{
		ID:            pair.ID,
		Transcript:    transcript,
		Summary:       summary,
		OwnerDeviceID: pair.OwnerDeviceID,
		CreatedAt:     pair.CreatedAt,
		DeleteAfter:   pair.DeleteAfter,
	}, nil
}

func (a *App) openPair(ctx context.Context, pair domain.TranscriptPair) (string, string, error) {
	cipher := a.registry.cipher
	transcript, err := cipher.Open(pair.SealedTranscript)
	if err != nil {
		a.integrityFailed(ctx, pair.OwnerID, "transcript_pair", pair.ID)
		return "", "", &Error{Kind: KindIntegrity, Code: CodeIntegrity, Message: "transcript failed integrity check", Err: err}
	}
	var summary []byte
	if len(pair.SealedSummary) > 0 {
		if summary, err = cipher.Open(pair.SealedSummary); err != nil {
			a.integrityFailed(ctx, pair.OwnerID, "transcript_pair", pair.ID)
			return "", "", &Error{Kind: KindIntegrity, Code: CodeIntegrity, Message: "summary failed integrity check", Err: err}
		}
	}
	return string(transcript), string(summary), nil
}

// DeleteTranscriptPair removes a pair. Tasks that referenced it keep
// existing with the reference cleared.
func (a *App) DeleteTranscriptPair(ctx context.Context, ownerID, pairID string) error {
	if _, err := a.ownedPair(ctx, ownerID, pairID); err != nil {
		return err
	}
	if _, err := a.store.DeleteTranscriptPair(ctx, pairID); err != nil {
		return internal("delete transcript pair", err)
	}
	a.record(ctx, audit.Event{Action: audit.ActionPairDeleted, Outcome: audit.OutcomeSuccess,
		OwnerID: ownerID, ObjectType: "transcript_pair", ObjectID: pairID})
	return nil
}

// LinkRequest names the sources to attach to a task. Nil fields are left
// unchanged.
type LinkRequest struct {
	BlobID *string `json:"blobId,omitempty"`
	PairID *string `json:"pairId,omitempty"`
}

// LinkSource records which recording and transcript pair a task came from.
// Every referenced object must belong to the task's owner.
func (a *App) LinkSource(ctx context.Context, ownerID, taskID string, req LinkRequest) (domain.ProcessingTask, error) {
	if req.BlobID == nil && req.PairID == nil {
		return domain.ProcessingTask{}, invalid(CodeInvalidRequest, "blobId or pairId required")
	}
	if _, err := a.registry.owned(ctx, taskID, ownerID); err != nil {
		return domain.ProcessingTask{}, err
	}
	if req.BlobID != nil {
		blob, ok, err := a.store.GetBlob(ctx, *req.BlobID)
		if err != nil {
			return domain.ProcessingTask{}, internal("load blob", err)
		}
		if !ok || blob.OwnerID != ownerID {
			a.denied(ctx, ownerID, "blob", *req.BlobID)
			return domain.ProcessingTask{}, invalid(CodeSourceNotFound, "recording not found")
		}
	}
	if req.PairID != nil {
		pair, ok, err := a.store.GetTranscriptPair(ctx, *req.PairID)
		if err != nil {
			return domain.ProcessingTask{}, internal("load transcript pair", err)
		}
		if !ok || pair.OwnerID != ownerID {
			a.denied(ctx, ownerID, "transcript_pair", *req.PairID)
			return domain.ProcessingTask{}, invalid(CodeSourceNotFound, "transcript pair not found")
		}
	}
	if err := a.store.SetTaskSources(ctx, taskID, req.BlobID, req.PairID); err != nil {
		return domain.ProcessingTask{}, internal("link sources", err)
	}
	task, err := a.registry.owned(ctx, taskID, ownerID)
	if err != nil {
		return domain.ProcessingTask{}, err
	}
	a.record(ctx, audit.Event{Action: audit.ActionSourceLinked, Outcome: audit.OutcomeSuccess,
		OwnerID: ownerID, ObjectType: "task", ObjectID: taskID})
	task.ExternalJobID = ""
	return task, nil
}

// PairSummary describes a linked pair without its text.
type PairSummary struct {
	ID          string     `json:"id"`
	HasSummary  bool       `json:"hasSummary"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeleteAfter *time.Time `json:"deleteAfter,omitempty"`
}

// ProvenanceView is the chain a task was derived from. Blob and Pair are nil
// when never linked or already deleted.
type ProvenanceView struct {
	Task domain.ProcessingTask `json:"task"`
	Blob *domain.AudioBlob     `json:"recording,omitempty"`
	Pair *PairSummary          `json:"transcriptPair,omitempty"`
}

func (a *App) Provenance(ctx context.Context, ownerID, taskID string) (ProvenanceView, error) {
	task, err := a.registry.owned(ctx, taskID, ownerID)
	if err != nil {
		return ProvenanceView{}, err
	}
	task.ExternalJobID = ""
	task.SealedTranscript, task.SealedSummary = nil, nil
	view := ProvenanceView{Task: task}
	if task.SourceBlobID != nil {
		blob, ok, err := a.store.GetBlob(ctx, *task.SourceBlobID)
		if err != nil {
			return ProvenanceView{}, internal("load blob", err)
		}
		if ok && blob.OwnerID == ownerID {
			view.Blob = &blob
		}
	}
	if task.SourcePairID != nil {
		pair, ok, err := a.store.GetTranscriptPair(ctx, *task.SourcePairID)
		if err != nil {
			return ProvenanceView{}, internal("load transcript pair", err)
		}
		if ok && pair.OwnerID == ownerID {
			view.Pair = &PairSummary{
				ID:          pair.ID,
				HasSummary:  len(pair.SealedSummary) > 0,
				CreatedAt:   pair.CreatedAt,
				DeleteAfter: pair.DeleteAfter,
			}
		}
	}
	return view, nil
}

// TextRequest asks for a processing task over a stored transcript.
type TextRequest struct {
	PairID         string   `json:"pairId"`
	TemplateID     string   `json:"templateId,omitempty"`
	Features       []string `json:"features,omitempty"`
	OwnerDeviceID  string   `json:"ownerDeviceId,omitempty"`
	IdempotencyKey string   `json:"idempotencyKey,omitempty"`
}

// SubmitText creates a task over a transcript pair and submits its text.
func (a *App) SubmitText(ctx context.Context, ownerID, deviceID string, req TextRequest) (IngestResult, error) {
	fields := sidecar{
		TemplateID:     strings.TrimSpace(req.TemplateID),
		OwnerDeviceID:  req.OwnerDeviceID,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	}
	for _, f := range req.Features {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			fields.Features = append(fields.Features, f)
		}
	}
	if req.PairID == "" {
		return IngestResult{}, invalid(CodeInvalidRequest, "pairId required")
	}
	if err := validateFields(&fields, ""); err != nil {
		return IngestResult{}, err
	}
	if fields.OwnerDeviceID == "" {
		fields.OwnerDeviceID = deviceID
	}
	if fields.IdempotencyKey != "" {
		existing, ok, err := a.store.GetTaskByIdempotencyKey(ctx, ownerID, fields.IdempotencyKey)
		if err != nil {
			return IngestResult{}, internal("idempotency lookup", err)
		}
		if ok {
			return replay(existing), nil
		}
	}
	pair, err := a.ownedPair(ctx, ownerID, req.PairID)
	if err != nil {
		if AsError(err).Kind == KindNotFound {
			a.denied(ctx, ownerID, "transcript_pair", req.PairID)
			return IngestResult{}, invalid(CodeSourceNotFound, "transcript pair not found")
		}
		return IngestResult{}, err
	}
	transcript, _, err := a.openPair(ctx, pair)
	if err != nil {
		return IngestResult{}, err
	}

	ctx = context.WithoutCancel(ctx)
	taskDeleteAfter, err := resolveDeleteAfter(ctx, a.config, ownerID, KindTask, nil, a.now().UTC())
	if err != nil {
		return IngestResult{}, internal("resolve task retention", err)
	}
	task, created, err := a.registry.Create(ctx, TaskSpec{
		OwnerID:        ownerID,
		IdempotencyKey: fields.IdempotencyKey,
		SourcePairID:   &pair.ID,
		TemplateID:     fields.TemplateID,
		Features:       fields.Features,
		OwnerDeviceID:  fields.OwnerDeviceID,
		DeleteAfter:    taskDeleteAfter,
	})
	if err != nil {
		return IngestResult{}, internal("create task", err)
	}
	if !created {
		return replay(task), nil
	}
	err = a.submit(ctx, task, func() (jobclient.SubmitRequest, func(), error) {
		return jobclient.SubmitRequest{Text: transcript}, nil, nil
	})
	if err != nil {
		return IngestResult{}, withStored(err, task.ID, "")
	}
	return IngestResult{TaskID: task.ID, Status: domain.TaskPending}, nil
}

func (a *App) denied(ctx context.Context, ownerID, objectType, objectID string) {
	a.record(ctx, audit.Event{Action: audit.ActionAccessDenied, Outcome: audit.OutcomeDenied,
		OwnerID: ownerID, ObjectType: objectType, ObjectID: objectID})
}

func (a *App) integrityFailed(ctx context.Context, ownerID, objectType, objectID string) {
	a.record(ctx, audit.Event{Action: audit.ActionIntegrityFailed, Outcome: audit.OutcomeFailure,
		OwnerID: ownerID, ObjectType: objectType, ObjectID: objectID})
}
