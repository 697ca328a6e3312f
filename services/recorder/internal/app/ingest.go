package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"recapai/pkg/audit"
	"recapai/pkg/domain"
	"recapai/pkg/jobclient"
	"recapai/pkg/quota"
	"recapai/pkg/storage"
)

const (
	maxFieldBytes          = 4 << 10
	maxLiveTranscriptBytes = 1 << 20
	maxFeatures            = 16
	maxRequestDeleteDays   = 3650
)

var (
	errPayloadTooLarge = errors.New("payload exceeds ceiling")

	templateIDPattern  = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
	featurePattern     = regexp.MustCompile(`^[a-z0-9._-]{1,32}$`)
	idempotencyPattern = regexp.MustCompile(`^[\x21-\x7e]{1,128}$`)
)

// IngestRequest is one streamed upload. Body is the raw multipart stream;
// SetReadDeadline, when set, lets the gateway enforce the idle timeout.
type IngestRequest struct {
	OwnerID         string
	DeviceID        string
	IdempotencyKey  string
	Body            io.Reader
	Boundary        string
	SetReadDeadline func(time.Time) error
}

// IngestResult is the accepted-upload response. Status is the state the task
// was created in.
type IngestResult struct {
	TaskID   string            `json:"taskId"`
	Status   domain.TaskStatus `json:"status"`
	BlobID   string            `json:"blobId,omitempty"`
	Replayed bool              `json:"-"`
}

// sidecar holds the recognized form fields of an upload.
type sidecar struct {
	TemplateID      string
	Features        []string
	SourceBlobID    string
	DeleteAfterDays *int
	OwnerDeviceID   string
	IdempotencyKey  string
	LiveTranscript  *string
}

type stagedFile struct {
	file        *os.File
	nonce       []byte
	size        int64
	filename    string
	contentType string
}

// Ingest accepts an upload: it stages the payload encrypted under a
// process-local key while enforcing the size ceiling, then records the task,
// persists the blob under quota and submits the job.
func (a *App) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	if req.OwnerID == "" {
		return IngestResult{}, invalid(CodeInvalidRequest, "owner required")
	}
	if a.limiter != nil {
		if d := a.limiter.Allow(ctx, "upload:"+req.OwnerID); !d.Allowed {
			return IngestResult{}, &Error{Kind: KindRateLimited, Code: CodeRateLimited, Message: "too many uploads", RetryAfter: d.RetryAfter}
		}
	}
	maxBytes, err := a.config.MaxUploadBytes(ctx)
	if err != nil {
		return IngestResult{}, internal("read upload ceiling", err)
	}

	body := req.Body
	if req.SetReadDeadline != nil {
		body = &idleReader{r: req.Body, set: req.SetReadDeadline, idle: a.idleTimeout}
	}
	fields, staged, err := a.readUpload(multipart.NewReader(body, req.Boundary), maxBytes)
	if staged != nil {
		defer a.staging.Discard(staged.file)
	}
	if err != nil {
		return IngestResult{}, err
	}
	if req.SetReadDeadline != nil {
		_ = req.SetReadDeadline(time.Time{})
	}
	if err := validateSidecar(&fields, req, staged); err != nil {
		return IngestResult{}, err
	}
	if fields.OwnerDeviceID == "" {
		fields.OwnerDeviceID = req.DeviceID
	}

	if fields.IdempotencyKey != "" {
		existing, ok, err := a.store.GetTaskByIdempotencyKey(ctx, req.OwnerID, fields.IdempotencyKey)
		if err != nil {
			return IngestResult{}, internal("idempotency lookup", err)
		}
		if ok {
			return replay(existing), nil
		}
	}

	// Past this point the upload was fully received; finish the pipeline
	// even if the client goes away so the task ends in a definite state.
	ctx = context.WithoutCancel(ctx)

	var source domain.AudioBlob
	var res *quota.Reservation
	if fields.SourceBlobID != "" {
		blob, ok, err := a.store.GetBlob(ctx, fields.SourceBlobID)
		if err != nil {
			return IngestResult{}, internal("load source blob", err)
		}
		if !ok || blob.OwnerID != req.OwnerID {
			a.denied(ctx, req.OwnerID, "blob", fields.SourceBlobID)
			return IngestResult{}, invalid(CodeSourceNotFound, "source recording not found")
		}
		source = blob
	} else {
		ceiling, err := a.config.QuotaCeiling(ctx, req.OwnerID)
		if err != nil {
			return IngestResult{}, internal("read quota ceiling", err)
		}
		res, err = a.ledger.Reserve(ctx, req.OwnerID, staged.size, ceiling)
		if errors.Is(err, quota.ErrQuotaExceeded) {
			return IngestResult{}, &Error{Kind: KindQuotaExceeded, Code: CodeQuotaExceeded, Message: "storage quota exceeded"}
		}
		if err != nil {
			return IngestResult{}, internal("reserve quota", err)
		}
	}
	release := func() {
		if res != nil {
			if err := a.ledger.Release(ctx, res); err != nil {
				slog.WarnContext(ctx, "quota release failed", "owner_id", req.OwnerID, "err", err)
			}
			res = nil
		}
	}

	now := a.now().UTC()
	var pairID *string
	if fields.LiveTranscript != nil {
		pair, err := a.createPair(ctx, req.OwnerID, fields.OwnerDeviceID, PairInput{Transcript: *fields.LiveTranscript}, now)
		if err != nil {
			release()
			return IngestResult{}, err
		}
		pairID = &pair.ID
	}
	taskDeleteAfter, err := resolveDeleteAfter(ctx, a.config, req.OwnerID, KindTask, nil, now)
	if err != nil {
		release()
		return IngestResult{}, internal("resolve task retention", err)
	}
	spec := TaskSpec{
		OwnerID:        req.OwnerID,
		IdempotencyKey: fields.IdempotencyKey,
		SourcePairID:   pairID,
		TemplateID:     fields.TemplateID,
		Features:       fields.Features,
		OwnerDeviceID:  fields.OwnerDeviceID,
		DeleteAfter:    taskDeleteAfter,
	}
	if source.ID != "" {
		spec.SourceBlobID = &source.ID
	}
	task, created, err := a.registry.Create(ctx, spec)
	if err != nil {
		release()
		a.dropPair(ctx, pairID)
		return IngestResult{}, internal("create task", err)
	}
	if !created {
		release()
		a.dropPair(ctx, pairID)
		return replay(task), nil
	}

	if source.ID == "" {
		blob, err := a.persistBlob(ctx, task, staged, fields, res, now)
		res = nil
		if err != nil {
			a.failTask(ctx, task.ID, "storing audio failed")
			return IngestResult{}, err
		}
		source = blob
		if err := a.store.SetTaskSources(ctx, task.ID, &source.ID, nil); err != nil {
			a.failTask(ctx, task.ID, "linking audio failed")
			return IngestResult{}, internal("link source blob", err)
		}
	}

	if err := a.submitAudio(ctx, task, source); err != nil {
		return IngestResult{}, withStored(err, task.ID, source.ID)
	}
	return IngestResult{TaskID: task.ID, Status: domain.TaskPending, BlobID: source.ID}, nil
}

func replay(t domain.ProcessingTask) IngestResult {
	r := IngestResult{TaskID: t.ID, Status: domain.TaskPending, Replayed: true}
	if t.SourceBlobID != nil {
		r.BlobID = *t.SourceBlobID
	}
	return r
}

// persistBlob moves the staged payload into the blob store, records the
// row and commits the reservation. Every failure path releases the
// reservation and leaves neither row nor object behind.
func (a *App) persistBlob(ctx context.Context, task domain.ProcessingTask, staged *stagedFile, fields sidecar, res *quota.Reservation, now time.Time) (domain.AudioBlob, error) {
	release := func() {
		if err := a.ledger.Release(ctx, res); err != nil && !errors.Is(err, quota.ErrReservationExpired) {
			slog.WarnContext(ctx, "quota release failed", "owner_id", task.OwnerID, "err", err)
		}
	}
	deleteAfter, err := resolveDeleteAfter(ctx, a.config, task.OwnerID, KindAudio, fields.DeleteAfterDays, now)
	if err != nil {
		release()
		return domain.AudioBlob{}, internal("resolve audio retention", err)
	}
	if _, err := staged.file.Seek(0, io.SeekStart); err != nil {
		release()
		return domain.AudioBlob{}, internal("rewind staged upload", err)
	}
	plain, err := a.stageCipher.Decrypt(staged.file, staged.nonce)
	if err != nil {
		release()
		return domain.AudioBlob{}, internal("read staged upload", err)
	}
	blobID := newID()
	put, err := a.blobs.Put(ctx, task.OwnerID, blobID, plain)
	if err != nil {
		release()
		return domain.AudioBlob{}, internal("store audio", err)
	}
	blob := domain.AudioBlob{
		ID:            blobID,
		OwnerID:       task.OwnerID,
		SizeBytes:     put.Size,
		ContentType:   staged.contentType,
		Filename:      staged.filename,
		Locator:       put.Locator,
		Nonce:         put.Nonce,
		OwnerDeviceID: fields.OwnerDeviceID,
		CreatedAt:     now,
		DeleteAfter:   deleteAfter,
	}
	if err := a.store.CreateBlob(ctx, blob); err != nil {
		a.removeObject(ctx, blob.Locator)
		release()
		return domain.AudioBlob{}, internal("record audio", err)
	}
	if err := a.ledger.Commit(ctx, res); err != nil {
		if _, delErr := a.store.DeleteBlob(ctx, blob.ID); delErr != nil {
			slog.ErrorContext(ctx, "rollback blob row failed", "blob_id", blob.ID, "err", delErr)
		}
		a.removeObject(ctx, blob.Locator)
		if errors.Is(err, quota.ErrReservationExpired) {
			return domain.AudioBlob{}, &Error{Kind: KindQuotaExceeded, Code: CodeQuotaExceeded, Message: "storage quota reservation expired", Err: err}
		}
		release()
		return domain.AudioBlob{}, internal("commit quota", err)
	}
	a.record(ctx, audit.Event{Action: audit.ActionBlobStored, Outcome: audit.OutcomeSuccess,
		OwnerID: blob.OwnerID, ObjectType: "blob", ObjectID: blob.ID,
		Detail: map[string]string{"size": strconv.FormatInt(blob.SizeBytes, 10)}})
	return blob, nil
}

func (a *App) removeObject(ctx context.Context, locator string) {
	if err := a.blobs.Delete(ctx, locator); err != nil && !errors.Is(err, storage.ErrNotFound) {
		slog.ErrorContext(ctx, "rollback blob object failed", "err", err)
	}
}

// submitAudio streams a stored blob to the processing service.
func (a *App) submitAudio(ctx context.Context, task domain.ProcessingTask, blob domain.AudioBlob) error {
	return a.submit(ctx, task, func() (jobclient.SubmitRequest, func(), error) {
		rc, err := a.blobs.Get(ctx, blob.Locator, blob.Nonce)
		if err != nil {
			return jobclient.SubmitRequest{}, nil, err
		}
		return jobclient.SubmitRequest{
			Audio:       rc,
			Filename:    submitFilename(blob),
			ContentType: blob.ContentType,
		}, func() { _ = rc.Close() }, nil
	})
}

// submit runs PENDING -> SUBMITTING -> EXTERNAL_PROCESSING. The task is
// already durable; any failure here moves it to FAILED with the reason.
func (a *App) submit(ctx context.Context, task domain.ProcessingTask, build func() (jobclient.SubmitRequest, func(), error)) error {
	if _, err := a.registry.Advance(ctx, task.ID, domain.TaskSubmitting, Progress{}); err != nil {
		return internal("mark submitting", err)
	}
	req, done, err := build()
	if err != nil {
		if errors.Is(err, storage.ErrCorrupted) {
			a.failTask(ctx, task.ID, "source failed integrity check")
			a.integrityFailed(ctx, task.OwnerID, "task", task.ID)
			return &Error{Kind: KindIntegrity, Code: CodeIntegrity, Message: "source failed integrity check", Err: err}
		}
		a.failTask(ctx, task.ID, "source unavailable")
		return internal("open source", err)
	}
	req.TemplateID = task.TemplateID
	req.Features = task.Features
	req.Reference = task.ID
	jobID, err := a.jobs.Submit(ctx, req)
	if done != nil {
		done()
	}
	if err != nil {
		var rejected *jobclient.RejectedError
		if errors.As(err, &rejected) {
			a.failTask(ctx, task.ID, "processing service rejected the job")
			return &Error{Kind: KindUpstreamRejected, Code: CodeUpstreamRejected, Message: "processing service rejected the job", Err: err}
		}
		a.failTask(ctx, task.ID, "processing service unavailable")
		return &Error{Kind: KindUpstreamUnavailable, Code: CodeUpstreamUnavailable, Message: "processing service unavailable", Err: err}
	}
	if err := a.registry.AttachExternalJob(ctx, task.ID, jobID); err != nil {
		a.failTask(ctx, task.ID, "external job mapping failed")
		return internal("attach external job", err)
	}
	if _, err := a.registry.Advance(ctx, task.ID, domain.TaskExternalProcessing, Progress{}); err != nil && !errors.Is(err, ErrIllegalTransition) {
		return internal("mark processing", err)
	}
	if a.poller != nil {
		if err := a.poller.Enqueue(ctx, task.ID); err != nil {
			slog.WarnContext(ctx, "poll enqueue failed; relying on callback and stale sweep", "task_id", task.ID, "err", err)
		}
	}
	return nil
}

func (a *App) failTask(ctx context.Context, taskID, reason string) {
	if _, err := a.registry.Advance(ctx, taskID, domain.TaskFailed, Progress{Error: reason}); err != nil && !errors.Is(err, ErrIllegalTransition) {
		slog.ErrorContext(ctx, "failed to mark task failed", "task_id", taskID, "reason", reason, "err", err)
	}
}

func (a *App) readUpload(mr *multipart.Reader, maxBytes int64) (sidecar, *stagedFile, error) {
	var fields sidecar
	var staged *stagedFile
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return fields, staged, nil
		}
		if err != nil {
			return fields, staged, readError(err)
		}
		name := part.FormName()
		if name == "file" {
			if staged != nil {
				part.Close()
				return fields, staged, invalid(CodeInvalidRequest, "only one file part is allowed")
			}
			staged, err = a.stagePart(part, maxBytes)
			part.Close()
			if err != nil {
				return fields, staged, err
			}
			continue
		}
		limit := int64(maxFieldBytes)
		if name == "liveTranscript" {
			limit = maxLiveTranscriptBytes
		}
		value, err := readField(part, limit)
		part.Close()
		if err != nil {
			return fields, staged, err
		}
		if err := fields.set(name, value); err != nil {
			return fields, staged, err
		}
	}
}

func (a *App) stagePart(part *multipart.Part, maxBytes int64) (*stagedFile, error) {
	filename := filepath.Base(strings.TrimSpace(part.FileName()))
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := a.allowedExt[ext]; !ok {
		return nil, &Error{Kind: KindUnsupportedMedia, Code: CodeUnsupportedMedia, Message: "unsupported file type"}
	}
	contentType, ok := acceptContentType(part.Header.Get("Content-Type"), ext)
	if !ok {
		return nil, &Error{Kind: KindUnsupportedMedia, Code: CodeUnsupportedMedia, Message: "unsupported content type"}
	}
	f, err := a.staging.CreateStage()
	if err != nil {
		return nil, internal("stage upload", err)
	}
	staged := &stagedFile{file: f, filename: filename, contentType: contentType}
	cr := &ceilingReader{r: part, max: maxBytes}
	nonce, n, err := a.stageCipher.Encrypt(f, cr)
	if err != nil {
		if cr.err != nil {
			return staged, readError(cr.err)
		}
		return staged, internal("stage upload", err)
	}
	if n == 0 {
		return staged, invalid(CodePayloadRequired, "audio payload is empty")
	}
	staged.nonce = nonce
	staged.size = n
	return staged, nil
}

func readError(err error) error {
	switch {
	case errors.Is(err, errPayloadTooLarge):
		return &Error{Kind: KindPayloadTooLarge, Code: CodePayloadTooLarge, Message: "payload exceeds the upload limit"}
	case errors.Is(err, os.ErrDeadlineExceeded):
		return &Error{Kind: KindStalled, Code: CodeUploadStalled, Message: "upload stalled", Err: err}
	default:
		return &Error{Kind: KindInvalid, Code: CodeInvalidRequest, Message: "malformed multipart body", Err: err}
	}
}

func readField(part *multipart.Part, limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, limit+1))
	if err != nil {
		return "", readError(err)
	}
	if int64(len(data)) > limit {
		return "", invalid(CodeInvalidRequest, fmt.Sprintf("field %s is too long", part.FormName()))
	}
	return string(data), nil
}

func (s *sidecar) set(name, value string) error {
	value = strings.TrimSpace(value)
	switch name {
	case "templateId":
		s.TemplateID = value
	case "features":
		for _, f := range strings.Split(value, ",") {
			if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
				s.Features = append(s.Features, f)
			}
		}
	case "sourceBlobId":
		s.SourceBlobID = value
	case "deleteAfterDays":
		if value == "" {
			return nil
		}
		days, err := strconv.Atoi(value)
		if err != nil {
			return invalid(CodeInvalidRequest, "deleteAfterDays must be an integer")
		}
		s.DeleteAfterDays = &days
	case "ownerDeviceId":
		s.OwnerDeviceID = value
	case "idempotencyKey":
		s.IdempotencyKey = value
	case "liveTranscript":
		s.LiveTranscript = &value
	case "liveSummary", "summary":
		return invalid(CodeInvalidRequest, "a summary cannot be supplied with an upload")
	default:
		return invalid(CodeInvalidRequest, fmt.Sprintf("unknown field %q", name))
	}
	return nil
}

func validateSidecar(s *sidecar, req IngestRequest, staged *stagedFile) error {
	if staged == nil && s.SourceBlobID == "" {
		return invalid(CodePayloadRequired, "audio payload is required (field: file)")
	}
	if staged != nil && s.SourceBlobID != "" {
		return invalid(CodeInvalidRequest, "provide either a file or sourceBlobId, not both")
	}
	if err := validateFields(s, req.IdempotencyKey); err != nil {
		return err
	}
	if s.LiveTranscript != nil && strings.TrimSpace(*s.LiveTranscript) == "" {
		s.LiveTranscript = nil
	}
	return nil
}

// validateFields checks the options shared by every task-creating request.
// headerKey is the Idempotency-Key header, if any.
func validateFields(s *sidecar, headerKey string) error {
	if s.TemplateID != "" && !templateIDPattern.MatchString(s.TemplateID) {
		return invalid(CodeInvalidRequest, "invalid templateId")
	}
	if len(s.Features) > maxFeatures {
		return invalid(CodeInvalidRequest, "too many features")
	}
	for _, f := range s.Features {
		if !featurePattern.MatchString(f) {
			return invalid(CodeInvalidRequest, fmt.Sprintf("invalid feature %q", f))
		}
	}
	if s.DeleteAfterDays != nil && (*s.DeleteAfterDays < 1 || *s.DeleteAfterDays > maxRequestDeleteDays) {
		return invalid(CodeInvalidRequest, fmt.Sprintf("deleteAfterDays must be between 1 and %d", maxRequestDeleteDays))
	}
	if len(s.OwnerDeviceID) > 128 {
		return invalid(CodeInvalidRequest, "ownerDeviceId is too long")
	}
	header := strings.TrimSpace(headerKey)
	switch {
	case header != "" && s.IdempotencyKey != "" && header != s.IdempotencyKey:
		return invalid(CodeInvalidRequest, "idempotency key header and field disagree")
	case s.IdempotencyKey == "":
		s.IdempotencyKey = header
	}
	if s.IdempotencyKey != "" && !idempotencyPattern.MatchString(s.IdempotencyKey) {
		return invalid(CodeInvalidRequest, "invalid idempotency key")
	}
	return nil
}

// acceptContentType checks the declared part type and returns the type to
// record for the blob.
func acceptContentType(declared, ext string) (string, bool) {
	mediaType := "application/octet-stream"
	if strings.TrimSpace(declared) != "" {
		mt, _, err := mime.ParseMediaType(declared)
		if err != nil {
			return "", false
		}
		mediaType = mt
	}
	switch {
	case strings.HasPrefix(mediaType, "audio/"):
		return mediaType, true
	case mediaType == "application/octet-stream", mediaType == "video/mp4", mediaType == "video/webm", mediaType == "video/3gpp":
		if byExt := mime.TypeByExtension(ext); strings.HasPrefix(byExt, "audio/") {
			return byExt, true
		}
		return mediaType, true
	}
	return "", false
}

func submitFilename(b domain.AudioBlob) string {
	if b.Filename != "" {
		return b.Filename
	}
	ext := ".bin"
	if exts, _ := mime.ExtensionsByType(b.ContentType); len(exts) > 0 {
		ext = exts[0]
	}
	return b.ID + ext
}

// ceilingReader fails with errPayloadTooLarge on the first byte past max
// and remembers the error its source returned.
type ceilingReader struct {
	r     io.Reader
	max   int64
	count int64
	err   error
}

func (c *ceilingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.count += int64(n)
	if c.count > c.max {
		c.err = errPayloadTooLarge
		return 0, c.err
	}
	if err != nil && err != io.EOF {
		c.err = err
	}
	return n, err
}

// idleReader pushes the read deadline forward before every read so only a
// stalled stream, not a long one, hits the timeout.
type idleReader struct {
	r    io.Reader
	set  func(time.Time) error
	idle time.Duration
}

func (i *idleReader) Read(p []byte) (int, error) {
	_ = i.set(time.Now().Add(i.idle))
	return i.r.Read(p)
}
